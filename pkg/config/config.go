package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/errors"
)

// Config represents the complete application configuration
type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	Peer      PeerConfig      `json:"peer"`
	Ambience  AmbienceConfig  `json:"ambience"`
	Latency   LatencyConfig   `json:"latency"`
	Tools     ToolsConfig     `json:"tools"`
	Messaging MessagingConfig `json:"messaging"`
	Logging   LoggingConfig   `json:"logging"`
}

// HTTPConfig holds the server surface configuration
type HTTPConfig struct {
	// Listen port for websocket media streams, health and metrics
	Port int `json:"port" env:"HTTP_PORT" default:"8080"`

	// Path the telephony transport connects its media stream to
	MediaStreamPath string `json:"media_stream_path" env:"MEDIA_STREAM_PATH" default:"/media-stream"`

	// Read/write timeout for plain HTTP endpoints
	ReadTimeout  time.Duration `json:"read_timeout" env:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `json:"write_timeout" env:"HTTP_WRITE_TIMEOUT" default:"10s"`

	// Metrics exposure
	MetricsEnabled bool `json:"metrics_enabled" env:"METRICS_ENABLED" default:"true"`
}

// PeerConfig holds the realtime inference peer connection configuration
type PeerConfig struct {
	// Websocket URL of the realtime inference API
	URL string `json:"url" env:"PEER_URL" default:"wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview"`

	// Bearer token for the peer connection
	APIKey string `json:"-" env:"PEER_API_KEY"`

	Voice        string  `json:"voice" env:"PEER_VOICE" default:"alloy"`
	Instructions string  `json:"instructions" env:"PEER_INSTRUCTIONS"`
	Temperature  float64 `json:"temperature" env:"PEER_TEMPERATURE" default:"0.8"`

	// Server-side voice activity detection tuning
	VADThreshold      float64 `json:"vad_threshold" env:"PEER_VAD_THRESHOLD" default:"0.5"`
	SilenceDurationMs int     `json:"silence_duration_ms" env:"PEER_SILENCE_DURATION_MS" default:"500"`

	DialTimeout time.Duration `json:"dial_timeout" env:"PEER_DIAL_TIMEOUT" default:"10s"`
}

// AmbienceConfig holds the background audio mixing configuration
type AmbienceConfig struct {
	// Path to the looped ambience asset; the call proceeds without
	// ambience when the file is missing
	AssetPath string `json:"asset_path" env:"AMBIENCE_ASSET_PATH" default:"assets/ambience.wav"`

	// Mixing weight for the ambience bed (speech weight is fixed at 1.0)
	Weight float64 `json:"weight" env:"AMBIENCE_WEIGHT" default:"0.18"`

	// Mixer subprocess binary
	FFmpegPath string `json:"ffmpeg_path" env:"FFMPEG_PATH" default:"ffmpeg"`

	// Silence fill cadence while the AI is not speaking
	SilenceInterval time.Duration `json:"silence_interval" env:"AMBIENCE_SILENCE_INTERVAL" default:"20ms"`
}

// LatencyConfig holds the latency instrumentation configuration
type LatencyConfig struct {
	// Round trip probe cadence on each live socket
	PingInterval time.Duration `json:"ping_interval" env:"LATENCY_PING_INTERVAL" default:"5s"`
}

// ToolsConfig holds tool dispatch and memoization configuration
type ToolsConfig struct {
	StoreCacheSize int `json:"store_cache_size" env:"TOOL_STORE_CACHE_SIZE" default:"400"`
	MenuCacheSize  int `json:"menu_cache_size" env:"TOOL_MENU_CACHE_SIZE" default:"200"`
	KBCacheSize    int `json:"kb_cache_size" env:"TOOL_KB_CACHE_SIZE" default:"200"`

	// Geocoder collaborator endpoint
	GeocoderURL     string        `json:"geocoder_url" env:"GEOCODER_URL" default:"https://nominatim.openstreetmap.org/search"`
	GeocoderTimeout time.Duration `json:"geocoder_timeout" env:"GEOCODER_TIMEOUT" default:"5s"`
}

// MessagingConfig holds the observability sink configuration
type MessagingConfig struct {
	// AMQP URL; empty disables the sink entirely
	AMQPUrl string `json:"-" env:"AMQP_URL"`

	// Queue call events are published to
	QueueName string `json:"queue_name" env:"AMQP_QUEUE_NAME" default:"voicebridge_events"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	// Log level
	Level string `json:"level" env:"LOG_LEVEL" default:"info"`

	// Log format (json or text)
	Format string `json:"format" env:"LOG_FORMAT" default:"json"`

	// Log output file (empty = stdout)
	OutputFile string `json:"output_file" env:"LOG_OUTPUT_FILE"`
}

// Load reads configuration from .env files and the process environment
func Load(logger *logrus.Logger) (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("Failed to get current working directory")
		wd = "unknown"
	}

	// Try loading a .env file from the usual locations
	possibleEnvFiles := []string{
		".env",
		"../.env",
		filepath.Join(wd, ".env"),
	}

	var loadedFrom string
	for _, envFile := range possibleEnvFiles {
		if _, statErr := os.Stat(envFile); statErr == nil {
			absPath, _ := filepath.Abs(envFile)
			if loadErr := godotenv.Load(envFile); loadErr == nil {
				loadedFrom = absPath
				break
			}
		}
	}

	if loadedFrom != "" {
		logger.WithFields(logrus.Fields{
			"working_dir": wd,
			"path":        loadedFrom,
		}).Info("Successfully loaded .env file")
	} else {
		logger.WithField("working_dir", wd).Debug("No .env file found, using environment variables only")
	}

	config := &Config{}

	if err := loadHTTPConfig(&config.HTTP); err != nil {
		return nil, errors.Wrap(err, "failed to load HTTP configuration")
	}
	if err := loadPeerConfig(&config.Peer); err != nil {
		return nil, errors.Wrap(err, "failed to load peer configuration")
	}
	if err := loadAmbienceConfig(&config.Ambience); err != nil {
		return nil, errors.Wrap(err, "failed to load ambience configuration")
	}
	if err := loadLatencyConfig(&config.Latency); err != nil {
		return nil, errors.Wrap(err, "failed to load latency configuration")
	}
	if err := loadToolsConfig(&config.Tools); err != nil {
		return nil, errors.Wrap(err, "failed to load tools configuration")
	}
	loadMessagingConfig(&config.Messaging)
	loadLoggingConfig(&config.Logging)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadHTTPConfig(cfg *HTTPConfig) error {
	var err error

	cfg.Port, err = getEnvInt("HTTP_PORT", 8080)
	if err != nil {
		return err
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return errors.New("HTTP_PORT out of range").WithField("port", cfg.Port)
	}

	cfg.MediaStreamPath = getEnv("MEDIA_STREAM_PATH", "/media-stream")
	if !strings.HasPrefix(cfg.MediaStreamPath, "/") {
		cfg.MediaStreamPath = "/" + cfg.MediaStreamPath
	}

	cfg.ReadTimeout, err = getEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return err
	}
	cfg.WriteTimeout, err = getEnvDuration("HTTP_WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return err
	}

	cfg.MetricsEnabled = getEnvBool("METRICS_ENABLED", true)
	return nil
}

func loadPeerConfig(cfg *PeerConfig) error {
	var err error

	cfg.URL = getEnv("PEER_URL", "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview")
	cfg.APIKey = getEnv("PEER_API_KEY", "")
	cfg.Voice = getEnv("PEER_VOICE", "alloy")
	cfg.Instructions = getEnv("PEER_INSTRUCTIONS", "")

	cfg.Temperature, err = getEnvFloat("PEER_TEMPERATURE", 0.8)
	if err != nil {
		return err
	}

	cfg.VADThreshold, err = getEnvFloat("PEER_VAD_THRESHOLD", 0.5)
	if err != nil {
		return err
	}

	cfg.SilenceDurationMs, err = getEnvInt("PEER_SILENCE_DURATION_MS", 500)
	if err != nil {
		return err
	}

	cfg.DialTimeout, err = getEnvDuration("PEER_DIAL_TIMEOUT", 10*time.Second)
	return err
}

func loadAmbienceConfig(cfg *AmbienceConfig) error {
	var err error

	cfg.AssetPath = getEnv("AMBIENCE_ASSET_PATH", "assets/ambience.wav")
	cfg.FFmpegPath = getEnv("FFMPEG_PATH", "ffmpeg")

	cfg.Weight, err = getEnvFloat("AMBIENCE_WEIGHT", 0.18)
	if err != nil {
		return err
	}
	if cfg.Weight < 0 || cfg.Weight > 1 {
		return errors.New("AMBIENCE_WEIGHT must be between 0 and 1").WithField("weight", cfg.Weight)
	}

	cfg.SilenceInterval, err = getEnvDuration("AMBIENCE_SILENCE_INTERVAL", 20*time.Millisecond)
	return err
}

func loadLatencyConfig(cfg *LatencyConfig) error {
	var err error
	cfg.PingInterval, err = getEnvDuration("LATENCY_PING_INTERVAL", 5*time.Second)
	return err
}

func loadToolsConfig(cfg *ToolsConfig) error {
	var err error

	cfg.StoreCacheSize, err = getEnvInt("TOOL_STORE_CACHE_SIZE", 400)
	if err != nil {
		return err
	}
	cfg.MenuCacheSize, err = getEnvInt("TOOL_MENU_CACHE_SIZE", 200)
	if err != nil {
		return err
	}
	cfg.KBCacheSize, err = getEnvInt("TOOL_KB_CACHE_SIZE", 200)
	if err != nil {
		return err
	}

	cfg.GeocoderURL = getEnv("GEOCODER_URL", "https://nominatim.openstreetmap.org/search")
	cfg.GeocoderTimeout, err = getEnvDuration("GEOCODER_TIMEOUT", 5*time.Second)
	return err
}

func loadMessagingConfig(cfg *MessagingConfig) {
	cfg.AMQPUrl = getEnv("AMQP_URL", "")
	cfg.QueueName = getEnv("AMQP_QUEUE_NAME", "voicebridge_events")
}

func loadLoggingConfig(cfg *LoggingConfig) {
	cfg.Level = getEnv("LOG_LEVEL", "info")
	cfg.Format = getEnv("LOG_FORMAT", "json")
	cfg.OutputFile = getEnv("LOG_OUTPUT_FILE", "")
}

// Validate checks cross-field constraints after loading
func (c *Config) Validate() error {
	if c.Peer.URL == "" {
		return errors.New("PEER_URL is required")
	}
	if !strings.HasPrefix(c.Peer.URL, "ws://") && !strings.HasPrefix(c.Peer.URL, "wss://") {
		return errors.New("PEER_URL must be a websocket URL").WithField("url", c.Peer.URL)
	}
	if c.Ambience.SilenceInterval <= 0 {
		return errors.New("AMBIENCE_SILENCE_INTERVAL must be positive")
	}
	if c.Latency.PingInterval <= 0 {
		return errors.New("LATENCY_PING_INTERVAL must be positive")
	}
	return nil
}

// SetupLogger applies the logging configuration to a logrus logger
func (c *Config) SetupLogger(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(strings.ToLower(c.Logging.Level))
	if err != nil {
		return errors.Wrap(err, "invalid log level").WithField("level", c.Logging.Level)
	}
	logger.SetLevel(level)

	if strings.EqualFold(c.Logging.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if c.Logging.OutputFile != "" {
		file, err := os.OpenFile(c.Logging.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, "failed to open log output file").WithField("path", c.Logging.OutputFile)
		}
		logger.SetOutput(file)
	}

	return nil
}

// Helper function to get an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Helper function to get a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrap(err, fmt.Sprintf("%s must be an integer", key))
	}
	return parsed, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}

	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, errors.Wrap(err, fmt.Sprintf("%s must be a number", key))
	}
	return parsed, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrap(err, fmt.Sprintf("%s must be a duration", key))
	}
	return parsed, nil
}
