package audio

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/config"
	"voicebridge-server/pkg/errors"
	"voicebridge-server/pkg/metrics"
)

// Telephony audio framing: 8 kHz mono mulaw, 20 ms frames.
const (
	sampleRate       = 8000
	frameDuration    = 20 * time.Millisecond
	silenceFrameSize = int(sampleRate * int64(frameDuration) / int64(time.Second)) // 160 bytes

	// mulaw encodes zero amplitude as 0xFF
	muLawSilence = 0xFF

	outputChunkSize = 4096
)

var silenceFrame = func() []byte {
	frame := make([]byte, silenceFrameSize)
	for i := range frame {
		frame[i] = muLawSilence
	}
	return frame
}()

// mixerRunner spawns the mixing subprocess. Swappable so tests can stand in
// an in-memory process.
type mixerRunner func(cfg *config.AmbienceConfig) (stdin io.WriteCloser, stdout io.ReadCloser, wait func() error, terminate func(), err error)

// Mixer owns one long-lived audio mixing subprocess per call. The process
// reads push-fed AI speech on stdin and a looped ambience file, blends them
// with the ambience weighted low, and emits the mixed stream on stdout.
// While the AI is not speaking a 20 ms ticker pushes silence frames so the
// duration-governed combine filter never starves and the caller always
// hears a continuous stream.
type Mixer struct {
	logger *logrus.Logger
	cfg    *config.AmbienceConfig

	// onChunk forwards each mixed output chunk to the telephony transport
	onChunk func([]byte)

	runner mixerRunner

	mu       sync.Mutex
	stdin    io.WriteCloser
	started  bool
	stopped  bool
	speaking bool

	terminate  func()
	stopOnce   sync.Once
	tickerDone chan struct{}
}

// NewMixer creates a mixer pipeline. onChunk receives every mixed output
// chunk and must not be nil once Start succeeds.
func NewMixer(logger *logrus.Logger, cfg *config.AmbienceConfig, onChunk func([]byte)) *Mixer {
	return &Mixer{
		logger:     logger,
		cfg:        cfg,
		onChunk:    onChunk,
		runner:     spawnFFmpeg,
		tickerDone: make(chan struct{}),
	}
}

// Start spawns the mixing subprocess. It returns false instead of an error
// when the ambience asset is missing or the process cannot be spawned: the
// call proceeds without ambience and Feed/SetAISpeaking become no-ops.
func (m *Mixer) Start() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started || m.stopped {
		return m.started
	}

	if _, err := os.Stat(m.cfg.AssetPath); err != nil {
		unavailable := errors.NewMixerUnavailable("ambience asset missing").
			WithField("asset", m.cfg.AssetPath)
		m.logger.WithError(unavailable).
			Warn("Ambience asset missing, call proceeds without ambient mix")
		metrics.RecordMixerStart("no_ambience")
		return false
	}

	stdin, stdout, wait, terminate, err := m.runner(m.cfg)
	if err != nil {
		m.logger.WithError(err).Error("Failed to spawn audio mixer process")
		metrics.RecordMixerStart("error")
		return false
	}

	m.stdin = stdin
	m.terminate = terminate
	m.started = true

	go m.pumpOutput(stdout)
	go m.watchProcess(wait)
	go m.silenceLoop()

	m.logger.WithFields(logrus.Fields{
		"asset":  m.cfg.AssetPath,
		"weight": m.cfg.Weight,
	}).Info("Audio mixer pipeline started")
	metrics.RecordMixerStart("ok")
	return true
}

// Feed pushes one fragment of AI speech audio into the mixer. Safe to call
// before Start or after Stop; those calls are no-ops.
func (m *Mixer) Feed(buffer []byte) {
	m.mu.Lock()
	stdin := m.stdin
	ok := m.started && !m.stopped
	m.mu.Unlock()

	if !ok || len(buffer) == 0 {
		return
	}

	if _, err := stdin.Write(buffer); err != nil {
		m.logger.WithError(err).Debug("Mixer speech input write failed")
	}
}

// SetAISpeaking toggles the speaking flag. While false, the silence ticker
// keeps the speech input advancing.
func (m *Mixer) SetAISpeaking(speaking bool) {
	m.mu.Lock()
	m.speaking = speaking
	m.mu.Unlock()
}

// Speaking reports the current speaking flag.
func (m *Mixer) Speaking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speaking
}

// Stop cancels the silence ticker and terminates the mixing process.
// Idempotent, including after the process already exited.
func (m *Mixer) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		wasStarted := m.started
		m.started = false
		stdin := m.stdin
		terminate := m.terminate
		m.mu.Unlock()

		close(m.tickerDone)

		if !wasStarted {
			return
		}

		if stdin != nil {
			if err := stdin.Close(); err != nil {
				m.logger.WithError(err).Debug("Error closing mixer stdin")
			}
		}
		if terminate != nil {
			terminate()
		}

		m.logger.Info("Audio mixer pipeline stopped")
	})
}

// pumpOutput forwards every mixed chunk to the transport callback and
// records the outbound byte count.
func (m *Mixer) pumpOutput(stdout io.ReadCloser) {
	defer stdout.Close()

	buf := make([]byte, outputChunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			metrics.RecordOutboundAudio(n)
			if m.onChunk != nil {
				m.onChunk(chunk)
			}
		}
		if err != nil {
			if err != io.EOF {
				m.logger.WithError(err).Debug("Mixer output read ended")
			}
			return
		}
	}
}

// watchProcess logs the subprocess exit. An unexpected death degrades the
// call to no-mix; it never tears the session down.
func (m *Mixer) watchProcess(wait func() error) {
	err := wait()

	m.mu.Lock()
	stopped := m.stopped
	m.started = false
	m.mu.Unlock()

	if stopped {
		metrics.RecordMixerExit("stopped")
		return
	}

	metrics.RecordMixerExit("unexpected")
	if err != nil {
		m.logger.WithError(err).Error("Audio mixer process exited unexpectedly")
	} else {
		m.logger.Error("Audio mixer process exited unexpectedly with status 0")
	}
}

// silenceLoop pushes one silence frame per tick while the AI is not
// speaking so the mixer's output timeline advances continuously.
func (m *Mixer) silenceLoop() {
	interval := m.cfg.SilenceInterval
	if interval <= 0 {
		interval = frameDuration
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.tickerDone:
			return
		case <-ticker.C:
			m.mu.Lock()
			stdin := m.stdin
			push := m.started && !m.stopped && !m.speaking
			m.mu.Unlock()

			if !push {
				continue
			}
			if _, err := stdin.Write(silenceFrame); err != nil {
				m.logger.WithError(err).Debug("Silence frame write failed")
				return
			}
			metrics.RecordMixerSilenceFrame()
		}
	}
}

// spawnFFmpeg launches the default ffmpeg mixing process: speech on stdin,
// the ambience file looped forever, combined with the speech weighted 1.0
// and the ambience weighted per configuration, mulaw in and out.
func spawnFFmpeg(cfg *config.AmbienceConfig) (io.WriteCloser, io.ReadCloser, func() error, func(), error) {
	filter := fmt.Sprintf(
		"[1:a]volume=%.3f[amb];[0:a][amb]amix=inputs=2:duration=first:dropout_transition=0:normalize=0",
		cfg.Weight,
	)

	cmd := exec.Command(cfg.FFmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-f", "mulaw", "-ar", "8000", "-ac", "1", "-i", "pipe:0",
		"-stream_loop", "-1", "-i", cfg.AssetPath,
		"-filter_complex", filter,
		"-f", "mulaw", "-ar", "8000", "-ac", "1",
		"pipe:1",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, nil, nil, err
	}

	terminate := func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}

	return stdin, stdout, cmd.Wait, terminate, nil
}
