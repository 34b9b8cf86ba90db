package bridge

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/config"
	"voicebridge-server/pkg/errors"
)

// Conn is the websocket surface the orchestrator writes to. Both live
// sockets and the test fakes implement it.
type Conn interface {
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// PeerClient wraps the inference peer websocket with serialized writes.
type PeerClient struct {
	logger *logrus.Logger
	conn   *websocket.Conn
	mu     sync.Mutex
}

// DialPeer connects and authenticates against the realtime inference API.
func DialPeer(logger *logrus.Logger, cfg *config.PeerConfig) (*PeerClient, error) {
	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	conn, resp, err := dialer.Dial(cfg.URL, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, errors.Wrap(err, "failed to dial inference peer").
			WithField("url", cfg.URL).
			WithField("status", status)
	}

	logger.WithField("url", cfg.URL).Info("Connected to inference peer")
	return &PeerClient{logger: logger, conn: conn}, nil
}

func (c *PeerClient) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *PeerClient) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

// ReadMessage blocks for the next peer frame. Only one reader goroutine
// may call it.
func (c *PeerClient) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

// Ping sends a control ping carrying the probe payload.
func (c *PeerClient) Ping(payload []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, payload, deadline)
}

// SetPongHandler installs the round trip probe receiver.
func (c *PeerClient) SetPongHandler(handler func(string) error) {
	c.conn.SetPongHandler(handler)
}

func (c *PeerClient) Close() error {
	return c.conn.Close()
}

// Configure pushes the session profile: audio formats, voice activity
// detection tuning and the tool schemas the peer may invoke.
func (c *PeerClient) Configure(cfg *config.PeerConfig, definitions []map[string]interface{}) error {
	update := map[string]interface{}{
		"type": "session.update",
		"session": map[string]interface{}{
			"turn_detection": map[string]interface{}{
				"type":                "server_vad",
				"threshold":           cfg.VADThreshold,
				"silence_duration_ms": cfg.SilenceDurationMs,
			},
			"input_audio_format":  "g711_ulaw",
			"output_audio_format": "g711_ulaw",
			"voice":               cfg.Voice,
			"instructions":        cfg.Instructions,
			"temperature":         cfg.Temperature,
			"tools":               definitions,
			"tool_choice":         "auto",
			"modalities":          []string{"text", "audio"},
		},
	}
	return c.WriteJSON(update)
}

// newAudioAppend wraps one inbound caller audio fragment for the peer.
func newAudioAppend(payload string) map[string]interface{} {
	return map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": payload,
	}
}

// newToolOutput submits a serialized tool result back to the conversation.
func newToolOutput(callID, output string) map[string]interface{} {
	return map[string]interface{}{
		"type": "conversation.item.create",
		"item": map[string]interface{}{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	}
}

// newResponseCreate asks the peer to continue the reply after a tool result.
func newResponseCreate() map[string]interface{} {
	return map[string]interface{}{"type": "response.create"}
}
