package bridge

import (
	"encoding/json"
	"strconv"

	"voicebridge-server/pkg/errors"
)

// Telephony transport event kinds. Anything else is Unrecognized and goes
// to the observability sink untouched.
const (
	TransportStart = "start"
	TransportMedia = "media"
	TransportMark  = "mark"
	TransportStop  = "stop"
)

// TransportEvent is the tagged union of inbound telephony frames.
type TransportEvent struct {
	Event     string          `json:"event"`
	StreamSid string          `json:"streamSid"`
	Start     *StartPayload   `json:"start,omitempty"`
	Media     *MediaPayload   `json:"media,omitempty"`
	Mark      *MarkPayload    `json:"mark,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// StartPayload carries the transport's stream handle assignment.
type StartPayload struct {
	StreamSid string `json:"streamSid"`
	CallSid   string `json:"callSid"`
}

// MediaPayload carries one inbound audio chunk with its stream-relative
// timestamp in milliseconds (sent as a string on the wire).
type MediaPayload struct {
	Payload   string `json:"payload"`
	Timestamp string `json:"timestamp"`
}

// MarkPayload echoes a playback marker previously sent on the socket.
type MarkPayload struct {
	Name string `json:"name"`
}

// OffsetMs parses the stream-relative timestamp. Non-numeric offsets are
// reported so the caller can skip the state update while still forwarding
// the audio.
func (m *MediaPayload) OffsetMs() (int64, bool) {
	if m == nil {
		return 0, false
	}
	ms, err := strconv.ParseInt(m.Timestamp, 10, 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}

// ParseTransportEvent decodes one inbound transport frame. The raw frame is
// retained for verbatim logging and sink forwarding.
func ParseTransportEvent(data []byte) (*TransportEvent, error) {
	var event TransportEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, errors.NewMalformedEvent("transport", string(data))
	}
	if event.Event == "" {
		return nil, errors.NewMalformedEvent("transport", string(data))
	}
	event.Raw = json.RawMessage(data)
	return &event, nil
}

// Outbound transport frames. The orchestrator is the only writer.

type outboundMediaFrame struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid"`
	Media     mediaOutbound `json:"media"`
}

type mediaOutbound struct {
	Payload string `json:"payload"`
}

type outboundMarkFrame struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Mark      markOutbound `json:"mark"`
}

type markOutbound struct {
	Name string `json:"name"`
}

func newMediaFrame(streamSid, payload string) outboundMediaFrame {
	return outboundMediaFrame{
		Event:     TransportMedia,
		StreamSid: streamSid,
		Media:     mediaOutbound{Payload: payload},
	}
}

func newMarkFrame(streamSid, name string) outboundMarkFrame {
	return outboundMarkFrame{
		Event:     TransportMark,
		StreamSid: streamSid,
		Mark:      markOutbound{Name: name},
	}
}
