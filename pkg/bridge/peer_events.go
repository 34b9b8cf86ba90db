package bridge

import (
	"encoding/json"

	"voicebridge-server/pkg/errors"
)

// envelope probes the event type before unmarshaling the specific struct.
type envelope struct {
	Type string `json:"type"`
}

// Peer event types the bridge reacts to. Everything else becomes an
// UnrecognizedEvent and is forwarded to the observability sink.
const (
	peerSessionCreated  = "session.created"
	peerSessionUpdated  = "session.updated"
	peerSpeechStarted   = "input_audio_buffer.speech_started"
	peerSpeechStopped   = "input_audio_buffer.speech_stopped"
	peerAudioDelta      = "response.audio.delta"
	peerOutputItemAdded = "response.output_item.added"
	peerToolArgsDelta   = "response.function_call_arguments.delta"
	peerToolArgsDone    = "response.function_call_arguments.done"
	peerUserTranscript  = "conversation.item.input_audio_transcription.completed"
	peerReplyTranscript = "response.audio_transcript.done"
	peerResponseDone    = "response.done"
	peerError           = "error"
)

// SessionLifecycleEvent covers session.created and session.updated.
type SessionLifecycleEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
	Session struct {
		ID string `json:"id"`
	} `json:"session"`
}

// SpeechStartedEvent signals the caller began speaking (barge-in included).
type SpeechStartedEvent struct {
	AudioStartMs int64 `json:"audio_start_ms"`
}

// SpeechStoppedEvent signals end of caller speech and opens a turn.
type SpeechStoppedEvent struct {
	AudioEndMs int64  `json:"audio_end_ms"`
	ItemID     string `json:"item_id"`
}

// AudioDeltaEvent carries one base64 fragment of reply speech.
type AudioDeltaEvent struct {
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
}

// ToolCallBeginEvent opens streamed argument accumulation for one call id.
type ToolCallBeginEvent struct {
	CallID string
	Name   string
}

// ToolCallDeltaEvent appends an argument fragment.
type ToolCallDeltaEvent struct {
	CallID string `json:"call_id"`
	Delta  string `json:"delta"`
}

// ToolCallEndEvent closes accumulation and requests execution.
type ToolCallEndEvent struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// TranscriptEvent carries a finished transcription line for either party.
type TranscriptEvent struct {
	Role string
	Text string
}

// BundledToolCall is a tool invocation reported inside a completion event
// instead of (or in addition to) the streaming protocol.
type BundledToolCall struct {
	CallID    string
	Name      string
	Arguments string
}

// ResponseDoneEvent signals reply completion, possibly cancelled, possibly
// carrying deferred tool invocations.
type ResponseDoneEvent struct {
	Status    string
	ToolCalls []BundledToolCall
}

// Cancelled reports whether the reply was cut short. Both spellings
// observed in the wild are accepted.
func (e *ResponseDoneEvent) Cancelled() bool {
	return e.Status == "cancelled" || e.Status == "canceled"
}

// PeerErrorEvent is an error report from the inference peer.
type PeerErrorEvent struct {
	Code    string
	Message string
}

// UnrecognizedEvent keeps forward compatibility with new event kinds.
type UnrecognizedEvent struct {
	Type string
	Raw  json.RawMessage
}

// wire shapes for the composite events

type outputItemAddedWire struct {
	Item struct {
		Type   string `json:"type"`
		CallID string `json:"call_id"`
		Name   string `json:"name"`
	} `json:"item"`
}

type responseDoneWire struct {
	Response struct {
		Status string `json:"status"`
		Output []struct {
			Type      string `json:"type"`
			CallID    string `json:"call_id"`
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"output"`
	} `json:"response"`
}

type transcriptWire struct {
	Transcript string `json:"transcript"`
}

type peerErrorWire struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParsePeerEvent decodes one inference peer event into its typed form.
// The returned value is one of the event structs above.
func ParsePeerEvent(data []byte) (interface{}, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.NewMalformedEvent("peer", string(data))
	}

	switch env.Type {
	case peerSessionCreated, peerSessionUpdated:
		var event SessionLifecycleEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, errors.NewMalformedEvent("peer", string(data))
		}
		return &event, nil

	case peerSpeechStarted:
		var event SpeechStartedEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, errors.NewMalformedEvent("peer", string(data))
		}
		return &event, nil

	case peerSpeechStopped:
		var event SpeechStoppedEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, errors.NewMalformedEvent("peer", string(data))
		}
		return &event, nil

	case peerAudioDelta:
		var event AudioDeltaEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, errors.NewMalformedEvent("peer", string(data))
		}
		return &event, nil

	case peerOutputItemAdded:
		var wire outputItemAddedWire
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, errors.NewMalformedEvent("peer", string(data))
		}
		// Only function call items open tool accumulation; other item
		// kinds are interesting to the sink at most.
		if wire.Item.Type != "function_call" {
			return &UnrecognizedEvent{Type: env.Type, Raw: json.RawMessage(data)}, nil
		}
		return &ToolCallBeginEvent{CallID: wire.Item.CallID, Name: wire.Item.Name}, nil

	case peerToolArgsDelta:
		var event ToolCallDeltaEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, errors.NewMalformedEvent("peer", string(data))
		}
		return &event, nil

	case peerToolArgsDone:
		var event ToolCallEndEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, errors.NewMalformedEvent("peer", string(data))
		}
		return &event, nil

	case peerUserTranscript:
		var wire transcriptWire
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, errors.NewMalformedEvent("peer", string(data))
		}
		return &TranscriptEvent{Role: "caller", Text: wire.Transcript}, nil

	case peerReplyTranscript:
		var wire transcriptWire
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, errors.NewMalformedEvent("peer", string(data))
		}
		return &TranscriptEvent{Role: "assistant", Text: wire.Transcript}, nil

	case peerResponseDone:
		var wire responseDoneWire
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, errors.NewMalformedEvent("peer", string(data))
		}
		event := &ResponseDoneEvent{Status: wire.Response.Status}
		for _, item := range wire.Response.Output {
			if item.Type != "function_call" {
				continue
			}
			event.ToolCalls = append(event.ToolCalls, BundledToolCall{
				CallID:    item.CallID,
				Name:      item.Name,
				Arguments: item.Arguments,
			})
		}
		return event, nil

	case peerError:
		var wire peerErrorWire
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, errors.NewMalformedEvent("peer", string(data))
		}
		return &PeerErrorEvent{Code: wire.Error.Code, Message: wire.Error.Message}, nil

	default:
		return &UnrecognizedEvent{Type: env.Type, Raw: json.RawMessage(data)}, nil
	}
}
