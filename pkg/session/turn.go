package session

import "time"

// TurnState tracks where a conversation turn is in its lifecycle
type TurnState int

const (
	// StateIdle means no reply is pending
	StateIdle TurnState = iota

	// StateAwaitingFirstAudio means caller speech ended but no reply audio arrived yet
	StateAwaitingFirstAudio

	// StateStreaming means reply audio fragments are being delivered
	StateStreaming
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingFirstAudio:
		return "awaiting_first_audio"
	case StateStreaming:
		return "streaming"
	}
	return "unknown"
}

// Turn represents one caller-utterance-to-AI-reply cycle.
// All timestamps are wall clock; zero values mean "not yet observed".
type Turn struct {
	// ID is the sequence number assigned from the call's turn counter
	ID int

	// SpeechStoppedAt is when the peer detected the caller's speech ending;
	// this is the turn's origin time
	SpeechStoppedAt time.Time

	// UserStopAt is the best-effort moment the caller actually stopped
	// speaking, derived from the transport stream clock when available
	UserStopAt time.Time

	// FirstDeltaAt is when the first reply audio fragment arrived from the peer
	FirstDeltaAt time.Time

	// FirstDeltaSentAt is when the first fragment was forwarded to the transport
	FirstDeltaSentAt time.Time

	// LastDeltaAt is when the most recent reply audio fragment arrived
	LastDeltaAt time.Time

	// DeltaCount is the number of reply audio fragments received this turn
	DeltaCount int
}

// State derives the turn's position in the Idle -> AwaitingFirstAudio ->
// Streaming -> Idle machine. A nil turn is Idle.
func (t *Turn) State() TurnState {
	if t == nil {
		return StateIdle
	}
	if t.FirstDeltaAt.IsZero() {
		return StateAwaitingFirstAudio
	}
	return StateStreaming
}

// RecordDelta notes one reply audio fragment. It returns true when this was
// the turn's first fragment; that transition happens at most once per turn.
func (t *Turn) RecordDelta(now time.Time) bool {
	first := t.FirstDeltaAt.IsZero()
	if first {
		t.FirstDeltaAt = now
	}
	t.LastDeltaAt = now
	t.DeltaCount++
	return first
}

// RecordFirstForward notes the first fragment forwarded to the transport.
// Subsequent calls are ignored.
func (t *Turn) RecordFirstForward(now time.Time) {
	if t.FirstDeltaSentAt.IsZero() {
		t.FirstDeltaSentAt = now
	}
}

// StreamDuration returns the reply delivery span, valid only when both the
// first and last fragment were observed.
func (t *Turn) StreamDuration() (time.Duration, bool) {
	if t == nil || t.FirstDeltaAt.IsZero() || t.LastDeltaAt.IsZero() {
		return 0, false
	}
	return t.LastDeltaAt.Sub(t.FirstDeltaAt), true
}

// FeltLatencyOrigin is the reference point for felt latency: the derived
// user stop time when known, otherwise the speech-stopped detection time.
func (t *Turn) FeltLatencyOrigin() time.Time {
	if t == nil {
		return time.Time{}
	}
	if !t.UserStopAt.IsZero() {
		return t.UserStopAt
	}
	return t.SpeechStoppedAt
}
