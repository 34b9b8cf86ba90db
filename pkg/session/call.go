package session

import (
	"time"

	"github.com/google/uuid"
)

// Mark is one outstanding playback marker sent alongside reply audio.
// The transport echoes the name back once the audio is buffered at its edge.
// Origin snapshots the turn's felt-latency reference point so the echo can
// be scored even after the turn itself was retired.
type Mark struct {
	Name   string
	SentAt time.Time
	Origin time.Time
}

// Call holds the mutable state of one live call session. It is not
// self-locking: the session orchestrator serializes all access, so every
// event handler sees state mutations atomically.
type Call struct {
	// SessionID is assigned at accept time and never changes
	SessionID string

	// StreamSID is the transport's stream handle, set by the start event
	StreamSID string

	// StreamStartedAt anchors the transport's stream-relative timestamps
	// to the wall clock; conversion happens only here
	StreamStartedAt time.Time

	// LastInboundOffsetMs is the most recent stream-relative timestamp seen
	// on inbound audio. The transport promises monotonicity; out-of-order
	// values are accepted as-is rather than enforced.
	LastInboundOffsetMs int64

	// PendingMark is the at-most-one outstanding playback marker
	PendingMark *Mark

	turnSeq int
	current *Turn
}

// NewCall creates the per-call state record with a fresh session identifier.
func NewCall() *Call {
	return &Call{
		SessionID: uuid.New().String(),
	}
}

// StreamStarted records the transport start event: the stream handle, the
// wall-clock anchor for stream-relative timestamps, and a reset offset.
func (c *Call) StreamStarted(streamSID string, now time.Time) {
	c.StreamSID = streamSID
	c.StreamStartedAt = now
	c.LastInboundOffsetMs = 0
}

// BeginTurn opens a new turn, replacing any still-active one outright.
// A replaced turn is discarded, never merged.
func (c *Call) BeginTurn(now time.Time) *Turn {
	c.turnSeq++

	turn := &Turn{
		ID:              c.turnSeq,
		SpeechStoppedAt: now,
	}
	if !c.StreamStartedAt.IsZero() {
		turn.UserStopAt = c.StreamStartedAt.Add(time.Duration(c.LastInboundOffsetMs) * time.Millisecond)
	}

	c.current = turn
	return turn
}

// CurrentTurn returns the active turn, or nil when idle.
func (c *Call) CurrentTurn() *Turn {
	return c.current
}

// TurnState reports the state of the active turn.
func (c *Call) TurnState() TurnState {
	return c.current.State()
}

// RetireTurn closes the active turn and returns it for metric flushing.
// Returns nil when no turn was active.
func (c *Call) RetireTurn() *Turn {
	turn := c.current
	c.current = nil
	return turn
}

// SetPendingMark replaces the outstanding playback marker.
func (c *Call) SetPendingMark(name string, now, origin time.Time) {
	c.PendingMark = &Mark{Name: name, SentAt: now, Origin: origin}
}

// MatchMark consumes the pending marker when the echoed name matches.
// Non-matching echoes leave state untouched.
func (c *Call) MatchMark(name string) (*Mark, bool) {
	if c.PendingMark == nil || c.PendingMark.Name != name {
		return nil, false
	}
	mark := c.PendingMark
	c.PendingMark = nil
	return mark, true
}
