package bridge

import (
	"context"
	"encoding/base64"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/audio"
	"voicebridge-server/pkg/config"
	"voicebridge-server/pkg/messaging"
	"voicebridge-server/pkg/metrics"
	"voicebridge-server/pkg/session"
	"voicebridge-server/pkg/tools"
)

// toolResolveTimeout caps one tool execution, collaborator call included.
const toolResolveTimeout = 10 * time.Second

// ambienceMixer is the slice of the mixer the orchestrator drives.
type ambienceMixer interface {
	Start() bool
	Feed(buffer []byte)
	SetAISpeaking(speaking bool)
	Speaking() bool
	Stop()
}

// Orchestrator owns one call session: it bridges the telephony transport
// socket and the inference peer socket, tracks turn state, dispatches tool
// calls and drives the ambience mixer.
//
// Both socket readers funnel their state-touching events through the
// session mutex, so every handler observes and mutates call state
// atomically. Handlers never block on anything slower than a socket write
// while holding the lock; tool execution, which may await a collaborator,
// runs on the peer reader goroutine without it.
type Orchestrator struct {
	logger     *logrus.Logger
	cfg        *config.Config
	call       *session.Call
	dispatcher *tools.Dispatcher
	sink       messaging.EventSink

	transport Conn
	peer      Conn

	mu           sync.Mutex
	mixer        ambienceMixer
	mixerStarted bool
	newMixer     func(onChunk func([]byte)) ambienceMixer

	closeOnce     sync.Once
	done          chan struct{}
	stopCallTimer func()
	now           func() time.Time
}

// NewOrchestrator wires one call session. The peer connection must already
// be configured; the transport start event arrives through HandleTransportFrame.
func NewOrchestrator(logger *logrus.Logger, cfg *config.Config, transport, peer Conn, dispatcher *tools.Dispatcher, sink messaging.EventSink) *Orchestrator {
	o := &Orchestrator{
		logger:        logger,
		cfg:           cfg,
		call:          session.NewCall(),
		dispatcher:    dispatcher,
		sink:          sink,
		transport:     transport,
		peer:          peer,
		done:          make(chan struct{}),
		stopCallTimer: metrics.StartCallTimer(),
		now:           time.Now,
	}
	o.newMixer = func(onChunk func([]byte)) ambienceMixer {
		return audio.NewMixer(logger, &cfg.Ambience, onChunk)
	}
	return o
}

// SessionID returns the identifier assigned at accept time.
func (o *Orchestrator) SessionID() string {
	return o.call.SessionID
}

// Done is closed when the session has been torn down.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// HandleTransportFrame processes one frame from the telephony socket.
// Malformed frames are logged verbatim and dropped; the session survives.
func (o *Orchestrator) HandleTransportFrame(data []byte) {
	defer o.recoverHandler("transport", data)

	event, err := ParseTransportEvent(data)
	if err != nil {
		o.logger.WithError(err).WithField("frame", string(data)).Warn("Dropping malformed transport frame")
		metrics.RecordMalformedEvent("transport")
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	switch event.Event {
	case TransportStart:
		o.handleStreamStart(event)
	case TransportMedia:
		o.handleInboundMedia(event)
	case TransportMark:
		o.handleMarkEcho(event)
	case TransportStop:
		o.logger.WithField("session_id", o.call.SessionID).Info("Transport signaled stream stop")
		o.sink.Publish("stream_stopped", map[string]interface{}{
			"session_id": o.call.SessionID,
			"stream_sid": o.call.StreamSID,
		})
	default:
		o.sink.Publish("transport_event", map[string]interface{}{
			"session_id": o.call.SessionID,
			"kind":       event.Event,
			"raw":        string(event.Raw),
		})
	}
}

func (o *Orchestrator) handleStreamStart(event *TransportEvent) {
	streamSID := event.StreamSid
	if streamSID == "" && event.Start != nil {
		streamSID = event.Start.StreamSid
	}
	now := o.now()
	o.call.StreamStarted(streamSID, now)

	o.logger.WithFields(logrus.Fields{
		"session_id": o.call.SessionID,
		"stream_sid": streamSID,
	}).Info("Media stream started")

	// A repeated start frame replaces the pipeline; the old process must
	// not keep running behind it.
	if o.mixer != nil {
		o.logger.WithField("session_id", o.call.SessionID).Warn("Duplicate stream start, stopping previous mixer")
		o.mixer.Stop()
	}
	o.mixer = o.newMixer(o.forwardMixedAudio)
	o.mixerStarted = o.mixer.Start()

	o.sink.Publish("stream_started", map[string]interface{}{
		"session_id": o.call.SessionID,
		"stream_sid": streamSID,
		"ambience":   o.mixerStarted,
	})
}

func (o *Orchestrator) handleInboundMedia(event *TransportEvent) {
	if event.Media == nil {
		o.logger.WithField("session_id", o.call.SessionID).Warn("Media frame without payload")
		metrics.RecordMalformedEvent("transport")
		return
	}

	metrics.RecordInboundMediaFrame()

	// The offset anchors felt-latency scoring; non-numeric timestamps skip
	// the update but the audio still flows.
	if ms, ok := event.Media.OffsetMs(); ok {
		o.call.LastInboundOffsetMs = ms
	}

	if err := o.peer.WriteJSON(newAudioAppend(event.Media.Payload)); err != nil {
		o.logger.WithError(err).WithField("session_id", o.call.SessionID).Error("Failed to forward caller audio to peer")
	}
}

func (o *Orchestrator) handleMarkEcho(event *TransportEvent) {
	if event.Mark == nil {
		return
	}
	mark, ok := o.call.MatchMark(event.Mark.Name)
	if !ok {
		o.logger.WithFields(logrus.Fields{
			"session_id": o.call.SessionID,
			"mark":       event.Mark.Name,
		}).Debug("Ignoring stale mark echo")
		return
	}

	felt := o.now().Sub(mark.Origin)
	metrics.ObserveFeltLatency(felt)
	o.logger.WithFields(logrus.Fields{
		"session_id": o.call.SessionID,
		"mark":       mark.Name,
		"felt_ms":    felt.Milliseconds(),
	}).Debug("Mark echo scored")
}

// HandlePeerEvent processes one event from the inference peer socket.
func (o *Orchestrator) HandlePeerEvent(data []byte) {
	defer o.recoverHandler("peer", data)

	event, err := ParsePeerEvent(data)
	if err != nil {
		o.logger.WithError(err).WithField("event", string(data)).Warn("Dropping malformed peer event")
		metrics.RecordMalformedEvent("peer")
		return
	}

	// Tool dispatch stays off the session lock. The dispatcher is only ever
	// touched from this goroutine, and execution may await a collaborator
	// for seconds; inbound caller audio must keep flowing meanwhile.
	switch e := event.(type) {
	case *ToolCallBeginEvent:
		o.dispatcher.Begin(e.CallID, e.Name)
		return

	case *ToolCallDeltaEvent:
		o.dispatcher.Delta(e.CallID, e.Delta)
		return

	case *ToolCallEndEvent:
		o.resolveStreamedCall(e.CallID)
		return

	case *ResponseDoneEvent:
		o.handleResponseDone(e)
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	switch e := event.(type) {
	case *SessionLifecycleEvent:
		o.logger.WithFields(logrus.Fields{
			"session_id": o.call.SessionID,
			"peer_event": e.Type,
		}).Debug("Peer session lifecycle event")

	case *SpeechStartedEvent:
		o.logger.WithField("session_id", o.call.SessionID).Debug("Caller speech started")

	case *SpeechStoppedEvent:
		turn := o.call.BeginTurn(o.now())
		metrics.RecordTurnStarted()
		o.logger.WithFields(logrus.Fields{
			"session_id": o.call.SessionID,
			"turn":       turn.ID,
		}).Debug("Turn opened on caller speech stop")

	case *AudioDeltaEvent:
		o.handleAudioDelta(e)

	case *TranscriptEvent:
		o.sink.Publish("transcript", map[string]interface{}{
			"session_id": o.call.SessionID,
			"role":       e.Role,
			"text":       e.Text,
		})

	case *PeerErrorEvent:
		o.logger.WithFields(logrus.Fields{
			"session_id": o.call.SessionID,
			"code":       e.Code,
			"message":    e.Message,
		}).Error("Inference peer reported an error")

	case *UnrecognizedEvent:
		o.sink.Publish("peer_event", map[string]interface{}{
			"session_id": o.call.SessionID,
			"kind":       e.Type,
			"raw":        string(e.Raw),
		})
	}
}

func (o *Orchestrator) handleAudioDelta(event *AudioDeltaEvent) {
	now := o.now()
	turn := o.call.CurrentTurn()

	if turn != nil && turn.RecordDelta(now) {
		metrics.ObserveTTFB(now.Sub(turn.SpeechStoppedAt))
	}

	if o.mixer != nil {
		o.mixer.SetAISpeaking(true)
	}

	forwarded := false
	if o.mixerStarted {
		raw, err := base64.StdEncoding.DecodeString(event.Delta)
		if err != nil {
			o.logger.WithError(err).WithField("session_id", o.call.SessionID).Warn("Undecodable reply audio fragment")
			metrics.RecordMalformedEvent("peer")
			return
		}
		o.mixer.Feed(raw)
		forwarded = true
	} else {
		// Degraded path: no mixer, reply audio goes straight to the transport.
		if err := o.transport.WriteJSON(newMediaFrame(o.call.StreamSID, event.Delta)); err != nil {
			o.logger.WithError(err).WithField("session_id", o.call.SessionID).Error("Failed to forward reply audio to transport")
			return
		}
		metrics.RecordOutboundAudio(base64.StdEncoding.DecodedLen(len(event.Delta)))
		forwarded = true
	}

	if forwarded && turn != nil && turn.FirstDeltaSentAt.IsZero() {
		turn.RecordFirstForward(now)
		metrics.ObserveEndToEnd(now.Sub(turn.SpeechStoppedAt))

		name := fmt.Sprintf("reply-%d", turn.ID)
		if err := o.transport.WriteJSON(newMarkFrame(o.call.StreamSID, name)); err != nil {
			o.logger.WithError(err).WithField("session_id", o.call.SessionID).Error("Failed to send playback mark")
			return
		}
		o.call.SetPendingMark(name, now, turn.FeltLatencyOrigin())
	}
}

// resolveStreamedCall executes an accumulated tool call and answers the
// peer. Runs without the session lock; see HandlePeerEvent.
func (o *Orchestrator) resolveStreamedCall(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), toolResolveTimeout)
	defer cancel()

	if outcome, ok := o.dispatcher.End(ctx, id); ok {
		o.submitToolOutcome(outcome)
	}
}

func (o *Orchestrator) handleResponseDone(event *ResponseDoneEvent) {
	// A completion may still carry tool invocations the streaming protocol
	// never surfaced. Ids already resolved there are refused by the
	// dispatcher, so each call executes exactly once. Like the streaming
	// path this runs before the session lock is taken.
	for _, call := range event.ToolCalls {
		ctx, cancel := context.WithTimeout(context.Background(), toolResolveTimeout)
		outcome, ok := o.dispatcher.Resolve(ctx, call.CallID, call.Name, call.Arguments)
		cancel()
		if ok {
			o.submitToolOutcome(outcome)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if event.Cancelled() {
		metrics.RecordResponseCancelled()
		o.logger.WithField("session_id", o.call.SessionID).Debug("Peer response cancelled")
	}

	if o.mixer != nil {
		o.mixer.SetAISpeaking(false)
	}

	if turn := o.call.RetireTurn(); turn != nil {
		if d, ok := turn.StreamDuration(); ok {
			metrics.ObserveStreamDuration(d)
		}
	}
}

// submitToolOutcome returns the tool result to the conversation and asks
// the peer to continue its reply.
func (o *Orchestrator) submitToolOutcome(outcome *tools.Outcome) {
	serialized := outcome.Serialize()

	if err := o.peer.WriteJSON(newToolOutput(outcome.ID, serialized)); err != nil {
		o.logger.WithError(err).WithFields(logrus.Fields{
			"session_id": o.call.SessionID,
			"tool":       outcome.Tool,
			"call_id":    outcome.ID,
		}).Error("Failed to submit tool result to peer")
		return
	}
	if err := o.peer.WriteJSON(newResponseCreate()); err != nil {
		o.logger.WithError(err).WithField("session_id", o.call.SessionID).Error("Failed to request reply continuation")
	}
}

// forwardMixedAudio runs on the mixer's pump goroutine. It re-encodes each
// mixed chunk and writes it to the transport as a media frame.
func (o *Orchestrator) forwardMixedAudio(chunk []byte) {
	o.mu.Lock()
	streamSID := o.call.StreamSID
	o.mu.Unlock()

	payload := base64.StdEncoding.EncodeToString(chunk)
	if err := o.transport.WriteJSON(newMediaFrame(streamSID, payload)); err != nil {
		o.logger.WithError(err).WithField("session_id", o.call.SessionID).Error("Failed to write mixed audio to transport")
	}
}

// recoverHandler keeps one bad event from killing the session. The event
// is logged verbatim for postmortem.
func (o *Orchestrator) recoverHandler(source string, data []byte) {
	if r := recover(); r != nil {
		o.logger.WithFields(logrus.Fields{
			"session_id": o.call.SessionID,
			"source":     source,
			"panic":      fmt.Sprintf("%v", r),
			"event":      string(data),
			"stack":      string(debug.Stack()),
		}).Error("Recovered from panic in event handler")
	}
}

// Close tears the session down exactly once: mixer, both sockets, the
// active-call gauge, and a final sink event.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		mixer := o.mixer
		o.mu.Unlock()

		if mixer != nil {
			mixer.Stop()
		}
		if err := o.peer.Close(); err != nil {
			o.logger.WithError(err).Debug("Peer socket close")
		}
		if err := o.transport.Close(); err != nil {
			o.logger.WithError(err).Debug("Transport socket close")
		}
		o.stopCallTimer()
		o.sink.Publish("session_ended", map[string]interface{}{
			"session_id": o.call.SessionID,
		})
		close(o.done)
		o.logger.WithField("session_id", o.call.SessionID).Info("Call session closed")
	})
}
