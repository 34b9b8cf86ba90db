package bridge

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicebridge-server/pkg/errors"
)

func TestParseTransportEventKinds(t *testing.T) {
	event, err := ParseTransportEvent([]byte(`{"event":"media","streamSid":"MZ1","media":{"payload":"AAAA","timestamp":"560"}}`))
	require.NoError(t, err)
	assert.Equal(t, TransportMedia, event.Event)
	require.NotNil(t, event.Media)

	ms, ok := event.Media.OffsetMs()
	assert.True(t, ok)
	assert.Equal(t, int64(560), ms)
}

func TestParseTransportEventRejectsGarbage(t *testing.T) {
	_, err := ParseTransportEvent([]byte(`not json at all`))
	require.Error(t, err)
	assert.True(t, errors.IsErrorType(err, errors.ErrMalformedEvent))

	_, err = ParseTransportEvent([]byte(`{"streamSid":"MZ1"}`))
	require.Error(t, err, "a frame without an event kind is malformed")
}

func TestOffsetMsToleratesNonNumeric(t *testing.T) {
	media := &MediaPayload{Payload: "AAAA", Timestamp: "soon"}
	_, ok := media.OffsetMs()
	assert.False(t, ok)
}

func TestParsePeerEventToolCallBegin(t *testing.T) {
	event, err := ParsePeerEvent([]byte(`{"type":"response.output_item.added","item":{"type":"function_call","call_id":"c1","name":"find_nearest_store"}}`))
	require.NoError(t, err)

	begin, ok := event.(*ToolCallBeginEvent)
	require.True(t, ok)
	assert.Equal(t, "c1", begin.CallID)
	assert.Equal(t, "find_nearest_store", begin.Name)
}

func TestParsePeerEventNonFunctionItemUnrecognized(t *testing.T) {
	event, err := ParsePeerEvent([]byte(`{"type":"response.output_item.added","item":{"type":"message"}}`))
	require.NoError(t, err)

	_, ok := event.(*UnrecognizedEvent)
	assert.True(t, ok)
}

func TestParsePeerEventResponseDone(t *testing.T) {
	event, err := ParsePeerEvent([]byte(`{"type":"response.done","response":{"status":"cancelled","output":[{"type":"function_call","call_id":"c2","name":"filter_menu_items","arguments":"{}"},{"type":"message"}]}}`))
	require.NoError(t, err)

	done, ok := event.(*ResponseDoneEvent)
	require.True(t, ok)
	assert.True(t, done.Cancelled())
	require.Len(t, done.ToolCalls, 1)
	assert.Equal(t, "c2", done.ToolCalls[0].CallID)
}

func TestResponseDoneCancelledSpellings(t *testing.T) {
	assert.True(t, (&ResponseDoneEvent{Status: "cancelled"}).Cancelled())
	assert.True(t, (&ResponseDoneEvent{Status: "canceled"}).Cancelled())
	assert.False(t, (&ResponseDoneEvent{Status: "completed"}).Cancelled())
}

func TestParsePeerEventUnknownTypeIsUnrecognized(t *testing.T) {
	event, err := ParsePeerEvent([]byte(`{"type":"rate_limits.updated","rate_limits":[]}`))
	require.NoError(t, err)

	unknown, ok := event.(*UnrecognizedEvent)
	require.True(t, ok)
	assert.Equal(t, "rate_limits.updated", unknown.Type)
}

type fakeProber struct {
	handler func(string) error
	pings   chan []byte
}

func (p *fakeProber) Ping(payload []byte, _ time.Time) error {
	p.pings <- payload
	return nil
}

func (p *fakeProber) SetPongHandler(handler func(string) error) {
	p.handler = handler
}

func TestRTTProbeSendsAndScores(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	prober := &fakeProber{pings: make(chan []byte, 4)}
	done := make(chan struct{})
	defer close(done)

	StartRTTProbe(logger, "transport", prober, 10*time.Millisecond, done)
	require.NotNil(t, prober.handler)

	select {
	case payload := <-prober.pings:
		// Echo the probe back; a well-formed payload must score cleanly.
		assert.NoError(t, prober.handler(string(payload)))
	case <-time.After(time.Second):
		t.Fatal("no ping sent within a second")
	}

	// Junk pongs are ignored, not fatal.
	assert.NoError(t, prober.handler("definitely-not-nanos"))
}
