package messaging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicebridge-server/pkg/config"
)

func TestNewSinkDisabledWithoutURL(t *testing.T) {
	logger := logrus.New()
	sink, err := NewSink(logger, &config.MessagingConfig{})
	require.NoError(t, err)

	_, ok := sink.(NopSink)
	assert.True(t, ok, "empty AMQP URL should yield the nop sink")

	// A nop sink must be safe to use without a broker.
	sink.Publish("session_started", map[string]interface{}{"session_id": "abc"})
	assert.NoError(t, sink.Close())
}
