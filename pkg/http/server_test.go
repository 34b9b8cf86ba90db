package http

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicebridge-server/pkg/config"
	"voicebridge-server/pkg/messaging"
	"voicebridge-server/pkg/metrics"
	"voicebridge-server/pkg/tools"
)

func init() {
	metrics.EnableMetrics(false)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	cfg := &config.Config{}
	cfg.HTTP.Port = 0
	cfg.HTTP.MediaStreamPath = "/media-stream"
	cfg.Tools.StoreCacheSize = 8
	cfg.Tools.MenuCacheSize = 8
	cfg.Tools.KBCacheSize = 8

	return NewServer(logger, cfg, tools.NewRegistry(&cfg.Tools), messaging.NopSink{})
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest("GET", "/health", nil)
	s.handleHealth(recorder, request)

	assert.Equal(t, 200, recorder.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestMediaStreamRejectsPlainHTTP(t *testing.T) {
	s := newTestServer(t)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest("GET", "/media-stream", nil)
	s.handleMediaStream(recorder, request)

	// Without the websocket upgrade headers the handler refuses the request.
	assert.Equal(t, 400, recorder.Code)
}
