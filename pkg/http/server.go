package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/bridge"
	"voicebridge-server/pkg/config"
	"voicebridge-server/pkg/messaging"
	"voicebridge-server/pkg/metrics"
	"voicebridge-server/pkg/tools"
)

// Server exposes the media stream websocket endpoint plus health and
// metrics. One orchestrator is spun up per accepted media stream.
type Server struct {
	logger   *logrus.Logger
	cfg      *config.Config
	registry *tools.Registry
	sink     messaging.EventSink

	upgrader websocket.Upgrader
	server   *http.Server
}

// NewServer builds the HTTP surface. The tool registry and event sink are
// process-wide and shared across call sessions.
func NewServer(logger *logrus.Logger, cfg *config.Config, registry *tools.Registry, sink messaging.EventSink) *Server {
	s := &Server{
		logger:   logger,
		cfg:      cfg,
		registry: registry,
		sink:     sink,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The telephony provider connects from its own cloud; there is
			// no browser origin to validate.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.HTTP.MediaStreamPath, s.handleMediaStream)
	mux.HandleFunc("/health", s.handleHealth)
	if cfg.HTTP.MetricsEnabled {
		metrics.RegisterHandler(mux)
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	return s
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.WithFields(logrus.Fields{
		"addr": s.server.Addr,
		"path": s.cfg.HTTP.MediaStreamPath,
	}).Info("HTTP server listening")
	return s.server.ListenAndServe()
}

// Shutdown drains the listener. In-flight call sessions close when their
// sockets drop.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleMediaStream upgrades the telephony connection and runs the call
// session until either socket drops.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Error("Failed to upgrade media stream connection")
		return
	}
	transport := bridge.NewTransportConn(wsConn)

	peer, err := bridge.DialPeer(s.logger, &s.cfg.Peer)
	if err != nil {
		s.logger.WithError(err).Error("Failed to reach inference peer, dropping call")
		transport.Close()
		return
	}

	if err := peer.Configure(&s.cfg.Peer, tools.Definitions()); err != nil {
		s.logger.WithError(err).Error("Failed to configure inference peer session")
		peer.Close()
		transport.Close()
		return
	}

	dispatcher := tools.NewDispatcher(s.logger, s.registry)
	orch := bridge.NewOrchestrator(s.logger, s.cfg, transport, peer, dispatcher, s.sink)

	s.logger.WithFields(logrus.Fields{
		"session_id": orch.SessionID(),
		"remote":     r.RemoteAddr,
	}).Info("Call session accepted")

	bridge.StartRTTProbe(s.logger, "transport", transport, s.cfg.Latency.PingInterval, orch.Done())
	bridge.StartRTTProbe(s.logger, "peer", peer, s.cfg.Latency.PingInterval, orch.Done())

	// Peer reader. Whichever socket drops first ends the session.
	go func() {
		defer orch.Close()
		for {
			_, data, err := peer.ReadMessage()
			if err != nil {
				s.logger.WithError(err).WithField("session_id", orch.SessionID()).Debug("Peer socket closed")
				return
			}
			orch.HandlePeerEvent(data)
		}
	}()

	// Transport reader on the handler goroutine.
	defer orch.Close()
	for {
		_, data, err := transport.ReadMessage()
		if err != nil {
			s.logger.WithError(err).WithField("session_id", orch.SessionID()).Debug("Transport socket closed")
			return
		}
		orch.HandleTransportFrame(data)
	}
}
