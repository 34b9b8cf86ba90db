package bridge

import (
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/metrics"
)

// pingProber is the control-frame surface of a websocket used for round
// trip probing.
type pingProber interface {
	Ping(payload []byte, deadline time.Time) error
	SetPongHandler(handler func(string) error)
}

// StartRTTProbe measures socket round trip time on a cadence. The probe
// payload is the send time in unix nanoseconds; the pong handler scores
// the echo. The goroutine exits when done is closed.
//
// Each socket's RTT is labeled separately so the two network paths stay
// distinguishable on the dashboard.
func StartRTTProbe(logger *logrus.Logger, socket string, prober pingProber, interval time.Duration, done <-chan struct{}) {
	prober.SetPongHandler(func(payload string) error {
		sent, err := strconv.ParseInt(payload, 10, 64)
		if err != nil {
			return nil
		}
		rtt := time.Since(time.Unix(0, sent))
		metrics.ObserveSocketRTT(socket, rtt)
		logger.WithFields(logrus.Fields{
			"socket": socket,
			"rtt_ms": rtt.Milliseconds(),
		}).Debug("Socket round trip probe")
		return nil
	})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				payload := strconv.FormatInt(time.Now().UnixNano(), 10)
				deadline := time.Now().Add(interval)
				if err := prober.Ping([]byte(payload), deadline); err != nil {
					return
				}
			}
		}
	}()
}

// TransportConn wraps the accepted telephony websocket with serialized
// writes, mirroring PeerClient on the dial side.
type TransportConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewTransportConn(conn *websocket.Conn) *TransportConn {
	return &TransportConn{conn: conn}
}

func (c *TransportConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *TransportConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

func (c *TransportConn) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

func (c *TransportConn) Ping(payload []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, payload, deadline)
}

func (c *TransportConn) SetPongHandler(handler func(string) error) {
	c.conn.SetPongHandler(handler)
}

func (c *TransportConn) Close() error {
	return c.conn.Close()
}
