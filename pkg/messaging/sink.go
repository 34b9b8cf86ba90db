package messaging

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"voicebridge-server/pkg/config"
	"voicebridge-server/pkg/errors"
	"voicebridge-server/pkg/metrics"
)

// EventSink receives call lifecycle and diagnostic events the bridge does
// not act on itself: unrecognized frames, transcripts, turn summaries.
// Publishing is fire-and-forget; a failed publish never touches the call.
type EventSink interface {
	Publish(event string, fields map[string]interface{})
	Close() error
}

// NopSink discards everything; used when messaging is not configured.
type NopSink struct{}

func (NopSink) Publish(string, map[string]interface{}) {}
func (NopSink) Close() error                           { return nil }

// AMQPSink publishes call events to a durable queue.
type AMQPSink struct {
	logger  *logrus.Logger
	queue   string
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewSink connects to the broker named in the configuration. An empty URL
// disables the sink entirely.
func NewSink(logger *logrus.Logger, cfg *config.MessagingConfig) (EventSink, error) {
	if cfg.AMQPUrl == "" {
		logger.Info("AMQP URL not configured, call events will not be published")
		return NopSink{}, nil
	}

	conn, err := amqp.Dial(cfg.AMQPUrl)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to AMQP broker")
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to open AMQP channel")
	}

	_, err = channel.QueueDeclare(
		cfg.QueueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, errors.Wrap(err, "failed to declare AMQP queue").
			WithField("queue", cfg.QueueName)
	}

	logger.WithField("queue", cfg.QueueName).Info("Connected to AMQP broker")
	return &AMQPSink{logger: logger, queue: cfg.QueueName, conn: conn, channel: channel}, nil
}

// Publish serializes the event and sends it to the queue. Failures are
// logged and counted, never propagated.
func (s *AMQPSink) Publish(event string, fields map[string]interface{}) {
	body := map[string]interface{}{
		"event":     event,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range fields {
		body[k] = v
	}

	data, err := json.Marshal(body)
	if err != nil {
		s.logger.WithError(err).WithField("event", event).Error("Failed to serialize call event")
		metrics.RecordSinkPublish("marshal_error")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.channel.Publish(
		"",      // default exchange
		s.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         data,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		s.logger.WithError(err).WithField("event", event).Error("Failed to publish call event")
		metrics.RecordSinkPublish("error")
		return
	}
	metrics.RecordSinkPublish("ok")
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
