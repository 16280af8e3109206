// Package messaging publishes gateway lifecycle events to an AMQP
// queue so operators can follow registrations and stream sessions
// without scraping logs. Publishing is optional and best effort:
// signaling never blocks on the broker.
package messaging

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"gb28181-restreamer/pkg/errors"
)

// Event kinds published by the gateway.
const (
	EventRegistered       = "registered"
	EventRegistrationLost = "registration_lost"
	EventSessionStarted   = "session_started"
	EventSessionEnded     = "session_ended"
	EventSessionRecovered = "session_recovered"
	EventSessionStatus    = "session_status"
	EventCatalogPushed    = "catalog_pushed"
)

// Event is the published payload.
type Event struct {
	Kind      string                 `json:"kind"`
	DeviceID  string                 `json:"device_id"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Publisher sends events to one queue, reconnecting when the broker
// connection drops.
type Publisher struct {
	logger    *logrus.Logger
	url       string
	queueName string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewPublisher returns a disabled publisher when url is empty.
func NewPublisher(logger *logrus.Logger, url, queueName string) *Publisher {
	return &Publisher{logger: logger, url: url, queueName: queueName}
}

// Enabled reports whether a broker is configured.
func (p *Publisher) Enabled() bool {
	return p.url != ""
}

// Connect dials the broker and declares the queue.
func (p *Publisher) Connect() error {
	if !p.Enabled() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return errors.Wrap(err, "connecting to AMQP broker")
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "opening AMQP channel")
	}
	if _, err := channel.QueueDeclare(
		p.queueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return errors.Wrap(err, "declaring AMQP queue").WithField("queue", p.queueName)
	}

	p.conn = conn
	p.channel = channel
	p.logger.WithField("queue", p.queueName).Info("Connected to AMQP broker")
	return nil
}

// Publish sends one event. A dropped connection is redialed once;
// failures are logged and swallowed.
func (p *Publisher) Publish(event Event) {
	if !p.Enabled() {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	body, err := json.Marshal(event)
	if err != nil {
		p.logger.WithError(err).Error("Marshaling AMQP event")
		return
	}

	if err := p.publish(body); err != nil {
		p.logger.WithError(err).Debug("AMQP publish failed, reconnecting")
		if err := p.Connect(); err != nil {
			p.logger.WithError(err).Warn("AMQP reconnect failed, dropping event")
			return
		}
		if err := p.publish(body); err != nil {
			p.logger.WithError(err).Warn("AMQP publish failed after reconnect, dropping event")
		}
	}
}

func (p *Publisher) publish(body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel == nil {
		return errors.New("AMQP channel not connected")
	}
	return p.channel.Publish(
		"",          // default exchange
		p.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// Close shuts the broker connection down.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}
