// Package eventsink exports broadcaster events to external consumers.
package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/ricochet1k/wagate/internal/domain"
	"github.com/ricochet1k/wagate/internal/realtime"
	"github.com/ricochet1k/wagate/internal/service"
)

// Publisher publishes a message body to an exchange.
type Publisher interface {
	Publish(exchange string, body []byte) error
}

type AMQPPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	// declared is set once the exchange exists.
	declared map[string]bool
}

// NewAMQPPublisher connects to the broker at amqpURL.
func NewAMQPPublisher(amqpURL string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	return &AMQPPublisher{conn: conn, channel: ch, declared: make(map[string]bool)}, nil
}

// Publish declares exchange as a durable fanout on first use and publishes
// body to it. It is not safe for concurrent use; Sink calls it from one
// goroutine.
func (p *AMQPPublisher) Publish(exchange string, body []byte) error {
	if !p.declared[exchange] {
		err := p.channel.ExchangeDeclare(
			exchange,
			"fanout",
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
		p.declared[exchange] = true
	}
	return p.channel.Publish(
		exchange,
		"",
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
}

func (p *AMQPPublisher) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// Message is the body published for each event. Owner lets consumers apply
// the same visibility rules as realtime clients.
type Message struct {
	Event     string `json:"event"`
	SessionID string `json:"sessionId,omitempty"`
	Owner     string `json:"owner,omitempty"`
	Timestamp string `json:"timestamp"`
	Frame     any    `json:"frame"`
}

// Sink forwards every broadcaster event to a Publisher.
type Sink struct {
	publisher Publisher
	exchange  string
	log       *logrus.Entry
	published atomic.Uint64
	failed    atomic.Uint64
}

func NewSink(publisher Publisher, exchange string, log *logrus.Entry) *Sink {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Sink{
		publisher: publisher,
		exchange:  exchange,
		log:       log.WithField("component", "eventsink"),
	}
}

// Run subscribes to broadcaster and publishes until ctx is cancelled.
func (s *Sink) Run(ctx context.Context, broadcaster *service.EventBroadcaster) {
	subID := "eventsink-" + uuid.NewString()
	sub := broadcaster.Subscribe(subID, "")
	defer broadcaster.Unsubscribe(subID)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			s.Forward(ev)
		}
	}
}

// Forward publishes one event. Only the first failure is logged above
// debug.
func (s *Sink) Forward(ev domain.Event) {
	msg, ok := NewMessage(ev)
	if !ok {
		return
	}
	body, err := json.Marshal(msg)
	if err != nil {
		s.failed.Add(1)
		s.log.WithError(err).Debug("encode event")
		return
	}
	if err := s.publisher.Publish(s.exchange, body); err != nil {
		if s.failed.Add(1) == 1 {
			s.log.WithError(err).Warn("event export failing")
		} else {
			s.log.WithError(err).Debug("publish event")
		}
		return
	}
	s.published.Add(1)
}

func (s *Sink) Published() uint64 {
	return s.published.Load()
}

func (s *Sink) Failed() uint64 {
	return s.failed.Load()
}

// NewMessage wraps ev for export.
func NewMessage(ev domain.Event) (Message, bool) {
	frame, ok := realtime.EventFrame(ev)
	if !ok {
		return Message{}, false
	}
	msg := Message{
		Event:     ev.Type.String(),
		SessionID: ev.SessionID,
		Timestamp: ev.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Frame:     frame,
	}
	switch data := ev.Data.(type) {
	case domain.SessionUpdateData:
		if len(data.Sessions) == 1 {
			msg.Owner = data.Sessions[0].Owner
		}
	case domain.SessionDeletedData:
		msg.Owner = data.Owner
	}
	return msg, true
}
