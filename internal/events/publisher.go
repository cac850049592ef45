// Package events provides an optional change-event export bus: every
// Change the backend's capture layer emits is also published to a
// configured AMQP exchange, for consumers outside the document
// protocols (spec's domain-stack "optional change-event export").
package events

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/squirreldb/squirreldb/internal/backend"
	"github.com/squirreldb/squirreldb/internal/logger"
)

// Config drives Publisher construction from the `events` config section.
type Config struct {
	Enabled  bool
	URL      string
	Exchange string
}

// Publisher subscribes to a backend's change stream and republishes every
// Change as a JSON message on a topic exchange, routed by
// "<project>.<collection>.<operation>".
type Publisher struct {
	cfg     Config
	backend backend.Backend
	log     logger.Logger

	conn    *amqp.Connection
	channel *amqp.Channel
	unsub   func()
	done    chan struct{}
	running bool
}

func NewPublisher(cfg Config, b backend.Backend, log logger.Logger) *Publisher {
	return &Publisher{cfg: cfg, backend: b, log: log}
}

func (p *Publisher) Start(ctx context.Context) error {
	if p.running || !p.cfg.Enabled {
		return nil
	}

	conn, err := amqp.Dial(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("events: dialing %s: %w", p.cfg.URL, err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("events: opening channel: %w", err)
	}

	if err := channel.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()

		return fmt.Errorf("events: declaring exchange %s: %w", p.cfg.Exchange, err)
	}

	changes, unsub := p.backend.SubscribeChanges()

	p.conn = conn
	p.channel = channel
	p.unsub = unsub
	p.done = make(chan struct{})
	p.running = true

	go p.loop(changes)

	return nil
}

func (p *Publisher) Stop(ctx context.Context) error {
	if !p.running {
		return nil
	}

	p.unsub()
	<-p.done

	if p.channel != nil {
		p.channel.Close()
	}

	if p.conn != nil {
		p.conn.Close()
	}

	p.running = false

	return nil
}

func (p *Publisher) IsRunning() bool { return p.running }

func (p *Publisher) loop(changes <-chan backend.Change) {
	defer close(p.done)

	for change := range changes {
		if err := p.publish(change); err != nil {
			p.log.Errorf("events: publishing change %d: %v", change.ID, err)
		}
	}
}

func (p *Publisher) publish(change backend.Change) error {
	body, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshaling change: %w", err)
	}

	key := fmt.Sprintf("%s.%s.%s", change.ProjectID, change.Collection, change.Operation)

	return p.channel.Publish(p.cfg.Exchange, key, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}
