// Package amqpsink mirrors progress events onto a RabbitMQ fanout exchange so
// processes other than the dispatcher can observe them.
package amqpsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"

	"blast/internal/progress"
)

const DefaultExchange = "blast.progress"

// Channel is the part of *amqp.Channel the sink publishes with.
type Channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type Sink struct {
	ch       Channel
	exchange string
	log      *slog.Logger
	close    func() error

	mu sync.Mutex
}

func New(ch Channel, exchange string, log *slog.Logger) *Sink {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sink{ch: ch, exchange: exchange, log: log}
}

// Dial connects to url and declares the fanout exchange.
func Dial(url, exchange string, log *slog.Logger) (*Sink, error) {
	conn, ch, err := open(url, exchange)
	if err != nil {
		return nil, err
	}
	s := New(ch, exchange, log)
	s.close = func() error {
		return errors.Join(ch.Close(), conn.Close())
	}
	return s, nil
}

// Publish sends ev as JSON. Broker failures are logged; events are best
// effort.
func (s *Sink) Publish(_ context.Context, ev progress.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("encode progress event", "err", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ch.Publish(s.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Type:        string(ev.Kind),
		Timestamp:   ev.At,
		Body:        body,
	}); err != nil {
		s.log.Warn("publish progress event failed", "campaign_id", ev.CampaignID, "err", err)
	}
}

func (s *Sink) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// Relay binds a private queue to the exchange and republishes every event to
// pub until ctx is done or the broker closes the channel.
func Relay(ctx context.Context, url, exchange string, pub progress.Publisher, log *slog.Logger) error {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, ch, err := open(url, exchange)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer ch.Close()

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare relay queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		return fmt.Errorf("bind relay queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume relay queue: %w", err)
	}
	return relay(ctx, deliveries, pub, log)
}

func relay(ctx context.Context, deliveries <-chan amqp.Delivery, pub progress.Publisher, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("progress relay: delivery channel closed")
			}
			var ev progress.Event
			if err := json.Unmarshal(d.Body, &ev); err != nil {
				log.Warn("dropping malformed progress event", "err", err)
				continue
			}
			pub.Publish(ctx, ev)
		}
	}
}

func open(url, exchange string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeFanout,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return conn, ch, nil
}
