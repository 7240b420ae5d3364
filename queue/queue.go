// Package queue carries envelopes between the relay and the game engine over AMQP.
//
// Three durable queues are used: the in-queue (relay → engine), the out-queue
// (engine → relay) and the event queue (fire-and-forget lifecycle events).
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/onnwee/questrelay/envelope"
)

// Lifecycle event names published on the event queue.
const (
	EventWorkspaceInstalled = "workspace_installed"
	EventChannelProvisioned = "channel_provisioned"
)

// ErrClosed is returned when the broker connection is gone.
var ErrClosed = errors.New("queue connection closed")

// Names are the queue names to declare.
type Names struct {
	In     string
	Out    string
	Events string
}

// Event is a telemetry envelope for the event queue.
type Event struct {
	Event       string         `json:"event"`
	CharacterID string         `json:"character_id"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// Message is one consumed delivery. Exactly one of Ack or Nack must be called.
type Message interface {
	Body() []byte
	Ack() error
	// Nack returns the message to the queue for redelivery.
	Nack() error
}

// Client owns one broker connection and a publishing channel.
type Client struct {
	conn  *amqp.Connection
	names Names

	mu  sync.Mutex // guards pub
	pub *amqp.Channel
}

// Dial connects to url and declares the three durable queues.
func Dial(url string, names Names) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("empty AMQP_URL")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	for _, q := range []string{names.In, names.Out, names.Events} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("declare queue %q: %w", q, err)
		}
	}
	slog.Info("queue connected", slog.String("in", names.In), slog.String("out", names.Out), slog.String("events", names.Events), slog.String("component", "queue"))
	return &Client{conn: conn, names: names, pub: ch}, nil
}

// PublishInbound enqueues env on the in-queue.
func (c *Client) PublishInbound(ctx context.Context, env envelope.Inbound) error {
	return c.publish(ctx, c.names.In, env)
}

// PublishEvent enqueues ev on the event queue.
func (c *Client) PublishEvent(ctx context.Context, ev Event) error {
	return c.publish(ctx, c.names.Events, ev)
}

// PublishOutbound enqueues a raw outbound envelope on the out-queue. The relay
// never produces these itself; the hook exists for tooling and tests.
func (c *Client) PublishOutbound(ctx context.Context, body json.RawMessage) error {
	return c.publish(ctx, c.names.Out, body)
}

func (c *Client) publish(ctx context.Context, queue string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", queue, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn.IsClosed() {
		return ErrClosed
	}
	err = c.pub.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Consume subscribes to the out-queue with prefetch 1 and manual acknowledgment.
// The returned channel closes when ctx is done or the broker closes the subscription;
// the underlying channel stays open until Close so in-flight messages can still be acked.
func (c *Client) Consume(ctx context.Context) (<-chan Message, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, c.names.Out, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", c.names.Out, err)
	}
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					slog.Warn("out-queue subscription closed by broker", slog.String("component", "queue"))
					return
				}
				select {
				case out <- delivery{d}:
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

// Ping reports whether the broker connection is open.
func (c *Client) Ping() error {
	if c.conn.IsClosed() {
		return ErrClosed
	}
	return nil
}

// Close closes the publishing channel and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.pub.Close()
	return c.conn.Close()
}

type delivery struct{ d amqp.Delivery }

func (m delivery) Body() []byte { return m.d.Body }
func (m delivery) Ack() error   { return m.d.Ack(false) }
func (m delivery) Nack() error  { return m.d.Nack(false, true) }
