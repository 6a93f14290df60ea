package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dmitrijs2005/schedkeeper/internal/logging"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	dialTimeout   = 2 * time.Second
	redialBackoff = 5 * time.Second
)

// ErrBrokerUnavailable is returned without touching the network while a
// previous dial is still running or failed less than redialBackoff ago.
var ErrBrokerUnavailable = errors.New("amqp broker unavailable")

type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// dialChannel is a test seam; it returns a channel and the connection owning it.
// The TCP dial and the AMQP handshake are bounded by ctx and dialTimeout.
var dialChannel = func(ctx context.Context, url string) (channel, io.Closer, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Dial: func(network, addr string) (net.Conn, error) {
			deadline := time.Now().Add(dialTimeout)
			if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
				deadline = d
			}
			dialer := net.Dialer{Deadline: deadline}
			c, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// Cleared by the client once the handshake completes.
			if err := c.SetDeadline(deadline); err != nil {
				_ = c.Close()
				return nil, err
			}
			return c, nil
		},
	})
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return ch, conn, nil
}

// AMQPPublisher sends events as persistent JSON messages to a durable queue
// through the default exchange. The connection is opened on first use and
// reopened after a failed publish. Only one caller dials at a time and the
// lock is not held while dialing; a failed dial makes the publisher fail fast
// for redialBackoff.
type AMQPPublisher struct {
	url    string
	queue  string
	logger logging.Logger
	now    func() time.Time

	mu      sync.Mutex
	ch      channel
	conn    io.Closer
	dialing bool
	retryAt time.Time
	closed  bool
}

func NewAMQPPublisher(url, queue string, l logging.Logger) *AMQPPublisher {
	return &AMQPPublisher{url: url, queue: queue, logger: l.With("module", "events"), now: time.Now}
}

// acquire returns the open channel, dialing if there is none.
func (p *AMQPPublisher) acquire(ctx context.Context) (channel, error) {
	p.mu.Lock()
	if p.ch != nil {
		ch := p.ch
		p.mu.Unlock()
		return ch, nil
	}
	if p.closed {
		p.mu.Unlock()
		return nil, ErrBrokerUnavailable
	}
	if p.dialing || p.now().Before(p.retryAt) {
		p.mu.Unlock()
		return nil, ErrBrokerUnavailable
	}
	p.dialing = true
	p.mu.Unlock()

	ch, conn, err := p.dial(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialing = false
	if err != nil {
		p.retryAt = p.now().Add(redialBackoff)
		return nil, err
	}
	if p.closed {
		_ = ch.Close()
		_ = conn.Close()
		return nil, ErrBrokerUnavailable
	}
	p.ch, p.conn = ch, conn
	return ch, nil
}

func (p *AMQPPublisher) dial(ctx context.Context) (channel, io.Closer, error) {
	ch, conn, err := dialChannel(ctx, p.url)
	if err != nil {
		return nil, nil, fmt.Errorf("amqp dial: %w", err)
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("amqp queue declare: %w", err)
	}
	return ch, conn, nil
}

// drop closes ch if it is still the current channel.
func (p *AMQPPublisher) drop(ch channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == ch {
		p.reset()
	}
}

func (p *AMQPPublisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}

	ch, err := p.acquire(ctx)
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Type:         string(e.Type),
		Timestamp:    e.OccurredAt,
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		p.drop(ch)
		return fmt.Errorf("amqp publish: %w", err)
	}

	p.logger.Debug(ctx, "event published", "type", e.Type, "association_id", e.AssociationID)
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.reset()
	return nil
}
