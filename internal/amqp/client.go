package amqp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"allocator/internal/core"
	applog "allocator/internal/log"
)

// Circuit breaker states
const (
	StateClosed int32 = iota
	StateOpen
	StateHalfOpen
)

const (
	// maxFailures consecutive connection failures open the circuit
	maxFailures = 5
	// openTimeout is how long the circuit stays open before a trial publish
	openTimeout    = 30 * time.Second
	publishTimeout = 5 * time.Second
	maxBackoff     = 30 * time.Second
)

// Client publishes and consumes proposal.created messages on a durable
// direct exchange. A lost connection is re-dialled on the next publish,
// and repeated failures open a circuit breaker so callers fail fast.
type Client struct {
	url          string
	exchangeName string
	queueName    string

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel

	failureCount int64
	state        int32
	lastFailure  time.Time
	failureMu    sync.Mutex
}

func NewClient(url, exchangeName, queueName string) (*Client, error) {
	client := &Client{
		url:          url,
		exchangeName: exchangeName,
		queueName:    queueName,
	}

	client.mu.Lock()
	err := client.connect()
	client.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return client, nil
}

// connect dials and declares the topology. c.mu must be held.
func (c *Client) connect() error {
	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	c.conn = conn
	c.channel = channel
	if err := c.setup(); err != nil {
		c.closeLocked()
		return fmt.Errorf("setup exchange and queue: %w", err)
	}
	return nil
}

func (c *Client) setup() error {
	err := c.channel.ExchangeDeclare(
		c.exchangeName, // name
		"direct",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	_, err = c.channel.QueueDeclare(
		c.queueName, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	// Routing key is the queue name, as with any direct exchange here.
	err = c.channel.QueueBind(c.queueName, c.queueName, c.exchangeName, false, nil)
	if err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

// ensureChannel returns an open channel, reconnecting when needed.
func (c *Client) ensureChannel() (*amqp091.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil && !c.channel.IsClosed() && c.conn != nil && !c.conn.IsClosed() {
		return c.channel, nil
	}
	c.closeLocked()
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c.channel, nil
}

// PublishProposalCreated publishes p as a persistent proposal.created message.
func (c *Client) PublishProposalCreated(ctx context.Context, p core.SplitProposal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isCircuitOpen() {
		return fmt.Errorf("circuit breaker is open: AMQP unavailable since %s", c.lastFailureTime().Format(time.RFC3339))
	}

	body, err := NewProposalCreatedMessage(p).ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	channel, err := c.ensureChannel()
	if err != nil {
		c.recordFailure()
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = channel.PublishWithContext(
		ctx,
		c.exchangeName, // exchange
		c.queueName,    // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Type:         "proposal.created",
			MessageId:    p.ID,
			Body:         body,
		},
	)
	if err != nil {
		if isConnectionError(err) {
			c.recordFailure()
		}
		return fmt.Errorf("publish message: %w", err)
	}
	c.recordSuccess()

	applog.FromContext(ctx).WithComponent(applog.ComponentAMQP).InfoContext(ctx, "Published proposal.created",
		applog.FieldProposalID, p.ID,
		applog.FieldExpenseID, p.ExpenseID,
		"exchange", c.exchangeName,
		"queue", c.queueName)
	return nil
}

// ProposalCreated publishes p and logs a failure instead of returning it;
// the proposal is already stored and pollers will still find it.
func (c *Client) ProposalCreated(ctx context.Context, p core.SplitProposal) {
	if err := c.PublishProposalCreated(ctx, p); err != nil {
		applog.FromContext(ctx).WithComponent(applog.ComponentAMQP).WarnContext(ctx, "Failed to publish proposal",
			applog.NewFields().WithProposal(p.ID, p.ExpenseID, p.FromUser, p.ToUser, p.SuggestedRatio).WithError(err).ToSlice()...)
	}
}

// ConsumeProposals delivers every proposal.created message to handler until
// ctx ends. Malformed messages are dropped, handler failures are requeued,
// and a lost connection is re-dialled with exponential backoff.
func (c *Client) ConsumeProposals(ctx context.Context, handler func(context.Context, *ProposalCreatedMessage) error) error {
	logger := applog.FromContext(ctx).WithComponent(applog.ComponentAMQP)

	for attempt := 0; ; attempt++ {
		consumed, err := c.consumeOnce(ctx, handler)
		if ctx.Err() != nil {
			logger.InfoContext(ctx, "Stopping message consumption", "reason", ctx.Err())
			return ctx.Err()
		}
		if consumed {
			attempt = 0
		}
		if err != nil && !isConnectionError(err) {
			return err
		}

		wait := exponentialBackoff(attempt)
		logger.WarnContext(ctx, "AMQP consumer disconnected, reconnecting",
			"error", err, "attempt", attempt+1, "backoff", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// consumeOnce runs one consumer until its channel closes. consumed reports
// whether at least one delivery arrived.
func (c *Client) consumeOnce(ctx context.Context, handler func(context.Context, *ProposalCreatedMessage) error) (consumed bool, err error) {
	logger := applog.FromContext(ctx).WithComponent(applog.ComponentAMQP)

	channel, err := c.ensureChannel()
	if err != nil {
		return false, err
	}
	msgs, err := channel.Consume(
		c.queueName, // queue
		"",          // consumer
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return false, fmt.Errorf("start consuming: %w", err)
	}

	logger.InfoContext(ctx, "Started consuming proposal messages", "queue", c.queueName)

	for {
		select {
		case <-ctx.Done():
			return consumed, ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return consumed, errors.New("message channel closed")
			}
			consumed = true

			msg, err := ProposalCreatedMessageFromJSON(delivery.Body)
			if err != nil {
				logger.ErrorContext(ctx, "Failed to unmarshal message", "error", err)
				delivery.Nack(false, false)
				continue
			}

			if err := handler(ctx, msg); err != nil {
				logger.ErrorContext(ctx, "Failed to handle message",
					"error", err, applog.FieldProposalID, msg.ProposalID)
				delivery.Nack(false, true)
				continue
			}

			delivery.Ack(false)
			logger.DebugContext(ctx, "Processed proposal message", applog.FieldProposalID, msg.ProposalID)
		}
	}
}

func (c *Client) isCircuitOpen() bool {
	switch atomic.LoadInt32(&c.state) {
	case StateOpen:
		if time.Since(c.lastFailureTime()) > openTimeout {
			atomic.CompareAndSwapInt32(&c.state, StateOpen, StateHalfOpen)
			return false
		}
		return true
	default:
		return false
	}
}

func (c *Client) recordSuccess() {
	atomic.StoreInt64(&c.failureCount, 0)
	atomic.StoreInt32(&c.state, StateClosed)
}

func (c *Client) recordFailure() {
	n := atomic.AddInt64(&c.failureCount, 1)
	c.failureMu.Lock()
	c.lastFailure = time.Now()
	c.failureMu.Unlock()

	if n >= maxFailures || atomic.LoadInt32(&c.state) == StateHalfOpen {
		atomic.StoreInt32(&c.state, StateOpen)
	}
}

func (c *Client) lastFailureTime() time.Time {
	c.failureMu.Lock()
	defer c.failureMu.Unlock()
	return c.lastFailure
}

// exponentialBackoff returns 1s doubled per attempt, capped at 30s.
func exponentialBackoff(attempt int) time.Duration {
	if attempt >= 5 {
		return maxBackoff
	}
	return min(time.Second<<attempt, maxBackoff)
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{
		"connection refused",
		"connection closed",
		"connection reset",
		"EOF",
		"broken pipe",
		"use of closed network connection",
		"channel closed",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	var err error
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	return err
}

