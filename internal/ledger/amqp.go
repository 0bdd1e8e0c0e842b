package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"attendance-sync-backend/internal/metrics"
	"attendance-sync-backend/internal/model"
)

// Routing keys on the attendance exchange.
const (
	RoutingClockIn  = "punch.clock_in"
	RoutingClockOut = "punch.clock_out"
)

// AMQPLedger publishes requests to a topic exchange with publisher confirms.
// A dropped connection is re-dialed on the next publish.
type AMQPLedger struct {
	url      string
	exchange string
	timeout  time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	healthy   atomic.Bool
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewAMQPLedger connects, declares the exchange and enables confirms.
func NewAMQPLedger(url, exchange string, timeout time.Duration, l *slog.Logger) (*AMQPLedger, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	a := &AMQPLedger{url: url, exchange: exchange, timeout: timeout, logger: l}
	if err := a.connect(); err != nil {
		return nil, err
	}
	return a, nil
}

// connect opens the connection and channel. Callers hold a.mu, or own a.
func (a *AMQPLedger) connect() error {
	c, err := amqp.Dial(a.url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := c.Channel()
	if err != nil {
		c.Close()
		return fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}
	if err := ch.ExchangeDeclare(a.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		c.Close()
		return fmt.Errorf("failed to declare topic exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		c.Close()
		return fmt.Errorf("failed to activate publisher confirms: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	connClosed := c.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	a.conn, a.channel, a.cancel = c, ch, cancel
	a.healthy.Store(true)
	metrics.LedgerHealthy.Set(1)

	go func() {
		select {
		case err := <-connClosed:
			a.healthy.Store(false)
			metrics.LedgerHealthy.Set(0)
			a.logger.Warn("ledger broker connection closed", "error", err)
		case err := <-chanClosed:
			a.healthy.Store(false)
			metrics.LedgerHealthy.Set(0)
			a.logger.Warn("ledger broker channel closed", "error", err)
		case <-ctx.Done():
		}
	}()
	a.logger.Info("connected to ledger broker", "exchange", a.exchange)
	return nil
}

func (a *AMQPLedger) ClockIn(ctx context.Context, req Request) error {
	return a.publish(ctx, model.ClockIn, req)
}

func (a *AMQPLedger) ClockOut(ctx context.Context, req Request) error {
	return a.publish(ctx, model.ClockOut, req)
}

// message builds the routing key and publishing for one request.
func message(dir model.Direction, req Request) (string, amqp.Publishing, error) {
	key := RoutingClockOut
	if dir == model.ClockIn {
		key = RoutingClockIn
	}
	body, err := json.Marshal(struct {
		Direction model.Direction `json:"direction"`
		Request
	}{dir, req})
	if err != nil {
		return "", amqp.Publishing{}, fmt.Errorf("failed to serialize request: %w", err)
	}
	return key, amqp.Publishing{
		MessageId:    uuid.NewString(),
		Timestamp:    req.Timestamp,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers: amqp.Table{
			"employee_ref": req.EmployeeRef,
			"device_id":    req.DeviceID,
		},
		Body: body,
	}, nil
}

// publish blocks until the broker confirms the message.
func (a *AMQPLedger) publish(ctx context.Context, dir model.Direction, req Request) error {
	if a.closed.Load() {
		return fmt.Errorf("ledger broker client is closed")
	}
	key, msg, err := message(dir, req)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if !a.healthy.Load() {
		a.teardown()
		if err := a.connect(); err != nil {
			a.mu.Unlock()
			return err
		}
	}
	ch := a.channel
	a.mu.Unlock()

	l := a.logger.With("routing_key", key, "message_id", msg.MessageId)
	deferred, err := ch.PublishWithDeferredConfirmWithContext(ctx, a.exchange, key, false, false, msg)
	if err != nil {
		l.Error("failed to publish message to exchange", "error", err)
		return fmt.Errorf("publish call failed: %w", err)
	}

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return fmt.Errorf("broker NACK received: punch not persisted")
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("publisher confirm timeout")
	}
}

// teardown releases the current connection. Callers hold a.mu.
func (a *AMQPLedger) teardown() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.channel != nil {
		a.channel.Close()
	}
	if a.conn != nil {
		a.conn.Close()
	}
	a.healthy.Store(false)
}

// Close shuts the broker resources down.
func (a *AMQPLedger) Close() error {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		a.logger.Info("terminating ledger broker client")
		a.mu.Lock()
		a.teardown()
		a.mu.Unlock()
		metrics.LedgerHealthy.Set(0)
	})
	return nil
}

// IsHealthy reports whether the connection and channel are up.
func (a *AMQPLedger) IsHealthy() bool {
	return a.healthy.Load()
}
