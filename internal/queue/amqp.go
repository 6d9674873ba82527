package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"reproserver/internal/domain"
	"reproserver/internal/retry"
)

const (
	BuildQueue = "build_queue"
	RunQueue   = "run_queue"
)

type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
}

type amqpConn interface {
	channel() (amqpChannel, error)
	Close() error
}

type brokerConn struct {
	*amqp.Connection
}

func (c brokerConn) channel() (amqpChannel, error) {
	ch, err := c.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func dialBroker(url string) (amqpConn, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return brokerConn{conn}, nil
}

// AMQP publishes persistent messages to the durable build and run queues.
type AMQP struct {
	url  string
	dial func(url string) (amqpConn, error)

	mu   sync.Mutex
	conn amqpConn
	ch   amqpChannel
}

// DialAMQP connects to the broker, retrying while it comes up, and declares
// both queues.
func DialAMQP(ctx context.Context, url string, attempts int) (*AMQP, error) {
	a := &AMQP{url: url, dial: dialBroker}
	_, err := retry.Blocking(ctx, retry.Exponential(500*time.Millisecond, 2), attempts, func() (struct{}, error) {
		if err := a.connect(); err != nil {
			return struct{}{}, fmt.Errorf("%v: %w", err, retry.ErrRetry)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return nil, &domain.DispatchError{Err: err}
	}
	return a, nil
}

// connect replaces the current connection, closing the old one first.
func (a *AMQP) connect() error {
	if a.conn != nil {
		a.conn.Close()
		a.conn, a.ch = nil, nil
	}
	conn, err := a.dial(a.url)
	if err != nil {
		return err
	}
	ch, err := conn.channel()
	if err != nil {
		conn.Close()
		return err
	}
	for _, q := range []string{BuildQueue, RunQueue} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			conn.Close()
			return fmt.Errorf("declare %s: %w", q, err)
		}
	}
	a.conn, a.ch = conn, ch
	return nil
}

type amqpTask struct {
	Hash  string `json:"hash,omitempty"`
	RunID int64  `json:"run_id,omitempty"`
}

func (a *AMQP) PublishBuild(ctx context.Context, messageID, hash string) error {
	return a.publish(ctx, BuildQueue, messageID, amqpTask{Hash: hash})
}

func (a *AMQP) PublishRun(ctx context.Context, messageID string, runID int64) error {
	return a.publish(ctx, RunQueue, messageID, amqpTask{RunID: runID})
}

// publish sends task with the outbox message id, so a redelivered task keeps
// the id of its first attempt.
func (a *AMQP) publish(ctx context.Context, queue, messageID string, task amqpTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if messageID == "" {
		messageID = uuid.NewString()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch == nil || a.ch.IsClosed() {
		if err := a.connect(); err != nil {
			return &domain.DispatchError{Err: err}
		}
	}
	err = a.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return &domain.DispatchError{Err: fmt.Errorf("publish to %s: %w", queue, err)}
	}
	return nil
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn, a.ch = nil, nil
	return err
}
