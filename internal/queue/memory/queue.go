// Package memory provides a task queue for local development and testing.
//
// Delivery semantics mirror the durable queue: at-least-once, visibility
// timeout redelivery for unsettled messages, and a dead-letter hand-off once
// a message exhausts its receive budget.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/newsharvest/gdelt-harvester/internal/harvest"
)

// Config controls queue behavior.
type Config struct {
	// Capacity bounds the in-flight channel buffer.
	Capacity int
	// VisibilityTimeout is how long a received message may stay unsettled
	// before it becomes redeliverable. Zero disables timer redelivery
	// (tests settle explicitly).
	VisibilityTimeout time.Duration
	// MaxReceive is the number of deliveries a message is allowed before it
	// is dead-lettered.
	MaxReceive int
}

// DefaultMaxReceive bounds redelivery when Config.MaxReceive is unset.
const DefaultMaxReceive = 5

type message struct {
	unit     harvest.WorkUnit
	attempts int
}

// Queue is a bounded in-memory task queue with context-aware operations.
type Queue struct {
	cfg  Config
	ch   chan *message
	dead chan *message

	done      chan struct{}
	closeOnce sync.Once
}

// New constructs a Queue.
func New(cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	if cfg.MaxReceive <= 0 {
		cfg.MaxReceive = DefaultMaxReceive
	}
	return &Queue{
		cfg:  cfg,
		ch:   make(chan *message, cfg.Capacity),
		dead: make(chan *message, cfg.Capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a work unit or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, unit harvest.WorkUnit) error {
	select {
	case <-q.done:
		return errors.New("queue closed")
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return errors.New("queue closed")
	case q.ch <- &message{unit: unit}:
		return nil
	}
}

// Receive pops the next delivery, respecting context cancellation.
func (q *Queue) Receive(ctx context.Context) (harvest.Delivery, error) {
	return q.receiveFrom(ctx, q.ch, false)
}

// DeadLetters returns a receiver over dead-lettered messages.
func (q *Queue) DeadLetters() harvest.Receiver {
	return deadReceiver{q}
}

type deadReceiver struct{ q *Queue }

func (r deadReceiver) Receive(ctx context.Context) (harvest.Delivery, error) {
	return r.q.receiveFrom(ctx, r.q.dead, true)
}

func (q *Queue) receiveFrom(ctx context.Context, ch chan *message, fromDead bool) (harvest.Delivery, error) {
	select {
	case <-q.done:
		return nil, errors.New("queue closed")
	default:
	}
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("receive canceled: %w", ctx.Err())
	case <-q.done:
		return nil, errors.New("queue closed")
	case msg := <-ch:
		msg.attempts++
		d := &delivery{q: q, msg: msg, fromDead: fromDead}
		if q.cfg.VisibilityTimeout > 0 {
			d.timer = time.AfterFunc(q.cfg.VisibilityTimeout, d.expire)
		}
		return d, nil
	}
}

// redeliver puts an unsettled message back, dead-lettering it once its
// receive budget is spent. The send blocks only until Close so a full
// channel cannot wedge shutdown or other redeliveries.
func (q *Queue) redeliver(msg *message, fromDead bool) {
	target := q.ch
	if fromDead || msg.attempts >= q.cfg.MaxReceive {
		target = q.dead
	}
	select {
	case target <- msg:
	case <-q.done:
	}
}

// Close stops the queue. Pending messages are dropped; in-flight
// redeliveries unblock.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Depth reports how many messages are currently queued (test helper).
func (q *Queue) Depth() int { return len(q.ch) }

// DeadDepth reports how many messages are dead-lettered (test helper).
func (q *Queue) DeadDepth() int { return len(q.dead) }

type delivery struct {
	q        *Queue
	msg      *message
	timer    *time.Timer
	fromDead bool

	settleMu sync.Mutex
	settled  bool
}

// Unit returns the delivered work unit.
func (d *delivery) Unit() harvest.WorkUnit { return d.msg.unit }

// Attempt returns the 1-based delivery attempt.
func (d *delivery) Attempt() int { return d.msg.attempts }

// Ack deletes the message.
func (d *delivery) Ack() {
	d.settle()
}

// Nack makes the message immediately redeliverable.
func (d *delivery) Nack() {
	if d.settle() {
		return
	}
	d.q.redeliver(d.msg, d.fromDead)
}

// expire fires when the visibility timeout elapses without a settle.
func (d *delivery) expire() {
	d.settleMu.Lock()
	if d.settled {
		d.settleMu.Unlock()
		return
	}
	d.settled = true
	d.settleMu.Unlock()
	d.q.redeliver(d.msg, d.fromDead)
}

// settle marks the delivery settled, reporting whether it already was.
func (d *delivery) settle() bool {
	d.settleMu.Lock()
	defer d.settleMu.Unlock()
	if d.settled {
		return true
	}
	d.settled = true
	if d.timer != nil {
		d.timer.Stop()
	}
	return false
}
