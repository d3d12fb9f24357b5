// Package pubsub implements the task queue on Google Cloud Pub/Sub.
//
// Delivery is at-least-once: an unacked message is redelivered after the
// subscription's ack deadline, and the redelivery bound is enforced
// server-side by the subscription's dead-letter policy, whose dead-letter
// topic is drained through a second subscription.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/newsharvest/gdelt-harvester/internal/harvest"
)

// Config holds Pub/Sub connection metadata.
type Config struct {
	ProjectID string
	TopicID   string
	// SubscriptionID is the worker subscription on TopicID.
	SubscriptionID string
	// DeadLetterSubscriptionID, when set, names the subscription on the
	// dead-letter topic configured for SubscriptionID.
	DeadLetterSubscriptionID string
}

// Queue implements harvest.TaskQueue on Pub/Sub. Authentication uses
// Application Default Credentials.
type Queue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	cfg    Config
	logger *zap.Logger

	live *receiver
	dead *receiver
}

// New creates a Pub/Sub client and verifies the topic exists, failing fast
// on startup if the configuration is wrong.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	topic := client.Topic(cfg.TopicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		return nil, fmt.Errorf("check pubsub topic %q: %w", cfg.TopicID, err)
	}
	if !exists {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close pubsub client", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.TopicID, cfg.ProjectID)
	}

	q := &Queue{
		client: client,
		topic:  topic,
		cfg:    cfg,
		logger: logger,
	}
	q.live = newReceiver(client.Subscription(cfg.SubscriptionID), logger)
	if cfg.DeadLetterSubscriptionID != "" {
		q.dead = newReceiver(client.Subscription(cfg.DeadLetterSubscriptionID), logger)
	}
	return q, nil
}

// Enqueue publishes one work unit message and waits for the server ack, so
// callers can count what was actually enqueued.
func (q *Queue) Enqueue(ctx context.Context, unit harvest.WorkUnit) error {
	data, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("marshal work unit %s: %w", unit.Key(), err)
	}
	result := q.topic.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish work unit %s: %w", unit.Key(), err)
	}
	return nil
}

// Receive blocks for the next worker delivery.
func (q *Queue) Receive(ctx context.Context) (harvest.Delivery, error) {
	return q.live.Receive(ctx)
}

// DeadLetters returns a receiver over the dead-letter subscription, or nil
// when none is configured.
func (q *Queue) DeadLetters() harvest.Receiver {
	if q.dead == nil {
		return nil
	}
	return q.dead
}

// Close stops the publisher and closes the client connection.
func (q *Queue) Close() error {
	q.topic.Stop()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// receiver adapts the callback-style subscription into blocking pulls.
type receiver struct {
	sub    *pubsub.Subscription
	logger *zap.Logger

	once       sync.Once
	deliveries chan harvest.Delivery
}

func newReceiver(sub *pubsub.Subscription, logger *zap.Logger) *receiver {
	return &receiver{
		sub:        sub,
		logger:     logger,
		deliveries: make(chan harvest.Delivery),
	}
}

func (r *receiver) Receive(ctx context.Context) (harvest.Delivery, error) {
	r.once.Do(func() {
		go func() {
			err := r.sub.Receive(ctx, r.handle)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("pubsub receive loop ended",
					zap.String("subscription", r.sub.ID()),
					zap.Error(err),
				)
			}
		}()
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("receive canceled: %w", ctx.Err())
	case d := <-r.deliveries:
		return d, nil
	}
}

func (r *receiver) handle(ctx context.Context, msg *pubsub.Message) {
	var unit harvest.WorkUnit
	if err := json.Unmarshal(msg.Data, &unit); err != nil {
		// A payload that never parses would redeliver forever; drop it.
		r.logger.Error("dropping malformed queue message", zap.Error(err))
		msg.Ack()
		return
	}
	select {
	case r.deliveries <- &delivery{unit: unit, msg: msg}:
	case <-ctx.Done():
		msg.Nack()
	}
}

type delivery struct {
	unit harvest.WorkUnit
	msg  *pubsub.Message
}

func (d *delivery) Unit() harvest.WorkUnit { return d.unit }

func (d *delivery) Attempt() int {
	if d.msg.DeliveryAttempt != nil {
		return *d.msg.DeliveryAttempt
	}
	return 1
}

func (d *delivery) Ack()  { d.msg.Ack() }
func (d *delivery) Nack() { d.msg.Nack() }
