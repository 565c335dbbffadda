package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"MarketCache/internal/domain/models"
	domrepo "MarketCache/internal/domain/repository"
	"MarketCache/pkg/cache/batch"
	"MarketCache/pkg/kafka"
	"MarketCache/pkg/logger"
)

// ErrBroadcast marks an invalidation that was applied locally but not published.
var ErrBroadcast = errors.New("invalidation not broadcast")

// InvalidationBus applies invalidations locally and propagates them to the other
// instances through a topic. Without a publisher it only acts locally.
type InvalidationBus struct {
	ops    *batch.Operations
	pub    domrepo.EventPublisher
	topic  string
	origin string
	clock  clockwork.Clock
	l      *logger.Logger
}

var _ kafka.MessageHandler = (*InvalidationBus)(nil)

func NewInvalidationBus(ops *batch.Operations, pub domrepo.EventPublisher, topic, origin string, l *logger.Logger, clock clockwork.Clock) *InvalidationBus {
	if l == nil {
		l = logger.Nop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if origin == "" {
		origin = uuid.NewString()
	}
	return &InvalidationBus{ops: ops, pub: pub, topic: topic, origin: origin, clock: clock, l: l}
}

// Origin identifies this instance on the bus.
func (b *InvalidationBus) Origin() string { return b.origin }

// Invalidate removes target locally and broadcasts the event. The local count is
// returned even when publishing fails.
func (b *InvalidationBus) Invalidate(ctx context.Context, target, mode, reason string) (int, error) {
	ev := models.InvalidationEvent{
		ID:     uuid.NewString(),
		Origin: b.origin,
		Target: target,
		Mode:   mode,
		Reason: reason,
		At:     b.clock.Now().UTC(),
	}
	n, err := b.apply(ctx, ev)
	if err != nil {
		return 0, err
	}
	if b.pub == nil {
		return n, nil
	}
	if err := b.pub.PublishMessage(ctx, b.topic, ev); err != nil {
		return n, fmt.Errorf("%w: %w", ErrBroadcast, err)
	}
	return n, nil
}

func (b *InvalidationBus) Topic() string { return b.topic }

// Handle applies an event published by another instance.
func (b *InvalidationBus) Handle(ctx context.Context, d kafka.Delivery) error {
	var ev models.InvalidationEvent
	if err := json.Unmarshal(d.Value, &ev); err != nil {
		return fmt.Errorf("decode invalidation event: %w", err)
	}
	if ev.Origin == b.origin {
		return nil
	}
	n, err := b.apply(ctx, ev)
	if err != nil {
		return err
	}
	b.l.Debug("remote invalidation applied",
		logger.String("id", ev.ID),
		logger.String("origin", ev.Origin),
		logger.String("target", ev.Target),
		logger.Int("deleted", n),
	)
	return nil
}

func (b *InvalidationBus) apply(ctx context.Context, ev models.InvalidationEvent) (int, error) {
	if ev.Target == "" {
		return 0, fmt.Errorf("invalidation event %s has no target", ev.ID)
	}
	switch ev.Mode {
	case models.InvalidatePrefix:
		return b.ops.InvalidatePrefix(ctx, ev.Target), nil
	case models.InvalidatePattern, "":
		return b.ops.InvalidatePattern(ctx, ev.Target), nil
	default:
		return 0, fmt.Errorf("unknown invalidation mode %q", ev.Mode)
	}
}
