package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/kazi/internal/workflow"
	"github.com/pitabwire/kazi/model"
)

// ErrBreakerOpen is returned while the breaker short-circuits deliveries.
var ErrBreakerOpen = errors.New("notify: circuit breaker is open")

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// BreakerClosed lets every delivery through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects deliveries until the cooldown has passed.
	BreakerOpen
	// BreakerHalfOpen lets a single probe through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker wraps a publisher so that a broker outage does not make every
// transition wait for a flush timeout. While open, intents are left
// unpublished in the outbox and the relay delivers them later.
type Breaker struct {
	next      workflow.IntentPublisher
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	logger    *zap.Logger

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker trips after threshold consecutive failures and probes again
// after cooldown.
func NewBreaker(next workflow.IntentPublisher, threshold int, cooldown time.Duration, logger *zap.Logger) *Breaker {
	if threshold < 1 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		next:      next,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		logger:    logger,
	}
}

// Publish forwards intents unless the breaker is open.
func (b *Breaker) Publish(ctx context.Context, intents []model.NotificationIntent) error {
	if len(intents) == 0 {
		return nil
	}
	if err := b.allow(); err != nil {
		return err
	}
	err := b.next.Publish(ctx, intents)
	// A cancelled caller says nothing about the broker.
	if err != nil && ctx.Err() != nil {
		b.release()
		return err
	}
	b.record(err)
	return err
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

// HealthCheck delegates to the wrapped publisher when it has one.
func (b *Breaker) HealthCheck(ctx context.Context) error {
	if hc, ok := b.next.(interface{ HealthCheck(context.Context) error }); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()

	switch b.state {
	case BreakerOpen:
		return ErrBreakerOpen
	case BreakerHalfOpen:
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) release() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false

	if err == nil {
		if b.state != BreakerClosed {
			b.logger.Info("notification breaker closed")
		}
		b.state = BreakerClosed
		b.failures = 0
		return
	}

	switch b.state {
	case BreakerHalfOpen:
		b.trip()
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.trip()
		}
	}
}

// advance moves an expired open breaker to half-open. Must hold mu.
func (b *Breaker) advance() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = BreakerHalfOpen
	}
}

// trip opens the breaker. Must hold mu.
func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.failures = 0
	b.logger.Warn("notification breaker opened", zap.Duration("cooldown", b.cooldown))
}
