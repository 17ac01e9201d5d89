// Package delivery implements the outbound notification path: an ordered
// chain of send strategies with a durable spill to the outbox when every
// transport fails. The chain is injected wherever something sends mail, so
// tests swap in a stub without touching call sites.
package delivery

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Message is one outbound notification.
type Message struct {
	To      string
	Subject string
	Body    string
	ReplyTo string
}

// Provider is a single send transport.
type Provider interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Spill persists a message for later delivery when no transport succeeds.
type Spill interface {
	Spill(msg Message) error
}

// Sender is what callers depend on. Send guarantees durability: on total
// transport failure the message lands in the spill. Attempt only tries the
// transports; the worker uses it when draining the outbox, where the item
// already lives in the queue and spilling would duplicate it.
type Sender interface {
	Send(ctx context.Context, msg Message) (provider string, ok bool)
	Attempt(ctx context.Context, msg Message) (provider string, ok bool)
}

// Chain tries each provider in order. The priority provider sits behind a
// circuit breaker so a flapping transactional API fails over to SMTP
// quickly instead of eating the timeout on every message.
type Chain struct {
	providers []Provider
	spill     Spill
	breaker   *gobreaker.CircuitBreaker
	timeout   time.Duration
	logger    *zap.SugaredLogger
}

func NewChain(providers []Provider, spill Spill, logger *zap.SugaredLogger) *Chain {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	var breaker *gobreaker.CircuitBreaker
	if len(providers) > 0 {
		breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        providers[0].Name(),
			MaxRequests: 5,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 3
			},
		})
	}
	return &Chain{
		providers: providers,
		spill:     spill,
		breaker:   breaker,
		timeout:   20 * time.Second,
		logger:    logger,
	}
}

func (c *Chain) Attempt(ctx context.Context, msg Message) (string, bool) {
	for i, provider := range c.providers {
		err := c.sendOne(ctx, i, provider, msg)
		if err == nil {
			return provider.Name(), true
		}
		c.logger.Warnw("provider send failed", "provider", provider.Name(), "to", msg.To, "error", err)
	}
	return "", false
}

func (c *Chain) Send(ctx context.Context, msg Message) (string, bool) {
	if provider, ok := c.Attempt(ctx, msg); ok {
		return provider, true
	}
	if c.spill != nil {
		if err := c.spill.Spill(msg); err != nil {
			c.logger.Errorw("spilling undeliverable message failed", "to", msg.To, "error", err)
		} else {
			c.logger.Infow("message spilled to outbox", "to", msg.To, "subject", msg.Subject)
		}
	}
	return "", false
}

func (c *Chain) sendOne(ctx context.Context, index int, provider Provider, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if index == 0 && c.breaker != nil {
		_, err := c.breaker.Execute(func() (any, error) {
			return nil, provider.Send(ctx, msg)
		})
		return err
	}
	return provider.Send(ctx, msg)
}

var _ Sender = (*Chain)(nil)
