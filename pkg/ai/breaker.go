package ai

import (
	"context"
	"errors"
	"time"

	"github.com/OFFIS-RIT/kiwi/extractor/pkg/logger"

	"github.com/sony/gobreaker"
)

// BreakerSettings configures a BreakerClient.
type BreakerSettings struct {
	Name string
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval after which closed-state counts are cleared.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration
	// TripRatio of failed requests (after at least MinRequests) opens the breaker.
	TripRatio   float64
	MinRequests uint32
}

// BreakerClient wraps a GraphAIClient with a circuit breaker so that a failing
// provider is not hammered by every worker. Unparseable output and rejected
// requests do not count as provider failures.
type BreakerClient struct {
	client GraphAIClient
	cb     *gobreaker.CircuitBreaker
}

func NewBreakerClient(client GraphAIClient, s BreakerSettings) *BreakerClient {
	if s.MinRequests == 0 {
		s.MinRequests = 5
	}
	if s.TripRatio <= 0 {
		s.TripRatio = 0.6
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}

	st := gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= s.TripRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrInvalidOutput) ||
				errors.Is(err, ErrRequestRejected) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("[AI] Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}

	return &BreakerClient{client: client, cb: gobreaker.NewCircuitBreaker(st)}
}

func (b *BreakerClient) GenerateCompletion(ctx context.Context, prompt string, opts ...GenerateOption) (string, error) {
	resp, err := b.cb.Execute(func() (any, error) {
		return b.client.GenerateCompletion(ctx, prompt, opts...)
	})
	if err != nil {
		return "", err
	}
	return resp.(string), nil
}

func (b *BreakerClient) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...GenerateOption,
) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.client.GenerateCompletionWithFormat(ctx, name, description, prompt, out, opts...)
	})
	return err
}

func (b *BreakerClient) ResetMetrics() {
	b.client.ResetMetrics()
}

func (b *BreakerClient) GetMetrics() ModelMetrics {
	return b.client.GetMetrics()
}

// State exposes the breaker state for health reporting.
func (b *BreakerClient) State() string {
	return b.cb.State().String()
}
