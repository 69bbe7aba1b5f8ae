package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

type stubClient struct {
	MetricsRecorder
	err   error
	calls int
}

func (s *stubClient) GenerateCompletion(ctx context.Context, prompt string, opts ...GenerateOption) (string, error) {
	s.calls++
	return "ok", s.err
}

func (s *stubClient) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...GenerateOption) error {
	s.calls++
	return s.err
}

func TestBreakerClientOpensOnTransportFailures(t *testing.T) {
	stub := &stubClient{err: errors.New("connection refused")}
	b := NewBreakerClient(stub, BreakerSettings{Name: "test", MinRequests: 3, TripRatio: 0.5, Timeout: time.Hour})

	for i := 0; i < 3; i++ {
		_ = b.GenerateCompletionWithFormat(context.Background(), "x", "x", "p", &struct{}{})
	}
	err := b.GenerateCompletionWithFormat(context.Background(), "x", "x", "p", &struct{}{})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("err = %v, want ErrOpenState", err)
	}
	if stub.calls != 3 {
		t.Fatalf("calls = %d, want 3", stub.calls)
	}
}

func TestBreakerClientIgnoresInvalidOutput(t *testing.T) {
	stub := &stubClient{err: ErrInvalidOutput}
	b := NewBreakerClient(stub, BreakerSettings{Name: "test", MinRequests: 2, TripRatio: 0.5, Timeout: time.Hour})

	for i := 0; i < 5; i++ {
		err := b.GenerateCompletionWithFormat(context.Background(), "x", "x", "p", &struct{}{})
		if !errors.Is(err, ErrInvalidOutput) {
			t.Fatalf("call %d err = %v, want ErrInvalidOutput", i, err)
		}
	}
	if got := b.State(); got != "closed" {
		t.Fatalf("State() = %q, want closed", got)
	}
}

func TestMetricsRecorder(t *testing.T) {
	var r MetricsRecorder
	r.Record(ModelMetrics{InputTokens: 100, OutputTokens: 50, TotalTokens: 150, DurationMs: 1000})
	r.Record(ModelMetrics{InputTokens: 10, OutputTokens: 40, TotalTokens: 50, DurationMs: 1000})

	got := r.GetMetrics()
	if got.Requests != 2 || got.TotalTokens != 200 || got.TokenPerSecond != 100 {
		t.Fatalf("GetMetrics() = %+v, want 2 requests, 200 tokens, 100 tok/s", got)
	}
	r.ResetMetrics()
	if got := r.GetMetrics(); got != (ModelMetrics{}) {
		t.Fatalf("after reset = %+v, want zero", got)
	}
}
