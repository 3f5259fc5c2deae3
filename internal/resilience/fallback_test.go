package resilience

import (
	"context"
	"errors"
	"testing"
)

func newGroup(cfg FallbackConfig) *FallbackGroup[string] {
	if cfg.CircuitBreaker.MaxFailures == 0 {
		cfg.CircuitBreaker.MaxFailures = 3
	}
	fg := NewFallbackGroup("primary", "primary", cfg)
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	t.Parallel()

	fg := newGroup(FallbackConfig{})
	var called []string
	err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
		called = append(called, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(called) != 1 || called[0] != "primary" {
		t.Fatalf("called = %v, want [primary]", called)
	}
	if fg.Len() != 2 || fg.Primary() != "primary" {
		t.Errorf("Len = %d, Primary = %q", fg.Len(), fg.Primary())
	}
}

func TestFallbackGroup_FailsOver(t *testing.T) {
	t.Parallel()

	fg := newGroup(FallbackConfig{})
	got, err := ExecuteWithResult(context.Background(), fg, func(_ context.Context, v string) (string, error) {
		if v == "primary" {
			return "", errTest
		}
		return "served by " + v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "served by secondary" {
		t.Errorf("result = %q", got)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	t.Parallel()

	fg := newGroup(FallbackConfig{})
	err := fg.Execute(context.Background(), func(context.Context, string) error { return errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Errorf("err = %v, want it to wrap the backend error", err)
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()

	fg := newGroup(FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1}})
	fail := func(_ context.Context, v string) error {
		if v == "primary" {
			return errTest
		}
		return nil
	}
	if err := fg.Execute(context.Background(), fail); err != nil {
		t.Fatal(err)
	}
	if fg.Breaker("primary").State() != StateOpen {
		t.Fatalf("primary breaker = %v, want open", fg.Breaker("primary").State())
	}

	var called []string
	_ = fg.Execute(context.Background(), func(_ context.Context, v string) error {
		called = append(called, v)
		return nil
	})
	if len(called) != 1 || called[0] != "secondary" {
		t.Errorf("called = %v, want [secondary]", called)
	}
	if fg.Breaker("missing") != nil {
		t.Error("Breaker(missing) should be nil")
	}
}

func TestFallbackGroup_NoFailoverPassesThrough(t *testing.T) {
	t.Parallel()

	errFatal := errors.New("bad credentials")
	fg := newGroup(FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
		Failover:       func(err error) bool { return !errors.Is(err, errFatal) },
	})

	var called []string
	err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
		called = append(called, v)
		return errFatal
	})
	if !errors.Is(err, errFatal) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want errFatal unwrapped", err)
	}
	if len(called) != 1 {
		t.Errorf("called = %v, want only primary", called)
	}
	if fg.Breaker("primary").State() != StateClosed {
		t.Error("pass-through errors must not trip the breaker")
	}
}

func TestFallbackGroup_CancelledContext(t *testing.T) {
	t.Parallel()

	fg := newGroup(FallbackConfig{})
	ctx, cancel := context.WithCancel(context.Background())

	var called []string
	err := fg.Execute(ctx, func(ctx context.Context, v string) error {
		called = append(called, v)
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(called) != 1 {
		t.Errorf("called = %v, want only primary", called)
	}
}
