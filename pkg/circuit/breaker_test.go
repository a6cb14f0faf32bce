package circuit

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/bardlex/poolcore/pkg/errors"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(999), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State.String() = %q, want %q", got, tt.expected)
		}
	}
}

func TestNewStartsClosed(t *testing.T) {
	b := New(nil)

	if b.config == nil {
		t.Error("expected default config for nil")
	}
	if b.GetState() != StateClosed {
		t.Errorf("initial state = %s, want closed", b.GetState())
	}
}

func TestExecuteSuccess(t *testing.T) {
	b := New(DefaultConfig())

	calls := 0
	err := b.Execute(context.Background(), func() error {
		calls++
		return nil
	})

	if err != nil {
		t.Errorf("expected success, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if b.GetState() != StateClosed {
		t.Errorf("state = %s, want closed", b.GetState())
	}
}

func TestExecuteOpensAfterMaxFailures(t *testing.T) {
	b := New(&Config{
		MaxFailures:     2,
		SuccessRequired: 1,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
	})

	calls := 0
	fail := func() error {
		calls++
		return stderrors.New("boom")
	}

	for range 2 {
		if err := b.Execute(context.Background(), fail); err == nil {
			t.Fatal("expected error")
		}
	}

	if b.GetState() != StateOpen {
		t.Fatalf("state = %s, want open", b.GetState())
	}

	// Open breaker must reject without invoking the function.
	err := b.Execute(context.Background(), fail)
	if err == nil {
		t.Fatal("expected rejection")
	}
	if !errors.IsKind(err, errors.KindInternal) {
		t.Error("expected the rejection to be an internal error")
	}
	if calls != 2 {
		t.Errorf("function ran while open, calls = %d", calls)
	}
}

func TestHalfOpenClosesOnSuccess(t *testing.T) {
	b := New(&Config{
		MaxFailures:     2,
		SuccessRequired: 1,
		Timeout:         time.Millisecond,
		ResetTimeout:    30 * time.Second,
	})

	for range 2 {
		_ = b.Execute(context.Background(), func() error { return stderrors.New("boom") })
	}
	time.Sleep(2 * time.Millisecond)

	if err := b.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("expected probe success, got %v", err)
	}
	if b.GetState() != StateClosed {
		t.Errorf("state = %s, want closed", b.GetState())
	}
}

func TestHalfOpenReopensOnFailure(t *testing.T) {
	b := New(&Config{
		MaxFailures:     2,
		SuccessRequired: 1,
		Timeout:         time.Millisecond,
		ResetTimeout:    30 * time.Second,
	})

	for range 2 {
		_ = b.Execute(context.Background(), func() error { return stderrors.New("boom") })
	}
	time.Sleep(2 * time.Millisecond)

	if err := b.Execute(context.Background(), func() error { return stderrors.New("still down") }); err == nil {
		t.Fatal("expected error")
	}
	if b.GetState() != StateOpen {
		t.Errorf("state = %s, want open", b.GetState())
	}
}

func TestHalfOpenRequiresSuccessRun(t *testing.T) {
	b := New(&Config{
		MaxFailures:     2,
		SuccessRequired: 3,
		Timeout:         time.Millisecond,
		ResetTimeout:    30 * time.Second,
	})

	for range 2 {
		_ = b.Execute(context.Background(), func() error { return stderrors.New("boom") })
	}
	time.Sleep(2 * time.Millisecond)

	for range 2 {
		if err := b.Execute(context.Background(), func() error { return nil }); err != nil {
			t.Fatalf("expected probe success, got %v", err)
		}
	}
	if b.GetState() != StateHalfOpen {
		t.Fatalf("state = %s, want half-open", b.GetState())
	}

	if err := b.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("expected probe success, got %v", err)
	}
	if b.GetState() != StateClosed {
		t.Errorf("state = %s, want closed", b.GetState())
	}
}

func TestExecuteWithResult(t *testing.T) {
	b := New(DefaultConfig())

	result, err := ExecuteWithResult(context.Background(), b, func() (string, error) {
		return "value", nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result != "value" {
		t.Errorf("result = %q, want %q", result, "value")
	}
}

func TestExecuteWithResultOpen(t *testing.T) {
	b := New(&Config{
		MaxFailures:     1,
		SuccessRequired: 1,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
	})

	_, _ = ExecuteWithResult(context.Background(), b, func() (string, error) {
		return "", stderrors.New("boom")
	})

	result, err := ExecuteWithResult(context.Background(), b, func() (string, error) {
		return "must not run", nil
	})
	if err == nil {
		t.Fatal("expected rejection")
	}
	if result != "" {
		t.Errorf("expected zero result, got %q", result)
	}
}

func TestGetStats(t *testing.T) {
	b := New(DefaultConfig())

	_ = b.Execute(context.Background(), func() error { return nil })
	_ = b.Execute(context.Background(), func() error { return stderrors.New("boom") })

	stats := b.GetStats()
	if stats.State != StateClosed {
		t.Errorf("state = %s, want closed", stats.State)
	}
	if stats.Failures != 1 || stats.Successes != 1 {
		t.Errorf("counters = %d/%d, want 1/1", stats.Failures, stats.Successes)
	}
	if stats.LastFailTime.IsZero() {
		t.Error("expected LastFailTime to be set")
	}
}

func TestReset(t *testing.T) {
	b := New(&Config{
		MaxFailures:     1,
		SuccessRequired: 1,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
	})

	_ = b.Execute(context.Background(), func() error { return stderrors.New("boom") })
	if b.GetState() != StateOpen {
		t.Fatal("expected open breaker")
	}

	b.Reset()

	if b.GetState() != StateClosed {
		t.Errorf("state = %s, want closed", b.GetState())
	}
	if stats := b.GetStats(); stats.Failures != 0 || stats.Successes != 0 {
		t.Errorf("counters not cleared: %d/%d", stats.Failures, stats.Successes)
	}
}

func TestResetTimeoutClearsFailures(t *testing.T) {
	b := New(&Config{
		MaxFailures:     2,
		SuccessRequired: 1,
		Timeout:         10 * time.Second,
		ResetTimeout:    time.Millisecond,
	})

	_ = b.Execute(context.Background(), func() error { return stderrors.New("boom") })
	time.Sleep(2 * time.Millisecond)

	if err := b.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if stats := b.GetStats(); stats.Failures != 0 {
		t.Errorf("failures = %d, want 0 after reset window", stats.Failures)
	}
}
