package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AGENTORCH/internal/types"
)

var errBoom = errors.New("boom")

func failing(context.Context) error    { return errBoom }
func succeeding(context.Context) error { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker("dep", 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, failing); !errors.Is(err, errBoom) {
			t.Fatalf("Attempt %d: expected underlying error, got %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("Expected open after 3 failures, got %s", b.State())
	}

	err := b.Execute(ctx, succeeding)
	if types.KindOf(err) != types.ErrServiceUnavailable {
		t.Errorf("Expected service_unavailable from open breaker, got %v", err)
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := NewBreaker("dep", 3, time.Minute)
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	_ = b.Execute(ctx, failing)
	_ = b.Execute(ctx, succeeding)
	_ = b.Execute(ctx, failing)
	_ = b.Execute(ctx, failing)

	if b.State() != StateClosed {
		t.Errorf("Expected closed (consecutive count reset), got %s", b.State())
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := NewBreaker("dep", 1, 20*time.Millisecond)
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	if b.State() != StateOpen {
		t.Fatalf("Expected open, got %s", b.State())
	}

	time.Sleep(30 * time.Millisecond)

	// Reset elapsed: one probe admitted, success closes the breaker
	if err := b.Execute(ctx, succeeding); err != nil {
		t.Fatalf("Probe should be admitted: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("Expected closed after successful probe, got %s", b.State())
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := NewBreaker("dep", 1, 20*time.Millisecond)
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	time.Sleep(30 * time.Millisecond)
	_ = b.Execute(ctx, failing)

	if b.State() != StateOpen {
		t.Errorf("Expected reopen after failed probe, got %s", b.State())
	}
}
