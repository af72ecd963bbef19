package archive

import (
	"context"
	"testing"
	"time"
)

func TestGate_LimitsInFlight(t *testing.T) {
	g := NewGate(1)
	ctx := context.Background()

	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	// 额度占满，带超时的获取应该报超时
	full, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := g.Acquire(full); err != ErrGateTimeout {
		t.Fatalf("Acquire() on full gate error = %v, want %v", err, ErrGateTimeout)
	}

	if err := g.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := g.Release(); err != ErrGateRelease {
		t.Fatalf("Release() without acquire error = %v, want %v", err, ErrGateRelease)
	}
}

func TestNewGate_DefaultsLimit(t *testing.T) {
	g := NewGate(0)
	if got := cap(g.slots); got != DefaultGateLimit {
		t.Fatalf("cap = %d, want %d", got, DefaultGateLimit)
	}
}
