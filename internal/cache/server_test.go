package cache

import (
	"context"
	"testing"
	"time"

	"github.com/squirreldb/squirreldb/internal/logger"
)

func TestEngineStartStopLifecycle(t *testing.T) {
	e := NewEngine(Config{Port: 0}, logger.Nop{})

	if e.State() != StateStopped {
		t.Fatalf("initial state = %v, want Stopped", e.State())
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if e.State() != StateRunning {
		t.Fatalf("state after Start = %v, want Running", e.State())
	}

	if !e.IsRunning() {
		t.Fatal("IsRunning should be true after Start")
	}

	// Starting twice is a no-op, not an error.
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if e.State() != StateStopped {
		t.Fatalf("state after Stop = %v, want Stopped", e.State())
	}

	// Stopping an already-stopped engine is a no-op.
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestEngineSweepOnceDropsExpiredKeys(t *testing.T) {
	e := NewEngine(Config{Port: 0}, logger.Nop{})

	neg := -time.Nanosecond
	e.ks.Set("k", []byte("v"), &neg)

	e.sweepOnce()

	if _, ok := e.ks.Peek("k"); ok {
		t.Fatal("sweepOnce should have evicted the already-expired key")
	}
}
