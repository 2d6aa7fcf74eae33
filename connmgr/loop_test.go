// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

// TestRunPeriodically ensures the loop runs immediately, repeats after the
// interval, survives a panicking iteration and stops on cancellation.
func TestRunPeriodically(t *testing.T) {
	const interval = time.Minute
	mock := clock.NewMock()

	var iterations atomic.Int32
	action := func(ctx context.Context) {
		if iterations.Add(1) == 1 {
			panic("first iteration")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runPeriodically(ctx, mock, "test", interval, action)
		close(done)
	}()

	waitFor(t, "first iteration", func() bool {
		return iterations.Load() >= 1
	})

	// The timer is created after the iteration returns, so keep advancing
	// the clock until it fires.
	waitFor(t, "repeated iterations", func() bool {
		mock.Add(interval)
		return iterations.Load() >= 3
	})

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop on cancellation")
	}

	n := iterations.Load()
	mock.Add(interval * 2)
	if got := iterations.Load(); got != n {
		t.Fatalf("iterations after stop -- got %d, want %d", got, n)
	}
}

// TestRunPeriodicallyCancelled ensures a loop with an already cancelled
// context never runs the action.
func TestRunPeriodicallyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran bool
	runPeriodically(ctx, clock.NewMock(), "test", time.Second,
		func(context.Context) { ran = true })
	if ran {
		t.Fatal("action ran with a cancelled context")
	}
}
