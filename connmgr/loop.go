// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/benbjohnson/clock"
)

// runIteration invokes the action and logs rather than propagates a panic.
func runIteration(ctx context.Context, name string, action func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("%s iteration panicked: %v\n%s", name, r, debug.Stack())
		}
	}()
	action(ctx)
}

// runPeriodically runs the action immediately and then again interval after
// each iteration completes until the context is cancelled.  Iterations never
// overlap.  It blocks until the context is cancelled and the current
// iteration, if any, returns.
func runPeriodically(ctx context.Context, clk clock.Clock, name string, interval time.Duration, action func(context.Context)) {
	log.Tracef("Starting %s loop with interval %v", name, interval)
	defer log.Tracef("%s loop done", name)

	for ctx.Err() == nil {
		runIteration(ctx, name, action)

		timer := clk.Timer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
