// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"testing"
	"time"
)

// TestListenForShutdown ensures the returned context is canceled by the first
// signal and repeated signals do not block the sender.
func TestListenForShutdown(t *testing.T) {
	signals := make(chan os.Signal)
	ctx := listenForShutdown(signals)
	if shutdownRequested(ctx) {
		t.Fatal("shutdown requested before any signal")
	}

	signals <- os.Interrupt
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not canceled after signal")
	}
	if !shutdownRequested(ctx) {
		t.Fatal("shutdown not reported after signal")
	}

	select {
	case signals <- os.Interrupt:
	case <-time.After(5 * time.Second):
		t.Fatal("repeated signal was not consumed")
	}
	close(signals)
}
