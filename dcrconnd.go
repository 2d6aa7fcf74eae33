// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/decred/dcrconnd/internal/version"
	"github.com/prometheus/client_golang/prometheus"
)

// dcrconndMain is the real main function for dcrconnd.  It is necessary to
// work around the fact that deferred functions do not run when os.Exit() is
// called.
func dcrconndMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	cfg, _, err := loadConfig(appName, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		var e errSuppressUsage
		if !errors.As(err, &e) {
			fmt.Fprintf(os.Stderr, "Use %s -h to show usage\n", appName)
		}
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Get a context that will be canceled when a shutdown signal has been
	// triggered from an OS signal such as SIGINT (Ctrl+C).
	ctx := shutdownListener()
	defer dcrcLog.Info("Shutdown complete")

	// Show version and home dir at startup.
	dcrcLog.Infof("Version %s (Go version %s %s/%s)", version.String(),
		runtime.Version(), runtime.GOOS, runtime.GOARCH)
	dcrcLog.Infof("Home dir: %s", cfg.HomeDir)
	dcrcLog.Infof("Active network: %s", cfg.params.Name)
	if cfg.NoFileLogging {
		dcrcLog.Info("File logging disabled")
	}

	// Create server.
	registry := prometheus.NewRegistry()
	svr, err := newServer(cfg, registry)
	if err != nil {
		dcrcLog.Errorf("Unable to start server: %v", err)
		return err
	}

	// Serve the metrics when requested.  The stop call is always deferred to
	// ensure it is stopped during process shutdown.
	var metrics metricsServer
	defer metrics.Stop()
	if cfg.metricsAddr != "" {
		if err := metrics.Start(cfg.metricsAddr, registry); err != nil {
			dcrcLog.Errorf("Unable to start metrics server: %v", err)
			return err
		}
	}

	// Return now if a shutdown signal was triggered.
	if shutdownRequested(ctx) {
		return nil
	}

	// Run the server.  This will block until the context is cancelled which
	// happens when the interrupt signal is received.
	if err := svr.Run(ctx); err != nil {
		srvrLog.Errorf("%v", err)
		return err
	}
	srvrLog.Infof("Server shutdown complete")
	return nil
}

func main() {
	// Work around defer not working after os.Exit()
	if err := dcrconndMain(); err != nil {
		os.Exit(1)
	}
}
