// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// externalLabel is the connector label of peers published through
	// AddConnectedPeer.
	externalLabel = "external"

	// Dial outcomes.
	outcomeConnected  = "connected"
	outcomeFailed     = "failed"
	outcomeIncomplete = "incomplete"
	outcomeAborted    = "aborted"
)

// metrics houses the collectors of a connection manager instance.
type metrics struct {
	peers *prometheus.GaugeVec
	dials *prometheus.CounterVec
}

// newMetrics creates the collectors and registers them when a registerer is
// provided.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dcrconnd",
			Subsystem: "connmgr",
			Name:      "peers",
			Help:      "Number of connected peers by owning connector.",
		}, []string{"connector"}),
		dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dcrconnd",
			Subsystem: "connmgr",
			Name:      "dials_total",
			Help:      "Outbound connection attempts by connector and outcome.",
		}, []string{"connector", "outcome"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.peers, m.dials} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// dialOutcome maps the reason a reservation was released to a dial outcome.
func dialOutcome(reason error) string {
	switch {
	case errors.Is(reason, ErrHandshakeIncomplete):
		return outcomeIncomplete
	case errors.Is(reason, ErrShuttingDown):
		return outcomeAborted
	}
	return outcomeFailed
}
