// Copyright (c) 2016 The btcsuite developers
// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"context"
	"fmt"
	"hash/maphash"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// numPeerShards is the number of shards the connected peer set is split into.
const numPeerShards = 32

// Config holds the configuration options related to the connection manager.
type Config struct {
	// AddrManager is the address store shared by the connectors.  It is
	// informed when a connector owned peer disconnects.
	AddrManager AddressStore

	// Connectors are the connection strategies to run.  Each connector that
	// reports it can start is run periodically.
	Connectors []Connector

	// MaxOutbound is the global outbound ceiling.  Defaults to
	// DefaultMaxOutbound when zero.
	MaxOutbound int

	// Clock drives the periodic loops.  Defaults to the wall clock.
	Clock clock.Clock

	// Registerer, when set, is used to register the connection manager
	// metrics.
	Registerer prometheus.Registerer

	// OnConnection is an optional callback that is fired when a peer is
	// added to the connected set.
	OnConnection func(Peer)

	// OnDisconnection is an optional callback that is fired when a peer is
	// removed from the connected set.
	OnDisconnection func(Peer)
}

// peerEntry is an endpoint in the peer set.  An entry without a peer is a
// reservation for an outbound attempt in flight.
type peerEntry struct {
	peer      Peer
	connector string
	own       *Ownership
}

// pending returns whether the entry is a reservation.
func (e *peerEntry) pending() bool {
	return e.peer == nil
}

// outbound returns whether the entry counts toward the outbound ceiling.
func (e *peerEntry) outbound() bool {
	return e.connector != externalLabel
}

// peerShard is a slice of the peer set guarded by its own lock.
type peerShard struct {
	mtx   sync.RWMutex
	peers map[string]*peerEntry
}

// ConnManager provides a manager to handle network connections.
type ConnManager struct {
	cfg     Config
	seed    maphash.Seed
	shards  [numPeerShards]peerShard
	metrics *metrics

	// closing is set once shutdown begins.  It is only written with every
	// shard lock released and read under a shard lock.
	closing atomic.Bool

	// outbound is the number of connector owned entries, pending included.
	// connected is the number of non-pending entries.
	outbound  atomic.Int64
	connected atomic.Int64

	runOnce sync.Once
	peerWg  sync.WaitGroup
}

// Ensure ConnManager implements the ConnectorHost interface.
var _ ConnectorHost = (*ConnManager)(nil)

// shardFor returns the shard that holds the endpoint.
func (cm *ConnManager) shardFor(addr string) *peerShard {
	return &cm.shards[maphash.String(cm.seed, addr)%numPeerShards]
}

// IsConnected returns whether a peer is connected at the endpoint.  Endpoints
// with an attempt in flight are not connected.
func (cm *ConnManager) IsConnected(addr string) bool {
	shard := cm.shardFor(addr)
	shard.mtx.RLock()
	entry, ok := shard.peers[addr]
	shard.mtx.RUnlock()
	return ok && !entry.pending()
}

// ConnectedPeerEndpoints returns the sorted endpoints of all connected peers.
func (cm *ConnManager) ConnectedPeerEndpoints() []string {
	addrs := make([]string, 0, cm.connected.Load())
	for i := range cm.shards {
		shard := &cm.shards[i]
		shard.mtx.RLock()
		for addr, entry := range shard.peers {
			if !entry.pending() {
				addrs = append(addrs, addr)
			}
		}
		shard.mtx.RUnlock()
	}
	sort.Strings(addrs)
	return addrs
}

// ExcludedAddrs returns the endpoints that are connected or have an attempt
// in flight.
//
// This is part of the ConnectorHost interface.
func (cm *ConnManager) ExcludedAddrs() map[string]struct{} {
	exclude := make(map[string]struct{}, cm.connected.Load())
	for i := range cm.shards {
		shard := &cm.shards[i]
		shard.mtx.RLock()
		for addr := range shard.peers {
			exclude[addr] = struct{}{}
		}
		shard.mtx.RUnlock()
	}
	return exclude
}

// ConnectedCount returns the number of connected peers.
func (cm *ConnManager) ConnectedCount() int {
	return int(cm.connected.Load())
}

// OutboundCount returns the number of outbound connections owned by the
// connectors including attempts in flight.
func (cm *ConnManager) OutboundCount() int {
	return int(cm.outbound.Load())
}

// OutboundSlots returns the room left under the outbound ceiling.
//
// This is part of the ConnectorHost interface.
func (cm *ConnManager) OutboundSlots() int {
	return cm.cfg.MaxOutbound - cm.OutboundCount()
}

// Reserve claims the endpoint for an outbound attempt by the connector.  When
// limited is set the reservation is refused with ErrMaxOutbound unless it fits
// under the global outbound ceiling.  The check and the increment of the
// outbound count are a single atomic step, so concurrent reservations by other
// connectors can never push a limited one past the ceiling.
//
// This is part of the ConnectorHost interface.
func (cm *ConnManager) Reserve(addr, connector string, limited bool) error {
	shard := cm.shardFor(addr)
	shard.mtx.Lock()
	defer shard.mtx.Unlock()

	if cm.closing.Load() {
		str := fmt.Sprintf("not connecting to %s during shutdown", addr)
		return makeError(ErrShuttingDown, str)
	}
	if _, ok := shard.peers[addr]; ok {
		str := fmt.Sprintf("peer %s is already connected or being "+
			"connected to", addr)
		return makeError(ErrAlreadyConnected, str)
	}
	if limited {
		max := int64(cm.cfg.MaxOutbound)
		for {
			n := cm.outbound.Load()
			if n >= max {
				str := fmt.Sprintf("not connecting to %s: %d outbound "+
					"connections reached the maximum of %d", addr, n, max)
				return makeError(ErrMaxOutbound, str)
			}
			if cm.outbound.CompareAndSwap(n, n+1) {
				break
			}
		}
	} else {
		cm.outbound.Add(1)
	}
	shard.peers[addr] = &peerEntry{connector: connector}
	return nil
}

// Release drops the reservation of a failed attempt.
//
// This is part of the ConnectorHost interface.
func (cm *ConnManager) Release(addr string, reason error) {
	shard := cm.shardFor(addr)
	shard.mtx.Lock()
	entry, ok := shard.peers[addr]
	if ok && entry.pending() {
		delete(shard.peers, addr)
		cm.outbound.Add(-1)
	}
	shard.mtx.Unlock()
	if !ok || !entry.pending() {
		return
	}

	outcome := dialOutcome(reason)
	cm.metrics.dials.WithLabelValues(entry.connector, outcome).Inc()
	log.Debugf("Released %s after %s attempt by %s: %v", addr, outcome,
		entry.connector, reason)
}

// Commit registers the hand-shaked peer in the reservation made for it and
// links it to the owning connector in the same critical section.
//
// This is part of the ConnectorHost interface.
func (cm *ConnManager) Commit(addr string, p Peer, own *Ownership) error {
	shard := cm.shardFor(addr)
	shard.mtx.Lock()
	entry, ok := shard.peers[addr]
	if !ok || !entry.pending() {
		shard.mtx.Unlock()
		str := fmt.Sprintf("no reservation for peer %s", addr)
		return makeError(ErrNotConnected, str)
	}
	if cm.closing.Load() {
		delete(shard.peers, addr)
		cm.outbound.Add(-1)
		shard.mtx.Unlock()
		cm.metrics.dials.WithLabelValues(entry.connector, outcomeAborted).Inc()
		str := fmt.Sprintf("discarding peer %s connected during shutdown",
			addr)
		return makeError(ErrShuttingDown, str)
	}
	entry.peer = p
	entry.own = own
	if own != nil && own.Link != nil {
		own.Link(p)
	}
	cm.connected.Add(1)
	cm.peerWg.Add(1)
	shard.mtx.Unlock()

	cm.metrics.dials.WithLabelValues(entry.connector, outcomeConnected).Inc()
	cm.published(addr, entry)
	return nil
}

// AddConnectedPeer publishes a peer that was not dialed by a connector, such
// as an inbound connection.  It does not count toward the outbound ceiling.
func (cm *ConnManager) AddConnectedPeer(p Peer) error {
	addr := p.Addr()
	shard := cm.shardFor(addr)
	shard.mtx.Lock()
	if cm.closing.Load() {
		shard.mtx.Unlock()
		str := fmt.Sprintf("not adding peer %s during shutdown", addr)
		return makeError(ErrShuttingDown, str)
	}
	if _, ok := shard.peers[addr]; ok {
		shard.mtx.Unlock()
		str := fmt.Sprintf("peer %s is already connected or being "+
			"connected to", addr)
		return makeError(ErrAlreadyConnected, str)
	}
	entry := &peerEntry{peer: p, connector: externalLabel}
	shard.peers[addr] = entry
	cm.connected.Add(1)
	cm.peerWg.Add(1)
	shard.mtx.Unlock()

	cm.published(addr, entry)
	return nil
}

// published updates metrics, notifies the caller and watches the newly
// connected peer for disconnection.
func (cm *ConnManager) published(addr string, entry *peerEntry) {
	cm.metrics.peers.WithLabelValues(entry.connector).Inc()
	log.Debugf("Connected to %s (%s)", addr, entry.connector)
	if cm.cfg.OnConnection != nil {
		cm.cfg.OnConnection(entry.peer)
	}

	go func(p Peer) {
		defer cm.peerWg.Done()
		p.WaitForDisconnect()
		cm.removePeer(addr, p)
	}(entry.peer)
}

// removePeer retracts the connected peer at the endpoint from the connected
// set and from its owning connector and returns it.  When match is not nil
// the peer is only retracted if the endpoint still refers to it.  It returns
// nil when nothing was retracted.
func (cm *ConnManager) removePeer(addr string, match Peer) Peer {
	shard := cm.shardFor(addr)
	shard.mtx.Lock()
	entry, ok := shard.peers[addr]
	if !ok || entry.pending() || (match != nil && entry.peer != match) {
		shard.mtx.Unlock()
		return nil
	}
	p := entry.peer
	delete(shard.peers, addr)
	if entry.own != nil && entry.own.Unlink != nil {
		entry.own.Unlink(p)
	}
	if entry.outbound() {
		cm.outbound.Add(-1)
	}
	cm.connected.Add(-1)
	shard.mtx.Unlock()

	cm.metrics.peers.WithLabelValues(entry.connector).Dec()
	log.Debugf("Disconnected from %s (%s)", addr, entry.connector)
	if entry.own != nil && entry.own.Addr != nil {
		if err := cm.cfg.AddrManager.Connected(entry.own.Addr); err != nil {
			log.Debugf("Unable to mark %s connected: %v", addr, err)
		}
	}
	if cm.cfg.OnDisconnection != nil {
		cm.cfg.OnDisconnection(p)
	}
	return p
}

// RemoveConnectedPeer retracts the peer at the endpoint from the connected set
// and disconnects it.  The endpoint is free for a new connection once this
// returns.
func (cm *ConnManager) RemoveConnectedPeer(addr string) error {
	p := cm.removePeer(addr, nil)
	if p == nil {
		str := fmt.Sprintf("peer %s is not connected", addr)
		return makeError(ErrNotConnected, str)
	}
	p.Disconnect()
	return nil
}

// connectedPeers returns every connected peer.
func (cm *ConnManager) connectedPeers() []Peer {
	peers := make([]Peer, 0, cm.connected.Load())
	for i := range cm.shards {
		shard := &cm.shards[i]
		shard.mtx.RLock()
		for _, entry := range shard.peers {
			if !entry.pending() {
				peers = append(peers, entry.peer)
			}
		}
		shard.mtx.RUnlock()
	}
	return peers
}

// Run initializes the connectors and runs each one that can start until the
// context is cancelled.  On shutdown it waits for the current iteration of
// every connector, disconnects all peers and waits for them to finish
// disconnecting.  It must only be called once.
func (cm *ConnManager) Run(ctx context.Context) {
	ran := true
	cm.runOnce.Do(func() { ran = false })
	if ran {
		log.Error("Connection manager run more than once")
		return
	}

	log.Trace("Starting connection manager")
	for _, c := range cm.cfg.Connectors {
		c.Initialize(cm)
	}

	var loopsWg sync.WaitGroup
	for _, c := range cm.cfg.Connectors {
		if !c.CanStartConnect() {
			log.Debugf("Connector %s is disabled", c.Name())
			continue
		}
		log.Infof("Starting %s connector (max %d, interval %v)", c.Name(),
			c.MaxOutboundConnections(), c.ConnectInterval())
		loopsWg.Add(1)
		go func(c Connector) {
			defer loopsWg.Done()
			runPeriodically(ctx, cm.cfg.Clock, c.Name(), c.ConnectInterval(),
				c.OnConnect)
		}(c)
	}

	<-ctx.Done()
	log.Trace("Connection manager shutting down")
	cm.closing.Store(true)
	loopsWg.Wait()
	for _, c := range cm.cfg.Connectors {
		c.Stop()
	}

	for _, p := range cm.connectedPeers() {
		p.Disconnect()
	}
	cm.peerWg.Wait()
	log.Trace("Connection manager stopped")
}

// New returns a new connection manager with the provided configuration.
//
// Use Run to start connecting to the network.
func New(cfg *Config) (*ConnManager, error) {
	if cfg.AddrManager == nil {
		return nil, makeError(ErrNilAddrManager, "config: address store "+
			"cannot be nil")
	}
	if len(cfg.Connectors) == 0 {
		return nil, makeError(ErrNoConnectors, "config: at least one "+
			"connector is required")
	}
	names := make(map[string]struct{}, len(cfg.Connectors))
	for _, c := range cfg.Connectors {
		if c == nil {
			return nil, makeError(ErrNoConnectors, "config: nil connector")
		}
		if _, ok := names[c.Name()]; ok {
			str := fmt.Sprintf("config: duplicate connector %q", c.Name())
			return nil, makeError(ErrDuplicateConnector, str)
		}
		names[c.Name()] = struct{}{}
	}
	if cfg.MaxOutbound < 0 {
		str := fmt.Sprintf("config: max outbound %d must not be negative",
			cfg.MaxOutbound)
		return nil, makeError(ErrInvalidSettings, str)
	}

	cm := ConnManager{
		cfg:  *cfg, // Copy so caller can't mutate
		seed: maphash.MakeSeed(),
	}
	if cm.cfg.MaxOutbound == 0 {
		cm.cfg.MaxOutbound = DefaultMaxOutbound
	}
	if cm.cfg.Clock == nil {
		cm.cfg.Clock = clock.New()
	}
	m, err := newMetrics(cm.cfg.Registerer)
	if err != nil {
		return nil, err
	}
	cm.metrics = m
	for i := range cm.shards {
		cm.shards[i].peers = make(map[string]*peerEntry)
	}
	return &cm, nil
}
