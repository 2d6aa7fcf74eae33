// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrconnd/addrmgr"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxOutbound is the default global ceiling of outbound
	// connections made by the connectors.
	DefaultMaxOutbound = 8

	// DefaultDialTimeout is the default time allowed for a peer connection
	// and handshake to complete.
	DefaultDialTimeout = time.Second * 30

	// DefaultAddNodeInterval is the default delay between iterations of the
	// AddNode connector.
	DefaultAddNodeInterval = time.Second * 30

	// DefaultConnectInterval is the default delay between iterations of the
	// ConnectNode connector.
	DefaultConnectInterval = time.Second * 30

	// DefaultDiscoveryInterval is the default delay between iterations of the
	// Discovery connector.
	DefaultDiscoveryInterval = time.Second * 5
)

// Peer is a connected remote peer as seen by the connection manager.
type Peer interface {
	// Addr returns the endpoint key (host:port) of the peer.
	Addr() string

	// HandShaked returns whether the protocol handshake completed.
	HandShaked() bool

	// Inbound returns whether the remote side initiated the connection.
	Inbound() bool

	// Disconnect requests the peer be disconnected.  It must be safe to call
	// more than once.
	Disconnect()

	// WaitForDisconnect blocks until the peer is disconnected.
	WaitForDisconnect()
}

// ConnParams are the parameters of a single outbound connection attempt.
type ConnParams struct {
	// Timeout bounds the connection and handshake.
	Timeout time.Duration

	// Permanent is set for operator configured endpoints.  Attempts that are
	// not permanent are bounded by the global outbound ceiling.
	Permanent bool
}

// PeerFactory creates hand-shaked outbound peers.
type PeerFactory interface {
	// ConnectPeer connects to the address and completes the protocol
	// handshake.  It must fail rather than hang once the context is done.
	ConnectPeer(ctx context.Context, addr *addrmgr.NetAddress, params *ConnParams) (Peer, error)
}

// AddressStore is the subset of the address manager used by the connectors.
type AddressStore interface {
	AddPeer(addr, srcAddr *addrmgr.NetAddress) error
	SelectPeersToConnectTo(exclude map[string]struct{}, max int) []*addrmgr.NetAddress
	Attempt(addr *addrmgr.NetAddress) error
	Good(addr *addrmgr.NetAddress) error
	Connected(addr *addrmgr.NetAddress) error
}

// Ownership links a committed peer to the connector that dialed it.  Link and
// Unlink are invoked while the connection manager holds the lock covering the
// peer endpoint, so no observer sees the peer in one set but not the other.
type Ownership struct {
	Connector string
	Addr      *addrmgr.NetAddress
	Link      func(Peer)
	Unlink    func(Peer)
}

// ConnectorHost is the narrow view of the connection manager handed to each
// connector by Initialize.
type ConnectorHost interface {
	// IsConnected returns whether the endpoint is in the connected set.
	IsConnected(addr string) bool

	// ExcludedAddrs returns a fresh set of every endpoint that is connected
	// or has a connection attempt in flight.
	ExcludedAddrs() map[string]struct{}

	// OutboundSlots returns how many more outbound connections fit under the
	// global ceiling.  It may be negative when static connectors exceed it.
	OutboundSlots() int

	// Reserve claims the endpoint for an outbound attempt by the named
	// connector.  It fails when the endpoint is already connected or
	// reserved.  A limited reservation also fails when the global outbound
	// ceiling is reached.
	Reserve(addr, connector string, limited bool) error

	// Release drops a reservation after a failed attempt.
	Release(addr string, reason error)

	// Commit turns a reservation into a connected peer.  On error the
	// reservation is released and the caller must disconnect the peer.
	Commit(addr string, p Peer, own *Ownership) error
}

// Connector is a connection strategy run periodically by the connection
// manager.
type Connector interface {
	// Name identifies the connector in logs and metrics.
	Name() string

	// CanStartConnect returns whether the connector is enabled by its
	// settings.
	CanStartConnect() bool

	// Initialize binds the connector to its host.  It must be called exactly
	// once before OnConnect.
	Initialize(host ConnectorHost)

	// OnConnect runs a single iteration of the strategy.  Individual
	// connection failures are logged and recorded, never returned.
	OnConnect(ctx context.Context)

	// Stop marks the connector stopped.  OnConnect is a no-op afterwards.
	Stop()

	// State returns the lifecycle state of the connector.
	State() ConnectorState

	// ConnectorPeers returns the peers owned by the connector.
	ConnectorPeers() []Peer

	// ConnectInterval is the delay between iterations.
	ConnectInterval() time.Duration

	// MaxOutboundConnections is the number of connections the connector
	// aims for.  It is zero when the connector is disabled.
	MaxOutboundConnections() int
}

// ConnectorState represents the lifecycle state of a connector.
type ConnectorState int32

// A connector starts Idle, becomes Running with its first iteration and ends
// Stopped at shutdown.
const (
	ConnectorIdle ConnectorState = iota
	ConnectorRunning
	ConnectorStopped
)

// connectorStateStrings is a map of connector states back to their constant
// names for pretty printing.
var connectorStateStrings = map[ConnectorState]string{
	ConnectorIdle:    "ConnectorIdle",
	ConnectorRunning: "ConnectorRunning",
	ConnectorStopped: "ConnectorStopped",
}

// String returns the ConnectorState as a human-readable name.
func (s ConnectorState) String() string {
	if str, ok := connectorStateStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("Unknown ConnectorState (%d)", int32(s))
}

// Settings are the connection settings shared by all connectors.  They are
// validated once and must not be modified afterwards.
type Settings struct {
	// AddPeers are endpoints that are always connected to.
	AddPeers []*addrmgr.NetAddress

	// ConnectPeers, when not empty, are the only endpoints connected to and
	// disable discovery.
	ConnectPeers []*addrmgr.NetAddress

	// MaxOutbound is the global ceiling of outbound connections.  Only
	// discovery treats it as a hard limit.
	MaxOutbound int

	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration

	// Intervals between iterations of each connector.
	AddNodeInterval   time.Duration
	ConnectInterval   time.Duration
	DiscoveryInterval time.Duration
}

// Validate ensures the settings are usable and fills in defaults.
func (s *Settings) Validate() error {
	if s.MaxOutbound < 0 {
		str := fmt.Sprintf("max outbound %d must not be negative", s.MaxOutbound)
		return makeError(ErrInvalidSettings, str)
	}
	for _, list := range [][]*addrmgr.NetAddress{s.AddPeers, s.ConnectPeers} {
		for _, na := range list {
			if na == nil || len(na.IP) == 0 {
				return makeError(ErrInvalidSettings, "nil static peer address")
			}
		}
	}
	if s.DialTimeout <= 0 {
		s.DialTimeout = DefaultDialTimeout
	}
	if s.AddNodeInterval <= 0 {
		s.AddNodeInterval = DefaultAddNodeInterval
	}
	if s.ConnectInterval <= 0 {
		s.ConnectInterval = DefaultConnectInterval
	}
	if s.DiscoveryInterval <= 0 {
		s.DiscoveryInterval = DefaultDiscoveryInterval
	}
	return nil
}

// ConnectorConfig is the configuration shared by the connector constructors.
type ConnectorConfig struct {
	Settings    *Settings
	AddrManager AddressStore
	PeerFactory PeerFactory
}

// validate ensures the connector configuration is complete.
func (cfg *ConnectorConfig) validate() error {
	if cfg.Settings == nil {
		return makeError(ErrInvalidSettings, "connector settings are nil")
	}
	if cfg.AddrManager == nil {
		return makeError(ErrNilAddrManager, "connector address store is nil")
	}
	if cfg.PeerFactory == nil {
		return makeError(ErrNilPeerFactory, "connector peer factory is nil")
	}
	return cfg.Settings.Validate()
}

// connectorBase implements the lifecycle, peer bookkeeping and per candidate
// connection flow shared by all connectors.
type connectorBase struct {
	name      string
	settings  *Settings
	store     AddressStore
	factory   PeerFactory
	permanent bool
	interval  time.Duration

	state atomic.Int32

	hostMtx sync.Mutex
	host    ConnectorHost

	// peers is the set of peers owned by the connector keyed by endpoint.
	peersMtx sync.RWMutex
	peers    map[string]Peer
}

// newConnectorBase returns a base for the named connector.
func newConnectorBase(name string, cfg *ConnectorConfig, permanent bool, interval time.Duration) connectorBase {
	return connectorBase{
		name:      name,
		settings:  cfg.Settings,
		store:     cfg.AddrManager,
		factory:   cfg.PeerFactory,
		permanent: permanent,
		interval:  interval,
		peers:     make(map[string]Peer),
	}
}

// Name returns the name of the connector.
func (c *connectorBase) Name() string {
	return c.name
}

// ConnectInterval returns the delay between iterations.
func (c *connectorBase) ConnectInterval() time.Duration {
	return c.interval
}

// State returns the lifecycle state of the connector.
func (c *connectorBase) State() ConnectorState {
	return ConnectorState(c.state.Load())
}

// Stop marks the connector stopped.
func (c *connectorBase) Stop() {
	c.state.Store(int32(ConnectorStopped))
}

// bind stores the host.  It panics when called more than once.
func (c *connectorBase) bind(host ConnectorHost) {
	c.hostMtx.Lock()
	defer c.hostMtx.Unlock()
	if c.host != nil {
		panic(fmt.Sprintf("%s connector initialized twice", c.name))
	}
	c.host = host
}

// getHost returns the bound host or nil.
func (c *connectorBase) getHost() ConnectorHost {
	c.hostMtx.Lock()
	defer c.hostMtx.Unlock()
	return c.host
}

// beginIteration transitions to running and reports whether an iteration may
// proceed.
func (c *connectorBase) beginIteration(ctx context.Context) (ConnectorHost, bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	host := c.getHost()
	if host == nil {
		log.Errorf("%s connector iteration before initialization", c.name)
		return nil, false
	}
	if !c.state.CompareAndSwap(int32(ConnectorIdle), int32(ConnectorRunning)) &&
		c.State() != ConnectorRunning {

		return nil, false
	}
	return host, true
}

// ConnectorPeers returns the peers owned by the connector.
func (c *connectorBase) ConnectorPeers() []Peer {
	c.peersMtx.RLock()
	defer c.peersMtx.RUnlock()
	peers := make([]Peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	return peers
}

// numPeers returns the number of peers owned by the connector.
func (c *connectorBase) numPeers() int {
	c.peersMtx.RLock()
	defer c.peersMtx.RUnlock()
	return len(c.peers)
}

// owns returns whether the connector owns a peer at the endpoint.
func (c *connectorBase) owns(addr string) bool {
	c.peersMtx.RLock()
	defer c.peersMtx.RUnlock()
	_, ok := c.peers[addr]
	return ok
}

// linkPeer adds the peer to the owned set.
func (c *connectorBase) linkPeer(p Peer) {
	c.peersMtx.Lock()
	c.peers[p.Addr()] = p
	c.peersMtx.Unlock()
}

// unlinkPeer removes the peer from the owned set.
func (c *connectorBase) unlinkPeer(p Peer) {
	c.peersMtx.Lock()
	if c.peers[p.Addr()] == p {
		delete(c.peers, p.Addr())
	}
	c.peersMtx.Unlock()
}

// registerStatic adds operator configured endpoints to the address store so
// connection outcomes can be recorded against them.  Endpoints already known
// keep the source they were learned from.
func (c *connectorBase) registerStatic(addrs []*addrmgr.NetAddress) {
	for _, na := range addrs {
		if err := c.store.AddPeer(na, nil); err != nil {
			log.Warnf("%s connector: unable to add %s to the address "+
				"manager: %v", c.name, na, err)
		}
	}
}

// staticCandidates returns the endpoints of the list that are neither
// connected nor pending anywhere nor owned by the connector.
func (c *connectorBase) staticCandidates(host ConnectorHost, addrs []*addrmgr.NetAddress) []*addrmgr.NetAddress {
	exclude := host.ExcludedAddrs()
	candidates := make([]*addrmgr.NetAddress, 0, len(addrs))
	for _, na := range addrs {
		key := na.Key()
		if _, ok := exclude[key]; ok || c.owns(key) {
			continue
		}
		// Skip duplicates in the configured list.
		exclude[key] = struct{}{}
		candidates = append(candidates, na)
	}
	return candidates
}

// connectAll attempts every candidate concurrently and waits for all of the
// attempts to finish.
func (c *connectorBase) connectAll(ctx context.Context, host ConnectorHost, candidates []*addrmgr.NetAddress) {
	if len(candidates) == 0 {
		return
	}
	log.Debugf("%s connector: attempting %d connections", c.name,
		len(candidates))

	var g errgroup.Group
	for _, na := range candidates {
		g.Go(func() error {
			if err := c.connectPeer(ctx, host, na); err != nil {
				log.Debugf("%s connector: unable to connect to %s: %v",
					c.name, na, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// connectPeer attempts a single outbound connection.  The attempt itself is
// not cancelled by ctx so that partially hand-shaked connections are not
// leaked, but a peer that connects after ctx is done is disconnected rather
// than registered.
func (c *connectorBase) connectPeer(ctx context.Context, host ConnectorHost, na *addrmgr.NetAddress) error {
	addr := na.Key()
	if err := host.Reserve(addr, c.name, !c.permanent); err != nil {
		return err
	}
	if err := c.store.Attempt(na); err != nil {
		log.Warnf("%s connector: unable to record attempt for %s: %v",
			c.name, addr, err)
	}

	params := &ConnParams{
		Timeout:   c.settings.DialTimeout,
		Permanent: c.permanent,
	}
	dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx),
		params.Timeout)
	p, err := c.factory.ConnectPeer(dialCtx, na, params)
	cancel()
	if err != nil {
		host.Release(addr, err)
		return err
	}
	if !p.HandShaked() {
		p.Disconnect()
		err := makeError(ErrHandshakeIncomplete, fmt.Sprintf("peer %s did "+
			"not complete the handshake", addr))
		host.Release(addr, err)
		return err
	}
	if ctx.Err() != nil {
		p.Disconnect()
		err := makeError(ErrShuttingDown, fmt.Sprintf("discarding peer %s "+
			"connected during shutdown", addr))
		host.Release(addr, err)
		return err
	}

	own := &Ownership{
		Connector: c.name,
		Addr:      na,
		Link:      c.linkPeer,
		Unlink:    c.unlinkPeer,
	}
	if err := host.Commit(addr, p, own); err != nil {
		p.Disconnect()
		return err
	}
	if err := c.store.Good(na); err != nil {
		log.Warnf("%s connector: unable to mark %s good: %v", c.name, addr,
			err)
	}
	log.Infof("%s connector: connected to %s", c.name, addr)
	return nil
}
