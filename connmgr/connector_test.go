// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/davecgh/go-spew/spew"
	"github.com/decred/dcrconnd/addrmgr"
	"github.com/decred/dcrd/wire"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// mockPeer is a hand-shaked peer that stays connected until Disconnect is
// called.
type mockPeer struct {
	addr       string
	handShaked bool
	inbound    bool
	once       sync.Once
	quit       chan struct{}
}

func newMockPeer(addr string) *mockPeer {
	return &mockPeer{addr: addr, handShaked: true, quit: make(chan struct{})}
}

func (p *mockPeer) Addr() string       { return p.addr }
func (p *mockPeer) HandShaked() bool   { return p.handShaked }
func (p *mockPeer) Inbound() bool      { return p.inbound }
func (p *mockPeer) Disconnect()        { p.once.Do(func() { close(p.quit) }) }
func (p *mockPeer) WaitForDisconnect() { <-p.quit }

// disconnected returns whether Disconnect was called on the peer.
func (p *mockPeer) disconnected() bool {
	select {
	case <-p.quit:
		return true
	default:
		return false
	}
}

// mockFactory is a peer factory whose behavior is configured per endpoint.
type mockFactory struct {
	mtx        sync.Mutex
	fail       map[string]error
	incomplete map[string]bool
	gates      map[string]chan struct{}
	started    chan string
	dials      map[string]int
	inflight   map[string]bool
	duplicate  bool
	peers      []*mockPeer
}

func newMockFactory() *mockFactory {
	return &mockFactory{
		fail:       make(map[string]error),
		incomplete: make(map[string]bool),
		gates:      make(map[string]chan struct{}),
		dials:      make(map[string]int),
		inflight:   make(map[string]bool),
	}
}

// ConnectPeer returns a mock peer for the address or the configured failure.
func (f *mockFactory) ConnectPeer(ctx context.Context, na *addrmgr.NetAddress, params *ConnParams) (Peer, error) {
	key := na.Key()
	f.mtx.Lock()
	f.dials[key]++
	if f.inflight[key] {
		f.duplicate = true
	}
	f.inflight[key] = true
	err := f.fail[key]
	incomplete := f.incomplete[key]
	gate := f.gates[key]
	started := f.started
	f.mtx.Unlock()
	defer func() {
		f.mtx.Lock()
		f.inflight[key] = false
		f.mtx.Unlock()
	}()

	if started != nil {
		started <- key
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	p := newMockPeer(key)
	p.handShaked = !incomplete
	f.mtx.Lock()
	f.peers = append(f.peers, p)
	f.mtx.Unlock()
	return p, nil
}

func (f *mockFactory) setFail(key string, err error) {
	f.mtx.Lock()
	if err == nil {
		delete(f.fail, key)
	} else {
		f.fail[key] = err
	}
	f.mtx.Unlock()
}

func (f *mockFactory) numDials(key string) int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.dials[key]
}

func (f *mockFactory) totalDials() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	var n int
	for _, v := range f.dials {
		n += v
	}
	return n
}

func (f *mockFactory) allPeers() []*mockPeer {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return append([]*mockPeer(nil), f.peers...)
}

// newTestStore returns an address store driven by a mock clock.
func newTestStore(t *testing.T) (*addrmgr.AddrManager, *clock.Mock) {
	t.Helper()

	mock := clock.NewMock()
	mock.Set(time.Unix(time.Now().Unix(), 0))
	store := addrmgr.New(&addrmgr.Config{
		DataDir: t.TempDir(),
		Clock:   mock,
	})
	return store, mock
}

// mustParse parses an ip:port endpoint.
func mustParse(t *testing.T, addr string) *addrmgr.NetAddress {
	t.Helper()
	na, err := addrmgr.ParseNetAddress(addr, wire.SFNodeNetwork)
	if err != nil {
		t.Fatalf("ParseNetAddress(%q): unexpected err: %v", addr, err)
	}
	return na
}

// seedStore adds the addresses to the store.
func seedStore(t *testing.T, store *addrmgr.AddrManager, addrs ...*addrmgr.NetAddress) {
	t.Helper()
	for _, na := range addrs {
		if err := store.AddPeer(na, nil); err != nil {
			t.Fatalf("AddPeer(%v): unexpected err: %v", na, err)
		}
	}
}

// newTestManager returns a connection manager for the connectors with every
// connector initialized.
func newTestManager(t *testing.T, store AddressStore, maxOutbound int, connectors ...Connector) *ConnManager {
	t.Helper()
	cm, err := New(&Config{
		AddrManager: store,
		Connectors:  connectors,
		MaxOutbound: maxOutbound,
		Clock:       clock.NewMock(),
	})
	if err != nil {
		t.Fatalf("New: unexpected err: %v", err)
	}
	for _, c := range connectors {
		c.Initialize(cm)
	}
	return cm
}

// testConnectors returns all three connectors sharing the settings.
func testConnectors(t *testing.T, s *Settings, store AddressStore, factory PeerFactory) (*AddNodeConnector, *ConnectNodeConnector, *DiscoveryConnector) {
	t.Helper()
	cfg := &ConnectorConfig{
		Settings:    s,
		AddrManager: store,
		PeerFactory: factory,
	}
	addNode, err := NewAddNodeConnector(cfg)
	if err != nil {
		t.Fatalf("NewAddNodeConnector: unexpected err: %v", err)
	}
	connectNode, err := NewConnectNodeConnector(cfg)
	if err != nil {
		t.Fatalf("NewConnectNodeConnector: unexpected err: %v", err)
	}
	discovery, err := NewDiscoveryConnector(cfg)
	if err != nil {
		t.Fatalf("NewDiscoveryConnector: unexpected err: %v", err)
	}
	return addNode, connectNode, discovery
}

// peerAddrs returns the sorted endpoints of the peers.
func peerAddrs(peers []Peer) []string {
	addrs := make([]string, 0, len(peers))
	for _, p := range peers {
		addrs = append(addrs, p.Addr())
	}
	sort.Strings(addrs)
	return addrs
}

// assertAddrs fails the test when the endpoints differ.
func assertAddrs(t *testing.T, desc string, got, want []string) {
	t.Helper()
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("%s: mismatched endpoints -- got %s, want %s", desc,
			spew.Sdump(got), spew.Sdump(want))
	}
}

// waitFor polls the condition until it holds or the test times out.
func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", desc)
		}
		time.Sleep(time.Millisecond)
	}
}

// TestCanStartConnect ensures the enablement rules of the connectors.
func TestCanStartConnect(t *testing.T) {
	store, _ := newTestStore(t)
	a := mustParse(t, "12.1.0.1:9108")

	tests := []struct {
		name            string
		settings        Settings
		wantAddNode     bool
		wantConnectNode bool
		wantDiscovery   bool
		wantMax         [3]int
	}{{
		name:          "defaults",
		settings:      Settings{MaxOutbound: 8},
		wantAddNode:   true,
		wantDiscovery: true,
		wantMax:       [3]int{0, 0, 8},
	}, {
		name:          "add peers only",
		settings:      Settings{AddPeers: []*addrmgr.NetAddress{a}, MaxOutbound: 8},
		wantAddNode:   true,
		wantDiscovery: true,
		wantMax:       [3]int{1, 0, 8},
	}, {
		name:            "connect peers disable discovery",
		settings:        Settings{ConnectPeers: []*addrmgr.NetAddress{a}, MaxOutbound: 8},
		wantAddNode:     true,
		wantConnectNode: true,
		wantMax:         [3]int{0, 1, 0},
	}, {
		name:        "zero ceiling disables discovery",
		settings:    Settings{MaxOutbound: 0},
		wantAddNode: true,
		wantMax:     [3]int{0, 0, 0},
	}}

	for _, test := range tests {
		s := test.settings
		addNode, connectNode, discovery := testConnectors(t, &s, store,
			newMockFactory())
		if got := addNode.CanStartConnect(); got != test.wantAddNode {
			t.Errorf("%s: addnode can start -- got %v, want %v", test.name,
				got, test.wantAddNode)
		}
		if got := connectNode.CanStartConnect(); got != test.wantConnectNode {
			t.Errorf("%s: connect can start -- got %v, want %v", test.name,
				got, test.wantConnectNode)
		}
		if got := discovery.CanStartConnect(); got != test.wantDiscovery {
			t.Errorf("%s: discovery can start -- got %v, want %v", test.name,
				got, test.wantDiscovery)
		}
		gotMax := [3]int{addNode.MaxOutboundConnections(),
			connectNode.MaxOutboundConnections(),
			discovery.MaxOutboundConnections()}
		if gotMax != test.wantMax {
			t.Errorf("%s: max outbound -- got %v, want %v", test.name,
				gotMax, test.wantMax)
		}
	}
}

// TestSettingsValidate ensures invalid settings are rejected and defaults are
// applied.
func TestSettingsValidate(t *testing.T) {
	s := Settings{MaxOutbound: -1}
	if err := s.Validate(); !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("negative max outbound: unexpected err -- got %v, want %v",
			err, ErrInvalidSettings)
	}

	s = Settings{AddPeers: []*addrmgr.NetAddress{nil}}
	if err := s.Validate(); !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("nil peer: unexpected err -- got %v, want %v", err,
			ErrInvalidSettings)
	}

	s = Settings{}
	if err := s.Validate(); err != nil {
		t.Fatalf("empty settings: unexpected err: %v", err)
	}
	if s.DialTimeout != DefaultDialTimeout ||
		s.AddNodeInterval != DefaultAddNodeInterval ||
		s.ConnectInterval != DefaultConnectInterval ||
		s.DiscoveryInterval != DefaultDiscoveryInterval {

		t.Fatalf("defaults not applied: %s", spew.Sdump(s))
	}

	_, err := NewAddNodeConnector(&ConnectorConfig{Settings: &s})
	if !errors.Is(err, ErrNilAddrManager) {
		t.Fatalf("nil store: unexpected err -- got %v, want %v", err,
			ErrNilAddrManager)
	}
	store, _ := newTestStore(t)
	_, err = NewDiscoveryConnector(&ConnectorConfig{Settings: &s,
		AddrManager: store})
	if !errors.Is(err, ErrNilPeerFactory) {
		t.Fatalf("nil factory: unexpected err -- got %v, want %v", err,
			ErrNilPeerFactory)
	}
}

// TestStaticConnectorsScenario ensures the AddNode connector connects only to
// its configured peers and the ConnectNode connector only to its own list.
func TestStaticConnectorsScenario(t *testing.T) {
	store, _ := newTestStore(t)
	a := mustParse(t, "12.1.0.1:9108")
	b := mustParse(t, "13.1.0.1:9108")
	c := mustParse(t, "14.1.0.1:9108")
	seedStore(t, store, a, b, c)

	s := &Settings{
		AddPeers:     []*addrmgr.NetAddress{a},
		ConnectPeers: []*addrmgr.NetAddress{c},
		MaxOutbound:  8,
	}
	factory := newMockFactory()
	addNode, connectNode, _ := testConnectors(t, s, store, factory)
	cm := newTestManager(t, store, 8, addNode, connectNode)
	ctx := context.Background()

	addNode.OnConnect(ctx)
	assertAddrs(t, "addnode peers", peerAddrs(addNode.ConnectorPeers()),
		[]string{a.Key()})
	assertAddrs(t, "connected after addnode", cm.ConnectedPeerEndpoints(),
		[]string{a.Key()})

	connectNode.OnConnect(ctx)
	assertAddrs(t, "connect peers", peerAddrs(connectNode.ConnectorPeers()),
		[]string{c.Key()})
	assertAddrs(t, "connected after connect", cm.ConnectedPeerEndpoints(),
		[]string{a.Key(), c.Key()})

	if cm.IsConnected(b.Key()) || factory.numDials(b.Key()) != 0 {
		t.Fatalf("unconfigured peer %s was dialed", b)
	}
	if addNode.State() != ConnectorRunning {
		t.Fatalf("unexpected state -- got %v, want %v", addNode.State(),
			ConnectorRunning)
	}

	// A second iteration must not dial connected peers again.
	addNode.OnConnect(ctx)
	connectNode.OnConnect(ctx)
	if got := factory.totalDials(); got != 2 {
		t.Fatalf("unexpected number of dials -- got %d, want 2", got)
	}
}

// TestDiscoveryScenario ensures discovery skips configured and connected
// peers and stops at its capacity.
func TestDiscoveryScenario(t *testing.T) {
	store, _ := newTestStore(t)
	a := mustParse(t, "12.1.0.1:9108")
	c := mustParse(t, "14.1.0.1:9108")
	d := mustParse(t, "15.1.0.1:9108")
	seedStore(t, store, a, c, d)

	s := &Settings{
		AddPeers:    []*addrmgr.NetAddress{a},
		MaxOutbound: 1,
	}
	factory := newMockFactory()
	addNode, _, discovery := testConnectors(t, s, store, factory)
	cm := newTestManager(t, store, 1, addNode, discovery)

	if err := cm.AddConnectedPeer(newMockPeer(c.Key())); err != nil {
		t.Fatalf("AddConnectedPeer: unexpected err: %v", err)
	}

	discovery.OnConnect(context.Background())
	assertAddrs(t, "discovery peers", peerAddrs(discovery.ConnectorPeers()),
		[]string{d.Key()})
	assertAddrs(t, "connected", cm.ConnectedPeerEndpoints(),
		[]string{c.Key(), d.Key()})
	if factory.numDials(a.Key()) != 0 || factory.numDials(c.Key()) != 0 {
		t.Fatal("discovery dialed a configured or connected peer")
	}
}

// TestDiscoveryCapacity ensures discovery connects to at most its remaining
// capacity with one peer per network group.
func TestDiscoveryCapacity(t *testing.T) {
	store, _ := newTestStore(t)
	seedStore(t, store,
		mustParse(t, "12.1.0.1:9108"),
		mustParse(t, "12.1.0.2:9108"),
		mustParse(t, "12.1.0.3:9108"),
		mustParse(t, "13.1.0.1:9108"),
		mustParse(t, "14.1.0.1:9108"),
		mustParse(t, "15.1.0.1:9108"),
		mustParse(t, "16.1.0.1:9108"),
	)

	s := &Settings{MaxOutbound: 3}
	factory := newMockFactory()
	_, _, discovery := testConnectors(t, s, store, factory)
	cm := newTestManager(t, store, 3, discovery)

	discovery.OnConnect(context.Background())
	peers := discovery.ConnectorPeers()
	if len(peers) != 3 {
		t.Fatalf("unexpected number of peers -- got %d, want 3", len(peers))
	}
	groups := make(map[string]struct{})
	for _, p := range peers {
		na := mustParse(t, p.Addr())
		if _, ok := groups[na.GroupKey()]; ok {
			t.Fatalf("multiple peers selected from group %s", na.GroupKey())
		}
		groups[na.GroupKey()] = struct{}{}
	}
	if cm.OutboundCount() != 3 || cm.OutboundSlots() != 0 {
		t.Fatalf("unexpected outbound accounting -- count %d, slots %d",
			cm.OutboundCount(), cm.OutboundSlots())
	}

	// No capacity remains so another iteration must not dial.
	discovery.OnConnect(context.Background())
	if got := factory.totalDials(); got != 3 {
		t.Fatalf("unexpected number of dials -- got %d, want 3", got)
	}
}

// TestDiscoveryRespectsGlobalCeiling ensures static connectors count toward
// the global ceiling and discovery yields to them.
func TestDiscoveryRespectsGlobalCeiling(t *testing.T) {
	store, _ := newTestStore(t)
	a := mustParse(t, "12.1.0.1:9108")
	b := mustParse(t, "13.1.0.1:9108")
	seedStore(t, store, mustParse(t, "14.1.0.1:9108"),
		mustParse(t, "15.1.0.1:9108"))

	s := &Settings{AddPeers: []*addrmgr.NetAddress{a, b}, MaxOutbound: 2}
	factory := newMockFactory()
	addNode, _, discovery := testConnectors(t, s, store, factory)
	cm := newTestManager(t, store, 2, addNode, discovery)

	addNode.OnConnect(context.Background())
	discovery.OnConnect(context.Background())
	if n := len(discovery.ConnectorPeers()); n != 0 {
		t.Fatalf("discovery connected %d peers over the ceiling", n)
	}
	if cm.OutboundSlots() != 0 {
		t.Fatalf("unexpected outbound slots -- got %d, want 0",
			cm.OutboundSlots())
	}
}

// hookedStore is an address store that runs a hook once while a selection is
// in progress.
type hookedStore struct {
	*addrmgr.AddrManager
	once   sync.Once
	during func()
}

func (s *hookedStore) SelectPeersToConnectTo(exclude map[string]struct{}, max int) []*addrmgr.NetAddress {
	s.once.Do(s.during)
	return s.AddrManager.SelectPeersToConnectTo(exclude, max)
}

// TestDiscoveryCeilingInterleaved ensures static connections made while a
// discovery iteration is selecting candidates are accounted for before
// discovery reserves its own, so discovery never pushes the outbound count
// past the ceiling.
func TestDiscoveryCeilingInterleaved(t *testing.T) {
	base, _ := newTestStore(t)
	a := mustParse(t, "12.1.0.1:9108")
	b := mustParse(t, "13.1.0.1:9108")
	c := mustParse(t, "14.1.0.1:9108")
	d := mustParse(t, "15.1.0.1:9108")
	seedStore(t, base, c, d)

	store := &hookedStore{AddrManager: base}
	s := &Settings{AddPeers: []*addrmgr.NetAddress{a, b}, MaxOutbound: 2}
	factory := newMockFactory()
	addNode, _, discovery := testConnectors(t, s, store, factory)
	cm := newTestManager(t, store, 2, addNode, discovery)
	store.during = func() { addNode.OnConnect(context.Background()) }

	discovery.OnConnect(context.Background())

	assertAddrs(t, "addnode peers", peerAddrs(addNode.ConnectorPeers()),
		[]string{a.Key(), b.Key()})
	if n := len(discovery.ConnectorPeers()); n != 0 {
		t.Fatalf("discovery connected %d peers over the ceiling", n)
	}
	if got := cm.OutboundCount(); got != 2 {
		t.Fatalf("unexpected outbound count -- got %d, want 2", got)
	}
	for _, na := range []*addrmgr.NetAddress{c, d} {
		if n := factory.numDials(na.Key()); n != 0 {
			t.Fatalf("endpoint %s dialed %d times over the ceiling", na, n)
		}
		if _, ok := cm.ExcludedAddrs()[na.Key()]; ok {
			t.Fatalf("refused endpoint %s left a reservation", na)
		}
	}
}

// TestRegisterStaticKeepsSource ensures registering operator configured peers
// with the address store keeps the source an address was learned from.
func TestRegisterStaticKeepsSource(t *testing.T) {
	store, _ := newTestStore(t)
	a := mustParse(t, "12.1.0.1:9108")
	src := mustParse(t, "30.1.0.1:9108")
	store.AddAddresses([]*addrmgr.NetAddress{a}, src)

	s := &Settings{AddPeers: []*addrmgr.NetAddress{a}, MaxOutbound: 8}
	addNode, _, _ := testConnectors(t, s, store, newMockFactory())
	newTestManager(t, store, 8, addNode)

	ka := store.Lookup(a.Key())
	if ka == nil {
		t.Fatalf("configured peer %s not in the store", a)
	}
	if ka.SrcAddress() == nil || ka.SrcAddress().Key() != src.Key() {
		t.Fatalf("source replaced -- got %v, want %v", ka.SrcAddress(), src)
	}
}

// TestConcurrentConnectorsCeiling runs the static and discovery connectors
// concurrently and ensures no endpoint is dialed twice at once, discovery
// stays within the ceiling and the outbound count matches the owned peers.
func TestConcurrentConnectorsCeiling(t *testing.T) {
	const maxOutbound = 3
	store, _ := newTestStore(t)
	static := []*addrmgr.NetAddress{
		mustParse(t, "12.1.0.1:9108"),
		mustParse(t, "13.1.0.1:9108"),
	}
	for i := 0; i < 16; i++ {
		seedStore(t, store, mustParse(t, fmt.Sprintf("20.%d.0.1:9108", i)))
	}

	s := &Settings{AddPeers: static, MaxOutbound: maxOutbound}
	factory := newMockFactory()
	addNode, _, discovery := testConnectors(t, s, store, factory)
	cm := newTestManager(t, store, maxOutbound, addNode, discovery)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			discovery.OnConnect(context.Background())
		}()
		go func() {
			defer wg.Done()
			addNode.OnConnect(context.Background())
		}()
	}
	wg.Wait()

	factory.mtx.Lock()
	duplicate := factory.duplicate
	factory.mtx.Unlock()
	if duplicate {
		t.Fatal("an endpoint was dialed concurrently")
	}
	for _, na := range static {
		if n := factory.numDials(na.Key()); n != 1 {
			t.Fatalf("static endpoint %s dialed %d times", na, n)
		}
	}
	numAddNode := len(addNode.ConnectorPeers())
	numDiscovery := len(discovery.ConnectorPeers())
	if numAddNode != len(static) {
		t.Fatalf("unexpected addnode peers -- got %d, want %d", numAddNode,
			len(static))
	}
	if numDiscovery > maxOutbound {
		t.Fatalf("discovery connected %d peers over the ceiling of %d",
			numDiscovery, maxOutbound)
	}
	if got := cm.OutboundCount(); got != numAddNode+numDiscovery {
		t.Fatalf("outbound count %d does not match owned peers %d", got,
			numAddNode+numDiscovery)
	}
	if got := cm.ConnectedCount(); got != numAddNode+numDiscovery {
		t.Fatalf("connected count %d does not match owned peers %d", got,
			numAddNode+numDiscovery)
	}
}

// TestAttemptAccounting ensures a failed attempt increments the attempt
// counter once without connecting and a later success resets it.
func TestAttemptAccounting(t *testing.T) {
	store, mock := newTestStore(t)
	a := mustParse(t, "12.1.0.1:9108")

	s := &Settings{AddPeers: []*addrmgr.NetAddress{a}, MaxOutbound: 8}
	factory := newMockFactory()
	factory.setFail(a.Key(), errors.New("connection refused"))
	addNode, _, _ := testConnectors(t, s, store, factory)
	cm := newTestManager(t, store, 8, addNode)

	addNode.OnConnect(context.Background())
	ka := store.Lookup(a.Key())
	if ka == nil {
		t.Fatalf("configured peer %s not added to the store", a)
	}
	if ka.Attempts() != 1 {
		t.Fatalf("unexpected attempts -- got %d, want 1", ka.Attempts())
	}
	if cm.IsConnected(a.Key()) || len(addNode.ConnectorPeers()) != 0 {
		t.Fatal("failed peer is connected")
	}
	if cm.OutboundCount() != 0 {
		t.Fatalf("reservation leaked -- outbound count %d", cm.OutboundCount())
	}
	if got := testutil.ToFloat64(cm.metrics.dials.WithLabelValues("addnode",
		outcomeFailed)); got != 1 {

		t.Fatalf("unexpected failed dials -- got %v, want 1", got)
	}

	mock.Add(time.Minute)
	factory.setFail(a.Key(), nil)
	addNode.OnConnect(context.Background())
	if ka.Attempts() != 0 {
		t.Fatalf("unexpected attempts after success -- got %d, want 0",
			ka.Attempts())
	}
	if !ka.LastSuccess().Equal(mock.Now()) {
		t.Fatalf("unexpected last success -- got %v, want %v",
			ka.LastSuccess(), mock.Now())
	}
	if !cm.IsConnected(a.Key()) {
		t.Fatalf("peer %s not connected", a)
	}
}

// TestHandshakeIncomplete ensures a peer that never hand-shakes is
// disconnected and not registered.
func TestHandshakeIncomplete(t *testing.T) {
	store, _ := newTestStore(t)
	a := mustParse(t, "12.1.0.1:9108")

	s := &Settings{AddPeers: []*addrmgr.NetAddress{a}, MaxOutbound: 8}
	factory := newMockFactory()
	factory.incomplete[a.Key()] = true
	addNode, _, _ := testConnectors(t, s, store, factory)
	cm := newTestManager(t, store, 8, addNode)

	addNode.OnConnect(context.Background())
	peers := factory.allPeers()
	if len(peers) != 1 || !peers[0].disconnected() {
		t.Fatal("incomplete peer was not disconnected")
	}
	if cm.IsConnected(a.Key()) || cm.OutboundCount() != 0 {
		t.Fatal("incomplete peer was registered")
	}
	if ka := store.Lookup(a.Key()); ka.Attempts() != 1 {
		t.Fatalf("unexpected attempts -- got %d, want 1", ka.Attempts())
	}
	if got := testutil.ToFloat64(cm.metrics.dials.WithLabelValues("addnode",
		outcomeIncomplete)); got != 1 {

		t.Fatalf("unexpected incomplete dials -- got %v, want 1", got)
	}
}

// TestDroppedPeerReconnects ensures a disconnected peer is retracted from both
// peer sets and reconnected by the next iteration.
func TestDroppedPeerReconnects(t *testing.T) {
	store, _ := newTestStore(t)
	a := mustParse(t, "12.1.0.1:9108")

	s := &Settings{AddPeers: []*addrmgr.NetAddress{a}, MaxOutbound: 8}
	factory := newMockFactory()
	addNode, _, _ := testConnectors(t, s, store, factory)
	cm := newTestManager(t, store, 8, addNode)

	addNode.OnConnect(context.Background())
	if !cm.IsConnected(a.Key()) {
		t.Fatalf("peer %s not connected", a)
	}
	factory.allPeers()[0].Disconnect()
	waitFor(t, "peer retraction", func() bool {
		return !cm.IsConnected(a.Key()) && len(addNode.ConnectorPeers()) == 0
	})
	if cm.OutboundCount() != 0 || cm.ConnectedCount() != 0 {
		t.Fatalf("unexpected counts -- outbound %d, connected %d",
			cm.OutboundCount(), cm.ConnectedCount())
	}

	addNode.OnConnect(context.Background())
	if !cm.IsConnected(a.Key()) || factory.numDials(a.Key()) != 2 {
		t.Fatalf("peer %s not reconnected", a)
	}
}

// TestNoDuplicateDials ensures concurrently running connectors never dial the
// same endpoint at the same time or connect to it twice.
func TestNoDuplicateDials(t *testing.T) {
	store, _ := newTestStore(t)
	var addrs []*addrmgr.NetAddress
	for i := 1; i <= 8; i++ {
		na := mustParse(t, "1"+string(rune('0'+i))+".1.0.1:9108")
		addrs = append(addrs, na)
	}
	seedStore(t, store, addrs...)

	s := &Settings{AddPeers: addrs[:4], MaxOutbound: 16}
	factory := newMockFactory()
	addNode, _, discovery := testConnectors(t, s, store, factory)
	cm := newTestManager(t, store, 16, addNode, discovery)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			addNode.OnConnect(context.Background())
		}()
		go func() {
			defer wg.Done()
			discovery.OnConnect(context.Background())
		}()
	}
	wg.Wait()

	factory.mtx.Lock()
	duplicate := factory.duplicate
	factory.mtx.Unlock()
	if duplicate {
		t.Fatal("an endpoint was dialed concurrently")
	}
	for _, na := range addrs {
		if n := factory.numDials(na.Key()); n != 1 {
			t.Fatalf("endpoint %s dialed %d times", na, n)
		}
	}
	if cm.ConnectedCount() != len(addrs) {
		t.Fatalf("unexpected connected count -- got %d, want %d",
			cm.ConnectedCount(), len(addrs))
	}
	for _, p := range discovery.ConnectorPeers() {
		if cm.IsConnected(p.Addr()) && addNode.owns(p.Addr()) {
			t.Fatalf("peer %s owned by two connectors", p.Addr())
		}
	}
}

// TestShutdownDiscardsLateDial ensures a peer that finishes connecting after
// shutdown began is disconnected rather than registered.
func TestShutdownDiscardsLateDial(t *testing.T) {
	store, _ := newTestStore(t)
	a := mustParse(t, "12.1.0.1:9108")

	s := &Settings{AddPeers: []*addrmgr.NetAddress{a}, MaxOutbound: 8}
	factory := newMockFactory()
	gate := make(chan struct{})
	factory.gates[a.Key()] = gate
	factory.started = make(chan string, 1)
	addNode, _, _ := testConnectors(t, s, store, factory)
	cm := newTestManager(t, store, 8, addNode)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		addNode.OnConnect(ctx)
		close(done)
	}()
	<-factory.started
	if _, ok := cm.ExcludedAddrs()[a.Key()]; !ok {
		t.Fatalf("endpoint %s not reserved during the attempt", a)
	}
	cancel()
	close(gate)
	<-done

	peers := factory.allPeers()
	if len(peers) != 1 || !peers[0].disconnected() {
		t.Fatal("late peer was not disconnected")
	}
	if cm.IsConnected(a.Key()) || cm.OutboundCount() != 0 {
		t.Fatal("late peer was registered")
	}
	if got := testutil.ToFloat64(cm.metrics.dials.WithLabelValues("addnode",
		outcomeAborted)); got != 1 {

		t.Fatalf("unexpected aborted dials -- got %v, want 1", got)
	}
}

// TestStoppedConnector ensures iterations are skipped once stopped.
func TestStoppedConnector(t *testing.T) {
	store, _ := newTestStore(t)
	a := mustParse(t, "12.1.0.1:9108")

	s := &Settings{AddPeers: []*addrmgr.NetAddress{a}, MaxOutbound: 8}
	factory := newMockFactory()
	addNode, _, _ := testConnectors(t, s, store, factory)
	newTestManager(t, store, 8, addNode)

	if addNode.State() != ConnectorIdle {
		t.Fatalf("unexpected state -- got %v, want %v", addNode.State(),
			ConnectorIdle)
	}
	addNode.Stop()
	addNode.OnConnect(context.Background())
	if factory.totalDials() != 0 {
		t.Fatal("stopped connector dialed")
	}
	if addNode.State() != ConnectorStopped {
		t.Fatalf("unexpected state -- got %v, want %v", addNode.State(),
			ConnectorStopped)
	}
}

// TestInitializeTwice ensures binding a connector twice panics.
func TestInitializeTwice(t *testing.T) {
	store, _ := newTestStore(t)
	s := &Settings{MaxOutbound: 8}
	_, _, discovery := testConnectors(t, s, store, newMockFactory())
	cm := newTestManager(t, store, 8, discovery)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("second Initialize did not panic")
		}
	}()
	discovery.Initialize(cm)
}

// TestConnectorStateStringer tests the stringized output for the
// ConnectorState type.
func TestConnectorStateStringer(t *testing.T) {
	tests := []struct {
		in   ConnectorState
		want string
	}{
		{ConnectorIdle, "ConnectorIdle"},
		{ConnectorRunning, "ConnectorRunning"},
		{ConnectorStopped, "ConnectorStopped"},
		{0xff, "Unknown ConnectorState (255)"},
	}

	for i, test := range tests {
		result := test.in.String()
		if result != test.want {
			t.Errorf("#%d: got: %s want: %s", i, result, test.want)
		}
	}
}
