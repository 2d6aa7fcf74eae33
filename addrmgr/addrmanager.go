// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"encoding/binary"
	"fmt"
	"net"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/container/apbf"
	"github.com/decred/dcrd/crypto/rand"
	"github.com/decred/dcrd/wire"
)

// peersFilename is the default filename to store serialized peers.
const peersFilename = "peers.json"

const (
	// needAddressThreshold is the number of addresses under which the
	// address manager will claim to need more addresses.
	needAddressThreshold = 1000

	// dumpAddressInterval is the interval used to dump the address
	// cache to disk for future use.
	dumpAddressInterval = time.Minute * 10

	// numShards is the number of independently locked partitions the
	// address index is split over.
	numShards = 64

	// DefaultMaxAddresses is the default upper bound on the number of
	// addresses the address manager keeps.
	DefaultMaxAddresses = 20000

	// DefaultRetryCooldown is the default duration after an attempt during
	// which an address is not offered for selection again.
	DefaultRetryCooldown = time.Minute * 10

	// connectedRefreshInterval is the minimum time between last seen updates
	// of an address reported as connected.
	connectedRefreshInterval = time.Minute * 20

	// numMissingDays is the number of days before which we assume an
	// address has vanished if we have not seen it announced in that long.
	numMissingDays = 30

	// numRetries is the number of tried without a single success before
	// we assume an address is bad.
	numRetries = 3

	// maxFailures is the maximum number of failures we will accept without
	// a success before considering an address bad.
	maxFailures = 5

	// minBadDays is the number of days since the last success before we
	// will consider evicting an address.
	minBadDays = 7

	// getKnownAddressLimit is the maximum number of known addresses returned
	// from the address manager when a collection of known addresses is
	// requested.
	getKnownAddressLimit = 2500

	// getKnownAddressPercentage is the percentage of total number of known
	// addresses returned from the address manager when a collection of known
	// addresses is requested.
	getKnownAddressPercentage = 23

	// recentGossipCapacity and recentGossipFPRate size the filter of
	// recently announced (source, address) pairs.
	recentGossipCapacity = 50000
	recentGossipFPRate   = 0.0001

	// serialisationVersion is the current version of the on-disk format.
	serialisationVersion = 2
)

// Config houses the parameters of an address manager.
type Config struct {
	// DataDir is the directory the peers file is stored in.
	DataDir string

	// LookupFunc resolves hostnames.  It MUST be safe for concurrent access.
	// Defaults to net.LookupIP.
	LookupFunc func(string) ([]net.IP, error)

	// Clock is the time source.  Defaults to the wall clock.
	Clock clock.Clock

	// AllowPrivate permits gossiped addresses that are not routable on the
	// public internet.
	AllowPrivate bool

	// MaxAddresses bounds the number of addresses kept.  Defaults to
	// DefaultMaxAddresses.
	MaxAddresses int

	// RetryCooldown is the duration after an attempt during which an address
	// is not selected again.  Defaults to DefaultRetryCooldown.
	RetryCooldown time.Duration
}

// addrShard is a partition of the address index with its own lock.
type addrShard struct {
	mtx   sync.RWMutex
	addrs map[string]*KnownAddress
}

// AddrManager provides a concurrency safe address manager for caching potential
// peers on the network.
type AddrManager struct {
	cfg Config

	// peersFile is the path of file that the address manager's serialized state
	// is saved to and loaded from.
	peersFile string

	// key is a random secret mixed into the shard hash so remote peers
	// cannot predict which shard an address lands in.
	key [32]byte

	// shards holds every known address keyed by NetAddress.Key.  A key maps
	// to exactly one shard.
	shards [numShards]addrShard

	// numAddrs is the total number of known addresses across all shards.
	numAddrs atomic.Int64

	// addrChanged signals whether the address manager needs to have its state
	// serialized and saved to the file system.
	addrChanged atomic.Bool

	// recentGossip holds recently processed (source, address) announcements.
	recentGossip *apbf.Filter

	// saveMtx serializes writes of the peers file.
	saveMtx sync.Mutex

	// The following fields are used for lifecycle management of the
	// address manager.
	started  atomic.Bool
	shutdown atomic.Bool
	wg       sync.WaitGroup
	quit     chan struct{}
}

// shardIndex returns the index of the shard responsible for the provided
// address key.
func (a *AddrManager) shardIndex(addrKey string) int {
	data := make([]byte, 0, len(a.key)+len(addrKey))
	data = append(data, a.key[:]...)
	data = append(data, addrKey...)
	hash := chainhash.HashB(data)
	return int(binary.LittleEndian.Uint64(hash) % numShards)
}

// shardFor returns the shard responsible for the provided address key.
func (a *AddrManager) shardFor(addrKey string) *addrShard {
	return &a.shards[a.shardIndex(addrKey)]
}

// find returns the known address for the provided key or nil when it is
// unknown.
func (a *AddrManager) find(addrKey string) *KnownAddress {
	shard := a.shardFor(addrKey)
	shard.mtx.RLock()
	ka := shard.addrs[addrKey]
	shard.mtx.RUnlock()
	return ka
}

// forEach invokes fn for every known address, one shard at a time, with the
// shard read lock held.
func (a *AddrManager) forEach(fn func(key string, ka *KnownAddress)) {
	for i := range a.shards {
		shard := &a.shards[i]
		shard.mtx.RLock()
		for key, ka := range shard.addrs {
			fn(key, ka)
		}
		shard.mtx.RUnlock()
	}
}

// updateAddress is a helper function to either update an address already known
// to the address manager, or to add the address if not already known.  An
// address without a last seen time is stamped with the current time.  A nil
// srcAddr leaves the source of a known address unchanged.  It returns whether
// a new record was created.
func (a *AddrManager) updateAddress(netAddr, srcAddr *NetAddress) bool {
	addrKey := netAddr.Key()
	idx := a.shardIndex(addrKey)
	shard := &a.shards[idx]

	seen := netAddr.Timestamp
	if seen.IsZero() {
		seen = time.Unix(a.cfg.Clock.Now().Unix(), 0)
	}

	shard.mtx.Lock()
	if ka, ok := shard.addrs[addrKey]; ok {
		shard.mtx.Unlock()

		ka.mtx.Lock()
		if srcAddr != nil {
			ka.srcAddr = srcAddr
		}
		na := ka.na
		newer := seen.After(na.Timestamp)
		newServices := netAddr.Services&^na.Services != 0
		if newer || newServices {
			// ka.na is immutable, so replace it.
			naCopy := *na
			if newer {
				naCopy.Timestamp = seen
			}
			naCopy.Services |= netAddr.Services
			ka.na = &naCopy
		}
		ka.mtx.Unlock()
		a.addrChanged.Store(true)
		return false
	}

	na := netAddr.Clone()
	na.Timestamp = seen
	shard.addrs[addrKey] = &KnownAddress{na: na, srcAddr: srcAddr}
	overflow := a.numAddrs.Add(1) > int64(a.cfg.MaxAddresses)
	if overflow && a.evictFromShard(shard, addrKey) {
		overflow = false
	}
	shard.mtx.Unlock()

	// The receiving shard only held the new record, so take the victim
	// from the next shard that has one.
	if overflow {
		for i := 1; i < numShards; i++ {
			other := &a.shards[(idx+i)%numShards]
			other.mtx.Lock()
			evicted := a.evictFromShard(other, "")
			other.mtx.Unlock()
			if evicted {
				break
			}
		}
	}

	a.addrChanged.Store(true)
	log.Tracef("Added new address %s for a total of %d addresses", addrKey,
		a.numAddrs.Load())
	return true
}

// evictFromShard removes the worst address of the shard other than keep and
// reports whether one was removed.  Bad addresses go first, otherwise the one
// that was seen longest ago.
//
// This function MUST be called with the shard write lock held.
func (a *AddrManager) evictFromShard(shard *addrShard, keep string) bool {
	now := a.cfg.Clock.Now()
	var victim string
	var victimBad bool
	var victimSeen time.Time
	for key, ka := range shard.addrs {
		if key == keep {
			continue
		}
		st := ka.snapshot(now)
		switch {
		case victim == "":
		case st.stale && !victimBad:
		case st.stale == victimBad && st.na.Timestamp.Before(victimSeen):
		default:
			continue
		}
		victim, victimBad, victimSeen = key, st.stale, st.na.Timestamp
	}
	if victim == "" {
		return false
	}
	delete(shard.addrs, victim)
	a.numAddrs.Add(-1)
	log.Debugf("Evicted %s (bad: %v) to stay within %d addresses", victim,
		victimBad, a.cfg.MaxAddresses)
	return true
}

// AddPeer adds the provided address, reported by srcAddr, to the address
// manager.  Adding an address that is already known is an upsert: the
// record is kept, its source is replaced with a non-nil srcAddr, its last seen
// time is moved forward when the provided one is newer and the services are
// merged.  A nil srcAddr denotes a locally configured address and keeps any
// source learned earlier.  An address without a last seen time is stamped
// with the current time of the manager clock.
//
// This function is safe for concurrent access.
func (a *AddrManager) AddPeer(addr, srcAddr *NetAddress) error {
	if addr == nil || !isValid(addr.IP) {
		str := fmt.Sprintf("address %v is not a valid endpoint", addr)
		return makeError(ErrInvalidAddress, str)
	}
	a.updateAddress(addr, srcAddr)
	return nil
}

// gossipKey returns the filter entry of an announcement of addr by srcAddr.
func gossipKey(addr, srcAddr *NetAddress) []byte {
	var src string
	if srcAddr != nil {
		src = srcAddr.Key()
	}
	return []byte(src + "|" + addr.Key())
}

// AddAddresses adds addresses announced by the peer at srcAddr.  Invalid
// addresses are ignored, as are unroutable ones unless the manager is
// configured to allow private addresses.  Announcements already processed
// recently from the same source are ignored.
//
// This function is safe for concurrent access.
func (a *AddrManager) AddAddresses(addrs []*NetAddress, srcAddr *NetAddress) {
	for _, na := range addrs {
		if na == nil || !isValid(na.IP) {
			continue
		}
		if !a.cfg.AllowPrivate && !na.IsRoutable() {
			continue
		}
		key := gossipKey(na, srcAddr)
		if a.recentGossip.Contains(key) {
			continue
		}
		a.recentGossip.Add(key)
		a.updateAddress(na, srcAddr)
	}
}

// candidate is a selectable address along with its ranking state.
type candidate struct {
	selectionState
	tiebreak uint64
}

// less reports whether candidate c should be preferred over o.
func (c *candidate) less(o *candidate) bool {
	if c.stale != o.stale {
		return !c.stale
	}
	cNever, oNever := c.lastattempt.IsZero(), o.lastattempt.IsZero()
	if cNever != oNever {
		return cNever
	}
	if c.attempts != o.attempts {
		return c.attempts < o.attempts
	}
	if !c.lastattempt.Equal(o.lastattempt) {
		return c.lastattempt.Before(o.lastattempt)
	}
	return c.tiebreak < o.tiebreak
}

// SelectPeersToConnectTo returns up to max addresses to connect to.  Addresses
// whose key is in exclude and addresses attempted within the retry cooldown
// are never returned.  Addresses that are not stale are preferred, then those
// never attempted, then those with fewer attempts, then those attempted longest
// ago, with remaining ties broken randomly.  At most one address per network
// group is returned by a single call.
//
// This function is safe for concurrent access.
func (a *AddrManager) SelectPeersToConnectTo(exclude map[string]struct{}, max int) []*NetAddress {
	if max <= 0 {
		return nil
	}

	now := a.cfg.Clock.Now()
	cooldown := a.cfg.RetryCooldown
	var candidates []candidate
	a.forEach(func(key string, ka *KnownAddress) {
		if _, ok := exclude[key]; ok {
			return
		}
		st := ka.snapshot(now)
		if !st.lastattempt.IsZero() && now.Sub(st.lastattempt) < cooldown {
			return
		}
		candidates = append(candidates, candidate{
			selectionState: st,
			tiebreak:       rand.Uint64(),
		})
	})
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].less(&candidates[j])
	})

	groups := make(map[string]struct{}, max)
	selected := make([]*NetAddress, 0, max)
	for i := range candidates {
		na := candidates[i].na
		group := na.GroupKey()
		if _, ok := groups[group]; ok {
			continue
		}
		groups[group] = struct{}{}
		selected = append(selected, na)
		if len(selected) == max {
			break
		}
	}
	log.Tracef("Selected %d of %d candidate addresses", len(selected),
		len(candidates))
	return selected
}

// lookupKnown returns the known address for the provided address or an
// ErrAddressNotFound error.
func (a *AddrManager) lookupKnown(addr *NetAddress) (*KnownAddress, error) {
	ka := a.find(addr.Key())
	if ka == nil {
		str := fmt.Sprintf("address %s not found", addr)
		return nil, makeError(ErrAddressNotFound, str)
	}
	return ka, nil
}

// Attempt increases the provided known address' attempt counter and updates
// the last attempt time.  If the address is unknown then an error is returned.
//
// This function is safe for concurrent access.
func (a *AddrManager) Attempt(addr *NetAddress) error {
	ka, err := a.lookupKnown(addr)
	if err != nil {
		return err
	}

	ka.mtx.Lock()
	ka.attempts++
	ka.lastattempt = a.cfg.Clock.Now()
	ka.mtx.Unlock()
	a.addrChanged.Store(true)
	return nil
}

// Connected marks the provided known address as connected and working at the
// current time.  If the address is unknown then an error is returned.
//
// This function is safe for concurrent access.
func (a *AddrManager) Connected(addr *NetAddress) error {
	ka, err := a.lookupKnown(addr)
	if err != nil {
		return err
	}

	// Update the time as long as it has been 20 minutes since last we did
	// so.
	now := a.cfg.Clock.Now()
	ka.mtx.Lock()
	if now.After(ka.na.Timestamp.Add(connectedRefreshInterval)) {
		// ka.na is immutable, so replace it.
		naCopy := *ka.na
		naCopy.Timestamp = time.Unix(now.Unix(), 0)
		ka.na = &naCopy
		a.addrChanged.Store(true)
	}
	ka.mtx.Unlock()
	return nil
}

// Good marks the provided known address as good.  This should be called after a
// successful outbound connection and handshake with a peer.  It resets the
// attempt counter.  If the address is unknown then an error is returned.
//
// This function is safe for concurrent access.
func (a *AddrManager) Good(addr *NetAddress) error {
	ka, err := a.lookupKnown(addr)
	if err != nil {
		return err
	}

	// ka.na.Timestamp is not updated here to avoid leaking information
	// about currently connected peers.
	ka.mtx.Lock()
	ka.lastsuccess = a.cfg.Clock.Now()
	ka.attempts = 0
	ka.mtx.Unlock()
	a.addrChanged.Store(true)
	return nil
}

// Lookup returns the known address for the provided endpoint key, or nil if
// the endpoint is unknown.
//
// This function is safe for concurrent access.
func (a *AddrManager) Lookup(addrKey string) *KnownAddress {
	return a.find(addrKey)
}

// NumAddresses returns the number of addresses known to the address manager.
//
// This function is safe for concurrent access.
func (a *AddrManager) NumAddresses() int {
	return int(a.numAddrs.Load())
}

// NeedMoreAddresses returns whether or not the address manager needs more
// addresses.
//
// This function is safe for concurrent access.
func (a *AddrManager) NeedMoreAddresses() bool {
	return a.NumAddresses() < needAddressThreshold
}

// AddressCache returns a randomized subset of the known addresses that have
// been connected to successfully and are not stale.
//
// This function is safe for concurrent access.
func (a *AddrManager) AddressCache() []*NetAddress {
	now := a.cfg.Clock.Now()
	var allAddr []*NetAddress
	a.forEach(func(_ string, ka *KnownAddress) {
		ka.mtx.Lock()
		good := !ka.lastsuccess.IsZero() && !ka.isBadLocked(now)
		na := ka.na
		ka.mtx.Unlock()
		if good {
			allAddr = append(allAddr, na)
		}
	})

	addrLen := len(allAddr)
	numAddresses := addrLen * getKnownAddressPercentage / 100
	if numAddresses > getKnownAddressLimit {
		numAddresses = getKnownAddressLimit
	}
	if numAddresses == 0 && addrLen > 0 {
		numAddresses = 1
	}

	// Fisher-Yates shuffle the array.  We only need to do the first
	// numAddresses since we are throwing away the rest.
	for i := 0; i < numAddresses; i++ {
		j := rand.IntN(addrLen-i) + i
		allAddr[i], allAddr[j] = allAddr[j], allAddr[i]
	}

	return allAddr[:numAddresses]
}

// HostToNetAddress parses and returns a network address given a hostname in a
// supported format (IPv4, IPv6).  If the hostname cannot be immediately
// converted from a known address format, it will be resolved using the lookup
// function provided to the address manager.  If it cannot be resolved, an
// error is returned.
//
// This function is safe for concurrent access.
func (a *AddrManager) HostToNetAddress(host string, port uint16, services wire.ServiceFlag) (*NetAddress, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := a.cfg.LookupFunc(host)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			str := fmt.Sprintf("no addresses found for %s", host)
			return nil, makeError(ErrHostNotResolved, str)
		}
		ip = ips[0]
	}
	if !isValid(ip) {
		str := fmt.Sprintf("host %s is not a valid IP address", host)
		return nil, makeError(ErrInvalidAddress, str)
	}

	return NewNetAddressIPPort(ip, port, services), nil
}

// DeserializeNetAddress converts a given "host:port" string to a network
// address, resolving the host when it is not an IP literal.
//
// This function is safe for concurrent access.
func (a *AddrManager) DeserializeNetAddress(addr string, services wire.ServiceFlag) (*NetAddress, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}

	return a.HostToNetAddress(host, uint16(port), services)
}

// addressHandler is the main handler for the address manager.  It must be run
// as a goroutine.
func (a *AddrManager) addressHandler() {
	dumpAddressTicker := a.cfg.Clock.Ticker(dumpAddressInterval)
	defer dumpAddressTicker.Stop()
out:
	for {
		select {
		case <-dumpAddressTicker.C:
			a.savePeers()

		case <-a.quit:
			break out
		}
	}
	a.savePeers()
	a.wg.Done()
	log.Trace("Address handler done")
}

// Start loads the persisted addresses and begins the handler which saves them
// periodically.  A missing peers file results in an empty address manager
// while a peers file that exists but cannot be decoded is an error.
//
// This function is safe for concurrent access.
func (a *AddrManager) Start() error {
	if !a.started.CompareAndSwap(false, true) {
		return makeError(ErrAlreadyStarted, "address manager already started")
	}

	log.Trace("Starting address manager")

	if err := a.loadPeers(); err != nil {
		return err
	}

	a.wg.Add(1)
	go a.addressHandler()
	return nil
}

// Stop gracefully shuts down the address manager by stopping the main handler
// which saves the known addresses a final time.
//
// This function is safe for concurrent access.
func (a *AddrManager) Stop() error {
	if !a.shutdown.CompareAndSwap(false, true) {
		log.Warnf("Address manager is already in the process of shutting down")
		return nil
	}

	log.Infof("Address manager shutting down")
	close(a.quit)
	a.wg.Wait()
	return nil
}

// New constructs a new address manager instance.
// Use Start to load persisted addresses and begin periodic saving.
func New(cfg *Config) *AddrManager {
	am := AddrManager{
		cfg:          *cfg, // Copy so caller can't mutate
		peersFile:    filepath.Join(cfg.DataDir, peersFilename),
		recentGossip: apbf.NewFilter(recentGossipCapacity, recentGossipFPRate),
		quit:         make(chan struct{}),
	}
	if am.cfg.LookupFunc == nil {
		am.cfg.LookupFunc = net.LookupIP
	}
	if am.cfg.Clock == nil {
		am.cfg.Clock = clock.New()
	}
	if am.cfg.MaxAddresses <= 0 {
		am.cfg.MaxAddresses = DefaultMaxAddresses
	}
	if am.cfg.RetryCooldown <= 0 {
		am.cfg.RetryCooldown = DefaultRetryCooldown
	}
	rand.Read(am.key[:])
	for i := range am.shards {
		am.shards[i].addrs = make(map[string]*KnownAddress)
	}
	return &am
}
