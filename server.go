// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/decred/dcrconnd/addrmgr"
	"github.com/decred/dcrconnd/connmgr"
	"github.com/decred/dcrconnd/internal/version"
	"github.com/decred/dcrconnd/peer"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
)

const (
	// requiredServices are the services a peer must advertise to be
	// considered by the DNS seeders.
	requiredServices = wire.SFNodeNetwork | wire.SFNodeCF

	// maxAddrsPerMsg caps the number of gossiped addresses accepted from a
	// single addr message.
	maxAddrsPerMsg = wire.MaxAddrPerMsg

	// lookupTimeout bounds host name resolution done on behalf of the address
	// manager.
	lookupTimeout = time.Second * 30
)

// server provides an outbound peer connectivity service for the Decred
// network.
type server struct {
	cfg         *config
	chainParams *chaincfg.Params
	addrManager *addrmgr.AddrManager
	connManager *connmgr.ConnManager
	factory     *peer.Factory
	registry    *prometheus.Registry

	// discovery is set when the discovery connector is enabled.
	discovery bool

	wg sync.WaitGroup
}

// lookup resolves the host through the Tor resolver of the proxy when one is
// configured and with the system resolver otherwise.  Onion addresses are
// never resolved.
func (s *server) lookup(ctx context.Context, host string) ([]net.IP, error) {
	if strings.HasSuffix(host, ".onion") {
		return nil, fmt.Errorf("attempt to resolve tor address %s", host)
	}
	if s.cfg.Proxy != "" {
		return connmgr.TorLookupIP(ctx, host, s.cfg.Proxy)
	}
	return net.DefaultResolver.LookupIP(ctx, "ip", host)
}

// addrManagerLookup adapts lookup to the address manager resolver signature.
func (s *server) addrManagerLookup(host string) ([]net.IP, error) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	return s.lookup(ctx, host)
}

// resolvePeers converts the configured static peers to network addresses.
// Every peer that can not be resolved is reported in the returned error.
func (s *server) resolvePeers(addrs []string) ([]*addrmgr.NetAddress, error) {
	var errs error
	result := make([]*addrmgr.NetAddress, 0, len(addrs))
	for _, addr := range addrs {
		na, err := s.addrManager.DeserializeNetAddress(addr, wire.SFNodeNetwork)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("unable to resolve "+
				"peer %s: %w", addr, err))
			continue
		}
		result = append(result, na)
	}
	return result, errs
}

// onAddr is invoked when a connected peer announces addresses.
func (s *server) onAddr(p *peer.Peer, addrList []*wire.NetAddress) {
	if err := s.addGossipedAddrs(p.Addr(), p.Services(), addrList); err != nil {
		srvrLog.Debugf("Ignoring addresses from %s: %v", p, err)
	}
}

// addGossipedAddrs adds the addresses announced by the peer at src to the
// address manager with the peer as their source.
func (s *server) addGossipedAddrs(src string, services wire.ServiceFlag, addrList []*wire.NetAddress) error {
	if len(addrList) == 0 {
		return nil
	}
	if len(addrList) > maxAddrsPerMsg {
		addrList = addrList[:maxAddrsPerMsg]
	}
	srcAddr, err := addrmgr.ParseNetAddress(src, services)
	if err != nil {
		return err
	}

	now := time.Now()
	addrs := make([]*addrmgr.NetAddress, 0, len(addrList))
	for _, na := range addrList {
		// Addresses claiming to be seen in the future are given a last seen
		// time of five days ago so they are not preferred.
		if na.Timestamp.After(now.Add(time.Minute * 10)) {
			na.Timestamp = now.Add(-time.Hour * 24 * 5)
		}
		addrs = append(addrs, addrmgr.NewNetAddressFromWire(na))
	}
	s.addrManager.AddAddresses(addrs, srcAddr)
	return nil
}

// onSeed adds the addresses returned by the DNS seeders to the address
// manager.
func (s *server) onSeed(addrs []*addrmgr.NetAddress) {
	// Use the first address as the source since seeders do not gossip.
	if len(addrs) == 0 {
		return
	}
	s.addrManager.AddAddresses(addrs, addrs[0])
}

// seedFromDNS queries the DNS seeders of the active network for addresses when
// discovery is enabled and the address manager needs more of them.
func (s *server) seedFromDNS(ctx context.Context) {
	if !s.discovery || s.cfg.NoSeeders || !s.addrManager.NeedMoreAddresses() {
		return
	}
	defaultPort, err := strconv.ParseUint(s.chainParams.DefaultPort, 10, 16)
	if err != nil {
		srvrLog.Errorf("Invalid default port %q: %v",
			s.chainParams.DefaultPort, err)
		return
	}
	connmgr.SeedFromDNS(ctx, s.chainParams.DNSSeeds, uint16(defaultPort),
		requiredServices, s.lookup, s.onSeed)
}

// Run starts the server and blocks until the provided context is cancelled.
// This entails loading the known addresses, seeding the address manager when
// needed, and running the connection manager until shutdown.
func (s *server) Run(ctx context.Context) error {
	srvrLog.Trace("Starting server")

	if err := s.addrManager.Start(); err != nil {
		return fmt.Errorf("unable to load known addresses: %w", err)
	}
	srvrLog.Infof("Loaded %d known addresses", s.addrManager.NumAddresses())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.seedFromDNS(ctx)
	}()

	s.connManager.Run(ctx)
	s.wg.Wait()

	srvrLog.Info("Server shutting down")
	return s.addrManager.Stop()
}

// newServer returns a new dcrconnd server configured to maintain outbound
// connections on the network specified by the configuration.  The server
// metrics are registered with the provided registry.
func newServer(cfg *config, registry *prometheus.Registry) (*server, error) {
	s := &server{
		cfg:         cfg,
		chainParams: cfg.params,
		registry:    registry,
	}
	s.addrManager = addrmgr.New(&addrmgr.Config{
		DataDir:      cfg.DataDir,
		LookupFunc:   s.addrManagerLookup,
		AllowPrivate: cfg.AllowPrivate,
		MaxAddresses: cfg.MaxAddresses,
	})

	addPeers, errAdd := s.resolvePeers(cfg.AddPeers)
	connectPeers, errConnect := s.resolvePeers(cfg.ConnectPeers)
	if err := multierr.Combine(errAdd, errConnect); err != nil {
		return nil, err
	}

	s.factory = peer.NewFactory(&peer.Config{
		Net:              cfg.params.Net,
		UserAgentVersion: version.String(),
		Proxy:            cfg.Proxy,
		ProxyUser:        cfg.ProxyUser,
		ProxyPass:        cfg.ProxyPass,
		OnAddr:           s.onAddr,
	})

	settings := &connmgr.Settings{
		AddPeers:     addPeers,
		ConnectPeers: connectPeers,
		MaxOutbound:  cfg.MaxOutbound,
		DialTimeout:  cfg.DialTimeout,
	}
	connectorCfg := &connmgr.ConnectorConfig{
		Settings:    settings,
		AddrManager: s.addrManager,
		PeerFactory: &connPeerFactory{factory: s.factory},
	}
	addNode, err := connmgr.NewAddNodeConnector(connectorCfg)
	if err != nil {
		return nil, err
	}
	connectNode, err := connmgr.NewConnectNodeConnector(connectorCfg)
	if err != nil {
		return nil, err
	}
	discovery, err := connmgr.NewDiscoveryConnector(connectorCfg)
	if err != nil {
		return nil, err
	}
	s.discovery = discovery.CanStartConnect()

	err = multierr.Combine(
		registry.Register(collectors.NewGoCollector()),
		registry.Register(collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{})),
		registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "dcrconnd_addrmgr_addresses",
			Help: "Number of addresses known to the address manager.",
		}, func() float64 {
			return float64(s.addrManager.NumAddresses())
		})),
	)
	if err != nil {
		return nil, err
	}

	s.connManager, err = connmgr.New(&connmgr.Config{
		AddrManager: s.addrManager,
		Connectors:  []connmgr.Connector{addNode, connectNode, discovery},
		MaxOutbound: cfg.MaxOutbound,
		Registerer:  registry,
		OnConnection: func(p connmgr.Peer) {
			srvrLog.Infof("New peer %s", p)
		},
		OnDisconnection: func(p connmgr.Peer) {
			srvrLog.Infof("Lost peer %s", p)
		},
	})
	if err != nil {
		return nil, err
	}

	return s, nil
}
