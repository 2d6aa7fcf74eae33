// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import "context"

// DiscoveryConnector opportunistically connects to peers selected from the
// address store up to the outbound ceiling.
type DiscoveryConnector struct {
	connectorBase

	// static holds the endpoints claimed by the operator configured lists.
	static map[string]struct{}
}

// Ensure DiscoveryConnector implements the Connector interface.
var _ Connector = (*DiscoveryConnector)(nil)

// NewDiscoveryConnector returns a connector that selects peers from the
// address store.
func NewDiscoveryConnector(cfg *ConnectorConfig) (*DiscoveryConnector, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := cfg.Settings
	static := make(map[string]struct{}, len(s.AddPeers)+len(s.ConnectPeers))
	for _, na := range s.AddPeers {
		static[na.Key()] = struct{}{}
	}
	for _, na := range s.ConnectPeers {
		static[na.Key()] = struct{}{}
	}
	return &DiscoveryConnector{
		connectorBase: newConnectorBase("discovery", cfg, false,
			s.DiscoveryInterval),
		static: static,
	}, nil
}

// CanStartConnect returns true when no connect peers are configured and the
// outbound ceiling allows any connections.
//
// This is part of the Connector interface.
func (c *DiscoveryConnector) CanStartConnect() bool {
	return len(c.settings.ConnectPeers) == 0 && c.settings.MaxOutbound > 0
}

// MaxOutboundConnections returns the outbound ceiling, or zero when the
// connector is disabled.
//
// This is part of the Connector interface.
func (c *DiscoveryConnector) MaxOutboundConnections() int {
	if len(c.settings.ConnectPeers) > 0 {
		return 0
	}
	return c.settings.MaxOutbound
}

// Initialize binds the connector to the host.
//
// This is part of the Connector interface.
func (c *DiscoveryConnector) Initialize(host ConnectorHost) {
	c.bind(host)
}

// remaining returns how many more peers the connector may connect to.
func (c *DiscoveryConnector) remaining(host ConnectorHost) int {
	n := c.MaxOutboundConnections() - c.numPeers()
	if slots := host.OutboundSlots(); slots < n {
		n = slots
	}
	return n
}

// OnConnect selects up to the remaining capacity worth of candidates from the
// address store and connects to them.
//
// This is part of the Connector interface.
func (c *DiscoveryConnector) OnConnect(ctx context.Context) {
	host, ok := c.beginIteration(ctx)
	if !ok {
		return
	}
	n := c.remaining(host)
	if n <= 0 {
		return
	}

	exclude := host.ExcludedAddrs()
	for key := range c.static {
		exclude[key] = struct{}{}
	}
	candidates := c.store.SelectPeersToConnectTo(exclude, n)
	if len(candidates) == 0 {
		log.Debugf("%s connector: no eligible addresses", c.name)
		return
	}
	c.connectAll(ctx, host, candidates)
}
