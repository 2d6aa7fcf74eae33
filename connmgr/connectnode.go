// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import "context"

// ConnectNodeConnector restricts outbound connections to the operator
// configured connect list.  A non-empty connect list disables discovery.
type ConnectNodeConnector struct {
	connectorBase
}

// Ensure ConnectNodeConnector implements the Connector interface.
var _ Connector = (*ConnectNodeConnector)(nil)

// NewConnectNodeConnector returns a connector for the ConnectPeers of the
// settings.
func NewConnectNodeConnector(cfg *ConnectorConfig) (*ConnectNodeConnector, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &ConnectNodeConnector{
		connectorBase: newConnectorBase("connect", cfg, true,
			cfg.Settings.ConnectInterval),
	}, nil
}

// CanStartConnect returns whether any connect peers are configured.
//
// This is part of the Connector interface.
func (c *ConnectNodeConnector) CanStartConnect() bool {
	return len(c.settings.ConnectPeers) > 0
}

// MaxOutboundConnections returns the number of configured connect peers.
//
// This is part of the Connector interface.
func (c *ConnectNodeConnector) MaxOutboundConnections() int {
	return len(c.settings.ConnectPeers)
}

// Initialize binds the connector to the host and adds the configured peers to
// the address store.
//
// This is part of the Connector interface.
func (c *ConnectNodeConnector) Initialize(host ConnectorHost) {
	c.bind(host)
	c.registerStatic(c.settings.ConnectPeers)
}

// OnConnect connects to every configured connect peer that is not connected
// or being connected to.
//
// This is part of the Connector interface.
func (c *ConnectNodeConnector) OnConnect(ctx context.Context) {
	host, ok := c.beginIteration(ctx)
	if !ok {
		return
	}
	c.connectAll(ctx, host, c.staticCandidates(host, c.settings.ConnectPeers))
}
