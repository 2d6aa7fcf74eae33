// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import "context"

// AddNodeConnector maintains connections to the operator configured peers
// that should always be connected to.  It is not limited by the global
// outbound ceiling.
type AddNodeConnector struct {
	connectorBase
}

// Ensure AddNodeConnector implements the Connector interface.
var _ Connector = (*AddNodeConnector)(nil)

// NewAddNodeConnector returns a connector for the AddPeers of the settings.
func NewAddNodeConnector(cfg *ConnectorConfig) (*AddNodeConnector, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &AddNodeConnector{
		connectorBase: newConnectorBase("addnode", cfg, true,
			cfg.Settings.AddNodeInterval),
	}, nil
}

// CanStartConnect always returns true since an empty list simply results in
// no connections.
//
// This is part of the Connector interface.
func (c *AddNodeConnector) CanStartConnect() bool {
	return true
}

// MaxOutboundConnections returns the number of configured peers.
//
// This is part of the Connector interface.
func (c *AddNodeConnector) MaxOutboundConnections() int {
	return len(c.settings.AddPeers)
}

// Initialize binds the connector to the host and adds the configured peers to
// the address store.
//
// This is part of the Connector interface.
func (c *AddNodeConnector) Initialize(host ConnectorHost) {
	c.bind(host)
	c.registerStatic(c.settings.AddPeers)
}

// OnConnect connects to every configured peer that is not connected or being
// connected to.
//
// This is part of the Connector interface.
func (c *AddNodeConnector) OnConnect(ctx context.Context) {
	host, ok := c.beginIteration(ctx)
	if !ok {
		return
	}
	c.connectAll(ctx, host, c.staticCandidates(host, c.settings.AddPeers))
}
