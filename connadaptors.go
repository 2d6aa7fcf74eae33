// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"

	"github.com/decred/dcrconnd/addrmgr"
	"github.com/decred/dcrconnd/connmgr"
	"github.com/decred/dcrconnd/peer"
)

// connPeerFactory provides a peer factory for use with the connection
// connectors and implements the connmgr.PeerFactory interface.
type connPeerFactory struct {
	factory *peer.Factory
}

// Ensure connPeerFactory implements the connmgr.PeerFactory interface.
var _ connmgr.PeerFactory = (*connPeerFactory)(nil)

// ConnectPeer dials the address and completes the version handshake within the
// timeout of the connection parameters.
//
// This function is safe for concurrent access and is part of the
// connmgr.PeerFactory interface implementation.
func (f *connPeerFactory) ConnectPeer(ctx context.Context, addr *addrmgr.NetAddress, params *connmgr.ConnParams) (connmgr.Peer, error) {
	p, err := f.factory.Connect(ctx, addr.Key(), params.Timeout)
	if err != nil {
		return nil, err
	}
	return p, nil
}
