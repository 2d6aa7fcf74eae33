// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package connmgr implements a generic outbound connection manager driven by
pluggable connection strategies.

Three connectors are provided.  The AddNode connector keeps operator
configured peers connected regardless of the outbound ceiling.  The ConnectNode
connector restricts outbound connections to the operator configured connect
list and, when that list is not empty, disables discovery.  The Discovery
connector fills the remaining outbound capacity with addresses selected from
the address manager.

The connection manager owns the authoritative set of connected peers.  Each
outbound attempt first reserves its endpoint so no two connectors ever dial the
same peer, and a successful connection is linked to its connector in the same
critical section that publishes it.
*/
package connmgr
