// Copyright (c) 2014 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package addrmgr implements a concurrency-safe address book of peer endpoints.

# Address Manager Overview

A node must manage a source of endpoints to connect to.  Endpoints arrive from
the operator configuration, from DNS seeds, and from other peers through
address gossip.  Remote peers cannot be trusted, so the address manager
records where each endpoint came from, tracks the outcome of connection
attempts, and uses that history to rank endpoints when a caller asks for
candidates.

The caller adds addresses to the address manager and notifies it when
addresses are attempted, connected and known good.  Selection then prefers
endpoints that are not stale and have the best connection history, skips
endpoints attempted within a cooldown window and never returns two endpoints
from the same network group in one call.  Network groups are the /16 for IPv4
and the /32 for IPv6 so that an attacker controlling a single range cannot
dominate the selected set.

# Concurrency

Addresses are spread over independently locked shards chosen by a keyed hash
of the endpoint, and each record carries its own lock.  No operation holds a
lock across the whole address book.

# Persistence

Known addresses are saved to peers.json in the configured data directory
periodically and on Stop, and are loaded by Start.  A peers file that exists
but cannot be decoded is reported as ErrCorruptPeersFile.
*/
package addrmgr
