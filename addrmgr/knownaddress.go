// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"sync"
	"time"
)

// KnownAddress tracks information about a known network address that is used
// to determine how viable an address is.
type KnownAddress struct {
	// mtx is used to ensure safe concurrent access to methods on a known
	// address instance.
	mtx sync.Mutex

	// na is the primary network address that the known address represents.
	// It is replaced rather than mutated so that references handed out to
	// callers remain stable.
	na *NetAddress

	// srcAddr is the network address of the peer that most recently
	// suggested the primary network address.
	srcAddr *NetAddress

	// The following fields track the attempts made to connect to the primary
	// network address.  Initially connecting to a peer counts as an attempt,
	// and a successful handshake resets the number of attempts to zero.
	attempts    int
	lastattempt time.Time
	lastsuccess time.Time
}

// NetAddress returns the underlying addrmgr.NetAddress associated with the
// known address.
func (ka *KnownAddress) NetAddress() *NetAddress {
	ka.mtx.Lock()
	defer ka.mtx.Unlock()
	return ka.na
}

// SrcAddress returns the address of the peer that last reported the known
// address.
func (ka *KnownAddress) SrcAddress() *NetAddress {
	ka.mtx.Lock()
	defer ka.mtx.Unlock()
	return ka.srcAddr
}

// Attempts returns the number of failed connection attempts since the last
// success.
func (ka *KnownAddress) Attempts() int {
	ka.mtx.Lock()
	defer ka.mtx.Unlock()
	return ka.attempts
}

// LastAttempt returns the last time the known address was attempted.
func (ka *KnownAddress) LastAttempt() time.Time {
	ka.mtx.Lock()
	defer ka.mtx.Unlock()
	return ka.lastattempt
}

// LastSuccess returns the last time a connection to the known address
// completed its handshake.
func (ka *KnownAddress) LastSuccess() time.Time {
	ka.mtx.Lock()
	defer ka.mtx.Unlock()
	return ka.lastsuccess
}

// selectionState is a consistent snapshot of the fields used to rank a known
// address for selection.
type selectionState struct {
	na          *NetAddress
	attempts    int
	lastattempt time.Time
	stale       bool
}

// snapshot returns the selection state of the known address as of now.
func (ka *KnownAddress) snapshot(now time.Time) selectionState {
	ka.mtx.Lock()
	defer ka.mtx.Unlock()
	return selectionState{
		na:          ka.na,
		attempts:    ka.attempts,
		lastattempt: ka.lastattempt,
		stale:       ka.isBadLocked(now),
	}
}

// isBad returns true if the address in question has not been tried in the last
// minute and meets one of the following criteria:
// 1) It claims to be from the future
// 2) It hasn't been seen in over a month
// 3) It has failed at least three times and never succeeded
// 4) It has failed a total of maxFailures in the last week
// An address that meets any of these criteria is assumed to be worthless.
func (ka *KnownAddress) isBad(now time.Time) bool {
	ka.mtx.Lock()
	defer ka.mtx.Unlock()
	return ka.isBadLocked(now)
}

// isBadLocked is the implementation of isBad.
//
// This function MUST be called with the known address mutex held.
func (ka *KnownAddress) isBadLocked(now time.Time) bool {
	switch {
	// Wait a minute after the last check.
	case ka.lastattempt.After(now.Add(-1 * time.Minute)):
		return false

	// From the future?
	case ka.na.Timestamp.After(now.Add(10 * time.Minute)):
		return true

	// Over a month old?
	case ka.na.Timestamp.Before(now.Add(-1 * numMissingDays * time.Hour * 24)):
		return true

	// Never succeeded?
	case ka.lastsuccess.IsZero() && ka.attempts >= numRetries:
		return true

	// Hasn't succeeded in too long?
	case !ka.lastsuccess.After(now.Add(-1*minBadDays*time.Hour*24)) &&
		ka.attempts >= maxFailures:
		return true

	default:
		return false
	}
}
