// Copyright (c) 2016 The btcsuite developers
// Copyright (c) 2019-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/decred/dcrconnd/addrmgr"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/crypto/rand"
	"github.com/decred/dcrd/wire"
	"golang.org/x/sync/errgroup"
)

const (
	// These constants are used by the DNS seed code to pick a random last
	// seen time.
	seedMinAge   = 3 * 24 * time.Hour
	seedAgeRange = 4 * 24 * time.Hour
)

// OnSeed is the signature of the callback function which is invoked when DNS
// seeding is successful.
type OnSeed func(addrs []*addrmgr.NetAddress)

// LookupFunc is the signature of the DNS lookup function.
type LookupFunc func(ctx context.Context, host string) ([]net.IP, error)

// seedHost returns the name to query for the seed.  Seeds that support
// filtering are asked only for nodes with the required services.
func seedHost(seed chaincfg.DNSSeed, reqServices wire.ServiceFlag) string {
	if seed.HasFiltering && reqServices != wire.SFNodeNetwork {
		return fmt.Sprintf("x%x.%s", uint64(reqServices), seed.Host)
	}
	return seed.Host
}

// SeedFromDNS queries every seed concurrently and passes the addresses each
// one returns to the callback.  The addresses are given a last seen time
// between three and seven days ago.  It blocks until all lookups finish.
func SeedFromDNS(ctx context.Context, dnsSeeds []chaincfg.DNSSeed, defaultPort uint16, reqServices wire.ServiceFlag, lookupFn LookupFunc, seedFn OnSeed) {
	g, ctx := errgroup.WithContext(ctx)
	for _, seed := range dnsSeeds {
		host := seedHost(seed, reqServices)
		g.Go(func() error {
			seedpeers, err := lookupFn(ctx, host)
			if err != nil {
				log.Infof("DNS discovery failed on seed %s: %v", host, err)
				return nil
			}
			numPeers := len(seedpeers)

			log.Infof("%d addresses found from DNS seed %s", numPeers, host)

			if numPeers == 0 || ctx.Err() != nil {
				return nil
			}
			now := time.Now()
			addresses := make([]*addrmgr.NetAddress, 0, numPeers)
			for _, ip := range seedpeers {
				na := addrmgr.NewNetAddressIPPort(ip, defaultPort, reqServices)
				na.Timestamp = now.Add(-seedMinAge -
					rand.Duration(seedAgeRange)).Truncate(time.Second)
				addresses = append(addresses, na)
			}
			seedFn(addresses)
			return nil
		})
	}
	_ = g.Wait()
}
