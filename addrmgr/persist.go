// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/decred/dcrd/wire"
)

// serializedKnownAddress is used to represent the serializable state of a
// known address.
type serializedKnownAddress struct {
	Addr        string
	Src         string
	Services    wire.ServiceFlag
	Attempts    int
	TimeStamp   int64
	LastAttempt int64
	LastSuccess int64
}

// serializedAddrManager is used to represent the serializable state of an
// address manager instance.
type serializedAddrManager struct {
	Version   int
	Addresses []*serializedKnownAddress
}

// unixOrZero returns the unix time of t, or zero for the zero time.
func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// timeOrZero is the inverse of unixOrZero.
func timeOrZero(secs int64) time.Time {
	if secs == 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}

// savePeers saves all the known addresses to a file so they can be read back
// in at next run.
func (a *AddrManager) savePeers() {
	a.saveMtx.Lock()
	defer a.saveMtx.Unlock()

	if !a.addrChanged.Swap(false) {
		// Nothing changed since last savePeers call.
		return
	}

	sam := serializedAddrManager{Version: serialisationVersion}
	a.forEach(func(key string, ka *KnownAddress) {
		ka.mtx.Lock()
		ska := &serializedKnownAddress{
			Addr:        key,
			Services:    ka.na.Services,
			Attempts:    ka.attempts,
			TimeStamp:   unixOrZero(ka.na.Timestamp),
			LastAttempt: unixOrZero(ka.lastattempt),
			LastSuccess: unixOrZero(ka.lastsuccess),
		}
		if ka.srcAddr != nil {
			ska.Src = ka.srcAddr.Key()
		}
		ka.mtx.Unlock()
		sam.Addresses = append(sam.Addresses, ska)
	})

	if err := writePeersFile(a.peersFile, &sam); err != nil {
		log.Error(err)
		a.addrChanged.Store(true)
		return
	}
	log.Debugf("Saved %d addresses to %s", len(sam.Addresses), a.peersFile)
}

// writePeersFile writes a temporary peers file and then moves it into place.
func writePeersFile(peersFile string, sam *serializedAddrManager) error {
	tmpfile := peersFile + ".new"
	w, err := os.Create(tmpfile)
	if err != nil {
		return fmt.Errorf("error opening file %s: %w", tmpfile, err)
	}
	enc := json.NewEncoder(w)
	if err := enc.Encode(sam); err != nil {
		w.Close()
		return fmt.Errorf("failed to encode file %s: %w", tmpfile, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("error closing file %s: %w", tmpfile, err)
	}
	if err := os.Rename(tmpfile, peersFile); err != nil {
		return fmt.Errorf("error writing file %s: %w", peersFile, err)
	}
	return nil
}

// loadPeers loads the known addresses from the peers file.  A missing file is
// not an error.
func (a *AddrManager) loadPeers() error {
	sam, err := readPeersFile(a.peersFile)
	if errors.Is(err, fs.ErrNotExist) {
		log.Debugf("No peers file at %s", a.peersFile)
		return nil
	}
	if err != nil {
		str := fmt.Sprintf("failed to parse file %s: %v", a.peersFile, err)
		return makeError(ErrCorruptPeersFile, str)
	}

	for _, v := range sam.Addresses {
		na, err := ParseNetAddress(v.Addr, v.Services)
		if err != nil {
			str := fmt.Sprintf("failed to parse file %s: address %q: %v",
				a.peersFile, v.Addr, err)
			return makeError(ErrCorruptPeersFile, str)
		}
		na.Timestamp = timeOrZero(v.TimeStamp)

		var src *NetAddress
		if v.Src != "" {
			src, err = ParseNetAddress(v.Src, 0)
			if err != nil {
				str := fmt.Sprintf("failed to parse file %s: source %q: %v",
					a.peersFile, v.Src, err)
				return makeError(ErrCorruptPeersFile, str)
			}
		}

		a.updateAddress(na, src)
		ka := a.find(na.Key())
		if ka == nil {
			// Evicted to stay within the configured bound.
			continue
		}
		ka.mtx.Lock()
		ka.attempts = v.Attempts
		ka.lastattempt = timeOrZero(v.LastAttempt)
		ka.lastsuccess = timeOrZero(v.LastSuccess)
		ka.mtx.Unlock()
	}

	// Freshly loaded state matches the file.
	a.addrChanged.Store(false)
	log.Infof("Loaded %d addresses from file '%s'", a.NumAddresses(),
		a.peersFile)
	return nil
}

// readPeersFile decodes the peers file at the provided path.
func readPeersFile(filePath string) (*serializedAddrManager, error) {
	r, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var sam serializedAddrManager
	if err := json.NewDecoder(r).Decode(&sam); err != nil {
		return nil, err
	}
	if sam.Version != serialisationVersion {
		return nil, fmt.Errorf("unknown version %v in serialized "+
			"addrmanager", sam.Version)
	}
	return &sam, nil
}
