// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"context"
	"fmt"
	"io"
	"net"
)

const (
	torGeneralError      = 0x01
	torNotAllowed        = 0x02
	torNetUnreachable    = 0x03
	torHostUnreachable   = 0x04
	torConnectionRefused = 0x05
	torTTLExpired        = 0x06
	torCmdNotSupported   = 0x07
	torAddrNotSupported  = 0x08

	torATypeIPv4       = 1
	torATypeDomainName = 3
	torATypeIPv6       = 4

	torCmdResolve = 240
)

var (
	torStatusErrors = map[byte]error{
		torGeneralError:      makeError(ErrTorGeneralError, "tor general error"),
		torNotAllowed:        makeError(ErrTorNotAllowed, "tor not allowed"),
		torNetUnreachable:    makeError(ErrTorNetUnreachable, "tor network is unreachable"),
		torHostUnreachable:   makeError(ErrTorHostUnreachable, "tor host is unreachable"),
		torConnectionRefused: makeError(ErrTorConnectionRefused, "tor connection refused"),
		torTTLExpired:        makeError(ErrTorTTLExpired, "tor TTL expired"),
		torCmdNotSupported:   makeError(ErrTorCmdNotSupported, "tor command not supported"),
		torAddrNotSupported:  makeError(ErrTorAddrNotSupported, "tor address type not supported"),
	}
)

// torReadFull reads exactly len(buf) bytes from the proxy.
func torReadFull(conn net.Conn, buf []byte) error {
	_, err := io.ReadFull(conn, buf)
	return err
}

// TorLookupIP uses Tor to resolve DNS via the passed SOCKS proxy.  The
// context bounds the entire exchange.
func TorLookupIP(ctx context.Context, host, proxy string) ([]net.IP, error) {
	if len(host) > 255 {
		return nil, makeError(ErrTorInvalidAddressResponse,
			"host name too long")
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", proxy)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	buf := []byte{0x05, 0x01, 0x00}
	if _, err := conn.Write(buf); err != nil {
		return nil, err
	}

	buf = make([]byte, 2)
	if err := torReadFull(conn, buf); err != nil {
		return nil, err
	}
	if buf[0] != 0x05 {
		return nil, makeError(ErrTorInvalidProxyResponse,
			"invalid SOCKS proxy version")
	}
	if buf[1] != 0x00 {
		return nil, makeError(ErrTorUnrecognizedAuthMethod,
			"invalid proxy authentication method")
	}

	buf = make([]byte, 7+len(host))
	buf[0] = 5 // socks protocol version
	buf[1] = torCmdResolve
	buf[2] = 0 // reserved
	buf[3] = torATypeDomainName
	buf[4] = byte(len(host))
	copy(buf[5:], host)
	buf[5+len(host)] = 0 // Port 0

	if _, err := conn.Write(buf); err != nil {
		return nil, err
	}

	buf = make([]byte, 4)
	if err := torReadFull(conn, buf); err != nil {
		return nil, err
	}
	if buf[0] != 5 {
		return nil, makeError(ErrTorInvalidProxyResponse,
			"invalid SOCKS proxy version")
	}
	if buf[1] != 0 {
		err, exists := torStatusErrors[buf[1]]
		if !exists {
			err = makeError(ErrTorInvalidProxyResponse,
				fmt.Sprintf("unknown SOCKS reply status %d", buf[1]))
		}
		return nil, err
	}

	var addrLen int
	switch buf[3] {
	case torATypeIPv4:
		addrLen = net.IPv4len
	case torATypeIPv6:
		addrLen = net.IPv6len
	default:
		return nil, makeError(ErrTorInvalidAddressResponse,
			"unknown address type")
	}

	// The reply is the address followed by a two byte port.
	reply := make([]byte, addrLen+2)
	if err := torReadFull(conn, reply); err != nil {
		return nil, makeError(ErrTorInvalidAddressResponse,
			fmt.Sprintf("short address reply: %v", err))
	}
	addr := make(net.IP, addrLen)
	copy(addr, reply[:addrLen])
	return []net.IP{addr}, nil
}
