// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2016-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/container/lru"
	"github.com/decred/dcrd/crypto/rand"
	"github.com/decred/dcrd/wire"
	"github.com/decred/go-socks/socks"
)

const (
	// MaxProtocolVersion is the max protocol version the peer supports.
	MaxProtocolVersion = wire.BatchedCFiltersV2Version

	// MinProtocolVersion is the oldest protocol version a remote peer may
	// advertise.
	MinProtocolVersion = wire.RemoveRejectVersion

	// DefaultUserAgentName is the user agent name advertised when none is
	// configured.
	DefaultUserAgentName = "dcrconnd"

	// DefaultNegotiateTimeout is the time allowed for the version handshake
	// when the caller does not provide a timeout.
	DefaultNegotiateTimeout = time.Second * 30

	// maxKnownNonces is the number of version nonces remembered in order to
	// detect self connections.
	maxKnownNonces = 50

	// idleTimeout is the duration of inactivity before a hand-shaked peer is
	// disconnected.
	idleTimeout = time.Minute * 5
)

// Config is the struct to hold configuration options useful to a peer
// factory.
type Config struct {
	// Net identifies the network the peer is associated with.
	Net wire.CurrencyNet

	// Services specifies which services to advertise as supported.
	Services wire.ServiceFlag

	// UserAgentName specifies the user agent name to advertise.  Defaults
	// to DefaultUserAgentName.
	UserAgentName string

	// UserAgentVersion specifies the user agent version to advertise.
	UserAgentVersion string

	// Proxy is the address of a SOCKS5 proxy to dial through when set.
	Proxy     string
	ProxyUser string
	ProxyPass string

	// Dial overrides how connections are established.  It is ignored when
	// a proxy is configured.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)

	// OnAddr is invoked with the addresses announced by a hand-shaked peer.
	// Outbound peers are asked for addresses after the handshake when it is
	// set.
	OnAddr func(p *Peer, addrs []*wire.NetAddress)
}

// Factory creates outbound peers that have completed the version handshake.
type Factory struct {
	cfg        Config
	dial       func(ctx context.Context, network, addr string) (net.Conn, error)
	sentNonces *lru.Set[uint64]
}

// NewFactory returns a peer factory for the provided configuration.
func NewFactory(cfg *Config) *Factory {
	f := &Factory{
		cfg:        *cfg,
		sentNonces: lru.NewSet[uint64](maxKnownNonces),
	}
	if f.cfg.UserAgentName == "" {
		f.cfg.UserAgentName = DefaultUserAgentName
	}
	switch {
	case f.cfg.Proxy != "":
		proxy := &socks.Proxy{
			Addr:     f.cfg.Proxy,
			Username: f.cfg.ProxyUser,
			Password: f.cfg.ProxyPass,
		}
		f.dial = proxy.DialContext
	case f.cfg.Dial != nil:
		f.dial = f.cfg.Dial
	default:
		var d net.Dialer
		f.dial = d.DialContext
	}
	return f
}

// Peer is a remote peer that completed the version handshake.
type Peer struct {
	f    *Factory
	conn net.Conn
	addr string

	handShaked atomic.Bool

	// The following fields are set by the handshake and are immutable
	// afterwards.
	protocolVersion uint32
	services        wire.ServiceFlag
	userAgent       string
	lastBlock       int32

	writeMtx   sync.Mutex
	disconnect sync.Once
	quit       chan struct{}
}

// Addr returns the endpoint of the peer.
func (p *Peer) Addr() string {
	return p.addr
}

// String returns the peer's address and directionality as a human-readable
// string.
func (p *Peer) String() string {
	return fmt.Sprintf("%s (%s)", p.addr, directionString(p.Inbound()))
}

// HandShaked returns whether the version handshake completed.
func (p *Peer) HandShaked() bool {
	return p.handShaked.Load()
}

// Inbound returns whether the remote side initiated the connection.  Peers
// created by a Factory are always outbound.
func (p *Peer) Inbound() bool {
	return false
}

// ProtocolVersion returns the negotiated protocol version.
func (p *Peer) ProtocolVersion() uint32 {
	return p.protocolVersion
}

// Services returns the services advertised by the remote peer.
func (p *Peer) Services() wire.ServiceFlag {
	return p.services
}

// UserAgent returns the user agent advertised by the remote peer.
func (p *Peer) UserAgent() string {
	return p.userAgent
}

// LastBlock returns the block height advertised by the remote peer.
func (p *Peer) LastBlock() int32 {
	return p.lastBlock
}

// Disconnect closes the connection.  It is safe to call more than once.
func (p *Peer) Disconnect() {
	p.disconnect.Do(func() {
		log.Tracef("Disconnecting %s", p)
		p.handShaked.Store(false)
		close(p.quit)
		_ = p.conn.Close()
	})
}

// WaitForDisconnect blocks until the peer is disconnected.
func (p *Peer) WaitForDisconnect() {
	<-p.quit
}

// writeMessage writes the message to the connection using the negotiated
// protocol version.
func (p *Peer) writeMessage(msg wire.Message, pver uint32) error {
	p.writeMtx.Lock()
	defer p.writeMtx.Unlock()

	log.Debugf("Sending %v%s to %s", msg.Command(), summarySuffix(msg), p)
	return wire.WriteMessage(p.conn, msg, pver, p.f.cfg.Net)
}

// readMessage reads the next message from the connection.
func (p *Peer) readMessage(pver uint32) (wire.Message, error) {
	msg, _, err := wire.ReadMessage(p.conn, pver, p.f.cfg.Net)
	if err != nil {
		return nil, err
	}
	log.Debugf("Received %v%s from %s", msg.Command(), summarySuffix(msg), p)
	return msg, nil
}

// summarySuffix returns the message summary prefixed for logging.
func summarySuffix(msg wire.Message) string {
	if summary := messageSummary(msg); summary != "" {
		return " (" + summary + ")"
	}
	return ""
}

// localVersionMsg creates the version message advertised to the remote peer.
func (p *Peer) localVersionMsg(nonce uint64) (*wire.MsgVersion, error) {
	theirNA := &wire.NetAddress{Timestamp: time.Unix(time.Now().Unix(), 0)}
	if tcpAddr, ok := p.conn.RemoteAddr().(*net.TCPAddr); ok {
		theirNA = wire.NewNetAddressIPPort(tcpAddr.IP, uint16(tcpAddr.Port),
			0)
	}
	ourNA := &wire.NetAddress{
		Timestamp: time.Unix(time.Now().Unix(), 0),
		Services:  p.f.cfg.Services,
	}

	msg := wire.NewMsgVersion(ourNA, theirNA, nonce, 0)
	if err := msg.AddUserAgent(p.f.cfg.UserAgentName,
		p.f.cfg.UserAgentVersion); err != nil {

		return nil, err
	}
	msg.ProtocolVersion = int32(MaxProtocolVersion)
	msg.Services = p.f.cfg.Services
	msg.DisableRelayTx = true
	return msg, nil
}

// handleRemoteVersionMsg validates the remote version message and records
// the negotiated parameters.
func (p *Peer) handleRemoteVersionMsg(msg *wire.MsgVersion) error {
	if p.f.sentNonces.Contains(msg.Nonce) {
		return makeError(ErrSelfConnection, "disconnecting peer connected "+
			"to self")
	}
	if msg.ProtocolVersion < int32(MinProtocolVersion) {
		str := fmt.Sprintf("protocol version %d is older than the minimum "+
			"required version %d", msg.ProtocolVersion, MinProtocolVersion)
		return makeError(ErrProtocolVersion, str)
	}

	p.protocolVersion = MaxProtocolVersion
	if uint32(msg.ProtocolVersion) < p.protocolVersion {
		p.protocolVersion = uint32(msg.ProtocolVersion)
	}
	p.services = msg.Services
	p.userAgent = msg.UserAgent
	p.lastBlock = msg.LastBlock
	return nil
}

// negotiateOutboundProtocol sends our version message, waits for the remote
// version message, acknowledges it and waits for the remote
// acknowledgement.
func (p *Peer) negotiateOutboundProtocol() error {
	nonce := rand.Uint64()
	p.f.sentNonces.Put(nonce)
	localVer, err := p.localVersionMsg(nonce)
	if err != nil {
		return err
	}
	if err := p.writeMessage(localVer, MaxProtocolVersion); err != nil {
		return err
	}

	msg, err := p.readMessage(MaxProtocolVersion)
	if err != nil {
		return err
	}
	remoteVer, ok := msg.(*wire.MsgVersion)
	if !ok {
		str := fmt.Sprintf("expected version message, got %s",
			msg.Command())
		return makeError(ErrUnexpectedMessage, str)
	}
	if err := p.handleRemoteVersionMsg(remoteVer); err != nil {
		return err
	}
	if err := p.writeMessage(wire.NewMsgVerAck(), p.protocolVersion); err != nil {
		return err
	}

	msg, err = p.readMessage(p.protocolVersion)
	if err != nil {
		return err
	}
	if _, ok := msg.(*wire.MsgVerAck); !ok {
		str := fmt.Sprintf("expected verack message, got %s",
			msg.Command())
		return makeError(ErrUnexpectedMessage, str)
	}
	return nil
}

// inHandler drains messages from the hand-shaked peer so that remote
// disconnects are noticed.  Pings are answered and announced addresses are
// handed to the configured callback.
func (p *Peer) inHandler() {
	defer p.Disconnect()

	pver := p.protocolVersion
	for {
		_ = p.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		msg, err := p.readMessage(pver)
		if err != nil {
			select {
			case <-p.quit:
			default:
				if !errors.Is(err, io.EOF) {
					log.Debugf("Unable to read message from %s: %v", p,
						err)
				}
			}
			return
		}

		switch msg := msg.(type) {
		case *wire.MsgPing:
			if err := p.writeMessage(wire.NewMsgPong(msg.Nonce), pver); err != nil {
				log.Debugf("Unable to send pong to %s: %v", p, err)
				return
			}

		case *wire.MsgAddr:
			if p.f.cfg.OnAddr != nil {
				p.f.cfg.OnAddr(p, msg.AddrList)
			}

		case *wire.MsgVersion, *wire.MsgVerAck:
			log.Debugf("Disconnecting %s after duplicate %s", p,
				msg.Command())
			return
		}
	}
}

// Connect dials the address and completes the version handshake within the
// timeout.  The returned peer is hand-shaked and remains connected until it
// is disconnected by either side.
func (f *Factory) Connect(ctx context.Context, addr string, timeout time.Duration) (*Peer, error) {
	if timeout <= 0 {
		timeout = DefaultNegotiateTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := f.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	p := &Peer{
		f:    f,
		conn: conn,
		addr: addr,
		quit: make(chan struct{}),
	}

	// Bound the handshake by the context.
	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	err = p.negotiateOutboundProtocol()
	if !stop() || err != nil {
		p.Disconnect()
		if err == nil {
			err = ctx.Err()
		}
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	p.handShaked.Store(true)
	log.Debugf("Connected to %s (agent %s, pver %d, services %v)", p,
		p.userAgent, p.protocolVersion, p.services)

	go p.inHandler()
	if f.cfg.OnAddr != nil {
		go func() {
			if err := p.writeMessage(wire.NewMsgGetAddr(),
				p.protocolVersion); err != nil {

				log.Debugf("Unable to request addresses from %s: %v", p, err)
			}
		}()
	}
	return p, nil
}
