// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
dcrconnd maintains a healthy set of outbound peer connections to the Decred
network.

Three strategies cooperate to pick the peers.  Peers given with --addpeer are
always kept connected.  Peers given with --connect are the only peers connected
to and disable discovery.  Otherwise, discovery selects peers from the address
book, which is seeded from DNS and grown from the addresses connected peers
announce, up to the --maxoutbound ceiling while preferring distinct network
groups.

The default options are sane for most users.  The long form of all of the
options (except -C) can be specified in a configuration file that is
automatically parsed when dcrconnd starts up.  By default, the configuration
file is located at ~/.dcrconnd/dcrconnd.conf on POSIX-style operating systems
and %LOCALAPPDATA%\dcrconnd\dcrconnd.conf on Windows.  The -C (--configfile)
flag, as shown below, can be used to override this location.

Usage:

	dcrconnd [OPTIONS]

Application Options:

	-V, --version         Display version information and exit
	-A, --appdata=        Path to application home directory
	-C, --configfile=     Path to configuration file
	-b, --datadir=        Directory to store data
	    --logdir=         Directory to log output
	    --logsize=        Maximum size of log file before it is rotated (K, M
	                      or G suffix) (default: 10M)
	    --nofilelogging   Disable file logging
	-d, --debuglevel=     Logging level for all subsystems {trace, debug, info,
	                      warn, error, critical} -- You may also specify
	                      <subsystem>=<level>,<subsystem2>=<level>,... to set
	                      the log level for individual subsystems -- Use show
	                      to list available subsystems (default: info)
	    --metrics=        Serve prometheus metrics on the provided address
	                      (e.g. 127.0.0.1:9130).  Only the port may be provided
	                      to bind to localhost.
	    --testnet         Use the test network
	    --simnet          Use the simulation test network
	    --regnet          Use the regression test network
	-a, --addpeer=        Add a peer to connect with at startup and keep
	                      connected regardless of the outbound ceiling
	    --connect=        Connect only to the specified peers at startup and
	                      disable peer discovery
	    --maxoutbound=    Max number of outbound connections made by peer
	                      discovery (default: 8)
	    --dialtimeout=    Time allowed to dial a peer and complete the version
	                      handshake (default: 30s)
	    --noseeders       Disable seeding for peer discovery
	    --allowprivate    Accept gossiped addresses that are not publicly
	                      routable
	    --maxaddresses=   Max number of addresses kept in the address book
	    --proxy=          Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)
	    --proxyuser=      Username for proxy server
	    --proxypass=      Password for proxy server

Help Options:

	-h, --help            Show this help message
*/
package main
