// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrconnd/addrmgr"
	"github.com/decred/dcrconnd/connmgr"
	"github.com/decred/dcrconnd/internal/version"
	"github.com/decred/dcrconnd/sampleconfig"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrutil/v4"
	flags "github.com/jessevdk/go-flags"
	"go.uber.org/multierr"
	"golang.org/x/net/idna"
)

const (
	defaultConfigFilename = "dcrconnd.conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "dcrconnd.log"
	defaultLogLevel       = "info"
	defaultLogSize        = "10M"
	defaultMaxOutbound    = connmgr.DefaultMaxOutbound
	defaultDialTimeout    = connmgr.DefaultDialTimeout
	defaultMaxAddresses   = addrmgr.DefaultMaxAddresses
)

var (
	defaultHomeDir    = dcrutil.AppDataDir("dcrconnd", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// errSuppressUsage signifies that an error that happened during the initial
// configuration phase should suppress the usage output since it was not caused
// by the user.
type errSuppressUsage string

// Error implements the error interface.
func (e errSuppressUsage) Error() string {
	return string(e)
}

// config defines the configuration options for dcrconnd.
//
// See loadConfig for details on the configuration load process.
type config struct {
	// General application behavior.
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	HomeDir     string `short:"A" long:"appdata" description:"Path to application home directory"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store data"`

	// Debugging options.
	LogDir        string `long:"logdir" description:"Directory to log output"`
	LogSize       string `long:"logsize" description:"Maximum size of log file before it is rotated (K, M or G suffix)"`
	NoFileLogging bool   `long:"nofilelogging" description:"Disable file logging"`
	DebugLevel    string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	Metrics       string `long:"metrics" description:"Serve prometheus metrics on the provided address (e.g. 127.0.0.1:9130).  Only the port may be provided to bind to localhost."`

	// Network settings.
	TestNet bool `long:"testnet" description:"Use the test network"`
	SimNet  bool `long:"simnet" description:"Use the simulation test network"`
	RegNet  bool `long:"regnet" description:"Use the regression test network"`

	// Peer connectivity.
	AddPeers     []string      `short:"a" long:"addpeer" description:"Add a peer to connect with at startup and keep connected regardless of the outbound ceiling"`
	ConnectPeers []string      `long:"connect" description:"Connect only to the specified peers at startup and disable peer discovery"`
	MaxOutbound  int           `long:"maxoutbound" description:"Max number of outbound connections made by peer discovery"`
	DialTimeout  time.Duration `long:"dialtimeout" description:"Time allowed to dial a peer and complete the version handshake"`
	NoSeeders    bool          `long:"noseeders" description:"Disable seeding for peer discovery"`
	AllowPrivate bool          `long:"allowprivate" description:"Accept gossiped addresses that are not publicly routable"`
	MaxAddresses int           `long:"maxaddresses" description:"Max number of addresses kept in the address book"`

	// Proxy settings.
	Proxy     string `long:"proxy" description:"Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	ProxyUser string `long:"proxyuser" description:"Username for proxy server"`
	ProxyPass string `long:"proxypass" default-mask:"-" description:"Password for proxy server"`

	// The following fields are set by loadConfig.
	params      *chaincfg.Params
	logSizeKiB  int64
	metricsAddr string
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Nothing to do when no path is given.
	if path == "" {
		return path
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but the variables can still be expanded via POSIX-style
	// $VARIABLE.
	path = os.ExpandEnv(path)

	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser to
	// otheruser's home directory.  On Windows, both forward and backward
	// slashes can be used.
	path = path[1:]

	var pathSeparators string
	if runtime.GOOS == "windows" {
		pathSeparators = string(os.PathSeparator) + "/"
	} else {
		pathSeparators = string(os.PathSeparator)
	}

	userName := ""
	if i := strings.IndexAny(path, pathSeparators); i != -1 {
		userName = path[:i]
		path = path[i:]
	}

	homeDir := ""
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	if err == nil {
		homeDir = u.HomeDir
	}
	// Fallback to CWD if user lookup fails or user has no home directory.
	if homeDir == "" {
		homeDir = "."
	}

	return filepath.Join(homeDir, path)
}

// normalizeAddress returns addr with the passed default port appended if
// there is not already a port specified.  Internationalized host names are
// converted to their ASCII form.  An error is returned when the port is not
// valid or the host name cannot be converted.
func normalizeAddress(addr, defaultPort string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = strings.Trim(addr, "[]"), defaultPort
	}
	if host == "" {
		return "", fmt.Errorf("address %q: missing host", addr)
	}
	if p, err := strconv.ParseUint(port, 10, 16); err != nil || p == 0 {
		return "", fmt.Errorf("address %q: invalid port %q", addr, port)
	}
	if net.ParseIP(host) == nil {
		asciiHost, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return "", fmt.Errorf("address %q: invalid host: %w", addr, err)
		}
		host = asciiHost
	}
	return net.JoinHostPort(host, port), nil
}

// normalizeAddresses returns a new slice with all the passed peer addresses
// normalized with the given default port and all duplicates removed.  Every
// invalid address is reported in the returned error.
func normalizeAddresses(addrs []string, defaultPort string) ([]string, error) {
	var errs error
	result := make([]string, 0, len(addrs))
	seen := make(map[string]struct{}, len(addrs))
	for _, addr := range addrs {
		normalized, err := normalizeAddress(addr, defaultPort)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		result = append(result, normalized)
	}
	return result, errs
}

// parseLogSize parses a log file size with an optional K, M or G suffix and
// returns it in KiB.  A value without a suffix is in KiB.
func parseLogSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	multiplier := int64(1)
	if s != "" {
		switch s[len(s)-1] {
		case 'K':
			s = s[:len(s)-1]
		case 'M':
			multiplier = 1 << 10
			s = s[:len(s)-1]
		case 'G':
			multiplier = 1 << 20
			s = s[:len(s)-1]
		}
	}
	size, err := strconv.ParseInt(s, 10, 64)
	if err != nil || size <= 0 {
		return 0, fmt.Errorf("invalid log size %q", s)
	}
	return size * multiplier, nil
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// createDefaultConfigFile creates a config file at the specified path from the
// embedded sample config.
func createDefaultConfigFile(destPath string) error {
	// Create the destination directory if it does not exist.
	err := os.MkdirAll(filepath.Dir(destPath), 0700)
	if err != nil {
		return err
	}

	return os.WriteFile(destPath, []byte(sampleconfig.Dcrconnd()), 0600)
}

// newConfigParser returns a new command line flags parser.
func newConfigParser(cfg *config, options flags.Options) *flags.Parser {
	return flags.NewParser(cfg, options)
}

// loadConfig initializes and parses the config using a config file and the
// passed command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in dcrconnd functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig(appName string, args []string) (*config, []string, error) {
	// Default config.
	cfg := config{
		HomeDir:      defaultHomeDir,
		ConfigFile:   defaultConfigFile,
		DataDir:      defaultDataDir,
		LogDir:       defaultLogDir,
		LogSize:      defaultLogSize,
		DebugLevel:   defaultLogLevel,
		MaxOutbound:  defaultMaxOutbound,
		DialTimeout:  defaultDialTimeout,
		MaxAddresses: defaultMaxAddresses,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := cfg
	preParser := newConfigParser(&preCfg, flags.HelpFlag)
	_, err := preParser.ParseArgs(args)
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n", appName,
			version.String(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// Update the home directory if specified.  Since the home directory is
	// updated, other variables need to be updated to reflect the new changes.
	if preCfg.HomeDir != defaultHomeDir {
		cfg.HomeDir, _ = filepath.Abs(cleanAndExpandPath(preCfg.HomeDir))
		if preCfg.ConfigFile == defaultConfigFile {
			preCfg.ConfigFile = filepath.Join(cfg.HomeDir,
				defaultConfigFilename)
		}
		if preCfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(cfg.HomeDir, defaultDataDirname)
		}
		if preCfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(cfg.HomeDir, defaultLogDirname)
		}
	}
	cfg.ConfigFile = cleanAndExpandPath(preCfg.ConfigFile)

	// Create a default config file when one does not exist and the user did
	// not specify an override.
	if !(preCfg.SimNet || preCfg.RegNet) && !fileExists(cfg.ConfigFile) {
		err := createDefaultConfigFile(cfg.ConfigFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating a default config file: "+
				"%v\n", err)
		}
	}

	// Load additional config from file.
	var configFileError error
	parser := newConfigParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(cfg.ConfigFile)
	if err != nil {
		var e *os.PathError
		if !errors.As(err, &e) {
			err = fmt.Errorf("error parsing config file: %w", err)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.ParseArgs(args)
	if err != nil {
		return nil, nil, err
	}

	// Create the home directory if it doesn't already exist.
	funcName := "loadConfig"
	err = os.MkdirAll(cfg.HomeDir, 0700)
	if err != nil {
		// Show a nicer error message if it's because a symlink is linked to a
		// directory that does not exist (probably because it's not mounted).
		var e *os.PathError
		if errors.As(err, &e) && os.IsExist(err) {
			if link, lerr := os.Readlink(e.Path); lerr == nil {
				str := "is symlink %s -> %s mounted?"
				err = fmt.Errorf(str, e.Path, link)
			}
		}

		str := "%s: failed to create home directory: %v"
		err := errSuppressUsage(fmt.Sprintf(str, funcName, err))
		return nil, nil, err
	}

	// Multiple networks can't be selected simultaneously.  Count number of
	// network flags passed and assign active network params while we're at
	// it.
	var errs error
	numNets := 0
	cfg.params = chaincfg.MainNetParams()
	if cfg.TestNet {
		numNets++
		cfg.params = chaincfg.TestNet3Params()
	}
	if cfg.SimNet {
		numNets++
		cfg.params = chaincfg.SimNetParams()
	}
	if cfg.RegNet {
		numNets++
		cfg.params = chaincfg.RegNetParams()
	}
	if numNets > 1 {
		str := "%s: the testnet, regnet, and simnet params can't be used " +
			"together -- choose one of the three"
		errs = multierr.Append(errs, fmt.Errorf(str, funcName))
	}

	// Append the network type to the data and log directories so they are
	// "namespaced" per network.
	cfg.DataDir = filepath.Join(cleanAndExpandPath(cfg.DataDir),
		cfg.params.Name)
	cfg.LogDir = filepath.Join(cleanAndExpandPath(cfg.LogDir),
		cfg.params.Name)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Validate the remaining options, collecting every problem so they can
	// be reported together.
	cfg.logSizeKiB, err = parseLogSize(cfg.LogSize)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", funcName, err))
	}
	if cfg.MaxOutbound < 0 {
		str := "%s: the maxoutbound option may not be negative -- parsed [%d]"
		errs = multierr.Append(errs, fmt.Errorf(str, funcName,
			cfg.MaxOutbound))
	}
	if cfg.MaxAddresses <= 0 {
		str := "%s: the maxaddresses option must be positive -- parsed [%d]"
		errs = multierr.Append(errs, fmt.Errorf(str, funcName,
			cfg.MaxAddresses))
	}
	if cfg.DialTimeout <= 0 {
		str := "%s: the dialtimeout option must be positive -- parsed [%v]"
		errs = multierr.Append(errs, fmt.Errorf(str, funcName,
			cfg.DialTimeout))
	}
	if cfg.Proxy != "" {
		if _, _, err := net.SplitHostPort(cfg.Proxy); err != nil {
			str := "%s: proxy address %q is invalid: %v"
			errs = multierr.Append(errs, fmt.Errorf(str, funcName, cfg.Proxy,
				err))
		}
	}
	if cfg.Metrics != "" {
		cfg.metricsAddr = portToLocalHostAddr(cfg.Metrics)
		if err := validateListenAddr(cfg.metricsAddr); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: metrics: %w",
				funcName, err))
		}
	}

	// Add the default port to all static peers when needed and remove
	// duplicate addresses.
	cfg.AddPeers, err = normalizeAddresses(cfg.AddPeers,
		cfg.params.DefaultPort)
	for _, err := range multierr.Errors(err) {
		errs = multierr.Append(errs, fmt.Errorf("%s: addpeer: %w", funcName,
			err))
	}
	cfg.ConnectPeers, err = normalizeAddresses(cfg.ConnectPeers,
		cfg.params.DefaultPort)
	for _, err := range multierr.Errors(err) {
		errs = multierr.Append(errs, fmt.Errorf("%s: connect: %w", funcName,
			err))
	}
	if errs != nil {
		return nil, nil, errs
	}

	// Initialize log rotation.  After log rotation has been initialized, the
	// logger variables may be used.
	if !cfg.NoFileLogging {
		logFile := filepath.Join(cfg.LogDir, defaultLogFilename)
		if err := initLogRotator(logFile, cfg.logSizeKiB); err != nil {
			return nil, nil, errSuppressUsage(err.Error())
		}
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", funcName, err)
	}

	// Warn about missing config file only after all other configuration is
	// done.  This prevents the warning on help messages and invalid options.
	// Note this should go directly before the return.
	if configFileError != nil {
		dcrcLog.Warnf("%v", configFileError)
	}
	if len(cfg.ConnectPeers) > 0 {
		dcrcLog.Infof("Peer discovery disabled by the connect option")
	}

	return &cfg, remainingArgs, nil
}
