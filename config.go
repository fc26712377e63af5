// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/spvwallet/internal/cfgutil"
	"github.com/btcsuite/spvwallet/netparams"
	"github.com/btcsuite/spvwallet/txsender"
	flags "github.com/jessevdk/go-flags"
)

const (
	appVersion = "0.1.0"

	defaultConfigFilename   = "spvwalletd.conf"
	defaultLogLevel         = "info"
	defaultLogDirname       = "logs"
	defaultLogFilename      = "spvwalletd.log"
	defaultConfirmations    = 6
	defaultPollInterval     = 5 * time.Second
	defaultPrometheusListen = "localhost:9466"

	walletDbName   = "wallet.db"
	neutrinoDbName = "neutrino.db"
	dbTimeout      = 10 * time.Second
)

var (
	spvwalletHomeDir  = btcutil.AppDataDir("spvwallet", false)
	defaultConfigFile = filepath.Join(spvwalletHomeDir, defaultConfigFilename)
	defaultDataDir    = spvwalletHomeDir
	defaultLogDir     = filepath.Join(spvwalletHomeDir, defaultLogDirname)

	// activeNet is the network selected by the configuration.
	activeNet = &netparams.MainNetParams
)

type config struct {
	// General application behavior
	ConfigFile  *cfgutil.ExplicitString `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion bool                    `short:"V" long:"version" description:"Display version information and exit"`
	DataDir     *cfgutil.ExplicitString `short:"b" long:"datadir" description:"Directory to store the wallet and chain databases"`
	LogDir      *cfgutil.ExplicitString `long:"logdir" description:"Directory to log output."`
	DebugLevel  string                  `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	// Network selection
	TestNet3 bool `long:"testnet" description:"Use the test Bitcoin network (version 3) (default mainnet)"`
	RegTest  bool `long:"regtest" description:"Use the regression test network"`
	SimNet   bool `long:"simnet" description:"Use the simulation test network (default mainnet)"`
	SigNet   bool `long:"signet" description:"Use the default signet network"`

	// P2P options
	ConnectPeers []string `long:"connect" description:"Connect only to the specified peers at startup"`
	AddPeers     []string `short:"a" long:"addpeer" description:"Add a peer to connect with at startup"`

	// Wallet options
	Confirmations int32 `long:"confirmations" description:"Number of blocks an incoming output needs before it is spendable"`

	// Sender options
	MaxRetries    uint32        `long:"maxretries" description:"Number of acknowledged sends after which a transaction is given up on"`
	RetryPeriod   time.Duration `long:"retryperiod" description:"Minimum time between two sends of the same transaction"`
	RetryInterval time.Duration `long:"retryinterval" description:"Interval of the pending transaction sweep"`
	PollInterval  time.Duration `long:"pollinterval" description:"Interval at which the chain tip and peers are polled"`
	SendTxs       []string      `long:"sendtx" description:"Raw transaction (hex) to store and broadcast once peers are synced"`

	// Monitoring
	PrometheusListen string `long:"prometheuslisten" description:"Serve prometheus metrics on this interface/port (empty disables)"`

	// txs holds the decoded SendTxs.
	txs []*wire.MsgTx
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(spvwalletHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but the variables can still be expanded via POSIX-style
	// $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsystems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimiters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "the specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsystems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// selectNetwork returns the network parameters chosen by the network flags.
// Multiple networks can't be selected simultaneously.
func selectNetwork(cfg *config) (*netparams.Params, error) {
	net := &netparams.MainNetParams
	numNets := 0
	if cfg.TestNet3 {
		net = &netparams.TestNet3Params
		numNets++
	}
	if cfg.RegTest {
		net = &netparams.RegressionNetParams
		numNets++
	}
	if cfg.SimNet {
		net = &netparams.SimNetParams
		numNets++
	}
	if cfg.SigNet {
		net = &netparams.SigNetParams
		numNets++
	}
	if numNets > 1 {
		return nil, errors.New("the testnet, regtest, simnet and " +
			"signet params can't be used together -- choose one")
	}
	return net, nil
}

// validateConfig checks the numeric options and normalizes the peer
// addresses.
func validateConfig(cfg *config) error {
	if cfg.RetryPeriod <= 0 {
		return fmt.Errorf("retryperiod must be positive, got %v",
			cfg.RetryPeriod)
	}
	if cfg.RetryInterval <= 0 {
		return fmt.Errorf("retryinterval must be positive, got %v",
			cfg.RetryInterval)
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("pollinterval must be positive, got %v",
			cfg.PollInterval)
	}
	if cfg.MaxRetries == 0 {
		return errors.New("maxretries must be at least 1")
	}

	var err error
	cfg.ConnectPeers, err = cfgutil.NormalizeAddresses(
		cfg.ConnectPeers, activeNet.DefaultPort)
	if err != nil {
		return fmt.Errorf("invalid connect address: %w", err)
	}
	cfg.AddPeers, err = cfgutil.NormalizeAddresses(
		cfg.AddPeers, activeNet.DefaultPort)
	if err != nil {
		return fmt.Errorf("invalid addpeer address: %w", err)
	}

	cfg.txs = cfg.txs[:0]
	for _, rawHex := range cfg.SendTxs {
		tx, err := decodeTx(rawHex)
		if err != nil {
			return fmt.Errorf("invalid sendtx: %w", err)
		}
		cfg.txs = append(cfg.txs, tx)
	}

	return nil
}

// decodeTx parses a hex encoded serialized transaction.
func decodeTx(rawHex string) (*wire.MsgTx, error) {
	serialized, err := hex.DecodeString(strings.TrimSpace(rawHex))
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(serialized)

	var tx wire.MsgTx
	if err := tx.Deserialize(r); err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", r.Len())
	}
	if len(tx.TxIn) == 0 || len(tx.TxOut) == 0 {
		return nil, errors.New("transaction has no inputs or outputs")
	}
	return &tx, nil
}

// defaultConfig returns a config with sane settings.
func defaultConfig() config {
	return config{
		ConfigFile:       cfgutil.NewExplicitString(defaultConfigFile),
		DataDir:          cfgutil.NewExplicitString(defaultDataDir),
		LogDir:           cfgutil.NewExplicitString(defaultLogDir),
		DebugLevel:       defaultLogLevel,
		Confirmations:    defaultConfirmations,
		MaxRetries:       txsender.DefaultMaxRetriesCount,
		RetryPeriod:      txsender.DefaultRetriesPeriod,
		RetryInterval:    txsender.DefaultRetryInterval,
		PollInterval:     defaultPollInterval,
		PrometheusListen: defaultPrometheusListen,
	}
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in spvwalletd functioning properly without any config
// settings while still allowing the user to override settings with config files
// and command line options.  Command line options always take precedence.
func loadConfig() (*config, []string, error) {
	cfg := defaultConfig()

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", appVersion)
		os.Exit(0)
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	configFilePath := cleanAndExpandPath(preCfg.ConfigFile.Value)
	err = flags.NewIniParser(parser).ParseFile(configFilePath)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	activeNet, err = selectNetwork(&cfg)
	if err != nil {
		err := fmt.Errorf("loadConfig: %w", err)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// If an alternate data directory was specified, and the log directory
	// was not, keep the logs below the new data directory.
	cfg.DataDir.Value = cleanAndExpandPath(cfg.DataDir.Value)
	if cfg.DataDir.ExplicitlySet() && !cfg.LogDir.ExplicitlySet() {
		cfg.LogDir.Value = filepath.Join(
			cfg.DataDir.Value, defaultLogDirname,
		)
	}

	// Append the network type to the log directory so it is "namespaced"
	// per network.
	cfg.LogDir.Value = cleanAndExpandPath(cfg.LogDir.Value)
	cfg.LogDir.Value = filepath.Join(cfg.LogDir.Value, activeNet.DataDirName)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	err = initLogRotator(filepath.Join(cfg.LogDir.Value, defaultLogFilename))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("loadConfig: %w", err)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Warn about missing config file after the final command line parse
	// succeeds.  This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	if err := validateConfig(&cfg); err != nil {
		err := fmt.Errorf("loadConfig: %w", err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	return &cfg, remainingArgs, nil
}

// networkDir returns the directory holding the databases of the active
// network.
func networkDir(dataDir string) string {
	return filepath.Join(dataDir, activeNet.DataDirName)
}

// checkCreateDir checks that the path exists and is a directory.
// If path does not exist, it is created.
func checkCreateDir(path string) error {
	if fi, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			// Attempt data directory creation
			if err = os.MkdirAll(path, 0700); err != nil {
				return fmt.Errorf("cannot create directory: %s", err)
			}
		} else {
			return fmt.Errorf("error checking directory: %s", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("path '%s' is not a directory", path)
		}
	}

	return nil
}
