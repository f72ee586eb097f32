// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (C) 2015-2020 The Lightning Network Developers

package hdwallet

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/hdwallet/build"
	"github.com/lightningnetwork/hdwallet/chainfee"
	"github.com/lightningnetwork/hdwallet/chainsource/esplorasource"
	"github.com/lightningnetwork/hdwallet/chainsource/neutrinosource"
	"github.com/lightningnetwork/hdwallet/chainsync"
	"github.com/lightningnetwork/hdwallet/monitoring"
	"github.com/lightningnetwork/hdwallet/sendcoins"
)

const (
	defaultConfigFilename = "hdwallet.conf"
	defaultDataDirname    = "data"
	defaultWalletDirname  = "wallets"
	defaultChainDirname   = "chain"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "hdwallet.log"
	defaultLogLevel       = "info"
	defaultNetwork        = "testnet"

	// BackendEsplora selects the esplora REST chain source.
	BackendEsplora = "esplora"

	// BackendNeutrino selects the neutrino light client chain source.
	BackendNeutrino = "neutrino"

	defaultNeutrinoCurrentTimeout = 5 * time.Minute
	defaultFeeConfTarget          = 6
)

var (
	// DefaultHomeDir is the default directory for all files of the
	// wallet.
	DefaultHomeDir = btcutil.AppDataDir("hdwallet", false)

	// DefaultConfigFile is the default full path of the config file.
	DefaultConfigFile = filepath.Join(DefaultHomeDir, defaultConfigFilename)

	defaultDataDir = filepath.Join(DefaultHomeDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultHomeDir, defaultLogDirname)

	// ErrUnknownNetwork is returned for a network name that has no
	// parameters.
	ErrUnknownNetwork = errors.New("unknown network")
)

// Esplora holds the options of the esplora chain source.
//
//nolint:lll
type Esplora struct {
	URL               string        `long:"url" description:"The base URL of the esplora API, for example https://blockstream.info/testnet/api"`
	RequestTimeout    time.Duration `long:"requesttimeout" description:"Timeout of a single HTTP request"`
	MaxRetries        int           `long:"maxretries" description:"How often a failed request is retried"`
	RequestsPerSecond float64       `long:"rps" description:"Maximum request rate against the API"`
	PollInterval      time.Duration `long:"pollinterval" description:"How often the tip and the mempool are polled"`
	MaxConcurrency    int           `long:"maxconcurrency" description:"How many addresses are scanned in parallel"`
}

// Neutrino holds the options of the neutrino chain source.
//
//nolint:lll
type Neutrino struct {
	AddPeers       []string      `long:"addpeer" description:"Add a peer to connect with at startup"`
	ConnectPeers   []string      `long:"connect" description:"Connect only to the specified peers at startup"`
	CurrentTimeout time.Duration `long:"currenttimeout" description:"How long to wait for the headers to catch up on connect, 0 to not wait"`
	PollInterval   time.Duration `long:"pollinterval" description:"How often the tip is polled"`
}

// Fee holds the fee policy options.
//
//nolint:lll
type Fee struct {
	FeeRate    int64  `long:"rate" description:"The fee rate in sat/kB used when a send does not specify one"`
	Estimate   bool   `long:"estimate" description:"Use the fee estimates of the esplora backend instead of a static rate"`
	ConfTarget uint32 `long:"conftarget" description:"The confirmation target in blocks for fee estimates"`
}

// Sync holds the options of the chain synchronization service.
//
//nolint:lll
type Sync struct {
	MaxConnectAttempts int           `long:"maxattempts" description:"Connection attempts before the sync fails"`
	RetryBackoff       time.Duration `long:"backoff" description:"Linear backoff step between connection attempts"`
	SubmitTimeout      time.Duration `long:"submittimeout" description:"Timeout of a transaction broadcast"`
}

// Wallet holds the options selecting the wallet the daemon serves.
//
//nolint:lll
type Wallet struct {
	ID           string `long:"id" description:"The ID of the wallet to load"`
	PasswordFile string `long:"passwordfile" description:"File holding the wallet password"`
	NoDownload   bool   `long:"nodownload" description:"Connect but do not download the block chain"`
}

// Config defines the configuration options for hdwallet.
//
// See LoadConfig for further details regarding the configuration loading and
// parsing process.
//
//nolint:lll
type Config struct {
	HomeDir    string `long:"homedir" description:"The base directory that contains the data, logs and configuration file"`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store wallets and chain data within"`
	LogDir     string `long:"logdir" description:"Directory to log output"`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`

	Network string `long:"network" description:"The bitcoin network to use" choice:"mainnet" choice:"testnet" choice:"regtest" choice:"signet" choice:"simnet"`
	Backend string `long:"backend" description:"The chain source to sync with" choice:"esplora" choice:"neutrino"`

	Esplora    *Esplora                `group:"esplora" namespace:"esplora"`
	Neutrino   *Neutrino               `group:"neutrino" namespace:"neutrino"`
	Fee        *Fee                    `group:"fee" namespace:"fee"`
	Sync       *Sync                   `group:"sync" namespace:"sync"`
	Prometheus *monitoring.Prometheus  `group:"prometheus" namespace:"prometheus"`
	Wallet     *Wallet                 `group:"wallet" namespace:"wallet"`
	LogConfig  *build.FileLoggerConfig `group:"logging" namespace:"logging"`

	HealthChecks *HealthCheckConfig `group:"healthcheck" namespace:"healthcheck"`

	// ActiveNetParams are the parameters of the selected network.
	ActiveNetParams *chaincfg.Params
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		HomeDir:    DefaultHomeDir,
		ConfigFile: DefaultConfigFile,
		DataDir:    defaultDataDir,
		LogDir:     defaultLogDir,
		DebugLevel: defaultLogLevel,
		Network:    defaultNetwork,
		Backend:    BackendEsplora,
		Esplora: &Esplora{
			URL:               "https://blockstream.info/testnet/api",
			RequestTimeout:    esplorasource.DefaultRequestTimeout,
			MaxRetries:        esplorasource.DefaultMaxRetries,
			RequestsPerSecond: esplorasource.DefaultRequestsPerSecond,
			PollInterval:      esplorasource.DefaultPollInterval,
			MaxConcurrency:    esplorasource.DefaultMaxConcurrency,
		},
		Neutrino: &Neutrino{
			CurrentTimeout: defaultNeutrinoCurrentTimeout,
			PollInterval:   neutrinosource.DefaultPollInterval,
		},
		Fee: &Fee{
			FeeRate:    int64(chainfee.DefaultFeePerKB),
			ConfTarget: defaultFeeConfTarget,
		},
		Sync: &Sync{
			MaxConnectAttempts: chainsync.DefaultMaxConnectAttempts,
			RetryBackoff:       chainsync.DefaultRetryBackoff,
			SubmitTimeout:      sendcoins.DefaultSubmitTimeout,
		},
		Prometheus: &monitoring.Prometheus{
			Listen: monitoring.DefaultPrometheusListen,
		},
		Wallet:       &Wallet{},
		LogConfig:    build.DefaultFileLoggerConfig(),
		HealthChecks: defaultHealthCheckConfig(),
	}
}

// LoadConfig initializes and parses the config using a config file and the
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(args []string) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.NewParser(&preCfg, flags.Default).ParseArgs(
		args,
	); err != nil {
		return nil, err
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their home dir, then we should assume they intend to use
	// the config file within it.
	configFileDir := CleanAndExpandPath(preCfg.HomeDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultHomeDir &&
		configFilePath == DefaultConfigFile {

		configFilePath = filepath.Join(
			configFileDir, defaultConfigFilename,
		)
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	parser := flags.NewParser(&cfg, flags.Default)
	err := flags.NewIniParser(parser).ParseFile(configFilePath)
	if err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration
	// is done. This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		hdwlLog.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig checks the given configuration to be sane. All file system
// paths are normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config) (*Config, error) {
	// If the provided home directory is not the default, we'll modify
	// the path to all of the files and directories that will live within
	// it.
	homeDir := CleanAndExpandPath(cfg.HomeDir)
	if homeDir != DefaultHomeDir {
		if cfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(homeDir, defaultDataDirname)
		}
		if cfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(homeDir, defaultLogDirname)
		}
	}

	cfg.DataDir = CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)
	cfg.Wallet.PasswordFile = CleanAndExpandPath(cfg.Wallet.PasswordFile)

	params, err := NetParams(cfg.Network)
	if err != nil {
		return nil, err
	}
	cfg.ActiveNetParams = params

	switch cfg.Backend {
	case BackendEsplora:
		if cfg.Esplora.URL == "" {
			return nil, errors.New("esplora.url must be set for " +
				"the esplora backend")
		}

	case BackendNeutrino:
		if len(cfg.Neutrino.AddPeers) > 0 &&
			len(cfg.Neutrino.ConnectPeers) > 0 {

			return nil, errors.New("neutrino.addpeer and " +
				"neutrino.connect cannot both be set")
		}
		if cfg.Fee.Estimate {
			return nil, errors.New("fee.estimate needs the " +
				"esplora backend")
		}

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	if cfg.Sync.MaxConnectAttempts < 1 {
		return nil, fmt.Errorf("sync.maxattempts must be positive, "+
			"got %d", cfg.Sync.MaxConnectAttempts)
	}
	if cfg.Sync.RetryBackoff <= 0 || cfg.Sync.SubmitTimeout <= 0 {
		return nil, errors.New("sync.backoff and sync.submittimeout " +
			"must be positive")
	}

	// Out of range fee rates are normalised, never rejected.
	cfg.Fee.FeeRate = int64(chainfee.Normalise(cfg.Fee.FeeRate))

	if cfg.Prometheus.Enable && cfg.Prometheus.Listen == "" {
		return nil, errors.New("prometheus.listen must be set to " +
			"export metrics")
	}

	if err := cfg.HealthChecks.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// WalletDir returns the directory the wallets of the active network are
// stored in.
func (c *Config) WalletDir() string {
	return filepath.Join(
		c.DataDir, defaultWalletDirname, c.ActiveNetParams.Name,
	)
}

// ChainDir returns the directory of the neutrino chain data.
func (c *Config) ChainDir() string {
	return filepath.Join(c.DataDir, defaultChainDirname)
}

// LogFile returns the path of the rotated log file.
func (c *Config) LogFile() string {
	return filepath.Join(c.LogDir, c.ActiveNetParams.Name,
		defaultLogFilename)
}

// NetParams returns the parameters of the named network.
func NetParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, network)
	}
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
