// Package config loads the node configuration: built-in defaults, overlaid
// by YAML files, with ${VAR} references expanded from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	uconfig "go.uber.org/config"

	"github.com/relves/groupchain/pkg/chain"
	"github.com/relves/groupchain/pkg/secure"
)

// ErrInvalidCfg indicates the invalid configuration
var ErrInvalidCfg = errors.New("invalid config value")

type (
	// Node is the node's identity and listeners.
	Node struct {
		DataDir    string `yaml:"dataDir"`
		ListenAddr string `yaml:"listenAddr"`
		HTTPAddr   string `yaml:"httpAddr"`
		KeyFile    string `yaml:"keyFile"` // relative paths resolve against DataDir
	}

	Log struct {
		Level string `yaml:"level"`
	}

	// Chain mirrors chain.Rules.
	Chain struct {
		MaxTxsPerBlock      int           `yaml:"maxTxsPerBlock"`
		MaxFutureDrift      time.Duration `yaml:"maxFutureDrift"`
		PurchaseNonceMinLen int           `yaml:"purchaseNonceMinLen"`
		PurchaseExpiry      time.Duration `yaml:"purchaseExpiry"`
		MaxRoyaltyDepth     int           `yaml:"maxRoyaltyDepth"`
	}

	Secure struct {
		HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
		MaxClockDrift    time.Duration `yaml:"maxClockDrift"`
		MaxFrameSize     int           `yaml:"maxFrameSize"`
	}

	// Limits bounds what remote peers may consume.
	Limits struct {
		ConnRate      float64 `yaml:"connRate"` // new connections per second per IP
		ConnBurst     int     `yaml:"connBurst"`
		RequestRate   float64 `yaml:"requestRate"` // requests per second per peer key
		RequestBurst  int     `yaml:"requestBurst"`
		MaxKeys       int     `yaml:"maxKeys"`
		MaxConnsPerIP int     `yaml:"maxConnsPerIP"`
	}

	Sync struct {
		Interval    time.Duration `yaml:"interval"`
		BaseDelay   time.Duration `yaml:"baseDelay"`
		MaxFailures int           `yaml:"maxFailures"`
		Concurrency int           `yaml:"concurrency"`
		Timeout     time.Duration `yaml:"timeout"`
	}

	Presence struct {
		StaleAfter time.Duration `yaml:"staleAfter"`
	}

	CAS struct {
		CacheSize     int `yaml:"cacheSize"`
		MaxObjectSize int `yaml:"maxObjectSize"`
	}

	// Config is the root of the node configuration.
	Config struct {
		Node     Node     `yaml:"node"`
		Log      Log      `yaml:"log"`
		Chain    Chain    `yaml:"chain"`
		Secure   Secure   `yaml:"secure"`
		Limits   Limits   `yaml:"limits"`
		Sync     Sync     `yaml:"sync"`
		Presence Presence `yaml:"presence"`
		CAS      CAS      `yaml:"cas"`
	}

	// Validate is the interface of validating the config
	Validate func(Config) error
)

// Default is the default config
var Default = Config{
	Node: Node{
		DataDir:    "./data",
		ListenAddr: "127.0.0.1:7400",
		HTTPAddr:   "127.0.0.1:7401",
		KeyFile:    "node_key.json",
	},
	Log: Log{Level: "info"},
	Chain: Chain{
		MaxTxsPerBlock:      100,
		MaxFutureDrift:      10 * time.Minute,
		PurchaseNonceMinLen: 16,
		PurchaseExpiry:      10 * time.Minute,
		MaxRoyaltyDepth:     8,
	},
	Secure: Secure{
		HandshakeTimeout: 30 * time.Second,
		MaxClockDrift:    5 * time.Minute,
		MaxFrameSize:     secure.MaxFrameSize,
	},
	Limits: Limits{
		ConnRate:      2,
		ConnBurst:     10,
		RequestRate:   5,
		RequestBurst:  30,
		MaxKeys:       10000,
		MaxConnsPerIP: 8,
	},
	Sync: Sync{
		Interval:    5 * time.Minute,
		BaseDelay:   30 * time.Second,
		MaxFailures: 5,
		Concurrency: 4,
		Timeout:     30 * time.Second,
	},
	Presence: Presence{StaleAfter: 5 * time.Minute},
	CAS: CAS{
		CacheSize:     256,
		MaxObjectSize: 100 << 20,
	},
}

// Validates is the collection config validation functions
var Validates = []Validate{
	ValidateNode,
	ValidateChain,
	ValidateLimits,
	ValidateSync,
}

// New creates a config instance. It validates the config by default.
func New(configPaths []string, validates ...Validate) (Config, error) {
	opts := make([]uconfig.YAMLOption, 0)
	opts = append(opts, uconfig.Static(Default))
	opts = append(opts, uconfig.Expand(os.LookupEnv))
	for _, path := range configPaths {
		if path != "" {
			opts = append(opts, uconfig.File(path))
		}
	}
	yaml, err := uconfig.NewYAML(opts...)
	if err != nil {
		return Config{}, fmt.Errorf("failed to init config: %w", err)
	}

	var cfg Config
	if err := yaml.Get(uconfig.Root).Populate(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal YAML config to struct: %w", err)
	}

	// By default, the config needs to pass all the validation
	if len(validates) == 0 {
		validates = Validates
	}
	for _, validate := range validates {
		if err := validate(cfg); err != nil {
			return Config{}, fmt.Errorf("failed to validate config: %w", err)
		}
	}
	return cfg, nil
}

// ValidateNode validates the node addresses and paths
func ValidateNode(cfg Config) error {
	if cfg.Node.DataDir == "" {
		return fmt.Errorf("%w: node.dataDir is required", ErrInvalidCfg)
	}
	if cfg.Node.ListenAddr == "" {
		return fmt.Errorf("%w: node.listenAddr is required", ErrInvalidCfg)
	}
	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		return err
	}
	return nil
}

// ValidateChain validates the chain rules
func ValidateChain(cfg Config) error {
	c := cfg.Chain
	if c.MaxTxsPerBlock <= 0 {
		return fmt.Errorf("%w: chain.maxTxsPerBlock should be greater than 0", ErrInvalidCfg)
	}
	if c.MaxFutureDrift < 0 || c.PurchaseExpiry <= 0 {
		return fmt.Errorf("%w: chain durations should be positive", ErrInvalidCfg)
	}
	if c.PurchaseNonceMinLen <= 0 || c.MaxRoyaltyDepth <= 0 {
		return fmt.Errorf("%w: chain.purchaseNonceMinLen and chain.maxRoyaltyDepth should be greater than 0", ErrInvalidCfg)
	}
	return nil
}

// ValidateLimits validates the connection and request limits
func ValidateLimits(cfg Config) error {
	l := cfg.Limits
	if l.ConnRate <= 0 || l.RequestRate <= 0 || l.ConnBurst <= 0 || l.RequestBurst <= 0 {
		return fmt.Errorf("%w: limits rates and bursts should be greater than 0", ErrInvalidCfg)
	}
	if l.MaxConnsPerIP <= 0 {
		return fmt.Errorf("%w: limits.maxConnsPerIP should be greater than 0", ErrInvalidCfg)
	}
	return nil
}

// ValidateSync validates the sync daemon settings
func ValidateSync(cfg Config) error {
	s := cfg.Sync
	if s.Interval <= 0 || s.BaseDelay <= 0 || s.Timeout <= 0 {
		return fmt.Errorf("%w: sync durations should be positive", ErrInvalidCfg)
	}
	if s.Concurrency <= 0 || s.MaxFailures <= 0 {
		return fmt.Errorf("%w: sync.concurrency and sync.maxFailures should be greater than 0", ErrInvalidCfg)
	}
	return nil
}

// DoNotValidate validates the given config
func DoNotValidate(cfg Config) error { return nil }

// ParseLevel maps a log level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("%w: unknown log level %q", ErrInvalidCfg, level)
}

// KeyPath returns the node key file location.
func (cfg Config) KeyPath() string {
	if filepath.IsAbs(cfg.Node.KeyFile) {
		return cfg.Node.KeyFile
	}
	return filepath.Join(cfg.Node.DataDir, cfg.Node.KeyFile)
}

// ChainRules returns the engine rules.
func (cfg Config) ChainRules() chain.Rules {
	return chain.Rules{
		MaxTxsPerBlock:      cfg.Chain.MaxTxsPerBlock,
		MaxFutureDrift:      cfg.Chain.MaxFutureDrift,
		PurchaseNonceMinLen: cfg.Chain.PurchaseNonceMinLen,
		PurchaseExpiry:      cfg.Chain.PurchaseExpiry,
		MaxRoyaltyDepth:     cfg.Chain.MaxRoyaltyDepth,
	}
}

// SecureConfig returns the session handshake settings.
func (cfg Config) SecureConfig() secure.Config {
	sc := secure.DefaultConfig()
	sc.HandshakeTimeout = cfg.Secure.HandshakeTimeout
	sc.MaxClockDrift = cfg.Secure.MaxClockDrift
	sc.MaxFrameSize = cfg.Secure.MaxFrameSize
	return sc
}
