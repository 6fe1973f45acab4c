package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	shake "github.com/i5heu/shake-gate"
	"github.com/i5heu/shake-gate/pkg/logging"
	"github.com/i5heu/shake-gate/pkg/model"
)

const (
	// PathEnv names the config file when no path is given.
	PathEnv     = "SHAKE_CONFIG"
	DefaultPath = "shake.yaml"

	ledgerURLEnv       = "SHAKE_LEDGER_URL"
	packageIDEnv       = "SHAKE_PACKAGE_ID"
	paymentRegistryEnv = "SHAKE_PAYMENT_REGISTRY"
	userRegistryEnv    = "SHAKE_USER_REGISTRY"
	coinTypeEnv        = "SHAKE_COIN_TYPE"
	publisherURLEnv    = "SHAKE_PUBLISHER_URL"
	aggregatorURLEnv   = "SHAKE_AGGREGATOR_URL"
	epochsEnv          = "SHAKE_EPOCHS"
	thresholdEnv       = "SHAKE_THRESHOLD"
	sessionTTLEnv      = "SHAKE_SESSION_TTL"
	cachePathEnv       = "SHAKE_CACHE_PATH"
	minFreeGBEnv       = "SHAKE_MIN_FREE_GB"
	walletSeedEnv      = "SHAKE_WALLET_SEED"
	logLevelEnv        = "SHAKE_LOG_LEVEL"
	httpTimeoutEnv     = "SHAKE_HTTP_TIMEOUT"
)

type KeyServer struct {
	ID        string `yaml:"id"`
	URL       string `yaml:"url"`
	PublicKey string `yaml:"publicKey"`
}

// Config is the on-disk form of shake.Config.
type Config struct {
	LedgerURL       string      `yaml:"ledgerUrl"`
	PackageID       string      `yaml:"packageId"`
	PaymentRegistry string      `yaml:"paymentRegistry"`
	UserRegistry    string      `yaml:"userRegistry"`
	CoinType        string      `yaml:"coinType"`
	PublisherURL    string      `yaml:"publisherUrl"`
	AggregatorURL   string      `yaml:"aggregatorUrl"`
	Epochs          int         `yaml:"epochs"`
	KeyServers      []KeyServer `yaml:"keyServers"`
	Threshold       int         `yaml:"threshold"`
	SessionTTL      string      `yaml:"sessionTtl"`
	CachePath       string      `yaml:"cachePath"`
	MinimumFreeGB   uint        `yaml:"minimumFreeGb"`
	WalletSeed      string      `yaml:"walletSeed"`
	LogLevel        string      `yaml:"logLevel"`
	HTTPTimeout     string      `yaml:"httpTimeout"`
}

func defaultConfig() Config {
	return Config{
		LedgerURL:     "http://localhost:9000",
		CoinType:      "0x2::sui::SUI",
		PublisherURL:  "http://localhost:31415",
		AggregatorURL: "http://localhost:31416",
		Epochs:        1,
		Threshold:     2,
		SessionTTL:    "10m",
		MinimumFreeGB: 1,
		LogLevel:      "info",
		HTTPTimeout:   "30s",
	}
}

// Load reads the YAML file at path over the defaults and
// applies SHAKE_* environment overrides. An empty path
// falls back to $SHAKE_CONFIG, then shake.yaml; a missing
// default file is not an error.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		if p, ok := lookup(PathEnv); ok && p != "" {
			path, explicit = p, true
		} else {
			path = DefaultPath
		}
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	if err := cfg.applyEnvOverrides(lookup); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		ledgerURLEnv:       &c.LedgerURL,
		packageIDEnv:       &c.PackageID,
		paymentRegistryEnv: &c.PaymentRegistry,
		userRegistryEnv:    &c.UserRegistry,
		coinTypeEnv:        &c.CoinType,
		publisherURLEnv:    &c.PublisherURL,
		aggregatorURLEnv:   &c.AggregatorURL,
		sessionTTLEnv:      &c.SessionTTL,
		cachePathEnv:       &c.CachePath,
		walletSeedEnv:      &c.WalletSeed,
		logLevelEnv:        &c.LogLevel,
		httpTimeoutEnv:     &c.HTTPTimeout,
	}
	for env, field := range strs {
		if v, ok := lookup(env); ok && v != "" {
			*field = v
		}
	}

	ints := map[string]*int{
		epochsEnv:    &c.Epochs,
		thresholdEnv: &c.Threshold,
	}
	for env, field := range ints {
		v, ok := lookup(env)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", env, err)
		}
		*field = n
	}

	if v, ok := lookup(minFreeGBEnv); ok && v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("%s: %w", minFreeGBEnv, err)
		}
		c.MinimumFreeGB = uint(n)
	}
	return nil
}

// Shake converts the file form into a client config with
// a logger at the configured level.
func (c Config) Shake() (shake.Config, error) {
	ttl, err := time.ParseDuration(c.SessionTTL)
	if err != nil {
		return shake.Config{}, fmt.Errorf("sessionTtl: %w", err)
	}
	timeout, err := time.ParseDuration(c.HTTPTimeout)
	if err != nil {
		return shake.Config{}, fmt.Errorf("httpTimeout: %w", err)
	}

	servers := make([]shake.KeyServerConfig, len(c.KeyServers))
	for i, ks := range c.KeyServers {
		servers[i] = shake.KeyServerConfig{ID: ks.ID, URL: ks.URL, PublicKey: ks.PublicKey}
	}

	return shake.Config{
		LedgerURL:       c.LedgerURL,
		PackageID:       model.ObjectID(c.PackageID),
		PaymentRegistry: model.ObjectID(c.PaymentRegistry),
		UserRegistry:    model.ObjectID(c.UserRegistry),
		CoinType:        c.CoinType,
		PublisherURL:    c.PublisherURL,
		AggregatorURL:   c.AggregatorURL,
		Epochs:          c.Epochs,
		KeyServers:      servers,
		Threshold:       c.Threshold,
		SessionTTL:      ttl,
		CachePath:       c.CachePath,
		MinimumFreeGB:   c.MinimumFreeGB,
		WalletSeed:      c.WalletSeed,
		HTTPTimeout:     timeout,
		Logger:          logging.New(os.Stderr, logging.ParseLevel(c.LogLevel), false),
	}, nil
}
