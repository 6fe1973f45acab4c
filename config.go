package shake

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/i5heu/shake-gate/pkg/model"
)

// KeyServerConfig names one key server of the oracle
// network.
type KeyServerConfig struct {
	ID  string
	URL string
	// PublicKey is the hex-encoded point shares are
	// encrypted to.
	PublicKey string
}

// Config configures a Client. Zero values fall back to
// the defaults documented on each field.
type Config struct {
	// LedgerURL is the JSON-RPC endpoint of a ledger node.
	LedgerURL string
	// PackageID is the deployed blog module. It also
	// scopes session keys.
	PackageID model.ObjectID
	// PaymentRegistry is the shared purchase registry.
	PaymentRegistry model.ObjectID
	// UserRegistry is the shared profile registry.
	UserRegistry model.ObjectID
	// CoinType defaults to access.DefaultCoinType.
	CoinType string

	PublisherURL  string
	AggregatorURL string
	// Epochs is the upload retention. Default 1.
	Epochs int

	KeyServers []KeyServerConfig
	// Threshold is the number of key servers needed to
	// decrypt newly published articles. Default 2.
	Threshold int

	// SessionTTL defaults to 10 minutes.
	SessionTTL time.Duration

	// CachePath enables the local blob cache. Empty
	// disables it.
	CachePath string
	// MinimumFreeGB is a free-space threshold for the
	// cache directory.
	MinimumFreeGB uint

	// WalletSeed is the hex seed of the local wallet.
	// Empty leaves the client read-only unless a wallet is
	// injected.
	WalletSeed string

	// HTTPTimeout bounds every outgoing request. Default
	// 30 seconds.
	HTTPTimeout time.Duration
	// Logger is an optional structured logger. If nil,
	// logging.Logger is used.
	Logger *slog.Logger
}

func (c Config) validate() error {
	var errs []error
	if c.PackageID == "" {
		errs = append(errs, errors.New("package id is required"))
	}
	if c.PaymentRegistry == "" {
		errs = append(errs, errors.New("payment registry is required"))
	} else if _, err := c.PaymentRegistry.Bytes(); err != nil {
		errs = append(errs, fmt.Errorf("payment registry: %w", err))
	}
	if c.UserRegistry == "" {
		errs = append(errs, errors.New("user registry is required"))
	} else if _, err := c.UserRegistry.Bytes(); err != nil {
		errs = append(errs, fmt.Errorf("user registry: %w", err))
	}
	if c.Threshold < 0 {
		errs = append(errs, fmt.Errorf("threshold %d is negative", c.Threshold))
	}
	if c.Threshold > 0 && len(c.KeyServers) > 0 && c.Threshold > len(c.KeyServers) {
		errs = append(errs, fmt.Errorf(
			"threshold %d exceeds %d key servers", c.Threshold, len(c.KeyServers),
		))
	}
	return errors.Join(errs...)
}

const defaultHTTPTimeout = 30 * time.Second
