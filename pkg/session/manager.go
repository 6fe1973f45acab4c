package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/i5heu/shake-gate/pkg/interfaces"
	"github.com/i5heu/shake-gate/pkg/logging"
	"github.com/i5heu/shake-gate/pkg/model"
)

// DefaultTTL is the lifetime of keys acquired for
// viewing articles.
const DefaultTTL = 10 * time.Minute

var ErrNoWallet = errors.New("session: no wallet connected for address")

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

// Wallets resolves the signer connected for an address.
type Wallets interface {
	Signer(addr model.Address) (interfaces.WalletSigner, error)
}

// SingleWallet serves one connected wallet.
type SingleWallet struct {
	Wallet interfaces.WalletSigner
}

func (s SingleWallet) Signer(addr model.Address) (interfaces.WalletSigner, error) {
	if s.Wallet == nil || !s.Wallet.Address().Equal(addr) {
		return nil, fmt.Errorf("%w: %s", ErrNoWallet, addr)
	}
	return s.Wallet, nil
}

// slot holds the cached key of one address. sem is a
// one-token semaphore serialising renewals so a key is
// only returned once any in-flight renewal finished.
type slot struct {
	sem chan struct{}
	key *Key
}

// Manager hands out session keys, one cached key per
// address. Keys live in memory only.
type Manager struct {
	wallets Wallets
	clock   Clock
	log     *slog.Logger

	mu    sync.Mutex
	slots map[model.Address]*slot
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func NewManager(wallets Wallets, opts ...Option) *Manager {
	m := &Manager{
		wallets: wallets,
		clock:   realClock{},
		log:     logging.Logger,
		slots:   make(map[model.Address]*slot),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) slotFor(addr model.Address) *slot {
	if norm, err := model.ParseAddress(string(addr)); err == nil {
		addr = norm
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[addr]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		m.slots[addr] = s
	}
	return s
}

// Acquire returns a usable key for address and scope.
// A cached, unexpired key with the same scope is
// returned unchanged. Otherwise a new key is signed by
// the address's wallet and replaces the cached one. A
// declined or failed signature yields ErrSigningRejected
// and leaves the address without a cached key.
func (m *Manager) Acquire(
	ctx context.Context,
	address model.Address,
	scope string,
	ttl time.Duration,
) (*Key, error) {
	s := m.slotFor(address)

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", interfaces.ErrSigningRejected, ctx.Err())
	}
	defer func() { <-s.sem }()

	now := m.clock.Now()
	if s.key != nil && s.key.Scope() == scope && s.key.Usable(address, now) {
		return s.key, nil
	}
	s.key = nil

	key, err := m.sign(ctx, address, scope, ttl, now)
	if err != nil {
		m.log.Warn("session key signing failed",
			"component", "session",
			"owner", address,
			"error", err)
		return nil, err
	}
	s.key = key

	m.log.Debug("session key acquired",
		"component", "session",
		"owner", address,
		"scope", scope,
		"expires", key.ExpiresAt())
	return key, nil
}

func (m *Manager) sign(
	ctx context.Context,
	address model.Address,
	scope string,
	ttl time.Duration,
	now time.Time,
) (*Key, error) {
	key, err := NewKey(address, scope, ttl, now)
	if err != nil {
		return nil, err
	}

	signer, err := m.wallets.Signer(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrSigningRejected, err)
	}

	sig, err := signer.SignPersonalMessage(ctx, key.PersonalMessage())
	if err != nil {
		if errors.Is(err, interfaces.ErrSigningRejected) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", interfaces.ErrSigningRejected, err)
	}
	if err := key.SetSignature(sig); err != nil {
		return nil, err
	}
	return key, nil
}

// Cached returns the key currently cached for address
// without renewing it.
func (m *Manager) Cached(address model.Address) (*Key, bool) {
	s := m.slotFor(address)
	s.sem <- struct{}{}
	defer func() { <-s.sem }()
	return s.key, s.key != nil
}

// Forget drops the cached key of address, e.g. when the
// wallet disconnects.
func (m *Manager) Forget(address model.Address) {
	s := m.slotFor(address)
	s.sem <- struct{}{}
	s.key = nil
	<-s.sem
}
