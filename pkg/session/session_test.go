package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/i5heu/shake-gate/pkg/interfaces"
	"github.com/i5heu/shake-gate/pkg/logging"
	"github.com/i5heu/shake-gate/pkg/model"
	"github.com/i5heu/shake-gate/pkg/wallet"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingWallet wraps a local wallet, counts signature
// requests and can decline them.
type countingWallet struct {
	*wallet.Local
	requests atomic.Int32
	decline  atomic.Bool
	delay    time.Duration
}

func (w *countingWallet) SignPersonalMessage(
	ctx context.Context,
	msg []byte,
) ([]byte, error) {
	w.requests.Add(1)
	if w.delay > 0 {
		time.Sleep(w.delay)
	}
	if w.decline.Load() {
		return nil, interfaces.ErrSigningRejected
	}
	return w.Local.SignPersonalMessage(ctx, msg)
}

func newCountingWallet(t *testing.T) *countingWallet {
	t.Helper()
	l, err := wallet.Generate(nil)
	if err != nil {
		t.Fatalf("generate wallet: %v", err)
	}
	return &countingWallet{Local: l}
}

// multiWallets serves several wallets by address.
type multiWallets map[model.Address]interfaces.WalletSigner

func (m multiWallets) Signer(addr model.Address) (interfaces.WalletSigner, error) {
	if w, ok := m[addr]; ok {
		return w, nil
	}
	return nil, ErrNoWallet
}

func newTestManager(
	t *testing.T,
	clock Clock,
	wallets ...*countingWallet,
) *Manager {
	t.Helper()
	m := multiWallets{}
	for _, w := range wallets {
		m[w.Address()] = w
	}
	return NewManager(m, WithClock(clock), WithLogger(logging.Discard()))
}

const testScope = "0xpackage"

func TestAcquireCachesWithinTTL(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	w := newCountingWallet(t)
	m := newTestManager(t, clock, w)
	ctx := context.Background()

	first, err := m.Acquire(ctx, w.Address(), testScope, DefaultTTL)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	clock.Advance(9 * time.Minute)
	second, err := m.Acquire(ctx, w.Address(), testScope, DefaultTTL)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}

	if first != second {
		t.Fatal("cached key was not returned")
	}
	if string(first.Signature()) != string(second.Signature()) {
		t.Fatal("signature changed within TTL")
	}
	if got := w.requests.Load(); got != 1 {
		t.Fatalf("signature requests = %d, want 1", got)
	}
}

func TestAcquireAfterExpiryResignsOnce(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	w := newCountingWallet(t)
	m := newTestManager(t, clock, w)
	ctx := context.Background()

	first, err := m.Acquire(ctx, w.Address(), testScope, DefaultTTL)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clock.Advance(DefaultTTL)
	if !first.IsExpired(clock.Now()) {
		t.Fatal("key not expired at createdAt + ttl")
	}

	second, err := m.Acquire(ctx, w.Address(), testScope, DefaultTTL)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if _, err := m.Acquire(ctx, w.Address(), testScope, DefaultTTL); err != nil {
		t.Fatalf("reuse renewed: %v", err)
	}

	if first == second {
		t.Fatal("expired key was returned")
	}
	if got := w.requests.Load(); got != 2 {
		t.Fatalf("signature requests = %d, want 2", got)
	}
}

func TestAcquireScopeMismatchResigns(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	w := newCountingWallet(t)
	m := newTestManager(t, clock, w)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, w.Address(), "0xa", DefaultTTL); err != nil {
		t.Fatal(err)
	}
	key, err := m.Acquire(ctx, w.Address(), "0xb", DefaultTTL)
	if err != nil {
		t.Fatal(err)
	}
	if key.Scope() != "0xb" || w.requests.Load() != 2 {
		t.Fatalf("scope %q after %d requests", key.Scope(), w.requests.Load())
	}
}

func TestAcquireDeclinedCachesNothing(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	w := newCountingWallet(t)
	m := newTestManager(t, clock, w)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, w.Address(), testScope, DefaultTTL); err != nil {
		t.Fatal(err)
	}
	clock.Advance(DefaultTTL + time.Second)

	w.decline.Store(true)
	_, err := m.Acquire(ctx, w.Address(), testScope, DefaultTTL)
	if !errors.Is(err, interfaces.ErrSigningRejected) {
		t.Fatalf("declined acquire = %v, want ErrSigningRejected", err)
	}
	if _, ok := m.Cached(w.Address()); ok {
		t.Fatal("key cached after declined signature")
	}

	w.decline.Store(false)
	key, err := m.Acquire(ctx, w.Address(), testScope, DefaultTTL)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !key.Usable(w.Address(), clock.Now()) {
		t.Fatal("retried key not usable")
	}
}

func TestAcquireUnknownWallet(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, newFakeClock())
	_, err := m.Acquire(context.Background(), "0xdead", testScope, DefaultTTL)
	if !errors.Is(err, interfaces.ErrSigningRejected) || !errors.Is(err, ErrNoWallet) {
		t.Fatalf("acquire without wallet = %v", err)
	}
}

func TestAddressesAreIndependent(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	a, b := newCountingWallet(t), newCountingWallet(t)
	m := newTestManager(t, clock, a, b)
	ctx := context.Background()

	ka, err := m.Acquire(ctx, a.Address(), testScope, DefaultTTL)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Acquire(ctx, b.Address(), testScope, DefaultTTL); err != nil {
		t.Fatal(err)
	}
	again, err := m.Acquire(ctx, a.Address(), testScope, DefaultTTL)
	if err != nil {
		t.Fatal(err)
	}
	if again != ka {
		t.Fatal("acquiring for b evicted a's key")
	}
	if ka.Usable(b.Address(), clock.Now()) {
		t.Fatal("a's key usable by b")
	}
}

func TestConcurrentAcquireSignsOnce(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	w := newCountingWallet(t)
	w.delay = 20 * time.Millisecond
	m := newTestManager(t, clock, w)

	var wg sync.WaitGroup
	keys := make([]*Key, 8)
	for i := range keys {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k, err := m.Acquire(context.Background(), w.Address(), testScope, DefaultTTL)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			keys[i] = k
		}(i)
	}
	wg.Wait()

	if got := w.requests.Load(); got != 1 {
		t.Fatalf("signature requests = %d, want 1", got)
	}
	for _, k := range keys[1:] {
		if k != keys[0] {
			t.Fatal("concurrent callers received different keys")
		}
	}
}

func TestAcquireHonorsContextWhileRenewalRuns(t *testing.T) {
	t.Parallel()

	w := newCountingWallet(t)
	w.delay = 200 * time.Millisecond
	m := newTestManager(t, newFakeClock(), w)

	go func() {
		_, _ = m.Acquire(context.Background(), w.Address(), testScope, DefaultTTL)
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Acquire(ctx, w.Address(), testScope, DefaultTTL)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("acquire during renewal = %v, want deadline exceeded", err)
	}
}

func TestKeyStateMachine(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	w := newCountingWallet(t)
	key, err := NewKey(w.Address(), testScope, time.Minute, clock.Now())
	if err != nil {
		t.Fatal(err)
	}

	if key.Usable(w.Address(), clock.Now()) {
		t.Fatal("unsigned key usable")
	}
	if _, err := key.SignRequest([]byte("x")); !errors.Is(err, ErrUnsigned) {
		t.Fatalf("unsigned SignRequest = %v", err)
	}

	sig, err := w.Local.SignPersonalMessage(context.Background(), key.PersonalMessage())
	if err != nil {
		t.Fatal(err)
	}
	if err := key.SetSignature(sig); err != nil {
		t.Fatal(err)
	}
	if err := key.SetSignature(sig); !errors.Is(err, ErrAlreadySigned) {
		t.Fatalf("second SetSignature = %v", err)
	}
	if !key.Usable(w.Address(), clock.Now()) {
		t.Fatal("signed key not usable")
	}

	cert := key.Certificate()
	if err := wallet.VerifyPersonalMessage(cert.Owner, MessageFor(cert), cert.Signature); err != nil {
		t.Fatalf("certificate does not verify: %v", err)
	}

	reqSig, err := key.SignRequest([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyRequest(cert, clock.Now(), []byte("payload"), reqSig); err != nil {
		t.Fatalf("VerifyRequest: %v", err)
	}
	if err := VerifyRequest(cert, clock.Now(), []byte("other"), reqSig); !errors.Is(err, ErrBadRequestSig) {
		t.Fatalf("tampered payload = %v", err)
	}

	clock.Advance(time.Minute)
	if key.Usable(w.Address(), clock.Now()) {
		t.Fatal("expired key usable")
	}
	if err := VerifyRequest(cert, clock.Now(), []byte("payload"), reqSig); !errors.Is(err, ErrExpired) {
		t.Fatalf("expired certificate = %v", err)
	}
}

func TestPersonalMessageDeterministic(t *testing.T) {
	t.Parallel()

	key, err := NewKey("0xabc", testScope, DefaultTTL, newFakeClock().Now())
	if err != nil {
		t.Fatal(err)
	}
	if string(key.PersonalMessage()) != string(key.PersonalMessage()) {
		t.Fatal("personal message not deterministic")
	}

	other, err := NewKey("0xabc", testScope, DefaultTTL, newFakeClock().Now())
	if err != nil {
		t.Fatal(err)
	}
	if string(key.PersonalMessage()) == string(other.PersonalMessage()) {
		t.Fatal("distinct session keys share a message")
	}
}

func TestNewKeyValidation(t *testing.T) {
	t.Parallel()

	now := newFakeClock().Now()
	if _, err := NewKey("0x1", testScope, 0, now); !errors.Is(err, ErrInvalidTTL) {
		t.Fatalf("zero ttl = %v", err)
	}
	if _, err := NewKey("", testScope, time.Minute, now); !errors.Is(err, ErrMissingOwnerScope) {
		t.Fatalf("empty owner = %v", err)
	}
}
