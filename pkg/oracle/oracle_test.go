package oracle

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/shake-gate/pkg/interfaces"
	"github.com/i5heu/shake-gate/pkg/ledger"
	"github.com/i5heu/shake-gate/pkg/logging"
	"github.com/i5heu/shake-gate/pkg/model"
	"github.com/i5heu/shake-gate/pkg/session"
	"github.com/i5heu/shake-gate/pkg/wallet"
)

const testPackage model.ObjectID = "0xpackage"

// stubLedger approves predicates for owners in allowed.
// When content is set, only predicates whose id argument
// is listed there pass.
type stubLedger struct {
	mu      sync.Mutex
	allowed map[model.Address]bool
	content map[string]bool
	calls   atomic.Int32
}

func (s *stubLedger) allowOnly(contentID []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.content == nil {
		s.content = map[string]bool{}
	}
	s.content[hex.EncodeToString(contentID)] = true
}

func (s *stubLedger) allow(addr model.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowed[addr] = true
}

func (s *stubLedger) Simulate(
	_ context.Context,
	call model.Call,
	sender model.Address,
) ([][]byte, error) {
	s.calls.Add(1)
	s.mu.Lock()
	ok := s.allowed[sender]
	if s.content != nil && len(call.Args) > 0 {
		ok = ok && s.content[call.Args[0].Value]
	}
	s.mu.Unlock()
	if !ok {
		return nil, interfaces.ErrCallFailed
	}
	return nil, nil
}

type network struct {
	servers []KeyServer
	ledger  *stubLedger
	// handlers can be swapped per server to inject faults.
	handlers []atomic.Pointer[http.Handler]
}

func newNetwork(t *testing.T, n int) *network {
	t.Helper()
	net := &network{
		ledger:   &stubLedger{allowed: map[model.Address]bool{}},
		handlers: make([]atomic.Pointer[http.Handler], n),
	}
	for i := 0; i < n; i++ {
		i := i
		srv := NewServer(
			string(rune('a'+i)),
			GenerateKeyPair(),
			testPackage,
			net.ledger,
			WithServerLogger(logging.Discard()),
		)
		var h http.Handler = srv
		net.handlers[i].Store(&h)
		hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			(*net.handlers[i].Load()).ServeHTTP(w, r)
		}))
		t.Cleanup(hs.Close)
		net.servers = append(net.servers, srv.Info(hs.URL))
	}
	return net
}

func (n *network) replace(i int, h http.Handler) {
	n.handlers[i].Store(&h)
}

func newTestClient(t *testing.T, servers []KeyServer) *Client {
	t.Helper()
	c, err := NewClient(testPackage, servers, WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func signedSession(t *testing.T, w *wallet.Local) *session.Key {
	t.Helper()
	key, err := session.NewKey(w.Address(), string(testPackage), session.DefaultTTL, time.Now())
	require.NoError(t, err)
	sig, err := w.SignPersonalMessage(context.Background(), key.PersonalMessage())
	require.NoError(t, err)
	require.NoError(t, key.SetSignature(sig))
	return key
}

func predicateFor(contentID []byte) model.Call {
	blog := ledger.Blog{PackageID: testPackage, PaymentRegistry: "0xregistry"}
	return blog.SealApprove(contentID, "0xmeta")
}

type fixture struct {
	net       *network
	client    *Client
	reader    *wallet.Local
	contentID []byte
	envelope  []byte
	plaintext []byte
}

func newFixture(t *testing.T, servers, threshold int) fixture {
	t.Helper()
	net := newNetwork(t, servers)
	client := newTestClient(t, net.servers)
	reader, err := wallet.Generate(nil)
	require.NoError(t, err)

	contentID := []byte("registry-bytes|nonce")
	plaintext := []byte("<p>paid article body</p>")
	env, err := client.Encrypt(context.Background(), plaintext, contentID, threshold)
	require.NoError(t, err)

	return fixture{
		net:       net,
		client:    client,
		reader:    reader,
		contentID: contentID,
		envelope:  env,
		plaintext: plaintext,
	}
}

func (f fixture) decrypt(t *testing.T) ([]byte, error) {
	t.Helper()
	return f.client.Decrypt(
		context.Background(),
		f.envelope,
		signedSession(t, f.reader),
		predicateFor(f.contentID),
	)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3, 2)
	f.net.ledger.allow(f.reader.Address())

	assert.False(t, bytes.Contains(f.envelope, f.plaintext), "envelope leaks plaintext")

	got, err := f.decrypt(t)
	require.NoError(t, err)
	assert.Equal(t, f.plaintext, got)
}

func TestDecryptToleratesServerOutage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3, 2)
	f.net.ledger.allow(f.reader.Address())
	f.net.replace(0, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	got, err := f.decrypt(t)
	require.NoError(t, err)
	assert.Equal(t, f.plaintext, got)
}

func TestDecryptBelowThresholdFailsClosed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3, 2)
	f.net.ledger.allow(f.reader.Address())
	down := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	f.net.replace(0, down)
	f.net.replace(2, down)

	got, err := f.decrypt(t)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, interfaces.ErrOracleThresholdNotMet)
	assert.True(t, interfaces.Retryable(err))
}

func TestDecryptApprovalRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3, 2)

	got, err := f.decrypt(t)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, interfaces.ErrApprovalRejected)
	assert.Positive(t, f.net.ledger.calls.Load())
}

func TestDecryptStopsAtThreshold(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3, 2)
	f.net.ledger.allow(f.reader.Address())
	f.net.replace(1, http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))

	start := time.Now()
	got, err := f.decrypt(t)
	require.NoError(t, err)
	assert.Equal(t, f.plaintext, got)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestDecryptRejectsForeignSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, 2)
	f.net.ledger.allow(f.reader.Address())

	other, err := wallet.Generate(nil)
	require.NoError(t, err)
	key, err := session.NewKey(f.reader.Address(), string(testPackage), session.DefaultTTL, time.Now())
	require.NoError(t, err)
	// Signed by a wallet that does not own the session.
	sig, err := other.SignPersonalMessage(context.Background(), key.PersonalMessage())
	require.NoError(t, err)
	require.NoError(t, key.SetSignature(sig))

	_, err = f.client.Decrypt(context.Background(), f.envelope, key, predicateFor(f.contentID))
	assert.ErrorIs(t, err, interfaces.ErrOracleThresholdNotMet)
}

func TestDecryptRejectsMismatchedPredicate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, 2)
	f.net.ledger.allow(f.reader.Address())

	_, err := f.client.Decrypt(
		context.Background(),
		f.envelope,
		signedSession(t, f.reader),
		predicateFor([]byte("some other id")),
	)
	assert.ErrorIs(t, err, interfaces.ErrOracleThresholdNotMet)
}

func TestDecryptUnsignedSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, 2)
	key, err := session.NewKey(f.reader.Address(), string(testPackage), session.DefaultTTL, time.Now())
	require.NoError(t, err)

	_, err = f.client.Decrypt(context.Background(), f.envelope, key, predicateFor(f.contentID))
	assert.ErrorIs(t, err, session.ErrUnsigned)
	assert.Zero(t, f.net.ledger.calls.Load())
}

func TestEncryptValidatesThreshold(t *testing.T) {
	t.Parallel()

	net := newNetwork(t, 2)
	c := newTestClient(t, net.servers)
	_, err := c.Encrypt(context.Background(), []byte("x"), []byte("id"), 3)
	assert.Error(t, err)
	_, err = c.Encrypt(context.Background(), []byte("x"), []byte("id"), 0)
	assert.Error(t, err)
	_, err = c.Encrypt(context.Background(), []byte("x"), nil, 1)
	assert.Error(t, err)
}

func TestEnvelopeCodec(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3, 2)
	env, err := UnmarshalEnvelope(f.envelope)
	require.NoError(t, err)
	assert.Equal(t, testPackage, env.PackageID)
	assert.Equal(t, f.contentID, env.ContentID)
	assert.Equal(t, 2, env.Threshold)
	assert.Len(t, env.Shares, 3)
	assert.Equal(t, f.envelope, env.Marshal())

	_, err = UnmarshalEnvelope([]byte("not an envelope"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidEnvelope)

	env.Threshold = 4
	_, err = UnmarshalEnvelope(env.Marshal())
	assert.ErrorIs(t, err, interfaces.ErrInvalidEnvelope)

	_, err = f.client.Decrypt(context.Background(), []byte{0xff, 0x01}, signedSession(t, f.reader), predicateFor(f.contentID))
	assert.ErrorIs(t, err, interfaces.ErrInvalidEnvelope)
}

func TestDecryptTamperedBodyFailsClosed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, 2)
	f.net.ledger.allow(f.reader.Address())

	env, err := UnmarshalEnvelope(f.envelope)
	require.NoError(t, err)
	env.Ciphertext[0] ^= 0xff
	f.envelope = env.Marshal()

	got, err := f.decrypt(t)
	assert.Nil(t, got)
	assert.True(t, errors.Is(err, interfaces.ErrOracleThresholdNotMet))
}

func TestKeyEncodingRoundTrip(t *testing.T) {
	t.Parallel()

	kp := GenerateKeyPair()
	parsed, err := ParsePrivateKey(EncodePrivateKey(kp.Private))
	require.NoError(t, err)
	assert.True(t, parsed.Public.Equal(kp.Public))

	pub, err := ParsePublicKey("0x" + EncodePublicKey(kp.Public))
	require.NoError(t, err)
	assert.True(t, pub.Equal(kp.Public))
}

func TestKeyServerRejectsReplayedRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3, 2)
	f.net.ledger.allow(f.reader.Address())

	original := *f.net.handlers[0].Load()
	var captured atomic.Pointer[[]byte]
	f.net.replace(0, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
		original.ServeHTTP(w, r)
		captured.Store(&body)
	}))

	got, err := f.decrypt(t)
	require.NoError(t, err)
	assert.Equal(t, f.plaintext, got)

	// Decrypt may return before server 0 answered.
	body := captured.Load()
	if body == nil {
		t.Skip("server 0 was not contacted")
	}
	resp, err := http.Post(f.net.servers[0].URL+FetchKeyPath, "application/json", bytes.NewReader(*body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestReplayCacheExpiry(t *testing.T) {
	t.Parallel()

	base := time.Now()
	now := base
	rc := newReplayCache(func() time.Time { return now })

	assert.False(t, rc.record(nil, base.Add(time.Minute)))
	assert.True(t, rc.record([]byte("sig"), base.Add(time.Minute)))
	assert.False(t, rc.record([]byte("sig"), base.Add(time.Minute)))
	assert.True(t, rc.record([]byte("other"), base.Add(time.Hour)))

	now = base.Add(2 * time.Minute)
	assert.True(t, rc.record([]byte("sig"), now.Add(time.Minute)), "expired entries are reusable")
	assert.Equal(t, 2, rc.size())

	now = base.Add(2 * time.Hour)
	rc.mu.Lock()
	rc.cleanup()
	rc.mu.Unlock()
	assert.Zero(t, rc.size())
}

func TestPurchaseOfOneArticleDoesNotOpenAnother(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3, 2)
	f.net.ledger.allow(f.reader.Address())
	f.net.ledger.allowOnly(f.contentID)

	otherID := []byte("registry-bytes|other")
	other, err := f.client.Encrypt(context.Background(), []byte("other body"), otherID, 2)
	require.NoError(t, err)

	_, err = f.client.Decrypt(
		context.Background(), other, signedSession(t, f.reader), predicateFor(otherID),
	)
	assert.ErrorIs(t, err, interfaces.ErrApprovalRejected)

	got, err := f.decrypt(t)
	require.NoError(t, err)
	assert.Equal(t, f.plaintext, got)
}

func TestKeyServerRefusesSharesOfOtherContent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3, 2)
	f.net.ledger.allow(f.reader.Address())
	f.net.ledger.allowOnly(f.contentID)

	otherID := []byte("registry-bytes|expensive")
	sealed, err := f.client.Encrypt(context.Background(), []byte("expensive body"), otherID, 2)
	require.NoError(t, err)

	// Relabel the other envelope so its shares travel under
	// the approved content id.
	env, err := UnmarshalEnvelope(sealed)
	require.NoError(t, err)
	env.ContentID = f.contentID

	_, err = f.client.Decrypt(
		context.Background(), env.Marshal(), signedSession(t, f.reader), predicateFor(f.contentID),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrApprovalRejected)
}

func TestKeyServerRefusesSwappedShareIndex(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3, 2)
	f.net.ledger.allow(f.reader.Address())

	env, err := UnmarshalEnvelope(f.envelope)
	require.NoError(t, err)
	env.Shares[0].Index, env.Shares[1].Index = env.Shares[1].Index, env.Shares[0].Index
	env.Shares = env.Shares[:2]

	_, err = f.client.Decrypt(
		context.Background(), env.Marshal(), signedSession(t, f.reader), predicateFor(f.contentID),
	)
	assert.ErrorIs(t, err, interfaces.ErrApprovalRejected)
}
