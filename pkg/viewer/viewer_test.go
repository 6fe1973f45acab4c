package viewer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/shake-gate/internal/testutil"
	"github.com/i5heu/shake-gate/pkg/access"
	"github.com/i5heu/shake-gate/pkg/interfaces"
	"github.com/i5heu/shake-gate/pkg/logging"
	"github.com/i5heu/shake-gate/pkg/model"
	"github.com/i5heu/shake-gate/pkg/session"
)

type fixture struct {
	env      *testutil.Env
	author   *testutil.Wallet
	reader   *testutil.Wallet
	verifier *access.Verifier
	sessions *session.Manager
	o        *Orchestrator
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	env := testutil.NewEnv(t)
	reader := testutil.NewWallet(t, env.Chain)
	verifier := access.NewVerifier(env.Chain, reader, env.Chain.Blog,
		access.WithLogger(logging.Discard()),
		access.WithCoinType(testutil.CoinType))
	sessions := session.NewManager(session.SingleWallet{Wallet: reader},
		session.WithLogger(logging.Discard()))
	return fixture{
		env:      env,
		author:   testutil.NewWallet(t, env.Chain),
		reader:   reader,
		verifier: verifier,
		sessions: sessions,
		o: New(verifier, sessions, env.Blobs, env.Oracle, env.Chain.Blog,
			WithLogger(logging.Discard()),
			WithSessionTTL(time.Minute)),
	}
}

func (f fixture) buy(t *testing.T, article model.Article) {
	t.Helper()
	f.env.Chain.Fund(f.reader.Address(), article.PriceUnits)
	_, err := f.verifier.Purchase(context.Background(), f.reader.Address(), article)
	require.NoError(t, err)
}

func TestViewFreeArticle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	article := f.env.Post(t, f.author, "free", []byte("open to all"), 0)

	body, err := f.o.View(context.Background(), article, "")
	require.NoError(t, err)
	assert.Equal(t, []byte("open to all"), body)

	assert.Zero(t, f.env.Chain.Simulated("is_purchased_post"))
	assert.Zero(t, f.env.Keys.Requests())
	assert.Zero(t, f.reader.MessageSigns())
}

func TestViewUnpurchasedFailsBeforeSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	article := f.env.Post(t, f.author, "paid", []byte("secret"), 100)
	gets := f.env.Blobs.Gets()

	_, err := f.o.View(context.Background(), article, f.reader.Address())
	assert.ErrorIs(t, err, interfaces.ErrNotPurchased)

	assert.Zero(t, f.reader.MessageSigns())
	assert.Zero(t, f.env.Keys.Requests())
	assert.Equal(t, gets, f.env.Blobs.Gets())
}

func TestViewAnonymousReader(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	article := f.env.Post(t, f.author, "paid", []byte("secret"), 100)

	_, err := f.o.View(context.Background(), article, "")
	assert.ErrorIs(t, err, interfaces.ErrNotPurchased)
	assert.Zero(t, f.env.Chain.Simulated("is_purchased_post"))
}

func TestViewPurchasedArticle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	article := f.env.Post(t, f.author, "paid", []byte("the good part"), 100)

	_, err := f.o.View(ctx, article, f.reader.Address())
	require.ErrorIs(t, err, interfaces.ErrNotPurchased)

	f.buy(t, article)

	body, err := f.o.View(ctx, article, f.reader.Address())
	require.NoError(t, err)
	assert.Equal(t, []byte("the good part"), body)
	assert.Equal(t, 1, f.reader.MessageSigns())

	// The cached session serves the next view.
	body, err = f.o.View(ctx, article, f.reader.Address())
	require.NoError(t, err)
	assert.Equal(t, []byte("the good part"), body)
	assert.Equal(t, 1, f.reader.MessageSigns())
}

func TestViewRechecksPurchaseEveryTime(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	article := f.env.Post(t, f.author, "paid", []byte("x"), 100)
	f.buy(t, article)

	for i := 0; i < 3; i++ {
		_, err := f.o.View(ctx, article, f.reader.Address())
		require.NoError(t, err)
	}
	assert.Equal(t, 3, f.env.Chain.Simulated("is_purchased_post"))
}

func TestViewDeclinedSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	article := f.env.Post(t, f.author, "paid", []byte("secret"), 100)
	f.buy(t, article)
	f.reader.Decline.Store(true)

	_, err := f.o.View(context.Background(), article, f.reader.Address())
	assert.ErrorIs(t, err, interfaces.ErrSigningRejected)
	assert.True(t, interfaces.Retryable(err))
	assert.Zero(t, f.env.Keys.Requests())
}

func TestViewMissingBlob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	article := f.env.Post(t, f.author, "paid", []byte("secret"), 100)
	f.buy(t, article)
	f.env.Blobs.Delete(article.ContentBlob)

	_, err := f.o.View(context.Background(), article, f.reader.Address())
	assert.ErrorIs(t, err, interfaces.ErrBlobNotFound)
	assert.False(t, interfaces.Retryable(err))
}

func TestViewCorruptBlob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	article := f.env.Post(t, f.author, "paid", []byte("secret"), 100)
	f.buy(t, article)

	junk, err := f.env.Blobs.Put(ctx, []byte("not an envelope"), 1)
	require.NoError(t, err)
	article.ContentBlob = junk

	_, err = f.o.View(ctx, article, f.reader.Address())
	assert.ErrorIs(t, err, interfaces.ErrInvalidEnvelope)
	assert.Zero(t, f.env.Keys.Requests())
}

func TestViewOtherReadersPurchaseDoesNotCount(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	article := f.env.Post(t, f.author, "paid", []byte("secret"), 100)

	other := testutil.NewWallet(t, f.env.Chain)
	f.env.Chain.Fund(other.Address(), 100)
	_, err := access.NewVerifier(f.env.Chain, other, f.env.Chain.Blog,
		access.WithLogger(logging.Discard()),
		access.WithCoinType(testutil.CoinType)).
		Purchase(ctx, other.Address(), article)
	require.NoError(t, err)

	_, err = f.o.View(ctx, article, f.reader.Address())
	assert.ErrorIs(t, err, interfaces.ErrNotPurchased)
}

func TestPredicateTargetsPaymentRegistry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	article := f.env.Post(t, f.author, "paid", []byte("secret"), 100)

	p := f.o.Predicate([]byte{1, 2, 3}, article)
	assert.Equal(t, f.env.Chain.Blog.SealApprove([]byte{1, 2, 3}, article.MetadataRef()), p)
	assert.Equal(t, string(f.env.Chain.Blog.PackageID), f.o.Scope())
}

func TestViewRejectsEnvelopeOfAnotherArticle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	cheap := f.env.Post(t, f.author, "cheap", []byte("cheap body"), 1)
	pricey := f.env.Post(t, f.author, "pricey", []byte("pricey body"), 100)
	f.buy(t, cheap)

	cheap.ContentBlob = pricey.ContentBlob
	_, err := f.o.View(ctx, cheap, f.reader.Address())
	assert.ErrorIs(t, err, interfaces.ErrInvalidEnvelope)
	assert.Zero(t, f.env.Keys.Requests())
}

func TestPurchaseOpensOnlyThatArticle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	cheap := f.env.Post(t, f.author, "cheap", []byte("cheap body"), 1)
	pricey := f.env.Post(t, f.author, "pricey", []byte("pricey body"), 100)
	f.buy(t, cheap)

	_, err := f.o.View(ctx, pricey, f.reader.Address())
	assert.ErrorIs(t, err, interfaces.ErrNotPurchased)

	// Ask the key servers directly, presenting the pricey
	// article's id under the cheap article's purchase.
	sealed, err := f.env.Blobs.Get(ctx, pricey.ContentBlob)
	require.NoError(t, err)
	key, err := f.sessions.Acquire(ctx, f.reader.Address(), f.o.Scope(), time.Minute)
	require.NoError(t, err)
	_, err = f.env.Oracle.Decrypt(ctx, sealed, key, f.o.Predicate(pricey.SealID, cheap))
	assert.ErrorIs(t, err, interfaces.ErrApprovalRejected)

	body, err := f.o.View(ctx, cheap, f.reader.Address())
	require.NoError(t, err)
	assert.Equal(t, []byte("cheap body"), body)
}
