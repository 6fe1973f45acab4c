package shake

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/shake-gate/internal/testutil"
	"github.com/i5heu/shake-gate/pkg/interfaces"
	"github.com/i5heu/shake-gate/pkg/logging"
	"github.com/i5heu/shake-gate/pkg/model"
	"github.com/i5heu/shake-gate/pkg/profile"
	"github.com/i5heu/shake-gate/pkg/publish"
)

func testConfig(env *testutil.Env) Config {
	return Config{
		PackageID:       env.Chain.Blog.PackageID,
		PaymentRegistry: env.Chain.Blog.PaymentRegistry,
		UserRegistry:    env.Chain.Blog.UserRegistry,
		CoinType:        testutil.CoinType,
		Logger:          logging.Discard(),
	}
}

func startClient(t *testing.T, env *testutil.Env, w interfaces.WalletSigner) *Client {
	t.Helper()
	opts := []Option{
		WithLedger(env.Chain),
		WithBlobStore(env.Blobs),
		WithOracle(env.Oracle),
	}
	if w != nil {
		opts = append(opts, WithWallet(w))
	}
	c, err := New(testConfig(env), opts...)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{PackageID: "0x1", PaymentRegistry: "zz", UserRegistry: "0x3"})
	require.Error(t, err)

	_, err = New(Config{PackageID: "0x1", PaymentRegistry: "0x2"})
	require.Error(t, err)

	_, err = New(Config{
		PackageID:       "0x1",
		PaymentRegistry: "0x2",
		UserRegistry:    "0x3",
		Threshold:       3,
		KeyServers:      []KeyServerConfig{{ID: "a"}, {ID: "b"}},
	})
	require.Error(t, err)
}

func TestStartWithoutLedgerURLFails(t *testing.T) {
	t.Parallel()

	c, err := New(Config{PackageID: "0x1", PaymentRegistry: "0x2", UserRegistry: "0x3", Logger: logging.Discard()})
	require.NoError(t, err)
	require.Error(t, c.Start(context.Background()))

	_, err = c.View(context.Background(), "0x3")
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	env := testutil.NewEnv(t)
	c := startClient(t, env, nil)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.View(context.Background(), "0x3")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSeedWallet(t *testing.T) {
	t.Parallel()

	env := testutil.NewEnv(t)
	w := testutil.NewWallet(t, env.Chain)
	conf := testConfig(env)
	conf.WalletSeed = w.Seed()

	c, err := New(conf, WithLedger(env.Chain), WithBlobStore(env.Blobs), WithOracle(env.Oracle))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()
	assert.Equal(t, w.Address(), c.Address())
}

func TestAnonymousClientIsReadOnly(t *testing.T) {
	t.Parallel()

	env := testutil.NewEnv(t)
	author := testutil.NewWallet(t, env.Chain)
	free := env.Post(t, author, "free", []byte("open"), 0)
	paid := env.Post(t, author, "paid", []byte("closed"), 100)

	c := startClient(t, env, nil)
	ctx := context.Background()

	body, err := c.View(ctx, free.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("open"), body)

	_, err = c.View(ctx, paid.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotPurchased)

	_, err = c.Purchase(ctx, paid.ID)
	assert.ErrorIs(t, err, ErrNoWallet)
	_, err = c.Publish(ctx, publish.Draft{Title: "t", Content: []byte("c")})
	assert.ErrorIs(t, err, ErrNoWallet)
	_, err = c.Register(ctx, profile.Registration{Name: "anon", Image: []byte("i")})
	assert.ErrorIs(t, err, ErrNoWallet)
	_, err = c.Profile(ctx, "")
	assert.ErrorIs(t, err, ErrNoWallet)

	posts, err := c.UserPosts(ctx, author.Address())
	require.NoError(t, err)
	assert.Len(t, posts, 2, "anyone can list an author's posts")
}

func TestPublishPurchaseViewReviewVote(t *testing.T) {
	t.Parallel()

	env := testutil.NewEnv(t)
	ctx := context.Background()
	authorWallet := testutil.NewWallet(t, env.Chain)
	readerWallet := testutil.NewWallet(t, env.Chain)
	voterWallet := testutil.NewWallet(t, env.Chain)
	author := startClient(t, env, authorWallet)
	reader := startClient(t, env, readerWallet)
	voter := startClient(t, env, voterWallet)

	_, err := author.Publish(ctx, publish.Draft{Title: "early", Content: []byte("x")})
	require.ErrorIs(t, err, interfaces.ErrProfileNotFound)

	me, err := author.Register(ctx, profile.Registration{
		Name:  "author",
		Bio:   "writes things",
		Image: []byte("portrait"),
	})
	require.NoError(t, err)
	assert.True(t, authorWallet.Address().Equal(me.Owner))

	article, err := author.Publish(ctx, publish.Draft{
		Title:      "paid",
		Content:    []byte("worth it"),
		PriceUnits: 100,
	})
	require.NoError(t, err)

	d, err := reader.Access(ctx, article.ID)
	require.NoError(t, err)
	assert.True(t, d.NeedsPurchase)

	_, err = reader.View(ctx, article.ID)
	require.ErrorIs(t, err, interfaces.ErrNotPurchased)

	env.Chain.Fund(readerWallet.Address(), 100)
	bought, err := reader.Purchase(ctx, article.ID)
	require.NoError(t, err)
	assert.True(t, bought)

	bought, err = reader.Purchase(ctx, article.ID)
	require.NoError(t, err)
	assert.False(t, bought)

	body, err := reader.View(ctx, article.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("worth it"), body)

	seen, err := reader.Profile(ctx, authorWallet.Address())
	require.NoError(t, err)
	assert.Equal(t, me.ID, seen.ID)
	posts, err := author.UserPosts(ctx, "")
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, article.ID, posts[0].ID)

	_, err = author.SubmitReview(ctx, article.ID, "my own work")
	assert.ErrorIs(t, err, interfaces.ErrSelfReviewForbidden)

	reviewID, err := reader.SubmitReview(ctx, article.ID, "recommended")
	require.NoError(t, err)

	_, err = voter.Vote(ctx, article.ID, reviewID, model.Helpful)
	require.NoError(t, err)
	_, err = voter.Vote(ctx, article.ID, reviewID, model.NotHelpful)
	require.NoError(t, err)

	views, err := voter.Reviews(ctx, article.ID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Zero(t, views[0].HelpfulCount())
	assert.Equal(t, uint64(1), views[0].NotHelpfulCount())
	require.NotNil(t, views[0].CurrentUserVote)
	assert.Equal(t, model.NotHelpful, *views[0].CurrentUserVote)

	views, err = reader.Reviews(ctx, article.ID)
	require.NoError(t, err)
	assert.True(t, views[0].IsCurrentUserReview)
	assert.Nil(t, views[0].CurrentUserVote)
}
