package publish

import (
	"bytes"
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/shake-gate/internal/testutil"
	"github.com/i5heu/shake-gate/pkg/access"
	"github.com/i5heu/shake-gate/pkg/interfaces"
	"github.com/i5heu/shake-gate/pkg/logging"
	"github.com/i5heu/shake-gate/pkg/oracle"
	"github.com/i5heu/shake-gate/pkg/profile"
	"github.com/i5heu/shake-gate/pkg/session"
	"github.com/i5heu/shake-gate/pkg/viewer"
)

func publisherFor(env *testutil.Env, author *testutil.Wallet) *Publisher {
	profiles := profile.New(env.Chain, author, env.Blobs, env.Chain.Blog,
		profile.WithLogger(logging.Discard()))
	return New(author, env.Blobs, env.Oracle, profiles, env.Chain.Blog,
		WithLogger(logging.Discard()))
}

// newPublisher returns a publisher for an author with a
// registered profile.
func newPublisher(t *testing.T) (*testutil.Env, *testutil.Wallet, *Publisher) {
	t.Helper()
	env := testutil.NewEnv(t)
	author := testutil.NewWallet(t, env.Chain)
	env.Profile(t, author)
	return env, author, publisherFor(env, author)
}

func TestDraftValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		draft Draft
		want  error
	}{
		{"ok free", Draft{Title: "t", Content: []byte("c")}, nil},
		{"ok paid", Draft{Title: "t", Content: []byte("c"), Paid: true, PriceUnits: 1}, nil},
		{"no title", Draft{Title: "  ", Content: []byte("c")}, ErrEmptyTitle},
		{"no content", Draft{Title: "t", Content: []byte(" \n")}, ErrEmptyContent},
		{"paid without price", Draft{Title: "t", Content: []byte("c"), Paid: true}, ErrNoPrice},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.draft.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPublishInvalidDraftUploadsNothing(t *testing.T) {
	t.Parallel()

	env, author, p := newPublisher(t)
	_, err := p.Publish(context.Background(), author.Address(), Draft{Content: []byte("x")})
	assert.ErrorIs(t, err, ErrEmptyTitle)
	assert.Zero(t, author.SubmitRequests())
	assert.Zero(t, env.Chain.Submitted("create_post"))
}

func TestPublishFreeStoresPlaintext(t *testing.T) {
	t.Parallel()

	env, author, p := newPublisher(t)
	ctx := context.Background()

	article, err := p.Publish(ctx, author.Address(), Draft{
		Title:   "hello",
		Content: []byte("plain words"),
	})
	require.NoError(t, err)
	assert.True(t, article.IsFree())
	assert.True(t, article.IsAuthor(author.Address()))

	raw, ok := env.Blobs.Raw(article.ContentBlob)
	require.True(t, ok)
	assert.Equal(t, []byte("plain words"), raw)

	onChain, err := env.Chain.Article(ctx, article.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", onChain.Title)
	assert.Equal(t, article.ContentBlob, onChain.ContentBlob)
	assert.Zero(t, onChain.PriceUnits)
}

func TestPublishPaidSealsContent(t *testing.T) {
	t.Parallel()

	env, author, p := newPublisher(t)
	ctx := context.Background()
	secret := []byte("only for buyers")

	article, err := p.Publish(ctx, author.Address(), Draft{
		Title:      "paid",
		Content:    secret,
		PriceUnits: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(100), article.PriceUnits)

	raw, ok := env.Blobs.Raw(article.ContentBlob)
	require.True(t, ok)
	assert.False(t, bytes.Contains(raw, secret))

	envlp, err := oracle.UnmarshalEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, oracle.DefaultThreshold, envlp.Threshold)
	registry, err := env.Chain.Blog.PaymentRegistry.Bytes()
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(envlp.ContentID, registry))
	assert.Len(t, envlp.ContentID, len(registry)+contentNonceSize)

	onChain, err := env.Chain.Article(ctx, article.ID)
	require.NoError(t, err)
	assert.Equal(t, envlp.ContentID, onChain.SealID)
	assert.Equal(t, article.SealID, onChain.SealID)

	reader := testutil.NewWallet(t, env.Chain)
	env.Chain.Fund(reader.Address(), 100)
	verifier := access.NewVerifier(env.Chain, reader, env.Chain.Blog,
		access.WithLogger(logging.Discard()),
		access.WithCoinType(testutil.CoinType))
	_, err = verifier.Purchase(ctx, reader.Address(), article)
	require.NoError(t, err)

	v := viewer.New(verifier,
		session.NewManager(session.SingleWallet{Wallet: reader}, session.WithLogger(logging.Discard())),
		env.Blobs, env.Oracle, env.Chain.Blog, viewer.WithLogger(logging.Discard()))
	body, err := v.View(ctx, article, reader.Address())
	require.NoError(t, err)
	assert.Equal(t, secret, body)
}

func TestPublishWithThumbnail(t *testing.T) {
	t.Parallel()

	env, author, p := newPublisher(t)
	article, err := p.Publish(context.Background(), author.Address(), Draft{
		Title:     "pic",
		Content:   []byte("body"),
		Thumbnail: []byte{0x89, 'P', 'N', 'G'},
	})
	require.NoError(t, err)
	require.NotEmpty(t, article.ThumbnailBlob)

	raw, ok := env.Blobs.Raw(article.ThumbnailBlob)
	require.True(t, ok)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, raw)
}

func TestPublishUploadFailure(t *testing.T) {
	t.Parallel()

	env, author, p := newPublisher(t)
	env.Blobs.FailPut = http.StatusServiceUnavailable

	_, err := p.Publish(context.Background(), author.Address(), Draft{
		Title:   "t",
		Content: []byte("c"),
	})
	assert.ErrorIs(t, err, interfaces.ErrUploadFailed)
	var upErr *interfaces.UploadError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusServiceUnavailable, upErr.StatusCode)
	assert.Zero(t, env.Chain.Submitted("create_post"))
}

func TestPublishDeclined(t *testing.T) {
	t.Parallel()

	env, author, p := newPublisher(t)
	author.Decline.Store(true)

	_, err := p.Publish(context.Background(), author.Address(), Draft{
		Title:   "t",
		Content: []byte("c"),
	})
	assert.ErrorIs(t, err, interfaces.ErrSigningRejected)
	assert.Zero(t, env.Chain.Submitted("create_post"))
}

func TestPublishForeignAuthor(t *testing.T) {
	t.Parallel()

	env, _, p := newPublisher(t)
	other := testutil.NewWallet(t, env.Chain)

	_, err := p.Publish(context.Background(), other.Address(), Draft{
		Title:   "t",
		Content: []byte("c"),
	})
	assert.ErrorIs(t, err, interfaces.ErrSigningRejected)
}

func TestContentIDIsFresh(t *testing.T) {
	t.Parallel()

	registry := testutil.TestBlog().PaymentRegistry
	a, err := ContentID(registry)
	require.NoError(t, err)
	b, err := ContentID(registry)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = ContentID("not-hex")
	assert.Error(t, err)
}

func TestPublishWithoutProfileUploadsNothing(t *testing.T) {
	t.Parallel()

	env := testutil.NewEnv(t)
	author := testutil.NewWallet(t, env.Chain)
	p := publisherFor(env, author)

	_, err := p.Publish(context.Background(), author.Address(), Draft{
		Title:     "t",
		Content:   []byte("c"),
		Thumbnail: []byte("img"),
	})
	assert.ErrorIs(t, err, interfaces.ErrProfileNotFound)
	assert.Zero(t, env.Blobs.Len())
	assert.Zero(t, author.SubmitRequests())
}

func TestPublishGoesThroughProfile(t *testing.T) {
	t.Parallel()

	env, author, p := newPublisher(t)
	ctx := context.Background()

	first, err := p.Publish(ctx, author.Address(), Draft{Title: "one", Content: []byte("a")})
	require.NoError(t, err)
	second, err := p.Publish(ctx, author.Address(), Draft{Title: "two", Content: []byte("b"), PriceUnits: 5})
	require.NoError(t, err)

	posts, err := profile.New(env.Chain, nil, env.Blobs, env.Chain.Blog).Posts(ctx, author.Address())
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, first.ID, posts[0].ID)
	assert.Equal(t, second.ID, posts[1].ID)
	assert.Empty(t, posts[0].SealID)
	assert.Equal(t, second.SealID, posts[1].SealID)
}
