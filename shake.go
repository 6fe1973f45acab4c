// Package shake is the client core of a pay-to-read
// publishing platform. Article bodies live on a blob
// network, metadata and purchases on a public ledger, and
// paid bodies are threshold-encrypted so only readers with
// a purchase record can open them.
//
// A Client is constructed once per process and wires the
// ledger, blob store, wallet and key server network into
// the view, purchase, publish and review operations.
package shake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/shake-gate/pkg/access"
	"github.com/i5heu/shake-gate/pkg/blobstore"
	"github.com/i5heu/shake-gate/pkg/interfaces"
	"github.com/i5heu/shake-gate/pkg/ledger"
	"github.com/i5heu/shake-gate/pkg/logging"
	"github.com/i5heu/shake-gate/pkg/model"
	"github.com/i5heu/shake-gate/pkg/oracle"
	"github.com/i5heu/shake-gate/pkg/profile"
	"github.com/i5heu/shake-gate/pkg/publish"
	"github.com/i5heu/shake-gate/pkg/review"
	"github.com/i5heu/shake-gate/pkg/session"
	"github.com/i5heu/shake-gate/pkg/viewer"
	"github.com/i5heu/shake-gate/pkg/wallet"
)

var (
	ErrNotStarted = errors.New("shake: client not started")
	ErrClosed     = errors.New("shake: client closed")
	ErrNoWallet   = errors.New("shake: no wallet connected")
)

// Client is the handle applications talk to.
type Client struct {
	log    *slog.Logger
	config Config

	ledger interfaces.Ledger
	blobs  interfaces.BlobStore
	oracle interfaces.DecryptionOracle
	wallet interfaces.WalletSigner

	cache        *blobstore.CachedStore
	ownedOracle  *oracle.Client
	sessions     *session.Manager
	verifier     *access.Verifier
	orchestrator *viewer.Orchestrator
	reviews      *review.Adapter
	profiles     *profile.Directory
	publisher    *publish.Publisher

	started   atomic.Bool
	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// Option injects a collaborator in place of the one built
// from Config.
type Option func(*Client)

func WithLedger(l interfaces.Ledger) Option {
	return func(c *Client) { c.ledger = l }
}

func WithBlobStore(b interfaces.BlobStore) Option {
	return func(c *Client) { c.blobs = b }
}

func WithOracle(o interfaces.DecryptionOracle) Option {
	return func(c *Client) { c.oracle = o }
}

// WithWallet connects w instead of a seed wallet.
func WithWallet(w interfaces.WalletSigner) Option {
	return func(c *Client) { c.wallet = w }
}

// New validates conf and returns a client. New does no
// I/O; call Start before use.
func New(conf Config, opts ...Option) (*Client, error) {
	if err := conf.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if conf.Logger == nil {
		conf.Logger = logging.Logger
	}
	if conf.CoinType == "" {
		conf.CoinType = access.DefaultCoinType
	}
	if conf.Epochs == 0 {
		conf.Epochs = publish.DefaultEpochs
	}
	if conf.Threshold == 0 {
		conf.Threshold = oracle.DefaultThreshold
	}
	if conf.SessionTTL == 0 {
		conf.SessionTTL = session.DefaultTTL
	}
	if conf.HTTPTimeout == 0 {
		conf.HTTPTimeout = defaultHTTPTimeout
	}

	c := &Client{log: conf.Logger, config: conf}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start opens the blob cache and builds the components.
// Only the first call has effect.
func (c *Client) Start(ctx context.Context) error {
	var startErr error
	c.startOnce.Do(func() {
		if err := ctx.Err(); err != nil {
			startErr = err
			return
		}
		if startErr = c.connect(); startErr != nil {
			c.release()
			return
		}
		c.assemble()
		c.started.Store(true)
		c.log.Info("shake client started",
			"package", c.config.PackageID,
			"address", c.Address(),
			"cache", c.cache != nil)
	})
	return startErr
}

func (c *Client) connect() error {
	httpClient := &http.Client{Timeout: c.config.HTTPTimeout}

	if c.ledger == nil {
		if c.config.LedgerURL == "" {
			return errors.New("ledger url is required")
		}
		c.ledger = ledger.NewClient(c.config.LedgerURL,
			ledger.WithLogger(c.log),
			ledger.WithHTTPClient(httpClient))
	}

	if c.blobs == nil {
		if c.config.PublisherURL == "" || c.config.AggregatorURL == "" {
			return errors.New("blob publisher and aggregator urls are required")
		}
		c.blobs = blobstore.NewWalrus(c.config.PublisherURL, c.config.AggregatorURL,
			blobstore.WithLogger(c.log),
			blobstore.WithHTTPClient(httpClient))
	}
	if c.config.CachePath != "" {
		cache, err := blobstore.NewCachedStore(c.blobs, blobstore.CacheConfig{
			Path:             c.config.CachePath,
			MinimumFreeSpace: uint64(c.config.MinimumFreeGB),
			Logger:           cacheLogger(c.log),
		})
		if err != nil {
			return fmt.Errorf("open blob cache: %w", err)
		}
		c.cache = cache
		c.blobs = cache
	}

	if c.oracle == nil {
		servers, err := keyServers(c.config.KeyServers)
		if err != nil {
			return err
		}
		o, err := oracle.NewClient(c.config.PackageID, servers,
			oracle.WithLogger(c.log),
			oracle.WithHTTPClient(httpClient))
		if err != nil {
			return err
		}
		c.ownedOracle = o
		c.oracle = o
	}

	if c.wallet == nil && c.config.WalletSeed != "" {
		priv, err := wallet.ParseSeed(c.config.WalletSeed)
		if err != nil {
			return fmt.Errorf("wallet: %w", err)
		}
		c.wallet = wallet.NewLocal(priv, c.ledger)
	}
	return nil
}

func (c *Client) assemble() {
	blog := ledger.Blog{
		PackageID:       c.config.PackageID,
		PaymentRegistry: c.config.PaymentRegistry,
		UserRegistry:    c.config.UserRegistry,
	}
	var wallets session.Wallets = session.SingleWallet{Wallet: c.wallet}

	c.sessions = session.NewManager(wallets, session.WithLogger(c.log))
	c.verifier = access.NewVerifier(c.ledger, c.wallet, blog,
		access.WithLogger(c.log),
		access.WithCoinType(c.config.CoinType))
	c.orchestrator = viewer.New(c.verifier, c.sessions, c.blobs, c.oracle, blog,
		viewer.WithLogger(c.log),
		viewer.WithSessionTTL(c.config.SessionTTL))
	c.reviews = review.New(c.ledger, c.wallet, blog, review.WithLogger(c.log))
	c.profiles = profile.New(c.ledger, c.wallet, c.blobs, blog,
		profile.WithLogger(c.log),
		profile.WithEpochs(c.config.Epochs))
	if c.wallet != nil {
		c.publisher = publish.New(c.wallet, c.blobs, c.oracle, c.profiles, blog,
			publish.WithLogger(c.log),
			publish.WithThreshold(c.config.Threshold),
			publish.WithEpochs(c.config.Epochs))
	}
}

func keyServers(conf []KeyServerConfig) ([]oracle.KeyServer, error) {
	servers := make([]oracle.KeyServer, 0, len(conf))
	for _, ks := range conf {
		pub, err := oracle.ParsePublicKey(ks.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("key server %s: %w", ks.ID, err)
		}
		servers = append(servers, oracle.KeyServer{ID: ks.ID, URL: ks.URL, PublicKey: pub})
	}
	return servers, nil
}

// cacheLogger routes badger's messages through logrus at
// the level of the client logger.
func cacheLogger(l *slog.Logger) *logrus.Logger {
	lr := logrus.New()
	lr.SetLevel(logrus.WarnLevel)
	if l.Enabled(context.Background(), slog.LevelDebug) {
		lr.SetLevel(logrus.DebugLevel)
	}
	return lr
}

// Run starts the client, blocks until ctx is canceled
// and closes it.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return c.Close()
}

// Close releases the cache and the key server pool. It is
// idempotent.
func (c *Client) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		closeErr = c.release()
		c.log.Info("shake client closed")
	})
	return closeErr
}

func (c *Client) release() error {
	var err error
	if c.cache != nil {
		if cerr := c.cache.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close blob cache: %w", cerr))
		}
		c.cache = nil
	}
	if c.ownedOracle != nil {
		c.ownedOracle.Close()
		c.ownedOracle = nil
	}
	return err
}

func (c *Client) ready() error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// Address is the connected wallet's address, or empty.
func (c *Client) Address() model.Address {
	if c.wallet == nil {
		return ""
	}
	return c.wallet.Address()
}

func (c *Client) requireWallet() (model.Address, error) {
	if c.wallet == nil {
		return "", ErrNoWallet
	}
	return c.wallet.Address(), nil
}

// Article reads an article's metadata from the ledger.
func (c *Client) Article(ctx context.Context, id model.ObjectID) (model.Article, error) {
	if err := c.ready(); err != nil {
		return model.Article{}, err
	}
	obj, err := c.ledger.GetObject(ctx, id)
	if err != nil {
		return model.Article{}, fmt.Errorf("read article %s: %w", id, err)
	}
	return ledger.DecodeArticle(obj)
}

// Access reports what the connected reader may do with
// an article.
func (c *Client) Access(ctx context.Context, id model.ObjectID) (access.Decision, error) {
	article, err := c.Article(ctx, id)
	if err != nil {
		return access.Decision{}, err
	}
	return c.verifier.Verify(ctx, c.Address(), article)
}

// View returns the body of an article for the connected
// reader. Anonymous clients can only view free articles.
func (c *Client) View(ctx context.Context, id model.ObjectID) ([]byte, error) {
	article, err := c.Article(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.orchestrator.View(ctx, article, c.Address())
}

// Purchase buys an article for the connected wallet
// unless it was bought before. It reports whether a
// payment was made.
func (c *Client) Purchase(ctx context.Context, id model.ObjectID) (bool, error) {
	reader, err := c.requireWallet()
	if err != nil {
		return false, err
	}
	article, err := c.Article(ctx, id)
	if err != nil {
		return false, err
	}
	return c.verifier.PurchaseIfNeeded(ctx, reader, article)
}

// Publish publishes draft as the connected wallet.
func (c *Client) Publish(ctx context.Context, draft publish.Draft) (model.Article, error) {
	if err := c.ready(); err != nil {
		return model.Article{}, err
	}
	author, err := c.requireWallet()
	if err != nil {
		return model.Article{}, err
	}
	return c.publisher.Publish(ctx, author, draft)
}

// Profile reads the profile registered by owner. An empty
// owner means the connected wallet.
func (c *Client) Profile(ctx context.Context, owner model.Address) (model.Profile, error) {
	if err := c.ready(); err != nil {
		return model.Profile{}, err
	}
	if owner == "" {
		var err error
		if owner, err = c.requireWallet(); err != nil {
			return model.Profile{}, err
		}
	}
	return c.profiles.Lookup(ctx, owner)
}

// UserPosts lists the articles published through owner's
// profile. An empty owner means the connected wallet.
func (c *Client) UserPosts(ctx context.Context, owner model.Address) ([]model.Article, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if owner == "" {
		var err error
		if owner, err = c.requireWallet(); err != nil {
			return nil, err
		}
	}
	return c.profiles.Posts(ctx, owner)
}

// Register creates the connected wallet's profile.
func (c *Client) Register(ctx context.Context, reg profile.Registration) (model.Profile, error) {
	if err := c.ready(); err != nil {
		return model.Profile{}, err
	}
	owner, err := c.requireWallet()
	if err != nil {
		return model.Profile{}, err
	}
	return c.profiles.Register(ctx, owner, reg)
}

// Reviews lists an article's reviews annotated for the
// connected wallet.
func (c *Client) Reviews(ctx context.Context, id model.ObjectID) ([]model.ReviewView, error) {
	article, err := c.Article(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.reviews.ListReviews(ctx, article, c.Address())
}

// SubmitReview reviews an article as the connected
// wallet.
func (c *Client) SubmitReview(ctx context.Context, id model.ObjectID, content string) (model.ObjectID, error) {
	reviewer, err := c.requireWallet()
	if err != nil {
		return "", err
	}
	article, err := c.Article(ctx, id)
	if err != nil {
		return "", err
	}
	return c.reviews.SubmitReview(ctx, article, reviewer, content)
}

// Vote sets the connected wallet's reaction on a review
// of an article.
func (c *Client) Vote(
	ctx context.Context,
	articleID model.ObjectID,
	reviewID model.ObjectID,
	reaction model.Reaction,
) (model.Review, error) {
	voter, err := c.requireWallet()
	if err != nil {
		return model.Review{}, err
	}
	article, err := c.Article(ctx, articleID)
	if err != nil {
		return model.Review{}, err
	}
	return c.reviews.Vote(ctx, article, reviewID, voter, reaction)
}
