// Package publish uploads an article and registers it on
// the ledger. Free articles are stored as plaintext; paid
// articles are sealed through the decryption oracle
// before they leave the process.
package publish

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/i5heu/shake-gate/pkg/interfaces"
	"github.com/i5heu/shake-gate/pkg/ledger"
	"github.com/i5heu/shake-gate/pkg/logging"
	"github.com/i5heu/shake-gate/pkg/model"
	"github.com/i5heu/shake-gate/pkg/oracle"
)

const (
	// DefaultEpochs is the storage retention of uploads.
	DefaultEpochs = 1
	// contentNonceSize is the random suffix of a content
	// id.
	contentNonceSize = 5
)

var (
	ErrEmptyTitle   = errors.New("publish: title is required")
	ErrEmptyContent = errors.New("publish: content is required")
	ErrNoPrice      = errors.New("publish: paid articles need a price above zero")
)

// Draft is an article before publishing. PriceUnits of
// zero publishes a free article.
type Draft struct {
	Title      string
	Content    []byte
	Thumbnail  []byte
	PriceUnits uint64
	Paid       bool
}

// Validate checks the draft before anything is uploaded.
func (d Draft) Validate() error {
	switch {
	case strings.TrimSpace(d.Title) == "":
		return ErrEmptyTitle
	case len(strings.TrimSpace(string(d.Content))) == 0:
		return ErrEmptyContent
	case d.Paid && d.PriceUnits == 0:
		return ErrNoPrice
	}
	return nil
}

// Profiles resolves the profile object an author posts
// through.
type Profiles interface {
	Lookup(ctx context.Context, owner model.Address) (model.Profile, error)
}

type Publisher struct {
	wallet    interfaces.WalletSigner
	blobs     interfaces.BlobStore
	oracle    interfaces.DecryptionOracle
	profiles  Profiles
	blog      ledger.Blog
	threshold int
	epochs    int
	log       *slog.Logger
}

type Option func(*Publisher)

func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.log = l }
}

// WithThreshold sets how many key servers must release
// a share of paid articles.
func WithThreshold(t int) Option {
	return func(p *Publisher) { p.threshold = t }
}

// WithEpochs sets the storage retention of uploads.
func WithEpochs(n int) Option {
	return func(p *Publisher) { p.epochs = n }
}

func New(
	wallet interfaces.WalletSigner,
	blobs interfaces.BlobStore,
	decrypter interfaces.DecryptionOracle,
	profiles Profiles,
	blog ledger.Blog,
	opts ...Option,
) *Publisher {
	p := &Publisher{
		wallet:    wallet,
		blobs:     blobs,
		oracle:    decrypter,
		profiles:  profiles,
		blog:      blog,
		threshold: oracle.DefaultThreshold,
		epochs:    DefaultEpochs,
		log:       logging.Logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ContentID returns a fresh content id: the payment
// registry's id bytes followed by a random nonce. The
// registry prefix is what seal_approve checks.
func ContentID(registry model.ObjectID) ([]byte, error) {
	prefix, err := registry.Bytes()
	if err != nil {
		return nil, fmt.Errorf("registry id: %w", err)
	}
	id := make([]byte, len(prefix)+contentNonceSize)
	copy(id, prefix)
	if _, err := rand.Read(id[len(prefix):]); err != nil {
		return nil, fmt.Errorf("content nonce: %w", err)
	}
	return id, nil
}

// Publish stores draft and creates its post on the
// ledger through author's profile. Authors without a
// profile get ErrProfileNotFound before anything is
// uploaded.
func (p *Publisher) Publish(
	ctx context.Context,
	author model.Address,
	draft Draft,
) (model.Article, error) {
	if err := draft.Validate(); err != nil {
		return model.Article{}, err
	}
	if !p.wallet.Address().Equal(author) {
		return model.Article{}, fmt.Errorf(
			"%w: no wallet connected for %s", interfaces.ErrSigningRejected, author,
		)
	}
	profile, err := p.profiles.Lookup(ctx, author)
	if err != nil {
		return model.Article{}, fmt.Errorf("publish: %w", err)
	}
	if draft.PriceUnits > 0 {
		draft.Paid = true
	}

	var thumbnail model.BlobID
	if len(draft.Thumbnail) > 0 {
		id, err := p.blobs.Put(ctx, draft.Thumbnail, p.epochs)
		if err != nil {
			return model.Article{}, fmt.Errorf("upload thumbnail: %w", err)
		}
		thumbnail = id
	}

	var (
		body   = draft.Content
		sealID []byte
	)
	if draft.Paid {
		sealID, err = ContentID(p.blog.PaymentRegistry)
		if err != nil {
			return model.Article{}, err
		}
		body, err = p.oracle.Encrypt(ctx, draft.Content, sealID, p.threshold)
		if err != nil {
			return model.Article{}, fmt.Errorf("seal content: %w", err)
		}
	}
	content, err := p.blobs.Put(ctx, body, p.epochs)
	if err != nil {
		return model.Article{}, fmt.Errorf("upload content: %w", err)
	}

	var price *uint64
	if draft.Paid {
		units := draft.PriceUnits
		price = &units
	}
	call := p.blog.CreatePost(profile.ID, draft.Title, content, thumbnail, sealID, price)

	receipt, err := p.wallet.SignAndSubmit(ctx, call)
	if err != nil {
		return model.Article{}, fmt.Errorf("create post: %w", err)
	}
	if err := ledger.ReceiptError(receipt); err != nil {
		return model.Article{}, fmt.Errorf("create post: %w", err)
	}

	postID, ok := receipt.CreatedOfType(p.blog.PostType())
	if !ok {
		return model.Article{}, fmt.Errorf(
			"create post: %w: receipt %s created no post", interfaces.ErrCallFailed, receipt.Digest,
		)
	}
	metadataID, _ := receipt.CreatedOfType(p.blog.MetadataType())

	article := model.Article{
		ID:            postID,
		MetadataID:    metadataID,
		Author:        author,
		Title:         draft.Title,
		ContentBlob:   content,
		ThumbnailBlob: thumbnail,
		SealID:        sealID,
		PriceUnits:    draft.PriceUnits,
	}
	p.log.Info("article published",
		"component", "publish",
		"article", article.ID,
		"paid", draft.Paid,
		"content", content)
	return article, nil
}
