// Package viewer turns an article reference into
// renderable content. Paid articles pass a purchase check,
// a wallet-signed session and the key server quorum
// before any plaintext exists. Plaintext is returned to
// the caller and never kept.
package viewer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/i5heu/shake-gate/pkg/interfaces"
	"github.com/i5heu/shake-gate/pkg/ledger"
	"github.com/i5heu/shake-gate/pkg/logging"
	"github.com/i5heu/shake-gate/pkg/model"
	"github.com/i5heu/shake-gate/pkg/oracle"
	"github.com/i5heu/shake-gate/pkg/session"
)

// PurchaseChecker answers whether reader bought article.
type PurchaseChecker interface {
	CheckPurchased(ctx context.Context, reader model.Address, article model.Article) (bool, error)
}

// SessionSource hands out signed session keys.
type SessionSource interface {
	Acquire(ctx context.Context, address model.Address, scope string, ttl time.Duration) (*session.Key, error)
}

type Orchestrator struct {
	purchases PurchaseChecker
	sessions  SessionSource
	blobs     interfaces.BlobStore
	oracle    interfaces.DecryptionOracle
	blog      ledger.Blog
	ttl       time.Duration
	log       *slog.Logger
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithSessionTTL sets the lifetime of newly acquired
// session keys.
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) { o.ttl = ttl }
}

func New(
	purchases PurchaseChecker,
	sessions SessionSource,
	blobs interfaces.BlobStore,
	decrypter interfaces.DecryptionOracle,
	blog ledger.Blog,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		purchases: purchases,
		sessions:  sessions,
		blobs:     blobs,
		oracle:    decrypter,
		blog:      blog,
		ttl:       session.DefaultTTL,
		log:       logging.Logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Scope is the session scope of this deployment.
func (o *Orchestrator) Scope() string {
	return string(o.blog.PackageID)
}

// View returns the article body for reader.
//
// Free articles are fetched directly. For paid articles
// the purchase is checked first; an unpurchased article
// fails with ErrNotPurchased before a session is
// requested or a key server contacted.
func (o *Orchestrator) View(
	ctx context.Context,
	article model.Article,
	reader model.Address,
) ([]byte, error) {
	if article.IsFree() {
		body, err := o.blobs.Get(ctx, article.ContentBlob)
		if err != nil {
			return nil, fmt.Errorf("fetch article %s: %w", article.ID, err)
		}
		return body, nil
	}

	if reader.IsZero() {
		return nil, fmt.Errorf("view %s: %w", article.ID, interfaces.ErrNotPurchased)
	}
	purchased, err := o.purchases.CheckPurchased(ctx, reader, article)
	if err != nil {
		return nil, fmt.Errorf("view %s: %w", article.ID, err)
	}
	if !purchased {
		return nil, fmt.Errorf("view %s: %w", article.ID, interfaces.ErrNotPurchased)
	}

	key, err := o.sessions.Acquire(ctx, reader, o.Scope(), o.ttl)
	if err != nil {
		return nil, fmt.Errorf("view %s: %w", article.ID, err)
	}

	sealed, err := o.blobs.Get(ctx, article.ContentBlob)
	if err != nil {
		return nil, fmt.Errorf("fetch article %s: %w", article.ID, err)
	}
	env, err := oracle.UnmarshalEnvelope(sealed)
	if err != nil {
		return nil, fmt.Errorf("view %s: %w", article.ID, err)
	}
	if len(article.SealID) > 0 && !bytes.Equal(env.ContentID, article.SealID) {
		return nil, fmt.Errorf(
			"view %s: %w: envelope sealed for another article", article.ID, interfaces.ErrInvalidEnvelope,
		)
	}

	predicate := o.Predicate(env.ContentID, article)
	plaintext, err := o.oracle.Decrypt(ctx, sealed, key, predicate)
	if err != nil {
		o.log.Warn("article decryption failed",
			"component", "viewer",
			"article", article.ID,
			"reader", reader,
			"retryable", interfaces.Retryable(err),
			"error", err)
		return nil, fmt.Errorf("view %s: %w", article.ID, err)
	}

	o.log.Debug("article decrypted",
		"component", "viewer",
		"article", article.ID,
		"reader", reader,
		"bytes", len(plaintext))
	return plaintext, nil
}

// Predicate is the approval predicate for contentID: the
// seal_approve call over the payment registry and the
// article's metadata. It is rebuilt on every view.
func (o *Orchestrator) Predicate(contentID []byte, article model.Article) model.Call {
	return o.blog.SealApprove(contentID, article.MetadataRef())
}
