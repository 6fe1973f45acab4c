// Package review submits reviews and votes and lists the
// reviews of an article for one viewer.
//
// The "already reviewed" and "same reaction" checks run
// against the last fetched snapshot and only save a round
// trip. The ledger enforces every rule on its own.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/i5heu/shake-gate/pkg/interfaces"
	"github.com/i5heu/shake-gate/pkg/ledger"
	"github.com/i5heu/shake-gate/pkg/logging"
	"github.com/i5heu/shake-gate/pkg/model"
)

// ErrWrongArticle is returned when a review is voted on
// through an article it does not belong to.
var ErrWrongArticle = errors.New("review: review belongs to another article")

type Adapter struct {
	ledger interfaces.Ledger
	wallet interfaces.WalletSigner
	blog   ledger.Blog
	log    *slog.Logger

	mu sync.Mutex
	// fetched holds the last listed reviews per article.
	fetched map[model.ObjectID][]model.Review
}

type Option func(*Adapter)

func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

// New builds an adapter. wallet may be nil for read-only
// use.
func New(
	l interfaces.Ledger,
	wallet interfaces.WalletSigner,
	blog ledger.Blog,
	opts ...Option,
) *Adapter {
	a := &Adapter{
		ledger:  l,
		wallet:  wallet,
		blog:    blog,
		log:     logging.Logger,
		fetched: map[model.ObjectID][]model.Review{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) signer(addr model.Address) (interfaces.WalletSigner, error) {
	if a.wallet == nil || !a.wallet.Address().Equal(addr) {
		return nil, fmt.Errorf("%w: no wallet connected for %s", interfaces.ErrSigningRejected, addr)
	}
	return a.wallet, nil
}

// Fetch reads the reviews of article in article order
// and remembers them as the article's snapshot.
func (a *Adapter) Fetch(ctx context.Context, article model.Article) ([]model.Review, error) {
	reviews := make([]model.Review, 0, len(article.Reviews))
	for _, ref := range article.Reviews {
		r, err := a.get(ctx, ref)
		if err != nil {
			return nil, err
		}
		reviews = append(reviews, r)
	}

	a.mu.Lock()
	a.fetched[article.ID] = reviews
	a.mu.Unlock()
	return reviews, nil
}

func (a *Adapter) get(ctx context.Context, id model.ObjectID) (model.Review, error) {
	obj, err := a.ledger.GetObject(ctx, id)
	if err != nil {
		return model.Review{}, fmt.Errorf("read review %s: %w", id, err)
	}
	r, err := ledger.DecodeReview(obj)
	if err != nil {
		return model.Review{}, err
	}
	return r, nil
}

// ListReviews returns the reviews of article annotated
// for viewer. An empty viewer gets no annotations.
func (a *Adapter) ListReviews(
	ctx context.Context,
	article model.Article,
	viewer model.Address,
) ([]model.ReviewView, error) {
	reviews, err := a.Fetch(ctx, article)
	if err != nil {
		return nil, err
	}
	views := make([]model.ReviewView, len(reviews))
	for i, r := range reviews {
		views[i] = r.ViewFor(viewer)
	}
	return views, nil
}

// HasReviewed reports whether reviewer wrote a review in
// the article's snapshot. Without a snapshot the reviews
// are fetched first.
func (a *Adapter) HasReviewed(
	ctx context.Context,
	article model.Article,
	reviewer model.Address,
) (bool, error) {
	a.mu.Lock()
	reviews, ok := a.fetched[article.ID]
	a.mu.Unlock()
	if !ok {
		var err error
		if reviews, err = a.Fetch(ctx, article); err != nil {
			return false, err
		}
	}
	for _, r := range reviews {
		if r.Author.Equal(reviewer) {
			return true, nil
		}
	}
	return false, nil
}

// SubmitReview adds reviewer's review to article and
// waits for its receipt. It returns the new review id.
func (a *Adapter) SubmitReview(
	ctx context.Context,
	article model.Article,
	reviewer model.Address,
	content string,
) (model.ObjectID, error) {
	if article.IsAuthor(reviewer) {
		return "", interfaces.ErrSelfReviewForbidden
	}
	if strings.TrimSpace(content) == "" {
		return "", interfaces.ErrEmptyReview
	}
	reviewed, err := a.HasReviewed(ctx, article, reviewer)
	if err != nil {
		return "", err
	}
	if reviewed {
		return "", interfaces.ErrAlreadyReviewed
	}
	w, err := a.signer(reviewer)
	if err != nil {
		return "", err
	}

	receipt, err := a.submit(ctx, w, a.blog.CreateReview(article.MetadataRef(), content))
	if err != nil {
		return "", fmt.Errorf("review %s: %w", article.ID, err)
	}
	a.forget(article.ID)

	id, ok := receipt.CreatedOfType(a.blog.ReviewType())
	if !ok {
		return "", fmt.Errorf(
			"review %s: %w: receipt %s created no review", article.ID, interfaces.ErrCallFailed, receipt.Digest,
		)
	}
	a.log.Info("review submitted",
		"component", "review",
		"article", article.ID,
		"review", id,
		"reviewer", reviewer)
	return id, nil
}

// Vote sets voter's reaction on a review of article and
// returns the review as it reads after the vote. Holding
// the same reaction already submits nothing.
func (a *Adapter) Vote(
	ctx context.Context,
	article model.Article,
	reviewID model.ObjectID,
	voter model.Address,
	reaction model.Reaction,
) (model.Review, error) {
	if !reaction.Valid() {
		return model.Review{}, fmt.Errorf("%w: %q", interfaces.ErrUnknownReaction, reaction)
	}
	if article.IsAuthor(voter) {
		return model.Review{}, interfaces.ErrSelfVoteForbidden
	}

	current, err := a.get(ctx, reviewID)
	if err != nil {
		return model.Review{}, err
	}
	if !current.ArticleID.Equal(article.ID) {
		return model.Review{}, fmt.Errorf("%w: %s is a review of %s", ErrWrongArticle, reviewID, current.ArticleID)
	}
	if current.Author.Equal(voter) {
		return model.Review{}, interfaces.ErrSelfVoteForbidden
	}
	next, changed := current.ApplyVote(voter, reaction)
	if !changed {
		return next, nil
	}
	w, err := a.signer(voter)
	if err != nil {
		return model.Review{}, err
	}

	// One call moves the vote; the ledger drops the old
	// reaction and adds the new one together.
	if _, err := a.submit(ctx, w, a.blog.VoteForReview(reviewID, reaction)); err != nil {
		return model.Review{}, fmt.Errorf("vote on %s: %w", reviewID, err)
	}
	a.forget(article.ID)

	a.log.Info("vote recorded",
		"component", "review",
		"review", reviewID,
		"voter", voter,
		"reaction", reaction)
	return next, nil
}

func (a *Adapter) submit(
	ctx context.Context,
	w interfaces.WalletSigner,
	call model.Call,
) (model.Receipt, error) {
	submitted, err := w.SignAndSubmit(ctx, call)
	if err != nil {
		return model.Receipt{}, err
	}
	if err := ledger.ReceiptError(submitted); err != nil {
		return submitted, err
	}
	receipt, err := a.ledger.WaitForReceipt(ctx, submitted.Digest)
	if err != nil {
		return submitted, err
	}
	return receipt, ledger.ReceiptError(receipt)
}

func (a *Adapter) forget(article model.ObjectID) {
	a.mu.Lock()
	delete(a.fetched, article)
	a.mu.Unlock()
}
