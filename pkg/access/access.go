// Package access decides whether a reader may attempt to
// decrypt an article and performs purchases.
//
// Purchase state is re-queried on every decision. A
// purchase becomes visible once its receipt is confirmed;
// no result is cached between views.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/i5heu/shake-gate/pkg/interfaces"
	"github.com/i5heu/shake-gate/pkg/ledger"
	"github.com/i5heu/shake-gate/pkg/logging"
	"github.com/i5heu/shake-gate/pkg/model"
)

// DefaultCoinType is the ledger's native coin.
const DefaultCoinType = "0x2::sui::SUI"

// Decision is the outcome of Verify.
type Decision struct {
	Free          bool
	Purchased     bool
	NeedsPurchase bool
	IsAuthor      bool
}

// MayDecrypt reports whether decryption may be attempted.
func (d Decision) MayDecrypt() bool {
	return d.Free || d.Purchased
}

type Verifier struct {
	ledger   interfaces.Ledger
	wallet   interfaces.WalletSigner
	blog     ledger.Blog
	coinType string
	log      *slog.Logger
}

type Option func(*Verifier)

func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) { v.log = l }
}

// WithCoinType sets the coin purchases are paid in.
func WithCoinType(coinType string) Option {
	return func(v *Verifier) { v.coinType = coinType }
}

// NewVerifier builds a verifier. wallet is only needed
// for Purchase and may be nil for read-only use.
func NewVerifier(
	l interfaces.Ledger,
	wallet interfaces.WalletSigner,
	blog ledger.Blog,
	opts ...Option,
) *Verifier {
	v := &Verifier{
		ledger:   l,
		wallet:   wallet,
		blog:     blog,
		coinType: DefaultCoinType,
		log:      logging.Logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// CheckPurchased simulates is_purchased_post with reader
// as the sender.
func (v *Verifier) CheckPurchased(
	ctx context.Context,
	reader model.Address,
	article model.Article,
) (bool, error) {
	call := v.blog.IsPurchasedPost(article.MetadataRef())
	values, err := v.ledger.Simulate(ctx, call, reader)
	if err != nil {
		return false, fmt.Errorf("check purchase of %s: %w", article.ID, err)
	}
	purchased, err := ledger.DecodeBool(values)
	if err != nil {
		return false, fmt.Errorf("check purchase of %s: %w", article.ID, err)
	}
	return purchased, nil
}

// Verify decides access for reader. Free articles never
// reach the ledger.
func (v *Verifier) Verify(
	ctx context.Context,
	reader model.Address,
	article model.Article,
) (Decision, error) {
	d := Decision{IsAuthor: article.IsAuthor(reader)}
	if article.IsFree() {
		d.Free = true
		return d, nil
	}
	if reader.IsZero() {
		d.NeedsPurchase = true
		return d, nil
	}

	purchased, err := v.CheckPurchased(ctx, reader, article)
	if err != nil {
		return Decision{}, err
	}
	d.Purchased = purchased
	d.NeedsPurchase = !purchased
	return d, nil
}

// Purchase pays article.PriceUnits from reader's coins
// and waits for the receipt. Insufficient holdings are
// left for the ledger to reject.
func (v *Verifier) Purchase(
	ctx context.Context,
	reader model.Address,
	article model.Article,
) (model.Receipt, error) {
	if article.IsFree() {
		return model.Receipt{}, fmt.Errorf("article %s is free", article.ID)
	}
	if v.wallet == nil || !v.wallet.Address().Equal(reader) {
		return model.Receipt{}, fmt.Errorf(
			"%w: no wallet connected for %s", interfaces.ErrSigningRejected, reader,
		)
	}

	coins, err := v.ledger.GetCoins(ctx, reader, v.coinType)
	if err != nil {
		return model.Receipt{}, fmt.Errorf("list coins: %w", err)
	}
	selected, total, covered := ledger.SelectCoins(coins, article.PriceUnits)
	if !covered {
		v.log.Warn("coin holdings below price, submitting anyway",
			"component", "access",
			"reader", reader,
			"article", article.ID,
			"price", article.PriceUnits,
			"holdings", total)
	}

	call := v.blog.PurchasePost(
		article.MetadataRef(),
		model.CoinArg(article.PriceUnits, selected),
	)
	submitted, err := v.wallet.SignAndSubmit(ctx, call)
	if err != nil {
		return model.Receipt{}, fmt.Errorf("purchase %s: %w", article.ID, err)
	}
	if err := ledger.ReceiptError(submitted); err != nil {
		return submitted, fmt.Errorf("purchase %s: %w", article.ID, err)
	}

	receipt, err := v.ledger.WaitForReceipt(ctx, submitted.Digest)
	if err != nil {
		return submitted, fmt.Errorf("confirm purchase %s: %w", article.ID, err)
	}
	if err := ledger.ReceiptError(receipt); err != nil {
		return receipt, fmt.Errorf("purchase %s: %w", article.ID, err)
	}

	v.log.Info("article purchased",
		"component", "access",
		"reader", reader,
		"article", article.ID,
		"digest", receipt.Digest)
	return receipt, nil
}

// PurchaseIfNeeded skips the payment when the reader
// already owns the article. The check is an optimisation;
// the ledger rejects duplicate purchases on its own.
func (v *Verifier) PurchaseIfNeeded(
	ctx context.Context,
	reader model.Address,
	article model.Article,
) (purchased bool, err error) {
	if article.IsFree() {
		return false, nil
	}
	owned, err := v.CheckPurchased(ctx, reader, article)
	if err != nil {
		return false, err
	}
	if owned {
		return false, nil
	}
	_, err = v.Purchase(ctx, reader, article)
	if errors.Is(err, interfaces.ErrAlreadyPurchased) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
