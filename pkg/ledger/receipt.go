package ledger

import (
	"fmt"
	"strings"

	"github.com/i5heu/shake-gate/pkg/interfaces"
	"github.com/i5heu/shake-gate/pkg/model"
)

// Abort names raised by the blog module and the coin
// framework.
const (
	AbortInsufficientFunds  = "EInsufficientFunds"
	AbortInsufficientCoin   = "InsufficientCoinBalance"
	AbortAlreadyPurchased   = "EAlreadyPurchased"
	AbortAlreadyReviewed    = "EAlreadyReviewed"
	AbortSelfReview         = "ESelfReview"
	AbortSelfVote           = "ESelfVote"
	AbortNotPurchased       = "ENoAccess"
	AbortUnknownReactionTag = "EInvalidReaction"
	AbortUserExists         = "EUserAlreadyExists"
	AbortNotUserOwner       = "ENotUserOwner"
)

var abortErrors = []struct {
	abort string
	err   error
}{
	{AbortInsufficientFunds, interfaces.ErrInsufficientFunds},
	{AbortInsufficientCoin, interfaces.ErrInsufficientFunds},
	{AbortAlreadyPurchased, interfaces.ErrAlreadyPurchased},
	{AbortAlreadyReviewed, interfaces.ErrAlreadyReviewed},
	{AbortSelfReview, interfaces.ErrSelfReviewForbidden},
	{AbortSelfVote, interfaces.ErrSelfVoteForbidden},
	{AbortNotPurchased, interfaces.ErrNotPurchased},
	{AbortUnknownReactionTag, interfaces.ErrUnknownReaction},
	{AbortUserExists, interfaces.ErrProfileExists},
}

// ReceiptError converts a failed receipt into a typed
// error. Successful receipts yield nil.
func ReceiptError(r model.Receipt) error {
	if r.OK() {
		return nil
	}
	for _, m := range abortErrors {
		if strings.Contains(r.Error, m.abort) {
			return fmt.Errorf("transaction %s: %w", r.Digest, m.err)
		}
	}
	return fmt.Errorf(
		"transaction %s: %w: %s", r.Digest, interfaces.ErrCallFailed, r.Error,
	)
}
