// Package interfaces defines the external collaborators
// the shake core talks to: the ledger, the blob store,
// the wallet and the threshold-decryption oracle.
//
// All of them are network-bound or user-interactive,
// so every method takes a context and callers are
// expected to time-box them.
package interfaces

import (
	"context"

	"github.com/i5heu/shake-gate/pkg/model"
)

// BlobStore is a content-addressed put/get store.
type BlobStore interface {
	// Put uploads data and keeps it for retentionEpochs
	// storage epochs. Failures wrap ErrUploadFailed.
	Put(
		ctx context.Context,
		data []byte,
		retentionEpochs int,
	) (model.BlobID, error)
	// Get returns the bytes of a blob or
	// ErrBlobNotFound.
	Get(ctx context.Context, id model.BlobID) ([]byte, error)
}

// Ledger accepts signed calls and answers read-only
// queries. Transaction semantics are opaque to the
// client.
type Ledger interface {
	// Submit executes a signed call and returns its
	// receipt. A receipt with a failure status is not an
	// error at this level.
	Submit(
		ctx context.Context,
		call model.SignedCall,
	) (model.Receipt, error)
	// Simulate evaluates call as sender without a
	// signature and without mutating state.
	Simulate(
		ctx context.Context,
		call model.Call,
		sender model.Address,
	) ([][]byte, error)
	// GetObject reads the current fields of an object.
	GetObject(
		ctx context.Context,
		id model.ObjectID,
	) (model.Object, error)
	// GetCoins lists coins of coinType owned by owner.
	GetCoins(
		ctx context.Context,
		owner model.Address,
		coinType string,
	) ([]model.Coin, error)
	// WaitForReceipt blocks until the transaction is
	// confirmed and returns its final receipt.
	WaitForReceipt(
		ctx context.Context,
		digest model.Digest,
	) (model.Receipt, error)
}

// WalletSigner is the user's wallet. Both signing
// methods may block on user interaction and return
// ErrSigningRejected when the user declines.
type WalletSigner interface {
	Address() model.Address
	SignPersonalMessage(
		ctx context.Context,
		message []byte,
	) ([]byte, error)
	SignAndSubmit(
		ctx context.Context,
		call model.Call,
	) (model.Receipt, error)
}

// SessionCredential is a signed session presented to
// the oracle on behalf of one address.
type SessionCredential interface {
	Certificate() model.SessionCertificate
	// SignRequest signs payload with the session's
	// ephemeral key.
	SignRequest(payload []byte) ([]byte, error)
}

// DecryptionOracle is the multi-party key-server
// network. Encrypt produces an encoded ciphertext
// envelope; Decrypt releases the plaintext only when a
// quorum of servers accepts the approval predicate.
type DecryptionOracle interface {
	Encrypt(
		ctx context.Context,
		plaintext []byte,
		contentID []byte,
		threshold int,
	) ([]byte, error)
	Decrypt(
		ctx context.Context,
		envelope []byte,
		session SessionCredential,
		predicate model.Call,
	) ([]byte, error)
}
