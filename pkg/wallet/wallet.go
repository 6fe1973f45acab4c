// Package wallet is a local ed25519 wallet for the CLI
// and development setups. Browser and hardware wallets
// implement interfaces.WalletSigner elsewhere.
package wallet

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/i5heu/shake-gate/pkg/interfaces"
	"github.com/i5heu/shake-gate/pkg/model"
)

const (
	ctxPersonalMessageV1 = "CTX_PERSONAL_MESSAGE_V1"
	ctxTransactionV1     = "CTX_TRANSACTION_V1"

	// flagEd25519 precedes the public key in address
	// derivation and serialized signatures.
	flagEd25519 byte = 0x00

	// SignatureSize is flag || signature || public key.
	SignatureSize = 1 + ed25519.SignatureSize + ed25519.PublicKeySize
)

var ErrInvalidSignature = errors.New("wallet: invalid signature")

// Local signs with an in-process ed25519 key.
type Local struct {
	priv   ed25519.PrivateKey
	addr   model.Address
	ledger interfaces.Ledger
}

var _ interfaces.WalletSigner = (*Local)(nil)

// NewLocal wraps priv. ledger receives SignAndSubmit
// calls and may be nil for a signing-only wallet.
func NewLocal(
	priv ed25519.PrivateKey,
	ledger interfaces.Ledger,
) *Local {
	return &Local{
		priv:   priv,
		addr:   AddressOf(priv.Public().(ed25519.PublicKey)),
		ledger: ledger,
	}
}

// Generate creates a wallet with a fresh random key.
func Generate(ledger interfaces.Ledger) (*Local, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewLocal(priv, ledger), nil
}

// ParseSeed decodes a hex-encoded 32 byte seed.
func ParseSeed(s string) (ed25519.PrivateKey, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// Seed returns the hex-encoded private seed.
func (l *Local) Seed() string {
	return hex.EncodeToString(l.priv.Seed())
}

// AddressOf derives the ledger address of an ed25519
// public key: blake2b-256(flag || pubkey).
func AddressOf(pub ed25519.PublicKey) model.Address {
	buf := make([]byte, 0, 1+len(pub))
	buf = append(buf, flagEd25519)
	buf = append(buf, pub...)
	sum := blake2b.Sum256(buf)
	return model.Address("0x" + hex.EncodeToString(sum[:]))
}

func (l *Local) Address() model.Address {
	return l.addr
}

// SignPersonalMessage signs msg under the personal
// message domain. The result is a serialized signature
// (flag || sig || pubkey).
func (l *Local) SignPersonalMessage(
	ctx context.Context,
	msg []byte,
) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrSigningRejected, err)
	}
	return l.sign(personalMessagePayload(msg)), nil
}

// SignAndSubmit signs call and submits it through the
// ledger. The receipt is returned as is; failed
// executions are not turned into errors here.
func (l *Local) SignAndSubmit(
	ctx context.Context,
	call model.Call,
) (model.Receipt, error) {
	if l.ledger == nil {
		return model.Receipt{}, errors.New("wallet has no ledger")
	}
	if err := ctx.Err(); err != nil {
		return model.Receipt{}, fmt.Errorf("%w: %w", interfaces.ErrSigningRejected, err)
	}
	sig := l.sign(transactionPayload(l.addr, call))
	return l.ledger.Submit(ctx, model.SignedCall{
		Call:      call,
		Sender:    l.addr,
		Signature: sig,
	})
}

func (l *Local) sign(payload []byte) []byte {
	sig := ed25519.Sign(l.priv, payload)
	out := make([]byte, 0, SignatureSize)
	out = append(out, flagEd25519)
	out = append(out, sig...)
	out = append(out, l.priv.Public().(ed25519.PublicKey)...)
	return out
}

func personalMessagePayload(msg []byte) []byte {
	ctx := []byte(ctxPersonalMessageV1)
	payload := make([]byte, 0, len(ctx)+len(msg))
	payload = append(payload, ctx...)
	payload = append(payload, msg...)
	return payload
}

func transactionPayload(sender model.Address, call model.Call) []byte {
	ctx := []byte(ctxTransactionV1)
	encoded := call.Encode()
	payload := make([]byte, 0, len(ctx)+len(sender)+len(encoded))
	payload = append(payload, ctx...)
	payload = append(payload, sender...)
	payload = append(payload, encoded...)
	return payload
}

// VerifyPersonalMessage checks that sig is owner's
// signature over msg.
func VerifyPersonalMessage(
	owner model.Address,
	msg []byte,
	sig []byte,
) error {
	return verify(owner, personalMessagePayload(msg), sig)
}

// VerifyCall checks the sender signature of a signed
// call.
func VerifyCall(signed model.SignedCall) error {
	return verify(
		signed.Sender,
		transactionPayload(signed.Sender, signed.Call),
		signed.Signature,
	)
}

func verify(owner model.Address, payload, sig []byte) error {
	if len(sig) != SignatureSize || sig[0] != flagEd25519 {
		return fmt.Errorf("%w: malformed", ErrInvalidSignature)
	}
	raw := sig[1 : 1+ed25519.SignatureSize]
	pub := ed25519.PublicKey(sig[1+ed25519.SignatureSize:])

	if !AddressOf(pub).Equal(owner) {
		return fmt.Errorf("%w: key does not belong to %s", ErrInvalidSignature, owner)
	}
	if !ed25519.Verify(pub, payload, raw) {
		return fmt.Errorf("%w: verification failed", ErrInvalidSignature)
	}
	return nil
}
