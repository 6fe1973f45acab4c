// Package session manages short-lived, wallet-signed
// session keys that authorize decryption requests on
// behalf of one address.
package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i5heu/shake-gate/pkg/interfaces"
	"github.com/i5heu/shake-gate/pkg/model"
)

const (
	ctxSessionRequestV1 = "CTX_SESSION_REQUEST_V1"
	ctxSessionFetchV1   = "CTX_SESSION_FETCH_V1"
)

var (
	ErrUnsigned          = errors.New("session: key is not signed")
	ErrAlreadySigned     = errors.New("session: key is already signed")
	ErrInvalidTTL        = errors.New("session: ttl must be positive")
	ErrExpired           = errors.New("session: key expired")
	ErrBadRequestSig     = errors.New("session: request signature invalid")
	ErrMissingOwnerScope = errors.New("session: owner and scope are required")
)

// Key is a session key. It starts unsigned, becomes
// usable once the owner's wallet signs PersonalMessage
// and expires at CreatedAt + TTL. Keys are never renewed
// or persisted.
type Key struct {
	owner     model.Address
	scope     string
	createdAt time.Time
	ttl       time.Duration
	pub       ed25519.PublicKey
	priv      ed25519.PrivateKey
	signature []byte
}

var _ interfaces.SessionCredential = (*Key)(nil)

// NewKey creates an unsigned key with a fresh ephemeral
// ed25519 key pair.
func NewKey(
	owner model.Address,
	scope string,
	ttl time.Duration,
	createdAt time.Time,
) (*Key, error) {
	if owner.IsZero() || scope == "" {
		return nil, ErrMissingOwnerScope
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return &Key{
		owner: owner,
		scope: scope,
		// Whole milliseconds keep the message stable
		// across the certificate's JSON round trip.
		createdAt: createdAt.UTC().Truncate(time.Millisecond),
		ttl:       ttl,
		pub:       pub,
		priv:      priv,
	}, nil
}

func (k *Key) Owner() model.Address { return k.owner }
func (k *Key) Scope() string        { return k.scope }
func (k *Key) CreatedAt() time.Time { return k.createdAt }
func (k *Key) TTL() time.Duration   { return k.ttl }

// ExpiresAt is CreatedAt + TTL.
func (k *Key) ExpiresAt() time.Time {
	return k.createdAt.Add(k.ttl)
}

// Signature returns a copy of the wallet signature, or
// nil for an unsigned key.
func (k *Key) Signature() []byte {
	if k.signature == nil {
		return nil
	}
	return append([]byte(nil), k.signature...)
}

func (k *Key) IsSigned() bool {
	return len(k.signature) > 0
}

// IsExpired reports whether now is at or past
// ExpiresAt.
func (k *Key) IsExpired(now time.Time) bool {
	return !now.Before(k.ExpiresAt())
}

// Usable reports whether the key may authorize requests
// for reader at now.
func (k *Key) Usable(reader model.Address, now time.Time) bool {
	return k.IsSigned() && !k.IsExpired(now) && k.owner.Equal(reader)
}

// PersonalMessage is the canonical session request the
// owner's wallet signs. It is deterministic for a key.
func (k *Key) PersonalMessage() []byte {
	return MessageFor(k.unsignedCertificate())
}

// SetSignature attaches the owner's signature over
// PersonalMessage. A key is signed at most once.
func (k *Key) SetSignature(sig []byte) error {
	if k.IsSigned() {
		return ErrAlreadySigned
	}
	if len(sig) == 0 {
		return fmt.Errorf("%w: empty signature", interfaces.ErrSigningRejected)
	}
	k.signature = append([]byte(nil), sig...)
	return nil
}

// Certificate is the public part of the key presented
// to key servers.
func (k *Key) Certificate() model.SessionCertificate {
	cert := k.unsignedCertificate()
	cert.Signature = k.Signature()
	return cert
}

func (k *Key) unsignedCertificate() model.SessionCertificate {
	return model.SessionCertificate{
		Owner:            k.owner,
		Scope:            k.scope,
		CreatedAt:        k.createdAt,
		TTL:              k.ttl,
		SessionPublicKey: append([]byte(nil), k.pub...),
	}
}

// SignRequest signs payload with the ephemeral session
// key. Unsigned keys cannot authorize anything.
func (k *Key) SignRequest(payload []byte) ([]byte, error) {
	if !k.IsSigned() {
		return nil, ErrUnsigned
	}
	return ed25519.Sign(k.priv, requestPayload(payload)), nil
}

// MessageFor renders the session request for cert: a
// line the wallet shows the user followed by the digest
// of the canonical encoding.
func MessageFor(cert model.SessionCertificate) []byte {
	digest := blake2b.Sum256(canonicalSerialize(cert))
	text := fmt.Sprintf(
		"Accessing keys of package %s for %d mins from %s, session key %s\ndigest: %x",
		cert.Scope,
		int64(cert.TTL/time.Minute),
		cert.CreatedAt.UTC().Format(time.RFC3339),
		base64.StdEncoding.EncodeToString(cert.SessionPublicKey),
		digest,
	)
	return []byte(text)
}

// canonicalSerialize encodes the signed fields of a
// certificate:
// ctx || owner(1) || scope(2) || created ms(3) ||
// ttl ms(4) || session public key(5).
func canonicalSerialize(cert model.SessionCertificate) []byte {
	buf := []byte(ctxSessionRequestV1)
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendString(buf, string(cert.Owner))
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendString(buf, cert.Scope)
	buf = protowire.AppendTag(buf, 3, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(cert.CreatedAt.UnixMilli()))
	buf = protowire.AppendTag(buf, 4, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(cert.TTL.Milliseconds()))
	buf = protowire.AppendTag(buf, 5, protowire.BytesType)
	buf = protowire.AppendBytes(buf, cert.SessionPublicKey)
	return buf
}

func requestPayload(payload []byte) []byte {
	ctx := []byte(ctxSessionFetchV1)
	out := make([]byte, 0, len(ctx)+len(payload))
	out = append(out, ctx...)
	out = append(out, payload...)
	return out
}

// VerifyRequest checks a request signature made with
// SignRequest against the certificate's session key and
// rejects expired certificates.
func VerifyRequest(
	cert model.SessionCertificate,
	now time.Time,
	payload []byte,
	sig []byte,
) error {
	if !now.Before(cert.ExpiresAt()) {
		return ErrExpired
	}
	if len(cert.SessionPublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad session public key", ErrBadRequestSig)
	}
	if !ed25519.Verify(cert.SessionPublicKey, requestPayload(payload), sig) {
		return ErrBadRequestSig
	}
	return nil
}
