package oracle

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/encrypt/ecies"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"go.dedis.ch/kyber/v3/share"
	"golang.org/x/crypto/hkdf"
)

var suite = edwards25519.NewBlakeSHA256Ed25519()

// KeyPair is a key server or response key pair on the
// oracle's group.
type KeyPair struct {
	Private kyber.Scalar
	Public  kyber.Point
}

// GenerateKeyPair creates a random key pair.
func GenerateKeyPair() KeyPair {
	priv := suite.Scalar().Pick(suite.RandomStream())
	return KeyPair{
		Private: priv,
		Public:  suite.Point().Mul(priv, nil),
	}
}

// ParsePublicKey decodes a hex-encoded group point.
func ParsePublicKey(s string) (kyber.Point, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	return unmarshalPoint(raw)
}

// ParsePrivateKey decodes a hex-encoded scalar.
func ParsePrivateKey(s string) (KeyPair, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return KeyPair{}, fmt.Errorf("decode private key: %w", err)
	}
	priv, err := unmarshalScalar(raw)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Private: priv, Public: suite.Point().Mul(priv, nil)}, nil
}

// EncodePublicKey hex-encodes a public key.
func EncodePublicKey(p kyber.Point) string {
	raw, _ := p.MarshalBinary()
	return hex.EncodeToString(raw)
}

// EncodePrivateKey hex-encodes a private key.
func EncodePrivateKey(s kyber.Scalar) string {
	raw, _ := s.MarshalBinary()
	return hex.EncodeToString(raw)
}

func unmarshalPoint(raw []byte) (kyber.Point, error) {
	p := suite.Point()
	if err := p.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("unmarshal point: %w", err)
	}
	return p, nil
}

func unmarshalScalar(raw []byte) (kyber.Scalar, error) {
	s := suite.Scalar()
	if err := s.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("unmarshal scalar: %w", err)
	}
	return s, nil
}

// splitSecret returns a random secret and n shares of it,
// any t of which recover the secret.
func splitSecret(t, n int) (kyber.Scalar, []*share.PriShare) {
	secret := suite.Scalar().Pick(suite.RandomStream())
	poly := share.NewPriPoly(suite, t, secret, suite.RandomStream())
	return secret, poly.Shares(n)
}

func recoverSecret(shares []*share.PriShare, t, n int) (kyber.Scalar, error) {
	return share.RecoverSecret(suite, shares, t, n)
}

func encryptTo(pub kyber.Point, msg []byte) ([]byte, error) {
	return ecies.Encrypt(suite, pub, msg, nil)
}

func decryptWith(priv kyber.Scalar, ciphertext []byte) ([]byte, error) {
	return ecies.Decrypt(suite, priv, ciphertext, nil)
}

// deriveKey derives the AES-256 body key from the
// content secret, bound to the content id.
func deriveKey(secret kyber.Scalar, contentID []byte) ([]byte, error) {
	raw, err := secret.MarshalBinary()
	if err != nil {
		return nil, err
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, raw, nil, contentID), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func seal(key, aad, plaintext []byte) (nonce, ciphertext []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("nonce: %w", err)
	}
	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

func open(key, aad, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce size %d", len(nonce))
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// bodyAAD binds the sealed body to its package and
// content id.
func bodyAAD(e Envelope) []byte {
	aad := make([]byte, 0, len(e.PackageID)+len(e.ContentID))
	aad = append(aad, string(e.PackageID)...)
	aad = append(aad, e.ContentID...)
	return aad
}
