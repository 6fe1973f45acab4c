package model

import "time"

// SessionCertificate is the public part of a signed
// session key: who it speaks for, for how long, and the
// wallet signature that binds the ephemeral session
// public key to the owner.
type SessionCertificate struct {
	Owner            Address       `json:"owner"`
	Scope            string        `json:"scope"`
	CreatedAt        time.Time     `json:"createdAt"`
	TTL              time.Duration `json:"ttl"`
	SessionPublicKey []byte        `json:"sessionPublicKey"`
	Signature        []byte        `json:"signature"`
}

// ExpiresAt is CreatedAt + TTL.
func (c SessionCertificate) ExpiresAt() time.Time {
	return c.CreatedAt.Add(c.TTL)
}
