package model

import "time"

// UnitsPerCoin converts whole coins to the smallest
// price unit.
const UnitsPerCoin uint64 = 1_000_000_000

// ReviewRef points at a review object.
type ReviewRef = ObjectID

// Article is the on-ledger metadata of a published
// post. Everything but Reviews is immutable after
// publishing; Reviews only grows.
type Article struct {
	ID         ObjectID
	MetadataID ObjectID
	Author     Address
	Title      string
	// ContentBlob holds plaintext when PriceUnits is 0
	// and an encoded ciphertext envelope otherwise.
	ContentBlob   BlobID
	ThumbnailBlob BlobID
	// SealID is the content id paid bodies are sealed
	// under. The ledger only approves decryption of this
	// id for buyers of this article. Empty for free
	// articles.
	SealID     []byte
	PriceUnits uint64
	CreatedAt  time.Time
	Reviews    []ReviewRef
}

// IsFree reports whether the article needs no purchase.
func (a Article) IsFree() bool {
	return a.PriceUnits == 0
}

// MetadataRef is the object the purchase registry and
// review list are keyed by. Older articles carry no
// separate metadata object and use the post id.
func (a Article) MetadataRef() ObjectID {
	if a.MetadataID != "" {
		return a.MetadataID
	}
	return a.ID
}

// IsAuthor reports whether addr published the article.
func (a Article) IsAuthor(addr Address) bool {
	return !addr.IsZero() && a.Author.Equal(addr)
}

// PurchaseRecord is the ledger fact that Buyer bought
// Article. The client only ever queries it.
type PurchaseRecord struct {
	Buyer   Address
	Article ObjectID
}
