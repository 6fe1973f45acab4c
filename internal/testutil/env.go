package testutil

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/i5heu/shake-gate/pkg/ledger"
	"github.com/i5heu/shake-gate/pkg/model"
	"github.com/i5heu/shake-gate/pkg/oracle"
)

// Env wires a fake chain, blob store and key server
// network together.
type Env struct {
	Chain  *Chain
	Blobs  *Blobs
	Keys   *KeyNetwork
	Oracle *oracle.Client
}

// NewEnv starts an environment with three key servers.
func NewEnv(t *testing.T) *Env {
	t.Helper()
	chain := NewChain()
	keys := NewKeyNetwork(t, chain, 3)
	return &Env{
		Chain:  chain,
		Blobs:  NewBlobs(),
		Keys:   keys,
		Oracle: keys.Client(t, chain),
	}
}

// Profile returns the profile object of w, registering
// one first when w has none.
func (e *Env) Profile(t *testing.T, w *Wallet) model.ObjectID {
	t.Helper()
	ctx := context.Background()

	values, err := e.Chain.Simulate(ctx, e.Chain.Blog.GetUserAddress(w.Address()), w.Address())
	if err != nil {
		t.Fatalf("lookup profile: %v", err)
	}
	if id, err := ledger.DecodeAddress(values); err == nil && id != "" {
		return id
	}

	receipt, err := w.Local.SignAndSubmit(ctx, e.Chain.Blog.CreateUser("user", "", ""))
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := ledger.ReceiptError(receipt); err != nil {
		t.Fatalf("create user: %v", err)
	}
	id, ok := receipt.CreatedOfType(e.Chain.Blog.UserType())
	if !ok {
		t.Fatal("no user created")
	}
	return id
}

// Post publishes body as author directly on the chain,
// registering the author's profile when needed. A
// non-zero price seals the body with threshold 2.
func (e *Env) Post(
	t *testing.T,
	author *Wallet,
	title string,
	body []byte,
	price uint64,
) model.Article {
	t.Helper()
	ctx := context.Background()

	profile := e.Profile(t, author)

	stored := body
	var (
		pricePtr  *uint64
		contentID []byte
	)
	if price > 0 {
		prefix, err := e.Chain.Blog.PaymentRegistry.Bytes()
		if err != nil {
			t.Fatalf("registry bytes: %v", err)
		}
		nonce := make([]byte, 5)
		if _, err := rand.Read(nonce); err != nil {
			t.Fatalf("nonce: %v", err)
		}
		contentID = append(prefix, nonce...)
		stored, err = e.Oracle.Encrypt(ctx, body, contentID, 2)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		pricePtr = &price
	}

	blob, err := e.Blobs.Put(ctx, stored, 1)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	receipt, err := author.Local.SignAndSubmit(ctx, e.Chain.Blog.CreatePost(
		profile, title, blob, "", contentID, pricePtr,
	))
	if err != nil {
		t.Fatalf("create post: %v", err)
	}
	if err := ledger.ReceiptError(receipt); err != nil {
		t.Fatalf("create post: %v", err)
	}
	id, ok := receipt.CreatedOfType(e.Chain.Blog.PostType())
	if !ok {
		t.Fatal("no post created")
	}
	article, err := e.Chain.Article(ctx, id)
	if err != nil {
		t.Fatalf("read article: %v", err)
	}
	return article
}
