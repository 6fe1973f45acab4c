package testutil

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/i5heu/shake-gate/pkg/interfaces"
	"github.com/i5heu/shake-gate/pkg/ledger"
	"github.com/i5heu/shake-gate/pkg/model"
	"github.com/i5heu/shake-gate/pkg/wallet"
)

// CoinType is the coin the fake chain pays in.
const CoinType = "0x2::sui::SUI"

// TestBlog is the deployment the fake chain serves.
func TestBlog() ledger.Blog {
	return ledger.Blog{
		PackageID:       model.ObjectID("0x" + strings.Repeat("ab", 32)),
		PaymentRegistry: model.ObjectID("0x" + strings.Repeat("cd", 32)),
		UserRegistry:    model.ObjectID("0x" + strings.Repeat("ef", 32)),
	}
}

type chainPost struct {
	id        model.ObjectID
	metadata  model.ObjectID
	author    model.Address
	title     string
	content   model.BlobID
	thumbnail model.BlobID
	sealID    []byte
	price     *uint64
	createdAt time.Time
	reviews   []model.ObjectID
}

type chainUser struct {
	id        model.ObjectID
	owner     model.Address
	name      string
	image     model.BlobID
	bio       string
	createdAt time.Time
	posts     []model.ObjectID
}

type chainCoin struct {
	owner   model.Address
	balance uint64
}

// Chain is an in-memory ledger running the blog module's
// rules. It verifies sender signatures and records every
// call so tests can assert on ledger traffic.
type Chain struct {
	Blog ledger.Blog

	mu        sync.Mutex
	nextID    uint64
	posts     map[model.ObjectID]*chainPost
	byMeta    map[model.ObjectID]*chainPost
	reviews   map[model.ObjectID]model.Review
	users     map[model.ObjectID]*chainUser
	byOwner   map[model.Address]model.ObjectID
	coins     map[model.ObjectID]*chainCoin
	purchases map[string]bool
	receipts  map[model.Digest]model.Receipt
	simulated map[string]int
	submitted map[string]int
	now       func() time.Time
}

var _ interfaces.Ledger = (*Chain)(nil)

func NewChain() *Chain {
	return &Chain{
		Blog:      TestBlog(),
		posts:     map[model.ObjectID]*chainPost{},
		byMeta:    map[model.ObjectID]*chainPost{},
		reviews:   map[model.ObjectID]model.Review{},
		users:     map[model.ObjectID]*chainUser{},
		byOwner:   map[model.Address]model.ObjectID{},
		coins:     map[model.ObjectID]*chainCoin{},
		purchases: map[string]bool{},
		receipts:  map[model.Digest]model.Receipt{},
		simulated: map[string]int{},
		submitted: map[string]int{},
		now:       time.Now,
	}
}

func (c *Chain) newID() model.ObjectID {
	c.nextID++
	return model.ObjectID(fmt.Sprintf("0x%064x", 0x1000+c.nextID))
}

func normalize(addr model.Address) model.Address {
	if norm, err := model.ParseAddress(string(addr)); err == nil {
		return norm
	}
	return addr
}

func purchaseKey(buyer model.Address, metadata model.ObjectID) string {
	return string(normalize(buyer)) + "/" + string(metadata)
}

func fnName(target string) string {
	return target[strings.LastIndex(target, "::")+2:]
}

// Fund gives owner a coin worth units.
func (c *Chain) Fund(owner model.Address, units uint64) model.ObjectID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.newID()
	c.coins[id] = &chainCoin{owner: owner, balance: units}
	return id
}

// Balance sums owner's coins.
func (c *Chain) Balance(owner model.Address) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total uint64
	for _, coin := range c.coins {
		if coin.owner.Equal(owner) {
			total += coin.balance
		}
	}
	return total
}

// Simulated counts read-only executions of fn.
func (c *Chain) Simulated(fn string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.simulated[fn]
}

// Submitted counts submitted calls of fn, failed ones
// included.
func (c *Chain) Submitted(fn string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitted[fn]
}

// Article reads and decodes a post.
func (c *Chain) Article(ctx context.Context, id model.ObjectID) (model.Article, error) {
	obj, err := c.GetObject(ctx, id)
	if err != nil {
		return model.Article{}, err
	}
	return ledger.DecodeArticle(obj)
}

func (c *Chain) Submit(
	ctx context.Context,
	signed model.SignedCall,
) (model.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return model.Receipt{}, err
	}
	if err := wallet.VerifyCall(signed); err != nil {
		return model.Receipt{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	fn := fnName(signed.Call.Target)
	c.submitted[fn]++

	receipt := model.Receipt{
		Digest: model.Digest(fmt.Sprintf("digest-%d", len(c.receipts)+1)),
		Status: model.StatusSuccess,
	}
	created, abort := c.execute(fn, signed.Sender, signed.Call.Args)
	if abort != "" {
		receipt.Status = model.StatusFailure
		receipt.Error = "MoveAbort(blog, " + abort + ")"
	} else {
		receipt.Created = created
	}
	c.receipts[receipt.Digest] = receipt
	return receipt, nil
}

func (c *Chain) execute(
	fn string,
	sender model.Address,
	args []model.Arg,
) ([]model.ObjectRef, string) {
	switch fn {
	case "create_user":
		return c.createUser(sender, args)
	case "create_post":
		return c.createPost(sender, args)
	case "purchase_post":
		return nil, c.purchasePost(sender, args)
	case "create_review":
		return c.createReview(sender, args)
	case "vote_for_review":
		return nil, c.voteForReview(sender, args)
	default:
		return nil, "EUnknownFunction"
	}
}

func (c *Chain) createUser(sender model.Address, args []model.Arg) ([]model.ObjectRef, string) {
	if len(args) != 5 || args[0].Value != string(c.Blog.UserRegistry) {
		return nil, "EBadArgs"
	}
	if _, ok := c.byOwner[normalize(sender)]; ok {
		return nil, ledger.AbortUserExists
	}
	u := &chainUser{
		id:        c.newID(),
		owner:     sender,
		name:      args[1].Value,
		image:     model.BlobID(args[2].Value),
		bio:       args[3].Value,
		createdAt: c.now(),
	}
	c.users[u.id] = u
	c.byOwner[normalize(sender)] = u.id
	return []model.ObjectRef{{ID: u.id, Type: c.Blog.UserType()}}, ""
}

func (c *Chain) createPost(sender model.Address, args []model.Arg) ([]model.ObjectRef, string) {
	if len(args) != 7 {
		return nil, "EBadArgs"
	}
	user, ok := c.users[model.ObjectID(args[0].Value)]
	if !ok || !user.owner.Equal(sender) {
		return nil, ledger.AbortNotUserOwner
	}
	sealID, err := hex.DecodeString(args[4].Value)
	if err != nil {
		return nil, "EBadArgs"
	}
	p := &chainPost{
		id:        c.newID(),
		metadata:  c.newID(),
		author:    sender,
		title:     args[1].Value,
		content:   model.BlobID(args[2].Value),
		thumbnail: model.BlobID(args[3].Value),
		sealID:    sealID,
		createdAt: c.now(),
	}
	if !args[5].None {
		price, err := strconv.ParseUint(args[5].Value, 10, 64)
		if err != nil {
			return nil, "EBadArgs"
		}
		p.price = &price
	}
	c.posts[p.id] = p
	c.byMeta[p.metadata] = p
	user.posts = append(user.posts, p.id)
	return []model.ObjectRef{
		{ID: p.id, Type: c.Blog.PostType()},
		{ID: p.metadata, Type: c.Blog.MetadataType()},
	}, ""
}

func (c *Chain) purchasePost(sender model.Address, args []model.Arg) string {
	if len(args) != 3 || args[0].Value != string(c.Blog.PaymentRegistry) {
		return "EBadArgs"
	}
	p, ok := c.byMeta[model.ObjectID(args[1].Value)]
	if !ok || p.price == nil {
		return "EBadArgs"
	}
	if c.purchases[purchaseKey(sender, p.metadata)] {
		return ledger.AbortAlreadyPurchased
	}

	amount, err := strconv.ParseUint(args[2].Value, 10, 64)
	if err != nil || amount < *p.price {
		return ledger.AbortInsufficientFunds
	}
	var total uint64
	for _, id := range args[2].Items {
		coin, ok := c.coins[model.ObjectID(id)]
		if !ok || !coin.owner.Equal(sender) {
			return "EBadCoin"
		}
		total += coin.balance
	}
	if total < amount {
		return ledger.AbortInsufficientCoin
	}

	remaining := amount
	for _, id := range args[2].Items {
		coin := c.coins[model.ObjectID(id)]
		take := min(coin.balance, remaining)
		coin.balance -= take
		remaining -= take
	}
	c.coins[c.newID()] = &chainCoin{owner: p.author, balance: amount}
	c.purchases[purchaseKey(sender, p.metadata)] = true
	return ""
}

func (c *Chain) createReview(sender model.Address, args []model.Arg) ([]model.ObjectRef, string) {
	if len(args) != 3 {
		return nil, "EBadArgs"
	}
	p, ok := c.byMeta[model.ObjectID(args[0].Value)]
	if !ok {
		return nil, "EBadArgs"
	}
	if p.author.Equal(sender) {
		return nil, ledger.AbortSelfReview
	}
	for _, id := range p.reviews {
		if c.reviews[id].Author.Equal(sender) {
			return nil, ledger.AbortAlreadyReviewed
		}
	}

	r := model.Review{
		ID:           c.newID(),
		ArticleID:    p.id,
		Author:       sender,
		Content:      args[1].Value,
		CreatedAt:    c.now(),
		VoteCounts:   map[model.Reaction]uint64{},
		VoterChoices: map[model.Address]model.Reaction{},
	}
	c.reviews[r.ID] = r
	p.reviews = append(p.reviews, r.ID)
	return []model.ObjectRef{{ID: r.ID, Type: c.Blog.ReviewType()}}, ""
}

func (c *Chain) voteForReview(sender model.Address, args []model.Arg) string {
	if len(args) != 2 {
		return "EBadArgs"
	}
	r, ok := c.reviews[model.ObjectID(args[0].Value)]
	if !ok {
		return "EBadArgs"
	}
	raw, err := hex.DecodeString(args[1].Value)
	if err != nil {
		return ledger.AbortUnknownReactionTag
	}
	reaction := model.Reaction(raw)
	if !reaction.Valid() {
		return ledger.AbortUnknownReactionTag
	}
	if r.Author.Equal(sender) || c.posts[r.ArticleID].author.Equal(sender) {
		return ledger.AbortSelfVote
	}
	next, _ := r.ApplyVote(sender, reaction)
	c.reviews[r.ID] = next
	return ""
}

// Simulate runs is_purchased_post, seal_approve and the
// user lookups.
func (c *Chain) Simulate(
	ctx context.Context,
	call model.Call,
	sender model.Address,
) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	fn := fnName(call.Target)
	c.simulated[fn]++

	switch fn {
	case "is_purchased_post":
		if len(call.Args) != 2 {
			return nil, interfaces.ErrCallFailed
		}
		if c.purchases[purchaseKey(sender, model.ObjectID(call.Args[1].Value))] {
			return [][]byte{{1}}, nil
		}
		return [][]byte{{0}}, nil
	case "seal_approve":
		if len(call.Args) != 3 {
			return nil, interfaces.ErrCallFailed
		}
		id, err := hex.DecodeString(call.Args[0].Value)
		if err != nil {
			return nil, interfaces.ErrCallFailed
		}
		registry, _ := c.Blog.PaymentRegistry.Bytes()
		if !bytes.HasPrefix(id, registry) {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrCallFailed, ledger.AbortNotPurchased)
		}
		// The id must be the one sealed into this very post.
		p, ok := c.byMeta[model.ObjectID(call.Args[2].Value)]
		if !ok || len(p.sealID) == 0 || !bytes.Equal(p.sealID, id) {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrCallFailed, ledger.AbortNotPurchased)
		}
		if !c.purchases[purchaseKey(sender, p.metadata)] {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrCallFailed, ledger.AbortNotPurchased)
		}
		return nil, nil
	case "get_user_address":
		if len(call.Args) != 2 || call.Args[0].Value != string(c.Blog.UserRegistry) {
			return nil, interfaces.ErrCallFailed
		}
		id, ok := c.byOwner[normalize(model.Address(call.Args[1].Value))]
		if !ok {
			return [][]byte{make([]byte, 32)}, nil
		}
		raw, err := id.Bytes()
		if err != nil {
			return nil, err
		}
		return [][]byte{raw}, nil
	case "get_posts":
		if len(call.Args) != 1 {
			return nil, interfaces.ErrCallFailed
		}
		u, ok := c.users[model.ObjectID(call.Args[0].Value)]
		if !ok {
			return nil, fmt.Errorf("%w: no user %s", interfaces.ErrCallFailed, call.Args[0].Value)
		}
		raw, err := ledger.EncodeAddressVector(u.posts)
		if err != nil {
			return nil, err
		}
		return [][]byte{raw}, nil
	default:
		return nil, fmt.Errorf("%w: unknown function %s", interfaces.ErrCallFailed, fn)
	}
}

func (c *Chain) GetObject(ctx context.Context, id model.ObjectID) (model.Object, error) {
	if err := ctx.Err(); err != nil {
		return model.Object{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.posts[id]; ok {
		return c.postObject(p)
	}
	if r, ok := c.reviews[id]; ok {
		return c.reviewObject(r)
	}
	if u, ok := c.users[id]; ok {
		return object(u.id, c.Blog.UserType(), map[string]any{
			"owner":      u.owner,
			"username":   u.name,
			"image":      u.image,
			"bio":        u.bio,
			"created_at": strconv.FormatInt(u.createdAt.UnixMilli(), 10),
		})
	}
	return model.Object{}, fmt.Errorf("%w: %s", ledger.ErrObjectNotFound, id)
}

func (c *Chain) postObject(p *chainPost) (model.Object, error) {
	fields := map[string]any{
		"author":            p.author,
		"title":             p.title,
		"post_blob_id":      p.content,
		"thumbnail_blob_id": p.thumbnail,
		"seal_id":           hex.EncodeToString(p.sealID),
		"created_at":        strconv.FormatInt(p.createdAt.UnixMilli(), 10),
		"metadata_id":       p.metadata,
		"reviews":           append([]model.ObjectID{}, p.reviews...),
	}
	if p.price != nil {
		fields["price"] = strconv.FormatUint(*p.price, 10)
	}
	return object(p.id, c.Blog.PostType(), fields)
}

func (c *Chain) reviewObject(r model.Review) (model.Object, error) {
	counts := map[string]string{}
	for reaction, n := range r.VoteCounts {
		counts[string(reaction)] = strconv.FormatUint(n, 10)
	}
	voters := map[string]string{}
	for addr, reaction := range r.VoterChoices {
		voters[string(addr)] = string(reaction)
	}
	return object(r.ID, c.Blog.ReviewType(), map[string]any{
		"post_id":     r.ArticleID,
		"author":      r.Author,
		"content":     r.Content,
		"created_at":  r.CreatedAt.UnixMilli(),
		"vote_counts": counts,
		"voters":      voters,
	})
}

func object(id model.ObjectID, typ string, fields map[string]any) (model.Object, error) {
	obj := model.Object{ID: id, Type: typ, Fields: map[string]json.RawMessage{}}
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return model.Object{}, err
		}
		obj.Fields[k] = raw
	}
	return obj, nil
}

func (c *Chain) GetCoins(
	ctx context.Context,
	owner model.Address,
	coinType string,
) ([]model.Coin, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if coinType != CoinType {
		return nil, nil
	}
	var out []model.Coin
	for id, coin := range c.coins {
		if coin.owner.Equal(owner) && coin.balance > 0 {
			out = append(out, model.Coin{ID: id, CoinType: CoinType, Balance: coin.balance})
		}
	}
	return out, nil
}

func (c *Chain) WaitForReceipt(
	ctx context.Context,
	digest model.Digest,
) (model.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return model.Receipt{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[digest]
	if !ok {
		return model.Receipt{}, fmt.Errorf("%w: %s", ledger.ErrReceiptNotFound, digest)
	}
	return r, nil
}
