// Package ledger builds the blog module's ledger calls,
// decodes the objects they create and talks to a ledger
// node over JSON-RPC.
package ledger

import (
	"github.com/i5heu/shake-gate/pkg/model"
)

// ClockObject is the shared on-chain clock object.
const ClockObject model.ObjectID = "0x6"

// Move type names of the blog module's objects.
const (
	typePost     = "blog::Post"
	typeMetadata = "blog::PostMetadata"
	typeReview   = "blog::Review"
	typeUser     = "user::User"
)

// Blog builds calls against one deployment of the blog
// module.
type Blog struct {
	PackageID model.ObjectID
	// PaymentRegistry is the shared object recording
	// purchases.
	PaymentRegistry model.ObjectID
	// UserRegistry is the shared object mapping wallet
	// addresses to user profiles.
	UserRegistry model.ObjectID
}

func (b Blog) target(fn string) string {
	return string(b.PackageID) + "::blog::" + fn
}

func (b Blog) userTarget(fn string) string {
	return string(b.PackageID) + "::user::" + fn
}

// PostType is the full type of created Post objects.
func (b Blog) PostType() string {
	return string(b.PackageID) + "::" + typePost
}

// MetadataType is the full type of PostMetadata objects.
func (b Blog) MetadataType() string {
	return string(b.PackageID) + "::" + typeMetadata
}

// ReviewType is the full type of Review objects.
func (b Blog) ReviewType() string {
	return string(b.PackageID) + "::" + typeReview
}

// UserType is the full type of User profile objects.
func (b Blog) UserType() string {
	return string(b.PackageID) + "::" + typeUser
}

// CreatePost publishes article metadata through the
// author's profile object. sealID binds the sealed body
// to the post for seal_approve; free articles pass none.
// price nil publishes a free article.
func (b Blog) CreatePost(
	profile model.ObjectID,
	title string,
	content model.BlobID,
	thumbnail model.BlobID,
	sealID []byte,
	price *uint64,
) model.Call {
	return model.Call{
		Target: b.target("create_post"),
		Args: []model.Arg{
			model.ObjectArg(profile),
			model.StringArg(title),
			model.StringArg(string(content)),
			model.StringArg(string(thumbnail)),
			model.BytesArg(sealID),
			model.OptionU64Arg(price),
			model.ObjectArg(ClockObject),
		},
	}
}

// PurchasePost pays for an article with coin.
func (b Blog) PurchasePost(
	metadata model.ObjectID,
	coin model.Arg,
) model.Call {
	return model.Call{
		Target: b.target("purchase_post"),
		Args: []model.Arg{
			model.ObjectArg(b.PaymentRegistry),
			model.ObjectArg(metadata),
			coin,
		},
	}
}

// IsPurchasedPost is the read-only purchase query. Its
// first return value is a one-byte bool.
func (b Blog) IsPurchasedPost(metadata model.ObjectID) model.Call {
	return model.Call{
		Target: b.target("is_purchased_post"),
		Args: []model.Arg{
			model.ObjectArg(b.PaymentRegistry),
			model.ObjectArg(metadata),
		},
	}
}

// CreateReview adds a review to an article.
func (b Blog) CreateReview(
	metadata model.ObjectID,
	content string,
) model.Call {
	return model.Call{
		Target: b.target("create_review"),
		Args: []model.Arg{
			model.ObjectArg(metadata),
			model.StringArg(content),
			model.ObjectArg(ClockObject),
		},
	}
}

// VoteForReview sets the sender's reaction on a review.
// The ledger replaces any earlier reaction of the sender
// in the same call.
func (b Blog) VoteForReview(
	review model.ObjectID,
	reaction model.Reaction,
) model.Call {
	return model.Call{
		Target: b.target("vote_for_review"),
		Args: []model.Arg{
			model.ObjectArg(review),
			model.BytesArg([]byte(reaction)),
		},
	}
}

// SealApprove is the approval predicate key servers
// evaluate before releasing shares for contentID.
func (b Blog) SealApprove(
	contentID []byte,
	metadata model.ObjectID,
) model.Call {
	return model.Call{
		Target: b.target("seal_approve"),
		Args: []model.Arg{
			model.BytesArg(contentID),
			model.ObjectArg(b.PaymentRegistry),
			model.ObjectArg(metadata),
		},
	}
}

// CreateUser registers the sender's profile.
func (b Blog) CreateUser(name string, image model.BlobID, bio string) model.Call {
	return model.Call{
		Target: b.userTarget("create_user"),
		Args: []model.Arg{
			model.ObjectArg(b.UserRegistry),
			model.StringArg(name),
			model.StringArg(string(image)),
			model.StringArg(bio),
			model.ObjectArg(ClockObject),
		},
	}
}

// GetUserAddress is the read-only profile lookup. It
// returns the profile's object id, or the zero address
// when owner has none.
func (b Blog) GetUserAddress(owner model.Address) model.Call {
	return model.Call{
		Target: b.userTarget("get_user_address"),
		Args: []model.Arg{
			model.ObjectArg(b.UserRegistry),
			model.AddressArg(owner),
		},
	}
}

// GetPosts lists the post ids created through profile.
func (b Blog) GetPosts(profile model.ObjectID) model.Call {
	return model.Call{
		Target: b.userTarget("get_posts"),
		Args:   []model.Arg{model.ObjectArg(profile)},
	}
}
