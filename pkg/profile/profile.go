// Package profile registers and looks up user profiles.
// A profile is the ledger object posts are created through;
// it also lists the posts of its owner.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/i5heu/shake-gate/pkg/interfaces"
	"github.com/i5heu/shake-gate/pkg/ledger"
	"github.com/i5heu/shake-gate/pkg/logging"
	"github.com/i5heu/shake-gate/pkg/model"
)

const (
	MinNameLength = 2
	MaxBioLength  = 500
	MaxImageSize  = 5 << 20
)

var (
	ErrShortName  = errors.New("profile: name is too short")
	ErrLongBio    = errors.New("profile: bio is too long")
	ErrNoImage    = errors.New("profile: an image is required")
	ErrLargeImage = errors.New("profile: image is too large")
)

// Registration is a profile before it is created.
type Registration struct {
	Name  string
	Bio   string
	Image []byte
}

// Validate checks the registration before anything is
// uploaded.
func (r Registration) Validate() error {
	switch {
	case utf8.RuneCountInString(strings.TrimSpace(r.Name)) < MinNameLength:
		return ErrShortName
	case utf8.RuneCountInString(r.Bio) > MaxBioLength:
		return ErrLongBio
	case len(r.Image) == 0:
		return ErrNoImage
	case len(r.Image) > MaxImageSize:
		return ErrLargeImage
	}
	return nil
}

type Directory struct {
	ledger interfaces.Ledger
	wallet interfaces.WalletSigner
	blobs  interfaces.BlobStore
	blog   ledger.Blog
	epochs int
	log    *slog.Logger
}

type Option func(*Directory)

func WithLogger(l *slog.Logger) Option {
	return func(d *Directory) { d.log = l }
}

// WithEpochs sets the storage retention of profile
// images.
func WithEpochs(n int) Option {
	return func(d *Directory) { d.epochs = n }
}

// New builds a directory. wallet may be nil for lookups
// only.
func New(
	l interfaces.Ledger,
	wallet interfaces.WalletSigner,
	blobs interfaces.BlobStore,
	blog ledger.Blog,
	opts ...Option,
) *Directory {
	d := &Directory{
		ledger: l,
		wallet: wallet,
		blobs:  blobs,
		blog:   blog,
		epochs: 1,
		log:    logging.Logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Lookup returns owner's profile, or ErrProfileNotFound.
func (d *Directory) Lookup(ctx context.Context, owner model.Address) (model.Profile, error) {
	if owner.IsZero() {
		return model.Profile{}, interfaces.ErrProfileNotFound
	}
	values, err := d.ledger.Simulate(ctx, d.blog.GetUserAddress(owner), owner)
	if err != nil {
		return model.Profile{}, fmt.Errorf("lookup profile of %s: %w", owner, err)
	}
	id, err := ledger.DecodeAddress(values)
	if err != nil {
		return model.Profile{}, fmt.Errorf("lookup profile of %s: %w", owner, err)
	}
	if id == "" {
		return model.Profile{}, fmt.Errorf("%w: %s", interfaces.ErrProfileNotFound, owner)
	}
	return d.read(ctx, id)
}

func (d *Directory) read(ctx context.Context, id model.ObjectID) (model.Profile, error) {
	obj, err := d.ledger.GetObject(ctx, id)
	if err != nil {
		return model.Profile{}, fmt.Errorf("read profile %s: %w", id, err)
	}
	return ledger.DecodeProfile(obj)
}

// Register uploads the image and creates owner's
// profile. Owners with a profile get ErrProfileExists
// before anything is uploaded.
func (d *Directory) Register(
	ctx context.Context,
	owner model.Address,
	reg Registration,
) (model.Profile, error) {
	if err := reg.Validate(); err != nil {
		return model.Profile{}, err
	}
	if d.wallet == nil || !d.wallet.Address().Equal(owner) {
		return model.Profile{}, fmt.Errorf(
			"%w: no wallet connected for %s", interfaces.ErrSigningRejected, owner,
		)
	}
	_, err := d.Lookup(ctx, owner)
	switch {
	case err == nil:
		return model.Profile{}, fmt.Errorf("%w: %s", interfaces.ErrProfileExists, owner)
	case !errors.Is(err, interfaces.ErrProfileNotFound):
		return model.Profile{}, err
	}

	image, err := d.blobs.Put(ctx, reg.Image, d.epochs)
	if err != nil {
		return model.Profile{}, fmt.Errorf("upload profile image: %w", err)
	}

	call := d.blog.CreateUser(strings.TrimSpace(reg.Name), image, reg.Bio)
	submitted, err := d.wallet.SignAndSubmit(ctx, call)
	if err != nil {
		return model.Profile{}, fmt.Errorf("create user: %w", err)
	}
	if err := ledger.ReceiptError(submitted); err != nil {
		return model.Profile{}, fmt.Errorf("create user: %w", err)
	}
	receipt, err := d.ledger.WaitForReceipt(ctx, submitted.Digest)
	if err != nil {
		return model.Profile{}, fmt.Errorf("create user: %w", err)
	}
	if err := ledger.ReceiptError(receipt); err != nil {
		return model.Profile{}, fmt.Errorf("create user: %w", err)
	}
	id, ok := receipt.CreatedOfType(d.blog.UserType())
	if !ok {
		return model.Profile{}, fmt.Errorf(
			"create user: %w: receipt %s created no profile", interfaces.ErrCallFailed, receipt.Digest,
		)
	}

	d.log.Info("profile registered",
		"component", "profile",
		"owner", owner,
		"profile", id)
	return d.read(ctx, id)
}

// Posts returns the articles published through owner's
// profile, oldest first.
func (d *Directory) Posts(ctx context.Context, owner model.Address) ([]model.Article, error) {
	p, err := d.Lookup(ctx, owner)
	if err != nil {
		return nil, err
	}
	values, err := d.ledger.Simulate(ctx, d.blog.GetPosts(p.ID), owner)
	if err != nil {
		return nil, fmt.Errorf("list posts of %s: %w", p.ID, err)
	}
	ids, err := ledger.DecodeAddressVector(values)
	if err != nil {
		return nil, fmt.Errorf("list posts of %s: %w", p.ID, err)
	}

	articles := make([]model.Article, 0, len(ids))
	for _, id := range ids {
		obj, err := d.ledger.GetObject(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("read post %s: %w", id, err)
		}
		a, err := ledger.DecodeArticle(obj)
		if err != nil {
			return nil, err
		}
		articles = append(articles, a)
	}
	return articles, nil
}
