package ledger

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i5heu/shake-gate/pkg/model"
)

// u64 accepts both JSON numbers and decimal strings;
// nodes encode u64 as strings to stay within JSON's
// safe integer range.
type u64 uint64

func (v *u64) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*v = 0
		return nil
	}
	n, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("decode u64 %q: %w", b, err)
	}
	*v = u64(n)
	return nil
}

// byteVec accepts vector<u8> fields rendered either as a
// hex string or as a JSON array of numbers.
type byteVec []byte

func (v *byteVec) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '[' {
		var nums []uint8
		if err := json.Unmarshal(b, &nums); err != nil {
			return fmt.Errorf("decode byte vector: %w", err)
		}
		*v = nums
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("decode byte vector: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return fmt.Errorf("decode byte vector %q: %w", s, err)
	}
	*v = raw
	return nil
}

type postFields struct {
	Author      model.Address    `json:"author"`
	Title       string           `json:"title"`
	PostBlobID  model.BlobID     `json:"post_blob_id"`
	ThumbBlobID model.BlobID     `json:"thumbnail_blob_id"`
	SealID      byteVec          `json:"seal_id"`
	CreatedAtMs u64              `json:"created_at"`
	MetadataID  model.ObjectID   `json:"metadata_id"`
	Price       u64              `json:"price"`
	Reviews     []model.ObjectID `json:"reviews"`
}

type userFields struct {
	Owner       model.Address `json:"owner"`
	Username    string        `json:"username"`
	Image       model.BlobID  `json:"image"`
	Bio         string        `json:"bio"`
	CreatedAtMs u64           `json:"created_at"`
}

type reviewFields struct {
	PostID      model.ObjectID           `json:"post_id"`
	Author      model.Address            `json:"author"`
	Content     string                   `json:"content"`
	CreatedAtMs u64                      `json:"created_at"`
	VoteCounts  map[model.Reaction]u64   `json:"vote_counts"`
	Voters      map[model.Address]string `json:"voters"`
}

// DecodeArticle maps a Post object to an Article.
func DecodeArticle(obj model.Object) (model.Article, error) {
	var f postFields
	if err := decodeFields(obj, &f); err != nil {
		return model.Article{}, fmt.Errorf("decode post %s: %w", obj.ID, err)
	}
	return model.Article{
		ID:            obj.ID,
		MetadataID:    f.MetadataID,
		Author:        f.Author,
		Title:         f.Title,
		ContentBlob:   f.PostBlobID,
		ThumbnailBlob: f.ThumbBlobID,
		SealID:        []byte(f.SealID),
		PriceUnits:    uint64(f.Price),
		CreatedAt:     time.UnixMilli(int64(f.CreatedAtMs)).UTC(),
		Reviews:       f.Reviews,
	}, nil
}

// DecodeReview maps a Review object to a Review. Voter
// entries with an unknown reaction are rejected so that
// tallies and choices stay consistent.
func DecodeReview(obj model.Object) (model.Review, error) {
	var f reviewFields
	if err := decodeFields(obj, &f); err != nil {
		return model.Review{}, fmt.Errorf("decode review %s: %w", obj.ID, err)
	}
	review := model.Review{
		ID:           obj.ID,
		ArticleID:    f.PostID,
		Author:       f.Author,
		Content:      f.Content,
		CreatedAt:    time.UnixMilli(int64(f.CreatedAtMs)).UTC(),
		VoteCounts:   make(map[model.Reaction]uint64, len(f.VoteCounts)),
		VoterChoices: make(map[model.Address]model.Reaction, len(f.Voters)),
	}
	for reaction, n := range f.VoteCounts {
		review.VoteCounts[reaction] = uint64(n)
	}
	for voter, raw := range f.Voters {
		reaction, err := model.ParseReaction(raw)
		if err != nil {
			return model.Review{}, fmt.Errorf(
				"decode review %s voter %s: %w", obj.ID, voter, err,
			)
		}
		review.VoterChoices[voter] = reaction
	}
	return review, nil
}

func decodeFields(obj model.Object, v any) error {
	raw, err := json.Marshal(obj.Fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// DecodeBool reads a one-byte BCS bool return value.
func DecodeBool(returnValues [][]byte) (bool, error) {
	if len(returnValues) == 0 || len(returnValues[0]) == 0 {
		return false, fmt.Errorf("call returned no values")
	}
	switch returnValues[0][0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf(
			"invalid bool byte %d", returnValues[0][0],
		)
	}
}

// DecodeProfile maps a User object to a Profile.
func DecodeProfile(obj model.Object) (model.Profile, error) {
	var f userFields
	if err := decodeFields(obj, &f); err != nil {
		return model.Profile{}, fmt.Errorf("decode user %s: %w", obj.ID, err)
	}
	return model.Profile{
		ID:        obj.ID,
		Owner:     f.Owner,
		Name:      f.Username,
		Image:     f.Image,
		Bio:       f.Bio,
		CreatedAt: time.UnixMilli(int64(f.CreatedAtMs)).UTC(),
	}, nil
}

const addressLen = 32

// DecodeAddress reads a BCS address return value. The
// zero address decodes to an empty id.
func DecodeAddress(returnValues [][]byte) (model.ObjectID, error) {
	if len(returnValues) == 0 {
		return "", errors.New("call returned no values")
	}
	raw := returnValues[0]
	if len(raw) != addressLen {
		return "", fmt.Errorf("address of %d bytes", len(raw))
	}
	if bytes.Equal(raw, make([]byte, addressLen)) {
		return "", nil
	}
	return model.ObjectID("0x" + hex.EncodeToString(raw)), nil
}

// DecodeAddressVector reads a BCS vector<address> return
// value: a ULEB128 length followed by the addresses.
func DecodeAddressVector(returnValues [][]byte) ([]model.ObjectID, error) {
	if len(returnValues) == 0 {
		return nil, errors.New("call returned no values")
	}
	raw := returnValues[0]
	// ULEB128 and the protobuf varint share one encoding.
	count, n := protowire.ConsumeVarint(raw)
	if n < 0 {
		return nil, fmt.Errorf("vector length: %w", protowire.ParseError(n))
	}
	raw = raw[n:]
	if count > uint64(len(raw))/addressLen || uint64(len(raw)) != count*addressLen {
		return nil, fmt.Errorf("vector of %d addresses has %d bytes", count, len(raw))
	}
	ids := make([]model.ObjectID, 0, count)
	for len(raw) > 0 {
		ids = append(ids, model.ObjectID("0x"+hex.EncodeToString(raw[:addressLen])))
		raw = raw[addressLen:]
	}
	return ids, nil
}

// EncodeAddressVector is the inverse of
// DecodeAddressVector.
func EncodeAddressVector(ids []model.ObjectID) ([]byte, error) {
	buf := protowire.AppendVarint(nil, uint64(len(ids)))
	for _, id := range ids {
		raw, err := id.Bytes()
		if err != nil {
			return nil, err
		}
		buf = append(buf, raw...)
	}
	return buf, nil
}
