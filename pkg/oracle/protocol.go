package oracle

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i5heu/shake-gate/pkg/model"
)

// FetchKeyPath is the key server endpoint that releases a
// share.
const FetchKeyPath = "/v1/fetch_key"

// FetchKeyRequest asks a key server to release its share
// of ContentID to the holder of ResponseKey.
type FetchKeyRequest struct {
	Certificate      model.SessionCertificate `json:"certificate"`
	RequestSignature []byte                   `json:"requestSignature"`
	Predicate        model.Call               `json:"predicate"`
	PackageID        model.ObjectID           `json:"packageId"`
	ContentID        []byte                   `json:"contentId"`
	ShareIndex       int                      `json:"shareIndex"`
	EncryptedShare   []byte                   `json:"encryptedShare"`
	ResponseKey      []byte                   `json:"responseKey"`
}

// FetchKeyResponse carries the share re-encrypted to the
// request's response key.
type FetchKeyResponse struct {
	ServerID       string `json:"serverId"`
	ShareIndex     int    `json:"shareIndex"`
	EncryptedShare []byte `json:"encryptedShare"`
}

// requestPayload is what the session key signs: the
// predicate, the content id and the response key.
func requestPayload(predicate model.Call, contentID, responseKey []byte) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, predicate.Encode())
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendBytes(buf, contentID)
	buf = protowire.AppendTag(buf, 3, protowire.BytesType)
	buf = protowire.AppendBytes(buf, responseKey)
	return buf
}

// Field numbers of a sealed share's plaintext.
const (
	fieldSealedContentID protowire.Number = 1
	fieldSealedIndex     protowire.Number = 2
	fieldSealedValue     protowire.Number = 3
)

// sealedShare is what a key server's share ciphertext
// holds. The content id and index travel inside the
// encryption so a share cannot be presented under another
// article's approval.
type sealedShare struct {
	ContentID []byte
	Index     int
	Value     []byte
}

func (s sealedShare) marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldSealedContentID, protowire.BytesType)
	buf = protowire.AppendBytes(buf, s.ContentID)
	buf = protowire.AppendTag(buf, fieldSealedIndex, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(s.Index))
	buf = protowire.AppendTag(buf, fieldSealedValue, protowire.BytesType)
	buf = protowire.AppendBytes(buf, s.Value)
	return buf
}

func unmarshalSealedShare(data []byte) (sealedShare, error) {
	var s sealedShare
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldSealedContentID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			s.ContentID = append([]byte(nil), v...)
			return n, nil
		case num == fieldSealedIndex && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 && v > 1<<16 {
				return -1, fmt.Errorf("share index %d out of range", v)
			}
			s.Index = int(v)
			return n, nil
		case num == fieldSealedValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			s.Value = append([]byte(nil), v...)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return sealedShare{}, err
	}
	if len(s.ContentID) == 0 || len(s.Value) == 0 {
		return sealedShare{}, errors.New("incomplete sealed share")
	}
	return s, nil
}
