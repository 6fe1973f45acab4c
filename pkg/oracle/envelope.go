package oracle

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i5heu/shake-gate/pkg/interfaces"
	"github.com/i5heu/shake-gate/pkg/model"
)

const currentEnvelopeVersion = 2

// Envelope is the stored form of a paid article. Each key
// server holds one share of the content secret, encrypted
// to its public key; the body is sealed with a key
// derived from the secret.
type Envelope struct {
	Version    uint64
	PackageID  model.ObjectID
	ContentID  []byte
	Threshold  int
	Shares     []EncryptedShare
	Nonce      []byte
	Ciphertext []byte
}

// EncryptedShare is one key server's share.
type EncryptedShare struct {
	ServerID   string
	Index      int
	Ciphertext []byte
}

// Field numbers of the envelope encoding.
const (
	fieldVersion    protowire.Number = 1
	fieldPackageID  protowire.Number = 2
	fieldContentID  protowire.Number = 3
	fieldThreshold  protowire.Number = 4
	fieldShare      protowire.Number = 5
	fieldNonce      protowire.Number = 6
	fieldCiphertext protowire.Number = 7

	fieldShareServer protowire.Number = 1
	fieldShareIndex  protowire.Number = 2
	fieldShareCipher protowire.Number = 3
)

// Marshal encodes the envelope.
func (e Envelope) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldVersion, protowire.VarintType)
	buf = protowire.AppendVarint(buf, e.Version)
	buf = protowire.AppendTag(buf, fieldPackageID, protowire.BytesType)
	buf = protowire.AppendString(buf, string(e.PackageID))
	buf = protowire.AppendTag(buf, fieldContentID, protowire.BytesType)
	buf = protowire.AppendBytes(buf, e.ContentID)
	buf = protowire.AppendTag(buf, fieldThreshold, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(e.Threshold))
	for _, s := range e.Shares {
		buf = protowire.AppendTag(buf, fieldShare, protowire.BytesType)
		buf = protowire.AppendBytes(buf, s.marshal())
	}
	buf = protowire.AppendTag(buf, fieldNonce, protowire.BytesType)
	buf = protowire.AppendBytes(buf, e.Nonce)
	buf = protowire.AppendTag(buf, fieldCiphertext, protowire.BytesType)
	buf = protowire.AppendBytes(buf, e.Ciphertext)
	return buf
}

func (s EncryptedShare) marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldShareServer, protowire.BytesType)
	buf = protowire.AppendString(buf, s.ServerID)
	buf = protowire.AppendTag(buf, fieldShareIndex, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(s.Index))
	buf = protowire.AppendTag(buf, fieldShareCipher, protowire.BytesType)
	buf = protowire.AppendBytes(buf, s.Ciphertext)
	return buf
}

// UnmarshalEnvelope decodes and sanity checks an
// envelope. Malformed input yields ErrInvalidEnvelope.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.Version = v
			return n, nil
		case num == fieldPackageID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			e.PackageID = model.ObjectID(v)
			return n, nil
		case num == fieldContentID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			e.ContentID = append([]byte(nil), v...)
			return n, nil
		case num == fieldThreshold && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 && v > 1<<16 {
				return -1, fmt.Errorf("threshold %d out of range", v)
			}
			e.Threshold = int(v)
			return n, nil
		case num == fieldShare && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			s, err := unmarshalShare(v)
			if err != nil {
				return -1, err
			}
			e.Shares = append(e.Shares, s)
			return n, nil
		case num == fieldNonce && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			e.Nonce = append([]byte(nil), v...)
			return n, nil
		case num == fieldCiphertext && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			e.Ciphertext = append([]byte(nil), v...)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", interfaces.ErrInvalidEnvelope, err)
	}
	if err := e.validate(); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", interfaces.ErrInvalidEnvelope, err)
	}
	return e, nil
}

func unmarshalShare(data []byte) (EncryptedShare, error) {
	var s EncryptedShare
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldShareServer && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			s.ServerID = string(v)
			return n, nil
		case num == fieldShareIndex && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 && v > 1<<16 {
				return -1, fmt.Errorf("share index %d out of range", v)
			}
			s.Index = int(v)
			return n, nil
		case num == fieldShareCipher && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			s.Ciphertext = append([]byte(nil), v...)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return s, err
}

// consumeFields walks the top-level fields of data. fn
// consumes one field value and returns its length, or a
// negative protowire error code.
func consumeFields(
	data []byte,
	fn func(protowire.Number, protowire.Type, []byte) (int, error),
) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		m, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		data = data[m:]
	}
	return nil
}

func (e Envelope) validate() error {
	switch {
	case e.Version != currentEnvelopeVersion:
		return fmt.Errorf("unsupported version %d", e.Version)
	case len(e.ContentID) == 0:
		return fmt.Errorf("missing content id")
	case e.Threshold < 1 || e.Threshold > len(e.Shares):
		return fmt.Errorf("threshold %d with %d shares", e.Threshold, len(e.Shares))
	case len(e.Nonce) == 0 || len(e.Ciphertext) == 0:
		return fmt.Errorf("missing sealed body")
	}
	seen := make(map[string]bool, len(e.Shares))
	for _, s := range e.Shares {
		if s.ServerID == "" || seen[s.ServerID] {
			return fmt.Errorf("duplicate or empty server id %q", s.ServerID)
		}
		seen[s.ServerID] = true
	}
	return nil
}
