package model

import (
	"encoding/hex"
	"encoding/json"
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"
)

// ArgKind tags a positional call argument.
type ArgKind string

const (
	ArgObject ArgKind = "object"
	ArgString ArgKind = "string"
	ArgU64    ArgKind = "u64"
	ArgOption ArgKind = "option_u64"
	ArgBytes  ArgKind = "bytes"
	ArgCoin   ArgKind = "coin"
	ArgAddr   ArgKind = "address"
)

// Arg is one positional argument of a Call. Value holds
// the object id, the string, the decimal u64 or the hex
// bytes depending on Kind. Coin arguments carry the
// amount in Value and the input coins in Items.
type Arg struct {
	Kind  ArgKind  `json:"kind"`
	Value string   `json:"value,omitempty"`
	Items []string `json:"items,omitempty"`
	None  bool     `json:"none,omitempty"`
}

// ObjectArg references a ledger object.
func ObjectArg(id ObjectID) Arg {
	return Arg{Kind: ArgObject, Value: string(id)}
}

// StringArg passes a UTF-8 string.
func StringArg(s string) Arg {
	return Arg{Kind: ArgString, Value: s}
}

// U64Arg passes an unsigned integer.
func U64Arg(v uint64) Arg {
	return Arg{Kind: ArgU64, Value: strconv.FormatUint(v, 10)}
}

// OptionU64Arg passes option<u64>; nil encodes none.
func OptionU64Arg(v *uint64) Arg {
	if v == nil {
		return Arg{Kind: ArgOption, None: true}
	}
	return Arg{Kind: ArgOption, Value: strconv.FormatUint(*v, 10)}
}

// BytesArg passes a byte vector, hex encoded.
func BytesArg(b []byte) Arg {
	return Arg{Kind: ArgBytes, Value: hex.EncodeToString(b)}
}

// AddressArg passes an account address by value.
func AddressArg(a Address) Arg {
	return Arg{Kind: ArgAddr, Value: string(a)}
}

// CoinArg passes amount units taken from coins. The
// ledger merges the inputs and splits off amount.
func CoinArg(amount uint64, coins []ObjectID) Arg {
	items := make([]string, len(coins))
	for i, c := range coins {
		items[i] = string(c)
	}
	return Arg{
		Kind:  ArgCoin,
		Value: strconv.FormatUint(amount, 10),
		Items: items,
	}
}

// Call is a named ledger operation with positional
// arguments, e.g. "{package}::blog::purchase_post".
type Call struct {
	Target string `json:"target"`
	Args   []Arg  `json:"args"`
}

// Encode returns the canonical byte form of the call.
// Two calls with the same target and arguments always
// encode identically.
func (c Call) Encode() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendString(buf, c.Target)
	for _, arg := range c.Args {
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendBytes(buf, arg.encode())
	}
	return buf
}

func (a Arg) encode() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendString(buf, string(a.Kind))
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendString(buf, a.Value)
	for _, item := range a.Items {
		buf = protowire.AppendTag(buf, 3, protowire.BytesType)
		buf = protowire.AppendString(buf, item)
	}
	if a.None {
		buf = protowire.AppendTag(buf, 4, protowire.VarintType)
		buf = protowire.AppendVarint(buf, 1)
	}
	return buf
}

// SignedCall is a call authorised by Sender.
type SignedCall struct {
	Call      Call    `json:"call"`
	Sender    Address `json:"sender"`
	Signature []byte  `json:"signature"`
}

// ReceiptStatus is the execution outcome of a call.
type ReceiptStatus string

const (
	StatusSuccess ReceiptStatus = "success"
	StatusFailure ReceiptStatus = "failure"
)

// ObjectRef is an object created by a transaction.
type ObjectRef struct {
	ID   ObjectID `json:"id"`
	Type string   `json:"type"`
}

// Receipt is the result of a submitted call.
type Receipt struct {
	Digest  Digest        `json:"digest"`
	Status  ReceiptStatus `json:"status"`
	Error   string        `json:"error,omitempty"`
	Created []ObjectRef   `json:"created,omitempty"`
}

// OK reports whether the call executed successfully.
func (r Receipt) OK() bool {
	return r.Status == StatusSuccess
}

// CreatedOfType returns the first created object whose
// type equals typ.
func (r Receipt) CreatedOfType(typ string) (ObjectID, bool) {
	for _, ref := range r.Created {
		if ref.Type == typ {
			return ref.ID, true
		}
	}
	return "", false
}

// Object is a ledger object as returned by a read.
type Object struct {
	ID     ObjectID                   `json:"id"`
	Type   string                     `json:"type"`
	Fields map[string]json.RawMessage `json:"fields"`
}

// Field decodes the named field into v. Missing fields
// leave v untouched and report false.
func (o Object) Field(name string, v any) (bool, error) {
	raw, ok := o.Fields[name]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

// Coin is an owned coin object.
type Coin struct {
	ID       ObjectID `json:"id"`
	CoinType string   `json:"coinType"`
	Balance  uint64   `json:"balance,string"`
}
