package testutil

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/i5heu/shake-gate/pkg/interfaces"
	"github.com/i5heu/shake-gate/pkg/model"
	"github.com/i5heu/shake-gate/pkg/wallet"
)

// Wallet is a local wallet that counts requests and can
// play a user who declines every prompt.
type Wallet struct {
	*wallet.Local
	Decline       atomic.Bool
	messageSigns  atomic.Int32
	submitRequest atomic.Int32
}

var _ interfaces.WalletSigner = (*Wallet)(nil)

// NewWallet creates a wallet submitting to ledger.
func NewWallet(t *testing.T, ledger interfaces.Ledger) *Wallet {
	t.Helper()
	l, err := wallet.Generate(ledger)
	if err != nil {
		t.Fatalf("generate wallet: %v", err)
	}
	return &Wallet{Local: l}
}

func (w *Wallet) SignPersonalMessage(ctx context.Context, msg []byte) ([]byte, error) {
	w.messageSigns.Add(1)
	if w.Decline.Load() {
		return nil, interfaces.ErrSigningRejected
	}
	return w.Local.SignPersonalMessage(ctx, msg)
}

func (w *Wallet) SignAndSubmit(ctx context.Context, call model.Call) (model.Receipt, error) {
	w.submitRequest.Add(1)
	if w.Decline.Load() {
		return model.Receipt{}, interfaces.ErrSigningRejected
	}
	return w.Local.SignAndSubmit(ctx, call)
}

// MessageSigns counts personal message requests.
func (w *Wallet) MessageSigns() int { return int(w.messageSigns.Load()) }

// SubmitRequests counts transaction requests.
func (w *Wallet) SubmitRequests() int { return int(w.submitRequest.Load()) }

// Wallets resolves any of a fixed set of wallets by
// address.
type Wallets []*Wallet

func (ws Wallets) Signer(addr model.Address) (interfaces.WalletSigner, error) {
	for _, w := range ws {
		if w.Address().Equal(addr) {
			return w, nil
		}
	}
	return nil, interfaces.ErrSigningRejected
}
