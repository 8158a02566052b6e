// Package ledger is the value-transfer primitive escrows settle through.
//
// Every settlement step is a batch of transfers applied atomically under a
// reference: either every debit and credit in the batch lands or none does.
//
//  1. Fund    → client        → escrow vault
//  2. Payout  → escrow vault  → freelancer (net) + fee account (fee)
//  3. Refund  → escrow vault  → client
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidTransfer     = errors.New("invalid transfer")
)

// NativeAsset is used when an escrow does not name an asset.
const NativeAsset = "native"

// Transfer moves Amount of Asset from one account to another.
type Transfer struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
}

// Entry is one applied transfer.
type Entry struct {
	Reference string    `json:"reference"`
	Transfer  Transfer  `json:"transfer"`
	CreatedAt time.Time `json:"createdAt"`
}

// Transferer applies a batch of transfers atomically.
type Transferer interface {
	Apply(ctx context.Context, reference string, transfers []Transfer) error
}

// VaultAccount is the holding account for an escrow's locked value.
func VaultAccount(escrowID string) string {
	return "escrow:" + escrowID
}

// AssetOrNative normalises an optional asset identifier.
func AssetOrNative(asset string) string {
	if a := strings.TrimSpace(asset); a != "" {
		return a
	}
	return NativeAsset
}

// Reverse returns the compensating batch for transfers.
func Reverse(transfers []Transfer) []Transfer {
	out := make([]Transfer, 0, len(transfers))
	for i := len(transfers) - 1; i >= 0; i-- {
		t := transfers[i]
		out = append(out, Transfer{From: t.To, To: t.From, Asset: t.Asset, Amount: t.Amount})
	}
	return out
}

// Validate rejects malformed transfers before any balance is touched.
func Validate(transfers []Transfer) error {
	for i, t := range transfers {
		switch {
		case t.Amount < 0:
			return fmt.Errorf("%w: transfer %d has negative amount", ErrInvalidTransfer, i)
		case t.From == "" || t.To == "":
			return fmt.Errorf("%w: transfer %d missing account", ErrInvalidTransfer, i)
		case t.From == t.To:
			return fmt.Errorf("%w: transfer %d is a self transfer", ErrInvalidTransfer, i)
		}
	}
	return nil
}

// Compact drops zero-amount transfers; a 0% fee produces one.
func Compact(transfers []Transfer) []Transfer {
	out := transfers[:0:0]
	for _, t := range transfers {
		if t.Amount != 0 {
			out = append(out, t)
		}
	}
	return out
}
