// Package fees computes platform fees on escrow payouts and books them with
// the external fee manager.
package fees

import (
	"errors"
	"fmt"
	"math/big"
)

// BasisPointsDenominator is the number of basis points in 100%.
const BasisPointsDenominator = 10_000

const (
	// DefaultBps is the platform fee applied to regular escrow payouts (2.5%).
	DefaultBps = 250
	// DefaultDisputeBps is applied to payouts decided by an arbitrator (5%).
	DefaultDisputeBps = 500
)

var ErrInvalidRate = errors.New("fee rate out of range")

// Breakdown is the result of applying a fee rate to a gross payout.
type Breakdown struct {
	Gross int64 `json:"gross"`
	Fee   int64 `json:"fee"`
	Net   int64 `json:"net"`
}

// ValidateBps reports whether bps is a usable fee rate.
func ValidateBps(bps uint32) error {
	if bps > BasisPointsDenominator {
		return fmt.Errorf("%w: %d bps", ErrInvalidRate, bps)
	}
	return nil
}

// Compute returns floor(gross*bps/10000) as the fee and the remainder as the
// net amount. The product is taken in big.Int so large gross values cannot
// overflow before the division.
func Compute(gross int64, bps uint32) (Breakdown, error) {
	if err := ValidateBps(bps); err != nil {
		return Breakdown{}, err
	}
	if gross < 0 {
		return Breakdown{}, fmt.Errorf("fee: negative gross amount %d", gross)
	}
	fee := new(big.Int).Mul(big.NewInt(gross), new(big.Int).SetUint64(uint64(bps)))
	fee.Quo(fee, big.NewInt(BasisPointsDenominator))
	f := fee.Int64()
	return Breakdown{Gross: gross, Fee: f, Net: gross - f}, nil
}

// Share returns floor(total*bps/10000). It is used to partition a residual
// between parties, not to charge a fee.
func Share(total int64, bps uint32) (int64, error) {
	b, err := Compute(total, bps)
	if err != nil {
		return 0, err
	}
	return b.Fee, nil
}
