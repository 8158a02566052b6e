package escrow

import (
	"fmt"

	"github.com/offerhub/escrowd/internal/fees"
)

// Settlement is how a dispute divides the residual.
type Settlement struct {
	Residual        int64
	ClientRefund    int64
	FreelancerGross int64
	Fee             int64
	FreelancerNet   int64
	Final           State
}

// shareFor maps an outcome onto the freelancer's share of the residual.
func shareFor(result DisputeResult, splitBps uint32) (uint32, error) {
	switch result {
	case DisputeClientWins:
		return 0, nil
	case DisputeFreelancerWins:
		return fees.BasisPointsDenominator, nil
	case DisputeSplit:
		if err := fees.ValidateBps(splitBps); err != nil {
			return 0, fmt.Errorf("%w: freelancer share: %v", ErrInvalidRequest, err)
		}
		return splitBps, nil
	default:
		return 0, fmt.Errorf("%w: unknown dispute result %q", ErrInvalidRequest, result)
	}
}

// Settle divides residual between the parties. The freelancer's portion is
// charged at feeBps; the client's refund is not. Rounding favours the client.
func Settle(result DisputeResult, residual int64, splitBps, feeBps uint32) (Settlement, error) {
	share, err := shareFor(result, splitBps)
	if err != nil {
		return Settlement{}, err
	}
	if residual <= 0 {
		return Settlement{}, ErrNoResidualToSettle
	}

	gross, err := fees.Share(residual, share)
	if err != nil {
		return Settlement{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	b, err := fees.Compute(gross, feeBps)
	if err != nil {
		return Settlement{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	s := Settlement{
		Residual:        residual,
		ClientRefund:    residual - gross,
		FreelancerGross: gross,
		Fee:             b.Fee,
		FreelancerNet:   b.Net,
		Final:           StateRefunded,
	}
	if gross > 0 {
		s.Final = StateReleased
	}
	return s, nil
}
