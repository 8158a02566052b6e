package escrow

import "errors"

var (
	ErrEscrowNotFound           = errors.New("escrow not found")
	ErrInvalidTransition        = errors.New("invalid state transition")
	ErrUnauthorized             = errors.New("caller not authorized for this escrow")
	ErrAlreadyFunded            = errors.New("escrow already funded")
	ErrInsufficientValue        = errors.New("funding value does not match escrow amount")
	ErrAmountMismatch           = errors.New("milestone amounts do not match escrow amount")
	ErrMilestoneNotFound        = errors.New("milestone not found")
	ErrMilestoneAlreadyApproved = errors.New("milestone already approved")
	ErrMilestoneAlreadyReleased = errors.New("milestone already released")
	ErrMilestoneNotApproved     = errors.New("milestone not approved")
	ErrMaxMilestonesExceeded    = errors.New("maximum number of milestones reached")
	ErrDisputeNotActive         = errors.New("no active dispute")
	ErrArbitratorRequired       = errors.New("escrow has no arbitrator")
	ErrTimeoutNotReached        = errors.New("refund timeout not reached")
	ErrNoResidualToSettle       = errors.New("nothing left to settle")
	ErrFeeRecordingFailed       = errors.New("fee recording failed")
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrInvalidRequest           = errors.New("invalid request")
)

// ErrVersionConflict means another writer updated the record between load and
// persist. The call had no effect and may be retried by the client.
var ErrVersionConflict = errors.New("escrow was modified concurrently")

// errorCodes maps sentinel errors to stable machine-readable codes used in HTTP
// bodies and metric labels.
var errorCodes = []struct {
	err  error
	code string
}{
	{ErrEscrowNotFound, "not_found"},
	{ErrInvalidTransition, "invalid_transition"},
	{ErrUnauthorized, "unauthorized"},
	{ErrAlreadyFunded, "already_funded"},
	{ErrInsufficientValue, "insufficient_value"},
	{ErrAmountMismatch, "amount_mismatch"},
	{ErrMilestoneNotFound, "milestone_not_found"},
	{ErrMilestoneAlreadyApproved, "milestone_already_approved"},
	{ErrMilestoneAlreadyReleased, "milestone_already_released"},
	{ErrMilestoneNotApproved, "milestone_not_approved"},
	{ErrMaxMilestonesExceeded, "max_milestones_exceeded"},
	{ErrDisputeNotActive, "dispute_not_active"},
	{ErrArbitratorRequired, "arbitrator_required"},
	{ErrTimeoutNotReached, "timeout_not_reached"},
	{ErrNoResidualToSettle, "no_residual"},
	{ErrFeeRecordingFailed, "fee_recording_failed"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrInvalidRequest, "invalid_request"},
	{ErrVersionConflict, "conflict"},
}

// Code returns the stable code for err, "ok" for nil and "internal_error"
// for anything unrecognised.
func Code(err error) string {
	if err == nil {
		return "ok"
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal_error"
}
