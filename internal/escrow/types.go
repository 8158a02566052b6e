// Package escrow is the settlement core for client/freelancer agreements.
//
// Flow:
//  1. Client creates the escrow, optionally splits it into milestones
//  2. Client funds it → value moves client → escrow vault
//  3. Milestones are approved and released one by one, or the whole residual
//     is released at once → net to freelancer, fee to the platform
//  4. Either party may dispute → the arbitrator splits the residual
//  5. Client (or anyone, once the timeout passed) may refund the residual
package escrow

import (
	"time"
)

// State is the lifecycle position of an escrow.
type State string

const (
	StateCreated  State = "created"
	StateFunded   State = "funded"
	StateReleased State = "released"
	StateRefunded State = "refunded"
	StateDisputed State = "disputed"
)

// DisputeResult is the arbitrator's outcome.
type DisputeResult string

const (
	DisputeNone           DisputeResult = "none"
	DisputeClientWins     DisputeResult = "client_wins"
	DisputeFreelancerWins DisputeResult = "freelancer_wins"
	DisputeSplit          DisputeResult = "split"
)

// Valid reports whether r is an outcome an arbitrator may choose.
func (r DisputeResult) Valid() bool {
	switch r {
	case DisputeClientWins, DisputeFreelancerWins, DisputeSplit:
		return true
	}
	return false
}

// Milestone is an amount-bearing sub-deliverable.
type Milestone struct {
	ID          uint32     `json:"id"`
	Description string     `json:"description"`
	Amount      int64      `json:"amount"`
	Approved    bool       `json:"approved"`
	Released    bool       `json:"released"`
	CreatedAt   time.Time  `json:"createdAt"`
	ApprovedAt  *time.Time `json:"approvedAt,omitempty"`
	ReleasedAt  *time.Time `json:"releasedAt,omitempty"`
}

func (m Milestone) clone() Milestone {
	cp := m
	cp.ApprovedAt = cloneTime(m.ApprovedAt)
	cp.ReleasedAt = cloneTime(m.ReleasedAt)
	return cp
}

// Escrow is the settlement record for one agreement. It is mutated only by
// Service and never deleted.
type Escrow struct {
	ID            string        `json:"id"`
	Client        string        `json:"client"`
	Freelancer    string        `json:"freelancer"`
	Arbitrator    string        `json:"arbitrator,omitempty"`
	Asset         string        `json:"asset,omitempty"`
	Amount        int64         `json:"amount"`
	State         State         `json:"state"`
	DisputeResult DisputeResult `json:"disputeResult"`
	TimeoutSecs   *int64        `json:"timeoutSecs,omitempty"`

	FeeManager    string `json:"feeManager"`
	FeeBps        uint32 `json:"feeBps"`
	DisputeFeeBps uint32 `json:"disputeFeeBps"`

	Milestones []Milestone `json:"milestones"`
	History    History     `json:"milestoneHistory"`

	ReleasedAmount int64 `json:"releasedAmount"`
	RefundedAmount int64 `json:"refundedAmount"`
	FreelancerPaid int64 `json:"freelancerPaid"`
	FeeCollected   int64 `json:"feeCollected"`
	NetAmount      int64 `json:"netAmount"`

	// Version increments on every persisted change.
	Version int64 `json:"version"`

	CreatedAt  time.Time  `json:"createdAt"`
	FundedAt   *time.Time `json:"fundedAt,omitempty"`
	DisputedAt *time.Time `json:"disputedAt,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy. Stores hand out clones so a failed call never
// leaks a half-applied mutation into the stored record.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	cp := *e
	if e.TimeoutSecs != nil {
		v := *e.TimeoutSecs
		cp.TimeoutSecs = &v
	}
	if e.Milestones != nil {
		cp.Milestones = make([]Milestone, len(e.Milestones))
		for i, m := range e.Milestones {
			cp.Milestones[i] = m.clone()
		}
	}
	cp.History = e.History.clone()
	cp.FundedAt = cloneTime(e.FundedAt)
	cp.DisputedAt = cloneTime(e.DisputedAt)
	cp.ResolvedAt = cloneTime(e.ResolvedAt)
	cp.ReleasedAt = cloneTime(e.ReleasedAt)
	return &cp
}

// IsTerminal reports whether no further settlement can happen.
func (e *Escrow) IsTerminal() bool {
	return e.State == StateReleased || e.State == StateRefunded
}

// Residual is the value still held in the vault.
func (e *Escrow) Residual() int64 {
	return e.Amount - e.ReleasedAmount - e.RefundedAmount
}

// MilestoneTotal sums the amounts of every milestone.
func (e *Escrow) MilestoneTotal() int64 {
	var sum int64
	for _, m := range e.Milestones {
		sum += m.Amount
	}
	return sum
}

// ReleasedMilestoneTotal sums the amounts of released milestones.
func (e *Escrow) ReleasedMilestoneTotal() int64 {
	var sum int64
	for _, m := range e.Milestones {
		if m.Released {
			sum += m.Amount
		}
	}
	return sum
}

func (e *Escrow) anyMilestoneReleased() bool {
	for _, m := range e.Milestones {
		if m.Released {
			return true
		}
	}
	return false
}

func (e *Escrow) allMilestonesReleased() bool {
	if len(e.Milestones) == 0 {
		return false
	}
	for _, m := range e.Milestones {
		if !m.Released {
			return false
		}
	}
	return true
}

// milestone returns a pointer into e.Milestones.
func (e *Escrow) milestone(id uint32) *Milestone {
	for i := range e.Milestones {
		if e.Milestones[i].ID == id {
			return &e.Milestones[i]
		}
	}
	return nil
}

// Conserved checks the accounting identities that must hold after every call:
// everything paid out, refunded or still held adds up to the escrow amount,
// and every released unit went either to the freelancer or to fees.
func (e *Escrow) Conserved() bool {
	residual := e.Residual()
	return residual >= 0 &&
		e.ReleasedAmount+e.RefundedAmount+residual == e.Amount &&
		e.FreelancerPaid+e.FeeCollected == e.ReleasedAmount &&
		e.NetAmount == e.Amount-e.FeeCollected
}

// TimeoutElapsed reports whether the refund grace period has passed at now.
// Escrows without a timeout, or not yet funded, never time out.
func (e *Escrow) TimeoutElapsed(now time.Time) bool {
	if e.TimeoutSecs == nil || e.FundedAt == nil {
		return false
	}
	return int64(now.Sub(*e.FundedAt)/time.Second) >= *e.TimeoutSecs
}

// RefundableAt is the instant the timeout elapses, or the zero time for
// escrows that cannot time out yet.
func (e *Escrow) RefundableAt() time.Time {
	if e.TimeoutSecs == nil || e.FundedAt == nil {
		return time.Time{}
	}
	return time.Unix(e.FundedAt.Unix()+*e.TimeoutSecs, 0).UTC()
}

// ExportVersion identifies the layout of Export snapshots.
const ExportVersion = "1.0"

// Export is a self-contained audit snapshot of an escrow.
type Export struct {
	ContractID       string         `json:"contractId"`
	EscrowData       *Escrow        `json:"escrowData"`
	Milestones       []Milestone    `json:"milestones"`
	MilestoneHistory []HistoryEntry `json:"milestoneHistory"`
	ExportTimestamp  time.Time      `json:"exportTimestamp"`
	ExportVersion    string         `json:"exportVersion"`
}

// Summary is the short listing view of an escrow.
type Summary struct {
	ID             string    `json:"id"`
	Client         string    `json:"client"`
	Freelancer     string    `json:"freelancer"`
	Amount         int64     `json:"amount"`
	Status         State     `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	MilestoneCount int       `json:"milestoneCount"`
}

// Summarize builds the listing view.
func (e *Escrow) Summarize() Summary {
	return Summary{
		ID:             e.ID,
		Client:         e.Client,
		Freelancer:     e.Freelancer,
		Amount:         e.Amount,
		Status:         e.State,
		CreatedAt:      e.CreatedAt,
		MilestoneCount: len(e.Milestones),
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
