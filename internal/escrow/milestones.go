package escrow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/offerhub/escrowd/internal/events"
	"github.com/offerhub/escrowd/internal/fees"
)

// MaxDescriptionLength bounds milestone descriptions.
const MaxDescriptionLength = 1024

// CreateMilestone appends a milestone. Milestones can be added until the
// first one is released; their running total may never exceed the escrow
// amount.
func (s *Service) CreateMilestone(ctx context.Context, id, caller, description string, amount int64) (*Escrow, error) {
	description = strings.TrimSpace(description)
	return s.mutate(ctx, "create_milestone", id, caller, func(e *Escrow, now time.Time, fx *effect) error {
		if caller != e.Client {
			return ErrUnauthorized
		}
		if e.State != StateCreated && e.State != StateFunded {
			return fmt.Errorf("%w: milestones are fixed in state %s", ErrInvalidTransition, e.State)
		}
		if e.anyMilestoneReleased() {
			return fmt.Errorf("%w: milestones are fixed once one is released", ErrMilestoneAlreadyReleased)
		}
		if description == "" || len(description) > MaxDescriptionLength {
			return fmt.Errorf("%w: description must be 1-%d characters", ErrInvalidRequest, MaxDescriptionLength)
		}
		if amount <= 0 {
			return fmt.Errorf("%w: milestone amount must be positive", ErrInvalidAmount)
		}
		if len(e.Milestones) >= s.cfg.MaxMilestones {
			return fmt.Errorf("%w: limit is %d", ErrMaxMilestonesExceeded, s.cfg.MaxMilestones)
		}
		if total := e.MilestoneTotal() + amount; total > e.Amount {
			return fmt.Errorf("%w: milestones would total %d of %d", ErrAmountMismatch, total, e.Amount)
		}

		m := Milestone{
			ID:          uint32(len(e.Milestones) + 1),
			Description: description,
			Amount:      amount,
			CreatedAt:   now,
		}
		e.Milestones = append(e.Milestones, m)
		e.History.record(m, ActionCreated, now)
		fx.emit(events.TypeMilestoneCreated, e, amount, 0, milestoneAttrs(m))
		return nil
	})
}

// ApproveMilestone marks a milestone as accepted. The client or the
// arbitrator may approve, as long as the escrow is still open.
func (s *Service) ApproveMilestone(ctx context.Context, id, caller string, milestoneID uint32) (*Escrow, error) {
	return s.mutate(ctx, "approve_milestone", id, caller, func(e *Escrow, now time.Time, fx *effect) error {
		if !e.canApprove(caller) {
			return ErrUnauthorized
		}
		if e.IsTerminal() {
			return fmt.Errorf("%w: escrow is %s", ErrInvalidTransition, e.State)
		}
		m := e.milestone(milestoneID)
		if m == nil {
			return ErrMilestoneNotFound
		}
		if m.Approved {
			return ErrMilestoneAlreadyApproved
		}

		m.Approved = true
		m.ApprovedAt = &now
		e.History.record(*m, ActionApproved, now)
		fx.emit(events.TypeMilestoneApproved, e, m.Amount, 0, milestoneAttrs(*m))
		return nil
	})
}

// ReleaseMilestone pays out one approved milestone. Releasing the last
// milestone settles the escrow.
func (s *Service) ReleaseMilestone(ctx context.Context, id, caller string, milestoneID uint32) (*Escrow, error) {
	return s.mutate(ctx, "release_milestone", id, caller, func(e *Escrow, now time.Time, fx *effect) error {
		if !e.canApprove(caller) {
			return ErrUnauthorized
		}
		if e.State != StateFunded {
			return fmt.Errorf("%w: milestones release only while funded, escrow is %s", ErrInvalidTransition, e.State)
		}
		m := e.milestone(milestoneID)
		if m == nil {
			return ErrMilestoneNotFound
		}
		if m.Released {
			return ErrMilestoneAlreadyReleased
		}
		if !m.Approved {
			return ErrMilestoneNotApproved
		}
		if e.MilestoneTotal() != e.Amount {
			return fmt.Errorf("%w: milestones total %d, escrow amount %d", ErrAmountMismatch, e.MilestoneTotal(), e.Amount)
		}

		if err := s.releaseOne(e, m, now, fx); err != nil {
			return err
		}

		if e.allMilestonesReleased() && e.ReleasedAmount == e.Amount {
			if err := checkTransition(e.State, StateReleased); err != nil {
				return err
			}
			e.State = StateReleased
			e.ReleasedAt = &now
			fx.emit(events.TypeReleased, e, e.ReleasedAmount, e.FeeCollected, nil)
		}
		return nil
	})
}

// releasePending releases every unreleased milestone. All of them must be
// approved; nothing is released otherwise.
func (s *Service) releasePending(e *Escrow, now time.Time, fx *effect) error {
	if e.MilestoneTotal() != e.Amount {
		return fmt.Errorf("%w: milestones total %d, escrow amount %d", ErrAmountMismatch, e.MilestoneTotal(), e.Amount)
	}
	for _, m := range e.Milestones {
		if !m.Released && !m.Approved {
			return fmt.Errorf("%w: milestone %d", ErrMilestoneNotApproved, m.ID)
		}
	}
	for i := range e.Milestones {
		if e.Milestones[i].Released {
			continue
		}
		if err := s.releaseOne(e, &e.Milestones[i], now, fx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) releaseOne(e *Escrow, m *Milestone, now time.Time, fx *effect) error {
	b, err := fees.Compute(m.Amount, e.FeeBps)
	if err != nil {
		return err
	}
	fx.payout(e, s.cfg.FeeAccount, b)
	m.Released = true
	m.ReleasedAt = &now
	e.History.record(*m, ActionReleased, now)
	fx.emit(events.TypeMilestoneReleased, e, b.Gross, b.Fee, milestoneAttrs(*m))
	return nil
}

func (e *Escrow) canApprove(caller string) bool {
	return caller == e.Client || (e.Arbitrator != "" && caller == e.Arbitrator)
}

func milestoneAttrs(m Milestone) map[string]string {
	return map[string]string{"milestone_id": strconv.FormatUint(uint64(m.ID), 10)}
}
