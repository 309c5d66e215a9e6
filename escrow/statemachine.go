package escrow

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition marks milestone transitions that are not legal edges
// of the lifecycle, including non-monotonic regressions.
var ErrInvalidTransition = errors.New("escrow: invalid milestone transition")

// ErrRoleMismatch is returned when the acting role is not permitted to drive
// the requested transition.
var ErrRoleMismatch = errors.New("escrow: actor role not permitted for transition")

// ErrMissingDeliverable is returned when a milestone is submitted for
// completion without a deliverable reference.
var ErrMissingDeliverable = errors.New("escrow: deliverable reference required")

// ErrAmountMismatch is returned when the requested funding amount does not
// equal the sum of the milestone amounts.
var ErrAmountMismatch = errors.New("escrow: amount does not match milestone total")

// ErrFreelancerUnassigned guards escrow operations on projects that have no
// freelancer reference yet.
var ErrFreelancerUnassigned = errors.New("escrow: freelancer must be assigned before escrow operations")

// CanTransition reports whether the milestone may move to the target status
// when driven by the supplied actor role. It is a pure function: the
// milestone is not mutated and no external state is consulted beyond the
// escrow status passed in (required for the approve edge). A nil return
// means the edge is legal.
//
// Legal edges:
//
//	pending     -> in_progress  either party
//	in_progress -> completed    freelancer only, deliverable set
//	completed   -> approved     client only, escrow funded
//	any non-approved -> disputed either party
func CanTransition(m *Milestone, to MilestoneStatus, actor Role, escrowStatus EscrowStatus) error {
	if m == nil {
		return fmt.Errorf("%w: milestone not found", ErrInvalidTransition)
	}
	if !to.Valid() {
		return fmt.Errorf("%w: unknown target status %q", ErrInvalidTransition, to)
	}
	if !actor.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrRoleMismatch, actor)
	}
	from := m.Status

	if to == MilestoneDisputed {
		if from == MilestoneApproved {
			return fmt.Errorf("%w: approved milestone %d cannot be disputed", ErrInvalidTransition, m.Index)
		}
		if from == MilestoneDisputed {
			return fmt.Errorf("%w: milestone %d already disputed", ErrInvalidTransition, m.Index)
		}
		return nil
	}

	switch {
	case from == MilestonePending && to == MilestoneInProgress:
		return nil
	case from == MilestoneInProgress && to == MilestoneCompleted:
		if actor != RoleFreelancer {
			return fmt.Errorf("%w: only the freelancer may submit milestone %d", ErrRoleMismatch, m.Index)
		}
		if m.Deliverable == "" {
			return fmt.Errorf("%w: milestone %d", ErrMissingDeliverable, m.Index)
		}
		return nil
	case from == MilestoneCompleted && to == MilestoneApproved:
		if actor != RoleClient {
			return fmt.Errorf("%w: only the client may approve milestone %d", ErrRoleMismatch, m.Index)
		}
		if escrowStatus != EscrowFunded {
			return fmt.Errorf("%w: milestone %d approval requires a funded escrow, status is %q", ErrInvalidTransition, m.Index, escrowStatus)
		}
		return nil
	default:
		return fmt.Errorf("%w: milestone %d cannot move %s -> %s", ErrInvalidTransition, m.Index, from, to)
	}
}
