package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// ProjectStatus represents the lifecycle states of a marketplace project.
type ProjectStatus string

const (
	ProjectDraft      ProjectStatus = "draft"
	ProjectOpen       ProjectStatus = "open"
	ProjectInProgress ProjectStatus = "in_progress"
	ProjectCompleted  ProjectStatus = "completed"
	ProjectCancelled  ProjectStatus = "cancelled"
	ProjectDisputed   ProjectStatus = "disputed"
)

// Valid reports whether the status value is within the supported range.
func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectDraft, ProjectOpen, ProjectInProgress, ProjectCompleted, ProjectCancelled, ProjectDisputed:
		return true
	default:
		return false
	}
}

// MilestoneStatus represents the state of an individual milestone.
type MilestoneStatus string

const (
	// MilestonePending indicates work on the milestone has not started.
	MilestonePending MilestoneStatus = "pending"
	// MilestoneInProgress indicates the freelancer is actively working.
	MilestoneInProgress MilestoneStatus = "in_progress"
	// MilestoneCompleted indicates a deliverable has been submitted and
	// awaits client approval.
	MilestoneCompleted MilestoneStatus = "completed"
	// MilestoneApproved indicates funds for the milestone have been
	// released. Approved is terminal.
	MilestoneApproved MilestoneStatus = "approved"
	// MilestoneDisputed is the terminal escape hatch reachable from any
	// non-approved state. Dispute resolution happens off the write path.
	MilestoneDisputed MilestoneStatus = "disputed"
)

// Valid reports whether the status value is within the supported range.
func (s MilestoneStatus) Valid() bool {
	switch s {
	case MilestonePending, MilestoneInProgress, MilestoneCompleted, MilestoneApproved, MilestoneDisputed:
		return true
	default:
		return false
	}
}

// EscrowStatus mirrors the ledger-side contract lifecycle.
type EscrowStatus string

const (
	EscrowNotCreated EscrowStatus = "not_created"
	EscrowCreated    EscrowStatus = "created"
	EscrowFunded     EscrowStatus = "funded"
	EscrowReleased   EscrowStatus = "released"
	EscrowDisputed   EscrowStatus = "disputed"
)

// Valid reports whether the status value is within the supported range.
func (s EscrowStatus) Valid() bool {
	switch s {
	case EscrowNotCreated, EscrowCreated, EscrowFunded, EscrowReleased, EscrowDisputed:
		return true
	default:
		return false
	}
}

// Role identifies which side of the engagement an actor acts for.
type Role string

const (
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
)

// Valid reports whether the role is a supported value.
func (r Role) Valid() bool {
	return r == RoleClient || r == RoleFreelancer
}

// ErrInvalidProject describes malformed project definitions.
var ErrInvalidProject = errors.New("escrow: invalid project")

// ErrInvalidMilestone describes malformed milestone definitions.
var ErrInvalidMilestone = errors.New("escrow: invalid milestone")

// Milestone is a discrete, separately payable unit of project work. Index is
// stable and doubles as the on-chain milestone index.
type Milestone struct {
	Index       int
	Title       string
	Description string
	Amount      *big.Int
	Status      MilestoneStatus
	Deliverable string
}

// Clone returns a deep copy of the milestone so callers can safely mutate the
// copy without affecting the stored instance.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Amount != nil {
		clone.Amount = new(big.Int).Set(m.Amount)
	}
	return &clone
}

// Validate ensures the milestone fields are sane prior to persistence.
func (m *Milestone) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: milestone must not be nil", ErrInvalidMilestone)
	}
	if m.Index < 0 {
		return fmt.Errorf("%w: index must be non-negative", ErrInvalidMilestone)
	}
	if m.Amount == nil || m.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidMilestone)
	}
	if !m.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidMilestone, m.Status)
	}
	return nil
}

// EscrowRecord is the local mirror of ledger-side escrow state. ContractRef
// is assigned once on creation and immutable thereafter.
type EscrowRecord struct {
	ContractRef string
	Total       *big.Int
	Released    *big.Int
	Status      EscrowStatus
}

// Clone returns a deep copy of the record.
func (r EscrowRecord) Clone() EscrowRecord {
	clone := r
	if r.Total != nil {
		clone.Total = new(big.Int).Set(r.Total)
	}
	if r.Released != nil {
		clone.Released = new(big.Int).Set(r.Released)
	}
	return clone
}

// Validate checks the released <= total invariant and status range.
func (r EscrowRecord) Validate() error {
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unknown escrow status %q", ErrInvalidProject, r.Status)
	}
	if r.Total != nil && r.Total.Sign() < 0 {
		return fmt.Errorf("%w: escrow total must be non-negative", ErrInvalidProject)
	}
	if r.Released != nil && r.Released.Sign() < 0 {
		return fmt.Errorf("%w: released amount must be non-negative", ErrInvalidProject)
	}
	if r.Total != nil && r.Released != nil && r.Released.Cmp(r.Total) > 0 {
		return fmt.Errorf("%w: released amount exceeds escrow total", ErrInvalidProject)
	}
	return nil
}

// Project identifies a unit of work between one client and one freelancer.
// It owns its milestones and escrow record by composition; Version is the
// optimistic-concurrency counter bumped on every committed save.
type Project struct {
	ID           uuid.UUID
	ClientID     uuid.UUID
	FreelancerID *uuid.UUID
	Status       ProjectStatus
	Milestones   []*Milestone
	Escrow       EscrowRecord
	Version      uint64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Clone returns a deep copy of the project.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	clone := *p
	if p.FreelancerID != nil {
		id := *p.FreelancerID
		clone.FreelancerID = &id
	}
	if len(p.Milestones) > 0 {
		clone.Milestones = make([]*Milestone, len(p.Milestones))
		for i, m := range p.Milestones {
			clone.Milestones[i] = m.Clone()
		}
	}
	clone.Escrow = p.Escrow.Clone()
	return &clone
}

// FindMilestone returns the milestone with the supplied index, or nil.
func (p *Project) FindMilestone(index int) *Milestone {
	if p == nil {
		return nil
	}
	for _, m := range p.Milestones {
		if m != nil && m.Index == index {
			return m
		}
	}
	return nil
}

// MilestoneTotal sums the milestone amounts.
func (p *Project) MilestoneTotal() *big.Int {
	total := big.NewInt(0)
	if p == nil {
		return total
	}
	for _, m := range p.Milestones {
		if m != nil && m.Amount != nil {
			total.Add(total, m.Amount)
		}
	}
	return total
}

// AllMilestonesApproved reports whether every milestone has been approved.
// Used to decide when the escrow record reaches its terminal released state.
func (p *Project) AllMilestonesApproved() bool {
	if p == nil || len(p.Milestones) == 0 {
		return false
	}
	for _, m := range p.Milestones {
		if m == nil || m.Status != MilestoneApproved {
			return false
		}
	}
	return true
}

// SanitizeProject validates and normalises the supplied project, returning a
// cloned instance with non-nil amount fields. The original value is not
// mutated.
func SanitizeProject(p *Project) (*Project, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: project must not be nil", ErrInvalidProject)
	}
	if p.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: id required", ErrInvalidProject)
	}
	if p.ClientID == uuid.Nil {
		return nil, fmt.Errorf("%w: client reference required", ErrInvalidProject)
	}
	clone := p.Clone()
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidProject, clone.Status)
	}
	seen := make(map[int]bool, len(clone.Milestones))
	for _, m := range clone.Milestones {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if seen[m.Index] {
			return nil, fmt.Errorf("%w: duplicate milestone index %d", ErrInvalidProject, m.Index)
		}
		seen[m.Index] = true
	}
	if clone.Escrow.Total == nil {
		clone.Escrow.Total = big.NewInt(0)
	}
	if clone.Escrow.Released == nil {
		clone.Escrow.Released = big.NewInt(0)
	}
	if err := clone.Escrow.Validate(); err != nil {
		return nil, err
	}
	return clone, nil
}
