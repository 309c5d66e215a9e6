// Package coordinator sequences every escrow write path: validate against
// local state, record the intention, call the settlement service, then commit
// the new local state with a version check. The ledger call cannot be made
// transactional with the local write, so the audit trail acts as a durable
// intention log and the version check plus bounded re-apply handles the
// "ledger succeeded, local commit lost the race" class of failure.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"gigvault/audit"
	"gigvault/escrow"
	"gigvault/ledger"
	"gigvault/observability"
	"gigvault/storage"
)

// ErrMilestoneNotFound indicates the requested milestone index does not exist
// on the project.
var ErrMilestoneNotFound = errors.New("coordinator: milestone not found")

// ErrEscrowExists guards against deploying a second contract for a project.
var ErrEscrowExists = errors.New("coordinator: escrow already created")

// ErrEscrowNotReady indicates the escrow record is not in the state the
// operation requires.
var ErrEscrowNotReady = errors.New("coordinator: escrow not in required state")

// ErrActorMismatch indicates the acting party is not the project's client or
// freelancer for the role it claims.
var ErrActorMismatch = errors.New("coordinator: actor does not belong to project")

// ReconciliationRequiredError reports that the settlement service accepted an
// operation but the local commit could not land after bounded retries. The
// pending audit entry identified here is the recovery anchor; callers must
// surface this distinctly, never as a generic failure.
type ReconciliationRequiredError struct {
	Op        string
	ProjectID uuid.UUID
	EntryID   uuid.UUID
	TxRef     string
}

func (e *ReconciliationRequiredError) Error() string {
	return fmt.Sprintf("coordinator: %s on project %s requires reconciliation (audit entry %s, tx %s)", e.Op, e.ProjectID, e.EntryID, e.TxRef)
}

// Actor is the already-authorised party driving an operation. Authorisation
// happens upstream; the coordinator re-checks that the identity matches the
// project side the role claims.
type Actor struct {
	ID   uuid.UUID
	Role escrow.Role
}

// MilestoneInput describes one milestone at project registration time.
type MilestoneInput struct {
	Title       string
	Description string
	Amount      *big.Int
}

const (
	opCreateEscrow     = "create_escrow"
	opFund             = "fund"
	opSubmitMilestone  = "submit_milestone"
	opApproveMilestone = "approve_milestone"

	// Commit attempts after a version conflict before escalating.
	maxCommitAttempts = 3
)

// Coordinator orchestrates escrow state transitions across the store, the
// audit trail and the settlement gateway.
type Coordinator struct {
	store        *storage.Store
	recorder     *audit.Recorder
	gateway      ledger.Gateway
	metrics      *observability.CoordinatorMetrics
	logger       *slog.Logger
	now          func() time.Time
	retryBackoff time.Duration
}

// Option customises coordinator construction.
type Option func(*Coordinator)

// WithClock overrides the time source. Primarily intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics attaches the coordinator metrics collection.
func WithMetrics(metrics *observability.CoordinatorMetrics) Option {
	return func(c *Coordinator) {
		c.metrics = metrics
	}
}

// WithRetryBackoff sets the pause before the single gateway retry.
func WithRetryBackoff(backoff time.Duration) Option {
	return func(c *Coordinator) {
		if backoff > 0 {
			c.retryBackoff = backoff
		}
	}
}

// New wires a coordinator over the injected collaborators.
func New(store *storage.Store, recorder *audit.Recorder, gw ledger.Gateway, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        store,
		recorder:     recorder,
		gateway:      gw,
		logger:       slog.Default(),
		now:          func() time.Time { return time.Now().UTC() },
		retryBackoff: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateProject registers a new project aggregate with its milestones. No
// gateway interaction happens until escrow creation is requested.
func (c *Coordinator) CreateProject(ctx context.Context, clientID uuid.UUID, freelancerID *uuid.UUID, milestones []MilestoneInput) (*escrow.Project, error) {
	if len(milestones) == 0 {
		return nil, fmt.Errorf("%w: at least one milestone required", escrow.ErrInvalidProject)
	}
	now := c.now()
	project := &escrow.Project{
		ID:           uuid.New(),
		ClientID:     clientID,
		FreelancerID: freelancerID,
		Status:       escrow.ProjectOpen,
		Escrow: escrow.EscrowRecord{
			Total:    big.NewInt(0),
			Released: big.NewInt(0),
			Status:   escrow.EscrowNotCreated,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, in := range milestones {
		project.Milestones = append(project.Milestones, &escrow.Milestone{
			Index:       i,
			Title:       in.Title,
			Description: in.Description,
			Amount:      in.Amount,
			Status:      escrow.MilestonePending,
		})
	}
	if err := c.store.Create(ctx, project); err != nil {
		return nil, err
	}
	project.Version = 1
	return project, nil
}

// GetProject loads the current aggregate.
func (c *Coordinator) GetProject(ctx context.Context, projectID uuid.UUID) (*escrow.Project, error) {
	return c.store.Load(ctx, projectID)
}

// CreateEscrow deploys the escrow contract for the project. The caller's
// amounts must match the registered milestones exactly; this catches stale
// clients before any funds-bearing call is made.
func (c *Coordinator) CreateEscrow(ctx context.Context, projectID uuid.UUID, actor Actor, milestoneAmounts []*big.Int) (_ *escrow.Project, err error) {
	defer c.observe(opCreateEscrow, c.now(), &err)

	var contractRef string
	apply := func(p *escrow.Project) error {
		if err := requireActor(p, actor, escrow.RoleClient); err != nil {
			return err
		}
		if p.FreelancerID == nil {
			return fmt.Errorf("%w: project %s", escrow.ErrFreelancerUnassigned, p.ID)
		}
		if p.Escrow.Status != escrow.EscrowNotCreated {
			return fmt.Errorf("%w: project %s escrow is %q", ErrEscrowExists, p.ID, p.Escrow.Status)
		}
		if len(p.Milestones) == 0 {
			return fmt.Errorf("%w: no milestones registered", escrow.ErrInvalidProject)
		}
		if err := matchAmounts(p, milestoneAmounts); err != nil {
			return err
		}
		p.Escrow.ContractRef = contractRef
		p.Escrow.Total = p.MilestoneTotal()
		p.Escrow.Status = escrow.EscrowCreated
		return nil
	}
	applied := func(p *escrow.Project) bool {
		return p.Escrow.Status != escrow.EscrowNotCreated && p.Escrow.ContractRef != "" &&
			(contractRef == "" || p.Escrow.ContractRef == contractRef)
	}

	return c.run(ctx, operation{
		name:      opCreateEscrow,
		action:    audit.ActionEscrowCreated,
		projectID: projectID,
		metadata: map[string]string{
			"milestones": fmt.Sprintf("%d", len(milestoneAmounts)),
		},
		apply:   apply,
		applied: applied,
		call: func(ctx context.Context, p *escrow.Project) (string, error) {
			amounts := make([]*big.Int, len(p.Milestones))
			for i, m := range p.Milestones {
				amounts[i] = m.Amount
			}
			res, err := c.gateway.CreateEscrow(ctx, p.ID.String(), p.FreelancerID.String(), amounts)
			if err != nil {
				return "", err
			}
			contractRef = res.ContractRef
			return res.TxRef, nil
		},
	})
}

// Fund deposits the full project amount into the deployed contract. The
// amount must equal the milestone total; anything else is rejected before the
// gateway is touched.
func (c *Coordinator) Fund(ctx context.Context, projectID uuid.UUID, actor Actor, amount *big.Int) (_ *escrow.Project, err error) {
	defer c.observe(opFund, c.now(), &err)

	apply := func(p *escrow.Project) error {
		if err := requireActor(p, actor, escrow.RoleClient); err != nil {
			return err
		}
		if p.Escrow.Status != escrow.EscrowCreated {
			return fmt.Errorf("%w: project %s escrow is %q, expected %q", ErrEscrowNotReady, p.ID, p.Escrow.Status, escrow.EscrowCreated)
		}
		if amount == nil || amount.Cmp(p.MilestoneTotal()) != 0 {
			return fmt.Errorf("%w: fund amount %s, milestone total %s", escrow.ErrAmountMismatch, amountOrNil(amount), p.MilestoneTotal())
		}
		p.Escrow.Status = escrow.EscrowFunded
		p.Status = escrow.ProjectInProgress
		return nil
	}
	applied := func(p *escrow.Project) bool {
		return p.Escrow.Status == escrow.EscrowFunded || p.Escrow.Status == escrow.EscrowReleased
	}

	return c.run(ctx, operation{
		name:      opFund,
		action:    audit.ActionEscrowFunded,
		projectID: projectID,
		metadata:  map[string]string{"amount": amountOrNil(amount)},
		apply:     apply,
		applied:   applied,
		call: func(ctx context.Context, p *escrow.Project) (string, error) {
			res, err := c.gateway.Fund(ctx, p.Escrow.ContractRef, amount)
			if err != nil {
				return "", err
			}
			return res.TxRef, nil
		},
		// The contract is funded in a single deposit before anything is
		// released, so any balance means the deposit landed.
		verify: func(ctx context.Context, p *escrow.Project) (bool, error) {
			state, err := c.gateway.QueryState(ctx, p.Escrow.ContractRef)
			if err != nil {
				return false, err
			}
			return state.Balance != nil && state.Balance.Sign() > 0, nil
		},
	})
}

// SubmitMilestone records the freelancer's deliverable against the milestone
// and moves it to completed. A pending milestone is started implicitly.
func (c *Coordinator) SubmitMilestone(ctx context.Context, projectID uuid.UUID, milestoneIndex int, actor Actor, deliverable string) (_ *escrow.Project, err error) {
	defer c.observe(opSubmitMilestone, c.now(), &err)

	apply := func(p *escrow.Project) error {
		if err := requireActor(p, actor, escrow.RoleFreelancer); err != nil {
			return err
		}
		m := p.FindMilestone(milestoneIndex)
		if m == nil {
			return fmt.Errorf("%w: index %d on project %s", ErrMilestoneNotFound, milestoneIndex, p.ID)
		}
		if m.Status == escrow.MilestonePending {
			if err := escrow.CanTransition(m, escrow.MilestoneInProgress, actor.Role, p.Escrow.Status); err != nil {
				return err
			}
			m.Status = escrow.MilestoneInProgress
		}
		m.Deliverable = deliverable
		if err := escrow.CanTransition(m, escrow.MilestoneCompleted, actor.Role, p.Escrow.Status); err != nil {
			return err
		}
		m.Status = escrow.MilestoneCompleted
		return nil
	}
	applied := func(p *escrow.Project) bool {
		m := p.FindMilestone(milestoneIndex)
		return m != nil && m.Status == escrow.MilestoneCompleted && m.Deliverable == deliverable
	}

	return c.run(ctx, operation{
		name:      opSubmitMilestone,
		action:    audit.ActionMilestoneSubmitted,
		projectID: projectID,
		metadata: map[string]string{
			"milestone":   fmt.Sprintf("%d", milestoneIndex),
			"deliverable": deliverable,
		},
		apply:   apply,
		applied: applied,
		call: func(ctx context.Context, p *escrow.Project) (string, error) {
			res, err := c.gateway.SubmitMilestoneProof(ctx, p.Escrow.ContractRef, milestoneIndex, deliverable)
			if err != nil {
				return "", err
			}
			return res.TxRef, nil
		},
		verify: func(ctx context.Context, p *escrow.Project) (bool, error) {
			state, err := c.gateway.QueryState(ctx, p.Escrow.ContractRef)
			if err != nil {
				return false, err
			}
			for _, ms := range state.Milestones {
				if ms.Index == milestoneIndex {
					return ms.Status == ledger.MilestoneStateCompleted || ms.Released, nil
				}
			}
			return false, nil
		},
	})
}

// ApproveMilestone releases the milestone's funds to the freelancer and
// advances the local record. A duplicate release reported by the ledger is
// reconciled to approved and returned as success.
func (c *Coordinator) ApproveMilestone(ctx context.Context, projectID uuid.UUID, milestoneIndex int, actor Actor) (_ *escrow.Project, err error) {
	defer c.observe(opApproveMilestone, c.now(), &err)

	apply := func(p *escrow.Project) error {
		if err := requireActor(p, actor, escrow.RoleClient); err != nil {
			return err
		}
		m := p.FindMilestone(milestoneIndex)
		if m == nil {
			return fmt.Errorf("%w: index %d on project %s", ErrMilestoneNotFound, milestoneIndex, p.ID)
		}
		if err := escrow.CanTransition(m, escrow.MilestoneApproved, actor.Role, p.Escrow.Status); err != nil {
			return err
		}
		released := new(big.Int).Add(p.Escrow.Released, m.Amount)
		if released.Cmp(p.Escrow.Total) > 0 {
			return fmt.Errorf("%w: release of %s would exceed escrow total %s", escrow.ErrInvalidProject, m.Amount, p.Escrow.Total)
		}
		m.Status = escrow.MilestoneApproved
		p.Escrow.Released = released
		if p.AllMilestonesApproved() {
			p.Escrow.Status = escrow.EscrowReleased
			p.Status = escrow.ProjectCompleted
		}
		return nil
	}
	applied := func(p *escrow.Project) bool {
		m := p.FindMilestone(milestoneIndex)
		return m != nil && m.Status == escrow.MilestoneApproved
	}

	return c.run(ctx, operation{
		name:      opApproveMilestone,
		action:    audit.ActionMilestoneApproved,
		projectID: projectID,
		metadata:  map[string]string{"milestone": fmt.Sprintf("%d", milestoneIndex)},
		apply:     apply,
		applied:   applied,
		call: func(ctx context.Context, p *escrow.Project) (string, error) {
			res, err := c.gateway.ApproveAndRelease(ctx, p.Escrow.ContractRef, milestoneIndex)
			if err != nil {
				if errors.Is(err, ledger.ErrAlreadyReleased) {
					// The ledger already moved the funds in an earlier
					// attempt. Reconcile local state and report success.
					c.logger.Warn("milestone already released on ledger, reconciling local state",
						"project_id", projectID, "milestone", milestoneIndex)
					return "", nil
				}
				return "", err
			}
			return res.TxRef, nil
		},
		verify: func(ctx context.Context, p *escrow.Project) (bool, error) {
			state, err := c.gateway.QueryState(ctx, p.Escrow.ContractRef)
			if err != nil {
				return false, err
			}
			for _, ms := range state.Milestones {
				if ms.Index == milestoneIndex {
					return ms.Released, nil
				}
			}
			return false, nil
		},
	})
}

// operation carries the per-request pieces of the shared write template.
type operation struct {
	name      string
	action    audit.Action
	projectID uuid.UUID
	metadata  map[string]string

	// apply validates preconditions against the supplied aggregate and, when
	// legal, mutates it to the post-operation state. It runs once before the
	// gateway call (validation only, result discarded) and again on every
	// commit attempt.
	apply func(*escrow.Project) error
	// applied reports whether the aggregate already reflects the operation,
	// used to resolve commit races in favour of the writer that won.
	applied func(*escrow.Project) bool
	// call issues the gateway operation and returns the ledger tx reference.
	call func(context.Context, *escrow.Project) (string, error)
	// verify reports whether the call's effect is already visible on the
	// contract. It gates the retry after an unavailability error, when the
	// first call's outcome is unknown. Unset when no contract exists yet.
	verify func(context.Context, *escrow.Project) (bool, error)
}

// run executes the five-step write template.
func (c *Coordinator) run(ctx context.Context, op operation) (*escrow.Project, error) {
	project, err := c.store.Load(ctx, op.projectID)
	if err != nil {
		return nil, err
	}

	// Validate before anything durable happens. A rejection here leaves no
	// audit entry and makes no gateway call.
	if err := op.apply(project.Clone()); err != nil {
		return nil, err
	}

	entryID, err := c.recorder.Begin(ctx, op.projectID, op.action, op.metadata)
	if err != nil {
		return nil, err
	}

	txRef, err := c.callGateway(ctx, op, project)
	if err != nil {
		detached := context.WithoutCancel(ctx)
		if failErr := c.recorder.Fail(detached, entryID, err.Error()); failErr != nil {
			c.logger.Error("failed to finalise audit entry",
				"entry_id", entryID, "project_id", op.projectID, "error", failErr)
		}
		return nil, err
	}

	// Funds may have moved; from here on everything runs to completion even
	// if the caller has gone away. The tx reference goes onto the pending
	// entry first, so a crash before the commit still leaves an anchor that
	// ties to the ledger movement.
	detached := context.WithoutCancel(ctx)
	if txRef != "" {
		if attachErr := c.recorder.AttachTxRef(detached, entryID, txRef); attachErr != nil {
			c.logger.Error("failed to attach tx reference to audit entry",
				"entry_id", entryID, "project_id", op.projectID, "tx_ref", txRef, "error", attachErr)
		}
	}
	committed, commitErr := c.commit(detached, op, project)
	if commitErr != nil {
		c.logger.Error("gateway succeeded but local commit did not land",
			"operation", op.name, "project_id", op.projectID,
			"entry_id", entryID, "tx_ref", txRef, "error", commitErr)
		return nil, &ReconciliationRequiredError{
			Op:        op.name,
			ProjectID: op.projectID,
			EntryID:   entryID,
			TxRef:     txRef,
		}
	}
	if err := c.recorder.Complete(detached, entryID, txRef); err != nil {
		c.logger.Error("committed state but audit completion failed",
			"entry_id", entryID, "project_id", op.projectID, "error", err)
	}
	return committed, nil
}

// callGateway issues the settlement call with a single retry budget for
// transient unavailability. Permanent rejections propagate immediately.
//
// An unavailability error leaves the first call's outcome unknown: the
// request may have been applied before the confirmation was lost. The retry
// is therefore gated on a contract state read, and a call the ledger already
// applied is never re-issued.
func (c *Coordinator) callGateway(ctx context.Context, op operation, p *escrow.Project) (string, error) {
	txRef, err := op.call(ctx, p)
	if err == nil || !errors.Is(err, ledger.ErrUnavailable) {
		return txRef, err
	}
	if op.verify == nil {
		// No contract to interrogate yet. Re-issuing blind could apply the
		// operation twice, so the failure propagates to the caller.
		return "", err
	}
	landed, verifyErr := op.verify(ctx, p)
	if verifyErr != nil {
		c.logger.Warn("could not determine outcome of failed ledger call",
			"operation", op.name, "project_id", op.projectID, "error", verifyErr)
		return "", err
	}
	if landed {
		// Applied before the confirmation was lost. The tx reference is gone
		// but the outcome is settled.
		c.logger.Warn("ledger applied the call but the confirmation was lost, skipping retry",
			"operation", op.name, "project_id", op.projectID)
		return "", nil
	}
	c.logger.Warn("ledger gateway unavailable, retrying once",
		"operation", op.name, "project_id", op.projectID, "error", err)
	timer := time.NewTimer(c.retryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ledger.ErrUnavailable, ctx.Err())
	case <-timer.C:
	}
	return op.call(ctx, p)
}

// commit applies the operation and saves with the version read at load time.
// On conflict it reloads: if the fresh state already reflects the result the
// race is resolved as success, otherwise the operation is re-validated and
// re-applied on the fresh version, a bounded number of times.
func (c *Coordinator) commit(ctx context.Context, op operation, loaded *escrow.Project) (*escrow.Project, error) {
	current := loaded
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		working := current.Clone()
		if err := op.apply(working); err != nil {
			if op.applied(current) {
				return current, nil
			}
			return nil, err
		}
		saveErr := c.store.Save(ctx, working, current.Version)
		if saveErr == nil {
			return working, nil
		}
		if !errors.Is(saveErr, storage.ErrConflict) {
			return nil, saveErr
		}
		reloaded, loadErr := c.store.Load(ctx, op.projectID)
		if loadErr != nil {
			return nil, loadErr
		}
		if op.applied(reloaded) {
			return reloaded, nil
		}
		current = reloaded
	}
	return nil, fmt.Errorf("%w: %d commit attempts exhausted", storage.ErrConflict, maxCommitAttempts)
}

func (c *Coordinator) observe(opName string, started time.Time, err *error) {
	duration := c.now().Sub(started)
	if c.metrics == nil {
		return
	}
	c.metrics.Observe(opName, duration, *err)
	if *err == nil {
		return
	}
	var recon *ReconciliationRequiredError
	if errors.As(*err, &recon) {
		c.metrics.RecordReconciliationRequired(opName)
	}
	c.metrics.RecordError(opName, errorReason(*err))
}

// errorReason buckets an error into a low-cardinality metric label.
func errorReason(err error) string {
	var recon *ReconciliationRequiredError
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &recon):
		return "reconciliation_required"
	case errors.Is(err, escrow.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, escrow.ErrRoleMismatch), errors.Is(err, ErrActorMismatch):
		return "role_mismatch"
	case errors.Is(err, escrow.ErrMissingDeliverable):
		return "missing_deliverable"
	case errors.Is(err, escrow.ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(err, escrow.ErrFreelancerUnassigned):
		return "freelancer_unassigned"
	case errors.Is(err, ErrEscrowExists), errors.Is(err, ErrEscrowNotReady):
		return "escrow_state"
	case errors.Is(err, ErrMilestoneNotFound), errors.Is(err, storage.ErrNotFound):
		return "not_found"
	case errors.Is(err, storage.ErrConflict):
		return "conflict"
	case errors.Is(err, ledger.ErrUnavailable):
		return "ledger_unavailable"
	case errors.Is(err, ledger.ErrRejected):
		return "ledger_rejected"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrNotFunded):
		return "not_funded"
	case errors.Is(err, escrow.ErrInvalidProject), errors.Is(err, escrow.ErrInvalidMilestone):
		return "invalid_input"
	default:
		return "internal"
	}
}

// requireActor checks both the claimed role and that the actor is that side
// of this particular project.
func requireActor(p *escrow.Project, actor Actor, want escrow.Role) error {
	if actor.Role != want {
		return fmt.Errorf("%w: operation requires role %q, got %q", escrow.ErrRoleMismatch, want, actor.Role)
	}
	switch want {
	case escrow.RoleClient:
		if actor.ID != p.ClientID {
			return fmt.Errorf("%w: actor %s is not the project client", ErrActorMismatch, actor.ID)
		}
	case escrow.RoleFreelancer:
		if p.FreelancerID == nil || actor.ID != *p.FreelancerID {
			return fmt.Errorf("%w: actor %s is not the project freelancer", ErrActorMismatch, actor.ID)
		}
	}
	return nil
}

// matchAmounts verifies the caller's view of the milestone amounts against
// the registered milestones, ordered by index.
func matchAmounts(p *escrow.Project, amounts []*big.Int) error {
	if len(amounts) == 0 {
		return nil
	}
	if len(amounts) != len(p.Milestones) {
		return fmt.Errorf("%w: %d amounts supplied, %d milestones registered", escrow.ErrAmountMismatch, len(amounts), len(p.Milestones))
	}
	for i, m := range p.Milestones {
		if amounts[i] == nil || m.Amount == nil || amounts[i].Cmp(m.Amount) != 0 {
			return fmt.Errorf("%w: milestone %d amount %s does not match registered %s", escrow.ErrAmountMismatch, m.Index, amountOrNil(amounts[i]), amountOrNil(m.Amount))
		}
	}
	return nil
}

func amountOrNil(v *big.Int) string {
	if v == nil {
		return "<nil>"
	}
	return v.String()
}
