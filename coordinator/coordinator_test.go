package coordinator_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"gigvault/audit"
	"gigvault/coordinator"
	"gigvault/escrow"
	"gigvault/ledger"
	"gigvault/storage"
)

// stubGateway implements ledger.Gateway with overridable behaviour and call
// counters. Hooks run inside the gateway call, between the coordinator's load
// and its commit, which is exactly where concurrent writers interleave.
type stubGateway struct {
	mu            sync.Mutex
	createCalls   int
	fundCalls     int
	submitCalls   int
	releaseCalls  int
	queryCalls    int
	fundErrs      []error
	releaseErrs   []error
	stateErrs     []error
	state         *ledger.ContractState
	beforeRelease func()
}

func (g *stubGateway) CreateEscrow(_ context.Context, projectID, _ string, _ []*big.Int) (*ledger.CreateResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	return &ledger.CreateResult{ContractRef: "contract-" + projectID[:8], TxRef: "0xcreate"}, nil
}

func (g *stubGateway) Fund(context.Context, string, *big.Int) (*ledger.FundResult, error) {
	g.mu.Lock()
	g.fundCalls++
	var err error
	if len(g.fundErrs) > 0 {
		err, g.fundErrs = g.fundErrs[0], g.fundErrs[1:]
	}
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &ledger.FundResult{TxRef: "0xfund"}, nil
}

func (g *stubGateway) SubmitMilestoneProof(context.Context, string, int, string) (*ledger.SubmitResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitCalls++
	return &ledger.SubmitResult{TxRef: "0xsubmit"}, nil
}

func (g *stubGateway) ApproveAndRelease(_ context.Context, _ string, index int) (*ledger.ReleaseResult, error) {
	g.mu.Lock()
	g.releaseCalls++
	var err error
	if len(g.releaseErrs) > 0 {
		err, g.releaseErrs = g.releaseErrs[0], g.releaseErrs[1:]
	}
	hook := g.beforeRelease
	g.beforeRelease = nil
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return &ledger.ReleaseResult{TxRef: fmt.Sprintf("0xrelease%d", index), Released: big.NewInt(0)}, nil
}

func (g *stubGateway) QueryState(context.Context, string) (*ledger.ContractState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queryCalls++
	var err error
	if len(g.stateErrs) > 0 {
		err, g.stateErrs = g.stateErrs[0], g.stateErrs[1:]
	}
	if err != nil {
		return nil, err
	}
	if g.state != nil {
		return g.state, nil
	}
	return &ledger.ContractState{Balance: big.NewInt(0)}, nil
}

type fixture struct {
	store    *storage.Store
	recorder *audit.Recorder
	gw       *stubGateway
	coord    *coordinator.Coordinator
	client   coordinator.Actor
	worker   coordinator.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := storage.AutoMigrate(db); err != nil {
		t.Fatalf("migrate storage: %v", err)
	}
	if err := audit.AutoMigrate(db); err != nil {
		t.Fatalf("migrate audit: %v", err)
	}
	store := storage.NewStore(db)
	recorder := audit.NewRecorder(db)
	gw := &stubGateway{}
	coord := coordinator.New(store, recorder, gw, coordinator.WithRetryBackoff(time.Millisecond))
	return &fixture{
		store:    store,
		recorder: recorder,
		gw:       gw,
		coord:    coord,
		client:   coordinator.Actor{ID: uuid.New(), Role: escrow.RoleClient},
		worker:   coordinator.Actor{ID: uuid.New(), Role: escrow.RoleFreelancer},
	}
}

func (f *fixture) newProject(t *testing.T, amounts ...int64) *escrow.Project {
	t.Helper()
	inputs := make([]coordinator.MilestoneInput, len(amounts))
	for i, amt := range amounts {
		inputs[i] = coordinator.MilestoneInput{
			Title:  fmt.Sprintf("milestone %d", i),
			Amount: big.NewInt(amt),
		}
	}
	freelancerID := f.worker.ID
	project, err := f.coord.CreateProject(context.Background(), f.client.ID, &freelancerID, inputs)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return project
}

// fundedProject drives a project through escrow creation and funding.
func (f *fixture) fundedProject(t *testing.T, amounts ...int64) *escrow.Project {
	t.Helper()
	ctx := context.Background()
	project := f.newProject(t, amounts...)
	if _, err := f.coord.CreateEscrow(ctx, project.ID, f.client, nil); err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	total := big.NewInt(0)
	for _, amt := range amounts {
		total.Add(total, big.NewInt(amt))
	}
	funded, err := f.coord.Fund(ctx, project.ID, f.client, total)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	return funded
}

func (f *fixture) auditOutcomes(t *testing.T, projectID uuid.UUID) map[string]int {
	t.Helper()
	counts := make(map[string]int)
	for entry, err := range f.recorder.ListFor(context.Background(), projectID) {
		if err != nil {
			t.Fatalf("list audit: %v", err)
		}
		counts[entry.Outcome]++
	}
	return counts
}

func TestFullLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	project := f.fundedProject(t, 150, 200, 150)
	if project.Status != escrow.ProjectInProgress {
		t.Fatalf("funded project status %q", project.Status)
	}
	if project.Escrow.Status != escrow.EscrowFunded {
		t.Fatalf("escrow status %q after funding", project.Escrow.Status)
	}

	submitted, err := f.coord.SubmitMilestone(ctx, project.ID, 0, f.worker, "abc123")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if m := submitted.FindMilestone(0); m.Status != escrow.MilestoneCompleted || m.Deliverable != "abc123" {
		t.Fatalf("unexpected milestone after submit: %+v", m)
	}

	approved, err := f.coord.ApproveMilestone(ctx, project.ID, 0, f.client)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Escrow.Released.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("expected released 150, got %s", approved.Escrow.Released)
	}
	if m := approved.FindMilestone(0); m.Status != escrow.MilestoneApproved {
		t.Fatalf("milestone 0 status %q", m.Status)
	}
	// Milestones 1 and 2 remain, so the escrow record stays funded.
	if approved.Escrow.Status != escrow.EscrowFunded {
		t.Fatalf("escrow status %q, expected funded", approved.Escrow.Status)
	}

	counts := f.auditOutcomes(t, project.ID)
	if counts[string(audit.OutcomeCommitted)] != 4 || counts[string(audit.OutcomePending)] != 0 {
		t.Fatalf("unexpected audit outcomes: %v", counts)
	}
}

func TestFullReleaseTerminatesEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	project := f.fundedProject(t, 100, 50)
	for index := 0; index < 2; index++ {
		if _, err := f.coord.SubmitMilestone(ctx, project.ID, index, f.worker, fmt.Sprintf("hash-%d", index)); err != nil {
			t.Fatalf("submit %d: %v", index, err)
		}
		if _, err := f.coord.ApproveMilestone(ctx, project.ID, index, f.client); err != nil {
			t.Fatalf("approve %d: %v", index, err)
		}
	}

	final, err := f.store.Load(ctx, project.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if final.Escrow.Status != escrow.EscrowReleased {
		t.Fatalf("escrow status %q, expected released", final.Escrow.Status)
	}
	if final.Status != escrow.ProjectCompleted {
		t.Fatalf("project status %q, expected completed", final.Status)
	}
	if final.Escrow.Released.Cmp(final.Escrow.Total) != 0 {
		t.Fatalf("released %s != total %s", final.Escrow.Released, final.Escrow.Total)
	}
}

func TestApprovePendingMilestoneRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	project := f.fundedProject(t, 150, 200)
	before, _ := f.store.Load(ctx, project.ID)

	_, err := f.coord.ApproveMilestone(ctx, project.ID, 0, f.client)
	if !errors.Is(err, escrow.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if f.gw.releaseCalls != 0 {
		t.Fatalf("gateway called %d times for an invalid transition", f.gw.releaseCalls)
	}

	after, _ := f.store.Load(ctx, project.ID)
	if after.Version != before.Version {
		t.Fatalf("record changed: version %d -> %d", before.Version, after.Version)
	}
	if after.Escrow.Released.Sign() != 0 {
		t.Fatalf("released changed to %s", after.Escrow.Released)
	}
	// Early rejection happens before the intention log, so the three entries
	// from setup are all that exist and none is freshly committed.
	counts := f.auditOutcomes(t, project.ID)
	if counts[string(audit.OutcomeCommitted)] != 3 {
		t.Fatalf("unexpected audit outcomes: %v", counts)
	}
}

func TestFundAmountMismatchRejectedBeforeGateway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	project := f.newProject(t, 150, 200, 150)
	if _, err := f.coord.CreateEscrow(ctx, project.ID, f.client, nil); err != nil {
		t.Fatalf("create escrow: %v", err)
	}

	_, err := f.coord.Fund(ctx, project.ID, f.client, big.NewInt(600))
	if !errors.Is(err, escrow.ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
	if f.gw.fundCalls != 0 {
		t.Fatalf("gateway fund called %d times despite mismatch", f.gw.fundCalls)
	}

	loaded, _ := f.store.Load(ctx, project.ID)
	if loaded.Escrow.Status != escrow.EscrowCreated {
		t.Fatalf("escrow status %q after rejected funding", loaded.Escrow.Status)
	}
}

func TestCreateEscrowRequiresFreelancer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	project, err := f.coord.CreateProject(ctx, f.client.ID, nil, []coordinator.MilestoneInput{
		{Title: "solo", Amount: big.NewInt(100)},
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := f.coord.CreateEscrow(ctx, project.ID, f.client, nil); !errors.Is(err, escrow.ErrFreelancerUnassigned) {
		t.Fatalf("expected ErrFreelancerUnassigned, got %v", err)
	}
	if f.gw.createCalls != 0 {
		t.Fatalf("gateway reached without a freelancer")
	}
}

func TestCreateEscrowAmountChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.newProject(t, 150, 200)

	_, err := f.coord.CreateEscrow(ctx, project.ID, f.client, []*big.Int{big.NewInt(150)})
	if !errors.Is(err, escrow.ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch for wrong count, got %v", err)
	}
	_, err = f.coord.CreateEscrow(ctx, project.ID, f.client, []*big.Int{big.NewInt(150), big.NewInt(999)})
	if !errors.Is(err, escrow.ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch for wrong amount, got %v", err)
	}

	// Matching amounts succeed and set the total from the milestones.
	created, err := f.coord.CreateEscrow(ctx, project.ID, f.client, []*big.Int{big.NewInt(150), big.NewInt(200)})
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	if created.Escrow.Total.Cmp(big.NewInt(350)) != 0 {
		t.Fatalf("escrow total %s", created.Escrow.Total)
	}
	if created.Escrow.ContractRef == "" {
		t.Fatalf("contract ref not recorded")
	}
}

func TestActorChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.fundedProject(t, 100)

	// Wrong role.
	if _, err := f.coord.SubmitMilestone(ctx, project.ID, 0, f.client, "hash"); !errors.Is(err, escrow.ErrRoleMismatch) {
		t.Fatalf("expected ErrRoleMismatch, got %v", err)
	}
	// Right role, wrong identity.
	impostor := coordinator.Actor{ID: uuid.New(), Role: escrow.RoleFreelancer}
	if _, err := f.coord.SubmitMilestone(ctx, project.ID, 0, impostor, "hash"); !errors.Is(err, coordinator.ErrActorMismatch) {
		t.Fatalf("expected ErrActorMismatch, got %v", err)
	}
	if f.gw.submitCalls != 0 {
		t.Fatalf("gateway reached by unauthorised actor")
	}
}

func TestDoubleApproveReleasesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.fundedProject(t, 150, 200)
	if _, err := f.coord.SubmitMilestone(ctx, project.ID, 0, f.worker, "abc123"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := f.coord.ApproveMilestone(ctx, project.ID, 0, f.client); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	_, err := f.coord.ApproveMilestone(ctx, project.ID, 0, f.client)
	if !errors.Is(err, escrow.ErrInvalidTransition) {
		t.Fatalf("second approve: expected ErrInvalidTransition, got %v", err)
	}

	loaded, _ := f.store.Load(ctx, project.ID)
	if loaded.Escrow.Released.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("released %s after double approve", loaded.Escrow.Released)
	}
	if f.gw.releaseCalls != 1 {
		t.Fatalf("gateway release called %d times", f.gw.releaseCalls)
	}
}

func TestAlreadyReleasedReconcilesToSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.fundedProject(t, 150, 200)
	if _, err := f.coord.SubmitMilestone(ctx, project.ID, 0, f.worker, "abc123"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	f.gw.releaseErrs = []error{ledger.ErrAlreadyReleased}
	approved, err := f.coord.ApproveMilestone(ctx, project.ID, 0, f.client)
	if err != nil {
		t.Fatalf("approve with duplicate release: %v", err)
	}
	if m := approved.FindMilestone(0); m.Status != escrow.MilestoneApproved {
		t.Fatalf("milestone not reconciled to approved: %q", m.Status)
	}
	if approved.Escrow.Released.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("released %s", approved.Escrow.Released)
	}
	if f.gw.releaseCalls != 1 {
		t.Fatalf("duplicate release retried: %d calls", f.gw.releaseCalls)
	}
	counts := f.auditOutcomes(t, project.ID)
	if counts[string(audit.OutcomePending)] != 0 || counts[string(audit.OutcomeFailed)] != 0 {
		t.Fatalf("unexpected audit outcomes: %v", counts)
	}
}

func TestUnavailableRetriedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.newProject(t, 100)
	if _, err := f.coord.CreateEscrow(ctx, project.ID, f.client, nil); err != nil {
		t.Fatalf("create escrow: %v", err)
	}

	// Transient failure then success: the state read shows the deposit never
	// landed, so the retry is issued and absorbs it.
	f.gw.fundErrs = []error{ledger.ErrUnavailable}
	if _, err := f.coord.Fund(ctx, project.ID, f.client, big.NewInt(100)); err != nil {
		t.Fatalf("fund with one transient failure: %v", err)
	}
	if f.gw.fundCalls != 2 {
		t.Fatalf("expected 2 fund calls, got %d", f.gw.fundCalls)
	}
	if f.gw.queryCalls != 1 {
		t.Fatalf("expected the retry to be gated on one state read, got %d", f.gw.queryCalls)
	}
}

func TestLostFundConfirmationNotRedeposited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.newProject(t, 100)
	if _, err := f.coord.CreateEscrow(ctx, project.ID, f.client, nil); err != nil {
		t.Fatalf("create escrow: %v", err)
	}

	// The deposit is applied but its confirmation is lost in transit. The
	// contract state shows the funds arrived, so there is no second deposit.
	f.gw.fundErrs = []error{ledger.ErrUnavailable}
	f.gw.state = &ledger.ContractState{Balance: big.NewInt(100)}
	funded, err := f.coord.Fund(ctx, project.ID, f.client, big.NewInt(100))
	if err != nil {
		t.Fatalf("fund with lost confirmation: %v", err)
	}
	if f.gw.fundCalls != 1 {
		t.Fatalf("deposit re-issued: %d fund calls", f.gw.fundCalls)
	}
	if f.gw.queryCalls != 1 {
		t.Fatalf("expected one state read, got %d", f.gw.queryCalls)
	}
	if funded.Escrow.Status != escrow.EscrowFunded {
		t.Fatalf("escrow status %q after settled deposit", funded.Escrow.Status)
	}
	counts := f.auditOutcomes(t, project.ID)
	if counts[string(audit.OutcomePending)] != 0 || counts[string(audit.OutcomeFailed)] != 0 {
		t.Fatalf("unexpected audit outcomes: %v", counts)
	}
}

func TestLostReleaseConfirmationReleasesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.fundedProject(t, 150, 200)
	if _, err := f.coord.SubmitMilestone(ctx, project.ID, 0, f.worker, "abc123"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	f.gw.releaseErrs = []error{ledger.ErrUnavailable}
	f.gw.state = &ledger.ContractState{
		Balance:    big.NewInt(200),
		Milestones: []ledger.MilestoneState{{Index: 0, Released: true, Amount: big.NewInt(150)}},
	}
	approved, err := f.coord.ApproveMilestone(ctx, project.ID, 0, f.client)
	if err != nil {
		t.Fatalf("approve with lost confirmation: %v", err)
	}
	if f.gw.releaseCalls != 1 {
		t.Fatalf("release re-issued: %d calls", f.gw.releaseCalls)
	}
	if approved.Escrow.Released.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("released %s", approved.Escrow.Released)
	}
}

func TestUnknownOutcomeNotBlindlyRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.newProject(t, 100)
	if _, err := f.coord.CreateEscrow(ctx, project.ID, f.client, nil); err != nil {
		t.Fatalf("create escrow: %v", err)
	}

	// Both the deposit and the state read fail, so the first call's outcome
	// stays unknown and no second deposit may be risked.
	f.gw.fundErrs = []error{ledger.ErrUnavailable}
	f.gw.stateErrs = []error{ledger.ErrUnavailable}
	_, err := f.coord.Fund(ctx, project.ID, f.client, big.NewInt(100))
	if !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if f.gw.fundCalls != 1 {
		t.Fatalf("deposit re-issued despite unknown outcome: %d calls", f.gw.fundCalls)
	}
	counts := f.auditOutcomes(t, project.ID)
	if counts[string(audit.OutcomeFailed)] != 1 || counts[string(audit.OutcomePending)] != 0 {
		t.Fatalf("unexpected audit outcomes: %v", counts)
	}
}

func TestUnavailableExhaustsRetryBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.newProject(t, 100)
	if _, err := f.coord.CreateEscrow(ctx, project.ID, f.client, nil); err != nil {
		t.Fatalf("create escrow: %v", err)
	}

	f.gw.fundErrs = []error{ledger.ErrUnavailable, ledger.ErrUnavailable, ledger.ErrUnavailable}
	_, err := f.coord.Fund(ctx, project.ID, f.client, big.NewInt(100))
	if !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if f.gw.fundCalls != 2 {
		t.Fatalf("retry budget is one: got %d calls", f.gw.fundCalls)
	}

	// Local state untouched, audit entry finalised as failed.
	loaded, _ := f.store.Load(ctx, project.ID)
	if loaded.Escrow.Status != escrow.EscrowCreated {
		t.Fatalf("escrow status %q after failed funding", loaded.Escrow.Status)
	}
	counts := f.auditOutcomes(t, project.ID)
	if counts[string(audit.OutcomeFailed)] != 1 || counts[string(audit.OutcomePending)] != 0 {
		t.Fatalf("unexpected audit outcomes: %v", counts)
	}
}

func TestConflictingApprovalsBothLand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.fundedProject(t, 150, 200)
	for index := 0; index < 2; index++ {
		if _, err := f.coord.SubmitMilestone(ctx, project.ID, index, f.worker, fmt.Sprintf("hash-%d", index)); err != nil {
			t.Fatalf("submit %d: %v", index, err)
		}
	}

	// While milestone 0's release is in flight, milestone 1 is approved and
	// committed, so milestone 0's commit loses the version race and must
	// re-apply on the fresh state.
	f.gw.beforeRelease = func() {
		if _, err := f.coord.ApproveMilestone(ctx, project.ID, 1, f.client); err != nil {
			t.Errorf("interleaved approve: %v", err)
		}
	}
	approved, err := f.coord.ApproveMilestone(ctx, project.ID, 0, f.client)
	if err != nil {
		t.Fatalf("approve after conflict: %v", err)
	}

	if approved.Escrow.Released.Cmp(big.NewInt(350)) != 0 {
		t.Fatalf("released %s, expected 350", approved.Escrow.Released)
	}
	if approved.Escrow.Released.Cmp(approved.Escrow.Total) > 0 {
		t.Fatalf("released %s exceeds total %s", approved.Escrow.Released, approved.Escrow.Total)
	}
	for index := 0; index < 2; index++ {
		if m := approved.FindMilestone(index); m.Status != escrow.MilestoneApproved {
			t.Fatalf("milestone %d status %q", index, m.Status)
		}
	}
	if f.gw.releaseCalls != 2 {
		t.Fatalf("expected exactly 2 release calls, got %d", f.gw.releaseCalls)
	}
	counts := f.auditOutcomes(t, project.ID)
	if counts[string(audit.OutcomePending)] != 0 {
		t.Fatalf("pending audit entries left behind: %v", counts)
	}
}

func TestRacedDuplicateApproveResolvesAsApplied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.fundedProject(t, 150, 200)
	if _, err := f.coord.SubmitMilestone(ctx, project.ID, 0, f.worker, "abc123"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// The same milestone is approved behind this request's back after its
	// gateway call was issued. The commit conflicts, the reload shows the
	// approval already applied, and the race resolves as success without a
	// second release.
	f.gw.beforeRelease = func() {
		loaded, err := f.store.Load(ctx, project.ID)
		if err != nil {
			t.Errorf("interleaved load: %v", err)
			return
		}
		m := loaded.FindMilestone(0)
		m.Status = escrow.MilestoneApproved
		loaded.Escrow.Released = big.NewInt(150)
		if err := f.store.Save(ctx, loaded, loaded.Version); err != nil {
			t.Errorf("interleaved save: %v", err)
		}
	}
	approved, err := f.coord.ApproveMilestone(ctx, project.ID, 0, f.client)
	if err != nil {
		t.Fatalf("raced approve: %v", err)
	}
	if approved.Escrow.Released.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("released %s, expected a single 150 increment", approved.Escrow.Released)
	}
	if f.gw.releaseCalls != 1 {
		t.Fatalf("release called %d times", f.gw.releaseCalls)
	}
}

func TestReconciliationRequiredWhenCommitImpossible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.fundedProject(t, 150, 200)
	if _, err := f.coord.SubmitMilestone(ctx, project.ID, 0, f.worker, "abc123"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// The milestone is disputed after the release call went out. The fresh
	// state makes the approval illegal and does not reflect the release, so
	// the operation must escalate rather than guess.
	f.gw.beforeRelease = func() {
		loaded, err := f.store.Load(ctx, project.ID)
		if err != nil {
			t.Errorf("interleaved load: %v", err)
			return
		}
		loaded.FindMilestone(0).Status = escrow.MilestoneDisputed
		if err := f.store.Save(ctx, loaded, loaded.Version); err != nil {
			t.Errorf("interleaved save: %v", err)
		}
	}
	_, err := f.coord.ApproveMilestone(ctx, project.ID, 0, f.client)
	var recon *coordinator.ReconciliationRequiredError
	if !errors.As(err, &recon) {
		t.Fatalf("expected ReconciliationRequiredError, got %v", err)
	}
	if recon.TxRef != "0xrelease0" || recon.EntryID == uuid.Nil {
		t.Fatalf("escalation missing recovery anchors: %+v", recon)
	}

	// The pending entry is the recovery anchor and must be discoverable.
	pending, err := f.recorder.ListPendingBefore(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	found := false
	for _, e := range pending {
		if e.ID == recon.EntryID {
			found = true
		}
	}
	if !found {
		t.Fatalf("pending recovery entry %s not listed", recon.EntryID)
	}

	// The anchor must already carry the tx reference: nothing in memory
	// survives a crash, the row is all reconciliation gets.
	entry, err := f.recorder.Get(ctx, recon.EntryID)
	if err != nil {
		t.Fatalf("get recovery entry: %v", err)
	}
	if entry.Outcome != string(audit.OutcomePending) || entry.TxRef != "0xrelease0" {
		t.Fatalf("recovery entry missing ledger reference: outcome=%q tx=%q", entry.Outcome, entry.TxRef)
	}
}

func TestCancellationBeforeGatewayCall(t *testing.T) {
	f := newFixture(t)
	project := f.fundedProject(t, 100)
	if _, err := f.coord.SubmitMilestone(context.Background(), project.ID, 0, f.worker, "hash"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.coord.ApproveMilestone(ctx, project.ID, 0, f.client)
	if err == nil {
		t.Fatalf("expected cancellation error")
	}

	// Nothing was mutated.
	loaded, loadErr := f.store.Load(context.Background(), project.ID)
	if loadErr != nil {
		t.Fatalf("load: %v", loadErr)
	}
	if loaded.Escrow.Released.Sign() != 0 {
		t.Fatalf("released %s after cancelled request", loaded.Escrow.Released)
	}
}
