// Package ledger defines the narrow interface the coordination engine
// consumes from the external settlement service, together with the error
// taxonomy callers dispatch on. The service's internal authentication and
// signature scheme is outside this package; only the logical request and
// response shapes matter here.
package ledger

import (
	"context"
	"errors"
	"math/big"
)

// ErrUnavailable indicates a transient transport failure. It is the only
// gateway error eligible for a retry.
var ErrUnavailable = errors.New("ledger: gateway unavailable")

// ErrRejected indicates the gateway rejected the request parameters. The
// caller must correct the input; retrying is pointless.
var ErrRejected = errors.New("ledger: request rejected")

// ErrInsufficientFunds indicates the funding source cannot cover the deposit.
var ErrInsufficientFunds = errors.New("ledger: insufficient funds")

// ErrAlreadyReleased indicates the milestone's funds were already released.
// Callers treat this as a benign duplicate, not a hard failure.
var ErrAlreadyReleased = errors.New("ledger: milestone already released")

// ErrNotFunded indicates the contract has not been funded yet.
var ErrNotFunded = errors.New("ledger: contract not funded")

// CreateResult is returned by CreateEscrow.
type CreateResult struct {
	ContractRef string
	TxRef       string
}

// FundResult is returned by Fund.
type FundResult struct {
	TxRef string
}

// SubmitResult is returned by SubmitMilestoneProof.
type SubmitResult struct {
	TxRef string
}

// ReleaseResult is returned by ApproveAndRelease.
type ReleaseResult struct {
	TxRef    string
	Released *big.Int
}

// MilestoneStateCompleted is the contract-side milestone status once a
// deliverable proof has been recorded.
const MilestoneStateCompleted = "completed"

// MilestoneState mirrors the per-milestone view reported by the contract.
type MilestoneState struct {
	Index    int
	Status   string
	Amount   *big.Int
	Released bool
}

// ContractState is the reconciliation view of a deployed escrow contract.
type ContractState struct {
	ContractRef string
	Balance     *big.Int
	Milestones  []MilestoneState
}

// Gateway performs operations against the external settlement service. Each
// operation either completes exactly once or fails cleanly from the gateway's
// perspective; the coordinator does not assume this and recovers from the
// unknown-outcome cases itself.
//
// QueryState exists for reconciliation and recovery reads only. Write
// decisions are never based on it: a possibly stale read must not gate a
// transfer.
type Gateway interface {
	CreateEscrow(ctx context.Context, projectID string, freelancerRef string, milestoneAmounts []*big.Int) (*CreateResult, error)
	Fund(ctx context.Context, contractRef string, totalAmount *big.Int) (*FundResult, error)
	SubmitMilestoneProof(ctx context.Context, contractRef string, milestoneIndex int, deliverableHash string) (*SubmitResult, error)
	ApproveAndRelease(ctx context.Context, contractRef string, milestoneIndex int) (*ReleaseResult, error)
	QueryState(ctx context.Context, contractRef string) (*ContractState, error)
}
