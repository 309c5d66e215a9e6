// Package audit keeps the append-only trail of every attempted and completed
// escrow transition. Entries are never deleted; the single outcome update
// (pending -> committed or pending -> failed) is the only permitted mutation,
// applied at most once per entry. Orphaned pending entries are the recovery
// anchor for crashed or raced operations.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Action names the orchestration step an entry records.
type Action string

const (
	ActionEscrowCreated      Action = "ESCROW_CREATED"
	ActionEscrowFunded       Action = "ESCROW_FUNDED"
	ActionMilestoneSubmitted Action = "MILESTONE_SUBMITTED"
	ActionMilestoneApproved  Action = "MILESTONE_APPROVED"
)

// Outcome is the terminal marker of an entry.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeCommitted Outcome = "committed"
	OutcomeFailed    Outcome = "failed"
)

// ErrEntryNotFound indicates the entry does not exist or its outcome has
// already been finalised.
var ErrEntryNotFound = errors.New("audit: entry not found or already finalised")

// Entry is one immutable record of an orchestration attempt. ProjectID is a
// back-reference only; entries outlive the project for dispute resolution.
type Entry struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProjectID uuid.UUID `gorm:"type:uuid;index:idx_audit_project_created,priority:1"`
	Action    string    `gorm:"size:32;index"`
	Metadata  string    `gorm:"type:text"`
	TxRef     string    `gorm:"size:128"`
	Outcome   string    `gorm:"size:16;index"`
	Error     string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index:idx_audit_project_created,priority:2"`
	UpdatedAt time.Time
}

// AutoMigrate performs the schema migration for the audit trail.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Entry{})
}

// Recorder appends and finalises audit entries.
type Recorder struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRecorder wraps the supplied database handle.
func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (r *Recorder) SetNowFunc(now func() time.Time) {
	if now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
		return
	}
	r.now = now
}

// Begin appends a pending entry capturing the intended action and its
// parameters, before any external call is made.
func (r *Recorder) Begin(ctx context.Context, projectID uuid.UUID, action Action, metadata map[string]string) (uuid.UUID, error) {
	payload := ""
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return uuid.Nil, fmt.Errorf("audit: encode metadata: %w", err)
		}
		payload = string(raw)
	}
	now := r.now()
	entry := Entry{
		ID:        uuid.New(),
		ProjectID: projectID,
		Action:    string(action),
		Metadata:  payload,
		Outcome:   string(OutcomePending),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return uuid.Nil, fmt.Errorf("audit: begin: %w", err)
	}
	return entry.ID, nil
}

// AttachTxRef records the ledger transaction reference on a still-pending
// entry, as soon as the ledger call returns and before the local commit is
// attempted. A crash between the two leaves a pending anchor that already
// carries the reference reconciliation needs.
func (r *Recorder) AttachTxRef(ctx context.Context, entryID uuid.UUID, txRef string) error {
	res := r.db.WithContext(ctx).Model(&Entry{}).
		Where("id = ? AND outcome = ?", entryID, string(OutcomePending)).
		Updates(map[string]interface{}{
			"tx_ref":     txRef,
			"updated_at": r.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("audit: attach tx ref: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// Complete marks a pending entry committed and attaches the ledger
// transaction reference. The guarded update makes the outcome flip
// exactly-once: finalised entries are never rewritten.
func (r *Recorder) Complete(ctx context.Context, entryID uuid.UUID, txRef string) error {
	return r.finalize(ctx, entryID, OutcomeCommitted, map[string]interface{}{
		"tx_ref":     txRef,
		"outcome":    string(OutcomeCommitted),
		"updated_at": r.now(),
	})
}

// Fail marks a pending entry failed with the supplied error detail.
func (r *Recorder) Fail(ctx context.Context, entryID uuid.UUID, detail string) error {
	return r.finalize(ctx, entryID, OutcomeFailed, map[string]interface{}{
		"error":      detail,
		"outcome":    string(OutcomeFailed),
		"updated_at": r.now(),
	})
}

func (r *Recorder) finalize(ctx context.Context, entryID uuid.UUID, outcome Outcome, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&Entry{}).
		Where("id = ? AND outcome = ?", entryID, string(OutcomePending)).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("audit: mark %s: %w", outcome, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// Get fetches a single entry by identifier.
func (r *Recorder) Get(ctx context.Context, entryID uuid.UUID) (*Entry, error) {
	var entry Entry
	if err := r.db.WithContext(ctx).First(&entry, "id = ?", entryID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("audit: get: %w", err)
	}
	return &entry, nil
}

// listPageSize bounds how many entries a single ListFor read pulls.
const listPageSize = 200

// ListFor yields the project's entries ordered by creation time. Dispute
// resolution tooling and recovery jobs replay this sequence, which for old
// projects can run to thousands of entries, so pages are loaded on demand
// with a keyset cursor rather than materialised up front. The sequence can
// be ranged over again from the start after an interruption.
func (r *Recorder) ListFor(ctx context.Context, projectID uuid.UUID) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		var afterTime time.Time
		var afterID uuid.UUID
		first := true
		for {
			query := r.db.WithContext(ctx).Where("project_id = ?", projectID)
			if !first {
				query = query.Where("created_at > ? OR (created_at = ? AND id > ?)", afterTime, afterTime, afterID)
			}
			var page []Entry
			err := query.Order("created_at ASC, id ASC").Limit(listPageSize).Find(&page).Error
			if err != nil {
				yield(Entry{}, fmt.Errorf("audit: list: %w", err))
				return
			}
			for _, entry := range page {
				if !yield(entry, nil) {
					return
				}
			}
			if len(page) < listPageSize {
				return
			}
			last := page[len(page)-1]
			afterTime, afterID, first = last.CreatedAt, last.ID, false
		}
	}
}

// ListPendingBefore returns entries still pending that were created before
// the cutoff. A pending entry older than the operation timeout means a
// gateway call was issued whose local commit never landed; these are the
// inputs to reconciliation tooling.
func (r *Recorder) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]Entry, error) {
	var entries []Entry
	err := r.db.WithContext(ctx).
		Where("outcome = ? AND created_at < ?", string(OutcomePending), cutoff).
		Order("created_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("audit: list pending: %w", err)
	}
	return entries, nil
}
