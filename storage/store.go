// Package storage is the durable local representation of project escrow
// state. It is the single source of truth for what the platform believes
// until reconciled against the ledger. All coordination between concurrent
// writers happens through the version-checked Save; nothing here takes a
// pessimistic lock.
package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gigvault/escrow"
)

// ErrNotFound indicates the project aggregate does not exist.
var ErrNotFound = errors.New("storage: project not found")

// ErrConflict indicates a concurrent writer committed first. Callers must
// reload and re-validate before retrying.
var ErrConflict = errors.New("storage: version conflict")

// Store persists project aggregates with optimistic concurrency.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore wraps the supplied database handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetNowFunc overrides the time source used for persistence timestamps.
// Primarily intended for tests.
func (s *Store) SetNowFunc(now func() time.Time) {
	if now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
		return
	}
	s.now = now
}

// DB exposes the underlying handle for packages that share the datastore,
// such as the idempotency middleware.
func (s *Store) DB() *gorm.DB { return s.db }

// Create persists a new project aggregate at version 1.
func (s *Store) Create(ctx context.Context, p *escrow.Project) error {
	sanitized, err := escrow.SanitizeProject(p)
	if err != nil {
		return err
	}
	now := s.now()
	record := toProjectRecord(sanitized)
	record.Version = 1
	record.CreatedAt = now
	record.UpdatedAt = now
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("storage: create project: %w", err)
		}
		for _, m := range sanitized.Milestones {
			row := toMilestoneRecord(sanitized.ID, m)
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("storage: create milestone %d: %w", m.Index, err)
			}
		}
		return nil
	})
}

// Load fetches the aggregate with its current version. Milestones come back
// ordered by index.
func (s *Store) Load(ctx context.Context, id uuid.UUID) (*escrow.Project, error) {
	var record ProjectRecord
	err := s.db.WithContext(ctx).Preload("Milestones").First(&record, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: load project: %w", err)
	}
	return fromProjectRecord(&record)
}

// Save commits the aggregate if and only if the stored version still equals
// expectedVersion. On success the project's Version field is advanced to the
// committed value. A Conflict forces the caller to reload and re-validate;
// this is what gives at-most-one-concurrent-release semantics without a
// global lock.
func (s *Store) Save(ctx context.Context, p *escrow.Project, expectedVersion uint64) error {
	sanitized, err := escrow.SanitizeProject(p)
	if err != nil {
		return err
	}
	now := s.now()
	newVersion := expectedVersion + 1
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"client_id":       sanitized.ClientID,
			"freelancer_id":   sanitized.FreelancerID,
			"status":          string(sanitized.Status),
			"contract_ref":    sanitized.Escrow.ContractRef,
			"total_amount":    amountString(sanitized.Escrow.Total),
			"released_amount": amountString(sanitized.Escrow.Released),
			"escrow_status":   string(sanitized.Escrow.Status),
			"version":         newVersion,
			"updated_at":      now,
		}
		res := tx.Model(&ProjectRecord{}).
			Where("id = ? AND version = ?", sanitized.ID, expectedVersion).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("storage: save project: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&ProjectRecord{}).Where("id = ?", sanitized.ID).Count(&count).Error; err != nil {
				return fmt.Errorf("storage: save project: %w", err)
			}
			if count == 0 {
				return ErrNotFound
			}
			return ErrConflict
		}
		for _, m := range sanitized.Milestones {
			row := toMilestoneRecord(sanitized.ID, m)
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "project_id"}, {Name: "idx"}},
				UpdateAll: true,
			}).Create(&row).Error; err != nil {
				return fmt.Errorf("storage: save milestone %d: %w", m.Index, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	p.Version = newVersion
	p.UpdatedAt = now
	return nil
}

func toProjectRecord(p *escrow.Project) ProjectRecord {
	return ProjectRecord{
		ID:             p.ID,
		ClientID:       p.ClientID,
		FreelancerID:   p.FreelancerID,
		Status:         string(p.Status),
		ContractRef:    p.Escrow.ContractRef,
		TotalAmount:    amountString(p.Escrow.Total),
		ReleasedAmount: amountString(p.Escrow.Released),
		EscrowStatus:   string(p.Escrow.Status),
	}
}

func toMilestoneRecord(projectID uuid.UUID, m *escrow.Milestone) MilestoneRecord {
	return MilestoneRecord{
		ProjectID:   projectID,
		Idx:         m.Index,
		Title:       m.Title,
		Description: m.Description,
		Amount:      amountString(m.Amount),
		Status:      string(m.Status),
		Deliverable: m.Deliverable,
	}
}

func fromProjectRecord(record *ProjectRecord) (*escrow.Project, error) {
	total, err := parseAmount(record.TotalAmount)
	if err != nil {
		return nil, fmt.Errorf("storage: project %s total: %w", record.ID, err)
	}
	released, err := parseAmount(record.ReleasedAmount)
	if err != nil {
		return nil, fmt.Errorf("storage: project %s released: %w", record.ID, err)
	}
	project := &escrow.Project{
		ID:           record.ID,
		ClientID:     record.ClientID,
		FreelancerID: record.FreelancerID,
		Status:       escrow.ProjectStatus(record.Status),
		Escrow: escrow.EscrowRecord{
			ContractRef: record.ContractRef,
			Total:       total,
			Released:    released,
			Status:      escrow.EscrowStatus(record.EscrowStatus),
		},
		Version:   record.Version,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}
	milestones := make([]*escrow.Milestone, 0, len(record.Milestones))
	for _, row := range record.Milestones {
		amount, err := parseAmount(row.Amount)
		if err != nil {
			return nil, fmt.Errorf("storage: milestone %d amount: %w", row.Idx, err)
		}
		milestones = append(milestones, &escrow.Milestone{
			Index:       row.Idx,
			Title:       row.Title,
			Description: row.Description,
			Amount:      amount,
			Status:      escrow.MilestoneStatus(row.Status),
			Deliverable: row.Deliverable,
		})
	}
	sort.Slice(milestones, func(i, j int) bool { return milestones[i].Index < milestones[j].Index })
	project.Milestones = milestones
	return project, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(raw string) (*big.Int, error) {
	if raw == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", raw)
	}
	return value, nil
}
