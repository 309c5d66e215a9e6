package gateway

import (
	"math/big"
	"time"

	"gigvault/audit"
	"gigvault/escrow"
)

type milestoneView struct {
	Index       int    `json:"index"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Amount      string `json:"amount"`
	Status      string `json:"status"`
	Deliverable string `json:"deliverable,omitempty"`
}

type escrowView struct {
	ContractRef string `json:"contractRef,omitempty"`
	Total       string `json:"total"`
	Released    string `json:"released"`
	Status      string `json:"status"`
}

type projectView struct {
	ID           string          `json:"id"`
	ClientID     string          `json:"clientId"`
	FreelancerID string          `json:"freelancerId,omitempty"`
	Status       string          `json:"status"`
	Milestones   []milestoneView `json:"milestones"`
	Escrow       escrowView      `json:"escrow"`
	Version      uint64          `json:"version"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

func renderProject(p *escrow.Project) projectView {
	view := projectView{
		ID:       p.ID.String(),
		ClientID: p.ClientID.String(),
		Status:   string(p.Status),
		Escrow: escrowView{
			ContractRef: p.Escrow.ContractRef,
			Total:       amountText(p.Escrow.Total),
			Released:    amountText(p.Escrow.Released),
			Status:      string(p.Escrow.Status),
		},
		Version:    p.Version,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
		Milestones: make([]milestoneView, 0, len(p.Milestones)),
	}
	if p.FreelancerID != nil {
		view.FreelancerID = p.FreelancerID.String()
	}
	for _, m := range p.Milestones {
		view.Milestones = append(view.Milestones, milestoneView{
			Index:       m.Index,
			Title:       m.Title,
			Description: m.Description,
			Amount:      amountText(m.Amount),
			Status:      string(m.Status),
			Deliverable: m.Deliverable,
		})
	}
	return view
}

type entryView struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Action    string    `json:"action"`
	Metadata  string    `json:"metadata,omitempty"`
	TxRef     string    `json:"txRef,omitempty"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func renderEntries(entries []audit.Entry) []entryView {
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView{
			ID:        e.ID.String(),
			ProjectID: e.ProjectID.String(),
			Action:    e.Action,
			Metadata:  e.Metadata,
			TxRef:     e.TxRef,
			Outcome:   e.Outcome,
			Error:     e.Error,
			CreatedAt: e.CreatedAt,
		})
	}
	return views
}

func amountText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
