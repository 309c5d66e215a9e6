// Package gateway exposes the coordination engine over HTTP. Handlers parse,
// delegate to the coordinator and render; no business logic lives here. Role
// resolution happens upstream; the resolved actor arrives in headers and the
// coordinator re-checks it against the project.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"gigvault/audit"
	"gigvault/coordinator"
	"gigvault/escrow"
	"gigvault/gateway/middleware"
	"gigvault/ledger"
	"gigvault/observability"
	"gigvault/storage"
)

const (
	headerActorRole = "X-Actor-Role"
	headerActorID   = "X-Actor-ID"
)

// ServerConfig carries the HTTP-surface knobs.
type ServerConfig struct {
	ServiceName string
	RateLimit   middleware.RateLimit
}

// Server is the inbound HTTP surface.
type Server struct {
	coord    *coordinator.Coordinator
	recorder *audit.Recorder
	logger   *slog.Logger
	router   chi.Router
}

// NewServer wires the router, middleware and handlers.
func NewServer(coord *coordinator.Coordinator, recorder *audit.Recorder, db *gorm.DB, logger *slog.Logger, cfg ServerConfig) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "gigvault"
	}
	s := &Server{coord: coord, recorder: recorder, logger: logger}

	obs := middleware.NewObservability(cfg.ServiceName, observability.Gateway())
	limiter := middleware.NewRateLimiter(cfg.RateLimit)
	write := func(route string, h http.HandlerFunc) http.Handler {
		return obs.Middleware(route)(limiter.Middleware(middleware.WithIdempotency(db, h)))
	}
	read := func(route string, h http.HandlerFunc) http.Handler {
		return obs.Middleware(route)(h)
	}

	r := chi.NewRouter()
	r.Method(http.MethodPost, "/v1/projects", write("create_project", s.handleCreateProject))
	r.Method(http.MethodGet, "/v1/projects/{id}", read("get_project", s.handleGetProject))
	r.Method(http.MethodPost, "/v1/projects/{id}/escrow", write("create_escrow", s.handleCreateEscrow))
	r.Method(http.MethodPost, "/v1/projects/{id}/escrow/fund", write("fund_escrow", s.handleFund))
	r.Method(http.MethodPost, "/v1/projects/{id}/milestones/{index}/submit", write("submit_milestone", s.handleSubmitMilestone))
	r.Method(http.MethodPost, "/v1/projects/{id}/milestones/{index}/approve", write("approve_milestone", s.handleApproveMilestone))
	r.Method(http.MethodGet, "/v1/projects/{id}/audit", read("list_audit", s.handleListAudit))
	r.Method(http.MethodGet, "/v1/audit/pending", read("list_pending_audit", s.handleListPendingAudit))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.router = r
	return s
}

// Handler returns the root handler for the daemon's http.Server.
func (s *Server) Handler() http.Handler { return s.router }

type milestonePayload struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Amount      string `json:"amount"`
}

type createProjectRequest struct {
	ClientID     string             `json:"clientId"`
	FreelancerID string             `json:"freelancerId,omitempty"`
	Milestones   []milestonePayload `json:"milestones"`
}

type createEscrowRequest struct {
	MilestoneAmounts []string `json:"milestoneAmounts,omitempty"`
}

type fundRequest struct {
	Amount string `json:"amount"`
}

type submitRequest struct {
	Deliverable string `json:"deliverable"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "malformed_request", err.Error())
		return
	}
	clientID, err := uuid.Parse(req.ClientID)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "malformed_request", "clientId must be a uuid")
		return
	}
	var freelancerID *uuid.UUID
	if req.FreelancerID != "" {
		id, err := uuid.Parse(req.FreelancerID)
		if err != nil {
			writeErrorCode(w, http.StatusBadRequest, "malformed_request", "freelancerId must be a uuid")
			return
		}
		freelancerID = &id
	}
	inputs := make([]coordinator.MilestoneInput, 0, len(req.Milestones))
	for i, m := range req.Milestones {
		amount, ok := new(big.Int).SetString(m.Amount, 10)
		if !ok {
			writeErrorCode(w, http.StatusBadRequest, "malformed_request", "milestone "+strconv.Itoa(i)+" amount must be a base-10 integer")
			return
		}
		inputs = append(inputs, coordinator.MilestoneInput{
			Title:       m.Title,
			Description: m.Description,
			Amount:      amount,
		})
	}
	project, err := s.coord.CreateProject(r.Context(), clientID, freelancerID, inputs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, renderProject(project))
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := parseProjectID(w, r)
	if !ok {
		return
	}
	project, err := s.coord.GetProject(r.Context(), projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderProject(project))
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	projectID, ok := parseProjectID(w, r)
	if !ok {
		return
	}
	actor, ok := parseActor(w, r)
	if !ok {
		return
	}
	var req createEscrowRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorCode(w, http.StatusBadRequest, "malformed_request", err.Error())
			return
		}
	}
	amounts := make([]*big.Int, 0, len(req.MilestoneAmounts))
	for i, raw := range req.MilestoneAmounts {
		amount, parsed := new(big.Int).SetString(raw, 10)
		if !parsed {
			writeErrorCode(w, http.StatusBadRequest, "malformed_request", "milestoneAmounts["+strconv.Itoa(i)+"] must be a base-10 integer")
			return
		}
		amounts = append(amounts, amount)
	}
	project, err := s.coord.CreateEscrow(r.Context(), projectID, actor, amounts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderProject(project))
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	projectID, ok := parseProjectID(w, r)
	if !ok {
		return
	}
	actor, ok := parseActor(w, r)
	if !ok {
		return
	}
	var req fundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "malformed_request", err.Error())
		return
	}
	amount, parsed := new(big.Int).SetString(req.Amount, 10)
	if !parsed {
		writeErrorCode(w, http.StatusBadRequest, "malformed_request", "amount must be a base-10 integer")
		return
	}
	project, err := s.coord.Fund(r.Context(), projectID, actor, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderProject(project))
}

func (s *Server) handleSubmitMilestone(w http.ResponseWriter, r *http.Request) {
	projectID, index, actor, ok := parseMilestoneRequest(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "malformed_request", err.Error())
		return
	}
	project, err := s.coord.SubmitMilestone(r.Context(), projectID, index, actor, req.Deliverable)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderProject(project))
}

func (s *Server) handleApproveMilestone(w http.ResponseWriter, r *http.Request) {
	projectID, index, actor, ok := parseMilestoneRequest(w, r)
	if !ok {
		return
	}
	project, err := s.coord.ApproveMilestone(r.Context(), projectID, index, actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderProject(project))
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	projectID, ok := parseProjectID(w, r)
	if !ok {
		return
	}
	entries := make([]audit.Entry, 0, 16)
	for entry, err := range s.recorder.ListFor(r.Context(), projectID) {
		if err != nil {
			s.writeError(w, err)
			return
		}
		entries = append(entries, entry)
	}
	writeJSON(w, http.StatusOK, renderEntries(entries))
}

func (s *Server) handleListPendingAudit(w http.ResponseWriter, r *http.Request) {
	olderThan := 15 * time.Minute
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil || dur < 0 {
			writeErrorCode(w, http.StatusBadRequest, "malformed_request", "older_than must be a duration such as 15m")
			return
		}
		olderThan = dur
	}
	entries, err := s.recorder.ListPendingBefore(r.Context(), time.Now().UTC().Add(-olderThan))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderEntries(entries))
}

func parseProjectID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "malformed_request", "project id must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

func parseActor(w http.ResponseWriter, r *http.Request) (coordinator.Actor, bool) {
	role := escrow.Role(r.Header.Get(headerActorRole))
	if !role.Valid() {
		writeErrorCode(w, http.StatusBadRequest, "malformed_request", headerActorRole+" must be client or freelancer")
		return coordinator.Actor{}, false
	}
	id, err := uuid.Parse(r.Header.Get(headerActorID))
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "malformed_request", headerActorID+" must be a uuid")
		return coordinator.Actor{}, false
	}
	return coordinator.Actor{ID: id, Role: role}, true
}

func parseMilestoneRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, int, coordinator.Actor, bool) {
	projectID, ok := parseProjectID(w, r)
	if !ok {
		return uuid.Nil, 0, coordinator.Actor{}, false
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		writeErrorCode(w, http.StatusBadRequest, "malformed_request", "milestone index must be a non-negative integer")
		return uuid.Nil, 0, coordinator.Actor{}, false
	}
	actor, ok := parseActor(w, r)
	if !ok {
		return uuid.Nil, 0, coordinator.Actor{}, false
	}
	return projectID, index, actor, true
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	EntryID string `json:"entryId,omitempty"`
	TxRef   string `json:"txRef,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// writeError maps coordinator errors onto the HTTP surface. The
// reconciliation-required outcome keeps its own code so calling UIs can
// distinguish "try again" from "this needs investigation".
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var recon *coordinator.ReconciliationRequiredError
	switch {
	case errors.As(err, &recon):
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errorBody{
			Code:    "reconciliation_required",
			Message: recon.Error(),
			EntryID: recon.EntryID.String(),
			TxRef:   recon.TxRef,
		}})
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, coordinator.ErrMilestoneNotFound):
		writeErrorCode(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, audit.ErrEntryNotFound):
		writeErrorCode(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, escrow.ErrInvalidTransition):
		writeErrorCode(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, escrow.ErrRoleMismatch), errors.Is(err, coordinator.ErrActorMismatch):
		writeErrorCode(w, http.StatusForbidden, "role_mismatch", err.Error())
	case errors.Is(err, escrow.ErrMissingDeliverable):
		writeErrorCode(w, http.StatusBadRequest, "missing_deliverable", err.Error())
	case errors.Is(err, escrow.ErrAmountMismatch):
		writeErrorCode(w, http.StatusBadRequest, "amount_mismatch", err.Error())
	case errors.Is(err, escrow.ErrFreelancerUnassigned):
		writeErrorCode(w, http.StatusConflict, "freelancer_unassigned", err.Error())
	case errors.Is(err, coordinator.ErrEscrowExists), errors.Is(err, coordinator.ErrEscrowNotReady):
		writeErrorCode(w, http.StatusConflict, "escrow_state", err.Error())
	case errors.Is(err, escrow.ErrInvalidProject), errors.Is(err, escrow.ErrInvalidMilestone):
		writeErrorCode(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeErrorCode(w, http.StatusPaymentRequired, "insufficient_funds", err.Error())
	case errors.Is(err, ledger.ErrNotFunded):
		writeErrorCode(w, http.StatusConflict, "not_funded", err.Error())
	case errors.Is(err, ledger.ErrRejected):
		writeErrorCode(w, http.StatusBadRequest, "ledger_rejected", err.Error())
	case errors.Is(err, ledger.ErrUnavailable):
		writeErrorCode(w, http.StatusServiceUnavailable, "ledger_unavailable", err.Error())
	case errors.Is(err, storage.ErrConflict):
		writeErrorCode(w, http.StatusConflict, "conflict", err.Error())
	default:
		s.logger.Error("unhandled request error", "error", err)
		writeErrorCode(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
