/*
handlers.go - HTTP API handlers for the recurrence engine

PURPOSE:
  Exposes the recurrence engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Recurrences:
    GET    /api/recurrences                    List rules (status/month filters)
    POST   /api/recurrences                    Create rule
    GET    /api/recurrences/{id}               Get rule
    PATCH  /api/recurrences/{id}               Field-granular update
    POST   /api/recurrences/{id}/pause         Pause
    POST   /api/recurrences/{id}/reactivate    Reactivate
    POST   /api/recurrences/{id}/end           End (terminal)
    GET    /api/recurrences/{id}/occurrences   Per-month generation history
    GET    /api/recurrences/{id}/events        Audit trail
    POST   /api/recurrences/generate           Generate one competence month

  Ledger:
    GET    /api/movements                      List movements
    POST   /api/movements                      Record purchase/refund
    GET    /api/movements/{id}                 Get movement
    GET    /api/movements/summary              Monthly summary with split

  Participants:
    GET    /api/participants                   The two household members

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (duplicate external reference)
  - 500: Internal errors
  The body carries a stable machine-readable code from recurrence.ErrorCode.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scheduler.go: Background generation ticker
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/recurrence-engine/ledger"
	"github.com/warp/recurrence-engine/recurrence"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Rules        *recurrence.RuleService
	Occurrences  recurrence.OccurrenceStore
	Generator    *recurrence.Generator
	Ledger       *ledger.Service
	Participants recurrence.ParticipantDirectory

	log zerolog.Logger

	// Track currently loaded demo scenario
	currentScenario string
}

// NewHandler creates a handler over the domain services.
func NewHandler(
	rules *recurrence.RuleService,
	occurrences recurrence.OccurrenceStore,
	generator *recurrence.Generator,
	movements *ledger.Service,
	participants recurrence.ParticipantDirectory,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		Rules:        rules,
		Occurrences:  occurrences,
		Generator:    generator,
		Ledger:       movements,
		Participants: participants,
		log:          log.With().Str("component", "api").Logger(),
	}
}

// =============================================================================
// PARTICIPANT HANDLERS
// =============================================================================

// ListParticipants returns the active household members.
func (h *Handler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	participants, err := h.Participants.ListActiveParticipants(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list participants", err)
		return
	}

	dtos := make([]ParticipantDTO, len(participants))
	for i, p := range participants {
		dtos[i] = ParticipantDTO{ID: string(p.ID), DisplayName: p.DisplayName, Active: p.Active}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// RECURRENCE HANDLERS
// =============================================================================

// CreateRecurrence creates an active monthly rule.
func (h *Handler) CreateRecurrence(w http.ResponseWriter, r *http.Request) {
	var req CreateRecurrenceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "")
		return
	}

	startMonth, err := recurrence.ParseMonth(req.StartMonth)
	if err != nil {
		h.writeDomainError(w, "Invalid start_competence_month (use YYYY-MM)", err)
		return
	}
	endMonth, err := optionalMonth(req.EndMonth)
	if err != nil {
		h.writeDomainError(w, "Invalid end_competence_month (use YYYY-MM)", err)
		return
	}

	rule, err := h.Rules.Create(r.Context(), recurrence.CreateRuleInput{
		Description:  req.Description,
		Amount:       req.Amount,
		PayerID:      recurrence.ParticipantID(req.PayerID),
		RequesterID:  recurrence.ParticipantID(req.RequestedBy),
		SplitConfig:  req.SplitConfig,
		ReferenceDay: req.ReferenceDay,
		StartMonth:   startMonth,
		EndMonth:     endMonth,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to create recurrence", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecurrenceDTO(rule))
}

// ListRecurrences returns a page of rules, optionally filtered by status
// and by a competence month the rule window must cover.
func (h *Handler) ListRecurrences(w http.ResponseWriter, r *http.Request) {
	var filter recurrence.RuleListFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := recurrence.RuleStatus(raw)
		filter.Status = &status
	}
	if raw := r.URL.Query().Get("competence_month"); raw != "" {
		month, err := recurrence.ParseMonth(raw)
		if err != nil {
			h.writeDomainError(w, "Invalid competence_month (use YYYY-MM)", err)
			return
		}
		filter.CompetenceMonth = &month
	}
	filter.Limit = queryInt(r, "limit", 50)
	filter.Offset = queryInt(r, "offset", 0)

	rules, total, err := h.Rules.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, "Failed to list recurrences", err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse[RecurrenceDTO]{
		Items: toRecurrenceDTOs(rules),
		Total: total,
	})
}

// GetRecurrence returns a single rule.
func (h *Handler) GetRecurrence(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Rules.Get(r.Context(), recurrence.RuleID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get recurrence", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecurrenceDTO(rule))
}

// UpdateRecurrence applies a field-granular update.
func (h *Handler) UpdateRecurrence(w http.ResponseWriter, r *http.Request) {
	var req UpdateRecurrenceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "")
		return
	}

	startMonth, err := optionalMonth(req.StartMonth)
	if err != nil {
		h.writeDomainError(w, "Invalid start_competence_month (use YYYY-MM)", err)
		return
	}
	endMonth, err := optionalMonth(req.EndMonth)
	if err != nil {
		h.writeDomainError(w, "Invalid end_competence_month (use YYYY-MM)", err)
		return
	}

	input := recurrence.UpdateRuleInput{
		RuleID:        recurrence.RuleID(chi.URLParam(r, "id")),
		RequesterID:   recurrence.ParticipantID(req.RequestedBy),
		Description:   req.Description,
		Amount:        req.Amount,
		SplitConfig:   req.SplitConfig,
		ReferenceDay:  req.ReferenceDay,
		StartMonth:    startMonth,
		EndMonth:      endMonth,
		ClearEndMonth: req.ClearEndMonth,
	}
	if req.PayerID != nil {
		payer := recurrence.ParticipantID(*req.PayerID)
		input.PayerID = &payer
	}

	rule, err := h.Rules.Update(r.Context(), input)
	if err != nil {
		h.writeDomainError(w, "Failed to update recurrence", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecurrenceDTO(rule))
}

// PauseRecurrence suspends an active rule.
func (h *Handler) PauseRecurrence(w http.ResponseWriter, r *http.Request) {
	var req PauseRecurrenceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "")
		return
	}

	rule, err := h.Rules.Pause(r.Context(),
		recurrence.RuleID(chi.URLParam(r, "id")),
		recurrence.ParticipantID(req.RequestedBy),
		req.Reason)
	if err != nil {
		h.writeDomainError(w, "Failed to pause recurrence", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecurrenceDTO(rule))
}

// ReactivateRecurrence resumes a paused rule.
func (h *Handler) ReactivateRecurrence(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "")
		return
	}

	rule, err := h.Rules.Reactivate(r.Context(),
		recurrence.RuleID(chi.URLParam(r, "id")),
		recurrence.ParticipantID(req.RequestedBy))
	if err != nil {
		h.writeDomainError(w, "Failed to reactivate recurrence", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecurrenceDTO(rule))
}

// EndRecurrence terminates a rule.
func (h *Handler) EndRecurrence(w http.ResponseWriter, r *http.Request) {
	var req EndRecurrenceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "")
		return
	}

	endMonth, err := optionalMonth(req.EndMonth)
	if err != nil {
		h.writeDomainError(w, "Invalid end_competence_month (use YYYY-MM)", err)
		return
	}

	rule, err := h.Rules.End(r.Context(), recurrence.EndRuleInput{
		RuleID:      recurrence.RuleID(chi.URLParam(r, "id")),
		RequesterID: recurrence.ParticipantID(req.RequestedBy),
		EndMonth:    endMonth,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to end recurrence", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecurrenceDTO(rule))
}

// ListRecurrenceOccurrences returns the per-month generation history.
func (h *Handler) ListRecurrenceOccurrences(w http.ResponseWriter, r *http.Request) {
	id := recurrence.RuleID(chi.URLParam(r, "id"))
	if _, err := h.Rules.Get(r.Context(), id); err != nil {
		h.writeDomainError(w, "Failed to get recurrence", err)
		return
	}

	occurrences, err := h.Occurrences.ListOccurrences(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to list occurrences", err)
		return
	}

	dtos := make([]OccurrenceDTO, len(occurrences))
	for i, occ := range occurrences {
		dtos[i] = toOccurrenceDTO(occ)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListRecurrenceEvents returns the audit trail, oldest first.
func (h *Handler) ListRecurrenceEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Rules.Events(r.Context(), recurrence.RuleID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to list events", err)
		return
	}

	dtos := make([]EventDTO, len(events))
	for i, event := range events {
		dtos[i] = toEventDTO(event)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// GENERATION HANDLER
// =============================================================================

// GenerateMonth runs generation for one competence month. Safe to repeat:
// already generated months are counted as ignored.
func (h *Handler) GenerateMonth(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "")
		return
	}

	month, err := recurrence.ParseMonth(req.CompetenceMonth)
	if err != nil {
		h.writeDomainError(w, "Invalid competence_month (use YYYY-MM)", err)
		return
	}

	input := recurrence.GenerateInput{
		CompetenceMonth:       month,
		DryRun:                req.DryRun,
		IncludeBlockedDetails: req.IncludeBlockedDetails,
	}
	if req.RequestedBy != nil {
		actor := recurrence.ParticipantID(*req.RequestedBy)
		input.RequestedBy = &actor
	}

	result, err := h.Generator.GenerateForMonth(r.Context(), input)
	if err != nil {
		h.writeDomainError(w, "Generation run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, GenerateResponse{
		CompetenceMonth: result.CompetenceMonth.String(),
		ProcessedRules:  result.ProcessedRules,
		Generated:       result.GeneratedCount,
		Ignored:         result.IgnoredCount,
		Blocked:         result.BlockedCount,
		Failed:          result.FailedCount,
		BlockedItems:    result.BlockedItems,
	})
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// CreateMovement records a purchase or refund in the shared ledger.
func (h *Handler) CreateMovement(w http.ResponseWriter, r *http.Request) {
	var req CreateMovementRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "")
		return
	}

	input := ledger.CreateMovementInput{
		Type:                ledger.MovementType(req.Type),
		Amount:              req.Amount,
		Description:         req.Description,
		RequesterID:         recurrence.ParticipantID(req.RequestedBy),
		ExternalRef:         req.ExternalRef,
		OriginalPurchaseRef: req.OriginalPurchaseRef,
	}
	if req.PayerID != nil {
		payer := recurrence.ParticipantID(*req.PayerID)
		input.PayerID = &payer
	}
	if req.OccurredAt != nil {
		occurredAt, err := time.Parse(time.RFC3339, *req.OccurredAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid occurred_at (use RFC3339)", "")
			return
		}
		input.OccurredAt = &occurredAt
	}
	if req.OriginalPurchaseID != nil {
		id := recurrence.MovementID(*req.OriginalPurchaseID)
		input.OriginalPurchaseID = &id
	}

	movement, err := h.Ledger.CreateMovement(r.Context(), input)
	if err != nil {
		h.writeDomainError(w, "Failed to create movement", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMovementDTO(movement))
}

// GetMovement returns a single movement.
func (h *Handler) GetMovement(w http.ResponseWriter, r *http.Request) {
	movement, err := h.Ledger.GetMovement(r.Context(), recurrence.MovementID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get movement", err)
		return
	}
	writeJSON(w, http.StatusOK, toMovementDTO(movement))
}

// ListMovements returns a page of movements, newest first.
func (h *Handler) ListMovements(w http.ResponseWriter, r *http.Request) {
	var filter ledger.ListFilter
	if raw := r.URL.Query().Get("competence_month"); raw != "" {
		month, err := recurrence.ParseMonth(raw)
		if err != nil {
			h.writeDomainError(w, "Invalid competence_month (use YYYY-MM)", err)
			return
		}
		filter.CompetenceMonth = &month
	}
	if raw := r.URL.Query().Get("movement_type"); raw != "" {
		movementType := ledger.MovementType(raw)
		filter.Type = &movementType
	}
	if raw := r.URL.Query().Get("participant_id"); raw != "" {
		participant := recurrence.ParticipantID(raw)
		filter.ParticipantID = &participant
	}
	if raw := r.URL.Query().Get("external_id"); raw != "" {
		filter.ExternalRef = &raw
	}
	filter.Limit = queryInt(r, "limit", 50)
	filter.Offset = queryInt(r, "offset", 0)

	movements, total, err := h.Ledger.ListMovements(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, "Failed to list movements", err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse[MovementDTO]{
		Items: toMovementDTOs(movements),
		Total: total,
	})
}

// GetMonthlySummary returns the monthly totals and per-participant split.
func (h *Handler) GetMonthlySummary(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("competence_month")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "competence_month query parameter is required", "")
		return
	}
	month, err := recurrence.ParseMonth(raw)
	if err != nil {
		h.writeDomainError(w, "Invalid competence_month (use YYYY-MM)", err)
		return
	}

	summary, err := h.Ledger.MonthlySummary(r.Context(), month)
	if err != nil {
		h.writeDomainError(w, "Failed to build summary", err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(summary))
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func decodeBody(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return errors.New("empty request body")
	}
	return err
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func optionalMonth(label *string) (*recurrence.Month, error) {
	if label == nil || *label == "" {
		return nil, nil
	}
	month, err := recurrence.ParseMonth(*label)
	if err != nil {
		return nil, err
	}
	return &month, nil
}

// writeDomainError maps a domain error onto an HTTP status and a stable code.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case recurrence.IsNotFound(err):
		status = http.StatusNotFound
	case recurrence.IsConflict(err):
		status = http.StatusConflict
	case recurrence.IsClientError(err) ||
		errors.Is(err, ledger.ErrRefundLimitExceeded) ||
		errors.Is(err, ledger.ErrMissingPurchaseRef) ||
		errors.Is(err, ledger.ErrInvalidMovementType):
		status = http.StatusBadRequest
	}

	code := recurrence.ErrorCode(err)
	if code == "" {
		switch {
		case errors.Is(err, ledger.ErrRefundLimitExceeded):
			code = "refund_limit_exceeded"
		case errors.Is(err, ledger.ErrMissingPurchaseRef):
			code = "missing_purchase_reference"
		case errors.Is(err, ledger.ErrInvalidMovementType):
			code = "invalid_movement_type"
		}
	}

	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg(message)
	}
	writeError(w, status, message+": "+err.Error(), code)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
