/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY AND MONTHS:
  Amounts travel as strings ("120.00") so clients never touch floats.
  Competence months travel as "YYYY-MM" labels.

VALIDATION:
  Validation is done in the domain services, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - recurrence/types.go: Domain model these map from
*/
package api

import (
	"time"

	"github.com/warp/recurrence-engine/ledger"
	"github.com/warp/recurrence-engine/recurrence"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// ParticipantDTO represents one of the two household participants.
type ParticipantDTO struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Active      bool   `json:"active"`
}

// RecurrenceDTO represents a recurrence rule in API responses.
type RecurrenceDTO struct {
	ID                  string                 `json:"id"`
	Description         string                 `json:"description"`
	Amount              string                 `json:"amount"`
	PayerID             string                 `json:"payer_participant_id"`
	RequestedBy         string                 `json:"requested_by_participant_id"`
	SplitConfig         map[string]any         `json:"split_config"`
	ReferenceDay        int                    `json:"reference_day"`
	StartMonth          string                 `json:"start_competence_month"`
	EndMonth            *string                `json:"end_competence_month,omitempty"`
	Status              string                 `json:"status"`
	FirstGeneratedMonth *string                `json:"first_generated_month,omitempty"`
	LastGeneratedMonth  *string                `json:"last_generated_month,omitempty"`
	NextMonth           string                 `json:"next_competence_month"`
	Version             int                    `json:"version"`
	CreatedAt           string                 `json:"created_at,omitempty"`
	UpdatedAt           string                 `json:"updated_at,omitempty"`
}

// CreateRecurrenceRequest is the request to create a recurrence rule.
type CreateRecurrenceRequest struct {
	Description  string         `json:"description"`
	Amount       string         `json:"amount"`
	PayerID      string         `json:"payer_participant_id"`
	RequestedBy  string         `json:"requested_by_participant_id"`
	SplitConfig  map[string]any `json:"split_config"`
	ReferenceDay int            `json:"reference_day"`
	StartMonth   string         `json:"start_competence_month"`
	EndMonth     *string        `json:"end_competence_month,omitempty"`
}

// UpdateRecurrenceRequest updates only the fields present in the body.
type UpdateRecurrenceRequest struct {
	RequestedBy   string         `json:"requested_by_participant_id"`
	Description   *string        `json:"description,omitempty"`
	Amount        *string        `json:"amount,omitempty"`
	PayerID       *string        `json:"payer_participant_id,omitempty"`
	SplitConfig   map[string]any `json:"split_config,omitempty"`
	ReferenceDay  *int           `json:"reference_day,omitempty"`
	StartMonth    *string        `json:"start_competence_month,omitempty"`
	EndMonth      *string        `json:"end_competence_month,omitempty"`
	ClearEndMonth bool           `json:"clear_end_month,omitempty"`
}

// PauseRecurrenceRequest suspends a rule with an optional reason.
type PauseRecurrenceRequest struct {
	RequestedBy string `json:"requested_by_participant_id"`
	Reason      string `json:"reason,omitempty"`
}

// ActorRequest carries only the acting participant (reactivate).
type ActorRequest struct {
	RequestedBy string `json:"requested_by_participant_id"`
}

// EndRecurrenceRequest ends a rule, optionally rewriting its end month.
type EndRecurrenceRequest struct {
	RequestedBy string  `json:"requested_by_participant_id"`
	EndMonth    *string `json:"end_competence_month,omitempty"`
}

// OccurrenceDTO represents one per-month generation slot.
type OccurrenceDTO struct {
	ID              string  `json:"id"`
	RecurrenceID    string  `json:"recurrence_id"`
	CompetenceMonth string  `json:"competence_month"`
	ScheduledDate   string  `json:"scheduled_date"`
	Status          string  `json:"status"`
	MovementID      *string `json:"movement_id,omitempty"`
	BlockedCode     string  `json:"blocked_reason_code,omitempty"`
	BlockedMessage  string  `json:"blocked_reason_message,omitempty"`
	FailureReason   string  `json:"failure_reason,omitempty"`
	AttemptCount    int     `json:"attempt_count"`
	ProcessedAt     *string `json:"processed_at,omitempty"`
}

// EventDTO represents one audit log entry.
type EventDTO struct {
	ID           string         `json:"id"`
	RecurrenceID string         `json:"recurrence_id"`
	OccurrenceID *string        `json:"occurrence_id,omitempty"`
	Type         string         `json:"event_type"`
	ActorID      *string        `json:"actor_participant_id,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	CreatedAt    string         `json:"created_at"`
}

// GenerateRequest triggers generation for one competence month.
type GenerateRequest struct {
	CompetenceMonth       string  `json:"competence_month"`
	RequestedBy           *string `json:"requested_by_participant_id,omitempty"`
	DryRun                bool    `json:"dry_run,omitempty"`
	IncludeBlockedDetails bool    `json:"include_blocked_details,omitempty"`
}

// GenerateResponse summarizes one generation run.
type GenerateResponse struct {
	CompetenceMonth string                   `json:"competence_month"`
	ProcessedRules  int                      `json:"processed_rules"`
	Generated       int                      `json:"generated_count"`
	Ignored         int                      `json:"ignored_count"`
	Blocked         int                      `json:"blocked_count"`
	Failed          int                      `json:"failed_count"`
	BlockedItems    []recurrence.BlockedItem `json:"blocked_items,omitempty"`
}

// MovementDTO represents one financial movement in the shared ledger.
type MovementDTO struct {
	ID                 string  `json:"id"`
	Type               string  `json:"movement_type"`
	Amount             string  `json:"amount"`
	Description        string  `json:"description"`
	OccurredAt         string  `json:"occurred_at"`
	CompetenceMonth    string  `json:"competence_month"`
	PayerID            string  `json:"payer_participant_id"`
	RequestedBy        string  `json:"requested_by_participant_id"`
	ExternalRef        string  `json:"external_id,omitempty"`
	OriginalPurchaseID *string `json:"original_purchase_id,omitempty"`
	CreatedAt          string  `json:"created_at,omitempty"`
}

// CreateMovementRequest records a purchase or refund.
type CreateMovementRequest struct {
	Type                string  `json:"movement_type"`
	Amount              string  `json:"amount"`
	Description         string  `json:"description"`
	RequestedBy         string  `json:"requested_by_participant_id"`
	PayerID             *string `json:"payer_participant_id,omitempty"`
	OccurredAt          *string `json:"occurred_at,omitempty"` // RFC3339
	ExternalRef         string  `json:"external_id,omitempty"`
	OriginalPurchaseID  *string `json:"original_purchase_id,omitempty"`
	OriginalPurchaseRef string  `json:"original_purchase_external_id,omitempty"`
}

// BalanceDTO represents one participant's position in a monthly summary.
type BalanceDTO struct {
	ParticipantID string `json:"participant_id"`
	Paid          string `json:"paid"`
	Share         string `json:"share"`
	Balance       string `json:"balance"`
}

// SummaryDTO is the monthly ledger summary with the equal split applied.
type SummaryDTO struct {
	CompetenceMonth string       `json:"competence_month"`
	GrossTotal      string       `json:"gross_total"`
	RefundTotal     string       `json:"refund_total"`
	NetTotal        string       `json:"net_total"`
	Participants    []BalanceDTO `json:"participants"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a demo scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ListResponse wraps a page of items with the unpaged total.
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toRecurrenceDTO(rule *recurrence.RecurrenceRule) RecurrenceDTO {
	return RecurrenceDTO{
		ID:                  string(rule.ID),
		Description:         rule.Description,
		Amount:              recurrence.FormatMoney(rule.Amount),
		PayerID:             string(rule.PayerID),
		RequestedBy:         string(rule.RequesterID),
		SplitConfig:         rule.SplitConfig,
		ReferenceDay:        rule.ReferenceDay,
		StartMonth:          rule.StartMonth.String(),
		EndMonth:            monthLabel(rule.EndMonth),
		Status:              string(rule.Status),
		FirstGeneratedMonth: monthLabel(rule.FirstGeneratedMonth),
		LastGeneratedMonth:  monthLabel(rule.LastGeneratedMonth),
		NextMonth:           rule.NextMonth.String(),
		Version:             rule.Version,
		CreatedAt:           rule.CreatedAt.Format(time.RFC3339),
		UpdatedAt:           rule.UpdatedAt.Format(time.RFC3339),
	}
}

func toRecurrenceDTOs(rules []*recurrence.RecurrenceRule) []RecurrenceDTO {
	dtos := make([]RecurrenceDTO, len(rules))
	for i, rule := range rules {
		dtos[i] = toRecurrenceDTO(rule)
	}
	return dtos
}

func toOccurrenceDTO(occ *recurrence.Occurrence) OccurrenceDTO {
	dto := OccurrenceDTO{
		ID:              string(occ.ID),
		RecurrenceID:    string(occ.RuleID),
		CompetenceMonth: occ.CompetenceMonth.String(),
		ScheduledDate:   occ.ScheduledDate.Format("2006-01-02"),
		Status:          string(occ.Status),
		BlockedCode:     occ.BlockedCode,
		BlockedMessage:  occ.BlockedMessage,
		FailureReason:   occ.FailureReason,
		AttemptCount:    occ.AttemptCount,
	}
	if occ.MovementID != nil {
		id := string(*occ.MovementID)
		dto.MovementID = &id
	}
	if occ.ProcessedAt != nil {
		at := occ.ProcessedAt.Format(time.RFC3339)
		dto.ProcessedAt = &at
	}
	return dto
}

func toEventDTO(event *recurrence.Event) EventDTO {
	dto := EventDTO{
		ID:           string(event.ID),
		RecurrenceID: string(event.RuleID),
		Type:         string(event.Type),
		Payload:      event.Payload,
		CreatedAt:    event.CreatedAt.Format(time.RFC3339),
	}
	if event.OccurrenceID != nil {
		id := string(*event.OccurrenceID)
		dto.OccurrenceID = &id
	}
	if event.ActorID != nil {
		id := string(*event.ActorID)
		dto.ActorID = &id
	}
	return dto
}

func toMovementDTO(movement *ledger.Movement) MovementDTO {
	dto := MovementDTO{
		ID:              string(movement.ID),
		Type:            string(movement.Type),
		Amount:          recurrence.FormatMoney(movement.Amount),
		Description:     movement.Description,
		OccurredAt:      movement.OccurredAt.Format(time.RFC3339),
		CompetenceMonth: movement.CompetenceMonth.String(),
		PayerID:         string(movement.PayerID),
		RequestedBy:     string(movement.RequesterID),
		ExternalRef:     movement.ExternalRef,
		CreatedAt:       movement.CreatedAt.Format(time.RFC3339),
	}
	if movement.OriginalPurchaseID != nil {
		id := string(*movement.OriginalPurchaseID)
		dto.OriginalPurchaseID = &id
	}
	return dto
}

func toMovementDTOs(movements []*ledger.Movement) []MovementDTO {
	dtos := make([]MovementDTO, len(movements))
	for i, movement := range movements {
		dtos[i] = toMovementDTO(movement)
	}
	return dtos
}

func toSummaryDTO(summary *ledger.MonthlySummary) SummaryDTO {
	dto := SummaryDTO{
		CompetenceMonth: summary.CompetenceMonth.String(),
		GrossTotal:      recurrence.FormatMoney(summary.GrossTotal),
		RefundTotal:     recurrence.FormatMoney(summary.RefundTotal),
		NetTotal:        recurrence.FormatMoney(summary.NetTotal),
	}
	for _, b := range summary.Participants {
		dto.Participants = append(dto.Participants, BalanceDTO{
			ParticipantID: string(b.ParticipantID),
			Paid:          recurrence.FormatMoney(b.Paid),
			Share:         recurrence.FormatMoney(b.Share),
			Balance:       recurrence.FormatMoney(b.Balance),
		})
	}
	return dto
}

func monthLabel(m *recurrence.Month) *string {
	if m == nil {
		return nil
	}
	label := m.String()
	return &label
}
