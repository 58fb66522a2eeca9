/*
generator.go - The generation orchestrator

PURPOSE:
  Materializes recurrence rules into financial movements for one competence
  month. The orchestrator is a per-rule state machine: for each eligible
  rule it decides ignore / generate / block / fail, coordinates the
  occurrence store, rule cursor and ledger, and leaves an audit event.

STATE MACHINE (one rule, one month, across repeated invocations):

  (none) --create pending--> pending --[block check fails]--> blocked
                             pending --[movement created]---> generated
                             pending --[movement missing]---> failed
  failed --next run for the month--> generated (or failed again)
  failed --administrative reset--> pending
  generated: terminal; short-circuits every later call via the ignore path

IDEMPOTENCE:
  Invoking generation for the same month any number of times, concurrently
  or sequentially, produces exactly one generated movement per eligible
  rule. Three layers guarantee it:
  1. the unique (rule, month) occurrence row (insert-or-fetch),
  2. the already-generated ignore fast path,
  3. the deterministic external reference looked up before creating the
     movement, which also resumes a run that crashed between creating the
     movement and marking the occurrence generated.

FAILURE ISOLATION:
  Each rule is processed independently; an error in one rule marks its
  occurrence failed (best effort), counts it, and the batch moves on. Only
  a failure to list eligible rules aborts the invocation.

SEE ALSO:
  - stores.go: the claiming and idempotency contracts this relies on
  - schedule.go: scheduled-date clamping
*/
package recurrence

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// =============================================================================
// BLOCK CHECKS - Pluggable business gates evaluated before generation
// =============================================================================

// BlockedReason is the machine-readable outcome of a failed block check.
type BlockedReason struct {
	Code    string
	Message string
}

// BlockCheck inspects a rule and returns a reason to block generation, or
// nil to let it proceed. Checks run in order; the first non-nil reason wins.
type BlockCheck func(rule *RecurrenceRule) *BlockedReason

// BlockCodeInvalidSplitConfig marks rules whose split mode is no longer
// supported for generation.
const BlockCodeInvalidSplitConfig = "INVALID_SPLIT_CONFIG"

func checkEqualSplit(rule *RecurrenceRule) *BlockedReason {
	if rule.SplitConfig.IsEqual() {
		return nil
	}
	return &BlockedReason{
		Code: BlockCodeInvalidSplitConfig,
		Message: "Cause: split_config.mode is not supported for recurrence generation. " +
			"Action: Update recurrence split_config.mode to equal and retry.",
	}
}

// DefaultBlockChecks returns the standard gate list.
func DefaultBlockChecks() []BlockCheck {
	return []BlockCheck{checkEqualSplit}
}

// =============================================================================
// GENERATION REQUEST / RESULT
// =============================================================================

// GenerateInput parameterizes one generation invocation.
type GenerateInput struct {
	CompetenceMonth Month

	// RequestedBy is recorded as the actor on emitted events.
	RequestedBy *ParticipantID

	// IncludeBlockedDetails adds per-rule blocked reasons to the result.
	IncludeBlockedDetails bool

	// DryRun evaluates every rule without creating movements or advancing
	// cursors; generatable rules are counted as ignored. Block checks still
	// run for real, marking and auditing blocked occurrences.
	DryRun bool
}

// BlockedItem describes one blocked rule in a generation result.
type BlockedItem struct {
	RuleID  RuleID `json:"recurrence_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// GenerateResult aggregates per-rule outcomes of one invocation. Callers
// drain a backlog by repeating the call until ProcessedRules is zero.
type GenerateResult struct {
	CompetenceMonth Month
	ProcessedRules  int
	GeneratedCount  int
	IgnoredCount    int
	BlockedCount    int
	FailedCount     int
	BlockedItems    []BlockedItem
}

// =============================================================================
// GENERATOR
// =============================================================================

// Generator coordinates recurrence generation for competence months.
type Generator struct {
	rules       RuleStore
	occurrences OccurrenceStore
	events      EventLog
	ledger      Ledger
	checks      []BlockCheck
	batchLimit  int
	log         zerolog.Logger
	now         func() time.Time
}

// GeneratorOption customizes a Generator.
type GeneratorOption func(*Generator)

// WithBlockChecks replaces the default block check list.
func WithBlockChecks(checks []BlockCheck) GeneratorOption {
	return func(g *Generator) { g.checks = checks }
}

// WithBatchLimit bounds how many rules one invocation claims. This bounds
// claim hold time; callers repeat the call to drain a large backlog.
func WithBatchLimit(limit int) GeneratorOption {
	return func(g *Generator) {
		if limit > 0 {
			g.batchLimit = limit
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) { g.now = now }
}

const defaultBatchLimit = 100

// NewGenerator wires a Generator over its collaborators.
func NewGenerator(rules RuleStore, occurrences OccurrenceStore, events EventLog, ledger Ledger, log zerolog.Logger, opts ...GeneratorOption) *Generator {
	g := &Generator{
		rules:       rules,
		occurrences: occurrences,
		events:      events,
		ledger:      ledger,
		checks:      DefaultBlockChecks(),
		batchLimit:  defaultBatchLimit,
		log:         log,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ExternalRef builds the deterministic idempotency key linking a (rule,
// month) pair to its ledger movement.
func ExternalRef(ruleID RuleID, month Month) string {
	return fmt.Sprintf("recurrence:%s:%s", ruleID, month)
}

// GenerateForMonth runs one bounded generation batch for the target month.
// Only a failure to list eligible rules aborts the whole invocation; any
// error inside one rule is contained there.
func (g *Generator) GenerateForMonth(ctx context.Context, input GenerateInput) (*GenerateResult, error) {
	month := input.CompetenceMonth
	result := &GenerateResult{CompetenceMonth: month}

	eligible, err := g.rules.ListEligibleForGeneration(ctx, month, g.batchLimit)
	if err != nil {
		return nil, fmt.Errorf("listing eligible rules for %s: %w", month, err)
	}

	for _, rule := range eligible {
		result.ProcessedRules++

		outcome, blocked, err := g.processRule(ctx, rule, input)
		if releaseErr := g.rules.ReleaseGenerationClaim(ctx, rule.ID); releaseErr != nil {
			g.log.Warn().Err(releaseErr).Str("rule_id", string(rule.ID)).
				Msg("failed to release generation claim")
		}
		if err != nil {
			result.FailedCount++
			g.log.Error().Err(err).
				Str("rule_id", string(rule.ID)).
				Str("competence_month", month.String()).
				Msg("recurrence generation failed for rule")
			continue
		}

		switch outcome {
		case outcomeGenerated:
			result.GeneratedCount++
		case outcomeIgnored:
			result.IgnoredCount++
		case outcomeBlocked:
			result.BlockedCount++
			if input.IncludeBlockedDetails && blocked != nil {
				result.BlockedItems = append(result.BlockedItems, BlockedItem{
					RuleID:  rule.ID,
					Code:    blocked.Code,
					Message: blocked.Message,
				})
			}
		case outcomeFailed:
			result.FailedCount++
		}
	}

	g.log.Info().
		Str("competence_month", month.String()).
		Int("processed", result.ProcessedRules).
		Int("generated", result.GeneratedCount).
		Int("ignored", result.IgnoredCount).
		Int("blocked", result.BlockedCount).
		Int("failed", result.FailedCount).
		Bool("dry_run", input.DryRun).
		Msg("recurrence generation batch finished")

	return result, nil
}

type ruleOutcome string

const (
	outcomeGenerated ruleOutcome = "generated"
	outcomeIgnored   ruleOutcome = "ignored"
	outcomeBlocked   ruleOutcome = "blocked"
	outcomeFailed    ruleOutcome = "failed"
)

// processRule walks one rule through the per-month state machine. A non-nil
// error means an infrastructure failure; the caller counts it as failed and
// keeps going. Business outcomes come back as ruleOutcome values.
func (g *Generator) processRule(ctx context.Context, rule *RecurrenceRule, input GenerateInput) (ruleOutcome, *BlockedReason, error) {
	month := input.CompetenceMonth

	scheduledDate, err := ScheduledDate(month, rule.ReferenceDay)
	if err != nil {
		return "", nil, err
	}

	occurrence, created, err := g.occurrences.CreatePendingIfMissing(ctx, rule.ID, month, scheduledDate)
	if err != nil {
		return "", nil, err
	}

	// Idempotency fast path: a retried or duplicate call for an already
	// generated month is recorded and ignored, never regenerated. A crash
	// between MarkGenerated and the cursor update can leave the cursor
	// behind; catch it up here so the rule does not stay eligible forever.
	if !created && occurrence.Status == OccurrenceGenerated {
		if err := g.rules.UpdateGenerationCursor(ctx, rule.ID, month, month.MustAdd(1)); err != nil {
			return "", nil, err
		}
		g.appendEvent(ctx, rule.ID, &occurrence.ID, EventIgnored, input.RequestedBy, map[string]any{
			"reason":           "already_generated",
			"competence_month": month.String(),
		})
		return outcomeIgnored, nil, nil
	}

	// Block checks run before the dry-run branch: a blocked rule is marked
	// and audited even on a dry run, so the problem surfaces instead of
	// hiding behind a pending occurrence.
	if blocked := g.evaluateBlockChecks(rule); blocked != nil {
		if err := g.occurrences.MarkBlocked(ctx, occurrence.ID, blocked.Code, blocked.Message); err != nil {
			return "", nil, err
		}
		g.appendEvent(ctx, rule.ID, &occurrence.ID, EventBlocked, input.RequestedBy, map[string]any{
			"code":             blocked.Code,
			"message":          blocked.Message,
			"competence_month": month.String(),
		})
		// Blocking does not advance the cursor: a corrected rule is
		// retried on the next call for this same month.
		return outcomeBlocked, blocked, nil
	}

	externalRef := ExternalRef(rule.ID, month)
	movement, err := g.ledger.FindMovementByExternalRef(ctx, month, rule.PayerID, externalRef)
	if err != nil {
		return "", nil, err
	}

	if movement == nil && !input.DryRun {
		movement, err = g.ledger.CreatePurchaseMovement(ctx, PurchaseInput{
			Amount:          rule.Amount,
			Description:     rule.Description,
			CompetenceMonth: month,
			OccurredAt:      scheduledDate,
			PayerID:         rule.PayerID,
			RequesterID:     rule.RequesterID,
			ExternalRef:     externalRef,
		})
		if err != nil {
			// Best effort: record the failure on the occurrence so the
			// administrative failed->pending reset can retry it.
			if markErr := g.occurrences.MarkFailed(ctx, occurrence.ID, err.Error()); markErr != nil {
				g.log.Warn().Err(markErr).Str("rule_id", string(rule.ID)).
					Msg("failed to mark occurrence failed")
			}
			g.appendEvent(ctx, rule.ID, &occurrence.ID, EventFailed, input.RequestedBy, map[string]any{
				"reason":           err.Error(),
				"competence_month": month.String(),
			})
			return "", nil, err
		}
	}

	if input.DryRun {
		g.appendEvent(ctx, rule.ID, &occurrence.ID, EventIgnored, input.RequestedBy, map[string]any{
			"reason":           "dry_run",
			"competence_month": month.String(),
		})
		return outcomeIgnored, nil, nil
	}

	if movement == nil {
		reason := "Failed to create movement for recurrence generation."
		if err := g.occurrences.MarkFailed(ctx, occurrence.ID, reason); err != nil {
			return "", nil, err
		}
		g.appendEvent(ctx, rule.ID, &occurrence.ID, EventFailed, input.RequestedBy, map[string]any{
			"reason":           reason,
			"competence_month": month.String(),
		})
		return outcomeFailed, nil, nil
	}

	if err := g.occurrences.MarkGenerated(ctx, occurrence.ID, movement.ID); err != nil {
		return "", nil, err
	}
	if err := g.rules.UpdateGenerationCursor(ctx, rule.ID, month, month.MustAdd(1)); err != nil {
		return "", nil, err
	}
	g.appendEvent(ctx, rule.ID, &occurrence.ID, EventGenerated, input.RequestedBy, map[string]any{
		"movement_id":      string(movement.ID),
		"competence_month": month.String(),
	})

	g.log.Debug().
		Str("rule_id", string(rule.ID)).
		Str("competence_month", month.String()).
		Str("movement_id", string(movement.ID)).
		Msg("recurrence generated")

	return outcomeGenerated, nil, nil
}

func (g *Generator) evaluateBlockChecks(rule *RecurrenceRule) *BlockedReason {
	for _, check := range g.checks {
		if reason := check(rule); reason != nil {
			return reason
		}
	}
	return nil
}

// appendEvent writes an audit event. Event append errors are logged but
// never fail the business outcome they describe.
func (g *Generator) appendEvent(ctx context.Context, ruleID RuleID, occurrenceID *OccurrenceID, eventType EventType, actor *ParticipantID, payload map[string]any) {
	event := &Event{
		RuleID:       ruleID,
		OccurrenceID: occurrenceID,
		Type:         eventType,
		ActorID:      actor,
		Payload:      payload,
		CreatedAt:    g.now().UTC(),
	}
	if err := g.events.Append(ctx, event); err != nil {
		g.log.Error().Err(err).
			Str("rule_id", string(ruleID)).
			Str("event_type", string(eventType)).
			Msg("failed to append recurrence event")
	}
}
