/*
Package postgres provides a PostgreSQL-backed implementation of the storage
interfaces on pgx.

PURPOSE:
  Production implementation of recurrence.RuleStore, recurrence.OccurrenceStore,
  recurrence.EventLog, recurrence.ParticipantDirectory and ledger.Store. Same
  schema shape as the SQLite store, with native types (NUMERIC, DATE,
  TIMESTAMPTZ, JSONB) and database-level concurrency control instead of an
  application mutex.

CLAIMING:
  Eligibility claiming combines FOR UPDATE SKIP LOCKED with a lease column:
  SKIP LOCKED arbitrates the instant two runs list concurrently, the lease
  keeps the claim alive after the statement commits and heals crashed
  claimants when it expires.

AMOUNTS:
  Stored as NUMERIC(12,2) and moved across the wire as text, parsed into
  decimal.Decimal. No floating point anywhere.

SEE ALSO:
  - recurrence/stores.go: Interface definitions
  - store/sqlite: the single-file deployment twin of this package
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/recurrence-engine/ledger"
	"github.com/warp/recurrence-engine/recurrence"
)

const defaultClaimLease = 2 * time.Minute

// Store implements all storage interfaces using PostgreSQL.
type Store struct {
	pool       *pgxpool.Pool
	claimLease time.Duration
}

// Option customizes a Store.
type Option func(*Store)

// WithClaimLease overrides the generation claim lease duration.
func WithClaimLease(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.claimLease = d
		}
	}
}

// New connects a pool and migrates the schema.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	store := &Store{pool: pool, claimLease: defaultClaimLease}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS participants (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS recurrence_rules (
		id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		amount NUMERIC(12,2) NOT NULL CHECK (amount > 0),
		payer_participant_id TEXT NOT NULL REFERENCES participants(id),
		requested_by_participant_id TEXT NOT NULL REFERENCES participants(id),
		split_config JSONB NOT NULL,
		reference_day INTEGER NOT NULL CHECK (reference_day BETWEEN 1 AND 31),
		start_competence_month DATE NOT NULL,
		end_competence_month DATE,
		status TEXT NOT NULL CHECK (status IN ('active', 'paused', 'ended')),
		first_generated_month DATE,
		last_generated_month DATE,
		next_competence_month DATE NOT NULL,
		claimed_until TIMESTAMPTZ,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CHECK (end_competence_month IS NULL
		       OR end_competence_month >= start_competence_month)
	);

	CREATE INDEX IF NOT EXISTS idx_rules_eligibility
		ON recurrence_rules(status, next_competence_month);

	CREATE TABLE IF NOT EXISTS recurrence_occurrences (
		id TEXT PRIMARY KEY,
		recurrence_rule_id TEXT NOT NULL REFERENCES recurrence_rules(id),
		competence_month DATE NOT NULL,
		scheduled_date DATE NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending', 'generated', 'blocked', 'failed')),
		movement_id TEXT,
		blocked_reason_code TEXT,
		blocked_reason_message TEXT,
		failure_reason TEXT,
		attempt_count INTEGER NOT NULL DEFAULT 0 CHECK (attempt_count >= 0),
		processed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (recurrence_rule_id, competence_month),
		CHECK ((status = 'generated') = (movement_id IS NOT NULL)),
		CHECK (status != 'blocked' OR blocked_reason_code IS NOT NULL)
	);

	-- A ledger movement belongs to at most one occurrence.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_occurrences_movement
		ON recurrence_occurrences(movement_id)
		WHERE movement_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS recurrence_events (
		id TEXT PRIMARY KEY,
		recurrence_rule_id TEXT NOT NULL,
		recurrence_occurrence_id TEXT,
		event_type TEXT NOT NULL,
		actor_participant_id TEXT,
		payload JSONB,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_rule
		ON recurrence_events(recurrence_rule_id, created_at);

	CREATE TABLE IF NOT EXISTS financial_movements (
		id TEXT PRIMARY KEY,
		movement_type TEXT NOT NULL CHECK (movement_type IN ('purchase', 'refund')),
		amount NUMERIC(12,2) NOT NULL CHECK (amount > 0),
		description TEXT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		competence_month DATE NOT NULL,
		payer_participant_id TEXT NOT NULL,
		requested_by_participant_id TEXT NOT NULL,
		external_id TEXT,
		original_purchase_id TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_movements_external_unique
		ON financial_movements(competence_month, payer_participant_id, external_id)
		WHERE external_id IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_movements_month
		ON financial_movements(competence_month);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// PARTICIPANT DIRECTORY
// =============================================================================

// UpsertParticipant creates or refreshes one participant record.
func (s *Store) UpsertParticipant(ctx context.Context, p *recurrence.Participant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO participants (id, display_name, active)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name,
		                               active = EXCLUDED.active
	`, p.ID, p.DisplayName, p.Active)
	if err != nil {
		return fmt.Errorf("failed to upsert participant: %w", err)
	}
	return nil
}

func (s *Store) ListActiveParticipants(ctx context.Context) ([]*recurrence.Participant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, display_name, active, created_at
		FROM participants
		WHERE active
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	var participants []*recurrence.Participant
	for rows.Next() {
		var p recurrence.Participant
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.Active, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, &p)
	}
	return participants, rows.Err()
}

// =============================================================================
// RULE STORE (recurrence.RuleStore interface)
// =============================================================================

const ruleColumns = `id, description, amount::text, payer_participant_id,
	requested_by_participant_id, split_config, reference_day,
	start_competence_month, end_competence_month, status,
	first_generated_month, last_generated_month, next_competence_month,
	version, created_at, updated_at`

func (s *Store) CreateRule(ctx context.Context, rule *recurrence.RecurrenceRule) error {
	splitJSON, err := json.Marshal(rule.SplitConfig)
	if err != nil {
		return fmt.Errorf("failed to encode split config: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO recurrence_rules
		(id, description, amount, payer_participant_id, requested_by_participant_id,
		 split_config, reference_day, start_competence_month, end_competence_month,
		 status, first_generated_month, last_generated_month, next_competence_month,
		 version, created_at, updated_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		rule.ID, rule.Description, rule.Amount.String(), rule.PayerID, rule.RequesterID,
		splitJSON, rule.ReferenceDay, rule.StartMonth.Date(), monthDate(rule.EndMonth),
		rule.Status, monthDate(rule.FirstGeneratedMonth), monthDate(rule.LastGeneratedMonth),
		rule.NextMonth.Date(), rule.Version, rule.CreatedAt.UTC(), rule.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("rule %s: %w", rule.ID, recurrence.ErrStoreConflict)
		}
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

func (s *Store) GetRule(ctx context.Context, id recurrence.RuleID) (*recurrence.RecurrenceRule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+ruleColumns+` FROM recurrence_rules WHERE id = $1`, id)
	rule, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, recurrence.ErrRuleNotFound)
	}
	return rule, err
}

func (s *Store) ListRules(ctx context.Context, filter recurrence.RuleListFilter) ([]*recurrence.RecurrenceRule, int, error) {
	where := "1 = 1"
	var args []any
	if filter.Status != nil {
		args = append(args, *filter.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.CompetenceMonth != nil {
		args = append(args, filter.CompetenceMonth.Date())
		where += fmt.Sprintf(` AND start_competence_month <= $%d
			AND (end_competence_month IS NULL OR end_competence_month >= $%d)`,
			len(args), len(args))
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM recurrence_rules WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count rules: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM recurrence_rules WHERE %s
		ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d`,
		ruleColumns, where, len(args)-1, len(args))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []*recurrence.RecurrenceRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, 0, err
		}
		rules = append(rules, rule)
	}
	return rules, total, rows.Err()
}

// ListEligibleForGeneration claims eligible rules in one statement: SKIP
// LOCKED arbitrates concurrent listings, the lease column keeps the claim
// after commit and expires for crashed claimants.
func (s *Store) ListEligibleForGeneration(ctx context.Context, month recurrence.Month, limit int) ([]*recurrence.RecurrenceRule, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE recurrence_rules SET claimed_until = now() + $1
		WHERE id IN (
			SELECT id FROM recurrence_rules
			WHERE status = 'active'
			  AND start_competence_month <= $2
			  AND (end_competence_month IS NULL OR end_competence_month >= $2)
			  AND next_competence_month <= $2
			  AND (claimed_until IS NULL OR claimed_until <= now())
			ORDER BY next_competence_month ASC, id ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+ruleColumns,
		s.claimLease, month.Date(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim eligible rules: %w", err)
	}
	defer rows.Close()

	var rules []*recurrence.RecurrenceRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not honor the subquery ordering.
	sortRulesByCursor(rules)
	return rules, nil
}

func (s *Store) ReleaseGenerationClaim(ctx context.Context, id recurrence.RuleID) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE recurrence_rules SET claimed_until = NULL WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	return nil
}

func (s *Store) UpdateGenerationCursor(ctx context.Context, id recurrence.RuleID, processed, next recurrence.Month) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE recurrence_rules
		SET first_generated_month = COALESCE(first_generated_month, $1),
		    last_generated_month = $1,
		    next_competence_month = $2,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $3
	`, processed.Date(), next.Date(), id)
	if err != nil {
		return fmt.Errorf("failed to update generation cursor: %w", err)
	}
	return nil
}

func (s *Store) UpdateRule(ctx context.Context, id recurrence.RuleID, update recurrence.RuleUpdate) (*recurrence.RecurrenceRule, error) {
	sets := []string{"version = version + 1", "updated_at = now()"}
	var args []any

	add := func(expr string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}

	if update.Description != nil {
		add("description = $%d", *update.Description)
	}
	if update.Amount != nil {
		add("amount = $%d::numeric", update.Amount.String())
	}
	if update.PayerID != nil {
		add("payer_participant_id = $%d", *update.PayerID)
	}
	if update.SplitConfig != nil {
		splitJSON, err := json.Marshal(update.SplitConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to encode split config: %w", err)
		}
		add("split_config = $%d", splitJSON)
	}
	if update.ReferenceDay != nil {
		add("reference_day = $%d", *update.ReferenceDay)
	}
	if update.StartMonth != nil {
		add("start_competence_month = $%d", update.StartMonth.Date())
		// A rule that never generated follows its start month.
		add(`next_competence_month = CASE
			WHEN first_generated_month IS NULL THEN $%d
			ELSE next_competence_month END`, update.StartMonth.Date())
	}
	if update.ClearEndMonth {
		sets = append(sets, "end_competence_month = NULL")
	} else if update.EndMonth != nil {
		add("end_competence_month = $%d", update.EndMonth.Date())
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE recurrence_rules SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), ruleColumns)
	rule, err := scanRule(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, recurrence.ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}
	return rule, nil
}

func (s *Store) SetRuleStatus(ctx context.Context, id recurrence.RuleID, status recurrence.RuleStatus, endMonth *recurrence.Month) (*recurrence.RecurrenceRule, error) {
	var row pgx.Row
	if endMonth != nil {
		row = s.pool.QueryRow(ctx, `
			UPDATE recurrence_rules
			SET status = $1, end_competence_month = $2, version = version + 1, updated_at = now()
			WHERE id = $3
			RETURNING `+ruleColumns, status, endMonth.Date(), id)
	} else {
		row = s.pool.QueryRow(ctx, `
			UPDATE recurrence_rules
			SET status = $1, version = version + 1, updated_at = now()
			WHERE id = $2
			RETURNING `+ruleColumns, status, id)
	}
	rule, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, recurrence.ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set rule status: %w", err)
	}
	return rule, nil
}

func scanRule(row pgx.Row) (*recurrence.RecurrenceRule, error) {
	var (
		rule      recurrence.RecurrenceRule
		amount    string
		splitJSON []byte
		start     time.Time
		end       *time.Time
		firstGen  *time.Time
		lastGen   *time.Time
		next      time.Time
	)
	err := row.Scan(
		&rule.ID, &rule.Description, &amount, &rule.PayerID, &rule.RequesterID,
		&splitJSON, &rule.ReferenceDay, &start, &end, &rule.Status,
		&firstGen, &lastGen, &next, &rule.Version, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rule amount %q: %w", amount, err)
	}
	if err := json.Unmarshal(splitJSON, &rule.SplitConfig); err != nil {
		return nil, fmt.Errorf("failed to decode split config: %w", err)
	}
	rule.StartMonth = recurrence.MonthOf(start)
	rule.NextMonth = recurrence.MonthOf(next)
	rule.EndMonth = timeToMonth(end)
	rule.FirstGeneratedMonth = timeToMonth(firstGen)
	rule.LastGeneratedMonth = timeToMonth(lastGen)
	return &rule, nil
}

func sortRulesByCursor(rules []*recurrence.RecurrenceRule) {
	for i := 1; i < len(rules); i++ {
		for j := i; j > 0; j-- {
			a, b := rules[j-1], rules[j]
			if a.NextMonth.Before(b.NextMonth) ||
				(a.NextMonth.Equal(b.NextMonth) && a.ID <= b.ID) {
				break
			}
			rules[j-1], rules[j] = b, a
		}
	}
}

// =============================================================================
// OCCURRENCE STORE (recurrence.OccurrenceStore interface)
// =============================================================================

const occurrenceColumns = `id, recurrence_rule_id, competence_month, scheduled_date,
	status, movement_id, blocked_reason_code, blocked_reason_message,
	failure_reason, attempt_count, processed_at, created_at, updated_at`

// CreatePendingIfMissing inserts with ON CONFLICT DO NOTHING and re-fetches:
// the unique (rule, month) constraint arbitrates concurrent generation runs.
func (s *Store) CreatePendingIfMissing(ctx context.Context, ruleID recurrence.RuleID, month recurrence.Month, scheduledDate time.Time) (*recurrence.Occurrence, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO recurrence_occurrences
		(id, recurrence_rule_id, competence_month, scheduled_date, status,
		 attempt_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, now(), now())
		ON CONFLICT (recurrence_rule_id, competence_month) DO NOTHING
	`, uuid.NewString(), ruleID, month.Date(), scheduledDate.UTC())
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert occurrence: %w", err)
	}

	occ, err := s.GetOccurrence(ctx, ruleID, month)
	if err != nil {
		return nil, false, err
	}
	return occ, tag.RowsAffected() == 1, nil
}

func (s *Store) GetOccurrence(ctx context.Context, ruleID recurrence.RuleID, month recurrence.Month) (*recurrence.Occurrence, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+occurrenceColumns+`
		FROM recurrence_occurrences
		WHERE recurrence_rule_id = $1 AND competence_month = $2
	`, ruleID, month.Date())
	occ, err := scanOccurrence(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("rule %s month %s: %w", ruleID, month, recurrence.ErrOccurrenceNotFound)
	}
	return occ, err
}

func (s *Store) MarkGenerated(ctx context.Context, id recurrence.OccurrenceID, movementID recurrence.MovementID) error {
	return s.markOccurrence(ctx, id, `
		status = 'generated', movement_id = $2, blocked_reason_code = NULL,
		blocked_reason_message = NULL, failure_reason = NULL
	`, movementID)
}

func (s *Store) MarkBlocked(ctx context.Context, id recurrence.OccurrenceID, code, message string) error {
	return s.markOccurrence(ctx, id, `
		status = 'blocked', movement_id = NULL, blocked_reason_code = $2,
		blocked_reason_message = $3, failure_reason = NULL
	`, code, message)
}

func (s *Store) MarkFailed(ctx context.Context, id recurrence.OccurrenceID, reason string) error {
	return s.markOccurrence(ctx, id, `
		status = 'failed', movement_id = NULL, blocked_reason_code = NULL,
		blocked_reason_message = NULL, failure_reason = $2
	`, reason)
}

func (s *Store) markOccurrence(ctx context.Context, id recurrence.OccurrenceID, sets string, args ...any) error {
	query := `UPDATE recurrence_occurrences SET ` + sets + `,
		attempt_count = attempt_count + 1, processed_at = now(), updated_at = now()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update occurrence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("occurrence %s: %w", id, recurrence.ErrOccurrenceNotFound)
	}
	return nil
}

func (s *Store) ResetToPending(ctx context.Context, id recurrence.OccurrenceID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE recurrence_occurrences
		SET status = 'pending', failure_reason = NULL, processed_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'failed'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to reset occurrence: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Nothing moved: missing row or an illegal source state.
	var ruleID recurrence.RuleID
	var status recurrence.OccurrenceStatus
	err = s.pool.QueryRow(ctx,
		"SELECT recurrence_rule_id, status FROM recurrence_occurrences WHERE id = $1",
		id).Scan(&ruleID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("occurrence %s: %w", id, recurrence.ErrOccurrenceNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load occurrence: %w", err)
	}
	return &recurrence.StateTransitionError{
		RuleID: ruleID,
		From:   string(status),
		To:     string(recurrence.OccurrencePending),
	}
}

func (s *Store) ListOccurrences(ctx context.Context, ruleID recurrence.RuleID) ([]*recurrence.Occurrence, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+occurrenceColumns+`
		FROM recurrence_occurrences
		WHERE recurrence_rule_id = $1
		ORDER BY competence_month ASC
	`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query occurrences: %w", err)
	}
	defer rows.Close()

	var occurrences []*recurrence.Occurrence
	for rows.Next() {
		occ, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		occurrences = append(occurrences, occ)
	}
	return occurrences, rows.Err()
}

func scanOccurrence(row pgx.Row) (*recurrence.Occurrence, error) {
	var (
		occ            recurrence.Occurrence
		month          time.Time
		movementID     *string
		blockedCode    *string
		blockedMessage *string
		failureReason  *string
	)
	err := row.Scan(
		&occ.ID, &occ.RuleID, &month, &occ.ScheduledDate, &occ.Status,
		&movementID, &blockedCode, &blockedMessage, &failureReason,
		&occ.AttemptCount, &occ.ProcessedAt, &occ.CreatedAt, &occ.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	occ.CompetenceMonth = recurrence.MonthOf(month)
	if movementID != nil {
		id := recurrence.MovementID(*movementID)
		occ.MovementID = &id
	}
	occ.BlockedCode = derefString(blockedCode)
	occ.BlockedMessage = derefString(blockedMessage)
	occ.FailureReason = derefString(failureReason)
	return &occ, nil
}

// =============================================================================
// EVENT LOG (recurrence.EventLog interface)
// =============================================================================

func (s *Store) Append(ctx context.Context, event *recurrence.Event) error {
	id := event.ID
	if id == "" {
		id = recurrence.EventID(uuid.NewString())
	}
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	payloadJSON, _ := json.Marshal(event.Payload)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO recurrence_events
		(id, recurrence_rule_id, recurrence_occurrence_id, event_type,
		 actor_participant_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, event.RuleID, event.OccurrenceID, event.Type, event.ActorID,
		payloadJSON, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, ruleID recurrence.RuleID) ([]*recurrence.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, recurrence_rule_id, recurrence_occurrence_id, event_type,
		       actor_participant_id, payload, created_at
		FROM recurrence_events
		WHERE recurrence_rule_id = $1
		ORDER BY created_at ASC, id ASC
	`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*recurrence.Event
	for rows.Next() {
		var (
			event       recurrence.Event
			payloadJSON []byte
		)
		if err := rows.Scan(&event.ID, &event.RuleID, &event.OccurrenceID,
			&event.Type, &event.ActorID, &payloadJSON, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(payloadJSON) > 0 && string(payloadJSON) != "null" {
			if err := json.Unmarshal(payloadJSON, &event.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode event payload: %w", err)
			}
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}

// =============================================================================
// MOVEMENT LEDGER (ledger.Store interface)
// =============================================================================

const movementColumns = `id, movement_type, amount::text, description, occurred_at,
	competence_month, payer_participant_id, requested_by_participant_id,
	external_id, original_purchase_id, created_at`

func (s *Store) CreateMovement(ctx context.Context, movement *ledger.Movement) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO financial_movements
		(id, movement_type, amount, description, occurred_at, competence_month,
		 payer_participant_id, requested_by_participant_id, external_id,
		 original_purchase_id, created_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		movement.ID, movement.Type, movement.Amount.String(), movement.Description,
		movement.OccurredAt.UTC(), movement.CompetenceMonth.Date(),
		movement.PayerID, movement.RequesterID, nullIfEmpty(movement.ExternalRef),
		movement.OriginalPurchaseID, movement.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("external ref %q in %s: %w",
				movement.ExternalRef, movement.CompetenceMonth, recurrence.ErrDuplicateExternalRef)
		}
		return fmt.Errorf("failed to insert movement: %w", err)
	}
	return nil
}

func (s *Store) GetMovement(ctx context.Context, id recurrence.MovementID) (*ledger.Movement, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+movementColumns+` FROM financial_movements WHERE id = $1`, id)
	movement, err := scanMovement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("movement %s: %w", id, recurrence.ErrMovementNotFound)
	}
	return movement, err
}

func (s *Store) FindByExternalRef(ctx context.Context, month recurrence.Month, payerID recurrence.ParticipantID, externalRef string) (*ledger.Movement, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+movementColumns+`
		FROM financial_movements
		WHERE competence_month = $1 AND payer_participant_id = $2 AND external_id = $3
	`, month.Date(), payerID, externalRef)
	movement, err := scanMovement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return movement, err
}

func (s *Store) TotalRefunded(ctx context.Context, purchaseID recurrence.MovementID) (decimal.Decimal, error) {
	var total string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text FROM financial_movements
		WHERE movement_type = 'refund' AND original_purchase_id = $1
	`, purchaseID).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum refunds: %w", err)
	}
	return decimal.NewFromString(total)
}

func (s *Store) ListMovements(ctx context.Context, filter ledger.ListFilter) ([]*ledger.Movement, int, error) {
	where := "1 = 1"
	var args []any
	if filter.CompetenceMonth != nil {
		args = append(args, filter.CompetenceMonth.Date())
		where += fmt.Sprintf(" AND competence_month = $%d", len(args))
	}
	if filter.Type != nil {
		args = append(args, *filter.Type)
		where += fmt.Sprintf(" AND movement_type = $%d", len(args))
	}
	if filter.ParticipantID != nil {
		args = append(args, *filter.ParticipantID)
		where += fmt.Sprintf(" AND (payer_participant_id = $%d OR requested_by_participant_id = $%d)",
			len(args), len(args))
	}
	if filter.ExternalRef != nil {
		args = append(args, *filter.ExternalRef)
		where += fmt.Sprintf(" AND external_id = $%d", len(args))
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM financial_movements WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count movements: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM financial_movements WHERE %s
		ORDER BY occurred_at DESC, created_at DESC LIMIT $%d OFFSET $%d`,
		movementColumns, where, len(args)-1, len(args))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query movements: %w", err)
	}
	defer rows.Close()

	var movements []*ledger.Movement
	for rows.Next() {
		movement, err := scanMovement(rows)
		if err != nil {
			return nil, 0, err
		}
		movements = append(movements, movement)
	}
	return movements, total, rows.Err()
}

func (s *Store) MonthlyTypeTotals(ctx context.Context, month recurrence.Month) (decimal.Decimal, decimal.Decimal, error) {
	var grossText, refundsText string
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE movement_type = 'purchase'), 0)::text,
			COALESCE(SUM(amount) FILTER (WHERE movement_type = 'refund'), 0)::text
		FROM financial_movements
		WHERE competence_month = $1
	`, month.Date()).Scan(&grossText, &refundsText)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to sum monthly totals: %w", err)
	}

	gross, err := decimal.NewFromString(grossText)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	refunds, err := decimal.NewFromString(refundsText)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return gross, refunds, nil
}

func (s *Store) PaidTotalsByParticipant(ctx context.Context, month recurrence.Month) (map[recurrence.ParticipantID]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payer_participant_id,
		       COALESCE(SUM(CASE movement_type
		           WHEN 'purchase' THEN amount
		           WHEN 'refund' THEN -amount
		           ELSE 0 END), 0)::text
		FROM financial_movements
		WHERE competence_month = $1
		GROUP BY payer_participant_id
	`, month.Date())
	if err != nil {
		return nil, fmt.Errorf("failed to sum paid totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[recurrence.ParticipantID]decimal.Decimal)
	for rows.Next() {
		var payer recurrence.ParticipantID
		var totalText string
		if err := rows.Scan(&payer, &totalText); err != nil {
			return nil, err
		}
		total, err := decimal.NewFromString(totalText)
		if err != nil {
			return nil, err
		}
		totals[payer] = total
	}
	return totals, rows.Err()
}

func scanMovement(row pgx.Row) (*ledger.Movement, error) {
	var (
		movement           ledger.Movement
		amount             string
		month              time.Time
		externalRef        *string
		originalPurchaseID *string
	)
	err := row.Scan(
		&movement.ID, &movement.Type, &amount, &movement.Description,
		&movement.OccurredAt, &month, &movement.PayerID, &movement.RequesterID,
		&externalRef, &originalPurchaseID, &movement.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	movement.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("failed to parse movement amount %q: %w", amount, err)
	}
	movement.CompetenceMonth = recurrence.MonthOf(month)
	movement.ExternalRef = derefString(externalRef)
	if originalPurchaseID != nil {
		id := recurrence.MovementID(*originalPurchaseID)
		movement.OriginalPurchaseID = &id
	}
	return &movement, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func monthDate(m *recurrence.Month) *time.Time {
	if m == nil {
		return nil
	}
	t := m.Date()
	return &t
}

func timeToMonth(t *time.Time) *recurrence.Month {
	if t == nil {
		return nil
	}
	month := recurrence.MonthOf(*t)
	return &month
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
