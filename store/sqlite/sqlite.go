/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the engine (recurrence.RuleStore,
  recurrence.OccurrenceStore, recurrence.EventLog,
  recurrence.ParticipantDirectory, ledger.Store) using SQLite. The same
  schema shape applies to PostgreSQL - only claiming and conflict handling
  differ by dialect.

LOAD-BEARING CONSTRAINTS:
  The correctness of the engine rides on these, not on application checks:
  - UNIQUE(recurrence_rule_id, competence_month) on occurrences: at most one
    occurrence per (rule, month), under any concurrency
  - partial UNIQUE(competence_month, payer, external_id) on movements:
    idempotent generation and client retry dedup
  - CHECK on reference_day, statuses and the month window

CLAIMING:
  SQLite has no FOR UPDATE SKIP LOCKED, so eligibility claiming uses a lease
  column (claimed_until): listing stamps a short lease on the returned rows
  and concurrent callers skip rows with a live lease. Crashed claimants are
  healed when the lease expires.

COMPETENCE MONTHS:
  Stored as 'YYYY-MM' text. The fixed width makes lexicographic comparison
  equal to chronological comparison, so window checks stay in SQL.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/recurrence.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - recurrence/stores.go: Interface definitions
  - recurrence/store/memory.go: In-memory implementation for testing
  - store/postgres: pgx implementation with native SKIP LOCKED
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/recurrence-engine/ledger"
	"github.com/warp/recurrence-engine/recurrence"
)

// defaultClaimLease bounds how long a crashed generation run can keep rules
// invisible to other runs.
const defaultClaimLease = 2 * time.Minute

// leaseTimeFormat is fixed-width so lexicographic comparison in SQL equals
// chronological comparison, with millisecond resolution for short leases.
const leaseTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db         *sql.DB
	mu         sync.RWMutex
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

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, claimLease: defaultClaimLease}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- The two people sharing expenses
	CREATE TABLE IF NOT EXISTS participants (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	-- Standing instructions for monthly purchases
	CREATE TABLE IF NOT EXISTS recurrence_rules (
		id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		amount TEXT NOT NULL,
		payer_participant_id TEXT NOT NULL REFERENCES participants(id),
		requested_by_participant_id TEXT NOT NULL REFERENCES participants(id),
		split_config_json TEXT NOT NULL,
		reference_day INTEGER NOT NULL CHECK (reference_day BETWEEN 1 AND 31),
		start_competence_month TEXT NOT NULL,
		end_competence_month TEXT,
		status TEXT NOT NULL CHECK (status IN ('active', 'paused', 'ended')),
		first_generated_month TEXT,
		last_generated_month TEXT,
		next_competence_month TEXT NOT NULL,
		claimed_until TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (end_competence_month IS NULL
		       OR end_competence_month >= start_competence_month)
	);

	-- Eligibility scan (hot path of every generation run)
	CREATE INDEX IF NOT EXISTS idx_rules_eligibility
		ON recurrence_rules(status, next_competence_month);

	-- Per-(rule, month) generation records
	CREATE TABLE IF NOT EXISTS recurrence_occurrences (
		id TEXT PRIMARY KEY,
		recurrence_rule_id TEXT NOT NULL REFERENCES recurrence_rules(id),
		competence_month TEXT NOT NULL,
		scheduled_date TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending', 'generated', 'blocked', 'failed')),
		movement_id TEXT,
		blocked_reason_code TEXT,
		blocked_reason_message TEXT,
		failure_reason TEXT,
		attempt_count INTEGER NOT NULL DEFAULT 0 CHECK (attempt_count >= 0),
		processed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK ((status = 'generated') = (movement_id IS NOT NULL)),
		CHECK (status != 'blocked' OR blocked_reason_code IS NOT NULL)
	);

	-- CRITICAL: at most one occurrence per (rule, month), ever. Concurrent
	-- generation runs race on the insert and the loser re-fetches.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_occurrences_rule_month
		ON recurrence_occurrences(recurrence_rule_id, competence_month);

	-- A ledger movement belongs to at most one occurrence.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_occurrences_movement
		ON recurrence_occurrences(movement_id)
		WHERE movement_id IS NOT NULL;

	-- Append-only audit trail
	CREATE TABLE IF NOT EXISTS recurrence_events (
		id TEXT PRIMARY KEY,
		recurrence_rule_id TEXT NOT NULL,
		recurrence_occurrence_id TEXT,
		event_type TEXT NOT NULL,
		actor_participant_id TEXT,
		payload_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_rule
		ON recurrence_events(recurrence_rule_id, created_at);

	-- Append-only financial ledger
	CREATE TABLE IF NOT EXISTS financial_movements (
		id TEXT PRIMARY KEY,
		movement_type TEXT NOT NULL CHECK (movement_type IN ('purchase', 'refund')),
		amount TEXT NOT NULL,
		description TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		competence_month TEXT NOT NULL,
		payer_participant_id TEXT NOT NULL,
		requested_by_participant_id TEXT NOT NULL,
		external_id TEXT,
		original_purchase_id TEXT,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: external references deduplicate within (month, payer).
	-- Recurrence generation rides on this for exactly-one-movement.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_movements_external_unique
		ON financial_movements(competence_month, payer_participant_id, external_id)
		WHERE external_id IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_movements_month
		ON financial_movements(competence_month);
	CREATE INDEX IF NOT EXISTS idx_movements_original_purchase
		ON financial_movements(original_purchase_id)
		WHERE original_purchase_id IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// PARTICIPANT DIRECTORY
// =============================================================================

// UpsertParticipant creates or refreshes one participant record.
func (s *Store) UpsertParticipant(ctx context.Context, p *recurrence.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (id, display_name, active, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name,
		                              active = excluded.active
	`, p.ID, p.DisplayName, p.Active, createdAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to upsert participant: %w", err)
	}
	return nil
}

func (s *Store) ListActiveParticipants(ctx context.Context) ([]*recurrence.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
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
		var createdAt string
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.Active, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		participants = append(participants, &p)
	}
	return participants, rows.Err()
}

// =============================================================================
// RULE STORE (recurrence.RuleStore interface)
// =============================================================================

const ruleColumns = `id, description, amount, payer_participant_id,
	requested_by_participant_id, split_config_json, reference_day,
	start_competence_month, end_competence_month, status,
	first_generated_month, last_generated_month, next_competence_month,
	version, created_at, updated_at`

func (s *Store) CreateRule(ctx context.Context, rule *recurrence.RecurrenceRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	splitJSON, err := json.Marshal(rule.SplitConfig)
	if err != nil {
		return fmt.Errorf("failed to encode split config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recurrence_rules
		(id, description, amount, payer_participant_id, requested_by_participant_id,
		 split_config_json, reference_day, start_competence_month, end_competence_month,
		 status, first_generated_month, last_generated_month, next_competence_month,
		 version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rule.ID,
		rule.Description,
		rule.Amount.String(),
		rule.PayerID,
		rule.RequesterID,
		string(splitJSON),
		rule.ReferenceDay,
		rule.StartMonth.String(),
		nullMonth(rule.EndMonth),
		rule.Status,
		nullMonth(rule.FirstGeneratedMonth),
		nullMonth(rule.LastGeneratedMonth),
		rule.NextMonth.String(),
		rule.Version,
		rule.CreatedAt.UTC().Format(time.RFC3339),
		rule.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("rule %s: %w", rule.ID, recurrence.ErrStoreConflict)
		}
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

func (s *Store) GetRule(ctx context.Context, id recurrence.RuleID) (*recurrence.RecurrenceRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM recurrence_rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule %s: %w", id, recurrence.ErrRuleNotFound)
	}
	return rule, err
}

func (s *Store) ListRules(ctx context.Context, filter recurrence.RuleListFilter) ([]*recurrence.RecurrenceRule, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := "1 = 1"
	var args []any
	if filter.Status != nil {
		where += " AND status = ?"
		args = append(args, *filter.Status)
	}
	if filter.CompetenceMonth != nil {
		where += ` AND start_competence_month <= ?
		           AND (end_competence_month IS NULL OR end_competence_month >= ?)`
		label := filter.CompetenceMonth.String()
		args = append(args, label, label)
	}

	var total int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM recurrence_rules WHERE "+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count rules: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + ruleColumns + ` FROM recurrence_rules WHERE ` + where +
		` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, filter.Offset)...)
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

// ListEligibleForGeneration claims up to limit eligible rules by stamping a
// lease on them. Rules holding a live lease belong to a concurrent run and
// are skipped; expired leases are fair game again.
func (s *Store) ListEligibleForGeneration(ctx context.Context, month recurrence.Month, limit int) ([]*recurrence.RecurrenceRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	label := month.String()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM recurrence_rules
		WHERE status = 'active'
		  AND start_competence_month <= ?
		  AND (end_competence_month IS NULL OR end_competence_month >= ?)
		  AND next_competence_month <= ?
		  AND (claimed_until IS NULL OR claimed_until <= ?)
		ORDER BY next_competence_month ASC, id ASC
		LIMIT ?
	`, label, label, label, now.Format(leaseTimeFormat), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible rules: %w", err)
	}

	var rules []*recurrence.RecurrenceRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	lease := now.Add(s.claimLease).Format(leaseTimeFormat)
	for _, rule := range rules {
		if _, err := s.db.ExecContext(ctx,
			"UPDATE recurrence_rules SET claimed_until = ? WHERE id = ?",
			lease, rule.ID); err != nil {
			return nil, fmt.Errorf("failed to claim rule %s: %w", rule.ID, err)
		}
	}
	return rules, nil
}

func (s *Store) ReleaseGenerationClaim(ctx context.Context, id recurrence.RuleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE recurrence_rules SET claimed_until = NULL WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	return nil
}

func (s *Store) UpdateGenerationCursor(ctx context.Context, id recurrence.RuleID, processed, next recurrence.Month) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE recurrence_rules
		SET first_generated_month = COALESCE(first_generated_month, ?),
		    last_generated_month = ?,
		    next_competence_month = ?,
		    version = version + 1,
		    updated_at = ?
		WHERE id = ?
	`, processed.String(), processed.String(), next.String(),
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to update generation cursor: %w", err)
	}
	return nil
}

func (s *Store) UpdateRule(ctx context.Context, id recurrence.RuleID, update recurrence.RuleUpdate) (*recurrence.RecurrenceRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sets := []string{"version = version + 1", "updated_at = ?"}
	args := []any{time.Now().UTC().Format(time.RFC3339)}

	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *update.Description)
	}
	if update.Amount != nil {
		sets = append(sets, "amount = ?")
		args = append(args, update.Amount.String())
	}
	if update.PayerID != nil {
		sets = append(sets, "payer_participant_id = ?")
		args = append(args, *update.PayerID)
	}
	if update.SplitConfig != nil {
		splitJSON, err := json.Marshal(update.SplitConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to encode split config: %w", err)
		}
		sets = append(sets, "split_config_json = ?")
		args = append(args, string(splitJSON))
	}
	if update.ReferenceDay != nil {
		sets = append(sets, "reference_day = ?")
		args = append(args, *update.ReferenceDay)
	}
	if update.StartMonth != nil {
		sets = append(sets, "start_competence_month = ?")
		args = append(args, update.StartMonth.String())
		// A rule that never generated follows its start month.
		sets = append(sets, `next_competence_month = CASE
			WHEN first_generated_month IS NULL THEN ?
			ELSE next_competence_month END`)
		args = append(args, update.StartMonth.String())
	}
	if update.ClearEndMonth {
		sets = append(sets, "end_competence_month = NULL")
	} else if update.EndMonth != nil {
		sets = append(sets, "end_competence_month = ?")
		args = append(args, update.EndMonth.String())
	}

	query := "UPDATE recurrence_rules SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	result, err := s.db.ExecContext(ctx, query, append(args, id)...)
	if err != nil {
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return nil, fmt.Errorf("rule %s: %w", id, recurrence.ErrRuleNotFound)
	}
	return s.getRuleLocked(ctx, id)
}

func (s *Store) SetRuleStatus(ctx context.Context, id recurrence.RuleID, status recurrence.RuleStatus, endMonth *recurrence.Month) (*recurrence.RecurrenceRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result sql.Result
	var err error
	now := time.Now().UTC().Format(time.RFC3339)
	if endMonth != nil {
		result, err = s.db.ExecContext(ctx, `
			UPDATE recurrence_rules
			SET status = ?, end_competence_month = ?, version = version + 1, updated_at = ?
			WHERE id = ?
		`, status, endMonth.String(), now, id)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE recurrence_rules
			SET status = ?, version = version + 1, updated_at = ?
			WHERE id = ?
		`, status, now, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set rule status: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return nil, fmt.Errorf("rule %s: %w", id, recurrence.ErrRuleNotFound)
	}
	return s.getRuleLocked(ctx, id)
}

func (s *Store) getRuleLocked(ctx context.Context, id recurrence.RuleID) (*recurrence.RecurrenceRule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM recurrence_rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule %s: %w", id, recurrence.ErrRuleNotFound)
	}
	return rule, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*recurrence.RecurrenceRule, error) {
	var (
		rule       recurrence.RecurrenceRule
		amount     string
		splitJSON  string
		start      string
		end        sql.NullString
		firstGen   sql.NullString
		lastGen    sql.NullString
		next       string
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(
		&rule.ID, &rule.Description, &amount, &rule.PayerID, &rule.RequesterID,
		&splitJSON, &rule.ReferenceDay, &start, &end, &rule.Status,
		&firstGen, &lastGen, &next, &rule.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rule amount %q: %w", amount, err)
	}
	if err := json.Unmarshal([]byte(splitJSON), &rule.SplitConfig); err != nil {
		return nil, fmt.Errorf("failed to decode split config: %w", err)
	}
	if rule.StartMonth, err = recurrence.ParseMonth(start); err != nil {
		return nil, err
	}
	if rule.NextMonth, err = recurrence.ParseMonth(next); err != nil {
		return nil, err
	}
	if rule.EndMonth, err = parseNullMonth(end); err != nil {
		return nil, err
	}
	if rule.FirstGeneratedMonth, err = parseNullMonth(firstGen); err != nil {
		return nil, err
	}
	if rule.LastGeneratedMonth, err = parseNullMonth(lastGen); err != nil {
		return nil, err
	}
	rule.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rule.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &rule, nil
}

// =============================================================================
// OCCURRENCE STORE (recurrence.OccurrenceStore interface)
// =============================================================================

const occurrenceColumns = `id, recurrence_rule_id, competence_month, scheduled_date,
	status, movement_id, blocked_reason_code, blocked_reason_message,
	failure_reason, attempt_count, processed_at, created_at, updated_at`

// CreatePendingIfMissing inserts and lets the unique (rule, month) index
// arbitrate races: the loser re-fetches the winner's row.
func (s *Store) CreatePendingIfMissing(ctx context.Context, ruleID recurrence.RuleID, month recurrence.Month, scheduledDate time.Time) (*recurrence.Occurrence, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recurrence_occurrences
		(id, recurrence_rule_id, competence_month, scheduled_date, status,
		 attempt_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?)
	`, uuid.NewString(), ruleID, month.String(),
		scheduledDate.UTC().Format(time.RFC3339), now, now)

	created := true
	if err != nil {
		if !isUniqueConstraintError(err) {
			return nil, false, fmt.Errorf("failed to insert occurrence: %w", err)
		}
		created = false
	}

	occ, err := s.getOccurrenceLocked(ctx, ruleID, month)
	if err != nil {
		return nil, false, err
	}
	return occ, created, nil
}

func (s *Store) GetOccurrence(ctx context.Context, ruleID recurrence.RuleID, month recurrence.Month) (*recurrence.Occurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getOccurrenceLocked(ctx, ruleID, month)
}

func (s *Store) getOccurrenceLocked(ctx context.Context, ruleID recurrence.RuleID, month recurrence.Month) (*recurrence.Occurrence, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+occurrenceColumns+`
		FROM recurrence_occurrences
		WHERE recurrence_rule_id = ? AND competence_month = ?
	`, ruleID, month.String())
	occ, err := scanOccurrence(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule %s month %s: %w", ruleID, month, recurrence.ErrOccurrenceNotFound)
	}
	return occ, err
}

func (s *Store) MarkGenerated(ctx context.Context, id recurrence.OccurrenceID, movementID recurrence.MovementID) error {
	return s.markOccurrence(ctx, id, `
		status = 'generated', movement_id = ?, blocked_reason_code = NULL,
		blocked_reason_message = NULL, failure_reason = NULL
	`, movementID)
}

func (s *Store) MarkBlocked(ctx context.Context, id recurrence.OccurrenceID, code, message string) error {
	return s.markOccurrence(ctx, id, `
		status = 'blocked', movement_id = NULL, blocked_reason_code = ?,
		blocked_reason_message = ?, failure_reason = NULL
	`, code, message)
}

func (s *Store) MarkFailed(ctx context.Context, id recurrence.OccurrenceID, reason string) error {
	return s.markOccurrence(ctx, id, `
		status = 'failed', movement_id = NULL, blocked_reason_code = NULL,
		blocked_reason_message = NULL, failure_reason = ?
	`, reason)
}

// markOccurrence applies one status mutation, bumping the attempt count and
// processed-at timestamp the same way for every outcome.
func (s *Store) markOccurrence(ctx context.Context, id recurrence.OccurrenceID, sets string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	query := `UPDATE recurrence_occurrences SET ` + sets + `,
		attempt_count = attempt_count + 1, processed_at = ?, updated_at = ?
		WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, append(args, now, now, id)...)
	if err != nil {
		return fmt.Errorf("failed to update occurrence: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("occurrence %s: %w", id, recurrence.ErrOccurrenceNotFound)
	}
	return nil
}

func (s *Store) ResetToPending(ctx context.Context, id recurrence.OccurrenceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ruleID recurrence.RuleID
	var status recurrence.OccurrenceStatus
	err := s.db.QueryRowContext(ctx,
		"SELECT recurrence_rule_id, status FROM recurrence_occurrences WHERE id = ?",
		id).Scan(&ruleID, &status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("occurrence %s: %w", id, recurrence.ErrOccurrenceNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load occurrence: %w", err)
	}
	if status != recurrence.OccurrenceFailed {
		return &recurrence.StateTransitionError{
			RuleID: ruleID,
			From:   string(status),
			To:     string(recurrence.OccurrencePending),
		}
	}

	// Guarded update: a concurrent transition since the read loses the race
	// and the reset silently no-ops rather than clobbering it.
	_, err = s.db.ExecContext(ctx, `
		UPDATE recurrence_occurrences
		SET status = 'pending', failure_reason = NULL, processed_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'failed'
	`, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to reset occurrence: %w", err)
	}
	return nil
}

func (s *Store) ListOccurrences(ctx context.Context, ruleID recurrence.RuleID) ([]*recurrence.Occurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+occurrenceColumns+`
		FROM recurrence_occurrences
		WHERE recurrence_rule_id = ?
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

func scanOccurrence(row rowScanner) (*recurrence.Occurrence, error) {
	var (
		occ            recurrence.Occurrence
		month          string
		scheduledDate  string
		movementID     sql.NullString
		blockedCode    sql.NullString
		blockedMessage sql.NullString
		failureReason  sql.NullString
		processedAt    sql.NullString
		createdAt      string
		updatedAt      string
	)
	err := row.Scan(
		&occ.ID, &occ.RuleID, &month, &scheduledDate, &occ.Status,
		&movementID, &blockedCode, &blockedMessage, &failureReason,
		&occ.AttemptCount, &processedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if occ.CompetenceMonth, err = recurrence.ParseMonth(month); err != nil {
		return nil, err
	}
	occ.ScheduledDate, _ = time.Parse(time.RFC3339, scheduledDate)
	if movementID.Valid {
		id := recurrence.MovementID(movementID.String)
		occ.MovementID = &id
	}
	occ.BlockedCode = blockedCode.String
	occ.BlockedMessage = blockedMessage.String
	occ.FailureReason = failureReason.String
	if processedAt.Valid {
		at, _ := time.Parse(time.RFC3339, processedAt.String)
		occ.ProcessedAt = &at
	}
	occ.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	occ.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &occ, nil
}

// =============================================================================
// EVENT LOG (recurrence.EventLog interface)
// =============================================================================

func (s *Store) Append(ctx context.Context, event *recurrence.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := event.ID
	if id == "" {
		id = recurrence.EventID(uuid.NewString())
	}
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	payloadJSON, _ := json.Marshal(event.Payload)

	var occurrenceID, actorID sql.NullString
	if event.OccurrenceID != nil {
		occurrenceID = sql.NullString{String: string(*event.OccurrenceID), Valid: true}
	}
	if event.ActorID != nil {
		actorID = sql.NullString{String: string(*event.ActorID), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recurrence_events
		(id, recurrence_rule_id, recurrence_occurrence_id, event_type,
		 actor_participant_id, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, event.RuleID, occurrenceID, event.Type, actorID,
		string(payloadJSON), createdAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, ruleID recurrence.RuleID) ([]*recurrence.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recurrence_rule_id, recurrence_occurrence_id, event_type,
		       actor_participant_id, payload_json, created_at
		FROM recurrence_events
		WHERE recurrence_rule_id = ?
		ORDER BY created_at ASC, id ASC
	`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*recurrence.Event
	for rows.Next() {
		var (
			event        recurrence.Event
			occurrenceID sql.NullString
			actorID      sql.NullString
			payloadJSON  sql.NullString
			createdAt    string
		)
		if err := rows.Scan(&event.ID, &event.RuleID, &occurrenceID, &event.Type,
			&actorID, &payloadJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if occurrenceID.Valid {
			id := recurrence.OccurrenceID(occurrenceID.String)
			event.OccurrenceID = &id
		}
		if actorID.Valid {
			id := recurrence.ParticipantID(actorID.String)
			event.ActorID = &id
		}
		if payloadJSON.Valid && payloadJSON.String != "" && payloadJSON.String != "null" {
			if err := json.Unmarshal([]byte(payloadJSON.String), &event.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode event payload: %w", err)
			}
		}
		event.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		events = append(events, &event)
	}
	return events, rows.Err()
}

// =============================================================================
// MOVEMENT LEDGER (ledger.Store interface)
// =============================================================================

const movementColumns = `id, movement_type, amount, description, occurred_at,
	competence_month, payer_participant_id, requested_by_participant_id,
	external_id, original_purchase_id, created_at`

func (s *Store) CreateMovement(ctx context.Context, movement *ledger.Movement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var originalPurchaseID sql.NullString
	if movement.OriginalPurchaseID != nil {
		originalPurchaseID = sql.NullString{String: string(*movement.OriginalPurchaseID), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO financial_movements
		(id, movement_type, amount, description, occurred_at, competence_month,
		 payer_participant_id, requested_by_participant_id, external_id,
		 original_purchase_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		movement.ID,
		movement.Type,
		movement.Amount.String(),
		movement.Description,
		movement.OccurredAt.UTC().Format(time.RFC3339),
		movement.CompetenceMonth.String(),
		movement.PayerID,
		movement.RequesterID,
		nullString(movement.ExternalRef),
		originalPurchaseID,
		movement.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("external ref %q in %s: %w",
				movement.ExternalRef, movement.CompetenceMonth, recurrence.ErrDuplicateExternalRef)
		}
		return fmt.Errorf("failed to insert movement: %w", err)
	}
	return nil
}

func (s *Store) GetMovement(ctx context.Context, id recurrence.MovementID) (*ledger.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+movementColumns+` FROM financial_movements WHERE id = ?`, id)
	movement, err := scanMovement(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("movement %s: %w", id, recurrence.ErrMovementNotFound)
	}
	return movement, err
}

func (s *Store) FindByExternalRef(ctx context.Context, month recurrence.Month, payerID recurrence.ParticipantID, externalRef string) (*ledger.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+movementColumns+`
		FROM financial_movements
		WHERE competence_month = ? AND payer_participant_id = ? AND external_id = ?
	`, month.String(), payerID, externalRef)
	movement, err := scanMovement(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return movement, err
}

func (s *Store) TotalRefunded(ctx context.Context, purchaseID recurrence.MovementID) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Amounts are decimal strings; summing happens in Go to stay exact.
	rows, err := s.db.QueryContext(ctx, `
		SELECT amount FROM financial_movements
		WHERE movement_type = 'refund' AND original_purchase_id = ?
	`, purchaseID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query refunds: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, err
		}
		value, err := decimal.NewFromString(amount)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to parse refund amount %q: %w", amount, err)
		}
		total = total.Add(value)
	}
	return total, rows.Err()
}

func (s *Store) ListMovements(ctx context.Context, filter ledger.ListFilter) ([]*ledger.Movement, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := "1 = 1"
	var args []any
	if filter.CompetenceMonth != nil {
		where += " AND competence_month = ?"
		args = append(args, filter.CompetenceMonth.String())
	}
	if filter.Type != nil {
		where += " AND movement_type = ?"
		args = append(args, *filter.Type)
	}
	if filter.ParticipantID != nil {
		where += " AND (payer_participant_id = ? OR requested_by_participant_id = ?)"
		args = append(args, *filter.ParticipantID, *filter.ParticipantID)
	}
	if filter.ExternalRef != nil {
		where += " AND external_id = ?"
		args = append(args, *filter.ExternalRef)
	}

	var total int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM financial_movements WHERE "+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count movements: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+movementColumns+` FROM financial_movements WHERE `+where+
			` ORDER BY occurred_at DESC, created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, filter.Offset)...)
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
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT movement_type, amount FROM financial_movements
		WHERE competence_month = ?
	`, month.String())
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to query totals: %w", err)
	}
	defer rows.Close()

	gross, refunds := decimal.Zero, decimal.Zero
	for rows.Next() {
		var movementType, amount string
		if err := rows.Scan(&movementType, &amount); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		value, err := decimal.NewFromString(amount)
		if err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("failed to parse amount %q: %w", amount, err)
		}
		switch ledger.MovementType(movementType) {
		case ledger.MovementPurchase:
			gross = gross.Add(value)
		case ledger.MovementRefund:
			refunds = refunds.Add(value)
		}
	}
	return gross, refunds, rows.Err()
}

func (s *Store) PaidTotalsByParticipant(ctx context.Context, month recurrence.Month) (map[recurrence.ParticipantID]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT payer_participant_id, movement_type, amount FROM financial_movements
		WHERE competence_month = ?
	`, month.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query paid totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[recurrence.ParticipantID]decimal.Decimal)
	for rows.Next() {
		var payer recurrence.ParticipantID
		var movementType, amount string
		if err := rows.Scan(&payer, &movementType, &amount); err != nil {
			return nil, err
		}
		value, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("failed to parse amount %q: %w", amount, err)
		}
		switch ledger.MovementType(movementType) {
		case ledger.MovementPurchase:
			totals[payer] = totals[payer].Add(value)
		case ledger.MovementRefund:
			totals[payer] = totals[payer].Sub(value)
		}
	}
	return totals, rows.Err()
}

func scanMovement(row rowScanner) (*ledger.Movement, error) {
	var (
		movement           ledger.Movement
		amount             string
		occurredAt         string
		month              string
		externalRef        sql.NullString
		originalPurchaseID sql.NullString
		createdAt          string
	)
	err := row.Scan(
		&movement.ID, &movement.Type, &amount, &movement.Description,
		&occurredAt, &month, &movement.PayerID, &movement.RequesterID,
		&externalRef, &originalPurchaseID, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	movement.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("failed to parse movement amount %q: %w", amount, err)
	}
	movement.OccurredAt, _ = time.Parse(time.RFC3339, occurredAt)
	if movement.CompetenceMonth, err = recurrence.ParseMonth(month); err != nil {
		return nil, err
	}
	movement.ExternalRef = externalRef.String
	if originalPurchaseID.Valid {
		id := recurrence.MovementID(originalPurchaseID.String)
		movement.OriginalPurchaseID = &id
	}
	movement.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &movement, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullMonth(m *recurrence.Month) sql.NullString {
	if m == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: m.String(), Valid: true}
}

func parseNullMonth(s sql.NullString) (*recurrence.Month, error) {
	if !s.Valid {
		return nil, nil
	}
	month, err := recurrence.ParseMonth(s.String)
	if err != nil {
		return nil, err
	}
	return &month, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
