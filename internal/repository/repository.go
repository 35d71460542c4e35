// Package repository provides data persistence for pricing rules.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.RuleRepository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.RuleRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// InsertSplitRules persists a batch of split rules together with their
// instructions inside one transaction. Input order is preserved:
// result position i corresponds to input position i. Any failure rolls
// back the whole batch; no partial rule set is ever visible.
func (r *SQLRepository) InsertSplitRules(ctx context.Context, rules []*domain.SplitRule) ([]*domain.SplitRule, error) {
	if len(rules) == 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, commErr("split_rules", err)
	}
	defer tx.Rollback()

	ruleQuery := `
		INSERT INTO split_rules (id, iso_id, merchant_id, pricing_group_id, matching_rule, created_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	instructionQuery := `
		INSERT INTO split_instructions (id, split_rule_id, merchant_id, percentage, created_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	out := make([]*domain.SplitRule, len(rules))

	for i, rule := range rules {
		matching, err := json.Marshal(rule.MatchingRule)
		if err != nil {
			return nil, commErr("split_rules", err)
		}

		persisted := *rule
		persisted.ID = newID()
		persisted.CreatedAt = now

		_, err = tx.ExecContext(ctx, r.rebind(ruleQuery),
			persisted.ID,
			nullString(rule.IsoID), nullString(rule.MerchantID), nullString(rule.PricingGroupID),
			string(matching), now, nullTime(rule.DeletedAt),
		)
		if err != nil {
			return nil, commErr("split_rules", err)
		}

		persisted.Instructions = make([]domain.SplitInstruction, len(rule.Instructions))
		for j, instruction := range rule.Instructions {
			stamped := instruction
			stamped.ID = newID()
			stamped.SplitRuleID = persisted.ID
			stamped.CreatedAt = now

			_, err = tx.ExecContext(ctx, r.rebind(instructionQuery),
				stamped.ID, stamped.SplitRuleID, stamped.MerchantID, stamped.Percentage,
				now, nullTime(instruction.DeletedAt),
			)
			if err != nil {
				return nil, commErr("split_instructions", err)
			}
			persisted.Instructions[j] = stamped
		}

		out[i] = &persisted
	}

	if err := tx.Commit(); err != nil {
		return nil, commErr("split_rules", err)
	}

	return out, nil
}

// InsertIsoRevenueRules persists a batch of ISO revenue rules in one
// transaction, preserving input order.
func (r *SQLRepository) InsertIsoRevenueRules(ctx context.Context, rules []*domain.IsoRevenueRule) ([]*domain.IsoRevenueRule, error) {
	if len(rules) == 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, commErr("iso_revenue_rules", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO iso_revenue_rules (id, iso_id, merchant_id, pricing_group_id, percentage, use_split_values, flat, matching_rule, created_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	out := make([]*domain.IsoRevenueRule, len(rules))

	for i, rule := range rules {
		matching, err := json.Marshal(rule.MatchingRule)
		if err != nil {
			return nil, commErr("iso_revenue_rules", err)
		}

		persisted := *rule
		persisted.ID = newID()
		persisted.CreatedAt = now

		useSplit := 0
		if rule.UseSplitValues {
			useSplit = 1
		}

		_, err = tx.ExecContext(ctx, r.rebind(query),
			persisted.ID,
			nullString(rule.IsoID), nullString(rule.MerchantID), nullString(rule.PricingGroupID),
			nullInt(rule.Percentage), useSplit, nullInt(rule.Flat),
			string(matching), now, nullTime(rule.DeletedAt),
		)
		if err != nil {
			return nil, commErr("iso_revenue_rules", err)
		}

		out[i] = &persisted
	}

	if err := tx.Commit(); err != nil {
		return nil, commErr("iso_revenue_rules", err)
	}

	return out, nil
}

// InsertHashRevenueRules persists a batch of revenue rules in one
// transaction, preserving input order.
func (r *SQLRepository) InsertHashRevenueRules(ctx context.Context, rules []*domain.HashRevenueRule) ([]*domain.HashRevenueRule, error) {
	if len(rules) == 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, commErr("hash_revenue_rules", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO hash_revenue_rules (id, iso_id, merchant_id, pricing_group_id, percentage, flat, matching_rule, created_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	out := make([]*domain.HashRevenueRule, len(rules))

	for i, rule := range rules {
		matching, err := json.Marshal(rule.MatchingRule)
		if err != nil {
			return nil, commErr("hash_revenue_rules", err)
		}

		persisted := *rule
		persisted.ID = newID()
		persisted.CreatedAt = now

		_, err = tx.ExecContext(ctx, r.rebind(query),
			persisted.ID,
			nullString(rule.IsoID), nullString(rule.MerchantID), nullString(rule.PricingGroupID),
			nullInt(rule.Percentage), nullInt(rule.Flat),
			string(matching), now, nullTime(rule.DeletedAt),
		)
		if err != nil {
			return nil, commErr("hash_revenue_rules", err)
		}

		out[i] = &persisted
	}

	if err := tx.Commit(); err != nil {
		return nil, commErr("hash_revenue_rules", err)
	}

	return out, nil
}

// FindActiveSplitRules returns active split rules for the selector at
// activeAt, most recent first, with their instructions attached.
func (r *SQLRepository) FindActiveSplitRules(ctx context.Context, sel domain.TargetSelector, activeAt time.Time) ([]*domain.SplitRule, error) {
	scope, scopeArgs, err := scopeClause(sel)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, iso_id, merchant_id, pricing_group_id, matching_rule, created_at, deleted_at
		FROM split_rules
		WHERE ` + scope + `
		  AND created_at <= ?
		  AND (deleted_at IS NULL OR deleted_at > ?)
		ORDER BY created_at DESC, id DESC
	`
	args := append(scopeArgs, activeAt, activeAt)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, commErr("split_rules", err)
	}
	defer rows.Close()

	var rules []*domain.SplitRule
	var ids []string
	for rows.Next() {
		rule, err := scanSplitRule(rows)
		if err != nil {
			return nil, commErr("split_rules", err)
		}
		rules = append(rules, rule)
		ids = append(ids, rule.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, commErr("split_rules", err)
	}

	if len(rules) == 0 {
		return nil, nil
	}

	instructions, err := r.findInstructions(ctx, ids, activeAt)
	if err != nil {
		return nil, err
	}
	for _, rule := range rules {
		rule.Instructions = instructions[rule.ID]
	}

	return rules, nil
}

// findInstructions fetches active instructions for the given rule ids,
// grouped by parent. Ids are time-ordered, so ORDER BY id preserves
// insertion order within a rule.
func (r *SQLRepository) findInstructions(ctx context.Context, ruleIDs []string, activeAt time.Time) (map[string][]domain.SplitInstruction, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ruleIDs)), ", ")
	query := `
		SELECT id, split_rule_id, merchant_id, percentage, created_at, deleted_at
		FROM split_instructions
		WHERE split_rule_id IN (` + placeholders + `)
		  AND created_at <= ?
		  AND (deleted_at IS NULL OR deleted_at > ?)
		ORDER BY id
	`

	args := make([]any, 0, len(ruleIDs)+2)
	for _, id := range ruleIDs {
		args = append(args, id)
	}
	args = append(args, activeAt, activeAt)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, commErr("split_instructions", err)
	}
	defer rows.Close()

	grouped := make(map[string][]domain.SplitInstruction, len(ruleIDs))
	for rows.Next() {
		var instruction domain.SplitInstruction
		var deletedAt sql.NullTime

		if err := rows.Scan(
			&instruction.ID, &instruction.SplitRuleID, &instruction.MerchantID,
			&instruction.Percentage, &instruction.CreatedAt, &deletedAt,
		); err != nil {
			return nil, commErr("split_instructions", err)
		}
		if deletedAt.Valid {
			t := deletedAt.Time
			instruction.DeletedAt = &t
		}
		grouped[instruction.SplitRuleID] = append(grouped[instruction.SplitRuleID], instruction)
	}
	if err := rows.Err(); err != nil {
		return nil, commErr("split_instructions", err)
	}

	return grouped, nil
}

// FindActiveIsoRevenueRules returns active ISO revenue rules for the
// selector at activeAt, most recent first.
func (r *SQLRepository) FindActiveIsoRevenueRules(ctx context.Context, sel domain.TargetSelector, activeAt time.Time) ([]*domain.IsoRevenueRule, error) {
	scope, scopeArgs, err := scopeClause(sel)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, iso_id, merchant_id, pricing_group_id, percentage, use_split_values, flat, matching_rule, created_at, deleted_at
		FROM iso_revenue_rules
		WHERE ` + scope + `
		  AND created_at <= ?
		  AND (deleted_at IS NULL OR deleted_at > ?)
		ORDER BY created_at DESC, id DESC
	`
	args := append(scopeArgs, activeAt, activeAt)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, commErr("iso_revenue_rules", err)
	}
	defer rows.Close()

	var rules []*domain.IsoRevenueRule
	for rows.Next() {
		var rule domain.IsoRevenueRule
		var isoID, merchantID, pricingGroupID sql.NullString
		var percentage, flat sql.NullInt64
		var useSplit int
		var matching string
		var deletedAt sql.NullTime

		if err := rows.Scan(
			&rule.ID, &isoID, &merchantID, &pricingGroupID,
			&percentage, &useSplit, &flat,
			&matching, &rule.CreatedAt, &deletedAt,
		); err != nil {
			return nil, commErr("iso_revenue_rules", err)
		}

		rule.IsoID = isoID.String
		rule.MerchantID = merchantID.String
		rule.PricingGroupID = pricingGroupID.String
		rule.Percentage = int64Ptr(percentage)
		rule.Flat = int64Ptr(flat)
		rule.UseSplitValues = useSplit == 1
		rule.DeletedAt = timePtr(deletedAt)

		rule.MatchingRule, err = domain.ParseMatchingRuleJSON([]byte(matching))
		if err != nil {
			return nil, commErr("iso_revenue_rules", err)
		}

		rules = append(rules, &rule)
	}
	if err := rows.Err(); err != nil {
		return nil, commErr("iso_revenue_rules", err)
	}

	return rules, nil
}

// FindActiveHashRevenueRules returns active revenue rules for the
// selector at activeAt, most recent first.
func (r *SQLRepository) FindActiveHashRevenueRules(ctx context.Context, sel domain.TargetSelector, activeAt time.Time) ([]*domain.HashRevenueRule, error) {
	scope, scopeArgs, err := scopeClause(sel)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, iso_id, merchant_id, pricing_group_id, percentage, flat, matching_rule, created_at, deleted_at
		FROM hash_revenue_rules
		WHERE ` + scope + `
		  AND created_at <= ?
		  AND (deleted_at IS NULL OR deleted_at > ?)
		ORDER BY created_at DESC, id DESC
	`
	args := append(scopeArgs, activeAt, activeAt)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, commErr("hash_revenue_rules", err)
	}
	defer rows.Close()

	var rules []*domain.HashRevenueRule
	for rows.Next() {
		var rule domain.HashRevenueRule
		var isoID, merchantID, pricingGroupID sql.NullString
		var percentage, flat sql.NullInt64
		var matching string
		var deletedAt sql.NullTime

		if err := rows.Scan(
			&rule.ID, &isoID, &merchantID, &pricingGroupID,
			&percentage, &flat,
			&matching, &rule.CreatedAt, &deletedAt,
		); err != nil {
			return nil, commErr("hash_revenue_rules", err)
		}

		rule.IsoID = isoID.String
		rule.MerchantID = merchantID.String
		rule.PricingGroupID = pricingGroupID.String
		rule.Percentage = int64Ptr(percentage)
		rule.Flat = int64Ptr(flat)
		rule.DeletedAt = timePtr(deletedAt)

		rule.MatchingRule, err = domain.ParseMatchingRuleJSON([]byte(matching))
		if err != nil {
			return nil, commErr("hash_revenue_rules", err)
		}

		rules = append(rules, &rule)
	}
	if err := rows.Err(); err != nil {
		return nil, commErr("hash_revenue_rules", err)
	}

	return rules, nil
}

// SoftDeleteSplitRule closes a split rule's validity window and its
// instructions' with it, atomically.
func (r *SQLRepository) SoftDeleteSplitRule(ctx context.Context, id string, deletedAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return commErr("split_rules", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		r.rebind(`UPDATE split_rules SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`),
		deletedAt, id,
	)
	if err != nil {
		return commErr("split_rules", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return commErr("split_rules", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx,
		r.rebind(`UPDATE split_instructions SET deleted_at = ? WHERE split_rule_id = ? AND deleted_at IS NULL`),
		deletedAt, id,
	)
	if err != nil {
		return commErr("split_instructions", err)
	}

	if err := tx.Commit(); err != nil {
		return commErr("split_rules", err)
	}
	return nil
}

// SoftDeleteIsoRevenueRule closes an ISO revenue rule's validity window.
func (r *SQLRepository) SoftDeleteIsoRevenueRule(ctx context.Context, id string, deletedAt time.Time) error {
	return r.softDelete(ctx, "iso_revenue_rules", id, deletedAt)
}

// SoftDeleteHashRevenueRule closes a revenue rule's validity window.
func (r *SQLRepository) SoftDeleteHashRevenueRule(ctx context.Context, id string, deletedAt time.Time) error {
	return r.softDelete(ctx, "hash_revenue_rules", id, deletedAt)
}

func (r *SQLRepository) softDelete(ctx context.Context, table, id string, deletedAt time.Time) error {
	query := `UPDATE ` + table + ` SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`

	result, err := r.db.ExecContext(ctx, r.rebind(query), deletedAt, id)
	if err != nil {
		return commErr(table, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return commErr(table, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func scanSplitRule(rows *sql.Rows) (*domain.SplitRule, error) {
	var rule domain.SplitRule
	var isoID, merchantID, pricingGroupID sql.NullString
	var matching string
	var deletedAt sql.NullTime

	if err := rows.Scan(
		&rule.ID, &isoID, &merchantID, &pricingGroupID,
		&matching, &rule.CreatedAt, &deletedAt,
	); err != nil {
		return nil, err
	}

	rule.IsoID = isoID.String
	rule.MerchantID = merchantID.String
	rule.PricingGroupID = pricingGroupID.String
	rule.DeletedAt = timePtr(deletedAt)

	var err error
	rule.MatchingRule, err = domain.ParseMatchingRuleJSON([]byte(matching))
	if err != nil {
		return nil, err
	}

	return &rule, nil
}

// scopeClause builds the OR'd scope predicate for whichever selector
// fields are set.
func scopeClause(sel domain.TargetSelector) (string, []any, error) {
	var clauses []string
	var args []any

	if sel.IsoID != "" {
		clauses = append(clauses, "iso_id = ?")
		args = append(args, sel.IsoID)
	}
	if sel.MerchantID != "" {
		clauses = append(clauses, "merchant_id = ?")
		args = append(args, sel.MerchantID)
	}
	if sel.PricingGroupID != "" {
		clauses = append(clauses, "pricing_group_id = ?")
		args = append(args, sel.PricingGroupID)
	}

	if len(clauses) == 0 {
		return "", nil, fmt.Errorf("%w: at least one scope field is required", ErrInvalidInput)
	}

	return "(" + strings.Join(clauses, " OR ") + ")", args, nil
}

// newID returns a time-ordered id so that ORDER BY id agrees with
// insertion order even within a single timestamp.
func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func commErr(table string, err error) error {
	return &domain.DatabaseCommunicationError{Table: table, Err: err}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	value := v.Int64
	return &value
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	value := t.Time
	return &value
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
