package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-router/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-router/pkg/database"
	"github.com/ekaya-inc/ekaya-router/pkg/models"
)

// RuleRepository defines data access for string-match rules.
type RuleRepository interface {
	Create(ctx context.Context, rule *models.StringMatchRule) error
	Get(ctx context.Context, id uuid.UUID) (*models.StringMatchRule, error)
	Update(ctx context.Context, rule *models.StringMatchRule) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]*models.StringMatchRule, error)
	// ListActive returns active rules in scope for an entity (global rules
	// included), ordered by priority then id.
	ListActive(ctx context.Context, entityID uuid.UUID) ([]*models.StringMatchRule, error)
	// RecordMatches bumps match counters. An id appearing n times counts n matches.
	RecordMatches(ctx context.Context, ruleIDs []uuid.UUID, matchedAt time.Time) error
}

type ruleRepository struct {
	db *database.DB
}

var _ RuleRepository = (*ruleRepository)(nil)

// NewRuleRepository creates a new string-match rule repository.
func NewRuleRepository(db *database.DB) RuleRepository {
	return &ruleRepository{db: db}
}

const ruleColumns = `id, pattern, match_type, case_sensitive, entity_ids, action, action_params,
	additive, priority, is_active, match_count, last_matched_at, created_at, updated_at`

func (r *ruleRepository) Create(ctx context.Context, rule *models.StringMatchRule) error {
	query := `
		INSERT INTO router_string_match_rules (
			pattern, match_type, case_sensitive, entity_ids, action, action_params,
			additive, priority, is_active
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + ruleColumns

	row := r.db.Conn(ctx).QueryRow(ctx, query,
		rule.Pattern,
		rule.MatchType,
		rule.CaseSensitive,
		entityIDs(rule.EntityIDs),
		rule.Action,
		emptyIfNil(rule.ActionParams),
		rule.Additive,
		rule.Priority,
		rule.IsActive,
	)
	if err := scanRule(row, rule); err != nil {
		return fmt.Errorf("failed to create string match rule: %w", err)
	}
	return nil
}

func (r *ruleRepository) Get(ctx context.Context, id uuid.UUID) (*models.StringMatchRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM router_string_match_rules WHERE id = $1`

	var rule models.StringMatchRule
	if err := scanRule(r.db.Conn(ctx).QueryRow(ctx, query, id), &rule); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get string match rule: %w", err)
	}
	return &rule, nil
}

func (r *ruleRepository) Update(ctx context.Context, rule *models.StringMatchRule) error {
	query := `
		UPDATE router_string_match_rules
		SET pattern = $2, match_type = $3, case_sensitive = $4, entity_ids = $5, action = $6,
		    action_params = $7, additive = $8, priority = $9, is_active = $10, updated_at = now()
		WHERE id = $1
		RETURNING ` + ruleColumns

	row := r.db.Conn(ctx).QueryRow(ctx, query,
		rule.ID,
		rule.Pattern,
		rule.MatchType,
		rule.CaseSensitive,
		entityIDs(rule.EntityIDs),
		rule.Action,
		emptyIfNil(rule.ActionParams),
		rule.Additive,
		rule.Priority,
		rule.IsActive,
	)
	if err := scanRule(row, rule); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.ErrNotFound
		}
		return fmt.Errorf("failed to update string match rule: %w", err)
	}
	return nil
}

func (r *ruleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Conn(ctx).Exec(ctx, `DELETE FROM router_string_match_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete string match rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *ruleRepository) List(ctx context.Context) ([]*models.StringMatchRule, error) {
	query := `SELECT ` + ruleColumns + `
		FROM router_string_match_rules
		ORDER BY priority, id`
	return r.queryRules(ctx, query)
}

func (r *ruleRepository) ListActive(ctx context.Context, entityID uuid.UUID) ([]*models.StringMatchRule, error) {
	query := `SELECT ` + ruleColumns + `
		FROM router_string_match_rules
		WHERE is_active AND (cardinality(entity_ids) = 0 OR $1 = ANY(entity_ids))
		ORDER BY priority, id`
	return r.queryRules(ctx, query, entityID)
}

func (r *ruleRepository) RecordMatches(ctx context.Context, ruleIDs []uuid.UUID, matchedAt time.Time) error {
	if len(ruleIDs) == 0 {
		return nil
	}

	query := `
		UPDATE router_string_match_rules r
		SET match_count = r.match_count + m.n,
		    last_matched_at = GREATEST(COALESCE(r.last_matched_at, $2), $2)
		FROM (
			SELECT id, count(*) AS n
			FROM unnest($1::uuid[]) AS id
			GROUP BY id
		) m
		WHERE r.id = m.id`

	if _, err := r.db.Conn(ctx).Exec(ctx, query, ruleIDs, matchedAt); err != nil {
		return fmt.Errorf("failed to record rule matches: %w", err)
	}
	return nil
}

func (r *ruleRepository) queryRules(ctx context.Context, query string, args ...any) ([]*models.StringMatchRule, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query string match rules: %w", err)
	}
	defer rows.Close()

	var rules []*models.StringMatchRule
	for rows.Next() {
		var rule models.StringMatchRule
		if err := scanRule(rows, &rule); err != nil {
			return nil, fmt.Errorf("failed to scan string match rule: %w", err)
		}
		rules = append(rules, &rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate string match rules: %w", err)
	}
	return rules, nil
}

func scanRule(row pgx.Row, rule *models.StringMatchRule) error {
	return row.Scan(
		&rule.ID, &rule.Pattern, &rule.MatchType, &rule.CaseSensitive, &rule.EntityIDs,
		&rule.Action, &rule.ActionParams, &rule.Additive, &rule.Priority, &rule.IsActive,
		&rule.MatchCount, &rule.LastMatchedAt, &rule.CreatedAt, &rule.UpdatedAt,
	)
}

// entityIDs keeps the uuid[] column non-null.
func entityIDs(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}
