package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ConsentRule is one (user, agent, resource, permission) authorization.
// Resource is either a concrete id ("tables/reading_list") or a domain
// ("tables", "vectors", "graph", "profile", "memory").
type ConsentRule struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	AgentID    string
	Resource   string
	Permission string // read | write
	Allowed    bool
	GrantedAt  time.Time
	ExpiresAt  *time.Time
}

// GetConsentRule looks up the rule for an exact resource string. found is
// false when no unexpired rule exists — the caller falls through to the
// domain rule or the default deny.
func (db *DB) GetConsentRule(ctx context.Context, userID uuid.UUID, agentID, resource, permission string) (allowed, found bool, err error) {
	err = db.pool.QueryRow(ctx,
		`SELECT allowed FROM consent_rules
		 WHERE user_id = $1 AND agent_id = $2 AND resource = $3 AND permission = $4
		   AND (expires_at IS NULL OR expires_at > now())
		 ORDER BY granted_at DESC
		 LIMIT 1`,
		userID, agentID, resource, permission,
	).Scan(&allowed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("storage: get consent rule: %w", err)
	}
	return allowed, true, nil
}

// UpsertConsentRule records a grant or revocation. Later rules shadow
// earlier ones via the granted_at ordering in GetConsentRule.
func (db *DB) UpsertConsentRule(ctx context.Context, rule ConsentRule) (ConsentRule, error) {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO consent_rules (id, user_id, agent_id, resource, permission, allowed, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING granted_at`,
		rule.ID, rule.UserID, rule.AgentID, rule.Resource, rule.Permission, rule.Allowed, rule.ExpiresAt,
	).Scan(&rule.GrantedAt)
	if err != nil {
		return ConsentRule{}, fmt.Errorf("storage: upsert consent rule: %w", err)
	}
	return rule, nil
}

// ListConsentRules returns the user's unexpired rules for an agent.
func (db *DB) ListConsentRules(ctx context.Context, userID uuid.UUID, agentID string) ([]ConsentRule, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, agent_id, resource, permission, allowed, granted_at, expires_at
		 FROM consent_rules
		 WHERE user_id = $1 AND agent_id = $2 AND (expires_at IS NULL OR expires_at > now())
		 ORDER BY granted_at DESC`,
		userID, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list consent rules: %w", err)
	}
	defer rows.Close()

	var rules []ConsentRule
	for rows.Next() {
		var r ConsentRule
		if err := rows.Scan(&r.ID, &r.UserID, &r.AgentID, &r.Resource, &r.Permission,
			&r.Allowed, &r.GrantedAt, &r.ExpiresAt); err != nil {
			return nil, fmt.Errorf("storage: scan consent rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
