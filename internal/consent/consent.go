// Package consent authorizes (user, agent, resource, permission) tuples
// before any tool body runs.
//
// This package exists so the MCP facade, the knowledge service, and the
// fusion engine share one authorization path without importing each other.
// Decisions are evaluated fresh on every call — nothing is cached across
// requests, so a revoked grant takes effect immediately.
package consent

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/epitome-ai/epitome/internal/model"
	"github.com/epitome-ai/epitome/internal/storage"
)

// Permissions checked by the gate.
const (
	PermissionRead  = "read"
	PermissionWrite = "write"
)

// Domains are the coarse resource groups a rule may cover when no
// concrete-resource rule exists.
var Domains = []string{"tables", "vectors", "graph", "profile", "memory"}

// ValidResource reports whether a rule resource is one the gate can ever
// match: a bare domain, or "<domain>/<name>" with a non-empty name. Rules
// outside this shape would be stored but never consulted.
func ValidResource(resource string) bool {
	domain := resource
	if i := strings.IndexByte(resource, '/'); i >= 0 {
		if resource[i+1:] == "" {
			return false
		}
		domain = resource[:i]
	}
	for _, d := range Domains {
		if domain == d {
			return true
		}
	}
	return false
}

// Gate is the consent checker backed by stored rules.
type Gate struct {
	db *storage.DB
}

// New creates a consent gate.
func New(db *storage.DB) *Gate {
	return &Gate{db: db}
}

// Checker is the non-fatal probe interface the fusion engine consumes to
// silently skip sources instead of aborting a retrieval.
type Checker interface {
	Check(ctx context.Context, userID uuid.UUID, agentID, resource, permission string) (bool, error)
}

// Check resolves consent for a resource: exact-resource rule first, then the
// resource's domain rule, then default deny.
func (g *Gate) Check(ctx context.Context, userID uuid.UUID, agentID, resource, permission string) (bool, error) {
	allowed, found, err := g.db.GetConsentRule(ctx, userID, agentID, resource, permission)
	if err != nil {
		return false, fmt.Errorf("consent: %w", err)
	}
	if found {
		return allowed, nil
	}

	if domain := domainOf(resource); domain != resource {
		return g.CheckDomain(ctx, userID, agentID, domain, permission)
	}
	return false, nil
}

// CheckDomain resolves consent for a whole domain ("tables", "graph", ...).
func (g *Gate) CheckDomain(ctx context.Context, userID uuid.UUID, agentID, domain, permission string) (bool, error) {
	allowed, found, err := g.db.GetConsentRule(ctx, userID, agentID, domain, permission)
	if err != nil {
		return false, fmt.Errorf("consent: %w", err)
	}
	if !found {
		return false, nil
	}
	return allowed, nil
}

// Require fails with a CONSENT_DENIED tool error unless consent resolves to
// allow. Callers are responsible for audit logging; the gate itself is a
// pure lookup.
func (g *Gate) Require(ctx context.Context, userID uuid.UUID, agentID, resource, permission string) error {
	allowed, err := g.Check(ctx, userID, agentID, resource, permission)
	if err != nil {
		return err
	}
	if !allowed {
		return model.NewToolError(model.ErrCodeConsentDenied,
			fmt.Sprintf("agent %s lacks %s consent for %s", agentID, permission, resource))
	}
	return nil
}

// domainOf maps "tables/reading_list" to "tables"; a bare domain maps to
// itself.
func domainOf(resource string) string {
	if i := strings.IndexByte(resource, '/'); i > 0 {
		return resource[:i]
	}
	return resource
}
