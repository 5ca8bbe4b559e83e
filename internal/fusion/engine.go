// Package fusion turns a vague topic into a small, deduplicated,
// provenance-tagged set of facts.
//
// The engine fans out to every permitted source within a retrieval budget,
// merges whatever came back, and degrades gracefully: a denied or failing
// source becomes a warning, never a failure, unless no source at all could
// be consulted.
package fusion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/epitome-ai/epitome/internal/consent"
	"github.com/epitome-ai/epitome/internal/model"
)

// Retrieval fails outright only when not a single source could be consulted.
// ErrAllDenied means consent blocked every candidate; ErrNoSources covers
// empty selection and every-query-failed.
var (
	ErrNoSources = errors.New("fusion: no source could be consulted")
	ErrAllDenied = errors.New("fusion: consent denied every source")
)

// Provider executes the per-source queries. Implemented by the knowledge
// service over storage and the vector index; each method may fail or be slow
// independently of the others.
type Provider interface {
	TableFacts(ctx context.Context, userID uuid.UUID, table, topic string, limit int) ([]model.Fact, error)
	VectorFacts(ctx context.Context, userID uuid.UUID, collection, topic string, limit int, confidenceFloor float32) ([]model.Fact, error)
	GraphFacts(ctx context.Context, userID uuid.UUID, topic string, maxHops, limit int) ([]model.Fact, error)
}

// Request carries everything one retrieval needs. Tables, Collections and
// Profile are pre-loaded by the caller (metadata-load warnings belong in
// MetaWarnings — the engine merges them in, it does not generate them).
type Request struct {
	UserID       uuid.UUID
	AgentID      string
	Topic        string
	Budget       model.RetrievalBudget
	Consent      consent.Checker
	Tables       []model.SourceMetadata
	Collections  []model.SourceMetadata
	Profile      *model.Profile
	MetaWarnings []string
}

// Engine is the retrieval fusion orchestrator.
type Engine struct {
	provider Provider
	logger   *slog.Logger
}

// New creates a fusion engine.
func New(provider Provider, logger *slog.Logger) *Engine {
	return &Engine{provider: provider, logger: logger}
}

// sourceQuery is one consent-cleared unit of fan-out.
type sourceQuery struct {
	resource string
	run      func(ctx context.Context) ([]model.Fact, error)
}

// Retrieve implements the fusion algorithm: candidate selection, consent
// probes, concurrent fan-out with settled collection, dedup, ranking, and
// budget truncation.
func (e *Engine) Retrieve(ctx context.Context, req Request) (model.RetrievalResult, error) {
	caps := req.Budget.Caps()
	var warnings []string

	// 1. Candidate selection: profile always (when loaded); tables and
	// collections by cheap lexical overlap with the topic, up to budget caps;
	// graph only when the budget enables it.
	tables := selectByTopic(req.Tables, req.Topic, caps.MaxTables)
	collections := selectByTopic(req.Collections, req.Topic, caps.MaxCollections)

	var queries []sourceQuery
	candidates := 0

	if req.Profile != nil {
		candidates++
		allowed, err := req.Consent.Check(ctx, req.UserID, req.AgentID, "profile", consent.PermissionRead)
		if err != nil {
			return model.RetrievalResult{}, fmt.Errorf("fusion: consent check: %w", err)
		}
		if allowed {
			profile := *req.Profile
			queries = append(queries, sourceQuery{
				resource: "profile",
				run: func(context.Context) ([]model.Fact, error) {
					return profileFacts(profile), nil
				},
			})
		} else {
			warnings = append(warnings, "skipped profile: consent denied")
		}
	}

	for _, meta := range tables {
		candidates++
		resource := "tables/" + meta.Name
		allowed, err := req.Consent.Check(ctx, req.UserID, req.AgentID, resource, consent.PermissionRead)
		if err != nil {
			return model.RetrievalResult{}, fmt.Errorf("fusion: consent check: %w", err)
		}
		if !allowed {
			warnings = append(warnings, "skipped "+resource+": consent denied")
			continue
		}
		table := meta.Name
		queries = append(queries, sourceQuery{
			resource: resource,
			run: func(ctx context.Context) ([]model.Fact, error) {
				return e.provider.TableFacts(ctx, req.UserID, table, req.Topic, caps.MaxFacts)
			},
		})
	}

	for _, meta := range collections {
		candidates++
		resource := "vectors/" + meta.Name
		allowed, err := req.Consent.Check(ctx, req.UserID, req.AgentID, resource, consent.PermissionRead)
		if err != nil {
			return model.RetrievalResult{}, fmt.Errorf("fusion: consent check: %w", err)
		}
		if !allowed {
			warnings = append(warnings, "skipped "+resource+": consent denied")
			continue
		}
		collection := meta.Name
		queries = append(queries, sourceQuery{
			resource: resource,
			run: func(ctx context.Context) ([]model.Fact, error) {
				return e.provider.VectorFacts(ctx, req.UserID, collection, req.Topic, caps.MaxFacts, caps.VectorConfidenceFloor)
			},
		})
	}

	if caps.GraphHops > 0 {
		candidates++
		allowed, err := req.Consent.Check(ctx, req.UserID, req.AgentID, "graph", consent.PermissionRead)
		if err != nil {
			return model.RetrievalResult{}, fmt.Errorf("fusion: consent check: %w", err)
		}
		if allowed {
			queries = append(queries, sourceQuery{
				resource: "graph",
				run: func(ctx context.Context) ([]model.Fact, error) {
					return e.provider.GraphFacts(ctx, req.UserID, req.Topic, caps.GraphHops, caps.MaxFacts)
				},
			})
		} else {
			warnings = append(warnings, "skipped graph: consent denied")
		}
	}

	if candidates == 0 {
		return model.RetrievalResult{}, fmt.Errorf("%w: nothing matched topic %q", ErrNoSources, req.Topic)
	}
	if len(queries) == 0 {
		return model.RetrievalResult{}, fmt.Errorf("%w: %d candidates", ErrAllDenied, candidates)
	}

	// 2. Fan out concurrently and collect settled outcomes. A failing source
	// contributes a warning; it never blocks or aborts the others.
	merged, queryWarnings := e.fanOut(ctx, queries)
	warnings = append(warnings, queryWarnings...)

	if len(queryWarnings) == len(queries) && len(merged) == 0 {
		return model.RetrievalResult{}, fmt.Errorf("%w: all %d permitted sources failed", ErrNoSources, len(queries))
	}

	// 3. Dedup, rank, truncate.
	facts := dedupe(merged)
	rank(facts, req.Topic)
	if len(facts) > caps.MaxFacts {
		facts = facts[:caps.MaxFacts]
	}

	warnings = append(warnings, req.MetaWarnings...)
	return model.RetrievalResult{Facts: facts, Warnings: warnings}, nil
}

// fanOut fires all queries and waits for every one to settle. Context
// cancellation propagates into each query; a slow source can't be
// individually timed out here (the caller's deadline governs).
func (e *Engine) fanOut(ctx context.Context, queries []sourceQuery) ([]model.Fact, []string) {
	var (
		mu       sync.Mutex
		merged   []model.Fact
		warnings []string
		wg       sync.WaitGroup
	)

	for _, q := range queries {
		wg.Add(1)
		go func(q sourceQuery) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("fusion: source adapter panicked", "resource", q.resource, "panic", r)
					mu.Lock()
					warnings = append(warnings, fmt.Sprintf("source %s failed: internal error", q.resource))
					mu.Unlock()
				}
			}()

			facts, err := q.run(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("source %s failed: %v", q.resource, err))
				return
			}
			merged = append(merged, facts...)
		}(q)
	}
	wg.Wait()

	sort.Strings(warnings) // deterministic order regardless of goroutine scheduling
	return merged, warnings
}
