package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/epitome-ai/epitome/internal/consent"
	"github.com/epitome-ai/epitome/internal/model"
	"github.com/epitome-ai/epitome/internal/ontology"
)

// DefaultCollection receives memorized text that names no collection.
const DefaultCollection = "memories"

// profileTable is the reserved table name that routes a structured write into
// the profile document instead of a user table.
const profileTable = "profile"

// MemorizeInput is one write request. Exactly one payload shape applies:
// structured Data into Table (Table "profile" merges the profile document),
// or free Text into a vector collection.
type MemorizeInput struct {
	Table          string
	Data           map[string]any
	Text           string
	Collection     string
	IdempotencyKey string
}

// Memorize commits the write synchronously, derives graph entities from
// structured payloads, and queues background vectorization. Retries carrying
// the same idempotency key replay the first outcome instead of re-running.
func (s *Service) Memorize(ctx context.Context, userID uuid.UUID, agentID string, in MemorizeInput) (model.WriteResult, error) {
	start := time.Now()

	if err := validateMemorize(&in); err != nil {
		return model.WriteResult{}, err
	}

	payload, err := s.idem.Execute(ctx, userID, "epitome_memorize", in.IdempotencyKey, memorizeArgs(in),
		func(ctx context.Context) (any, error) {
			if in.Text != "" {
				return s.memorizeText(ctx, userID, agentID, in)
			}
			if in.Table == profileTable {
				return s.memorizeProfile(ctx, userID, agentID, in)
			}
			return s.memorizeRecord(ctx, userID, agentID, in)
		})
	if err != nil {
		return model.WriteResult{}, err
	}

	var result model.WriteResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return model.WriteResult{}, fmt.Errorf("knowledge: decode write result: %w", err)
	}
	s.memorizeDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	return result, nil
}

func validateMemorize(in *MemorizeInput) error {
	in.Text = strings.TrimSpace(in.Text)
	hasData := len(in.Data) > 0
	hasText := in.Text != ""

	switch {
	case hasData == hasText:
		return model.NewToolError(model.ErrCodeInvalidArgs, "provide exactly one of data or text")
	case hasText && len(in.Text) > model.MaxTextLen:
		return model.NewToolError(model.ErrCodeInvalidArgs,
			fmt.Sprintf("text exceeds maximum length of %d bytes", model.MaxTextLen))
	case hasData:
		if in.Table == "" {
			return model.NewToolError(model.ErrCodeInvalidArgs, "table is required for structured data")
		}
		if in.Table != profileTable {
			if err := model.ValidateTableName(in.Table); err != nil {
				return model.NewToolError(model.ErrCodeInvalidArgs, err.Error())
			}
		}
	}

	if in.Collection == "" {
		in.Collection = DefaultCollection
	}
	if err := model.ValidateTableName(in.Collection); err != nil {
		return model.NewToolError(model.ErrCodeInvalidArgs, "invalid collection: "+err.Error())
	}
	return nil
}

// memorizeArgs is the canonical argument set the idempotency hash covers.
// The key itself is excluded; everything that affects the outcome is in.
func memorizeArgs(in MemorizeInput) map[string]any {
	return map[string]any{
		"table":      in.Table,
		"data":       in.Data,
		"text":       in.Text,
		"collection": in.Collection,
	}
}

// memorizeText stores a free-text memory and queues it for vectorization.
func (s *Service) memorizeText(ctx context.Context, userID uuid.UUID, agentID string, in MemorizeInput) (model.WriteResult, error) {
	resource := "vectors/" + in.Collection
	if err := s.gate.Require(ctx, userID, agentID, resource, consent.PermissionWrite); err != nil {
		return model.WriteResult{}, err
	}

	mem, err := s.db.IngestMemoryText(ctx, userID, in.Text, map[string]any{
		"collection": in.Collection,
		"agent_id":   agentID,
	})
	if err != nil {
		return model.WriteResult{}, err
	}

	result := model.WriteResult{
		RecordID:    mem.ID,
		SourceRef:   mem.SourceRef(),
		WriteID:     uuid.New(),
		WriteStatus: "committed",
	}

	jobID, err := s.db.EnqueueVectorize(ctx, userID, in.Collection, mem.SourceRef(), in.Text)
	if err != nil {
		// The text is durably stored; only its indexing is delayed. Surfacing
		// an error here would make the caller retry a committed write.
		s.logger.Error("knowledge: enqueue vectorize failed", "source_ref", mem.SourceRef(), "error", err)
	} else {
		result.JobID = &jobID
	}

	s.audit(ctx, model.AuditEntry{
		UserID: userID, AgentID: agentID, Action: "memorize", Resource: resource,
		Details: map[string]any{"source_ref": mem.SourceRef()},
	})
	return result, nil
}

// memorizeRecord stores a structured record, runs entity extraction over it,
// and queues the rendered text for vectorization.
func (s *Service) memorizeRecord(ctx context.Context, userID uuid.UUID, agentID string, in MemorizeInput) (model.WriteResult, error) {
	resource := "tables/" + in.Table
	if err := s.gate.Require(ctx, userID, agentID, resource, consent.PermissionWrite); err != nil {
		return model.WriteResult{}, err
	}

	if err := s.db.EnsureTable(ctx, userID, in.Table, ""); err != nil {
		return model.WriteResult{}, err
	}
	rec, err := s.db.IngestTableRecord(ctx, userID, in.Table, in.Data)
	if err != nil {
		return model.WriteResult{}, err
	}

	result := model.WriteResult{
		RecordID:    rec.ID,
		SourceRef:   rec.SourceRef(),
		WriteID:     uuid.New(),
		WriteStatus: "committed",
	}

	entities, quarantined := s.applyExtractions(ctx, userID, rec.SourceRef(), ontology.ExtractEntities(in.Table, in.Data))
	result.Entities = entities
	result.Quarantined = quarantined

	// The rendered record gets its own memories row so the vector pipeline
	// (embedding mirror, hit hydration) resolves it like any text memory;
	// record_ref keeps the provenance chain back to the table row.
	rendered := in.Table + ": " + renderRecord(in.Data)
	mem, err := s.db.IngestMemoryText(ctx, userID, rendered, map[string]any{
		"collection": in.Collection,
		"agent_id":   agentID,
		"record_ref": rec.SourceRef(),
	})
	if err != nil {
		s.logger.Error("knowledge: ingest rendered record failed", "source_ref", rec.SourceRef(), "error", err)
	} else if jobID, err := s.db.EnqueueVectorize(ctx, userID, in.Collection, mem.SourceRef(), rendered); err != nil {
		s.logger.Error("knowledge: enqueue vectorize failed", "source_ref", mem.SourceRef(), "error", err)
	} else {
		result.JobID = &jobID
	}

	s.audit(ctx, model.AuditEntry{
		UserID: userID, AgentID: agentID, Action: "memorize", Resource: resource,
		Details: map[string]any{"source_ref": rec.SourceRef(), "entities": entities, "quarantined": quarantined},
	})
	return result, nil
}

// memorizeProfile merges structured data into the profile document. Profile
// versions are append-only; the merged document becomes the latest.
func (s *Service) memorizeProfile(ctx context.Context, userID uuid.UUID, agentID string, in MemorizeInput) (model.WriteResult, error) {
	if err := s.gate.Require(ctx, userID, agentID, "profile", consent.PermissionWrite); err != nil {
		return model.WriteResult{}, err
	}

	doc := map[string]any{}
	if current, err := s.db.GetLatestProfile(ctx, userID); err == nil {
		doc = current.Doc
	}
	for k, v := range in.Data {
		doc[k] = v
	}
	if err := s.db.UpsertProfile(ctx, userID, doc); err != nil {
		return model.WriteResult{}, err
	}

	result := model.WriteResult{
		RecordID:    userID,
		SourceRef:   "profile/latest",
		WriteID:     uuid.New(),
		WriteStatus: "committed",
	}
	entities, quarantined := s.applyExtractions(ctx, userID, "profile/latest", ontology.ExtractEntities(profileTable, in.Data))
	result.Entities = entities
	result.Quarantined = quarantined

	s.audit(ctx, model.AuditEntry{
		UserID: userID, AgentID: agentID, Action: "memorize", Resource: "profile",
		Details: map[string]any{"fields": len(in.Data), "entities": entities},
	})
	return result, nil
}

// applyExtractions persists derived entities and their edges from the
// implicit subject (the store's owner). Edges that fail relation matrix
// validation are stored quarantined, never dropped. One failing extraction
// is logged and skipped; the committed record is not rolled back over a
// derived artifact.
func (s *Service) applyExtractions(ctx context.Context, userID uuid.UUID, origin string, extractions []ontology.Extraction) (entities, quarantined int) {
	if len(extractions) == 0 {
		return 0, 0
	}

	subject, err := s.db.UpsertEntity(ctx, model.Entity{
		UserID:     userID,
		Type:       ontology.TypePerson,
		Name:       "self",
		Confidence: 1.0,
	})
	if err != nil {
		s.logger.Error("knowledge: upsert subject entity", "error", err)
		return 0, 0
	}

	for _, ex := range extractions {
		target, err := s.db.UpsertEntity(ctx, model.Entity{
			UserID:     userID,
			Type:       ex.Type,
			Name:       ex.Name,
			Properties: ex.Properties,
			Confidence: ex.Confidence,
		})
		if err != nil {
			s.logger.Error("knowledge: upsert entity", "name", ex.Name, "error", err)
			continue
		}
		entities++

		if ex.Edge == nil {
			continue
		}
		validation := ontology.ValidateEdge(subject.Type, target.Type, ex.Edge.Relation)
		edgeOrigin := origin
		if ex.Edge.SourceRef != "" {
			edgeOrigin = origin + "#" + ex.Edge.SourceRef
		}
		if _, err := s.db.InsertEdge(ctx, model.Edge{
			UserID:           userID,
			SourceID:         subject.ID,
			TargetID:         target.ID,
			Relation:         ontology.NormalizeRelation(ex.Edge.Relation),
			Properties:       ex.Edge.Properties,
			Confidence:       ex.Confidence,
			Origin:           edgeOrigin,
			Quarantined:      validation.Quarantine,
			QuarantineReason: validation.Reason,
		}); err != nil {
			s.logger.Error("knowledge: insert edge", "relation", ex.Edge.Relation, "error", err)
			continue
		}
		if validation.Quarantine {
			quarantined++
		}
	}
	return entities, quarantined
}
