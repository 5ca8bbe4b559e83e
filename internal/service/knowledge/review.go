package knowledge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/epitome-ai/epitome/internal/consent"
	"github.com/epitome-ai/epitome/internal/model"
	"github.com/epitome-ai/epitome/internal/search"
)

// ReviewInput selects one review action.
//
//	list    — show quarantined edges awaiting review
//	release — clear an edge's quarantine so retrieval can see it
//	resolve — mark a table record handled, optionally superseded by another
//	discard — delete a table record outright
type ReviewInput struct {
	Action         string
	EdgeID         string
	RecordID       string
	SupersededBy   string
	Limit          int
	IdempotencyKey string
}

// ReviewResult reports what the action did.
type ReviewResult struct {
	Action   string       `json:"action"`
	Edges    []model.Edge `json:"edges,omitempty"`
	EdgeID   string       `json:"edge_id,omitempty"`
	RecordID string       `json:"record_id,omitempty"`
	Status   string       `json:"status,omitempty"`
}

// Review inspects and settles what earlier writes produced. The list action
// is read-only; mutating actions honor the idempotency key.
func (s *Service) Review(ctx context.Context, userID uuid.UUID, agentID string, in ReviewInput) (ReviewResult, error) {
	switch in.Action {
	case "list":
		return s.reviewList(ctx, userID, agentID, in)
	case "release", "resolve", "discard":
	default:
		return ReviewResult{}, model.NewToolError(model.ErrCodeInvalidArgs,
			fmt.Sprintf("unknown action %q (list, release, resolve, discard)", in.Action))
	}

	payload, err := s.idem.Execute(ctx, userID, "epitome_review", in.IdempotencyKey, reviewArgs(in),
		func(ctx context.Context) (any, error) {
			switch in.Action {
			case "release":
				return s.reviewRelease(ctx, userID, agentID, in)
			case "resolve":
				return s.reviewResolve(ctx, userID, agentID, in)
			default:
				return s.reviewDiscard(ctx, userID, agentID, in)
			}
		})
	if err != nil {
		return ReviewResult{}, err
	}

	var result ReviewResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return ReviewResult{}, fmt.Errorf("knowledge: decode review result: %w", err)
	}
	return result, nil
}

func reviewArgs(in ReviewInput) map[string]any {
	return map[string]any{
		"action":        in.Action,
		"edge_id":       in.EdgeID,
		"record_id":     in.RecordID,
		"superseded_by": in.SupersededBy,
	}
}

func (s *Service) reviewList(ctx context.Context, userID uuid.UUID, agentID string, in ReviewInput) (ReviewResult, error) {
	if err := s.gate.Require(ctx, userID, agentID, "graph", consent.PermissionRead); err != nil {
		return ReviewResult{}, err
	}
	edges, err := s.db.ListQuarantinedEdges(ctx, userID, in.Limit)
	if err != nil {
		return ReviewResult{}, err
	}
	return ReviewResult{Action: "list", Edges: edges}, nil
}

func (s *Service) reviewRelease(ctx context.Context, userID uuid.UUID, agentID string, in ReviewInput) (ReviewResult, error) {
	edgeID, err := uuid.Parse(in.EdgeID)
	if err != nil {
		return ReviewResult{}, model.NewToolError(model.ErrCodeInvalidArgs, "edge_id must be a UUID")
	}
	if err := s.gate.Require(ctx, userID, agentID, "graph", consent.PermissionWrite); err != nil {
		return ReviewResult{}, err
	}
	if err := s.db.ReleaseEdge(ctx, userID, edgeID); err != nil {
		return ReviewResult{}, err
	}
	s.audit(ctx, model.AuditEntry{
		UserID: userID, AgentID: agentID, Action: "review", Resource: "graph/" + edgeID.String(),
		Details: map[string]any{"action": "release"},
	})
	return ReviewResult{Action: "release", EdgeID: edgeID.String(), Status: "released"}, nil
}

func (s *Service) reviewResolve(ctx context.Context, userID uuid.UUID, agentID string, in ReviewInput) (ReviewResult, error) {
	recordID, err := uuid.Parse(in.RecordID)
	if err != nil {
		return ReviewResult{}, model.NewToolError(model.ErrCodeInvalidArgs, "record_id must be a UUID")
	}

	rec, err := s.db.GetTableRecord(ctx, userID, recordID)
	if err != nil {
		return ReviewResult{}, err
	}
	if err := s.gate.Require(ctx, userID, agentID, "tables/"+rec.TableName, consent.PermissionWrite); err != nil {
		return ReviewResult{}, err
	}

	var supersededBy *uuid.UUID
	if in.SupersededBy != "" {
		id, err := uuid.Parse(in.SupersededBy)
		if err != nil {
			return ReviewResult{}, model.NewToolError(model.ErrCodeInvalidArgs, "superseded_by must be a UUID")
		}
		supersededBy = &id
	}

	if err := s.db.ResolveTableRecord(ctx, userID, recordID, supersededBy); err != nil {
		return ReviewResult{}, err
	}
	s.audit(ctx, model.AuditEntry{
		UserID: userID, AgentID: agentID, Action: "review", Resource: rec.SourceRef(),
		Details: map[string]any{"action": "resolve", "superseded_by": in.SupersededBy},
	})
	return ReviewResult{Action: "resolve", RecordID: recordID.String(), Status: "resolved"}, nil
}

func (s *Service) reviewDiscard(ctx context.Context, userID uuid.UUID, agentID string, in ReviewInput) (ReviewResult, error) {
	recordID, err := uuid.Parse(in.RecordID)
	if err != nil {
		return ReviewResult{}, model.NewToolError(model.ErrCodeInvalidArgs, "record_id must be a UUID")
	}

	rec, err := s.db.GetTableRecord(ctx, userID, recordID)
	if err != nil {
		return ReviewResult{}, err
	}
	if err := s.gate.Require(ctx, userID, agentID, "tables/"+rec.TableName, consent.PermissionWrite); err != nil {
		return ReviewResult{}, err
	}

	if err := s.db.DeleteTableRecord(ctx, userID, recordID); err != nil {
		return ReviewResult{}, err
	}

	// Discarding a record also removes the memory rendered from it, so the
	// vector source cannot resurface a deleted fact. Index eviction failures
	// are logged, not fatal: without the memory row the hit cannot hydrate.
	memIDs, err := s.db.DeleteMemoriesByRecordRef(ctx, userID, rec.SourceRef())
	if err != nil {
		s.logger.Error("knowledge: delete derived memories", "record", rec.SourceRef(), "error", err)
	} else if len(memIDs) > 0 {
		if d, ok := s.searcher.(search.Deleter); ok {
			if err := d.DeleteByIDs(ctx, memIDs); err != nil {
				s.logger.Warn("knowledge: evict index points", "record", rec.SourceRef(), "error", err)
			}
		}
	}

	s.audit(ctx, model.AuditEntry{
		UserID: userID, AgentID: agentID, Action: "review", Resource: rec.SourceRef(),
		Details: map[string]any{"action": "discard"},
	})
	return ReviewResult{Action: "discard", RecordID: recordID.String(), Status: "discarded"}, nil
}
