package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epitome-ai/epitome/internal/model"
	"github.com/epitome-ai/epitome/internal/storage"
	"github.com/epitome-ai/epitome/internal/testutil"
)

// testDB is the shared database for all integration tests in this package.
// Each test isolates itself behind a fresh user ID.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up test database: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	defer testDB.Close()

	os.Exit(m.Run())
}

func TestTableRecords_Lifecycle(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	rec, err := testDB.IngestTableRecord(ctx, userID, "preferences", map[string]any{"coffee": "black"})
	require.NoError(t, err)
	assert.Equal(t, "tables/preferences/"+rec.ID.String(), rec.SourceRef())

	got, err := testDB.GetTableRecord(ctx, userID, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"coffee": "black"}, got.Data)
	assert.Nil(t, got.ResolvedAt)

	recs, err := testDB.QueryTableRecords(ctx, userID, "preferences", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	// First ingest registers the table.
	tables, err := testDB.ListTables(ctx, userID)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "preferences", tables[0].Name)
	assert.Equal(t, int64(1), tables[0].Count)

	// Resolving hides the record from queries and the live count.
	require.NoError(t, testDB.ResolveTableRecord(ctx, userID, rec.ID, nil))
	recs, err = testDB.QueryTableRecords(ctx, userID, "preferences", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)

	tables, err = testDB.ListTables(ctx, userID)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, int64(0), tables[0].Count)

	// The resolved row stays readable for audit.
	got, err = testDB.GetTableRecord(ctx, userID, rec.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ResolvedAt)

	// Resolving twice fails: the row is no longer unresolved.
	assert.ErrorIs(t, testDB.ResolveTableRecord(ctx, userID, rec.ID, nil), storage.ErrNotFound)
}

func TestTableRecords_Supersede(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	old, err := testDB.IngestTableRecord(ctx, userID, "preferences", map[string]any{"coffee": "milk"})
	require.NoError(t, err)
	updated, err := testDB.IngestTableRecord(ctx, userID, "preferences", map[string]any{"coffee": "black"})
	require.NoError(t, err)

	require.NoError(t, testDB.ResolveTableRecord(ctx, userID, old.ID, &updated.ID))

	got, err := testDB.GetTableRecord(ctx, userID, old.ID)
	require.NoError(t, err)
	require.NotNil(t, got.SupersededBy)
	assert.Equal(t, updated.ID, *got.SupersededBy)
}

func TestTableRecords_Delete(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	rec, err := testDB.IngestTableRecord(ctx, userID, "scratch", map[string]any{"x": "y"})
	require.NoError(t, err)

	require.NoError(t, testDB.DeleteTableRecord(ctx, userID, rec.ID))
	_, err = testDB.GetTableRecord(ctx, userID, rec.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, testDB.DeleteTableRecord(ctx, userID, rec.ID), storage.ErrNotFound)
}

func TestTableRecords_UserIsolation(t *testing.T) {
	ctx := context.Background()
	owner, other := uuid.New(), uuid.New()

	rec, err := testDB.IngestTableRecord(ctx, owner, "preferences", map[string]any{"k": "v"})
	require.NoError(t, err)

	_, err = testDB.GetTableRecord(ctx, other, rec.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, testDB.DeleteTableRecord(ctx, other, rec.ID), storage.ErrNotFound)
}

func TestEnsureTable_DescriptionKept(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, testDB.EnsureTable(ctx, userID, "books", "reading list"))
	// Re-registration with an empty description keeps the original.
	require.NoError(t, testDB.EnsureTable(ctx, userID, "books", ""))

	tables, err := testDB.ListTables(ctx, userID)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "reading list", tables[0].Description)
}

func TestMemories(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	mem, err := testDB.IngestMemoryText(ctx, userID, "prefers window seats", map[string]any{"collection": "memories"})
	require.NoError(t, err)
	assert.Equal(t, "memory/"+mem.ID.String(), mem.SourceRef())

	got, err := testDB.GetMemory(ctx, userID, mem.ID)
	require.NoError(t, err)
	assert.Equal(t, "prefers window seats", got.Text)
	assert.Equal(t, "memories", got.Metadata["collection"])

	other, err := testDB.IngestMemoryText(ctx, userID, "second note", nil)
	require.NoError(t, err)

	batch, err := testDB.GetMemories(ctx, userID, []uuid.UUID{mem.ID, other.ID, uuid.New()})
	require.NoError(t, err)
	assert.Len(t, batch, 2, "unknown IDs are silently skipped")
	assert.Contains(t, batch, mem.ID)

	empty, err := testDB.GetMemories(ctx, userID, nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestCollections(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, testDB.BumpCollection(ctx, userID, "memories"))
	require.NoError(t, testDB.BumpCollection(ctx, userID, "memories"))
	require.NoError(t, testDB.BumpCollection(ctx, userID, "journal"))

	cols, err := testDB.ListCollections(ctx, userID)
	require.NoError(t, err)
	require.Len(t, cols, 2)
	assert.Equal(t, "journal", cols[0].Name)
	assert.Equal(t, int64(1), cols[0].Count)
	assert.Equal(t, "memories", cols[1].Name)
	assert.Equal(t, int64(2), cols[1].Count)
}

func TestProfiles(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	_, err := testDB.GetLatestProfile(ctx, userID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, testDB.UpsertProfile(ctx, userID, map[string]any{"name": "Yui"}))
	require.NoError(t, testDB.UpsertProfile(ctx, userID, map[string]any{"name": "Yui", "city": "Kyoto"}))

	p, err := testDB.GetLatestProfile(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, userID, p.UserID)
	assert.Equal(t, "Kyoto", p.Doc["city"], "latest version wins")
}

func TestConsentRules(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	const agentID = "assistant"

	_, found, err := testDB.GetConsentRule(ctx, userID, agentID, "tables/preferences", "read")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = testDB.UpsertConsentRule(ctx, storage.ConsentRule{
		UserID: userID, AgentID: agentID, Resource: "tables/preferences", Permission: "read", Allowed: true,
	})
	require.NoError(t, err)

	allowed, found, err := testDB.GetConsentRule(ctx, userID, agentID, "tables/preferences", "read")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, allowed)

	// A later revocation shadows the earlier grant.
	time.Sleep(10 * time.Millisecond)
	_, err = testDB.UpsertConsentRule(ctx, storage.ConsentRule{
		UserID: userID, AgentID: agentID, Resource: "tables/preferences", Permission: "read", Allowed: false,
	})
	require.NoError(t, err)

	allowed, found, err = testDB.GetConsentRule(ctx, userID, agentID, "tables/preferences", "read")
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, allowed)

	rules, err := testDB.ListConsentRules(ctx, userID, agentID)
	require.NoError(t, err)
	assert.Len(t, rules, 2)
}

func TestConsentRules_Expiry(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	past := time.Now().Add(-time.Hour)
	_, err := testDB.UpsertConsentRule(ctx, storage.ConsentRule{
		UserID: userID, AgentID: "a", Resource: "profile", Permission: "read", Allowed: true, ExpiresAt: &past,
	})
	require.NoError(t, err)

	_, found, err := testDB.GetConsentRule(ctx, userID, "a", "profile", "read")
	require.NoError(t, err)
	assert.False(t, found, "expired rules are invisible")

	rules, err := testDB.ListConsentRules(ctx, userID, "a")
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestGraph(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	subject, err := testDB.UpsertEntity(ctx, model.Entity{
		UserID: userID, Type: "person", Name: "Yui", Confidence: 0.9,
	})
	require.NoError(t, err)
	acme, err := testDB.UpsertEntity(ctx, model.Entity{
		UserID: userID, Type: "organization", Name: "Acme", Confidence: 0.8,
	})
	require.NoError(t, err)

	// Re-observation never lowers confidence.
	again, err := testDB.UpsertEntity(ctx, model.Entity{
		UserID: userID, Type: "organization", Name: "Acme", Confidence: 0.3,
	})
	require.NoError(t, err)
	assert.Equal(t, acme.ID, again.ID)

	edge, err := testDB.InsertEdge(ctx, model.Edge{
		UserID: userID, SourceID: subject.ID, TargetID: acme.ID,
		Relation: "works_at", Confidence: 0.9, Origin: "tables/work/1",
		Properties: map[string]any{"role": "Engineer"},
	})
	require.NoError(t, err)

	facts, err := testDB.TraverseGraph(ctx, userID, "yui", 2, 10)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, edge.ID, facts[0].EdgeID)
	assert.Equal(t, "Yui", facts[0].SourceName)
	assert.Equal(t, "works_at", facts[0].Relation)
	assert.Equal(t, "Acme", facts[0].TargetName)
	assert.Equal(t, "Engineer", facts[0].Properties["role"])
	assert.Equal(t, 1, facts[0].Depth)
}

func TestGraph_MultiHop(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	yui, err := testDB.UpsertEntity(ctx, model.Entity{UserID: userID, Type: "person", Name: "Yui", Confidence: 0.9})
	require.NoError(t, err)
	mika, err := testDB.UpsertEntity(ctx, model.Entity{UserID: userID, Type: "person", Name: "Mika", Confidence: 0.8})
	require.NoError(t, err)
	hospital, err := testDB.UpsertEntity(ctx, model.Entity{UserID: userID, Type: "organization", Name: "City Hospital", Confidence: 0.8})
	require.NoError(t, err)

	_, err = testDB.InsertEdge(ctx, model.Edge{
		UserID: userID, SourceID: yui.ID, TargetID: mika.ID, Relation: "family_member", Confidence: 0.8, Origin: "agent",
	})
	require.NoError(t, err)
	_, err = testDB.InsertEdge(ctx, model.Edge{
		UserID: userID, SourceID: mika.ID, TargetID: hospital.ID, Relation: "works_at", Confidence: 0.8, Origin: "agent",
	})
	require.NoError(t, err)

	oneHop, err := testDB.TraverseGraph(ctx, userID, "yui", 1, 10)
	require.NoError(t, err)
	assert.Len(t, oneHop, 1)

	twoHops, err := testDB.TraverseGraph(ctx, userID, "yui", 2, 10)
	require.NoError(t, err)
	assert.Len(t, twoHops, 2)
}

func TestGraph_QuarantineFlow(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	org, err := testDB.UpsertEntity(ctx, model.Entity{UserID: userID, Type: "organization", Name: "Acme", Confidence: 0.8})
	require.NoError(t, err)
	ramen, err := testDB.UpsertEntity(ctx, model.Entity{UserID: userID, Type: "food", Name: "Ramen", Confidence: 0.8})
	require.NoError(t, err)

	edge, err := testDB.InsertEdge(ctx, model.Edge{
		UserID: userID, SourceID: org.ID, TargetID: ramen.ID,
		Relation: "likes", Confidence: 0.6, Origin: "agent",
		Quarantined: true, QuarantineReason: "unexpected source type organization for likes",
	})
	require.NoError(t, err)

	// Quarantined edges never surface in traversal.
	facts, err := testDB.TraverseGraph(ctx, userID, "acme", 2, 10)
	require.NoError(t, err)
	assert.Empty(t, facts)

	pending, err := testDB.ListQuarantinedEdges(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, edge.ID, pending[0].ID)
	assert.Contains(t, pending[0].QuarantineReason, "unexpected source type")

	require.NoError(t, testDB.ReleaseEdge(ctx, userID, edge.ID))

	facts, err = testDB.TraverseGraph(ctx, userID, "acme", 2, 10)
	require.NoError(t, err)
	assert.Len(t, facts, 1)

	pending, err = testDB.ListQuarantinedEdges(ctx, userID, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Releasing twice is a no-op miss.
	assert.ErrorIs(t, testDB.ReleaseEdge(ctx, userID, edge.ID), storage.ErrNotFound)
}

func TestIdempotencyKeys(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	reserved, _, err := testDB.BeginIdempotency(ctx, userID, "epitome_memorize", "k1", "hash-a")
	require.NoError(t, err)
	assert.True(t, reserved)

	// Second caller loses the race and sees the pending record.
	reserved, lookup, err := testDB.BeginIdempotency(ctx, userID, "epitome_memorize", "k1", "hash-a")
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.True(t, lookup.Found)
	assert.False(t, lookup.Completed)
	assert.Equal(t, "hash-a", lookup.RequestHash)

	require.NoError(t, testDB.CompleteIdempotency(ctx, userID, "epitome_memorize", "k1", []byte(`{"record_id":"x"}`)))

	lookup, err = testDB.LookupIdempotency(ctx, userID, "epitome_memorize", "k1")
	require.NoError(t, err)
	assert.True(t, lookup.Completed)
	assert.JSONEq(t, `{"record_id":"x"}`, string(lookup.Result))

	// Completing again fails: the record is no longer pending.
	assert.Error(t, testDB.CompleteIdempotency(ctx, userID, "epitome_memorize", "k1", []byte(`{}`)))

	// Clear only removes pending reservations; a completed record survives.
	require.NoError(t, testDB.ClearIdempotency(ctx, userID, "epitome_memorize", "k1"))
	lookup, err = testDB.LookupIdempotency(ctx, userID, "epitome_memorize", "k1")
	require.NoError(t, err)
	assert.True(t, lookup.Found)
}

func TestIdempotencyKeys_ClearPending(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	reserved, _, err := testDB.BeginIdempotency(ctx, userID, "tool", "k1", "h")
	require.NoError(t, err)
	require.True(t, reserved)

	require.NoError(t, testDB.ClearIdempotency(ctx, userID, "tool", "k1"))

	// The key is free again after clearing.
	reserved, _, err = testDB.BeginIdempotency(ctx, userID, "tool", "k1", "h")
	require.NoError(t, err)
	assert.True(t, reserved)
}

func TestCleanupIdempotencyKeys(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	reserved, _, err := testDB.BeginIdempotency(ctx, userID, "tool", "old", "h")
	require.NoError(t, err)
	require.True(t, reserved)
	require.NoError(t, testDB.CompleteIdempotency(ctx, userID, "tool", "old", []byte(`{}`)))

	time.Sleep(20 * time.Millisecond)

	// Everything older than zero TTL is swept; at least our record goes.
	removed, err := testDB.CleanupIdempotencyKeys(ctx, time.Millisecond, time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, int64(1))

	lookup, err := testDB.LookupIdempotency(ctx, userID, "tool", "old")
	require.NoError(t, err)
	assert.False(t, lookup.Found)
}

func TestEnqueueVectorize(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	first, err := testDB.EnqueueVectorize(ctx, userID, "memories", "memory/abc", "some text")
	require.NoError(t, err)
	second, err := testDB.EnqueueVectorize(ctx, userID, "memories", "memory/def", "more text")
	require.NoError(t, err)
	assert.Greater(t, second, first)
}

func TestInsertAuditEntry(t *testing.T) {
	ctx := context.Background()

	err := testDB.InsertAuditEntry(ctx, model.AuditEntry{
		UserID: uuid.New(), AgentID: "assistant", Action: "recall", Resource: "topic:coffee",
		Details: map[string]any{"facts": 3},
	})
	require.NoError(t, err)
}
