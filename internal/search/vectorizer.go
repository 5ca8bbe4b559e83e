package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/epitome-ai/epitome/internal/service/embedding"
	"github.com/epitome-ai/epitome/internal/storage"
	"github.com/epitome-ai/epitome/internal/telemetry"
)

// outboxEntry represents a single row from the vectorize_outbox table.
type outboxEntry struct {
	ID         int64
	UserID     uuid.UUID
	Collection string
	SourceRef  string
	Text       string
	Attempts   int
}

// memoryID extracts the record UUID from a source ref like "memory/<id>" or
// "tables/<name>/<id>". The record UUID doubles as the Qdrant point ID.
func (e outboxEntry) memoryID() (uuid.UUID, error) {
	ref := e.SourceRef
	if i := strings.LastIndexByte(ref, '/'); i >= 0 {
		ref = ref[i+1:]
	}
	id, err := uuid.Parse(ref)
	if err != nil {
		return uuid.Nil, fmt.Errorf("vectorizer: source ref %q has no record id: %w", e.SourceRef, err)
	}
	return id, nil
}

// Vectorizer polls the vectorize_outbox table, embeds the queued text, and
// writes the vectors to Qdrant (when configured) and to the pgvector column
// on memories. Writes never wait on it; the queue row is the durable handoff.
type Vectorizer struct {
	db           *storage.DB
	pool         *pgxpool.Pool
	index        *QdrantIndex
	embedder     embedding.Provider
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	lastCleanup time.Time
	drainCh     chan context.Context // carries the drain context to pollLoop for the final poll
}

// NewVectorizer creates a vectorizer worker.
func NewVectorizer(db *storage.DB, index *QdrantIndex, embedder embedding.Provider, logger *slog.Logger, pollInterval time.Duration, batchSize int) *Vectorizer {
	return &Vectorizer{
		db:           db,
		pool:         db.Pool(),
		index:        index,
		embedder:     embedder,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *Vectorizer) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("vectorizer: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, processes remaining entries, and blocks
// until done or the context expires. The ctx parameter is passed to the final
// poll so it respects the caller's deadline.
func (w *Vectorizer) Drain(ctx context.Context) {
	// Send the drain context to pollLoop via channel (race-free).
	// Must be sent before cancelLoop so pollLoop can receive it on ctx.Done().
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("vectorizer: drain timed out")
	}
}

func (w *Vectorizer) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain: prefer the drain context (sent by Drain via channel)
			// so the final poll respects the caller's deadline.
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				// Fallback for direct cancellation without Drain (e.g., tests).
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

const maxVectorizeAttempts = 10

func (w *Vectorizer) processBatch(ctx context.Context) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		w.logger.Error("vectorizer: begin tx", "error", err)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Select and lock pending entries.
	rows, err := tx.Query(ctx,
		`SELECT id, user_id, collection, source_ref, text, attempts
		 FROM vectorize_outbox
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		maxVectorizeAttempts, w.batchSize,
	)
	if err != nil {
		w.logger.Error("vectorizer: select pending", "error", err)
		return
	}

	entries, err := scanOutboxEntries(rows)
	if err != nil {
		w.logger.Error("vectorizer: scan entries", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	// Lock the entries for 60 seconds (must exceed the 30s batchCtx timeout
	// to prevent a second worker from picking up entries whose lock expired
	// while the first worker is still processing).
	entryIDs := make([]int64, len(entries))
	for i, e := range entries {
		entryIDs[i] = e.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE vectorize_outbox SET locked_until = now() + interval '60 seconds' WHERE id = ANY($1)`,
		entryIDs,
	); err != nil {
		w.logger.Error("vectorizer: lock entries", "error", err)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		w.logger.Error("vectorizer: commit lock", "error", err)
		return
	}

	w.processEntries(ctx, entries)

	// Periodically clean up dead-letter entries (attempts >= max, older than 7 days).
	if time.Since(w.lastCleanup) > time.Hour {
		w.cleanupDeadLetters(ctx)
		w.lastCleanup = time.Now()
	}
}

// processEntries embeds the batch and writes the vectors to both stores. One
// unparseable source ref fails only its own entry, not the batch.
func (w *Vectorizer) processEntries(ctx context.Context, entries []outboxEntry) {
	valid := make([]outboxEntry, 0, len(entries))
	ids := make([]uuid.UUID, 0, len(entries))
	texts := make([]string, 0, len(entries))
	for _, e := range entries {
		id, err := e.memoryID()
		if err != nil {
			w.logger.Error("vectorizer: bad entry", "outbox_id", e.ID, "error", err)
			w.failEntries(ctx, []outboxEntry{e}, err.Error())
			continue
		}
		valid = append(valid, e)
		ids = append(ids, id)
		texts = append(texts, e.Text)
	}
	if len(valid) == 0 {
		return
	}

	vectors, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		w.logger.Error("vectorizer: embed batch", "error", err, "count", len(texts))
		w.failEntries(ctx, valid, err.Error())
		return
	}

	points := make([]Point, len(valid))
	for i, e := range valid {
		points[i] = Point{
			ID:         ids[i],
			UserID:     e.UserID,
			Collection: e.Collection,
			SourceRef:  e.SourceRef,
			CreatedAt:  time.Now(),
			Embedding:  vectors[i].Slice(),
		}
	}

	// Qdrant is optional: without it the pgvector column is the only index
	// and a write failure there must retry, not vanish.
	if w.index != nil {
		if err := w.index.Upsert(ctx, points); err != nil {
			w.logger.Error("vectorizer: qdrant upsert", "error", err, "count", len(points))
			w.failEntries(ctx, valid, err.Error())
			return
		}
	}

	// Mirror the embeddings into Postgres so the pgvector fallback can serve
	// the same memories. Best-effort when Qdrant holds the point already.
	succeeded := make([]outboxEntry, 0, len(valid))
	for i, e := range valid {
		if _, err := w.pool.Exec(ctx,
			`UPDATE memories SET embedding = $1 WHERE user_id = $2 AND id = $3`,
			pgvector.NewVector(points[i].Embedding), e.UserID, ids[i],
		); err != nil {
			w.logger.Warn("vectorizer: mirror embedding to postgres", "error", err, "memory_id", ids[i])
			if w.index == nil {
				w.failEntries(ctx, []outboxEntry{e}, err.Error())
				continue
			}
		}
		if err := w.db.BumpCollection(ctx, e.UserID, e.Collection); err != nil {
			w.logger.Warn("vectorizer: bump collection", "error", err, "collection", e.Collection)
		}
		succeeded = append(succeeded, e)
	}

	if len(succeeded) > 0 {
		w.succeedEntries(ctx, succeeded)
	}
	w.logger.Info("vectorizer: indexed", "count", len(succeeded))
}

func (w *Vectorizer) cleanupDeadLetters(ctx context.Context) {
	tag, err := w.pool.Exec(ctx,
		`DELETE FROM vectorize_outbox
		 WHERE attempts >= $1
		   AND created_at < now() - interval '7 days'`,
		maxVectorizeAttempts,
	)
	if err != nil {
		w.logger.Error("vectorizer: cleanup dead-letters failed", "error", err)
		return
	}
	if tag.RowsAffected() > 0 {
		w.logger.Info("vectorizer: cleaned dead-letter entries", "deleted", tag.RowsAffected())
	}
}

func (w *Vectorizer) succeedEntries(ctx context.Context, entries []outboxEntry) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := w.pool.Exec(ctx,
		`DELETE FROM vectorize_outbox WHERE id = ANY($1)`, ids,
	); err != nil {
		w.logger.Error("vectorizer: delete completed entries", "error", err)
	}
}

func (w *Vectorizer) failEntries(ctx context.Context, entries []outboxEntry, errMsg string) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	// Exponential backoff: locked_until = now() + 2^attempts seconds (capped
	// at 5 minutes). Each entry in the batch has the same attempt count, so
	// the backoff is uniform per batch. This prevents tight retry loops
	// during an embedding or Qdrant outage.
	if _, err := w.pool.Exec(ctx,
		`UPDATE vectorize_outbox
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = ANY($2)`,
		errMsg, ids,
	); err != nil {
		w.logger.Error("vectorizer: update failed entries", "error", err)
	}

	// Log dead-letter entries (attempts >= maxVectorizeAttempts after increment).
	for _, e := range entries {
		if e.Attempts+1 >= maxVectorizeAttempts {
			w.logger.Warn("vectorizer: dead-letter entry",
				"outbox_id", e.ID,
				"source_ref", e.SourceRef,
				"attempts", e.Attempts+1,
			)
		}
	}
}

// registerMetrics registers observable OTEL gauges for outbox health monitoring.
func (w *Vectorizer) registerMetrics() {
	meter := telemetry.Meter("epitome/vectorizer")

	_, _ = meter.Int64ObservableGauge("epitome.vectorize_outbox.depth",
		metric.WithDescription("Number of pending entries in the vectorize outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var count int64
			err := w.pool.QueryRow(ctx, `SELECT COUNT(*) FROM vectorize_outbox WHERE attempts < $1`, maxVectorizeAttempts).Scan(&count)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(count)
			return nil
		}),
	)
}

func scanOutboxEntries(rows pgx.Rows) ([]outboxEntry, error) {
	defer rows.Close()
	var entries []outboxEntry
	for rows.Next() {
		var e outboxEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Collection, &e.SourceRef, &e.Text, &e.Attempts); err != nil {
			return nil, fmt.Errorf("vectorizer: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
