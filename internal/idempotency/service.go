package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrHashMismatch is returned when the same idempotency key is reused
	// with different arguments — a caller bug, not a retry. Non-retryable
	// with the same key; the caller must pick a new one.
	ErrHashMismatch = errors.New("idempotency: key reused with different arguments")
	// ErrWaitTimeout is returned when another execution holds the key longer
	// than the wait timeout. The original execution continues independently;
	// the caller may retry.
	ErrWaitTimeout = errors.New("idempotency: timed out waiting for in-flight execution")
	// ErrAbandoned is returned to a waiter when the in-flight execution
	// failed and released its reservation before completing.
	ErrAbandoned = errors.New("idempotency: in-flight execution failed")
)

// Lookup describes the stored state of a key.
type Lookup struct {
	Found       bool
	Completed   bool
	RequestHash string
	Result      json.RawMessage
}

// Store persists idempotency records keyed on (user, tool, key).
// *storage.DB implements it.
type Store interface {
	// BeginIdempotency reserves the key as pending. reserved is true when
	// this caller won the race and owns execution; otherwise the current
	// record state is returned.
	BeginIdempotency(ctx context.Context, userID uuid.UUID, toolName, key, requestHash string) (reserved bool, existing Lookup, err error)
	// LookupIdempotency reads the current record state without reserving.
	LookupIdempotency(ctx context.Context, userID uuid.UUID, toolName, key string) (Lookup, error)
	// CompleteIdempotency stores the result and marks the record completed.
	CompleteIdempotency(ctx context.Context, userID uuid.UUID, toolName, key string, result json.RawMessage) error
	// ClearIdempotency releases a pending reservation so the key can be retried.
	ClearIdempotency(ctx context.Context, userID uuid.UUID, toolName, key string) error
}

// Service wraps write operations with exactly-once semantics.
type Service struct {
	store        Store
	logger       *slog.Logger
	waitTimeout  time.Duration
	pollInterval time.Duration
}

// New creates an idempotency service. waitTimeout bounds how long a caller
// blocks on another in-flight execution of the same key.
func New(store Store, logger *slog.Logger, waitTimeout time.Duration) *Service {
	if waitTimeout <= 0 {
		waitTimeout = 10 * time.Second
	}
	return &Service{
		store:        store,
		logger:       logger,
		waitTimeout:  waitTimeout,
		pollInterval: 100 * time.Millisecond,
	}
}

// Execute runs fn at most once per (userID, toolName, key).
//
// First caller for a key reserves it, runs fn, stores the JSON-encoded result
// and returns it. A retry with the same arguments replays the stored result,
// or blocks until the in-flight execution resolves. A retry with different
// arguments fails with ErrHashMismatch and fn never runs for it. An empty key
// bypasses the gate entirely — the write is not protected.
func (s *Service) Execute(ctx context.Context, userID uuid.UUID, toolName, key string, args any, fn func(ctx context.Context) (any, error)) (json.RawMessage, error) {
	if key == "" {
		result, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	}

	hash, err := RequestHash(args)
	if err != nil {
		return nil, err
	}

	reserved, existing, err := s.store.BeginIdempotency(ctx, userID, toolName, key, hash)
	if err != nil {
		return nil, fmt.Errorf("idempotency: begin: %w", err)
	}

	if reserved {
		return s.run(ctx, userID, toolName, key, fn)
	}

	if existing.RequestHash != hash {
		return nil, ErrHashMismatch
	}
	if existing.Completed {
		return existing.Result, nil
	}
	return s.await(ctx, userID, toolName, key)
}

// run executes fn under an owned reservation. A failed fn releases the
// reservation so the caller can retry; a successful fn is finalized in a
// bounded background context so a request-edge cancellation cannot leave a
// committed write without its replay record.
func (s *Service) run(ctx context.Context, userID uuid.UUID, toolName, key string, fn func(ctx context.Context) (any, error)) (json.RawMessage, error) {
	result, err := fn(ctx)
	if err != nil {
		clearCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if clearErr := s.store.ClearIdempotency(clearCtx, userID, toolName, key); clearErr != nil {
			s.logger.Error("idempotency: failed to clear reservation after error",
				"tool", toolName, "error", clearErr)
		}
		return nil, err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("idempotency: marshal result: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if err := s.store.CompleteIdempotency(writeCtx, userID, toolName, key, payload); err == nil {
			return payload, nil
		} else {
			lastErr = err
			s.logger.Warn("idempotency: finalize attempt failed",
				"attempt", attempt, "tool", toolName, "error", err)
		}
		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-writeCtx.Done():
			return payload, nil // write committed; replay record is best-effort at this point
		}
	}
	s.logger.Error("idempotency: failed to finalize record after committed write",
		"tool", toolName, "error", lastErr)
	return payload, nil
}

// await polls the record until the in-flight owner completes, fails, or the
// wait timeout elapses.
func (s *Service) await(ctx context.Context, userID uuid.UUID, toolName, key string) (json.RawMessage, error) {
	deadline := time.NewTimer(s.waitTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(s.pollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrWaitTimeout
		case <-tick.C:
			lookup, err := s.store.LookupIdempotency(ctx, userID, toolName, key)
			if err != nil {
				return nil, fmt.Errorf("idempotency: poll: %w", err)
			}
			if !lookup.Found {
				return nil, ErrAbandoned
			}
			if lookup.Completed {
				return lookup.Result, nil
			}
		}
	}
}
