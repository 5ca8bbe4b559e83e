// Package idempotency provides exactly-once write semantics under retry.
//
// A write wrapped with a caller-supplied key executes at most once per
// (user, tool, key): retries with the same arguments replay the stored
// result, retries with different arguments fail, and concurrent callers
// race for a single reservation with all losers awaiting the winner.
package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Canonicalize produces the structurally-sorted form of an arbitrary
// JSON-like value: object keys are sorted lexicographically at every nesting
// level, arrays keep their original order (order is meaningful for arrays,
// not for object key sets), primitives and null pass through, and fields a
// struct omits (json omitempty / absent keys) disappear entirely.
//
// The implementation round-trips through encoding/json: marshaling resolves
// struct tags and omitted fields, and unmarshaling into `any` yields a tree
// of map[string]any / []any / float64 / string / bool / nil. Canonicalize is
// idempotent — applying it to its own output returns an equal tree.
func Canonicalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("idempotency: canonicalize: %w", err)
	}
	var tree any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber() // preserve numeric representation across round trips
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("idempotency: canonicalize decode: %w", err)
	}
	return tree, nil
}

// CanonicalJSON serializes the canonical form. encoding/json writes map keys
// in sorted order, so two values that differ only in key order or in
// omitted-vs-absent optional fields produce identical bytes.
func CanonicalJSON(v any) ([]byte, error) {
	tree, err := Canonicalize(v)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("idempotency: canonical marshal: %w", err)
	}
	return b, nil
}

// RequestHash hashes the canonical serialization of args to a fixed-length
// (64 character) hex digest. Equal canonical forms hash identically; any
// difference in values, keys, or array order changes the hash.
func RequestHash(args any) (string, error) {
	b, err := CanonicalJSON(args)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
