// Package mirror defines the off-chain document store that mirrors ledger
// entities, and the documents kept in it.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/R3E-Network/animal_rescue/internal/metrics"
)

// Kind names a document collection.
type Kind string

const (
	KindAnimal      Kind = "animal"
	KindApplication Kind = "application"
	KindProject     Kind = "project"
	KindDonation    Kind = "donation"
)

var (
	ErrNotFound        = errors.New("mirror: document not found")
	ErrVersionConflict = errors.New("mirror: version conflict")
)

// Document is a stored JSON document. Version starts at 1 and increases by
// one on every write that changes Data.
type Document struct {
	Kind      Kind            `json:"kind"`
	ID        string          `json:"id"`
	Version   int64           `json:"version"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store is everything the reconciliation engine needs from the mirror.
type Store interface {
	// Put writes data unconditionally. Writing identical data leaves the
	// version unchanged.
	Put(ctx context.Context, kind Kind, id string, data json.RawMessage) (Document, error)
	// Get returns ErrNotFound if the document does not exist.
	Get(ctx context.Context, kind Kind, id string) (Document, error)
	// CompareAndSwap writes data only if the stored version equals expected.
	// An expected version of 0 means the document must not exist yet.
	// Otherwise it returns ErrVersionConflict.
	CompareAndSwap(ctx context.Context, kind Kind, id string, expected int64, data json.RawMessage) (Document, error)
	// List returns every document of kind ordered by id.
	List(ctx context.Context, kind Kind) ([]Document, error)
}

// =============================================================================
// Typed access
// =============================================================================

// Load decodes the document into a T and returns its version.
func Load[T any](ctx context.Context, s Store, kind Kind, id string) (T, int64, error) {
	var v T
	doc, err := s.Get(ctx, kind, id)
	if err != nil {
		return v, 0, err
	}
	if err := json.Unmarshal(doc.Data, &v); err != nil {
		return v, 0, fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	return v, doc.Version, nil
}

// Save writes v with Put.
func Save[T any](ctx context.Context, s Store, kind Kind, id string, v T) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s %s: %w", kind, id, err)
	}
	doc, err := s.Put(ctx, kind, id, data)
	metrics.RecordMirrorWrite(string(kind), err == nil)
	if err != nil {
		return 0, err
	}
	return doc.Version, nil
}

// Swap writes v with CompareAndSwap.
func Swap[T any](ctx context.Context, s Store, kind Kind, id string, expected int64, v T) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s %s: %w", kind, id, err)
	}
	doc, err := s.CompareAndSwap(ctx, kind, id, expected, data)
	if errors.Is(err, ErrVersionConflict) {
		metrics.RecordCASConflict(string(kind))
		return 0, err
	}
	metrics.RecordMirrorWrite(string(kind), err == nil)
	if err != nil {
		return 0, err
	}
	return doc.Version, nil
}

// Mutator edits cur in place. exists is false when the document has not been
// written yet and cur is the zero value. Returning changed=false skips the
// write.
type Mutator[T any] func(cur *T, exists bool) (changed bool, err error)

// Update runs a read-modify-write loop with compare-and-swap, re-reading and
// re-applying fn after every version conflict, at most attempts times.
func Update[T any](ctx context.Context, s Store, kind Kind, id string, attempts int, fn Mutator[T]) (T, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var zero T
	for i := 0; i < attempts; i++ {
		cur, version, err := Load[T](ctx, s, kind, id)
		exists := true
		if errors.Is(err, ErrNotFound) {
			exists, version, err = false, 0, nil
		}
		if err != nil {
			return zero, err
		}

		changed, err := fn(&cur, exists)
		if err != nil {
			return zero, err
		}
		if !changed {
			return cur, nil
		}

		if _, err := Swap(ctx, s, kind, id, version, cur); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				if err := ctx.Err(); err != nil {
					return zero, err
				}
				continue
			}
			return zero, err
		}
		return cur, nil
	}
	return zero, fmt.Errorf("%s %s: %w after %d attempts", kind, id, ErrVersionConflict, attempts)
}
