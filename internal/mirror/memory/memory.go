// Package memory is an in-process mirror.Store for tests and local
// development.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/animal_rescue/internal/mirror"
)

var _ mirror.Store = (*Store)(nil)

type key struct {
	kind mirror.Kind
	id   string
}

// Store is safe for concurrent use. Fail lets tests make writes error.
type Store struct {
	mu   sync.RWMutex
	docs map[key]mirror.Document
	now  func() time.Time
	fail func(kind mirror.Kind, id string) error
}

func New() *Store {
	return &Store{docs: make(map[key]mirror.Document), now: time.Now}
}

// FailWrites makes every write for which fn returns an error fail with it.
// A nil fn restores normal behaviour.
func (s *Store) FailWrites(fn func(kind mirror.Kind, id string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fn
}

func compact(data json.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, fmt.Errorf("invalid document: %w", err)
	}
	return buf.Bytes(), nil
}

func clone(doc mirror.Document) mirror.Document {
	doc.Data = append(json.RawMessage(nil), doc.Data...)
	return doc
}

func (s *Store) checkFail(kind mirror.Kind, id string) error {
	if s.fail == nil {
		return nil
	}
	return s.fail(kind, id)
}

func (s *Store) Put(_ context.Context, kind mirror.Kind, id string, data json.RawMessage) (mirror.Document, error) {
	data, err := compact(data)
	if err != nil {
		return mirror.Document{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFail(kind, id); err != nil {
		return mirror.Document{}, err
	}

	k := key{kind, id}
	doc, exists := s.docs[k]
	if exists && bytes.Equal(doc.Data, data) {
		return clone(doc), nil
	}
	doc = mirror.Document{Kind: kind, ID: id, Version: doc.Version + 1, Data: data, UpdatedAt: s.now().UTC()}
	s.docs[k] = doc
	return clone(doc), nil
}

func (s *Store) Get(_ context.Context, kind mirror.Kind, id string) (mirror.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[key{kind, id}]
	if !ok {
		return mirror.Document{}, mirror.ErrNotFound
	}
	return clone(doc), nil
}

func (s *Store) CompareAndSwap(_ context.Context, kind mirror.Kind, id string, expected int64, data json.RawMessage) (mirror.Document, error) {
	data, err := compact(data)
	if err != nil {
		return mirror.Document{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFail(kind, id); err != nil {
		return mirror.Document{}, err
	}

	k := key{kind, id}
	doc := s.docs[k]
	if doc.Version != expected {
		return mirror.Document{}, mirror.ErrVersionConflict
	}
	doc = mirror.Document{Kind: kind, ID: id, Version: expected + 1, Data: data, UpdatedAt: s.now().UTC()}
	s.docs[k] = doc
	return clone(doc), nil
}

func (s *Store) List(_ context.Context, kind mirror.Kind) ([]mirror.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []mirror.Document
	for k, doc := range s.docs {
		if k.kind == kind {
			out = append(out, clone(doc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
