package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/animal_rescue/internal/mirror"
)

func TestPutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()

	doc, err := s.Put(ctx, mirror.KindDonation, "1", json.RawMessage(`{"amount": "5"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)

	doc, err = s.Put(ctx, mirror.KindDonation, "1", json.RawMessage(`{"amount":"5"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)

	doc, err = s.Put(ctx, mirror.KindDonation, "1", json.RawMessage(`{"amount":"6"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Version)

	_, err = s.Put(ctx, mirror.KindDonation, "2", json.RawMessage(`{`))
	assert.Error(t, err)
}

func TestCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Get(ctx, mirror.KindAnimal, "a1")
	assert.ErrorIs(t, err, mirror.ErrNotFound)

	doc, err := s.CompareAndSwap(ctx, mirror.KindAnimal, "a1", 0, json.RawMessage(`{"status":"adoptable"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)

	_, err = s.CompareAndSwap(ctx, mirror.KindAnimal, "a1", 0, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, mirror.ErrVersionConflict)

	doc, err = s.CompareAndSwap(ctx, mirror.KindAnimal, "a1", 1, json.RawMessage(`{"status":"adopted"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Version)

	_, err = s.CompareAndSwap(ctx, mirror.KindAnimal, "a1", 1, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, mirror.ErrVersionConflict)

	got, err := s.Get(ctx, mirror.KindAnimal, "a1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"adopted"}`, string(got.Data))
}

func TestFailWritesAndList(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("store unavailable")

	s.FailWrites(func(kind mirror.Kind, id string) error {
		if kind == mirror.KindProject {
			return boom
		}
		return nil
	})
	_, err := s.Put(ctx, mirror.KindProject, "1", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, boom)
	_, err = s.Put(ctx, mirror.KindDonation, "2", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = s.Put(ctx, mirror.KindDonation, "1", json.RawMessage(`{}`))
	require.NoError(t, err)

	s.FailWrites(nil)
	_, err = s.Put(ctx, mirror.KindProject, "1", json.RawMessage(`{}`))
	require.NoError(t, err)

	docs, err := s.List(ctx, mirror.KindDonation)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "1", docs[0].ID)
}

type counter struct {
	N int `json:"n"`
}

func TestUpdateRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	s := New()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mirror.Update(ctx, s, mirror.KindProject, "p", 100, func(c *counter, exists bool) (bool, error) {
				c.N++
				return true, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	c, version, err := mirror.Load[counter](ctx, s, mirror.KindProject, "p")
	require.NoError(t, err)
	assert.Equal(t, 20, c.N)
	assert.Equal(t, int64(20), version)
}

func TestUpdateSkipsUnchanged(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := mirror.Save(ctx, s, mirror.KindProject, "p", counter{N: 3})
	require.NoError(t, err)

	got, err := mirror.Update(ctx, s, mirror.KindProject, "p", 3, func(c *counter, exists bool) (bool, error) {
		assert.True(t, exists)
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, got.N)

	_, version, err := mirror.Load[counter](ctx, s, mirror.KindProject, "p")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	wantErr := errors.New("rejected")
	_, err = mirror.Update(ctx, s, mirror.KindProject, "p", 3, func(c *counter, exists bool) (bool, error) {
		return false, wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}
