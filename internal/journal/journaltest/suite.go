// Package journaltest holds the behaviour every journal.Journal must show.
package journaltest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/animal_rescue/internal/journal"
)

// Run exercises a fresh Journal returned by open.
func Run(t *testing.T, open func(t *testing.T) journal.Journal) {
	t.Run("AppendGetUpdate", func(t *testing.T) {
		ctx := context.Background()
		j := open(t)

		rec, err := j.Append(ctx, journal.Record{
			EntityKey: "animal:a1",
			Operation: journal.OpMint,
			TxHash:    "0xabc",
			State:     journal.StateSubmitted,
			Payload:   json.RawMessage(`{"to":"NQ"}`),
		})
		require.NoError(t, err)
		require.NotEmpty(t, rec.ID)
		assert.False(t, rec.CreatedAt.IsZero())

		got, err := j.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, journal.OpMint, got.Operation)
		assert.Equal(t, "0xabc", got.TxHash)
		assert.JSONEq(t, `{"to":"NQ"}`, string(got.Payload))
		assert.Empty(t, got.Result)

		next := time.Now().Add(time.Minute).UTC().Truncate(time.Millisecond)
		got.State = journal.StateMirrorPending
		got.Attempts = 2
		got.LastError = "store unavailable"
		got.NextAttemptAt = next
		got.Result = json.RawMessage(`{"token_id":1}`)
		_, err = j.Update(ctx, got)
		require.NoError(t, err)

		got, err = j.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, journal.StateMirrorPending, got.State)
		assert.Equal(t, 2, got.Attempts)
		assert.Equal(t, "store unavailable", got.LastError)
		assert.True(t, next.Equal(got.NextAttemptAt))
		assert.JSONEq(t, `{"token_id":1}`, string(got.Result))
		assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))

		_, err = j.Get(ctx, "missing")
		assert.ErrorIs(t, err, journal.ErrNotFound)
		_, err = j.Update(ctx, journal.Record{ID: "missing", State: journal.StateDone})
		assert.ErrorIs(t, err, journal.ErrNotFound)
	})

	t.Run("Listings", func(t *testing.T) {
		ctx := context.Background()
		j := open(t)

		states := []journal.State{
			journal.StateSubmitted, journal.StateDone, journal.StateMirrorPending,
			journal.StateReverted, journal.StateSurfaced, journal.StateSubmitted,
		}
		var ids []string
		for i, st := range states {
			key := "project:1"
			if i%2 == 1 {
				key = "project:2"
			}
			rec, err := j.Append(ctx, journal.Record{EntityKey: key, Operation: journal.OpDonate, State: st})
			require.NoError(t, err)
			ids = append(ids, rec.ID)
		}

		pending, err := j.ListOpen(ctx, 0)
		require.NoError(t, err)
		require.Len(t, pending, 3)
		assert.Equal(t, []string{ids[0], ids[2], ids[5]}, []string{pending[0].ID, pending[1].ID, pending[2].ID})

		limited, err := j.ListOpen(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		byEntity, err := j.ListByEntity(ctx, "project:2")
		require.NoError(t, err)
		require.Len(t, byEntity, 3)
		assert.Equal(t, ids[1], byEntity[0].ID)

		surfaced, err := j.ListByState(ctx, journal.StateSurfaced, 0)
		require.NoError(t, err)
		require.Len(t, surfaced, 1)
		assert.Equal(t, ids[4], surfaced[0].ID)
	})
}
