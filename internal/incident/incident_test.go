package incident

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	svcerrors "github.com/R3E-Network/animal_rescue/internal/errors"
)

func TestReportListAcknowledge(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	r := NewRecorder(&buf)
	now := time.Unix(1700000000, 0)
	r.now = func() time.Time { now = now.Add(time.Second); return now }

	first, err := r.Report(ctx, Incident{
		Kind:      KindResolutionFailed,
		EntityKey: "animal:a1",
		TxHash:    "0xabc",
		Message:   "token id could not be recovered",
		Details:   map[string]string{"strategies": "event_log,supply_diff"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)

	second, err := r.Report(ctx, Incident{Kind: KindMirrorSurfaced, EntityKey: "project:1", Message: "retries exhausted"})
	require.NoError(t, err)

	open, err := r.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, first.ID, open[0].ID)

	require.NoError(t, r.Acknowledge(ctx, first.ID))
	require.NoError(t, r.Acknowledge(ctx, first.ID))
	open, err = r.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, second.ID, open[0].ID)

	all, err := r.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[0].Acknowledged)
	assert.NotNil(t, all[0].AcknowledgedAt)

	err = r.Acknowledge(ctx, "missing")
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeUnknownEntity))

	scanner := bufio.NewScanner(&buf)
	require.True(t, scanner.Scan())
	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
	assert.Equal(t, "resolution_failed", line["kind"])
	assert.Equal(t, "animal:a1", line["entity"])
	assert.Equal(t, "event_log,supply_diff", line["detail_strategies"])
	assert.Equal(t, "token id could not be recovered", line["message"])
}
