package main

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/pipeline"
)

func machines(ids ...string) []model.MachineRecord {
	out := make([]model.MachineRecord, len(ids))
	for i, id := range ids {
		out[i] = model.MachineRecord{ID: id, ProductURL: "https://shop.test/" + id}
	}
	return out
}

func TestProcessBatch_Empty(t *testing.T) {
	called := false
	sum, err := processBatch(context.Background(), nil, 4, false, func(context.Context, model.MachineRecord, pipeline.RunOptions) (*model.ExtractionResult, error) {
		called = true
		return nil, nil
	})
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, 0, sum.Machines)
	assert.NotEmpty(t, sum.BatchID)
}

func TestProcessBatch_CountsOutcomes(t *testing.T) {
	statuses := map[string]model.ValidationStatus{
		"a": model.StatusPassed,
		"b": model.StatusPassed,
		"c": model.StatusNeedsReview,
		"d": model.StatusFailed,
	}
	var batchIDs atomic.Value

	sum, err := processBatch(context.Background(), machines("a", "b", "c", "d", "e"), 2, true,
		func(_ context.Context, m model.MachineRecord, opts pipeline.RunOptions) (*model.ExtractionResult, error) {
			assert.True(t, opts.DryRun)
			batchIDs.Store(opts.BatchID)
			if m.ID == "e" {
				return nil, eris.New("store unavailable")
			}
			return &model.ExtractionResult{
				MachineID: m.ID,
				Status:    statuses[m.ID],
				Usage:     []model.AIUsage{{EstimatedCost: 0.02}},
			}, nil
		})
	require.NoError(t, err)

	assert.Equal(t, 5, sum.Machines)
	assert.Equal(t, int64(2), sum.Passed)
	assert.Equal(t, int64(1), sum.NeedsReview)
	assert.Equal(t, int64(1), sum.Failed)
	assert.Equal(t, int64(1), sum.Errors)
	assert.InDelta(t, 0.08, sum.CostUSD, 1e-6)
	assert.Equal(t, sum.BatchID, batchIDs.Load())
}

func TestProcessBatch_CancellationStops(t *testing.T) {
	var calls atomic.Int64
	_, err := processBatch(context.Background(), machines("a", "b", "c"), 1, false,
		func(ctx context.Context, _ model.MachineRecord, _ pipeline.RunOptions) (*model.ExtractionResult, error) {
			calls.Add(1)
			return nil, pipeline.ErrCancelled
		})
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrCancelled)
	assert.Less(t, calls.Load(), int64(3))
}
