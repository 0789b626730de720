package main

import (
	"context"
	"errors"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/pipeline"
	"github.com/sells-group/pricewatch/internal/store"
)

var (
	batchLimit      int
	batchStaleHours int
	batchCompany    string
	batchDryRun     bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Re-check prices for stale machines",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "batch")
		if err != nil {
			return err
		}
		defer env.Close()

		_, err = runBatch(ctx, env, batchOptions{
			Limit:      batchLimit,
			StaleHours: batchStaleHours,
			Company:    batchCompany,
			DryRun:     batchDryRun,
		})
		return err
	},
}

func init() {
	f := batchCmd.Flags()
	f.IntVar(&batchLimit, "limit", 0, "max machines to process (default from config)")
	f.IntVar(&batchStaleHours, "stale-hours", 0, "only machines not checked within this many hours (default from config)")
	f.StringVar(&batchCompany, "company", "", "only machines from this company")
	f.BoolVar(&batchDryRun, "dry-run", false, "extract and validate without writing anything")
	rootCmd.AddCommand(batchCmd)
}

type batchOptions struct {
	Limit      int
	StaleHours int
	Company    string
	DryRun     bool
}

// batchSummary counts run outcomes by status.
type batchSummary struct {
	BatchID     string  `json:"batch_id"`
	Machines    int     `json:"machines"`
	Passed      int64   `json:"passed"`
	NeedsReview int64   `json:"needs_review"`
	Failed      int64   `json:"failed"`
	Errors      int64   `json:"errors"`
	CostUSD     float64 `json:"cost_usd"`
}

// extractFunc is the callback signature for extracting one machine.
type extractFunc func(ctx context.Context, m model.MachineRecord, opts pipeline.RunOptions) (*model.ExtractionResult, error)

// runBatch selects stale machines and processes them.
func runBatch(ctx context.Context, env *pipelineEnv, o batchOptions) (*batchSummary, error) {
	limit := o.Limit
	if limit <= 0 {
		limit = cfg.Batch.Limit
	}
	hours := o.StaleHours
	if hours <= 0 {
		hours = cfg.Batch.StaleAfterHours
	}

	filter := store.MachineFilter{Company: o.Company, Limit: limit}
	if hours > 0 {
		before := time.Now().Add(-time.Duration(hours) * time.Hour)
		filter.StaleBefore = &before
	}
	machines, err := env.Store.ListMachines(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "list machines")
	}

	return processBatch(ctx, machines, cfg.Batch.MaxConcurrent, o.DryRun, env.Pipeline.Extract)
}

// processBatch extracts machines concurrently. Individual failures are
// counted and logged, never abort the batch.
func processBatch(ctx context.Context, machines []model.MachineRecord, concurrency int, dryRun bool, extract extractFunc) (*batchSummary, error) {
	sum := &batchSummary{BatchID: uuid.New().String(), Machines: len(machines)}
	if len(machines) == 0 {
		zap.L().Info("no machines due for a re-check")
		return sum, nil
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	zap.L().Info("processing batch",
		zap.String("batch_id", sum.BatchID),
		zap.Int("machines", len(machines)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var passed, review, failed, errs atomic.Int64
	var costMicros atomic.Int64

	for _, m := range machines {
		g.Go(func() error {
			if gctx.Err() != nil {
				return pipeline.ErrCancelled
			}
			log := zap.L().With(zap.String("machine_id", m.ID), zap.String("url", m.ProductURL))

			res, err := extract(gctx, m, pipeline.RunOptions{BatchID: sum.BatchID, DryRun: dryRun})
			if err != nil {
				if errors.Is(err, pipeline.ErrCancelled) {
					return err
				}
				errs.Add(1)
				log.Error("extraction failed", zap.Error(err))
				return nil
			}
			costMicros.Add(int64(res.TotalCost() * 1e6))

			switch res.Status {
			case model.StatusPassed:
				passed.Add(1)
			case model.StatusNeedsReview:
				review.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}

	err := g.Wait()

	sum.Passed = passed.Load()
	sum.NeedsReview = review.Load()
	sum.Failed = failed.Load()
	sum.Errors = errs.Load()
	sum.CostUSD = float64(costMicros.Load()) / 1e6

	zap.L().Info("batch complete",
		zap.String("batch_id", sum.BatchID),
		zap.Int64("passed", sum.Passed),
		zap.Int64("needs_review", sum.NeedsReview),
		zap.Int64("failed", sum.Failed),
		zap.Int64("errors", sum.Errors),
		zap.Float64("cost_usd", sum.CostUSD),
	)

	if err != nil {
		return sum, eris.Wrap(err, "batch processing")
	}
	return sum, nil
}
