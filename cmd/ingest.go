package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/gazetteer/internal/place"
	"github.com/sells-group/gazetteer/internal/reconcile"
)

var ingestConcurrency int

var ingestCmd = &cobra.Command{
	Use:   "ingest <candidates.json>",
	Short: "Submit a batch of candidate records from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrapf(err, "read %s", args[0])
		}
		var candidates []place.CandidateRecord
		if err := json.Unmarshal(data, &candidates); err != nil {
			return eris.Wrap(err, "parse candidates")
		}
		if len(candidates) == 0 {
			return eris.New("no candidates in file")
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		concurrency := ingestConcurrency
		if concurrency == 0 {
			concurrency = cfg.Ingest.MaxConcurrent
		}

		batchID := uuid.NewString()
		zap.L().Info("ingest started",
			zap.String("batch_id", batchID),
			zap.String("file", args[0]),
			zap.Int("candidates", len(candidates)),
			zap.Int("concurrency", concurrency))

		var created, matched, weak, parked, skipped atomic.Int64
		start := time.Now()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for i := range candidates {
			cand := &candidates[i]
			g.Go(func() error {
				res, err := submitWithRetry(gctx, env.Engine, cand, cfg.Ingest.SubmitRetries)
				if err != nil {
					if errors.Is(err, reconcile.ErrInvalidCandidate) {
						skipped.Add(1)
						zap.L().Warn("candidate skipped", zap.String("source", cand.Source), zap.Error(err))
						return nil
					}
					return err
				}
				switch res.Match {
				case reconcile.MatchCreated:
					created.Add(1)
				case reconcile.MatchWeak:
					weak.Add(1)
				default:
					matched.Add(1)
				}
				parked.Add(int64(len(res.ConflictIDs)))
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return eris.Wrap(err, "ingest batch")
		}

		zap.L().Info("ingest finished",
			zap.String("batch_id", batchID),
			zap.Int64("created", created.Load()),
			zap.Int64("matched", matched.Load()),
			zap.Int64("weak_matches", weak.Load()),
			zap.Int64("conflicts_parked", parked.Load()),
			zap.Int64("skipped", skipped.Load()),
			zap.Duration("took", time.Since(start)))

		fmt.Printf("batch %s: %d created, %d matched, %d weak, %d conflicts parked, %d skipped\n",
			batchID, created.Load(), matched.Load(), weak.Load(), parked.Load(), skipped.Load())
		return nil
	},
}

// submitWithRetry retries lost reconciliation races; everything else
// fails through.
func submitWithRetry(ctx context.Context, engine *reconcile.Engine, cand *place.CandidateRecord, retries int) (*reconcile.Result, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		res, err := engine.Submit(ctx, cand)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, reconcile.ErrRaceLost) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func init() {
	ingestCmd.Flags().IntVar(&ingestConcurrency, "concurrency", 0, "max concurrent submits (default from config)")
	rootCmd.AddCommand(ingestCmd)
}
