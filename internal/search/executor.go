package search

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/mruwnik/memory-sub003/internal/index"
	"github.com/mruwnik/memory-sub003/internal/logging"
)

const defaultMaxConcurrent = 8

// Executor fans one semantic query out across collections and vector
// variants with bounded concurrency.
//
// Every (collection, vector) pair runs as an independent task. A
// failing task is logged and contributes nothing; it never aborts its
// siblings or the call.
type Executor struct {
	client  index.Client
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	logger  *logging.Logger
}

// NewExecutor creates a fan-out executor over the given index client.
//
// maxConcurrent bounds in-flight index calls; values below one fall
// back to the default. limiter, when non-nil, paces index calls across
// all searches sharing this executor. A nil logger disables logging.
func NewExecutor(client index.Client, maxConcurrent int, limiter *rate.Limiter, logger *logging.Logger) *Executor {
	if maxConcurrent < 1 {
		maxConcurrent = defaultMaxConcurrent
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Executor{
		client:  client,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		limiter: limiter,
		logger:  logger,
	}
}

// Execute runs one similarity search per (collection, vector) pair and
// buckets the surviving points by collection.
//
// Points scoring below minScore are dropped before bucketing. Order
// within a bucket is not meaningful across vector variants; the caller
// merges by score. Empty collections or vectors schedule zero tasks and
// return an empty map.
func (e *Executor) Execute(ctx context.Context, collections []string, vectors [][]float32, filter *index.Filter, limit uint64, minScore float32) map[string][]*index.ScoredPoint {
	results := make(map[string][]*index.ScoredPoint)
	if len(collections) == 0 || len(vectors) == 0 {
		return results
	}

	type bucket struct {
		collection string
		points     []*index.ScoredPoint
	}
	resultsChan := make(chan bucket, len(collections)*len(vectors))

	var wg sync.WaitGroup
	for _, collection := range collections {
		for _, vector := range vectors {
			wg.Add(1)
			go func(collection string, vector []float32) {
				defer wg.Done()

				if err := e.sem.Acquire(ctx, 1); err != nil {
					return
				}
				defer e.sem.Release(1)
				// Acquire can succeed on a done context when permits
				// are free; do not start index calls after cancel.
				if ctx.Err() != nil {
					return
				}

				if e.limiter != nil {
					if err := e.limiter.Wait(ctx); err != nil {
						return
					}
				}

				taskCtx, span := tracer.Start(ctx, "search.fanout_task")
				span.SetAttributes(
					attribute.String("collection", collection),
					attribute.Int("vector.dims", len(vector)),
				)
				defer span.End()

				start := time.Now()
				points, err := e.client.Search(taskCtx, collection, vector, limit, filter)
				duration := time.Since(start)

				if err != nil {
					span.RecordError(err)
					if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
						e.logger.Warn(taskCtx, "Fan-out task cancelled",
							zap.String("collection", collection),
							zap.Duration("duration", duration))
						RecordFanoutTask("timeout", duration.Seconds())
					} else {
						e.logger.Error(taskCtx, "Fan-out task failed",
							zap.String("collection", collection),
							zap.Error(err))
						RecordFanoutTask("failure", duration.Seconds())
					}
					return
				}

				kept := make([]*index.ScoredPoint, 0, len(points))
				for _, p := range points {
					if p.Score >= minScore {
						kept = append(kept, p)
					}
				}

				e.logger.Debug(taskCtx, "Fan-out task done",
					zap.String("collection", collection),
					zap.Duration("duration", duration),
					zap.Int("returned", len(points)),
					zap.Int("kept", len(kept)))
				RecordFanoutTask("success", duration.Seconds())
				span.SetAttributes(attribute.Int("results.count", len(kept)))

				if len(kept) == 0 {
					return
				}
				select {
				case resultsChan <- bucket{collection: collection, points: kept}:
				case <-ctx.Done():
				}
			}(collection, vector)
		}
	}

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	for b := range resultsChan {
		results[b.collection] = append(results[b.collection], b.points...)
	}
	return results
}
