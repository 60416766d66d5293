package analysis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchConcurrency is the window size used when neither the caller
// nor the config sets one.
const DefaultBatchConcurrency = 2

// BatchResponse aggregates per-file responses in input order.
type BatchResponse struct {
	Results    []*Response `json:"results"`
	Total      int         `json:"total"`
	Completed  int         `json:"completed"`
	Partial    int         `json:"partial"`
	Failed     int         `json:"failed"`
	DurationMs int64       `json:"duration_ms"`
}

// RunBatch processes reqs in consecutive windows of limit files. Files in a
// window run concurrently; one file failing or panicking never affects the
// others.
func (s *Service) RunBatch(ctx context.Context, reqs []Request, limit int) *BatchResponse {
	start := time.Now()
	if limit <= 0 {
		limit = s.cfg.BatchConcurrency
	}
	if limit <= 0 {
		limit = DefaultBatchConcurrency
	}
	log := zap.L().With(zap.Int("files", len(reqs)), zap.Int("limit", limit))
	log.Info("analysis: batch starting")

	results := make([]*Response, len(reqs))
	for lo := 0; lo < len(reqs); lo += limit {
		hi := min(lo+limit, len(reqs))
		var g errgroup.Group
		for i := lo; i < hi; i++ {
			g.Go(func() error {
				results[i] = s.runIsolated(ctx, reqs[i])
				return nil
			})
		}
		_ = g.Wait()
	}

	batch := &BatchResponse{Results: results, Total: len(reqs)}
	for _, r := range results {
		switch r.Status {
		case StatusCompleted:
			batch.Completed++
		case StatusPartial:
			batch.Partial++
		default:
			batch.Failed++
		}
	}
	batch.DurationMs = time.Since(start).Milliseconds()

	log.Info("analysis: batch complete",
		zap.Int("completed", batch.Completed),
		zap.Int("partial", batch.Partial),
		zap.Int("failed", batch.Failed),
		zap.Int64("duration_ms", batch.DurationMs),
	)
	return batch
}

func (s *Service) runIsolated(ctx context.Context, req Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("analysis: batch item panic", zap.String("file_name", req.FileName), zap.Any("panic", r))
			resp = failure(fmt.Sprintf("Internal error processing %s: %v", req.FileName, r))
			resp.Observability = Observability{FileName: req.FileName, FeatureTag: req.FeatureTag, Status: StatusFailed, WarningCount: 1}
		}
	}()
	return s.Run(ctx, req)
}
