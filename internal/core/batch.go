package core

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// BatchResult is the per-subject outcome of EvaluateBatch. Skipped is set for
// subjects that were never started because the context was cancelled.
type BatchResult struct {
	SubjectID string          `json:"subject_id"`
	Result    DiscoveryResult `json:"result"`
	Err       error           `json:"-"`
	Error     string          `json:"error,omitempty"`
	Skipped   bool            `json:"skipped,omitempty"`
}

// EvaluateBatch runs discovery for every request with bounded concurrency.
// Per-subject failures are reported in the results. Cancellation stops new
// evaluations from starting; evaluations already running finish. An
// invariant violation in any evaluation is re-raised after the batch drains.
func (s *Service) EvaluateBatch(ctx context.Context, reqs []DiscoverRequest) ([]BatchResult, error) {
	results := make([]BatchResult, len(reqs))
	for i, req := range reqs {
		results[i] = BatchResult{SubjectID: req.Subject.ID, Skipped: true}
	}

	var (
		g         errgroup.Group
		panicOnce sync.Once
		panicked  any
	)
	g.SetLimit(s.opts.batchConcurrency)
	for i, req := range reqs {
		if ctx.Err() != nil {
			break
		}
		i, req := i, req
		g.Go(func() error {
			// g.Go may have blocked on the limit while ctx was cancelled.
			if ctx.Err() != nil {
				return nil
			}
			defer func() {
				if r := recover(); r != nil {
					panicOnce.Do(func() { panicked = r })
				}
			}()
			// Evaluations run to completion even if ctx is cancelled meanwhile.
			res, err := s.Discover(context.WithoutCancel(ctx), req)
			results[i] = BatchResult{SubjectID: req.Subject.ID, Result: res, Err: err}
			if err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()
	if panicked != nil {
		panic(panicked)
	}
	return results, ctx.Err()
}
