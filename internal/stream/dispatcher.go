// Package stream provides MongoDB change stream processing
package stream

import (
	"context"
	"log/slog"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"
)

type batchStatus int

const (
	batchDone batchStatus = iota
	batchFailed
)

type batchResult struct {
	status      batchStatus
	resumeToken bson.Raw
	err         error
}

// CheckpointTracker serializes checkpoint persistence across concurrently
// dispatched batches. Batches can finish out of order, but the resume token
// must only ever advance through a contiguous prefix of done batches -
// otherwise a crash could resume past a batch that never completed.
type CheckpointTracker struct {
	mu    sync.Mutex
	store CheckpointStore
	key   string
	name  string

	nextSeq  uint64
	results  map[uint64]batchResult
	fatalErr error
}

// NewCheckpointTracker creates a tracker starting at sequence 1.
func NewCheckpointTracker(store CheckpointStore, key, name string) *CheckpointTracker {
	return &CheckpointTracker{
		store:   store,
		key:     key,
		name:    name,
		nextSeq: 1,
		results: make(map[uint64]batchResult),
	}
}

// MarkComplete records that batch seq finished successfully.
func (t *CheckpointTracker) MarkComplete(seq uint64, resumeToken bson.Raw) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results[seq] = batchResult{status: batchDone, resumeToken: resumeToken}
	t.advanceLocked()
}

// MarkFailed records that batch seq failed.
func (t *CheckpointTracker) MarkFailed(seq uint64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results[seq] = batchResult{status: batchFailed, err: err}
	t.advanceLocked()
}

// advanceLocked walks the contiguous run of recorded results starting at
// nextSeq. Every DONE entry in that run gets its resume token persisted in
// order; a FAILED entry at the frontier halts advancement and latches a
// fatal error, since resuming past it would silently drop its documents.
func (t *CheckpointTracker) advanceLocked() {
	for {
		res, ok := t.results[t.nextSeq]
		if !ok {
			return
		}

		switch res.status {
		case batchDone:
			if res.resumeToken != nil && t.store != nil {
				if err := t.store.SaveCheckpoint(t.key, res.resumeToken); err != nil {
					slog.Error("Failed to save checkpoint", "error", err, "stream", t.name, "seq", t.nextSeq)
				}
			}
			delete(t.results, t.nextSeq)
			t.nextSeq++

		case batchFailed:
			if t.fatalErr == nil {
				t.fatalErr = res.err
				slog.Error("Batch failed at checkpoint frontier, halting advancement",
					"stream", t.name, "seq", t.nextSeq, "error", res.err)
			}
			return
		}
	}
}

// HasFatalError reports whether a batch has ever failed at the frontier.
func (t *CheckpointTracker) HasFatalError() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fatalErr != nil
}

// FatalError returns the latched fatal error, or nil.
func (t *CheckpointTracker) FatalError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fatalErr
}

// Frontier returns the highest sequence number checkpointed so far.
func (t *CheckpointTracker) Frontier() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextSeq - 1
}

// BatchDispatcher bounds how many batches are processed concurrently and
// fans each batch's documents out across goroutines, the same bounded
// worker-pool shape the message router uses for per-group concurrency.
type BatchDispatcher struct {
	maxConcurrent int
	sem           chan struct{}
	wg            sync.WaitGroup
}

// NewBatchDispatcher creates a dispatcher allowing maxConcurrent batches
// in flight at once. A value below 1 is treated as 1 (strictly serial).
func NewBatchDispatcher(maxConcurrent int) *BatchDispatcher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &BatchDispatcher{
		maxConcurrent: maxConcurrent,
		sem:           make(chan struct{}, maxConcurrent),
	}
}

// Dispatch processes one batch asynchronously. It blocks only until a
// concurrency slot is free, then returns; the documents are mapped and
// upserted on a background goroutine via errgroup, and the result is
// reported back to tracker under seq.
func (d *BatchDispatcher) Dispatch(
	ctx context.Context,
	seq uint64,
	docs []bson.M,
	resumeToken bson.Raw,
	process func(ctx context.Context, doc bson.M) error,
	tracker *CheckpointTracker,
	streamName string,
) {
	d.sem <- struct{}{}
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()
		defer func() { <-d.sem }()

		g, gctx := errgroup.WithContext(ctx)
		for _, doc := range docs {
			doc := doc
			g.Go(func() error {
				return process(gctx, doc)
			})
		}

		if err := g.Wait(); err != nil {
			tracker.MarkFailed(seq, err)
			return
		}
		tracker.MarkComplete(seq, resumeToken)
	}()
}

// Wait blocks until every dispatched batch has finished processing.
func (d *BatchDispatcher) Wait() {
	d.wg.Wait()
}

// InFlight returns the number of batches currently occupying a concurrency slot.
func (d *BatchDispatcher) InFlight() int {
	return len(d.sem)
}
