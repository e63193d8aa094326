package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

type memCheckpointStore struct {
	mu     sync.Mutex
	saved  []bson.Raw
	getErr error
}

func (s *memCheckpointStore) GetCheckpoint(key string) (bson.Raw, error) {
	return nil, s.getErr
}

func (s *memCheckpointStore) SaveCheckpoint(key string, token bson.Raw) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, token)
	return nil
}

func (s *memCheckpointStore) savedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func token(n byte) bson.Raw {
	return bson.Raw{n}
}

func TestCheckpointTrackerAdvancesInOrder(t *testing.T) {
	store := &memCheckpointStore{}
	tracker := NewCheckpointTracker(store, "key", "test")

	// Complete out of order: 2 then 1 then 3
	tracker.MarkComplete(2, token(2))
	if tracker.Frontier() != 0 {
		t.Fatalf("expected frontier 0 before seq 1 completes, got %d", tracker.Frontier())
	}

	tracker.MarkComplete(1, token(1))
	if tracker.Frontier() != 2 {
		t.Fatalf("expected frontier 2 after contiguous 1,2 complete, got %d", tracker.Frontier())
	}

	tracker.MarkComplete(3, token(3))
	if tracker.Frontier() != 3 {
		t.Fatalf("expected frontier 3, got %d", tracker.Frontier())
	}

	if store.savedCount() != 3 {
		t.Errorf("expected 3 checkpoints saved, got %d", store.savedCount())
	}
}

func TestCheckpointTrackerHaltsOnFailureAtFrontier(t *testing.T) {
	store := &memCheckpointStore{}
	tracker := NewCheckpointTracker(store, "key", "test")

	tracker.MarkFailed(1, errors.New("boom"))
	if !tracker.HasFatalError() {
		t.Fatal("expected fatal error after failure at frontier")
	}
	if tracker.Frontier() != 0 {
		t.Errorf("expected frontier to stay at 0, got %d", tracker.Frontier())
	}

	// Later batches completing successfully must not advance past the gap.
	tracker.MarkComplete(2, token(2))
	if tracker.Frontier() != 0 {
		t.Errorf("expected frontier to remain stuck at 0, got %d", tracker.Frontier())
	}
	if store.savedCount() != 0 {
		t.Errorf("expected no checkpoints saved past a failure, got %d", store.savedCount())
	}
}

func TestBatchDispatcherBoundsConcurrency(t *testing.T) {
	var current, maxSeen atomic.Int32

	dispatcher := NewBatchDispatcher(2)
	tracker := NewCheckpointTracker(&memCheckpointStore{}, "key", "test")

	process := func(ctx context.Context, doc bson.M) error {
		n := current.Add(1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return nil
	}

	for i := uint64(1); i <= 5; i++ {
		dispatcher.Dispatch(context.Background(), i, []bson.M{{"_id": i}}, token(byte(i)), process, tracker, "test")
	}

	dispatcher.Wait()

	if maxSeen.Load() > 2 {
		t.Errorf("expected at most 2 concurrent batches, saw %d", maxSeen.Load())
	}
	if tracker.Frontier() != 5 {
		t.Errorf("expected all 5 batches checkpointed, frontier=%d", tracker.Frontier())
	}
}

func TestBatchDispatcherMarksFailedOnDocError(t *testing.T) {
	dispatcher := NewBatchDispatcher(1)
	tracker := NewCheckpointTracker(&memCheckpointStore{}, "key", "test")

	process := func(ctx context.Context, doc bson.M) error {
		return errors.New("upsert failed")
	}

	dispatcher.Dispatch(context.Background(), 1, []bson.M{{"_id": 1}}, token(1), process, tracker, "test")
	dispatcher.Wait()

	if !tracker.HasFatalError() {
		t.Fatal("expected fatal error after batch document processing failed")
	}
}
