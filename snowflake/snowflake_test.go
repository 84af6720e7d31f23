package snowflake

import (
	"sort"
	"sync"
	"testing"
	"time"
)

func TestNextIDMonotonic(t *testing.T) {
	g, err := New(WithWorkerID(1))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var last int64
	for i := 0; i < 10000; i++ {
		id, err := g.NextID()
		if err != nil {
			t.Fatalf("NextID failed: %v", err)
		}
		if id <= last {
			t.Fatalf("id %d not greater than previous %d at call %d", id, last, i)
		}
		last = id
	}
}

func TestNextIDConcurrentUnique(t *testing.T) {
	g, err := New(WithWorkerID(2))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	const (
		workers = 8
		perWorker = 1000
	)

	var wg sync.WaitGroup
	results := make([][]int64, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			ids := make([]int64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				id, err := g.NextID()
				if err != nil {
					t.Errorf("NextID failed: %v", err)
					return
				}
				ids = append(ids, id)
			}
			results[w] = ids
		}(w)
	}
	wg.Wait()

	seen := make(map[int64]struct{}, workers*perWorker)
	for w, ids := range results {
		// Per-goroutine call order must match value order.
		if !sort.SliceIsSorted(ids, func(i, j int) bool { return ids[i] < ids[j] }) {
			t.Errorf("worker %d ids not increasing in call order", w)
		}
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				t.Fatalf("duplicate id %d", id)
			}
			seen[id] = struct{}{}
		}
	}
	if len(seen) != workers*perWorker {
		t.Errorf("expected %d unique ids, got %d", workers*perWorker, len(seen))
	}
}

func TestWorkerIDMasked(t *testing.T) {
	g, err := New(WithWorkerID(5000))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if g.WorkerID() > maxWorkerID {
		t.Errorf("worker id %d exceeds 10 bits", g.WorkerID())
	}
}

func TestSequenceOverflowAdvancesMillisecond(t *testing.T) {
	g, err := New(WithWorkerID(3))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// Freeze the clock so the sequence must overflow, then let it advance.
	frozen := time.Now().UnixMilli()
	calls := 0
	g.now = func() int64 {
		calls++
		if calls > sequenceMask+2 {
			return frozen + 1 + int64(calls-sequenceMask-2)/2
		}
		return frozen
	}

	var last int64
	for i := 0; i < sequenceMask+2; i++ {
		id, err := g.NextID()
		if err != nil {
			t.Fatalf("NextID failed: %v", err)
		}
		if id <= last {
			t.Fatalf("id %d not greater than %d after sequence overflow", id, last)
		}
		last = id
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	g, err := New(WithWorkerID(4))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	before := time.Now().Add(-time.Second)
	id, err := g.NextID()
	if err != nil {
		t.Fatalf("NextID failed: %v", err)
	}
	ts := Timestamp(id)
	if ts.Before(before) || ts.After(time.Now().Add(time.Second)) {
		t.Errorf("extracted timestamp %v outside expected window", ts)
	}
}
