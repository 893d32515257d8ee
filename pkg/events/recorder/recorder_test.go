package recorder

import (
	"context"
	"sync"
	"testing"
	"time"

	"carapaceproxy/carapace/pkg/events"
	"carapaceproxy/carapace/pkg/events/storage"
)

// blockingStorage holds every Store call until release is closed.
type blockingStorage struct {
	*storage.MemoryStorage
	release chan struct{}
	once    sync.Once
}

func (b *blockingStorage) Store(ctx context.Context, e *events.Event) error {
	<-b.release
	return b.MemoryStorage.Store(ctx, e)
}

func (b *blockingStorage) unblock() { b.once.Do(func() { close(b.release) }) }

func TestRecorder_PersistsEvents(t *testing.T) {
	store := storage.NewMemoryStorage(0)
	r := New(store, &Config{BufferSize: 10, WriteTimeout: time.Second})

	r.Emit(events.Event{Kind: events.KindRequestOutcome, Backend: "a", Status: 200})
	r.Emit(events.Event{Kind: events.KindHealthTransition, Backend: "a", ToState: "DOWN"})

	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	got, err := store.Query(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("stored = %d, want 2", len(got))
	}
	for _, e := range got {
		if e.ID == "" || e.Timestamp.IsZero() {
			t.Errorf("event missing id or timestamp: %+v", e)
		}
	}
	if s := r.Stats(); s.Written != 2 || s.Dropped != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestRecorder_EmitNeverBlocks(t *testing.T) {
	store := &blockingStorage{MemoryStorage: storage.NewMemoryStorage(0), release: make(chan struct{})}
	r := New(store, &Config{BufferSize: 2, WriteTimeout: time.Second})
	defer func() {
		store.unblock()
		_ = r.Close()
	}()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			r.Emit(events.Event{Kind: events.KindPoolSaturated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full buffer")
	}

	if r.Stats().Dropped == 0 {
		t.Error("expected dropped events with a stalled storage")
	}
}

func TestRecorder_EmitAfterClose(t *testing.T) {
	store := storage.NewMemoryStorage(0)
	r := New(store, nil)
	_ = r.Close()
	_ = r.Close()

	r.Emit(events.Event{Kind: events.KindRequestOutcome})

	if n, _ := store.Count(context.Background(), nil); n != 0 {
		t.Errorf("stored after close = %d", n)
	}
	if r.Stats().Dropped != 1 {
		t.Errorf("dropped = %d, want 1", r.Stats().Dropped)
	}
}
