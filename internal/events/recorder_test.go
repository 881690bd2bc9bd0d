package events

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/store"
)

func TestRecorderPersistsDurableEvents(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	bus := New()
	rec := NewRecorder(st, bus, logging.New(false, false))

	// The recorder subscribes at construction; events published before Run
	// starts sit in its buffer.
	bus.Publish(Event{
		Type: ContainerStarted, HostID: "h1", ContainerName: "web",
		Message: "Container started",
	})
	bus.Publish(Event{Type: UpdateProgress, Percent: 40})
	bus.Publish(Event{
		Type: UpdateCompleted, Severity: SeverityInfo,
		HostID: "h1", ContainerName: "web", Message: "Updated to nginx:1.25",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Run(ctx)

	var got []store.EventLogEntry
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err = st.ListEvents(10)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("persisted events = %d, want 2", len(got))
		}
		time.Sleep(10 * time.Millisecond)
	}

	if len(got) != 2 {
		t.Fatalf("persisted events = %d, want 2 (progress skipped)", len(got))
	}
	// Newest first.
	if got[0].Type != string(UpdateCompleted) || got[1].Type != string(ContainerStarted) {
		t.Errorf("types = %s, %s", got[0].Type, got[1].Type)
	}
	if got[0].HostID != "h1" || got[0].ContainerName != "web" || got[0].ID == "" {
		t.Errorf("entry = %+v", got[0])
	}

	purged, err := st.PurgeEventsBefore(time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if purged != 2 {
		t.Errorf("purged = %d, want 2", purged)
	}
	after, err := st.ListEvents(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 0 {
		t.Errorf("events after purge = %d, want 0", len(after))
	}
}

func TestRecorderStopsOnCancel(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	bus := New()
	rec := NewRecorder(st, bus, logging.New(false, false))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("recorder did not stop on cancel")
	}
}
