package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/darthnorse/dockmon/internal/docker"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/store"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) After(time.Duration) <-chan time.Time { return nil }
func (c *fakeClock) Since(t time.Time) time.Duration      { return c.Now().Sub(t) }

// stubAPI serves a configurable container listing.
type stubAPI struct {
	containers []container.Summary
	listErr    error
}

func (s *stubAPI) ListAllContainers(context.Context) ([]container.Summary, error) {
	return s.containers, s.listErr
}
func (s *stubAPI) InspectContainer(context.Context, string) (types.ContainerJSON, error) {
	return types.ContainerJSON{}, nil
}
func (s *stubAPI) StopContainer(context.Context, string, int) error  { return nil }
func (s *stubAPI) StartContainer(context.Context, string) error      { return nil }
func (s *stubAPI) RestartContainer(context.Context, string) error    { return nil }
func (s *stubAPI) RenameContainer(context.Context, string, string) error {
	return nil
}
func (s *stubAPI) RemoveContainer(context.Context, string) error { return nil }
func (s *stubAPI) CreateContainer(context.Context, string, *container.Config, *container.HostConfig, *network.NetworkingConfig) (string, error) {
	return "", nil
}
func (s *stubAPI) ConnectNetwork(context.Context, string, string, *network.EndpointSettings) error {
	return nil
}
func (s *stubAPI) PullImage(context.Context, string, *docker.RegistryAuth, func(docker.PullProgress)) error {
	return nil
}
func (s *stubAPI) ImageDigest(context.Context, string) (string, error) { return "", nil }
func (s *stubAPI) ImageLabels(context.Context, string) (map[string]string, error) {
	return nil, nil
}
func (s *stubAPI) ListImages(context.Context) ([]docker.ImageSummary, error) { return nil, nil }
func (s *stubAPI) RemoveImage(context.Context, string) error                 { return nil }
func (s *stubAPI) ContainerStatsOneShot(context.Context, string) (*docker.StatsResult, error) {
	return nil, nil
}
func (s *stubAPI) IsPodman(context.Context) bool { return false }
func (s *stubAPI) Ping(context.Context) error    { return nil }
func (s *stubAPI) Close() error                  { return nil }

// fakeSource hands out stub clients and counts connection attempts.
type fakeSource struct {
	mu       sync.Mutex
	apis     map[string]*stubAPI
	dialErr  map[string]error
	attempts map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		apis:     make(map[string]*stubAPI),
		dialErr:  make(map[string]error),
		attempts: make(map[string]int),
	}
}

func (f *fakeSource) Get(_ context.Context, h store.Host) (docker.API, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[h.ID]++
	if err := f.dialErr[h.ID]; err != nil {
		return nil, err
	}
	return f.apis[h.ID], nil
}

func (f *fakeSource) Evict(string) {}

func (f *fakeSource) attemptCount(hostID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[hostID]
}

type fixture struct {
	mon    *Monitor
	store  *store.Store
	source *fakeSource
	clk    *fakeClock
	events <-chan events.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.New()
	ch, cancel := bus.Subscribe()
	t.Cleanup(cancel)

	clk := newFakeClock()
	source := newFakeSource()
	mon := New(st, source, bus, clk, logging.New(false, false), time.Minute)
	return &fixture{mon: mon, store: st, source: source, clk: clk, events: ch}
}

func (f *fixture) addHost(t *testing.T, id string) store.Host {
	t.Helper()
	h := store.Host{
		ID:             id,
		Name:           "host-" + id,
		URL:            "tcp://example:2376",
		ConnectionType: store.ConnTLSRemote,
		IsActive:       true,
		Status:         store.HostUnknown,
		CreatedAt:      f.clk.Now(),
	}
	if err := f.store.SaveHost(h); err != nil {
		t.Fatal(err)
	}
	f.source.apis[id] = &stubAPI{}
	return h
}

// drainEvents returns every event currently buffered.
func (f *fixture) drainEvents() []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-f.events:
			out = append(out, e)
		default:
			return out
		}
	}
}

func countType(evts []events.Event, typ events.Type) int {
	n := 0
	for _, e := range evts {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestBackoffDelaySequence(t *testing.T) {
	want := []time.Duration{
		0, 5 * time.Second, 10 * time.Second, 20 * time.Second,
		40 * time.Second, 80 * time.Second, 160 * time.Second,
		300 * time.Second, 300 * time.Second, 300 * time.Second,
	}
	for n, d := range want {
		if got := backoffDelay(n); got != d {
			t.Errorf("backoffDelay(%d) = %s, want %s", n, got, d)
		}
	}
}

func TestBackoffGatesReconnectAttempts(t *testing.T) {
	f := newFixture(t)
	f.addHost(t, "h1")
	f.source.dialErr["h1"] = errors.New("connection refused")
	ctx := context.Background()

	f.mon.Tick(ctx) // first failure
	f.mon.Tick(ctx) // immediate retry: first backoff slot is zero
	if got := f.source.attemptCount("h1"); got != 2 {
		t.Fatalf("attempts = %d, want 2 (immediate first retry)", got)
	}

	// Second retry waits 5s; a tick inside the window must not dial.
	f.mon.Tick(ctx)
	if got := f.source.attemptCount("h1"); got != 2 {
		t.Fatalf("attempts = %d, want still 2 inside backoff window", got)
	}
	f.clk.advance(5 * time.Second)
	f.mon.Tick(ctx)
	if got := f.source.attemptCount("h1"); got != 3 {
		t.Fatalf("attempts = %d, want 3 after window", got)
	}
}

func TestHostEdgeEventsFireOncePerTransition(t *testing.T) {
	f := newFixture(t)
	f.addHost(t, "h1")
	ctx := context.Background()

	f.mon.Tick(ctx)
	evts := f.drainEvents()
	if n := countType(evts, events.HostConnected); n != 1 {
		t.Fatalf("HostConnected = %d, want 1", n)
	}

	// Steady online: no repeat edge.
	f.mon.Tick(ctx)
	if n := countType(f.drainEvents(), events.HostConnected); n != 0 {
		t.Fatalf("HostConnected repeated on steady state: %d", n)
	}

	// Listing failure: one disconnect edge.
	f.source.apis["h1"].listErr = errors.New("EOF")
	f.mon.Tick(ctx)
	if n := countType(f.drainEvents(), events.HostDisconnected); n != 1 {
		t.Fatalf("HostDisconnected = %d, want 1", n)
	}

	// Still failing after the backoff window: no second disconnect edge.
	f.clk.advance(time.Second)
	f.mon.Tick(ctx)
	if n := countType(f.drainEvents(), events.HostDisconnected); n != 0 {
		t.Fatalf("HostDisconnected repeated on offline→offline: %d", n)
	}

	// Recovery: one connect edge.
	f.source.apis["h1"].listErr = nil
	f.clk.advance(10 * time.Second)
	f.mon.Tick(ctx)
	if n := countType(f.drainEvents(), events.HostConnected); n != 1 {
		t.Fatalf("HostConnected after recovery = %d, want 1", n)
	}
}

func TestStickyTagReattachByCompose(t *testing.T) {
	f := newFixture(t)
	f.addHost(t, "h1")
	ctx := context.Background()

	oldKey := store.CompositeKey("h1", "aaaaaaaaaaaa")
	if err := f.store.SaveTag(store.Tag{ID: "t1", Name: "prod"}); err != nil {
		t.Fatal(err)
	}
	err := f.store.SaveTagAssignment(store.TagAssignment{
		TagID:                 "t1",
		SubjectType:           "container",
		SubjectID:             oldKey,
		ComposeProject:        "web",
		ComposeService:        "api",
		HostIDAtAttach:        "h1",
		ContainerNameAtAttach: "web-api-1",
		LastSeenAt:            f.clk.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	// The service container was recreated under a new id and even a new
	// name; compose identity carries the tag across.
	f.source.apis["h1"].containers = []container.Summary{{
		ID:    "bbbbbbbbbbbbbbbbbbbb",
		Names: []string{"/web-api-2"},
		Image: "ghcr.io/acme/api:1.4",
		State: "running",
		Labels: map[string]string{
			labelComposeProject: "web",
			labelComposeService: "api",
		},
	}}
	f.mon.Tick(ctx)

	newKey := store.CompositeKey("h1", "bbbbbbbbbbbb")
	moved, err := f.store.ListAssignmentsForSubject("container", newKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(moved) != 1 || moved[0].TagID != "t1" {
		t.Fatalf("assignments on new key = %+v, want tag t1", moved)
	}
	old, err := f.store.ListAssignmentsForSubject("container", oldKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(old) != 0 {
		t.Fatalf("old assignment not removed: %+v", old)
	}
}

func TestStickyTagReattachByNameFallback(t *testing.T) {
	f := newFixture(t)
	f.addHost(t, "h1")
	ctx := context.Background()

	oldKey := store.CompositeKey("h1", "aaaaaaaaaaaa")
	err := f.store.SaveTagAssignment(store.TagAssignment{
		TagID:                 "t1",
		SubjectType:           "container",
		SubjectID:             oldKey,
		HostIDAtAttach:        "h1",
		ContainerNameAtAttach: "worker",
		LastSeenAt:            f.clk.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	f.source.apis["h1"].containers = []container.Summary{{
		ID:    "cccccccccccccccccccc",
		Names: []string{"/worker"},
		Image: "acme/worker:2",
		State: "running",
	}}
	f.mon.Tick(ctx)

	newKey := store.CompositeKey("h1", "cccccccccccc")
	moved, err := f.store.ListAssignmentsForSubject("container", newKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(moved) != 1 {
		t.Fatalf("assignments on new key = %+v, want 1", moved)
	}
}

func TestSnapshotTracksDepartures(t *testing.T) {
	f := newFixture(t)
	f.addHost(t, "h1")
	ctx := context.Background()

	f.source.apis["h1"].containers = []container.Summary{{
		ID:    "dddddddddddddddddddd",
		Names: []string{"/db"},
		Image: "postgres:16",
		State: "running",
	}}
	f.mon.Tick(ctx)

	key := store.CompositeKey("h1", "dddddddddddd")
	if _, ok := f.mon.Lookup(key); !ok {
		t.Fatal("container missing from snapshot after scan")
	}

	f.source.apis["h1"].containers = nil
	f.mon.Tick(ctx)
	if _, ok := f.mon.Lookup(key); ok {
		t.Fatal("departed container still in snapshot")
	}
}

func TestStatsMergeByCompositeKey(t *testing.T) {
	f := newFixture(t)
	f.addHost(t, "h1")
	ctx := context.Background()

	key := store.CompositeKey("h1", "eeeeeeeeeeee")
	f.mon.RecordStats(key, docker.StatsResult{CPUPercent: 12.5, MemoryUsage: 1 << 20})

	f.source.apis["h1"].containers = []container.Summary{{
		ID:    "eeeeeeeeeeeeeeeeeeee",
		Names: []string{"/cache"},
		Image: "redis:7",
		State: "running",
	}}
	f.mon.Tick(ctx)

	obs, ok := f.mon.Lookup(key)
	if !ok {
		t.Fatal("container missing from snapshot")
	}
	if obs.Stats == nil || obs.Stats.CPUPercent != 12.5 {
		t.Fatalf("stats not merged: %+v", obs.Stats)
	}
}

func TestResolveImageRef(t *testing.T) {
	tests := []struct {
		name string
		c    container.Summary
		want string
	}{
		{"tagged", container.Summary{Image: "nginx:1.25", ImageID: "sha256:abc"}, "nginx:1.25"},
		{"sha image falls back to id", container.Summary{Image: "sha256:ffffffffffffffff", ImageID: "sha256:0123456789abcdef00"}, "0123456789ab"},
		{"no image id", container.Summary{Image: "sha256:0123456789abcdef00"}, "0123456789ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveImageRef(tt.c); got != tt.want {
				t.Errorf("resolveImageRef = %q, want %q", got, tt.want)
			}
		})
	}
}
