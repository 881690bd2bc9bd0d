package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/darthnorse/dockmon/internal/config"
	"github.com/darthnorse/dockmon/internal/docker"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/monitor"
	"github.com/darthnorse/dockmon/internal/store"

	"github.com/docker/docker/api/types/container"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- f.now
	return ch
}

func (f *fakeClock) Since(t time.Time) time.Duration { return f.now.Sub(t) }

// stubAPI embeds the interface so only the methods maintenance touches
// need bodies; anything else panics loudly.
type stubAPI struct {
	docker.API

	containers []container.Summary
	images     []docker.ImageSummary

	removedContainers []string
	removedImages     []string
}

func (s *stubAPI) ListAllContainers(context.Context) ([]container.Summary, error) {
	return s.containers, nil
}

func (s *stubAPI) ListImages(context.Context) ([]docker.ImageSummary, error) {
	return s.images, nil
}

func (s *stubAPI) RemoveContainer(_ context.Context, id string) error {
	s.removedContainers = append(s.removedContainers, id)
	return nil
}

func (s *stubAPI) RemoveImage(_ context.Context, id string) error {
	s.removedImages = append(s.removedImages, id)
	return nil
}

type stubClients map[string]*stubAPI

func (s stubClients) Get(_ context.Context, h store.Host) (docker.API, error) {
	return s[h.ID], nil
}

type fakeView map[string]monitor.Observed

func (f fakeView) Lookup(key string) (monitor.Observed, bool) {
	obs, ok := f[key]
	return obs, ok
}

type fixture struct {
	runner  *Runner
	store   *store.Store
	clients stubClients
	view    fakeView
	clk     *fakeClock
	cfg     *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	clk := newFakeClock()
	clients := stubClients{}
	view := fakeView{}
	cfg := &config.Config{
		DataDir:          t.TempDir(),
		EventRetention:   7 * 24 * time.Hour,
		BackupRetention:  24 * time.Hour,
		ImageKeepPerRepo: 2,
		ImagePruneGrace:  48 * time.Hour,
	}
	runner := NewRunner(st, clients, view, clk, logging.New(false, false), cfg, nil)
	return &fixture{runner: runner, store: st, clients: clients, view: view, clk: clk, cfg: cfg}
}

func (f *fixture) addHost(t *testing.T, id, name, status string, connType string) {
	t.Helper()
	err := f.store.SaveHost(store.Host{
		ID: id, Name: name, URL: "tcp://" + name + ":2376",
		ConnectionType: connType, IsActive: true, Status: status,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestPurgeUnusedTags(t *testing.T) {
	f := newFixture(t)
	now := f.clk.Now()
	old := now.Add(-30 * 24 * time.Hour)

	for _, tag := range []store.Tag{
		{ID: "t-old-empty", Name: "stale", CreatedAt: old},
		{ID: "t-old-used", Name: "prod", CreatedAt: old},
		{ID: "t-new-empty", Name: "fresh", CreatedAt: now.Add(-time.Hour)},
	} {
		if err := f.store.SaveTag(tag); err != nil {
			t.Fatal(err)
		}
	}
	err := f.store.SaveTagAssignment(store.TagAssignment{
		SubjectType: "container", SubjectID: "h1:aaaaaaaaaaaa", TagID: "t-old-used",
		LastSeenAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}

	purged, err := f.runner.purgeUnusedTags(now)
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	if tag, _ := f.store.GetTag("t-old-empty"); tag != nil {
		t.Error("unused old tag must be deleted")
	}
	if tag, _ := f.store.GetTag("t-old-used"); tag == nil {
		t.Error("assigned tag must survive")
	}
	if tag, _ := f.store.GetTag("t-new-empty"); tag == nil {
		t.Error("recently created tag must survive")
	}
}

func TestResolveStaleAlerts(t *testing.T) {
	f := newFixture(t)
	now := f.clk.Now()
	f.addHost(t, "h1", "prod-1", store.HostOnline, store.ConnTLSRemote)
	f.addHost(t, "h2", "prod-2", store.HostOffline, store.ConnTLSRemote)

	liveKey := "h1:aaaaaaaaaaaa"
	f.view[liveKey] = monitor.Observed{Key: liveKey, HostID: "h1", Name: "web"}

	seed := []store.Alert{
		// Container alive on an online host: survives.
		{ID: "a-live", DedupKey: "r|container_stopped|" + liveKey, ScopeType: store.ScopeContainer,
			ScopeID: liveKey, HostID: "h1", State: store.AlertOpen, LastSeen: now.Add(-time.Hour)},
		// Container missing while its host is online: stale.
		{ID: "a-gone", DedupKey: "r|container_stopped|h1:bbbbbbbbbbbb", ScopeType: store.ScopeContainer,
			ScopeID: "h1:bbbbbbbbbbbb", HostID: "h1", State: store.AlertOpen, LastSeen: now.Add(-time.Hour)},
		// Container missing but the host is offline: cannot judge, survives.
		{ID: "a-offline", DedupKey: "r|container_stopped|h2:cccccccccccc", ScopeType: store.ScopeContainer,
			ScopeID: "h2:cccccccccccc", HostID: "h2", State: store.AlertOpen, LastSeen: now.Add(-time.Hour)},
		// Host-scope alert for a deleted host: stale.
		{ID: "a-nohost", DedupKey: "r|host_disconnected|h9", ScopeType: store.ScopeHost,
			ScopeID: "h9", State: store.AlertOpen, LastSeen: now.Add(-time.Hour)},
		// No activity for over a day: stale regardless of subject.
		{ID: "a-quiet", DedupKey: "r|container_stopped|" + liveKey + "2", ScopeType: store.ScopeContainer,
			ScopeID: liveKey, HostID: "h1", State: store.AlertOpen, LastSeen: now.Add(-25 * time.Hour)},
	}
	for _, a := range seed {
		a.FirstSeen = a.LastSeen
		if err := f.store.SaveAlert(a); err != nil {
			t.Fatal(err)
		}
	}

	resolved, err := f.runner.resolveStaleAlerts(now)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != 3 {
		t.Fatalf("resolved = %d, want 3", resolved)
	}

	for id, wantOpen := range map[string]bool{
		"a-live": true, "a-gone": false, "a-offline": true, "a-nohost": false, "a-quiet": false,
	} {
		a, err := f.store.GetAlert(id)
		if err != nil {
			t.Fatal(err)
		}
		if open := a.State == store.AlertOpen; open != wantOpen {
			t.Errorf("%s: state = %s, want open=%v", id, a.State, wantOpen)
		}
	}
}

func TestPurgeOrphanRows(t *testing.T) {
	f := newFixture(t)
	f.addHost(t, "h1", "prod-1", store.HostOnline, store.ConnTLSRemote)
	f.addHost(t, "h2", "prod-2", store.HostOffline, store.ConnTLSRemote)

	liveKey := "h1:aaaaaaaaaaaa"
	f.view[liveKey] = monitor.Observed{Key: liveKey, HostID: "h1", Name: "web"}

	for _, cu := range []store.ContainerUpdate{
		{Key: liveKey},
		{Key: "h1:bbbbbbbbbbbb"},
		{Key: "h2:cccccccccccc"},
	} {
		if err := f.store.SaveContainerUpdate(cu); err != nil {
			t.Fatal(err)
		}
	}

	purged, err := f.runner.purgeOrphanRows()
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	if cu, _ := f.store.GetContainerUpdate(liveKey); cu == nil {
		t.Error("live container row must survive")
	}
	if cu, _ := f.store.GetContainerUpdate("h1:bbbbbbbbbbbb"); cu != nil {
		t.Error("orphaned row on an online host must be purged")
	}
	if cu, _ := f.store.GetContainerUpdate("h2:cccccccccccc"); cu == nil {
		t.Error("row on an offline host must survive")
	}
}

func TestSweepBackups(t *testing.T) {
	f := newFixture(t)
	now := f.clk.Now()
	f.addHost(t, "h1", "prod-1", store.HostOnline, store.ConnTLSRemote)

	f.clients["h1"] = &stubAPI{containers: []container.Summary{
		{ID: "c-old", Names: []string{"/web-dockmon-backup-1717200000"}, Created: now.Add(-48 * time.Hour).Unix()},
		{ID: "c-recent", Names: []string{"/web-dockmon-backup-1717300000"}, Created: now.Add(-time.Hour).Unix()},
		{ID: "c-app", Names: []string{"/web"}, Created: now.Add(-48 * time.Hour).Unix()},
	}}

	removed, err := f.runner.sweepBackups(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	got := f.clients["h1"].removedContainers
	if len(got) != 1 || got[0] != "c-old" {
		t.Errorf("removed containers = %v, want [c-old]", got)
	}
}

func TestSweepBackupsSkipsAgentAndOfflineHosts(t *testing.T) {
	f := newFixture(t)
	now := f.clk.Now()
	f.addHost(t, "h-agent", "edge-1", store.HostOnline, store.ConnAgent)
	f.addHost(t, "h-off", "prod-2", store.HostOffline, store.ConnTLSRemote)

	backup := container.Summary{
		ID: "c-old", Names: []string{"/web-dockmon-backup-1717200000"},
		Created: now.Add(-48 * time.Hour).Unix(),
	}
	f.clients["h-agent"] = &stubAPI{containers: []container.Summary{backup}}
	f.clients["h-off"] = &stubAPI{containers: []container.Summary{backup}}

	removed, err := f.runner.sweepBackups(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}

func TestPruneImages(t *testing.T) {
	f := newFixture(t)
	now := f.clk.Now()
	f.addHost(t, "h1", "prod-1", store.HostOnline, store.ConnTLSRemote)

	old := now.Add(-72 * time.Hour).Unix()
	fresh := now.Add(-time.Hour).Unix()

	f.clients["h1"] = &stubAPI{images: []docker.ImageSummary{
		// Three tags of one repo: the two newest stay, the oldest goes.
		{ID: "img-new", RepoTags: []string{"nginx:1.27"}, Created: fresh},
		{ID: "img-mid", RepoTags: []string{"nginx:1.26"}, Created: old + 3600},
		{ID: "img-old", RepoTags: []string{"nginx:1.25"}, Created: old},
		// In use: never pruned, however old.
		{ID: "img-used", RepoTags: []string{"redis:6"}, Created: old, InUse: true},
		// Dangling past the grace window.
		{ID: "img-dangling", RepoTags: nil, Created: old},
		// Dangling but inside the grace window.
		{ID: "img-dangling-new", RepoTags: []string{"<none>:<none>"}, Created: fresh},
	}}

	pruned, err := f.runner.pruneImages(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 2 {
		t.Fatalf("pruned = %d, want 2", pruned)
	}

	got := map[string]bool{}
	for _, id := range f.clients["h1"].removedImages {
		got[id] = true
	}
	if !got["img-old"] || !got["img-dangling"] {
		t.Errorf("removed images = %v, want img-old and img-dangling", f.clients["h1"].removedImages)
	}
}

func TestPruneImagesRespectsGraceForExcess(t *testing.T) {
	f := newFixture(t)
	now := f.clk.Now()
	f.addHost(t, "h1", "prod-1", store.HostOnline, store.ConnTLSRemote)

	fresh := now.Add(-time.Hour).Unix()
	f.clients["h1"] = &stubAPI{images: []docker.ImageSummary{
		{ID: "img-a", RepoTags: []string{"nginx:1.27"}, Created: fresh},
		{ID: "img-b", RepoTags: []string{"nginx:1.26"}, Created: fresh - 60},
		{ID: "img-c", RepoTags: []string{"nginx:1.25"}, Created: fresh - 120},
	}}

	pruned, err := f.runner.pruneImages(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 0 {
		t.Errorf("pruned = %d, want 0 inside the grace window", pruned)
	}
}

func TestRunDailyExecutesAllTasks(t *testing.T) {
	f := newFixture(t)
	// Empty store, no hosts: every task must still complete without error.
	f.runner.RunDaily(context.Background())

	// The TLS task ran: the cert pair exists.
	if _, err := certRemaining(filepath.Join(f.cfg.DataDir, certFile), f.clk.Now()); err != nil {
		t.Errorf("server cert after daily run: %v", err)
	}
}
