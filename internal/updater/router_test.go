package updater

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/monitor"
	"github.com/darthnorse/dockmon/internal/store"
)

// fakeClock advances by step on every Now call so deadlines are reached
// without sleeping. After fires immediately.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newFakeClock(step time.Duration) *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), step: step}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func (c *fakeClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

type fakeIndex map[string]monitor.Observed

func (f fakeIndex) Lookup(key string) (monitor.Observed, bool) {
	obs, ok := f[key]
	return obs, ok
}

// fakeExecutor returns a scripted result, optionally blocking until
// released to exercise the in-flight guard.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan struct{}
	result  ExecResult
	err     error
}

func (f *fakeExecutor) Execute(_ context.Context, _ Request) (ExecResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	return f.result, f.err
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type routerFixture struct {
	router *Router
	store  *store.Store
	exec   *fakeExecutor
	index  fakeIndex
	events <-chan events.Event
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	h := store.Host{
		ID:             "h1",
		Name:           "prod-1",
		URL:            "tcp://example:2376",
		ConnectionType: store.ConnTLSRemote,
		IsActive:       true,
		Status:         store.HostOnline,
	}
	if err := st.SaveHost(h); err != nil {
		t.Fatal(err)
	}

	bus := events.New()
	ch, cancel := bus.Subscribe()
	t.Cleanup(cancel)

	exec := &fakeExecutor{}
	index := fakeIndex{}
	r := NewRouter(st, index, PolicyValidator{}, exec, exec, bus, newFakeClock(0), logging.New(false, false))
	return &routerFixture{router: r, store: st, exec: exec, index: index, events: ch}
}

func (f *routerFixture) addContainer(key, name string) {
	f.index[key] = monitor.Observed{
		Key:    key,
		HostID: "h1",
		ID:     "aaaaaaaaaaaa",
		Name:   name,
		State:  "running",
	}
}

func (f *routerFixture) drainEvents() []events.Event {
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

func findType(evts []events.Event, typ events.Type) (events.Event, bool) {
	for _, e := range evts {
		if e.Type == typ {
			return e, true
		}
	}
	return events.Event{}, false
}

func TestUpdateEmitsOneStartAndOneTerminalEvent(t *testing.T) {
	f := newRouterFixture(t)
	f.addContainer("h1:aaaaaaaaaaaa", "web")
	rec := store.ContainerUpdate{Key: "h1:aaaaaaaaaaaa", LatestImage: "nginx:1.25"}

	if ok := f.router.UpdateContainer(context.Background(), "h1", "aaaaaaaaaaaa", rec, false, false); !ok {
		t.Fatal("update should succeed")
	}

	evts := f.drainEvents()
	if n := countType(evts, events.UpdateStarted); n != 1 {
		t.Errorf("UPDATE_STARTED count = %d, want 1", n)
	}
	terminal := countType(evts, events.UpdateCompleted) + countType(evts, events.UpdateFailed)
	if terminal != 1 {
		t.Errorf("terminal event count = %d, want 1", terminal)
	}
	if _, failed := findType(evts, events.UpdateFailed); failed {
		t.Error("successful update must not emit UPDATE_FAILED")
	}
}

func TestUpdateInFlightSecondCallReturnsFalse(t *testing.T) {
	f := newRouterFixture(t)
	f.addContainer("h1:aaaaaaaaaaaa", "web")
	f.exec.started = make(chan struct{}, 1)
	f.exec.release = make(chan struct{})
	rec := store.ContainerUpdate{Key: "h1:aaaaaaaaaaaa", LatestImage: "nginx:1.25"}

	done := make(chan bool, 1)
	go func() {
		done <- f.router.UpdateContainer(context.Background(), "h1", "aaaaaaaaaaaa", rec, false, false)
	}()
	<-f.exec.started

	// The full 64-char id truncates to the same composite key.
	longID := "aaaaaaaaaaaa" + "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	if ok := f.router.UpdateContainer(context.Background(), "h1", longID, rec, false, false); ok {
		t.Error("concurrent update for the same container must be rejected")
	}

	close(f.exec.release)
	if ok := <-done; !ok {
		t.Error("first update should succeed")
	}
	if f.exec.callCount() != 1 {
		t.Errorf("executor calls = %d, want 1", f.exec.callCount())
	}
}

func TestProtectedNames(t *testing.T) {
	tests := []struct {
		name      string
		protected bool
	}{
		{"dockmon", true},
		{"dockmon-proxy", true},
		{"dockmon-agent", false},
		{"my-dockmon", false},
		{"web", false},
	}
	for _, tt := range tests {
		if got := protectedName(tt.name); got != tt.protected {
			t.Errorf("protectedName(%q) = %v, want %v", tt.name, got, tt.protected)
		}
	}
}

func TestSelfUpdateRejected(t *testing.T) {
	f := newRouterFixture(t)
	f.addContainer("h1:aaaaaaaaaaaa", "dockmon")
	rec := store.ContainerUpdate{Key: "h1:aaaaaaaaaaaa", LatestImage: "dockmon:2.0"}

	if ok := f.router.UpdateContainer(context.Background(), "h1", "aaaaaaaaaaaa", rec, false, false); ok {
		t.Fatal("updating dockmon itself must be rejected")
	}
	evt, ok := findType(f.drainEvents(), events.UpdateFailed)
	if !ok || evt.Message != "DockMon cannot update itself" {
		t.Errorf("event = %+v", evt)
	}
	if f.exec.callCount() != 0 {
		t.Error("executor must not run for protected containers")
	}
}

func TestWarnPolicyRequiresConfirmation(t *testing.T) {
	f := newRouterFixture(t)
	f.addContainer("h1:aaaaaaaaaaaa", "web")
	rec := store.ContainerUpdate{
		Key:         "h1:aaaaaaaaaaaa",
		Policy:      store.PolicyWarn,
		LatestImage: "nginx:1.25",
	}

	if ok := f.router.UpdateContainer(context.Background(), "h1", "aaaaaaaaaaaa", rec, false, false); ok {
		t.Fatal("warn policy without confirmation must not proceed")
	}
	evts := f.drainEvents()
	if n := countType(evts, events.UpdateSkippedValidation); n != 1 {
		t.Errorf("UPDATE_SKIPPED_VALIDATION count = %d, want 1", n)
	}
	if n := countType(evts, events.UpdateStarted); n != 0 {
		t.Error("skipped update must not emit UPDATE_STARTED")
	}

	// forceWarn overrides the warning.
	if ok := f.router.UpdateContainer(context.Background(), "h1", "aaaaaaaaaaaa", rec, false, true); !ok {
		t.Fatal("warn policy with confirmation should proceed")
	}
	if f.exec.callCount() != 1 {
		t.Errorf("executor calls = %d, want 1", f.exec.callCount())
	}
}

func TestBlockPolicyFails(t *testing.T) {
	f := newRouterFixture(t)
	f.addContainer("h1:aaaaaaaaaaaa", "web")
	rec := store.ContainerUpdate{
		Key:         "h1:aaaaaaaaaaaa",
		Policy:      store.PolicyBlock,
		LatestImage: "nginx:1.25",
	}

	if ok := f.router.UpdateContainer(context.Background(), "h1", "aaaaaaaaaaaa", rec, false, true); ok {
		t.Fatal("block policy must fail even with confirmation")
	}
	if n := countType(f.drainEvents(), events.UpdateFailed); n != 1 {
		t.Errorf("UPDATE_FAILED count = %d, want 1", n)
	}
}

func TestRollbackMessageAppended(t *testing.T) {
	f := newRouterFixture(t)
	f.addContainer("h1:aaaaaaaaaaaa", "web")
	f.exec.result = ExecResult{RolledBack: true}
	f.exec.err = errors.New("Health check timeout after 120s")
	rec := store.ContainerUpdate{Key: "h1:aaaaaaaaaaaa", LatestImage: "nginx:1.25"}

	if ok := f.router.UpdateContainer(context.Background(), "h1", "aaaaaaaaaaaa", rec, false, false); ok {
		t.Fatal("failed update must report false")
	}

	evts := f.drainEvents()
	failed, ok := findType(evts, events.UpdateFailed)
	if !ok {
		t.Fatal("UPDATE_FAILED not emitted")
	}
	want := "Health check timeout after 120s - Successfully rolled back"
	if failed.Message != want {
		t.Errorf("message = %q, want %q", failed.Message, want)
	}
	if n := countType(evts, events.RollbackCompleted); n != 1 {
		t.Errorf("ROLLBACK_COMPLETED count = %d, want 1", n)
	}
}

func TestFailureWithoutRollbackOmitsRollbackEvent(t *testing.T) {
	f := newRouterFixture(t)
	f.addContainer("h1:aaaaaaaaaaaa", "web")
	f.exec.err = errors.New("rename web: name in use")
	rec := store.ContainerUpdate{Key: "h1:aaaaaaaaaaaa", LatestImage: "nginx:1.25"}

	f.router.UpdateContainer(context.Background(), "h1", "aaaaaaaaaaaa", rec, false, false)

	evts := f.drainEvents()
	if failed, _ := findType(evts, events.UpdateFailed); failed.Message != "rename web: name in use" {
		t.Errorf("message = %q", failed.Message)
	}
	if n := countType(evts, events.RollbackCompleted); n != 0 {
		t.Error("no rollback event expected when RolledBack is false")
	}
}

func TestReconcileMigratesToNewContainerID(t *testing.T) {
	f := newRouterFixture(t)
	f.addContainer("h1:aaaaaaaaaaaa", "web")
	f.exec.result = ExecResult{NewID: "bbbbbbbbbbbb"}
	rec := store.ContainerUpdate{
		Key:               "h1:aaaaaaaaaaaa",
		AutoUpdateEnabled: true,
		CurrentImage:      "nginx:1.24",
		LatestImage:       "nginx:1.25",
		UpdateAvailable:   true,
	}
	if err := f.store.SaveContainerUpdate(rec); err != nil {
		t.Fatal(err)
	}

	if ok := f.router.UpdateContainer(context.Background(), "h1", "aaaaaaaaaaaa", rec, false, false); !ok {
		t.Fatal("update should succeed")
	}

	old, err := f.store.GetContainerUpdate("h1:aaaaaaaaaaaa")
	if err != nil {
		t.Fatal(err)
	}
	if old != nil {
		t.Error("row under the old composite key must be gone")
	}

	migrated, err := f.store.GetContainerUpdate("h1:bbbbbbbbbbbb")
	if err != nil {
		t.Fatal(err)
	}
	if migrated == nil {
		t.Fatal("row must exist under the new composite key")
	}
	if migrated.CurrentImage != "nginx:1.25" {
		t.Errorf("CurrentImage = %q, want nginx:1.25", migrated.CurrentImage)
	}
	if migrated.UpdateAvailable {
		t.Error("UpdateAvailable must be cleared after a completed update")
	}
	if !migrated.AutoUpdateEnabled {
		t.Error("config fields must survive the migration")
	}
	if migrated.LastUpdated == nil {
		t.Error("LastUpdated must be stamped")
	}
}

func TestUpdateUnknownContainerFails(t *testing.T) {
	f := newRouterFixture(t)
	rec := store.ContainerUpdate{Key: "h1:aaaaaaaaaaaa", LatestImage: "nginx:1.25"}

	if ok := f.router.UpdateContainer(context.Background(), "h1", "aaaaaaaaaaaa", rec, false, false); ok {
		t.Fatal("unknown container must fail")
	}
	if failed, _ := findType(f.drainEvents(), events.UpdateFailed); failed.Message != "container not found" {
		t.Errorf("message = %q", failed.Message)
	}
}

func TestAutoUpdateAllSkipsIneligible(t *testing.T) {
	f := newRouterFixture(t)
	f.addContainer("h1:aaaaaaaaaaaa", "web")
	f.index["h1:cccccccccccc"] = monitor.Observed{
		Key: "h1:cccccccccccc", HostID: "h1", ID: "cccccccccccc", Name: "api", State: "running",
	}

	rows := []store.ContainerUpdate{
		{Key: "h1:aaaaaaaaaaaa", AutoUpdateEnabled: true, UpdateAvailable: true, LatestImage: "nginx:1.25"},
		{Key: "h1:cccccccccccc", AutoUpdateEnabled: false, UpdateAvailable: true, LatestImage: "redis:8"},
		{Key: "h1:dddddddddddd", AutoUpdateEnabled: true, UpdateAvailable: false, LatestImage: "pg:17"},
	}
	for _, cu := range rows {
		if err := f.store.SaveContainerUpdate(cu); err != nil {
			t.Fatal(err)
		}
	}

	f.router.AutoUpdateAll(context.Background())

	if f.exec.callCount() != 1 {
		t.Errorf("executor calls = %d, want 1 (only auto-enabled with pending update)", f.exec.callCount())
	}
}
