package docker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/store"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
)

type stubAPI struct {
	closed bool
}

func (s *stubAPI) ListAllContainers(context.Context) ([]container.Summary, error) { return nil, nil }
func (s *stubAPI) InspectContainer(context.Context, string) (types.ContainerJSON, error) {
	return types.ContainerJSON{}, nil
}
func (s *stubAPI) StopContainer(context.Context, string, int) error    { return nil }
func (s *stubAPI) StartContainer(context.Context, string) error        { return nil }
func (s *stubAPI) RestartContainer(context.Context, string) error      { return nil }
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
func (s *stubAPI) PullImage(context.Context, string, *RegistryAuth, func(PullProgress)) error {
	return nil
}
func (s *stubAPI) ImageDigest(context.Context, string) (string, error) { return "", nil }
func (s *stubAPI) ImageLabels(context.Context, string) (map[string]string, error) {
	return nil, nil
}
func (s *stubAPI) ListImages(context.Context) ([]ImageSummary, error) { return nil, nil }
func (s *stubAPI) RemoveImage(context.Context, string) error          { return nil }
func (s *stubAPI) ContainerStatsOneShot(context.Context, string) (*StatsResult, error) {
	return nil, nil
}
func (s *stubAPI) IsPodman(context.Context) bool     { return false }
func (s *stubAPI) Ping(context.Context) error        { return nil }
func (s *stubAPI) Close() error                      { s.closed = true; return nil }

func TestPoolReusesClientPerHost(t *testing.T) {
	p := NewPool(t.TempDir(), logging.New(false, false))
	dials := 0
	p.dial = func(h store.Host, _ string) (API, error) {
		dials++
		return &stubAPI{}, nil
	}

	h := store.Host{ID: "h1", Name: "host1", ConnectionType: store.ConnLocal}
	first, err := p.Get(context.Background(), h)
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Get(context.Background(), h)
	if err != nil {
		t.Fatal(err)
	}
	if dials != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
	if first != second {
		t.Error("pool must return the same client for a host")
	}
}

func TestPoolEvictClosesClient(t *testing.T) {
	p := NewPool(t.TempDir(), logging.New(false, false))
	stub := &stubAPI{}
	p.dial = func(store.Host, string) (API, error) { return stub, nil }

	h := store.Host{ID: "h1", ConnectionType: store.ConnLocal}
	if _, err := p.Get(context.Background(), h); err != nil {
		t.Fatal(err)
	}
	p.Evict("h1")
	if !stub.closed {
		t.Error("evicted client must be closed")
	}

	// Next Get dials again.
	fresh := &stubAPI{}
	p.dial = func(store.Host, string) (API, error) { return fresh, nil }
	got, err := p.Get(context.Background(), h)
	if err != nil {
		t.Fatal(err)
	}
	if got != API(fresh) {
		t.Error("post-evict Get must dial a fresh client")
	}
}

func TestPoolRejectsAgentHosts(t *testing.T) {
	p := NewPool(t.TempDir(), logging.New(false, false))
	h := store.Host{ID: "h1", ConnectionType: store.ConnAgent}
	if _, err := p.Get(context.Background(), h); err == nil {
		t.Error("agent hosts must not get a pooled client")
	}
}

func TestMaterializeTLS(t *testing.T) {
	dir := t.TempDir()
	h := store.Host{ID: "h1", TLSCA: "ca", TLSCert: "cert", TLSKey: "key"}
	if err := materializeTLS(dir, h); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"ca.pem", "cert.pem", "key.pem"} {
		path := filepath.Join(dir, "h1", name)
		fi, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat %s: %v", name, err)
		}
		if perm := fi.Mode().Perm(); perm != 0o600 {
			t.Errorf("%s perms = %o, want 600", name, perm)
		}
	}
}

func TestMaterializeTLSRefusesSymlink(t *testing.T) {
	dir := t.TempDir()
	hostDir := filepath.Join(dir, "h1")
	if err := os.MkdirAll(hostDir, 0o700); err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(dir, "elsewhere")
	if err := os.WriteFile(target, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, filepath.Join(hostDir, "key.pem")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	h := store.Host{ID: "h1", TLSCA: "ca", TLSCert: "cert", TLSKey: "key"}
	if err := materializeTLS(dir, h); err == nil {
		t.Error("writing through a symlink must be refused")
	}
}

func TestCalculateStats(t *testing.T) {
	stat := &container.StatsResponse{}
	stat.CPUStats.CPUUsage.TotalUsage = 400
	stat.CPUStats.SystemUsage = 2000
	stat.PreCPUStats.CPUUsage.TotalUsage = 200
	stat.PreCPUStats.SystemUsage = 1000
	stat.MemoryStats.Usage = 1000
	stat.MemoryStats.Limit = 2000
	stat.MemoryStats.Stats = map[string]uint64{"inactive_file": 200}

	got := calculateStats(stat)
	if got.CPUPercent != 20.0 {
		t.Errorf("cpu = %v, want 20", got.CPUPercent)
	}
	if got.MemoryUsage != 800 {
		t.Errorf("working set = %d, want 800 (usage minus inactive_file)", got.MemoryUsage)
	}
	if got.MemoryPercent != 40.0 {
		t.Errorf("mem%% = %v, want 40", got.MemoryPercent)
	}
}

func TestTruncateID(t *testing.T) {
	if got := TruncateID("0123456789abcdef"); got != "0123456789ab" {
		t.Errorf("TruncateID = %q", got)
	}
	if got := TruncateID("short"); got != "short" {
		t.Errorf("TruncateID short = %q", got)
	}
}
