package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/store"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time                         { return f.now }
func (f *fakeClock) After(d time.Duration) <-chan time.Time { return time.After(0) }
func (f *fakeClock) Since(t time.Time) time.Duration        { return f.now.Sub(t) }

// memStore is an in-memory DigestStore. failing simulates a broken database.
type memStore struct {
	entries map[string]store.DigestCacheEntry
	failing bool
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]store.DigestCacheEntry)}
}

func (m *memStore) GetDigestCache(key string) (*store.DigestCacheEntry, error) {
	if m.failing {
		return nil, fmt.Errorf("database unavailable")
	}
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *memStore) PutDigestCache(e store.DigestCacheEntry) error {
	if m.failing {
		return fmt.Errorf("database unavailable")
	}
	m.entries[e.CacheKey] = e
	return nil
}

func (m *memStore) EvictDigestCacheOverflow(max int, now time.Time) (int, error) {
	return 0, nil
}

func testBuckets() TTLBuckets {
	return TTLBuckets{
		Latest:   5 * time.Minute,
		Pinned:   24 * time.Hour,
		Floating: 6 * time.Hour,
		Default:  time.Hour,
	}
}

// registryStub serves a minimal v2 API: index manifest, platform manifest
// and config blob, counting manifest requests.
type registryStub struct {
	manifestRequests int
}

const (
	stubIndexDigest    = "sha256:1111111111111111111111111111111111111111111111111111111111111111"
	stubPlatformDigest = "sha256:2222222222222222222222222222222222222222222222222222222222222222"
	stubConfigDigest   = "sha256:3333333333333333333333333333333333333333333333333333333333333333"
)

func (s *registryStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/manifests/"+stubPlatformDigest):
			s.manifestRequests++
			w.Header().Set("Content-Type", mediaManifestV2)
			w.Header().Set("Docker-Content-Digest", stubPlatformDigest)
			json.NewEncoder(w).Encode(map[string]any{
				"mediaType": mediaManifestV2,
				"config":    map[string]string{"digest": stubConfigDigest},
			})
		case strings.Contains(r.URL.Path, "/manifests/"):
			s.manifestRequests++
			if r.Method == http.MethodHead {
				// Auth probe: this registry needs no auth.
				w.WriteHeader(http.StatusOK)
				return
			}
			w.Header().Set("Content-Type", mediaOCIIndex)
			w.Header().Set("Docker-Content-Digest", stubIndexDigest)
			json.NewEncoder(w).Encode(map[string]any{
				"mediaType": mediaOCIIndex,
				"manifests": []map[string]any{
					{
						"digest":   stubPlatformDigest,
						"platform": map[string]string{"os": "linux", "architecture": "amd64"},
					},
				},
			})
		case strings.Contains(r.URL.Path, "/blobs/"):
			json.NewEncoder(w).Encode(map[string]any{
				"config": map[string]any{
					"Labels": map[string]string{"org.opencontainers.image.version": "1.25.3"},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestAdapter(t *testing.T, s DigestStore) (*Adapter, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	a := NewAdapter(s, logging.New(false, false), clk, testBuckets())
	a.scheme = "http"
	a.client = http.DefaultClient
	return a, clk
}

func TestResolveTagCacheHit(t *testing.T) {
	stub := &registryStub{}
	server := httptest.NewServer(stub.handler())
	defer server.Close()
	host := strings.TrimPrefix(server.URL, "http://")

	mem := newMemStore()
	a, clk := newTestAdapter(t, mem)
	ctx := context.Background()

	ref := host + "/library/nginx:1.25.3"

	first := a.ResolveTag(ctx, ref, "linux/amd64", nil)
	if first == nil {
		t.Fatal("live resolve returned nil")
	}
	if first.Digest != stubIndexDigest {
		t.Errorf("digest = %s, want index digest %s", first.Digest, stubIndexDigest)
	}
	if first.Labels["org.opencontainers.image.version"] != "1.25.3" {
		t.Errorf("labels not resolved: %v", first.Labels)
	}
	requestsAfterFirst := stub.manifestRequests
	if requestsAfterFirst == 0 {
		t.Fatal("expected registry traffic on the first resolve")
	}

	// Second resolve inside the TTL must issue zero registry requests and
	// return an identical result.
	clk.now = clk.now.Add(time.Minute)
	second := a.ResolveTag(ctx, ref, "linux/amd64", nil)
	if second == nil {
		t.Fatal("cached resolve returned nil")
	}
	if stub.manifestRequests != requestsAfterFirst {
		t.Errorf("cached resolve issued %d extra registry requests",
			stub.manifestRequests-requestsAfterFirst)
	}
	if second.Digest != first.Digest || second.Registry != first.Registry ||
		second.Repository != first.Repository || second.Tag != first.Tag {
		t.Errorf("cache hit differs from live fetch: %+v vs %+v", second, first)
	}

	// Past the TTL the adapter fetches again.
	clk.now = clk.now.Add(25 * time.Hour)
	if a.ResolveTag(ctx, ref, "linux/amd64", nil) == nil {
		t.Fatal("post-expiry resolve returned nil")
	}
	if stub.manifestRequests == requestsAfterFirst {
		t.Error("expired entry should trigger a live fetch")
	}
}

func TestResolveTagFallsThroughOnStoreError(t *testing.T) {
	stub := &registryStub{}
	server := httptest.NewServer(stub.handler())
	defer server.Close()
	host := strings.TrimPrefix(server.URL, "http://")

	mem := newMemStore()
	mem.failing = true
	a, _ := newTestAdapter(t, mem)

	got := a.ResolveTag(context.Background(), host+"/library/nginx:1.25.3", "linux/amd64", nil)
	if got == nil {
		t.Fatal("store error must fall through to a live fetch")
	}
	if got.Digest != stubIndexDigest {
		t.Errorf("digest = %s, want %s", got.Digest, stubIndexDigest)
	}
}

func TestResolveTagReturnsNilOnRegistryFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()
	host := strings.TrimPrefix(server.URL, "http://")

	a, _ := newTestAdapter(t, newMemStore())
	if got := a.ResolveTag(context.Background(), host+"/missing/repo:1.0", "linux/amd64", nil); got != nil {
		t.Errorf("404 must resolve to nil, got %+v", got)
	}
}

func TestTTLBucketsByTagShape(t *testing.T) {
	a, _ := newTestAdapter(t, newMemStore())
	b := a.Buckets()

	tests := []struct {
		tag  string
		want time.Duration
	}{
		{"latest", b.Latest},
		{"1.25.3", b.Pinned},
		{"v2.0.1", b.Pinned},
		{"1", b.Floating},
		{"1.25", b.Floating},
		{"alpine", b.Default},
		{"stable", b.Default},
		{"1.25.3-alpine", b.Default},
		{"20260801", b.Floating}, // date stamp parses as bare major
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			if got := a.ttlFor(tt.tag); got != tt.want {
				t.Errorf("ttlFor(%q) = %v, want %v", tt.tag, got, tt.want)
			}
		})
	}
}

func TestParseBearerChallenge(t *testing.T) {
	header := `Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:library/nginx:pull"`
	ch, ok := parseBearerChallenge(header)
	if !ok {
		t.Fatal("challenge not parsed")
	}
	if ch.Realm != "https://auth.docker.io/token" ||
		ch.Service != "registry.docker.io" ||
		ch.Scope != "repository:library/nginx:pull" {
		t.Errorf("parsed challenge = %+v", ch)
	}

	if _, ok := parseBearerChallenge(`Basic realm="x"`); ok {
		t.Error("basic challenge must not parse as bearer")
	}
	if _, ok := parseBearerChallenge(""); ok {
		t.Error("empty header must not parse")
	}
}

func TestTokenCacheBound(t *testing.T) {
	c := newTokenCache(10)
	now := time.Now()
	for i := 0; i < 12; i++ {
		c.put(fmt.Sprintf("docker.io:repo%d", i), "tok", now.Add(time.Duration(i)*time.Second))
	}
	if len(c.entries) > 11 {
		t.Errorf("cache grew past bound: %d entries", len(c.entries))
	}
	// Oldest entry evicted first.
	if _, ok := c.get("docker.io:repo0", now.Add(time.Minute)); ok {
		t.Error("oldest entry should have been evicted")
	}
}
