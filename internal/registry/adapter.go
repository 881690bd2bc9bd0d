// Package registry resolves image tags against OCI registries with a
// TTL-tiered digest cache.
package registry

import (
	"context"
	"net/http"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/metrics"
	"github.com/darthnorse/dockmon/internal/store"
)

// maxResponseCacheEntries caps the persisted digest cache.
const maxResponseCacheEntries = 1000

// TTLBuckets maps tag shapes to cache lifetimes.
type TTLBuckets struct {
	Latest   time.Duration // "latest"
	Pinned   time.Duration // three-part semver, optional v prefix
	Floating time.Duration // bare major or major.minor
	Default  time.Duration // everything else
}

// DigestStore is the persistence surface the adapter needs.
type DigestStore interface {
	GetDigestCache(key string) (*store.DigestCacheEntry, error)
	PutDigestCache(e store.DigestCacheEntry) error
	EvictDigestCacheOverflow(max int, now time.Time) (int, error)
}

// Resolved is the outcome of a tag resolution. Cache hits and live fetches
// are indistinguishable to the caller.
type Resolved struct {
	Digest     string
	Manifest   []byte
	Registry   string
	Repository string
	Tag        string
	Labels     map[string]string
}

// Adapter resolves image tags to digests, caching results in the store.
type Adapter struct {
	store   DigestStore
	log     *logging.Logger
	clock   clock.Clock
	buckets TTLBuckets
	tokens  *tokenCache
	client  *http.Client
	scheme  string // "https" outside tests
}

// NewAdapter creates a registry adapter with the given TTL buckets.
func NewAdapter(s DigestStore, log *logging.Logger, clk clock.Clock, buckets TTLBuckets) *Adapter {
	return &Adapter{
		store:   s,
		log:     log,
		clock:   clk,
		buckets: buckets,
		tokens:  newTokenCache(maxAuthCacheEntries),
		client:  httpClient,
		scheme:  "https",
	}
}

// Buckets returns the active TTL bucket values.
func (a *Adapter) Buckets() TTLBuckets { return a.buckets }

func (a *Adapter) baseURL(host string) string {
	if host == "docker.io" {
		return a.scheme + "://registry-1.docker.io"
	}
	return a.scheme + "://" + host
}

// ttlFor computes the cache TTL from the tag's lexical shape.
func (a *Adapter) ttlFor(tag string) time.Duration {
	if tag == "latest" {
		return a.buckets.Latest
	}
	if sv, ok := ParseSemVer(tag); ok && sv.Suffix == "" {
		if sv.Parts == 3 {
			return a.buckets.Pinned
		}
		return a.buckets.Floating
	}
	return a.buckets.Default
}

// cacheKeyFor builds "{image}:{tag}:{platform}". The image portion keeps
// its registry host so prefix invalidation by image ref works.
func cacheKeyFor(imageRef, tag, platform string) string {
	base := imageRef
	if t := ExtractTag(imageRef); t != "" {
		base = imageRef[:len(imageRef)-len(t)-1]
	}
	return base + ":" + tag + ":" + platform
}

// ResolveTag resolves an image reference to its current digest, manifest
// and labels. Deterministic for a given (imageRef, platform). Returns nil
// on any failure; errors are logged, never propagated.
func (a *Adapter) ResolveTag(ctx context.Context, imageRef, platform string, cred *Credential) *Resolved {
	tag := ExtractTag(imageRef)
	if tag == "" {
		tag = "latest"
	}
	host := RegistryHost(imageRef)
	repo := RepoPath(imageRef)
	key := cacheKeyFor(imageRef, tag, platform)
	now := a.clock.Now()

	// Cache read. A store error falls through to a live fetch: the cache is
	// never authoritative against an error.
	entry, err := a.store.GetDigestCache(key)
	if err != nil {
		a.log.Warn("digest cache read failed", "key", key, "error", err)
	} else if entry != nil && !entry.Expired(now) {
		metrics.DigestCacheLookups.WithLabelValues("hit").Inc()
		return &Resolved{
			Digest:     entry.Digest,
			Manifest:   entry.Manifest,
			Registry:   entry.RegistryURL,
			Repository: repo,
			Tag:        tag,
			Labels:     entry.Labels,
		}
	}
	metrics.DigestCacheLookups.WithLabelValues("miss").Inc()

	token := a.token(ctx, host, repo, cred)

	m, err := a.fetchManifest(ctx, host, repo, tag, token, cred)
	if err != nil {
		a.log.Warn("tag resolution failed", "image", imageRef, "platform", platform, "error", err)
		return nil
	}

	labels := a.resolveLabels(ctx, host, repo, m, platform, token, cred)

	resolved := &Resolved{
		Digest:     m.Digest,
		Manifest:   m.Body,
		Registry:   host,
		Repository: repo,
		Tag:        tag,
		Labels:     labels,
	}

	// Write-through. Cache failures do not affect the result.
	cacheEntry := store.DigestCacheEntry{
		CacheKey:    key,
		Digest:      m.Digest,
		Manifest:    m.Body,
		Labels:      labels,
		RegistryURL: host,
		TTL:         a.ttlFor(tag),
		CheckedAt:   now,
	}
	if err := a.store.PutDigestCache(cacheEntry); err != nil {
		a.log.Warn("digest cache write failed", "key", key, "error", err)
	} else if _, err := a.store.EvictDigestCacheOverflow(maxResponseCacheEntries, now); err != nil {
		a.log.Warn("digest cache eviction failed", "error", err)
	}

	return resolved
}
