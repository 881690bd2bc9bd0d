package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// httpClient is the shared HTTP client with a 10-second timeout for all
// registry requests.
var httpClient = &http.Client{Timeout: 10 * time.Second}

// Credential holds login credentials for a container registry.
type Credential struct {
	Registry string `json:"registry"` // e.g. "docker.io", "ghcr.io"
	Username string `json:"username"`
	Secret   string `json:"secret"` // password or PAT
}

// tokenCacheTTL is deliberately shorter than the typical five-minute bearer
// lifetime so a cached token never outlives the registry's copy.
const tokenCacheTTL = 4 * time.Minute

// maxAuthCacheEntries caps the bearer token cache.
const maxAuthCacheEntries = 500

type cachedToken struct {
	token    string
	expires  time.Time
	cachedAt time.Time
}

// tokenCache holds bearer tokens keyed "{registry}:{repository}". Bounded:
// on overflow, expired entries are dropped first, then the oldest 10%.
type tokenCache struct {
	mu      sync.Mutex
	entries map[string]cachedToken
	max     int
}

func newTokenCache(max int) *tokenCache {
	return &tokenCache{entries: make(map[string]cachedToken), max: max}
}

func (c *tokenCache) get(key string, now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || now.After(e.expires) {
		return "", false
	}
	return e.token, true
}

func (c *tokenCache) put(key, token string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		c.evictLocked(now)
	}
	c.entries[key] = cachedToken{token: token, expires: now.Add(tokenCacheTTL), cachedAt: now}
}

func (c *tokenCache) evictLocked(now time.Time) {
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < c.max {
		return
	}
	type aged struct {
		key      string
		cachedAt time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{k, e.cachedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].cachedAt.Before(all[j].cachedAt) })
	batch := c.max / 10
	if batch < 1 {
		batch = 1
	}
	for _, a := range all[:batch] {
		delete(c.entries, a.key)
	}
}

// tokenResponse holds the bearer token returned by a registry auth endpoint.
// Some registries use "token", others "access_token".
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

func (t tokenResponse) bearer() string {
	if t.Token != "" {
		return t.Token
	}
	return t.AccessToken
}

// bearerChallenge is a parsed WWW-Authenticate Bearer header.
type bearerChallenge struct {
	Realm   string
	Service string
	Scope   string
}

// parseBearerChallenge parses `Bearer realm="...",service="...",scope="..."`
// per RFC 7235. Returns false when the header is absent or not a Bearer
// challenge.
func parseBearerChallenge(header string) (bearerChallenge, bool) {
	if !strings.HasPrefix(header, "Bearer ") {
		return bearerChallenge{}, false
	}
	var ch bearerChallenge
	for _, part := range strings.Split(header[len("Bearer "):], ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		val := strings.Trim(kv[1], `"`)
		switch kv[0] {
		case "realm":
			ch.Realm = val
		case "service":
			ch.Service = val
		case "scope":
			ch.Scope = val
		}
	}
	if ch.Realm == "" {
		return bearerChallenge{}, false
	}
	return ch, true
}

// fetchScopedToken requests a bearer token from the given realm with
// service/scope query parameters and optional basic credentials.
func fetchScopedToken(ctx context.Context, ch bearerChallenge, cred *Credential) (string, error) {
	u, err := url.Parse(ch.Realm)
	if err != nil {
		return "", fmt.Errorf("parse auth realm: %w", err)
	}
	q := u.Query()
	if ch.Service != "" {
		q.Set("service", ch.Service)
	}
	if ch.Scope != "" {
		q.Set("scope", ch.Scope)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	if cred != nil {
		req.SetBasicAuth(cred.Username, cred.Secret)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth endpoint returned %d", resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tok.bearer() == "" {
		return "", fmt.Errorf("empty token in response")
	}
	return tok.bearer(), nil
}

// discoverToken walks the ordered auth chain for a repository: probe the
// manifests endpoint unauthenticated and follow the WWW-Authenticate
// challenge, then fall back to the well-known Docker Hub and GHCR token
// endpoints for registries that do not return a compliant challenge.
// An empty token with a nil error means proceed with basic or anonymous.
func (a *Adapter) discoverToken(ctx context.Context, host, repo string, cred *Credential) (string, error) {
	probeURL := a.baseURL(host) + "/v2/" + repo + "/manifests/latest"
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, probeURL, nil)
	if err != nil {
		return "", fmt.Errorf("create probe request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized {
			if ch, ok := parseBearerChallenge(resp.Header.Get("Www-Authenticate")); ok {
				if tok, err := fetchScopedToken(ctx, ch, cred); err == nil {
					return tok, nil
				}
			}
		} else if resp.StatusCode < 400 {
			// Registry serves manifests without auth.
			return "", nil
		}
	}

	// Hardcoded fallbacks for registries without a usable challenge.
	switch host {
	case "docker.io":
		ch := bearerChallenge{
			Realm:   "https://auth.docker.io/token",
			Service: "registry.docker.io",
			Scope:   "repository:" + repo + ":pull",
		}
		return fetchScopedToken(ctx, ch, cred)
	case "ghcr.io":
		ch := bearerChallenge{
			Realm: "https://ghcr.io/token",
			Scope: "repository:" + repo + ":pull",
		}
		return fetchScopedToken(ctx, ch, cred)
	}

	return "", nil
}

// token returns a bearer token for the repository, serving from the auth
// cache when the cached entry has not expired.
func (a *Adapter) token(ctx context.Context, host, repo string, cred *Credential) string {
	key := host + ":" + repo
	now := a.clock.Now()
	if tok, ok := a.tokens.get(key, now); ok {
		return tok
	}
	tok, err := a.discoverToken(ctx, host, repo, cred)
	if err != nil || tok == "" {
		return ""
	}
	a.tokens.put(key, tok, now)
	return tok
}
