package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Manifest media types, Docker v2 and OCI, single and index.
const (
	mediaManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	mediaOCIIndex     = "application/vnd.oci.image.index.v1+json"
	mediaManifestV2   = "application/vnd.docker.distribution.manifest.v2+json"
	mediaOCIManifest  = "application/vnd.oci.image.manifest.v1+json"
)

var acceptHeader = strings.Join([]string{
	mediaManifestList,
	mediaOCIIndex,
	mediaManifestV2,
	mediaOCIManifest,
}, ", ")

// manifestIndex is the subset of a manifest list / OCI index we need to
// select a platform entry.
type manifestIndex struct {
	MediaType string `json:"mediaType"`
	Manifests []struct {
		Digest   string `json:"digest"`
		Platform struct {
			OS           string `json:"os"`
			Architecture string `json:"architecture"`
			Variant      string `json:"variant"`
		} `json:"platform"`
	} `json:"manifests"`
}

// imageManifest is the subset of a single-image manifest we need to reach
// the config blob.
type imageManifest struct {
	MediaType string `json:"mediaType"`
	Config    struct {
		Digest string `json:"digest"`
	} `json:"config"`
}

// imageConfig is the subset of an image config blob carrying labels.
type imageConfig struct {
	Config struct {
		Labels map[string]string `json:"Labels"`
	} `json:"config"`
}

// manifestResult is one registry GET against the manifests endpoint.
type manifestResult struct {
	Digest    string
	Body      []byte
	MediaType string
}

// fetchManifest GETs a manifest by tag or digest. The digest returned is
// the Docker-Content-Digest header, which for a manifest list is the index
// digest (matching what docker inspect reports in RepoDigests).
func (a *Adapter) fetchManifest(ctx context.Context, host, repo, reference, token string, cred *Credential) (manifestResult, error) {
	url := a.baseURL(host) + "/v2/" + repo + "/manifests/" + reference

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return manifestResult{}, fmt.Errorf("create manifest request: %w", err)
	}
	req.Header.Set("Accept", acceptHeader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else if cred != nil {
		req.SetBasicAuth(cred.Username, cred.Secret)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return manifestResult{}, fmt.Errorf("manifest GET: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return manifestResult{}, fmt.Errorf("manifest GET returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return manifestResult{}, fmt.Errorf("read manifest: %w", err)
	}

	digest := resp.Header.Get("Docker-Content-Digest")
	if digest == "" {
		return manifestResult{}, fmt.Errorf("no Docker-Content-Digest header")
	}

	mediaType := resp.Header.Get("Content-Type")
	if mediaType == "" {
		var probe struct {
			MediaType string `json:"mediaType"`
		}
		if err := json.Unmarshal(body, &probe); err == nil {
			mediaType = probe.MediaType
		}
	}

	return manifestResult{Digest: digest, Body: body, MediaType: mediaType}, nil
}

// fetchBlob GETs a blob (the image config) by digest.
func (a *Adapter) fetchBlob(ctx context.Context, host, repo, digest, token string, cred *Credential) ([]byte, error) {
	url := a.baseURL(host) + "/v2/" + repo + "/blobs/" + digest

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create blob request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else if cred != nil {
		req.SetBasicAuth(cred.Username, cred.Secret)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blob GET: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blob GET returned %d", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}

func isIndexMediaType(mt string) bool {
	return strings.HasPrefix(mt, mediaManifestList) || strings.HasPrefix(mt, mediaOCIIndex)
}

// selectPlatformDigest picks the entry matching the requested platform
// ("os/arch" or "os/arch/variant") from an index. Falls back to the first
// entry when nothing matches.
func selectPlatformDigest(idx manifestIndex, platform string) string {
	if len(idx.Manifests) == 0 {
		return ""
	}
	wantOS, wantArch, wantVariant := splitPlatform(platform)
	for _, m := range idx.Manifests {
		if m.Platform.OS != wantOS || m.Platform.Architecture != wantArch {
			continue
		}
		if wantVariant != "" && m.Platform.Variant != wantVariant {
			continue
		}
		return m.Digest
	}
	return idx.Manifests[0].Digest
}

func splitPlatform(platform string) (os, arch, variant string) {
	if platform == "" {
		return "linux", "amd64", ""
	}
	parts := strings.SplitN(platform, "/", 3)
	os = parts[0]
	if len(parts) > 1 {
		arch = parts[1]
	}
	if len(parts) > 2 {
		variant = parts[2]
	}
	return os, arch, variant
}

// resolveLabels walks from a manifest (single or index) to the image config
// blob and returns its labels. Label failures are not fatal to a resolve.
func (a *Adapter) resolveLabels(ctx context.Context, host, repo string, m manifestResult, platform, token string, cred *Credential) map[string]string {
	body := m.Body

	if isIndexMediaType(m.MediaType) {
		var idx manifestIndex
		if err := json.Unmarshal(m.Body, &idx); err != nil {
			return nil
		}
		platformDigest := selectPlatformDigest(idx, platform)
		if platformDigest == "" {
			return nil
		}
		pm, err := a.fetchManifest(ctx, host, repo, platformDigest, token, cred)
		if err != nil {
			return nil
		}
		body = pm.Body
	}

	var manifest imageManifest
	if err := json.Unmarshal(body, &manifest); err != nil || manifest.Config.Digest == "" {
		return nil
	}

	blob, err := a.fetchBlob(ctx, host, repo, manifest.Config.Digest, token, cred)
	if err != nil {
		return nil
	}
	var cfg imageConfig
	if err := json.Unmarshal(blob, &cfg); err != nil {
		return nil
	}
	return cfg.Config.Labels
}
