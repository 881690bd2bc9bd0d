package registry

import (
	"strconv"
	"strings"
)

// RegistryHost extracts the registry host from an image reference.
//
// Examples:
//
//	"nginx:1.24"                     -> "docker.io"
//	"library/nginx:latest"           -> "docker.io"
//	"ghcr.io/user/repo:tag"          -> "ghcr.io"
//	"registry-1.docker.io/lib/nginx" -> "docker.io"
//	"lscr.io/linuxserver/sonarr"     -> "lscr.io"
func RegistryHost(imageRef string) string {
	ref := imageRef
	if i := strings.Index(ref, "@"); i >= 0 {
		ref = ref[:i]
	}

	firstSlash := strings.Index(ref, "/")
	if firstSlash < 0 {
		// Single-segment image like "nginx" -> Docker Hub.
		return "docker.io"
	}

	firstSegment := ref[:firstSlash]

	// If the first segment contains a dot or colon, it's a registry hostname.
	if strings.ContainsAny(firstSegment, ".:") {
		if firstSegment == "registry-1.docker.io" || firstSegment == "index.docker.io" {
			return "docker.io"
		}
		return firstSegment
	}

	// Otherwise it's a Docker Hub org/image like "gitea/gitea".
	return "docker.io"
}

// RepoPath extracts the repository path from an image reference, stripping
// the registry host prefix:
//
//	"nginx:latest"               -> "library/nginx"
//	"ghcr.io/user/repo:tag"      -> "user/repo"
//	"gitea/gitea:1.21"           -> "gitea/gitea"
//	"docker.io/library/nginx"    -> "library/nginx"
func RepoPath(imageRef string) string {
	ref := imageRef
	if i := strings.Index(ref, "@"); i >= 0 {
		ref = ref[:i]
	}
	// Strip tag. Use LastIndex so hostname:port colons survive; only strip
	// when the colon sits after the last slash.
	if i := strings.LastIndex(ref, ":"); i >= 0 {
		if slash := strings.LastIndex(ref, "/"); i > slash {
			ref = ref[:i]
		}
	}

	if slash := strings.Index(ref, "/"); slash >= 0 {
		firstSegment := ref[:slash]
		if strings.ContainsAny(firstSegment, ".:") {
			ref = ref[slash+1:]
		}
	}

	// Official images have no slash, prefix with "library/".
	if !strings.Contains(ref, "/") {
		ref = "library/" + ref
	}

	return ref
}

// ExtractTag returns the tag portion of an image reference, or "" when the
// reference carries no tag (or is pinned by digest).
func ExtractTag(imageRef string) string {
	ref := imageRef
	if i := strings.Index(ref, "@"); i >= 0 {
		return ""
	}
	if i := strings.LastIndex(ref, ":"); i >= 0 {
		if slash := strings.LastIndex(ref, "/"); i > slash {
			return ref[i+1:]
		}
	}
	return ""
}

// SemVer represents a parsed semantic version tag.
type SemVer struct {
	Major  int
	Minor  int
	Patch  int
	Parts  int    // how many numeric parts the tag carried (1, 2 or 3)
	Prefix string // "v" or "V" when present
	Suffix string // variant suffix after the first hyphen (e.g. "alpine")
	Raw    string
}

// ParseSemVer parses a tag as a semantic version. It accepts "x", "x.y" and
// "x.y.z", an optional "v" prefix, and a variant suffix after a hyphen
// ("1.25.3-alpine"). Returns false for anything else.
func ParseSemVer(tag string) (SemVer, bool) {
	raw := tag
	var prefix string
	if strings.HasPrefix(tag, "v") || strings.HasPrefix(tag, "V") {
		prefix = tag[:1]
		tag = tag[1:]
	}
	if tag == "" {
		return SemVer{}, false
	}

	var suffix string
	if idx := strings.Index(tag, "-"); idx >= 0 {
		suffix = tag[idx+1:]
		tag = tag[:idx]
	}

	parts := strings.Split(tag, ".")
	if len(parts) < 1 || len(parts) > 3 {
		return SemVer{}, false
	}

	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return SemVer{}, false
		}
		nums[i] = n
	}

	sv := SemVer{Parts: len(nums), Prefix: prefix, Suffix: suffix, Raw: raw}
	sv.Major = nums[0]
	if len(nums) > 1 {
		sv.Minor = nums[1]
	}
	if len(nums) > 2 {
		sv.Patch = nums[2]
	}
	return sv, true
}

// LessThan returns true if v is strictly less than other. Suffixed versions
// sort before their plain counterpart when numerics tie.
func (v SemVer) LessThan(other SemVer) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor < other.Minor
	}
	if v.Patch != other.Patch {
		return v.Patch < other.Patch
	}
	if v.Suffix != other.Suffix {
		if v.Suffix == "" {
			return false
		}
		if other.Suffix == "" {
			return true
		}
		return v.Suffix < other.Suffix
	}
	return false
}

// ExtractHash returns the sha256:... portion of a digest string. Local
// digests look like "docker.io/library/nginx@sha256:abc", remote ones
// like "sha256:abc".
func ExtractHash(digest string) string {
	if i := strings.LastIndex(digest, "sha256:"); i >= 0 {
		return digest[i:]
	}
	return digest
}
