package registry

import "strconv"

// FloatingRef rewrites an image reference for a floating-update mode:
//
//	nginx:1.25.3  exact  -> nginx:1.25.3
//	nginx:1.25.3  patch  -> nginx:1.25
//	nginx:1.25.3  minor  -> nginx:1
//	nginx:1.25.3  latest -> nginx:latest
//
// Variant suffixes are preserved ("1.25.3-alpine" patch -> "1.25-alpine"),
// as is a "v" prefix. Non-semver tags pass through unchanged for every mode
// except "latest".
func FloatingRef(imageRef, mode string) string {
	tag := ExtractTag(imageRef)
	if tag == "" {
		if mode == "latest" {
			return imageRef + ":latest"
		}
		return imageRef
	}
	base := imageRef[:len(imageRef)-len(tag)-1]

	switch mode {
	case "latest":
		return base + ":latest"
	case "exact", "":
		return imageRef
	}

	sv, ok := ParseSemVer(tag)
	if !ok {
		return imageRef
	}

	var floated string
	switch mode {
	case "patch":
		if sv.Parts < 2 {
			return imageRef
		}
		floated = strconv.Itoa(sv.Major) + "." + strconv.Itoa(sv.Minor)
	case "minor":
		floated = strconv.Itoa(sv.Major)
	default:
		return imageRef
	}

	floated = sv.Prefix + floated
	if sv.Suffix != "" {
		floated += "-" + sv.Suffix
	}
	return base + ":" + floated
}
