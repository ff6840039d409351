package update

import (
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// NormalizeTag returns tag in vX.Y.Z form regardless of a refs/tags/ prefix
// or a missing or upper-case v.
func NormalizeTag(tag string) string {
	t := strings.TrimSpace(tag)
	t = strings.TrimPrefix(t, "refs/tags/")
	if t == "" {
		return ""
	}
	switch t[0] {
	case 'v':
	case 'V':
		t = "v" + t[1:]
	default:
		t = "v" + t
	}
	if c := semver.Canonical(t); c != "" {
		return c
	}
	return t
}

// VersionNumber folds a tag into major*10000 + minor*100 + patch. Missing or
// non-numeric segments count as zero, so "dev" builds compare lowest.
func VersionNumber(tag string) int {
	t := strings.TrimLeft(strings.TrimSpace(tag), "vV")
	parts := strings.SplitN(t, ".", 3)
	weights := []int{10000, 100, 1}
	n := 0
	for i, p := range parts {
		end := 0
		for end < len(p) && p[end] >= '0' && p[end] <= '9' {
			end++
		}
		v, err := strconv.Atoi(p[:end])
		if err != nil {
			break
		}
		n += v * weights[i]
		if end < len(p) {
			break
		}
	}
	return n
}

// IsNewerVersion reports whether latest is numerically newer than current.
func IsNewerVersion(current, latest string) bool {
	return VersionNumber(latest) > VersionNumber(current)
}

// SameVersion reports whether two tags name the same release.
func SameVersion(a, b string) bool {
	return NormalizeTag(a) == NormalizeTag(b)
}
