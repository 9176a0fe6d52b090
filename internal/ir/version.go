package ir

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// InitialVersion is assigned when a create request names no version.
const InitialVersion = "0.1.0"

// canonicalSemver returns v with the "v" prefix semver expects.
func canonicalSemver(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// ValidVersion reports whether v is a full MAJOR.MINOR.PATCH semantic version,
// with or without a leading "v".
func ValidVersion(v string) bool {
	c := canonicalSemver(v)
	if !semver.IsValid(c) {
		return false
	}
	// semver accepts "v1" and "v1.2"; component versions must be complete.
	core := strings.TrimPrefix(c, "v")
	if i := strings.IndexAny(core, "-+"); i >= 0 {
		core = core[:i]
	}
	return strings.Count(core, ".") == 2
}

// CompareVersions compares two semantic versions the way semver.Compare does.
func CompareVersions(a, b string) int {
	return semver.Compare(canonicalSemver(a), canonicalSemver(b))
}

// BumpMinor returns v with the minor part incremented and patch reset.
func BumpMinor(v string) (string, error) {
	major, minor, _, err := splitVersion(v)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d.%d.0", major, minor+1), nil
}

// BumpMajor returns v with the major part incremented and minor/patch reset.
func BumpMajor(v string) (string, error) {
	major, _, _, err := splitVersion(v)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d.0.0", major+1), nil
}

func splitVersion(v string) (major, minor, patch int, err error) {
	if !ValidVersion(v) {
		return 0, 0, 0, fmt.Errorf("invalid version %q", v)
	}
	core := strings.TrimPrefix(semver.Canonical(canonicalSemver(v)), "v")
	if i := strings.IndexAny(core, "-+"); i >= 0 {
		core = core[:i]
	}
	parts := strings.Split(core, ".")
	nums := make([]int, 3)
	for i, p := range parts {
		n, convErr := strconv.Atoi(p)
		if convErr != nil {
			return 0, 0, 0, fmt.Errorf("invalid version %q: %w", v, convErr)
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nil
}
