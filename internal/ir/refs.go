package ir

import (
	"net/url"
	"strings"
)

// Artifact refs are slash-separated paths relative to the workspace root.
// Engine-generated refs live under the escaped component id.
const (
	DescriptorFile = "component.yaml"
	CapabilityFile = "capability.yaml"
	ManifestFile   = "manifest.yaml"
)

// BundlePrefix prefixes the id of a domain's bundle component.
const BundlePrefix = "bundle:"

// BundleID returns the id of the bundle component for a domain.
func BundleID(domain string) string {
	return BundlePrefix + domain
}

// IsBundleID reports whether id names a bundle component.
func IsBundleID(id string) bool {
	return strings.HasPrefix(id, BundlePrefix)
}

func componentDir(id string) string {
	return url.PathEscape(id)
}

// DescriptorRef returns the descriptor artifact ref of a component.
func DescriptorRef(id string) string {
	return componentDir(id) + "/" + DescriptorFile
}

// CapabilityRef returns the capability artifact ref of a component.
func CapabilityRef(id string) string {
	return componentDir(id) + "/" + CapabilityFile
}

// ManifestRef returns the manifest artifact ref of a bundle component.
func ManifestRef(id string) string {
	return componentDir(id) + "/" + ManifestFile
}

// ValidRef reports whether ref is a clean relative path that cannot escape
// the workspace root.
func ValidRef(ref string) bool {
	if ref == "" || strings.HasPrefix(ref, "/") || strings.Contains(ref, "\\") {
		return false
	}
	for _, seg := range strings.Split(ref, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}
