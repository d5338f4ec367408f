package metadata

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// DistPath builds the unified proxy download path for one version
func DistPath(name, version string) string {
	return fmt.Sprintf("/dist/m/%s/%s.zip", name, version)
}

// SynthesizeReference produces a stable opaque dist reference for
// upstreams that omit one. 40 hex chars, so clients that pattern-match
// git SHAs accept it.
func SynthesizeReference(name, version string) string {
	sum := sha1.Sum([]byte(name + "/" + version))
	return hex.EncodeToString(sum[:])
}

// RewriteDist points a version entry's dist at the proxy, keeping the
// upstream reference when present and synthesizing one otherwise. It
// returns the upstream dist URL that was replaced, if any.
func RewriteDist(entry map[string]any, baseURL, name, version string) string {
	dist, _ := entry["dist"].(map[string]any)
	if dist == nil {
		dist = map[string]any{}
	}

	sourceURL, _ := dist["url"].(string)

	dist["type"] = "zip"
	dist["url"] = strings.TrimSuffix(baseURL, "/") + DistPath(name, version)
	if ref, ok := dist["reference"].(string); !ok || ref == "" {
		dist["reference"] = SynthesizeReference(name, version)
	}
	entry["dist"] = dist
	return sourceURL
}

// storedDistRe matches a repo-scoped stored dist path:
// /dist/<repo>/<vendor>/<package>/<version>.zip
var storedDistRe = regexp.MustCompile(`^(.*)/dist/[^/]+/([^/]+/[^/]+)/([^/]+\.zip)$`)

// NormalizeDistURL converts a stored repo-scoped dist URL to the
// unified /dist/m route, so clients always hit a single route
// regardless of which repository mirrored the version.
func NormalizeDistURL(url string) string {
	m := storedDistRe.FindStringSubmatch(url)
	if m == nil {
		return url
	}
	return fmt.Sprintf("%s/dist/m/%s/%s", m[1], m[2], m[3])
}
