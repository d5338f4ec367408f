package mirror

import (
	"regexp"
	"strings"
)

var (
	fourPartZero = regexp.MustCompile(`^(\d+\.\d+\.\d+)\.0$`)
	devBranch    = regexp.MustCompile(`^(\d+)\.9999999\.9999999\.9999999-dev$`)
	patchSuffix  = regexp.MustCompile(`^(.+)-patch(\d+)$`)
)

// CandidateVersions expands a requested version into the spellings it
// may be stored under. Composer normalizes versions internally, so the
// URL a client requests does not always match what upstream published:
//
//	1.2.3.0                         -> 1.2.3
//	2.9999999.9999999.9999999-dev   -> 2.x-dev
//	1.0.0-patch1                    -> 1.0.0-p1
//
// The requested spelling always comes first.
func CandidateVersions(v string) []string {
	out := []string{v}
	seen := map[string]bool{v: true}
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	if m := fourPartZero.FindStringSubmatch(v); m != nil {
		add(m[1])
	}
	if m := devBranch.FindStringSubmatch(v); m != nil {
		add(m[1] + ".x-dev")
	}
	if m := patchSuffix.FindStringSubmatch(v); m != nil {
		add(m[1] + "-p" + m[2])
	}
	return out
}

// Filename builds the Content-Disposition download name. Slashes in the
// package name are flattened so the result is a single path segment.
func Filename(name, version string) string {
	return strings.ReplaceAll(name, "/", "--") + "--" + version + ".zip"
}
