package blob

import (
	"fmt"
	"strings"
)

// Visibility is the first segment of a storage key
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Side identifies a derived side artifact
type Side string

const (
	SideReadme    Side = "readme"
	SideChangelog Side = "changelog"
)

// Key addresses one stored artifact or side artifact. Keys look like
//
//	private/{repo}/{vendor/package}/{version}.zip
//	public/{repo}/{vendor/package}/{version}.zip.readme.md
type Key struct {
	Visibility Visibility
	RepoID     string
	Name       string // vendor/package
	Version    string
	Side       Side // empty for the artifact itself
}

// String builds the storage key path
func (k Key) String() string {
	s := fmt.Sprintf("%s/%s/%s/%s.zip", k.Visibility, k.RepoID, k.Name, k.Version)
	if k.Side != "" {
		s += "." + string(k.Side) + ".md"
	}
	return s
}

// WithSide returns a copy of the key addressing a side artifact
func (k Key) WithSide(side Side) Key {
	k.Side = side
	return k
}

// ParseKey parses a storage key path back into its parts. It is the
// inverse of Key.String for every valid key.
func ParseKey(s string) (Key, error) {
	var k Key

	switch {
	case strings.HasSuffix(s, ".zip."+string(SideReadme)+".md"):
		k.Side = SideReadme
		s = strings.TrimSuffix(s, "."+string(SideReadme)+".md")
	case strings.HasSuffix(s, ".zip."+string(SideChangelog)+".md"):
		k.Side = SideChangelog
		s = strings.TrimSuffix(s, "."+string(SideChangelog)+".md")
	}
	if !strings.HasSuffix(s, ".zip") {
		return Key{}, fmt.Errorf("invalid storage key %q: missing .zip suffix", s)
	}
	s = strings.TrimSuffix(s, ".zip")

	// visibility / repo / vendor / package / version
	parts := strings.Split(s, "/")
	if len(parts) != 5 {
		return Key{}, fmt.Errorf("invalid storage key %q: expected 5 segments, got %d", s, len(parts))
	}

	switch Visibility(parts[0]) {
	case VisibilityPrivate, VisibilityPublic:
		k.Visibility = Visibility(parts[0])
	default:
		return Key{}, fmt.Errorf("invalid storage key %q: unknown visibility %q", s, parts[0])
	}

	k.RepoID = parts[1]
	k.Name = parts[2] + "/" + parts[3]
	k.Version = parts[4]

	if k.RepoID == "" || parts[2] == "" || parts[3] == "" || k.Version == "" {
		return Key{}, fmt.Errorf("invalid storage key %q: empty segment", s)
	}
	return k, nil
}
