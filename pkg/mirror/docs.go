package mirror

import (
	"archive/zip"
	"bytes"
	"io"
	"path"
	"strings"

	"github.com/packrat-io/packrat/pkg/blob"
)

// docLimit caps how much of a side document is extracted
const docLimit = 2 << 20

// ExtractDoc scans a package archive for the side document matching the
// given kind (README or CHANGELOG). Base names match case-insensitively
// and `.md` beats `.mdown` when both exist. Returns false when the
// archive has no matching file.
func ExtractDoc(data []byte, side blob.Side) ([]byte, bool) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, false
	}

	want := string(side)
	var best *zip.File
	bestScore := 0
	for _, f := range zr.File {
		base := strings.ToLower(path.Base(f.Name))
		score := 0
		switch {
		case base == want+".md":
			score = 2
		case base == want+".mdown":
			score = 1
		default:
			continue
		}
		// Archives nest everything under one root dir; at equal
		// extension quality the shallowest match wins
		if best != nil {
			if score < bestScore {
				continue
			}
			if score == bestScore && strings.Count(f.Name, "/") >= strings.Count(best.Name, "/") {
				continue
			}
		}
		best = f
		bestScore = score
	}
	if best == nil {
		return nil, false
	}

	rc, err := best.Open()
	if err != nil {
		return nil, false
	}
	defer rc.Close()
	body, err := io.ReadAll(io.LimitReader(rc, docLimit))
	if err != nil {
		return nil, false
	}
	return body, true
}
