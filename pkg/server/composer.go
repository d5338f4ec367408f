package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/packrat-io/packrat/pkg/blob"
	"github.com/packrat-io/packrat/pkg/metrics"
	"github.com/packrat-io/packrat/pkg/mirror"
)

const (
	// indexCacheControl lets clients reuse the repository index briefly
	indexCacheControl = "public, max-age=300, stale-while-revalidate=60"
	// distCacheControl marks mirrored artifacts immutable: a (name,
	// version) ZIP never changes once cached
	distCacheControl = "public, max-age=31536000, immutable"
	// passThroughCacheControl covers artifacts streamed from the public
	// registry without local persistence
	passThroughCacheControl = "public, max-age=3600"
)

// notModified reports whether If-Modified-Since covers lastMod (unix ms)
func notModified(r *http.Request, lastMod int64) bool {
	if lastMod <= 0 {
		return false
	}
	since, err := http.ParseTime(r.Header.Get("If-Modified-Since"))
	if err != nil {
		return false
	}
	// HTTP dates have second precision
	return !time.UnixMilli(lastMod).Truncate(time.Second).After(since)
}

func setLastModified(w http.ResponseWriter, lastMod int64) {
	if lastMod > 0 {
		w.Header().Set("Last-Modified", time.UnixMilli(lastMod).UTC().Format(http.TimeFormat))
	}
}

// handleIndex serves /packages.json
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireRead(r); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.opts.Resolver.Index(r.Context(), s.baseURL(r))
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", indexCacheControl)
	w.Header().Set("X-Cache", string(res.Mode))
	setLastModified(w, res.LastModified)
	if notModified(r, res.LastModified) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Write(res.Body)
}

// handlePackageMetadata serves /p2/{vendor}/{package}.json, including
// the ~dev variant Composer requests for branch versions
func (s *Server) handlePackageMetadata(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireRead(r); err != nil {
		writeError(w, r, err)
		return
	}

	file := r.PathValue("file")
	if !strings.HasSuffix(file, ".json") {
		writeError(w, r, notFound("Package not found"))
		return
	}
	name := r.PathValue("vendor") + "/" + strings.TrimSuffix(file, ".json")

	res, err := s.opts.Resolver.PackageMetadata(r.Context(), name, s.baseURL(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	metrics.MetadataRequestsTotal.WithLabelValues(string(res.Mode)).Inc()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", indexCacheControl)
	w.Header().Set("X-Cache", string(res.Mode))
	setLastModified(w, res.LastModified)
	if notModified(r, res.LastModified) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Write(res.Body)

	if res.Persist != nil {
		After(r, res.Persist)
	}
}

// serveDist streams an artifact ZIP. repoID is empty on the unified
// /dist/m/ route.
func (s *Server) serveDist(w http.ResponseWriter, r *http.Request, repoID string) {
	if _, err := s.requireRead(r); err != nil {
		writeError(w, r, err)
		return
	}

	file := r.PathValue("file")
	if !strings.HasSuffix(file, ".zip") {
		writeError(w, r, notFound("Package not found"))
		return
	}
	req := mirror.Request{
		RepoID:  repoID,
		Name:    r.PathValue("vendor") + "/" + r.PathValue("package"),
		Version: strings.TrimSuffix(file, ".zip"),
	}

	dl, err := s.opts.Mirror.Fetch(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer dl.Body.Close()
	metrics.ArtifactRequestsTotal.WithLabelValues(string(dl.Mode)).Inc()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+dl.Filename+`"`)
	w.Header().Set("X-Cache", string(dl.Mode))
	if dl.Persist == nil {
		w.Header().Set("Cache-Control", passThroughCacheControl)
	} else {
		w.Header().Set("Cache-Control", distCacheControl)
	}
	if dl.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	}
	setLastModified(w, dl.ModTime*1000)
	if notModified(r, dl.ModTime*1000) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	// Register before streaming: the cache fill must survive a client
	// disconnect mid-copy
	if dl.Persist != nil {
		After(r, dl.Persist)
	}
	if _, err := io.Copy(w, dl.Body); err != nil {
		// Response already committed; nothing to send the client
		return
	}
}

// sideDoc serves the extracted README or CHANGELOG of a cached version
func (s *Server) sideDoc(kind blob.Side) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.requireRead(r); err != nil {
			writeError(w, r, err)
			return
		}

		name := r.PathValue("vendor") + "/" + r.PathValue("package")
		body, err := s.opts.Mirror.SideDoc(r.Context(), name, r.PathValue("version"), kind)
		if err != nil {
			writeError(w, r, err)
			return
		}

		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Header().Set("Cache-Control", distCacheControl)
		w.Write(body)
	}
}
