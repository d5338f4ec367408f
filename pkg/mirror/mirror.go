package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/packrat-io/packrat/pkg/analytics"
	"github.com/packrat-io/packrat/pkg/blob"
	"github.com/packrat-io/packrat/pkg/clock"
	"github.com/packrat-io/packrat/pkg/kv"
	"github.com/packrat-io/packrat/pkg/log"
	"github.com/packrat-io/packrat/pkg/security"
	"github.com/packrat-io/packrat/pkg/storage"
	"github.com/packrat-io/packrat/pkg/types"
	"github.com/packrat-io/packrat/pkg/upstream"
)

// Sentinel errors the server maps onto response codes: 404, 401, 504, 502.
var (
	ErrNotFound            = errors.New("mirror: artifact not found")
	ErrUpstreamAuth        = errors.New("mirror: upstream rejected credentials")
	ErrUpstreamTimeout     = errors.New("mirror: upstream timed out")
	ErrUpstreamUnavailable = errors.New("mirror: upstream unreachable")
	ErrUpstreamFailed      = errors.New("mirror: upstream fetch failed")
)

// Enqueuer defers background work; satisfied by the job processor
type Enqueuer interface {
	Enqueue(ctx context.Context, job types.Job) error
}

// Request addresses one artifact download. RepoID is empty for the
// unified /dist/m route.
type Request struct {
	RepoID  string
	Name    string
	Version string
}

// Download is a resolved artifact ready to stream to the client
type Download struct {
	Body     io.ReadCloser
	Size     int64 // -1 when unknown
	Filename string
	Mode     types.CacheMode
	ModTime  int64 // unix seconds, 0 when unknown
	// Persist stores fetched bytes and bumps counters; the server runs
	// it after the response flushes. Nil when nothing needs doing.
	Persist func(ctx context.Context)
}

// Mirror serves package archives: cached blobs first, on-demand upstream
// fetch on miss.
type Mirror struct {
	store       storage.Store
	blobs       blob.Store
	cache       kv.Cache
	client      *http.Client
	box         *security.Box
	jobs        Enqueuer
	clk         clock.Clock
	sink        analytics.Sink
	skipStorage bool

	// PackagistBase is the public registry origin; overridable in tests
	PackagistBase string
}

// NewMirror creates an artifact mirror. cache, client, box, jobs and
// sink may be nil; skipStorage disables blob persistence (artifact rows
// still land).
func NewMirror(store storage.Store, blobs blob.Store, cache kv.Cache, client *http.Client, box *security.Box, jobs Enqueuer, clk clock.Clock, sink analytics.Sink, skipStorage bool) *Mirror {
	if client == nil {
		client = upstream.NewClient()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if sink == nil {
		sink = analytics.Noop{}
	}
	return &Mirror{
		store:         store,
		blobs:         blobs,
		cache:         cache,
		client:        client,
		box:           box,
		jobs:          jobs,
		clk:           clk,
		sink:          sink,
		skipStorage:   skipStorage,
		PackagistBase: types.PackagistURL,
	}
}

// Fetch resolves an artifact download: cached blob, then on-demand
// upstream fetch, then (for unknown packages on the unified route) a
// public registry pass-through.
func (m *Mirror) Fetch(ctx context.Context, req Request) (*Download, error) {
	row := m.lookupVersion(req)
	if row == nil {
		if req.RepoID == "" && m.mirroringEnabled(ctx) {
			return m.passThrough(ctx, req)
		}
		return nil, ErrNotFound
	}

	key := m.blobKey(row)
	if obj, err := m.blobs.Get(ctx, key.String()); err == nil {
		// Conditional requests validate against the artifact row's
		// creation time; the blob mtime is the fallback
		modTime := obj.ModTime
		if artifact, err := m.store.GetArtifactByCoords(row.RepoID, row.Name, row.Version); err == nil && !artifact.CreatedAt.IsZero() {
			modTime = artifact.CreatedAt.Unix()
		}
		return &Download{
			Body:     obj,
			Size:     obj.Size,
			Filename: Filename(row.Name, row.Version),
			Mode:     types.CacheHitDB,
			ModTime:  modTime,
			Persist:  m.downloadRecorder(row),
		}, nil
	} else if !errors.Is(err, blob.ErrNotExist) {
		log.WithPackage(row.Name).Warn().Err(err).Str("key", key.String()).Msg("blob read failed")
	}

	return m.fetchAndCache(ctx, row, key)
}

// lookupVersion finds the stored version row, trying each normalized
// spelling of the requested version
func (m *Mirror) lookupVersion(req Request) *types.PackageVersion {
	for _, candidate := range CandidateVersions(req.Version) {
		row, err := m.store.GetPackageVersion(req.Name, candidate)
		if err != nil {
			continue
		}
		if req.RepoID != "" && row.RepoID != req.RepoID {
			continue
		}
		return row
	}
	return nil
}

func (m *Mirror) blobKey(row *types.PackageVersion) blob.Key {
	visibility := blob.VisibilityPrivate
	if row.RepoID == types.PackagistRepoID {
		visibility = blob.VisibilityPublic
	}
	return blob.Key{
		Visibility: visibility,
		RepoID:     row.RepoID,
		Name:       row.Name,
		Version:    row.Version,
	}
}

// fetchAndCache pulls the archive from its source, answers from the
// buffer and persists blob + artifact row + side documents afterwards
func (m *Mirror) fetchAndCache(ctx context.Context, row *types.PackageVersion, key blob.Key) (*Download, error) {
	data, err := m.fetchArchive(ctx, row)
	if err != nil {
		return nil, err
	}

	mode := types.CacheMissUpstream
	if row.RepoID == types.PackagistRepoID {
		mode = types.CacheMissPackagist
	}

	return &Download{
		Body:     io.NopCloser(bytes.NewReader(data)),
		Size:     int64(len(data)),
		Filename: Filename(row.Name, row.Version),
		Mode:     mode,
		ModTime:  m.clk.Now().Unix(),
		Persist: func(ctx context.Context) {
			m.persist(ctx, row, key, data)
		},
	}, nil
}

// fetchArchive pulls the archive bytes from the version's source dist
// URL using the owning repository's credentials
func (m *Mirror) fetchArchive(ctx context.Context, row *types.PackageVersion) ([]byte, error) {
	if row.SourceDistURL == "" {
		return nil, ErrNotFound
	}

	var creds *security.Credentials
	kind := types.CredentialKindNone
	if repo, err := m.store.GetRepository(row.RepoID); err == nil {
		kind = repo.CredKind
		creds = m.credentials(repo)
	}

	data, err := m.fetchBytes(ctx, row.SourceDistURL, kind, creds)
	if err != nil {
		log.WithPackage(row.Name).Warn().Err(err).Str("url", row.SourceDistURL).Msg("artifact fetch failed")
		return nil, err
	}
	return data, nil
}

// persist stores the fetched bytes and records the download. It runs
// after the response has flushed.
func (m *Mirror) persist(ctx context.Context, row *types.PackageVersion, key blob.Key, data []byte) {
	if artifact := m.storeArchive(ctx, row, key, data); artifact != nil {
		m.recordDownload(ctx, artifact)
	}
}

// storeArchive writes the archive blob, its side documents and the
// artifact row. Blob failures are logged and do not fail the caller.
func (m *Mirror) storeArchive(ctx context.Context, row *types.PackageVersion, key blob.Key, data []byte) *types.Artifact {
	logger := log.WithPackage(row.Name)

	if !m.skipStorage {
		if err := m.blobs.Put(ctx, key.String(), bytes.NewReader(data)); err != nil {
			logger.Warn().Err(err).Str("key", key.String()).Msg("blob write failed")
		} else {
			m.storeSideDocs(ctx, key, data)
		}
	}

	artifact := &types.Artifact{
		ID:         uuid.New().String(),
		RepoID:     row.RepoID,
		Name:       row.Name,
		Version:    row.Version,
		StorageKey: key.String(),
		SizeBytes:  int64(len(data)),
		CreatedAt:  m.clk.Now(),
	}
	if err := m.store.UpsertArtifact(artifact); err != nil {
		logger.Warn().Err(err).Msg("artifact upsert failed")
		return nil
	}
	if existing, err := m.store.GetArtifactByCoords(row.RepoID, row.Name, row.Version); err == nil {
		artifact = existing
	}
	return artifact
}

// downloadRecorder returns the post-flush bookkeeping for a cache hit
func (m *Mirror) downloadRecorder(row *types.PackageVersion) func(ctx context.Context) {
	return func(ctx context.Context) {
		artifact, err := m.store.GetArtifactByCoords(row.RepoID, row.Name, row.Version)
		if err != nil {
			return
		}
		m.recordDownload(ctx, artifact)
	}
}

func (m *Mirror) recordDownload(ctx context.Context, artifact *types.Artifact) {
	m.sink.Track("artifact.download", map[string]string{
		"package": artifact.Name,
		"version": artifact.Version,
		"repo":    artifact.RepoID,
	})
	if m.jobs == nil {
		return
	}
	job := types.Job{
		Type:       types.JobArtifactDownloaded,
		ArtifactID: artifact.ID,
		Timestamp:  m.clk.Now().Unix(),
	}
	if err := m.jobs.Enqueue(ctx, job); err != nil {
		log.WithPackage(artifact.Name).Warn().Err(err).Msg("failed to enqueue download job")
	}
}

// storeSideDocs extracts README and CHANGELOG from the archive and
// stores them next to the blob; misses store the negative sentinel so
// the scan is not repeated
func (m *Mirror) storeSideDocs(ctx context.Context, key blob.Key, data []byte) {
	for _, side := range []blob.Side{blob.SideReadme, blob.SideChangelog} {
		body, ok := ExtractDoc(data, side)
		if !ok {
			body = []byte(blob.NotFoundSentinel)
		}
		sideKey := key.WithSide(side).String()
		if err := m.blobs.Put(ctx, sideKey, bytes.NewReader(body)); err != nil {
			log.WithComponent("mirror").Warn().Err(err).Str("key", sideKey).Msg("side document write failed")
		}
	}
}

// SideDoc serves a stored README or CHANGELOG for a package version.
// When the side document was never derived it is extracted on demand,
// fetching the archive from its source if it was never downloaded.
func (m *Mirror) SideDoc(ctx context.Context, name, version string, side blob.Side) ([]byte, error) {
	row := m.lookupVersion(Request{Name: name, Version: version})
	if row == nil {
		return nil, ErrNotFound
	}
	key := m.blobKey(row)

	obj, err := m.blobs.Get(ctx, key.WithSide(side).String())
	if err == nil {
		defer obj.Close()
		body, err := io.ReadAll(io.LimitReader(obj, docLimit))
		if err != nil {
			return nil, err
		}
		if string(body) == blob.NotFoundSentinel {
			return nil, ErrNotFound
		}
		return body, nil
	}
	if !errors.Is(err, blob.ErrNotExist) {
		return nil, err
	}

	data, err := m.archiveBytes(ctx, row, key)
	if err != nil {
		return nil, err
	}

	body, ok := ExtractDoc(data, side)
	if !ok {
		return nil, ErrNotFound
	}
	return body, nil
}

// archiveBytes returns the archive for a version, reading the stored
// blob or fetching and caching it on demand
func (m *Mirror) archiveBytes(ctx context.Context, row *types.PackageVersion, key blob.Key) ([]byte, error) {
	archive, err := m.blobs.Get(ctx, key.String())
	if err == nil {
		defer archive.Close()
		data, err := io.ReadAll(archive)
		if err != nil {
			return nil, err
		}
		m.storeSideDocs(ctx, key, data)
		return data, nil
	}
	if !errors.Is(err, blob.ErrNotExist) {
		return nil, err
	}

	data, err := m.fetchArchive(ctx, row)
	if err != nil {
		return nil, err
	}
	// A documentation request counts as caching the artifact, not as a
	// download
	m.storeArchive(ctx, row, key, data)
	return data, nil
}

// passThrough streams an unknown package straight from the public
// registry without persisting anything. The metadata document is
// consulted to find the real dist url.
func (m *Mirror) passThrough(ctx context.Context, req Request) (*Download, error) {
	metaURL := m.PackagistBase + "/p2/" + req.Name + ".json"
	meta, err := upstream.FetchBytes(ctx, m.client, metaURL, types.CredentialKindNone, nil)
	if err != nil {
		return nil, mapFetchErr(err)
	}
	distURL := findDistURL(meta, req.Name, CandidateVersions(req.Version))
	if distURL == "" {
		return nil, ErrNotFound
	}

	body, resp, err := m.openUpstream(ctx, distURL, types.CredentialKindNone, nil)
	if err != nil {
		return nil, err
	}
	return &Download{
		Body:     body,
		Size:     resp.ContentLength,
		Filename: Filename(req.Name, req.Version),
		Mode:     types.CacheMissPackagist,
	}, nil
}

func (m *Mirror) mirroringEnabled(ctx context.Context) bool {
	if m.cache == nil {
		return true
	}
	val, err := m.cache.Get(ctx, kv.SettingMirroringEnabled)
	return err != nil || val != "false"
}

// credentials decrypts the repository's stored credentials, or nil
func (m *Mirror) credentials(repo *types.Repository) *security.Credentials {
	if repo.CredKind == types.CredentialKindNone || repo.Credentials == "" || m.box == nil {
		return nil
	}
	creds, err := m.box.DecryptCredentials(repo.Credentials)
	if err != nil {
		log.WithRepo(repo.ID).Warn().Err(err).Msg("failed to decrypt credentials")
		return nil
	}
	return creds
}

// fetchBytes buffers an archive from upstream with a bounded retry.
// Only transport errors and 5xx responses are retried.
func (m *Mirror) fetchBytes(ctx context.Context, rawURL string, kind types.CredentialKind, creds *security.Credentials) ([]byte, error) {
	if !validScheme(rawURL) {
		return nil, ErrUpstreamFailed
	}
	data, err := retry.DoWithData(
		func() ([]byte, error) {
			return upstream.FetchBytes(ctx, m.client, rawURL, kind, creds)
		},
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			code := upstream.Status(err)
			return code == 0 || code >= 500
		}),
	)
	if err != nil {
		return nil, mapFetchErr(err)
	}
	return data, nil
}

// openUpstream opens a streaming fetch without retry, for pass-through
func (m *Mirror) openUpstream(ctx context.Context, rawURL string, kind types.CredentialKind, creds *security.Credentials) (io.ReadCloser, *http.Response, error) {
	if !validScheme(rawURL) {
		return nil, nil, ErrUpstreamFailed
	}
	body, resp, err := upstream.Fetch(ctx, m.client, rawURL, kind, creds)
	if err != nil {
		return nil, nil, mapFetchErr(err)
	}
	return body, resp, nil
}

func validScheme(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// mapFetchErr folds upstream failures into the sentinel errors the
// server renders
func mapFetchErr(err error) error {
	switch code := upstream.Status(err); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrUpstreamAuth
	case code == http.StatusNotFound:
		return ErrNotFound
	case code != 0:
		return ErrUpstreamFailed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrUpstreamTimeout
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		if ue.Timeout() {
			return ErrUpstreamTimeout
		}
		// connection refused, DNS failure and friends
		return ErrUpstreamUnavailable
	}
	return ErrUpstreamFailed
}

// findDistURL digs the source dist url for one version out of a raw
// metadata document
func findDistURL(meta []byte, name string, candidates []string) string {
	var doc struct {
		Packages map[string][]map[string]any `json:"packages"`
	}
	if err := json.Unmarshal(meta, &doc); err != nil {
		return ""
	}
	entries := doc.Packages[name]
	wanted := map[string]bool{}
	for _, c := range candidates {
		wanted[c] = true
	}
	for _, entry := range entries {
		version, _ := entry["version"].(string)
		if !wanted[version] {
			continue
		}
		if dist, ok := entry["dist"].(map[string]any); ok {
			if u, ok := dist["url"].(string); ok {
				return u
			}
		}
	}
	return ""
}
