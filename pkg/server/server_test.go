package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packrat-io/packrat/pkg/auth"
	"github.com/packrat-io/packrat/pkg/blob"
	"github.com/packrat-io/packrat/pkg/clock"
	"github.com/packrat-io/packrat/pkg/kv"
	"github.com/packrat-io/packrat/pkg/metadata"
	"github.com/packrat-io/packrat/pkg/mirror"
	"github.com/packrat-io/packrat/pkg/security"
	"github.com/packrat-io/packrat/pkg/storage"
	"github.com/packrat-io/packrat/pkg/types"
)

const proxyBase = "https://mirror.example.com"

type captureEnqueuer struct {
	mu   sync.Mutex
	jobs []types.Job
}

func (c *captureEnqueuer) Enqueue(ctx context.Context, job types.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, job)
	return nil
}

func (c *captureEnqueuer) byType(jt types.JobType) []types.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.Job
	for _, job := range c.jobs {
		if job.Type == jt {
			out = append(out, job)
		}
	}
	return out
}

type stubSyncer struct {
	mu    sync.Mutex
	calls []string
}

func (s *stubSyncer) Sync(ctx context.Context, repoID string) *types.SyncResult {
	s.mu.Lock()
	s.calls = append(s.calls, repoID)
	s.mu.Unlock()
	return &types.SyncResult{OK: true, Strategy: "lazy"}
}

type serverFixture struct {
	ts     *httptest.Server
	srv    *Server
	store  storage.Store
	cache  *kv.Memory
	blobs  *blob.Memory
	clk    *clock.Fake
	jobs   *captureEnqueuer
	syncer *stubSyncer
}

// newServerFixture wires the full stack behind an httptest listener.
// registry stands in for the public package registry; nil means
// unreachable.
func newServerFixture(t *testing.T, registry http.Handler) *serverFixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := clock.NewFake(time.Date(2026, 8, 1, 14, 0, 0, 0, time.UTC))
	cache := kv.NewMemory(clk)
	blobs := blob.NewMemory()
	jobs := &captureEnqueuer{}
	syncer := &stubSyncer{}

	box, err := security.NewBox("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	registryBase := "http://127.0.0.1:1"
	if registry != nil {
		rs := httptest.NewServer(registry)
		t.Cleanup(rs.Close)
		registryBase = rs.URL
	}

	resolver := metadata.NewResolver(store, cache, nil, box, jobs, clk)
	resolver.PackagistBase = registryBase
	m := mirror.NewMirror(store, blobs, cache, nil, box, jobs, clk, nil, false)
	m.PackagistBase = registryBase

	srv := NewServer(Options{
		Store:    store,
		Cache:    cache,
		Box:      box,
		Resolver: resolver,
		Mirror:   m,
		Syncer:   syncer,
		Jobs:     jobs,
		Auth:     auth.NewAuthenticator(store, cache, clk, jobs),
		Limiter:  auth.NewRateLimiter(cache, clk),
		Clock:    clk,
		BaseURL:  proxyBase,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &serverFixture{ts: ts, srv: srv, store: store, cache: cache, blobs: blobs, clk: clk, jobs: jobs, syncer: syncer}
}

func (f *serverFixture) createToken(t *testing.T, secret string, perm types.Permission, rateMax int) *types.Token {
	t.Helper()
	token := &types.Token{
		ID:           "tok-" + string(perm),
		Description:  "test token",
		Hash:         auth.HashSecret(secret),
		Permissions:  perm,
		RateLimitMax: rateMax,
		CreatedAt:    f.clk.Now(),
	}
	require.NoError(t, f.store.CreateToken(token))
	return token
}

func (f *serverFixture) seedSession(t *testing.T, bearer string) {
	t.Helper()
	data, err := json.Marshal(types.Session{Token: bearer, UserID: "u1", Email: "admin@example.com"})
	require.NoError(t, err)
	require.NoError(t, f.cache.Put(context.Background(), kv.SessionKey(bearer), string(data), time.Hour))
}

func (f *serverFixture) seedArtifact(t *testing.T, repoID, name, version string, archive []byte) *types.Artifact {
	t.Helper()
	require.NoError(t, f.store.UpsertPackageVersion(&types.PackageVersion{
		ID: "pv-" + version, RepoID: repoID, Name: name, Version: version,
		SourceDistURL: "https://upstream.example.com/a.zip",
		ReleasedAt:    f.clk.Now(),
	}))
	key := blob.Key{Visibility: blob.VisibilityPrivate, RepoID: repoID, Name: name, Version: version}
	if repoID == types.PackagistRepoID {
		key.Visibility = blob.VisibilityPublic
	}
	require.NoError(t, f.blobs.Put(context.Background(), key.String(), bytes.NewReader(archive)))
	art := &types.Artifact{
		ID: "art-" + version, RepoID: repoID, Name: name, Version: version,
		StorageKey: key.String(), SizeBytes: int64(len(archive)), CreatedAt: f.clk.Now(),
	}
	require.NoError(t, f.store.UpsertArtifact(art))
	return art
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func basicAuth(secret string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte("token:"+secret))
}

func get(t *testing.T, url string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func do(t *testing.T, method, url, authz string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func registryWith(name string) http.Handler {
	doc := `{"packages":{"` + name + `":[
		{"name":"` + name + `","version":"1.0.0",
		 "description":"a package","license":["MIT"],
		 "time":"2026-01-15T10:00:00+00:00",
		 "dist":{"type":"zip","url":"https://upstream.example.com/pkg-1.0.0.zip","reference":"deadbeef"}}
	]}}`
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/p2/"+name+".json" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(doc))
			return
		}
		http.NotFound(w, r)
	})
}

func TestColdMetadataFetchFromRegistry(t *testing.T) {
	f := newServerFixture(t, registryWith("acme/lib"))

	resp := get(t, f.ts.URL+"/p2/acme/lib.json", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(types.CacheMissPackagist), resp.Header.Get("X-Cache"))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), proxyBase+"/dist/m/acme/lib/1.0.0.zip")

	// Persistence runs after the response has flushed
	require.Eventually(t, func() bool {
		_, err := f.store.GetPackageVersion("acme/lib", "1.0.0")
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)

	resp2 := get(t, f.ts.URL+"/p2/acme/lib.json", nil)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, string(types.CacheHitKV), resp2.Header.Get("X-Cache"))
}

func TestUnknownPackageNotFound(t *testing.T) {
	f := newServerFixture(t, registryWith("acme/lib"))

	resp := get(t, f.ts.URL+"/p2/acme/nothing.json", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Not Found", body["error"])
}

func TestDistServedFromCache(t *testing.T) {
	f := newServerFixture(t, nil)
	archive := buildZip(t, map[string]string{"src/lib.php": "<?php"})
	art := f.seedArtifact(t, "acme", "acme/lib", "1.2.3", archive)

	resp := get(t, f.ts.URL+"/dist/acme/acme/lib/1.2.3.zip", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(types.CacheHitDB), resp.Header.Get("X-Cache"))
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename="acme--lib--1.2.3.zip"`, resp.Header.Get("Content-Disposition"))
	assert.Equal(t, "public, max-age=31536000, immutable", resp.Header.Get("Cache-Control"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, archive, body)

	// Exactly one download job lands once the response has flushed
	require.Eventually(t, func() bool {
		return len(f.jobs.byType(types.JobArtifactDownloaded)) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, art.ID, f.jobs.byType(types.JobArtifactDownloaded)[0].ArtifactID)
}

func TestUnifiedDistNormalizesVersion(t *testing.T) {
	f := newServerFixture(t, nil)
	archive := buildZip(t, map[string]string{"src/lib.php": "<?php"})
	f.seedArtifact(t, "acme", "acme/lib", "1.2.3", archive)

	resp := get(t, f.ts.URL+"/dist/m/acme/lib/1.2.3.0.zip", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `attachment; filename="acme--lib--1.2.3.zip"`, resp.Header.Get("Content-Disposition"))
}

func TestRateLimitThirdRequestRejected(t *testing.T) {
	f := newServerFixture(t, nil)
	f.createToken(t, "s3cret", types.PermissionReadonly, 2)

	for i := 0; i < 2; i++ {
		resp := get(t, f.ts.URL+"/packages.json", map[string]string{"Authorization": basicAuth("s3cret")})
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := get(t, f.ts.URL+"/packages.json", map[string]string{"Authorization": basicAuth("s3cret")})
	defer resp.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Too Many Requests", body["error"])

	// The budget resets on the next hour window
	f.clk.Advance(time.Hour)
	resp2 := get(t, f.ts.URL+"/packages.json", map[string]string{"Authorization": basicAuth("s3cret")})
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestInvalidCredentialsRejected(t *testing.T) {
	f := newServerFixture(t, nil)
	token := f.createToken(t, "s3cret", types.PermissionReadonly, 0)

	resp := get(t, f.ts.URL+"/packages.json", map[string]string{"Authorization": basicAuth("wrong")})
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Invalid token", body["message"])

	// A failed attempt never touches usage tracking
	stored, err := f.store.GetToken(token.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LastUsedAt)

	// Anonymous access stays open
	resp2 := get(t, f.ts.URL+"/packages.json", nil)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestComposerV1Rejected(t *testing.T) {
	f := newServerFixture(t, nil)

	resp := get(t, f.ts.URL+"/packages.json", map[string]string{"User-Agent": "Composer/1.10.22 (Linux)"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotAcceptable, resp.StatusCode)
}

func TestIndexLazySkeleton(t *testing.T) {
	f := newServerFixture(t, nil)

	resp := get(t, f.ts.URL+"/packages.json", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "public, max-age=300, stale-while-revalidate=60", resp.Header.Get("Cache-Control"))
	assert.NotEmpty(t, resp.Header.Get("Last-Modified"))

	var index struct {
		MetadataURL string `json:"metadata-url"`
		Mirrors     []struct {
			DistURL   string `json:"dist-url"`
			Preferred bool   `json:"preferred"`
		} `json:"mirrors"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&index))
	assert.Equal(t, proxyBase+"/p2/%package%.json", index.MetadataURL)
	require.Len(t, index.Mirrors, 1)
	assert.True(t, index.Mirrors[0].Preferred)
}

func TestIndexNotModified(t *testing.T) {
	f := newServerFixture(t, nil)

	resp := get(t, f.ts.URL+"/packages.json", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	lastMod := resp.Header.Get("Last-Modified")
	require.NotEmpty(t, lastMod)

	resp2 := get(t, f.ts.URL+"/packages.json", map[string]string{"If-Modified-Since": lastMod})
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotModified, resp2.StatusCode)
}

func TestReadmeServedAndNegativeCached(t *testing.T) {
	f := newServerFixture(t, nil)
	archive := buildZip(t, map[string]string{"README.md": "# hello"})
	f.seedArtifact(t, "acme", "acme/lib", "1.0.0", archive)

	resp := get(t, f.ts.URL+"/api/packages/acme/lib/1.0.0/readme", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/markdown; charset=utf-8", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "# hello", string(body))

	// The archive has no changelog: the miss is negative-cached and
	// served as 404 on every request
	for i := 0; i < 2; i++ {
		resp := get(t, f.ts.URL+"/api/packages/acme/lib/1.0.0/changelog", nil)
		resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
	key := blob.Key{Visibility: blob.VisibilityPrivate, RepoID: "acme", Name: "acme/lib", Version: "1.0.0", Side: blob.SideChangelog}
	assert.Equal(t, blob.NotFoundSentinel, string(f.blobs.Bytes(key.String())))
}

func TestDeletePackagistRepoForbidden(t *testing.T) {
	f := newServerFixture(t, nil)
	f.createToken(t, "admin-secret", types.PermissionWrite, 0)

	resp := do(t, http.MethodDelete, f.ts.URL+"/api/repositories/packagist", basicAuth("admin-secret"), nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "The packagist repository cannot be deleted", body["message"])
}

func TestRepositoryLifecycle(t *testing.T) {
	f := newServerFixture(t, nil)
	f.seedSession(t, "sess-admin")
	admin := "Bearer sess-admin"

	resp := do(t, http.MethodPost, f.ts.URL+"/api/repositories", admin, map[string]any{
		"id":              "acme",
		"url":             "https://composer.acme.example.com",
		"source_kind":     "composer",
		"credential_kind": "http_basic",
		"credentials":     map[string]string{"username": "ci", "password": "hunter2"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created types.Repository
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	assert.Equal(t, types.RepoStatusPending, created.Status)
	// The encrypted blob never leaves the server
	assert.Empty(t, created.Credentials)

	require.Eventually(t, func() bool {
		jobs := f.jobs.byType(types.JobRepositorySync)
		return len(jobs) == 1 && jobs[0].RepoID == "acme"
	}, 3*time.Second, 10*time.Millisecond)

	stored, err := f.store.GetRepository("acme")
	require.NoError(t, err)
	assert.NotEmpty(t, stored.Credentials)

	resp = do(t, http.MethodPost, f.ts.URL+"/api/repositories/acme/sync", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result types.SyncResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	resp.Body.Close()
	assert.True(t, result.OK)
	assert.Equal(t, []string{"acme"}, f.syncer.calls)

	resp = do(t, http.MethodDelete, f.ts.URL+"/api/repositories/acme", admin, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, f.ts.URL+"/api/repositories/acme", admin, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReadonlyTokenCannotWrite(t *testing.T) {
	f := newServerFixture(t, nil)
	f.createToken(t, "ro-secret", types.PermissionReadonly, 0)

	resp := do(t, http.MethodPost, f.ts.URL+"/api/repositories", basicAuth("ro-secret"), map[string]any{
		"id": "acme", "url": "https://composer.acme.example.com",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAdminRequiresAuth(t *testing.T) {
	f := newServerFixture(t, nil)

	resp := get(t, f.ts.URL+"/api/repositories", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTokenLifecycle(t *testing.T) {
	f := newServerFixture(t, nil)
	f.seedSession(t, "sess-admin")
	admin := "Bearer sess-admin"

	resp := do(t, http.MethodPost, f.ts.URL+"/api/tokens", admin, map[string]any{
		"description": "ci runner",
		"permissions": "readonly",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		Token  types.Token `json:"token"`
		Secret string      `json:"secret"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	assert.True(t, strings.HasPrefix(created.Secret, "pk_"))
	assert.Empty(t, created.Token.Hash)

	// The fresh secret authenticates immediately
	resp = get(t, f.ts.URL+"/packages.json", map[string]string{"Authorization": basicAuth(created.Secret)})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Revocation takes effect without waiting out the burst cache
	resp = do(t, http.MethodDelete, f.ts.URL+"/api/tokens/"+created.Token.ID, admin, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = get(t, f.ts.URL+"/packages.json", map[string]string{"Authorization": basicAuth(created.Secret)})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSettingsToggle(t *testing.T) {
	f := newServerFixture(t, nil)
	f.seedSession(t, "sess-admin")
	admin := "Bearer sess-admin"

	resp := do(t, http.MethodGet, f.ts.URL+"/api/settings", admin, nil)
	var settings map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&settings))
	resp.Body.Close()
	assert.True(t, settings["mirroring_enabled"])
	assert.True(t, settings["caching_enabled"])

	disabled := false
	resp = do(t, http.MethodPut, f.ts.URL+"/api/settings", admin, settingsPayload{MirroringEnabled: &disabled})
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&settings))
	resp.Body.Close()
	assert.False(t, settings["mirroring_enabled"])
	assert.True(t, settings["caching_enabled"])
}

func TestStats(t *testing.T) {
	f := newServerFixture(t, nil)
	f.seedSession(t, "sess-admin")
	archive := buildZip(t, map[string]string{"src/lib.php": "<?php"})
	art := f.seedArtifact(t, "acme", "acme/lib", "1.0.0", archive)
	require.NoError(t, f.store.RecordDownload(art.ID, f.clk.Now()))
	require.NoError(t, f.store.RecordDownload(art.ID, f.clk.Now()))

	resp := do(t, http.MethodGet, f.ts.URL+"/api/stats", "Bearer sess-admin", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats struct {
		Counts         storage.Counts `json:"counts"`
		TotalDownloads int64          `json:"total_downloads"`
		TopDownloads   []topDownload  `json:"top_downloads"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Counts.Artifacts)
	assert.Equal(t, int64(2), stats.TotalDownloads)
	require.Len(t, stats.TopDownloads, 1)
	assert.Equal(t, "acme/lib", stats.TopDownloads[0].Name)
}

func TestPackageListingOrdersVersions(t *testing.T) {
	f := newServerFixture(t, nil)
	f.seedSession(t, "sess-admin")
	for _, v := range []string{"1.2.9", "1.2.10", "1.3.0-beta1"} {
		require.NoError(t, f.store.UpsertPackageVersion(&types.PackageVersion{
			ID: "pv-" + v, RepoID: "acme", Name: "acme/lib", Version: v, ReleasedAt: f.clk.Now(),
		}))
	}

	resp := do(t, http.MethodGet, f.ts.URL+"/api/packages", "Bearer sess-admin", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rows []packageSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	require.Len(t, rows, 3)
	assert.Equal(t, "1.3.0-beta1", rows[0].Version)
	assert.Equal(t, "1.2.10", rows[1].Version)
	assert.Equal(t, "1.2.9", rows[2].Version)
}

func TestVersionLess(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"1.2.9", "1.2.10", true},
		{"1.2.10", "1.2.9", false},
		{"2.0.0-beta1", "2.0.0", true},
		{"dev-main", "dev-zzz", true}, // lexicographic fallback
	}
	for _, tt := range tests {
		if got := versionLess(tt.a, tt.b); got != tt.want {
			t.Errorf("versionLess(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

// droppedConnWriter fails every body write, standing in for a client
// that disconnected mid-download.
type droppedConnWriter struct {
	header http.Header
	status int
}

func (w *droppedConnWriter) Header() http.Header {
	if w.header == nil {
		w.header = http.Header{}
	}
	return w.header
}

func (w *droppedConnWriter) WriteHeader(code int) { w.status = code }

func (w *droppedConnWriter) Write([]byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

func TestDistCacheFillSurvivesClientDisconnect(t *testing.T) {
	archive := buildZip(t, map[string]string{"README.md": "# hello"})
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	t.Cleanup(upstreamSrv.Close)

	f := newServerFixture(t, nil)
	require.NoError(t, f.store.UpsertPackageVersion(&types.PackageVersion{
		ID: "pv-1", RepoID: "acme", Name: "acme/lib", Version: "1.0.0",
		SourceDistURL: upstreamSrv.URL + "/lib-1.0.0.zip",
		ReleasedAt:    f.clk.Now(),
	}))

	req := httptest.NewRequest(http.MethodGet, "/dist/acme/acme/lib/1.0.0.zip", nil)
	req.SetPathValue("vendor", "acme")
	req.SetPathValue("package", "lib")
	req.SetPathValue("file", "1.0.0.zip")

	// No after-executor on this request, so the persistence callback
	// runs inline and the failed copy must not skip it
	w := &droppedConnWriter{}
	f.srv.serveDist(w, req, "acme")

	key := blob.Key{Visibility: blob.VisibilityPrivate, RepoID: "acme", Name: "acme/lib", Version: "1.0.0"}
	obj, err := f.blobs.Get(context.Background(), key.String())
	require.NoError(t, err)
	obj.Close()

	_, err = f.store.GetArtifactByCoords("acme", "acme/lib", "1.0.0")
	assert.NoError(t, err)
}
