package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/packrat-io/packrat/pkg/clock"
	"github.com/packrat-io/packrat/pkg/kv"
	"github.com/packrat-io/packrat/pkg/log"
	"github.com/packrat-io/packrat/pkg/security"
	"github.com/packrat-io/packrat/pkg/storage"
	"github.com/packrat-io/packrat/pkg/types"
	"github.com/packrat-io/packrat/pkg/upstream"
)

// cacheTTL bounds how stale a cached metadata document may be served
const cacheTTL = 5 * time.Minute

// ErrNotFound means no tier could produce the package
var ErrNotFound = errors.New("metadata: package not found")

// Enqueuer defers background work; satisfied by the job processor
type Enqueuer interface {
	Enqueue(ctx context.Context, job types.Job) error
}

// Result is a resolved metadata document ready to stream
type Result struct {
	Body         []byte
	Mode         types.CacheMode
	LastModified int64 // unix ms
	// Persist stores freshly fetched versions; non-nil only after an
	// upstream fetch. The server runs it after the response flushes.
	Persist func(ctx context.Context)
}

// Resolver serves per-package metadata with a three-tier lookup:
// KV cache, database, upstream.
type Resolver struct {
	store  storage.Store
	cache  kv.Cache // nil disables the cache tier
	client *http.Client
	box    *security.Box
	jobs   Enqueuer
	clk    clock.Clock

	// PackagistBase is the public registry origin; overridable in tests
	PackagistBase string
}

// NewResolver creates a metadata resolver. cache, box and jobs may be nil.
func NewResolver(store storage.Store, cache kv.Cache, client *http.Client, box *security.Box, jobs Enqueuer, clk clock.Clock) *Resolver {
	if client == nil {
		client = upstream.NewClient()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Resolver{
		store:         store,
		cache:         cache,
		client:        client,
		box:           box,
		jobs:          jobs,
		clk:           clk,
		PackagistBase: types.PackagistURL,
	}
}

// cachingEnabled reports whether metadata documents should be cached in
// KV. The toggle lives in KV itself; absent means enabled.
func (r *Resolver) cachingEnabled(ctx context.Context) bool {
	if r.cache == nil {
		return false
	}
	val, err := r.cache.Get(ctx, kv.SettingCachingEnabled)
	return err != nil || val != "false"
}

// MirroringEnabled reports whether the public registry is consulted for
// packages no configured repository provides. Absent means enabled.
func (r *Resolver) MirroringEnabled(ctx context.Context) bool {
	if r.cache == nil {
		return true
	}
	val, err := r.cache.Get(ctx, kv.SettingMirroringEnabled)
	return err != nil || val != "false"
}

// PackageMetadata resolves the metadata document for one package.
// baseURL is the proxy's public origin used when rewriting dist URLs.
func (r *Resolver) PackageMetadata(ctx context.Context, name, baseURL string) (*Result, error) {
	logger := log.WithPackage(name)

	// Tier 1: KV cache. Trust-the-cache: a parseable document of the
	// expected shape is returned without re-validation.
	if r.cachingEnabled(ctx) {
		if raw, err := r.cache.Get(ctx, kv.PackageKey(name)); err == nil {
			if validDocument([]byte(raw), name) {
				lm, _ := r.getMeta(ctx, kv.PackageMetaKey(name))
				return &Result{Body: []byte(raw), Mode: types.CacheHitKV, LastModified: lm}, nil
			}
			logger.Warn().Msg("corrupt metadata cache entry")
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := r.cache.Delete(ctx, kv.PackageKey(name)); err != nil {
					logger.Warn().Err(err).Msg("failed to delete corrupt cache entry")
				}
			}()
		}
	}

	// Tier 2: database
	rows, err := r.store.ListPackageVersionsByName(name)
	if err != nil {
		return nil, fmt.Errorf("package lookup failed: %w", err)
	}
	if len(rows) > 0 {
		body, err := r.buildFromRows(name, baseURL, rows)
		if err != nil {
			return nil, err
		}
		lm := r.cacheDocument(ctx, name, body)
		return &Result{Body: body, Mode: types.CacheHitDB, LastModified: lm}, nil
	}

	// Tier 3: upstream
	return r.fetchUpstream(ctx, name, baseURL)
}

// validDocument checks the cached bytes still look like a metadata
// document for the package
func validDocument(body []byte, name string) bool {
	var doc struct {
		Packages map[string]json.RawMessage `json:"packages"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return false
	}
	_, ok := doc.Packages[name]
	return ok
}

// buildFromRows assembles a document from cached database rows. Rows
// store the untransformed upstream blob, so the same sanitize+rewrite
// pass runs as for a fresh fetch.
func (r *Resolver) buildFromRows(name, baseURL string, rows []*types.PackageVersion) ([]byte, error) {
	entries := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		var entry map[string]any
		if row.MetadataJSON != "" {
			if err := json.Unmarshal([]byte(row.MetadataJSON), &entry); err != nil {
				entry = nil
			}
		}
		if entry == nil {
			// Minimal entry from denormalized columns
			entry = map[string]any{
				"name":    row.Name,
				"version": row.Version,
			}
			if row.Description != "" {
				entry["description"] = row.Description
			}
			if row.Type != "" {
				entry["type"] = row.Type
			}
			if row.Homepage != "" {
				entry["homepage"] = row.Homepage
			}
			if !row.ReleasedAt.IsZero() {
				entry["time"] = row.ReleasedAt.UTC().Format(time.RFC3339)
			}
		}
		SanitizeVersion(entry)
		RewriteDist(entry, baseURL, row.Name, row.Version)
		if row.DistReference != "" {
			if dist, ok := entry["dist"].(map[string]any); ok {
				if ref, _ := dist["reference"].(string); ref == "" {
					dist["reference"] = row.DistReference
				}
			}
		}
		entries = append(entries, entry)
	}

	return json.Marshal(map[string]any{
		"packages": map[string]any{name: entries},
	})
}

// fetchUpstream walks the active composer repositories and finally the
// public registry, first success wins
func (r *Resolver) fetchUpstream(ctx context.Context, name, baseURL string) (*Result, error) {
	repos, err := r.store.ListRepositories()
	if err != nil {
		return nil, fmt.Errorf("repository list failed: %w", err)
	}

	var body []byte
	var repoID string
	mode := types.CacheMissUpstream

	for _, repo := range repos {
		if repo.SourceKind != types.SourceKindComposer || repo.Status != types.RepoStatusActive {
			continue
		}
		if repo.ID == types.PackagistRepoID {
			continue // public registry is the explicit fallback below
		}
		url := strings.TrimSuffix(repo.URL, "/") + "/p2/" + name + ".json"
		data, err := upstream.FetchBytes(ctx, r.client, url, repo.CredKind, r.credentials(repo))
		if err != nil {
			log.WithRepo(repo.ID).Debug().Err(err).Str("package", name).Msg("upstream metadata miss")
			continue
		}
		body = data
		repoID = repo.ID
		break
	}

	if body == nil && r.MirroringEnabled(ctx) {
		url := r.PackagistBase + "/p2/" + name + ".json"
		data, err := upstream.FetchBytes(ctx, r.client, url, types.CredentialKindNone, nil)
		if err == nil {
			body = data
			repoID = types.PackagistRepoID
			mode = types.CacheMissPackagist
			r.ensurePackagistRepo(ctx)
		}
	}

	if body == nil {
		return nil, ErrNotFound
	}

	rewritten, versions, err := r.transform(body, name, baseURL, repoID)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream metadata for %s: %w", name, err)
	}

	lm := r.cacheDocument(ctx, name, rewritten)

	return &Result{
		Body:         rewritten,
		Mode:         mode,
		LastModified: lm,
		Persist: func(ctx context.Context) {
			logger := log.WithPackage(name)
			for _, pv := range versions {
				if err := r.store.UpsertPackageVersion(pv); err != nil {
					logger.Warn().Err(err).Str("version", pv.Version).Msg("failed to persist version")
				}
			}
		},
	}, nil
}

// transform expands, sanitizes and rewrites an upstream document and
// derives the rows to persist
func (r *Resolver) transform(body []byte, name, baseURL, repoID string) ([]byte, []*types.PackageVersion, error) {
	var doc struct {
		Packages map[string][]map[string]any `json:"packages"`
		Minified string                      `json:"minified"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, nil, err
	}
	entries := doc.Packages[name]
	if len(entries) == 0 {
		return nil, nil, fmt.Errorf("document has no versions for %s", name)
	}
	if doc.Minified == "composer/2.0" {
		entries = ExpandMinified(entries)
	}

	now := r.clk.Now()
	versions := make([]*types.PackageVersion, 0, len(entries))
	for _, entry := range entries {
		SanitizeVersion(entry)

		version, _ := entry["version"].(string)
		if version == "" {
			continue
		}

		// Snapshot the untransformed blob before the dist rewrite
		original, err := json.Marshal(entry)
		if err != nil {
			return nil, nil, err
		}

		sourceURL := RewriteDist(entry, baseURL, name, version)
		dist := entry["dist"].(map[string]any)
		reference, _ := dist["reference"].(string)

		pv := &types.PackageVersion{
			ID:            uuid.New().String(),
			RepoID:        repoID,
			Name:          name,
			Version:       version,
			ProxyDistURL:  dist["url"].(string),
			SourceDistURL: sourceURL,
			DistReference: reference,
			MetadataJSON:  string(original),
			ReleasedAt:    now,
			CreatedAt:     now,
		}
		if desc, ok := entry["description"].(string); ok {
			pv.Description = desc
		}
		if typ, ok := entry["type"].(string); ok {
			pv.Type = typ
		}
		if homepage, ok := entry["homepage"].(string); ok {
			pv.Homepage = homepage
		}
		if license, ok := entry["license"]; ok {
			if data, err := json.Marshal(license); err == nil {
				pv.LicenseJSON = string(data)
			}
		}
		if released, ok := entry["time"].(string); ok {
			if t, err := time.Parse(time.RFC3339, released); err == nil {
				pv.ReleasedAt = t
			}
		}
		versions = append(versions, pv)
	}

	rewritten, err := json.Marshal(map[string]any{
		"packages": map[string]any{name: entries},
	})
	if err != nil {
		return nil, nil, err
	}
	return rewritten, versions, nil
}

// ExpandMinified undoes composer/2.0 metadata minification, where each
// entry after the first only carries the fields that changed
func ExpandMinified(entries []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(entries))
	carry := map[string]any{}
	for _, entry := range entries {
		expanded := make(map[string]any, len(carry)+len(entry))
		for k, v := range carry {
			expanded[k] = v
		}
		for k, v := range entry {
			if v == nil {
				delete(expanded, k)
				continue
			}
			expanded[k] = v
		}
		carry = expanded
		clone := make(map[string]any, len(expanded))
		for k, v := range expanded {
			clone[k] = v
		}
		out = append(out, clone)
	}
	return out
}

// credentials decrypts the repository's stored credentials, or nil
func (r *Resolver) credentials(repo *types.Repository) *security.Credentials {
	if repo.CredKind == types.CredentialKindNone || repo.Credentials == "" || r.box == nil {
		return nil
	}
	creds, err := r.box.DecryptCredentials(repo.Credentials)
	if err != nil {
		log.WithRepo(repo.ID).Warn().Err(err).Msg("failed to decrypt credentials")
		return nil
	}
	return creds
}

// ensurePackagistRepo lazily creates the well-known public registry
// row, memoized in KV for an hour
func (r *Resolver) ensurePackagistRepo(ctx context.Context) {
	if r.cache != nil {
		if _, err := r.cache.Get(ctx, kv.PackagistRepoExists); err == nil {
			return
		}
	}
	if _, err := r.store.GetRepository(types.PackagistRepoID); errors.Is(err, storage.ErrNotFound) {
		repo := &types.Repository{
			ID:         types.PackagistRepoID,
			URL:        types.PackagistURL,
			SourceKind: types.SourceKindComposer,
			CredKind:   types.CredentialKindNone,
			Status:     types.RepoStatusActive,
			CreatedAt:  r.clk.Now(),
		}
		if err := r.store.CreateRepository(repo); err != nil {
			log.WithComponent("metadata").Warn().Err(err).Msg("failed to create packagist repo")
			return
		}
	}
	if r.cache != nil {
		if err := r.cache.Put(ctx, kv.PackagistRepoExists, "true", time.Hour); err != nil {
			log.WithComponent("metadata").Warn().Err(err).Msg("failed to memoize packagist repo flag")
		}
	}
}

// cacheDocument stores the document and its lastModified marker,
// returning the marker
func (r *Resolver) cacheDocument(ctx context.Context, name string, body []byte) int64 {
	lm := r.clk.NowMs()
	if !r.cachingEnabled(ctx) {
		return lm
	}
	logger := log.WithPackage(name)
	if err := r.cache.Put(ctx, kv.PackageKey(name), string(body), cacheTTL); err != nil {
		logger.Warn().Err(err).Msg("failed to cache metadata")
		return lm
	}
	if err := r.putMeta(ctx, kv.PackageMetaKey(name), lm); err != nil {
		logger.Warn().Err(err).Msg("failed to cache metadata marker")
	}
	return lm
}

type metaEntry struct {
	LastModified int64 `json:"lastModified"`
}

func (r *Resolver) putMeta(ctx context.Context, key string, lm int64) error {
	data, err := json.Marshal(metaEntry{LastModified: lm})
	if err != nil {
		return err
	}
	return r.cache.Put(ctx, key, string(data), cacheTTL)
}

func (r *Resolver) getMeta(ctx context.Context, key string) (int64, error) {
	if r.cache == nil {
		return 0, kv.ErrMiss
	}
	raw, err := r.cache.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	var meta metaEntry
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return 0, err
	}
	return meta.LastModified, nil
}

// LastModified exposes the cached marker for conditional requests
func (r *Resolver) LastModified(ctx context.Context, metaKey string) (int64, bool) {
	lm, err := r.getMeta(ctx, metaKey)
	return lm, err == nil
}
