package reposync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/packrat-io/packrat/pkg/clock"
	"github.com/packrat-io/packrat/pkg/kv"
	"github.com/packrat-io/packrat/pkg/log"
	"github.com/packrat-io/packrat/pkg/security"
	"github.com/packrat-io/packrat/pkg/storage"
	"github.com/packrat-io/packrat/pkg/types"
	"github.com/packrat-io/packrat/pkg/upstream"
)

// Engine runs repository syncs. BaseURL is the proxy's public origin,
// baked into the proxy dist urls of persisted versions.
type Engine struct {
	store   storage.Store
	cache   kv.Cache
	client  *http.Client
	box     *security.Box
	clk     clock.Clock
	baseURL string

	// GitHubAPI and GitHubRaw are the API origins; overridable in tests
	GitHubAPI string
	GitHubRaw string
}

// NewEngine creates a sync engine. cache, client and box may be nil.
func NewEngine(store storage.Store, cache kv.Cache, client *http.Client, box *security.Box, clk clock.Clock, baseURL string) *Engine {
	if client == nil {
		client = upstream.NewClient()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Engine{
		store:     store,
		cache:     cache,
		client:    client,
		box:       box,
		clk:       clk,
		baseURL:   baseURL,
		GitHubAPI: "https://api.github.com",
		GitHubRaw: "https://raw.githubusercontent.com",
	}
}

// Sync discovers and persists versions for one repository, moving it
// through syncing to active or error.
func (e *Engine) Sync(ctx context.Context, repoID string) *types.SyncResult {
	logger := log.WithRepo(repoID)

	repo, err := e.store.GetRepository(repoID)
	if err != nil {
		return &types.SyncResult{OK: false, Error: fmt.Sprintf("repository %s not found", repoID)}
	}

	// The public registry is mirrored lazily per package, never
	// enumerated up front
	if repo.ID == types.PackagistRepoID {
		e.setStatus(repo, types.RepoStatusActive, "")
		return &types.SyncResult{OK: true, Strategy: "lazy"}
	}

	e.setStatus(repo, types.RepoStatusSyncing, "")

	var versions []*types.PackageVersion
	var strategy string
	switch repo.SourceKind {
	case types.SourceKindComposer:
		versions, strategy, err = e.syncComposer(ctx, repo)
	case types.SourceKindGit:
		versions, strategy, err = e.syncGitHub(ctx, repo)
	default:
		err = fmt.Errorf("unknown source kind %q", repo.SourceKind)
	}
	if err != nil {
		logger.Error().Err(err).Msg("sync failed")
		e.setStatus(repo, types.RepoStatusError, err.Error())
		return &types.SyncResult{OK: false, Strategy: strategy, Error: err.Error()}
	}

	persisted := 0
	for _, pv := range versions {
		if err := e.store.UpsertPackageVersion(pv); err != nil {
			logger.Warn().Err(err).Str("package", pv.Name).Str("version", pv.Version).Msg("failed to persist version")
			continue
		}
		persisted++
	}

	repo.LastSynced = e.clk.Now().Unix()
	e.setStatus(repo, types.RepoStatusActive, "")
	e.invalidateIndex(ctx)

	logger.Info().Int("packages", persisted).Str("strategy", strategy).Msg("sync complete")
	return &types.SyncResult{OK: true, Packages: persisted, Strategy: strategy}
}

func (e *Engine) setStatus(repo *types.Repository, status types.RepoStatus, errMsg string) {
	repo.Status = status
	repo.ErrorMsg = errMsg
	if err := e.store.UpdateRepository(repo); err != nil {
		log.WithRepo(repo.ID).Warn().Err(err).Msg("failed to update repository status")
	}
}

// invalidateIndex drops the cached packages.json so the next request
// rebuilds it with the freshly synced content
func (e *Engine) invalidateIndex(ctx context.Context) {
	if e.cache == nil {
		return
	}
	for _, key := range []string{kv.IndexKey, kv.IndexMetaKey} {
		if err := e.cache.Delete(ctx, key); err != nil {
			log.WithComponent("reposync").Warn().Err(err).Msg("failed to invalidate index cache")
		}
	}
}

// credentials decrypts the repository's stored credentials, or nil
func (e *Engine) credentials(repo *types.Repository) *security.Credentials {
	if repo.CredKind == types.CredentialKindNone || repo.Credentials == "" || e.box == nil {
		return nil
	}
	creds, err := e.box.DecryptCredentials(repo.Credentials)
	if err != nil {
		log.WithRepo(repo.ID).Warn().Err(err).Msg("failed to decrypt credentials")
		return nil
	}
	return creds
}

// fetchJSON GETs url and decodes into out, with a bounded retry
func (e *Engine) fetchJSON(ctx context.Context, repo *types.Repository, url string, attempts uint, out any) error {
	data, err := retry.DoWithData(
		func() ([]byte, error) {
			return upstream.FetchBytes(ctx, e.client, url, repo.CredKind, e.credentials(repo))
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(250*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			code := upstream.Status(err)
			return code == 0 || code >= 500
		}),
	)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid JSON from %s: %w", url, err)
	}
	return nil
}

// buildVersion assembles one row from a metadata entry. Returns nil when
// the entry has no usable version.
func (e *Engine) buildVersion(repo *types.Repository, name string, entry map[string]any) *types.PackageVersion {
	version, _ := entry["version"].(string)
	if version == "" {
		return nil
	}

	var sourceDist, reference string
	if dist, ok := entry["dist"].(map[string]any); ok {
		if u, ok := dist["url"].(string); ok {
			sourceDist = resolveURL(repo.URL, u)
		}
		reference, _ = dist["reference"].(string)
	}
	if sourceDist == "" {
		sourceDist = synthesizeDistURL(repo.URL, name, version)
	}

	blob, err := json.Marshal(entry)
	if err != nil {
		return nil
	}

	now := e.clk.Now()
	pv := &types.PackageVersion{
		ID:            uuid.New().String(),
		RepoID:        repo.ID,
		Name:          name,
		Version:       version,
		ProxyDistURL:  fmt.Sprintf("%s/dist/%s/%s/%s.zip", e.baseURL, repo.ID, name, version),
		SourceDistURL: sourceDist,
		DistReference: reference,
		MetadataJSON:  string(blob),
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
	return pv
}
