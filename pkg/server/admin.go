package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/packrat-io/packrat/pkg/auth"
	"github.com/packrat-io/packrat/pkg/kv"
	"github.com/packrat-io/packrat/pkg/metrics"
	"github.com/packrat-io/packrat/pkg/security"
	"github.com/packrat-io/packrat/pkg/storage"
	"github.com/packrat-io/packrat/pkg/types"
)

// repoRequest is the create/update payload for a repository
type repoRequest struct {
	ID          string                `json:"id"`
	URL         string                `json:"url"`
	SourceKind  types.SourceKind      `json:"source_kind"`
	CredKind    types.CredentialKind  `json:"credential_kind"`
	Credentials *security.Credentials `json:"credentials,omitempty"`
	Filter      string                `json:"filter,omitempty"`
}

// sanitizeRepo strips the encrypted credential blob from responses
func sanitizeRepo(repo *types.Repository) *types.Repository {
	out := *repo
	out.Credentials = ""
	return &out
}

func (s *Server) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireAuth(r); err != nil {
		writeError(w, r, err)
		return
	}
	repos, err := s.opts.Store.ListRepositories()
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]*types.Repository, 0, len(repos))
	for _, repo := range repos {
		out = append(out, sanitizeRepo(repo))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRepository(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireAuth(r); err != nil {
		writeError(w, r, err)
		return
	}
	repo, err := s.opts.Store.GetRepository(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = notFound("Repository not found")
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sanitizeRepo(repo))
}

func (s *Server) handleCreateRepository(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireWrite(r); err != nil {
		writeError(w, r, err)
		return
	}

	var req repoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, badRequest("Invalid JSON body"))
		return
	}
	if err := validateRepoURL(req.URL); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ID == types.PackagistRepoID {
		writeError(w, r, forbidden("The packagist repository is managed automatically"))
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.SourceKind == "" {
		req.SourceKind = types.SourceKindComposer
	}
	if req.CredKind == "" {
		req.CredKind = types.CredentialKindNone
	}

	repo := &types.Repository{
		ID:         req.ID,
		URL:        req.URL,
		SourceKind: req.SourceKind,
		CredKind:   req.CredKind,
		Filter:     req.Filter,
		Status:     types.RepoStatusPending,
		CreatedAt:  s.opts.Clock.Now(),
	}
	if req.Credentials != nil && s.opts.Box != nil {
		sealed, err := s.opts.Box.EncryptCredentials(req.Credentials)
		if err != nil {
			writeError(w, r, err)
			return
		}
		repo.Credentials = sealed
	}

	if err := s.opts.Store.CreateRepository(repo); err != nil {
		writeError(w, r, badRequest(err.Error()))
		return
	}

	s.invalidateIndex(r.Context())
	if s.opts.Jobs != nil {
		After(r, func(ctx context.Context) {
			_ = s.opts.Jobs.Enqueue(ctx, types.Job{Type: types.JobRepositorySync, RepoID: repo.ID})
		})
	}
	writeJSON(w, http.StatusCreated, sanitizeRepo(repo))
}

func (s *Server) handleUpdateRepository(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireWrite(r); err != nil {
		writeError(w, r, err)
		return
	}
	id := r.PathValue("id")
	if id == types.PackagistRepoID {
		writeError(w, r, forbidden("The packagist repository cannot be modified"))
		return
	}

	repo, err := s.opts.Store.GetRepository(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = notFound("Repository not found")
		}
		writeError(w, r, err)
		return
	}

	var req repoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, badRequest("Invalid JSON body"))
		return
	}
	if req.URL != "" {
		if err := validateRepoURL(req.URL); err != nil {
			writeError(w, r, err)
			return
		}
		repo.URL = req.URL
	}
	if req.SourceKind != "" {
		repo.SourceKind = req.SourceKind
	}
	if req.CredKind != "" {
		repo.CredKind = req.CredKind
	}
	repo.Filter = req.Filter
	if req.Credentials != nil && s.opts.Box != nil {
		sealed, err := s.opts.Box.EncryptCredentials(req.Credentials)
		if err != nil {
			writeError(w, r, err)
			return
		}
		repo.Credentials = sealed
	}

	// Config changed: the repository needs a fresh sync
	repo.Status = types.RepoStatusPending
	repo.ErrorMsg = ""
	if err := s.opts.Store.UpdateRepository(repo); err != nil {
		writeError(w, r, err)
		return
	}

	s.invalidateIndex(r.Context())
	if s.opts.Jobs != nil {
		After(r, func(ctx context.Context) {
			_ = s.opts.Jobs.Enqueue(ctx, types.Job{Type: types.JobRepositorySync, RepoID: repo.ID})
		})
	}
	writeJSON(w, http.StatusOK, sanitizeRepo(repo))
}

func (s *Server) handleDeleteRepository(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireWrite(r); err != nil {
		writeError(w, r, err)
		return
	}
	id := r.PathValue("id")
	if id == types.PackagistRepoID {
		writeError(w, r, forbidden("The packagist repository cannot be deleted"))
		return
	}

	if err := s.opts.Store.DeleteRepository(id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = notFound("Repository not found")
		}
		writeError(w, r, err)
		return
	}
	s.invalidateIndex(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncRepository(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireWrite(r); err != nil {
		writeError(w, r, err)
		return
	}
	if s.opts.Syncer == nil {
		writeError(w, r, internal("Sync engine unavailable"))
		return
	}
	id := r.PathValue("id")
	if _, err := s.opts.Store.GetRepository(id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = notFound("Repository not found")
		}
		writeError(w, r, err)
		return
	}

	timer := metrics.NewTimer()
	result := s.opts.Syncer.Sync(r.Context(), id)
	timer.ObserveDuration(metrics.SyncDuration)
	outcome := "success"
	if !result.OK {
		outcome = "error"
	}
	metrics.SyncRunsTotal.WithLabelValues(outcome).Inc()

	writeJSON(w, http.StatusOK, result)
}

func validateRepoURL(raw string) *HTTPError {
	if raw == "" {
		return badRequest("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return badRequest("url must be an absolute http(s) URL")
	}
	return nil
}

// tokenRequest is the create payload for a package token
type tokenRequest struct {
	Description  string           `json:"description"`
	Permissions  types.Permission `json:"permissions"`
	RateLimitMax int              `json:"rate_limit_max"`
	ExpiresAt    *time.Time       `json:"expires_at,omitempty"`
}

// sanitizeToken strips the secret hash from responses
func sanitizeToken(token *types.Token) *types.Token {
	out := *token
	out.Hash = ""
	return &out
}

// newSecret produces a fresh token secret
func newSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "pk_" + hex.EncodeToString(buf), nil
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireAuth(r); err != nil {
		writeError(w, r, err)
		return
	}
	tokens, err := s.opts.Store.ListTokens()
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]*types.Token, 0, len(tokens))
	for _, token := range tokens {
		out = append(out, sanitizeToken(token))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireWrite(r); err != nil {
		writeError(w, r, err)
		return
	}

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, badRequest("Invalid JSON body"))
		return
	}
	if req.Permissions == "" {
		req.Permissions = types.PermissionReadonly
	}
	if req.Permissions != types.PermissionReadonly && req.Permissions != types.PermissionWrite {
		writeError(w, r, badRequest("permissions must be readonly or write"))
		return
	}

	secret, err := newSecret()
	if err != nil {
		writeError(w, r, err)
		return
	}
	token := &types.Token{
		ID:           uuid.New().String(),
		Description:  req.Description,
		Hash:         auth.HashSecret(secret),
		Permissions:  req.Permissions,
		RateLimitMax: req.RateLimitMax,
		CreatedAt:    s.opts.Clock.Now(),
		ExpiresAt:    req.ExpiresAt,
	}
	if err := s.opts.Store.CreateToken(token); err != nil {
		writeError(w, r, err)
		return
	}

	// The plaintext secret is shown exactly once
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":  sanitizeToken(token),
		"secret": secret,
	})
}

func (s *Server) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireWrite(r); err != nil {
		writeError(w, r, err)
		return
	}
	id := r.PathValue("id")

	token, err := s.opts.Store.GetToken(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = notFound("Token not found")
		}
		writeError(w, r, err)
		return
	}
	if err := s.opts.Store.DeleteToken(id); err != nil {
		writeError(w, r, err)
		return
	}
	// Evict the burst cache so revocation takes effect immediately
	if s.opts.Cache != nil {
		_ = s.opts.Cache.Delete(r.Context(), kv.TokenKey(token.Hash))
	}
	w.WriteHeader(http.StatusNoContent)
}

// packageSummary is one row of the admin package listing
type packageSummary struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	RepoID      string    `json:"repo_id"`
	Description string    `json:"description,omitempty"`
	Type        string    `json:"type,omitempty"`
	ReleasedAt  time.Time `json:"released_at"`
}

func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireAuth(r); err != nil {
		writeError(w, r, err)
		return
	}

	var (
		rows []*types.PackageVersion
		err  error
	)
	if name := r.URL.Query().Get("name"); name != "" {
		rows, err = s.opts.Store.ListPackageVersionsByName(name)
	} else {
		rows, err = s.opts.Store.ListPackageVersions()
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Name != rows[j].Name {
			return rows[i].Name < rows[j].Name
		}
		return versionLess(rows[j].Version, rows[i].Version)
	})

	out := make([]packageSummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, packageSummary{
			Name:        row.Name,
			Version:     row.Version,
			RepoID:      row.RepoID,
			Description: row.Description,
			Type:        row.Type,
			ReleasedAt:  row.ReleasedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// versionLess orders versions semantically when both sides parse as
// semver, lexicographically otherwise
func versionLess(a, b string) bool {
	va, errA := semver.NewVersion(strings.TrimPrefix(a, "v"))
	vb, errB := semver.NewVersion(strings.TrimPrefix(b, "v"))
	if errA == nil && errB == nil {
		return va.LessThan(vb)
	}
	return a < b
}

// topDownload is one row of the stats leaderboard
type topDownload struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	RepoID        string `json:"repo_id"`
	DownloadCount int64  `json:"download_count"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireAuth(r); err != nil {
		writeError(w, r, err)
		return
	}

	counts, err := s.opts.Store.Counts()
	if err != nil {
		writeError(w, r, err)
		return
	}
	artifacts, err := s.opts.Store.ListArtifacts()
	if err != nil {
		writeError(w, r, err)
		return
	}

	var totalDownloads int64
	for _, a := range artifacts {
		totalDownloads += a.DownloadCount
	}
	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].DownloadCount > artifacts[j].DownloadCount
	})
	if len(artifacts) > 10 {
		artifacts = artifacts[:10]
	}
	top := make([]topDownload, 0, len(artifacts))
	for _, a := range artifacts {
		if a.DownloadCount == 0 {
			continue
		}
		top = append(top, topDownload{
			Name:          a.Name,
			Version:       a.Version,
			RepoID:        a.RepoID,
			DownloadCount: a.DownloadCount,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"counts":          counts,
		"total_downloads": totalDownloads,
		"top_downloads":   top,
	})
}

// settingsPayload carries the two runtime toggles. Pointers distinguish
// "leave unchanged" from an explicit false.
type settingsPayload struct {
	MirroringEnabled *bool `json:"mirroring_enabled,omitempty"`
	CachingEnabled   *bool `json:"caching_enabled,omitempty"`
}

func (s *Server) readSetting(r *http.Request, key string) bool {
	if s.opts.Cache == nil {
		return true
	}
	val, err := s.opts.Cache.Get(r.Context(), key)
	return err != nil || val != "false"
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireAuth(r); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"mirroring_enabled": s.readSetting(r, kv.SettingMirroringEnabled),
		"caching_enabled":   s.readSetting(r, kv.SettingCachingEnabled),
	})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireWrite(r); err != nil {
		writeError(w, r, err)
		return
	}
	if s.opts.Cache == nil {
		writeError(w, r, internal("Settings store unavailable"))
		return
	}

	var req settingsPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, badRequest("Invalid JSON body"))
		return
	}

	ctx := r.Context()
	if req.MirroringEnabled != nil {
		if err := s.opts.Cache.Put(ctx, kv.SettingMirroringEnabled, boolValue(*req.MirroringEnabled), 0); err != nil {
			writeError(w, r, err)
			return
		}
		// The index shape depends on this toggle
		s.invalidateIndex(ctx)
	}
	if req.CachingEnabled != nil {
		if err := s.opts.Cache.Put(ctx, kv.SettingCachingEnabled, boolValue(*req.CachingEnabled), 0); err != nil {
			writeError(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]bool{
		"mirroring_enabled": s.readSetting(r, kv.SettingMirroringEnabled),
		"caching_enabled":   s.readSetting(r, kv.SettingCachingEnabled),
	})
}

func boolValue(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
