package types

import (
	"strings"
	"time"
)

// PackagistRepoID is the well-known public registry repository. It is
// auto-created on first use and may not be deleted or edited through the
// admin API.
const PackagistRepoID = "packagist"

// PackagistURL is the base URL of the public registry.
const PackagistURL = "https://packagist.org"

// Repository represents a configured upstream package source
type Repository struct {
	ID          string         `json:"id"`
	URL         string         `json:"url"`
	SourceKind  SourceKind     `json:"source_kind"`
	CredKind    CredentialKind `json:"credential_kind"`
	Credentials string         `json:"credentials,omitempty"` // encrypted, base64
	Filter      string         `json:"filter,omitempty"`      // comma list of package names
	Status      RepoStatus     `json:"status"`
	ErrorMsg    string         `json:"error_message,omitempty"`
	LastSynced  int64          `json:"last_synced_at,omitempty"` // unix seconds
	CreatedAt   time.Time      `json:"created_at"`
}

// FilterList splits the comma-separated package filter, trimming blanks
func (r *Repository) FilterList() []string {
	if r.Filter == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(r.Filter, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SourceKind defines the protocol a repository speaks
type SourceKind string

const (
	SourceKindGit      SourceKind = "git"
	SourceKindComposer SourceKind = "composer"
)

// CredentialKind defines how upstream requests are authenticated
type CredentialKind string

const (
	CredentialKindNone      CredentialKind = "none"
	CredentialKindHTTPBasic CredentialKind = "http_basic"
	CredentialKindGitToken  CredentialKind = "git_token"
)

// RepoStatus represents the sync lifecycle of a repository
type RepoStatus string

const (
	RepoStatusPending RepoStatus = "pending"
	RepoStatusSyncing RepoStatus = "syncing"
	RepoStatusActive  RepoStatus = "active"
	RepoStatusError   RepoStatus = "error"
)

// Token is a long-lived client credential. Only the SHA-256 hash of the
// secret is stored; the plaintext is returned exactly once at creation.
type Token struct {
	ID           string     `json:"id"`
	Description  string     `json:"description"`
	Hash         string     `json:"hash"` // hex of SHA-256 of the secret
	Permissions  Permission `json:"permissions"`
	RateLimitMax int        `json:"rate_limit_max"` // requests/hour, <=0 = unlimited
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

// Expired reports whether the token is past its expiry at the given time
func (t *Token) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && t.ExpiresAt.Before(now)
}

// Permission defines what a token may do
type Permission string

const (
	PermissionReadonly Permission = "readonly"
	PermissionWrite    Permission = "write"
)

// Session is a short-lived bearer credential for UI users. Sessions live
// only in the KV cache; there is no database row.
type Session struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// PackageVersion is one cached (name, version) metadata record.
// (Name, Version) is globally unique across repositories.
type PackageVersion struct {
	ID            string    `json:"id"`
	RepoID        string    `json:"repo_id"`
	Name          string    `json:"name"` // vendor/package
	Version       string    `json:"version"`
	ProxyDistURL  string    `json:"proxy_dist_url"`
	SourceDistURL string    `json:"source_dist_url,omitempty"`
	DistReference string    `json:"dist_reference,omitempty"`
	MetadataJSON  string    `json:"metadata_json,omitempty"`
	Description   string    `json:"description,omitempty"`
	LicenseJSON   string    `json:"license_json,omitempty"`
	Type          string    `json:"type,omitempty"`
	Homepage      string    `json:"homepage,omitempty"`
	ReleasedAt    time.Time `json:"released_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// Artifact tracks mirrored ZIP bytes for a package version. At most one
// row exists per (RepoID, Name, Version).
type Artifact struct {
	ID               string     `json:"id"`
	RepoID           string     `json:"repo_id"`
	Name             string     `json:"name"`
	Version          string     `json:"version"`
	StorageKey       string     `json:"storage_key"`
	SizeBytes        int64      `json:"size_bytes,omitempty"`
	DownloadCount    int64      `json:"download_count"`
	LastDownloadedAt *time.Time `json:"last_downloaded_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// JobType identifies a deferred unit of work
type JobType string

const (
	JobTokenTouched       JobType = "token.touched"
	JobArtifactDownloaded JobType = "artifact.downloaded"
	JobRepositorySync     JobType = "repository.sync"
)

// Job is a deferred unit of work handed to the job processor. Jobs are
// duplicate-safe: handlers tolerate at-least-once delivery.
type Job struct {
	Type       JobType `json:"type"`
	TokenID    string  `json:"token_id,omitempty"`
	ArtifactID string  `json:"artifact_id,omitempty"`
	RepoID     string  `json:"repo_id,omitempty"`
	Timestamp  int64   `json:"timestamp,omitempty"` // unix seconds
}

// CacheMode records how a request was fulfilled, echoed in the X-Cache
// response header
type CacheMode string

const (
	CacheHitKV         CacheMode = "HIT-KV"
	CacheHitDB         CacheMode = "HIT-DB"
	CacheMissUpstream  CacheMode = "MISS-UPSTREAM"
	CacheMissPackagist CacheMode = "MISS-PACKAGIST"
)

// SyncResult summarizes one sync engine run
type SyncResult struct {
	OK       bool   `json:"ok"`
	Packages int    `json:"packages"`
	Strategy string `json:"strategy,omitempty"`
	Error    string `json:"error,omitempty"`
}
