package storage

import (
	"errors"
	"time"

	"github.com/packrat-io/packrat/pkg/types"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("storage: not found")

// Counts summarizes stored entities for the stats endpoint
type Counts struct {
	Repositories int `json:"repositories"`
	Packages     int `json:"packages"`
	Artifacts    int `json:"artifacts"`
	Tokens       int `json:"tokens"`
}

// Store defines the interface for persistent state.
// Implemented by the BoltDB-backed store.
type Store interface {
	// Repositories
	CreateRepository(repo *types.Repository) error
	GetRepository(id string) (*types.Repository, error)
	ListRepositories() ([]*types.Repository, error)
	UpdateRepository(repo *types.Repository) error
	// DeleteRepository cascades to the repository's packages and artifacts
	DeleteRepository(id string) error

	// Tokens
	CreateToken(token *types.Token) error
	GetToken(id string) (*types.Token, error)
	GetTokenByHash(hash string) (*types.Token, error)
	ListTokens() ([]*types.Token, error)
	UpdateToken(token *types.Token) error
	DeleteToken(id string) error
	// TouchToken advances last_used_at, never moving it backwards
	TouchToken(id string, usedAt time.Time) error

	// Package versions, globally unique on (name, version)
	UpsertPackageVersion(pv *types.PackageVersion) error
	GetPackageVersion(name, version string) (*types.PackageVersion, error)
	ListPackageVersionsByName(name string) ([]*types.PackageVersion, error)
	ListPackageVersions() ([]*types.PackageVersion, error)

	// Artifacts, at most one per (repo, name, version)
	UpsertArtifact(a *types.Artifact) error
	GetArtifact(id string) (*types.Artifact, error)
	GetArtifactByCoords(repoID, name, version string) (*types.Artifact, error)
	ListArtifacts() ([]*types.Artifact, error)
	// RecordDownload bumps download_count and last_downloaded_at atomically
	RecordDownload(id string, at time.Time) error

	// Utility
	Counts() (*Counts, error)
	Close() error
}
