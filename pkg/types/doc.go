/*
Package types defines the core data structures used throughout Packrat.

This package contains all fundamental types that represent Packrat's domain
model: upstream repositories, client tokens, UI sessions, cached package
versions, mirrored artifacts, and deferred jobs. These types are used by
all other packages for persistence, HTTP responses, and background work.

# Core Types

Upstream sources:
  - Repository: a configured upstream (public registry, self-hosted
    Composer repository, or Git host)
  - SourceKind: composer or git
  - CredentialKind: none, http_basic, git_token
  - RepoStatus: pending, syncing, active, error

Credentials:
  - Token: long-lived client credential, stored as SHA-256 hash
  - Permission: readonly or write
  - Session: short-lived bearer credential, KV-cache only

Cached packages:
  - PackageVersion: one (name, version) metadata record with a proxy
    dist URL that never leaks upstream addresses
  - Artifact: mirrored ZIP bytes with download accounting

Deferred work:
  - Job: a duplicate-safe unit handed to the job processor
  - JobType: token.touched, artifact.downloaded, repository.sync

# Design Patterns

Enumeration Pattern:

	All enums use typed string constants for safety and clarity:
	  type RepoStatus string
	  const (
	      RepoStatusPending RepoStatus = "pending"
	      RepoStatusActive  RepoStatus = "active"
	  )

Optional Fields:

	Optional timestamps use pointers (*time.Time): nil means never.

# Thread Safety

Types in this package carry no locks. The storage layer serializes
writes; in-memory caches implement their own locking.

# Integration Points

This package integrates with:

  - pkg/storage: persists repositories, tokens, packages, artifacts
  - pkg/auth: validates tokens and sessions
  - pkg/jobs: executes Job values
  - pkg/metadata, pkg/mirror, pkg/reposync: read and write package state
*/
package types
