/*
Package storage provides BoltDB-backed state persistence for Packrat.

The storage package implements the Store interface using BoltDB as the
underlying database, providing ACID transactions for repositories,
tokens, cached package versions, and artifact accounting. All data is
serialized as JSON and stored in separate buckets.

# Bucket Structure

	repositories  key: repository ID
	tokens        key: token ID (lookup by hash scans)
	packages      key: name@version   (globally unique natural key)
	artifacts     key: repo|name@version

Keying packages by their natural (name, version) key makes the upsert a
plain Put and gives ListPackageVersionsByName a cheap prefix cursor.

# Transaction Model

  - Read: db.View() - concurrent, consistent snapshots
  - Write: db.Update() - serialized, atomic commits with fsync

Read-modify-write operations that must stay atomic under concurrent
requests (TouchToken, RecordDownload) run inside a single Update
transaction, which is what keeps last_used_at monotone and
download_count non-decreasing.

# Design Patterns

Upsert Pattern:
  - Create and Update use the same Put; UpsertPackageVersion and
    UpsertArtifact preserve first-seen identity and counters

Cascade Delete:
  - DeleteRepository removes the repository's packages and artifacts in
    the same transaction

Filter Pattern:
  - Secondary lookups (token by hash, artifact by ID) scan and filter in
    memory; entity counts are small enough that indexes would not pay
    for themselves

# Usage

	store, err := storage.NewBoltStore("/var/lib/packrat")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	token, err := store.GetTokenByHash(hash)
	if errors.Is(err, storage.ErrNotFound) {
		// unknown credential
	}

# See Also

  - pkg/types for all entity definitions
  - pkg/metadata and pkg/mirror for the read/write paths
  - BoltDB documentation: https://github.com/etcd-io/bbolt
*/
package storage
