package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/packrat-io/packrat/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketRepositories = []byte("repositories")
	bucketTokens       = []byte("tokens")
	bucketPackages     = []byte("packages")
	bucketArtifacts    = []byte("artifacts")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "packrat.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketRepositories,
			bucketTokens,
			bucketPackages,
			bucketArtifacts,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// packageKey is the natural key of a package version: name@version is
// globally unique, so upserts are plain Puts.
func packageKey(name, version string) []byte {
	return []byte(name + "@" + version)
}

// artifactKey is the natural key of an artifact row
func artifactKey(repoID, name, version string) []byte {
	return []byte(repoID + "|" + name + "@" + version)
}

// Repository operations

func (s *BoltStore) CreateRepository(repo *types.Repository) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepositories)
		data, err := json.Marshal(repo)
		if err != nil {
			return err
		}
		return b.Put([]byte(repo.ID), data)
	})
}

func (s *BoltStore) GetRepository(id string) (*types.Repository, error) {
	var repo types.Repository
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepositories)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &repo)
	})
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

func (s *BoltStore) ListRepositories() ([]*types.Repository, error) {
	var repos []*types.Repository
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepositories)
		return b.ForEach(func(k, v []byte) error {
			var repo types.Repository
			if err := json.Unmarshal(v, &repo); err != nil {
				return err
			}
			repos = append(repos, &repo)
			return nil
		})
	})
	return repos, err
}

func (s *BoltStore) UpdateRepository(repo *types.Repository) error {
	return s.CreateRepository(repo) // Same as create (upsert)
}

func (s *BoltStore) DeleteRepository(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketRepositories).Delete([]byte(id)); err != nil {
			return err
		}

		// Cascade: drop the repository's packages and artifacts
		pb := tx.Bucket(bucketPackages)
		if err := deleteMatching(pb, func(v []byte) (bool, error) {
			var pv types.PackageVersion
			if err := json.Unmarshal(v, &pv); err != nil {
				return false, err
			}
			return pv.RepoID == id, nil
		}); err != nil {
			return err
		}

		ab := tx.Bucket(bucketArtifacts)
		prefix := []byte(id + "|")
		c := ab.Cursor()
		var stale [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := ab.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// deleteMatching removes every entry the predicate selects. Deletion is
// deferred past the iteration because bolt forbids mutating a bucket
// mid-ForEach.
func deleteMatching(b *bolt.Bucket, match func(v []byte) (bool, error)) error {
	var stale [][]byte
	err := b.ForEach(func(k, v []byte) error {
		ok, err := match(v)
		if err != nil {
			return err
		}
		if ok {
			stale = append(stale, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Token operations

func (s *BoltStore) CreateToken(token *types.Token) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		data, err := json.Marshal(token)
		if err != nil {
			return err
		}
		return b.Put([]byte(token.ID), data)
	})
}

func (s *BoltStore) GetToken(id string) (*types.Token, error) {
	var token types.Token
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &token)
	})
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (s *BoltStore) GetTokenByHash(hash string) (*types.Token, error) {
	var found *types.Token
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		return b.ForEach(func(k, v []byte) error {
			var token types.Token
			if err := json.Unmarshal(v, &token); err != nil {
				return err
			}
			if token.Hash == hash {
				found = &token
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *BoltStore) ListTokens() ([]*types.Token, error) {
	var tokens []*types.Token
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		return b.ForEach(func(k, v []byte) error {
			var token types.Token
			if err := json.Unmarshal(v, &token); err != nil {
				return err
			}
			tokens = append(tokens, &token)
			return nil
		})
	})
	return tokens, err
}

func (s *BoltStore) UpdateToken(token *types.Token) error {
	return s.CreateToken(token) // Same as create (upsert)
}

func (s *BoltStore) DeleteToken(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTokens).Delete([]byte(id))
	})
}

func (s *BoltStore) TouchToken(id string, usedAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var token types.Token
		if err := json.Unmarshal(data, &token); err != nil {
			return err
		}
		// last_used_at never moves backwards
		if token.LastUsedAt != nil && token.LastUsedAt.After(usedAt) {
			return nil
		}
		token.LastUsedAt = &usedAt
		out, err := json.Marshal(&token)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

// Package version operations

func (s *BoltStore) UpsertPackageVersion(pv *types.PackageVersion) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPackages)
		key := packageKey(pv.Name, pv.Version)

		// Preserve the first-seen date on re-insert
		if data := b.Get(key); data != nil {
			var existing types.PackageVersion
			if err := json.Unmarshal(data, &existing); err == nil {
				pv.ID = existing.ID
				pv.CreatedAt = existing.CreatedAt
			}
		}

		data, err := json.Marshal(pv)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) GetPackageVersion(name, version string) (*types.PackageVersion, error) {
	var pv types.PackageVersion
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPackages)
		data := b.Get(packageKey(name, version))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &pv)
	})
	if err != nil {
		return nil, err
	}
	return &pv, nil
}

func (s *BoltStore) ListPackageVersionsByName(name string) ([]*types.PackageVersion, error) {
	var versions []*types.PackageVersion
	prefix := []byte(name + "@")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPackages).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var pv types.PackageVersion
			if err := json.Unmarshal(v, &pv); err != nil {
				return err
			}
			versions = append(versions, &pv)
		}
		return nil
	})
	return versions, err
}

func (s *BoltStore) ListPackageVersions() ([]*types.PackageVersion, error) {
	var versions []*types.PackageVersion
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPackages)
		return b.ForEach(func(k, v []byte) error {
			var pv types.PackageVersion
			if err := json.Unmarshal(v, &pv); err != nil {
				return err
			}
			versions = append(versions, &pv)
			return nil
		})
	})
	return versions, err
}

// Artifact operations

func (s *BoltStore) UpsertArtifact(a *types.Artifact) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		key := artifactKey(a.RepoID, a.Name, a.Version)

		// Keep identity and counters across re-mirrors
		if data := b.Get(key); data != nil {
			var existing types.Artifact
			if err := json.Unmarshal(data, &existing); err == nil {
				a.ID = existing.ID
				a.CreatedAt = existing.CreatedAt
				a.DownloadCount = existing.DownloadCount
				if a.LastDownloadedAt == nil {
					a.LastDownloadedAt = existing.LastDownloadedAt
				}
			}
		}

		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) GetArtifact(id string) (*types.Artifact, error) {
	var found *types.Artifact
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		return b.ForEach(func(k, v []byte) error {
			var a types.Artifact
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.ID == id {
				found = &a
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *BoltStore) GetArtifactByCoords(repoID, name, version string) (*types.Artifact, error) {
	var a types.Artifact
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		data := b.Get(artifactKey(repoID, name, version))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) ListArtifacts() ([]*types.Artifact, error) {
	var artifacts []*types.Artifact
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		return b.ForEach(func(k, v []byte) error {
			var a types.Artifact
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			artifacts = append(artifacts, &a)
			return nil
		})
	})
	return artifacts, err
}

func (s *BoltStore) RecordDownload(id string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		var key []byte
		var artifact types.Artifact
		err := b.ForEach(func(k, v []byte) error {
			var a types.Artifact
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.ID == id {
				key = append([]byte(nil), k...)
				artifact = a
			}
			return nil
		})
		if err != nil {
			return err
		}
		if key == nil {
			return ErrNotFound
		}
		artifact.DownloadCount++
		artifact.LastDownloadedAt = &at
		data, err := json.Marshal(&artifact)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// Counts returns entity totals for the stats endpoint
func (s *BoltStore) Counts() (*Counts, error) {
	counts := &Counts{}
	err := s.db.View(func(tx *bolt.Tx) error {
		counts.Repositories = tx.Bucket(bucketRepositories).Stats().KeyN
		counts.Packages = tx.Bucket(bucketPackages).Stats().KeyN
		counts.Artifacts = tx.Bucket(bucketArtifacts).Stats().KeyN
		counts.Tokens = tx.Bucket(bucketTokens).Stats().KeyN
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}
