package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/packrat-io/packrat/pkg/kv"
	"github.com/packrat-io/packrat/pkg/log"
	"github.com/packrat-io/packrat/pkg/types"
)

// Index assembles the top-level /packages.json discovery document.
//
// When any composer upstream is active, or public mirroring is enabled,
// the lazy-URL skeleton defers per-package lookups to the client.
// Otherwise the index enumerates every cached package from the
// database.
func (r *Resolver) Index(ctx context.Context, baseURL string) (*Result, error) {
	r.sweepPending(ctx)

	if r.cachingEnabled(ctx) {
		if raw, err := r.cache.Get(ctx, kv.IndexKey); err == nil {
			lm, _ := r.getMeta(ctx, kv.IndexMetaKey)
			return &Result{Body: []byte(raw), Mode: types.CacheHitKV, LastModified: lm}, nil
		}
	}

	repos, err := r.store.ListRepositories()
	if err != nil {
		return nil, fmt.Errorf("repository list failed: %w", err)
	}
	lazy := r.MirroringEnabled(ctx)
	if !lazy {
		for _, repo := range repos {
			if repo.SourceKind == types.SourceKindComposer && repo.Status == types.RepoStatusActive {
				lazy = true
				break
			}
		}
	}

	var body []byte
	if lazy {
		body, err = r.lazyIndex(baseURL)
	} else {
		body, err = r.enumeratedIndex(baseURL)
	}
	if err != nil {
		return nil, err
	}

	lm := r.cacheIndex(ctx, body)
	return &Result{Body: body, Mode: types.CacheHitDB, LastModified: lm}, nil
}

// sweepPending enqueues a sync for every repository still pending and
// invalidates the index caches when any was swept
func (r *Resolver) sweepPending(ctx context.Context) {
	if r.jobs == nil {
		return
	}
	repos, err := r.store.ListRepositories()
	if err != nil {
		log.WithComponent("metadata").Warn().Err(err).Msg("pending sweep failed")
		return
	}
	swept := false
	for _, repo := range repos {
		if repo.Status != types.RepoStatusPending {
			continue
		}
		if err := r.jobs.Enqueue(ctx, types.Job{Type: types.JobRepositorySync, RepoID: repo.ID}); err != nil {
			log.WithRepo(repo.ID).Warn().Err(err).Msg("failed to enqueue sync")
			continue
		}
		swept = true
	}
	if swept && r.cache != nil {
		for _, key := range []string{kv.IndexKey, kv.IndexMetaKey} {
			if err := r.cache.Delete(ctx, key); err != nil {
				log.WithComponent("metadata").Warn().Err(err).Msg("failed to invalidate index cache")
			}
		}
	}
}

func (r *Resolver) lazyIndex(baseURL string) ([]byte, error) {
	base := strings.TrimSuffix(baseURL, "/")
	return json.Marshal(map[string]any{
		"packages":           map[string]any{},
		"metadata-url":       base + "/p2/%package%.json",
		"providers-lazy-url": base + "/p2/%package%.json",
		"mirrors": []map[string]any{
			{
				"dist-url":  base + "/dist/m/%package%/%version%.zip",
				"preferred": true,
			},
		},
	})
}

func (r *Resolver) enumeratedIndex(baseURL string) ([]byte, error) {
	rows, err := r.store.ListPackageVersions()
	if err != nil {
		return nil, fmt.Errorf("package enumeration failed: %w", err)
	}

	packages := map[string][]map[string]any{}
	for _, row := range rows {
		entry := map[string]any{
			"name":    row.Name,
			"version": row.Version,
			"dist": map[string]any{
				"type":      "zip",
				"url":       NormalizeDistURL(row.ProxyDistURL),
				"reference": row.DistReference,
			},
		}
		if row.Description != "" {
			entry["description"] = row.Description
		}
		packages[row.Name] = append(packages[row.Name], entry)
	}

	return json.Marshal(map[string]any{"packages": packages})
}

func (r *Resolver) cacheIndex(ctx context.Context, body []byte) int64 {
	lm := r.clk.NowMs()
	if !r.cachingEnabled(ctx) {
		return lm
	}
	if err := r.cache.Put(ctx, kv.IndexKey, string(body), cacheTTL); err != nil {
		log.WithComponent("metadata").Warn().Err(err).Msg("failed to cache index")
		return lm
	}
	if err := r.putMeta(ctx, kv.IndexMetaKey, lm); err != nil {
		log.WithComponent("metadata").Warn().Err(err).Msg("failed to cache index marker")
	}
	return lm
}
