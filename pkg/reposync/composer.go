package reposync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/packrat-io/packrat/pkg/log"
	"github.com/packrat-io/packrat/pkg/types"
)

// composerIndex is the subset of packages.json the sync cares about
type composerIndex struct {
	Packages         map[string]json.RawMessage `json:"packages"`
	ProvidersURL     string                     `json:"providers-url"`
	MetadataURL      string                     `json:"metadata-url"`
	ProviderIncludes map[string]providerHash    `json:"provider-includes"`
}

type providerHash struct {
	SHA256 string `json:"sha256"`
}

// syncComposer reads a Composer repository's packages.json. Three
// shapes exist in the wild: directly enumerated packages,
// provider-includes enumeration, and a pure lazy skeleton with nothing
// to enumerate.
func (e *Engine) syncComposer(ctx context.Context, repo *types.Repository) ([]*types.PackageVersion, string, error) {
	var index composerIndex
	indexURL := strings.TrimSuffix(repo.URL, "/") + "/packages.json"
	if err := e.fetchJSON(ctx, repo, indexURL, 3, &index); err != nil {
		return nil, "composer", fmt.Errorf("packages.json fetch failed: %w", err)
	}

	if len(index.ProviderIncludes) > 0 && index.ProvidersURL != "" {
		versions, err := e.syncProviderIncludes(ctx, repo, &index)
		return versions, "composer-providers", err
	}

	if len(index.Packages) > 0 {
		var versions []*types.PackageVersion
		filter := filterSet(repo)
		for name, raw := range index.Packages {
			if filter != nil && !filter[name] {
				continue
			}
			versions = append(versions, e.decodeVersions(repo, name, raw)...)
		}
		return versions, "composer", nil
	}

	// Lazy skeleton: connectivity verified, per-package metadata is
	// fetched on demand
	return nil, "composer-lazy", nil
}

// syncProviderIncludes walks the provider files, collects the package
// names this repository serves and fetches each package's metadata with
// %package% and %hash% substituted
func (e *Engine) syncProviderIncludes(ctx context.Context, repo *types.Repository, index *composerIndex) ([]*types.PackageVersion, error) {
	logger := log.WithRepo(repo.ID)
	filter := filterSet(repo)

	providers := map[string]providerHash{}
	for include, hash := range index.ProviderIncludes {
		path := strings.ReplaceAll(include, "%hash%", hash.SHA256)
		var file struct {
			Providers map[string]providerHash `json:"providers"`
		}
		if err := e.fetchJSON(ctx, repo, resolveURL(repo.URL, path), 2, &file); err != nil {
			logger.Warn().Err(err).Str("include", include).Msg("provider file fetch failed")
			continue
		}
		for name, h := range file.Providers {
			if filter != nil && !filter[name] {
				continue
			}
			providers[name] = h
		}
	}

	var versions []*types.PackageVersion
	failed := 0
	for name, hash := range providers {
		path := strings.ReplaceAll(index.ProvidersURL, "%package%", name)
		path = strings.ReplaceAll(path, "%hash%", hash.SHA256)

		var doc struct {
			Packages map[string]json.RawMessage `json:"packages"`
		}
		if err := e.fetchJSON(ctx, repo, resolveURL(repo.URL, path), 2, &doc); err != nil {
			logger.Warn().Err(err).Str("package", name).Msg("provider metadata fetch failed")
			failed++
			continue
		}
		versions = append(versions, e.decodeVersions(repo, name, doc.Packages[name])...)
	}

	if len(providers) > 0 && failed == len(providers) {
		return nil, fmt.Errorf("all %d provider fetches failed", failed)
	}
	return versions, nil
}

// decodeVersions accepts both metadata shapes: a version array
// (composer v2) and a version-keyed map (composer v1)
func (e *Engine) decodeVersions(repo *types.Repository, name string, raw json.RawMessage) []*types.PackageVersion {
	if len(raw) == 0 {
		return nil
	}

	var entries []map[string]any
	if err := json.Unmarshal(raw, &entries); err != nil {
		var keyed map[string]map[string]any
		if err := json.Unmarshal(raw, &keyed); err != nil {
			log.WithRepo(repo.ID).Warn().Str("package", name).Msg("unrecognized metadata shape")
			return nil
		}
		for version, entry := range keyed {
			if _, ok := entry["version"]; !ok {
				entry["version"] = version
			}
			entries = append(entries, entry)
		}
	}

	var out []*types.PackageVersion
	for _, entry := range entries {
		if pv := e.buildVersion(repo, name, entry); pv != nil {
			out = append(out, pv)
		}
	}
	return out
}

func filterSet(repo *types.Repository) map[string]bool {
	names := repo.FilterList()
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return set
}
