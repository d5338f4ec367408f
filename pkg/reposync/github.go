package reposync

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/packrat-io/packrat/pkg/log"
	"github.com/packrat-io/packrat/pkg/types"
)

// syncGitHub discovers packages from a GitHub repository. Two
// sub-strategies in order: a repository-hosted packages.json served
// raw, then the recursive tree API with composer.json discovery and one
// synthesized version per semver tag.
func (e *Engine) syncGitHub(ctx context.Context, repo *types.Repository) ([]*types.PackageVersion, string, error) {
	owner, name, err := splitGitHubURL(repo.URL)
	if err != nil {
		return nil, "github", err
	}

	if versions, ok := e.githubHostedIndex(ctx, repo, owner, name); ok {
		return versions, "github-registry", nil
	}

	versions, err := e.githubTree(ctx, repo, owner, name)
	return versions, "github-tree", err
}

// githubHostedIndex tries a packages.json committed to the repository
// itself, served through the raw host
func (e *Engine) githubHostedIndex(ctx context.Context, repo *types.Repository, owner, name string) ([]*types.PackageVersion, bool) {
	var index composerIndex
	rawURL := fmt.Sprintf("%s/%s/%s/HEAD/packages.json", e.GitHubRaw, owner, name)
	if err := e.fetchJSON(ctx, repo, rawURL, 2, &index); err != nil {
		return nil, false
	}
	if len(index.Packages) == 0 {
		return nil, false
	}

	var versions []*types.PackageVersion
	filter := filterSet(repo)
	for pkg, raw := range index.Packages {
		if filter != nil && !filter[pkg] {
			continue
		}
		versions = append(versions, e.decodeVersions(repo, pkg, raw)...)
	}
	return versions, true
}

type githubTreeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

type githubTag struct {
	Name       string `json:"name"`
	ZipballURL string `json:"zipball_url"`
	Commit     struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

// githubTree walks the recursive tree for composer.json files, reads
// each for its package name, then synthesizes one version per tag that
// parses as a semver
func (e *Engine) githubTree(ctx context.Context, repo *types.Repository, owner, name string) ([]*types.PackageVersion, error) {
	logger := log.WithRepo(repo.ID)

	var tree struct {
		Tree      []githubTreeEntry `json:"tree"`
		Truncated bool              `json:"truncated"`
	}
	treeURL := fmt.Sprintf("%s/repos/%s/%s/git/trees/HEAD?recursive=1", e.GitHubAPI, owner, name)
	if err := e.fetchJSON(ctx, repo, treeURL, 3, &tree); err != nil {
		return nil, fmt.Errorf("tree fetch failed: %w", err)
	}

	var manifests []string
	for _, entry := range tree.Tree {
		if entry.Type != "blob" || path.Base(entry.Path) != "composer.json" {
			continue
		}
		if strings.Contains(entry.Path, "vendor/") || strings.Contains(entry.Path, "node_modules/") {
			continue
		}
		manifests = append(manifests, entry.Path)
	}
	if len(manifests) == 0 {
		return nil, fmt.Errorf("no composer.json in %s/%s", owner, name)
	}

	filter := filterSet(repo)
	packages := map[string]map[string]any{}
	for _, manifest := range manifests {
		var composer map[string]any
		rawURL := fmt.Sprintf("%s/%s/%s/HEAD/%s", e.GitHubRaw, owner, name, manifest)
		if err := e.fetchJSON(ctx, repo, rawURL, 2, &composer); err != nil {
			logger.Warn().Err(err).Str("manifest", manifest).Msg("composer.json fetch failed")
			continue
		}
		pkg, _ := composer["name"].(string)
		if pkg == "" {
			continue
		}
		if filter != nil && !filter[pkg] {
			continue
		}
		packages[pkg] = composer
	}
	if len(packages) == 0 {
		return nil, fmt.Errorf("no usable composer.json in %s/%s", owner, name)
	}

	var tags []githubTag
	tagsURL := fmt.Sprintf("%s/repos/%s/%s/tags?per_page=100", e.GitHubAPI, owner, name)
	if err := e.fetchJSON(ctx, repo, tagsURL, 3, &tags); err != nil {
		return nil, fmt.Errorf("tags fetch failed: %w", err)
	}

	var versions []*types.PackageVersion
	for _, tag := range tags {
		if _, err := semver.NewVersion(strings.TrimPrefix(tag.Name, "v")); err != nil {
			continue
		}
		version := strings.TrimPrefix(tag.Name, "v")
		for pkg, composer := range packages {
			entry := make(map[string]any, len(composer)+2)
			for k, v := range composer {
				entry[k] = v
			}
			entry["version"] = version
			entry["dist"] = map[string]any{
				"type":      "zip",
				"url":       tag.ZipballURL,
				"reference": tag.Commit.SHA,
			}
			if pv := e.buildVersion(repo, pkg, entry); pv != nil {
				versions = append(versions, pv)
			}
		}
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("no semver tags in %s/%s", owner, name)
	}
	return versions, nil
}

// splitGitHubURL extracts owner and repository from a GitHub URL
func splitGitHubURL(raw string) (owner, name string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid repository url %q: %w", raw, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository url %q is not owner/name form", raw)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}
