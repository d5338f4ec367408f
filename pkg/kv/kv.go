package kv

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned when a key is absent or expired
var ErrMiss = errors.New("kv: miss")

// Cache defines the key-value cache port. Values are strings (callers
// serialize JSON themselves). A ttl of zero means no expiry.
//
// All consumers tolerate a nil Cache: rate limiting becomes unlimited,
// the token burst cache is disabled, sessions are unavailable and
// metadata caching is skipped.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Well-known key builders. Keeping them here avoids fmt.Sprintf drift
// between the packages that read and write the same keys.

// SessionKey is where UI sessions live
func SessionKey(token string) string { return "session:" + token }

// TokenKey is the 5-second burst cache of a token-hash lookup
func TokenKey(hash string) string { return "token:" + hash }

// SettingMirroringEnabled toggles public-registry mirroring (absent = true)
const SettingMirroringEnabled = "settings:packagist_mirroring_enabled"

// SettingCachingEnabled toggles package metadata caching (absent = true)
const SettingCachingEnabled = "settings:package_caching_enabled"

// PackagistRepoExists caches the auto-creation check of the well-known repo
const PackagistRepoExists = "packagist_repo_exists"

// IndexKey holds the cached /packages.json body
const IndexKey = "packages:all:packages.json"

// IndexMetaKey holds {lastModified} for the index
const IndexMetaKey = "packages:all:packages.json:metadata"

// PackageKey holds the cached /p2 metadata document for one package
func PackageKey(name string) string { return "p2:" + name }

// PackageMetaKey holds {lastModified} for one package document
func PackageMetaKey(name string) string { return "p2:" + name + ":metadata" }
