package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/packrat-io/packrat/pkg/clock"
	"github.com/packrat-io/packrat/pkg/kv"
	"github.com/packrat-io/packrat/pkg/log"
	"github.com/packrat-io/packrat/pkg/storage"
	"github.com/packrat-io/packrat/pkg/types"
)

// burstTTL bounds how long a revoked token can keep authenticating from
// the KV cache
const burstTTL = 5 * time.Second

var (
	// ErrNoCredentials means the request carried no Authorization header
	ErrNoCredentials = errors.New("auth: no credentials")
	// ErrInvalidToken means the credential is unknown or malformed
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrExpiredToken means the token exists but is past its expiry
	ErrExpiredToken = errors.New("auth: token expired")
	// ErrSessionUnavailable means bearer auth was attempted without a KV cache
	ErrSessionUnavailable = errors.New("auth: sessions unavailable")
)

// Principal identifies the authenticated caller
type Principal interface {
	principal()
}

// SessionPrincipal is a UI user authenticated by bearer session
type SessionPrincipal struct {
	UserID string
	Email  string
}

func (SessionPrincipal) principal() {}

// TokenPrincipal is a client tool authenticated by package token
type TokenPrincipal struct {
	TokenID      string
	Permissions  types.Permission
	RateLimitMax int
}

func (TokenPrincipal) principal() {}

// CanWrite reports whether the principal may perform mutations
func CanWrite(p Principal) bool {
	switch v := p.(type) {
	case SessionPrincipal:
		return true
	case TokenPrincipal:
		return v.Permissions == types.PermissionWrite
	default:
		return false
	}
}

// Enqueuer defers non-critical writes; satisfied by the job processor
type Enqueuer interface {
	Enqueue(ctx context.Context, job types.Job) error
}

// Authenticator resolves Authorization headers to principals
type Authenticator struct {
	store storage.Store
	cache kv.Cache // nil disables sessions and the burst cache
	clk   clock.Clock
	jobs  Enqueuer
}

// NewAuthenticator creates an authenticator. cache and jobs may be nil.
func NewAuthenticator(store storage.Store, cache kv.Cache, clk clock.Clock, jobs Enqueuer) *Authenticator {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Authenticator{store: store, cache: cache, clk: clk, jobs: jobs}
}

// HashSecret computes the stored form of a token secret
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Authenticate inspects the Authorization header and produces the
// request principal. Recognized forms: missing, "Bearer <session>",
// "Basic base64(token:<secret>)".
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (Principal, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, ErrNoCredentials
	}

	if rest, ok := strings.CutPrefix(header, "Bearer "); ok {
		return a.authenticateSession(ctx, strings.TrimSpace(rest))
	}
	if rest, ok := strings.CutPrefix(header, "Basic "); ok {
		return a.authenticateBasic(ctx, strings.TrimSpace(rest))
	}
	return nil, ErrInvalidToken
}

func (a *Authenticator) authenticateSession(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	if a.cache == nil {
		return nil, ErrSessionUnavailable
	}
	raw, err := a.cache.Get(ctx, kv.SessionKey(token))
	if err != nil {
		if errors.Is(err, kv.ErrMiss) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("session lookup failed: %w", err)
	}
	var session types.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, ErrInvalidToken
	}
	return SessionPrincipal{UserID: session.UserID, Email: session.Email}, nil
}

func (a *Authenticator) authenticateBasic(ctx context.Context, encoded string) (Principal, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalidToken
	}
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok || username != "token" {
		return nil, ErrInvalidToken
	}

	token, err := a.lookupToken(ctx, HashSecret(password))
	if err != nil {
		return nil, err
	}

	now := a.clk.Now()
	if token.Expired(now) {
		return nil, ErrExpiredToken
	}

	if a.jobs != nil {
		// Usage tracking is advisory; never block or fail the request on it
		if err := a.jobs.Enqueue(ctx, types.Job{
			Type:      types.JobTokenTouched,
			TokenID:   token.ID,
			Timestamp: now.Unix(),
		}); err != nil {
			log.WithComponent("auth").Warn().Err(err).Msg("failed to enqueue token touch")
		}
	}

	return TokenPrincipal{
		TokenID:      token.ID,
		Permissions:  token.Permissions,
		RateLimitMax: token.RateLimitMax,
	}, nil
}

// lookupToken resolves a token hash through the 5-second burst cache,
// falling back to the database with write-through on miss.
func (a *Authenticator) lookupToken(ctx context.Context, hash string) (*types.Token, error) {
	if a.cache != nil {
		if raw, err := a.cache.Get(ctx, kv.TokenKey(hash)); err == nil {
			var token types.Token
			if err := json.Unmarshal([]byte(raw), &token); err == nil {
				return &token, nil
			}
			// Corrupt cache entry: fall through to the database
			_ = a.cache.Delete(ctx, kv.TokenKey(hash))
		}
	}

	token, err := a.store.GetTokenByHash(hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("token lookup failed: %w", err)
	}

	if a.cache != nil {
		if data, err := json.Marshal(token); err == nil {
			if err := a.cache.Put(ctx, kv.TokenKey(hash), string(data), burstTTL); err != nil {
				log.WithComponent("auth").Warn().Err(err).Msg("failed to cache token")
			}
		}
	}
	return token, nil
}
