package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/packrat-io/packrat/pkg/clock"
	"github.com/packrat-io/packrat/pkg/kv"
	"github.com/packrat-io/packrat/pkg/storage"
	"github.com/packrat-io/packrat/pkg/types"
)

type captureEnqueuer struct {
	mu   sync.Mutex
	jobs []types.Job
}

func (c *captureEnqueuer) Enqueue(ctx context.Context, job types.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, job)
	return nil
}

func (c *captureEnqueuer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

func newTestAuth(t *testing.T) (*Authenticator, storage.Store, *kv.Memory, *clock.Fake, *captureEnqueuer) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	clk := clock.NewFake(time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC))
	cache := kv.NewMemory(clk)
	jobs := &captureEnqueuer{}
	return NewAuthenticator(store, cache, clk, jobs), store, cache, clk, jobs
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func request(authorization string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/p2/vendor/pkg.json", nil)
	if authorization != "" {
		r.Header.Set("Authorization", authorization)
	}
	return r
}

func TestAuthenticateMissingHeader(t *testing.T) {
	a, _, _, _, _ := newTestAuth(t)

	_, err := a.Authenticate(context.Background(), request(""))
	if !errors.Is(err, ErrNoCredentials) {
		t.Errorf("error = %v, want ErrNoCredentials", err)
	}
}

func TestAuthenticateBasicToken(t *testing.T) {
	a, store, _, _, jobs := newTestAuth(t)

	secret := "s3cret"
	if err := store.CreateToken(&types.Token{
		ID:           "tok-1",
		Hash:         HashSecret(secret),
		Permissions:  types.PermissionWrite,
		RateLimitMax: 100,
	}); err != nil {
		t.Fatal(err)
	}

	p, err := a.Authenticate(context.Background(), request(basicAuth("token", secret)))
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	tp, ok := p.(TokenPrincipal)
	if !ok {
		t.Fatalf("principal = %T, want TokenPrincipal", p)
	}
	if tp.TokenID != "tok-1" || tp.Permissions != types.PermissionWrite || tp.RateLimitMax != 100 {
		t.Errorf("principal = %+v", tp)
	}
	if jobs.count() != 1 || jobs.jobs[0].Type != types.JobTokenTouched {
		t.Errorf("expected one TokenTouched job, got %v", jobs.jobs)
	}
}

func TestAuthenticateInvalidSecret(t *testing.T) {
	a, store, _, _, jobs := newTestAuth(t)

	if err := store.CreateToken(&types.Token{ID: "tok-1", Hash: HashSecret("right")}); err != nil {
		t.Fatal(err)
	}

	_, err := a.Authenticate(context.Background(), request(basicAuth("token", "wrong")))
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("error = %v, want ErrInvalidToken", err)
	}
	// No usage tracking for rejected credentials
	if jobs.count() != 0 {
		t.Errorf("jobs enqueued for invalid credential: %v", jobs.jobs)
	}
}

func TestAuthenticateWrongBasicUsername(t *testing.T) {
	a, _, _, _, _ := newTestAuth(t)

	_, err := a.Authenticate(context.Background(), request(basicAuth("admin", "whatever")))
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("error = %v, want ErrInvalidToken", err)
	}
}

func TestAuthenticateExpiredToken(t *testing.T) {
	a, store, _, clk, _ := newTestAuth(t)

	expired := clk.Now().Add(-time.Minute)
	if err := store.CreateToken(&types.Token{
		ID:        "tok-1",
		Hash:      HashSecret("s"),
		ExpiresAt: &expired,
	}); err != nil {
		t.Fatal(err)
	}

	_, err := a.Authenticate(context.Background(), request(basicAuth("token", "s")))
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("error = %v, want ErrExpiredToken", err)
	}
}

func TestBurstCacheStaleness(t *testing.T) {
	a, store, _, clk, _ := newTestAuth(t)

	if err := store.CreateToken(&types.Token{ID: "tok-1", Hash: HashSecret("s")}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if _, err := a.Authenticate(ctx, request(basicAuth("token", "s"))); err != nil {
		t.Fatalf("first Authenticate() error = %v", err)
	}

	// Revoke the token; the burst cache keeps it alive briefly
	if err := store.DeleteToken("tok-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Authenticate(ctx, request(basicAuth("token", "s"))); err != nil {
		t.Errorf("within burst TTL: error = %v, want cached acceptance", err)
	}

	clk.Advance(6 * time.Second)
	if _, err := a.Authenticate(ctx, request(basicAuth("token", "s"))); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("after burst TTL: error = %v, want ErrInvalidToken", err)
	}
}

func TestAuthenticateSession(t *testing.T) {
	a, _, cache, _, _ := newTestAuth(t)

	session := types.Session{Token: "sess-1", UserID: "u-1", Email: "dev@example.com"}
	data, _ := json.Marshal(session)
	if err := cache.Put(context.Background(), kv.SessionKey("sess-1"), string(data), time.Hour); err != nil {
		t.Fatal(err)
	}

	p, err := a.Authenticate(context.Background(), request("Bearer sess-1"))
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	sp, ok := p.(SessionPrincipal)
	if !ok {
		t.Fatalf("principal = %T, want SessionPrincipal", p)
	}
	if sp.UserID != "u-1" || sp.Email != "dev@example.com" {
		t.Errorf("principal = %+v", sp)
	}
}

func TestAuthenticateSessionWithoutCache(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	a := NewAuthenticator(store, nil, nil, nil)

	_, err = a.Authenticate(context.Background(), request("Bearer sess-1"))
	if !errors.Is(err, ErrSessionUnavailable) {
		t.Errorf("error = %v, want ErrSessionUnavailable", err)
	}
}

func TestCanWrite(t *testing.T) {
	tests := []struct {
		name string
		p    Principal
		want bool
	}{
		{name: "session can write", p: SessionPrincipal{UserID: "u"}, want: true},
		{name: "write token", p: TokenPrincipal{Permissions: types.PermissionWrite}, want: true},
		{name: "readonly token", p: TokenPrincipal{Permissions: types.PermissionReadonly}, want: false},
		{name: "nil principal", p: nil, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanWrite(tt.p); got != tt.want {
				t.Errorf("CanWrite() = %v, want %v", got, tt.want)
			}
		})
	}
}
