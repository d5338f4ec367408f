package auth

import (
	"context"
	"testing"
	"time"

	"github.com/packrat-io/packrat/pkg/clock"
	"github.com/packrat-io/packrat/pkg/kv"
)

func TestRateLimiterEnforcesLimit(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(kv.NewMemory(clk), clk)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if !rl.Allow(ctx, "tok-1", 2) {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
	}
	if rl.Allow(ctx, "tok-1", 2) {
		t.Error("third request allowed, want denied")
	}
}

func TestRateLimiterResetsNextHour(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 10, 59, 0, 0, time.UTC))
	rl := NewRateLimiter(kv.NewMemory(clk), clk)
	ctx := context.Background()

	if !rl.Allow(ctx, "tok-1", 1) {
		t.Fatal("first request denied")
	}
	if rl.Allow(ctx, "tok-1", 1) {
		t.Fatal("second request in same hour allowed")
	}

	clk.Advance(2 * time.Minute) // crosses the hour boundary
	if !rl.Allow(ctx, "tok-1", 1) {
		t.Error("request in new hour window denied")
	}
}

func TestRateLimiterUnlimited(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(kv.NewMemory(clk), clk)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		if !rl.Allow(ctx, "tok-1", 0) {
			t.Fatalf("request %d denied under unlimited token", i+1)
		}
	}
}

func TestRateLimiterWithoutCache(t *testing.T) {
	rl := NewRateLimiter(nil, nil)

	for i := 0; i < 10; i++ {
		if !rl.Allow(context.Background(), "tok-1", 1) {
			t.Fatal("request denied with no KV cache, want fail-open")
		}
	}
}

func TestRateLimiterIsolatesTokens(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(kv.NewMemory(clk), clk)
	ctx := context.Background()

	if !rl.Allow(ctx, "tok-1", 1) {
		t.Fatal("tok-1 first request denied")
	}
	if !rl.Allow(ctx, "tok-2", 1) {
		t.Error("tok-2 affected by tok-1's counter")
	}
}
