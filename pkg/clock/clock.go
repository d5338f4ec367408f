package clock

import (
	"sync"
	"time"
)

// Clock abstracts time for components that stamp or compare timestamps,
// so tests can drive the hour window of the rate limiter and token
// expiry deterministically.
type Clock interface {
	Now() time.Time
	NowMs() int64
}

// Real is the wall clock
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) NowMs() int64 { return time.Now().UnixMilli() }

// Fake is a settable clock for tests
type Fake struct {
	mu sync.Mutex
	t  time.Time
}

// NewFake creates a fake clock starting at t
func NewFake(t time.Time) *Fake {
	return &Fake{t: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *Fake) NowMs() int64 {
	return f.Now().UnixMilli()
}

// Advance moves the fake clock forward by d
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

// Set moves the fake clock to t
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.t = t
	f.mu.Unlock()
}
