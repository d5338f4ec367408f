package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/packrat-io/packrat/pkg/log"
)

// afterTimeout bounds each post-flush task
const afterTimeout = 60 * time.Second

type afterKey struct{}

// afterList collects tasks registered during one request
type afterList struct {
	mu  sync.Mutex
	fns []func(ctx context.Context)
}

// After registers fn to run once the response has flushed. The task
// gets a detached context so a client disconnect cannot cancel it, and
// graceful shutdown waits for it.
func After(r *http.Request, fn func(ctx context.Context)) {
	list, ok := r.Context().Value(afterKey{}).(*afterList)
	if !ok {
		// No executor in scope (tests calling handlers directly): run
		// inline so the work is never lost
		fn(context.WithoutCancel(r.Context()))
		return
	}
	list.mu.Lock()
	list.fns = append(list.fns, fn)
	list.mu.Unlock()
}

// withAfterExecutor injects the task list and drains it after the
// handler returns. Panics and errors in tasks are logged, never
// propagated.
func (s *Server) withAfterExecutor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		list := &afterList{}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), afterKey{}, list)))

		list.mu.Lock()
		fns := list.fns
		list.fns = nil
		list.mu.Unlock()

		for _, fn := range fns {
			s.bg.Add(1)
			go func(fn func(ctx context.Context)) {
				defer s.bg.Done()
				defer func() {
					if rec := recover(); rec != nil {
						log.WithComponent("server").Error().Any("panic", rec).Msg("background task panicked")
					}
				}()
				ctx, cancel := context.WithTimeout(context.Background(), afterTimeout)
				defer cancel()
				fn(ctx)
			}(fn)
		}
	})
}
