package offlinecache

import (
	"context"
	"sync"
	"time"
)

// revalidations is the registry of running background refreshes, keyed by cache key.
// A key has at most one refresh in flight; later requests join it.
type revalidations struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration

	mu       sync.Mutex
	inflight map[string]*Future[revalidated]
	closed   bool
	wg       sync.WaitGroup
}

func newRevalidations(timeout time.Duration) *revalidations {
	ctx, cancel := context.WithCancel(context.Background())
	return &revalidations{
		ctx:      ctx,
		cancel:   cancel,
		timeout:  timeout,
		inflight: make(map[string]*Future[revalidated]),
	}
}

// start runs fn for key unless a run for key is already in flight, in which
// case the running one is returned.
func (rv *revalidations) start(key string, fn func(ctx context.Context) (revalidated, error)) *Future[revalidated] {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	if rv.closed {
		return Resolved(revalidated{}, ErrClosed)
	}
	if f, ok := rv.inflight[key]; ok {
		return f
	}

	f := newFuture[revalidated]()
	rv.inflight[key] = f
	rv.wg.Add(1)
	go func() {
		defer rv.wg.Done()
		ctx, cancel := context.WithTimeout(rv.ctx, rv.timeout)
		defer cancel()
		v, err := call(func() (revalidated, error) {
			return fn(ctx)
		})
		// unregister before resolving, so whoever sees the result can start a new run
		rv.mu.Lock()
		delete(rv.inflight, key)
		rv.mu.Unlock()
		f.resolve(v, err)
	}()
	return f
}

func (rv *revalidations) len() int {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	return len(rv.inflight)
}

// shutdown cancels every run and waits for all of them until ctx is done.
// No new runs are accepted afterwards.
func (rv *revalidations) shutdown(ctx context.Context) error {
	rv.mu.Lock()
	rv.closed = true
	rv.mu.Unlock()
	rv.cancel()

	done := make(chan struct{})
	go func() {
		rv.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
