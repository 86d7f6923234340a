package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/createinquiry/ifd-prototype/cache"
	serializer "github.com/createinquiry/ifd-prototype/pkg/response-serializer"
)

type stubResponse struct {
	status      int
	body        string
	contentType string
}

// origin is a Fetcher standing in for the network.
type origin struct {
	mu        sync.Mutex
	responses map[string]stubResponse
	calls     map[string]int
	failing   map[string]bool
	offline   bool
	gate      chan struct{}
}

func newOrigin() *origin {
	return &origin{
		responses: make(map[string]stubResponse),
		calls:     make(map[string]int),
		failing:   make(map[string]bool),
	}
}

// withShell serves the default shell assets.
func (o *origin) withShell() *origin {
	o.set("/", http.StatusOK, "home")
	o.set("/index.html", http.StatusOK, "shell")
	o.set("/offline.html", http.StatusOK, "offline")
	return o
}

func (o *origin) set(path string, status int, body string) {
	ct := "text/html"
	if strings.HasSuffix(path, ".json") {
		ct = "application/json"
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.responses[path] = stubResponse{status: status, body: body, contentType: ct}
}

func (o *origin) fail(path string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failing[path] = true
}

func (o *origin) setOffline(offline bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.offline = offline
}

// block holds every fetch until the returned function is called.
func (o *origin) block() (release func()) {
	gate := make(chan struct{})
	o.mu.Lock()
	o.gate = gate
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		o.gate = nil
		o.mu.Unlock()
		close(gate)
	}
}

func (o *origin) count(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[path]
}

func (o *origin) Fetch(ctx context.Context, r *http.Request) (*serializer.Snapshot, error) {
	o.mu.Lock()
	o.calls[r.URL.Path]++
	gate := o.gate
	o.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrNetwork, ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.offline || o.failing[r.URL.Path] {
		return nil, fmt.Errorf("%w: connection refused", ErrNetwork)
	}
	res, ok := o.responses[r.URL.Path]
	if !ok {
		return serializer.New(r, http.StatusNotFound, http.Header{}, []byte("not found")), nil
	}
	header := http.Header{}
	header.Set("Content-Type", res.contentType)
	return serializer.New(r, res.status, header, []byte(res.body)), nil
}

func testLogger() *zerolog.Logger {
	logger := zerolog.Nop()
	return &logger
}

func newTestCache(t *testing.T, o *origin, config Config) *OfflineCache {
	t.Helper()
	config.Logger = testLogger()
	config.Fetcher = o
	if config.Storage == nil {
		config.Storage = cache.NewMemoryStorage()
	}
	a, err := CreateCache(config)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

// newStartedCache returns an installed and activated cache.
func newStartedCache(t *testing.T, o *origin, config Config) *OfflineCache {
	t.Helper()
	a := newTestCache(t, o, config)
	require.NoError(t, a.Start(context.Background()))
	return a
}

func navigate(path string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	r.Header.Set("Sec-Fetch-Mode", "navigate")
	r.Header.Set("Accept", "text/html")
	return r
}

func subresource(method, path, accept string) *http.Request {
	r := httptest.NewRequest(method, path, nil)
	r.Header.Set("Sec-Fetch-Mode", "no-cors")
	if accept != "" {
		r.Header.Set("Accept", accept)
	}
	return r
}

func body(res Result) string {
	if res.Snapshot == nil {
		return ""
	}
	return string(res.Snapshot.Body)
}

// stored returns the body stored under key in the named store.
func stored(t *testing.T, s cache.Storage, name, key string) (string, bool) {
	t.Helper()
	ctx := context.Background()
	store, err := s.Open(ctx, name)
	require.NoError(t, err)
	entry, ok, err := store.Match(ctx, key)
	require.NoError(t, err)
	if !ok {
		return "", false
	}
	snapshot, err := serializer.BytesToSnapshot(entry.Bytes)
	require.NoError(t, err)
	return string(snapshot.Body), true
}
