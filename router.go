package offlinecache

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/createinquiry/ifd-prototype/cache"
	cachekey "github.com/createinquiry/ifd-prototype/pkg/cache-key"
	serializer "github.com/createinquiry/ifd-prototype/pkg/response-serializer"
	"github.com/createinquiry/ifd-prototype/rfc9211"
)

type Strategy int

const (
	NetworkFirst Strategy = iota
	StaleWhileRevalidate
	CacheFirst
)

func (s Strategy) String() string {
	switch s {
	case NetworkFirst:
		return "network-first"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	case CacheFirst:
		return "cache-first"
	}
	return "unknown"
}

// Classify selects the strategy for a request, looking at its metadata only.
// Navigation wins over data, data wins over everything else.
func (p Policy) Classify(r *http.Request) Strategy {
	if IsNavigation(r) {
		return NetworkFirst
	}
	if p.isData(r) {
		return StaleWhileRevalidate
	}
	return CacheFirst
}

func (p Policy) isData(r *http.Request) bool {
	for _, suffix := range p.dataSuffixes {
		if strings.HasSuffix(r.URL.Path, suffix) {
			return true
		}
	}
	accept, ok := headerValue(r.Header, "Accept")
	if !ok {
		return false
	}
	accept = strings.ToLower(accept)
	for _, t := range p.dataAcceptTypes {
		if strings.Contains(accept, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

// IsNavigation reports whether the request loads a full document.
// Browsers say so with Sec-Fetch-Mode; clients without fetch metadata are
// treated as navigating when they GET something accepting HTML.
func IsNavigation(r *http.Request) bool {
	if mode, ok := headerValue(r.Header, "Sec-Fetch-Mode"); ok {
		return strings.EqualFold(mode, "navigate")
	}
	if r.Method != http.MethodGet {
		return false
	}
	accept, ok := headerValue(r.Header, "Accept")
	return ok && strings.Contains(strings.ToLower(accept), "text/html")
}

// headerValue returns the joined values of a header and whether it was present at all.
func headerValue(h http.Header, name string) (string, bool) {
	values := h.Values(name)
	if len(values) == 0 {
		return "", false
	}
	return strings.Join(values, ", "), true
}

// Result is the outcome of handling one intercepted request.
type Result struct {
	Snapshot *serializer.Snapshot
	Strategy Strategy
	Status   rfc9211.CacheStatus
}

// Router dispatches intercepted requests to the strategy handlers.
type Router struct {
	policy   Policy
	storage  cache.Storage
	fetcher  Fetcher
	inflight *revalidations
	log      zerolog.Logger
}

func NewRouter(policy Policy, storage cache.Storage, fetcher Fetcher, logger zerolog.Logger) *Router {
	return &Router{
		policy:   policy,
		storage:  storage,
		fetcher:  fetcher,
		inflight: newRevalidations(policy.RevalidateTimeout()),
		log:      logger,
	}
}

// Handle answers the request with the strategy its classification selects.
// The returned error wraps ErrNoResponse when nothing could answer the
// request, or is the context's error when the caller went away.
func (rt *Router) Handle(ctx context.Context, r *http.Request) (Result, error) {
	switch rt.policy.Classify(r) {
	case NetworkFirst:
		return rt.networkFirst(ctx, r)
	case StaleWhileRevalidate:
		return rt.staleWhileRevalidate(ctx, r)
	default:
		return rt.cacheFirst(ctx, r)
	}
}

// InFlight returns the number of running background revalidations.
func (rt *Router) InFlight() int {
	return rt.inflight.len()
}

// Shutdown cancels all background revalidations and waits for them to finish.
func (rt *Router) Shutdown(ctx context.Context) error {
	return rt.inflight.shutdown(ctx)
}

// match looks key up in store, or in every store if store is nil.
// A nil req skips the Vary check.
// Storage errors are logged and reported as misses.
func (rt *Router) match(ctx context.Context, key string, req *http.Request, store cache.Store) (*serializer.Snapshot, rfc9211.FwdReason) {
	var (
		entry cache.Entry
		found bool
		err   error
	)
	if store != nil {
		entry, found, err = store.Match(ctx, key)
	} else {
		entry, found, err = cache.Match(ctx, rt.storage, key)
	}
	if err != nil {
		rt.log.Error().Err(err).Str("key", key).Msg("Could not read from cache")
		return nil, rfc9211.FwdReasonMiss
	}
	if !found {
		return nil, rfc9211.FwdReasonUriMiss
	}
	snapshot, err := serializer.BytesToSnapshot(entry.Bytes)
	if err != nil {
		rt.log.Warn().Err(err).Str("key", key).Msg("Dropping unreadable cache entry")
		if store != nil {
			if _, err := store.Delete(ctx, key); err != nil {
				rt.log.Error().Err(err).Str("key", key).Msg("Could not delete cache entry")
			}
		}
		return nil, rfc9211.FwdReasonMiss
	}
	if req != nil && !snapshot.Matches(req) {
		return nil, rfc9211.FwdReasonVaryMiss
	}
	return snapshot, ""
}

func (rt *Router) put(ctx context.Context, store cache.Store, key string, snapshot *serializer.Snapshot) error {
	b, err := serializer.SnapshotToBytes(snapshot)
	if err != nil {
		return err
	}
	rt.log.Trace().Str("store", store.Name()).Str("key", key).Msg("Writing to cache")
	return store.Put(ctx, cache.Entry{Key: key, StoredAt: snapshot.StoredAt, Bytes: b})
}

func (rt *Router) fetch(ctx context.Context, r *http.Request) (*serializer.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, rt.policy.NetworkTimeout())
	defer cancel()
	return rt.fetcher.Fetch(ctx, r)
}

// fallback answers from the first of the given paths found in any store.
func (rt *Router) fallback(ctx context.Context, res Result, cause error, paths ...string) (Result, error) {
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	for _, path := range paths {
		if snapshot, _ := rt.match(ctx, cachekey.ForPath(path), nil, nil); snapshot != nil {
			res.Snapshot = snapshot
			res.Status.Hit()
			res.Status.Detail = fallbackDetail(rt.policy, path)
			return res, nil
		}
	}
	if cause == nil {
		return res, ErrNoResponse
	}
	return res, errors.Join(ErrNoResponse, cause)
}

func fallbackDetail(p Policy, path string) string {
	switch path {
	case p.RootDocument():
		return "root-document"
	case p.OfflinePage():
		return "offline-page"
	}
	return ""
}
