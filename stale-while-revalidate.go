package offlinecache

import (
	"context"
	"net/http"

	"github.com/createinquiry/ifd-prototype/cache"
	cachekey "github.com/createinquiry/ifd-prototype/pkg/cache-key"
	serializer "github.com/createinquiry/ifd-prototype/pkg/response-serializer"
	"github.com/createinquiry/ifd-prototype/rfc9211"
)

// revalidated is the outcome of a background refresh.
type revalidated struct {
	Snapshot *serializer.Snapshot
	// Stored is set when the snapshot replaced the cached entry.
	Stored bool
}

// staleWhileRevalidate serves data requests from the data store and refreshes
// the entry in the background on every request.
func (rt *Router) staleWhileRevalidate(ctx context.Context, r *http.Request) (Result, error) {
	res := Result{Strategy: StaleWhileRevalidate}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		res.Status.Forward(rfc9211.FwdReasonMethod)
		fresh, err := rt.fetch(ctx, r)
		if err != nil {
			return rt.fallback(ctx, res, err, rt.policy.OfflinePage())
		}
		res.Snapshot = fresh
		return res, nil
	}

	store, err := rt.storage.Open(ctx, rt.policy.Versions.Data)
	if err != nil {
		rt.log.Error().Err(err).Str("store", rt.policy.Versions.Data).Msg("Could not open data store")
		res.Status.Forward(rfc9211.FwdReasonMiss)
		fresh, err := rt.fetch(ctx, r)
		if err != nil {
			return rt.fallback(ctx, res, err, rt.policy.OfflinePage())
		}
		res.Snapshot = fresh
		return res, nil
	}

	key := cachekey.ForRequest(r)
	// read first: a refresh started by this request must never be what it reads
	cached, reason := rt.match(ctx, key, r, store)
	pending := rt.revalidate(key, r, store)
	if cached != nil {
		res.Snapshot = cached
		res.Status.Hit()
		return res, nil
	}

	res.Status.Forward(reason)
	v, err := pending.Wait(ctx)
	if err == nil && v.Snapshot != nil {
		if v.Snapshot.Matches(r) {
			res.Snapshot = v.Snapshot
			res.Status.Stored = v.Stored
			return res, nil
		}
		// joined a refresh started by a request for another variant
		fresh, ferr := rt.fetch(ctx, r)
		if ferr == nil {
			res.Snapshot = fresh
			return res, nil
		}
		err = ferr
	}
	return rt.fallback(ctx, res, err, rt.policy.OfflinePage())
}

// revalidate refreshes key from the network in the background, joining a
// refresh of the same key that is already running.
// The refresh only ever stores 200 responses. Its errors end up in the
// returned future and nowhere else.
func (rt *Router) revalidate(key string, r *http.Request, store cache.Store) *Future[revalidated] {
	req := r.Clone(context.Background())
	req.Body = http.NoBody
	req.ContentLength = 0

	return rt.inflight.start(key, func(ctx context.Context) (revalidated, error) {
		fresh, err := rt.fetcher.Fetch(ctx, req)
		if err != nil {
			rt.log.Debug().Err(err).Str("key", key).Msg("Revalidation failed")
			return revalidated{}, err
		}
		out := revalidated{Snapshot: fresh}
		if fresh.StatusCode != http.StatusOK {
			return out, nil
		}
		if err := rt.put(ctx, store, key, fresh); err != nil {
			rt.log.Warn().Err(err).Str("key", key).Msg("Could not store revalidated response")
		} else {
			out.Stored = true
		}
		return out, nil
	})
}
