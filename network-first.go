package offlinecache

import (
	"context"
	"net/http"

	cachekey "github.com/createinquiry/ifd-prototype/pkg/cache-key"
	serializer "github.com/createinquiry/ifd-prototype/pkg/response-serializer"
	"github.com/createinquiry/ifd-prototype/rfc9211"
)

// networkFirst serves navigations from the network.
// Every successful GET navigation becomes the cached root document, so the last
// document seen online is the one served offline.
func (rt *Router) networkFirst(ctx context.Context, r *http.Request) (Result, error) {
	res := Result{Strategy: NetworkFirst}
	res.Status.Forward(rfc9211.FwdReasonRequest)

	fresh, err := rt.fetch(ctx, r)
	if err != nil {
		rt.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Navigation failed, falling back to cache")
		return rt.fallback(ctx, res, err, rt.policy.RootDocument(), rt.policy.OfflinePage())
	}
	res.Snapshot = fresh

	if r.Method == http.MethodGet {
		// the client may leave as soon as it has the response; the write must not depend on it
		if err := rt.storeRootDocument(context.WithoutCancel(ctx), fresh); err != nil {
			rt.log.Error().Err(err).Msg("Could not refresh root document")
		} else {
			res.Status.Stored = true
		}
	}
	return res, nil
}

func (rt *Router) storeRootDocument(ctx context.Context, fresh *serializer.Snapshot) error {
	store, err := rt.storage.Open(ctx, rt.policy.Versions.Shell)
	if err != nil {
		return err
	}
	return rt.put(ctx, store, cachekey.ForPath(rt.policy.RootDocument()), fresh)
}
