package offlinecache

import (
	"context"
	"errors"
	"net/http"

	cachekey "github.com/createinquiry/ifd-prototype/pkg/cache-key"
	"github.com/createinquiry/ifd-prototype/rfc9211"
)

// cacheFirst serves static assets from any store, going to the network on a miss.
// Fetched assets are not cached: only install puts assets into the shell store.
func (rt *Router) cacheFirst(ctx context.Context, r *http.Request) (Result, error) {
	res := Result{Strategy: CacheFirst}

	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		cached, reason := rt.match(ctx, cachekey.ForRequest(r), r, nil)
		if cached != nil {
			res.Snapshot = cached
			res.Status.Hit()
			return res, nil
		}
		res.Status.Forward(reason)
	} else {
		res.Status.Forward(rfc9211.FwdReasonMethod)
	}

	fresh, err := rt.fetch(ctx, r)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, errors.Join(ErrNoResponse, err)
	}
	res.Snapshot = fresh
	return res, nil
}
