package offlinecache

import (
	"context"
	"net/http"
	"sync"

	perrors "github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"

	cachekey "github.com/createinquiry/ifd-prototype/pkg/cache-key"
	serializer "github.com/createinquiry/ifd-prototype/pkg/response-serializer"
)

const (
	// MessageRefreshData asks for every cached data entry to be refetched.
	MessageRefreshData = "REFRESH_DATA"
)

// number of concurrent refetches for a data refresh
const refreshConcurrency = 4

// Message is an inbound notification from a page.
type Message struct {
	Type string `json:"type"`
}

// RefreshReport lists the data keys a refresh updated and those it could not.
type RefreshReport struct {
	Refreshed []string `json:"refreshed"`
	Failed    []string `json:"failed"`
}

// RefreshData revalidates every entry of the data store, waiting for all of them.
// Entries that fail to refresh keep their cached content.
func (rt *Router) RefreshData(ctx context.Context) (RefreshReport, error) {
	var report RefreshReport
	store, err := rt.storage.Open(ctx, rt.policy.Versions.Data)
	if err != nil {
		return report, perrors.Wrapf(err, perrors.CodeDatabase, "opening store %s", rt.policy.Versions.Data)
	}
	keys, err := store.Keys(ctx)
	if err != nil {
		return report, perrors.Wrapf(err, perrors.CodeDatabase, "listing keys of %s", store.Name())
	}

	var mu sync.Mutex
	record := func(key string, ok bool) {
		mu.Lock()
		defer mu.Unlock()
		if ok {
			report.Refreshed = append(report.Refreshed, key)
		} else {
			report.Failed = append(report.Failed, key)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			req, err := rt.requestForKey(gctx, key)
			if err != nil {
				rt.log.Debug().Err(err).Str("key", key).Msg("Cannot refresh entry")
				record(key, false)
				return nil
			}
			v, err := rt.revalidate(key, req, store).Wait(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				record(key, false)
				return nil
			}
			record(key, v.Stored)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, perrors.Wrap(err, perrors.CodeTimeout, "refreshing data")
	}
	rt.log.Info().Int("refreshed", len(report.Refreshed)).Int("failed", len(report.Failed)).Msg("Refreshed data")
	return report, nil
}

// requestForKey rebuilds the request a data entry was stored for, preferring
// the one recorded in the entry so Vary'd headers are sent again.
func (rt *Router) requestForKey(ctx context.Context, key string) (*http.Request, error) {
	store, err := rt.storage.Open(ctx, rt.policy.Versions.Data)
	if err != nil {
		return nil, err
	}
	entry, ok, err := store.Match(ctx, key)
	if err == nil && ok {
		if s, err := serializer.BytesToSnapshot(entry.Bytes); err == nil && s.Request != nil && s.Request.Method == http.MethodGet {
			return s.Request.Clone(ctx), nil
		}
	}
	return cachekey.RequestFromKey(key)
}
