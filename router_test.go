package offlinecache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/createinquiry/ifd-prototype/cache"
	cachekey "github.com/createinquiry/ifd-prototype/pkg/cache-key"
	serializer "github.com/createinquiry/ifd-prototype/pkg/response-serializer"
	"github.com/createinquiry/ifd-prototype/rfc9211"
)

func TestClassify(t *testing.T) {
	policy, err := NewPolicy(Config{})
	require.NoError(t, err)

	withHeaders := func(method, path string, headers map[string]string) *http.Request {
		r := httptest.NewRequest(method, path, nil)
		for k, v := range headers {
			r.Header.Set(k, v)
		}
		return r
	}

	tests := []struct {
		name string
		r    *http.Request
		want Strategy
	}{
		{"navigation", navigate("/chapter/1"), NetworkFirst},
		{"navigation wins over data suffix", navigate("/chapters.json"), NetworkFirst},
		{"html accept without fetch metadata", withHeaders("GET", "/", map[string]string{"Accept": "text/html,application/xhtml+xml"}), NetworkFirst},
		{"fetch metadata says no navigation", withHeaders("GET", "/", map[string]string{"Sec-Fetch-Mode": "cors", "Accept": "text/html"}), CacheFirst},
		{"post accepting html", withHeaders("POST", "/form", map[string]string{"Accept": "text/html"}), CacheFirst},
		{"data suffix", subresource("GET", "/data/chapter-1.json", ""), StaleWhileRevalidate},
		{"data suffix with query", subresource("GET", "/data/chapter-1.json?v=2", ""), StaleWhileRevalidate},
		{"json accept", subresource("GET", "/api/chapters", "application/json, text/plain"), StaleWhileRevalidate},
		{"json accept in upper case", subresource("GET", "/api/chapters", "Application/JSON"), StaleWhileRevalidate},
		{"no accept header", subresource("GET", "/icons/icon192.png", ""), CacheFirst},
		{"static asset", subresource("GET", "/app.css", "text/css"), CacheFirst},
		{"suffix only in query", subresource("GET", "/app.js?file=x.json", ""), CacheFirst},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, policy.Classify(tt.r))
		})
	}
}

func TestClassifyWithoutDataRules(t *testing.T) {
	policy, err := NewPolicy(Config{DataSuffixes: []string{}, DataAcceptTypes: []string{}})
	require.NoError(t, err)
	require.Equal(t, CacheFirst, policy.Classify(subresource("GET", "/a.json", "application/json")))
}

func TestStrategyString(t *testing.T) {
	require.Equal(t, "network-first", NetworkFirst.String())
	require.Equal(t, "stale-while-revalidate", StaleWhileRevalidate.String())
	require.Equal(t, "cache-first", CacheFirst.String())
}

func TestNavigationFallbackChain(t *testing.T) {
	ctx := context.Background()
	o := newOrigin().withShell()
	a := newStartedCache(t, o, Config{})
	shell := a.policy.Versions.Shell

	o.setOffline(true)

	res, err := a.router.Handle(ctx, navigate("/chapter/3"))
	require.NoError(t, err)
	require.Equal(t, "shell", body(res))
	require.True(t, res.Status.IsHit())
	require.Equal(t, "root-document", res.Status.Detail)

	store, err := a.storage.Open(ctx, shell)
	require.NoError(t, err)
	_, err = store.Delete(ctx, cachekey.ForPath("/index.html"))
	require.NoError(t, err)

	res, err = a.router.Handle(ctx, navigate("/chapter/3"))
	require.NoError(t, err)
	require.Equal(t, "offline", body(res))
	require.Equal(t, "offline-page", res.Status.Detail)

	_, err = store.Delete(ctx, cachekey.ForPath("/offline.html"))
	require.NoError(t, err)

	res, err = a.router.Handle(ctx, navigate("/chapter/3"))
	require.ErrorIs(t, err, ErrNoResponse)
	require.ErrorIs(t, err, ErrNetwork)
	require.Nil(t, res.Snapshot)
}

func TestNavigationRefreshesRootDocument(t *testing.T) {
	ctx := context.Background()
	o := newOrigin().withShell()
	o.set("/chapter/1", http.StatusOK, "chapter one")
	a := newStartedCache(t, o, Config{})

	res, err := a.router.Handle(ctx, navigate("/chapter/1"))
	require.NoError(t, err)
	require.Equal(t, "chapter one", body(res))
	require.Equal(t, rfc9211.StatusFwd, res.Status.Status)
	require.True(t, res.Status.Stored)

	got, ok := stored(t, a.storage, a.policy.Versions.Shell, cachekey.ForPath("/index.html"))
	require.True(t, ok)
	require.Equal(t, "chapter one", got)
	_, ok = stored(t, a.storage, a.policy.Versions.Shell, cachekey.ForPath("/chapter/1"))
	require.False(t, ok, "the requested key itself is not cached")

	o.setOffline(true)
	res, err = a.router.Handle(ctx, navigate("/somewhere-else"))
	require.NoError(t, err)
	require.Equal(t, "chapter one", body(res))
}

func TestNavigationErrorStatusStillCounts(t *testing.T) {
	o := newOrigin().withShell()
	o.set("/broken", http.StatusInternalServerError, "oops")
	a := newStartedCache(t, o, Config{})

	res, err := a.router.Handle(context.Background(), navigate("/broken"))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, res.Snapshot.StatusCode)
}

func TestNavigationWithoutRootWriteForPost(t *testing.T) {
	o := newOrigin().withShell()
	o.set("/form", http.StatusOK, "posted")
	a := newStartedCache(t, o, Config{})

	r := httptest.NewRequest(http.MethodPost, "/form", nil)
	r.Header.Set("Sec-Fetch-Mode", "navigate")
	res, err := a.router.Handle(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, "posted", body(res))
	require.False(t, res.Status.Stored)

	got, _ := stored(t, a.storage, a.policy.Versions.Shell, cachekey.ForPath("/index.html"))
	require.Equal(t, "shell", got)
}

func TestStaleWhileRevalidateDoesNotWaitForNetwork(t *testing.T) {
	ctx := context.Background()
	o := newOrigin().withShell()
	o.set("/data/chapter.json", http.StatusOK, `{"v":1}`)
	a := newStartedCache(t, o, Config{})

	// first request: nothing cached, the network answer is awaited and stored
	res, err := a.router.Handle(ctx, subresource("GET", "/data/chapter.json", ""))
	require.NoError(t, err)
	require.Equal(t, `{"v":1}`, body(res))
	require.Equal(t, rfc9211.FwdReasonUriMiss, res.Status.FwdReason)
	require.True(t, res.Status.Stored)

	o.set("/data/chapter.json", http.StatusOK, `{"v":2}`)
	release := o.block()

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	res, err = a.router.Handle(ctx2, subresource("GET", "/data/chapter.json", ""))
	require.NoError(t, err)
	require.Equal(t, `{"v":1}`, body(res))
	require.True(t, res.Status.IsHit())
	require.Equal(t, 1, a.router.InFlight())

	release()
	require.Eventually(t, func() bool { return a.router.InFlight() == 0 }, time.Second, 5*time.Millisecond)

	res, err = a.router.Handle(ctx, subresource("GET", "/data/chapter.json", ""))
	require.NoError(t, err)
	require.Equal(t, `{"v":2}`, body(res))
	require.True(t, res.Status.IsHit())
}

func TestStaleWhileRevalidateStoresOnly200(t *testing.T) {
	o := newOrigin().withShell()
	o.set("/data/empty.json", http.StatusNoContent, "")
	a := newStartedCache(t, o, Config{})

	res, err := a.router.Handle(context.Background(), subresource("GET", "/data/empty.json", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, res.Snapshot.StatusCode)
	require.False(t, res.Status.Stored)

	_, ok := stored(t, a.storage, a.policy.Versions.Data, cachekey.ForPath("/data/empty.json"))
	require.False(t, ok)
}

func TestStaleWhileRevalidateSwallowsErrors(t *testing.T) {
	ctx := context.Background()
	o := newOrigin().withShell()
	o.set("/data/a.json", http.StatusOK, "a")
	a := newStartedCache(t, o, Config{})

	_, err := a.router.Handle(ctx, subresource("GET", "/data/a.json", ""))
	require.NoError(t, err)

	o.setOffline(true)
	res, err := a.router.Handle(ctx, subresource("GET", "/data/a.json", ""))
	require.NoError(t, err)
	require.Equal(t, "a", body(res))
	require.Eventually(t, func() bool { return a.router.InFlight() == 0 }, time.Second, 5*time.Millisecond)

	got, ok := stored(t, a.storage, a.policy.Versions.Data, cachekey.ForPath("/data/a.json"))
	require.True(t, ok)
	require.Equal(t, "a", got)

	// nothing cached and no network: the offline page
	res, err = a.router.Handle(ctx, subresource("GET", "/data/b.json", ""))
	require.NoError(t, err)
	require.Equal(t, "offline", body(res))
	require.Equal(t, "offline-page", res.Status.Detail)
}

func TestStaleWhileRevalidateNonGet(t *testing.T) {
	o := newOrigin().withShell()
	o.set("/api/progress", http.StatusCreated, "saved")
	a := newStartedCache(t, o, Config{})

	res, err := a.router.Handle(context.Background(), subresource("POST", "/api/progress", "application/json"))
	require.NoError(t, err)
	require.Equal(t, "saved", body(res))
	require.Equal(t, rfc9211.FwdReasonMethod, res.Status.FwdReason)
	require.Zero(t, a.router.InFlight())
}

func TestStaleWhileRevalidateDeduplicates(t *testing.T) {
	ctx := context.Background()
	o := newOrigin().withShell()
	o.set("/data/a.json", http.StatusOK, "a")
	a := newStartedCache(t, o, Config{})
	store, err := a.storage.Open(ctx, a.policy.Versions.Data)
	require.NoError(t, err)

	release := o.block()
	req := subresource("GET", "/data/a.json", "")
	key := cachekey.ForRequest(req)
	first := a.router.revalidate(key, req, store)
	second := a.router.revalidate(key, req, store)
	require.Same(t, first, second)
	release()

	v, err := first.Wait(ctx)
	require.NoError(t, err)
	require.True(t, v.Stored)
	require.Equal(t, 1, o.count("/data/a.json"))

	// a settled revalidation is no longer joined
	third := a.router.revalidate(key, req, store)
	require.NotSame(t, first, third)
	_, err = third.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, o.count("/data/a.json"))
}

func TestStaleWhileRevalidateHonorsVary(t *testing.T) {
	ctx := context.Background()
	o := newOrigin().withShell()
	a := newStartedCache(t, o, Config{})
	store, err := a.storage.Open(ctx, a.policy.Versions.Data)
	require.NoError(t, err)

	english := subresource("GET", "/data/a.json", "")
	english.Header.Set("Accept-Language", "en")
	key := cachekey.ForRequest(english)
	snapshot := serializer.New(english, http.StatusOK, http.Header{"Vary": {"Accept-Language"}}, []byte("english"))
	require.NoError(t, a.router.put(ctx, store, key, snapshot))

	o.setOffline(true)
	german := subresource("GET", "/data/a.json", "")
	german.Header.Set("Accept-Language", "de")
	_, reason := a.router.match(ctx, key, german, store)
	require.Equal(t, rfc9211.FwdReasonVaryMiss, reason)
	res, err := a.router.Handle(ctx, german)
	require.NoError(t, err)
	require.Equal(t, "offline", body(res))

	res, err = a.router.Handle(ctx, english)
	require.NoError(t, err)
	require.Equal(t, "english", body(res))
}

func TestStaleWhileRevalidateMissKeepsVariantsApart(t *testing.T) {
	gate := make(chan struct{})
	var calls atomic.Int32
	fetcher := FetcherFunc(func(ctx context.Context, r *http.Request) (*serializer.Snapshot, error) {
		if calls.Add(1) == 1 {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		header := http.Header{}
		header.Set("Content-Type", "application/json")
		header.Set("Vary", "Accept-Language")
		return serializer.New(r, http.StatusOK, header, []byte("lang="+r.Header.Get("Accept-Language"))), nil
	})
	policy, err := NewPolicy(Config{})
	require.NoError(t, err)
	rt := NewRouter(policy, cache.NewMemoryStorage(), fetcher, zerolog.Nop())
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })

	get := func(lang string) <-chan string {
		out := make(chan string, 1)
		go func() {
			req := subresource("GET", "/data/list.json", "")
			req.Header.Set("Accept-Language", lang)
			res, err := rt.Handle(context.Background(), req)
			if err != nil {
				out <- err.Error()
				return
			}
			out <- body(res)
		}()
		return out
	}

	english := get("en")
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	german := get("de")
	// let the second miss join the running refresh
	time.Sleep(50 * time.Millisecond)
	close(gate)

	require.Equal(t, "lang=en", <-english)
	require.Equal(t, "lang=de", <-german)
}

func TestCacheFirstDoesNotRecache(t *testing.T) {
	ctx := context.Background()
	o := newOrigin().withShell()
	o.set("/app.css", http.StatusOK, "body{}")
	a := newStartedCache(t, o, Config{})

	res, err := a.router.Handle(ctx, subresource("GET", "/app.css", "text/css"))
	require.NoError(t, err)
	require.Equal(t, "body{}", body(res))
	require.Equal(t, rfc9211.FwdReasonUriMiss, res.Status.FwdReason)
	require.False(t, res.Status.Stored)
	require.Equal(t, 1, o.count("/app.css"))

	_, found, err := cache.Match(ctx, a.storage, cachekey.ForPath("/app.css"))
	require.NoError(t, err)
	require.False(t, found)

	_, err = a.router.Handle(ctx, subresource("GET", "/app.css", "text/css"))
	require.NoError(t, err)
	require.Equal(t, 2, o.count("/app.css"))
}

func TestCacheFirstServesShellAssets(t *testing.T) {
	o := newOrigin().withShell()
	o.set("/icons/icon192.png", http.StatusOK, "png")
	a := newStartedCache(t, o, Config{ShellAssets: []string{"/", "/index.html", "/icons/icon192.png"}})
	o.setOffline(true)

	res, err := a.router.Handle(context.Background(), subresource("GET", "/icons/icon192.png", "image/*"))
	require.NoError(t, err)
	require.Equal(t, "png", body(res))
	require.True(t, res.Status.IsHit())
	require.Equal(t, 1, o.count("/icons/icon192.png"))
}

func TestCacheFirstMissWhileOffline(t *testing.T) {
	o := newOrigin().withShell()
	a := newStartedCache(t, o, Config{})
	o.setOffline(true)

	_, err := a.router.Handle(context.Background(), subresource("GET", "/missing.png", ""))
	require.ErrorIs(t, err, ErrNoResponse)
}

func TestCanceledRequestIsNotAFailure(t *testing.T) {
	o := newOrigin().withShell()
	a := newStartedCache(t, o, Config{})
	o.setOffline(true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.router.Handle(ctx, navigate("/"))
	require.True(t, errors.Is(err, context.Canceled))
	require.False(t, errors.Is(err, ErrNoResponse))
}

func TestNetworkTimeout(t *testing.T) {
	o := newOrigin().withShell()
	a := newStartedCache(t, o, Config{NetworkTimeout: 20 * time.Millisecond})
	release := o.block()
	defer release()

	res, err := a.router.Handle(context.Background(), navigate("/"))
	require.NoError(t, err)
	require.Equal(t, "shell", body(res))
}

func TestUnreadableEntryIsDropped(t *testing.T) {
	ctx := context.Background()
	o := newOrigin().withShell()
	a := newStartedCache(t, o, Config{})
	store, err := a.storage.Open(ctx, a.policy.Versions.Data)
	require.NoError(t, err)
	key := cachekey.ForPath("/data/x.json")
	require.NoError(t, store.Put(ctx, cache.Entry{Key: key, Bytes: []byte("garbage")}))

	snapshot, reason := a.router.match(ctx, key, nil, store)
	require.Nil(t, snapshot)
	require.Equal(t, rfc9211.FwdReasonMiss, reason)
	_, found, err := store.Match(ctx, key)
	require.NoError(t, err)
	require.False(t, found)
}
