package offlinecache

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	serializer "github.com/createinquiry/ifd-prototype/pkg/response-serializer"
	tee "github.com/createinquiry/ifd-prototype/pkg/response-writer-tee"
)

// Fetcher performs network requests on behalf of the cache.
// Any response, whatever its status, is a successful fetch; an error means no
// response could be obtained at all.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*serializer.Snapshot, error)
}

type FetcherFunc func(ctx context.Context, r *http.Request) (*serializer.Snapshot, error)

func (f FetcherFunc) Fetch(ctx context.Context, r *http.Request) (*serializer.Snapshot, error) {
	return f(ctx, r)
}

// hop-by-hop headers, never forwarded to the origin
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// OriginFetcher fetches from a single origin server over HTTP.
// Redirects are returned to the caller as is.
type OriginFetcher struct {
	origin     url.URL
	hostHeader string
	client     *http.Client
}

func NewOriginFetcher(origin url.URL, originHost string) *OriginFetcher {
	hostHeader := origin.Host
	transport := http.DefaultTransport
	if originHost != "" {
		hostHeader = originHost
		transport = &http.Transport{
			Proxy:       http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{}).DialContext,
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	return &OriginFetcher{
		origin:     origin,
		hostHeader: hostHeader,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (f *OriginFetcher) Fetch(ctx context.Context, r *http.Request) (*serializer.Snapshot, error) {
	out := r.Clone(ctx)
	out.RequestURI = ""
	out.URL.Scheme = f.origin.Scheme
	out.URL.Host = f.origin.Host
	out.Host = f.hostHeader
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	if ip := strings.Trim(getRequestSourceIp(r), "[]"); ip != "" {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		out.Header.Set("X-Forwarded-For", ip)
	}

	res, err := f.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	snapshot, err := serializer.FromResponse(r, res)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", ErrNetwork, err)
	}
	return snapshot, nil
}

// HandlerFetcher fetches by calling an in-process handler, which lets the
// cache run as middleware in front of an application.
type HandlerFetcher struct {
	Handler http.Handler
}

func (f HandlerFetcher) Fetch(ctx context.Context, r *http.Request) (*serializer.Snapshot, error) {
	rw := tee.NewResponseSaver()
	done := make(chan any, 1)
	go func() {
		defer func() {
			done <- recover()
		}()
		f.Handler.ServeHTTP(rw, r.WithContext(ctx))
	}()
	select {
	case p := <-done:
		if p != nil {
			return nil, fmt.Errorf("%w: handler panic: %v", ErrNetwork, p)
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrNetwork, ctx.Err())
	}
	return serializer.New(r, rw.StatusCode(), rw.Header(), rw.Body()), nil
}
