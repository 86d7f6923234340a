package offlinecache

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	perrors "github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/createinquiry/ifd-prototype/cache"
)

const (
	DefaultCachePrefix       = "ifd"
	DefaultVersion           = "v1"
	DefaultRootDocument      = "/index.html"
	DefaultOfflinePage       = "/offline.html"
	DefaultControlPath       = "/__offline"
	DefaultNetworkTimeout    = 10 * time.Second
	DefaultRevalidateTimeout = 30 * time.Second
)

var (
	DefaultShellAssets     = []string{"/", DefaultRootDocument, DefaultOfflinePage}
	DefaultDataSuffixes    = []string{".json"}
	DefaultDataAcceptTypes = []string{"application/json"}
)

type Config struct {
	// Storage for the cache stores. An in-memory storage is used if nil.
	Storage cache.Storage
	// Network access. If nil, requests go to OriginURL over HTTP.
	Fetcher Fetcher
	// URL of the origin server, used when Fetcher is nil.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Tracer to use. The global OpenTelemetry tracer is used if nil.
	Tracer trace.Tracer

	// Prefix of the store names, e.g. "ifd" gives "ifd-shell-v1".
	CachePrefix string
	// Bumping a version invalidates the old store on next activation.
	ShellVersion string
	DataVersion  string
	// Paths precached at install. The offline page is always added.
	ShellAssets []string
	// Path suffixes (e.g. ".json") served stale-while-revalidate.
	DataSuffixes []string
	// Accept header substrings (e.g. "application/json") served stale-while-revalidate.
	DataAcceptTypes []string
	// Canonical offline entry point, refreshed by every successful navigation.
	RootDocument string
	// Served when nothing else is available.
	OfflinePage string
	// Timeout for network fetches on the request path (navigation and cache-first).
	NetworkTimeout time.Duration
	// Timeout for stale-while-revalidate background fetches.
	RevalidateTimeout time.Duration
	// Path prefix of the control endpoints (messages, status).
	ControlPath string
}

// Versions is the set of store names valid for the running version.
type Versions struct {
	Shell string `json:"shell"`
	Data  string `json:"data"`
}

func (v Versions) Names() []string {
	return []string{v.Shell, v.Data}
}

// Valid reports whether a store with the given name belongs to the running version.
func (v Versions) Valid(name string) bool {
	return name == v.Shell || name == v.Data
}

// Policy is the validated, immutable form of a Config.
// It is fixed for the lifetime of a running version and safe to share.
type Policy struct {
	Versions Versions

	shellAssets       []string
	dataSuffixes      []string
	dataAcceptTypes   []string
	rootDocument      string
	offlinePage       string
	networkTimeout    time.Duration
	revalidateTimeout time.Duration
	controlPath       string
}

// NewPolicy applies defaults to the config and validates it.
func NewPolicy(config Config) (Policy, error) {
	p := Policy{
		rootDocument:      orDefault(config.RootDocument, DefaultRootDocument),
		offlinePage:       orDefault(config.OfflinePage, DefaultOfflinePage),
		networkTimeout:    config.NetworkTimeout,
		revalidateTimeout: config.RevalidateTimeout,
		controlPath:       strings.TrimSuffix(orDefault(config.ControlPath, DefaultControlPath), "/"),
	}
	prefix := orDefault(config.CachePrefix, DefaultCachePrefix)
	p.Versions = Versions{
		Shell: fmt.Sprintf("%s-shell-%s", prefix, orDefault(config.ShellVersion, DefaultVersion)),
		Data:  fmt.Sprintf("%s-data-%s", prefix, orDefault(config.DataVersion, DefaultVersion)),
	}
	for _, name := range p.Versions.Names() {
		if strings.ContainsAny(name, " \t\r\n:/") {
			return Policy{}, invalidConfig("store name %q must not contain spaces, colons or slashes", name)
		}
	}

	if p.networkTimeout == 0 {
		p.networkTimeout = DefaultNetworkTimeout
	}
	if p.revalidateTimeout == 0 {
		p.revalidateTimeout = DefaultRevalidateTimeout
	}
	if p.networkTimeout < 0 || p.revalidateTimeout < 0 {
		return Policy{}, invalidConfig("timeouts must be positive")
	}

	assets := config.ShellAssets
	if len(assets) == 0 {
		assets = DefaultShellAssets
	}
	p.shellAssets = uniqueStrings(append(append([]string(nil), assets...), p.offlinePage))
	for _, path := range append([]string{p.rootDocument, p.offlinePage, p.controlPath}, p.shellAssets...) {
		if !strings.HasPrefix(path, "/") {
			return Policy{}, invalidConfig("path %q must start with /", path)
		}
	}

	p.dataSuffixes = uniqueStrings(config.DataSuffixes)
	if config.DataSuffixes == nil {
		p.dataSuffixes = append([]string(nil), DefaultDataSuffixes...)
	}
	p.dataAcceptTypes = uniqueStrings(config.DataAcceptTypes)
	if config.DataAcceptTypes == nil {
		p.dataAcceptTypes = append([]string(nil), DefaultDataAcceptTypes...)
	}
	return p, nil
}

func (p Policy) ShellAssets() []string {
	return append([]string(nil), p.shellAssets...)
}

func (p Policy) RootDocument() string {
	return p.rootDocument
}

func (p Policy) OfflinePage() string {
	return p.offlinePage
}

func (p Policy) NetworkTimeout() time.Duration {
	return p.networkTimeout
}

func (p Policy) RevalidateTimeout() time.Duration {
	return p.revalidateTimeout
}

func (p Policy) ControlPath() string {
	return p.controlPath
}

func invalidConfig(format string, args ...interface{}) error {
	return perrors.Newf(perrors.CodeInvalidConfig, format, args...)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// uniqueStrings drops empty and repeated values, keeping first-seen order.
func uniqueStrings(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
