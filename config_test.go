package offlinecache

import (
	"net/url"
	"testing"
	"time"

	perrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/require"
)

func TestPolicyDefaults(t *testing.T) {
	p, err := NewPolicy(Config{})
	require.NoError(t, err)
	require.Equal(t, Versions{Shell: "ifd-shell-v1", Data: "ifd-data-v1"}, p.Versions)
	require.Equal(t, []string{"/", "/index.html", "/offline.html"}, p.ShellAssets())
	require.Equal(t, "/index.html", p.RootDocument())
	require.Equal(t, "/offline.html", p.OfflinePage())
	require.Equal(t, 10*time.Second, p.NetworkTimeout())
	require.Equal(t, 30*time.Second, p.RevalidateTimeout())
	require.Equal(t, "/__offline", p.ControlPath())
}

func TestPolicyNames(t *testing.T) {
	p, err := NewPolicy(Config{CachePrefix: "reader", ShellVersion: "v7", DataVersion: "2024-01"})
	require.NoError(t, err)
	require.Equal(t, []string{"reader-shell-v7", "reader-data-2024-01"}, p.Versions.Names())
	require.True(t, p.Versions.Valid("reader-shell-v7"))
	require.False(t, p.Versions.Valid("reader-shell-v6"))
}

func TestPolicyAssets(t *testing.T) {
	p, err := NewPolicy(Config{
		ShellAssets: []string{"/index.html", "/app.js", " /index.html ", ""},
		OfflinePage: "/offline/",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"/index.html", "/app.js", "/offline/"}, p.ShellAssets())

	// callers cannot change the policy through the returned slice
	p.ShellAssets()[0] = "/changed"
	require.Equal(t, "/index.html", p.ShellAssets()[0])
}

func TestPolicyRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"relative asset", Config{ShellAssets: []string{"index.html"}}},
		{"absolute URL asset", Config{ShellAssets: []string{"https://example.com/"}}},
		{"relative offline page", Config{OfflinePage: "offline.html"}},
		{"prefix with spaces", Config{CachePrefix: "my cache"}},
		{"negative timeout", Config{NetworkTimeout: -time.Second}},
		{"root control path", Config{ControlPath: "/"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPolicy(tt.config)
			require.Error(t, err)
			require.Equal(t, perrors.CodeInvalidConfig, perrors.GetCode(err))
		})
	}
}

func TestCreateCacheNeedsNetwork(t *testing.T) {
	_, err := CreateCache(Config{Logger: testLogger()})
	require.Error(t, err)

	a, err := CreateCache(Config{Logger: testLogger(), OriginURL: url.URL{Scheme: "http", Host: "localhost:8080"}})
	require.NoError(t, err)
	require.Equal(t, StateParsed, a.State())
	require.False(t, a.Controlled())
}
