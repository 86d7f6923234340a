package main

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	goredis "github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	offlinecache "github.com/createinquiry/ifd-prototype"
	"github.com/createinquiry/ifd-prototype/cache"
)

// Config is the layout of the config file. Every field can be overridden by
// its environment variable, and some by command line flags.
type Config struct {
	Origin       string        `yaml:"origin" env:"OFFLINE_CACHE_ORIGIN"`
	Addr         string        `yaml:"addr" env:"OFFLINE_CACHE_ADDR"`
	Host         string        `yaml:"host" env:"OFFLINE_CACHE_HOST"`
	Port         int           `yaml:"port" env:"OFFLINE_CACHE_PORT"`
	Provider     string        `yaml:"provider" env:"OFFLINE_CACHE_PROVIDER"`
	DB           string        `yaml:"db" env:"OFFLINE_CACHE_DB"`
	RedisAddr    string        `yaml:"redisAddr" env:"OFFLINE_CACHE_REDIS_ADDR"`
	InstallRetry time.Duration `yaml:"installRetry" env:"OFFLINE_CACHE_INSTALL_RETRY"`

	CachePrefix       string        `yaml:"cachePrefix" env:"OFFLINE_CACHE_PREFIX"`
	ShellVersion      string        `yaml:"shellVersion" env:"OFFLINE_CACHE_SHELL_VERSION"`
	DataVersion       string        `yaml:"dataVersion" env:"OFFLINE_CACHE_DATA_VERSION"`
	ShellAssets       []string      `yaml:"shellAssets" env:"OFFLINE_CACHE_SHELL_ASSETS"`
	DataSuffixes      []string      `yaml:"dataSuffixes" env:"OFFLINE_CACHE_DATA_SUFFIXES"`
	DataAcceptTypes   []string      `yaml:"dataAcceptTypes" env:"OFFLINE_CACHE_DATA_ACCEPT_TYPES"`
	RootDocument      string        `yaml:"rootDocument" env:"OFFLINE_CACHE_ROOT_DOCUMENT"`
	OfflinePage       string        `yaml:"offlinePage" env:"OFFLINE_CACHE_OFFLINE_PAGE"`
	NetworkTimeout    time.Duration `yaml:"networkTimeout" env:"OFFLINE_CACHE_NETWORK_TIMEOUT"`
	RevalidateTimeout time.Duration `yaml:"revalidateTimeout" env:"OFFLINE_CACHE_REVALIDATE_TIMEOUT"`
	ControlPath       string        `yaml:"controlPath" env:"OFFLINE_CACHE_CONTROL_PATH"`
}

func defaultConfig() Config {
	return Config{
		Port:         8080,
		Provider:     "sqlite",
		DB:           "cache.db",
		InstallRetry: 30 * time.Second,
	}
}

// getConfig reads the config file, if any, on top of the defaults and then
// applies the environment.
func getConfig(filename string) (Config, error) {
	config := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.Parse(&config); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

// originURL returns the origin to proxy to. An address alone means HTTPS.
func (c Config) originURL() (url.URL, error) {
	raw := c.Origin
	if raw == "" {
		if c.Addr == "" {
			return url.URL{}, fmt.Errorf("please specify origin")
		}
		raw = "https://" + c.Addr
	}
	u, err := url.Parse(raw)
	if err != nil {
		return url.URL{}, err
	}
	if u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return url.URL{}, fmt.Errorf("invalid origin %q", raw)
	}
	if u.Path != "" && u.Path != "/" {
		return url.URL{}, fmt.Errorf("origins with paths are not supported: %q", raw)
	}
	return *u, nil
}

func (c Config) storage() (cache.Storage, error) {
	switch c.Provider {
	case "sqlite":
		dbFilename := c.DB
		if dbFilename == "memory" {
			dbFilename = ""
		}
		return cache.NewSQLiteStorage(dbFilename)
	case "memory":
		return cache.NewMemoryStorage(), nil
	case "redis":
		if c.RedisAddr == "" {
			return nil, fmt.Errorf("redis provider needs a redis address")
		}
		return cache.NewRedisStorage(cache.RedisConfig{
			Client:      goredis.NewUniversalClient(&goredis.UniversalOptions{Addrs: []string{c.RedisAddr}}),
			CloseClient: true,
		})
	default:
		return nil, fmt.Errorf("unsupported cache provider: %s", c.Provider)
	}
}

// cacheConfig turns the file config into the offline cache config.
func (c Config) cacheConfig(storage cache.Storage) (offlinecache.Config, error) {
	origin, err := c.originURL()
	if err != nil {
		return offlinecache.Config{}, err
	}
	return offlinecache.Config{
		Storage:           storage,
		OriginURL:         origin,
		OriginHost:        c.Host,
		CachePrefix:       c.CachePrefix,
		ShellVersion:      c.ShellVersion,
		DataVersion:       c.DataVersion,
		ShellAssets:       c.ShellAssets,
		DataSuffixes:      c.DataSuffixes,
		DataAcceptTypes:   c.DataAcceptTypes,
		RootDocument:      c.RootDocument,
		OfflinePage:       c.OfflinePage,
		NetworkTimeout:    c.NetworkTimeout,
		RevalidateTimeout: c.RevalidateTimeout,
		ControlPath:       c.ControlPath,
	}, nil
}
