package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	perrors "github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	offlinecache "github.com/createinquiry/ifd-prototype"
	"github.com/createinquiry/ifd-prototype/pkg/tracing"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	addrFlag           string
	hostFlag           string
	providerFlag       string
	dbFilenameFlag     string
	redisAddrFlag      string
	shellVersionFlag   string
	dataVersionFlag    string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

const shutdownTimeout = 10 * time.Second

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides addr and host)")
	flag.StringVar(&addrFlag, "addr", "", "Origin IP address to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&providerFlag, "provider", "sqlite", "Cache storage provider (sqlite, memory or redis)")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&redisAddrFlag, "redis-addr", "", "Redis address for the redis provider")
	flag.StringVar(&shellVersionFlag, "shell-version", "", "Shell cache version")
	flag.StringVar(&dataVersionFlag, "data-version", "", "Data cache version")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config, err := getConfig(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not read config")
	}
	applyFlags(&config)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config); err != nil {
		log.Fatal().Err(err).Msg("Exiting")
	}
}

// applyFlags overrides the config with the flags given on the command line.
func applyFlags(config *Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "origin":
			config.Origin = originFlag
		case "addr":
			config.Addr = addrFlag
		case "host":
			config.Host = hostFlag
		case "port":
			config.Port = portFlag
		case "provider":
			config.Provider = providerFlag
		case "db":
			config.DB = dbFilenameFlag
		case "redis-addr":
			config.RedisAddr = redisAddrFlag
		case "shell-version":
			config.ShellVersion = shellVersionFlag
		case "data-version":
			config.DataVersion = dataVersionFlag
		}
	})
}

func run(ctx context.Context, config Config) error {
	shutdownTracing, err := tracing.Setup(ctx, "offline-cache")
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}

	storage, err := config.storage()
	if err != nil {
		return err
	}
	defer storage.Close()

	cacheConfig, err := config.cacheConfig(storage)
	if err != nil {
		return err
	}
	cacheConfig.Logger = &log.Logger

	ocache, err := offlinecache.CreateCache(cacheConfig)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: ocache,
	}
	serveErr := make(chan error, 2)
	go func() {
		serveErr <- server.ListenAndServe()
	}()
	log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", config.Port, cacheConfig.OriginURL.String(), cacheConfig.OriginHost)

	// until activation, requests pass through to the origin
	go func() {
		if err := installWithRetry(ctx, ocache, config.InstallRetry); err != nil {
			if !errors.Is(err, context.Canceled) {
				serveErr <- err
			}
			return
		}
		if _, err := ocache.Activate(ctx); err != nil {
			serveErr <- err
		}
	}()

	select {
	case err = <-serveErr:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info().Msg("Shutting down")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Could not shut down server")
	}
	if err := ocache.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Could not stop revalidations")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Could not flush traces")
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// installWithRetry installs until it succeeds, waiting interval between
// attempts. Errors that retrying cannot fix are returned at once.
func installWithRetry(ctx context.Context, ocache *offlinecache.OfflineCache, interval time.Duration) error {
	for {
		err := ocache.Install(ctx)
		if err == nil {
			return nil
		}
		if !perrors.IsRetryable(err) {
			return err
		}
		log.Warn().Err(err).Dur("retryIn", interval).Msg("Install failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
