package offlinecache

import (
	"context"
	"net/http"

	perrors "github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/createinquiry/ifd-prototype/cache"
	cachekey "github.com/createinquiry/ifd-prototype/pkg/cache-key"
	serializer "github.com/createinquiry/ifd-prototype/pkg/response-serializer"
)

// Lifecycle provisions and prunes the cache stores of one version.
type Lifecycle struct {
	policy  Policy
	storage cache.Storage
	fetcher Fetcher
	log     zerolog.Logger
	tracer  trace.Tracer
}

func NewLifecycle(policy Policy, storage cache.Storage, fetcher Fetcher, logger zerolog.Logger, tracer trace.Tracer) *Lifecycle {
	return &Lifecycle{
		policy:  policy,
		storage: storage,
		fetcher: fetcher,
		log:     logger,
		tracer:  tracer,
	}
}

// ActivationReport lists what activation removed.
type ActivationReport struct {
	Deleted []string `json:"deleted"`
	Failed  []string `json:"failed"`
}

// Install populates the shell store with every shell asset, or with none of
// them if any asset fails. Network failures are retryable.
func (l *Lifecycle) Install(ctx context.Context) (err error) {
	ctx, span := l.tracer.Start(ctx, "offlinecache.install", trace.WithAttributes(
		attribute.String("store", l.policy.Versions.Shell),
	))
	defer func() { endSpan(span, err) }()

	store, err := l.storage.Open(ctx, l.policy.Versions.Shell)
	if err != nil {
		return perrors.Wrapf(err, perrors.CodeDatabase, "opening store %s", l.policy.Versions.Shell)
	}

	assets := l.policy.ShellAssets()
	span.SetAttributes(attribute.Int("assets", len(assets)))
	entries := make([]cache.Entry, len(assets))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range assets {
		g.Go(func() error {
			entry, err := l.fetchAsset(gctx, path)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := store.PutAll(ctx, entries); err != nil {
		return perrors.Wrapf(err, perrors.CodeDatabase, "writing %d assets to %s", len(entries), store.Name())
	}
	l.log.Info().Int("assets", len(entries)).Msg("Installed shell")
	return nil
}

// fetchAsset fetches one shell asset within the network timeout.
// A stalled origin fails the install with a retryable network error.
func (l *Lifecycle) fetchAsset(ctx context.Context, path string) (cache.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, l.policy.NetworkTimeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return cache.Entry{}, perrors.Wrapf(err, perrors.CodeInvalidConfig, "shell asset %s", path)
	}
	snapshot, err := l.fetcher.Fetch(ctx, req)
	if err != nil {
		return cache.Entry{}, perrors.Wrapf(err, perrors.CodeNetwork, "fetching %s", path)
	}
	if snapshot.StatusCode < 200 || snapshot.StatusCode > 299 {
		return cache.Entry{}, perrors.Newf(perrors.CodeNetwork, "fetching %s: status %d", path, snapshot.StatusCode)
	}
	b, err := serializer.SnapshotToBytes(snapshot)
	if err != nil {
		return cache.Entry{}, perrors.Wrapf(err, perrors.CodeInternal, "serializing %s", path)
	}
	l.log.Trace().Str("path", path).Int("status", snapshot.StatusCode).Msg("Fetched shell asset")
	return cache.Entry{Key: cachekey.ForPath(path), StoredAt: snapshot.StoredAt, Bytes: b}, nil
}

// Activate deletes every store that does not belong to the running version.
// A store that fails to delete is reported and skipped; only failing to list
// the stores is an error.
func (l *Lifecycle) Activate(ctx context.Context) (report ActivationReport, err error) {
	ctx, span := l.tracer.Start(ctx, "offlinecache.activate")
	defer func() {
		span.SetAttributes(
			attribute.StringSlice("deleted", report.Deleted),
			attribute.StringSlice("failed", report.Failed),
		)
		endSpan(span, err)
	}()

	names, err := l.storage.Names(ctx)
	if err != nil {
		return report, perrors.Wrap(err, perrors.CodeDatabase, "listing stores")
	}
	for _, name := range names {
		if l.policy.Versions.Valid(name) {
			continue
		}
		if _, err := l.storage.Delete(ctx, name); err != nil {
			l.log.Warn().Err(err).Str("store", name).Msg("Could not delete stale store")
			report.Failed = append(report.Failed, name)
			continue
		}
		l.log.Info().Str("store", name).Msg("Deleted stale store")
		report.Deleted = append(report.Deleted, name)
	}
	return report, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
