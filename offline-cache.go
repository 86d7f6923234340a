package offlinecache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	perrors "github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/createinquiry/ifd-prototype/cache"
	"github.com/createinquiry/ifd-prototype/rfc9211"
)

const tracerName = "github.com/createinquiry/ifd-prototype"

// maximum size of an inbound message body
const maxMessageBytes = 64 << 10

type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	}
	return "unknown"
}

// OfflineCache is the request-handling worker: it runs the lifecycle of one
// cache version and answers intercepted requests once that version is active.
type OfflineCache struct {
	policy    Policy
	storage   cache.Storage
	router    *Router
	lifecycle *Lifecycle
	state     atomic.Int32
	claimed   atomic.Bool
	log       zerolog.Logger
	tracer    trace.Tracer
	mux       *chi.Mux
}

// CreateCache initializes the offline cache instance.
// Nothing is fetched until Install is called.
func CreateCache(config Config) (*OfflineCache, error) {
	policy, err := NewPolicy(config)
	if err != nil {
		return nil, err
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("shell", policy.Versions.Shell).
		Str("data", policy.Versions.Data).
		Logger()

	storage := config.Storage
	if storage == nil {
		storage = cache.NewMemoryStorage()
	}

	fetcher := config.Fetcher
	if fetcher == nil {
		if config.OriginURL.Host == "" {
			return nil, invalidConfig("either a fetcher or an origin URL is required")
		}
		fetcher = NewOriginFetcher(config.OriginURL, config.OriginHost)
	}

	tracer := config.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	a := &OfflineCache{
		policy:    policy,
		storage:   storage,
		router:    NewRouter(policy, storage, fetcher, logger),
		lifecycle: NewLifecycle(policy, storage, fetcher, logger, tracer),
		log:       logger,
		tracer:    tracer,
	}

	a.mux = chi.NewRouter()
	a.mux.Route(policy.ControlPath(), func(r chi.Router) {
		r.Post("/message", a.handleMessage)
		r.Get("/status", a.handleStatus)
	})
	a.mux.HandleFunc("/*", a.serveFetch)

	return a, nil
}

// NewMiddleware creates an offline cache in front of next: next is what the
// cache sees as the network.
func NewMiddleware(config Config, next http.Handler) (*OfflineCache, error) {
	config.Fetcher = HandlerFetcher{Handler: next}
	return CreateCache(config)
}

func (a *OfflineCache) Policy() Policy {
	return a.policy
}

func (a *OfflineCache) State() State {
	return State(a.state.Load())
}

// Controlled reports whether requests are handled by the cache strategies.
// Before the first activation, every request goes straight to the network.
// Control is never given up, not even while a new install runs.
func (a *OfflineCache) Controlled() bool {
	return a.claimed.Load()
}

// Install populates the shell store of this version.
// Installing again replaces the stored assets with fresh copies.
func (a *OfflineCache) Install(ctx context.Context) error {
	prev := a.State()
	if prev == StateInstalling || prev == StateActivating || !a.state.CompareAndSwap(int32(prev), int32(StateInstalling)) {
		return perrors.Wrap(ErrBusy, perrors.CodeConflict, "install")
	}
	a.log.Info().Msg("Installing")
	err := a.lifecycle.Install(ctx)

	if err != nil {
		a.state.Store(int32(prev))
		a.log.Error().Err(err).Bool("retryable", perrors.IsRetryable(err)).Msg("Install failed")
		return err
	}
	a.state.Store(int32(StateInstalled))
	return nil
}

// Activate removes the stores of other versions and takes control of all requests.
func (a *OfflineCache) Activate(ctx context.Context) (ActivationReport, error) {
	prev := a.State()
	switch prev {
	case StateInstalled, StateActivated:
	case StateInstalling, StateActivating:
		return ActivationReport{}, perrors.Wrap(ErrBusy, perrors.CodeConflict, "activate")
	default:
		return ActivationReport{}, perrors.Wrap(ErrNotInstalled, perrors.CodeConflict, "activate")
	}
	if !a.state.CompareAndSwap(int32(prev), int32(StateActivating)) {
		return ActivationReport{}, perrors.Wrap(ErrBusy, perrors.CodeConflict, "activate")
	}

	report, err := a.lifecycle.Activate(ctx)
	if err != nil {
		a.state.Store(int32(prev))
		a.log.Error().Err(err).Msg("Activation failed")
		return report, err
	}
	a.state.Store(int32(StateActivated))
	a.claimed.Store(true)
	a.log.Info().
		Strs("deleted", report.Deleted).
		Strs("failed", report.Failed).
		Msg("Activated, handling all requests")
	return report, nil
}

// Start installs and activates.
func (a *OfflineCache) Start(ctx context.Context) error {
	if err := a.Install(ctx); err != nil {
		return err
	}
	_, err := a.Activate(ctx)
	return err
}

func (a *OfflineCache) OnInstall(ctx context.Context) *Future[struct{}] {
	return Async(func() (struct{}, error) {
		return struct{}{}, a.Install(ctx)
	})
}

func (a *OfflineCache) OnActivate(ctx context.Context) *Future[ActivationReport] {
	return Async(func() (ActivationReport, error) {
		return a.Activate(ctx)
	})
}

// OnFetch handles the request in the background. The request's context
// cancels the handling.
func (a *OfflineCache) OnFetch(r *http.Request) *Future[Result] {
	return Async(func() (Result, error) {
		return a.handle(r.Context(), r)
	})
}

func (a *OfflineCache) OnMessage(ctx context.Context, msg Message) *Future[RefreshReport] {
	return Async(func() (RefreshReport, error) {
		return a.HandleMessage(ctx, msg)
	})
}

// HandleMessage runs the action requested by an inbound message.
func (a *OfflineCache) HandleMessage(ctx context.Context, msg Message) (RefreshReport, error) {
	switch msg.Type {
	case MessageRefreshData:
		return a.router.RefreshData(ctx)
	default:
		return RefreshReport{}, perrors.Wrapf(ErrUnknownMessage, perrors.CodeInvalidInput, "message type %q", msg.Type)
	}
}

// Shutdown stops all background revalidations, waiting for them until ctx is done.
// The storage is left open; it belongs to whoever created it.
func (a *OfflineCache) Shutdown(ctx context.Context) error {
	a.log.Debug().Int("inflight", a.router.InFlight()).Msg("Shutting down")
	return a.router.Shutdown(ctx)
}

// ServeHTTP implements the http.Handler interface.
func (a *OfflineCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *OfflineCache) handle(ctx context.Context, r *http.Request) (Result, error) {
	if !a.Controlled() {
		return a.bypass(ctx, r)
	}
	return a.router.Handle(ctx, r)
}

func (a *OfflineCache) bypass(ctx context.Context, r *http.Request) (Result, error) {
	res := Result{Strategy: a.policy.Classify(r)}
	res.Status.Forward(rfc9211.FwdReasonBypass)
	fresh, err := a.router.fetch(ctx, r)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, errors.Join(ErrNoResponse, err)
	}
	res.Snapshot = fresh
	return res, nil
}

func (a *OfflineCache) serveFetch(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tracer.Start(r.Context(), "offlinecache.fetch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
		))
	defer span.End()

	res, err := a.handle(ctx, r)
	span.SetAttributes(
		attribute.String("offlinecache.strategy", res.Strategy.String()),
		attribute.String("offlinecache.cache_status", res.Status.String()),
	)
	if err != nil {
		if r.Context().Err() != nil {
			a.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Client went away before a response was available")
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.sendNoResponse(w, r, res, err)
		return
	}
	a.sendSnapshot(w, r, res)
}

// sendNoResponse answers a request nothing could serve.
// A bypassed request failed at the origin; anything else exhausted the cache too.
func (a *OfflineCache) sendNoResponse(w http.ResponseWriter, r *http.Request, res Result, err error) {
	status := http.StatusGatewayTimeout
	if res.Status.FwdReason == rfc9211.FwdReasonBypass {
		status = http.StatusBadGateway
	} else {
		res.Status.Forward(rfc9211.FwdReasonMiss)
	}
	a.log.Warn().Err(err).Str("url", r.URL.String()).Str("strategy", res.Strategy.String()).Msg("No response available")
	w.Header().Set(rfc9211.HeaderName, res.Status.String())
	http.Error(w, http.StatusText(status), status)
	a.logRequest(r, res)
}

func (a *OfflineCache) sendSnapshot(w http.ResponseWriter, r *http.Request, res Result) {
	copyHeader(w.Header(), res.Snapshot.Header)
	w.Header().Add(rfc9211.HeaderName, res.Status.String())
	w.WriteHeader(res.Snapshot.StatusCode)
	if r.Method != http.MethodHead {
		if _, err := w.Write(res.Snapshot.Body); err != nil {
			a.log.Error().Err(err).Msg("Could not write response body to client")
		}
	}
	a.logRequest(r, res)
	a.log.Trace().Msgf("Wrote body (%d bytes)", len(res.Snapshot.Body))
}

type statusResponse struct {
	State      string   `json:"state"`
	Controlled bool     `json:"controlled"`
	Versions   Versions `json:"versions"`
	Stores     []string `json:"stores"`
	InFlight   int      `json:"inflight"`
}

func (a *OfflineCache) handleStatus(w http.ResponseWriter, r *http.Request) {
	names, err := a.storage.Names(r.Context())
	if err != nil {
		a.sendError(w, perrors.Wrap(err, perrors.CodeDatabase, "listing stores"))
		return
	}
	a.sendJSON(w, http.StatusOK, statusResponse{
		State:      a.State().String(),
		Controlled: a.Controlled(),
		Versions:   a.policy.Versions,
		Stores:     names,
		InFlight:   a.router.InFlight(),
	})
}

func (a *OfflineCache) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&msg); err != nil {
		a.sendError(w, perrors.Wrap(err, perrors.CodeInvalidInput, "decoding message"))
		return
	}
	report, err := a.HandleMessage(r.Context(), msg)
	if err != nil {
		a.sendError(w, err)
		return
	}
	a.sendJSON(w, http.StatusOK, report)
}

func (a *OfflineCache) sendError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch perrors.GetCode(err) {
	case perrors.CodeInvalidInput:
		status = http.StatusBadRequest
	case perrors.CodeConflict:
		status = http.StatusConflict
	case perrors.CodeTimeout:
		status = http.StatusGatewayTimeout
	}
	if status >= 500 {
		a.log.Error().Err(err).Msg("Control request failed")
	}
	a.sendJSON(w, status, perrors.ToJSON(err))
}

func (a *OfflineCache) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error().Err(err).Msg("Could not write response body to client")
	}
}

func (a *OfflineCache) logRequest(r *http.Request, res Result) {
	isHit := 0
	if res.Status.IsHit() {
		isHit = 1
	}
	a.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("strategy", res.Strategy.String()).
		Str("status", string(res.Status.Status)).
		Str("fwd", string(res.Status.FwdReason)).
		Bool("stored", res.Status.Stored).
		Str("detail", res.Status.Detail).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}
