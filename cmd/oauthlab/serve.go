package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/mnehpets/oauthlab/auth"
	"github.com/mnehpets/oauthlab/config"
	"github.com/mnehpets/oauthlab/endpoint"
	"github.com/mnehpets/oauthlab/events"
	"github.com/mnehpets/oauthlab/flow"
	"github.com/mnehpets/oauthlab/instrumentation"
	"github.com/mnehpets/oauthlab/middleware"
	"github.com/mnehpets/oauthlab/params"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const (
	shutdownTimeout = 10 * time.Second
	cleanupInterval = time.Minute
	cookieKeyID     = "primary"
)

type serveOptions struct {
	envFiles []string

	listenAddr string
	publicURL  string
	logLevel   string
	logPretty  bool
	strict     bool
	telemetry  bool
	providers  []string
	origins    []string
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Starts the flow API. Settings come from OAUTHLAB_* environment variables and
an optional .env file; flags override both.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.envFiles...)
			if err != nil {
				return err
			}
			if err := opts.apply(cfg, cmd.Flags()); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, opts.telemetry)
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files to read (default .env)")
	f.StringVar(&opts.listenAddr, "listen", "", "listen address (OAUTHLAB_LISTEN_ADDR)")
	f.StringVar(&opts.publicURL, "public-url", "", "externally visible base URL (OAUTHLAB_PUBLIC_URL)")
	f.StringVar(&opts.logLevel, "log-level", "", "log level (OAUTHLAB_LOG_LEVEL)")
	f.BoolVar(&opts.logPretty, "log-pretty", false, "human-readable console logs (OAUTHLAB_LOG_PRETTY)")
	f.BoolVar(&opts.strict, "strict", false, "fail flows on nonce or signature errors (OAUTHLAB_STRICT_TOKEN_VALIDATION)")
	f.BoolVar(&opts.telemetry, "telemetry", false, "collect metrics and serve them at /debug/metrics")
	f.StringSliceVar(&opts.providers, "provider", nil, "id=issuer of a provider to discover (OAUTHLAB_PROVIDERS)")
	f.StringSliceVar(&opts.origins, "allowed-origin", nil, "origin allowed to call the API (OAUTHLAB_ALLOWED_ORIGINS)")
	return cmd
}

// apply overrides cfg with the flags that were set on the command line.
func (o *serveOptions) apply(cfg *config.Config, flags *pflag.FlagSet) error {
	if flags.Changed("listen") {
		cfg.ListenAddr = o.listenAddr
	}
	if flags.Changed("public-url") {
		cfg.PublicURL = o.publicURL
	}
	if flags.Changed("log-level") {
		level, err := zerolog.ParseLevel(o.logLevel)
		if err != nil {
			return fmt.Errorf("--log-level: %w", err)
		}
		cfg.LogLevel = level
	}
	if flags.Changed("log-pretty") {
		cfg.LogPretty = o.logPretty
	}
	if flags.Changed("strict") {
		cfg.StrictTokenValidation = o.strict
	}
	if flags.Changed("provider") {
		providers, err := config.ParseProviders(strings.Join(o.providers, ","))
		if err != nil {
			return fmt.Errorf("--provider: %w", err)
		}
		cfg.Providers = providers
	}
	if flags.Changed("allowed-origin") {
		cfg.AllowedOrigins = o.origins
	}
	return cfg.Validate()
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(cfg.LogLevel).With().Timestamp().Logger()
}

// app is the wired server.
type app struct {
	handler http.Handler
	store   *flow.Store
	orch    *auth.Orchestrator
	limiter *middleware.RateLimiter
	inst    *instrumentation.Instrumentation
	log     zerolog.Logger
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger, telemetry bool) (*app, error) {
	var reader *sdkmetric.ManualReader
	instCfg := instrumentation.Config{ServiceVersion: version, Enabled: telemetry}
	if telemetry {
		reader = sdkmetric.NewManualReader()
		instCfg.MetricReaders = []sdkmetric.Reader{reader}
	}
	inst, err := instrumentation.New(instCfg)
	if err != nil {
		return nil, err
	}
	metrics := inst.Metrics()

	broadcaster := events.NewBroadcaster(
		events.WithBufferSize(cfg.EventBuffer),
		events.WithLogger(log.With().Str("component", "events").Logger()),
		events.WithDropHook(func(string) { metrics.RecordEventDropped(context.Background()) }),
	)
	store := flow.NewStore(
		flow.WithTTL(cfg.FlowTTL),
		flow.WithLogger(log.With().Str("component", "store").Logger()),
		flow.WithRemovalHook(broadcaster.Remove),
	)
	if err := inst.RegisterFlowCount(func() int64 { return int64(store.Len()) }); err != nil {
		return nil, err
	}

	ps, err := params.NewService(params.WithVerifierLength(cfg.VerifierLength), params.WithStateTTL(cfg.StateTTL))
	if err != nil {
		return nil, err
	}

	registry := auth.NewRegistry()
	for _, p := range cfg.Providers {
		// A provider that cannot be discovered is left out rather than
		// stopping the server; flows can still name endpoints directly.
		if err := registry.RegisterOIDCProvider(ctx, p.ID, p.Issuer); err != nil {
			log.Error().Err(err).Str("provider", p.ID).Str("issuer", p.Issuer).Msg("provider discovery failed")
			continue
		}
		log.Info().Str("provider", p.ID).Str("issuer", p.Issuer).Msg("provider registered")
	}

	orch, err := auth.NewOrchestrator(store, broadcaster,
		auth.WithParams(ps),
		auth.WithRegistry(registry),
		auth.WithExchangeTimeout(cfg.ExchangeTimeout),
		auth.WithStrictTokenValidation(cfg.StrictTokenValidation),
		auth.WithLogger(log.With().Str("component", "orchestrator").Logger()),
		auth.WithMetrics(metrics),
		auth.WithTracer(inst.Tracer("auth")),
	)
	if err != nil {
		return nil, err
	}

	key := cfg.CookieKey
	if len(key) == 0 {
		key = make([]byte, middleware.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		log.Warn().Msg("no cookie key configured; flow lists will not survive a restart")
	}
	tracker, err := middleware.NewTrackerProcessor(cookieKeyID, map[string][]byte{cookieKeyID: key},
		middleware.WithCookieOptions(middleware.WithSecure(cfg.SecureCookies())))
	if err != nil {
		return nil, err
	}

	opts := []auth.HandlerOption{
		auth.WithTracker(tracker),
		auth.WithHandlerLogger(log.With().Str("component", "http").Logger()),
	}
	if len(cfg.AllowedOrigins) > 0 {
		opts = append(opts, auth.WithCORS(&middleware.CORSConfig{
			AllowedOrigins: cfg.AllowedOrigins,
			// The flow list is keyed by cookie, which needs credentials; the
			// wildcard origin never gets them.
			AllowCredentials: !slices.Contains(cfg.AllowedOrigins, "*"),
			MaxAge:           600,
		}))
	}
	var limiter *middleware.RateLimiter
	if cfg.RateLimit > 0 {
		limiter = middleware.NewRateLimiter(cfg.RateLimit, cfg.RateBurst,
			middleware.WithLimitedHook(func(r *http.Request) { metrics.RecordRateLimited(r.Context(), r.URL.Path) }),
			middleware.WithRateLimitLogger(log.With().Str("component", "ratelimit").Logger()),
		)
		opts = append(opts, auth.WithRateLimiter(limiter))
	}

	mux := http.NewServeMux()
	mux.Handle("/", auth.NewHandler(orch, opts...))
	mux.HandleFunc("GET /healthz", endpoint.HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (endpoint.Renderer, error) {
		return &endpoint.JSONRenderer{Value: map[string]any{"status": "ok", "flows": store.Len()}}, nil
	}))
	if reader != nil {
		mux.HandleFunc("GET /debug/metrics", endpoint.HandleFunc(func(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
			var rm metricdata.ResourceMetrics
			if err := reader.Collect(r.Context(), &rm); err != nil {
				return nil, err
			}
			return &endpoint.JSONRenderer{Value: rm.ScopeMetrics}, nil
		}))
	}

	store.Start()
	return &app{handler: mux, store: store, orch: orch, limiter: limiter, inst: inst, log: log}, nil
}

// run prunes idle rate limiter buckets until ctx is done.
func (a *app) run(ctx context.Context) {
	if a.limiter == nil {
		return
	}
	t := time.NewTicker(cleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.limiter.Cleanup()
		}
	}
}

func (a *app) Close(ctx context.Context) {
	a.orch.Close()
	a.store.Close()
	if err := a.inst.Shutdown(ctx); err != nil {
		a.log.Warn().Err(err).Msg("instrumentation shutdown")
	}
}

func runServe(ctx context.Context, cfg *config.Config, telemetry bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := newLogger(cfg)
	a, err := newApp(ctx, cfg, log, telemetry)
	if err != nil {
		return err
	}
	go a.run(ctx)

	// Request contexts derive from baseCtx, so cancelling it ends open event
	// streams and lets Shutdown finish.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          stdlog.New(log.With().Str("component", "http").Logger(), "", 0),
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("public_url", cfg.PublicURL).Str("version", version).Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		a.Close(context.Background())
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	cancelBase()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	a.Close(shutdownCtx)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}
