package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/gghorizon/edge-gateway/internal/botauth"
	"github.com/gghorizon/edge-gateway/internal/config"
	"github.com/gghorizon/edge-gateway/internal/events"
	"github.com/gghorizon/edge-gateway/internal/gate"
	"github.com/gghorizon/edge-gateway/internal/grpcserver"
	"github.com/gghorizon/edge-gateway/internal/handlers"
	"github.com/gghorizon/edge-gateway/internal/kafka"
	"github.com/gghorizon/edge-gateway/internal/middleware"
	"github.com/gghorizon/edge-gateway/internal/ratelimit"
	"github.com/gghorizon/edge-gateway/internal/repository"
	"github.com/gghorizon/edge-gateway/internal/session"
	"github.com/gghorizon/edge-gateway/internal/telemetry"
	"github.com/gghorizon/edge-gateway/internal/validator"
)

func main() {
	cfg := config.Load()
	upstream := validateConfig(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing := telemetry.Setup(ctx, "edge-gateway", cfg.OTLPEndpoint)
	defer func() {
		shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Printf("[otel] Shutdown error: %v", err)
		}
	}()

	ready := map[string]handlers.Pinger{}
	var wg sync.WaitGroup
	sweep := time.Duration(cfg.SweepIntervalSecs) * time.Second

	// --- Rate limit store ---
	local := ratelimit.NewMemoryStore()
	var store ratelimit.Store = local
	if cfg.RedisURL != "" {
		rs, err := ratelimit.NewRedisStore(cfg.RedisURL, local)
		if err != nil {
			log.Printf("[startup] REDIS_URL invalid, using in-memory limits: %v", err)
		} else {
			defer rs.Close()
			store = rs
			ready["redis"] = rs
			log.Println("[startup] Rate limits shared through Redis")
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		local.Run(ctx, sweep)
	}()

	adminWindow := time.Duration(cfg.AdminRateWindowSecs) * time.Second
	apiWindow := time.Duration(cfg.APIRateWindowSecs) * time.Second
	botWindow := time.Duration(cfg.BotRateWindowSecs) * time.Second
	adminQuota := ratelimit.Quota{Max: cfg.AdminRateLimit, Window: adminWindow}
	adminLimiter := ratelimit.New("admin", store, adminQuota, adminQuota)
	apiLimiter := ratelimit.New("api", store,
		ratelimit.Quota{Max: cfg.APIRateLimit, Window: apiWindow},
		ratelimit.Quota{Max: cfg.AdminAPIRateLimit, Window: apiWindow},
	)
	botQuota := ratelimit.Quota{Max: cfg.BotRateLimit, Window: botWindow}
	botLimiter := ratelimit.New("bot", store, botQuota, botQuota)

	// --- Security event sinks ---
	sinks := []events.Sink{events.LogSink{}}
	if cfg.SecurityEventURL != "" {
		sinks = append(sinks, events.NewHTTPSink(cfg.SecurityEventURL, nil))
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.SecurityEventTopic)
		defer producer.Close()
		sinks = append(sinks, producer)
		log.Printf("[startup] Publishing security events to Kafka topic %s", cfg.SecurityEventTopic)
	}
	if cfg.DatabaseURL != "" {
		if repo := openRepository(ctx, cfg.DatabaseURL); repo != nil {
			sinks = append(sinks, repo)
			ready["postgres"] = repo
		}
	}
	dispatcher := events.NewDispatcher(events.DefaultDispatcherOptions(), sinks...)
	var dispatchWG sync.WaitGroup
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	dispatchWG.Add(1)
	go func() {
		defer dispatchWG.Done()
		dispatcher.Run(dispatchCtx)
	}()

	// --- Session cache ---
	var verifier session.Verifier
	if cfg.SessionVerifyURL != "" {
		verifier = session.NewHTTPVerifier(cfg.SessionVerifyURL, cfg.SessionCookieName, nil)
	} else {
		verifier = session.NewJWTVerifier(cfg.SessionSigningKey)
	}
	sessions := session.NewCache(verifier,
		time.Duration(cfg.SessionCacheTTLSecs)*time.Second,
		time.Duration(cfg.SessionVerifyTimeout)*time.Second,
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sessions.Run(ctx, sweep)
	}()

	// --- Gates ---
	adminGate := gate.New(gate.Options{
		Validator:         validator.New(cfg.SiteDomain),
		Limiter:           adminLimiter,
		Sessions:          sessions,
		Events:            dispatcher,
		CookieName:        cfg.SessionCookieName,
		RetryAfterSeconds: cfg.AdminRateWindowSecs,
	})
	bots := botauth.New(botauth.Options{
		Token:          cfg.BotAPIToken,
		TokenHash:      cfg.BotAPITokenHash,
		AllowDevBypass: cfg.AllowDevBotBypass,
		Production:     cfg.IsProduction(),
		Limiter:        botLimiter,
		Events:         dispatcher,
	})

	// --- Start servers ---
	wg.Add(1)
	go func() {
		defer wg.Done()
		startHTTPServer(ctx, cfg, upstream, adminGate, bots, apiLimiter, handlers.NewHealthHandler(ready))
	}()

	// Metrics server: dedicated port for Prometheus scraping, outside the gate and limiters
	wg.Add(1)
	go func() {
		defer wg.Done()
		startMetricsServer(ctx, cfg)
	}()

	// gRPC server: internal session and bot-token checks
	wg.Add(1)
	go func() {
		defer wg.Done()
		startGRPCServer(ctx, cfg, grpcserver.NewServer(grpcserver.Options{
			Sessions:       sessions,
			Bots:           bots,
			BotLimiter:     botLimiter,
			SessionLimiter: apiLimiter,
			Events:         dispatcher,
		}))
	}()

	// Graceful shutdown on SIGINT / SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("[shutdown] Received signal: %v, beginning graceful shutdown...", sig)
	cancel()
	wg.Wait()

	// Servers are down, so nothing else will be emitted; flush what is queued.
	stopDispatch()
	dispatchWG.Wait()
	log.Println("[shutdown] Edge gateway stopped cleanly")
}

// validateConfig checks configuration at startup. Only an unusable upstream is
// fatal; a missing secret leaves its surface closed rather than open.
func validateConfig(cfg *config.Config) *url.URL {
	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		log.Fatalf("[startup] UPSTREAM_URL must be an absolute URL, got %q", cfg.UpstreamURL)
	}
	if cfg.SessionVerifyURL == "" && cfg.SessionSigningKey == "" {
		log.Println("[startup] WARNING: neither SESSION_VERIFY_URL nor SESSION_SIGNING_KEY is set; every admin request will be denied")
	}
	if cfg.BotAPIToken == "" && cfg.BotAPITokenHash == "" {
		log.Println("[startup] WARNING: BOT_API_TOKEN is not set; bot endpoints will reject every caller")
	}
	if cfg.AllowDevBotBypass && cfg.IsProduction() {
		log.Println("[startup] WARNING: ALLOW_DEV_BOT_BYPASS is ignored in production")
	}
	log.Printf("[startup] Port=%s GRPCPort=%s MetricsPort=%s Env=%s Upstream=%s AdminLimit=%d/%ds SessionTTL=%ds",
		cfg.Port, cfg.GRPCPort, cfg.MetricsPort, cfg.Environment, upstream.Redacted(),
		cfg.AdminRateLimit, cfg.AdminRateWindowSecs, cfg.SessionCacheTTLSecs)
	return upstream
}

// openRepository connects the Postgres event store. Failure disables the sink
// without stopping the gateway.
func openRepository(ctx context.Context, dsn string) *repository.PostgresRepo {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Printf("[startup] Failed to open database connection, event store disabled: %v", err)
		return nil
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	repo := repository.NewPostgresRepo(db)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := repo.EnsureSchema(pingCtx); err != nil {
		log.Printf("[startup] Event store schema setup failed, continuing without it: %v", err)
		db.Close()
		return nil
	}
	log.Println("[startup] Connected to PostgreSQL event store")
	return repo
}

func startHTTPServer(
	ctx context.Context,
	cfg *config.Config,
	upstream *url.URL,
	adminGate *gate.AdminGate,
	bots *botauth.Authenticator,
	apiLimiter *ratelimit.Limiter,
	healthH *handlers.HealthHandler,
) {
	headerOpts := middleware.DefaultHeaderOptions()
	headerOpts.APILimiter = apiLimiter
	headerOpts.Policy = middleware.DefaultCSP(cfg.IsProduction())

	handler := middleware.Chain(
		newRouter(handlers.NewUpstreamProxy(upstream), adminGate, bots, healthH),
		middleware.Metrics,
		middleware.RequestID,
		middleware.RequestLogger,
		middleware.SecurityHeaders(headerOpts),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[http] Shutdown error: %v", err)
		}
	}()

	log.Printf("[http] Listening on :%s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("[http] Server error: %v", err)
	}
}

// newRouter picks the guard for a request from its decoded, cleaned path, so
// escaped separators (/admin%2Fusers) or dot segments cannot route an admin or
// bot path around its guard. ServeMux only serves the health probes.
func newRouter(proxy http.Handler, adminGate *gate.AdminGate, bots *botauth.Authenticator, healthH *handlers.HealthHandler) http.Handler {
	gated := adminGate.Wrap(proxy)
	botOnly := bots.Middleware(proxy)

	// Health probes are never gated. Kubelet hits them frequently.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/live", healthH.Liveness)
	mux.HandleFunc("GET /health/ready", healthH.Readiness)
	mux.Handle("/", proxy)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := path.Clean("/" + r.URL.Path)
		switch {
		case underPrefix(p, "/admin"):
			gated.ServeHTTP(w, r)
		case underPrefix(p, "/api/bot"):
			botOnly.ServeHTTP(w, r)
		default:
			mux.ServeHTTP(w, r)
		}
	})
}

// underPrefix reports whether the cleaned path p is prefix itself or below it.
func underPrefix(p, prefix string) bool {
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// startMetricsServer binds the Prometheus /metrics endpoint to a dedicated port.
func startMetricsServer(ctx context.Context, cfg *config.Config) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[metrics] Shutdown error: %v", err)
		}
	}()

	log.Printf("[metrics] Listening on :%s", cfg.MetricsPort)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("[metrics] Server error: %v", err)
	}
}

func startGRPCServer(ctx context.Context, cfg *config.Config, edge *grpcserver.Server) {
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		log.Fatalf("[grpc] Failed to listen on :%s: %v", cfg.GRPCPort, err)
	}

	s := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			Time:              2 * time.Minute,
			Timeout:           20 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             30 * time.Second,
			PermitWithoutStream: true,
		}),
		// logging → panic recovery
		grpc.ChainUnaryInterceptor(
			grpcLoggingInterceptor,
			grpcRecoveryInterceptor,
		),
	)

	grpcserver.Register(s, edge)

	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()

	log.Printf("[grpc] Listening on :%s", cfg.GRPCPort)
	if err := s.Serve(lis); err != nil {
		log.Printf("[grpc] Server error: %v", err)
	}
}

// grpcLoggingInterceptor logs every gRPC call with method name, duration, and status code.
func grpcLoggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := codes.OK
	if err != nil {
		code = status.Code(err)
	}
	log.Printf("[grpc] %s %s %v", info.FullMethod, code, time.Since(start).Round(time.Millisecond))
	return resp, err
}

// grpcRecoveryInterceptor turns a handler panic into codes.Internal.
func grpcRecoveryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[grpc] PANIC in %s: %v\n%s", info.FullMethod, r, debug.Stack())
			err = status.Errorf(codes.Internal, "internal server error")
		}
	}()
	return handler(ctx, req)
}

