// Command broadcast is the main entrypoint for the continuous live-broadcast
// orchestrator. It:
//   - Loads configuration and initializes structured logging (with an
//     optional Discord sink for high-severity records).
//   - Connects to Postgres and runs idempotent migrations.
//   - Logs into the video platform and starts the orchestration loop.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status,
//     /requests/{videoID}, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM. A fatal orchestration error is
// reported at CRITICAL severity and the process exits cleanly so the
// supervisor restarts it with fresh state.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nucosen/broadcast/clock"
	"github.com/nucosen/broadcast/config"
	"github.com/nucosen/broadcast/db"
	"github.com/nucosen/broadcast/nicoapi"
	"github.com/nucosen/broadcast/notify"
	"github.com/nucosen/broadcast/orchestrator"
	"github.com/nucosen/broadcast/queue"
	"github.com/nucosen/broadcast/selection"
	"github.com/nucosen/broadcast/server"
	"github.com/nucosen/broadcast/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	opts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Render the custom CRITICAL level by name instead of "ERROR+4".
			if a.Key == slog.LevelKey {
				if l, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(notify.LevelName(l))
				}
			}
			return a
		},
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	if format != "json" {
		format = "text"
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.New(handler).Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Forward error-and-above records to Discord when a webhook is configured.
	if cfg.DiscordWebhookURL != "" {
		handler = notify.NewHandler(handler, cfg.DiscordWebhookURL, slog.LevelError)
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized",
		slog.String("level", lvl.String()),
		slog.String("format", format),
		slog.Bool("discord_sink", cfg.DiscordWebhookURL != ""))

	if err := cfg.ValidateLoginReady(); err != nil {
		slog.Error("config incomplete", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateReserveReady(); err != nil {
		slog.Error("config incomplete", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("nucosen-broadcast", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Run database migrations: versioned migrations first (golang-migrate),
	// falling back to the embedded idempotent SQL for deployments created
	// before the schema_migrations table existed.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("embedded SQL migration completed", slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed", slog.String("component", "db_migrate"))
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Platform session and API clients. The session is established once up
	// front; the client re-establishes it whenever the platform rejects the
	// cookie mid-flight.
	session := &nicoapi.Session{
		LoginID:  cfg.LoginID,
		Password: cfg.Password,
		TOTPSeed: cfg.TOTPSeed,
	}
	if err := session.Login(ctx); err != nil {
		slog.Error("initial login failed", slog.Any("err", err))
		os.Exit(1)
	}
	api := &nicoapi.Client{Session: session}
	quotes := &nicoapi.QuoteClient{
		API: api,
		Layout: nicoapi.Layout{
			QuoteMain:    cfg.QuoteMain,
			MainVolume:   cfg.MainVolume,
			SubVolume:    cfg.SubVolume,
			SubSoundOnly: cfg.SubSoundOnly,
		},
		DisallowedTags: cfg.DisallowedTags,
		Settle:         cfg.QuoteSettle,
	}
	lives := &nicoapi.LiveClient{API: api}
	store := &queue.Store{DB: database}
	picker := &selection.Picker{API: api}

	orch := orchestrator.New(cfg, quotes, lives, store, picker, clock.System{})

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/readiness/status/request intake/metrics)
	go func() {
		h := &server.Handlers{DB: database, Orch: orch, Queue: store}
		if err := server.Start(ctx, h, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	slog.Info("orchestrator starting", slog.String("community", cfg.CommunityID))
	if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		// A clean exit hands control to the supervisor, which restarts the
		// process with a fresh session and queue connection.
		slog.Log(ctx, notify.LevelCritical, "orchestration aborted",
			slog.Any("err", err),
			slog.String("stack", string(debug.Stack())))
		stop()
		os.Exit(0)
	}
	slog.Info("shutting down")
}
