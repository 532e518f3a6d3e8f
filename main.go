// Command bot runs the multi-channel Twitch bot supervisor and its control API.
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens the database (Postgres or SQLite) and applies migrations.
//   - Restores the bot credential, renewing it through the token authorities.
//   - Starts the channel manager and connects BOT_AUTOCONNECT channels.
//   - Serves the control API, SSE event stream and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/O-Tiger/WebServiceTwitchBot/bot"
	"github.com/O-Tiger/WebServiceTwitchBot/chat"
	"github.com/O-Tiger/WebServiceTwitchBot/config"
	"github.com/O-Tiger/WebServiceTwitchBot/credential"
	"github.com/O-Tiger/WebServiceTwitchBot/crypto"
	"github.com/O-Tiger/WebServiceTwitchBot/db"
	"github.com/O-Tiger/WebServiceTwitchBot/server"
	"github.com/O-Tiger/WebServiceTwitchBot/telemetry"
	"github.com/O-Tiger/WebServiceTwitchBot/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("twitch-bot", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect(cfg.DBDriver, cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	if err := migrate(database, cfg.DBDriver); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	store := db.NewStore(database, nil)
	switch sealer, err := crypto.FromEnv(); {
	case errors.Is(err, crypto.ErrNoKey):
		slog.Warn("ENCRYPTION_KEY not set, credentials are stored in plaintext", slog.String("component", "crypto"))
	case err != nil:
		slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
		os.Exit(1)
	default:
		store.Sealer = sealer
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	official := &twitchapi.OfficialAuthority{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		RedirectURI:  cfg.TwitchRedirectURI,
		BaseURL:      cfg.TwitchIDURL,
	}
	creds := credential.New(credential.Options{
		Primary:   &twitchapi.GeneratorAuthority{BaseURL: cfg.TokenGeneratorURL},
		Fallback:  official,
		Validator: official,
		Persister: &db.CredentialStore{Store: store, Provider: "twitch"},
		Initial: credential.Credential{
			AccessToken:  cfg.TwitchAccessToken,
			RefreshToken: cfg.TwitchRefreshToken,
			Login:        cfg.TwitchBotUsername,
		},
	})
	if err := cfg.ValidateCredentials(); err != nil {
		slog.Warn("bot credentials incomplete; authorize via /auth/twitch/start", slog.Any("err", err))
	}
	lctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	if !creds.Load(lctx) {
		slog.Warn("no valid bot token at startup; channels will not connect until one is obtained", slog.String("component", "credential"))
	}
	cancel()

	username := cfg.TwitchBotUsername
	if username == "" {
		username = creds.Current().Login
	}
	manager := bot.NewManager(ctx, bot.Options{
		Transport:       &chat.IRCTransport{Username: username},
		Store:           store,
		BonusInterval:   cfg.BonusInterval,
		BonusPoints:     cfg.BonusPoints,
		SubBonus:        cfg.SubBonus,
		SendInterval:    cfg.SendInterval,
		SendBurst:       cfg.SendBurst,
		DisconnectGrace: cfg.DisconnectGrace,
		Denylist:        cfg.Denylist,
	})
	defer manager.Close()

	hub := server.NewHub(0)
	manager.SetCallbacks(hub.Callbacks())

	autoConnect(ctx, manager, creds, cfg)

	if os.Getenv("ENABLE_PPROF") == "1" {
		startPprof()
	}

	deps := server.Deps{
		Supervisor:    manager,
		Credentials:   creds,
		Directory:     store,
		Events:        hub,
		DB:            database,
		OAuth:         official,
		Scopes:        cfg.TwitchScopes,
		CommandPrefix: cfg.CommandPrefix,
		Config:        cfg,
	}
	if cfg.TwitchClientID != "" {
		deps.Users = &twitchapi.HelixClient{ClientID: cfg.TwitchClientID, Token: creds.GetValidToken}
	}
	handler := server.NewMux(ctx, deps)
	go func() {
		if err := server.Start(ctx, handler, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}

func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// migrate applies versioned migrations on Postgres, falling back to the
// embedded schema for SQLite or when golang-migrate fails.
func migrate(database *sql.DB, driver string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if driver != "pgx" {
		return db.Migrate(ctx, database)
	}
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded schema",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		return db.Migrate(ctx, database)
	}
	return nil
}

// autoConnect joins the configured channels once a token is available.
func autoConnect(ctx context.Context, m *bot.Manager, creds *credential.Store, cfg *config.Config) {
	if len(cfg.AutoConnect) == 0 {
		return
	}
	token, ok := creds.GetValidToken(ctx)
	if !ok {
		slog.Warn("skipping autoconnect: no valid token", slog.Any("channels", cfg.AutoConnect))
		return
	}
	for _, ch := range cfg.AutoConnect {
		if !m.Connect(ch, token, cfg.CommandPrefix) {
			slog.Warn("autoconnect rejected", slog.String("channel", ch))
		}
	}
}

func startPprof() {
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
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
