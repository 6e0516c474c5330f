package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/viant/afs"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/sheetbot/internal/bot"
	"github.com/JonMunkholm/sheetbot/internal/channel"
	"github.com/JonMunkholm/sheetbot/internal/config"
	"github.com/JonMunkholm/sheetbot/internal/fetch"
	"github.com/JonMunkholm/sheetbot/internal/hostlist"
	"github.com/JonMunkholm/sheetbot/internal/logging"
	"github.com/JonMunkholm/sheetbot/internal/staging"
	"github.com/JonMunkholm/sheetbot/internal/state"
	"github.com/JonMunkholm/sheetbot/internal/web"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Overload lets .env win over the inherited environment.
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded", "config", cfg.String(), "version", version)

	if err := run(cfg); err != nil {
		slog.Error("sheetbot exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	staged := staging.New(afs.New(), cfg.Staging.URL)
	slog.Info("staging files", "url", staged.BaseURL())

	// Evicted conversations take their staged upload with them.
	onEvict := func(ctx context.Context, key string, evicted state.ConversationState) {
		if !evicted.HasFile() {
			return
		}
		if err := staged.Discard(ctx, staging.Ref(evicted.LastFileRef)); err != nil {
			logging.FromContext(ctx).Warn("discard evicted upload", "conversation_id", key, "error", err)
		}
	}

	store, closeStore, err := openStore(ctx, cfg, onEvict)
	if err != nil {
		return err
	}
	defer closeStore()

	serviceHosts := hostlist.List(cfg.Bot.ServiceURLHosts)
	connector := channel.NewConnector(channel.ConnectorOptions{
		AppID:        cfg.Bot.AppID,
		AppPassword:  cfg.Bot.AppPassword,
		TokenURL:     cfg.Bot.TokenURL,
		Scope:        cfg.Bot.Scope,
		Timeout:      cfg.Bot.ReplyTimeout,
		ServiceHosts: serviceHosts,
	})

	var downloadTokens oauth2.TokenSource
	if cfg.Fetch.UseBotToken {
		downloadTokens = connector.TokenSource()
	}
	limiter := fetch.NewLimiter(cfg.Fetch.MaxConcurrent, cfg.Fetch.MaxWait)
	fetcher := fetch.New(fetch.Options{
		Timeout:     cfg.Fetch.Timeout,
		MaxBytes:    cfg.Fetch.MaxBytes,
		Limiter:     limiter,
		TokenSource: downloadTokens,
		TokenHosts:  serviceHosts,
	})

	server := web.NewServer(web.Options{
		Config:  cfg,
		Bot:     bot.NewController(fetcher, staged, store),
		Sender:  connector,
		Limiter: limiter,
		Version: version,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := store.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if st := limiter.Status(); st.Active > 0 {
			slog.Info("waiting for downloads to complete", "active", st.Active)
			if err := limiter.WaitForDrain(shutdownCtx); err != nil {
				slog.Warn("downloads did not complete in time", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// openStore builds the configured conversation state backend. The returned
// func releases it.
func openStore(ctx context.Context, cfg *config.Config, onEvict state.EvictFunc) (state.Store, func(), error) {
	if !cfg.UsesPostgres() {
		store := state.NewMemoryStore(state.MemoryOptions{
			TTL:           cfg.State.TTL,
			SweepInterval: cfg.State.SweepInterval,
			OnEvict:       onEvict,
		})
		return store, func() { store.Close() }, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, nil, errors.New("failed to parse database URL")
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	slog.Info("connected to database", "database", poolConfig.ConnConfig.Database)

	store, err := state.NewPostgresStore(ctx, pool, state.PostgresOptions{
		TTL:           cfg.State.TTL,
		SweepInterval: cfg.State.SweepInterval,
		OnEvict:       onEvict,
	})
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, func() {
		store.Close()
		pool.Close()
	}, nil
}
