// Package web serves the bot's HTTP endpoints: the channel's activity
// webhook and a status page.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/sheetbot/internal/bot"
	"github.com/JonMunkholm/sheetbot/internal/channel"
	"github.com/JonMunkholm/sheetbot/internal/config"
	"github.com/JonMunkholm/sheetbot/internal/fetch"
	"github.com/JonMunkholm/sheetbot/internal/web/middleware"
)

// MessageHandler answers one inbound message. *bot.Controller implements it.
type MessageHandler interface {
	Handle(ctx context.Context, msg bot.Message) (bot.Reply, error)
}

// Options wires a Server. Sender and Limiter may be nil.
type Options struct {
	Config  *config.Config
	Bot     MessageHandler
	Sender  channel.Sender
	Limiter *fetch.Limiter
	Version string
}

// Server is the bot's HTTP server.
type Server struct {
	cfg     *config.Config
	bot     MessageHandler
	sender  channel.Sender
	limiter *fetch.Limiter
	version string
	started time.Time

	router *chi.Mux
	server *http.Server
}

func NewServer(opts Options) *Server {
	s := &Server{
		cfg:     opts.Config,
		bot:     opts.Bot,
		sender:  opts.Sender,
		limiter: opts.Limiter,
		version: opts.Version,
		started: time.Now(),
		router:  chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(chimw.Timeout(s.cfg.Server.RequestTimeout))
	s.router.Use(securityHeaders)

	if s.cfg.Rate.Enabled {
		limiter := newRateLimiter(s.cfg.Rate.RequestsPerMinute, s.cfg.Rate.Burst)
		s.router.Use(limiter.middleware)
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/", s.handleStatus)

	s.router.Route("/api/messages", func(r chi.Router) {
		r.With(middleware.ChannelAuth(s.cfg.Bot.ChannelTokens)).Post("/", s.handleMessages)
		r.Get("/", s.handleMessagesGet)
	})
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	slog.Info("starting server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
