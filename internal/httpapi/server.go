// Package httpapi is the engine's HTTP surface: transport webhooks, the
// operator inbox and conversation endpoints, the offline sync API, the
// WebSocket upgrade and the health/metrics plumbing.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/almudeerhq/almudeer/internal/config"
	"github.com/almudeerhq/almudeer/internal/conversations"
	"github.com/almudeerhq/almudeer/internal/dispatch"
	"github.com/almudeerhq/almudeer/internal/ingest"
	"github.com/almudeerhq/almudeer/internal/logging"
	"github.com/almudeerhq/almudeer/internal/store"
	"github.com/almudeerhq/almudeer/internal/workers"
	"github.com/almudeerhq/almudeer/internal/ws"
)

// Version is stamped by the build; the health endpoint reports it.
var Version = "dev"

// Server carries the wired engine services the handlers reach into.
type Server struct {
	cfg      *config.Config
	db       *store.DB
	pipe     *ingest.Pipeline
	sched    *ingest.Scheduler
	disp     *dispatch.Dispatcher
	conv     *conversations.Engine
	hub      *ws.Hub
	repairer *workers.Runner
	validate *validator.Validate
	log      *slog.Logger
}

// New assembles the server. sched and repairer may be nil; the admin
// trigger endpoints then answer 503.
func New(cfg *config.Config, db *store.DB, pipe *ingest.Pipeline, sched *ingest.Scheduler,
	disp *dispatch.Dispatcher, conv *conversations.Engine, hub *ws.Hub,
	repairer *workers.Runner, log *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		db:       db,
		pipe:     pipe,
		sched:    sched,
		disp:     disp,
		conv:     conv,
		hub:      hub,
		repairer: repairer,
		validate: validator.New(),
		log:      log.With(logging.Module("httpapi")),
	}
}

// Router builds the chi route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	// Webhooks authenticate by payload content, not by license header.
	r.Route("/webhook", func(wh chi.Router) {
		wh.Post("/telegram/{license}", s.handleTelegramWebhook)
		wh.Get("/whatsapp", s.handleWhatsAppVerify)
		wh.Post("/whatsapp", s.handleWhatsAppWebhook)
	})

	r.Group(func(api chi.Router) {
		api.Use(render.SetContentType(render.ContentTypeJSON))
		api.Use(s.withLicense)

		api.Get("/inbox", s.handleListInbox)
		api.Post("/inbox/{id}/approve", s.handleApprove)
		api.Delete("/messages/{id}", s.handleDeleteMessage)

		api.Get("/conversations", s.handleListConversations)
		api.Get("/conversations/{sender}/messages", s.handleConversationMessages)
		api.Delete("/conversations/{sender}", s.handleDeleteConversation)

		api.Post("/sync/batch", s.handleSyncBatch)
		api.Get("/sync/delta", s.handleSyncDelta)
		api.Post("/push/register", s.handleRegisterPushToken)
	})

	r.Get("/ws", s.handleWS)

	r.Group(func(admin chi.Router) {
		admin.Use(render.SetContentType(render.ContentTypeJSON))
		admin.Use(s.requireAdmin)
		admin.Post("/admin/repair", s.handleRepair)
		admin.Post("/admin/poll", s.handlePollNow)
	})

	return r
}

// Run serves until the context ends, then drains with a grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Router(),
		ErrorLog:     slog.NewLogLogger(s.log.Handler(), slog.LevelError),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("http server started", "addr", s.cfg.ListenAddr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{"status": "ok", "version": Version})
}
