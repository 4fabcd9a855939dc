package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/almudeerhq/almudeer/internal/analysis"
	"github.com/almudeerhq/almudeer/internal/cache"
	"github.com/almudeerhq/almudeer/internal/channels"
	"github.com/almudeerhq/almudeer/internal/channels/email"
	"github.com/almudeerhq/almudeer/internal/channels/telegrambot"
	"github.com/almudeerhq/almudeer/internal/channels/telegramuser"
	"github.com/almudeerhq/almudeer/internal/channels/whatsapp"
	"github.com/almudeerhq/almudeer/internal/config"
	"github.com/almudeerhq/almudeer/internal/conversations"
	"github.com/almudeerhq/almudeer/internal/dedup"
	"github.com/almudeerhq/almudeer/internal/dispatch"
	"github.com/almudeerhq/almudeer/internal/httpapi"
	"github.com/almudeerhq/almudeer/internal/ingest"
	"github.com/almudeerhq/almudeer/internal/logging"
	"github.com/almudeerhq/almudeer/internal/queue"
	"github.com/almudeerhq/almudeer/internal/ratelimit"
	"github.com/almudeerhq/almudeer/internal/store"
	"github.com/almudeerhq/almudeer/internal/vault"
	"github.com/almudeerhq/almudeer/internal/workers"
	"github.com/almudeerhq/almudeer/internal/ws"
)

var workerCount int

func serveCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, schedulers and workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	c.Flags().IntVar(&workerCount, "workers", 0, "task worker count (default WORKER_COUNT)")
	return c
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	log := logging.Setup(cfg.Env, cfg.LogPath)
	httpapi.Version = Version

	db, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Security.EncryptionKey != "" {
		cipher, err := vault.New(cfg.Security.EncryptionKey)
		if err != nil {
			return fmt.Errorf("init credential vault: %w", err)
		}
		db.WithCipher(cipher)
	} else {
		log.Warn("ENCRYPTION_KEY not set, credential payloads stored in the clear")
	}

	if err := store.MigrateUp(db); err != nil {
		return err
	}

	bus, err := cache.New(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	defer bus.Close()

	analyzer, err := analysis.FromConfig(cfg.Analysis)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(bus, cfg.Ingest.MaxPerSenderDay, cfg.Ingest.MaxPerSenderMinute)
	hub := ws.NewHub(bus, log)
	defer hub.Shutdown()
	conv := conversations.New(db, hub, log)

	adapters := channels.Registry{
		store.ChannelEmail:        email.New(log, db, cfg.Uploads.Dir),
		store.ChannelTelegramBot:  telegrambot.New(log),
		store.ChannelTelegramUser: telegramuser.New(log, cfg.Telegram.APIID, cfg.Telegram.APIHash, db),
		store.ChannelWhatsApp:     whatsapp.New(log),
	}

	pipe := ingest.NewPipeline(db, adapters, dedup.New(0), conv, cfg.Uploads.Dir, log)
	sched := ingest.NewScheduler(pipe, limiter, cfg.PollInterval(), cfg.Ingest.BackfillDays, log)
	disp := dispatch.New(db, adapters, conv, hub, log)
	orch := analysis.New(db, limiter, adapters, conv, analyzer, nil, disp, log)
	runner := workers.New(db, hub, log)
	server := httpapi.New(cfg, db, pipe, sched, disp, conv, hub, runner, log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error { return runner.Run(ctx) })

	n := workerCount
	if n <= 0 {
		n = cfg.Ingest.WorkerCount
	}
	for i := 0; i < n; i++ {
		w := queue.NewWorker(db, log)
		w.Handle(queue.TypeAnalyzeMessage, orch.HandleTask)
		w.Handle(queue.TypeSendOutbox, disp.HandleSendTask)
		g.Go(func() error { return w.Run(ctx) })
	}

	g.Go(func() error { return pollReceipts(ctx, db, disp, cfg.PollInterval()) })

	if cfg.Telegram.APIID != 0 {
		startListener(ctx, cfg, db, pipe, disp, log)
	}

	log.Info("almudeer started", "version", Version, "addr", cfg.ListenAddr, "workers", n)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// pollReceipts drives the telegram delivery-status reconciliation once
// per scheduler cycle; the other transports push their receipts over
// webhooks.
func pollReceipts(ctx context.Context, db *store.DB, disp *dispatch.Dispatcher, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			licenses, err := db.ActiveLicenses(ctx)
			if err != nil {
				continue
			}
			for i := range licenses {
				disp.PollTelegramReceipts(ctx, licenses[i].ID)
			}
		}
	}
}

// startListener brings up the MTProto live connections. Best-effort:
// a held lock or a failed session falls back to the poll path.
func startListener(ctx context.Context, cfg *config.Config, db *store.DB,
	pipe *ingest.Pipeline, disp *dispatch.Dispatcher, log *slog.Logger) {
	listener := telegramuser.NewListener(log,
		cfg.Telegram.APIID, cfg.Telegram.APIHash, db,
		filepath.Join(os.TempDir(), "almudeer-telegram.lock"))

	listener.OnMessage = func(licenseID string, msg channels.Message) {
		opCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		cred, err := db.CredentialFor(opCtx, licenseID, store.ChannelTelegramUser)
		if err != nil || cred == nil {
			return
		}
		if err := pipe.IngestBatch(opCtx, cred, []channels.Message{msg}); err != nil {
			log.Warn("live message ingest failed", "license", licenseID, logging.Err(err))
		}
	}
	listener.OnReadReceipt = func(licenseID string, peerID int64, maxID int) {
		opCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		disp.ApplyReadReceipt(opCtx, licenseID, peerID, maxID)
	}

	if err := listener.Start(); err != nil {
		log.Warn("telegram listener not started", logging.Err(err))
		return
	}
	go func() {
		<-ctx.Done()
		listener.Stop()
	}()

	creds, err := db.CredentialsByChannel(ctx, store.ChannelTelegramUser)
	if err != nil {
		log.Warn("telegram credential scan failed", logging.Err(err))
		return
	}
	for i := range creds {
		listener.Connect(ctx, &creds[i])
	}
	if len(creds) > 0 {
		log.Info("telegram listener connected", "sessions", len(creds))
	}
}
