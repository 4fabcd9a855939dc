package telegramuser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"

	"github.com/almudeerhq/almudeer/internal/channels"
	"github.com/almudeerhq/almudeer/internal/logging"
	"github.com/almudeerhq/almudeer/internal/store"
)

// Listener is the singleton MTProto event loop. One per process; a pid
// file guards against a second instance racing the same sessions, which
// Telegram punishes with session revocation.
type Listener struct {
	apiID    int
	apiHash  string
	saver    SessionSaver
	lockPath string
	log      *slog.Logger

	// OnMessage receives every normalized event from a live connection,
	// outbound sync included.
	OnMessage func(licenseID string, msg channels.Message)
	// OnReadReceipt fires when a peer reads our history up to maxID.
	OnReadReceipt func(licenseID string, peerID int64, maxID int)

	mu       sync.Mutex
	unlock   func()
	sessions map[string]context.CancelFunc
}

// NewListener builds the listener. Start must be called before any
// license connects.
func NewListener(log *slog.Logger, apiID int, apiHash string, saver SessionSaver, lockPath string) *Listener {
	return &Listener{
		apiID:    apiID,
		apiHash:  apiHash,
		saver:    saver,
		lockPath: lockPath,
		log:      log.With(logging.Module("telegram_listener")),
		sessions: make(map[string]context.CancelFunc),
	}
}

// Start acquires the singleton lock. A live lock held by another
// process is an error; a stale one from a dead process is reclaimed.
func (l *Listener) Start() error {
	unlock, err := acquirePIDLock(l.lockPath)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.unlock = unlock
	l.mu.Unlock()
	l.log.Info("listener lock acquired", "path", l.lockPath)
	return nil
}

// Stop cancels every session and releases the lock.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for licenseID, cancel := range l.sessions {
		cancel()
		delete(l.sessions, licenseID)
	}
	if l.unlock != nil {
		l.unlock()
		l.unlock = nil
	}
}

// Connect starts (or restarts) the live connection for one license. The
// connection reconnects with backoff until the context ends or the
// session is revoked; revocation deactivates nothing here, the caller
// watches the returned error channel.
func (l *Listener) Connect(ctx context.Context, cred *store.Credential) <-chan error {
	l.mu.Lock()
	if cancel, ok := l.sessions[cred.LicenseID]; ok {
		cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.sessions[cred.LicenseID] = cancel
	l.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		defer cancel()
		backoff := time.Second
		for {
			err := l.runSession(runCtx, cred)
			if runCtx.Err() != nil {
				done <- runCtx.Err()
				return
			}
			if err != nil && !channels.IsRetryable(err) {
				l.log.Error("session unrecoverable", "license", cred.LicenseID, logging.Err(err))
				done <- err
				return
			}
			l.log.Warn("session dropped, reconnecting",
				"license", cred.LicenseID, "backoff", backoff, logging.Err(err))
			select {
			case <-runCtx.Done():
				done <- runCtx.Err()
				return
			case <-time.After(backoff):
			}
			if backoff < time.Minute {
				backoff *= 2
			}
		}
	}()
	return done
}

// Disconnect tears down one license's connection.
func (l *Listener) Disconnect(licenseID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cancel, ok := l.sessions[licenseID]; ok {
		cancel()
		delete(l.sessions, licenseID)
	}
}

func (l *Listener) runSession(ctx context.Context, cred *store.Credential) error {
	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, update *tg.UpdateNewMessage) error {
		l.handleNewMessage(cred.LicenseID, e, update)
		return nil
	})
	dispatcher.OnReadHistoryOutbox(func(ctx context.Context, e tg.Entities, update *tg.UpdateReadHistoryOutbox) error {
		if peer, ok := update.Peer.(*tg.PeerUser); ok && l.OnReadReceipt != nil {
			l.OnReadReceipt(cred.LicenseID, peer.UserID, update.MaxID)
		}
		return nil
	})

	storage := &payloadStorage{cred: cred, saver: l.saver}
	client := telegram.NewClient(l.apiID, l.apiHash, telegram.Options{
		SessionStorage: storage,
		UpdateHandler:  dispatcher,
	})
	return client.Run(ctx, func(ctx context.Context) error {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			return channels.NewTransportError("api", true, err)
		}
		if !status.Authorized {
			return channels.NewTransportError("auth", false,
				fmt.Errorf("telegram session revoked"))
		}
		l.log.Info("listener connected", "license", cred.LicenseID)
		<-ctx.Done()
		return ctx.Err()
	})
}

func (l *Listener) handleNewMessage(licenseID string, e tg.Entities, update *tg.UpdateNewMessage) {
	msg, ok := update.Message.(*tg.Message)
	if !ok || l.OnMessage == nil {
		return
	}

	// Resolve the counterparty: the sender for inbound, the recipient
	// peer for our own outbound events.
	var userID int64
	if peer, ok := msg.PeerID.(*tg.PeerUser); ok {
		userID = peer.UserID
	}
	if !msg.Out {
		if from, ok := msg.FromID.(*tg.PeerUser); ok {
			userID = from.UserID
		}
	}
	user := e.Users[userID]
	if user == nil {
		return
	}
	if !msg.Out && isBot(user) {
		return
	}
	l.OnMessage(licenseID, normalizeMessage(msg, user))
}

// acquirePIDLock writes our pid into the lock file. An existing file
// referencing a live process fails the acquisition; a stale file is
// replaced.
func acquirePIDLock(path string) (func(), error) {
	if raw, err := os.ReadFile(path); err == nil {
		pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err == nil && pid > 0 && processAlive(pid) {
			return nil, fmt.Errorf("listener already running with pid %d (lock %s)", pid, path)
		}
		_ = os.Remove(path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("acquire listener lock: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	return func() { _ = os.Remove(path) }, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
