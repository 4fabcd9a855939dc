package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/almudeerhq/almudeer/internal/logging"
	"github.com/almudeerhq/almudeer/internal/ws"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The operator app connects from a file:// or app:// origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS upgrades the connection and parks it in the hub. The socket
// is write-only from the server side; the read loop only notices the
// close.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	licenseID := r.URL.Query().Get("license")
	if licenseID == "" {
		http.Error(w, "license required", http.StatusUnauthorized)
		return
	}
	lic, err := s.db.LicenseByID(r.Context(), licenseID)
	if err != nil || lic == nil || !lic.Active {
		http.Error(w, "invalid license", http.StatusUnauthorized)
		return
	}

	wsc, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logging.Err(err))
		return
	}

	conn := ws.NewConn(wsc)
	s.hub.Connect(conn, lic.ID)
	defer s.hub.Disconnect(conn, lic.ID)

	wsc.SetReadLimit(4096)
	for {
		if _, _, err := wsc.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	if s.repairer == nil {
		errJSON(w, r, http.StatusServiceUnavailable, "خدمة الإصلاح غير متاحة")
		return
	}
	n, err := s.repairer.RepairAll(r.Context())
	if err != nil {
		s.log.Error("repair failed", logging.Err(err))
		errJSON(w, r, http.StatusInternalServerError, "فشل الإصلاح")
		return
	}
	okJSON(w, r, map[string]any{"repaired": n})
}

// handlePollNow kicks one ingestion cycle off-request.
func (s *Server) handlePollNow(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		errJSON(w, r, http.StatusServiceUnavailable, "خدمة السحب غير متاحة")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		s.sched.Cycle(ctx)
	}()
	okJSON(w, r, map[string]any{"started": true})
}
