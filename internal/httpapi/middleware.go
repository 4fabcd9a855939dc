package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/almudeerhq/almudeer/internal/logging"
	"github.com/almudeerhq/almudeer/internal/store"
)

type ctxKey int

const licenseKey ctxKey = iota

// licenseFrom returns the license resolved by withLicense.
func licenseFrom(ctx context.Context) *store.License {
	lic, _ := ctx.Value(licenseKey).(*store.License)
	return lic
}

// withLicense resolves the tenant from the X-License-ID header or the
// license query parameter and rejects unknown, inactive or expired ones.
func (s *Server) withLicense(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-License-ID")
		if id == "" {
			id = r.URL.Query().Get("license")
		}
		if id == "" {
			errJSON(w, r, http.StatusUnauthorized, "مفتاح الترخيص مطلوب")
			return
		}
		lic, err := s.db.LicenseByID(r.Context(), id)
		if err != nil {
			s.log.Error("license lookup failed", logging.Err(err))
			errJSON(w, r, http.StatusInternalServerError, "خطأ داخلي")
			return
		}
		if lic == nil {
			errJSON(w, r, http.StatusNotFound, "الترخيص غير موجود")
			return
		}
		if !lic.Active || (lic.ExpiresAt != nil && lic.ExpiresAt.Before(time.Now().UTC())) {
			errJSON(w, r, http.StatusUnauthorized, "الترخيص غير فعال أو منتهي")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), licenseKey, lic)))
	})
}

// requireAdmin guards the operational endpoints with the shared key.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := s.cfg.Security.AdminKey
		got := r.Header.Get("X-Admin-Key")
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(got)) != 1 {
			errJSON(w, r, http.StatusForbidden, "غير مصرح")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.log.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.Duration("duration", time.Since(start)),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// envelope helpers shared by every JSON handler.

func okJSON(w http.ResponseWriter, r *http.Request, data any) {
	render.JSON(w, r, map[string]any{"status": "ok", "data": data})
}

func errJSON(w http.ResponseWriter, r *http.Request, code int, msg string) {
	render.Status(r, code)
	render.JSON(w, r, map[string]any{"status": "error", "error": msg})
}
