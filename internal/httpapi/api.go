// Package httpapi is the JSON-over-HTTP surface of the disclosure and
// claim service.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"carelink.org/internal/audit"
	"carelink.org/internal/config"
	"carelink.org/internal/disclosure"
	"carelink.org/internal/obs"
	"carelink.org/internal/rate"
	"carelink.org/internal/referral"
	"carelink.org/internal/session"
	"carelink.org/internal/token"
)

// Pinger reports backing-store health for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// API carries the wired services behind the HTTP handlers.
type API struct {
	cfg         config.Config
	tokens      *token.Service
	disclosures *disclosure.Service
	referrals   *referral.Coordinator
	provider    *session.ProviderStore
	admin       *session.AdminStore
	limiter     *rate.Limiter
	auditLog    *audit.Log
	probe       Pinger
	version     string
}

// New wires the handler set. probe may be nil when no database backs the
// deployment.
func New(cfg config.Config, tokens *token.Service, disclosures *disclosure.Service, referrals *referral.Coordinator, provider *session.ProviderStore, admin *session.AdminStore, limiter *rate.Limiter, auditLog *audit.Log, probe Pinger, version string) *API {
	return &API{
		cfg:         cfg,
		tokens:      tokens,
		disclosures: disclosures,
		referrals:   referrals,
		provider:    provider,
		admin:       admin,
		limiter:     limiter,
		auditLog:    auditLog,
		probe:       probe,
		version:     version,
	}
}

// Handler builds the router with the full middleware stack.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(RequestID)
	r.Use(Logging)
	r.Use(SecurityHeaders)
	if len(a.cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   a.cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "Authorization", "X-CSRF-Token"},
			AllowCredentials: true,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return MaxBodyBytes(next, a.cfg.MaxBodyBytes)
	})
	r.Use(func(next http.Handler) http.Handler {
		return RateLimit(next, a.cfg.RateBurst, a.cfg.RatePerSecond, a.cfg.TrustProxy)
	})

	r.Get("/healthz", a.healthz)
	r.Get("/readyz", a.readyz)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/info", a.info)

		r.Post("/disclosures", a.createDisclosure)

		r.Post("/access/redeem", a.redeemToken)
		r.Post("/access/verify", a.verifyCode)
		r.Post("/access/resend", a.resendCode)

		r.Get("/content", a.fetchContent)
		r.Delete("/session", a.terminateSession)

		r.Post("/referrals", a.createReferral)
		r.Get("/referrals/{id}", a.getReferral)

		r.Get("/invites/{token}", a.viewInvite)
		r.Post("/invites/{token}/accept", a.acceptInvite)
		r.Post("/invites/{token}/decline", a.declineInvite)

		r.Post("/admin/login", a.adminLogin)
		r.Get("/admin/session", a.adminSession)
		r.Post("/admin/logout", a.adminLogout)
	})

	return obs.Instrument(r)
}

// --- health ---

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "carelink-api",
		"version": a.version,
	})
}

func (a *API) readyz(w http.ResponseWriter, r *http.Request) {
	if a.probe != nil {
		if err := a.probe.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "carelink-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError keeps user-visible messages generic; internals are logged
// upstream, never echoed.
func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{"error": msg}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// bearerSecret extracts an opaque session secret from the Authorization
// header.
func bearerSecret(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("invalid authorization scheme")
	}
	secret := strings.TrimSpace(header[len(prefix):])
	if secret == "" {
		return "", errors.New("missing bearer token")
	}
	return secret, nil
}
