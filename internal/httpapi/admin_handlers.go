package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"carelink.org/internal/audit"
	"carelink.org/internal/obs"
)

type adminLoginRequest struct {
	Password string `json:"password"`
}

// adminLogin checks the operator password under the lockout policy and
// issues a cookie session with a CSRF token.
func (a *API) adminLogin(w http.ResponseWriter, r *http.Request) {
	var req adminLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "password is required")
		return
	}

	ip := clientIP(r, a.cfg.TrustProxy)
	status, err := a.limiter.Check(r.Context(), ip)
	if err == nil && !status.Allowed {
		a.auditLoginFailure(r.Context(), "rate_limited", ip)
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":         "too many attempts",
			"blocked_until": status.BlockedUntil.Format(time.RFC3339),
		})
		return
	}

	match := bcrypt.CompareHashAndPassword([]byte(a.cfg.AdminPasswordHash), []byte(req.Password)) == nil
	if recErr := a.limiter.RecordAttempt(r.Context(), ip, match); recErr != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if !match {
		a.auditLoginFailure(r.Context(), "wrong_password", ip)
		writeError(w, r, http.StatusUnauthorized, "invalid password")
		return
	}

	cookie, sess, err := a.admin.Create(r.Context(), ip, r.UserAgent())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     a.cfg.SessionCookieName,
		Value:    cookie,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   a.cfg.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"csrf_token":    sess.CSRFToken,
		"expires_at":    sess.ExpiresAt,
	})
}

func (a *API) adminSession(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(a.cfg.SessionCookieName)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"authenticated": false})
		return
	}
	ip := clientIP(r, a.cfg.TrustProxy)
	sess, err := a.admin.Validate(r.Context(), cookie.Value, ip, r.UserAgent())
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"csrf_token":    sess.CSRFToken,
		"expires_at":    sess.ExpiresAt,
	})
}

// adminLogout requires the CSRF token since it mutates session state.
func (a *API) adminLogout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(a.cfg.SessionCookieName)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"authenticated": false})
		return
	}
	ip := clientIP(r, a.cfg.TrustProxy)
	sess, err := a.admin.Validate(r.Context(), cookie.Value, ip, r.UserAgent())
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"authenticated": false})
		return
	}
	if err := a.admin.CheckCSRF(sess, r.Header.Get("X-CSRF-Token")); err != nil {
		writeError(w, r, http.StatusForbidden, "csrf token mismatch")
		return
	}
	if err := a.admin.Terminate(r.Context(), cookie.Value); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     a.cfg.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cfg.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (a *API) auditLoginFailure(ctx context.Context, reason, ip string) {
	if a.auditLog == nil {
		return
	}
	if _, err := a.auditLog.Append(ctx, audit.Entry{
		ActorType: audit.ActorAdmin,
		Action:    "admin.login",
		Resource:  "admin_session",
		Details:   map[string]string{"reason": reason, "ip": maskIP(ip)},
		Outcome:   audit.OutcomeFailure,
	}); err != nil {
		obs.LogEvent("audit.append_failed", map[string]any{"action": "admin.login", "error": err.Error()})
	}
}

// maskIP keeps enough of an address to correlate incidents without
// recording the full client identity.
func maskIP(ip string) string {
	if parts := strings.Split(ip, "."); len(parts) == 4 {
		return parts[0] + "." + parts[1] + ".x.x"
	}
	if i := strings.Index(ip, ":"); i > 0 {
		return ip[:i] + "::"
	}
	return "masked"
}
