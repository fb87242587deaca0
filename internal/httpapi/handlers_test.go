package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"carelink.org/internal/audit"
	"carelink.org/internal/config"
	"carelink.org/internal/disclosure"
	"carelink.org/internal/envelope"
	"carelink.org/internal/kms"
	"carelink.org/internal/notify"
	"carelink.org/internal/rate"
	"carelink.org/internal/referral"
	"carelink.org/internal/session"
	"carelink.org/internal/store/memory"
	"carelink.org/internal/token"
)

const adminPassword = "operator-pass"

// recorder collects outbound notifications so tests can recover the
// secrets and codes that production delivers out of band.
type recorder struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recorder) Send(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) bodies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Body
	}
	return out
}

func (r *recorder) lastBody(t *testing.T) string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		t.Fatalf("no notifications recorded")
	}
	return r.msgs[len(r.msgs)-1].Body
}

// linkSecret pulls the bearer secret out of a delivery body. Without a
// public base URL the link is the bare secret after the final ": ".
func linkSecret(t *testing.T, body string) string {
	t.Helper()
	idx := strings.LastIndex(body, ": ")
	if idx < 0 {
		t.Fatalf("no link in body %q", body)
	}
	return strings.TrimSpace(body[idx+2:])
}

var codePattern = regexp.MustCompile(`\b(\d{6})\b`)

func codeFromBody(t *testing.T, body string) string {
	t.Helper()
	m := codePattern.FindStringSubmatch(body)
	if m == nil {
		t.Fatalf("no code in body %q", body)
	}
	return m[1]
}

type apiClient struct {
	baseURL string
	client  *http.Client
	notes   *recorder
	store   *memory.Store
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	st := memory.New()
	keys, err := kms.NewLocal("handler-test-kek")
	if err != nil {
		t.Fatalf("kms: %v", err)
	}
	env := envelope.New(keys, true)
	log := audit.New(st)
	notes := &recorder{}

	tokens := token.NewService(st, notes, log)
	disclosures := disclosure.NewService(st, st, env, notes, log)
	referrals := referral.NewCoordinator(st, env, notes, log)
	provider := session.NewProviderStore(st, log)
	admin := session.NewAdminStore(st, log)
	limiter := rate.NewLimiter(st)

	hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	cfg := config.Config{
		SessionCookieName: "carelink_admin",
		AdminPasswordHash: string(hash),
		TokenTTL:          24 * time.Hour,
		RateBurst:         1000,
		RatePerSecond:     1000,
		MaxBodyBytes:      1 << 17,
	}

	api := New(cfg, tokens, disclosures, referrals, provider, admin, limiter, log, nil, "test")
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		notes:   notes,
		store:   st,
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, headers map[string]string) *http.Response {
	return c.do(http.MethodGet, path, nil, headers)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func wantStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("status = %d, want %d", resp.StatusCode, want)
	}
}

// createDisclosure seeds a message and returns its access secret.
func (c *apiClient) createDisclosure(payload []byte) (messageID, secret string) {
	c.t.Helper()
	resp := c.post("/v1/disclosures", map[string]any{
		"subject_id":        "patient-77",
		"recipient_id":      "prov-9",
		"recipient_contact": "dr.ivanova@clinic.example",
		"payload":           base64.StdEncoding.EncodeToString(payload),
	}, nil)
	wantStatus(c.t, resp, http.StatusCreated)
	out := decode[struct {
		MessageID string `json:"message_id"`
	}](c.t, resp)
	if out.MessageID == "" {
		c.t.Fatalf("empty message id")
	}
	return out.MessageID, linkSecret(c.t, c.notes.lastBody(c.t))
}

func TestDisclosureAccessChain(t *testing.T) {
	c := newTestAPI(t)
	plaintext := []byte(`{"diagnosis":"hypertension","notes":"follow up in 2 weeks"}`)
	_, secret := c.createDisclosure(plaintext)

	resp := c.post("/v1/access/redeem", map[string]any{"token": secret}, nil)
	wantStatus(t, resp, http.StatusOK)
	redeem := decode[struct {
		CodeID          string `json:"code_id"`
		MaskedRecipient string `json:"masked_recipient"`
	}](t, resp)
	if redeem.CodeID == "" {
		t.Fatalf("empty code id")
	}
	if strings.Contains(redeem.MaskedRecipient, "ivanova") {
		t.Fatalf("recipient not masked: %q", redeem.MaskedRecipient)
	}

	code := codeFromBody(t, c.notes.lastBody(t))
	resp = c.post("/v1/access/verify", map[string]any{"code_id": redeem.CodeID, "code": code}, nil)
	wantStatus(t, resp, http.StatusOK)
	sess := decode[struct {
		SessionID string `json:"session_id"`
	}](t, resp)
	if sess.SessionID == "" {
		t.Fatalf("empty session id")
	}

	auth := map[string]string{"Authorization": "Bearer " + sess.SessionID}
	resp = c.get("/v1/content", auth)
	wantStatus(t, resp, http.StatusOK)
	content := decode[struct {
		Payload          string `json:"payload"`
		RemainingMinutes int    `json:"remaining_minutes"`
	}](t, resp)
	got, err := base64.StdEncoding.DecodeString(content.Payload)
	if err != nil {
		t.Fatalf("payload not base64: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("payload = %q, want %q", got, plaintext)
	}
	if content.RemainingMinutes <= 0 {
		t.Fatalf("remaining_minutes = %d", content.RemainingMinutes)
	}

	resp = c.do(http.MethodDelete, "/v1/session", nil, auth)
	wantStatus(t, resp, http.StatusOK)
	resp = c.get("/v1/content", auth)
	wantStatus(t, resp, http.StatusUnauthorized)
}

func TestRedeemUnknownToken(t *testing.T) {
	c := newTestAPI(t)
	resp := c.post("/v1/access/redeem", map[string]any{"token": "not-a-real-secret"}, nil)
	wantStatus(t, resp, http.StatusNotFound)
}

func TestRedeemTwiceConflicts(t *testing.T) {
	c := newTestAPI(t)
	_, secret := c.createDisclosure([]byte("referral summary"))

	resp := c.post("/v1/access/redeem", map[string]any{"token": secret}, nil)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = c.post("/v1/access/redeem", map[string]any{"token": secret}, nil)
	wantStatus(t, resp, http.StatusConflict)
}

func TestVerifyWrongCode(t *testing.T) {
	c := newTestAPI(t)
	_, secret := c.createDisclosure([]byte("lab results"))

	resp := c.post("/v1/access/redeem", map[string]any{"token": secret}, nil)
	wantStatus(t, resp, http.StatusOK)
	redeem := decode[struct {
		CodeID string `json:"code_id"`
	}](t, resp)

	real := codeFromBody(t, c.notes.lastBody(t))
	wrong := "000000"
	if wrong == real {
		wrong = "000001"
	}
	resp = c.post("/v1/access/verify", map[string]any{"code_id": redeem.CodeID, "code": wrong}, nil)
	wantStatus(t, resp, http.StatusUnauthorized)
	out := decode[struct {
		Remaining int `json:"remaining_attempts"`
	}](t, resp)
	if out.Remaining != 4 {
		t.Fatalf("remaining_attempts = %d, want 4", out.Remaining)
	}

	// The correct code still works after a miss.
	resp = c.post("/v1/access/verify", map[string]any{"code_id": redeem.CodeID, "code": real}, nil)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestResendVoidsPreviousCode(t *testing.T) {
	c := newTestAPI(t)
	_, secret := c.createDisclosure([]byte("discharge summary"))

	resp := c.post("/v1/access/redeem", map[string]any{"token": secret}, nil)
	wantStatus(t, resp, http.StatusOK)
	redeem := decode[struct {
		CodeID string `json:"code_id"`
	}](t, resp)
	firstCode := codeFromBody(t, c.notes.lastBody(t))

	resp = c.post("/v1/access/resend", map[string]any{"code_id": redeem.CodeID}, nil)
	wantStatus(t, resp, http.StatusOK)
	resent := decode[struct {
		CodeID string `json:"code_id"`
	}](t, resp)
	if resent.CodeID == redeem.CodeID {
		t.Fatalf("resend returned the same code id")
	}

	resp = c.post("/v1/access/verify", map[string]any{"code_id": redeem.CodeID, "code": firstCode}, nil)
	if resp.StatusCode == http.StatusOK {
		t.Fatalf("voided code still verified")
	}
	resp.Body.Close()

	second := codeFromBody(t, c.notes.lastBody(t))
	resp = c.post("/v1/access/verify", map[string]any{"code_id": resent.CodeID, "code": second}, nil)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestInviteViewAcceptConflict(t *testing.T) {
	c := newTestAPI(t)
	resp := c.post("/v1/referrals", map[string]any{
		"subject_ref": "patient-12",
		"pathways":    []string{"cardiology"},
		"urgency":     "normal",
		"candidates": []map[string]any{
			{"id": "prov-a", "display_name": "Dr. Ahn", "contact": "ahn@clinic.example"},
			{"id": "prov-b", "display_name": "Dr. Brandt", "contact": "brandt@clinic.example"},
		},
		"payload": base64.StdEncoding.EncodeToString([]byte("intake packet")),
	}, nil)
	wantStatus(t, resp, http.StatusCreated)
	created := decode[struct {
		ReferralID  string `json:"referral_id"`
		InvitesSent int    `json:"invites_sent"`
	}](t, resp)
	if created.InvitesSent != 2 {
		t.Fatalf("invites_sent = %d, want 2", created.InvitesSent)
	}

	bodies := c.notes.bodies()
	if len(bodies) < 2 {
		t.Fatalf("expected 2 invite notifications, got %d", len(bodies))
	}
	secretA := linkSecret(t, bodies[len(bodies)-2])
	secretB := linkSecret(t, bodies[len(bodies)-1])

	resp = c.get("/v1/invites/"+secretA, nil)
	wantStatus(t, resp, http.StatusOK)
	view := decode[struct {
		ReferralID string `json:"referral_id"`
		CanAccept  bool   `json:"can_accept"`
	}](t, resp)
	if view.ReferralID != created.ReferralID || !view.CanAccept {
		t.Fatalf("view = %+v", view)
	}

	resp = c.post("/v1/invites/"+secretA+"/accept", nil, nil)
	wantStatus(t, resp, http.StatusOK)
	won := decode[struct {
		Status      string `json:"status"`
		DisplayName string `json:"display_name"`
	}](t, resp)
	if won.Status != "accepted" || won.DisplayName != "Dr. Ahn" {
		t.Fatalf("accept = %+v", won)
	}

	resp = c.post("/v1/invites/"+secretB+"/accept", nil, nil)
	wantStatus(t, resp, http.StatusConflict)
	lost := decode[struct {
		AcceptedBy struct {
			DisplayName string `json:"display_name"`
		} `json:"accepted_by"`
	}](t, resp)
	if lost.AcceptedBy.DisplayName != "Dr. Ahn" {
		t.Fatalf("loser sees winner %q, want Dr. Ahn", lost.AcceptedBy.DisplayName)
	}

	resp = c.get("/v1/referrals/"+created.ReferralID, nil)
	wantStatus(t, resp, http.StatusOK)
	ref := decode[struct {
		Status     string `json:"status"`
		AcceptedBy string `json:"accepted_by"`
	}](t, resp)
	if ref.Status != "accepted" || ref.AcceptedBy != "Dr. Ahn" {
		t.Fatalf("referral = %+v", ref)
	}
}

func TestDeclineInvite(t *testing.T) {
	c := newTestAPI(t)
	resp := c.post("/v1/referrals", map[string]any{
		"subject_ref": "patient-31",
		"pathways":    []string{"physio"},
		"urgency":     "urgent",
		"candidates": []map[string]any{
			{"id": "prov-a", "display_name": "Dr. Ahn", "contact": "ahn@clinic.example"},
		},
		"payload": base64.StdEncoding.EncodeToString([]byte("intake packet")),
	}, nil)
	wantStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	secret := linkSecret(t, c.notes.lastBody(t))
	resp = c.post("/v1/invites/"+secret+"/decline", nil, nil)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	// A declined invite cannot accept later.
	resp = c.post("/v1/invites/"+secret+"/accept", nil, nil)
	wantStatus(t, resp, http.StatusConflict)
}

func TestAdminLoginSessionLogout(t *testing.T) {
	c := newTestAPI(t)

	resp := c.post("/v1/admin/login", map[string]any{"password": "wrong"}, nil)
	wantStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = c.post("/v1/admin/login", map[string]any{"password": adminPassword}, nil)
	wantStatus(t, resp, http.StatusOK)
	login := decode[struct {
		CSRFToken string `json:"csrf_token"`
	}](t, resp)
	if login.CSRFToken == "" {
		t.Fatalf("empty csrf token")
	}
	var cookie string
	for _, ck := range resp.Cookies() {
		if ck.Name == "carelink_admin" {
			cookie = ck.Value
			if !ck.HttpOnly {
				t.Fatalf("session cookie not HttpOnly")
			}
		}
	}
	if cookie == "" {
		t.Fatalf("no session cookie set")
	}
	withCookie := map[string]string{"Cookie": "carelink_admin=" + cookie}

	resp = c.get("/v1/admin/session", withCookie)
	wantStatus(t, resp, http.StatusOK)
	sess := decode[struct {
		Authenticated bool `json:"authenticated"`
	}](t, resp)
	if !sess.Authenticated {
		t.Fatalf("session not authenticated")
	}

	// Logout without the CSRF header is refused.
	resp = c.post("/v1/admin/logout", nil, withCookie)
	wantStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.post("/v1/admin/logout", nil, map[string]string{
		"Cookie":       "carelink_admin=" + cookie,
		"X-CSRF-Token": login.CSRFToken,
	})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = c.get("/v1/admin/session", withCookie)
	wantStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestAdminLoginLockout(t *testing.T) {
	c := newTestAPI(t)

	for i := 0; i < 5; i++ {
		resp := c.post("/v1/admin/login", map[string]any{"password": "wrong"}, nil)
		wantStatus(t, resp, http.StatusUnauthorized)
		resp.Body.Close()
	}

	resp := c.post("/v1/admin/login", map[string]any{"password": adminPassword}, nil)
	wantStatus(t, resp, http.StatusTooManyRequests)
	out := decode[struct {
		BlockedUntil string `json:"blocked_until"`
	}](t, resp)
	if out.BlockedUntil == "" {
		t.Fatalf("missing blocked_until")
	}
	if _, err := time.Parse(time.RFC3339, out.BlockedUntil); err != nil {
		t.Fatalf("blocked_until not RFC3339: %v", err)
	}

	entries, err := c.store.ListEntries(context.Background(), 0, 200)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	var limited bool
	for _, e := range entries {
		if e.Action == "admin.login" && e.Details["reason"] == "rate_limited" {
			limited = true
		}
	}
	if !limited {
		t.Fatal("no audit entry for the rate-limited rejection")
	}
}

func TestFailedAdminLoginIsAudited(t *testing.T) {
	c := newTestAPI(t)

	resp := c.post("/v1/admin/login", map[string]any{"password": "wrong"}, nil)
	wantStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	entries, err := c.store.ListEntries(context.Background(), 0, 100)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	var found *audit.Entry
	for i := range entries {
		if entries[i].Action == "admin.login" && entries[i].Outcome == audit.OutcomeFailure {
			found = &entries[i]
		}
	}
	if found == nil {
		t.Fatal("no failure entry for the rejected login")
	}
	if found.Details["reason"] != "wrong_password" {
		t.Fatalf("reason = %q, want wrong_password", found.Details["reason"])
	}
	ip := found.Details["ip"]
	if ip == "" || strings.Contains(ip, "127.0.0.1") {
		t.Fatalf("ip detail %q must be present and masked", ip)
	}
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	c := newTestAPI(t)
	resp := c.get("/healthz", nil)
	wantStatus(t, resp, http.StatusOK)
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q", got)
	}
	if got := resp.Header.Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options = %q", got)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control = %q", got)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("missing X-Request-Id")
	}
}

func TestRejectsUnknownJSONFields(t *testing.T) {
	c := newTestAPI(t)
	resp := c.post("/v1/access/redeem", map[string]any{"token": "x", "bogus": true}, nil)
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestContentRequiresSession(t *testing.T) {
	c := newTestAPI(t)
	resp := c.get("/v1/content", nil)
	wantStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = c.get("/v1/content", map[string]string{"Authorization": "Bearer nope"})
	wantStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}
