package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"carelink.org/internal/disclosure"
	"carelink.org/internal/envelope"
	"carelink.org/internal/notify"
	"carelink.org/internal/session"
	"carelink.org/internal/token"
)

type createDisclosureRequest struct {
	SubjectID        string `json:"subject_id"`
	RecipientID      string `json:"recipient_id"`
	RecipientContact string `json:"recipient_contact"`
	Payload          string `json:"payload"`
}

func (a *API) createDisclosure(w http.ResponseWriter, r *http.Request) {
	var req createDisclosureRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "payload must be base64")
		return
	}
	msg, err := a.disclosures.Create(r.Context(), disclosure.CreateInput{
		SubjectID:        req.SubjectID,
		RecipientID:      req.RecipientID,
		RecipientContact: req.RecipientContact,
		Payload:          payload,
	})
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message_id": msg.ID,
		"created_at": msg.CreatedAt,
	})
}

type redeemRequest struct {
	Token string `json:"token"`
}

// redeemToken starts the verification chain: a valid bearer token yields a
// one-time code dispatched to the recipient's registered contact.
func (a *API) redeemToken(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, r, http.StatusBadRequest, "token is required")
		return
	}

	tok, err := a.tokens.Redeem(r.Context(), req.Token)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	_, _, contact, err := a.resolveContext(r.Context(), tok)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	codeID, err := a.tokens.IssueCode(r.Context(), tok, contact)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	code, err := a.tokens.Code(r.Context(), codeID)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"code_id":          codeID,
		"expires_at":       code.ExpiresAt,
		"masked_recipient": notify.MaskRecipient(contact),
	})
}

type verifyRequest struct {
	CodeID string `json:"code_id"`
	Code   string `json:"code"`
}

// verifyCode completes the chain: a correct code grants a provider session
// bound to the caller's address and agent.
func (a *API) verifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.CodeID == "" || req.Code == "" {
		writeError(w, r, http.StatusBadRequest, "code_id and code are required")
		return
	}

	rec, remaining, err := a.tokens.Verify(r.Context(), req.CodeID, req.Code)
	if errors.Is(err, token.ErrWrongCode) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error":              "wrong code",
			"remaining_attempts": remaining,
		})
		return
	}
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}

	tok, err := a.tokens.Token(r.Context(), rec.TokenHash)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	blobID, subjectID, _, err := a.resolveContext(r.Context(), tok)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	ip := clientIP(r, a.cfg.TrustProxy)
	secret, sess, err := a.provider.Create(r.Context(), blobID, subjectID, ip, r.UserAgent())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": secret,
		"expires_at": sess.ExpiresAt,
	})
}

type resendRequest struct {
	CodeID string `json:"code_id"`
}

// resendCode voids a pending code and dispatches a fresh one for the same
// token.
func (a *API) resendCode(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.CodeID == "" {
		writeError(w, r, http.StatusBadRequest, "code_id is required")
		return
	}
	prev, err := a.tokens.Code(r.Context(), req.CodeID)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	tok, err := a.tokens.Token(r.Context(), prev.TokenHash)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	_, _, contact, err := a.resolveContext(r.Context(), tok)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	codeID, err := a.tokens.ReissueCode(r.Context(), tok, req.CodeID, contact)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	code, err := a.tokens.Code(r.Context(), codeID)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"code_id":          codeID,
		"expires_at":       code.ExpiresAt,
		"masked_recipient": notify.MaskRecipient(contact),
	})
}

// fetchContent decrypts the disclosure behind a validated session.
func (a *API) fetchContent(w http.ResponseWriter, r *http.Request) {
	secret, err := bearerSecret(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	ip := clientIP(r, a.cfg.TrustProxy)
	sess, err := a.provider.Validate(r.Context(), secret, ip, r.UserAgent())
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "invalid or expired session")
		return
	}
	plaintext, err := a.disclosures.Fetch(r.Context(), sess.ContentRef)
	if err != nil {
		a.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"payload":           base64.StdEncoding.EncodeToString(plaintext),
		"remaining_minutes": a.provider.Remaining(sess),
	})
}

func (a *API) terminateSession(w http.ResponseWriter, r *http.Request) {
	secret, err := bearerSecret(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	if err := a.provider.Terminate(r.Context(), secret); err != nil {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "terminated"})
}

// resolveContext maps a token to the encrypted content, the acting
// subject, and the registered contact for code delivery.
func (a *API) resolveContext(ctx context.Context, tok *token.AccessToken) (blobID, subjectID, contact string, err error) {
	switch tok.Kind {
	case token.KindMessage:
		msg, err := a.disclosures.Message(ctx, tok.SubjectID)
		if err != nil {
			return "", "", "", err
		}
		return msg.BlobID, msg.RecipientID, msg.RecipientContact, nil
	case token.KindInvite:
		return a.referrals.InviteContext(ctx, tok.SubjectID)
	default:
		return "", "", "", token.ErrNotFound
	}
}

// handleDomainError maps sentinel errors to status codes. Messages stay
// generic by policy.
func (a *API) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, token.ErrNotFound),
		errors.Is(err, disclosure.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "invalid or expired link")
	case errors.Is(err, token.ErrExpired):
		writeError(w, r, http.StatusGone, "invalid or expired link")
	case errors.Is(err, token.ErrAlreadyUsed):
		writeError(w, r, http.StatusConflict, "link already used")
	case errors.Is(err, token.ErrBlocked), errors.Is(err, token.ErrTooManyCodes):
		writeError(w, r, http.StatusTooManyRequests, "too many attempts")
	case errors.Is(err, session.ErrUnauthorized), errors.Is(err, session.ErrNotFound):
		writeError(w, r, http.StatusUnauthorized, "invalid or expired session")
	case errors.Is(err, disclosure.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, envelope.ErrCryptoFailure):
		writeError(w, r, http.StatusInternalServerError, "content unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
