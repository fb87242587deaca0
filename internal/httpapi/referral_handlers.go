package httpapi

import (
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"carelink.org/internal/referral"
)

type createReferralRequest struct {
	SubjectRef string             `json:"subject_ref"`
	Pathways   []string           `json:"pathways"`
	Urgency    string             `json:"urgency"`
	Candidates []candidatePayload `json:"candidates"`
	Payload    string             `json:"payload"`
}

type candidatePayload struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Contact     string `json:"contact"`
}

func (a *API) createReferral(w http.ResponseWriter, r *http.Request) {
	var req createReferralRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "payload must be base64")
		return
	}
	in := referral.CreateInput{
		SubjectRef: req.SubjectRef,
		Pathways:   req.Pathways,
		Urgency:    referral.Urgency(req.Urgency),
		Payload:    payload,
	}
	for _, c := range req.Candidates {
		in.Candidates = append(in.Candidates, referral.Candidate{
			ID:          c.ID,
			DisplayName: c.DisplayName,
			Contact:     c.Contact,
		})
	}
	res, err := a.referrals.CreateReferral(r.Context(), in)
	if err != nil {
		a.handleReferralError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"referral_id":  res.Referral.ID,
		"invites_sent": res.Dispatched,
		"expires_at":   res.Referral.ExpiresAt,
	})
}

func (a *API) getReferral(w http.ResponseWriter, r *http.Request) {
	ref, err := a.referrals.Referral(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.handleReferralError(w, r, err, nil)
		return
	}
	resp := map[string]any{
		"referral_id":  ref.ID,
		"pathways":     ref.Pathways,
		"urgency":      ref.Urgency,
		"status":       ref.Status,
		"invite_count": ref.InviteCount,
		"expires_at":   ref.ExpiresAt,
	}
	if ref.Status == referral.StatusAccepted {
		resp["accepted_by"] = ref.AcceptedByName
		resp["accepted_at"] = ref.AcceptedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) viewInvite(w http.ResponseWriter, r *http.Request) {
	view, err := a.referrals.ViewInvite(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		a.handleReferralError(w, r, err, nil)
		return
	}
	resp := map[string]any{
		"referral_id":       view.ReferralID,
		"pathways":          view.Pathways,
		"urgency":           view.Urgency,
		"status":            view.Status,
		"invite_status":     view.InviteStatus,
		"can_accept":        view.CanAccept,
		"is_accepted_by_me": view.IsAcceptedByMe,
		"expires_at":        view.ExpiresAt,
	}
	if view.AcceptedBy != nil {
		resp["accepted_by"] = map[string]any{
			"display_name": view.AcceptedBy.DisplayName,
			"accepted_at":  view.AcceptedBy.AcceptedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) acceptInvite(w http.ResponseWriter, r *http.Request) {
	info, err := a.referrals.Accept(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		a.handleReferralError(w, r, err, info)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "accepted",
		"display_name": info.DisplayName,
		"accepted_at":  info.AcceptedAt.Format(time.RFC3339),
	})
}

func (a *API) declineInvite(w http.ResponseWriter, r *http.Request) {
	if err := a.referrals.Decline(r.Context(), chi.URLParam(r, "token")); err != nil {
		a.handleReferralError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "declined"})
}

// handleReferralError maps claim-path errors. A lost race carries the
// winner's display name and time so the caller can show who holds the
// referral.
func (a *API) handleReferralError(w http.ResponseWriter, r *http.Request, err error, winner *referral.AcceptedInfo) {
	switch {
	case errors.Is(err, referral.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, referral.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "invalid or expired link")
	case errors.Is(err, referral.ErrExpired):
		writeError(w, r, http.StatusGone, "referral no longer available")
	case errors.Is(err, referral.ErrAlreadyAccepted):
		payload := map[string]any{"error": "already accepted"}
		if winner != nil {
			payload["accepted_by"] = map[string]any{
				"display_name": winner.DisplayName,
				"accepted_at":  winner.AcceptedAt.Format(time.RFC3339),
			}
		}
		writeJSON(w, http.StatusConflict, payload)
	case errors.Is(err, referral.ErrNotOpen):
		writeError(w, r, http.StatusConflict, "referral not open")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
