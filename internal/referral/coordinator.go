package referral

import (
	"context"
	"fmt"
	"strings"
	"time"

	"carelink.org/internal/audit"
	"carelink.org/internal/envelope"
	"carelink.org/internal/ids"
	"carelink.org/internal/notify"
	"carelink.org/internal/obs"
	"carelink.org/internal/token"
)

const (
	maxCandidates   = 5
	maxPayloadBytes = 64 * 1024
)

// Coordinator drives referral creation, viewing, and the atomic claim.
type Coordinator struct {
	store    Store
	env      *envelope.Envelope
	notifier notify.Notifier
	auditLog *audit.Log
	baseURL  string
	now      func() time.Time
}

// Option configures the Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithBaseURL sets the public base for invite links in notifications.
func WithBaseURL(u string) Option {
	return func(c *Coordinator) { c.baseURL = strings.TrimRight(u, "/") }
}

// NewCoordinator wires the claim subsystem. auditLog may be nil in tests.
func NewCoordinator(store Store, env *envelope.Envelope, notifier notify.Notifier, auditLog *audit.Log, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		env:      env,
		notifier: notifier,
		auditLog: auditLog,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateInput is the referral creation request.
type CreateInput struct {
	SubjectRef string
	Pathways   []string
	Urgency    Urgency
	Candidates []Candidate
	Payload    []byte
}

// CreateResult carries the persisted referral and, per invite, the one-time
// bearer secret that was dispatched to the candidate.
type CreateResult struct {
	Referral *Referral
	Invites  []Invite
	// Dispatched counts notifications that actually went out.
	Dispatched int
}

// CreateReferral encrypts the intake once, persists the referral with one
// invite and token per candidate in a single atomic batch, then dispatches
// notifications best-effort outside the batch.
func (c *Coordinator) CreateReferral(ctx context.Context, in CreateInput) (*CreateResult, error) {
	if err := validateCreate(in); err != nil {
		return nil, err
	}
	now := c.now().UTC()
	ttl := normalTTL
	if in.Urgency == UrgencyUrgent {
		ttl = urgentTTL
	}

	blob, err := c.env.Encrypt(ctx, in.Payload)
	if err != nil {
		return nil, err
	}
	rec := &envelope.Record{
		ID:        ids.New(),
		Blob:      blob,
		Status:    envelope.BlobPending,
		CreatedAt: now,
	}

	ref := &Referral{
		ID:          ids.New(),
		SubjectRef:  in.SubjectRef,
		Pathways:    in.Pathways,
		Urgency:     in.Urgency,
		Status:      StatusOpen,
		InviteCount: len(in.Candidates),
		BlobID:      rec.ID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	invites := make([]*Invite, 0, len(in.Candidates))
	tokens := make([]*token.AccessToken, 0, len(in.Candidates))
	secrets := make([]string, 0, len(in.Candidates))
	for _, cand := range in.Candidates {
		secret, idHash, err := token.NewSecret()
		if err != nil {
			return nil, fmt.Errorf("referral: generate token: %w", err)
		}
		inv := &Invite{
			ID:               ids.New(),
			ReferralID:       ref.ID,
			CandidateID:      cand.ID,
			CandidateName:    cand.DisplayName,
			CandidateContact: cand.Contact,
			TokenHash:        idHash,
			Status:           InvitePending,
			ExpiresAt:        now.Add(ttl),
			CreatedAt:        now,
		}
		invites = append(invites, inv)
		tokens = append(tokens, &token.AccessToken{
			IDHash:    idHash,
			SubjectID: inv.ID,
			Kind:      token.KindInvite,
			Status:    token.StatusActive,
			CreatedAt: now,
			// The token must stay redeemable for the invite's whole
			// window so the intake remains readable until the claim
			// itself expires.
			ExpiresAt: now.Add(ttl),
		})
		secrets = append(secrets, secret)
	}

	if err := c.store.CreateReferralBatch(ctx, rec, ref, invites, tokens); err != nil {
		return nil, fmt.Errorf("referral: persist batch: %w", err)
	}
	c.audit(ctx, audit.ActorSystem, "referral.create", ref.ID, audit.OutcomeSuccess, map[string]string{
		"invites": fmt.Sprintf("%d", len(invites)),
		"urgency": string(in.Urgency),
	})

	// Notification dispatch happens outside the atomic boundary. A failed
	// send never rolls the referral back; each failure is logged on its own.
	dispatched := 0
	for i, inv := range invites {
		if err := c.notifier.Send(ctx, c.inviteMessage(inv, secrets[i])); err != nil {
			obs.LogEvent("referral.notify_failed", map[string]any{
				"invite":    inv.ID,
				"recipient": notify.MaskRecipient(inv.CandidateContact),
				"error":     err.Error(),
			})
			continue
		}
		dispatched++
	}

	out := &CreateResult{Referral: ref, Dispatched: dispatched}
	for _, inv := range invites {
		out.Invites = append(out.Invites, *inv)
	}
	return out, nil
}

// ViewInvite resolves an invite token without consuming it and returns the
// referral's current claimability. First view moves pending -> viewed.
func (c *Coordinator) ViewInvite(ctx context.Context, secret string) (*View, error) {
	inv, ref, err := c.resolve(ctx, secret)
	if err != nil {
		return nil, err
	}
	now := c.now().UTC()

	// An overdue invite is reported expired, so it must not be stamped
	// viewed in the store.
	if inv.Status == InvitePending && !inv.expired(now) && !ref.expired(now) {
		if won, err := c.store.SetInviteStatusIf(ctx, inv.ID, InvitePending, InviteViewed, now); err == nil && won {
			inv.Status = InviteViewed
		}
	}

	view := &View{
		ReferralID:   ref.ID,
		Pathways:     ref.Pathways,
		Urgency:      ref.Urgency,
		Status:       ref.Status,
		InviteStatus: inv.Status,
		ExpiresAt:    inv.ExpiresAt,
	}
	switch {
	case ref.Status == StatusAccepted:
		view.IsAcceptedByMe = inv.Status == InviteAccepted
		if ref.AcceptedAt != nil {
			view.AcceptedBy = &AcceptedInfo{DisplayName: ref.AcceptedByName, AcceptedAt: *ref.AcceptedAt}
		}
	case ref.expired(now) || inv.expired(now):
		view.Status = StatusExpired
	case ref.Status == StatusOpen && (inv.Status == InvitePending || inv.Status == InviteViewed):
		view.CanAccept = true
	}
	return view, nil
}

// Accept performs the first-acceptor-wins claim. The pre-checks fail fast
// but are inherently racy; only the store's atomic re-check decides the
// winner.
func (c *Coordinator) Accept(ctx context.Context, secret string) (*AcceptedInfo, error) {
	inv, ref, err := c.resolve(ctx, secret)
	if err != nil {
		obs.ClaimAttempts.WithLabelValues("rejected").Inc()
		return nil, err
	}
	now := c.now().UTC()

	switch inv.Status {
	case InviteAccepted:
		obs.ClaimAttempts.WithLabelValues("repeat").Inc()
		c.audit(ctx, audit.ActorProvider, "referral.accept", ref.ID, audit.OutcomeFailure, map[string]string{"reason": "own_repeat"})
		return c.winnerInfo(ref), ErrAlreadyAccepted
	case InviteExpired, InviteDeclined:
		if ref.Status == StatusAccepted {
			obs.ClaimAttempts.WithLabelValues("lost").Inc()
			c.audit(ctx, audit.ActorProvider, "referral.accept", ref.ID, audit.OutcomeFailure, map[string]string{"reason": "already_accepted"})
			return c.winnerInfo(ref), ErrAlreadyAccepted
		}
		obs.ClaimAttempts.WithLabelValues("rejected").Inc()
		c.audit(ctx, audit.ActorProvider, "referral.accept", ref.ID, audit.OutcomeFailure, map[string]string{"reason": string(inv.Status)})
		return nil, ErrNotOpen
	}
	if inv.expired(now) {
		_, _ = c.store.SetInviteStatusIf(ctx, inv.ID, inv.Status, InviteExpired, now)
		obs.ClaimAttempts.WithLabelValues("expired").Inc()
		c.audit(ctx, audit.ActorProvider, "referral.accept", ref.ID, audit.OutcomeFailure, map[string]string{"reason": "invite_expired"})
		return nil, ErrExpired
	}
	if ref.expired(now) {
		obs.ClaimAttempts.WithLabelValues("expired").Inc()
		c.audit(ctx, audit.ActorProvider, "referral.accept", ref.ID, audit.OutcomeFailure, map[string]string{"reason": "referral_expired"})
		return nil, ErrExpired
	}
	if ref.Status == StatusAccepted {
		_, _ = c.store.SetInviteStatusIf(ctx, inv.ID, inv.Status, InviteExpired, now)
		obs.ClaimAttempts.WithLabelValues("lost").Inc()
		c.audit(ctx, audit.ActorProvider, "referral.accept", ref.ID, audit.OutcomeFailure, map[string]string{"reason": "already_accepted"})
		return c.winnerInfo(ref), ErrAlreadyAccepted
	}
	if ref.Status != StatusOpen {
		obs.ClaimAttempts.WithLabelValues("rejected").Inc()
		c.audit(ctx, audit.ActorProvider, "referral.accept", ref.ID, audit.OutcomeFailure, map[string]string{"reason": string(ref.Status)})
		return nil, ErrNotOpen
	}

	outcome, err := c.store.ClaimReferral(ctx, ref.ID, inv.ID, inv.CandidateID, inv.CandidateName, now)
	if err != nil {
		return nil, fmt.Errorf("referral: claim: %w", err)
	}
	if !outcome.Won {
		_, _ = c.store.SetInviteStatusIf(ctx, inv.ID, inv.Status, InviteExpired, now)
		obs.ClaimAttempts.WithLabelValues("lost").Inc()
		c.audit(ctx, audit.ActorProvider, "referral.accept", ref.ID, audit.OutcomeFailure, map[string]string{"reason": "lost_race"})
		if outcome.Status == StatusAccepted {
			return &outcome.AcceptedBy, ErrAlreadyAccepted
		}
		return nil, ErrNotOpen
	}

	// Post-commit cleanup: the referral status is authoritative, losing
	// this race only affects list freshness.
	c.expireSiblings(ctx, ref.ID, inv.ID, now)

	obs.ClaimAttempts.WithLabelValues("won").Inc()
	c.audit(ctx, audit.ActorProvider, "referral.accept", ref.ID, audit.OutcomeSuccess, map[string]string{
		"invite": inv.ID,
	})
	// Derived record for downstream billing reconciliation.
	obs.LogEvent("billing.referral_accepted", map[string]any{
		"referral":  ref.ID,
		"candidate": inv.CandidateID,
		"at":        now.Format(time.RFC3339),
	})
	return &outcome.AcceptedBy, nil
}

// Decline marks an invite declined without touching the referral; the
// remaining candidates can still claim.
func (c *Coordinator) Decline(ctx context.Context, secret string) error {
	inv, ref, err := c.resolve(ctx, secret)
	if err != nil {
		return err
	}
	now := c.now().UTC()
	if inv.Status != InvitePending && inv.Status != InviteViewed {
		return ErrNotOpen
	}
	if inv.expired(now) {
		_, _ = c.store.SetInviteStatusIf(ctx, inv.ID, inv.Status, InviteExpired, now)
		return ErrExpired
	}
	if _, err := c.store.SetInviteStatusIf(ctx, inv.ID, inv.Status, InviteDeclined, now); err != nil {
		return fmt.Errorf("referral: decline: %w", err)
	}
	c.audit(ctx, audit.ActorProvider, "referral.decline", ref.ID, audit.OutcomeSuccess, map[string]string{"invite": inv.ID})
	return nil
}

// InviteContext resolves the encrypted intake and candidate contact behind
// a verified invite, for session creation and code delivery.
func (c *Coordinator) InviteContext(ctx context.Context, inviteID string) (blobID, candidateID, contact string, err error) {
	inv, err := c.store.FindInvite(ctx, inviteID)
	if err != nil {
		return "", "", "", ErrNotFound
	}
	ref, err := c.store.FindReferral(ctx, inv.ReferralID)
	if err != nil {
		return "", "", "", ErrNotFound
	}
	return ref.BlobID, inv.CandidateID, inv.CandidateContact, nil
}

// Referral returns a referral by id, applying lazy expiry for readers.
func (c *Coordinator) Referral(ctx context.Context, id string) (*Referral, error) {
	ref, err := c.store.FindReferral(ctx, id)
	if err != nil {
		return nil, ErrNotFound
	}
	if ref.expired(c.now().UTC()) {
		ref.Status = StatusExpired
	}
	return ref, nil
}

func (c *Coordinator) resolve(ctx context.Context, secret string) (*Invite, *Referral, error) {
	inv, err := c.store.FindInviteByToken(ctx, token.HashSecret(secret))
	if err != nil {
		return nil, nil, ErrNotFound
	}
	ref, err := c.store.FindReferral(ctx, inv.ReferralID)
	if err != nil {
		return nil, nil, ErrNotFound
	}
	return inv, ref, nil
}

func (c *Coordinator) expireSiblings(ctx context.Context, referralID, winnerInviteID string, now time.Time) {
	invites, err := c.store.ListInvites(ctx, referralID)
	if err != nil {
		obs.LogEvent("referral.expire_siblings_failed", map[string]any{"referral": referralID, "error": err.Error()})
		return
	}
	for _, sib := range invites {
		if sib.ID == winnerInviteID {
			continue
		}
		if sib.Status != InvitePending && sib.Status != InviteViewed {
			continue
		}
		if _, err := c.store.SetInviteStatusIf(ctx, sib.ID, sib.Status, InviteExpired, now); err != nil {
			obs.LogEvent("referral.expire_sibling_failed", map[string]any{"invite": sib.ID, "error": err.Error()})
		}
	}
}

func (c *Coordinator) winnerInfo(ref *Referral) *AcceptedInfo {
	info := &AcceptedInfo{DisplayName: ref.AcceptedByName}
	if ref.AcceptedAt != nil {
		info.AcceptedAt = *ref.AcceptedAt
	}
	return info
}

func (c *Coordinator) inviteMessage(inv *Invite, secret string) notify.Message {
	link := secret
	if c.baseURL != "" {
		link = c.baseURL + "/invites/" + secret
	}
	return notify.Message{
		To:      inv.CandidateContact,
		Subject: "New patient referral",
		Body:    "You have been invited to respond to a patient referral. Open the secure link to review: " + link,
	}
}

func (c *Coordinator) audit(ctx context.Context, actor, action, resourceID, outcome string, details map[string]string) {
	if c.auditLog == nil {
		return
	}
	if _, err := c.auditLog.Append(ctx, audit.Entry{
		ActorType:  actor,
		Action:     action,
		Resource:   "referral",
		ResourceID: resourceID,
		Details:    details,
		Outcome:    outcome,
	}); err != nil {
		obs.LogEvent("audit.append_failed", map[string]any{"action": action, "error": err.Error()})
	}
}

func validateCreate(in CreateInput) error {
	if strings.TrimSpace(in.SubjectRef) == "" {
		return fmt.Errorf("%w: subject is required", ErrValidation)
	}
	if len(in.Pathways) == 0 {
		return fmt.Errorf("%w: at least one pathway is required", ErrValidation)
	}
	if in.Urgency != UrgencyUrgent && in.Urgency != UrgencyNormal {
		return fmt.Errorf("%w: unknown urgency %q", ErrValidation, in.Urgency)
	}
	if len(in.Candidates) == 0 || len(in.Candidates) > maxCandidates {
		return fmt.Errorf("%w: between 1 and %d candidates", ErrValidation, maxCandidates)
	}
	seen := map[string]bool{}
	for _, cand := range in.Candidates {
		if strings.TrimSpace(cand.ID) == "" || strings.TrimSpace(cand.Contact) == "" {
			return fmt.Errorf("%w: candidate id and contact are required", ErrValidation)
		}
		if seen[cand.ID] {
			return fmt.Errorf("%w: duplicate candidate %s", ErrValidation, cand.ID)
		}
		seen[cand.ID] = true
	}
	if len(in.Payload) == 0 {
		return fmt.Errorf("%w: intake payload is required", ErrValidation)
	}
	if len(in.Payload) > maxPayloadBytes {
		return fmt.Errorf("%w: payload exceeds %d bytes", ErrValidation, maxPayloadBytes)
	}
	return nil
}
