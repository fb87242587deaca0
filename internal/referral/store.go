package referral

import (
	"context"
	"time"

	"carelink.org/internal/envelope"
	"carelink.org/internal/token"
)

// ClaimOutcome reports the result of the atomic claim transaction.
type ClaimOutcome struct {
	Won        bool
	Status     Status
	AcceptedBy AcceptedInfo
}

// Store persists referrals and invites. Implementations back every
// conditional method with an atomic write (transaction, compare-and-swap,
// or equivalent) against the shared store.
type Store interface {
	// CreateReferralBatch persists the encrypted intake, the referral, its
	// invites, and their access tokens in one atomic batch.
	CreateReferralBatch(ctx context.Context, blob *envelope.Record, r *Referral, invites []*Invite, tokens []*token.AccessToken) error

	FindReferral(ctx context.Context, id string) (*Referral, error)
	FindInvite(ctx context.Context, id string) (*Invite, error)
	FindInviteByToken(ctx context.Context, tokenHash string) (*Invite, error)
	ListInvites(ctx context.Context, referralID string) ([]Invite, error)

	// SetInviteStatusIf transitions an invite from -> to and reports whether
	// this caller performed it. Stores stamp ViewedAt or RespondedAt from
	// at, depending on the target status.
	SetInviteStatusIf(ctx context.Context, inviteID string, from, to InviteStatus, at time.Time) (bool, error)

	// ClaimReferral re-reads the referral status inside a single atomic
	// unit and, only if still open, writes the acceptance and the invite's
	// accepted status. A lost race returns Won=false with the winner.
	ClaimReferral(ctx context.Context, referralID, inviteID, candidateID, candidateName string, at time.Time) (ClaimOutcome, error)

	SetReferralStatus(ctx context.Context, id string, to Status) error

	// ExpireOverdue rewrites non-terminal referrals and invites whose
	// expiry has passed. Readers do not depend on it; see lazy expiry.
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
}
