// Package referral owns the referral and invite lifecycle, including the
// correctness-critical first-acceptor-wins claim. All cross-invite
// invariants are enforced by conditional writes at the store, never by
// in-process locking: handlers may run in separate replicas.
package referral

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("referral: not found")
	ErrExpired         = errors.New("referral: expired")
	ErrAlreadyAccepted = errors.New("referral: already accepted")
	ErrNotOpen         = errors.New("referral: not open")
	ErrValidation      = errors.New("referral: invalid input")
)

// Urgency sets invite lifetimes.
type Urgency string

const (
	UrgencyUrgent Urgency = "urgent"
	UrgencyNormal Urgency = "normal"
)

// Expiry per urgency level.
const (
	urgentTTL = 48 * time.Hour
	normalTTL = 7 * 24 * time.Hour
)

// Status is the referral lifecycle state. accepted is terminal.
type Status string

const (
	StatusOpen      Status = "open"
	StatusAccepted  Status = "accepted"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// InviteStatus is one candidate's lifecycle state. Exactly one invite per
// referral may end accepted.
type InviteStatus string

const (
	InvitePending  InviteStatus = "pending"
	InviteViewed   InviteStatus = "viewed"
	InviteAccepted InviteStatus = "accepted"
	InviteExpired  InviteStatus = "expired"
	InviteDeclined InviteStatus = "declined"
)

// Referral is a patient placement request fanned out to candidates.
type Referral struct {
	ID             string
	SubjectRef     string
	Pathways       []string
	Urgency        Urgency
	Status         Status
	AcceptedBy     string
	AcceptedByName string
	AcceptedAt     *time.Time
	InviteCount    int
	BlobID         string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Invite is one candidate's claim opportunity.
type Invite struct {
	ID               string
	ReferralID       string
	CandidateID      string
	CandidateName    string
	CandidateContact string
	TokenHash        string
	Status           InviteStatus
	ViewedAt         *time.Time
	RespondedAt      *time.Time
	ExpiresAt        time.Time
	CreatedAt        time.Time
}

// Candidate identifies one invited provider.
type Candidate struct {
	ID          string
	DisplayName string
	Contact     string
}

// AcceptedInfo is the safe, display-only summary of whoever holds a
// referral. It never exposes internal candidate identifiers to peers.
type AcceptedInfo struct {
	DisplayName string
	AcceptedAt  time.Time
}

// View is what a candidate sees when opening an invite link.
type View struct {
	ReferralID     string
	Pathways       []string
	Urgency        Urgency
	Status         Status
	CanAccept      bool
	IsAcceptedByMe bool
	AcceptedBy     *AcceptedInfo
	InviteStatus   InviteStatus
	ExpiresAt      time.Time
}

// expired reports lazy expiry: readers must treat overdue records as
// expired even before a sweeper rewrites them.
func (r *Referral) expired(now time.Time) bool {
	return r.Status == StatusOpen && now.After(r.ExpiresAt)
}

func (i *Invite) expired(now time.Time) bool {
	return (i.Status == InvitePending || i.Status == InviteViewed) && now.After(i.ExpiresAt)
}
