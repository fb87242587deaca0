// Package memory provides a single in-process store backing every
// persistence interface in the service. It exists for tests and local
// development; the conditional writes hold under one mutex, which gives the
// same winner-resolution guarantees the Postgres store gives through
// transactions.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"carelink.org/internal/audit"
	"carelink.org/internal/disclosure"
	"carelink.org/internal/envelope"
	"carelink.org/internal/rate"
	"carelink.org/internal/referral"
	"carelink.org/internal/session"
	"carelink.org/internal/token"
)

var errNotFound = errors.New("memory: not found")

// Store is an in-memory implementation of every persistence interface.
type Store struct {
	mu sync.Mutex

	blobs    map[string]*envelope.Record
	tokens   map[string]*token.AccessToken
	codes    map[string]*token.VerificationCode
	provider map[string]*session.Provider
	admin    map[string]*session.Admin
	limits   map[string]*rate.Record
	messages map[string]*disclosure.Message
	refs     map[string]*referral.Referral
	invites  map[string]*referral.Invite

	entries []audit.Entry
	nextSeq uint64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		blobs:    make(map[string]*envelope.Record),
		tokens:   make(map[string]*token.AccessToken),
		codes:    make(map[string]*token.VerificationCode),
		provider: make(map[string]*session.Provider),
		admin:    make(map[string]*session.Admin),
		limits:   make(map[string]*rate.Record),
		messages: make(map[string]*disclosure.Message),
		refs:     make(map[string]*referral.Referral),
		invites:  make(map[string]*referral.Invite),
		nextSeq:  1,
	}
}

// --- envelope.BlobStore ---

func (s *Store) CreateBlob(ctx context.Context, r *envelope.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.blobs[r.ID] = &cp
	return nil
}

func (s *Store) FindBlob(ctx context.Context, id string) (*envelope.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.blobs[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) MarkBlobAccessed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.blobs[id]
	if !ok {
		return errNotFound
	}
	r.Status = envelope.BlobAccessed
	return nil
}

// --- token.Store ---

func (s *Store) CreateToken(ctx context.Context, t *token.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tokens[t.IDHash] = &cp
	return nil
}

func (s *Store) FindToken(ctx context.Context, idHash string) (*token.AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[idHash]
	if !ok {
		return nil, token.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) UpdateTokenStatusIf(ctx context.Context, idHash string, from, to token.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[idHash]
	if !ok {
		return false, token.ErrNotFound
	}
	if t.Status != from {
		return false, nil
	}
	t.Status = to
	return true, nil
}

func (s *Store) SetTokenStatus(ctx context.Context, idHash string, to token.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[idHash]
	if !ok {
		return token.ErrNotFound
	}
	t.Status = to
	return nil
}

func (s *Store) CreateCode(ctx context.Context, c *token.VerificationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.codes[c.ID] = &cp
	return nil
}

func (s *Store) FindCode(ctx context.Context, id string) (*token.VerificationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[id]
	if !ok {
		return nil, token.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) IncrementCodeAttempts(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[id]
	if !ok {
		return 0, token.ErrNotFound
	}
	c.Attempts++
	return c.Attempts, nil
}

func (s *Store) SetCodeStatus(ctx context.Context, id string, to token.CodeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[id]
	if !ok {
		return token.ErrNotFound
	}
	c.Status = to
	return nil
}

func (s *Store) SetCodeDelivery(ctx context.Context, id string, to token.DeliveryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[id]
	if !ok {
		return token.ErrNotFound
	}
	c.DeliveryStatus = to
	return nil
}

func (s *Store) CountCodesForToken(ctx context.Context, tokenHash string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.codes {
		if c.TokenHash == tokenHash {
			n++
		}
	}
	return n, nil
}

// --- session.Store ---

func (s *Store) CreateProviderSession(ctx context.Context, p *session.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.provider[p.IDHash] = &cp
	return nil
}

func (s *Store) FindProviderSession(ctx context.Context, idHash string) (*session.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.provider[idHash]
	if !ok {
		return nil, session.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) EndProviderSession(ctx context.Context, idHash string, status session.Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.provider[idHash]
	if !ok {
		return session.ErrNotFound
	}
	if p.Status != session.StatusActive {
		return nil
	}
	p.Status = status
	p.Reason = reason
	return nil
}

func (s *Store) TouchProviderSession(ctx context.Context, idHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.provider[idHash]
	if !ok {
		return session.ErrNotFound
	}
	p.LastActivityAt = at
	return nil
}

func (s *Store) CreateAdminSession(ctx context.Context, a *session.Admin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.admin[a.ID] = &cp
	return nil
}

func (s *Store) FindAdminSession(ctx context.Context, id string) (*session.Admin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.admin[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) EndAdminSession(ctx context.Context, id string, status session.Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.admin[id]
	if !ok {
		return session.ErrNotFound
	}
	if a.Status != session.StatusActive {
		return nil
	}
	a.Status = status
	a.Reason = reason
	return nil
}

func (s *Store) TouchAdminSession(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.admin[id]
	if !ok {
		return session.ErrNotFound
	}
	a.LastActivityAt = at
	return nil
}

// --- rate.Store ---

func (s *Store) FindRateLimit(ctx context.Context, key string) (*rate.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.limits[key]
	if !ok {
		return nil, errNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) PutRateLimit(ctx context.Context, rec *rate.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.limits[rec.Key] = &cp
	return nil
}

func (s *Store) DeleteRateLimit(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.limits, key)
	return nil
}

// --- audit.Store ---

func (s *Store) AppendEntry(ctx context.Context, e *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Seq = s.nextSeq
	s.nextSeq++
	s.entries = append(s.entries, *e)
	return nil
}

func (s *Store) LatestEntryID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return "", nil
	}
	return s.entries[len(s.entries)-1].ID, nil
}

func (s *Store) ListEntries(ctx context.Context, fromSeq uint64, limit int) ([]audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Entry, 0, limit)
	for _, e := range s.entries {
		if e.Seq < fromSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- disclosure.Store ---

func (s *Store) CreateMessageBatch(ctx context.Context, blob *envelope.Record, m *disclosure.Message, tok *token.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bc, mc, tc := *blob, *m, *tok
	s.blobs[blob.ID] = &bc
	s.messages[m.ID] = &mc
	s.tokens[tok.IDHash] = &tc
	return nil
}

func (s *Store) FindMessage(ctx context.Context, id string) (*disclosure.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *m
	return &cp, nil
}

// --- referral.Store ---

func (s *Store) CreateReferralBatch(ctx context.Context, blob *envelope.Record, r *referral.Referral, invites []*referral.Invite, tokens []*token.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bc, rc := *blob, *r
	s.blobs[blob.ID] = &bc
	s.refs[r.ID] = &rc
	for _, iv := range invites {
		cp := *iv
		s.invites[iv.ID] = &cp
	}
	for _, t := range tokens {
		cp := *t
		s.tokens[t.IDHash] = &cp
	}
	return nil
}

func (s *Store) FindReferral(ctx context.Context, id string) (*referral.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refs[id]
	if !ok {
		return nil, referral.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) FindInvite(ctx context.Context, id string) (*referral.Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iv, ok := s.invites[id]
	if !ok {
		return nil, referral.ErrNotFound
	}
	cp := *iv
	return &cp, nil
}

func (s *Store) FindInviteByToken(ctx context.Context, tokenHash string) (*referral.Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, iv := range s.invites {
		if iv.TokenHash == tokenHash {
			cp := *iv
			return &cp, nil
		}
	}
	return nil, referral.ErrNotFound
}

func (s *Store) ListInvites(ctx context.Context, referralID string) ([]referral.Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []referral.Invite
	for _, iv := range s.invites {
		if iv.ReferralID == referralID {
			out = append(out, *iv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SetInviteStatusIf(ctx context.Context, inviteID string, from, to referral.InviteStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iv, ok := s.invites[inviteID]
	if !ok {
		return false, referral.ErrNotFound
	}
	if iv.Status != from {
		return false, nil
	}
	s.stampInvite(iv, to, at)
	return true, nil
}

func (s *Store) stampInvite(iv *referral.Invite, to referral.InviteStatus, at time.Time) {
	iv.Status = to
	switch to {
	case referral.InviteViewed:
		t := at
		iv.ViewedAt = &t
	case referral.InviteAccepted, referral.InviteDeclined, referral.InviteExpired:
		t := at
		iv.RespondedAt = &t
	}
}

func (s *Store) ClaimReferral(ctx context.Context, referralID, inviteID, candidateID, candidateName string, at time.Time) (referral.ClaimOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refs[referralID]
	if !ok {
		return referral.ClaimOutcome{}, referral.ErrNotFound
	}
	if r.Status != referral.StatusOpen {
		return referral.ClaimOutcome{
			Won:    false,
			Status: r.Status,
			AcceptedBy: referral.AcceptedInfo{
				DisplayName: r.AcceptedByName,
				AcceptedAt:  derefTime(r.AcceptedAt),
			},
		}, nil
	}
	iv, ok := s.invites[inviteID]
	if !ok {
		return referral.ClaimOutcome{}, referral.ErrNotFound
	}
	t := at
	r.Status = referral.StatusAccepted
	r.AcceptedBy = candidateID
	r.AcceptedByName = candidateName
	r.AcceptedAt = &t
	s.stampInvite(iv, referral.InviteAccepted, at)
	return referral.ClaimOutcome{
		Won:        true,
		Status:     referral.StatusAccepted,
		AcceptedBy: referral.AcceptedInfo{DisplayName: candidateName, AcceptedAt: at},
	}, nil
}

func (s *Store) SetReferralStatus(ctx context.Context, id string, to referral.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refs[id]
	if !ok {
		return referral.ErrNotFound
	}
	r.Status = to
	return nil
}

func (s *Store) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.refs {
		if r.Status == referral.StatusOpen && !now.Before(r.ExpiresAt) {
			r.Status = referral.StatusExpired
			n++
		}
	}
	for _, iv := range s.invites {
		if (iv.Status == referral.InvitePending || iv.Status == referral.InviteViewed) && !now.Before(iv.ExpiresAt) {
			s.stampInvite(iv, referral.InviteExpired, now)
			n++
		}
	}
	return n, nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
