package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"carelink.org/internal/disclosure"
	"carelink.org/internal/envelope"
	"carelink.org/internal/referral"
	"carelink.org/internal/token"
)

var (
	_ referral.Store   = (*Store)(nil)
	_ disclosure.Store = (*Store)(nil)
)

func (s *Store) CreateMessageBatch(ctx context.Context, blob *envelope.Record, m *disclosure.Message, tok *token.AccessToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertBlob(ctx, tx, blob); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into disclosure_messages(id, subject_id, recipient_id, recipient_contact, blob_id, token_hash, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, m.ID, m.SubjectID, m.RecipientID, m.RecipientContact, m.BlobID, m.TokenHash, m.CreatedAt); err != nil {
		return err
	}
	if err := insertToken(ctx, tx, tok); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) FindMessage(ctx context.Context, id string) (*disclosure.Message, error) {
	var m disclosure.Message
	err := s.db.QueryRowContext(ctx, `
		select id, subject_id, recipient_id, recipient_contact, blob_id, token_hash, created_at
		from disclosure_messages where id=$1
	`, id).Scan(&m.ID, &m.SubjectID, &m.RecipientID, &m.RecipientContact, &m.BlobID, &m.TokenHash, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, disclosure.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) CreateReferralBatch(ctx context.Context, blob *envelope.Record, r *referral.Referral, invites []*referral.Invite, tokens []*token.AccessToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertBlob(ctx, tx, blob); err != nil {
		return err
	}
	pathways, err := json.Marshal(r.Pathways)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into referrals(id, subject_ref, pathways, urgency, status, invite_count, blob_id, created_at, expires_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, r.ID, r.SubjectRef, pathways, string(r.Urgency), string(r.Status), r.InviteCount, r.BlobID, r.CreatedAt, r.ExpiresAt); err != nil {
		return err
	}
	for _, iv := range invites {
		if _, err := tx.ExecContext(ctx, `
			insert into referral_invites(id, referral_id, candidate_id, candidate_name, candidate_contact, token_hash, status, expires_at, created_at)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, iv.ID, iv.ReferralID, iv.CandidateID, iv.CandidateName, iv.CandidateContact, iv.TokenHash, string(iv.Status), iv.ExpiresAt, iv.CreatedAt); err != nil {
			return err
		}
	}
	for _, t := range tokens {
		if err := insertToken(ctx, tx, t); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const referralCols = `id, subject_ref, pathways, urgency, status, coalesce(accepted_by,''), coalesce(accepted_by_name,''), accepted_at, invite_count, blob_id, created_at, expires_at`

func (s *Store) FindReferral(ctx context.Context, id string) (*referral.Referral, error) {
	r, err := scanReferral(s.db.QueryRowContext(ctx, `
		select `+referralCols+` from referrals where id=$1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, referral.ErrNotFound
	}
	return r, err
}

const inviteCols = `id, referral_id, candidate_id, candidate_name, candidate_contact, token_hash, status, viewed_at, responded_at, expires_at, created_at`

func (s *Store) FindInvite(ctx context.Context, id string) (*referral.Invite, error) {
	iv, err := scanInvite(s.db.QueryRowContext(ctx, `
		select `+inviteCols+` from referral_invites where id=$1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, referral.ErrNotFound
	}
	return iv, err
}

func (s *Store) FindInviteByToken(ctx context.Context, tokenHash string) (*referral.Invite, error) {
	iv, err := scanInvite(s.db.QueryRowContext(ctx, `
		select `+inviteCols+` from referral_invites where token_hash=$1
	`, tokenHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, referral.ErrNotFound
	}
	return iv, err
}

func (s *Store) ListInvites(ctx context.Context, referralID string) ([]referral.Invite, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+inviteCols+` from referral_invites where referral_id=$1 order by id asc
	`, referralID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []referral.Invite
	for rows.Next() {
		iv, err := scanInvite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *iv)
	}
	return out, rows.Err()
}

func (s *Store) SetInviteStatusIf(ctx context.Context, inviteID string, from, to referral.InviteStatus, at time.Time) (bool, error) {
	stamp := "responded_at"
	if to == referral.InviteViewed {
		stamp = "viewed_at"
	}
	res, err := s.db.ExecContext(ctx, `
		update referral_invites set status=$3, `+stamp+`=$4
		where id=$1 and status=$2
	`, inviteID, string(from), string(to), at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ClaimReferral(ctx context.Context, referralID, inviteID, candidateID, candidateName string, at time.Time) (referral.ClaimOutcome, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return referral.ClaimOutcome{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Row lock so the status re-read and the claim write are one unit.
	var status, acceptedName string
	var acceptedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
		select status, coalesce(accepted_by_name,''), accepted_at
		from referrals where id=$1 for update
	`, referralID).Scan(&status, &acceptedName, &acceptedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return referral.ClaimOutcome{}, referral.ErrNotFound
	}
	if err != nil {
		return referral.ClaimOutcome{}, err
	}
	if referral.Status(status) != referral.StatusOpen {
		out := referral.ClaimOutcome{
			Won:        false,
			Status:     referral.Status(status),
			AcceptedBy: referral.AcceptedInfo{DisplayName: acceptedName},
		}
		if acceptedAt.Valid {
			out.AcceptedBy.AcceptedAt = acceptedAt.Time
		}
		return out, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		update referrals set status=$2, accepted_by=$3, accepted_by_name=$4, accepted_at=$5
		where id=$1
	`, referralID, string(referral.StatusAccepted), candidateID, candidateName, at); err != nil {
		return referral.ClaimOutcome{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update referral_invites set status=$2, responded_at=$3 where id=$1
	`, inviteID, string(referral.InviteAccepted), at); err != nil {
		return referral.ClaimOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return referral.ClaimOutcome{}, err
	}
	return referral.ClaimOutcome{
		Won:        true,
		Status:     referral.StatusAccepted,
		AcceptedBy: referral.AcceptedInfo{DisplayName: candidateName, AcceptedAt: at},
	}, nil
}

func (s *Store) SetReferralStatus(ctx context.Context, id string, to referral.Status) error {
	_, err := s.db.ExecContext(ctx, `
		update referrals set status=$2 where id=$1
	`, id, string(to))
	return err
}

func (s *Store) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	total := 0
	res, err := s.db.ExecContext(ctx, `
		update referrals set status=$1 where status=$2 and expires_at <= $3
	`, string(referral.StatusExpired), string(referral.StatusOpen), now)
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err == nil {
		total += int(n)
	}
	res, err = s.db.ExecContext(ctx, `
		update referral_invites set status=$1, responded_at=$4
		where status in ($2,$3) and expires_at <= $4
	`, string(referral.InviteExpired), string(referral.InvitePending), string(referral.InviteViewed), now)
	if err != nil {
		return total, err
	}
	if n, err := res.RowsAffected(); err == nil {
		total += int(n)
	}
	return total, nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReferral(row rowScanner) (*referral.Referral, error) {
	var r referral.Referral
	var pathways []byte
	var urgency, status string
	var acceptedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.SubjectRef, &pathways, &urgency, &status, &r.AcceptedBy, &r.AcceptedByName, &acceptedAt, &r.InviteCount, &r.BlobID, &r.CreatedAt, &r.ExpiresAt); err != nil {
		return nil, err
	}
	if len(pathways) > 0 {
		if err := json.Unmarshal(pathways, &r.Pathways); err != nil {
			return nil, err
		}
	}
	r.Urgency = referral.Urgency(urgency)
	r.Status = referral.Status(status)
	if acceptedAt.Valid {
		t := acceptedAt.Time
		r.AcceptedAt = &t
	}
	return &r, nil
}

func scanInvite(row rowScanner) (*referral.Invite, error) {
	var iv referral.Invite
	var status string
	var viewedAt, respondedAt sql.NullTime
	if err := row.Scan(&iv.ID, &iv.ReferralID, &iv.CandidateID, &iv.CandidateName, &iv.CandidateContact, &iv.TokenHash, &status, &viewedAt, &respondedAt, &iv.ExpiresAt, &iv.CreatedAt); err != nil {
		return nil, err
	}
	iv.Status = referral.InviteStatus(status)
	if viewedAt.Valid {
		t := viewedAt.Time
		iv.ViewedAt = &t
	}
	if respondedAt.Valid {
		t := respondedAt.Time
		iv.RespondedAt = &t
	}
	return &iv, nil
}

func insertBlob(ctx context.Context, tx *sql.Tx, r *envelope.Record) error {
	_, err := tx.ExecContext(ctx, `
		insert into encrypted_blobs(id, ciphertext, wrapped_key, iv, auth_tag, status, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, r.ID, r.Blob.Ciphertext, r.Blob.WrappedKey, r.Blob.IV, r.Blob.AuthTag, string(r.Status), r.CreatedAt)
	return err
}

func insertToken(ctx context.Context, tx *sql.Tx, t *token.AccessToken) error {
	_, err := tx.ExecContext(ctx, `
		insert into access_tokens(id_hash, subject_id, kind, status, created_at, expires_at)
		values ($1,$2,$3,$4,$5,$6)
	`, t.IDHash, t.SubjectID, string(t.Kind), string(t.Status), t.CreatedAt, t.ExpiresAt)
	return err
}
