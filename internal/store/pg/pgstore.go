// Package pg backs every persistence interface with Postgres. Conditional
// status transitions run as guarded UPDATEs; the claim runs as a
// serializable transaction with a row lock.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"carelink.org/internal/envelope"
	"carelink.org/internal/rate"
	"carelink.org/internal/session"
	"carelink.org/internal/token"
)

type Store struct {
	db *sql.DB
}

var (
	_ envelope.BlobStore = (*Store)(nil)
	_ token.Store        = (*Store)(nil)
	_ session.Store      = (*Store)(nil)
	_ rate.Store         = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle (tests).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// --- encrypted blobs ---

func (s *Store) CreateBlob(ctx context.Context, r *envelope.Record) error {
	_, err := s.db.ExecContext(ctx, `
		insert into encrypted_blobs(id, ciphertext, wrapped_key, iv, auth_tag, status, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, r.ID, r.Blob.Ciphertext, r.Blob.WrappedKey, r.Blob.IV, r.Blob.AuthTag, string(r.Status), r.CreatedAt)
	return err
}

func (s *Store) FindBlob(ctx context.Context, id string) (*envelope.Record, error) {
	var r envelope.Record
	var status string
	err := s.db.QueryRowContext(ctx, `
		select id, ciphertext, wrapped_key, iv, auth_tag, status, created_at
		from encrypted_blobs where id=$1
	`, id).Scan(&r.ID, &r.Blob.Ciphertext, &r.Blob.WrappedKey, &r.Blob.IV, &r.Blob.AuthTag, &status, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	r.Status = envelope.BlobStatus(status)
	return &r, nil
}

func (s *Store) MarkBlobAccessed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		update encrypted_blobs set status=$2 where id=$1 and status=$3
	`, id, string(envelope.BlobAccessed), string(envelope.BlobPending))
	return err
}

// --- access tokens ---

func (s *Store) CreateToken(ctx context.Context, t *token.AccessToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into access_tokens(id_hash, subject_id, kind, status, created_at, expires_at)
		values ($1,$2,$3,$4,$5,$6)
	`, t.IDHash, t.SubjectID, string(t.Kind), string(t.Status), t.CreatedAt, t.ExpiresAt)
	return err
}

func (s *Store) FindToken(ctx context.Context, idHash string) (*token.AccessToken, error) {
	var t token.AccessToken
	var kind, status string
	err := s.db.QueryRowContext(ctx, `
		select id_hash, subject_id, kind, status, created_at, expires_at
		from access_tokens where id_hash=$1
	`, idHash).Scan(&t.IDHash, &t.SubjectID, &kind, &status, &t.CreatedAt, &t.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, token.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Kind = token.Kind(kind)
	t.Status = token.Status(status)
	return &t, nil
}

func (s *Store) UpdateTokenStatusIf(ctx context.Context, idHash string, from, to token.Status) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update access_tokens set status=$3 where id_hash=$1 and status=$2
	`, idHash, string(from), string(to))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var one int
	if err := s.db.QueryRowContext(ctx, `select 1 from access_tokens where id_hash=$1`, idHash).Scan(&one); errors.Is(err, sql.ErrNoRows) {
		return false, token.ErrNotFound
	} else if err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) SetTokenStatus(ctx context.Context, idHash string, to token.Status) error {
	_, err := s.db.ExecContext(ctx, `
		update access_tokens set status=$2 where id_hash=$1
	`, idHash, string(to))
	return err
}

// --- verification codes ---

func (s *Store) CreateCode(ctx context.Context, c *token.VerificationCode) error {
	_, err := s.db.ExecContext(ctx, `
		insert into verification_codes(id, token_hash, code_hash, status, attempts, max_attempts, expires_at, delivery_status, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, c.ID, c.TokenHash, c.CodeHash, string(c.Status), c.Attempts, c.MaxAttempts, c.ExpiresAt, string(c.DeliveryStatus), c.CreatedAt)
	return err
}

func (s *Store) FindCode(ctx context.Context, id string) (*token.VerificationCode, error) {
	var c token.VerificationCode
	var status, delivery string
	err := s.db.QueryRowContext(ctx, `
		select id, token_hash, code_hash, status, attempts, max_attempts, expires_at, delivery_status, created_at
		from verification_codes where id=$1
	`, id).Scan(&c.ID, &c.TokenHash, &c.CodeHash, &status, &c.Attempts, &c.MaxAttempts, &c.ExpiresAt, &delivery, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, token.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Status = token.CodeStatus(status)
	c.DeliveryStatus = token.DeliveryStatus(delivery)
	return &c, nil
}

func (s *Store) IncrementCodeAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		update verification_codes set attempts = attempts + 1 where id=$1 returning attempts
	`, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, token.ErrNotFound
	}
	return attempts, err
}

func (s *Store) SetCodeStatus(ctx context.Context, id string, to token.CodeStatus) error {
	_, err := s.db.ExecContext(ctx, `
		update verification_codes set status=$2 where id=$1
	`, id, string(to))
	return err
}

func (s *Store) SetCodeDelivery(ctx context.Context, id string, to token.DeliveryStatus) error {
	_, err := s.db.ExecContext(ctx, `
		update verification_codes set delivery_status=$2 where id=$1
	`, id, string(to))
	return err
}

func (s *Store) CountCodesForToken(ctx context.Context, tokenHash string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from verification_codes where token_hash=$1
	`, tokenHash).Scan(&n)
	return n, err
}

// --- sessions ---

func (s *Store) CreateProviderSession(ctx context.Context, p *session.Provider) error {
	_, err := s.db.ExecContext(ctx, `
		insert into provider_sessions(id_hash, subject_id, content_ref, status, reason, created_at, expires_at, last_activity_at, bound_ip, bound_user_agent)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, p.IDHash, p.SubjectID, p.ContentRef, string(p.Status), p.Reason, p.CreatedAt, p.ExpiresAt, p.LastActivityAt, p.BoundIP, p.BoundUserAgent)
	return err
}

func (s *Store) FindProviderSession(ctx context.Context, idHash string) (*session.Provider, error) {
	var p session.Provider
	var status string
	err := s.db.QueryRowContext(ctx, `
		select id_hash, subject_id, content_ref, status, reason, created_at, expires_at, last_activity_at, bound_ip, bound_user_agent
		from provider_sessions where id_hash=$1
	`, idHash).Scan(&p.IDHash, &p.SubjectID, &p.ContentRef, &status, &p.Reason, &p.CreatedAt, &p.ExpiresAt, &p.LastActivityAt, &p.BoundIP, &p.BoundUserAgent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Status = session.Status(status)
	return &p, nil
}

func (s *Store) EndProviderSession(ctx context.Context, idHash string, status session.Status, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		update provider_sessions set status=$2, reason=$3
		where id_hash=$1 and status=$4
	`, idHash, string(status), reason, string(session.StatusActive))
	return err
}

func (s *Store) TouchProviderSession(ctx context.Context, idHash string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update provider_sessions set last_activity_at=$2 where id_hash=$1
	`, idHash, at)
	return err
}

func (s *Store) CreateAdminSession(ctx context.Context, a *session.Admin) error {
	_, err := s.db.ExecContext(ctx, `
		insert into admin_sessions(id, secret_hash, csrf_token, status, reason, created_at, expires_at, last_activity_at, bound_ip, bound_user_agent)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, a.ID, a.SecretHash, a.CSRFToken, string(a.Status), a.Reason, a.CreatedAt, a.ExpiresAt, a.LastActivityAt, a.BoundIP, a.BoundUserAgent)
	return err
}

func (s *Store) FindAdminSession(ctx context.Context, id string) (*session.Admin, error) {
	var a session.Admin
	var status string
	err := s.db.QueryRowContext(ctx, `
		select id, secret_hash, csrf_token, status, reason, created_at, expires_at, last_activity_at, bound_ip, bound_user_agent
		from admin_sessions where id=$1
	`, id).Scan(&a.ID, &a.SecretHash, &a.CSRFToken, &status, &a.Reason, &a.CreatedAt, &a.ExpiresAt, &a.LastActivityAt, &a.BoundIP, &a.BoundUserAgent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Status = session.Status(status)
	return &a, nil
}

func (s *Store) EndAdminSession(ctx context.Context, id string, status session.Status, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		update admin_sessions set status=$2, reason=$3
		where id=$1 and status=$4
	`, id, string(status), reason, string(session.StatusActive))
	return err
}

func (s *Store) TouchAdminSession(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update admin_sessions set last_activity_at=$2 where id=$1
	`, id, at)
	return err
}

// --- rate limits ---

func (s *Store) FindRateLimit(ctx context.Context, key string) (*rate.Record, error) {
	var r rate.Record
	err := s.db.QueryRowContext(ctx, `
		select key, attempts, window_start, blocked_until from rate_limits where key=$1
	`, key).Scan(&r.Key, &r.Attempts, &r.WindowStart, &r.BlockedUntil)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) PutRateLimit(ctx context.Context, rec *rate.Record) error {
	_, err := s.db.ExecContext(ctx, `
		insert into rate_limits(key, attempts, window_start, blocked_until)
		values ($1,$2,$3,$4)
		on conflict (key) do update
		set attempts=excluded.attempts, window_start=excluded.window_start, blocked_until=excluded.blocked_until
	`, rec.Key, rec.Attempts, rec.WindowStart, rec.BlockedUntil)
	return err
}

func (s *Store) DeleteRateLimit(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `delete from rate_limits where key=$1`, key)
	return err
}
