package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"carelink.org/internal/audit"
	"carelink.org/internal/envelope"
	"carelink.org/internal/referral"
	"carelink.org/internal/token"
)

func blobFixture(now time.Time) *envelope.Record {
	return &envelope.Record{
		ID: "blob-1",
		Blob: envelope.Blob{
			Ciphertext: []byte{0x01},
			WrappedKey: []byte{0x02},
			IV:         []byte{0x03},
			AuthTag:    []byte{0x04},
		},
		Status:    envelope.BlobPending,
		CreatedAt: now,
	}
}

func auditFixture() *audit.Entry {
	return &audit.Entry{
		ID:        "entry-1",
		Timestamp: time.Now().UTC(),
		ActorType: audit.ActorSystem,
		Action:    "referral.create",
		Resource:  "referral",
		Outcome:   audit.OutcomeSuccess,
		Checksum:  "abc",
	}
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestUpdateTokenStatusIfWinner(t *testing.T) {
	st, mock := newMock(t)

	mock.ExpectExec("update access_tokens set status").
		WithArgs("hash-1", "active", "code_pending").
		WillReturnResult(sqlmock.NewResult(0, 1))

	won, err := st.UpdateTokenStatusIf(context.Background(), "hash-1", token.StatusActive, token.StatusCodePending)
	if err != nil {
		t.Fatalf("UpdateTokenStatusIf: %v", err)
	}
	if !won {
		t.Fatal("expected the transition to be claimed")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateTokenStatusIfLoser(t *testing.T) {
	st, mock := newMock(t)

	mock.ExpectExec("update access_tokens set status").
		WithArgs("hash-1", "active", "code_pending").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select 1 from access_tokens").
		WithArgs("hash-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	won, err := st.UpdateTokenStatusIf(context.Background(), "hash-1", token.StatusActive, token.StatusCodePending)
	if err != nil {
		t.Fatalf("UpdateTokenStatusIf: %v", err)
	}
	if won {
		t.Fatal("a zero-row update must not report a win")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateTokenStatusIfMissing(t *testing.T) {
	st, mock := newMock(t)

	mock.ExpectExec("update access_tokens set status").
		WithArgs("hash-x", "active", "code_pending").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select 1 from access_tokens").
		WithArgs("hash-x").
		WillReturnError(sql.ErrNoRows)

	_, err := st.UpdateTokenStatusIf(context.Background(), "hash-x", token.StatusActive, token.StatusCodePending)
	if !errors.Is(err, token.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestIncrementCodeAttempts(t *testing.T) {
	st, mock := newMock(t)

	mock.ExpectQuery("update verification_codes set attempts").
		WithArgs("code-1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(3))

	n, err := st.IncrementCodeAttempts(context.Background(), "code-1")
	if err != nil {
		t.Fatalf("IncrementCodeAttempts: %v", err)
	}
	if n != 3 {
		t.Fatalf("attempts = %d, want 3", n)
	}
}

func TestClaimReferralWins(t *testing.T) {
	st, mock := newMock(t)
	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("(?s)select status, coalesce.*from referrals").
		WithArgs("ref-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "accepted_by_name", "accepted_at"}).
			AddRow("open", "", nil))
	mock.ExpectExec("update referrals set status").
		WithArgs("ref-1", "accepted", "prov-1", "Dr. A", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update referral_invites set status").
		WithArgs("inv-1", "accepted", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	out, err := st.ClaimReferral(context.Background(), "ref-1", "inv-1", "prov-1", "Dr. A", at)
	if err != nil {
		t.Fatalf("ClaimReferral: %v", err)
	}
	if !out.Won || out.Status != referral.StatusAccepted {
		t.Fatalf("outcome = %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClaimReferralLosesRace(t *testing.T) {
	st, mock := newMock(t)
	at := time.Now().UTC()
	wonAt := at.Add(-time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery("(?s)select status, coalesce.*from referrals").
		WithArgs("ref-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "accepted_by_name", "accepted_at"}).
			AddRow("accepted", "Dr. B", wonAt))
	mock.ExpectCommit()

	out, err := st.ClaimReferral(context.Background(), "ref-1", "inv-2", "prov-2", "Dr. C", at)
	if err != nil {
		t.Fatalf("ClaimReferral: %v", err)
	}
	if out.Won {
		t.Fatal("claim against an accepted referral must lose")
	}
	if out.AcceptedBy.DisplayName != "Dr. B" || !out.AcceptedBy.AcceptedAt.Equal(wonAt) {
		t.Fatalf("winner = %+v", out.AcceptedBy)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClaimReferralMissing(t *testing.T) {
	st, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("(?s)select status, coalesce.*from referrals").
		WithArgs("ref-x").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := st.ClaimReferral(context.Background(), "ref-x", "inv-x", "p", "n", time.Now())
	if !errors.Is(err, referral.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateReferralBatchRollsBackOnFailure(t *testing.T) {
	st, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("insert into encrypted_blobs").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into referrals").
		WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err := st.CreateReferralBatch(context.Background(),
		blobFixture(now),
		&referral.Referral{ID: "ref-1", SubjectRef: "p-1", Pathways: []string{"cardiology"}, Urgency: referral.UrgencyNormal, Status: referral.StatusOpen, BlobID: "blob-1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
		nil, nil)
	if err == nil {
		t.Fatal("expected the batch to fail")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindInviteByToken(t *testing.T) {
	st, mock := newMock(t)
	now := time.Now().UTC()

	cols := []string{"id", "referral_id", "candidate_id", "candidate_name", "candidate_contact", "token_hash", "status", "viewed_at", "responded_at", "expires_at", "created_at"}
	mock.ExpectQuery("select .* from referral_invites where token_hash").
		WithArgs("hash-7").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("inv-1", "ref-1", "prov-1", "Dr. A", "a@clinic.example", "hash-7", "viewed", now, nil, now.Add(time.Hour), now))

	iv, err := st.FindInviteByToken(context.Background(), "hash-7")
	if err != nil {
		t.Fatalf("FindInviteByToken: %v", err)
	}
	if iv.ID != "inv-1" || iv.Status != referral.InviteViewed {
		t.Fatalf("invite = %+v", iv)
	}
	if iv.ViewedAt == nil || iv.RespondedAt != nil {
		t.Fatalf("timestamps = %v %v", iv.ViewedAt, iv.RespondedAt)
	}
}

func TestAppendEntryReturnsSeq(t *testing.T) {
	st, mock := newMock(t)

	mock.ExpectQuery("insert into audit_logs").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(42))

	e := auditFixture()
	if err := st.AppendEntry(context.Background(), e); err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}
	if e.Seq != 42 {
		t.Fatalf("seq = %d, want 42", e.Seq)
	}
}
