package disclosure_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"carelink.org/internal/disclosure"
	"carelink.org/internal/envelope"
	"carelink.org/internal/kms"
	"carelink.org/internal/notify"
	"carelink.org/internal/store/memory"
	"carelink.org/internal/token"
)

type sinkNotifier struct{ sent []notify.Message }

func (n *sinkNotifier) Send(ctx context.Context, m notify.Message) error {
	n.sent = append(n.sent, m)
	return nil
}

func newService(t *testing.T) (*disclosure.Service, *memory.Store, *sinkNotifier) {
	t.Helper()
	keys, err := kms.NewLocal("test-kek")
	if err != nil {
		t.Fatalf("kms: %v", err)
	}
	st := memory.New()
	notifier := &sinkNotifier{}
	svc := disclosure.NewService(st, st, envelope.New(keys, true), notifier, nil)
	return svc, st, notifier
}

func TestCreatePersistsEncryptedAndNotifies(t *testing.T) {
	svc, st, notifier := newService(t)
	ctx := context.Background()
	payload := []byte(`{"labs":"hba1c 8.2"}`)

	msg, err := svc.Create(ctx, disclosure.CreateInput{
		SubjectID:        "patient-4",
		RecipientID:      "prov-9",
		RecipientContact: "dr@clinic.example",
		Payload:          payload,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rec, err := st.FindBlob(ctx, msg.BlobID)
	if err != nil {
		t.Fatalf("blob: %v", err)
	}
	if bytes.Contains(rec.Blob.Ciphertext, payload) {
		t.Fatal("stored blob contains plaintext")
	}
	if rec.Status != envelope.BlobPending {
		t.Fatalf("blob status = %s, want pending", rec.Status)
	}

	tok, err := st.FindToken(ctx, msg.TokenHash)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok.Kind != token.KindMessage || tok.SubjectID != msg.ID {
		t.Fatalf("token = %+v", tok)
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notifier.sent))
	}
	if notifier.sent[0].To != "dr@clinic.example" {
		t.Fatalf("recipient = %s", notifier.sent[0].To)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	base := disclosure.CreateInput{
		SubjectID:        "patient-4",
		RecipientID:      "prov-9",
		RecipientContact: "dr@clinic.example",
		Payload:          []byte("x"),
	}
	cases := map[string]func(*disclosure.CreateInput){
		"no subject":   func(in *disclosure.CreateInput) { in.SubjectID = "" },
		"no recipient": func(in *disclosure.CreateInput) { in.RecipientID = "" },
		"no contact":   func(in *disclosure.CreateInput) { in.RecipientContact = " " },
		"no payload":   func(in *disclosure.CreateInput) { in.Payload = nil },
		"oversized":    func(in *disclosure.CreateInput) { in.Payload = make([]byte, 64*1024+1) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := base
			mutate(&in)
			if _, err := svc.Create(ctx, in); !errors.Is(err, disclosure.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestFetchDecryptsAndMarksAccessed(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()
	payload := []byte(`{"labs":"hba1c 8.2"}`)

	msg, err := svc.Create(ctx, disclosure.CreateInput{
		SubjectID:        "patient-4",
		RecipientID:      "prov-9",
		RecipientContact: "dr@clinic.example",
		Payload:          payload,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := svc.Fetch(ctx, msg.BlobID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q, want %q", got, payload)
	}
	rec, err := st.FindBlob(ctx, msg.BlobID)
	if err != nil {
		t.Fatalf("blob: %v", err)
	}
	if rec.Status != envelope.BlobAccessed {
		t.Fatalf("status = %s, want accessed", rec.Status)
	}

	// Repeat fetch inside a still-valid session stays readable.
	again, err := svc.Fetch(ctx, msg.BlobID)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if !bytes.Equal(again, payload) {
		t.Fatal("second fetch diverged")
	}
}

func TestFetchUnknownBlob(t *testing.T) {
	svc, _, _ := newService(t)
	if _, err := svc.Fetch(context.Background(), "missing"); !errors.Is(err, disclosure.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
