// Package audit provides the append-only, hash-chained event ledger that
// every state-changing operation writes to. Entries are write-once: no
// update or delete exists in this contract.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"carelink.org/internal/ids"
	"carelink.org/internal/obs"
)

// Actor types recorded on entries.
const (
	ActorProvider = "provider"
	ActorAdmin    = "admin"
	ActorSystem   = "system"
)

// Outcomes recorded on entries.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Entry is one immutable ledger record. Seq is assigned by the store and
// gives the verification walk a stable order; PreviousEntryID is captured
// best-effort at append time and is advisory under concurrent writers.
type Entry struct {
	ID              string
	Seq             uint64
	Timestamp       time.Time
	ActorType       string
	ActorID         string
	Action          string
	Resource        string
	ResourceID      string
	Details         map[string]string
	Outcome         string
	PreviousEntryID string
	Checksum        string
}

// Store persists ledger entries.
type Store interface {
	AppendEntry(ctx context.Context, e *Entry) error
	LatestEntryID(ctx context.Context) (string, error)
	ListEntries(ctx context.Context, fromSeq uint64, limit int) ([]Entry, error)
}

// Log appends and verifies ledger entries.
type Log struct {
	store Store
	now   func() time.Time
}

// New constructs a Log over the given store.
func New(store Store) *Log {
	return &Log{store: store, now: time.Now}
}

// Append computes the entry checksum, links it to the most recently written
// entry, and persists it. Returns the new entry id.
func (l *Log) Append(ctx context.Context, e Entry) (string, error) {
	if strings.TrimSpace(e.Action) == "" {
		return "", errors.New("audit: action is required")
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	e.ID = ids.New()
	e.Timestamp = l.now().UTC()

	// Best-effort predecessor read, outside any transaction. Two concurrent
	// appends may claim the same predecessor; the checksum, not the link,
	// is the tamper evidence.
	prev, err := l.store.LatestEntryID(ctx)
	if err == nil {
		e.PreviousEntryID = prev
	}
	e.Checksum = Checksum(e)

	if err := l.store.AppendEntry(ctx, &e); err != nil {
		return "", fmt.Errorf("audit: append: %w", err)
	}
	obs.AuditEntriesAppended.Inc()
	return e.ID, nil
}

// Report is the result of a chain verification walk.
type Report struct {
	Valid   bool
	Checked int
	Errors  []string
}

// VerifyChain walks entries in sequence order, recomputing each checksum
// and checking the predecessor link. Checksum mismatches mark the report
// invalid; link mismatches are reported but tolerated, since the link is
// established without a transaction and can branch under concurrent
// writers.
func (l *Log) VerifyChain(ctx context.Context, fromSeq uint64, limit int) (Report, error) {
	entries, err := l.store.ListEntries(ctx, fromSeq, limit)
	if err != nil {
		return Report{}, fmt.Errorf("audit: list: %w", err)
	}
	rep := Report{Valid: true, Checked: len(entries)}
	var prevID string
	for i, e := range entries {
		if got := Checksum(e); got != e.Checksum {
			rep.Valid = false
			rep.Errors = append(rep.Errors, fmt.Sprintf("entry %s: checksum mismatch", e.ID))
		}
		if i > 0 && e.PreviousEntryID != prevID {
			rep.Errors = append(rep.Errors, fmt.Sprintf("entry %s: predecessor link skew", e.ID))
		}
		prevID = e.ID
	}
	return rep, nil
}

// Checksum computes the hex SHA-256 over the entry content, excluding the
// checksum itself and store-assigned ordering.
func Checksum(e Entry) string {
	h := sha256.New()
	for _, field := range []string{
		e.ActorType, e.ActorID, e.Action, e.Resource, e.ResourceID, e.Outcome, e.PreviousEntryID,
	} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	h.Write(canonicalDetails(e.Details))
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalDetails(details map[string]string) []byte {
	if len(details) == 0 {
		return []byte("{}")
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([][2]string, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, [2]string{k, details[k]})
	}
	data, err := json.Marshal(ordered)
	if err != nil {
		return []byte("{}")
	}
	return data
}
