package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"carelink.org/internal/audit"
)

var _ audit.Store = (*Store)(nil)

func (s *Store) AppendEntry(ctx context.Context, e *audit.Entry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx, `
		insert into audit_logs(id, ts, actor_type, actor_id, action, resource, resource_id, details, outcome, previous_entry_id, checksum)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		returning seq
	`, e.ID, e.Timestamp, e.ActorType, e.ActorID, e.Action, e.Resource, e.ResourceID, details, e.Outcome, e.PreviousEntryID, e.Checksum).Scan(&e.Seq)
}

func (s *Store) LatestEntryID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		select id from audit_logs order by seq desc limit 1
	`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

func (s *Store) ListEntries(ctx context.Context, fromSeq uint64, limit int) ([]audit.Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, seq, ts, actor_type, actor_id, action, resource, resource_id, details, outcome, previous_entry_id, checksum
		from audit_logs
		where seq >= $1
		order by seq asc
		limit $2
	`, fromSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var details []byte
		if err := rows.Scan(&e.ID, &e.Seq, &e.Timestamp, &e.ActorType, &e.ActorID, &e.Action, &e.Resource, &e.ResourceID, &details, &e.Outcome, &e.PreviousEntryID, &e.Checksum); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
