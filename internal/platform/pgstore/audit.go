package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/festivalhq/cashless-ledger/internal/platform/audit"
	"github.com/google/uuid"
)

// auditChainLockKey serialises appends so every event links to the row
// committed before it.
const auditChainLockKey = 7_210_312

// AuditStore keeps the audit trail in cashless_audit_events.
type AuditStore struct {
	db *sql.DB
}

var _ audit.Store = (*AuditStore)(nil)

func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

const auditColumns = `audit_id, recorded_at, actor_id, actor_role, object_type, object_id, action, before_state, after_state, result, reason, hash_prev, hash_curr`

func scanAuditEvent(r rowScanner) (audit.Event, error) {
	var (
		ev     audit.Event
		result string
	)
	if err := r.Scan(&ev.AuditID, &ev.RecordedAt, &ev.ActorID, &ev.ActorRole, &ev.ObjectType, &ev.ObjectID, &ev.Action,
		&ev.Before, &ev.After, &result, &ev.Reason, &ev.HashPrev, &ev.HashCurr); err != nil {
		return audit.Event{}, mapError(err)
	}
	ev.Result = audit.Result(result)
	ev.RecordedAt = ev.RecordedAt.UTC()
	return ev, nil
}

func nonNilJSON(b []byte) []byte {
	if len(b) == 0 {
		return []byte(`{}`)
	}
	return b
}

func (s *AuditStore) Append(ctx context.Context, ev audit.Event) (audit.Event, error) {
	if ev.AuditID == "" {
		ev.AuditID = uuid.NewString()
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now()
	}
	// TIMESTAMPTZ keeps microseconds; the hash must cover what is stored.
	ev.RecordedAt = ev.RecordedAt.UTC().Truncate(time.Microsecond)
	ev.Before, ev.After = nonNilJSON(ev.Before), nonNilJSON(ev.After)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return audit.Event{}, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, auditChainLockKey); err != nil {
		return audit.Event{}, err
	}
	prev := audit.Genesis
	err = tx.QueryRowContext(ctx, `SELECT hash_curr FROM cashless_audit_events ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return audit.Event{}, fmt.Errorf("read audit chain head: %w", err)
	}
	ev.HashPrev = prev
	ev.HashCurr = audit.ComputeHash(prev, ev)

	const q = `
INSERT INTO cashless_audit_events (` + auditColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
`
	if _, err := tx.ExecContext(ctx, q, ev.AuditID, ev.RecordedAt, ev.ActorID, ev.ActorRole, ev.ObjectType, ev.ObjectID, ev.Action,
		ev.Before, ev.After, string(ev.Result), ev.Reason, ev.HashPrev, ev.HashCurr); err != nil {
		return audit.Event{}, mapError(err)
	}
	if err := tx.Commit(); err != nil {
		return audit.Event{}, err
	}
	return ev, nil
}

func (s *AuditStore) List(ctx context.Context, q audit.Query) ([]audit.Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	const query = `
SELECT ` + auditColumns + `
FROM cashless_audit_events
WHERE ($1 = '' OR object_type = $1) AND ($2 = '' OR object_id = $2)
ORDER BY seq DESC
LIMIT $3
`
	rows, err := s.db.QueryContext(ctx, query, q.ObjectType, q.ObjectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]audit.Event, 0, limit)
	for rows.Next() {
		ev, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// VerifyChain streams the whole table in append order and stops at the
// first broken link.
func (s *AuditStore) VerifyChain(ctx context.Context) (audit.ChainStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+auditColumns+` FROM cashless_audit_events ORDER BY seq`)
	if err != nil {
		return audit.ChainStatus{}, err
	}
	defer rows.Close()

	w := audit.NewWalker(audit.Genesis)
	for rows.Next() {
		ev, err := scanAuditEvent(rows)
		if err != nil {
			return audit.ChainStatus{}, err
		}
		if !w.Next(ev) {
			break
		}
	}
	return w.Status(), rows.Err()
}
