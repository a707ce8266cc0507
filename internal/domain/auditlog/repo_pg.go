package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/emr/internal/platform/db"
)

type RepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) *RepoPG {
	return &RepoPG{pool: pool}
}

const entryCols = `id, record_id, anchor_id, subject_id, action, actor_id, actor_role,
	source_address, user_agent, extra, "timestamp"`

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e     Entry
		extra []byte
	)
	err := row.Scan(
		&e.ID, &e.RecordID, &e.AnchorID, &e.SubjectID, &e.Action, &e.ActorID, &e.ActorRole,
		&e.SourceAddress, &e.UserAgent, &extra, &e.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &e.Extra); err != nil {
			return nil, fmt.Errorf("decode audit extra: %w", err)
		}
	}
	return &e, nil
}

// Append inserts e, joining the transaction in ctx when there is one.
func (r *RepoPG) Append(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	extra, err := encodeExtra(e.Extra)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO emr_audit_entries (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, entryCols)
	_, err = db.Conn(ctx, r.pool).Exec(ctx, q,
		e.ID, e.RecordID, e.AnchorID, e.SubjectID, e.Action, e.ActorID, e.ActorRole,
		e.SourceAddress, e.UserAgent, extra, e.Timestamp,
	)
	return err
}

// AppendViewIfAbsent serializes concurrent views of one (record, actor) pair
// on a transaction-scoped advisory lock so only one of them lands per window.
func (r *RepoPG) AppendViewIfAbsent(ctx context.Context, e *Entry, since time.Time) (bool, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	extra, err := encodeExtra(e.Extra)
	if err != nil {
		return false, err
	}

	var inserted bool
	err = db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		conn := db.Conn(ctx, r.pool)
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, viewLockKey(e.RecordID, e.ActorID)); err != nil {
			return fmt.Errorf("lock view key: %w", err)
		}
		q := fmt.Sprintf(`INSERT INTO emr_audit_entries (%s)
			SELECT $1::uuid, $2::uuid, $3::bigint, $4::bigint, $5::varchar, $6::varchar, $7::varchar,
				$8::varchar, $9::text, $10::jsonb, $11::timestamptz
			WHERE NOT EXISTS (
				SELECT 1 FROM emr_audit_entries
				WHERE record_id = $2 AND actor_id = $6 AND action = 'view' AND "timestamp" >= $12
			)`, entryCols)
		tag, err := conn.Exec(ctx, q,
			e.ID, e.RecordID, e.AnchorID, e.SubjectID, e.Action, e.ActorID, e.ActorRole,
			e.SourceAddress, e.UserAgent, extra, e.Timestamp, since,
		)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	return inserted, err
}

func viewLockKey(recordID uuid.UUID, actorID string) string {
	return "emr_view:" + recordID.String() + ":" + actorID
}

func encodeExtra(extra map[string]any) ([]byte, error) {
	if len(extra) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("encode audit extra: %w", err)
	}
	return b, nil
}

func (r *RepoPG) ListByRecord(ctx context.Context, recordID uuid.UUID, limit int) ([]*Entry, error) {
	q := fmt.Sprintf(`SELECT %s FROM emr_audit_entries
		WHERE record_id = $1 ORDER BY "timestamp" DESC, id DESC LIMIT $2`, entryCols)
	rows, err := db.Conn(ctx, r.pool).Query(ctx, q, recordID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}
