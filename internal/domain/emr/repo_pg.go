package emr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/emr/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, r.pool, fn)
}

const recordCols = `id, anchor_id, subject_id, version, row_version, data,
	extracted_diagnosis_summary, extracted_code, status,
	created_by, created_at, updated_by, updated_at, signed_by, signed_at,
	last_writer_session_id`

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec  Record
		data []byte
	)
	err := row.Scan(
		&rec.ID, &rec.AnchorID, &rec.SubjectID, &rec.Version, &rec.RowVersion, &data,
		&rec.ExtractedDiagnosisSummary, &rec.ExtractedCode, &rec.Status,
		&rec.CreatedBy, &rec.CreatedAt, &rec.UpdatedBy, &rec.UpdatedAt, &rec.SignedBy, &rec.SignedAt,
		&rec.LastWriterSessionID,
	)
	if err != nil {
		return nil, err
	}
	if err := decodeData(data, &rec.Data); err != nil {
		return nil, err
	}
	return &rec, nil
}

func decodeData(b []byte, out *Data) error {
	*out = Data{}
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode record data: %w", err)
	}
	if *out == nil {
		*out = Data{}
	}
	return nil
}

func encodeData(d Data) ([]byte, error) {
	if d == nil {
		d = Data{}
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode record data: %w", err)
	}
	return b, nil
}

func (r *repoPG) getRecord(ctx context.Context, where string, arg interface{}, suffix string) (*Record, error) {
	q := fmt.Sprintf("SELECT %s FROM emr_records WHERE %s = $1 %s", recordCols, where, suffix)
	rec, err := scanRecord(db.Conn(ctx, r.pool).QueryRow(ctx, q, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	return r.getRecord(ctx, "id", id, "")
}

func (r *repoPG) GetByAnchor(ctx context.Context, anchorID int64) (*Record, error) {
	return r.getRecord(ctx, "anchor_id", anchorID, "")
}

func (r *repoPG) GetByAnchorForUpdate(ctx context.Context, anchorID int64) (*Record, error) {
	return r.getRecord(ctx, "anchor_id", anchorID, "FOR UPDATE")
}

func (r *repoPG) ListBySubject(ctx context.Context, subjectID int64, limit int) ([]*Record, error) {
	q := fmt.Sprintf(`SELECT %s FROM emr_records
		WHERE subject_id = $1 ORDER BY updated_at DESC, id LIMIT $2`, recordCols)
	rows, err := db.Conn(ctx, r.pool).Query(ctx, q, subjectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

func (r *repoPG) Insert(ctx context.Context, rec *Record) (bool, error) {
	data, err := encodeData(rec.Data)
	if err != nil {
		return false, err
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO emr_records (`+recordCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (anchor_id) DO NOTHING`,
		rec.ID, rec.AnchorID, rec.SubjectID, rec.Version, rec.RowVersion, data,
		rec.ExtractedDiagnosisSummary, rec.ExtractedCode, rec.Status,
		rec.CreatedBy, rec.CreatedAt, rec.UpdatedBy, rec.UpdatedAt, rec.SignedBy, rec.SignedAt,
		rec.LastWriterSessionID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) Update(ctx context.Context, rec *Record, prevRowVersion int64) error {
	data, err := encodeData(rec.Data)
	if err != nil {
		return err
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE emr_records SET
			version = $2, row_version = $3, data = $4,
			extracted_diagnosis_summary = $5, extracted_code = $6, status = $7,
			updated_by = $8, updated_at = $9, signed_by = $10, signed_at = $11,
			last_writer_session_id = $12
		WHERE id = $1 AND row_version = $13`,
		rec.ID, rec.Version, rec.RowVersion, data,
		rec.ExtractedDiagnosisSummary, rec.ExtractedCode, rec.Status,
		rec.UpdatedBy, rec.UpdatedAt, rec.SignedBy, rec.SignedAt,
		rec.LastWriterSessionID, prevRowVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrencyConflict
	}
	return nil
}

func (r *repoPG) AppendRevision(ctx context.Context, rev *Revision) error {
	data, err := encodeData(rev.Data)
	if err != nil {
		return err
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO emr_revisions (record_id, version, data, change_type, change_summary, authored_by, authored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rev.RecordID, rev.Version, data, rev.ChangeType, rev.ChangeSummary, rev.AuthoredBy, rev.AuthoredAt,
	)
	return revisionInsertError(err)
}

// revisionInsertError maps a duplicate (record_id, version) to a lost race.
func revisionInsertError(err error) error {
	if db.IsUniqueViolation(err) {
		return ErrConcurrencyConflict
	}
	return err
}

func (r *repoPG) GetRevision(ctx context.Context, recordID uuid.UUID, version int64) (*Revision, error) {
	var (
		rev  Revision
		data []byte
	)
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT record_id, version, data, change_type, change_summary, authored_by, authored_at
		FROM emr_revisions WHERE record_id = $1 AND version = $2`, recordID, version,
	).Scan(&rev.RecordID, &rev.Version, &data, &rev.ChangeType, &rev.ChangeSummary, &rev.AuthoredBy, &rev.AuthoredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRevisionNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := decodeData(data, &rev.Data); err != nil {
		return nil, err
	}
	return &rev, nil
}

func (r *repoPG) ListRevisions(ctx context.Context, recordID uuid.UUID, limit int) ([]*RevisionSummary, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT version, change_type, change_summary, authored_by, authored_at
		FROM emr_revisions WHERE record_id = $1
		ORDER BY version DESC LIMIT $2`, recordID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*RevisionSummary
	for rows.Next() {
		var s RevisionSummary
		if err := rows.Scan(&s.Version, &s.ChangeType, &s.ChangeSummary, &s.AuthoredBy, &s.AuthoredAt); err != nil {
			return nil, err
		}
		items = append(items, &s)
	}
	return items, rows.Err()
}
