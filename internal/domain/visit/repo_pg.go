package visit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/emr/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Resolver {
	return &repoPG{pool: pool}
}

func (r *repoPG) SubjectForAnchor(ctx context.Context, anchorID int64) (int64, error) {
	var patientID int64
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT patient_id FROM visits WHERE id = $1`, anchorID).Scan(&patientID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %d", ErrNotFound, anchorID)
	}
	if err != nil {
		return 0, fmt.Errorf("lookup visit %d: %w", anchorID, err)
	}
	return patientID, nil
}
