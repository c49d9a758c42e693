package quota

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGAllotments reads per-salon allotments from the salon_quotas table, which
// is maintained by the billing subsystem.
type PGAllotments struct {
	db *pgxpool.Pool
}

func NewPGAllotments(db *pgxpool.Pool) *PGAllotments {
	return &PGAllotments{db: db}
}

// Allotment returns the salon's limit for a purpose. A salon without a row is
// not capped.
func (a *PGAllotments) Allotment(ctx context.Context, salonID uuid.UUID, purpose string) (int64, error) {
	query := `SELECT allotment FROM salon_quotas WHERE salon_id = $1 AND purpose = $2`

	var allotment int64
	err := a.db.QueryRow(ctx, query, salonID, purpose).Scan(&allotment)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to query allotment: %w", err)
	}

	return allotment, nil
}
