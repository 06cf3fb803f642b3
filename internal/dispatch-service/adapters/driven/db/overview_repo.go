package db

import (
	"context"
)

// OverviewRepo serves the operator snapshot from the projection tables.
type OverviewRepo struct {
	db *DB
}

func NewOverviewRepo(db *DB) *OverviewRepo {
	return &OverviewRepo{db: db}
}

func (or *OverviewRepo) RequestsByState(ctx context.Context) (map[string]int, error) {
	q := `SELECT status, COUNT(*) FROM requests GROUP BY status`
	rows, err := or.db.Pool().Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[status] = count
	}
	return out, rows.Err()
}
