package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"roadside/internal/dispatch-service/core/domain/model"
	"roadside/internal/dispatch-service/core/myerrors"
	"roadside/internal/dispatch-service/core/ports"

	"github.com/jackc/pgx/v5"
)

// Schema:
//
//	CREATE TABLE requests (
//	    request_id         uuid PRIMARY KEY,
//	    user_id            text NOT NULL,
//	    mechanic_id        text,
//	    vehicle_type       text NOT NULL,
//	    problem_type       text NOT NULL,
//	    description        text NOT NULL DEFAULT '',
//	    pickup_longitude   double precision NOT NULL,
//	    pickup_latitude    double precision NOT NULL,
//	    pickup_address     text NOT NULL DEFAULT '',
//	    priority           text NOT NULL,
//	    status             text NOT NULL,
//	    estimated_cost     double precision NOT NULL DEFAULT 0,
//	    actual_cost        double precision,
//	    cancellation_reason text,
//	    rating             int,
//	    timeline           jsonb NOT NULL DEFAULT '[]',
//	    seq                bigint NOT NULL,
//	    created_at         timestamptz NOT NULL,
//	    updated_at         timestamptz NOT NULL
//	);
//	CREATE INDEX requests_user_active ON requests (user_id)
//	    WHERE status NOT IN ('COMPLETED','CANCELLED','EXPIRED','FAILED');
//	CREATE INDEX requests_mechanic_active ON requests (mechanic_id)
//	    WHERE status NOT IN ('COMPLETED','CANCELLED','EXPIRED','FAILED');
const terminalStates = `('COMPLETED','CANCELLED','EXPIRED','FAILED')`

type RequestRepo struct {
	db *DB
}

func NewRequestRepo(db *DB) ports.IRequestRepo {
	return &RequestRepo{db: db}
}

func (rr *RequestRepo) Save(ctx context.Context, r model.Request) error {
	timeline, err := json.Marshal(r.Timeline)
	if err != nil {
		return err
	}
	var mechanicID, cancelReason *string
	if r.MechanicID != "" {
		mechanicID = &r.MechanicID
	}
	if r.CancellationReason != "" {
		cancelReason = &r.CancellationReason
	}
	var actualCost *float64
	if r.HasActualCost {
		actualCost = &r.ActualCost
	}
	var rating *int
	if r.HasRating {
		rating = &r.Rating
	}

	q := `
	INSERT INTO requests (
		request_id, user_id, mechanic_id, vehicle_type, problem_type, description,
		pickup_longitude, pickup_latitude, pickup_address, priority, status,
		estimated_cost, actual_cost, cancellation_reason, rating, timeline, seq,
		created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	ON CONFLICT (request_id) DO UPDATE SET
		mechanic_id = EXCLUDED.mechanic_id,
		status = EXCLUDED.status,
		actual_cost = EXCLUDED.actual_cost,
		cancellation_reason = EXCLUDED.cancellation_reason,
		rating = EXCLUDED.rating,
		timeline = EXCLUDED.timeline,
		seq = EXCLUDED.seq,
		updated_at = EXCLUDED.updated_at
	WHERE requests.seq < EXCLUDED.seq
	`
	_, err = rr.db.Pool().Exec(ctx, q,
		r.ID, r.UserID, mechanicID, r.VehicleType, r.ProblemType, r.Description,
		r.Pickup.Longitude, r.Pickup.Latitude, r.PickupAddress, string(r.Priority), string(r.State),
		r.EstimatedCost, actualCost, cancelReason, rating, timeline, r.Seq,
		r.CreatedAt, r.UpdatedAt)
	return err
}

func (rr *RequestRepo) Get(ctx context.Context, id string) (model.Request, error) {
	q := selectRequest + ` WHERE request_id = $1`
	r, err := scanRequest(rr.db.Pool().QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Request{}, fmt.Errorf("%w: request %s", myerrors.ErrNotFound, id)
	}
	return r, err
}

func (rr *RequestRepo) CountActiveByUser(ctx context.Context, userID string) (int, error) {
	q := `SELECT COUNT(*) FROM requests WHERE user_id = $1 AND status NOT IN ` + terminalStates
	var count int
	err := rr.db.Pool().QueryRow(ctx, q, userID).Scan(&count)
	return count, err
}

func (rr *RequestRepo) HasActivePair(ctx context.Context, userID, mechanicID string) (bool, error) {
	q := `SELECT COUNT(*) FROM requests WHERE user_id = $1 AND mechanic_id = $2 AND status NOT IN ` + terminalStates
	var count int
	if err := rr.db.Pool().QueryRow(ctx, q, userID, mechanicID).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (rr *RequestRepo) ListActive(ctx context.Context) ([]model.Request, error) {
	q := selectRequest + ` WHERE status NOT IN ` + terminalStates + ` ORDER BY created_at`
	return rr.queryRequests(ctx, q)
}

func (rr *RequestRepo) ListActiveByMechanic(ctx context.Context, mechanicID string) ([]model.Request, error) {
	q := selectRequest + ` WHERE mechanic_id = $1 AND status NOT IN ` + terminalStates
	return rr.queryRequests(ctx, q, mechanicID)
}

const selectRequest = `
	SELECT request_id, user_id, mechanic_id, vehicle_type, problem_type, description,
		pickup_longitude, pickup_latitude, pickup_address, priority, status,
		estimated_cost, actual_cost, cancellation_reason, rating, timeline, seq,
		created_at, updated_at
	FROM requests`

func (rr *RequestRepo) queryRequests(ctx context.Context, q string, args ...any) ([]model.Request, error) {
	rows, err := rr.db.Pool().Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRequest(row pgx.Row) (model.Request, error) {
	var (
		r            model.Request
		mechanicID   *string
		cancelReason *string
		actualCost   *float64
		rating       *int
		priority     string
		status       string
		timeline     []byte
	)
	err := row.Scan(&r.ID, &r.UserID, &mechanicID, &r.VehicleType, &r.ProblemType, &r.Description,
		&r.Pickup.Longitude, &r.Pickup.Latitude, &r.PickupAddress, &priority, &status,
		&r.EstimatedCost, &actualCost, &cancelReason, &rating, &timeline, &r.Seq,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return model.Request{}, err
	}
	if mechanicID != nil {
		r.MechanicID = *mechanicID
	}
	if cancelReason != nil {
		r.CancellationReason = *cancelReason
	}
	if actualCost != nil {
		r.ActualCost = *actualCost
		r.HasActualCost = true
	}
	if rating != nil {
		r.Rating = *rating
		r.HasRating = true
	}
	r.Priority = model.Priority(priority)
	r.State = model.State(status)
	if err := json.Unmarshal(timeline, &r.Timeline); err != nil {
		return model.Request{}, err
	}
	return r, nil
}
