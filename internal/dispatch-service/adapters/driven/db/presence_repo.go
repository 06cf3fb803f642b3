package db

import (
	"context"
	"time"

	"roadside/internal/dispatch-service/core/domain/model"
	"roadside/internal/dispatch-service/core/ports"
)

// Schema:
//
//	CREATE TABLE mechanic_presence (
//	    mechanic_id      text PRIMARY KEY,
//	    available        boolean NOT NULL DEFAULT false,
//	    longitude        double precision NOT NULL DEFAULT 0,
//	    latitude         double precision NOT NULL DEFAULT 0,
//	    position_at      timestamptz,
//	    max_concurrent   int NOT NULL DEFAULT 1,
//	    active_jobs      int NOT NULL DEFAULT 0,
//	    vehicle_types    text[] NOT NULL DEFAULT '{}',
//	    skills           text[] NOT NULL DEFAULT '{}',
//	    service_radius_m double precision NOT NULL DEFAULT 0,
//	    verified         boolean NOT NULL DEFAULT false,
//	    rating           double precision NOT NULL DEFAULT 0
//	);
type PresenceRepo struct {
	db *DB
}

func NewPresenceRepo(db *DB) ports.IPresenceRepo {
	return &PresenceRepo{db: db}
}

func (pr *PresenceRepo) Save(ctx context.Context, p model.Presence) error {
	q := `
	INSERT INTO mechanic_presence (
		mechanic_id, available, longitude, latitude, position_at,
		max_concurrent, active_jobs, vehicle_types, skills,
		service_radius_m, verified, rating
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	ON CONFLICT (mechanic_id) DO UPDATE SET
		available = EXCLUDED.available,
		longitude = EXCLUDED.longitude,
		latitude = EXCLUDED.latitude,
		position_at = EXCLUDED.position_at,
		max_concurrent = EXCLUDED.max_concurrent,
		active_jobs = EXCLUDED.active_jobs,
		vehicle_types = EXCLUDED.vehicle_types,
		skills = EXCLUDED.skills,
		service_radius_m = EXCLUDED.service_radius_m,
		verified = EXCLUDED.verified,
		rating = EXCLUDED.rating
	`
	var positionAt any
	if !p.PositionAt.IsZero() {
		positionAt = p.PositionAt
	}
	_, err := pr.db.Pool().Exec(ctx, q,
		p.MechanicID, p.Available, p.Position.Longitude, p.Position.Latitude, positionAt,
		p.MaxConcurrent, p.ActiveJobs, p.VehicleTypes, p.Skills,
		p.ServiceRadiusM, p.Verified, p.Rating)
	return err
}

func (pr *PresenceRepo) LoadAll(ctx context.Context) ([]model.Presence, error) {
	q := `
	SELECT mechanic_id, available, longitude, latitude, position_at,
		max_concurrent, active_jobs, vehicle_types, skills,
		service_radius_m, verified, rating
	FROM mechanic_presence
	`
	rows, err := pr.db.Pool().Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Presence
	for rows.Next() {
		var p model.Presence
		var positionAt *time.Time
		if err := rows.Scan(&p.MechanicID, &p.Available, &p.Position.Longitude, &p.Position.Latitude, &positionAt,
			&p.MaxConcurrent, &p.ActiveJobs, &p.VehicleTypes, &p.Skills,
			&p.ServiceRadiusM, &p.Verified, &p.Rating); err != nil {
			return nil, err
		}
		if positionAt != nil {
			p.PositionAt = *positionAt
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (pr *PresenceRepo) Delete(ctx context.Context, mechanicID string) error {
	_, err := pr.db.Pool().Exec(ctx, `DELETE FROM mechanic_presence WHERE mechanic_id = $1`, mechanicID)
	return err
}
