package db

import (
	"context"
	"errors"
	"fmt"

	"roadside/internal/dispatch-service/core/domain/model"
	"roadside/internal/dispatch-service/core/myerrors"
	"roadside/internal/dispatch-service/core/ports"

	"github.com/jackc/pgx/v5/pgconn"
)

// Schema:
//
//	CREATE TABLE request_events (
//	    request_id uuid       NOT NULL,
//	    seq        bigint     NOT NULL,
//	    actor_id   text       NOT NULL DEFAULT '',
//	    actor_role text       NOT NULL,
//	    event_type text       NOT NULL,
//	    payload    jsonb,
//	    created_at timestamptz NOT NULL,
//	    PRIMARY KEY (request_id, seq)
//	);
//
// The primary key is the compare-and-append guard: two writers racing on
// the same expected sequence collide on (request_id, seq) and the loser
// gets a unique violation.
type EventStore struct {
	db *DB
}

func NewEventStore(db *DB) ports.IEventStore {
	return &EventStore{db: db}
}

func (es *EventStore) Append(ctx context.Context, requestID string, expectedSeq uint64, e model.Event) (uint64, error) {
	q := `
	INSERT INTO request_events (request_id, seq, actor_id, actor_role, event_type, payload, created_at)
	SELECT $1, $2, $3, $4, $5, $6, $7
	WHERE (SELECT COALESCE(MAX(seq), 0) FROM request_events WHERE request_id = $1) = $8
	`
	seq := expectedSeq + 1
	tag, err := es.db.Pool().Exec(ctx, q,
		requestID, seq, e.Actor.ID, string(e.Actor.Role), string(e.Type), e.Payload, e.At, expectedSeq)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, fmt.Errorf("%w: concurrent append at seq %d", myerrors.ErrStaleConflict, seq)
		}
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		return 0, fmt.Errorf("%w: expected seq %d moved", myerrors.ErrStaleConflict, expectedSeq)
	}
	return seq, nil
}

func (es *EventStore) Read(ctx context.Context, requestID string, sinceSeq uint64) ([]model.Event, error) {
	q := `
	SELECT seq, actor_id, actor_role, event_type, payload, created_at
	FROM request_events
	WHERE request_id = $1 AND seq > $2
	ORDER BY seq
	`
	rows, err := es.db.Pool().Query(ctx, q, requestID, sinceSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var (
			e    model.Event
			role string
			typ  string
		)
		if err := rows.Scan(&e.Seq, &e.Actor.ID, &role, &typ, &e.Payload, &e.At); err != nil {
			return nil, err
		}
		e.RequestID = requestID
		e.Actor.Role = model.Role(role)
		e.Type = model.EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}
