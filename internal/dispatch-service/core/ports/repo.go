package ports

import (
	"context"

	"roadside/internal/dispatch-service/core/domain/model"
)

// IEventStore is the append-only per-request event log. Append is a
// compare-and-append: it succeeds only when expectedSeq matches the
// current highest sequence for the request, otherwise it fails with
// myerrors.ErrStaleConflict.
type IEventStore interface {
	Append(ctx context.Context, requestID string, expectedSeq uint64, e model.Event) (uint64, error)
	Read(ctx context.Context, requestID string, sinceSeq uint64) ([]model.Event, error)
}

// IRequestRepo holds the materialized current-state projection. It is a
// cache for indexed queries; the event log stays authoritative.
type IRequestRepo interface {
	Save(ctx context.Context, r model.Request) error
	Get(ctx context.Context, id string) (model.Request, error)
	CountActiveByUser(ctx context.Context, userID string) (int, error)
	HasActivePair(ctx context.Context, userID, mechanicID string) (bool, error)
	ListActive(ctx context.Context) ([]model.Request, error)
	ListActiveByMechanic(ctx context.Context, mechanicID string) ([]model.Request, error)
}

// IPresenceRepo persists mechanic presence records so a cold-started
// instance can rebuild the in-memory index.
type IPresenceRepo interface {
	Save(ctx context.Context, p model.Presence) error
	LoadAll(ctx context.Context) ([]model.Presence, error)
	Delete(ctx context.Context, mechanicID string) error
}
