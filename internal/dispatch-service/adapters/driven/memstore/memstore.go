// Package memstore provides in-memory implementations of the driven
// storage ports: the append-only event log, the request projection and
// the presence records. They back the test suite and single-node runs
// without Postgres.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"roadside/internal/dispatch-service/core/domain/model"
	"roadside/internal/dispatch-service/core/myerrors"
)

// EventStore is an in-memory compare-and-append log partitioned by
// request id.
type EventStore struct {
	mu   sync.RWMutex
	logs map[string][]model.Event
}

func NewEventStore() *EventStore {
	return &EventStore{logs: make(map[string][]model.Event)}
}

func (s *EventStore) Append(ctx context.Context, requestID string, expectedSeq uint64, e model.Event) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[requestID]
	cur := uint64(len(log))
	if cur != expectedSeq {
		return 0, fmt.Errorf("%w: expected seq %d, log at %d", myerrors.ErrStaleConflict, expectedSeq, cur)
	}
	e.Seq = cur + 1
	e.RequestID = requestID
	s.logs[requestID] = append(log, e)
	return e.Seq, nil
}

func (s *EventStore) Read(ctx context.Context, requestID string, sinceSeq uint64) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[requestID]
	if sinceSeq >= uint64(len(log)) {
		return nil, nil
	}
	out := make([]model.Event, len(log)-int(sinceSeq))
	copy(out, log[sinceSeq:])
	return out, nil
}

// RequestRepo is the in-memory projection cache.
type RequestRepo struct {
	mu       sync.RWMutex
	requests map[string]model.Request
}

func NewRequestRepo() *RequestRepo {
	return &RequestRepo{requests: make(map[string]model.Request)}
}

func (r *RequestRepo) Save(ctx context.Context, req model.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[req.ID] = req
	return nil
}

func (r *RequestRepo) Get(ctx context.Context, id string) (model.Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.requests[id]
	if !ok {
		return model.Request{}, fmt.Errorf("%w: request %s", myerrors.ErrNotFound, id)
	}
	return req, nil
}

func (r *RequestRepo) CountActiveByUser(ctx context.Context, userID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, req := range r.requests {
		if req.UserID == userID && !req.State.Terminal() {
			n++
		}
	}
	return n, nil
}

func (r *RequestRepo) HasActivePair(ctx context.Context, userID, mechanicID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, req := range r.requests {
		if req.UserID == userID && req.MechanicID == mechanicID && !req.State.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (r *RequestRepo) ListActive(ctx context.Context) ([]model.Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.Request
	for _, req := range r.requests {
		if !req.State.Terminal() {
			out = append(out, req)
		}
	}
	return out, nil
}

func (r *RequestRepo) ListActiveByMechanic(ctx context.Context, mechanicID string) ([]model.Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.Request
	for _, req := range r.requests {
		if req.MechanicID == mechanicID && !req.State.Terminal() {
			out = append(out, req)
		}
	}
	return out, nil
}

// PresenceRepo is the in-memory durable mirror of the presence index.
type PresenceRepo struct {
	mu      sync.RWMutex
	records map[string]model.Presence
}

func NewPresenceRepo() *PresenceRepo {
	return &PresenceRepo{records: make(map[string]model.Presence)}
}

func (p *PresenceRepo) Save(ctx context.Context, rec model.Presence) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[rec.MechanicID] = rec
	return nil
}

func (p *PresenceRepo) LoadAll(ctx context.Context) ([]model.Presence, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]model.Presence, 0, len(p.records))
	for _, rec := range p.records {
		out = append(out, rec)
	}
	return out, nil
}

func (p *PresenceRepo) Delete(ctx context.Context, mechanicID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, mechanicID)
	return nil
}
