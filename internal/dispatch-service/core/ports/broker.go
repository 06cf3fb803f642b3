package ports

import (
	"context"

	"roadside/internal/dispatch-service/core/domain/model"
)

// ISettlementBroker is the outbound edge to the payment/settlement sink.
// Completed jobs are published for capture; other lifecycle transitions
// are mirrored for external consumers.
type ISettlementBroker interface {
	PublishSettlement(ctx context.Context, r model.Request) error
	PublishStatus(ctx context.Context, r model.Request, e model.Event) error
	IsAlive() bool
	Close() error
}
