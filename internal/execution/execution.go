// Package execution translates approved state transitions into broker orders
// and reports fills back as typed events. The same Adapter interface backs
// the live broker and the simulated fill model so strategy logic never forks
// per mode.
package execution

import (
	"context"

	"github.com/rxtech-lab/gapflow/internal/types"
)

// Adapter is the single execution interface. Implementations deliver every
// order outcome as an ExecutionReport on Reports; reports are the only source
// of truth for position state transitions.
type Adapter interface {
	// PlaceOrder submits an order. A nil error means the order was accepted
	// for processing; the outcome arrives asynchronously on Reports.
	PlaceOrder(ctx context.Context, order types.OrderRequest) error
	// CancelOrder cancels a resting order by ID. Cancelling an unknown or
	// already-terminal order is not an error.
	CancelOrder(ctx context.Context, orderID string) error
	// Reports returns the stream of execution reports.
	Reports() <-chan types.ExecutionReport
	// Close releases adapter resources and closes the report stream.
	Close() error
}
