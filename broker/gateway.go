// Package broker abstracts order routing toward an execution venue. The
// engine only needs enough surface to flatten positions on a graceful
// close; strategies themselves never talk to the broker directly.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Position is an open position held for an account.
type Position struct {
	Instrument string
	Side       string
	Units      decimal.Decimal
	EntryPrice decimal.Decimal
	OpenedAt   time.Time
}

// CloseResult reports one closed position.
type CloseResult struct {
	Instrument string
	Side       string
	Units      decimal.Decimal
	ClosePrice decimal.Decimal
	PnL        decimal.Decimal
	ClosedAt   time.Time
}

// OrderGateway is the venue-facing surface the engine depends on.
type OrderGateway interface {
	// OpenPositions lists the open positions for the account.
	OpenPositions(ctx context.Context, accountID string) ([]Position, error)

	// CloseAll flattens every open position for the account and reports
	// what was closed. Used by the graceful-close stop path.
	CloseAll(ctx context.Context, accountID string) ([]CloseResult, error)
}
