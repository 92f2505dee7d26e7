package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDataUnavailable is returned by the candle source on an empty or
	// failed history response.
	ErrDataUnavailable = errors.New("candle data unavailable")

	// ErrPositionExists is returned by the store's conditional create when
	// a PENDING or OPEN position already exists for the symbol.
	ErrPositionExists = errors.New("position already exists for symbol")
)

// Exchange defines the narrow surface the bot needs from a futures venue.
// Two implementations exist: the live Bybit client and the paper ledger.
type Exchange interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetBalance(ctx context.Context) (float64, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	GetMarketRules(ctx context.Context, symbol string) (*MarketRules, error)

	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error)
	GetOrderStatus(ctx context.Context, symbol, orderID string) (*OrderStatus, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	ClosePosition(ctx context.Context, symbol string, size float64) (*CloseResult, error)
	GetLivePosition(ctx context.Context, symbol string) (*LivePosition, error)
	UpdateStopLoss(ctx context.Context, symbol, stopOrderID string, newPrice float64) (string, error)
}

// OrderBlockRepository defines storage operations for order blocks.
// Records are append-only; only status flags are ever updated.
type OrderBlockRepository interface {
	SaveOrderBlock(ctx context.Context, ob *OrderBlock) error
	// GetLiveOrderBlocks returns active, unprocessed, unbroken blocks for
	// the symbol/timeframe ordered by confirmation time descending.
	GetLiveOrderBlocks(ctx context.Context, symbol, timeframe string) ([]*OrderBlock, error)
	// HasOrderBlock reports whether a block for the same breakout event
	// (symbol, timeframe, type, confirmation time) is already recorded.
	HasOrderBlock(ctx context.Context, symbol, timeframe string, obType OBType, confirmedAt time.Time) (bool, error)
	MarkProcessed(ctx context.Context, id string, reason ProcessedReason) error
	MarkBroken(ctx context.Context, id string) error
}

// PositionRepository defines storage operations for positions.
type PositionRepository interface {
	// CreatePosition inserts the record only if no PENDING or OPEN
	// position exists for the symbol; otherwise ErrPositionExists.
	CreatePosition(ctx context.Context, p *Position) error
	UpdatePosition(ctx context.Context, p *Position) error
	GetOpenPosition(ctx context.Context, symbol string) (*Position, error)
	GetClosedPositionsSince(ctx context.Context, since time.Time) ([]*Position, error)
	// GetRecentClosedPositions returns closed positions ordered by exit
	// time descending.
	GetRecentClosedPositions(ctx context.Context, limit int) ([]*Position, error)
}

// TradeLogRepository is the append-only fill/close audit log.
type TradeLogRepository interface {
	SaveTradeLog(ctx context.Context, e *TradeLogEntry) error
	ListTradeLog(ctx context.Context, limit int) ([]*TradeLogEntry, error)
}

// ProtectionRepository stores the singleton protection state.
type ProtectionRepository interface {
	GetProtectionState(ctx context.Context) (*ProtectionState, error)
	SaveProtectionState(ctx context.Context, s *ProtectionState) error
}

// Notifier delivers trade and alert notifications. Fire-and-forget:
// implementations must never propagate failures to the caller.
type Notifier interface {
	Notify(kind string, payload map[string]string)
}
