package domain

import "time"

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

type PositionStatus string

const (
	StatusPending   PositionStatus = "PENDING"
	StatusOpen      PositionStatus = "OPEN"
	StatusClosed    PositionStatus = "CLOSED"
	StatusFailed    PositionStatus = "FAILED"
	StatusCancelled PositionStatus = "CANCELLED"
)

// Exit reasons written to Position.ExitReason on close.
const (
	ExitStopLossTriggered = "STOP_LOSS_TRIGGERED"
	ExitReversalOB        = "REVERSAL_OB"
	ExitEmergencyClose    = "EMERGENCY_CLOSE"
	ExitHTFTargetPrefix   = "HTF_TARGET_" // suffixed with the timeframe
)

// Position is the bot's durable record of a trade. It is created PENDING,
// becomes OPEN on a confirmed fill, is mutated in place on additions and
// transitions to CLOSED exactly once.
type Position struct {
	ID               string
	Symbol           string
	Side             Side
	Status           PositionStatus
	AvgEntryPrice    float64
	Size             float64
	StopLoss         float64
	StopLossOrderID  string
	LiquidationPrice float64
	Leverage         int
	Margin           float64
	AdditionCount    int
	RelatedOBID      string
	LastOBBottom     float64
	LastOBTop        float64
	OpenTime         time.Time
	ExitTime         time.Time
	ExitPrice        float64
	ExitReason       string
	PnL              float64
	LastChecked      time.Time
	LastPrice        float64
	UnrealizedPnL    float64
}

// RealizedPnL computes the profit of closing the full size at exitPrice.
func (p *Position) RealizedPnL(exitPrice float64) float64 {
	if p.Side == SideLong {
		return (exitPrice - p.AvgEntryPrice) * p.Size
	}
	return (p.AvgEntryPrice - exitPrice) * p.Size
}

// LivePosition is the exchange's view of an open position.
type LivePosition struct {
	Symbol        string
	Side          Side
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      int
}

type TradeEventType string

const (
	EventOpen  TradeEventType = "OPEN"
	EventAdd   TradeEventType = "ADD"
	EventClose TradeEventType = "CLOSE"
)

// TradeLogEntry is the append-only audit record, one per fill or close.
type TradeLogEntry struct {
	ID           int64
	Timestamp    time.Time
	EventType    TradeEventType
	Symbol       string
	Side         Side
	Price        float64
	Size         float64
	Fee          float64
	PositionID   string
	PnL          float64
	ExitReason   string
	OBID         string
	OBConfidence Confidence
}
