package domain

import "time"

type OBType string

const (
	OBBullish OBType = "BULLISH"
	OBBearish OBType = "BEARISH"
)

type Confidence string

const (
	ConfidenceHigh Confidence = "high"
	ConfidenceLow  Confidence = "low"
)

// ProcessedReason records why an order block was consumed or retired.
type ProcessedReason string

const (
	ReasonPositionOpened   ProcessedReason = "position_opened"
	ReasonPositionAdded    ProcessedReason = "position_added"
	ReasonExpiredMaxAge    ProcessedReason = "expired_max_age"
	ReasonSizeTooSmall     ProcessedReason = "size_too_small"
	ReasonOrderFailed      ProcessedReason = "order_failed"
	ReasonPriceTooFar      ProcessedReason = "price_too_far"
	ReasonTooOld           ProcessedReason = "too_old"
	ReasonWeekendFormation ProcessedReason = "weekend_formation"
)

// OrderBlock is a price range implicated in a confirmed breakout.
// Records are append-only: after creation only the status flags
// (IsActive/IsBroken/IsProcessed + ProcessedReason) ever change.
type OrderBlock struct {
	ID              string
	Symbol          string
	Timeframe       string
	Type            OBType
	RangeTop        float64
	RangeBottom     float64
	ConfirmedAt     time.Time // open time of the breakout candle's bar
	BreakoutPrice   float64   // close of the breakout candle
	Confidence      Confidence
	VolumeAggregate float64
	CreationIndex   int // index of the breakout candle in the scanned series
	IsActive        bool
	IsBroken        bool
	IsProcessed     bool
	ProcessedReason ProcessedReason
	CreatedAt       time.Time
}

// Live reports whether the block is still a valid trade target.
func (ob *OrderBlock) Live() bool {
	return ob.IsActive && !ob.IsProcessed && !ob.IsBroken
}

// FarEdge is the stop-loss side of the range: bottom for bullish
// blocks (long entries), top for bearish ones.
func (ob *OrderBlock) FarEdge() float64 {
	if ob.Type == OBBullish {
		return ob.RangeBottom
	}
	return ob.RangeTop
}

// NearEdge is the side of the range price reaches first when moving
// toward the block.
func (ob *OrderBlock) NearEdge() float64 {
	if ob.Type == OBBullish {
		return ob.RangeTop
	}
	return ob.RangeBottom
}

// Side maps the block type to the position side it implies.
func (ob *OrderBlock) Side() Side {
	if ob.Type == OBBullish {
		return SideLong
	}
	return SideShort
}
