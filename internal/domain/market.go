package domain

// MarketRules are the exchange lot constraints for a symbol.
type MarketRules struct {
	Symbol        string
	MinSize       float64
	SizeIncrement float64
	TickSize      float64
}

type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// OrderRequest is what the bot sends to the exchange.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Size       float64
	Price      float64 // ignored for market orders
	StopLoss   float64
	Type       OrderType
	Leverage   int
	ReduceOnly bool
}

// OrderResult is the normalized placement response.
type OrderResult struct {
	OrderID          string
	ExecutionPrice   float64
	ExecutedSize     float64
	Fee              float64
	StopLossOrderID  string
	LiquidationPrice float64
}

type OrderState string

const (
	OrderFilled    OrderState = "filled"
	OrderResting   OrderState = "resting"
	OrderCancelled OrderState = "cancelled"
	OrderRejected  OrderState = "rejected"
)

// OrderStatus is a poll snapshot of a resting order.
type OrderStatus struct {
	OrderID    string
	State      OrderState
	AvgPrice   float64
	FilledSize float64
	Fee        float64
}

// CloseResult reports a market close of an open position.
type CloseResult struct {
	ExecutionPrice float64
	Fee            float64
}
