package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/vitos/crypto_ob_trader/internal/domain"
	"go.uber.org/zap"
)

// MarketData is the read-only slice of the exchange surface the paper
// ledger delegates to a real venue. Public endpoints only, no keys needed.
type MarketData interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error)
	GetMarketRules(ctx context.Context, symbol string) (*domain.MarketRules, error)
}

type paperPosition struct {
	side       domain.Side
	size       float64
	entryPrice float64
	stopLoss   float64
	leverage   int
}

type paperOrder struct {
	req  domain.OrderRequest
	done bool
}

// PaperExchange implements domain.Exchange against real market data and a
// simulated account. Market orders fill at the live price immediately;
// limit orders fill when the price touches them; the stop loss fires on
// the price checks the jobs already make.
type PaperExchange struct {
	data        MarketData
	takerFeePct float64
	logger      *zap.Logger

	mu       sync.Mutex
	balance  float64
	position *paperPosition
	orders   map[string]*paperOrder
}

func NewPaperExchange(data MarketData, startBalance, takerFeePct float64, logger *zap.Logger) *PaperExchange {
	return &PaperExchange{
		data:        data,
		takerFeePct: takerFeePct,
		logger:      logger,
		balance:     startBalance,
		orders:      make(map[string]*paperOrder),
	}
}

func (p *PaperExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return p.data.GetPrice(ctx, symbol)
}

func (p *PaperExchange) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	return p.data.GetCandles(ctx, symbol, interval, limit)
}

func (p *PaperExchange) GetMarketRules(ctx context.Context, symbol string) (*domain.MarketRules, error) {
	return p.data.GetMarketRules(ctx, symbol)
}

func (p *PaperExchange) GetBalance(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

func (p *PaperExchange) PlaceOrder(ctx context.Context, req *domain.OrderRequest) (*domain.OrderResult, error) {
	price, err := p.data.GetPrice(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	orderID := uuid.NewString()

	if req.Type == domain.OrderLimit && !limitCrossed(req.Side, req.Price, price) {
		p.orders[orderID] = &paperOrder{req: *req}
		p.logger.Debug("Paper limit order resting",
			zap.String("order_id", orderID),
			zap.Float64("limit_price", req.Price),
			zap.Float64("price", price))
		return &domain.OrderResult{OrderID: orderID}, nil
	}

	fillPrice := price
	if req.Type == domain.OrderLimit {
		fillPrice = req.Price
	}
	res, err := p.fillLocked(req, orderID, fillPrice)
	if err != nil {
		return nil, err
	}
	p.orders[orderID] = &paperOrder{req: *req, done: true}
	return res, nil
}

func limitCrossed(side domain.Side, limitPrice, price float64) bool {
	if side == domain.SideLong {
		return price <= limitPrice
	}
	return price >= limitPrice
}

func (p *PaperExchange) fillLocked(req *domain.OrderRequest, orderID string, fillPrice float64) (*domain.OrderResult, error) {
	if p.position != nil && p.position.side != req.Side {
		return nil, fmt.Errorf("paper: conflicting position side")
	}

	fee := fillPrice * req.Size * p.takerFeePct / 100
	p.balance -= fee

	if p.position == nil {
		p.position = &paperPosition{
			side:       req.Side,
			size:       req.Size,
			entryPrice: fillPrice,
			stopLoss:   req.StopLoss,
			leverage:   req.Leverage,
		}
	} else {
		newSize := p.position.size + req.Size
		p.position.entryPrice = (p.position.entryPrice*p.position.size + fillPrice*req.Size) / newSize
		p.position.size = newSize
		if req.StopLoss > 0 {
			p.position.stopLoss = req.StopLoss
		}
	}

	p.logger.Info("Paper fill",
		zap.String("order_id", orderID),
		zap.String("side", string(req.Side)),
		zap.Float64("price", fillPrice),
		zap.Float64("size", req.Size),
		zap.Float64("fee", fee))

	return &domain.OrderResult{
		OrderID:          orderID,
		ExecutionPrice:   fillPrice,
		ExecutedSize:     req.Size,
		Fee:              fee,
		StopLossOrderID:  "paper-stop",
		LiquidationPrice: p.liquidationLocked(),
	}, nil
}

// liquidationLocked approximates the isolated-margin liquidation level
// from entry and leverage.
func (p *PaperExchange) liquidationLocked() float64 {
	if p.position == nil || p.position.leverage == 0 {
		return 0
	}
	frac := 1.0 / float64(p.position.leverage)
	if p.position.side == domain.SideLong {
		return p.position.entryPrice * (1 - frac)
	}
	return p.position.entryPrice * (1 + frac)
}

func (p *PaperExchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (*domain.OrderStatus, error) {
	price, err := p.data.GetPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("paper: order %s not found", orderID)
	}
	if order.done {
		return &domain.OrderStatus{
			OrderID:    orderID,
			State:      domain.OrderFilled,
			AvgPrice:   order.req.Price,
			FilledSize: order.req.Size,
		}, nil
	}

	if limitCrossed(order.req.Side, order.req.Price, price) {
		res, err := p.fillLocked(&order.req, orderID, order.req.Price)
		if err != nil {
			return nil, err
		}
		order.done = true
		return &domain.OrderStatus{
			OrderID:    orderID,
			State:      domain.OrderFilled,
			AvgPrice:   res.ExecutionPrice,
			FilledSize: res.ExecutedSize,
			Fee:        res.Fee,
		}, nil
	}

	return &domain.OrderStatus{OrderID: orderID, State: domain.OrderResting}, nil
}

func (p *PaperExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: order %s not found", orderID)
	}
	if order.done {
		return fmt.Errorf("paper: order %s already filled", orderID)
	}
	delete(p.orders, orderID)
	return nil
}

func (p *PaperExchange) ClosePosition(ctx context.Context, symbol string, size float64) (*domain.CloseResult, error) {
	price, err := p.data.GetPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.position == nil {
		return nil, fmt.Errorf("paper: no open position")
	}
	return p.closeLocked(price)
}

func (p *PaperExchange) closeLocked(price float64) (*domain.CloseResult, error) {
	pos := p.position
	var pnl float64
	if pos.side == domain.SideLong {
		pnl = (price - pos.entryPrice) * pos.size
	} else {
		pnl = (pos.entryPrice - price) * pos.size
	}
	fee := price * pos.size * p.takerFeePct / 100

	p.balance += pnl - fee
	p.position = nil

	p.logger.Info("Paper close",
		zap.Float64("price", price),
		zap.Float64("pnl", pnl),
		zap.Float64("fee", fee),
		zap.Float64("balance", p.balance))

	return &domain.CloseResult{ExecutionPrice: price, Fee: fee}, nil
}

// GetLivePosition also simulates the exchange-side stop: when the price
// has crossed the recorded stop the position closes at the stop level and
// the call reports no position, which is what the monitor expects after a
// real stop-out.
func (p *PaperExchange) GetLivePosition(ctx context.Context, symbol string) (*domain.LivePosition, error) {
	price, err := p.data.GetPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.position == nil {
		return nil, nil
	}

	pos := p.position
	if pos.stopLoss > 0 {
		stopped := (pos.side == domain.SideLong && price <= pos.stopLoss) ||
			(pos.side == domain.SideShort && price >= pos.stopLoss)
		if stopped {
			if _, err := p.closeLocked(pos.stopLoss); err != nil {
				return nil, err
			}
			return nil, nil
		}
	}

	var pnl float64
	if pos.side == domain.SideLong {
		pnl = (price - pos.entryPrice) * pos.size
	} else {
		pnl = (pos.entryPrice - price) * pos.size
	}

	return &domain.LivePosition{
		Symbol:        symbol,
		Side:          pos.side,
		Size:          pos.size,
		EntryPrice:    pos.entryPrice,
		MarkPrice:     price,
		UnrealizedPnL: pnl,
		Leverage:      pos.leverage,
	}, nil
}

func (p *PaperExchange) UpdateStopLoss(ctx context.Context, symbol, stopOrderID string, newPrice float64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.position == nil {
		return "", fmt.Errorf("paper: no open position")
	}
	p.position.stopLoss = newPrice
	return stopOrderID, nil
}
