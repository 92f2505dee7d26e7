package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/vitos/crypto_ob_trader/internal/domain"
)

// Hand-rolled fakes for the domain interfaces, shared by the service tests.

type MockExchange struct {
	Price     float64
	PriceErr  error
	Balance   float64
	Candles   []domain.Candle
	Rules     domain.MarketRules
	Live      *domain.LivePosition
	OrderRes  *domain.OrderResult
	OrderErr  error
	Statuses  []*domain.OrderStatus
	CloseRes  *domain.CloseResult
	CloseErr  error
	StopErr   error
	CancelErr error

	PlacedOrders   []*domain.OrderRequest
	CancelledIDs   []string
	ClosedSizes    []float64
	UpdatedStops   []float64
	statusCalls    int
	GetPriceCalls  int
	GetCandleCalls int
}

func (m *MockExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	m.GetPriceCalls++
	return m.Price, m.PriceErr
}

func (m *MockExchange) GetBalance(ctx context.Context) (float64, error) {
	return m.Balance, nil
}

func (m *MockExchange) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	m.GetCandleCalls++
	return m.Candles, nil
}

func (m *MockExchange) GetMarketRules(ctx context.Context, symbol string) (*domain.MarketRules, error) {
	r := m.Rules
	return &r, nil
}

func (m *MockExchange) PlaceOrder(ctx context.Context, req *domain.OrderRequest) (*domain.OrderResult, error) {
	cp := *req
	m.PlacedOrders = append(m.PlacedOrders, &cp)
	if m.OrderErr != nil {
		return nil, m.OrderErr
	}
	if m.OrderRes != nil {
		return m.OrderRes, nil
	}
	return &domain.OrderResult{OrderID: "order-1", ExecutionPrice: req.Price, ExecutedSize: req.Size}, nil
}

func (m *MockExchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (*domain.OrderStatus, error) {
	if len(m.Statuses) == 0 {
		return nil, errors.New("no status configured")
	}
	st := m.Statuses[m.statusCalls]
	if m.statusCalls < len(m.Statuses)-1 {
		m.statusCalls++
	}
	return st, nil
}

func (m *MockExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.CancelledIDs = append(m.CancelledIDs, orderID)
	return m.CancelErr
}

func (m *MockExchange) ClosePosition(ctx context.Context, symbol string, size float64) (*domain.CloseResult, error) {
	m.ClosedSizes = append(m.ClosedSizes, size)
	if m.CloseErr != nil {
		return nil, m.CloseErr
	}
	if m.CloseRes != nil {
		return m.CloseRes, nil
	}
	return &domain.CloseResult{ExecutionPrice: m.Price}, nil
}

func (m *MockExchange) GetLivePosition(ctx context.Context, symbol string) (*domain.LivePosition, error) {
	return m.Live, nil
}

func (m *MockExchange) UpdateStopLoss(ctx context.Context, symbol, stopOrderID string, newPrice float64) (string, error) {
	if m.StopErr != nil {
		return "", m.StopErr
	}
	m.UpdatedStops = append(m.UpdatedStops, newPrice)
	return stopOrderID, nil
}

type MockOBRepo struct {
	Blocks    map[string][]*domain.OrderBlock // keyed by timeframe
	Saved     []*domain.OrderBlock
	Processed map[string]domain.ProcessedReason
	Broken    []string
	MarkErr   error
}

func NewMockOBRepo() *MockOBRepo {
	return &MockOBRepo{
		Blocks:    make(map[string][]*domain.OrderBlock),
		Processed: make(map[string]domain.ProcessedReason),
	}
}

func (m *MockOBRepo) SaveOrderBlock(ctx context.Context, ob *domain.OrderBlock) error {
	m.Saved = append(m.Saved, ob)
	m.Blocks[ob.Timeframe] = append(m.Blocks[ob.Timeframe], ob)
	return nil
}

func (m *MockOBRepo) GetLiveOrderBlocks(ctx context.Context, symbol, timeframe string) ([]*domain.OrderBlock, error) {
	var live []*domain.OrderBlock
	for _, ob := range m.Blocks[timeframe] {
		if _, done := m.Processed[ob.ID]; done {
			continue
		}
		live = append(live, ob)
	}
	return live, nil
}

func (m *MockOBRepo) HasOrderBlock(ctx context.Context, symbol, timeframe string, obType domain.OBType, confirmedAt time.Time) (bool, error) {
	for _, ob := range m.Blocks[timeframe] {
		if ob.Type == obType && ob.ConfirmedAt.Equal(confirmedAt) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MockOBRepo) MarkProcessed(ctx context.Context, id string, reason domain.ProcessedReason) error {
	if m.MarkErr != nil {
		return m.MarkErr
	}
	m.Processed[id] = reason
	return nil
}

func (m *MockOBRepo) MarkBroken(ctx context.Context, id string) error {
	m.Broken = append(m.Broken, id)
	return nil
}

type MockPositionRepo struct {
	Open      *domain.Position
	Closed    []*domain.Position
	Created   []*domain.Position
	Updated   []*domain.Position
	CreateErr error
	UpdateErr error
}

func (m *MockPositionRepo) CreatePosition(ctx context.Context, p *domain.Position) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	if m.Open != nil {
		return domain.ErrPositionExists
	}
	m.Created = append(m.Created, p)
	m.Open = p
	return nil
}

func (m *MockPositionRepo) UpdatePosition(ctx context.Context, p *domain.Position) error {
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	m.Updated = append(m.Updated, p)
	if p.Status == domain.StatusClosed || p.Status == domain.StatusFailed || p.Status == domain.StatusCancelled {
		if m.Open != nil && m.Open.ID == p.ID {
			m.Open = nil
		}
	}
	return nil
}

func (m *MockPositionRepo) GetOpenPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	return m.Open, nil
}

func (m *MockPositionRepo) GetClosedPositionsSince(ctx context.Context, since time.Time) ([]*domain.Position, error) {
	var out []*domain.Position
	for _, p := range m.Closed {
		if !p.ExitTime.Before(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MockPositionRepo) GetRecentClosedPositions(ctx context.Context, limit int) ([]*domain.Position, error) {
	if len(m.Closed) <= limit {
		return m.Closed, nil
	}
	return m.Closed[:limit], nil
}

type MockTradeLog struct {
	Entries []*domain.TradeLogEntry
	SaveErr error
}

func (m *MockTradeLog) SaveTradeLog(ctx context.Context, e *domain.TradeLogEntry) error {
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.Entries = append(m.Entries, e)
	return nil
}

func (m *MockTradeLog) ListTradeLog(ctx context.Context, limit int) ([]*domain.TradeLogEntry, error) {
	return m.Entries, nil
}

type MockProtectionRepo struct {
	State *domain.ProtectionState
}

func (m *MockProtectionRepo) GetProtectionState(ctx context.Context) (*domain.ProtectionState, error) {
	if m.State == nil {
		m.State = &domain.ProtectionState{}
	}
	cp := *m.State
	return &cp, nil
}

func (m *MockProtectionRepo) SaveProtectionState(ctx context.Context, s *domain.ProtectionState) error {
	cp := *s
	m.State = &cp
	return nil
}

type MockNotifier struct {
	Kinds    []string
	Payloads []map[string]string
}

func (m *MockNotifier) Notify(kind string, payload map[string]string) {
	m.Kinds = append(m.Kinds, kind)
	m.Payloads = append(m.Payloads, payload)
}
