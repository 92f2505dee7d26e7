package exchange

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_ob_trader/internal/domain"
	"go.uber.org/zap"
)

type stubMarketData struct {
	price float64
}

func (s *stubMarketData) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return s.price, nil
}

func (s *stubMarketData) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	return nil, nil
}

func (s *stubMarketData) GetMarketRules(ctx context.Context, symbol string) (*domain.MarketRules, error) {
	return &domain.MarketRules{Symbol: symbol, MinSize: 0.001, SizeIncrement: 0.001}, nil
}

func newPaper(price float64) (*PaperExchange, *stubMarketData) {
	data := &stubMarketData{price: price}
	return NewPaperExchange(data, 10000, 0.1, zap.NewNop()), data
}

func TestPaper_MarketOrderFillsImmediately(t *testing.T) {
	paper, _ := newPaper(100)
	ctx := context.Background()

	res, err := paper.PlaceOrder(ctx, &domain.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     domain.SideLong,
		Size:     2,
		Price:    100,
		StopLoss: 95,
		Type:     domain.OrderMarket,
		Leverage: 5,
	})
	require.NoError(t, err)
	assert.InDelta(t, 100, res.ExecutionPrice, 1e-9)
	assert.InDelta(t, 2, res.ExecutedSize, 1e-9)
	assert.InDelta(t, 0.2, res.Fee, 1e-9) // 100*2*0.1%

	balance, err := paper.GetBalance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10000-0.2, balance, 1e-9)

	live, err := paper.GetLivePosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.InDelta(t, 2, live.Size, 1e-9)
	assert.InDelta(t, 100, live.EntryPrice, 1e-9)
}

func TestPaper_LimitOrderRestsUntilTouched(t *testing.T) {
	paper, data := newPaper(100)
	ctx := context.Background()

	res, err := paper.PlaceOrder(ctx, &domain.OrderRequest{
		Symbol: "BTCUSDT",
		Side:   domain.SideLong,
		Size:   1,
		Price:  99,
		Type:   domain.OrderLimit,
	})
	require.NoError(t, err)

	status, err := paper.GetOrderStatus(ctx, "BTCUSDT", res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderResting, status.State)

	data.price = 98.5
	status, err = paper.GetOrderStatus(ctx, "BTCUSDT", res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, status.State)
	assert.InDelta(t, 99, status.AvgPrice, 1e-9)
}

func TestPaper_CancelRestingOrder(t *testing.T) {
	paper, _ := newPaper(100)
	ctx := context.Background()

	res, err := paper.PlaceOrder(ctx, &domain.OrderRequest{
		Symbol: "BTCUSDT",
		Side:   domain.SideLong,
		Size:   1,
		Price:  99,
		Type:   domain.OrderLimit,
	})
	require.NoError(t, err)

	require.NoError(t, paper.CancelOrder(ctx, "BTCUSDT", res.OrderID))
	_, err = paper.GetOrderStatus(ctx, "BTCUSDT", res.OrderID)
	assert.Error(t, err)
}

func TestPaper_StopLossFiresOnPriceCheck(t *testing.T) {
	paper, data := newPaper(100)
	ctx := context.Background()

	_, err := paper.PlaceOrder(ctx, &domain.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     domain.SideLong,
		Size:     2,
		StopLoss: 95,
		Type:     domain.OrderMarket,
		Leverage: 5,
	})
	require.NoError(t, err)

	data.price = 94
	live, err := paper.GetLivePosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, live, "stopped-out position must be gone, like on a real venue")

	// Filled at the stop level: loss of (95-100)*2 plus fees.
	balance, err := paper.GetBalance(ctx)
	require.NoError(t, err)
	assert.Less(t, balance, 10000-10.0)
}

func TestPaper_CloseRealizesPnL(t *testing.T) {
	paper, data := newPaper(100)
	ctx := context.Background()

	_, err := paper.PlaceOrder(ctx, &domain.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     domain.SideShort,
		Size:     1,
		Type:     domain.OrderMarket,
		Leverage: 5,
	})
	require.NoError(t, err)

	data.price = 90
	res, err := paper.ClosePosition(ctx, "BTCUSDT", 1)
	require.NoError(t, err)
	assert.InDelta(t, 90, res.ExecutionPrice, 1e-9)

	balance, err := paper.GetBalance(ctx)
	require.NoError(t, err)
	// +10 short profit minus the two fees (0.1 open at 100, 0.09 close at 90)
	assert.InDelta(t, 10000+10-0.1-0.09, balance, 1e-9)

	live, err := paper.GetLivePosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, live)
}
