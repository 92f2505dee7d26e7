package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_ob_trader/internal/config"
	"github.com/vitos/crypto_ob_trader/internal/domain"
	"go.uber.org/zap"
)

type monitorFixture struct {
	svc      *MonitorService
	exchange *MockExchange
	obRepo   *MockOBRepo
	posRepo  *MockPositionRepo
	tradeLog *MockTradeLog
	notifier *MockNotifier
}

func newMonitorFixture() *monitorFixture {
	f := &monitorFixture{
		exchange: &MockExchange{Price: 100},
		obRepo:   NewMockOBRepo(),
		posRepo:  &MockPositionRepo{},
		tradeLog: &MockTradeLog{},
		notifier: &MockNotifier{},
	}
	f.svc = NewMonitorService(f.exchange, f.obRepo, f.posRepo, f.tradeLog, f.notifier,
		config.TradingConfig{
			Symbol:           "BTCUSDT",
			Timeframe:        "15",
			HigherTimeframes: []string{"240"},
		},
		config.DetectorConfig{ATRPeriod: 14},
		config.MonitorConfig{
			ReversalWindowHours:     8,
			TrailingStopTrigger:     2,
			TrailingStopMultiplier:  2,
			LiquidationWarningPct:   5,
			LiquidationEmergencyPct: 2,
		}, zap.NewNop())
	f.svc.timeNow = func() time.Time { return wednesday }
	return f
}

func openLong() *domain.Position {
	return &domain.Position{
		ID:              "p1",
		Symbol:          "BTCUSDT",
		Side:            domain.SideLong,
		Status:          domain.StatusOpen,
		AvgEntryPrice:   100,
		Size:            2,
		StopLoss:        95,
		StopLossOrderID: "sl1",
		Leverage:        5,
		OpenTime:        wednesday.Add(-2 * time.Hour),
	}
}

func liveFor(p *domain.Position, mark float64) *domain.LivePosition {
	return &domain.LivePosition{
		Symbol:     p.Symbol,
		Side:       p.Side,
		Size:       p.Size,
		EntryPrice: p.AvgEntryPrice,
		MarkPrice:  mark,
		Leverage:   p.Leverage,
	}
}

func TestMonitor_NoPositionIsIdle(t *testing.T) {
	f := newMonitorFixture()

	out, err := f.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "idle", out.Action)
	assert.Equal(t, 0, f.exchange.GetPriceCalls)
}

func TestMonitor_StopOutDetectedByLiveness(t *testing.T) {
	f := newMonitorFixture()
	pos := openLong()
	f.posRepo.Open = pos
	f.exchange.Live = nil // the venue no longer has the position

	out, err := f.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "closed", out.Action)
	assert.Equal(t, domain.ExitStopLossTriggered, out.Detail)

	assert.Equal(t, domain.StatusClosed, pos.Status)
	assert.InDelta(t, 95, pos.ExitPrice, 1e-9) // closed at the recorded stop
	assert.InDelta(t, -10, pos.PnL, 1e-9)      // (95-100)*2

	require.Len(t, f.tradeLog.Entries, 1)
	entry := f.tradeLog.Entries[0]
	assert.Equal(t, domain.EventClose, entry.EventType)
	assert.Equal(t, domain.ExitStopLossTriggered, entry.ExitReason)
	assert.Contains(t, f.notifier.Kinds, "position_closed")
	// closed via the stop order, not a fresh close order
	assert.Empty(t, f.exchange.ClosedSizes)
}

func TestMonitor_RecordCloseIsIdempotent(t *testing.T) {
	f := newMonitorFixture()
	pos := openLong()
	pos.Status = domain.StatusClosed
	require.NoError(t, f.svc.recordClose(context.Background(), pos, 95, 0, domain.ExitStopLossTriggered))
	assert.Empty(t, f.posRepo.Updated)
	assert.Empty(t, f.tradeLog.Entries)
}

func TestMonitor_HTFTargetCloses(t *testing.T) {
	f := newMonitorFixture()
	pos := openLong()
	f.posRepo.Open = pos
	f.exchange.Price = 110
	f.exchange.Live = liveFor(pos, 110)
	f.exchange.CloseRes = &domain.CloseResult{ExecutionPrice: 110, Fee: 0.5}

	// price sits inside an opposite block on the 4h timeframe
	f.obRepo.Blocks["240"] = []*domain.OrderBlock{{
		ID:          "htf1",
		Type:        domain.OBBearish,
		RangeBottom: 109,
		RangeTop:    112,
		ConfirmedAt: wednesday.Add(-20 * time.Hour),
	}}

	out, err := f.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "closed", out.Action)
	assert.Equal(t, "HTF_TARGET_240", out.Detail)

	assert.Equal(t, domain.StatusClosed, pos.Status)
	assert.InDelta(t, 110, pos.ExitPrice, 1e-9)
	assert.InDelta(t, (110-100)*2-0.5, pos.PnL, 1e-9)
	require.Len(t, f.exchange.ClosedSizes, 1)
}

func TestMonitor_HTFTargetOvershootCloses(t *testing.T) {
	f := newMonitorFixture()
	pos := openLong()
	f.posRepo.Open = pos
	f.exchange.Price = 115
	f.exchange.Live = liveFor(pos, 115)
	f.exchange.CloseRes = &domain.CloseResult{ExecutionPrice: 115}

	// price has gapped clean through the 4h zone; crossing its near edge
	// still counts as reaching the target
	f.obRepo.Blocks["240"] = []*domain.OrderBlock{{
		ID:          "htf1",
		Type:        domain.OBBearish,
		RangeBottom: 109,
		RangeTop:    112,
		ConfirmedAt: wednesday.Add(-20 * time.Hour),
	}}

	out, err := f.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "closed", out.Action)
	assert.Equal(t, "HTF_TARGET_240", out.Detail)
	assert.InDelta(t, 115, pos.ExitPrice, 1e-9)
	require.Len(t, f.exchange.ClosedSizes, 1)
}

func TestMonitor_HTFTargetShortDirectional(t *testing.T) {
	f := newMonitorFixture()
	pos := openLong()
	pos.Side = domain.SideShort
	f.posRepo.Open = pos
	f.exchange.Price = 90
	f.exchange.Live = liveFor(pos, 90)
	f.exchange.CloseRes = &domain.CloseResult{ExecutionPrice: 90}

	// short target below entry, price has dropped past its top
	f.obRepo.Blocks["240"] = []*domain.OrderBlock{{
		ID:          "htf2",
		Type:        domain.OBBullish,
		RangeBottom: 92,
		RangeTop:    94,
		ConfirmedAt: wednesday.Add(-20 * time.Hour),
	}}

	out, err := f.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "closed", out.Action)
	assert.Equal(t, "HTF_TARGET_240", out.Detail)
}

func TestMonitor_HTFSameSideBlockIgnored(t *testing.T) {
	f := newMonitorFixture()
	pos := openLong()
	f.posRepo.Open = pos
	f.exchange.Price = 110
	f.exchange.Live = liveFor(pos, 110)

	f.obRepo.Blocks["240"] = []*domain.OrderBlock{{
		ID:          "htf1",
		Type:        domain.OBBullish, // same side as the position
		RangeBottom: 109,
		RangeTop:    112,
	}}

	out, err := f.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "checked", out.Action)
	assert.Empty(t, f.exchange.ClosedSizes)
}

func TestMonitor_ReversalBlockCloses(t *testing.T) {
	f := newMonitorFixture()
	pos := openLong()
	f.posRepo.Open = pos
	f.exchange.Price = 103
	f.exchange.Live = liveFor(pos, 103)
	f.exchange.CloseRes = &domain.CloseResult{ExecutionPrice: 103}

	f.obRepo.Blocks["15"] = []*domain.OrderBlock{{
		ID:          "rev1",
		Type:        domain.OBBearish,
		RangeBottom: 102,
		RangeTop:    105,
		ConfirmedAt: wednesday.Add(-2 * time.Hour),
		Confidence:  domain.ConfidenceHigh,
	}}

	out, err := f.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "closed", out.Action)
	assert.Equal(t, domain.ExitReversalOB, out.Detail)
}

func TestMonitor_ReversalBlockRequiresFreshHighConfidenceInZone(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(ob *domain.OrderBlock, f *monitorFixture)
	}{
		{"too old", func(ob *domain.OrderBlock, f *monitorFixture) {
			ob.ConfirmedAt = wednesday.Add(-9 * time.Hour)
		}},
		{"low confidence", func(ob *domain.OrderBlock, f *monitorFixture) {
			ob.Confidence = domain.ConfidenceLow
		}},
		{"price outside zone", func(ob *domain.OrderBlock, f *monitorFixture) {
			f.exchange.Price = 99
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newMonitorFixture()
			pos := openLong()
			f.posRepo.Open = pos
			f.exchange.Price = 103
			f.exchange.Live = liveFor(pos, 103)

			ob := &domain.OrderBlock{
				ID:          "rev1",
				Type:        domain.OBBearish,
				RangeBottom: 102,
				RangeTop:    105,
				ConfirmedAt: wednesday.Add(-2 * time.Hour),
				Confidence:  domain.ConfidenceHigh,
			}
			tc.mutate(ob, f)
			f.obRepo.Blocks["15"] = []*domain.OrderBlock{ob}

			out, err := f.svc.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "checked", out.Action)
			assert.Empty(t, f.exchange.ClosedSizes)
		})
	}
}

func trendingCandles(n int, step float64) []domain.Candle {
	candles := make([]domain.Candle, n)
	price := 100.0
	for i := range candles {
		candles[i] = domain.Candle{
			Open:   price,
			High:   price + step,
			Low:    price,
			Close:  price + step/2,
			Volume: 10,
		}
		price += step / 2
	}
	return candles
}

func TestMonitor_TrailingStopAdvances(t *testing.T) {
	f := newMonitorFixture()
	pos := openLong()
	f.posRepo.Open = pos
	f.exchange.Price = 120 // 20 above entry
	f.exchange.Live = liveFor(pos, 120)
	// every candle has a true range of 2, so ATR = 2
	f.exchange.Candles = trendingCandles(20, 2)

	out, err := f.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "checked", out.Action)

	require.Len(t, f.exchange.UpdatedStops, 1)
	assert.InDelta(t, 116, f.exchange.UpdatedStops[0], 1e-9) // 120 - 2*2
	assert.InDelta(t, 116, pos.StopLoss, 1e-9)
}

func TestMonitor_TrailingStopTriggersOnProfitPercent(t *testing.T) {
	f := newMonitorFixture()
	pos := openLong()
	f.posRepo.Open = pos
	f.exchange.Price = 103 // 3% above entry, trigger is 2%
	f.exchange.Live = liveFor(pos, 103)
	f.exchange.Candles = trendingCandles(20, 2) // ATR = 2

	out, err := f.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "checked", out.Action)

	require.Len(t, f.exchange.UpdatedStops, 1)
	assert.InDelta(t, 99, f.exchange.UpdatedStops[0], 1e-9) // 103 - 2*2
	assert.InDelta(t, 99, pos.StopLoss, 1e-9)
}

func TestMonitor_TrailingStopIdleBelowTrigger(t *testing.T) {
	f := newMonitorFixture()
	pos := openLong()
	f.posRepo.Open = pos
	f.exchange.Price = 101 // 1% above entry, below the 2% trigger
	f.exchange.Live = liveFor(pos, 101)
	f.exchange.Candles = trendingCandles(20, 2)

	_, err := f.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.exchange.UpdatedStops)
	assert.InDelta(t, 95, pos.StopLoss, 1e-9)
}

func TestMonitor_TrailingStopNeverRetreats(t *testing.T) {
	f := newMonitorFixture()
	pos := openLong()
	pos.StopLoss = 118 // already tighter than price - 2*ATR
	f.posRepo.Open = pos
	f.exchange.Price = 120
	f.exchange.Live = liveFor(pos, 120)
	f.exchange.Candles = trendingCandles(20, 2)

	_, err := f.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.exchange.UpdatedStops)
	assert.InDelta(t, 118, pos.StopLoss, 1e-9)
}

func TestMonitor_LiquidationEmergencyCloses(t *testing.T) {
	f := newMonitorFixture()
	pos := openLong()
	pos.LiquidationPrice = 99 // 1% below the current price
	f.posRepo.Open = pos
	f.exchange.Live = liveFor(pos, 100)
	f.exchange.CloseRes = &domain.CloseResult{ExecutionPrice: 100}

	out, err := f.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "closed", out.Action)
	assert.Equal(t, domain.ExitEmergencyClose, out.Detail)
	require.Len(t, f.exchange.ClosedSizes, 1)
}

func TestMonitor_LiquidationWarningNotifies(t *testing.T) {
	f := newMonitorFixture()
	pos := openLong()
	pos.LiquidationPrice = 96 // 4% away: warn, don't close
	f.posRepo.Open = pos
	f.exchange.Live = liveFor(pos, 100)

	out, err := f.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "checked", out.Action)
	assert.Contains(t, f.notifier.Kinds, "liquidation_warning")
	assert.Empty(t, f.exchange.ClosedSizes)
}

func TestMonitor_HeartbeatPersisted(t *testing.T) {
	f := newMonitorFixture()
	pos := openLong()
	f.posRepo.Open = pos
	f.exchange.Price = 104
	f.exchange.Live = liveFor(pos, 104)

	out, err := f.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "checked", out.Action)

	assert.Equal(t, wednesday, pos.LastChecked)
	assert.InDelta(t, 104, pos.LastPrice, 1e-9)
	assert.InDelta(t, 8, pos.UnrealizedPnL, 1e-9) // (104-100)*2
	require.NotEmpty(t, f.posRepo.Updated)
}
