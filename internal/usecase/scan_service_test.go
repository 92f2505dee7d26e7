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

func newScanFixture() (*ScanService, *MockExchange, *MockOBRepo) {
	ex := &MockExchange{}
	repo := NewMockOBRepo()
	svc := NewScanService(ex, repo,
		config.TradingConfig{Symbol: "BTCUSDT", Timeframe: "15", CandleLimit: 200},
		config.DetectorConfig{
			SwingLength:    2,
			VolumeLookback: 20,
			VolumeMethod:   "percentile",
			VolumeParam:    70,
			ATRPeriod:      14,
		},
		config.EntryConfig{MaxOBAgeMinutes: 720},
		zap.NewNop())
	svc.timeNow = func() time.Time { return wednesday }
	return svc, ex, repo
}

// recentBreakoutSeries is the bullish breakout shape stamped with times
// shortly before the fixture clock.
func recentBreakoutSeries() []domain.Candle {
	candles := bullishBreakoutSeries()
	base := wednesday.Add(-2 * time.Hour).Unix()
	for i := range candles {
		candles[i].Time = base + int64(i)*900
	}
	return candles
}

func TestScan_PersistsDetectedBlocks(t *testing.T) {
	svc, ex, repo := newScanFixture()
	ex.Candles = recentBreakoutSeries()

	out, err := svc.Run(context.Background(), "15")
	require.NoError(t, err)
	assert.True(t, out.Success)

	require.Len(t, repo.Saved, 1)
	ob := repo.Saved[0]
	assert.NotEmpty(t, ob.ID)
	assert.Equal(t, "BTCUSDT", ob.Symbol)
	assert.Equal(t, "15", ob.Timeframe)
	assert.Equal(t, domain.OBBullish, ob.Type)
	assert.Equal(t, wednesday, ob.CreatedAt)
}

func TestScan_DeduplicatesAcrossRuns(t *testing.T) {
	svc, ex, repo := newScanFixture()
	ex.Candles = recentBreakoutSeries()

	_, err := svc.Run(context.Background(), "15")
	require.NoError(t, err)
	_, err = svc.Run(context.Background(), "15")
	require.NoError(t, err)

	assert.Len(t, repo.Saved, 1, "the same breakout must not be recorded twice")
}

func TestScan_EmptyHistoryFails(t *testing.T) {
	svc, ex, _ := newScanFixture()
	ex.Candles = nil

	out, err := svc.Run(context.Background(), "15")
	assert.ErrorIs(t, err, domain.ErrDataUnavailable)
	assert.False(t, out.Success)
}

func TestScan_RetiresBrokenBlocks(t *testing.T) {
	svc, ex, repo := newScanFixture()
	candles := recentBreakoutSeries()
	ex.Candles = candles

	// A live bullish block whose bottom the latest candle wicks through.
	repo.Blocks["15"] = []*domain.OrderBlock{{
		ID:          "stale1",
		Type:        domain.OBBullish,
		RangeBottom: candles[len(candles)-1].Low + 1,
		RangeTop:    candles[len(candles)-1].Low + 3,
		ConfirmedAt: wednesday.Add(-1 * time.Hour),
	}}

	_, err := svc.Run(context.Background(), "15")
	require.NoError(t, err)
	assert.Contains(t, repo.Broken, "stale1")
}

func TestScan_RetiresAgedBlocks(t *testing.T) {
	svc, ex, repo := newScanFixture()
	ex.Candles = recentBreakoutSeries()

	repo.Blocks["15"] = []*domain.OrderBlock{{
		ID:          "old1",
		Type:        domain.OBBearish,
		RangeBottom: 990,
		RangeTop:    1000,
		ConfirmedAt: wednesday.Add(-13 * time.Hour),
	}}

	_, err := svc.Run(context.Background(), "15")
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonTooOld, repo.Processed["old1"])
}
