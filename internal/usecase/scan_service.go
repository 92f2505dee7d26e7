package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vitos/crypto_ob_trader/internal/config"
	"github.com/vitos/crypto_ob_trader/internal/domain"
	"github.com/vitos/crypto_ob_trader/internal/metrics"
	"github.com/vitos/crypto_ob_trader/internal/retry"
	"go.uber.org/zap"
)

// ScanService is the candle-scan job: fetch history, detect order blocks,
// persist new ones and retire stale or broken ones.
type ScanService struct {
	exchange domain.Exchange
	obRepo   domain.OrderBlockRepository
	trading  config.TradingConfig
	detector config.DetectorConfig
	maxOBAge time.Duration
	logger   *zap.Logger
	timeNow  func() time.Time // for testing
}

func NewScanService(
	exchange domain.Exchange,
	obRepo domain.OrderBlockRepository,
	trading config.TradingConfig,
	detector config.DetectorConfig,
	entry config.EntryConfig,
	logger *zap.Logger,
) *ScanService {
	return &ScanService{
		exchange: exchange,
		obRepo:   obRepo,
		trading:  trading,
		detector: detector,
		maxOBAge: entry.MaxOBAge(),
		logger:   logger,
		timeNow:  time.Now,
	}
}

// Run executes one scan cycle for a timeframe (the entry timeframe or one
// of the configured higher timeframes).
func (s *ScanService) Run(ctx context.Context, timeframe string) (*JobOutcome, error) {
	symbol := s.trading.Symbol

	var candles []domain.Candle
	err := retry.Do(ctx, retry.DefaultConfig(), s.logger, "fetch_candles", func() error {
		var ferr error
		candles, ferr = s.exchange.GetCandles(ctx, symbol, timeframe, s.trading.CandleLimit)
		return ferr
	})
	if err != nil {
		return failedOutcome("scan", err.Error()), err
	}
	if len(candles) == 0 {
		return failedOutcome("scan", domain.ErrDataUnavailable.Error()), domain.ErrDataUnavailable
	}

	var atrPtr *float64
	if atr, ok := ATR(candles, s.detector.ATRPeriod); ok {
		atrPtr = &atr
	}

	res := DetectOrderBlocks(candles, DetectorParams{
		Symbol:           symbol,
		Timeframe:        timeframe,
		SwingLength:      s.detector.SwingLength,
		VolumeLookback:   s.detector.VolumeLookback,
		VolumeMethod:     VolumeMethod(s.detector.VolumeMethod),
		VolumeParam:      s.detector.VolumeParam,
		MaxATRMultiplier: s.detector.MaxATRMultiplier,
	}, atrPtr)

	created := 0
	for _, ob := range append(res.Bullish, res.Bearish...) {
		exists, err := s.obRepo.HasOrderBlock(ctx, symbol, timeframe, ob.Type, ob.ConfirmedAt)
		if err != nil {
			return failedOutcome("scan", err.Error()), err
		}
		if exists {
			continue
		}

		rec := ob
		rec.ID = uuid.NewString()
		rec.CreatedAt = s.timeNow().UTC()
		if err := s.obRepo.SaveOrderBlock(ctx, &rec); err != nil {
			return failedOutcome("scan", err.Error()), fmt.Errorf("failed to save order block: %w", err)
		}
		created++
		metrics.OrderBlocksDetected.WithLabelValues(string(rec.Type), timeframe).Inc()
		s.logger.Info("Order block recorded",
			zap.String("id", rec.ID),
			zap.String("type", string(rec.Type)),
			zap.String("timeframe", timeframe),
			zap.Float64("top", rec.RangeTop),
			zap.Float64("bottom", rec.RangeBottom),
			zap.String("confidence", string(rec.Confidence)),
			zap.Time("confirmed_at", rec.ConfirmedAt))
	}

	retired, err := s.retireStale(ctx, timeframe, candles[len(candles)-1])
	if err != nil {
		return failedOutcome("scan", err.Error()), err
	}

	return outcome("scan", "scanned",
		fmt.Sprintf("tf=%s new=%d retired=%d", timeframe, created, retired)), nil
}

// retireStale flips live blocks to broken when the latest candle has wicked
// back through their range, and to processed/too_old past the max age.
func (s *ScanService) retireStale(ctx context.Context, timeframe string, latest domain.Candle) (int, error) {
	live, err := s.obRepo.GetLiveOrderBlocks(ctx, s.trading.Symbol, timeframe)
	if err != nil {
		return 0, err
	}

	now := s.timeNow().UTC()
	retired := 0
	for _, ob := range live {
		broken := false
		if ob.Type == domain.OBBullish && latest.Low < ob.RangeBottom {
			broken = true
		}
		if ob.Type == domain.OBBearish && latest.High > ob.RangeTop {
			broken = true
		}

		switch {
		case broken:
			if err := s.obRepo.MarkBroken(ctx, ob.ID); err != nil {
				return retired, err
			}
			retired++
			s.logger.Info("Order block broken", zap.String("id", ob.ID), zap.String("type", string(ob.Type)))
		case now.Sub(ob.ConfirmedAt) > s.maxOBAge:
			if err := s.obRepo.MarkProcessed(ctx, ob.ID, domain.ReasonTooOld); err != nil {
				return retired, err
			}
			retired++
			s.logger.Info("Order block aged out", zap.String("id", ob.ID), zap.Duration("age", now.Sub(ob.ConfirmedAt)))
		}
	}
	return retired, nil
}
