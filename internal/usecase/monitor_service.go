package usecase

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/vitos/crypto_ob_trader/internal/config"
	"github.com/vitos/crypto_ob_trader/internal/domain"
	"github.com/vitos/crypto_ob_trader/internal/metrics"
	"github.com/vitos/crypto_ob_trader/internal/retry"
	"go.uber.org/zap"
)

// MonitorService is the position-monitor job. Each cycle it runs a fixed
// sequence of checks against the single open position: exchange liveness,
// higher-timeframe targets, reversal blocks, trailing stop, liquidation
// proximity, then a heartbeat update. The first check that closes the
// position ends the cycle.
type MonitorService struct {
	exchange domain.Exchange
	obRepo   domain.OrderBlockRepository
	posRepo  domain.PositionRepository
	tradeLog domain.TradeLogRepository
	notifier domain.Notifier
	trading  config.TradingConfig
	detector config.DetectorConfig
	cfg      config.MonitorConfig
	logger   *zap.Logger
	timeNow  func() time.Time // for testing
}

func NewMonitorService(
	exchange domain.Exchange,
	obRepo domain.OrderBlockRepository,
	posRepo domain.PositionRepository,
	tradeLog domain.TradeLogRepository,
	notifier domain.Notifier,
	trading config.TradingConfig,
	detector config.DetectorConfig,
	cfg config.MonitorConfig,
	logger *zap.Logger,
) *MonitorService {
	return &MonitorService{
		exchange: exchange,
		obRepo:   obRepo,
		posRepo:  posRepo,
		tradeLog: tradeLog,
		notifier: notifier,
		trading:  trading,
		detector: detector,
		cfg:      cfg,
		logger:   logger,
		timeNow:  time.Now,
	}
}

// Run executes one monitor cycle.
func (s *MonitorService) Run(ctx context.Context) (*JobOutcome, error) {
	pos, err := s.posRepo.GetOpenPosition(ctx, s.trading.Symbol)
	if err != nil {
		return failedOutcome("monitor", err.Error()), err
	}
	if pos == nil || pos.Status != domain.StatusOpen {
		return outcome("monitor", "idle", "no open position"), nil
	}

	// Liveness: the exchange no longer having the position means our stop
	// was hit (or it was liquidated) between cycles.
	live, err := s.exchange.GetLivePosition(ctx, pos.Symbol)
	if err != nil {
		return failedOutcome("monitor", err.Error()), err
	}
	if live == nil || live.Size == 0 {
		if err := s.recordClose(ctx, pos, pos.StopLoss, 0, domain.ExitStopLossTriggered); err != nil {
			return failedOutcome("monitor", err.Error()), err
		}
		return outcome("monitor", "closed", domain.ExitStopLossTriggered), nil
	}

	var price float64
	err = retry.Do(ctx, retry.DefaultConfig(), s.logger, "get_price", func() error {
		var perr error
		price, perr = s.exchange.GetPrice(ctx, pos.Symbol)
		return perr
	})
	if err != nil {
		return failedOutcome("monitor", err.Error()), err
	}

	if tf, hit, err := s.htfTargetHit(ctx, pos, price); err != nil {
		return failedOutcome("monitor", err.Error()), err
	} else if hit {
		reason := domain.ExitHTFTargetPrefix + tf
		if out, err := s.closeAtMarket(ctx, pos, reason); err != nil {
			return out, err
		}
		return outcome("monitor", "closed", reason), nil
	}

	if hit, err := s.reversalBlockHit(ctx, pos, price); err != nil {
		return failedOutcome("monitor", err.Error()), err
	} else if hit {
		if out, err := s.closeAtMarket(ctx, pos, domain.ExitReversalOB); err != nil {
			return out, err
		}
		return outcome("monitor", "closed", domain.ExitReversalOB), nil
	}

	if err := s.trailStop(ctx, pos, price); err != nil {
		s.logger.Warn("Trailing stop update failed", zap.Error(err))
	}

	if emergency, err := s.checkLiquidation(ctx, pos, price); err != nil {
		return failedOutcome("monitor", err.Error()), err
	} else if emergency {
		if out, err := s.closeAtMarket(ctx, pos, domain.ExitEmergencyClose); err != nil {
			return out, err
		}
		return outcome("monitor", "closed", domain.ExitEmergencyClose), nil
	}

	// Heartbeat: persist what we saw so a restart picks up from fresh data.
	pos.LastChecked = s.timeNow().UTC()
	pos.LastPrice = price
	pos.UnrealizedPnL = pos.RealizedPnL(price)
	if err := s.posRepo.UpdatePosition(ctx, pos); err != nil {
		return failedOutcome("monitor", err.Error()), err
	}

	return outcome("monitor", "checked", fmt.Sprintf("price=%f upnl=%f", price, pos.UnrealizedPnL)), nil
}

// htfTargetHit reports whether price has reached an opposite block on any
// configured higher timeframe in the position's favor. Crossing the near
// edge is enough: a candle that gaps through the whole zone has still hit
// the target.
func (s *MonitorService) htfTargetHit(ctx context.Context, pos *domain.Position, price float64) (string, bool, error) {
	opposite := domain.OBBearish
	if pos.Side == domain.SideShort {
		opposite = domain.OBBullish
	}

	for _, tf := range s.trading.HigherTimeframes {
		blocks, err := s.obRepo.GetLiveOrderBlocks(ctx, pos.Symbol, tf)
		if err != nil {
			return "", false, err
		}
		for _, ob := range blocks {
			if ob.Type != opposite {
				continue
			}
			reached := price >= ob.NearEdge()
			if pos.Side == domain.SideShort {
				reached = price <= ob.NearEdge()
			}
			if reached {
				s.logger.Info("Price reached higher-timeframe target zone",
					zap.String("timeframe", tf),
					zap.String("ob_id", ob.ID),
					zap.Float64("price", price))
				return tf, true, nil
			}
		}
	}
	return "", false, nil
}

// reversalBlockHit reports whether a fresh high-confidence opposite block
// formed on the entry timeframe and price is already inside it.
func (s *MonitorService) reversalBlockHit(ctx context.Context, pos *domain.Position, price float64) (bool, error) {
	opposite := domain.OBBearish
	if pos.Side == domain.SideShort {
		opposite = domain.OBBullish
	}

	blocks, err := s.obRepo.GetLiveOrderBlocks(ctx, pos.Symbol, s.trading.Timeframe)
	if err != nil {
		return false, err
	}

	now := s.timeNow().UTC()
	for _, ob := range blocks {
		if ob.Type != opposite {
			continue
		}
		if now.Sub(ob.ConfirmedAt) > s.cfg.ReversalWindow() {
			continue
		}
		if ob.Confidence != domain.ConfidenceHigh {
			continue
		}
		if price >= ob.RangeBottom && price <= ob.RangeTop {
			s.logger.Info("Reversal block reached against position",
				zap.String("ob_id", ob.ID),
				zap.Float64("price", price))
			return true, nil
		}
	}
	return false, nil
}

// trailStop ratchets the stop behind price once unrealized profit exceeds
// the trigger percent of the entry price. The stop only ever moves in the
// favorable direction.
func (s *MonitorService) trailStop(ctx context.Context, pos *domain.Position, price float64) error {
	if pos.AvgEntryPrice <= 0 {
		return nil
	}
	candles, err := s.exchange.GetCandles(ctx, pos.Symbol, s.trading.Timeframe, s.detector.ATRPeriod+1)
	if err != nil {
		return err
	}
	atr, ok := ATR(candles, s.detector.ATRPeriod)
	if !ok || atr <= 0 {
		return nil
	}

	var move, newStop float64
	if pos.Side == domain.SideLong {
		move = price - pos.AvgEntryPrice
		newStop = price - atr*s.cfg.TrailingStopMultiplier
	} else {
		move = pos.AvgEntryPrice - price
		newStop = price + atr*s.cfg.TrailingStopMultiplier
	}
	pnlPct := move / pos.AvgEntryPrice * 100
	if pnlPct < s.cfg.TrailingStopTrigger {
		return nil
	}
	if !moreFavorableStop(pos.Side, newStop, pos.StopLoss) {
		return nil
	}

	newID, err := s.exchange.UpdateStopLoss(ctx, pos.Symbol, pos.StopLossOrderID, newStop)
	if err != nil {
		return err
	}
	old := pos.StopLoss
	pos.StopLoss = newStop
	pos.StopLossOrderID = newID
	if err := s.posRepo.UpdatePosition(ctx, pos); err != nil {
		return err
	}
	s.logger.Info("Trailing stop advanced",
		zap.Float64("old_stop", old),
		zap.Float64("new_stop", newStop),
		zap.Float64("atr", atr))
	return nil
}

// checkLiquidation warns when price closes in on the liquidation level and
// reports true when it is inside the emergency band.
func (s *MonitorService) checkLiquidation(ctx context.Context, pos *domain.Position, price float64) (bool, error) {
	if pos.LiquidationPrice <= 0 || price <= 0 {
		return false, nil
	}
	distPct := math.Abs(price-pos.LiquidationPrice) / price * 100

	if distPct <= s.cfg.LiquidationEmergencyPct {
		s.logger.Error("Price inside liquidation emergency band, closing position",
			zap.Float64("price", price),
			zap.Float64("liquidation_price", pos.LiquidationPrice),
			zap.Float64("distance_pct", distPct))
		return true, nil
	}
	if distPct <= s.cfg.LiquidationWarningPct {
		s.logger.Warn("Price approaching liquidation",
			zap.Float64("price", price),
			zap.Float64("liquidation_price", pos.LiquidationPrice),
			zap.Float64("distance_pct", distPct))
		s.notifier.Notify("liquidation_warning", map[string]string{
			"symbol":            pos.Symbol,
			"price":             fmt.Sprintf("%f", price),
			"liquidation_price": fmt.Sprintf("%f", pos.LiquidationPrice),
			"distance_pct":      fmt.Sprintf("%.2f", distPct),
		})
	}
	return false, nil
}

// closeAtMarket closes the full position on the exchange and records the
// result. The exchange call is retried; the bookkeeping goes through
// recordClose.
func (s *MonitorService) closeAtMarket(ctx context.Context, pos *domain.Position, reason string) (*JobOutcome, error) {
	var res *domain.CloseResult
	err := retry.Do(ctx, retry.DefaultConfig(), s.logger, "close_position", func() error {
		var cerr error
		res, cerr = s.exchange.ClosePosition(ctx, pos.Symbol, pos.Size)
		return cerr
	})
	if err != nil {
		return failedOutcome("monitor", err.Error()), err
	}
	if err := s.recordClose(ctx, pos, res.ExecutionPrice, res.Fee, reason); err != nil {
		return failedOutcome("monitor", err.Error()), err
	}
	return nil, nil
}

// recordClose transitions the position to CLOSED exactly once and writes
// the audit entry. Safe to call against an already-closed record.
func (s *MonitorService) recordClose(ctx context.Context, pos *domain.Position, exitPrice, fee float64, reason string) error {
	if pos.Status == domain.StatusClosed {
		return nil
	}

	now := s.timeNow().UTC()
	pos.Status = domain.StatusClosed
	pos.ExitTime = now
	pos.ExitPrice = exitPrice
	pos.ExitReason = reason
	pos.PnL = pos.RealizedPnL(exitPrice) - fee

	if err := s.posRepo.UpdatePosition(ctx, pos); err != nil {
		return err
	}
	if err := s.tradeLog.SaveTradeLog(ctx, &domain.TradeLogEntry{
		Timestamp:  now,
		EventType:  domain.EventClose,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Price:      exitPrice,
		Size:       pos.Size,
		Fee:        fee,
		PositionID: pos.ID,
		PnL:        pos.PnL,
		ExitReason: reason,
		OBID:       pos.RelatedOBID,
	}); err != nil {
		return err
	}

	metrics.PositionsOpen.Set(0)
	s.logger.Info("Position closed",
		zap.String("position_id", pos.ID),
		zap.String("reason", reason),
		zap.Float64("exit_price", exitPrice),
		zap.Float64("pnl", pos.PnL))
	s.notifier.Notify("position_closed", map[string]string{
		"symbol":     pos.Symbol,
		"side":       string(pos.Side),
		"reason":     reason,
		"exit_price": fmt.Sprintf("%f", exitPrice),
		"pnl":        fmt.Sprintf("%f", pos.PnL),
	})
	return nil
}
