package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/vitos/crypto_ob_trader/internal/config"
	"github.com/vitos/crypto_ob_trader/internal/domain"
	"github.com/vitos/crypto_ob_trader/internal/metrics"
	"github.com/vitos/crypto_ob_trader/internal/retry"
	"go.uber.org/zap"
)

// Addition thresholds: a new block must improve on the last reference
// block by 2%, or sit within 5% of it with high confidence.
const (
	betterBlockFactor   = 1.02
	nearBlockTolerance  = 0.05
	persistenceAttempts = 5
)

// EntryService is the entry-check job: it walks the live order blocks most
// recent first, picks at most one to open or pyramid into, sizes it and
// routes the order.
type EntryService struct {
	exchange domain.Exchange
	obRepo   domain.OrderBlockRepository
	posRepo  domain.PositionRepository
	tradeLog domain.TradeLogRepository
	gate     *ProtectionGate
	notifier domain.Notifier
	trading  config.TradingConfig
	cfg      config.EntryConfig
	logger   *zap.Logger
	timeNow  func() time.Time // for testing
}

func NewEntryService(
	exchange domain.Exchange,
	obRepo domain.OrderBlockRepository,
	posRepo domain.PositionRepository,
	tradeLog domain.TradeLogRepository,
	gate *ProtectionGate,
	notifier domain.Notifier,
	trading config.TradingConfig,
	cfg config.EntryConfig,
	logger *zap.Logger,
) *EntryService {
	return &EntryService{
		exchange: exchange,
		obRepo:   obRepo,
		posRepo:  posRepo,
		tradeLog: tradeLog,
		gate:     gate,
		notifier: notifier,
		trading:  trading,
		cfg:      cfg,
		logger:   logger,
		timeNow:  time.Now,
	}
}

// Run executes one entry cycle.
func (s *EntryService) Run(ctx context.Context) (*JobOutcome, error) {
	symbol := s.trading.Symbol

	var balance float64
	err := retry.Do(ctx, retry.DefaultConfig(), s.logger, "get_balance", func() error {
		var berr error
		balance, berr = s.exchange.GetBalance(ctx)
		return berr
	})
	if err != nil {
		return failedOutcome("entry", err.Error()), err
	}
	metrics.EquityGauge.Set(balance)

	verdict, err := s.gate.Check(ctx, balance)
	if err != nil {
		return failedOutcome("entry", err.Error()), err
	}
	if !verdict.Allowed {
		metrics.ProtectionBlocks.WithLabelValues(verdict.Reason).Inc()
		s.logger.Warn("Entry blocked by protection gate",
			zap.String("reason", verdict.Reason),
			zap.Float64("balance", verdict.Stats.Balance),
			zap.Float64("daily_pnl", verdict.Stats.DailyPnL),
			zap.Int("consecutive_losses", verdict.Stats.ConsecutiveLosses),
			zap.Float64("drawdown_pct", verdict.Stats.DrawdownPercent))
		if IsSevereBlock(verdict.Reason) {
			if err := s.gate.ArmCooldown(ctx, verdict.Reason); err != nil {
				s.logger.Error("Failed to arm cooldown", zap.Error(err))
			}
		}
		return outcome("entry", "blocked", verdict.Reason), nil
	}

	var price float64
	err = retry.Do(ctx, retry.DefaultConfig(), s.logger, "get_price", func() error {
		var perr error
		price, perr = s.exchange.GetPrice(ctx, symbol)
		return perr
	})
	if err != nil {
		return failedOutcome("entry", err.Error()), err
	}

	open, err := s.posRepo.GetOpenPosition(ctx, symbol)
	if err != nil {
		return failedOutcome("entry", err.Error()), err
	}

	candidates, err := s.obRepo.GetLiveOrderBlocks(ctx, symbol, s.trading.Timeframe)
	if err != nil {
		return failedOutcome("entry", err.Error()), err
	}

	selected, err := s.selectCandidate(ctx, candidates, open, price, balance)
	if err != nil {
		return failedOutcome("entry", err.Error()), err
	}
	if selected == nil {
		return outcome("entry", "no_trade", "no eligible order block"), nil
	}

	return s.execute(ctx, selected, open, price, balance)
}

// selectCandidate applies the eligibility rules in order until one block
// is chosen or the list is exhausted. Blocks skipped for transient reasons
// (confidence, add conditions not yet met) stay unprocessed.
func (s *EntryService) selectCandidate(ctx context.Context, candidates []*domain.OrderBlock, open *domain.Position, price, balance float64) (*domain.OrderBlock, error) {
	now := s.timeNow().UTC()

	for _, ob := range candidates {
		if now.Sub(ob.ConfirmedAt) > s.cfg.MaxOBAge() {
			if err := s.obRepo.MarkProcessed(ctx, ob.ID, domain.ReasonExpiredMaxAge); err != nil {
				return nil, err
			}
			continue
		}

		// Blocks formed over the weekend are built on thin liquidity and
		// never traded.
		if wd := ob.ConfirmedAt.Weekday(); wd == time.Saturday || wd == time.Sunday {
			if err := s.obRepo.MarkProcessed(ctx, ob.ID, domain.ReasonWeekendFormation); err != nil {
				return nil, err
			}
			continue
		}

		if s.cfg.RequireHighConfidence && ob.Confidence != domain.ConfidenceHigh {
			continue
		}

		if open == nil {
			return ob, nil
		}

		if s.additionEligible(ob, open, price, balance) {
			return ob, nil
		}
	}
	return nil, nil
}

func (s *EntryService) additionEligible(ob *domain.OrderBlock, open *domain.Position, price, balance float64) bool {
	if ob.Side() != open.Side {
		return false
	}
	if open.AdditionCount >= s.cfg.MaxAdditions {
		return false
	}
	if balance <= 0 {
		return false
	}

	pnlPct := open.RealizedPnL(price) / balance * 100
	if pnlPct < s.cfg.MinProfitForAddition {
		return false
	}

	// Significantly better block, or close to the last one and high
	// confidence.
	if open.Side == domain.SideLong {
		if ob.RangeBottom > open.LastOBBottom*betterBlockFactor {
			return true
		}
		if open.LastOBBottom > 0 &&
			math.Abs(ob.RangeBottom-open.LastOBBottom)/open.LastOBBottom < nearBlockTolerance &&
			ob.Confidence == domain.ConfidenceHigh {
			return true
		}
		return false
	}

	if ob.RangeTop < open.LastOBTop*(2-betterBlockFactor) {
		return true
	}
	if open.LastOBTop > 0 &&
		math.Abs(ob.RangeTop-open.LastOBTop)/open.LastOBTop < nearBlockTolerance &&
		ob.Confidence == domain.ConfidenceHigh {
		return true
	}
	return false
}

// execute sizes the selected block and routes the order.
func (s *EntryService) execute(ctx context.Context, ob *domain.OrderBlock, open *domain.Position, price, balance float64) (*JobOutcome, error) {
	symbol := s.trading.Symbol
	stopLoss := ob.FarEdge() // the block's far edge, no ATR buffer

	var rules *domain.MarketRules
	err := retry.Do(ctx, retry.DefaultConfig(), s.logger, "get_market_rules", func() error {
		var rerr error
		rules, rerr = s.exchange.GetMarketRules(ctx, symbol)
		return rerr
	})
	if err != nil {
		return failedOutcome("entry", err.Error()), err
	}

	additionNumber := 0
	if open != nil {
		additionNumber = open.AdditionCount + 1
	}

	sized, err := ComputeSize(SizeParams{
		Balance:         balance,
		RiskPercent:     s.trading.RiskPercent,
		Leverage:        s.trading.Leverage,
		EntryPrice:      price,
		StopLossPrice:   stopLoss,
		Rules:           *rules,
		AdditionNumber:  additionNumber,
		ScaleDownFactor: s.cfg.ScaleDownFactor,
	})
	if errors.Is(err, ErrInsufficientMargin) {
		// Transient: balance or price may move, retry next cycle.
		s.logger.Warn("Skipping entry, insufficient margin", zap.String("ob_id", ob.ID))
		return outcome("entry", "skipped", "insufficient margin"), nil
	}
	if err != nil {
		return failedOutcome("entry", err.Error()), err
	}
	if sized.TooSmall {
		if err := s.obRepo.MarkProcessed(ctx, ob.ID, domain.ReasonSizeTooSmall); err != nil {
			return failedOutcome("entry", err.Error()), err
		}
		return outcome("entry", "no_trade", "size below exchange minimum"), nil
	}

	// Route by deviation of the current price from the breakout level.
	breakout := ob.BreakoutPrice
	if breakout == 0 {
		breakout = ob.NearEdge()
	}
	deviation := math.Abs(price-breakout) / breakout

	switch {
	case deviation <= s.cfg.MaxDeviationForMarket:
		return s.fillMarket(ctx, ob, open, price, sized.Size, stopLoss)
	case deviation <= s.cfg.MaxDeviationForLimit:
		return s.fillLimit(ctx, ob, open, price, sized.Size, stopLoss)
	default:
		// Too far from the breakout. The block stays live; it may come
		// back into range before it ages out.
		s.logger.Info("Price too far from breakout, skipping cycle",
			zap.String("ob_id", ob.ID),
			zap.Float64("deviation", deviation))
		return outcome("entry", "no_trade", "price too far from breakout"), nil
	}
}

func (s *EntryService) fillMarket(ctx context.Context, ob *domain.OrderBlock, open *domain.Position, price, size, stopLoss float64) (*JobOutcome, error) {
	pending, err := s.preparePending(ctx, ob, open, price, size, stopLoss)
	if err != nil {
		if errors.Is(err, domain.ErrPositionExists) {
			return outcome("entry", "no_trade", "position already open"), nil
		}
		return failedOutcome("entry", err.Error()), err
	}

	res, err := s.exchange.PlaceOrder(ctx, &domain.OrderRequest{
		Symbol:   s.trading.Symbol,
		Side:     ob.Side(),
		Size:     size,
		Price:    price,
		StopLoss: stopLoss,
		Type:     domain.OrderMarket,
		Leverage: s.trading.Leverage,
	})
	if err != nil {
		return s.handleOrderFailure(ctx, ob, pending, err)
	}
	metrics.OrdersSubmitted.WithLabelValues(string(eventFor(open))).Inc()

	return s.finalizeFill(ctx, ob, open, pending, res.ExecutionPrice, res.ExecutedSize, res.Fee, res.StopLossOrderID, res.LiquidationPrice, stopLoss)
}

func (s *EntryService) fillLimit(ctx context.Context, ob *domain.OrderBlock, open *domain.Position, price, size, stopLoss float64) (*JobOutcome, error) {
	// Nudge the resting price toward a favorable fill, clamped so it never
	// leaves the block's range.
	limitPrice := price
	if ob.Side() == domain.SideLong {
		limitPrice = price * (1 - s.cfg.LimitPriceAdjustment)
		if limitPrice < ob.RangeBottom {
			limitPrice = ob.RangeBottom
		}
	} else {
		limitPrice = price * (1 + s.cfg.LimitPriceAdjustment)
		if limitPrice > ob.RangeTop {
			limitPrice = ob.RangeTop
		}
	}

	pending, err := s.preparePending(ctx, ob, open, limitPrice, size, stopLoss)
	if err != nil {
		if errors.Is(err, domain.ErrPositionExists) {
			return outcome("entry", "no_trade", "position already open"), nil
		}
		return failedOutcome("entry", err.Error()), err
	}

	res, err := s.exchange.PlaceOrder(ctx, &domain.OrderRequest{
		Symbol:   s.trading.Symbol,
		Side:     ob.Side(),
		Size:     size,
		Price:    limitPrice,
		StopLoss: stopLoss,
		Type:     domain.OrderLimit,
		Leverage: s.trading.Leverage,
	})
	if err != nil {
		return s.handleOrderFailure(ctx, ob, pending, err)
	}
	metrics.OrdersSubmitted.WithLabelValues(string(eventFor(open))).Inc()

	status, err := s.waitForFill(ctx, res.OrderID)
	if err != nil {
		return failedOutcome("entry", err.Error()), err
	}

	if status == nil || status.State != domain.OrderFilled {
		// Timed out or ended unfilled: cancel, mark the pending record
		// cancelled and leave the block live for the next cycle.
		if err := s.exchange.CancelOrder(ctx, s.trading.Symbol, res.OrderID); err != nil {
			s.logger.Warn("Failed to cancel resting order", zap.String("order_id", res.OrderID), zap.Error(err))
		}
		if pending != nil {
			pending.Status = domain.StatusCancelled
			if err := s.posRepo.UpdatePosition(ctx, pending); err != nil {
				s.logger.Error("Failed to mark pending position cancelled", zap.Error(err))
			}
		}
		return outcome("entry", "not_filled", "resting order timed out"), nil
	}

	fillPrice := status.AvgPrice
	if fillPrice == 0 {
		fillPrice = limitPrice
	}
	fillSize := status.FilledSize
	if fillSize == 0 {
		fillSize = size
	}
	return s.finalizeFill(ctx, ob, open, pending, fillPrice, fillSize, status.Fee, res.StopLossOrderID, res.LiquidationPrice, stopLoss)
}

// waitForFill polls the resting order until filled, terminal or timed out.
// A nil status means timeout.
func (s *EntryService) waitForFill(ctx context.Context, orderID string) (*domain.OrderStatus, error) {
	wait := time.Duration(s.cfg.LimitOrderWaitSec) * time.Second
	poll := time.Duration(s.cfg.LimitPollIntervalSec) * time.Second
	if poll <= 0 {
		poll = time.Second
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-ticker.C:
			status, err := s.exchange.GetOrderStatus(ctx, s.trading.Symbol, orderID)
			if err != nil {
				s.logger.Warn("Order status poll failed", zap.String("order_id", orderID), zap.Error(err))
				continue
			}
			switch status.State {
			case domain.OrderFilled, domain.OrderCancelled, domain.OrderRejected:
				return status, nil
			}
		}
	}
}

// preparePending creates the PENDING position record for an opening trade.
// The store's conditional create is what enforces at most one PENDING/OPEN
// position per symbol. Returns nil for additions.
func (s *EntryService) preparePending(ctx context.Context, ob *domain.OrderBlock, open *domain.Position, price, size, stopLoss float64) (*domain.Position, error) {
	if open != nil {
		return nil, nil
	}
	p := &domain.Position{
		ID:            uuid.NewString(),
		Symbol:        s.trading.Symbol,
		Side:          ob.Side(),
		Status:        domain.StatusPending,
		AvgEntryPrice: price,
		Size:          size,
		StopLoss:      stopLoss,
		Leverage:      s.trading.Leverage,
		RelatedOBID:   ob.ID,
		LastOBBottom:  ob.RangeBottom,
		LastOBTop:     ob.RangeTop,
	}
	if err := s.posRepo.CreatePosition(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *EntryService) handleOrderFailure(ctx context.Context, ob *domain.OrderBlock, pending *domain.Position, orderErr error) (*JobOutcome, error) {
	s.logger.Error("Order placement failed",
		zap.String("ob_id", ob.ID),
		zap.Error(orderErr))
	if err := s.obRepo.MarkProcessed(ctx, ob.ID, domain.ReasonOrderFailed); err != nil {
		s.logger.Error("Failed to mark order block after order failure", zap.Error(err))
	}
	if pending != nil {
		pending.Status = domain.StatusFailed
		if err := s.posRepo.UpdatePosition(ctx, pending); err != nil {
			s.logger.Error("Failed to mark pending position failed", zap.Error(err))
		}
	}
	return outcome("entry", "order_failed", orderErr.Error()), nil
}

// finalizeFill persists the bookkeeping for a confirmed fill. The order
// already exists on the exchange at this point, so persistence failures
// here are the severe class: retried, logged with full order detail and
// alerted, never silently swallowed.
func (s *EntryService) finalizeFill(ctx context.Context, ob *domain.OrderBlock, open, pending *domain.Position, fillPrice, fillSize, fee float64, stopOrderID string, liqPrice, stopLoss float64) (*JobOutcome, error) {
	now := s.timeNow().UTC()
	event := eventFor(open)

	var pos *domain.Position
	var reason domain.ProcessedReason
	if open == nil {
		pos = pending
		pos.Status = domain.StatusOpen
		pos.AvgEntryPrice = fillPrice
		pos.Size = fillSize
		pos.StopLoss = stopLoss
		pos.StopLossOrderID = stopOrderID
		pos.LiquidationPrice = liqPrice
		pos.Margin = fillSize * fillPrice / float64(s.trading.Leverage)
		pos.OpenTime = now
		reason = domain.ReasonPositionOpened
		metrics.PositionsOpen.Set(1)
	} else {
		pos = open
		newSize := pos.Size + fillSize
		pos.AvgEntryPrice = (pos.AvgEntryPrice*pos.Size + fillPrice*fillSize) / newSize
		pos.Size = newSize
		pos.AdditionCount++
		pos.LastOBBottom = ob.RangeBottom
		pos.LastOBTop = ob.RangeTop
		pos.Margin = newSize * pos.AvgEntryPrice / float64(s.trading.Leverage)
		reason = domain.ReasonPositionAdded

		// Tighten the stop to the new block's far edge when favorable.
		if moreFavorableStop(pos.Side, stopLoss, pos.StopLoss) {
			if newID, err := s.exchange.UpdateStopLoss(ctx, pos.Symbol, pos.StopLossOrderID, stopLoss); err != nil {
				s.logger.Warn("Failed to tighten stop after addition", zap.Error(err))
			} else {
				pos.StopLoss = stopLoss
				pos.StopLossOrderID = newID
			}
		}
	}

	persist := func() error {
		if err := s.posRepo.UpdatePosition(ctx, pos); err != nil {
			return err
		}
		if err := s.obRepo.MarkProcessed(ctx, ob.ID, reason); err != nil {
			return err
		}
		return s.tradeLog.SaveTradeLog(ctx, &domain.TradeLogEntry{
			Timestamp:    now,
			EventType:    event,
			Symbol:       pos.Symbol,
			Side:         pos.Side,
			Price:        fillPrice,
			Size:         fillSize,
			Fee:          fee,
			PositionID:   pos.ID,
			OBID:         ob.ID,
			OBConfidence: ob.Confidence,
		})
	}

	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = persistenceAttempts
	if err := retry.Do(ctx, cfg, s.logger, "post_fill_persist", persist); err != nil {
		// The trade exists on the exchange regardless of this failure.
		s.logger.Error("POST-FILL PERSISTENCE FAILURE: exchange fill has no durable record",
			zap.String("position_id", pos.ID),
			zap.String("ob_id", ob.ID),
			zap.String("event", string(event)),
			zap.String("side", string(pos.Side)),
			zap.Float64("fill_price", fillPrice),
			zap.Float64("fill_size", fillSize),
			zap.Float64("stop_loss", pos.StopLoss),
			zap.Error(err))
		s.notifier.Notify("persistence_failure", map[string]string{
			"position_id": pos.ID,
			"event":       string(event),
			"fill_price":  fmt.Sprintf("%f", fillPrice),
			"fill_size":   fmt.Sprintf("%f", fillSize),
		})
		return failedOutcome("entry", "post-fill persistence failure"), err
	}

	s.logger.Info("Entry fill recorded",
		zap.String("event", string(event)),
		zap.String("position_id", pos.ID),
		zap.String("side", string(pos.Side)),
		zap.Float64("price", fillPrice),
		zap.Float64("size", fillSize),
		zap.Float64("stop_loss", pos.StopLoss),
		zap.String("ob_id", ob.ID))
	s.notifier.Notify(string(event), map[string]string{
		"symbol": pos.Symbol,
		"side":   string(pos.Side),
		"price":  fmt.Sprintf("%f", fillPrice),
		"size":   fmt.Sprintf("%f", fillSize),
	})

	return outcome("entry", string(event), fmt.Sprintf("filled %f @ %f", fillSize, fillPrice)), nil
}

func eventFor(open *domain.Position) domain.TradeEventType {
	if open == nil {
		return domain.EventOpen
	}
	return domain.EventAdd
}

// moreFavorableStop reports whether candidate tightens the stop: higher
// for longs, lower for shorts.
func moreFavorableStop(side domain.Side, candidate, current float64) bool {
	if side == domain.SideLong {
		return candidate > current
	}
	return candidate < current
}
