package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/vitos/crypto_ob_trader/internal/config"
	"github.com/vitos/crypto_ob_trader/internal/domain"
	"go.uber.org/zap"
)

// ProtectionStats are the figures computed during a gate check, returned
// with every verdict for logging.
type ProtectionStats struct {
	Balance           float64
	DailyPnL          float64
	ConsecutiveLosses int
	DrawdownPercent   float64
}

type Verdict struct {
	Allowed bool
	Reason  string
	Stats   ProtectionStats
}

// ProtectionGate applies the account-level trading guards: weekend
// blackout, daily loss limit, consecutive-loss streak, drawdown from peak
// and an armed cooldown. All five must pass for an ALLOW verdict.
type ProtectionGate struct {
	positions domain.PositionRepository
	state     domain.ProtectionRepository
	notifier  domain.Notifier
	cfg       config.ProtectionConfig
	logger    *zap.Logger
	timeNow   func() time.Time // for testing
}

func NewProtectionGate(
	positions domain.PositionRepository,
	state domain.ProtectionRepository,
	notifier domain.Notifier,
	cfg config.ProtectionConfig,
	logger *zap.Logger,
) *ProtectionGate {
	return &ProtectionGate{
		positions: positions,
		state:     state,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
		timeNow:   time.Now,
	}
}

// severeReasons are the blocks that arm a cooldown.
var severeReasons = map[string]bool{
	domain.BlockConsecutiveLosses: true,
	domain.BlockMaxDrawdown:       true,
	domain.BlockDailyLoss:         true,
}

func IsSevereBlock(reason string) bool {
	return severeReasons[reason]
}

// Check runs the guards in order and returns the first block, or ALLOW
// with the computed stats. It updates the durable account peak and clears
// an expired cooldown as side effects.
func (g *ProtectionGate) Check(ctx context.Context, balance float64) (*Verdict, error) {
	now := g.timeNow().UTC()
	stats := ProtectionStats{Balance: balance}

	// 1. Weekend low-liquidity blackout.
	if g.cfg.WeekendBlackout {
		if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return &Verdict{Reason: domain.BlockWeekend, Stats: stats}, nil
		}
	}

	// 2. Daily loss limit.
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	closedToday, err := g.positions.GetClosedPositionsSince(ctx, startOfDay)
	if err != nil {
		return nil, fmt.Errorf("failed to load today's closed positions: %w", err)
	}
	for _, p := range closedToday {
		stats.DailyPnL += p.PnL
	}
	if balance > 0 && stats.DailyPnL < 0 {
		lossPct := -stats.DailyPnL / balance * 100
		if lossPct >= g.cfg.MaxDailyLossPercent {
			return &Verdict{Reason: domain.BlockDailyLoss, Stats: stats}, nil
		}
	}

	// 3. Consecutive-loss streak.
	recent, err := g.positions.GetRecentClosedPositions(ctx, g.cfg.MaxConsecutiveLosses)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent closed positions: %w", err)
	}
	for _, p := range recent {
		if p.PnL >= 0 {
			break
		}
		stats.ConsecutiveLosses++
	}
	if stats.ConsecutiveLosses >= g.cfg.MaxConsecutiveLosses {
		return &Verdict{Reason: domain.BlockConsecutiveLosses, Stats: stats}, nil
	}

	// 4. Drawdown from account peak. The peak only ever moves up.
	st, err := g.state.GetProtectionState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load protection state: %w", err)
	}
	if balance > st.AccountPeak {
		st.AccountPeak = balance
		st.UpdatedAt = now
		if err := g.state.SaveProtectionState(ctx, st); err != nil {
			return nil, fmt.Errorf("failed to persist account peak: %w", err)
		}
	}
	if st.AccountPeak > 0 {
		stats.DrawdownPercent = (st.AccountPeak - balance) / st.AccountPeak * 100
	}
	if stats.DrawdownPercent >= g.cfg.MaxDrawdownPercent {
		return &Verdict{Reason: domain.BlockMaxDrawdown, Stats: stats}, nil
	}

	// 5. Active cooldown; auto-clear once expired.
	if !st.CooldownUntil.IsZero() {
		if now.Before(st.CooldownUntil) {
			return &Verdict{Reason: domain.BlockCooldown, Stats: stats}, nil
		}
		g.logger.Info("Protection cooldown expired, clearing",
			zap.Time("was_until", st.CooldownUntil),
			zap.String("was_reason", st.CooldownReason))
		st.CooldownUntil = time.Time{}
		st.CooldownReason = ""
		st.UpdatedAt = now
		if err := g.state.SaveProtectionState(ctx, st); err != nil {
			return nil, fmt.Errorf("failed to clear cooldown: %w", err)
		}
	}

	return &Verdict{Allowed: true, Stats: stats}, nil
}

// ArmCooldown blocks trading until now+cooldownPeriod. Called by the entry
// job when a check returned a severe block reason.
func (g *ProtectionGate) ArmCooldown(ctx context.Context, reason string) error {
	now := g.timeNow().UTC()
	st, err := g.state.GetProtectionState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load protection state: %w", err)
	}
	st.CooldownUntil = now.Add(g.cfg.CooldownPeriod())
	st.CooldownReason = reason
	st.UpdatedAt = now
	if err := g.state.SaveProtectionState(ctx, st); err != nil {
		return fmt.Errorf("failed to persist cooldown: %w", err)
	}

	g.logger.Warn("Trading cooldown armed",
		zap.String("reason", reason),
		zap.Time("until", st.CooldownUntil))
	g.notifier.Notify("protection_cooldown", map[string]string{
		"reason": reason,
		"until":  st.CooldownUntil.Format(time.RFC3339),
	})
	return nil
}
