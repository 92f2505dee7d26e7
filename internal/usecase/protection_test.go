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

// Wednesday, mid-session.
var wednesday = time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)

func newTestGate(positions *MockPositionRepo, state *MockProtectionRepo) (*ProtectionGate, *MockNotifier) {
	notifier := &MockNotifier{}
	gate := NewProtectionGate(positions, state, notifier, config.ProtectionConfig{
		WeekendBlackout:      true,
		MaxDailyLossPercent:  5,
		MaxConsecutiveLosses: 3,
		MaxDrawdownPercent:   15,
		CooldownHours:        24,
	}, zap.NewNop())
	gate.timeNow = func() time.Time { return wednesday }
	return gate, notifier
}

func closedPosition(pnl float64, exit time.Time) *domain.Position {
	return &domain.Position{
		Status:   domain.StatusClosed,
		PnL:      pnl,
		ExitTime: exit,
	}
}

func TestProtectionGate_Allows(t *testing.T) {
	gate, _ := newTestGate(&MockPositionRepo{}, &MockProtectionRepo{})

	v, err := gate.Check(context.Background(), 10000)
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestProtectionGate_WeekendBlackout(t *testing.T) {
	gate, _ := newTestGate(&MockPositionRepo{}, &MockProtectionRepo{})
	gate.timeNow = func() time.Time {
		return time.Date(2025, 3, 8, 12, 0, 0, 0, time.UTC) // Saturday
	}

	v, err := gate.Check(context.Background(), 10000)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, domain.BlockWeekend, v.Reason)
}

func TestProtectionGate_DailyLossLimit(t *testing.T) {
	positions := &MockPositionRepo{
		Closed: []*domain.Position{
			closedPosition(-400, wednesday.Add(-2*time.Hour)),
			closedPosition(-200, wednesday.Add(-4*time.Hour)),
			closedPosition(-900, wednesday.Add(-30*time.Hour)), // yesterday, not counted
		},
	}
	gate, _ := newTestGate(positions, &MockProtectionRepo{})

	// 600 lost today on a 10000 balance = 6% >= 5%.
	v, err := gate.Check(context.Background(), 10000)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, domain.BlockDailyLoss, v.Reason)
	assert.InDelta(t, -600, v.Stats.DailyPnL, 1e-9)
}

func TestProtectionGate_ConsecutiveLosses(t *testing.T) {
	positions := &MockPositionRepo{
		Closed: []*domain.Position{ // newest first
			closedPosition(-10, wednesday.Add(-1*time.Hour)),
			closedPosition(-10, wednesday.Add(-2*time.Hour)),
			closedPosition(-10, wednesday.Add(-3*time.Hour)),
		},
	}
	gate, _ := newTestGate(positions, &MockProtectionRepo{})

	v, err := gate.Check(context.Background(), 10000)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, domain.BlockConsecutiveLosses, v.Reason)
	assert.Equal(t, 3, v.Stats.ConsecutiveLosses)
}

func TestProtectionGate_WinBreaksStreak(t *testing.T) {
	positions := &MockPositionRepo{
		Closed: []*domain.Position{
			closedPosition(-10, wednesday.Add(-1*time.Hour)),
			closedPosition(5, wednesday.Add(-2*time.Hour)),
			closedPosition(-10, wednesday.Add(-3*time.Hour)),
		},
	}
	gate, _ := newTestGate(positions, &MockProtectionRepo{})

	v, err := gate.Check(context.Background(), 10000)
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Equal(t, 1, v.Stats.ConsecutiveLosses)
}

func TestProtectionGate_DrawdownFromPeak(t *testing.T) {
	state := &MockProtectionRepo{State: &domain.ProtectionState{AccountPeak: 10000}}
	gate, _ := newTestGate(&MockPositionRepo{}, state)

	v, err := gate.Check(context.Background(), 8000)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, domain.BlockMaxDrawdown, v.Reason)
	assert.InDelta(t, 20, v.Stats.DrawdownPercent, 1e-9)
}

func TestProtectionGate_PeakOnlyMovesUp(t *testing.T) {
	state := &MockProtectionRepo{State: &domain.ProtectionState{AccountPeak: 10000}}
	gate, _ := newTestGate(&MockPositionRepo{}, state)

	_, err := gate.Check(context.Background(), 10500)
	require.NoError(t, err)
	assert.InDelta(t, 10500, state.State.AccountPeak, 1e-9)

	v, err := gate.Check(context.Background(), 9800)
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.InDelta(t, 10500, state.State.AccountPeak, 1e-9, "a dip must not lower the peak")
}

func TestProtectionGate_CooldownBlocksAndAutoClears(t *testing.T) {
	state := &MockProtectionRepo{State: &domain.ProtectionState{
		CooldownUntil:  wednesday.Add(1 * time.Hour),
		CooldownReason: domain.BlockConsecutiveLosses,
	}}
	gate, _ := newTestGate(&MockPositionRepo{}, state)

	v, err := gate.Check(context.Background(), 10000)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, domain.BlockCooldown, v.Reason)

	// Past its expiry the cooldown clears itself and trading resumes.
	state.State.CooldownUntil = wednesday.Add(-1 * time.Minute)
	v, err = gate.Check(context.Background(), 10000)
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.True(t, state.State.CooldownUntil.IsZero())
	assert.Empty(t, state.State.CooldownReason)
}

func TestProtectionGate_ArmCooldown(t *testing.T) {
	state := &MockProtectionRepo{}
	gate, notifier := newTestGate(&MockPositionRepo{}, state)

	require.NoError(t, gate.ArmCooldown(context.Background(), domain.BlockMaxDrawdown))

	assert.Equal(t, wednesday.Add(24*time.Hour), state.State.CooldownUntil)
	assert.Equal(t, domain.BlockMaxDrawdown, state.State.CooldownReason)
	require.Len(t, notifier.Kinds, 1)
	assert.Equal(t, "protection_cooldown", notifier.Kinds[0])
}

func TestIsSevereBlock(t *testing.T) {
	assert.True(t, IsSevereBlock(domain.BlockConsecutiveLosses))
	assert.True(t, IsSevereBlock(domain.BlockMaxDrawdown))
	assert.True(t, IsSevereBlock(domain.BlockDailyLoss))
	assert.False(t, IsSevereBlock(domain.BlockWeekend))
	assert.False(t, IsSevereBlock(domain.BlockCooldown))
}
