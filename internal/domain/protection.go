package domain

import "time"

// Block reasons returned by the account protection gate.
const (
	BlockWeekend           = "weekend_blackout"
	BlockDailyLoss         = "daily_loss_limit"
	BlockConsecutiveLosses = "consecutive_losses"
	BlockMaxDrawdown       = "max_drawdown"
	BlockCooldown          = "cooldown_active"
)

// ProtectionState is the singleton durable record behind the gate.
// AccountPeak is monotonically non-decreasing; CooldownUntil is cleared
// once it has passed.
type ProtectionState struct {
	AccountPeak    float64
	CooldownUntil  time.Time
	CooldownReason string
	UpdatedAt      time.Time
}
