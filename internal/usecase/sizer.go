package usecase

import (
	"errors"
	"math"

	"github.com/vitos/crypto_ob_trader/internal/domain"
)

var (
	ErrInvalidStopDistance = errors.New("stop loss distance must be positive")
	ErrInsufficientMargin  = errors.New("required margin exceeds 95% of balance")
)

// SizeParams feed one sizing computation. AdditionNumber is 0 for the
// opening trade and 1-based for pyramid additions; each addition scales the
// risk budget down by ScaleDownFactor^AdditionNumber.
type SizeParams struct {
	Balance         float64
	RiskPercent     float64
	Leverage        int
	EntryPrice      float64
	StopLossPrice   float64
	Rules           domain.MarketRules
	AdditionNumber  int
	ScaleDownFactor float64
}

type SizeResult struct {
	Size       float64
	RiskAmount float64
	// TooSmall marks a floored size below the exchange minimum. It is a
	// business skip for the caller, not an error.
	TooSmall bool
}

// ComputeSize derives the position size from the risk budget and the stop
// distance. The risk base is the plain balance, not balance*leverage;
// leverage only enters the margin feasibility check.
func ComputeSize(p SizeParams) (SizeResult, error) {
	riskAmount := p.Balance * (p.RiskPercent / 100)
	if p.AdditionNumber > 0 && p.ScaleDownFactor > 0 {
		riskAmount *= math.Pow(p.ScaleDownFactor, float64(p.AdditionNumber))
	}

	riskDistance := math.Abs(p.EntryPrice - p.StopLossPrice)
	if riskDistance <= 0 {
		return SizeResult{}, ErrInvalidStopDistance
	}

	size := riskAmount / riskDistance
	if p.Rules.SizeIncrement > 0 {
		size = math.Floor(size/p.Rules.SizeIncrement) * p.Rules.SizeIncrement
	}

	if size < p.Rules.MinSize {
		return SizeResult{Size: size, RiskAmount: riskAmount, TooSmall: true}, nil
	}

	if p.Leverage > 0 {
		margin := size * p.EntryPrice / float64(p.Leverage)
		if margin > p.Balance*0.95 {
			return SizeResult{}, ErrInsufficientMargin
		}
	}

	return SizeResult{Size: size, RiskAmount: riskAmount}, nil
}
