package usecase

import (
	"time"

	"github.com/vitos/crypto_ob_trader/internal/domain"
)

// DetectorParams are the tunables of the order block scan. They come from
// config.DetectorConfig and never change mid-scan.
type DetectorParams struct {
	Symbol           string
	Timeframe        string
	SwingLength      int
	VolumeLookback   int
	VolumeMethod     VolumeMethod
	VolumeParam      float64
	MaxATRMultiplier float64
}

type DetectionResult struct {
	Bullish []domain.OrderBlock
	Bearish []domain.OrderBlock
}

type swingPoint struct {
	index   int
	price   float64
	crossed bool
}

// DetectOrderBlocks scans an ascending candle series for bullish and
// bearish order blocks. Pure function of its inputs: identical candles and
// params always produce identical output. atr is optional; when non-nil,
// candidates whose range exceeds atr*MaxATRMultiplier are discarded.
//
// A swing-high is recorded at r = i - SwingLength when its high exceeds
// every high in (r, i]. When a later close breaks an unconsumed swing on
// confirming volume, the swing is consumed and one block is emitted whose
// range is the body of the most favorable candle between the swing and the
// breakout.
func DetectOrderBlocks(candles []domain.Candle, p DetectorParams, atr *float64) DetectionResult {
	var res DetectionResult
	if len(candles) < p.SwingLength+1 {
		return res
	}

	var swingHighs, swingLows []*swingPoint

	for i := p.SwingLength; i < len(candles); i++ {
		r := i - p.SwingLength

		isHigh, isLow := true, true
		for j := r + 1; j <= i; j++ {
			if candles[j].High >= candles[r].High {
				isHigh = false
			}
			if candles[j].Low <= candles[r].Low {
				isLow = false
			}
			if !isHigh && !isLow {
				break
			}
		}
		if isHigh {
			swingHighs = append(swingHighs, &swingPoint{index: r, price: candles[r].High})
		}
		if isLow {
			swingLows = append(swingLows, &swingPoint{index: r, price: candles[r].Low})
		}

		// Breakout test for candle i against every unconsumed swing.
		threshold := volumeThreshold(trailingWindow(candles, i, p.VolumeLookback), p.VolumeMethod, p.VolumeParam)
		if candles[i].Volume < threshold {
			continue
		}

		for _, s := range swingHighs {
			if s.crossed || candles[i].Close <= s.price {
				continue
			}
			s.crossed = true
			if ob, ok := buildOrderBlock(candles, s.index, i, domain.OBBullish, p, atr); ok {
				res.Bullish = append(res.Bullish, ob)
			}
		}
		for _, s := range swingLows {
			if s.crossed || candles[i].Close >= s.price {
				continue
			}
			s.crossed = true
			if ob, ok := buildOrderBlock(candles, s.index, i, domain.OBBearish, p, atr); ok {
				res.Bearish = append(res.Bearish, ob)
			}
		}
	}

	return res
}

// trailingWindow returns the VolumeLookback candles strictly before index i,
// clamped at the series start.
func trailingWindow(candles []domain.Candle, i, lookback int) []domain.Candle {
	start := i - lookback
	if start < 0 {
		start = 0
	}
	return candles[start:i]
}

// buildOrderBlock constructs the block for a confirmed breakout of the
// swing at swingIdx by candle breakIdx. ok is false when the ATR range
// filter rejects the candidate.
func buildOrderBlock(candles []domain.Candle, swingIdx, breakIdx int, obType domain.OBType, p DetectorParams, atr *float64) (domain.OrderBlock, bool) {
	// Range candle: most favorable body extreme in [swing, breakout).
	rc := swingIdx
	for j := swingIdx + 1; j < breakIdx; j++ {
		if obType == domain.OBBullish {
			if candles[j].BodyLow() < candles[rc].BodyLow() {
				rc = j
			}
		} else {
			if candles[j].BodyHigh() > candles[rc].BodyHigh() {
				rc = j
			}
		}
	}

	top := candles[rc].BodyHigh()
	bottom := candles[rc].BodyLow()

	if atr != nil && p.MaxATRMultiplier > 0 && top-bottom > *atr*p.MaxATRMultiplier {
		return domain.OrderBlock{}, false
	}

	// Aggregate volume: breakout candle plus the two before it.
	var volAgg float64
	for j := breakIdx - 2; j <= breakIdx; j++ {
		if j >= 0 {
			volAgg += candles[j].Volume
		}
	}

	// Confidence: the range candle itself printed confirming volume over
	// the swing-to-breakout window.
	conf := domain.ConfidenceLow
	if candles[rc].Volume >= volumeThreshold(candles[swingIdx:breakIdx], p.VolumeMethod, p.VolumeParam) {
		conf = domain.ConfidenceHigh
	}

	return domain.OrderBlock{
		Symbol:          p.Symbol,
		Timeframe:       p.Timeframe,
		Type:            obType,
		RangeTop:        top,
		RangeBottom:     bottom,
		ConfirmedAt:     time.Unix(candles[breakIdx].Time, 0).UTC(),
		BreakoutPrice:   candles[breakIdx].Close,
		Confidence:      conf,
		VolumeAggregate: volAgg,
		CreationIndex:   breakIdx,
		IsActive:        true,
	}, true
}
