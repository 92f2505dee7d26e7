package usecase

import (
	"math"
	"sort"

	"github.com/vitos/crypto_ob_trader/internal/domain"
)

// ATR returns the Average True Range over the last `period` candles
// (simple mean of true ranges). ok is false when the series is too short.
func ATR(candles []domain.Candle, period int) (atr float64, ok bool) {
	if period < 1 || len(candles) < period+1 {
		return 0, false
	}

	var sum float64
	start := len(candles) - period
	for i := start; i < len(candles); i++ {
		prevClose := candles[i-1].Close
		tr := candles[i].High - candles[i].Low
		if d := math.Abs(candles[i].High - prevClose); d > tr {
			tr = d
		}
		if d := math.Abs(candles[i].Low - prevClose); d > tr {
			tr = d
		}
		sum += tr
	}
	return sum / float64(period), true
}

type VolumeMethod string

const (
	VolumePercentile VolumeMethod = "percentile"
	VolumeSMA        VolumeMethod = "sma"
	VolumeEMA        VolumeMethod = "ema"
	VolumeStdDev     VolumeMethod = "stddev"
)

// volumeThreshold computes the confirmation-volume threshold over a candle
// window. Zero-volume candles are excluded; an all-zero window yields 0,
// which disables the filter for that window.
func volumeThreshold(window []domain.Candle, method VolumeMethod, param float64) float64 {
	vols := make([]float64, 0, len(window))
	for _, c := range window {
		if c.Volume > 0 {
			vols = append(vols, c.Volume)
		}
	}
	if len(vols) == 0 {
		return 0
	}

	switch method {
	case VolumePercentile:
		sorted := make([]float64, len(vols))
		copy(sorted, vols)
		sort.Float64s(sorted)
		rank := int(math.Floor(param / 100 * float64(len(sorted)-1)))
		if rank < 0 {
			rank = 0
		}
		if rank > len(sorted)-1 {
			rank = len(sorted) - 1
		}
		return sorted[rank]

	case VolumeSMA:
		return mean(vols) * param

	case VolumeEMA:
		alpha := 2.0 / (float64(len(vols)) + 1)
		ema := vols[0]
		for _, v := range vols[1:] {
			ema = alpha*v + (1-alpha)*ema
		}
		return ema * param

	case VolumeStdDev:
		m := mean(vols)
		var variance float64
		for _, v := range vols {
			variance += (v - m) * (v - m)
		}
		variance /= float64(len(vols))
		return m + math.Sqrt(variance)*param

	default:
		return 0
	}
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
