package marketdata

import (
	"context"
	"math"
	"time"
)

// Synthetic generates a deterministic random-walk snapshot. It backs the
// offline mock provider and tests.
type Synthetic struct {
	Count int
	Start time.Time
	Base  float64
}

// Fetch implements Fetcher.
func (s Synthetic) Fetch(ctx context.Context, instrument, timeframe string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := s.Count
	if n <= 0 {
		n = 100
	}
	step := time.Hour
	if iv, err := Interval(timeframe); err == nil {
		if d, err := time.ParseDuration(iv); err == nil {
			step = d
		}
	}
	start := s.Start
	if start.IsZero() {
		start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	base := s.Base
	if base == 0 {
		base = 100
	}

	candles := make([]Candle, n)
	price := base
	for i := range candles {
		drift := math.Sin(float64(i)/7) * base * 0.01
		open := price
		closeP := math.Round((base+drift+float64(i%5)*base*0.001)*100) / 100
		candles[i] = Candle{
			Time:   start.Add(time.Duration(i) * step),
			Open:   open,
			High:   math.Max(open, closeP) + base*0.002,
			Low:    math.Min(open, closeP) - base*0.002,
			Close:  closeP,
			Volume: float64(1000 + (i*37)%500),
		}
		price = closeP
	}
	return &Snapshot{
		Instrument: instrument,
		Timeframe:  timeframe,
		Source:     "synthetic",
		Candles:    candles,
		FetchedAt:  start.Add(time.Duration(n) * step),
	}, nil
}
