// Package marketdata supplies the candle snapshot a run analyses: the
// Fetcher contract, an exchange connector, a shared cache and the textual
// summary rendered into prompts.
package marketdata

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Candle is one OHLCV bar.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Snapshot is the market data captured once per run.
type Snapshot struct {
	Instrument string    `json:"instrument"`
	Timeframe  string    `json:"timeframe"`
	Source     string    `json:"source"`
	Candles    []Candle  `json:"candles"` // oldest first
	FetchedAt  time.Time `json:"fetched_at"`
}

// Fetcher retrieves a snapshot for an instrument and timeframe.
type Fetcher interface {
	Fetch(ctx context.Context, instrument, timeframe string) (*Snapshot, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, instrument, timeframe string) (*Snapshot, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, instrument, timeframe string) (*Snapshot, error) {
	return f(ctx, instrument, timeframe)
}

// Last returns the most recent n candles (all of them when n <= 0 or n
// exceeds the snapshot).
func (s *Snapshot) Last(n int) []Candle {
	if s == nil {
		return nil
	}
	if n <= 0 || n >= len(s.Candles) {
		return s.Candles
	}
	return s.Candles[len(s.Candles)-n:]
}

// LastClose returns the close of the newest candle.
func (s *Snapshot) LastClose() (float64, bool) {
	if s == nil || len(s.Candles) == 0 {
		return 0, false
	}
	return s.Candles[len(s.Candles)-1].Close, true
}

// FormatSummary renders the newest n candles, one per line, oldest first.
// The same rendering is used for the standard {market_data_summary}
// placeholder and for market-data tools.
func FormatSummary(candles []Candle, n int) string {
	if n > 0 && n < len(candles) {
		candles = candles[len(candles)-n:]
	}
	if len(candles) == 0 {
		return "No market data available."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Last %d candles (time | open | high | low | close | volume):\n", len(candles))
	for _, c := range candles {
		fmt.Fprintf(&b, "%s | %s | %s | %s | %s | %s\n",
			c.Time.UTC().Format("2006-01-02 15:04"),
			FormatPrice(c.Open), FormatPrice(c.High), FormatPrice(c.Low), FormatPrice(c.Close),
			FormatPrice(c.Volume))
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatPrice renders a number without exponent or trailing zeros.
func FormatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
