package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultBinanceEndpoint is the public spot API root.
const DefaultBinanceEndpoint = "https://api.binance.com"

// Binance fetches klines from a Binance-compatible REST API.
type Binance struct {
	Endpoint   string
	Limit      int // candles per fetch
	HTTPClient *http.Client
}

// NewBinance returns a connector for endpoint ("" means the public API).
func NewBinance(endpoint string, limit int) *Binance {
	if endpoint == "" {
		endpoint = DefaultBinanceEndpoint
	}
	if limit <= 0 {
		limit = 200
	}
	return &Binance{
		Endpoint:   strings.TrimRight(endpoint, "/"),
		Limit:      limit,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// intervals maps timeframe codes to exchange intervals.
var intervals = map[string]string{
	"M1": "1m", "M5": "5m", "M15": "15m", "M30": "30m",
	"H1": "1h", "H4": "4h", "D1": "1d", "W1": "1w",
}

// Interval converts a timeframe such as H1 to the exchange interval (1h).
// Exchange-native intervals pass through unchanged.
func Interval(timeframe string) (string, error) {
	if iv, ok := intervals[strings.ToUpper(timeframe)]; ok {
		return iv, nil
	}
	for _, iv := range intervals {
		if iv == timeframe {
			return iv, nil
		}
	}
	return "", fmt.Errorf("unsupported timeframe %q", timeframe)
}

// Symbol converts BTC/USDT to BTCUSDT.
func Symbol(instrument string) string {
	r := strings.NewReplacer("/", "", "-", "", "_", "")
	return strings.ToUpper(r.Replace(instrument))
}

// Fetch implements Fetcher.
func (b *Binance) Fetch(ctx context.Context, instrument, timeframe string) (*Snapshot, error) {
	iv, err := Interval(timeframe)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("symbol", Symbol(instrument))
	q.Set("interval", iv)
	q.Set("limit", strconv.Itoa(b.Limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.Endpoint+"/api/v3/klines?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	client := b.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch klines: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read klines: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rows [][]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	candles := make([]Candle, 0, len(rows))
	for i, row := range rows {
		c, err := parseKline(row)
		if err != nil {
			return nil, fmt.Errorf("kline %d: %w", i, err)
		}
		candles = append(candles, c)
	}
	return &Snapshot{
		Instrument: instrument,
		Timeframe:  timeframe,
		Source:     "binance",
		Candles:    candles,
		FetchedAt:  time.Now().UTC(),
	}, nil
}

// parseKline decodes [openTime, "open", "high", "low", "close", "volume", ...].
func parseKline(row []any) (Candle, error) {
	if len(row) < 6 {
		return Candle{}, fmt.Errorf("expected at least 6 fields, got %d", len(row))
	}
	ms, ok := row[0].(float64)
	if !ok {
		return Candle{}, fmt.Errorf("open time is %T", row[0])
	}
	var vals [5]float64
	for i := range vals {
		v, err := toFloat(row[i+1])
		if err != nil {
			return Candle{}, err
		}
		vals[i] = v
	}
	return Candle{
		Time:   time.UnixMilli(int64(ms)).UTC(),
		Open:   vals[0],
		High:   vals[1],
		Low:    vals[2],
		Close:  vals[3],
		Volume: vals[4],
	}, nil
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case string:
		return strconv.ParseFloat(t, 64)
	}
	return 0, fmt.Errorf("unexpected value %T", v)
}
