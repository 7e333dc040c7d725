package tools

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/colaisr/research-flow-sub000/pkg/marketdata"
)

// DefaultToolCandles is the candle count when neither the extraction nor the
// defaults name one.
const DefaultToolCandles = 20

// MarketExecutor serves market_data tools. Tools with their own endpoint get
// a dedicated Binance-compatible connector; others use Default.
type MarketExecutor struct {
	Default marketdata.Fetcher
	Limit   int // candles requested from dedicated connectors

	mu         sync.Mutex
	connectors map[string]marketdata.Fetcher
}

func (m *MarketExecutor) fetcher(endpoint string) (marketdata.Fetcher, error) {
	if endpoint == "" {
		if m.Default == nil {
			return nil, fmt.Errorf("no market data connector configured")
		}
		return m.Default, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectors == nil {
		m.connectors = make(map[string]marketdata.Fetcher)
	}
	f, ok := m.connectors[endpoint]
	if !ok {
		f = marketdata.NewBinance(endpoint, m.Limit)
		m.connectors[endpoint] = f
	}
	return f, nil
}

// Execute implements Executor.
func (m *MarketExecutor) Execute(ctx context.Context, call Call) (string, error) {
	instrument, timeframe := call.str("instrument"), call.str("timeframe")
	if instrument == "" || timeframe == "" {
		return "", fmt.Errorf("instrument and timeframe are required")
	}
	f, err := m.fetcher(call.Def.Config.Endpoint)
	if err != nil {
		return "", err
	}
	snap, err := f.Fetch(ctx, instrument, timeframe)
	if err != nil {
		return "", fmt.Errorf("fetch %s %s: %w", instrument, timeframe, err)
	}
	return marketdata.FormatSummary(snap.Candles, intParam(call.Params, "num_candles", DefaultToolCandles)), nil
}

// intParam reads a positive integer parameter. JSON numbers arrive as
// float64; YAML defaults as int; models sometimes quote them.
func intParam(params map[string]any, key string, def int) int {
	var n int
	switch v := params[key].(type) {
	case int:
		n = v
	case int64:
		n = int(v)
	case float64:
		n = int(v)
	case string:
		n, _ = strconv.Atoi(v)
	}
	if n <= 0 {
		return def
	}
	return n
}
