package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFormatSummary(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	candles := []Candle{
		{Time: t0, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
		{Time: t0.Add(time.Hour), Open: 1.5, High: 3, Low: 1.25, Close: 2.75, Volume: 20},
		{Time: t0.Add(2 * time.Hour), Open: 2.75, High: 4, Low: 2, Close: 3, Volume: 1500000},
	}
	got := FormatSummary(candles, 2)
	want := "Last 2 candles (time | open | high | low | close | volume):\n" +
		"2024-03-01 11:00 | 1.5 | 3 | 1.25 | 2.75 | 20\n" +
		"2024-03-01 12:00 | 2.75 | 4 | 2 | 3 | 1500000"
	if got != want {
		t.Errorf("FormatSummary =\n%s\nwant\n%s", got, want)
	}
	if FormatSummary(nil, 5) != "No market data available." {
		t.Error("empty input should say no data")
	}
}

func TestSnapshot_Last(t *testing.T) {
	s := &Snapshot{Candles: make([]Candle, 10)}
	if len(s.Last(3)) != 3 {
		t.Errorf("Last(3) = %d", len(s.Last(3)))
	}
	if len(s.Last(50)) != 10 {
		t.Errorf("Last(50) = %d", len(s.Last(50)))
	}
	if _, ok := (&Snapshot{}).LastClose(); ok {
		t.Error("empty snapshot has no close")
	}
}

func TestInterval(t *testing.T) {
	tests := map[string]string{"H1": "1h", "h4": "4h", "D1": "1d", "15m": "15m"}
	for in, want := range tests {
		got, err := Interval(in)
		if err != nil || got != want {
			t.Errorf("Interval(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := Interval("H7"); err == nil {
		t.Error("expected error for H7")
	}
	if Symbol("btc/usdt") != "BTCUSDT" {
		t.Errorf("Symbol = %q", Symbol("btc/usdt"))
	}
}

func TestBinance_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("symbol") != "BTCUSDT" || q.Get("interval") != "1h" || q.Get("limit") != "2" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		fmt.Fprint(w, `[
 [1704067200000,"42000.1","42100","41900","42050.5","12.5",1704070799999],
 [1704070800000,"42050.5","42200","42000","42150","8.25",1704074399999]
]`)
	}))
	defer srv.Close()

	b := NewBinance(srv.URL, 2)
	snap, err := b.Fetch(context.Background(), "BTC/USDT", "H1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Source != "binance" || len(snap.Candles) != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if c, _ := snap.LastClose(); c != 42150 {
		t.Errorf("last close = %v", c)
	}
	if snap.Candles[0].Time != time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) {
		t.Errorf("time = %v", snap.Candles[0].Time)
	}
}

func TestBinance_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewBinance(srv.URL, 10).Fetch(context.Background(), "NOPE/USDT", "H1")
	if err == nil || !strings.Contains(err.Error(), "Invalid symbol") {
		t.Errorf("err = %v", err)
	}
}

func TestCache_SharesFetches(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	f := FetcherFunc(func(ctx context.Context, instrument, timeframe string) (*Snapshot, error) {
		calls.Add(1)
		<-release
		return &Snapshot{Instrument: instrument, Timeframe: timeframe}, nil
	})
	c := NewCache(f, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Fetch(context.Background(), "BTC/USDT", "H1"); err != nil {
				t.Error(err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if _, err := c.Fetch(context.Background(), "BTC/USDT", "H1"); err != nil {
		t.Fatal(err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1", n)
	}
}

func TestCache_Expires(t *testing.T) {
	var calls int
	f := FetcherFunc(func(ctx context.Context, instrument, timeframe string) (*Snapshot, error) {
		calls++
		return &Snapshot{}, nil
	})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCache(f, time.Minute)
	c.now = func() time.Time { return now }

	c.Fetch(context.Background(), "ETH/USDT", "H4")
	now = now.Add(2 * time.Minute)
	c.Fetch(context.Background(), "ETH/USDT", "H4")
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestSynthetic(t *testing.T) {
	snap, err := Synthetic{Count: 30}.Fetch(context.Background(), "BTC/USDT", "H1")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Candles) != 30 {
		t.Fatalf("candles = %d", len(snap.Candles))
	}
	if got := snap.Candles[1].Time.Sub(snap.Candles[0].Time); got != time.Hour {
		t.Errorf("step = %v, want 1h", got)
	}
	again, _ := Synthetic{Count: 30}.Fetch(context.Background(), "BTC/USDT", "H1")
	if again.Candles[29].Close != snap.Candles[29].Close {
		t.Error("synthetic data should be deterministic")
	}
}
