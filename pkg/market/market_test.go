package market

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/arbai/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func pair(sym, a, b string) models.QuotePair {
	return models.QuotePair{
		VenueA: models.PriceQuote{Symbol: sym, Price: d(a), Timestamp: 1, Venue: models.VenueA},
		VenueB: models.PriceQuote{Symbol: sym, Price: d(b), Timestamp: 1, Venue: models.VenueB},
	}
}

func TestDetect_ThresholdBoundary(t *testing.T) {
	det := NewDetector(d("0.5"))

	got := det.Detect(map[string]models.QuotePair{"ETH/USDC": pair("ETH/USDC", "100", "100.49")})
	if len(got) != 0 {
		t.Fatalf("candidates=%d want=0 at 0.49%%", len(got))
	}

	got = det.Detect(map[string]models.QuotePair{"ETH/USDC": pair("ETH/USDC", "100", "100.51")})
	if len(got) != 1 {
		t.Fatalf("candidates=%d want=1 at 0.51%%", len(got))
	}
	if !got[0].ProfitPercent.Equal(d("0.51")) {
		t.Fatalf("profitPercent=%s want=0.51", got[0].ProfitPercent)
	}
	if !got[0].PriceDifference.Equal(d("0.51")) {
		t.Fatalf("priceDifference=%s want=0.51", got[0].PriceDifference)
	}
}

func TestDetect_SkipsNonPositivePrice(t *testing.T) {
	det := NewDetector(d("0.5"))
	got := det.Detect(map[string]models.QuotePair{
		"ZERO/USDC": pair("ZERO/USDC", "0", "10"),
		"ETH/USDC":  pair("ETH/USDC", "100", "102"),
	})
	if len(got) != 1 || got[0].SymbolPair != "ETH/USDC" {
		t.Fatalf("got=%+v want only ETH/USDC", got)
	}
}

func TestDetect_OrderingWithTies(t *testing.T) {
	det := NewDetector(decimal.Zero)
	got := det.Detect(map[string]models.QuotePair{
		"SOL/USDC": pair("SOL/USDC", "100", "101"),
		"BTC/USDC": pair("BTC/USDC", "100", "103"),
		"AVA/USDC": pair("AVA/USDC", "101", "100"),
		"ETH/USDC": pair("ETH/USDC", "100", "100"),
	})

	want := []string{"BTC/USDC", "AVA/USDC", "SOL/USDC"}
	if len(got) != len(want) {
		t.Fatalf("candidates=%d want=%d", len(got), len(want))
	}
	for i, sym := range want {
		if got[i].SymbolPair != sym {
			t.Fatalf("position %d=%s want=%s", i, got[i].SymbolPair, sym)
		}
	}
}

type flakySource struct {
	prices map[string]decimal.Decimal
	err    error
}

func (f *flakySource) ReferencePrices(_ context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]decimal.Decimal{}
	for _, s := range symbols {
		if p, ok := f.prices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

func TestSampler_PerturbationWithinSpread(t *testing.T) {
	src := NewStaticSource(map[string]decimal.Decimal{"ETH/USDC": d("3000")})
	s := NewSampler(src, SamplerConfig{VenueASpread: 0.012, VenueBSpread: 0.016, Seed: 7}, testLogger())

	for i := 0; i < 200; i++ {
		q := s.Sample(context.Background(), []string{"ETH/USDC"})["ETH/USDC"]
		if q.VenueA.Timestamp != q.VenueB.Timestamp {
			t.Fatalf("timestamps differ: %d vs %d", q.VenueA.Timestamp, q.VenueB.Timestamp)
		}
		if q.VenueA.Price.LessThan(d("2964")) || q.VenueA.Price.GreaterThan(d("3036")) {
			t.Fatalf("venue A price %s outside ±1.2%%", q.VenueA.Price)
		}
		if q.VenueB.Price.LessThan(d("2952")) || q.VenueB.Price.GreaterThan(d("3048")) {
			t.Fatalf("venue B price %s outside ±1.6%%", q.VenueB.Price)
		}
	}
}

func TestSampler_FallsBackToLastKnown(t *testing.T) {
	src := &flakySource{prices: map[string]decimal.Decimal{"ETH/USDC": d("3000")}}
	s := NewSampler(src, SamplerConfig{}, testLogger())
	ctx := context.Background()

	first := s.Sample(ctx, []string{"ETH/USDC", "BTC/USDC"})
	if _, ok := first["BTC/USDC"]; ok {
		t.Fatal("symbol without any reference price must be omitted")
	}
	if !first["ETH/USDC"].VenueA.Price.Equal(d("3000")) {
		t.Fatalf("price=%s want=3000 with zero spread", first["ETH/USDC"].VenueA.Price)
	}

	src.err = errors.New("feed down")
	second := s.Sample(ctx, []string{"ETH/USDC", "BTC/USDC"})
	if len(second) != 1 {
		t.Fatalf("quotes=%d want=1", len(second))
	}
	if !second["ETH/USDC"].VenueB.Price.Equal(d("3000")) {
		t.Fatalf("price=%s want last known 3000", second["ETH/USDC"].VenueB.Price)
	}
}

func TestFeedSource_ServesFreshTicks(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan subscribeMessage, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub subscribeMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subscribed <- sub
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscriptions"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ticker","product_id":"ETH-USD","price":"3001.25"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ticker","product_id":"BTC-USDC","price":"64000"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	feed := NewFeedSource(FeedConfig{
		URL:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		Products: map[string]string{"ETH/USDC": "ETH-USD"},
		MaxAge:   time.Minute,
	}, []string{"ETH/USDC", "BTC/USDC"}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	select {
	case sub := <-subscribed:
		if len(sub.ProductIDs) != 2 || sub.ProductIDs[0] != "ETH-USD" || sub.ProductIDs[1] != "BTC-USDC" {
			t.Fatalf("product ids=%v", sub.ProductIDs)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("feed never subscribed")
	}

	var prices map[string]decimal.Decimal
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		prices, _ = feed.ReferencePrices(ctx, []string{"ETH/USDC", "BTC/USDC"})
		if len(prices) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !prices["ETH/USDC"].Equal(d("3001.25")) || !prices["BTC/USDC"].Equal(d("64000")) {
		t.Fatalf("prices=%v", prices)
	}

	feed.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := feed.ReferencePrices(ctx, []string{"ETH/USDC"}); !errors.Is(err, ErrNoFreshPrices) {
		t.Fatalf("err=%v want ErrNoFreshPrices for stale ticks", err)
	}
}
