package app

import (
	"path/filepath"
	"testing"
	"time"

	"funding-arb-bot/internal/config"

	"go.uber.org/zap"
)

func paperTestConfig(t *testing.T) *config.Config {
	t.Helper()
	disabled := false
	return &config.Config{
		State:   config.StateConfig{SQLitePath: filepath.Join(t.TempDir(), "test.db")},
		Metrics: config.MetricsConfig{Enabled: &disabled},
		Paper: config.PaperConfig{
			Wallet: "0x00000000000000000000000000000000000000aa",
			Markets: map[string]config.PaperMarketConfig{
				"ETHUSD":   {Bid: 99.8, Ask: 100, MinSize: 0.001, SizeIncrement: 0.001},
				"ETH-PERP": {Bid: 100, Ask: 100.2, MinSize: 0.001, SizeIncrement: 0.001},
			},
		},
		Markets: map[string]config.MarketConfig{
			"ETH": {
				PerpExchange:            "paper",
				QuoteToken:              "USD",
				TotalNotional:           1000,
				PerpDirection:           "long",
				AcceptableDifferenceUSD: 5,
				SlippageBps:             100,
				PollInterval:            10 * time.Millisecond,
				FillTimeout:             time.Second,
				Execution: config.ExecutionConfig{
					Strategy:      config.StrategySpread,
					OrderNotional: 500,
				},
				Hedge: &config.HedgeConfig{
					Enabled:      true,
					Exchange:     "paper",
					QuoteToken:   "USD",
					ExternalName: "ETH-PERP",
				},
			},
		},
	}
}

func TestNewBuildsPaperEngines(t *testing.T) {
	cfg := paperTestConfig(t)
	a, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.store.Close()

	if len(a.engines) != 1 {
		t.Fatalf("expected one engine, got %d", len(a.engines))
	}
	set, ok := a.legs["ETH"]
	if !ok {
		t.Fatal("missing leg set for ETH")
	}
	if set.perp.Market.ExternalName != "ETHUSD" {
		t.Fatalf("perp market name: %q", set.perp.Market.ExternalName)
	}
	if set.hedge == nil || set.hedge.Market.ExternalName != "ETH-PERP" {
		t.Fatalf("hedge leg not wired: %+v", set.hedge)
	}
	if set.perp.Client == set.hedge.Client {
		t.Fatal("each leg must get its own paper client")
	}
	if set.hedge.Direction != set.perp.Direction.Opposite() {
		t.Fatalf("hedge direction %q does not oppose perp %q", set.hedge.Direction, set.perp.Direction)
	}
}

func TestNewWiresFeed(t *testing.T) {
	cfg := paperTestConfig(t)
	a, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a.store.Close()
	if a.feed != nil {
		t.Fatal("feed must stay unwired without a url")
	}

	cfg = paperTestConfig(t)
	cfg.Feed = config.FeedConfig{
		URL:            "ws://localhost:9999/ws",
		ReconnectDelay: time.Second,
		PingInterval:   time.Second,
	}
	a, err = New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new with feed: %v", err)
	}
	defer a.store.Close()
	if a.feed == nil {
		t.Fatal("feed url must build the fill feed")
	}
}

func TestNewRejectsUnknownExchange(t *testing.T) {
	cfg := paperTestConfig(t)
	market := cfg.Markets["ETH"]
	market.PerpExchange = "no_such_exchange"
	cfg.Markets["ETH"] = market
	if _, err := New(cfg, zap.NewNop()); err == nil {
		t.Fatal("expected unknown exchange error")
	}
}

func TestNewRejectsUnknownStrategy(t *testing.T) {
	cfg := paperTestConfig(t)
	market := cfg.Markets["ETH"]
	market.Execution.Strategy = "vwap"
	cfg.Markets["ETH"] = market
	if _, err := New(cfg, zap.NewNop()); err == nil {
		t.Fatal("expected unknown strategy error")
	}
}
