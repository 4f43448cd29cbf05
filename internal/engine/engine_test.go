package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"funding-arb-bot/internal/engine/execution"
	"funding-arb-bot/internal/exec"
	"funding-arb-bot/internal/metrics"
	"funding-arb-bot/internal/venue"
	"funding-arb-bot/internal/venue/paper"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var testWallet = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type stubTactic struct {
	req       *execution.Request
	err       error
	successes int
}

func (s *stubTactic) CanExecute(context.Context) (*execution.Request, error) {
	return s.req, s.err
}

func (s *stubTactic) OnSuccess() { s.successes++ }

func (s *stubTactic) OrderNotional() float64 {
	if s.req == nil {
		return 0
	}
	return s.req.OrderSize * s.req.Price
}

type testVenues struct {
	perpClient  *paper.Client
	hedgeClient *paper.Client
	perpMarket  venue.Market
	hedgeMarket venue.Market
}

func newTestVenues() testVenues {
	perpMarket := venue.Market{
		BaseToken:    "ETH",
		QuoteToken:   "USD",
		Type:         venue.TypeFuture,
		ExternalName: "ETHUSD",
		Exchange:     "paper",
	}
	hedgeMarket := venue.Market{
		BaseToken:    "ETH",
		QuoteToken:   "USD",
		Type:         venue.TypeFuture,
		ExternalName: "ETH-PERP",
		Exchange:     "paper",
	}
	perpClient := paper.New(testWallet)
	perpClient.SetMarket(perpMarket, paper.MarketParams{
		Info: venue.MarketInfo{MinSize: 0.001, SizeIncrement: 0.001},
		Bid:  99.8,
		Ask:  100,
	})
	hedgeClient := paper.New(testWallet)
	hedgeClient.SetMarket(hedgeMarket, paper.MarketParams{
		Info: venue.MarketInfo{MinSize: 0.001, SizeIncrement: 0.001},
		Bid:  100,
		Ask:  100.2,
	})
	return testVenues{perpClient, hedgeClient, perpMarket, hedgeMarket}
}

func newTestEngine(t *testing.T, v testVenues, tactic execution.Execution, params Params) *Engine {
	t.Helper()
	log := zap.NewNop()
	params.Perp = execution.PerpLeg{Client: v.perpClient, Market: v.perpMarket, Direction: params.Perp.Direction}
	params.Hedge = &execution.HedgeLeg{Client: v.hedgeClient, Market: v.hedgeMarket, Direction: params.Perp.Direction.Opposite()}
	params.Tactic = tactic
	params.PerpExec = exec.New(v.perpClient, nil, log)
	params.HedgeExec = exec.New(v.hedgeClient, nil, log)
	eng, err := New(params, log, metrics.NewNoop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return eng
}

func seedPosition(t *testing.T, client *paper.Client, market venue.Market, side venue.Side, size float64) {
	t.Helper()
	_, err := client.PlaceOrder(context.Background(), venue.PlaceOrderRequest{
		Market: market,
		Side:   side,
		Type:   venue.OrderMarket,
		Size:   size,
	})
	if err != nil {
		t.Fatalf("seed position: %v", err)
	}
}

func TestEngineOpensHedgedPosition(t *testing.T) {
	ctx := context.Background()
	v := newTestVenues()
	tactic := &stubTactic{req: &execution.Request{OrderSize: 5, Price: 100}}
	eng := newTestEngine(t, v, tactic, Params{
		Perp:                 execution.PerpLeg{Direction: venue.Long},
		TotalNotional:        1000,
		AcceptableDifference: 5,
	})
	if err := eng.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	var done bool
	var err error
	for i := 0; i < 3 && !done; i++ {
		done, err = eng.tick(ctx)
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	if !done {
		t.Fatalf("engine did not reach target notional")
	}
	perpPos, _ := v.perpClient.GetPosition(ctx, v.perpMarket)
	hedgePos, _ := v.hedgeClient.GetPosition(ctx, v.hedgeMarket)
	if perpPos == nil || perpPos.Side != venue.Buy || perpPos.Size != 10 {
		t.Fatalf("expected perp long 10, got %+v", perpPos)
	}
	if hedgePos == nil || hedgePos.Side != venue.Sell || hedgePos.Size != 10 {
		t.Fatalf("expected hedge short 10, got %+v", hedgePos)
	}
	if tactic.successes != 2 {
		t.Fatalf("expected 2 confirmed fills, got %d", tactic.successes)
	}
}

// An overshoot on the perp leg is corrected before any new tactic entry,
// and the corrective fill must not trigger a hedge order.
func TestEngineDownsizesPerpBeforeTactic(t *testing.T) {
	ctx := context.Background()
	v := newTestVenues()
	seedPosition(t, v.perpClient, v.perpMarket, venue.Buy, 10)
	seedPosition(t, v.hedgeClient, v.hedgeMarket, venue.Sell, 10)
	tactic := &stubTactic{req: &execution.Request{OrderSize: 5, Price: 100}}
	eng := newTestEngine(t, v, tactic, Params{
		Perp:                 execution.PerpLeg{Direction: venue.Long},
		TotalNotional:        1000,
		AcceptableDifference: 5,
	})
	if err := eng.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	// drift: an unmanaged fill pushes the perp leg over target
	seedPosition(t, v.perpClient, v.perpMarket, venue.Buy, 1)

	done, err := eng.tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if done {
		t.Fatalf("correction tick must not complete the engine")
	}
	perpPos, _ := v.perpClient.GetPosition(ctx, v.perpMarket)
	hedgePos, _ := v.hedgeClient.GetPosition(ctx, v.hedgeMarket)
	if perpPos.Size != 10 {
		t.Fatalf("expected perp downsized to 10, got %v", perpPos.Size)
	}
	if hedgePos.Size != 10 {
		t.Fatalf("corrective fill must not move the hedge, got %v", hedgePos.Size)
	}
	if tactic.successes != 0 {
		t.Fatalf("corrective fill must not advance the tactic")
	}

	done, err = eng.tick(ctx)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if !done {
		t.Fatalf("balanced on-target book should complete")
	}
}

func TestEngineHaltsOnWrongDirection(t *testing.T) {
	ctx := context.Background()
	v := newTestVenues()
	seedPosition(t, v.perpClient, v.perpMarket, venue.Buy, 5)
	seedPosition(t, v.hedgeClient, v.hedgeMarket, venue.Sell, 5)
	tactic := &stubTactic{req: &execution.Request{OrderSize: 5, Price: 100}}
	eng := newTestEngine(t, v, tactic, Params{
		Perp:                 execution.PerpLeg{Direction: venue.Long},
		TotalNotional:        1000,
		AcceptableDifference: 5,
	})
	if err := eng.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	// something external flipped the hedge leg long
	seedPosition(t, v.hedgeClient, v.hedgeMarket, venue.Buy, 10)

	_, err := eng.tick(ctx)
	if !errors.Is(err, ErrWrongDirection) {
		t.Fatalf("expected wrong direction halt, got %v", err)
	}
}

func TestEngineInitRejectsOverTargetBook(t *testing.T) {
	ctx := context.Background()
	v := newTestVenues()
	seedPosition(t, v.perpClient, v.perpMarket, venue.Buy, 11)
	seedPosition(t, v.hedgeClient, v.hedgeMarket, venue.Sell, 11)
	tactic := &stubTactic{req: &execution.Request{OrderSize: 5, Price: 100}}
	eng := newTestEngine(t, v, tactic, Params{
		Perp:                 execution.PerpLeg{Direction: venue.Long},
		TotalNotional:        1000,
		AcceptableDifference: 5,
	})
	if err := eng.Init(ctx); err == nil {
		t.Fatalf("expected init failure for over-target perp position")
	}
}

func TestEngineClosesPositionPair(t *testing.T) {
	ctx := context.Background()
	v := newTestVenues()
	seedPosition(t, v.perpClient, v.perpMarket, venue.Buy, 5)
	seedPosition(t, v.hedgeClient, v.hedgeMarket, venue.Sell, 5)
	tactic := &stubTactic{req: &execution.Request{OrderSize: 2, Price: 100}}
	eng := newTestEngine(t, v, tactic, Params{
		Perp:                 execution.PerpLeg{Direction: venue.Short},
		TotalNotional:        1000,
		AcceptableDifference: 5,
		CloseOnly:            true,
	})
	if err := eng.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	var done bool
	var err error
	for i := 0; i < 5 && !done; i++ {
		done, err = eng.tick(ctx)
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	if !done {
		t.Fatalf("closing engine did not finish")
	}
	perpPos, _ := v.perpClient.GetPosition(ctx, v.perpMarket)
	hedgePos, _ := v.hedgeClient.GetPosition(ctx, v.hedgeMarket)
	if perpPos != nil || hedgePos != nil {
		t.Fatalf("expected both legs flat, got perp %+v hedge %+v", perpPos, hedgePos)
	}
}

type memStore struct {
	data map[string]string
}

func newMemStore() *memStore { return &memStore{data: make(map[string]string)} }

func (s *memStore) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Set(_ context.Context, key, value string) error {
	s.data[key] = value
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	delete(s.data, key)
	return nil
}

func (s *memStore) Close() error { return nil }

func TestEngineStampsClientOrderIDs(t *testing.T) {
	ctx := context.Background()
	v := newTestVenues()
	st := newMemStore()
	tactic := &stubTactic{req: &execution.Request{OrderSize: 5, Price: 100}}
	eng := newTestEngine(t, v, tactic, Params{
		Perp:                 execution.PerpLeg{Direction: venue.Long},
		TotalNotional:        1000,
		AcceptableDifference: 5,
	})
	eng.perpExec = exec.New(v.perpClient, st, zap.NewNop())
	if err := eng.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := eng.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	found := false
	for key := range st.data {
		if strings.HasPrefix(key, "cloid:enter-ETH-") {
			found = true
		}
	}
	if !found {
		t.Fatalf("perp entry did not persist a client order id, store holds %v", st.data)
	}
}

// Corrective hedge sizes are floored to the venue size increment the
// same way fill-driven hedges are.
func TestEngineFloorsCorrectiveHedgeSize(t *testing.T) {
	ctx := context.Background()
	v := newTestVenues()
	v.hedgeClient.SetMarket(v.hedgeMarket, paperMarketWithIncrement(0.1))
	seedPosition(t, v.perpClient, v.perpMarket, venue.Buy, 5)
	seedPosition(t, v.hedgeClient, v.hedgeMarket, venue.Sell, 5)
	tactic := &stubTactic{req: &execution.Request{OrderSize: 5, Price: 100}}
	eng := newTestEngine(t, v, tactic, Params{
		Perp:                 execution.PerpLeg{Direction: venue.Long},
		TotalNotional:        2000,
		AcceptableDifference: 5,
	})
	if err := eng.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	// drift: an unmanaged fill pushes the perp leg ahead of the hedge
	seedPosition(t, v.perpClient, v.perpMarket, venue.Buy, 0.25)

	done, err := eng.tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if done {
		t.Fatalf("rebalance tick must not complete the engine")
	}
	hedgePos, _ := v.hedgeClient.GetPosition(ctx, v.hedgeMarket)
	if hedgePos == nil || hedgePos.Size != 5.2 {
		t.Fatalf("expected hedge grown by the floored 0.2, got %+v", hedgePos)
	}
	perpPos, _ := v.perpClient.GetPosition(ctx, v.perpMarket)
	if perpPos.Size != 5.25 {
		t.Fatalf("rebalance must not touch the perp leg, got %v", perpPos.Size)
	}
	if tactic.successes != 0 {
		t.Fatalf("rebalance must not advance the tactic")
	}
}

// Fill events routed in from an external feed reach the coordinator the
// same way the venue client's own subscription does.
func TestEngineAcceptsExternalFillEvents(t *testing.T) {
	ctx := context.Background()
	v := newTestVenues()
	tactic := &stubTactic{req: &execution.Request{OrderSize: 5, Price: 100}}
	eng := newTestEngine(t, v, tactic, Params{
		Perp:                 execution.PerpLeg{Direction: venue.Long},
		TotalNotional:        1000,
		AcceptableDifference: 5,
	})
	// events before init are dropped, not queued
	eng.HandleFill(fillEvent(v, 5, -500))
	if err := eng.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if !eng.coordinator.Arm(true) {
		t.Fatalf("arm failed")
	}
	eng.pending.Store(true)

	eng.HandleFill(fillEvent(v, 5, -500))
	hedgePos, _ := v.hedgeClient.GetPosition(ctx, v.hedgeMarket)
	if hedgePos == nil || hedgePos.Side != venue.Sell || hedgePos.Size != 5 {
		t.Fatalf("expected routed fill to hedge short 5, got %+v", hedgePos)
	}
	if eng.pending.Load() {
		t.Fatalf("routed fill must release the pending guard")
	}
}

func TestEnginePausedSkipsTick(t *testing.T) {
	ctx := context.Background()
	v := newTestVenues()
	paused := true
	tactic := &stubTactic{req: &execution.Request{OrderSize: 5, Price: 100}}
	eng := newTestEngine(t, v, tactic, Params{
		Perp:                 execution.PerpLeg{Direction: venue.Long},
		TotalNotional:        1000,
		AcceptableDifference: 5,
		Paused:               func() bool { return paused },
	})
	if err := eng.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := eng.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if pos, _ := v.perpClient.GetPosition(ctx, v.perpMarket); pos != nil {
		t.Fatalf("paused engine must not trade, got %+v", pos)
	}
	paused = false
	if _, err := eng.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if pos, _ := v.perpClient.GetPosition(ctx, v.perpMarket); pos == nil {
		t.Fatalf("resumed engine should trade")
	}
}
