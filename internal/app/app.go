package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"funding-arb-bot/internal/alerts"
	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/engine"
	"funding-arb-bot/internal/engine/execution"
	"funding-arb-bot/internal/exec"
	"funding-arb-bot/internal/metrics"
	"funding-arb-bot/internal/state/sqlite"
	"funding-arb-bot/internal/timescale"
	"funding-arb-bot/internal/venue"
	"funding-arb-bot/internal/venue/feed"
	"funding-arb-bot/internal/venue/paper"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// ExchangePaper is the built-in dry-run venue. Live connectors register
// themselves with the venue registry; paper is wired here directly so a
// fresh checkout runs without one.
const ExchangePaper venue.Exchange = "paper"

// App owns the shared infrastructure and one engine per configured
// market. Engines run independently: a halt in one market does not stop
// the others.
type App struct {
	cfg            *config.Config
	log            *zap.Logger
	store          *sqlite.Store
	metrics        *metrics.Metrics
	metricsHandler http.Handler
	ts             *timescale.Writer
	alerts         *alerts.Telegram
	engines        map[string]*engine.Engine
	legs           map[string]legSet
	feed           *feed.Feed
	feedSubscribed bool

	opsMu          sync.RWMutex
	paused         bool
	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	a := &App{
		cfg:     cfg,
		log:     log,
		store:   store,
		alerts:  alerts.NewTelegram(cfg.Telegram, log),
		engines: make(map[string]*engine.Engine),
		legs:    make(map[string]legSet),
	}
	if cfg.Metrics.EnabledValue() {
		prom := metrics.NewPrometheus()
		a.metrics = prom.Metrics
		a.metricsHandler = prom.Handler()
	} else {
		a.metrics = metrics.NewNoop()
	}
	ts, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	a.ts = ts
	for name, market := range cfg.Markets {
		eng, err := a.buildEngine(name, market)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("markets.%s: %w", name, err)
		}
		a.engines[name] = eng
	}
	if cfg.Feed.URL != "" {
		a.feed = feed.New(cfg.Feed.URL, cfg.Feed.ReconnectDelay, cfg.Feed.PingInterval, log)
		// every engine filters by trader and instrument, so fanning each
		// event to all of them is safe
		a.feed.OnPositionChanged(func(ev venue.PositionChangedEvent) {
			for _, eng := range a.engines {
				eng.HandleFill(ev)
			}
		})
	}
	return a, nil
}

func (a *App) buildEngine(name string, mc config.MarketConfig) (*engine.Engine, error) {
	log := a.log.With(zap.String("market", name))
	direction := venue.Direction(mc.PerpDirection)
	perpMarket := venue.Market{
		BaseToken:    name,
		QuoteToken:   mc.QuoteToken,
		Type:         venue.TypeFuture,
		ExternalName: externalName(mc.ExternalName, name, mc.QuoteToken),
		Exchange:     venue.Exchange(mc.PerpExchange),
	}
	perpClient, err := a.newPerpClient(venue.Exchange(mc.PerpExchange))
	if err != nil {
		return nil, err
	}
	perpLeg := execution.PerpLeg{Client: perpClient, Market: perpMarket, Direction: direction}

	var hedgeLeg *execution.HedgeLeg
	var hedgeExec *exec.Executor
	if mc.Hedge != nil && mc.Hedge.Enabled {
		hedgeClient, err := a.newClient(venue.Exchange(mc.Hedge.Exchange))
		if err != nil {
			return nil, err
		}
		hedgeMarket := venue.Market{
			BaseToken:    name,
			QuoteToken:   mc.Hedge.QuoteToken,
			Type:         venue.TypeFuture,
			ExternalName: externalName(mc.Hedge.ExternalName, name, mc.Hedge.QuoteToken),
			Exchange:     venue.Exchange(mc.Hedge.Exchange),
		}
		hedgeLeg = &execution.HedgeLeg{Client: hedgeClient, Market: hedgeMarket, Direction: direction.Opposite()}
		hedgeExec = exec.New(hedgeClient, a.store, log)
	}

	tactic, err := a.buildTactic(mc, perpLeg, hedgeLeg, log)
	if err != nil {
		return nil, err
	}
	a.legs[name] = legSet{perp: perpLeg, hedge: hedgeLeg, cfg: mc}
	return engine.New(engine.Params{
		Perp:                 perpLeg,
		Hedge:                hedgeLeg,
		Tactic:               tactic,
		PerpExec:             exec.New(perpClient, a.store, log),
		HedgeExec:            hedgeExec,
		TotalNotional:        mc.TotalNotional,
		AcceptableDifference: mc.AcceptableDifferenceUSD,
		SlippageBps:          mc.SlippageBps,
		CloseOnly:            mc.CloseOnly,
		PollInterval:         mc.PollInterval,
		FillTimeout:          mc.FillTimeout,
		Store:                a.store,
		Timescale:            a.ts,
		Alerts:               a.alerts,
		Paused:               a.isPaused,
	}, log, a.metrics)
}

func (a *App) buildTactic(mc config.MarketConfig, perp execution.PerpLeg, hedge *execution.HedgeLeg, log *zap.Logger) (execution.Execution, error) {
	switch mc.Execution.Strategy {
	case config.StrategySpread:
		return execution.NewSpread(execution.SpreadParams{
			Perp:          perp,
			Hedge:         hedge,
			MinSpreadBps:  mc.Execution.MinSpreadBps,
			OrderNotional: mc.Execution.OrderNotional,
			HideSize:      mc.HideSize,
		}, log)
	case config.StrategyTwap:
		return execution.NewTwap(execution.TwapParams{
			Perp:          perp,
			Hedge:         hedge,
			TotalNotional: mc.TotalNotional,
			Parts:         mc.Execution.Parts,
			Period:        mc.Execution.Period,
			HideSize:      mc.HideSize,
		}, log)
	default:
		return nil, fmt.Errorf("unknown execution strategy %q", mc.Execution.Strategy)
	}
}

func (a *App) newPerpClient(exchange venue.Exchange) (venue.PerpClient, error) {
	if exchange == ExchangePaper {
		return a.newPaperClient(), nil
	}
	return venue.NewPerpClient(exchange)
}

func (a *App) newClient(exchange venue.Exchange) (venue.Client, error) {
	if exchange == ExchangePaper {
		return a.newPaperClient(), nil
	}
	return venue.NewClient(exchange)
}

// newPaperClient builds a fresh instance per leg so hedge fills never
// reach perp fill handlers.
func (a *App) newPaperClient() *paper.Client {
	client := paper.New(common.HexToAddress(a.cfg.Paper.Wallet))
	for name, mc := range a.cfg.Paper.Markets {
		client.SetMarket(venue.Market{ExternalName: name}, paper.MarketParams{
			Info: venue.MarketInfo{
				TickSize:      mc.TickSize,
				MinSize:       mc.MinSize,
				SizeIncrement: mc.SizeIncrement,
				LastBid:       mc.Bid,
				LastAsk:       mc.Ask,
			},
			Bid: mc.Bid,
			Ask: mc.Ask,
		})
	}
	return client
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	if a.ts != nil {
		a.ts.Start(ctx)
		defer a.ts.Close()
	}
	stopMetrics := a.serveMetrics(ctx)
	defer stopMetrics()
	a.startOperator(ctx)

	for name, eng := range a.engines {
		if err := eng.Init(ctx); err != nil {
			return fmt.Errorf("init %s: %w", name, err)
		}
	}
	a.startFeed(ctx)

	var wg sync.WaitGroup
	errMu := sync.Mutex{}
	var errs []error
	for name, eng := range a.engines {
		wg.Add(1)
		go func(name string, eng *engine.Engine) {
			defer wg.Done()
			if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				errMu.Unlock()
			}
		}(name, eng)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// startFeed connects the shared fill stream and keeps it alive until
// ctx is cancelled. A broken feed degrades the engines to poll-driven
// reconciliation, so failures are logged and retried, never fatal.
func (a *App) startFeed(ctx context.Context) {
	if a.feed == nil {
		return
	}
	go func() {
		for {
			err := a.runFeed(ctx)
			if ctx.Err() != nil {
				return
			}
			a.log.Warn("fill feed stopped, reconnecting", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.cfg.Feed.ReconnectDelay):
			}
		}
	}()
}

func (a *App) runFeed(ctx context.Context) error {
	if err := a.feed.Connect(ctx); err != nil {
		return err
	}
	// subscriptions are recorded once; Run replays them itself after
	// every reconnect
	if !a.feedSubscribed {
		for name, set := range a.legs {
			sub := map[string]any{
				"op":      "subscribe",
				"channel": "positionChanged",
				"trader":  set.perp.Client.WalletAddress().Hex(),
			}
			if err := a.feed.Subscribe(ctx, sub); err != nil {
				return fmt.Errorf("subscribe %s: %w", name, err)
			}
		}
		a.feedSubscribed = true
	}
	return a.feed.Run(ctx)
}

func (a *App) serveMetrics(ctx context.Context) func() {
	if a.metricsHandler == nil {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.metricsHandler)
	server := &http.Server{Addr: a.cfg.Metrics.Address, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	a.log.Info("metrics server listening",
		zap.String("address", a.cfg.Metrics.Address),
		zap.String("path", a.cfg.Metrics.Path),
	)
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
}

func (a *App) marketNames() []string {
	names := make([]string, 0, len(a.engines))
	for name := range a.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type legSet struct {
	perp  execution.PerpLeg
	hedge *execution.HedgeLeg
	cfg   config.MarketConfig
}

func externalName(override, base, quote string) string {
	if override != "" {
		return override
	}
	return base + quote
}
