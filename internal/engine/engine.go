package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"funding-arb-bot/internal/alerts"
	"funding-arb-bot/internal/engine/execution"
	"funding-arb-bot/internal/exec"
	"funding-arb-bot/internal/metrics"
	"funding-arb-bot/internal/state"
	"funding-arb-bot/internal/timescale"
	"funding-arb-bot/internal/venue"

	"go.uber.org/zap"
)

type State string

const (
	StateOpening State = "OPENING"
	StateClosing State = "CLOSING"
)

const defaultPollInterval = 2 * time.Second

// ErrWrongDirection halts the engine: the observed position pair
// contradicts the configured stance and needs operator intervention.
var ErrWrongDirection = errors.New("wrong direction position pair")

type Params struct {
	Perp      execution.PerpLeg
	Hedge     *execution.HedgeLeg
	Tactic    execution.Execution
	PerpExec  *exec.Executor
	HedgeExec *exec.Executor

	TotalNotional float64
	// AcceptableDifference is the tolerated notional gap, in absolute
	// quote-currency units, both between the legs and against the target.
	AcceptableDifference float64
	SlippageBps          float64
	CloseOnly            bool
	PollInterval         time.Duration
	FillTimeout          time.Duration

	Store     state.Store
	Timescale *timescale.Writer
	Alerts    *alerts.Telegram
	// Paused, when set, makes the engine skip reconciliation ticks
	// until it reports false again.
	Paused func() bool
}

// Engine drives one market's position pair toward the target notional,
// reconciling the two legs on every poll.
type Engine struct {
	perp      execution.PerpLeg
	hedge     *execution.HedgeLeg
	tactic    execution.Execution
	perpExec  *exec.Executor
	hedgeExec *exec.Executor

	totalNotional        float64
	acceptableDifference float64
	slippageBps          float64
	closeOnly            bool
	pollInterval         time.Duration

	hedgeDirection venue.Direction
	paused         func() bool
	coordinator    *Coordinator
	store          state.Store
	ts             *timescale.Writer
	alerts         *alerts.Telegram
	log            *zap.Logger
	metrics        *metrics.Metrics

	state   State
	ctx     context.Context
	running atomic.Bool
	pending atomic.Bool
}

func New(params Params, log *zap.Logger, m *metrics.Metrics) (*Engine, error) {
	if params.Perp.Client == nil {
		return nil, errors.New("perp client is required")
	}
	if params.Tactic == nil {
		return nil, errors.New("execution tactic is required")
	}
	if params.TotalNotional <= 0 {
		return nil, errors.New("total notional must be > 0")
	}
	if params.Hedge != nil && params.HedgeExec == nil {
		return nil, errors.New("hedge executor is required when the hedge leg is enabled")
	}
	pollInterval := params.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	e := &Engine{
		perp:                 params.Perp,
		hedge:                params.Hedge,
		tactic:               params.Tactic,
		perpExec:             params.PerpExec,
		hedgeExec:            params.HedgeExec,
		totalNotional:        params.TotalNotional,
		acceptableDifference: params.AcceptableDifference,
		slippageBps:          params.SlippageBps,
		closeOnly:            params.CloseOnly,
		pollInterval:         pollInterval,
		hedgeDirection:       params.Perp.Direction.Opposite(),
		paused:               params.Paused,
		store:                params.Store,
		ts:                   params.Timescale,
		alerts:               params.Alerts,
		log:                  log,
		metrics:              m,
		state:                StateOpening,
	}
	e.coordinator = NewCoordinator(CoordinatorParams{
		Perp:      params.Perp,
		Hedge:     params.Hedge,
		HedgeExec: params.HedgeExec,
		Tactic:    params.Tactic,
		Timeout:   params.FillTimeout,
		IsClosing: func() bool { return e.state == StateClosing },
		Release:   func() { e.pending.Store(false) },
	}, log, m)
	return e, nil
}

// Init validates the starting book and decides the engine state. A
// non-valid position pair or an existing perp position already over
// target is fatal: the engine refuses to manage a book it did not build.
func (e *Engine) Init(ctx context.Context) error {
	perpPos, err := e.perp.Client.GetPosition(ctx, e.perp.Market)
	if err != nil {
		return fmt.Errorf("fetch perp position: %w", err)
	}
	var hedgePos *venue.Position
	if e.hedge != nil {
		hedgePos, err = e.hedge.Client.GetPosition(ctx, e.hedge.Market)
		if err != nil {
			return fmt.Errorf("fetch hedge position: %w", err)
		}
		validity := e.validate(perpPos, hedgePos)
		if validity.State != PositionValid {
			return fmt.Errorf("position state %s: %s", validity.State, validity.Message)
		}
	}
	if e.closeOnly {
		e.state = StateClosing
	} else {
		if perpPos != nil && perpPos.Notional()-e.totalNotional > e.acceptableDifference {
			return errors.New("open notional is more than requested total notional")
		}
		e.state = StateOpening
	}
	e.ctx = ctx
	if err := e.perp.Client.SubscribePositionChanged(func(ev venue.PositionChangedEvent) {
		e.coordinator.HandleEvent(e.ctx, ev)
	}); err != nil {
		return fmt.Errorf("subscribe position changed: %w", err)
	}
	e.log.Info("engine initialized",
		zap.String("market", e.perp.Market.BaseToken),
		zap.String("state", string(e.state)),
		zap.Float64("total_notional", e.totalNotional),
	)
	return nil
}

// HandleFill routes an externally sourced fill event into the fill
// coordinator. Events arriving before Init are dropped; the coordinator
// filters by trader and instrument, so duplicate delivery alongside the
// venue client's own subscription is harmless.
func (e *Engine) HandleFill(ev venue.PositionChangedEvent) {
	if e.ctx == nil {
		return
	}
	e.coordinator.HandleEvent(e.ctx, ev)
}

// Run polls until the target is reached, the engine halts on a
// wrong-direction book, or ctx is cancelled. Transient tick errors are
// logged and retried on the next interval.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			done, err := e.tick(ctx)
			if err != nil {
				e.metrics.WrongDirectionHalts.Inc()
				e.notify(ctx, fmt.Sprintf("%s engine halted: %v", e.perp.Market.BaseToken, err))
				return err
			}
			if done {
				e.metrics.EnginesCompleted.Inc()
				e.notify(ctx, fmt.Sprintf("%s %s complete", e.perp.Market.BaseToken, e.state))
				return nil
			}
		}
	}
}

// tick runs one reconciliation pass. The returned error is always fatal
// (wrong direction); transient failures are swallowed here so the next
// tick retries from fresh state.
func (e *Engine) tick(ctx context.Context) (bool, error) {
	if !e.running.CompareAndSwap(false, true) {
		return false, nil
	}
	defer e.running.Store(false)
	if e.pending.Load() {
		return false, nil
	}
	if e.paused != nil && e.paused() {
		return false, nil
	}
	e.metrics.PollTicks.Inc()

	perpPos, err := e.perp.Client.GetPosition(ctx, e.perp.Market)
	if err != nil {
		e.logTickError("fetch perp position", err)
		return false, nil
	}
	var hedgePos *venue.Position
	if e.hedge != nil {
		hedgePos, err = e.hedge.Client.GetPosition(ctx, e.hedge.Market)
		if err != nil {
			e.logTickError("fetch hedge position", err)
			return false, nil
		}
	}
	e.log.Debug("poll",
		zap.String("market", e.perp.Market.BaseToken),
		zap.String("state", string(e.state)),
		zap.Float64("perp_size", perpPos.SizeAbs()),
		zap.Float64("hedge_size", hedgePos.SizeAbs()),
	)

	var done bool
	if e.state == StateOpening {
		done, err = e.pollOpening(ctx, perpPos, hedgePos)
	} else {
		done, err = e.pollClosing(ctx, perpPos, hedgePos)
	}
	if err != nil {
		if errors.Is(err, ErrWrongDirection) {
			e.log.Error("wrong direction, halting engine",
				zap.String("market", e.perp.Market.BaseToken),
				zap.Error(err),
			)
			e.record(ctx, perpPos, hedgePos)
			return false, err
		}
		e.logTickError("poll", err)
		return false, nil
	}
	e.record(ctx, perpPos, hedgePos)
	return done, nil
}

func (e *Engine) pollOpening(ctx context.Context, perpPos, hedgePos *venue.Position) (bool, error) {
	perpNotional := perpPos.Notional()
	if e.hedge == nil {
		if perpPos != nil {
			diff := perpNotional - e.totalNotional
			if math.Abs(diff) < e.acceptableDifference {
				return true, nil
			}
			if diff > e.acceptableDifference {
				return false, e.downsizePerp(ctx, diff)
			}
		}
		return false, e.executeTactic(ctx, perpNotional)
	}

	if perpPos != nil && hedgePos != nil {
		hedgeNotional := hedgePos.Notional()
		perpDiff := perpNotional - e.totalNotional
		hedgeDiff := hedgeNotional - e.totalNotional
		if math.Abs(perpDiff) < e.acceptableDifference && math.Abs(hedgeDiff) < e.acceptableDifference {
			e.log.Info("funding rate arb complete",
				zap.String("market", e.perp.Market.BaseToken),
				zap.Float64("perp_notional", perpNotional),
				zap.Float64("hedge_notional", hedgeNotional),
			)
			return true, nil
		}
		// corrections preempt tactic-driven entries so an overshoot is
		// not compounded while the fix is in flight
		if perpDiff > e.acceptableDifference {
			return false, e.downsizePerp(ctx, perpDiff)
		}
		if hedgeDiff > e.acceptableDifference {
			return false, e.downsizeHedge(ctx, hedgeDiff)
		}
	}

	validity := e.validate(perpPos, hedgePos)
	switch validity.State {
	case PositionUnbalanced:
		e.log.Warn("position unbalanced",
			zap.String("market", e.perp.Market.BaseToken),
			zap.String("reason", validity.Message),
		)
		return false, e.correctImbalance(ctx, perpPos, hedgePos, false)
	case PositionWrongDirection:
		return false, fmt.Errorf("%w: %s", ErrWrongDirection, validity.Message)
	}
	return false, e.executeTactic(ctx, perpNotional)
}

func (e *Engine) pollClosing(ctx context.Context, perpPos, hedgePos *venue.Position) (bool, error) {
	if perpPos == nil && hedgePos == nil {
		e.log.Info("funding rate arb close complete", zap.String("market", e.perp.Market.BaseToken))
		return true, nil
	}

	if e.hedge != nil {
		validity := e.validate(perpPos, hedgePos)
		switch validity.State {
		case PositionUnbalanced:
			e.log.Warn("position unbalanced",
				zap.String("market", e.perp.Market.BaseToken),
				zap.String("reason", validity.Message),
			)
			return false, e.correctImbalance(ctx, perpPos, hedgePos, true)
		case PositionWrongDirection:
			return false, fmt.Errorf("%w: %s", ErrWrongDirection, validity.Message)
		}
	}

	req, err := e.tactic.CanExecute(ctx)
	if err != nil {
		return false, err
	}
	if req == nil {
		return false, nil
	}
	if perpPos.SizeAbs() < req.OrderSize {
		// close both legs outright on the final clip so no dust
		// remainder below the venue minimums is left behind
		e.log.Info("closing remaining position", zap.String("market", e.perp.Market.BaseToken))
		if _, err := e.perpExec.ClosePosition(ctx, e.perp.Market); err != nil {
			return false, err
		}
		if e.hedge != nil {
			if _, err := e.hedgeExec.ClosePosition(ctx, e.hedge.Market); err != nil {
				return false, err
			}
		}
		return false, nil
	}
	e.log.Info("executing perp order",
		zap.String("market", e.perp.Market.BaseToken),
		zap.String("direction", string(e.perp.Direction)),
		zap.Float64("size", req.OrderSize),
	)
	return false, e.placePerpOrder(ctx, req.OrderSize, e.perp.Direction, true)
}

// executeTactic consults the tactic and places the next perp entry,
// clamping the final clip to the remaining notional.
func (e *Engine) executeTactic(ctx context.Context, perpNotional float64) error {
	req, err := e.tactic.CanExecute(ctx)
	if err != nil {
		return err
	}
	if req == nil {
		return nil
	}
	orderSize := req.OrderSize
	if remaining := e.totalNotional - perpNotional; remaining < e.tactic.OrderNotional() {
		orderSize = remaining / req.Price
	}
	e.log.Info("executing perp order",
		zap.String("market", e.perp.Market.BaseToken),
		zap.String("direction", string(e.perp.Direction)),
		zap.Float64("size", orderSize),
	)
	return e.placePerpOrder(ctx, orderSize, e.perp.Direction, true)
}

// downsizePerp shrinks the perp leg by excessNotional with an opposite
// direction order. The corrective fill must not trigger a hedge.
func (e *Engine) downsizePerp(ctx context.Context, excessNotional float64) error {
	price, err := e.correctionPrice(ctx, excessNotional, e.hedgeDirection)
	if err != nil {
		return err
	}
	size := excessNotional / price
	e.log.Info("downsizing perp",
		zap.String("market", e.perp.Market.BaseToken),
		zap.Float64("size", size),
	)
	e.metrics.Corrections.Inc()
	return e.placePerpOrder(ctx, size, e.hedgeDirection, false)
}

func (e *Engine) downsizeHedge(ctx context.Context, excessNotional float64) error {
	price, err := e.correctionPrice(ctx, excessNotional, e.perp.Direction)
	if err != nil {
		return err
	}
	size := e.hedgeSizeFloor(excessNotional / price)
	e.log.Info("downsizing hedge",
		zap.String("market", e.perp.Market.BaseToken),
		zap.Float64("size", size),
	)
	e.metrics.Corrections.Inc()
	_, err = e.hedgeExec.PlaceOrder(ctx, venue.PlaceOrderRequest{
		Market:        e.hedge.Market,
		Side:          venue.SideFromOppositeDirection(e.hedgeDirection),
		Type:          venue.OrderMarket,
		Size:          size,
		ReduceOnly:    true,
		TimeInForce:   venue.IOC,
		ClientOrderID: e.clientOrderID("fix") + "-hedge",
	})
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		return err
	}
	e.metrics.OrdersPlaced.Inc()
	return nil
}

// correctionPrice sizes corrective orders off the hedge venue book when
// available: its quotes are steadier than the perp AMM curve.
func (e *Engine) correctionPrice(ctx context.Context, notional float64, direction venue.Direction) (float64, error) {
	leg := e.perp.Market
	client := venue.Client(e.perp.Client)
	if e.hedge != nil {
		leg = e.hedge.Market
		client = e.hedge.Client
	}
	quote, err := client.Quote(ctx, venue.QuoteRequest{
		Market:        leg,
		OrderNotional: notional,
		Direction:     direction,
	})
	if err != nil {
		return 0, fmt.Errorf("correction quote: %w", err)
	}
	return quote.AveragePrice, nil
}

// correctImbalance issues the single catch-up order that restores size
// parity between the legs. In the closing state the larger leg is
// reduced; in the opening state the smaller leg is grown.
func (e *Engine) correctImbalance(ctx context.Context, perpPos, hedgePos *venue.Position, closing bool) error {
	sizeDiff := perpPos.SizeAbs() - hedgePos.SizeAbs()
	absSizeDiff := math.Abs(sizeDiff)
	e.metrics.Corrections.Inc()
	if closing {
		if sizeDiff > 0 {
			e.log.Info("downsizing perp to rebalance",
				zap.String("market", e.perp.Market.BaseToken),
				zap.Float64("size", absSizeDiff),
			)
			return e.placePerpOrder(ctx, absSizeDiff, e.perp.Direction, false)
		}
		return e.placeHedgeRebalance(ctx, absSizeDiff, true)
	}
	if sizeDiff > 0 {
		return e.placeHedgeRebalance(ctx, absSizeDiff, false)
	}
	// the perp leg is behind: the corrective perp fill IS the catch-up,
	// it must not trigger its own hedge order
	e.log.Info("upsizing perp to rebalance",
		zap.String("market", e.perp.Market.BaseToken),
		zap.Float64("size", absSizeDiff),
	)
	return e.placePerpOrder(ctx, absSizeDiff, e.perp.Direction, false)
}

func (e *Engine) placeHedgeRebalance(ctx context.Context, size float64, reduceOnly bool) error {
	size = e.hedgeSizeFloor(size)
	verb := "upsizing"
	if reduceOnly {
		verb = "downsizing"
	}
	e.log.Info(verb+" hedge to rebalance",
		zap.String("market", e.perp.Market.BaseToken),
		zap.String("direction", string(e.hedgeDirection)),
		zap.Float64("size", size),
	)
	_, err := e.hedgeExec.PlaceOrder(ctx, venue.PlaceOrderRequest{
		Market:        e.hedge.Market,
		Side:          venue.SideFromDirection(e.hedgeDirection),
		Type:          venue.OrderMarket,
		Size:          size,
		ReduceOnly:    reduceOnly,
		TimeInForce:   venue.IOC,
		ClientOrderID: e.clientOrderID("fix") + "-hedge",
	})
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		return err
	}
	e.metrics.OrdersPlaced.Inc()
	return nil
}

// hedgeSizeFloor rounds a hedge order size down to the venue size
// increment so the order is not rejected for precision.
func (e *Engine) hedgeSizeFloor(size float64) float64 {
	if e.hedge == nil {
		return size
	}
	info, ok := e.hedge.Client.MarketInfo(e.hedge.Market)
	if !ok || info.SizeIncrement <= 0 {
		return size
	}
	return math.Floor(size/info.SizeIncrement) * info.SizeIncrement
}

// clientOrderID builds the idempotency key for one placement. Nanosecond
// precision keeps IDs unique across back-to-back corrective orders.
func (e *Engine) clientOrderID(verb string) string {
	return fmt.Sprintf("%s-%s-%s", verb, e.perp.Market.BaseToken,
		time.Now().UTC().Format("20060102T150405.000000000Z"))
}

// placePerpOrder arms the fill coordinator, marks the order pending and
// submits. A failed submission rolls both guards back so the next tick
// is not blocked.
func (e *Engine) placePerpOrder(ctx context.Context, size float64, direction venue.Direction, placeHedge bool) error {
	if !e.coordinator.Arm(placeHedge) {
		return errors.New("fill watch already armed")
	}
	verb := "enter"
	switch {
	case !placeHedge:
		verb = "fix"
	case e.state == StateClosing:
		verb = "exit"
	}
	e.pending.Store(true)
	_, err := e.perpExec.PlaceOrder(ctx, venue.PlaceOrderRequest{
		Market:        e.perp.Market,
		Side:          venue.SideFromDirection(direction),
		Type:          venue.OrderMarket,
		Size:          size,
		SlippageBps:   e.slippageBps,
		ReduceOnly:    e.state == StateClosing && !placeHedge,
		ClientOrderID: e.clientOrderID(verb),
	})
	if err != nil {
		e.coordinator.Disarm()
		e.pending.Store(false)
		e.metrics.OrdersFailed.Inc()
		return err
	}
	e.metrics.OrdersPlaced.Inc()
	return nil
}

func (e *Engine) validate(perpPos, hedgePos *venue.Position) Validity {
	var hedgeMinSize float64
	if e.hedge != nil {
		if info, ok := e.hedge.Client.MarketInfo(e.hedge.Market); ok {
			hedgeMinSize = info.MinSize
		}
	}
	return Validate(ValidateParams{
		Perp:                 perpPos,
		Hedge:                hedgePos,
		PerpDirection:        e.perp.Direction,
		HedgeDirection:       e.hedgeDirection,
		CloseOnly:            e.closeOnly,
		AcceptableDifference: e.acceptableDifference,
		HedgeMinSize:         hedgeMinSize,
	})
}

func (e *Engine) record(ctx context.Context, perpPos, hedgePos *venue.Position) {
	snapshot := state.EngineSnapshot{
		State:         string(e.state),
		BaseToken:     e.perp.Market.BaseToken,
		PerpSize:      perpPos.SizeAbs(),
		PerpNotional:  perpPos.Notional(),
		HedgeSize:     hedgePos.SizeAbs(),
		HedgeNotional: hedgePos.Notional(),
		UpdatedAtMS:   time.Now().UnixMilli(),
	}
	if e.hedge != nil {
		snapshot.Validity = string(e.validate(perpPos, hedgePos).State)
	}
	if perpPos != nil {
		snapshot.PerpSide = string(perpPos.Side)
	}
	if hedgePos != nil {
		snapshot.HedgeSide = string(hedgePos.Side)
	}
	if e.store != nil {
		if err := state.SaveEngineSnapshot(ctx, e.store, snapshot); err != nil {
			e.log.Warn("failed to persist engine snapshot", zap.Error(err))
		}
	}
	if e.ts != nil {
		e.ts.EnqueuePair(timescale.PositionPair{
			Time:           time.Now().UTC(),
			BaseToken:      e.perp.Market.BaseToken,
			State:          string(e.state),
			PerpSize:       snapshot.PerpSize,
			PerpNotional:   snapshot.PerpNotional,
			HedgeSize:      snapshot.HedgeSize,
			HedgeNotional:  snapshot.HedgeNotional,
			TargetNotional: e.totalNotional,
		})
	}
}

func (e *Engine) notify(ctx context.Context, message string) {
	if e.alerts == nil {
		return
	}
	if err := e.alerts.Send(ctx, message); err != nil {
		e.log.Warn("alert send failed", zap.Error(err))
	}
}

func (e *Engine) logTickError(stage string, err error) {
	e.log.Warn("tick failed",
		zap.String("market", e.perp.Market.BaseToken),
		zap.String("stage", stage),
		zap.Error(err),
	)
}
