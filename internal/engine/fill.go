package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"funding-arb-bot/internal/engine/execution"
	"funding-arb-bot/internal/exec"
	"funding-arb-bot/internal/metrics"
	"funding-arb-bot/internal/venue"

	"go.uber.org/zap"
)

const defaultFillTimeout = 30 * time.Second

// Coordinator bridges the perp fill feed into a one-shot, timeout-bounded
// hedge trigger. At most one watch is armed at a time; fill events that do
// not match the engine's wallet and instrument are ignored, not queued.
type Coordinator struct {
	perp      execution.PerpLeg
	hedge     *execution.HedgeLeg
	hedgeExec *exec.Executor
	tactic    execution.Execution
	timeout   time.Duration
	isClosing func() bool
	release   func()
	log       *zap.Logger
	metrics   *metrics.Metrics

	mu         sync.Mutex
	armed      bool
	placeHedge bool
	timer      *time.Timer
}

type CoordinatorParams struct {
	Perp      execution.PerpLeg
	Hedge     *execution.HedgeLeg
	HedgeExec *exec.Executor
	Tactic    execution.Execution
	Timeout   time.Duration
	// IsClosing reports whether the engine is in the closing state, which
	// makes triggered hedge orders reduce-only.
	IsClosing func() bool
	// Release clears the engine's pending-order guard.
	Release func()
}

func NewCoordinator(params CoordinatorParams, log *zap.Logger, m *metrics.Metrics) *Coordinator {
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = defaultFillTimeout
	}
	return &Coordinator{
		perp:      params.Perp,
		hedge:     params.Hedge,
		hedgeExec: params.HedgeExec,
		tactic:    params.Tactic,
		timeout:   timeout,
		isClosing: params.IsClosing,
		release:   params.Release,
		log:       log,
		metrics:   m,
	}
}

// Arm registers a one-shot watch for the next matching perp fill and
// starts the timeout timer. Returns false if a watch is already
// outstanding; the caller must not submit its order in that case.
func (c *Coordinator) Arm(placeHedge bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.armed {
		return false
	}
	c.armed = true
	c.placeHedge = placeHedge
	c.timer = time.AfterFunc(c.timeout, c.handleTimeout)
	return true
}

// Disarm cancels an armed watch without releasing the pending-order
// guard. Used when the order submission that armed the watch fails.
func (c *Coordinator) Disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.armed {
		return
	}
	c.armed = false
	c.timer.Stop()
}

func (c *Coordinator) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

// HandleEvent is invoked by the venue's push feed for every position
// change. Events for other traders or instruments are dropped.
func (c *Coordinator) HandleEvent(ctx context.Context, ev venue.PositionChangedEvent) {
	if ev.Trader != c.perp.Client.WalletAddress() {
		return
	}
	if ev.BaseToken != c.perp.Client.BaseTokenAddress(c.perp.Market) {
		return
	}
	c.mu.Lock()
	if !c.armed {
		c.mu.Unlock()
		return
	}
	// stop the timer before any side effect so a late-firing timeout
	// cannot release the guard while the hedge order is in flight
	c.timer.Stop()
	c.armed = false
	placeHedge := c.placeHedge
	c.mu.Unlock()

	if placeHedge {
		if c.hedge != nil {
			if err := c.placeHedgeOrder(ctx, ev); err != nil {
				c.log.Error("hedge order failed",
					zap.String("market", c.perp.Market.BaseToken),
					zap.Error(err),
				)
				c.metrics.OrdersFailed.Inc()
				c.release()
				return
			}
		}
		c.tactic.OnSuccess()
	} else {
		c.log.Debug("received perp fill for corrective order, noop",
			zap.String("market", c.perp.Market.BaseToken),
		)
	}
	c.release()
}

func (c *Coordinator) placeHedgeOrder(ctx context.Context, ev venue.PositionChangedEvent) error {
	// a negative notional delta means the perp leg went long, so the
	// hedge takes the opposite stance
	hedgeDirection := venue.DirectionFromSignedAmount(ev.ExchangedPositionNotional)
	size := math.Abs(ev.ExchangedPositionSize)
	if info, ok := c.hedge.Client.MarketInfo(c.hedge.Market); ok && info.SizeIncrement > 0 {
		size = math.Floor(size/info.SizeIncrement) * info.SizeIncrement
	}
	c.log.Info("received perp fill, executing hedge order",
		zap.String("market", c.perp.Market.BaseToken),
		zap.String("direction", string(hedgeDirection)),
		zap.Float64("size", size),
	)
	_, err := c.hedgeExec.PlaceOrder(ctx, venue.PlaceOrderRequest{
		Market: c.hedge.Market,
		Side:   venue.SideFromDirection(hedgeDirection),
		Type:   venue.OrderMarket,
		Size:   size,
		ClientOrderID: fmt.Sprintf("hedge-%s-%s", c.perp.Market.BaseToken,
			time.Now().UTC().Format("20060102T150405.000000000Z")),
		ReduceOnly:  c.isClosing(),
		TimeInForce: venue.IOC,
	})
	if err != nil {
		return err
	}
	c.metrics.HedgeOrders.Inc()
	return nil
}

func (c *Coordinator) handleTimeout() {
	c.mu.Lock()
	if !c.armed {
		c.mu.Unlock()
		return
	}
	c.armed = false
	c.mu.Unlock()
	c.log.Warn("pending order timed out",
		zap.String("market", c.perp.Market.BaseToken),
		zap.Duration("timeout", c.timeout),
	)
	c.metrics.FillTimeouts.Inc()
	c.release()
}
