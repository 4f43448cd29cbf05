package execution

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"funding-arb-bot/internal/venue"

	"go.uber.org/zap"
)

// Twap splits the target notional into equal clips spread evenly over a
// configured window. The pacing timestamp advances only on confirmed
// fills, so a slow or failed fill delays the next clip instead of
// compounding.
type Twap struct {
	perp          PerpLeg
	hedge         *HedgeLeg
	orderNotional float64
	interval      time.Duration
	hideSize      bool
	log           *zap.Logger

	last      time.Time
	now       func() time.Time
	randFloat func() float64
}

type TwapParams struct {
	Perp          PerpLeg
	Hedge         *HedgeLeg
	TotalNotional float64
	Parts         int
	Period        string
	HideSize      bool
}

func NewTwap(params TwapParams, log *zap.Logger) (*Twap, error) {
	if params.Parts <= 0 {
		return nil, errors.New("twap parts must be > 0")
	}
	if params.TotalNotional <= 0 {
		return nil, errors.New("twap total notional must be > 0")
	}
	period, err := ParsePeriod(params.Period)
	if err != nil {
		return nil, err
	}
	return &Twap{
		perp:          params.Perp,
		hedge:         params.Hedge,
		orderNotional: params.TotalNotional / float64(params.Parts),
		interval:      period / time.Duration(params.Parts),
		hideSize:      params.HideSize,
		log:           log,
		now:           time.Now,
		randFloat:     rand.Float64,
	}, nil
}

func (t *Twap) OrderNotional() float64 {
	return t.orderNotional
}

func (t *Twap) CanExecute(ctx context.Context) (*Request, error) {
	if !t.last.IsZero() {
		if elapsed := t.now().Sub(t.last); elapsed < t.interval {
			t.log.Debug("twap waiting",
				zap.String("market", t.perp.Market.BaseToken),
				zap.Duration("remaining", t.interval-elapsed),
			)
			return nil, nil
		}
	}
	desiredNotional := t.orderNotional
	if t.hideSize {
		desiredNotional *= 0.9 + 0.2*t.randFloat()
	}
	quote, err := t.perp.Client.Quote(ctx, venue.QuoteRequest{
		Market:        t.perp.Market,
		OrderNotional: desiredNotional,
		Direction:     t.perp.Direction,
	})
	if err != nil {
		return nil, fmt.Errorf("perp quote: %w", err)
	}
	if t.hedge != nil {
		if info, ok := t.hedge.Client.MarketInfo(t.hedge.Market); ok {
			if quote.OrderSize < info.MinSize {
				t.log.Info("order size below hedge market minimum",
					zap.String("market", t.perp.Market.BaseToken),
					zap.Float64("order_size", quote.OrderSize),
					zap.Float64("min_size", info.MinSize),
				)
				return nil, nil
			}
		}
	}
	return &Request{
		OrderSize: desiredNotional / quote.AveragePrice,
		Price:     quote.AveragePrice,
	}, nil
}

// OnSuccess records the fill time that paces the next clip.
func (t *Twap) OnSuccess() {
	t.last = t.now()
}
