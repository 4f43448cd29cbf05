package execution

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"funding-arb-bot/internal/venue"
)

// Request is an executable order proposal. OrderSize is an absolute base
// size, never a notional.
type Request struct {
	OrderSize float64
	Price     float64
}

// Execution decides, on each poll, whether market conditions justify
// placing an order. CanExecute returns nil when conditions are not met.
// OnSuccess is invoked only after the triggered order is confirmed filled.
type Execution interface {
	CanExecute(ctx context.Context) (*Request, error)
	OnSuccess()
	OrderNotional() float64
}

// PerpLeg bundles the perp venue client with the instrument and configured
// stance the tactic quotes against.
type PerpLeg struct {
	Client    venue.PerpClient
	Market    venue.Market
	Direction venue.Direction
}

// HedgeLeg is the offsetting leg. A nil *HedgeLeg means the strategy runs
// unhedged.
type HedgeLeg struct {
	Client    venue.Client
	Market    venue.Market
	Direction venue.Direction
}

// ParsePeriod parses a TWAP window like "30m", "4h" or "1d".
func ParsePeriod(period string) (time.Duration, error) {
	if len(period) < 2 {
		return 0, fmt.Errorf("invalid period %q: expected formats like '30m', '4h', '1d'", period)
	}
	var unit time.Duration
	switch period[len(period)-1] {
	case 'd':
		unit = 24 * time.Hour
	case 'h':
		unit = time.Hour
	case 'm':
		unit = time.Minute
	default:
		return 0, fmt.Errorf("invalid period %q: expected formats like '30m', '4h', '1d'", period)
	}
	n, err := strconv.Atoi(period[:len(period)-1])
	if err != nil {
		return 0, fmt.Errorf("invalid period %q: %q is not a number", period, period[:len(period)-1])
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid period %q: must be positive", period)
	}
	return time.Duration(n) * unit, nil
}

// spreadBps is the signed percentage difference between the short and long
// leg prices, expressed in basis points of the midpoint.
func spreadBps(shortPrice, longPrice float64) float64 {
	mid := (shortPrice + longPrice) / 2
	if mid == 0 {
		return 0
	}
	return (shortPrice - longPrice) / mid * 10000
}
