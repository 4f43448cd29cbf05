package engine

import (
	"fmt"
	"math"

	"funding-arb-bot/internal/venue"
)

type PositionState string

const (
	PositionValid          PositionState = "VALID"
	PositionUnbalanced     PositionState = "UNBALANCED"
	PositionWrongDirection PositionState = "WRONG_DIRECTION"
)

// Validity classifies a pair of position snapshots. Message is empty for
// PositionValid.
type Validity struct {
	State   PositionState
	Message string
}

type ValidateParams struct {
	Perp           *venue.Position
	Hedge          *venue.Position
	PerpDirection  venue.Direction
	HedgeDirection venue.Direction
	CloseOnly      bool
	// AcceptableDifference is the tolerated notional gap between the two
	// legs, in absolute quote-currency units.
	AcceptableDifference float64
	// HedgeMinSize suppresses the unbalanced classification when the
	// implied corrective size could not be traded on the hedge venue.
	// Zero disables the guard.
	HedgeMinSize float64
}

// Validate compares two fresh position snapshots against the configured
// direction and balance invariants. Pure: no I/O, no mutation; the first
// matching rule wins.
func Validate(p ValidateParams) Validity {
	if p.Perp != nil && p.Hedge == nil {
		return Validity{PositionUnbalanced, "perp position is open but hedge is not"}
	}
	if p.Perp == nil && p.Hedge != nil {
		return Validity{PositionUnbalanced, "hedge position is open but perp is not"}
	}
	if p.Perp == nil && p.Hedge == nil {
		return Validity{State: PositionValid}
	}

	perpDir := venue.DirectionFromSide(p.Perp.Side)
	hedgeDir := venue.DirectionFromSide(p.Hedge.Side)
	// the two legs must always be opposite: it is a hedge
	if perpDir == venue.Long && p.Hedge.Side == venue.Buy {
		return Validity{PositionWrongDirection, "both perp and hedge are long"}
	}
	if perpDir == venue.Short && p.Hedge.Side == venue.Sell {
		return Validity{PositionWrongDirection, "both perp and hedge are short"}
	}

	if !p.CloseOnly {
		if perpDir != p.PerpDirection {
			return Validity{PositionWrongDirection, fmt.Sprintf(
				"perp position is %s but expected direction is %s", perpDir, p.PerpDirection)}
		}
		if hedgeDir != p.HedgeDirection {
			return Validity{PositionWrongDirection, fmt.Sprintf(
				"hedge position is %s but expected direction is %s", hedgeDir, p.HedgeDirection)}
		}
	} else {
		// closing orders run opposite to the held position; a matching
		// side means the book has not flipped into closing orientation
		if perpDir == p.PerpDirection {
			return Validity{PositionWrongDirection, fmt.Sprintf(
				"perp position is %s and direction is also %s, closing direction should be opposite", perpDir, p.PerpDirection)}
		}
		if hedgeDir == p.HedgeDirection {
			return Validity{PositionWrongDirection, fmt.Sprintf(
				"hedge position is %s and direction is also %s, closing direction should be opposite", hedgeDir, p.HedgeDirection)}
		}
	}

	// compare both legs at the hedge entry price so size drift is not
	// masked by entry price divergence
	perpNotional := p.Perp.Size * p.Hedge.EntryPrice
	hedgeNotional := p.Hedge.Size * p.Hedge.EntryPrice
	if diff := math.Abs(perpNotional - hedgeNotional); diff > p.AcceptableDifference {
		sizeDiff := math.Abs(p.Perp.Size - p.Hedge.Size)
		if p.HedgeMinSize <= 0 || sizeDiff >= p.HedgeMinSize {
			return Validity{PositionUnbalanced, fmt.Sprintf(
				"perp size %v, hedge size %v", p.Perp.Size, p.Hedge.Size)}
		}
	}

	return Validity{State: PositionValid}
}
