package venue

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Client is the capability surface the engine needs from a trading venue.
// Implementations must enforce the venue minimum order size locally and
// reject undersized requests before any network call.
type Client interface {
	GetPosition(ctx context.Context, market Market) (*Position, error)
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error)
	// ClosePosition flattens the entire remaining position with a market
	// order. Returns nil when there is nothing to close.
	ClosePosition(ctx context.Context, market Market) (*Order, error)
	// Quote simulates walking the book for the given notional.
	Quote(ctx context.Context, req QuoteRequest) (*Quote, error)
	CancelAllOrders(ctx context.Context, market *Market) error
	GetOpenOrders(ctx context.Context, market *Market) ([]Order, error)
	MarketInfo(market Market) (MarketInfo, bool)
}

// PositionChangedEvent is a perp fill notification pushed by the venue.
// Sizes and notionals are signed deltas: a negative notional delta means
// the position moved long.
type PositionChangedEvent struct {
	Trader                    common.Address
	BaseToken                 common.Address
	ExchangedPositionSize     float64
	ExchangedPositionNotional float64
	Fee                       float64
	OpenNotional              float64
	RealizedPnl               float64
}

// PerpClient extends Client with the push fill feed and the identity
// accessors the fill coordinator filters events by.
type PerpClient interface {
	Client
	SubscribePositionChanged(handler func(PositionChangedEvent)) error
	BaseTokenAddress(market Market) common.Address
	WalletAddress() common.Address
}
