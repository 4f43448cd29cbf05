// Package paper provides an in-memory venue client for dry runs and
// tests. Market orders fill immediately at the quoted price and perp
// fills are pushed through the same position-changed path a live
// connector would use.
package paper

import (
	"context"
	"fmt"
	"math"
	"sync"

	"funding-arb-bot/internal/venue"

	"github.com/ethereum/go-ethereum/common"
)

type MarketParams struct {
	Info venue.MarketInfo
	Bid  float64
	Ask  float64
}

type book struct {
	params MarketParams
	// signed base size: positive long, negative short
	size       float64
	entryPrice float64
}

type Client struct {
	wallet common.Address

	mu       sync.Mutex
	books    map[string]*book
	orderSeq int
	handlers []func(venue.PositionChangedEvent)
}

func New(wallet common.Address) *Client {
	return &Client{wallet: wallet, books: make(map[string]*book)}
}

func (c *Client) SetMarket(market venue.Market, params MarketParams) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.books[market.ExternalName]
	if b == nil {
		b = &book{}
		c.books[market.ExternalName] = b
	}
	b.params = params
}

func (c *Client) SetPrices(market venue.Market, bid, ask float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b := c.books[market.ExternalName]; b != nil {
		b.params.Bid = bid
		b.params.Ask = ask
		b.params.Info.LastBid = bid
		b.params.Info.LastAsk = ask
	}
}

func (c *Client) GetPosition(_ context.Context, market venue.Market) (*venue.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.book(market)
	if err != nil {
		return nil, err
	}
	if b.size == 0 {
		return nil, nil
	}
	side := venue.Buy
	if b.size < 0 {
		side = venue.Sell
	}
	return &venue.Position{
		Market:     market,
		Size:       math.Abs(b.size),
		Side:       side,
		EntryPrice: b.entryPrice,
	}, nil
}

func (c *Client) PlaceOrder(_ context.Context, req venue.PlaceOrderRequest) (*venue.Order, error) {
	c.mu.Lock()
	b, err := c.book(req.Market)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if req.Size <= 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("order size must be > 0, got %v", req.Size)
	}
	if min := b.params.Info.MinSize; min > 0 && req.Size < min {
		c.mu.Unlock()
		return nil, fmt.Errorf("order size %v below market minimum %v", req.Size, min)
	}
	if req.Type == venue.OrderLimit && req.Price <= 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("limit order requires a price")
	}
	price := b.params.Ask
	if req.Side == venue.Sell {
		price = b.params.Bid
	}
	if req.Type == venue.OrderLimit {
		price = req.Price
	}
	events := c.fill(b, req.Market, req.Side, req.Size, price, req.ReduceOnly)
	handlers := make([]func(venue.PositionChangedEvent), len(c.handlers))
	copy(handlers, c.handlers)
	c.orderSeq++
	order := &venue.Order{
		ID:            fmt.Sprintf("paper-%d", c.orderSeq),
		Market:        req.Market.ExternalName,
		Side:          req.Side,
		Type:          req.Type,
		Size:          req.Size,
		FilledSize:    req.Size,
		Price:         price,
		Status:        venue.OrderClosed,
		ReduceOnly:    req.ReduceOnly,
		TimeInForce:   req.TimeInForce,
		ClientOrderID: req.ClientOrderID,
	}
	c.mu.Unlock()
	// dispatch outside the lock so a handler may place the hedge order
	// on this same client
	for _, event := range events {
		for _, handler := range handlers {
			handler(event)
		}
	}
	return order, nil
}

func (c *Client) ClosePosition(ctx context.Context, market venue.Market) (*venue.Order, error) {
	c.mu.Lock()
	b, err := c.book(market)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	size := math.Abs(b.size)
	side := venue.Sell
	if b.size < 0 {
		side = venue.Buy
	}
	c.mu.Unlock()
	if size == 0 {
		return nil, nil
	}
	return c.PlaceOrder(ctx, venue.PlaceOrderRequest{
		Market:      market,
		Side:        side,
		Type:        venue.OrderMarket,
		Size:        size,
		ReduceOnly:  true,
		TimeInForce: venue.IOC,
	})
}

func (c *Client) Quote(_ context.Context, req venue.QuoteRequest) (*venue.Quote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.book(req.Market)
	if err != nil {
		return nil, err
	}
	price := b.params.Ask
	if req.Direction == venue.Short {
		price = b.params.Bid
	}
	if price <= 0 {
		return nil, fmt.Errorf("no liquidity for %s", req.Market.ExternalName)
	}
	b.params.Info.LastBid = b.params.Bid
	b.params.Info.LastAsk = b.params.Ask
	return &venue.Quote{
		AveragePrice: price,
		OrderSize:    req.OrderNotional / price,
	}, nil
}

func (c *Client) CancelAllOrders(context.Context, *venue.Market) error {
	return nil
}

func (c *Client) GetOpenOrders(context.Context, *venue.Market) ([]venue.Order, error) {
	return nil, nil
}

func (c *Client) MarketInfo(market venue.Market) (venue.MarketInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.books[market.ExternalName]
	if !ok {
		return venue.MarketInfo{}, false
	}
	return b.params.Info, true
}

func (c *Client) SubscribePositionChanged(handler func(venue.PositionChangedEvent)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
	return nil
}

func (c *Client) BaseTokenAddress(market venue.Market) common.Address {
	return common.BytesToAddress([]byte(market.BaseToken))
}

func (c *Client) WalletAddress() common.Address {
	return c.wallet
}

func (c *Client) book(market venue.Market) (*book, error) {
	b, ok := c.books[market.ExternalName]
	if !ok {
		return nil, fmt.Errorf("unknown market %q", market.ExternalName)
	}
	return b, nil
}

// fill nets the order into the book position and builds the resulting
// fill event. Caller holds the lock; events are emitted after release.
func (c *Client) fill(b *book, market venue.Market, side venue.Side, size, price float64, reduceOnly bool) []venue.PositionChangedEvent {
	delta := size
	if side == venue.Sell {
		delta = -size
	}
	if reduceOnly {
		// clamp so a reduce-only order can never flip the position
		if b.size > 0 && delta < -b.size {
			delta = -b.size
		}
		if b.size < 0 && delta > -b.size {
			delta = -b.size
		}
		if b.size == 0 {
			delta = 0
		}
	}
	if delta == 0 {
		return nil
	}
	newSize := b.size + delta
	switch {
	case b.size == 0 || (b.size > 0) == (delta > 0):
		// extend: volume-weight the entry
		total := math.Abs(b.size) + math.Abs(delta)
		b.entryPrice = (b.entryPrice*math.Abs(b.size) + price*math.Abs(delta)) / total
	case newSize == 0:
		b.entryPrice = 0
	case (newSize > 0) != (b.size > 0):
		// flipped through zero: the remainder opens at the fill price
		b.entryPrice = price
	}
	b.size = newSize
	// a positive size delta consumes quote currency, so the notional
	// delta carries the opposite sign
	return []venue.PositionChangedEvent{{
		Trader:                    c.wallet,
		BaseToken:                 c.BaseTokenAddress(market),
		ExchangedPositionSize:     delta,
		ExchangedPositionNotional: -delta * price,
		OpenNotional:              -b.size * b.entryPrice,
	}}
}
