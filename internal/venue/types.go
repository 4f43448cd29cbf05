package venue

// MarketType distinguishes derivative from spot instruments.
type MarketType string

const (
	TypeFuture MarketType = "future"
	TypeSpot   MarketType = "spot"
)

// Exchange identifies a supported trading venue.
type Exchange string

const (
	ExchangePerpV2  Exchange = "perpetual_protocol_v2"
	ExchangeFtx     Exchange = "ftx"
	ExchangeBinance Exchange = "binance"
)

// Market identifies a tradable instrument on a specific venue.
// Immutable once constructed.
type Market struct {
	BaseToken    string
	QuoteToken   string
	Type         MarketType
	ExternalName string
	Exchange     Exchange
}

// Side is a realized order or position direction on either leg.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Direction is the intended stance on a leg, tied to strategy configuration.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// SideFromDirection maps an intended stance to the order side that opens it.
func SideFromDirection(d Direction) Side {
	if d == Long {
		return Buy
	}
	return Sell
}

// SideFromOppositeDirection maps a stance to the order side that offsets it.
func SideFromOppositeDirection(d Direction) Side {
	if d == Long {
		return Sell
	}
	return Buy
}

func DirectionFromSide(s Side) Direction {
	if s == Buy {
		return Long
	}
	return Short
}

// DirectionFromSignedAmount derives a stance from a signed size or notional delta.
func DirectionFromSignedAmount(amount float64) Direction {
	if amount > 0 {
		return Long
	}
	return Short
}

type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

type TimeInForce string

const (
	GTC TimeInForce = "gtc"
	IOC TimeInForce = "ioc"
	FOK TimeInForce = "fok"
)

type OrderStatus string

const (
	OrderNew    OrderStatus = "new"
	OrderOpen   OrderStatus = "open"
	OrderClosed OrderStatus = "closed"
)

// Position is a point-in-time snapshot of one leg. Size is an unsigned
// magnitude; direction is carried by Side. A nil *Position means no
// position, distinct from a zero-size one.
type Position struct {
	Market           Market
	Size             float64
	Side             Side
	EntryPrice       float64
	UnrealizedPnl    float64
	LiquidationPrice float64
}

// Notional is the quote-currency exposure of the position at entry.
func (p *Position) Notional() float64 {
	if p == nil {
		return 0
	}
	return p.Size * p.EntryPrice
}

// SizeAbs returns the position magnitude, tolerating a nil snapshot.
func (p *Position) SizeAbs() float64 {
	if p == nil {
		return 0
	}
	return p.Size
}

type Order struct {
	ID            string
	Market        string
	Side          Side
	Type          OrderType
	Size          float64
	FilledSize    float64
	RemainingSize float64
	Price         float64
	Status        OrderStatus
	ReduceOnly    bool
	TimeInForce   TimeInForce
	PostOnly      bool
	ClientOrderID string
}

type PlaceOrderRequest struct {
	Market      Market
	Side        Side
	Type        OrderType
	Size        float64
	Price       float64
	ReduceOnly  bool
	TimeInForce TimeInForce
	PostOnly    bool
	// SlippageBps caps market-order slippage on venues that support it.
	SlippageBps   float64
	ClientOrderID string
}

// MarketInfo carries venue metadata for an instrument, refreshed on each quote.
type MarketInfo struct {
	TickSize      float64
	MinSize       float64
	SizeIncrement float64
	LastBid       float64
	LastAsk       float64
}

type QuoteRequest struct {
	Market        Market
	OrderNotional float64
	Direction     Direction
}

// Quote is the simulated average fill for a given notional. Used for
// sizing decisions, never for execution.
type Quote struct {
	AveragePrice float64
	OrderSize    float64
}
