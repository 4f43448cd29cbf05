package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	PollTicks           Counter
	OrdersPlaced        Counter
	OrdersFailed        Counter
	HedgeOrders         Counter
	Corrections         Counter
	FillTimeouts        Counter
	WrongDirectionHalts Counter
	EnginesCompleted    Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		PollTicks:           n,
		OrdersPlaced:        n,
		OrdersFailed:        n,
		HedgeOrders:         n,
		Corrections:         n,
		FillTimeouts:        n,
		WrongDirectionHalts: n,
		EnginesCompleted:    n,
	}
}
