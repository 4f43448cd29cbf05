package exec

import (
	"context"
	"errors"
	"sync"

	"funding-arb-bot/internal/state"
	"funding-arb-bot/internal/venue"

	"go.uber.org/zap"
)

// Executor wraps a venue client with client-order-id idempotency: a
// request that carries a ClientOrderID already seen in this process or in
// the persisted store is not submitted again.
type Executor struct {
	client venue.Client
	store  state.Store
	log    *zap.Logger

	mu    sync.Mutex
	cache map[string]string
}

func New(client venue.Client, store state.Store, log *zap.Logger) *Executor {
	return &Executor{
		client: client,
		store:  store,
		log:    log,
		cache:  make(map[string]string),
	}
}

func (e *Executor) PlaceOrder(ctx context.Context, req venue.PlaceOrderRequest) (*venue.Order, error) {
	if req.ClientOrderID == "" {
		return e.place(ctx, req)
	}
	cacheKey := "cloid:" + req.ClientOrderID
	e.mu.Lock()
	if oid, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return &venue.Order{ID: oid, ClientOrderID: req.ClientOrderID}, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		if oid, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return nil, err
		} else if ok {
			e.mu.Lock()
			e.cache[cacheKey] = oid
			e.mu.Unlock()
			return &venue.Order{ID: oid, ClientOrderID: req.ClientOrderID}, nil
		}
	}
	order, err := e.place(ctx, req)
	if err != nil {
		return nil, err
	}
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, order.ID); err != nil {
			e.log.Warn("failed to persist order id", zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = order.ID
	e.mu.Unlock()
	return order, nil
}

func (e *Executor) ClosePosition(ctx context.Context, market venue.Market) (*venue.Order, error) {
	return e.client.ClosePosition(ctx, market)
}

func (e *Executor) CancelAllOrders(ctx context.Context, market *venue.Market) error {
	return e.client.CancelAllOrders(ctx, market)
}

func (e *Executor) place(ctx context.Context, req venue.PlaceOrderRequest) (*venue.Order, error) {
	order, err := e.client.PlaceOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	if order == nil || order.ID == "" {
		return nil, errors.New("empty order id")
	}
	return order, nil
}
