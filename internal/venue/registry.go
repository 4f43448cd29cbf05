package venue

import (
	"fmt"
	"sync"
)

// Connector implementations register themselves here, database/sql
// driver style, so the bot can be built without linking every venue.
type Factory func() (Client, error)

type PerpFactory func() (PerpClient, error)

var (
	registryMu    sync.RWMutex
	factories     = make(map[Exchange]Factory)
	perpFactories = make(map[Exchange]PerpFactory)
)

func Register(exchange Exchange, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[exchange] = factory
}

func RegisterPerp(exchange Exchange, factory PerpFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	perpFactories[exchange] = factory
}

func NewClient(exchange Exchange) (Client, error) {
	registryMu.RLock()
	factory, ok := factories[exchange]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no client registered for venue %q", exchange)
	}
	return factory()
}

func NewPerpClient(exchange Exchange) (PerpClient, error) {
	registryMu.RLock()
	factory, ok := perpFactories[exchange]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no perp client registered for venue %q", exchange)
	}
	return factory()
}
