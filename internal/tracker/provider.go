package tracker

import (
	"context"
	"sync"

	"github.com/roach88/pulse/internal/event"
)

// Provider supplies platform or device entities merged into every event.
type Provider interface {
	Entities(ctx context.Context) []event.Entity
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) []event.Entity

// Entities implements Provider.
func (f ProviderFunc) Entities(ctx context.Context) []event.Entity {
	return f(ctx)
}

// StaticProvider always returns the same entities.
type StaticProvider []event.Entity

// Entities implements Provider.
func (p StaticProvider) Entities(context.Context) []event.Entity {
	return entitiesCopy(p)
}

// AsyncProvider resolves its entities once in the background, for
// attributes that are slow to fetch (advertising ids, geolocation).
// Until resolution completes it contributes nothing; Done is closed when
// it has.
type AsyncProvider struct {
	done     chan struct{}
	mu       sync.RWMutex
	entities []event.Entity
}

// NewAsyncProvider starts resolve on its own goroutine.
func NewAsyncProvider(ctx context.Context, resolve func(ctx context.Context) []event.Entity) *AsyncProvider {
	p := &AsyncProvider{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		entities := resolve(ctx)
		p.mu.Lock()
		p.entities = entitiesCopy(entities)
		p.mu.Unlock()
	}()
	return p
}

// Done is closed once the entities are resolved.
func (p *AsyncProvider) Done() <-chan struct{} {
	return p.done
}

// Entities implements Provider.
func (p *AsyncProvider) Entities(context.Context) []event.Entity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return entitiesCopy(p.entities)
}

// entitiesCopy returns owned copies of entities.
func entitiesCopy(in []event.Entity) []event.Entity {
	if len(in) == 0 {
		return nil
	}
	out := make([]event.Entity, len(in))
	for i, e := range in {
		out[i] = e.Copy()
	}
	return out
}
