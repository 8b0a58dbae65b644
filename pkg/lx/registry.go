package lx

import (
	"sort"
	"sync"
)

// poolEntry binds a pool to the venue resolved for its type
type poolEntry struct {
	pool   *Pool
	book   *OrderBook
	router *HybridRouter
	venue  venue
}

// Registry owns every book and pool. Its lock guards only the maps; each
// book and pool has its own lock for state.
type Registry struct {
	tokens *TokenRegistry
	books  map[string]*OrderBook
	pools  map[string]*poolEntry
	// order id -> book symbol
	orders map[uint64]string
	mu     sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		tokens: NewTokenRegistry(),
		books:  make(map[string]*OrderBook),
		pools:  make(map[string]*poolEntry),
		orders: make(map[uint64]string),
	}
}

// Tokens returns the token registry
func (r *Registry) Tokens() *TokenRegistry {
	return r.tokens
}

func (r *Registry) book(symbol string) (*OrderBook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ob, ok := r.books[symbol]
	if !ok {
		return nil, newError(KindNotFound, "market %s", symbol)
	}
	return ob, nil
}

// addBook registers ob unless a book for its symbol exists, in which case
// the existing book is returned with false.
func (r *Registry) addBook(ob *OrderBook) (*OrderBook, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.books[ob.Symbol]; ok {
		return existing, false
	}
	r.books[ob.Symbol] = ob
	return ob, true
}

func (r *Registry) pool(id string) (*poolEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.pools[id]
	if !ok {
		return nil, newError(KindNotFound, "pool %s", id)
	}
	return e, nil
}

// addPool registers e; a pool for the same pair in either order is a conflict
func (r *Registry) addPool(e *poolEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, b := e.pool.TokenA.Symbol, e.pool.TokenB.Symbol
	for _, id := range []string{PairID(a, b), PairID(b, a)} {
		if _, ok := r.pools[id]; ok {
			return newError(KindPoolAlreadyExists, "pool %s", id)
		}
	}
	r.pools[e.pool.ID] = e
	return nil
}

func (r *Registry) bindOrder(id uint64, symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[id] = symbol
}

func (r *Registry) unbindOrder(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.orders, id)
}

func (r *Registry) orderBook(id uint64) (*OrderBook, error) {
	r.mu.RLock()
	symbol, ok := r.orders[id]
	ob := r.books[symbol]
	r.mu.RUnlock()
	if !ok || ob == nil {
		return nil, newError(KindNotFound, "order %d", id)
	}
	return ob, nil
}

func (r *Registry) bookList() []*OrderBook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*OrderBook, 0, len(r.books))
	for _, ob := range r.books {
		out = append(out, ob)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (r *Registry) poolList() []*poolEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*poolEntry, 0, len(r.pools))
	for _, e := range r.pools {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].pool.ID < out[j].pool.ID })
	return out
}
