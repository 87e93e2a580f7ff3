package balancer

import (
	"sync"

	"github.com/dantte-lp/attp/internal/nsdispatch"
)

// Cacher is the storage a Strategy uses to keep state across Balance calls
// (spec §4.11). The reference Strategy, RoundRobin, uses Increment to keep
// a shared counter.
type Cacher interface {
	Store(key string, value any)
	Get(key string) (any, bool)
	Increment(key string, delta, initial int64) int64
	Keys() []string
}

// MemoryCacher is an in-memory Cacher; every operation serializes under
// one exclusive lock.
type MemoryCacher struct {
	mu   sync.Mutex
	data map[string]any
}

// NewMemoryCacher creates an empty MemoryCacher.
func NewMemoryCacher() *MemoryCacher {
	return &MemoryCacher{data: make(map[string]any)}
}

func (c *MemoryCacher) Store(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

func (c *MemoryCacher) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

// Increment adds delta to the int64 stored at key (seeding it with initial
// if absent), stores, and returns the new value.
func (c *MemoryCacher) Increment(key string, delta, initial int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.data[key].(int64)
	if !ok {
		current = initial
	}
	next := current + delta
	c.data[key] = next
	return next
}

func (c *MemoryCacher) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	return keys
}

// Strategy picks one of candidates given a default (spec §4.11). Balance
// should fall back to returning defaultCandidate on any internal error
// rather than propagating it — a misbehaving strategy must not fail a
// send outright.
type Strategy interface {
	Name() string
	Balance(defaultCandidate nsdispatch.Session, candidates []nsdispatch.Session, cacher Cacher) nsdispatch.Session
}

// RoundRobin is the reference strategy (spec §4.11): it advances a shared
// counter in the cacher and picks candidates[(counter-1) mod len]. Any
// empty candidate set falls back to defaultCandidate.
type RoundRobin struct{}

func (RoundRobin) Name() string { return "round-robin" }

func (RoundRobin) Balance(defaultCandidate nsdispatch.Session, candidates []nsdispatch.Session, cacher Cacher) nsdispatch.Session {
	total := int64(len(candidates))
	if total <= 0 {
		return defaultCandidate
	}
	counter := cacher.Increment("round_robin_index", 1, 0)
	index := (counter - 1) % total
	if index < 0 {
		index += total
	}
	return candidates[index]
}

// Evaluator resolves the configured strategy name to a Strategy instance,
// caching it on first use (spec §4.11 StrategyEvaluator).
type Evaluator struct {
	mu            sync.Mutex
	cacher        Cacher
	configured    string
	available     map[string]Strategy
	resolved      Strategy
}

// NewEvaluator builds an Evaluator that will use the strategy named
// configuredName out of strategies, sharing cacher across Balance calls.
func NewEvaluator(cacher Cacher, configuredName string, strategies ...Strategy) *Evaluator {
	available := make(map[string]Strategy, len(strategies))
	for _, s := range strategies {
		available[s.Name()] = s
	}
	return &Evaluator{
		cacher:     cacher,
		configured: configuredName,
		available:  available,
	}
}

// Evaluate resolves the configured Strategy (once) and delegates to it.
func (e *Evaluator) Evaluate(defaultCandidate nsdispatch.Session, candidates []nsdispatch.Session) (nsdispatch.Session, error) {
	e.mu.Lock()
	strategy := e.resolved
	if strategy == nil {
		var ok bool
		strategy, ok = e.available[e.configured]
		if !ok {
			e.mu.Unlock()
			return nil, &ErrUnknownStrategy{Name: e.configured}
		}
		e.resolved = strategy
	}
	e.mu.Unlock()

	return strategy.Balance(defaultCandidate, candidates, e.cacher), nil
}
