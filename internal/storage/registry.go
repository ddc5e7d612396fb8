package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ExecutorFactory builds an Executor for a Config.
type ExecutorFactory func(ctx context.Context, cfg Config) (Executor, error)

// StoreFactory builds a Store for a Config.
type StoreFactory func(ctx context.Context, cfg Config) (Store, error)

var (
	regMu     sync.RWMutex
	executors = map[string]ExecutorFactory{}
	stores    = map[string]StoreFactory{}
)

// RegisterExecutor registers an execution backend under kind (e.g. "postgres").
//
// When to use:
//   - Call RegisterExecutor from an init() function in a backend package.
//
// Panics:
//   - If kind is empty, f is nil, or kind is already registered. Duplicate
//     registration fails fast instead of making backend selection ambiguous.
func RegisterExecutor(kind string, f ExecutorFactory) {
	regMu.Lock()
	defer regMu.Unlock()

	if kind == "" {
		panic("storage: RegisterExecutor called with empty kind")
	}
	if f == nil {
		panic("storage: RegisterExecutor called with nil factory")
	}
	if _, exists := executors[kind]; exists {
		panic(fmt.Sprintf("storage: executor already registered for kind=%q", kind))
	}
	executors[kind] = f
}

// RegisterStore registers a session store backend under kind.
//
// Panics under the same conditions as RegisterExecutor.
func RegisterStore(kind string, f StoreFactory) {
	regMu.Lock()
	defer regMu.Unlock()

	if kind == "" {
		panic("storage: RegisterStore called with empty kind")
	}
	if f == nil {
		panic("storage: RegisterStore called with nil factory")
	}
	if _, exists := stores[kind]; exists {
		panic(fmt.Sprintf("storage: store already registered for kind=%q", kind))
	}
	stores[kind] = f
}

// NewExecutor constructs the Executor registered for cfg.Kind.
//
// Errors:
//   - ErrUnknownKind (wrapped) if cfg.Kind is empty or not registered.
//   - Whatever the backend factory returns.
func NewExecutor(ctx context.Context, cfg Config) (Executor, error) {
	regMu.RLock()
	f := executors[cfg.Kind]
	regMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("executor kind=%q: %w", cfg.Kind, ErrUnknownKind)
	}
	return f(ctx, cfg)
}

// NewStore constructs the Store registered for cfg.Kind.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	regMu.RLock()
	f := stores[cfg.Kind]
	regMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("store kind=%q: %w", cfg.Kind, ErrUnknownKind)
	}
	return f(ctx, cfg)
}

// ExecutorKinds lists the registered executor kinds, sorted.
func ExecutorKinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	return sortedKinds(executors)
}

// StoreKinds lists the registered store kinds, sorted.
func StoreKinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	return sortedKinds(stores)
}

func sortedKinds[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
