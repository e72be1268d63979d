// Package asset holds the exchange's asset configuration. The registry is
// constructed once at startup and injected into every engine; there is no
// package-level asset list.
package asset

import "sort"

// Registry answers which assets the exchange trades, which string is the
// base currency, and which is the native chain coin.
type Registry struct {
	base     string
	coin     string
	tradable map[string]struct{}
}

// NewRegistry builds a registry. baseCurrency is what buy orders lock,
// nativeCoin is the chain's own coin (used for withdrawal fees and
// coin-class deposits). Both may also appear in tradable.
func NewRegistry(baseCurrency, nativeCoin string, tradable []string) *Registry {
	set := make(map[string]struct{}, len(tradable))
	for _, a := range tradable {
		set[a] = struct{}{}
	}
	return &Registry{base: baseCurrency, coin: nativeCoin, tradable: set}
}

func (r *Registry) BaseCurrency() string { return r.base }

func (r *Registry) NativeCoin() string { return r.coin }

// IsTradable reports whether asset may appear in orders.
func (r *Registry) IsTradable(a string) bool {
	_, ok := r.tradable[a]
	return ok
}

// IsKnown reports whether asset is tradable, the base currency, or the coin.
func (r *Registry) IsKnown(a string) bool {
	return a == r.base || a == r.coin || r.IsTradable(a)
}

// Tradable returns the tradable assets in a stable order.
func (r *Registry) Tradable() []string {
	out := make([]string, 0, len(r.tradable))
	for a := range r.tradable {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
