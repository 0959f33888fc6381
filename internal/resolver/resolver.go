// Package resolver substitutes exchange-specific job classes for defaults.
// Resolution happens once, when a lifecycle emits the step row: the resolved
// token is written into step.class, so the harness never reasons about
// exchanges.
package resolver

import "strings"

// ClassSet answers whether a class token is registered. Satisfied by
// runtime.Registry.
type ClassSet interface {
	Has(class string) bool
}

// Resolve maps a default class token and an exchange canonical to the
// exchange-qualified token if one is registered, else the default. Tokens are
// dotted: "position.place_market_order" resolves to
// "position.bybit.place_market_order" for canonical "bybit".
//
// Resolution is deterministic: same (defaultClass, canonical) pair, same
// answer, for a fixed registry.
func Resolve(reg ClassSet, defaultClass, canonical string) string {
	canonical = strings.ToLower(strings.TrimSpace(canonical))
	if canonical == "" || defaultClass == "" {
		return defaultClass
	}
	qualified := Qualified(defaultClass, canonical)
	if reg != nil && reg.Has(qualified) {
		return qualified
	}
	return defaultClass
}

// Qualified inserts the canonical segment before the final name segment.
func Qualified(defaultClass, canonical string) string {
	idx := strings.LastIndex(defaultClass, ".")
	if idx < 0 {
		return canonical + "." + defaultClass
	}
	return defaultClass[:idx] + "." + canonical + defaultClass[idx:]
}
