package resolver

import "testing"

type classSet map[string]bool

func (c classSet) Has(class string) bool { return c[class] }

func TestResolvePrefersRegisteredOverride(t *testing.T) {
	reg := classSet{
		"position.place_market_order":       true,
		"position.bybit.place_market_order": true,
	}
	got := Resolve(reg, "position.place_market_order", "bybit")
	if got != "position.bybit.place_market_order" {
		t.Fatalf("Resolve = %q, want bybit override", got)
	}
}

func TestResolveFallsBackToDefault(t *testing.T) {
	reg := classSet{"position.place_market_order": true}
	got := Resolve(reg, "position.place_market_order", "bitget")
	if got != "position.place_market_order" {
		t.Fatalf("Resolve = %q, want default when no override registered", got)
	}
}

func TestResolveEmptyCanonical(t *testing.T) {
	reg := classSet{"position.open": true}
	if got := Resolve(reg, "position.open", ""); got != "position.open" {
		t.Fatalf("Resolve = %q, want default for empty canonical", got)
	}
}

func TestResolveNormalisesCanonicalCase(t *testing.T) {
	reg := classSet{"position.bybit.place_market_order": true}
	got := Resolve(reg, "position.place_market_order", "  Bybit ")
	if got != "position.bybit.place_market_order" {
		t.Fatalf("Resolve = %q, canonical should be trimmed and lowercased", got)
	}
}

// Same inputs, same answer, always.
func TestResolveDeterministic(t *testing.T) {
	reg := classSet{
		"position.place_market_order":       true,
		"position.bybit.place_market_order": true,
	}
	first := Resolve(reg, "position.place_market_order", "bybit")
	for i := 0; i < 100; i++ {
		if got := Resolve(reg, "position.place_market_order", "bybit"); got != first {
			t.Fatalf("Resolve not deterministic: %q then %q", first, got)
		}
	}
}

func TestQualified(t *testing.T) {
	if got := Qualified("position.place_market_order", "bybit"); got != "position.bybit.place_market_order" {
		t.Fatalf("Qualified = %q", got)
	}
	if got := Qualified("noseparator", "bybit"); got != "bybit.noseparator" {
		t.Fatalf("Qualified single-segment = %q", got)
	}
	if got := Qualified("a.b.c.name", "kraken"); got != "a.b.c.kraken.name" {
		t.Fatalf("Qualified deep = %q", got)
	}
}
