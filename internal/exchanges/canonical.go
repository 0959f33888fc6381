package exchanges

// Canonical names every API the engine talks to, exchanges and data
// providers alike. The canonical is the unit of throttling and of
// per-exchange job resolution.
type Canonical string

const (
	Binance       Canonical = "binance"
	Bybit         Canonical = "bybit"
	Bitget        Canonical = "bitget"
	Kucoin        Canonical = "kucoin"
	Kraken        Canonical = "kraken"
	Taapi         Canonical = "taapi"
	CoinMarketCap Canonical = "coinmarketcap"
	AlternativeMe Canonical = "alternativeme"
)

func All() []Canonical {
	return []Canonical{Binance, Bybit, Bitget, Kucoin, Kraken, Taapi, CoinMarketCap, AlternativeMe}
}

func Valid(c string) bool {
	for _, k := range All() {
		if string(k) == c {
			return true
		}
	}
	return false
}

// TradingExchanges are the canonicals positions can be opened on.
func TradingExchanges() []Canonical {
	return []Canonical{Binance, Bybit, Bitget, Kucoin, Kraken}
}
