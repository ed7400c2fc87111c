package exchange

// Capabilities records which operations an adapter supports. Adapters
// publish their flags at construction time so callers can branch on
// support instead of probing for not-supported errors.
type Capabilities struct {
	FetchMarkets   bool `yaml:"fetch_markets" mapstructure:"fetch_markets"`
	FetchTicker    bool `yaml:"fetch_ticker" mapstructure:"fetch_ticker"`
	FetchOrderBook bool `yaml:"fetch_order_book" mapstructure:"fetch_order_book"`
	FetchTrades    bool `yaml:"fetch_trades" mapstructure:"fetch_trades"`
	FetchBalance   bool `yaml:"fetch_balance" mapstructure:"fetch_balance"`
	FetchOrder     bool `yaml:"fetch_order" mapstructure:"fetch_order"`
	CreateOrder    bool `yaml:"create_order" mapstructure:"create_order"`
	CancelOrder    bool `yaml:"cancel_order" mapstructure:"cancel_order"`
	WatchTrades    bool `yaml:"watch_trades" mapstructure:"watch_trades"`
	WatchOrderBook bool `yaml:"watch_order_book" mapstructure:"watch_order_book"`
	WatchOrders    bool `yaml:"watch_orders" mapstructure:"watch_orders"`
}

// Supports reports whether the named operation is flagged. Unknown
// names report false.
func (c Capabilities) Supports(operation string) bool {
	switch operation {
	case "fetchMarkets":
		return c.FetchMarkets
	case "fetchTicker":
		return c.FetchTicker
	case "fetchOrderBook":
		return c.FetchOrderBook
	case "fetchTrades":
		return c.FetchTrades
	case "fetchBalance":
		return c.FetchBalance
	case "fetchOrder":
		return c.FetchOrder
	case "createOrder":
		return c.CreateOrder
	case "cancelOrder":
		return c.CancelOrder
	case "watchTrades":
		return c.WatchTrades
	case "watchOrderBook":
		return c.WatchOrderBook
	case "watchOrders":
		return c.WatchOrders
	default:
		return false
	}
}
