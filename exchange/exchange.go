// Package exchange defines the uniform surface adapters implement on
// top of the transport core. Adapters embed Unimplemented so that
// every operation they do not support returns a typed not-supported
// error, and a Core that owns their private limiter, breaker, HTTP
// client and stream manager.
package exchange

import (
	"context"
	"encoding/json"

	exerr "github.com/tradewire/exkit/errors"
	"github.com/tradewire/exkit/wstream"
)

// OrderRequest is the adapter-neutral order submission payload.
// Normalizing it into each exchange's wire format is the adapter's
// job.
type OrderRequest struct {
	Symbol string  `json:"symbol"`
	Side   string  `json:"side"`
	Type   string  `json:"type"`
	Price  float64 `json:"price,omitempty"`
	Amount float64 `json:"amount"`
}

// Exchange is the contract adapters expose. REST operations return the
// exchange's raw JSON payload; streaming operations return a consumer
// of raw stream messages. Operations an adapter does not support
// return a not-supported error, mirrored by its Capabilities flags.
type Exchange interface {
	Name() string
	Capabilities() Capabilities

	FetchMarkets(ctx context.Context) (json.RawMessage, error)
	FetchTicker(ctx context.Context, symbol string) (json.RawMessage, error)
	FetchOrderBook(ctx context.Context, symbol string, limit int) (json.RawMessage, error)
	FetchTrades(ctx context.Context, symbol string, limit int) (json.RawMessage, error)
	FetchBalance(ctx context.Context) (json.RawMessage, error)
	FetchOrder(ctx context.Context, id, symbol string) (json.RawMessage, error)
	CreateOrder(ctx context.Context, req OrderRequest) (json.RawMessage, error)
	CancelOrder(ctx context.Context, id, symbol string) error

	WatchTrades(symbol string) (*wstream.Consumer, error)
	WatchOrderBook(symbol string) (*wstream.Consumer, error)
	WatchOrders() (*wstream.Consumer, error)

	Close() error
}

// Unimplemented returns a not-supported error from every operation.
// Adapters embed it and override the operations they actually
// implement, keeping the interface satisfied as it grows.
type Unimplemented struct {
	// ExchangeName labels the not-supported errors.
	ExchangeName string
}

func (u Unimplemented) notSupported(op string) *exerr.Error {
	return exerr.NotSupported(u.ExchangeName, op)
}

func (u Unimplemented) FetchMarkets(context.Context) (json.RawMessage, error) {
	return nil, u.notSupported("fetchMarkets")
}

func (u Unimplemented) FetchTicker(context.Context, string) (json.RawMessage, error) {
	return nil, u.notSupported("fetchTicker")
}

func (u Unimplemented) FetchOrderBook(context.Context, string, int) (json.RawMessage, error) {
	return nil, u.notSupported("fetchOrderBook")
}

func (u Unimplemented) FetchTrades(context.Context, string, int) (json.RawMessage, error) {
	return nil, u.notSupported("fetchTrades")
}

func (u Unimplemented) FetchBalance(context.Context) (json.RawMessage, error) {
	return nil, u.notSupported("fetchBalance")
}

func (u Unimplemented) FetchOrder(context.Context, string, string) (json.RawMessage, error) {
	return nil, u.notSupported("fetchOrder")
}

func (u Unimplemented) CreateOrder(context.Context, OrderRequest) (json.RawMessage, error) {
	return nil, u.notSupported("createOrder")
}

func (u Unimplemented) CancelOrder(context.Context, string, string) error {
	return u.notSupported("cancelOrder")
}

func (u Unimplemented) WatchTrades(string) (*wstream.Consumer, error) {
	return nil, u.notSupported("watchTrades")
}

func (u Unimplemented) WatchOrderBook(string) (*wstream.Consumer, error) {
	return nil, u.notSupported("watchOrderBook")
}

func (u Unimplemented) WatchOrders() (*wstream.Consumer, error) {
	return nil, u.notSupported("watchOrders")
}
