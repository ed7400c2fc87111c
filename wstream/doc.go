// Package wstream multiplexes logical market-data channels over a
// single websocket connection.
//
// A Manager owns one physical connection. Callers Watch a channel key
// (e.g. "orderbook:BTCUSDC") with the exchange's subscribe message and
// receive a Consumer with its own bounded queue; inbound messages are
// routed by the configured ChannelKey function and fanned out to every
// consumer of the matching channel. Slow consumers lose messages
// rather than stalling the read loop.
//
// When the socket drops the manager reconnects with capped jittered
// backoff and resends every registered subscription. Once the
// reconnect budget is exhausted, every consumer receives a terminal
// stream-terminated error; the next Watch starts a fresh cycle.
//
//	mgr, _ := wstream.New(wstream.Config{
//	    URL: "wss://stream.example.com/ws",
//	    ChannelKey: func(msg []byte) string {
//	        var env struct {
//	            Channel string `json:"channel"`
//	            Symbol  string `json:"symbol"`
//	        }
//	        if json.Unmarshal(msg, &env) != nil {
//	            return ""
//	        }
//	        return env.Channel + ":" + env.Symbol
//	    },
//	})
//
//	c, _ := mgr.Watch("trades:BTCUSDC",
//	    map[string]any{"op": "subscribe", "channel": "trades", "symbol": "BTCUSDC"})
//	for {
//	    msg, err := c.Next(ctx)
//	    ...
//	}
package wstream
