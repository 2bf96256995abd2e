// Package bridge connects an event bus to a router in both directions.
//
// An inbound mapping consumes a router endpoint and forwards every exchange
// to a bus address, either as a send, a publish or a request whose reply
// becomes the exchange output. An outbound mapping consumes a bus address and
// hands every message to the producer of a router endpoint, answering the
// sender with the exchange result when a reply is expected.
//
// Basic usage:
//
//	cfg := bridge.NewConfig(rctx).
//	    AddInboundMapping(bridge.FromRouter("direct:orders").ToBus("orders")).
//	    AddOutboundMapping(bridge.FromBus("audit").ToRouter("stream:out"))
//
//	b, err := bridge.New(bus, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// units are attached once the router context has started
//	if err := rctx.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	if err := b.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer b.Stop(ctx)
//
// Mappings are copied when the bridge is created; changing a mapping
// afterwards has no effect on a running bridge.
package bridge
