// Package eventbus provides the addressable publish/send/request bus that the
// bridge connects to the router.
//
// The bus delivers messages to consumers registered on string addresses:
//   - Send: point-to-point, at most one consumer receives the message
//   - Request: point-to-point with a reply handler and a timeout
//   - Publish: every consumer on the address receives the message
//
// LocalBus is the in-process implementation. It runs a small set of event
// loops; every consumer is pinned to one loop and its handler always runs on
// that loop, so a slow handler delays every other consumer sharing the loop.
// Work that may block is meant to go to a WorkerPool.
//
// Basic usage:
//
//	bus := eventbus.NewLocalBus()
//	defer bus.Close(context.Background())
//
//	sub, _ := bus.Consumer("greetings", func(msg eventbus.Message) {
//	    _ = msg.Reply("hello "+msg.Body().(string), eventbus.DeliveryOptions{})
//	})
//	defer sub.Unregister()
//
//	_ = bus.Request("greetings", "bob", eventbus.DeliveryOptions{}, func(reply eventbus.Message, err error) {
//	    // reply.Body() == "hello bob"
//	})
package eventbus
