// Package rabbitmq is the AMQP plumbing behind the rabbitmq router component.
//
// ConnectionManager keeps one connection alive and reconnects with backoff,
// ChannelPool hands out channels on top of it, Consumer turns queue
// deliveries into handler calls with ack/nack, Publisher publishes with
// publisher confirms and TopologyManager declares queues, exchanges and
// bindings the endpoints rely on.
package rabbitmq
