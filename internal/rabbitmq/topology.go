package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding binds a queue to an exchange
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a set of declarations applied together
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// IsEmpty reports whether there is nothing to declare
func (t Topology) IsEmpty() bool {
	return len(t.Exchanges) == 0 && len(t.Queues) == 0 && len(t.Bindings) == 0
}

// TopologyManager declares topology through a channel pool
type TopologyManager struct {
	pool *ChannelPool
}

// NewTopologyManager creates a topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{pool: pool}
}

// Declare declares exchanges, then queues, then bindings
func (tm *TopologyManager) Declare(ctx context.Context, topology Topology) error {
	if topology.IsEmpty() {
		return nil
	}
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		for _, ex := range topology.Exchanges {
			if err := ch.ExchangeDeclare(ex.Name, ex.Type, ex.Durable, ex.AutoDelete, false, false, ex.Arguments); err != nil {
				return &TopologyError{Kind: "exchange", Name: ex.Name, Err: err, Timestamp: time.Now()}
			}
		}
		for _, q := range topology.Queues {
			if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Arguments); err != nil {
				return &TopologyError{Kind: "queue", Name: q.Name, Err: err, Timestamp: time.Now()}
			}
		}
		for _, b := range topology.Bindings {
			if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, b.Arguments); err != nil {
				return &TopologyError{Kind: "binding", Name: b.Queue + "->" + b.Exchange, Err: err, Timestamp: time.Now()}
			}
		}
		return nil
	})
}
