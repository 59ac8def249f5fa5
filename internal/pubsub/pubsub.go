// Package pubsub carries room events between the nodes that hold
// connections for a room. A single-node deployment uses Local; several
// nodes share a Redis broker.
package pubsub

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("broker closed")

// Handler receives each payload published to a topic. Handlers for one
// topic are invoked sequentially in publish order.
type Handler func(payload []byte)

type Subscription interface {
	Unsubscribe() error
}

type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
	Close() error
}
