// Package stream is the publish/subscribe layer hubmesh routes messages
// through.
//
// Delivery is ordered per topic and at-least-once. Subscriptions are
// represented by a [Handle] that is persisted in a [state.Store], so an
// owner can list its handles after a restart and [Provider.Resume] them
// instead of subscribing again.
package stream

import (
	"context"
	"errors"
)

var (
	ErrClosed        = errors.New("stream: provider is closed")
	ErrUnknownHandle = errors.New("stream: handle does not exist")
	ErrInvalidTopic  = errors.New("stream: topic namespace and key are required")
	ErrInvalidCfg    = errors.New("stream: invalid options")
	ErrPublish       = errors.New("stream: publish failed")
	ErrSubscribe     = errors.New("stream: subscribe failed")
)

// Topic is a named channel. Namespaces group topics of the same kind.
type Topic struct {
	Namespace string `codec:"ns"`
	Key       string `codec:"key"`
}

func (t Topic) String() string {
	return t.Namespace + "/" + t.Key
}

func (t Topic) Validate() error {
	if t.Namespace == "" || t.Key == "" {
		return ErrInvalidTopic
	}
	return nil
}

type Message struct {
	Topic Topic
	// Seq increases strictly within a topic for a given provider epoch.
	Seq  uint64
	Data []byte
}

// Handler consumes a message. Returning an error asks for a redelivery.
type Handler func(ctx context.Context, msg Message) error

// Handle identifies a durable subscription.
type Handle struct {
	ID    string `codec:"id"`
	Topic Topic  `codec:"topic"`
	// Owner is the identity the subscription belongs to, typically an
	// entity key.
	Owner string `codec:"owner"`
	// Epoch names the sequence space LastSeq belongs to. A handle resumed
	// on a provider with a different epoch replays everything retained.
	Epoch string `codec:"epoch,omitempty"`
	// LastSeq is the last acknowledged sequence.
	LastSeq uint64 `codec:"last_seq"`
}

type Provider interface {
	Publish(ctx context.Context, topic Topic, data []byte) error

	// Subscribe registers a new durable subscription. Only messages
	// published after Subscribe returns are guaranteed to be delivered.
	Subscribe(ctx context.Context, topic Topic, owner string, h Handler) (Handle, error)

	// Resume re-attaches h to a persisted handle and replays what the
	// provider still retains past the last acknowledged sequence. Resuming
	// an attached handle swaps its handler.
	Resume(ctx context.Context, handle Handle, h Handler) error

	// Unsubscribe detaches and forgets the handle. It does not wait for an
	// in-flight delivery so it is safe to call from a handler.
	Unsubscribe(ctx context.Context, handle Handle) error

	// Handles lists the persisted handles of owner on topic.
	Handles(ctx context.Context, topic Topic, owner string) ([]Handle, error)

	Close() error
}
