package store

import (
	"context"
	"sync"

	"github.com/dbcove/dbcove/pkg/keys"
)

// Handler is invoked once per published message on a subscribed
// channel. Each invocation runs on its own goroutine; there is no
// ordering guarantee across distinct channels.
type Handler func(payload []byte)

// Subscription is a cancellable handle to a channel subscription.
// Delivery is at-most-once per live subscriber connection; messages
// published while the subscriber is disconnected are not replayed.
type Subscription struct {
	channel string
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
	close  func() error
}

// Channel returns the fully-qualified channel name the subscription
// is attached to
func (s *Subscription) Channel() string {
	return s.channel
}

// Cancel stops delivery and releases the subscriber connection. It is
// safe to call more than once.
func (s *Subscription) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	return s.close()
}

// Publish sends a payload to all current subscribers of the namespaced
// channel
func (s *Store) Publish(ctx context.Context, channel string, payload []byte, opts ...keys.Option) error {
	name, err := s.keys.Build(channel, opts...)
	if err != nil {
		return err
	}
	return wrapErr("publish", s.client.Publish(ctx, name, payload).Err())
}

// Subscribe attaches a handler to the namespaced channel and returns a
// cancellable subscription handle. The handler is invoked once per
// published message, each on an independent goroutine.
func (s *Store) Subscribe(ctx context.Context, channel string, handler Handler, opts ...keys.Option) (*Subscription, error) {
	name, err := s.keys.Build(channel, opts...)
	if err != nil {
		return nil, err
	}

	pubsub := s.client.Subscribe(ctx, name)

	// Confirm the subscription before returning so the caller knows
	// delivery has started
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, wrapErr("subscribe", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		channel: name,
		cancel:  cancel,
		close:   pubsub.Close,
	}

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				go handler([]byte(msg.Payload))
			}
		}
	}()

	return sub, nil
}
