package wstream

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrManagerClosed is returned by Watch after Close.
	ErrManagerClosed = errors.New("wstream: manager closed")
	// ErrConsumerClosed is returned by Next once the consumer has been
	// closed and its buffered messages drained.
	ErrConsumerClosed = errors.New("wstream: consumer closed")
)

// Consumer receives the messages of one logical channel. Multiple
// consumers may watch the same channel; each gets its own buffered
// queue and every message is delivered to all of them.
type Consumer struct {
	id         string
	channelKey string
	mgr        *Manager
	msgs       chan []byte

	mu       sync.Mutex
	terminal error

	closeOnce sync.Once
}

// ChannelKey returns the logical channel this consumer is watching.
func (c *Consumer) ChannelKey() string {
	return c.channelKey
}

// Messages returns the consumer's message channel. The channel is
// closed when the consumer is closed or the stream terminates; check
// Err afterwards to distinguish the two.
func (c *Consumer) Messages() <-chan []byte {
	return c.msgs
}

// Next blocks until a message arrives, the context is done, or the
// consumer reaches a terminal state. Buffered messages are drained
// before the terminal error is reported.
func (c *Consumer) Next(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-c.msgs:
		if !ok {
			return nil, c.closedErr()
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err returns the terminal error, or nil if the consumer was closed
// cleanly or is still live.
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

// Close detaches the consumer from its channel. Other consumers of the
// same channel are unaffected; when the last consumer of a channel
// closes, the manager sends the channel's unsubscribe message if one
// was configured. The physical connection stays up either way.
// Close is idempotent.
func (c *Consumer) Close() {
	c.mgr.removeConsumer(c)
}

func (c *Consumer) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrConsumerClosed
}

// deliver enqueues a message without blocking. Returns false when the
// consumer's queue is full and the message was dropped.
func (c *Consumer) deliver(msg []byte) bool {
	select {
	case c.msgs <- msg:
		return true
	default:
		return false
	}
}

// shutdown records the terminal error (nil for a clean close) and
// closes the message channel. Safe to call more than once.
func (c *Consumer) shutdown(err error) {
	c.mu.Lock()
	if err != nil && c.terminal == nil {
		c.terminal = err
	}
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.msgs) })
}
