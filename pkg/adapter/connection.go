// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package adapter implements pkg/transport against
// github.com/rabbitmq/amqp091-go. It is the only package in this module
// that imports the AMQP driver directly.
package adapter

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/sluicemq/worker/pkg/transport"
)

// recoveryInterval is the fixed adapter-level reconnect interval.
const recoveryInterval = time.Second

// Connection wraps a single amqp091 connection with automatic recovery.
// It is the process-wide singleton: exactly one is constructed per
// process, by Dial.
type Connection struct {
	mu      sync.RWMutex
	conn    *amqp091.Connection
	url     string
	cfg     amqp091.Config
	closeCh chan struct{}
	notify  chan *transport.CloseError
}

// Dial opens the connection and starts the background recovery loop.
func Dial(uri string, cfg amqp091.Config) (*Connection, error) {
	if _, err := url.Parse(uri); err != nil {
		return nil, fmt.Errorf("parse broker uri: %w", err)
	}

	conn, err := amqp091.DialConfig(uri, cfg)
	if err != nil {
		return nil, fmt.Errorf("dial amqp091: %w", err)
	}

	c := &Connection{
		conn:    conn,
		url:     uri,
		cfg:     cfg,
		closeCh: make(chan struct{}),
		notify:  make(chan *transport.CloseError, 1),
	}

	go c.watch(conn.NotifyClose(make(chan *amqp091.Error, 1)))

	return c, nil
}

// watch observes the live connection's close notification and, on an
// unexpected close, runs the recovery loop at the fixed 1-second
// interval, then re-arms itself against the new connection.
func (c *Connection) watch(notifyCh chan *amqp091.Error) {
	err, ok := <-notifyCh
	if !ok {
		return
	}

	select {
	case <-c.closeCh:
		return
	default:
	}

	c.notify <- closeErrorFrom(err)

	for {
		select {
		case <-c.closeCh:
			return
		case <-time.After(recoveryInterval):
		}

		conn, dialErr := amqp091.DialConfig(c.url, c.cfg)
		if dialErr != nil {
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		go c.watch(conn.NotifyClose(make(chan *amqp091.Error, 1)))

		return
	}
}

func closeErrorFrom(err *amqp091.Error) *transport.CloseError {
	if err == nil {
		return &transport.CloseError{}
	}

	// amqp091.Error carries no class or method id, so ClassID and
	// MethodID are left zero.
	return &transport.CloseError{
		ReplyCode: uint16(err.Code),
		ReplyText: err.Reason,
	}
}

// Channel opens a new Channel handle. poolSize sizes the delivery
// buffer so a full dispatch pool never blocks the adapter's own receive
// loop; the pool itself is realized by the goroutines reading from the
// delivery stream (see pkg/worker).
func (c *Connection) Channel(poolSize int) (transport.Channel, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	return newChannel(ch, poolSize), nil
}

// NotifyClose returns the connection-level close notification channel.
func (c *Connection) NotifyClose() <-chan *transport.CloseError {
	return c.notify
}

// Close closes the underlying connection and stops the recovery loop.
func (c *Connection) Close() error {
	close(c.closeCh)

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if err := conn.Close(); err != nil {
		return fmt.Errorf("close connection: %w", err)
	}

	return nil
}

// Active reports whether the connection is currently open.
func (c *Connection) Active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.conn != nil && !c.conn.IsClosed()
}
