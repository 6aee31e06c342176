// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package transport normalises AMQP client differences behind a small set
// of interfaces. Every other package in this module talks to a broker only
// through Connection, Channel, and Delivery; pkg/adapter is the only place
// that imports an AMQP driver directly.
package transport

import (
	"context"
	"fmt"
	"time"
)

// Exchange describes an exchange declaration. It is a value type, not a
// live handle: declaring the same Exchange twice must be idempotent.
type Exchange struct {
	Name       string
	Kind       string // "topic", "fanout", "direct", "headers"
	Durable    bool
	AutoDelete bool
	Internal   bool
	Args       Table
}

// Queue describes a queue declaration.
type Queue struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       Table
}

// Table is a generic AMQP argument/header map, kept independent of the
// concrete driver's table type so pkg/transport never imports one.
type Table map[string]interface{}

// Properties carries the message metadata the core reads and writes.
// It mirrors the AMQP 0-9-1 basic properties this system actually uses.
type Properties struct {
	MessageID     string
	Timestamp     time.Time
	ContentType   string
	Expiration    string // stringified milliseconds, empty if unset
	Persistent    bool
	Headers       Table
	CorrelationID string
	AppID         string
}

// Delivery is a transient record bound to one received message. It is
// produced by Channel.Consume and consumed exactly once by a handler.
type Delivery struct {
	RoutingKey  string
	Exchange    string
	DeliveryTag uint64
	Redelivered bool
	Body        []byte
	Properties  Properties
}

// CloseError carries the AMQP close-frame fields a reporter needs.
type CloseError struct {
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
}

func (e *CloseError) Error() string {
	return e.ReplyText
}

// PreconditionFailedError wraps an AMQP 406 response to a declare call:
// the entity exists already with incompatible arguments. Adapters
// returning this from ExchangeDeclare/QueueDeclare let callers tell a
// precondition failure apart from any other declare error without
// depending on the underlying driver's error type.
type PreconditionFailedError struct {
	*CloseError
}

func (e *PreconditionFailedError) Error() string {
	return fmt.Sprintf("precondition failed (406): %s", e.CloseError.Error())
}

func (e *PreconditionFailedError) Unwrap() error { return e.CloseError }

// Channel is a single AMQP channel: single-writer, never shared across
// worker threads.
type Channel interface {
	// ExchangeDeclare idempotently declares an exchange.
	ExchangeDeclare(ctx context.Context, ex Exchange) error

	// QueueDeclare idempotently declares a durable queue and returns its
	// broker-assigned name (equal to q.Name unless the name was empty).
	QueueDeclare(ctx context.Context, q Queue) (string, error)

	// QueueBind binds routingKey on queue to exchange.
	QueueBind(ctx context.Context, queue, exchange, routingKey string, args Table) error

	// QueueUnbind removes a single binding.
	QueueUnbind(ctx context.Context, queue, exchange, routingKey string, args Table) error

	// Qos sets the channel prefetch count. A count of 0 means unlimited.
	Qos(prefetchCount int) error

	// Confirm puts the channel into publisher-confirm mode.
	Confirm() error

	// Publish sends a message to exchange with routingKey.
	Publish(ctx context.Context, exchange, routingKey string, body []byte, props Properties) error

	// PublishWithConfirm is like Publish but blocks until the broker
	// acknowledges the message or ctx is done, returning false on a
	// negative confirm.
	PublishWithConfirm(ctx context.Context, exchange, routingKey string, body []byte, props Properties) (bool, error)

	// Consume starts a manual-ack subscription identified by consumerTag
	// and returns the stream of deliveries.
	Consume(queue, consumerTag string, args Table) (<-chan Delivery, error)

	// Ack, Nack and Reject operate on a delivery tag received on this
	// channel. Ack/nack traffic for a delivery must stay on the channel
	// that produced it.
	Ack(tag uint64) error
	Nack(tag uint64, requeue bool) error
	Reject(tag uint64, requeue bool) error

	// NotifyClose returns a channel that receives at most one CloseError
	// when this Channel is closed by the broker or the client.
	NotifyClose() <-chan *CloseError

	// Close releases the channel.
	Close() error

	// Active reports whether the channel is open.
	Active() bool
}

// Connection is the process-wide singleton: at most one open per process,
// shared across every Channel it opens.
type Connection interface {
	// Channel opens a new Channel with the given consumer-pool size:
	// the number of dispatch goroutines the channel's owner runs, used
	// to size delivery buffering.
	Channel(poolSize int) (Channel, error)

	// NotifyClose returns a channel that fires when the connection is
	// closed by the broker or the client.
	NotifyClose() <-chan *CloseError

	// Close closes the connection. Draining in-flight handlers is the
	// caller's job (see Broker.Stop); Close does not wait for them.
	Close() error

	// Active reports whether the connection is open.
	Active() bool
}
