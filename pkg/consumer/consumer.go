// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package consumer holds the process-wide consumer registry and the
// Message type handlers receive. The registry is a builder ending in an
// immutable descriptor list; each descriptor carries a factory closure
// that produces a fresh handler per delivery.
package consumer

import (
	"context"
	"fmt"

	"github.com/sluicemq/worker/pkg/errs"
	"github.com/sluicemq/worker/pkg/serializer"
	"github.com/sluicemq/worker/pkg/transport"
)

// Handler processes one decoded Message. A fresh Handler is instantiated
// per delivery by the Descriptor's New closure.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc adapts a plain function into a Handler.
type HandlerFunc func(ctx context.Context, msg *Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error { return f(ctx, msg) }

// Descriptor is the immutable record registered at startup: queue name,
// ordered routing-key patterns, optional serializer override, optional
// queue-declaration arguments, optional consumer group tag, and the
// factory that produces a fresh Handler per delivery.
type Descriptor struct {
	// Type names the consumer for consumer_groups filtering and
	// logging: a group enables exactly the consumers whose Type appears
	// in its configured list.
	Type string

	QueueName   string
	RoutingKeys []string
	Serializer  string // empty = registry default
	QueueArgs   transport.Table
	Group       string

	New func() Handler
}

// Registry is the process-wide list of consumer descriptors, mutated
// only before Worker.Run.
type Registry struct {
	descriptors []Descriptor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add appends a descriptor and returns the receiver, so registration can
// be chained: registry.Add(a).Add(b).Add(c).
func (r *Registry) Add(d Descriptor) *Registry {
	r.descriptors = append(r.descriptors, d)

	return r
}

// Freeze returns a defensive copy of the registered descriptors. Safe to
// call repeatedly; does not mutate the Registry.
func (r *Registry) Freeze() []Descriptor {
	out := make([]Descriptor, len(r.descriptors))
	copy(out, r.descriptors)

	return out
}

// Message is delivery + lazily decoded body. The decoded body is
// produced by the consumer's declared serializer on first call to
// Decode; decode failure is a handler-level error.
type Message struct {
	Delivery   transport.Delivery
	serializer serializer.Serializer
}

// NewMessage wraps a delivery with the serializer that will decode it.
func NewMessage(delivery transport.Delivery, s serializer.Serializer) *Message {
	return &Message{Delivery: delivery, serializer: s}
}

// Body returns the raw payload bytes.
func (m *Message) Body() []byte { return m.Delivery.Body }

// RoutingKey returns the routing key the delivery arrived on.
func (m *Message) RoutingKey() string { return m.Delivery.RoutingKey }

// Decode decodes the body into v using the consumer's serializer. The
// body is decoded only when Decode is called, and afresh on every call;
// no decoded result is cached. A failure is returned wrapped in an
// errs.SerializationError.
func (m *Message) Decode(v interface{}) error {
	if err := m.serializer.Decode(m.Delivery.Body, v); err != nil {
		return fmt.Errorf("decode message body: %w", &errs.SerializationError{Err: err})
	}

	return nil
}
