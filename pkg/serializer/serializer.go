// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package serializer encodes and decodes message bodies. JSON is the
// default; Identity passes opaque bytes through unchanged, leaving the
// publisher to sniff the real MIME type from the payload.
package serializer

import (
	"encoding/json"
	"fmt"

	"github.com/gabriel-vasile/mimetype"
)

// Serializer encodes and decodes message bodies and declares the
// content-type and binary-ness of what it produces.
type Serializer interface {
	// Name identifies this serializer for registry lookups and the
	// per-consumer/per-publish override mechanism.
	Name() string

	// ContentType is the AMQP content-type this serializer sets on
	// publish. An empty string means "sniff the encoded body instead"
	// (see Identity below).
	ContentType() string

	// Binary reports whether the encoded payload is binary (as opposed
	// to a text encoding such as JSON).
	Binary() bool

	// Encode produces the wire body for v.
	Encode(v interface{}) ([]byte, error)

	// Decode populates v from the wire body. Decode failure is a
	// handler-level error on the consume side.
	Decode(body []byte, v interface{}) error
}

// JSON is the default serializer: application/json via encoding/json.
type JSON struct{}

func (JSON) Name() string        { return "json" }
func (JSON) ContentType() string { return "application/json" }
func (JSON) Binary() bool        { return false }

func (JSON) Encode(v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}

	return body, nil
}

func (JSON) Decode(body []byte, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}

	return nil
}

// Identity passes []byte bodies through unchanged. Encode requires v to
// be []byte or *[]byte and Decode requires *[]byte; anything else is a
// programmer error reported as SerializationError by the caller. ContentType is left empty
// so the publisher sniffs the real MIME type from the payload.
type Identity struct{}

func (Identity) Name() string        { return "identity" }
func (Identity) ContentType() string { return "" }
func (Identity) Binary() bool        { return true }

// Sniff returns the MIME content-type of body, used by the publisher when
// the selected serializer declares no fixed content-type.
func Sniff(body []byte) string {
	return mimetype.Detect(body).String()
}

func (Identity) Encode(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	default:
		return nil, fmt.Errorf("identity serializer requires []byte, got %T", v)
	}
}

func (Identity) Decode(body []byte, v interface{}) error {
	dst, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("identity serializer requires *[]byte, got %T", v)
	}

	*dst = body

	return nil
}

// Registry is a process-wide, name-keyed set of serializers. A fresh
// Registry is empty; NewRegistry seeds it with the two built-ins.
type Registry struct {
	byName map[string]Serializer
	def    Serializer
}

// NewRegistry returns a Registry pre-populated with JSON (the default)
// and Identity.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Serializer, 2)}
	r.Register(JSON{})
	r.Register(Identity{})
	r.def = JSON{}

	return r
}

// Register adds or replaces a serializer under its own Name().
func (r *Registry) Register(s Serializer) {
	r.byName[s.Name()] = s
}

// SetDefault changes which registered serializer Default returns.
func (r *Registry) SetDefault(name string) bool {
	s, ok := r.byName[name]
	if !ok {
		return false
	}

	r.def = s

	return true
}

// Default returns the configured default serializer.
func (r *Registry) Default() Serializer {
	return r.def
}

// Resolve looks up a serializer by name.
func (r *Registry) Resolve(name string) (Serializer, bool) {
	s, ok := r.byName[name]

	return s, ok
}
