// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package publisher publishes to the main exchange with a fixed
// property-merge order, optional publisher confirms, and routing of
// delayed messages to the correct wait exchange by expiration.
package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sluicemq/worker/pkg/channelbroker"
	"github.com/sluicemq/worker/pkg/errs"
	"github.com/sluicemq/worker/pkg/serializer"
	"github.com/sluicemq/worker/pkg/transport"
)

// GlobalProperties supplies the process-wide properties merged into
// every publish, either as a static map or a zero-arg function evaluated
// at each call.
type GlobalProperties func() transport.Table

// StaticProperties adapts a fixed map into a GlobalProperties.
func StaticProperties(t transport.Table) GlobalProperties {
	return func() transport.Table { return t }
}

// Clock supplies the timestamp property at publish time; overridable in
// tests.
type Clock func() time.Time

// Options configures a Publisher.
type Options struct {
	Serializers            *serializer.Registry
	GlobalProperties       GlobalProperties
	Clock                  Clock
	ForcePublisherConfirms bool
	ConfirmTimeout         time.Duration
}

// PublishOptions overrides the per-call behavior of Publish/PublishWait.
type PublishOptions struct {
	Serializer string // empty = registry default
	Properties transport.Properties
	// Expiration, for PublishWait only, is the stringified millisecond
	// TTL selecting the wait exchange; empty selects the default fanout
	// wait exchange.
	Expiration string
}

// Publisher publishes to the main exchange (Publish) or a wait exchange
// (PublishWait). It may be called from any thread; channel acquisition
// goes through the ChannelBroker on every call.
type Publisher struct {
	cb   *channelbroker.ChannelBroker
	opts Options
}

// New constructs a Publisher bound to cb. cb's main exchange is the
// publish target for Publish; its wait exchanges back PublishWait.
func New(cb *channelbroker.ChannelBroker, opts Options) *Publisher {
	if opts.Serializers == nil {
		opts.Serializers = serializer.NewRegistry()
	}

	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 5 * time.Second
	}

	return &Publisher{cb: cb, opts: opts}
}

// Publish selects the serializer, encodes body, merges properties, and
// publishes to the main topic exchange. Failure to have an open
// connection fails fast with PublishError before encoding.
func (p *Publisher) Publish(ctx context.Context, routingKey string, body interface{}, opts PublishOptions) error {
	return p.publish(ctx, routingKey, body, opts, "")
}

// PublishWait is Publish routed to the wait exchange matching
// opts.Expiration (declared on demand if it does not exist yet);
// publishing without a configured wait exchange is an error.
func (p *Publisher) PublishWait(ctx context.Context, routingKey string, body interface{}, opts PublishOptions) error {
	exchangeName, err := p.cb.WaitExchange(opts.Expiration)
	if err != nil {
		return &errs.PublishError{Reason: "resolve wait exchange", Err: err}
	}

	opts.Properties.Expiration = opts.Expiration

	return p.publish(ctx, routingKey, body, opts, exchangeName)
}

func (p *Publisher) publish(ctx context.Context, routingKey string, body interface{}, opts PublishOptions, exchangeOverride string) error {
	ch, err := p.cb.Channel()
	if err != nil {
		return &errs.PublishError{Reason: "no open connection", Err: err}
	}

	s, ok := p.resolveSerializer(opts.Serializer)
	if !ok {
		return &errs.PublishError{Reason: fmt.Sprintf("unknown serializer %q", opts.Serializer)}
	}

	encoded, err := s.Encode(body)
	if err != nil {
		return &errs.PublishError{Reason: "encode body", Err: &errs.SerializationError{Err: err}}
	}

	props := p.mergeProperties(s, encoded, opts.Properties)

	exchange := exchangeOverride
	if exchange == "" {
		exchange = p.cb.MainExchangeName()
	}

	if p.opts.ForcePublisherConfirms {
		confirmCtx, cancel := context.WithTimeout(ctx, p.opts.ConfirmTimeout)
		defer cancel()

		ok, err := ch.PublishWithConfirm(confirmCtx, exchange, routingKey, encoded, props)
		if err != nil {
			return &errs.PublishError{Reason: "publish with confirm", Err: err}
		}

		if !ok {
			return &errs.PublishError{Reason: "broker returned a negative confirm"}
		}

		return nil
	}

	if err := ch.Publish(ctx, exchange, routingKey, encoded, props); err != nil {
		return &errs.PublishError{Reason: "publish", Err: err}
	}

	return nil
}

func (p *Publisher) resolveSerializer(name string) (serializer.Serializer, bool) {
	if name == "" {
		return p.opts.Serializers.Default(), true
	}

	return p.opts.Serializers.Resolve(name)
}

// mergeProperties applies the fixed merge order: later overrides
// earlier.
//
//  1. {persistent: true}
//  2. caller properties
//  3. process-wide global properties
//  4. non-overridable {routing_key is implicit in Publish's exchange
//     call, timestamp, content_type} derived from the serializer and
//     the clock
func (p *Publisher) mergeProperties(s serializer.Serializer, encoded []byte, caller transport.Properties) transport.Properties {
	props := transport.Properties{Persistent: true}

	props = overlay(props, caller)

	if p.opts.GlobalProperties != nil {
		props = overlayTable(props, p.opts.GlobalProperties())
	}

	props.Persistent = true

	contentType := s.ContentType()
	if contentType == "" {
		contentType = serializer.Sniff(encoded)
	}

	props.ContentType = contentType
	props.Timestamp = p.opts.Clock()

	if props.MessageID == "" {
		props.MessageID = uuid.NewString()
	}

	return props
}

// overlay copies every non-zero field of src onto dst and returns dst.
func overlay(dst, src transport.Properties) transport.Properties {
	if src.MessageID != "" {
		dst.MessageID = src.MessageID
	}

	if !src.Timestamp.IsZero() {
		dst.Timestamp = src.Timestamp
	}

	if src.ContentType != "" {
		dst.ContentType = src.ContentType
	}

	if src.Expiration != "" {
		dst.Expiration = src.Expiration
	}

	if src.CorrelationID != "" {
		dst.CorrelationID = src.CorrelationID
	}

	if src.AppID != "" {
		dst.AppID = src.AppID
	}

	if src.Headers != nil {
		dst.Headers = src.Headers
	}

	// Persistent is always true; the caller cannot un-set it via
	// overlay.
	return dst
}

// overlayTable applies global properties, keyed by the Properties field
// names a process might set via config: merged headers and app_id.
func overlayTable(dst transport.Properties, globals transport.Table) transport.Properties {
	if globals == nil {
		return dst
	}

	if h, ok := globals["headers"].(transport.Table); ok {
		merged := make(transport.Table, len(dst.Headers)+len(h))
		for k, v := range dst.Headers {
			merged[k] = v
		}

		for k, v := range h {
			merged[k] = v
		}

		dst.Headers = merged
	}

	if appID, ok := globals["app_id"].(string); ok && appID != "" {
		dst.AppID = appID
	}

	return dst
}
