// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sluicemq/worker/pkg/channelbroker"
	"github.com/sluicemq/worker/pkg/errs"
	"github.com/sluicemq/worker/pkg/serializer"
	"github.com/sluicemq/worker/pkg/transport"
)

type fakeChannel struct {
	transport.Channel
	active        bool
	notify        chan *transport.CloseError
	published     []publishCall
	confirmResult bool
	confirmErr    error
}

type publishCall struct {
	exchange   string
	routingKey string
	body       []byte
	props      transport.Properties
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{active: true, notify: make(chan *transport.CloseError, 1)}
}

func (f *fakeChannel) ExchangeDeclare(context.Context, transport.Exchange) error { return nil }
func (f *fakeChannel) QueueDeclare(_ context.Context, q transport.Queue) (string, error) {
	return q.Name, nil
}
func (f *fakeChannel) QueueBind(context.Context, string, string, string, transport.Table) error {
	return nil
}
func (f *fakeChannel) Qos(int) error { return nil }
func (f *fakeChannel) Confirm() error { return nil }

func (f *fakeChannel) Publish(_ context.Context, exchange, routingKey string, body []byte, props transport.Properties) error {
	f.published = append(f.published, publishCall{exchange, routingKey, body, props})

	return nil
}

func (f *fakeChannel) PublishWithConfirm(_ context.Context, exchange, routingKey string, body []byte, props transport.Properties) (bool, error) {
	f.published = append(f.published, publishCall{exchange, routingKey, body, props})

	return f.confirmResult, f.confirmErr
}

func (f *fakeChannel) NotifyClose() <-chan *transport.CloseError { return f.notify }
func (f *fakeChannel) Close() error                              { f.active = false; return nil }
func (f *fakeChannel) Active() bool                              { return f.active }

type fakeConn struct {
	transport.Connection
	ch *fakeChannel
}

func (f *fakeConn) Channel(int) (transport.Channel, error) { return f.ch, nil }

func testPublisher(t *testing.T, ch *fakeChannel, opts Options) *Publisher {
	t.Helper()

	cb := channelbroker.New(&fakeConn{ch: ch}, channelbroker.Options{ExchangeName: "events"}, zap.NewNop(), nil)

	return New(cb, opts)
}

func TestPublishUsesDefaultSerializerAndMergesProperties(t *testing.T) {
	ch := newFakeChannel()
	fixedTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	p := testPublisher(t, ch, Options{Clock: func() time.Time { return fixedTime }})

	if err := p.Publish(context.Background(), "orders.created", map[string]string{"id": "1"}, PublishOptions{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(ch.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(ch.published))
	}

	call := ch.published[0]

	if call.exchange != "events" {
		t.Fatalf("expected publish to the main exchange, got %q", call.exchange)
	}

	if call.routingKey != "orders.created" {
		t.Fatalf("got routing key %q", call.routingKey)
	}

	if !call.props.Persistent {
		t.Fatal("expected Persistent always true")
	}

	if call.props.ContentType != "application/json" {
		t.Fatalf("got content-type %q", call.props.ContentType)
	}

	if !call.props.Timestamp.Equal(fixedTime) {
		t.Fatalf("expected the injected clock's time, got %v", call.props.Timestamp)
	}

	if call.props.MessageID == "" {
		t.Fatal("expected a generated message id")
	}
}

func TestPublishMergesCallerAndGlobalPropertiesKeepingPersistent(t *testing.T) {
	ch := newFakeChannel()

	p := testPublisher(t, ch, Options{
		GlobalProperties: StaticProperties(transport.Table{"app_id": "global-app"}),
	})

	err := p.Publish(context.Background(), "orders.created", map[string]string{}, PublishOptions{
		Properties: transport.Properties{CorrelationID: "abc-123"},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	props := ch.published[0].props

	if props.CorrelationID != "abc-123" {
		t.Fatalf("expected caller correlation id preserved, got %q", props.CorrelationID)
	}

	if props.AppID != "global-app" {
		t.Fatalf("expected global app_id applied, got %q", props.AppID)
	}

	if !props.Persistent {
		t.Fatal("Persistent must remain true regardless of overlays")
	}
}

func TestPublishUnknownSerializerFails(t *testing.T) {
	ch := newFakeChannel()
	p := testPublisher(t, ch, Options{})

	err := p.Publish(context.Background(), "orders.created", []byte("x"), PublishOptions{Serializer: "xml"})

	var pubErr *errs.PublishError
	if !errors.As(err, &pubErr) {
		t.Fatalf("expected a PublishError, got %v", err)
	}

	if len(ch.published) != 0 {
		t.Fatal("expected no publish to have happened")
	}
}

func TestPublishIdentitySniffsContentType(t *testing.T) {
	ch := newFakeChannel()
	p := testPublisher(t, ch, Options{})

	if err := p.Publish(context.Background(), "blobs.uploaded", []byte("plain text body"), PublishOptions{Serializer: "identity"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if ch.published[0].props.ContentType == "" {
		t.Fatal("expected the sniffed content-type to be set")
	}
}

func TestPublishWithConfirmSuccess(t *testing.T) {
	ch := newFakeChannel()
	ch.confirmResult = true

	p := testPublisher(t, ch, Options{ForcePublisherConfirms: true})

	if err := p.Publish(context.Background(), "orders.created", map[string]string{}, PublishOptions{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestPublishWithConfirmNegativeFails(t *testing.T) {
	ch := newFakeChannel()
	ch.confirmResult = false

	p := testPublisher(t, ch, Options{ForcePublisherConfirms: true})

	err := p.Publish(context.Background(), "orders.created", map[string]string{}, PublishOptions{})

	var pubErr *errs.PublishError
	if !errors.As(err, &pubErr) {
		t.Fatalf("expected a PublishError on a negative confirm, got %v", err)
	}
}

func TestPublishWaitRoutesToWaitExchangeAndSetsExpiration(t *testing.T) {
	ch := newFakeChannel()
	p := testPublisher(t, ch, Options{})

	if err := p.PublishWait(context.Background(), "orders.retry", map[string]string{}, PublishOptions{Expiration: "5000"}); err != nil {
		t.Fatalf("PublishWait: %v", err)
	}

	call := ch.published[0]

	if call.exchange != "wait.5000" {
		t.Fatalf("expected routed to the per-expiration wait exchange, got %q", call.exchange)
	}

	if call.props.Expiration != "5000" {
		t.Fatalf("expected Expiration property set, got %q", call.props.Expiration)
	}
}

func TestPublishWaitFailsWhenWaitDisabled(t *testing.T) {
	ch := newFakeChannel()

	cb := channelbroker.New(&fakeConn{ch: ch}, channelbroker.Options{ExchangeName: "events", WaitDisabled: true}, zap.NewNop(), nil)
	p := New(cb, Options{})

	err := p.PublishWait(context.Background(), "orders.retry", map[string]string{}, PublishOptions{})

	var pubErr *errs.PublishError
	if !errors.As(err, &pubErr) {
		t.Fatalf("expected a PublishError, got %v", err)
	}
}

func TestPublishResolvesSerializerOverrideFromRegistry(t *testing.T) {
	ch := newFakeChannel()
	registry := serializer.NewRegistry()

	p := testPublisher(t, ch, Options{Serializers: registry})

	if err := p.Publish(context.Background(), "blobs.uploaded", []byte("x"), PublishOptions{Serializer: "identity"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}
