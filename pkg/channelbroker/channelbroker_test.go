// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package channelbroker

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/sluicemq/worker/pkg/errs"
	"github.com/sluicemq/worker/pkg/transport"
)

type fakeChannel struct {
	transport.Channel
	declaredExchanges []transport.Exchange
	declaredQueues    []transport.Queue
	bound             []string
	active            bool
	notify            chan *transport.CloseError
	declareErr        error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{active: true, notify: make(chan *transport.CloseError, 1)}
}

func (f *fakeChannel) ExchangeDeclare(_ context.Context, ex transport.Exchange) error {
	if f.declareErr != nil {
		return f.declareErr
	}

	f.declaredExchanges = append(f.declaredExchanges, ex)

	return nil
}

func (f *fakeChannel) QueueDeclare(_ context.Context, q transport.Queue) (string, error) {
	f.declaredQueues = append(f.declaredQueues, q)

	return q.Name, nil
}

func (f *fakeChannel) QueueBind(_ context.Context, queue, exchange, routingKey string, _ transport.Table) error {
	f.bound = append(f.bound, queue+"/"+exchange+"/"+routingKey)

	return nil
}

func (f *fakeChannel) Qos(int) error { return nil }

func (f *fakeChannel) Confirm() error { return nil }

func (f *fakeChannel) NotifyClose() <-chan *transport.CloseError { return f.notify }

func (f *fakeChannel) Close() error { f.active = false; return nil }

func (f *fakeChannel) Active() bool { return f.active }

type fakeConn struct {
	transport.Connection
	channels []*fakeChannel
	nextErr  error
}

func (f *fakeConn) Channel(int) (transport.Channel, error) {
	if f.nextErr != nil {
		err := f.nextErr
		f.nextErr = nil

		return nil, err
	}

	ch := newFakeChannel()
	f.channels = append(f.channels, ch)

	return ch, nil
}

func TestChannelOpensAndDeclaresMainExchangeOnce(t *testing.T) {
	conn := &fakeConn{}
	cb := New(conn, Options{ExchangeName: "events"}, zap.NewNop(), nil)

	ch1, err := cb.Channel()
	if err != nil {
		t.Fatalf("Channel: %v", err)
	}

	ch2, err := cb.Channel()
	if err != nil {
		t.Fatalf("Channel: %v", err)
	}

	if ch1 != ch2 {
		t.Fatal("expected the same channel to be reused while active")
	}

	if len(conn.channels) != 1 {
		t.Fatalf("expected exactly 1 underlying channel opened, got %d", len(conn.channels))
	}

	if len(conn.channels[0].declaredExchanges) != 1 {
		t.Fatalf("expected the main exchange declared exactly once, got %d", len(conn.channels[0].declaredExchanges))
	}
}

func TestChannelReopensWhenInactive(t *testing.T) {
	conn := &fakeConn{}
	cb := New(conn, Options{ExchangeName: "events"}, zap.NewNop(), nil)

	ch1, err := cb.Channel()
	if err != nil {
		t.Fatalf("Channel: %v", err)
	}

	ch1.(*fakeChannel).active = false

	ch2, err := cb.Channel()
	if err != nil {
		t.Fatalf("Channel: %v", err)
	}

	if ch1 == ch2 {
		t.Fatal("expected a fresh channel once the old one is inactive")
	}

	if len(conn.channels) != 2 {
		t.Fatalf("expected 2 underlying channels opened, got %d", len(conn.channels))
	}
}

func TestDeclareMainExchangeWrapsPreconditionFailure(t *testing.T) {
	fc := newFakeChannel()
	fc.declareErr = &transport.PreconditionFailedError{CloseError: &transport.CloseError{ReplyCode: 406, ReplyText: "inequivalent arg", ClassID: 40, MethodID: 10}}

	conn := &singleChannelConn{ch: fc}
	cb := New(conn, Options{ExchangeName: "events"}, zap.NewNop(), nil)

	_, err := cb.Channel()

	var preErr *errs.PreconditionError
	if !errors.As(err, &preErr) {
		t.Fatalf("expected a PreconditionError, got %v", err)
	}

	if preErr.ReplyCode != 406 || preErr.ClassID != 40 || preErr.MethodID != 10 {
		t.Fatalf("expected the close-frame fields carried through, got %+v", preErr)
	}
}

type singleChannelConn struct {
	transport.Connection
	ch *fakeChannel
}

func (s *singleChannelConn) Channel(int) (transport.Channel, error) { return s.ch, nil }

func TestWaitExchangeDisabled(t *testing.T) {
	conn := &fakeConn{}
	cb := New(conn, Options{ExchangeName: "events", WaitDisabled: true}, zap.NewNop(), nil)

	_, err := cb.WaitExchange("")

	var cfgErr *errs.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected a ConfigurationError when wait is disabled, got %v", err)
	}
}

func TestWaitExchangeDeclaresAndCaches(t *testing.T) {
	conn := &fakeConn{}
	cb := New(conn, Options{ExchangeName: "events"}, zap.NewNop(), nil)

	name1, err := cb.WaitExchange("5000")
	if err != nil {
		t.Fatalf("WaitExchange: %v", err)
	}

	name2, err := cb.WaitExchange("5000")
	if err != nil {
		t.Fatalf("WaitExchange: %v", err)
	}

	if name1 != name2 {
		t.Fatalf("expected the same wait exchange name on repeat calls, got %q and %q", name1, name2)
	}

	ch := conn.channels[0]
	if len(ch.declaredExchanges) != 2 { // main + wait
		t.Fatalf("expected main + wait exchange declared, got %d declares", len(ch.declaredExchanges))
	}

	if len(ch.declaredQueues) != 1 {
		t.Fatalf("expected exactly 1 wait queue declared on repeat calls, got %d", len(ch.declaredQueues))
	}
}

func TestWaitExchangeDefaultDiffersFromPerExpiration(t *testing.T) {
	conn := &fakeConn{}
	cb := New(conn, Options{ExchangeName: "events"}, zap.NewNop(), nil)

	def, err := cb.WaitExchange("")
	if err != nil {
		t.Fatalf("WaitExchange: %v", err)
	}

	scoped, err := cb.WaitExchange("30000")
	if err != nil {
		t.Fatalf("WaitExchange: %v", err)
	}

	if def == scoped {
		t.Fatalf("expected distinct default and per-expiration wait exchanges, both were %q", def)
	}
}
