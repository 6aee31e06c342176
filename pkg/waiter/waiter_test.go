// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package waiter

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sluicemq/worker/pkg/ackpolicy"
	"github.com/sluicemq/worker/pkg/broker"
	"github.com/sluicemq/worker/pkg/config"
	"github.com/sluicemq/worker/pkg/reporter"
	"github.com/sluicemq/worker/pkg/transport"
)

// fakeChannel is mutated on the Waiter's goroutine and inspected from
// the test goroutine, so every access goes through its mutex.
type fakeChannel struct {
	transport.Channel
	mu       sync.Mutex
	acked    []uint64
	nacked   []uint64
	rejected []uint64
}

func (f *fakeChannel) Ack(tag uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.acked = append(f.acked, tag)

	return nil
}

func (f *fakeChannel) Nack(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nacked = append(f.nacked, tag)

	return nil
}

func (f *fakeChannel) Reject(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rejected = append(f.rejected, tag)

	return nil
}

func (f *fakeChannel) counts() (acked, nacked, rejected []uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]uint64{}, f.acked...), append([]uint64{}, f.nacked...), append([]uint64{}, f.rejected...)
}

type failingAckChannel struct {
	transport.Channel
}

func (failingAckChannel) Ack(uint64) error { return errors.New("broker rejected ack") }

type fakeConn struct {
	transport.Connection
}

func (fakeConn) NotifyClose() <-chan *transport.CloseError { return make(chan *transport.CloseError) }
func (fakeConn) Close() error                              { return nil }
func (fakeConn) Active() bool                              { return true }

// testSignal is a minimal os.Signal so tests can drive Waiter.Run's select
// loop to a clean exit without installing real OS signal handlers.
type testSignal struct{}

func (testSignal) Signal()        {}
func (testSignal) String() string { return "test-signal" }

func testBroker(t *testing.T) *broker.Broker {
	t.Helper()

	dial := func(string) (transport.Connection, error) { return fakeConn{}, nil }

	b, err := broker.Connect(dial, config.BrokerURI{Host: "localhost", Port: 5672, VHost: "/"}, broker.Options{}, zap.NewNop())
	if err != nil {
		t.Fatalf("broker.Connect: %v", err)
	}

	return b
}

// runAndStop starts w.Run in the background, blocks until condition
// reports true (polling, to avoid a race between the enqueued action and
// the shutdown signal landing in the same select iteration), then sends a
// shutdown signal and waits for Run to return.
func runAndStop(t *testing.T, w *Waiter, condition func() bool) {
	t.Helper()

	runErr := make(chan error, 1)
	go func() { runErr <- w.Run() }()

	deadline := time.Now().Add(2 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatal("condition was never satisfied")
		}

		time.Sleep(time.Millisecond)
	}

	w.sigCh <- testSignal{}

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after shutdown signal")
	}
}

func TestWaiterAckEnqueuesAndRunsOnce(t *testing.T) {
	b := testBroker(t)
	ch := &fakeChannel{}

	w := New(b, Options{DefaultChain: ackpolicy.New()}, zap.NewNop())

	w.Enqueue(Action{Kind: Ack, Channel: ch, Delivery: transport.Delivery{DeliveryTag: 9}})

	runAndStop(t, w, func() bool { acked, _, _ := ch.counts(); return len(acked) == 1 })

	acked, _, _ := ch.counts()
	if acked[0] != 9 {
		t.Fatalf("expected delivery 9 acked, got %v", acked)
	}
}

func TestWaiterNackRunsDefaultChain(t *testing.T) {
	b := testBroker(t)
	ch := &fakeChannel{}

	w := New(b, Options{DefaultChain: ackpolicy.New()}, zap.NewNop())

	w.Enqueue(Action{Kind: Nack, Channel: ch, Delivery: transport.Delivery{DeliveryTag: 4}, Cause: errors.New("boom")})

	runAndStop(t, w, func() bool { _, nacked, _ := ch.counts(); return len(nacked) == 1 })

	_, nacked, _ := ch.counts()
	if nacked[0] != 4 {
		t.Fatalf("expected delivery 4 nacked by the default chain, got %v", nacked)
	}
}

func TestWaiterNackHonorsPerActionChainOverride(t *testing.T) {
	b := testBroker(t)
	ch := &fakeChannel{}

	defaultChain := ackpolicy.New() // plain nack
	override := ackpolicy.New(ackpolicy.Requeue(func(error) bool { return true }))

	w := New(b, Options{DefaultChain: defaultChain}, zap.NewNop())

	w.Enqueue(Action{Kind: Nack, Channel: ch, Delivery: transport.Delivery{DeliveryTag: 1}, Cause: errors.New("x"), Chain: &override})

	// The override issues a Reject (requeue), not a Nack.
	runAndStop(t, w, func() bool { _, _, rejected := ch.counts(); return len(rejected) == 1 })

	_, nacked, _ := ch.counts()
	if len(nacked) != 0 {
		t.Fatalf("expected the override chain (requeue) to claim instead of the default nack, got nacked=%v", nacked)
	}
}

func TestWaiterReportsAckFailure(t *testing.T) {
	b := testBroker(t)

	var reported atomic.Bool

	w := New(b, Options{
		DefaultChain: ackpolicy.New(),
		Reporters: []reporter.Reporter{reporter.Func(func(_ context.Context, _ reporter.Context, _ error) {
			reported.Store(true)
		})},
	}, zap.NewNop())

	w.Enqueue(Action{Kind: Ack, Channel: failingAckChannel{}, Delivery: transport.Delivery{DeliveryTag: 1}})

	runAndStop(t, w, reported.Load)
}

var _ os.Signal = testSignal{}
