// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package waiter is the signal + action multiplexer: the single place
// where acks are serialised and where shutdown is decided. A trampoline
// (os/signal.Notify) writes a token (the os.Signal value) to a channel,
// and the main loop selects that channel together with the action
// channel, so ack/nack traffic and shutdown share one serialisation
// point.
package waiter

import (
	"bytes"
	"context"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"

	"go.uber.org/zap"

	"github.com/sluicemq/worker/pkg/ackpolicy"
	"github.com/sluicemq/worker/pkg/broker"
	"github.com/sluicemq/worker/pkg/reporter"
	"github.com/sluicemq/worker/pkg/transport"
)

// ActionKind is ack or nack.
type ActionKind int

const (
	// Ack claims successful handling.
	Ack ActionKind = iota
	// Nack claims handler failure; the error-acknowledgement chain
	// decides the broker call.
	Nack
)

// Action is produced on pool threads and consumed on the main thread.
// The Channel field carries the owning channel explicitly, so every
// ack/nack lands on the channel that received the delivery without any
// goroutine-local lookup.
type Action struct {
	Kind     ActionKind
	Channel  transport.Channel
	Delivery transport.Delivery
	Cause    error // set when Kind == Nack
	Consumer string
	// Chain, when set, overrides Options.DefaultChain for this one Nack
	// action, giving a single consumer its own error-ack policy.
	Chain *ackpolicy.Chain
}

// Options configures a Waiter.
type Options struct {
	// DefaultChain is walked for every Nack action whose descriptor did
	// not supply its own chain.
	DefaultChain ackpolicy.Chain
	Reporters    []reporter.Reporter
	// ActionQueueCapacity bounds the in-memory action queue. In steady
	// state prefetch bounds the number of outstanding actions anyway; a
	// generous fixed capacity keeps memory bounded without ever
	// back-pressuring a well-configured deployment.
	ActionQueueCapacity int
}

// Waiter owns the signal and action channels and the main-thread-affine
// select loop.
type Waiter struct {
	broker *broker.Broker
	opts   Options
	log    *zap.Logger

	sigCh    chan os.Signal
	actionCh chan Action
}

// New constructs a Waiter. Run must be called from the process's main
// thread.
func New(b *broker.Broker, opts Options, log *zap.Logger) *Waiter {
	if log == nil {
		log = zap.NewNop()
	}

	capacity := opts.ActionQueueCapacity
	if capacity <= 0 {
		capacity = 4096
	}

	return &Waiter{
		broker:   b,
		opts:     opts,
		log:      log,
		sigCh:    make(chan os.Signal, 8),
		actionCh: make(chan Action, capacity),
	}
}

// RegisterSignals installs the trampolines for QUIT, TERM, INT
// (shutdown) and USR2 (thread-backtrace dump). Safe to call once, before
// Run.
func (w *Waiter) RegisterSignals() {
	sigs := []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR2}
	if runtime.GOOS != "windows" {
		sigs = append(sigs, syscall.SIGQUIT)
	}

	signal.Notify(w.sigCh, sigs...)
}

// Enqueue pushes an action from a pool thread. It blocks if the action
// queue is full, providing natural backpressure on handler throughput.
func (w *Waiter) Enqueue(a Action) {
	w.actionCh <- a
}

// Actions exposes the pending-action queue for introspection: callers
// outside the select loop (tests, queue-depth metrics) can inspect or
// drain it without running Run.
func (w *Waiter) Actions() <-chan Action {
	return w.actionCh
}

// Run blocks in the select loop until a shutdown signal arrives, then
// returns nil. It never
// returns a non-nil error for an orderly shutdown; errors from
// individual ack/nack operations are reported, not returned, because a
// single failed ack must not stop the loop from continuing to drain
// other actions.
func (w *Waiter) Run() error {
	for {
		select {
		case sig := <-w.sigCh:
			switch sig {
			case syscall.SIGUSR2:
				w.dumpBacktraces()
			default:
				w.log.Info("shutdown signal received", zap.String("signal", sig.String()))

				return nil
			}
		case act := <-w.actionCh:
			w.handle(act)
		}
	}
}

func (w *Waiter) handle(act Action) {
	ctx := context.Background()

	switch act.Kind {
	case Ack:
		if err := w.broker.Ack(act.Channel, act.Delivery.DeliveryTag); err != nil {
			w.report(ctx, act, err)
		}
	case Nack:
		chain := w.opts.DefaultChain
		if act.Chain != nil {
			chain = *act.Chain
		}

		if err := chain.Run(ctx, act.Channel, act.Delivery, act.Cause); err != nil {
			w.report(ctx, act, err)
		}
	}
}

func (w *Waiter) report(ctx context.Context, act Action, err error) {
	reporter.FanOut(ctx, w.opts.Reporters, reporter.Context{
		Consumer:    act.Consumer,
		RoutingKey:  act.Delivery.RoutingKey,
		DeliveryTag: act.Delivery.DeliveryTag,
		Payload:     act.Delivery.Body,
	}, err)
}

// dumpBacktraces logs every live goroutine's stack, including the
// pprof.Labels a dispatching worker attaches (consumer type, queue), so
// each stack in the dump is labelled rather than anonymous.
func (w *Waiter) dumpBacktraces() {
	var buf bytes.Buffer

	if err := pprof.Lookup("goroutine").WriteTo(&buf, 2); err != nil {
		w.log.Warn("thread backtrace dump failed", zap.Error(err))

		return
	}

	w.log.Info("thread backtrace dump", zap.Int("goroutines", runtime.NumGoroutine()), zap.String("stacks", buf.String()))
}
