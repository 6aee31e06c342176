// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package worker binds every enabled consumer to its queue, subscribes,
// dispatches deliveries to fresh handler instances, and feeds the
// resulting ack/nack decisions into the Waiter. Each consumer owns its
// own ChannelBroker, so acks for a channel's deliveries always happen on
// that channel.
package worker

import (
	"context"
	"fmt"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sluicemq/worker/pkg/ackpolicy"
	"github.com/sluicemq/worker/pkg/broker"
	"github.com/sluicemq/worker/pkg/channelbroker"
	"github.com/sluicemq/worker/pkg/config"
	"github.com/sluicemq/worker/pkg/consumer"
	"github.com/sluicemq/worker/pkg/errs"
	"github.com/sluicemq/worker/pkg/reporter"
	"github.com/sluicemq/worker/pkg/serializer"
	"github.com/sluicemq/worker/pkg/transport"
	"github.com/sluicemq/worker/pkg/waiter"
)

// maxConsumerTagLen is the AMQP 0-9-1 shortstr limit a consumer tag is
// encoded into.
const maxConsumerTagLen = 255

// Options configures a Worker.
type Options struct {
	// ConsumerTagPrefix seeds every generated consumer tag:
	// "<prefix>-<uuid>".
	ConsumerTagPrefix string

	// Group selects which descriptors are enabled via ConsumerGroups.
	// Empty means "every registered descriptor is enabled".
	Group          string
	ConsumerGroups map[string][]string

	ChannelOptions channelbroker.Options
	Serializers    *serializer.Registry
	Tracer         Tracer

	AckChains map[string]ackpolicy.Chain // per-descriptor-Type override of the Waiter's default chain

	// Config, when set, is frozen once setup callbacks complete, making
	// the store read-only for the rest of the run.
	Config *config.Store

	Reporters []reporter.Reporter
	Log       *zap.Logger
}

// Worker owns the bound consumers and the pool of goroutines dispatching
// their deliveries.
type Worker struct {
	broker   *broker.Broker
	registry *consumer.Registry
	setupFns []func(*Worker) error
	opts     Options
	waiter   *waiter.Waiter
	log      *zap.Logger

	wg       sync.WaitGroup
	bindings []binding
}

// binding is one enabled, queue-declared, bound consumer ready to
// subscribe.
type binding struct {
	descriptor consumer.Descriptor
	cb         *channelbroker.ChannelBroker
	queueName  string
}

// New constructs a Worker. setup callbacks run once, in registration
// order, after every enabled consumer's queue and bindings are declared
// and before subscriptions start.
func New(b *broker.Broker, registry *consumer.Registry, w *waiter.Waiter, setup []func(*Worker) error, opts Options) *Worker {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}

	if opts.Serializers == nil {
		opts.Serializers = serializer.NewRegistry()
	}

	if opts.Tracer == nil {
		opts.Tracer = NopTracer
	}

	if opts.ConsumerTagPrefix == "" {
		opts.ConsumerTagPrefix = "worker"
	}

	return &Worker{
		broker:   b,
		registry: registry,
		setupFns: setup,
		opts:     opts,
		waiter:   w,
		log:      opts.Log,
	}
}

// Run declares queues and bindings for every enabled consumer, invokes
// every setup callback once in registration order, starts one
// subscription per enabled consumer, then blocks in the Waiter until a
// shutdown signal arrives. On return it drains in-flight handlers and
// closes the connection.
func (w *Worker) Run() error {
	w.waiter.RegisterSignals()

	enabled := filterEnabled(w.registry.Freeze(), w.opts.Group, w.opts.ConsumerGroups, w.log)

	if err := w.setup(enabled); err != nil {
		return err
	}

	for _, fn := range w.setupFns {
		if err := fn(w); err != nil {
			return fmt.Errorf("setup callback: %w", err)
		}
	}

	if w.opts.Config != nil {
		w.opts.Config.Freeze()
	}

	for _, bnd := range w.bindings {
		if err := w.subscribe(bnd); err != nil {
			return fmt.Errorf("subscribe consumer %q: %w", bnd.descriptor.Type, err)
		}
	}

	runErr := w.waiter.Run()

	if err := w.broker.Stop(w.drain); err != nil {
		w.log.Warn("disconnect on shutdown failed", zap.Error(err))
	}

	return runErr
}

// filterEnabled applies consumer-group selection: an empty group enables
// every descriptor; an unknown group enables none (with a warning); a
// known group enables exactly the descriptors whose Type is listed.
func filterEnabled(all []consumer.Descriptor, group string, groups map[string][]string, log *zap.Logger) []consumer.Descriptor {
	if group == "" {
		return all
	}

	allowed, ok := groups[group]
	if !ok {
		log.Warn("unknown consumer group; enabling nothing", zap.String("group", group))

		return nil
	}

	allowedSet := make(map[string]struct{}, len(allowed))
	for _, t := range allowed {
		allowedSet[t] = struct{}{}
	}

	out := make([]consumer.Descriptor, 0, len(allowed))

	for _, d := range all {
		if _, ok := allowedSet[d.Type]; ok {
			out = append(out, d)
		}
	}

	return out
}

// setup opens one ChannelBroker per enabled descriptor, declares its
// queue, and converges its bindings, failing fast on an oversized
// consumer tag.
func (w *Worker) setup(enabled []consumer.Descriptor) error {
	for _, d := range enabled {
		if err := validateConsumerTag(w.opts.ConsumerTagPrefix); err != nil {
			return err
		}

		cb := channelbroker.New(w.broker.Connection(), w.opts.ChannelOptions, w.log, w.opts.Reporters)

		ch, err := cb.Channel()
		if err != nil {
			return fmt.Errorf("open channel for consumer %q: %w", d.Type, err)
		}

		queueName, err := w.broker.DeclareQueue(context.Background(), ch, d.QueueName, d.QueueArgs)
		if err != nil {
			return fmt.Errorf("declare queue for consumer %q: %w", d.Type, err)
		}

		if err := w.broker.BindQueue(context.Background(), ch, queueName, cb.MainExchangeName(), d.RoutingKeys); err != nil {
			return fmt.Errorf("bind queue for consumer %q: %w", d.Type, err)
		}

		w.bindings = append(w.bindings, binding{descriptor: d, cb: cb, queueName: queueName})
	}

	return nil
}

// validateConsumerTag reports a ConfigurationError if even the shortest
// possible generated tag (prefix + "-" + a UUID) would exceed the AMQP
// shortstr limit. The prefix alone determines this since uuid.NewString
// always returns 36 bytes.
func validateConsumerTag(prefix string) error {
	const uuidLen = 36

	if len(prefix)+1+uuidLen > maxConsumerTagLen {
		return &errs.ConfigurationError{Reason: fmt.Sprintf("consumer tag prefix %q too long: generated tags would exceed %d bytes", prefix, maxConsumerTagLen)}
	}

	return nil
}

// subscribe starts the consumer's manual-ack subscription and spawns a
// pool of PoolSize goroutines dispatching its deliveries.
func (w *Worker) subscribe(bnd binding) error {
	ch, err := bnd.cb.Channel()
	if err != nil {
		return err
	}

	tag := fmt.Sprintf("%s-%s", w.opts.ConsumerTagPrefix, uuid.NewString())

	deliveries, err := ch.Consume(bnd.queueName, tag, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	poolSize := w.opts.ChannelOptions.PoolSize
	if poolSize <= 0 {
		poolSize = 1
	}

	for i := 0; i < poolSize; i++ {
		w.wg.Add(1)

		go w.dispatchLoop(bnd, ch, deliveries)
	}

	return nil
}

// dispatchLoop pulls deliveries from one consumer's stream until it
// closes (connection/channel teardown), handling each one and feeding the
// outcome to the Waiter.
func (w *Worker) dispatchLoop(bnd binding, ch transport.Channel, deliveries <-chan transport.Delivery) {
	defer w.wg.Done()

	s, ok := w.opts.Serializers.Resolve(bnd.descriptor.Serializer)
	if !ok {
		s = w.opts.Serializers.Default()
	}

	handler := w.opts.Tracer(consumer.HandlerFunc(func(ctx context.Context, msg *consumer.Message) error {
		return bnd.descriptor.New().Handle(ctx, msg)
	}))

	for delivery := range deliveries {
		w.handleOne(bnd, ch, delivery, s, handler)
	}
}

// handleOne dispatches a single delivery, labelling the goroutine with
// the consumer type and queue so a SIGUSR2 backtrace dump can attribute
// each stack, then enqueues the resulting ack/nack action on the Waiter
// and, on failure, fans the error out to every configured reporter. A
// panic in the handler is contained the same way an error return is;
// with AbortOnException set it is re-raised once the failure has been
// recorded.
func (w *Worker) handleOne(bnd binding, ch transport.Channel, delivery transport.Delivery, s serializer.Serializer, handler consumer.Handler) {
	labels := pprof.Labels("consumer", bnd.descriptor.Type, "queue", bnd.queueName)

	pprof.Do(context.Background(), labels, func(ctx context.Context) {
		msg := consumer.NewMessage(delivery, s)

		panicked, err := invoke(ctx, handler, msg)
		if err != nil {
			err = &errs.HandlerError{DeliveryTag: delivery.DeliveryTag, Consumer: bnd.descriptor.Type, Err: err}
		}

		if err == nil {
			w.waiter.Enqueue(waiter.Action{
				Kind:     waiter.Ack,
				Channel:  ch,
				Delivery: delivery,
				Consumer: bnd.descriptor.Type,
			})

			return
		}

		var chain *ackpolicy.Chain
		if c, ok := w.opts.AckChains[bnd.descriptor.Type]; ok {
			chain = &c
		}

		w.waiter.Enqueue(waiter.Action{
			Kind:     waiter.Nack,
			Channel:  ch,
			Delivery: delivery,
			Cause:    err,
			Consumer: bnd.descriptor.Type,
			Chain:    chain,
		})

		reporter.FanOut(ctx, w.opts.Reporters, reporter.Context{
			Consumer:    bnd.descriptor.Type,
			RoutingKey:  delivery.RoutingKey,
			DeliveryTag: delivery.DeliveryTag,
			Payload:     delivery.Body,
		}, err)

		if panicked && w.opts.ChannelOptions.AbortOnException {
			panic(err)
		}
	})
}

// invoke runs the handler, converting a panic in user code into an
// ordinary error so one bad delivery cannot take down the process.
func invoke(ctx context.Context, handler consumer.Handler, msg *consumer.Message) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return false, handler.Handle(ctx, msg)
}

// drain blocks until every dispatched handler returns or timeout
// elapses, whichever is first. Go cannot force a running goroutine to
// abort, so a timeout here means outstanding handlers are abandoned
// (left running) rather than killed; Stop proceeds to close the
// connection regardless.
func (w *Worker) drain(timeout time.Duration) {
	done := make(chan struct{})

	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		w.log.Warn("graceful exit timeout elapsed; outstanding handlers abandoned")
	}
}
