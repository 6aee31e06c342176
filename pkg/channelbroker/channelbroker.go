// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package channelbroker holds per-worker-thread channel state: one
// long-lived owned channel per worker thread, the main topic exchange it
// declares, and the wait-exchange family backing delayed delivery.
package channelbroker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sluicemq/worker/pkg/errs"
	"github.com/sluicemq/worker/pkg/reporter"
	"github.com/sluicemq/worker/pkg/transport"
)

// Options configures a ChannelBroker. ExchangeArgs is merged onto the
// durable=true main exchange declaration the caller cannot override.
type Options struct {
	ExchangeName string
	ExchangeArgs transport.Table
	PoolSize     int

	// AbortOnException re-raises a handler panic after the failure has
	// been recorded (nack enqueued, reporters notified), terminating
	// the process instead of containing the panic.
	AbortOnException bool

	Prefetch                int
	PublisherConfirms       bool
	ForcePublisherConfirms  bool
	DefaultWaitExchangeName string
	DefaultWaitQueueName    string
	// WaitQueueNameFor, when set, derives a wait-queue name from an
	// expiration suffix; otherwise "<DefaultWaitQueueName>.<suffix>" is
	// used.
	WaitQueueNameFor func(suffix string) string
	// WaitDisabled, when true, makes WaitExchange always fail: delayed
	// publishing without a configured wait exchange is an error.
	WaitDisabled bool
}

// waitExchange is one declared fanout exchange + its single bound queue.
type waitExchange struct {
	exchangeName string
	queueName    string
}

// ChannelBroker owns exactly one channel on behalf of one worker thread.
// Invariant: all ack/nack operations for deliveries received on this
// channel happen on this channel; it is never shared across worker
// threads.
type ChannelBroker struct {
	conn      transport.Connection
	opts      Options
	log       *zap.Logger
	reporters []reporter.Reporter

	mu            sync.Mutex
	channel       transport.Channel
	defaultWait   *waitExchange
	perExpiration map[string]*waitExchange
}

// New constructs a ChannelBroker bound to conn. The channel itself is not
// opened until the first call that needs it (Channel, WaitExchange).
func New(conn transport.Connection, opts Options, log *zap.Logger, reporters []reporter.Reporter) *ChannelBroker {
	if opts.DefaultWaitExchangeName == "" {
		opts.DefaultWaitExchangeName = "wait"
	}

	if opts.DefaultWaitQueueName == "" {
		opts.DefaultWaitQueueName = "wait"
	}

	return &ChannelBroker{
		conn:          conn,
		opts:          opts,
		log:           log,
		reporters:     reporters,
		perExpiration: make(map[string]*waitExchange),
	}
}

// Active is true iff a channel is held and the adapter reports it open.
func (cb *ChannelBroker) Active() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.channel != nil && cb.channel.Active()
}

// Channel returns the owned channel, opening and declaring it on demand.
func (cb *ChannelBroker) Channel() (transport.Channel, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.channelLocked()
}

func (cb *ChannelBroker) channelLocked() (transport.Channel, error) {
	if cb.channel != nil && cb.channel.Active() {
		return cb.channel, nil
	}

	ch, err := cb.conn.Channel(cb.opts.PoolSize)
	if err != nil {
		return nil, &errs.ConnectionError{Err: fmt.Errorf("open channel: %w", err)}
	}

	if cb.opts.Prefetch > 0 {
		if err := ch.Qos(cb.opts.Prefetch); err != nil {
			return nil, fmt.Errorf("set prefetch: %w", err)
		}
	}

	if cb.opts.PublisherConfirms || cb.opts.ForcePublisherConfirms {
		if err := ch.Confirm(); err != nil {
			return nil, fmt.Errorf("enable publisher confirms: %w", err)
		}
	}

	go cb.watchClose(ch)

	if err := cb.declareMainExchangeLocked(ch); err != nil {
		return nil, err
	}

	cb.channel = ch
	cb.defaultWait = nil
	cb.perExpiration = make(map[string]*waitExchange)

	return ch, nil
}

func (cb *ChannelBroker) watchClose(ch transport.Channel) {
	closeErr, ok := <-ch.NotifyClose()
	if !ok || closeErr == nil {
		return
	}

	cb.log.Warn("channel closed",
		zap.Uint16("reply_code", closeErr.ReplyCode),
		zap.String("reply_text", closeErr.ReplyText),
		zap.Uint16("class_id", closeErr.ClassID),
		zap.Uint16("method_id", closeErr.MethodID))

	for _, r := range cb.reporters {
		r.Report(context.Background(), reporter.Context{Consumer: "channelbroker"}, closeErr)
	}
}

// declareMainExchangeLocked declares the main topic exchange with
// durable=true merged with caller-supplied args. A 406 precondition
// failure is wrapped as a PreconditionError carrying the close-frame
// fields and surfaced, never retried.
func (cb *ChannelBroker) declareMainExchangeLocked(ch transport.Channel) error {
	ex := transport.Exchange{
		Name:    cb.opts.ExchangeName,
		Kind:    "topic",
		Durable: true,
		Args:    cb.opts.ExchangeArgs,
	}

	if err := ch.ExchangeDeclare(context.Background(), ex); err != nil {
		var pf *transport.PreconditionFailedError
		if errors.As(err, &pf) {
			return fmt.Errorf("declare exchange %q: %w", ex.Name, &errs.PreconditionError{
				ReplyCode: pf.ReplyCode,
				ReplyText: pf.ReplyText,
				ClassID:   pf.ClassID,
				MethodID:  pf.MethodID,
				Err:       err,
			})
		}

		return fmt.Errorf("declare main exchange: %w", err)
	}

	return nil
}

// MainExchangeName returns the configured main topic exchange name.
func (cb *ChannelBroker) MainExchangeName() string {
	return cb.opts.ExchangeName
}

// WaitExchange returns the exchange name to publish a delayed message
// to for the given stringified millisecond expiration. An empty
// expiration selects the default fanout wait exchange. The exchange and
// its single bound queue are declared on demand if not already present,
// then cached per suffix.
func (cb *ChannelBroker) WaitExchange(expiration string) (string, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.opts.WaitDisabled {
		return "", &errs.ConfigurationError{Reason: "delayed publish requires a configured wait exchange"}
	}

	ch, err := cb.channelLocked()
	if err != nil {
		return "", err
	}

	if expiration == "" {
		if cb.defaultWait == nil {
			we, err := cb.declareWaitExchangeLocked(ch, cb.opts.DefaultWaitExchangeName, cb.opts.DefaultWaitQueueName)
			if err != nil {
				return "", err
			}

			cb.defaultWait = we
		}

		return cb.defaultWait.exchangeName, nil
	}

	if we, ok := cb.perExpiration[expiration]; ok {
		return we.exchangeName, nil
	}

	exchangeName := fmt.Sprintf("%s.%s", cb.opts.DefaultWaitExchangeName, expiration)

	queueName := fmt.Sprintf("%s.%s", cb.opts.DefaultWaitQueueName, expiration)
	if cb.opts.WaitQueueNameFor != nil {
		queueName = cb.opts.WaitQueueNameFor(expiration)
	}

	we, err := cb.declareWaitExchangeLocked(ch, exchangeName, queueName)
	if err != nil {
		return "", err
	}

	cb.perExpiration[expiration] = we

	return we.exchangeName, nil
}

// declareWaitExchangeLocked declares a durable fanout exchange and its
// one bound durable queue carrying x-dead-letter-exchange pointing at
// the main exchange. Messages published here with a per-message TTL sit
// in the queue until expiry and are dead-lettered onto the main exchange
// with their original routing key preserved.
func (cb *ChannelBroker) declareWaitExchangeLocked(ch transport.Channel, exchangeName, queueName string) (*waitExchange, error) {
	ctx := context.Background()

	if err := ch.ExchangeDeclare(ctx, transport.Exchange{
		Name:    exchangeName,
		Kind:    "fanout",
		Durable: true,
	}); err != nil {
		return nil, fmt.Errorf("declare wait exchange %q: %w", exchangeName, err)
	}

	actualName, err := ch.QueueDeclare(ctx, transport.Queue{
		Name:    queueName,
		Durable: true,
		Args: transport.Table{
			"x-dead-letter-exchange": cb.opts.ExchangeName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("declare wait queue %q: %w", queueName, err)
	}

	if err := ch.QueueBind(ctx, actualName, exchangeName, "", nil); err != nil {
		return nil, fmt.Errorf("bind wait queue %q to %q: %w", actualName, exchangeName, err)
	}

	return &waitExchange{exchangeName: exchangeName, queueName: actualName}, nil
}

// Reconnect closes the channel if active, discards every cached handle,
// then reopens and redeclares. Subsequent accessors transparently
// trigger this on demand via Channel/WaitExchange, but callers may force
// it explicitly after observing a close notification.
func (cb *ChannelBroker) Reconnect() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.channel != nil && cb.channel.Active() {
		_ = cb.channel.Close()
	}

	cb.channel = nil
	cb.defaultWait = nil
	cb.perExpiration = make(map[string]*waitExchange)

	_, err := cb.channelLocked()

	return err
}
