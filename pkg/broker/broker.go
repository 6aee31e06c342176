// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package broker owns the single process-wide Connection: it declares
// namespaced durable queues, converges bindings against the optional
// HTTP management API, and exposes the ack/nack/reject surface the
// Waiter calls into.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	rabbithole "github.com/michaelklishin/rabbit-hole/v2"
	"go.uber.org/zap"

	"github.com/sluicemq/worker/pkg/config"
	"github.com/sluicemq/worker/pkg/errs"
	"github.com/sluicemq/worker/pkg/transport"
)

// Options configures a Broker.
type Options struct {
	// Namespace, when non-empty, prefixes every declared queue name with
	// "<namespace>:" after being lower-cased and stripped to [-:.\w].
	Namespace string

	// ManagementURL, when non-empty, enables the read-only HTTP
	// management-API client used by BindQueue to diff bindings and by
	// Connect to verify credentials at startup.
	ManagementURL  string
	ManagementUser string
	ManagementPass string
	Vhost          string

	GracefulExitTimeout time.Duration
}

// Dialer opens a transport.Connection. pkg/adapter.Dial satisfies this;
// tests substitute a fake.
type Dialer func(uri string) (transport.Connection, error)

// Broker owns the single process-wide Connection: at most one is open
// per process.
type Broker struct {
	conn transport.Connection
	opts Options
	mgmt *rabbithole.Client
	log  *zap.Logger
}

// Connect opens the connection via dial, optionally starts the
// management-API client, and returns a ready Broker. Callers that want
// a scoped block with a guaranteed disconnect should use WithConnection
// instead of calling Connect directly.
func Connect(dial Dialer, uri config.BrokerURI, opts Options, log *zap.Logger) (*Broker, error) {
	if log == nil {
		log = zap.NewNop()
	}

	conn, err := dial(uri.DialAddress())
	if err != nil {
		return nil, &errs.ConnectionError{Err: err}
	}

	b := &Broker{conn: conn, opts: opts, log: log}

	if opts.ManagementURL != "" {
		mgmt, err := rabbithole.NewClient(opts.ManagementURL, opts.ManagementUser, opts.ManagementPass)
		if err != nil {
			_ = conn.Close()

			return nil, &errs.ConfigurationError{Reason: "construct management API client", Err: err}
		}

		if _, err := mgmt.Overview(); err != nil {
			_ = conn.Close()

			return nil, &errs.ConnectionError{Err: fmt.Errorf("verify management credentials: %w", err)}
		}

		b.mgmt = mgmt
	}

	return b, nil
}

// WithConnection opens a connection, invokes fn, and guarantees
// Disconnect runs on any exit path, including a panic inside fn.
func WithConnection(dial Dialer, uri config.BrokerURI, opts Options, log *zap.Logger, fn func(*Broker) error) error {
	b, err := Connect(dial, uri, opts, log)
	if err != nil {
		return err
	}

	defer func() { _ = b.Disconnect() }()

	return fn(b)
}

// Connection exposes the underlying transport.Connection for components
// (ChannelBroker, Publisher) that need to open their own channels.
func (b *Broker) Connection() transport.Connection {
	return b.conn
}

// ManagementEnabled reports whether the HTTP management-API client is
// configured.
func (b *Broker) ManagementEnabled() bool {
	return b.mgmt != nil
}

// QueueName prefixes name with "<namespace>:" when a namespace is
// configured.
func (b *Broker) QueueName(name string) string {
	ns := config.Namespace(b.opts.Namespace)
	if ns == "" {
		return name
	}

	return ns + ":" + name
}

// DeclareQueue declares a durable queue on ch whose name is namespaced
// via QueueName. Arguments are passed through verbatim.
func (b *Broker) DeclareQueue(ctx context.Context, ch transport.Channel, name string, args transport.Table) (string, error) {
	queueName := b.QueueName(name)

	actual, err := ch.QueueDeclare(ctx, transport.Queue{
		Name:    queueName,
		Durable: true,
		Args:    args,
	})
	if err != nil {
		var pf *transport.PreconditionFailedError
		if errors.As(err, &pf) {
			return "", fmt.Errorf("declare queue %q: %w", queueName, &errs.PreconditionError{
				ReplyCode: pf.ReplyCode,
				ReplyText: pf.ReplyText,
				ClassID:   pf.ClassID,
				MethodID:  pf.MethodID,
				Err:       err,
			})
		}

		return "", fmt.Errorf("declare queue %q: %w", queueName, err)
	}

	return actual, nil
}

// BindQueue converges queue's bindings on exchange to exactly
// routingKeys. When the management API is enabled it first lists
// existing bindings and unbinds any routing key on this queue that is
// not in the desired set, then binds every key still missing. Without
// the management API, bindings are only additive: every desired key is
// (re-)bound, which is idempotent on the broker side.
func (b *Broker) BindQueue(ctx context.Context, ch transport.Channel, queue, exchange string, routingKeys []string) error {
	toBind, toUnbind, err := b.DiffBindings(queue, exchange, routingKeys)
	if err != nil {
		return err
	}

	for _, rk := range toUnbind {
		if err := ch.QueueUnbind(ctx, queue, exchange, rk, nil); err != nil {
			return fmt.Errorf("unbind stale routing key %q from %q: %w", rk, queue, err)
		}
	}

	for _, rk := range toBind {
		if err := ch.QueueBind(ctx, queue, exchange, rk, nil); err != nil {
			return fmt.Errorf("bind %q to %q via %q: %w", queue, exchange, rk, err)
		}
	}

	return nil
}

// DiffBindings computes, without applying, the QueueBind/QueueUnbind
// calls BindQueue would issue to converge queue's bindings on exchange to
// exactly routingKeys. Both return slices are sorted for deterministic
// diagnostic output (cmd/sluiced --check-bindings). Without the management
// API there is nothing to diff against, so toBind is the full desired set
// and toUnbind is always empty.
func (b *Broker) DiffBindings(queue, exchange string, routingKeys []string) (toBind, toUnbind []string, err error) {
	desired := make(map[string]struct{}, len(routingKeys))
	for _, rk := range routingKeys {
		desired[rk] = struct{}{}
	}

	var existingSet map[string]struct{}

	if b.mgmt != nil {
		existing, err := b.existingBindings(queue, exchange)
		if err != nil {
			return nil, nil, fmt.Errorf("list existing bindings for %q: %w", queue, err)
		}

		existingSet = make(map[string]struct{}, len(existing))

		for _, rk := range existing {
			existingSet[rk] = struct{}{}

			if _, wanted := desired[rk]; !wanted {
				toUnbind = append(toUnbind, rk)
			}
		}
	}

	for rk := range desired {
		if _, already := existingSet[rk]; !already {
			toBind = append(toBind, rk)
		}
	}

	sort.Strings(toBind)
	sort.Strings(toUnbind)

	return toBind, toUnbind, nil
}

func (b *Broker) existingBindings(queue, exchange string) ([]string, error) {
	vhost := b.opts.Vhost
	if vhost == "" {
		vhost = "/"
	}

	bindings, err := b.mgmt.ListQueueBindings(vhost, queue)
	if err != nil {
		return nil, fmt.Errorf("list queue bindings: %w", err)
	}

	out := make([]string, 0, len(bindings))

	for _, bd := range bindings {
		if bd.Source == exchange {
			out = append(out, bd.RoutingKey)
		}
	}

	return out, nil
}

// Ack acknowledges a delivery on the channel that received it. The
// channel reference travels on the Waiter action rather than living in
// any goroutine-local state.
func (b *Broker) Ack(ch transport.Channel, deliveryTag uint64) error {
	if err := ch.Ack(deliveryTag); err != nil {
		return fmt.Errorf("ack %d: %w", deliveryTag, err)
	}

	return nil
}

// Nack negatively acknowledges a delivery without requeue.
func (b *Broker) Nack(ch transport.Channel, deliveryTag uint64) error {
	if err := ch.Nack(deliveryTag, false); err != nil {
		return fmt.Errorf("nack %d: %w", deliveryTag, err)
	}

	return nil
}

// Reject rejects a delivery, optionally requeuing it.
func (b *Broker) Reject(ch transport.Channel, deliveryTag uint64, requeue bool) error {
	if err := ch.Reject(deliveryTag, requeue); err != nil {
		return fmt.Errorf("reject %d: %w", deliveryTag, err)
	}

	return nil
}

// Stop drains in-flight work via drain, which must block until work is
// done or timeout elapses (Worker supplies this from the pool it owns),
// then closes the connection. drain may be nil if there is no pool to
// drain.
func (b *Broker) Stop(drain func(timeout time.Duration)) error {
	if drain != nil {
		timeout := b.opts.GracefulExitTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}

		drain(timeout)
	}

	return b.Disconnect()
}

// Disconnect closes the connection.
func (b *Broker) Disconnect() error {
	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("close connection: %w", err)
	}

	return nil
}
