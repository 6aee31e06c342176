// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/rabbitmq/amqp091-go"

	"github.com/sluicemq/worker/pkg/transport"
)

// Channel wraps a single amqp091 channel. Per the channel-state invariant,
// a Channel is owned exclusively by one worker thread; nothing here is
// safe to call concurrently from two goroutines on the ack/nack path,
// which is precisely why pkg/waiter exists.
type Channel struct {
	ch        *amqp091.Channel
	poolSize  int
	confirmed bool
	notify    chan *transport.CloseError
}

func newChannel(ch *amqp091.Channel, poolSize int) *Channel {
	c := &Channel{
		ch:       ch,
		poolSize: poolSize,
		notify:   make(chan *transport.CloseError, 1),
	}

	go c.watch(ch.NotifyClose(make(chan *amqp091.Error, 1)))

	return c
}

func (c *Channel) watch(notifyCh chan *amqp091.Error) {
	err, ok := <-notifyCh
	if !ok {
		return
	}

	c.notify <- closeErrorFrom(err)
}

func (c *Channel) ExchangeDeclare(_ context.Context, ex transport.Exchange) error {
	err := c.ch.ExchangeDeclare(ex.Name, ex.Kind, ex.Durable, ex.AutoDelete, ex.Internal, false, tableOf(ex.Args))
	if err != nil {
		if pf := preconditionFailed(err); pf != nil {
			return pf
		}

		return fmt.Errorf("declare exchange %q: %w", ex.Name, err)
	}

	return nil
}

func (c *Channel) QueueDeclare(_ context.Context, q transport.Queue) (string, error) {
	queue, err := c.ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, tableOf(q.Args))
	if err != nil {
		if pf := preconditionFailed(err); pf != nil {
			return "", pf
		}

		return "", fmt.Errorf("declare queue %q: %w", q.Name, err)
	}

	return queue.Name, nil
}

// preconditionFailed returns a *transport.PreconditionFailedError when
// err is an amqp091.Error with reply-code 406, nil otherwise.
func preconditionFailed(err error) *transport.PreconditionFailedError {
	var amqpErr *amqp091.Error
	if !errors.As(err, &amqpErr) || amqpErr.Code != amqp091.PreconditionFailed {
		return nil
	}

	return &transport.PreconditionFailedError{CloseError: closeErrorFrom(amqpErr)}
}

func (c *Channel) QueueBind(_ context.Context, queue, exchange, routingKey string, args transport.Table) error {
	if err := c.ch.QueueBind(queue, routingKey, exchange, false, tableOf(args)); err != nil {
		return fmt.Errorf("bind queue %q to %q via %q: %w", queue, exchange, routingKey, err)
	}

	return nil
}

func (c *Channel) QueueUnbind(_ context.Context, queue, exchange, routingKey string, args transport.Table) error {
	if err := c.ch.QueueUnbind(queue, routingKey, exchange, tableOf(args)); err != nil {
		return fmt.Errorf("unbind queue %q from %q via %q: %w", queue, exchange, routingKey, err)
	}

	return nil
}

func (c *Channel) Qos(prefetchCount int) error {
	if err := c.ch.Qos(prefetchCount, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	return nil
}

func (c *Channel) Confirm() error {
	if err := c.ch.Confirm(false); err != nil {
		return fmt.Errorf("enable confirm mode: %w", err)
	}

	c.confirmed = true

	return nil
}

func (c *Channel) Publish(ctx context.Context, exchange, routingKey string, body []byte, props transport.Properties) error {
	err := c.ch.PublishWithContext(ctx, exchange, routingKey, true, false, publishingOf(body, props))
	if err != nil {
		return fmt.Errorf("publish to %q: %w", exchange, err)
	}

	return nil
}

func (c *Channel) PublishWithConfirm(ctx context.Context, exchange, routingKey string, body []byte, props transport.Properties) (bool, error) {
	if !c.confirmed {
		if err := c.Confirm(); err != nil {
			return false, err
		}
	}

	confirmation, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, true, false, publishingOf(body, props))
	if err != nil {
		return false, fmt.Errorf("publish to %q: %w", exchange, err)
	}

	ok, err := confirmation.WaitContext(ctx)
	if err != nil {
		return false, fmt.Errorf("wait for confirm: %w", err)
	}

	return ok, nil
}

func (c *Channel) Consume(queue, consumerTag string, args transport.Table) (<-chan transport.Delivery, error) {
	deliveries, err := c.ch.Consume(queue, consumerTag, false, false, false, false, tableOf(args))
	if err != nil {
		return nil, fmt.Errorf("consume %q: %w", queue, err)
	}

	out := make(chan transport.Delivery, c.poolCapacity())

	go func() {
		defer close(out)

		for d := range deliveries {
			out <- deliveryOf(d)
		}
	}()

	return out, nil
}

// poolCapacity sizes the delivery buffer after the configured
// consumer-pool size, so a full pool never blocks the adapter's own
// receive loop waiting for a worker to free up.
func (c *Channel) poolCapacity() int {
	if c.poolSize <= 0 {
		return 1
	}

	return c.poolSize
}

func (c *Channel) Ack(tag uint64) error {
	if err := c.ch.Ack(tag, false); err != nil {
		return fmt.Errorf("ack %d: %w", tag, err)
	}

	return nil
}

func (c *Channel) Nack(tag uint64, requeue bool) error {
	if err := c.ch.Nack(tag, false, requeue); err != nil {
		return fmt.Errorf("nack %d: %w", tag, err)
	}

	return nil
}

func (c *Channel) Reject(tag uint64, requeue bool) error {
	if err := c.ch.Reject(tag, requeue); err != nil {
		return fmt.Errorf("reject %d: %w", tag, err)
	}

	return nil
}

func (c *Channel) NotifyClose() <-chan *transport.CloseError {
	return c.notify
}

func (c *Channel) Close() error {
	if err := c.ch.Close(); err != nil {
		return fmt.Errorf("close channel: %w", err)
	}

	return nil
}

func (c *Channel) Active() bool {
	return !c.ch.IsClosed()
}

func tableOf(t transport.Table) amqp091.Table {
	if t == nil {
		return nil
	}

	out := make(amqp091.Table, len(t))
	for k, v := range t {
		out[k] = v
	}

	return out
}

func publishingOf(body []byte, props transport.Properties) amqp091.Publishing {
	p := amqp091.Publishing{
		Body:          body,
		MessageId:     props.MessageID,
		Timestamp:     props.Timestamp,
		ContentType:   props.ContentType,
		Expiration:    props.Expiration,
		CorrelationId: props.CorrelationID,
		AppId:         props.AppID,
	}

	if props.Persistent {
		p.DeliveryMode = amqp091.Persistent
	}

	if props.Headers != nil {
		p.Headers = tableOf(props.Headers)
	}

	return p
}

func deliveryOf(d amqp091.Delivery) transport.Delivery {
	headers := make(transport.Table, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = v
	}

	return transport.Delivery{
		RoutingKey:  d.RoutingKey,
		Exchange:    d.Exchange,
		DeliveryTag: d.DeliveryTag,
		Redelivered: d.Redelivered,
		Body:        d.Body,
		Properties: transport.Properties{
			MessageID:     d.MessageId,
			Timestamp:     d.Timestamp,
			ContentType:   d.ContentType,
			Expiration:    d.Expiration,
			Persistent:    d.DeliveryMode == amqp091.Persistent,
			Headers:       headers,
			CorrelationID: d.CorrelationId,
			AppID:         d.AppId,
		},
	}
}
