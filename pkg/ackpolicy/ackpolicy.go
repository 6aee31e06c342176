// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package ackpolicy implements the error-acknowledgement chain: an
// ordered immutable slice of policies walked until one claims the
// decision, with a terminal policy that always claims.
package ackpolicy

import (
	"context"
	"fmt"

	"github.com/sluicemq/worker/pkg/transport"
)

// Policy inspects (delivery, properties, channel, error) and either
// claims the decision by returning true, having already issued the
// appropriate broker call (ack, nack, requeue, or reject) on ch, or
// defers by returning false.
type Policy interface {
	Apply(ctx context.Context, ch transport.Channel, delivery transport.Delivery, cause error) (claimed bool, err error)
}

// Func adapts a plain function into a Policy.
type Func func(ctx context.Context, ch transport.Channel, delivery transport.Delivery, cause error) (bool, error)

func (f Func) Apply(ctx context.Context, ch transport.Channel, delivery transport.Delivery, cause error) (bool, error) {
	return f(ctx, ch, delivery, cause)
}

// Chain is an ordered, immutable list of policies. The first policy to
// claim the decision wins; Run never returns without some policy having
// claimed, because NackOnAllFailures (always appended last by New)
// always claims.
type Chain struct {
	policies []Policy
}

// New builds a Chain from policies, appending NackOnAllFailures as the
// terminal fallback.
func New(policies ...Policy) Chain {
	return Chain{policies: append(append([]Policy{}, policies...), NackOnAllFailures)}
}

// Run walks the chain in order, stopping at the first policy that claims
// the decision.
func (c Chain) Run(ctx context.Context, ch transport.Channel, delivery transport.Delivery, cause error) error {
	for _, p := range c.policies {
		claimed, err := p.Apply(ctx, ch, delivery, cause)
		if err != nil {
			return err
		}

		if claimed {
			return nil
		}
	}

	// Unreachable: NackOnAllFailures always claims.
	return fmt.Errorf("ack policy chain exhausted without a claim")
}

// NackOnAllFailures is the terminal fallback: plain nack without
// requeue. It always claims.
var NackOnAllFailures Policy = Func(func(_ context.Context, ch transport.Channel, delivery transport.Delivery, _ error) (bool, error) {
	if err := ch.Nack(delivery.DeliveryTag, false); err != nil {
		return true, fmt.Errorf("nack delivery %d: %w", delivery.DeliveryTag, err)
	}

	return true, nil
})

// Requeue returns a Policy that claims and issues reject(requeue=true)
// for any cause matched by match.
func Requeue(match func(error) bool) Policy {
	return Func(func(_ context.Context, ch transport.Channel, delivery transport.Delivery, cause error) (bool, error) {
		if !match(cause) {
			return false, nil
		}

		if err := ch.Reject(delivery.DeliveryTag, true); err != nil {
			return true, fmt.Errorf("reject (requeue) delivery %d: %w", delivery.DeliveryTag, err)
		}

		return true, nil
	})
}

// DeadLetter returns a Policy that claims and issues reject(requeue=false)
// for any cause matched by match, relying on the queue's own
// dead-letter-exchange configuration to route the rejected message.
func DeadLetter(match func(error) bool) Policy {
	return Func(func(_ context.Context, ch transport.Channel, delivery transport.Delivery, cause error) (bool, error) {
		if !match(cause) {
			return false, nil
		}

		if err := ch.Reject(delivery.DeliveryTag, false); err != nil {
			return true, fmt.Errorf("reject (dead-letter) delivery %d: %w", delivery.DeliveryTag, err)
		}

		return true, nil
	})
}
