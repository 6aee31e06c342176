// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sluicemq/worker/pkg/consumer"
)

// Tracer wraps a Handler, producing another Handler. Tracers form a
// decorator chain composed left-to-right at registration time.
type Tracer func(consumer.Handler) consumer.Handler

// Compose applies tracers left-to-right: Compose(a, b)(h) == a(b(h)), so
// a is the outermost wrapper and runs first on the way in, last on the
// way out.
func Compose(tracers ...Tracer) Tracer {
	return func(h consumer.Handler) consumer.Handler {
		wrapped := h
		for i := len(tracers) - 1; i >= 0; i-- {
			wrapped = tracers[i](wrapped)
		}

		return wrapped
	}
}

// NopTracer is the identity tracer.
func NopTracer(h consumer.Handler) consumer.Handler { return h }

// ZapTracer logs each handler invocation's duration and outcome.
func ZapTracer(log *zap.Logger) Tracer {
	return func(h consumer.Handler) consumer.Handler {
		return consumer.HandlerFunc(func(ctx context.Context, msg *consumer.Message) error {
			start := time.Now()
			err := h.Handle(ctx, msg)
			fields := []zap.Field{
				zap.String("routing_key", msg.RoutingKey()),
				zap.Duration("duration", time.Since(start)),
			}

			if err != nil {
				log.Warn("handler returned error", append(fields, zap.Error(err))...)
			} else {
				log.Debug("handler succeeded", fields...)
			}

			return err
		})
	}
}
