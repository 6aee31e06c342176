// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package reporter is the parallel fan-out list consulted only for
// logging and telemetry. Every reporter receives every exception; an
// individual reporter's own failure must never affect message
// acknowledgement or propagate upward. Concrete third-party
// error-tracking clients (Sentry, Honeybadger) stay behind the Reporter
// interface; only the seam and two in-tree implementations live here.
package reporter

import "context"

// Context identifies the delivery and consumer an exception belongs to;
// every reporter sees the same Context for the same failure.
type Context struct {
	Consumer    string
	RoutingKey  string
	DeliveryTag uint64
	Payload     []byte
}

// Reporter receives every exception raised anywhere in the pipeline.
// Report must never panic and should not block for long: it runs inline
// on the goroutine that caught the error.
type Reporter interface {
	Report(ctx context.Context, rctx Context, err error)
}

// Func adapts a plain function into a Reporter.
type Func func(ctx context.Context, rctx Context, err error)

func (f Func) Report(ctx context.Context, rctx Context, err error) { f(ctx, rctx, err) }

// FanOut invokes every reporter in order, recovering from any panic so
// one misbehaving reporter cannot take down the caller: the nack action
// must always be enqueued even if a reporter throws.
func FanOut(ctx context.Context, reporters []Reporter, rctx Context, err error) {
	for _, r := range reporters {
		reportSafely(ctx, r, rctx, err)
	}
}

func reportSafely(ctx context.Context, r Reporter, rctx Context, err error) {
	defer func() { _ = recover() }()

	r.Report(ctx, rctx, err)
}
