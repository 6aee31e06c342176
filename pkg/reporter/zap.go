// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package reporter

import (
	"context"

	"go.uber.org/zap"
)

// ZapReporter logs every reported exception via a *zap.Logger.
type ZapReporter struct {
	log *zap.Logger
}

// NewZapReporter wraps log. A nil log falls back to zap.NewNop.
func NewZapReporter(log *zap.Logger) *ZapReporter {
	if log == nil {
		log = zap.NewNop()
	}

	return &ZapReporter{log: log}
}

func (z *ZapReporter) Report(_ context.Context, rctx Context, err error) {
	z.log.Error("handler error",
		zap.String("consumer", rctx.Consumer),
		zap.String("routing_key", rctx.RoutingKey),
		zap.Uint64("delivery_tag", rctx.DeliveryTag),
		zap.Error(err))
}
