package rabbitlog

import (
	"context"
	"log/slog"
)

// diagnosticKey marks the context of records logged by the target itself
type diagnosticKey struct{}

// diagnosticHandler tags every record it handles with diagnosticKey, so a
// Handler that writes into a target can recognise and skip them.
type diagnosticHandler struct {
	slog.Handler
}

func (h diagnosticHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.Handler.Enabled(markDiagnostic(ctx), level)
}

func (h diagnosticHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.Handler.Handle(markDiagnostic(ctx), r)
}

func (h diagnosticHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return diagnosticHandler{h.Handler.WithAttrs(attrs)}
}

func (h diagnosticHandler) WithGroup(name string) slog.Handler {
	return diagnosticHandler{h.Handler.WithGroup(name)}
}

func markDiagnostic(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, diagnosticKey{}, true)
}

func isDiagnostic(ctx context.Context) bool {
	return ctx != nil && ctx.Value(diagnosticKey{}) != nil
}
