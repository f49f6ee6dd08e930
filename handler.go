package rabbitlog

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
)

// DefaultLoggerKey is the attribute key whose value names the logger
const DefaultLoggerKey = "logger"

// HandlerOptions configures a Handler
type HandlerOptions struct {
	// Level is the minimum level sent. Defaults to slog.LevelInfo.
	Level slog.Leveler
	// LoggerName is used when no logger attribute is present
	LoggerName string
	// LoggerKey is the attribute key carrying the logger name
	LoggerKey string
}

// Handler is a slog.Handler that sends records through a Target. The body
// is the record in logfmt form without time and level, which travel as the
// message timestamp and routing key instead.
type Handler struct {
	target *Target
	opts   HandlerOptions
	logger string
	props  map[string]any
	groups []string
	// steps replays WithAttrs/WithGroup calls on the text renderer
	steps []func(slog.Handler) slog.Handler
}

// NewHandler creates a handler writing to target
func NewHandler(target *Target, opts *HandlerOptions) *Handler {
	h := &Handler{target: target}
	if opts != nil {
		h.opts = *opts
	}
	if h.opts.Level == nil {
		h.opts.Level = slog.LevelInfo
	}
	if h.opts.LoggerKey == "" {
		h.opts.LoggerKey = DefaultLoggerKey
	}
	h.logger = h.opts.LoggerName
	return h
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	if isDiagnostic(ctx) {
		return false
	}
	return level >= h.opts.Level.Level()
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	logger := h.logger
	props := make(map[string]any, len(h.props)+r.NumAttrs())
	for k, v := range h.props {
		props[k] = v
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == h.opts.LoggerKey && len(h.groups) == 0 {
			logger = a.Value.String()
		}
		props[h.key(a.Key)] = attrValue(a)
		return true
	})

	body, err := h.render(ctx, r)
	if err != nil {
		return err
	}

	h.target.Write(ctx, LogEvent{
		Message:    body,
		Level:      LevelName(r.Level),
		Logger:     logger,
		Time:       r.Time,
		Properties: props,
	})
	return nil
}

func (h *Handler) render(ctx context.Context, r slog.Record) (string, error) {
	var buf bytes.Buffer
	var text slog.Handler = slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level: slog.Level(-100),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && (a.Key == slog.TimeKey || a.Key == slog.LevelKey) {
				return slog.Attr{}
			}
			return a
		},
	})
	for _, step := range h.steps {
		text = step(text)
	}

	if err := text.Handle(ctx, r); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	clone := h.clone()
	for _, a := range attrs {
		if a.Key == h.opts.LoggerKey && len(h.groups) == 0 {
			clone.logger = a.Value.String()
		}
		clone.props[h.key(a.Key)] = attrValue(a)
	}
	clone.steps = append(clone.steps, func(next slog.Handler) slog.Handler {
		return next.WithAttrs(attrs)
	})
	return clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := h.clone()
	clone.steps = append(clone.steps, func(next slog.Handler) slog.Handler {
		return next.WithGroup(name)
	})
	clone.groups = append(clone.groups, name)
	return clone
}

func (h *Handler) clone() *Handler {
	c := *h
	c.props = make(map[string]any, len(h.props))
	for k, v := range h.props {
		c.props[k] = v
	}
	c.groups = append([]string(nil), h.groups...)
	c.steps = append([]func(slog.Handler) slog.Handler(nil), h.steps...)
	return &c
}

// key qualifies an attribute key with the open groups
func (h *Handler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

// LevelName maps a slog level to the level names used in routing keys
func LevelName(level slog.Level) string {
	switch {
	case level < slog.LevelDebug:
		return "Trace"
	case level < slog.LevelInfo:
		return "Debug"
	case level < slog.LevelWarn:
		return "Info"
	case level < slog.LevelError:
		return "Warn"
	case level == slog.LevelError:
		return "Error"
	default:
		return "Fatal"
	}
}

func attrValue(a slog.Attr) any {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		return v.String()
	}
	return v.Any()
}
