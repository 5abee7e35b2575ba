package log

import (
	"context"
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

type slogKeyT struct{}

var slogKey slogKeyT

// ContextHandler appends attributes stored in a context by ContextAttrs to
// every record.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{
		Handler: handler,
	}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(slogKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}

	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, ok := ctx.Value(slogKey).([]slog.Attr)
	if !ok || a == nil {
		a = make([]slog.Attr, 0, len(attrs))
	} else {
		a = append(make([]slog.Attr, 0, len(a)+len(attrs)), a...)
	}
	a = append(a, attrs...)
	return context.WithValue(ctx, slogKey, a)
}

// Level maps the verbose flag to a slog level.
func Level(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// New returns a JSON logger writing to w. Every extra writer (typically the
// run log of a run directory) gets a copy of each record.
func New(w io.Writer, verbose bool, extra ...io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{
		AddSource: false,
		Level:     Level(verbose),
	}
	var base slog.Handler = slog.NewJSONHandler(w, opts)
	if len(extra) > 0 {
		handlers := []slog.Handler{base}
		for _, e := range extra {
			handlers = append(handlers, slog.NewJSONHandler(e, opts))
		}
		base = slogmulti.Fanout(handlers...)
	}
	return slog.New(NewContextHandler(base))
}

// Writer resolves the service.log config value.
func Writer(name string) io.Writer {
	switch name {
	case "stdout":
		return os.Stdout
	case "discard":
		return io.Discard
	default:
		return os.Stderr
	}
}
