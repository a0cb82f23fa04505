// Package slotlog is the structured logging wrapper every slot runtime
// shares, built on log/slog the way olla wires its handlers: a plain
// *slog.Logger underneath, with a handful of domain helpers so call
// sites never hand-format an attribute list.
package slotlog

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/shockwave-http/slotpool/internal/reqctx"
	"github.com/shockwave-http/slotpool/internal/slotstate"
)

// Logger wraps *slog.Logger with the attribute shapes the slot runtime
// and dispatcher need repeatedly: slot index, state transition, and
// the request a command refers to.
type Logger struct {
	base *slog.Logger
}

// New builds a Logger around an arbitrary slog.Handler, for callers
// that want JSON output, a test handler, or anything else.
func New(h slog.Handler) *Logger {
	return &Logger{base: slog.New(h)}
}

// NewText is the default construction: human-readable text to stderr
// at the given level.
func NewText(level slog.Level) *Logger {
	return New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Discard returns a Logger that drops everything, for tests and
// callers that configured no sink.
func Discard() *Logger {
	return New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// Slog returns the underlying *slog.Logger for callers that want to
// add their own attributes (e.g. a pool-wide "target" field via
// l.Slog().With(...)).
func (l *Logger) Slog() *slog.Logger { return l.base }

func requestAttrs(r *reqctx.RequestContext) []any {
	if r == nil {
		return nil
	}
	attrs := []any{slog.Int("retries_left", r.RetriesLeft)}
	if r.Request != nil {
		attrs = append(attrs, slog.String("method", r.Request.Method), slog.String("url", r.Request.URL.String()))
	}
	return attrs
}

// Transition logs a state machine step at debug level: every slot
// transition, whether or not it produced commands.
func (l *Logger) Transition(slot int, from, to slotstate.Kind, event slotstate.EventKind) {
	l.base.Debug("slot transition",
		slog.Int("slot", slot),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("event", event.String()),
	)
}

// IllegalEvent logs the fatal condition a slot runtime hits when
// Transition rejects an event outright.
func (l *Logger) IllegalEvent(slot int, err *slotstate.IllegalEventError) {
	l.base.Error("illegal event, tearing slot down",
		slog.Int("slot", slot),
		slog.String("state", err.State.String()),
		slog.String("event", err.Event.String()),
	)
}

// Warning surfaces a Command.LogWarning from the state machine.
func (l *Logger) Warning(slot int, message string, r *reqctx.RequestContext) {
	attrs := append([]any{slog.Int("slot", slot)}, requestAttrs(r)...)
	l.base.Warn(message, attrs...)
}

// DialFailure logs a connection attempt that failed before it could
// carry any request.
func (l *Logger) DialFailure(slot int, target string, err error) {
	l.base.Warn("dial failed",
		slog.Int("slot", slot),
		slog.String("target", target),
		slog.String("error", err.Error()),
	)
}

// Dispatched logs the outcome of a DispatchResult command: status code
// on success, error text on failure.
func (l *Logger) Dispatched(slot int, r *reqctx.RequestContext, resp *http.Response, err error) {
	attrs := append([]any{slog.Int("slot", slot)}, requestAttrs(r)...)
	if err != nil {
		l.base.Warn("request failed", append(attrs, slog.String("error", err.Error()))...)
		return
	}
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	l.base.Info("request dispatched", append(attrs, slog.Int("status", status))...)
}

// Retrying logs a retryable failure being re-enqueued with one fewer
// attempt remaining.
func (l *Logger) Retrying(r *reqctx.RequestContext) {
	l.base.Info("retrying request", requestAttrs(r)...)
}

// Reaped logs an idle or over-age connection being closed, with
// whatever TCP diagnostics were available at the moment of the reap
// (nil when none could be read, e.g. on a non-TCP connection; a
// zero-valued SocketInfo on platforms without TCP_INFO).
func (l *Logger) Reaped(slot int, reason string, tcpInfo any) {
	l.base.Debug("reaping connection",
		slog.Int("slot", slot),
		slog.String("reason", reason),
		slog.Any("tcp_info", tcpInfo),
	)
}
