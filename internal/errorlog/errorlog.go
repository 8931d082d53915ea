// Package errorlog is the append-only failure log used for post-mortems. It
// never feeds back into control flow.
package errorlog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
)

type Entry struct {
	CampaignID  string
	RecipientID string
	EndpointID  string
	Err         error
	// Stack defaults to the caller's stack when empty.
	Stack string
}

type Log struct {
	logger *slog.Logger
	closer io.Closer
	mu     sync.Mutex
}

// Open appends to path, creating it if needed.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	l := New(f)
	l.closer = f
	return l, nil
}

// New writes one JSON line per entry to w.
func New(w io.Writer) *Log {
	return &Log{logger: slog.New(slog.NewJSONHandler(w, nil))}
}

// Discard drops every entry.
func Discard() *Log { return New(io.Discard) }

func (l *Log) Record(ctx context.Context, e Entry) {
	if l == nil {
		return
	}
	stack := e.Stack
	if stack == "" {
		stack = string(debug.Stack())
	}
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.LogAttrs(ctx, slog.LevelError, "send failed",
		slog.String("campaign_id", e.CampaignID),
		slog.String("recipient_id", e.RecipientID),
		slog.String("endpoint_id", e.EndpointID),
		slog.String("error", msg),
		slog.String("stack", stack),
	)
}

func (l *Log) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
