package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sessionops/internal/command"
	"sessionops/internal/debuglog"
)

// Entry is one dispatched command as written to the journal.
type Entry struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	UserID     string    `json:"user_id"`
	UserName   string    `json:"user_name,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	DurationUS int64     `json:"duration_us"`
	At         time.Time `json:"at"`
}

// Sink is an append-only command journal.
type Sink interface {
	Append(ctx context.Context, e Entry) error
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

func FromOutcome(out command.Outcome) Entry {
	e := Entry{
		ID:         out.Command.ID,
		Name:       out.Command.Name,
		UserID:     out.Command.SenderID,
		UserName:   out.Command.SenderName,
		Status:     out.Status,
		DurationUS: out.Duration.Microseconds(),
		At:         time.Now().UTC(),
	}
	if out.Err != nil {
		e.Error = out.Err.Error()
	}
	return e
}

// Observer adapts s to a dispatcher observer. Journal failures are logged
// and never reach the command path.
func Observer(s Sink) func(command.Outcome) {
	return func(out command.Outcome) {
		if err := s.Append(context.Background(), FromOutcome(out)); err != nil {
			debuglog.RateLimitedf("audit:append", 30*time.Second, "audit: append failed %s err=%v", debuglog.KV("cmd", out.Command.Name), err)
		}
	}
}

// Open picks a sink from a DSN: "jsonl:<path>" or "sqlite:<path>". An empty
// DSN returns a nil sink.
func Open(dsn string) (Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	kind, path, ok := strings.Cut(dsn, ":")
	if !ok || strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("audit dsn %q: want jsonl:<path> or sqlite:<path>", dsn)
	}
	switch kind {
	case "jsonl":
		s, err := OpenJSONL(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("audit dsn %q: unknown kind %q", dsn, kind)
}
