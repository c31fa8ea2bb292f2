package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sessionops/internal/command"
)

func outcome(t *testing.T, name, user string, err error) command.Outcome {
	t.Helper()
	c, cerr := command.New(name, nil, user, "name-"+user)
	if cerr != nil {
		t.Fatalf("command.New: %v", cerr)
	}
	status := command.StatusExecuted
	if err != nil {
		status = command.StatusFailed
	}
	return command.Outcome{Command: c, Status: status, Err: err, Duration: 1500 * time.Microsecond}
}

func exerciseSink(t *testing.T, s Sink) {
	t.Helper()
	observe := Observer(s)
	observe(outcome(t, "godmode", "u1", nil))
	observe(outcome(t, "sethealth", "u2", errors.New("player 9 not found")))
	observe(outcome(t, "setmoney", "u1", nil))

	got, err := s.Recent(context.Background(), 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].Name != "setmoney" || got[1].Name != "sethealth" {
		t.Fatalf("recent %+v", got)
	}
	if got[1].Status != command.StatusFailed || !strings.Contains(got[1].Error, "not found") {
		t.Fatalf("failure not journaled: %+v", got[1])
	}
	if got[0].DurationUS != 1500 || got[0].UserName != "name-u1" {
		t.Fatalf("entry fields %+v", got[0])
	}
	all, err := s.Recent(context.Background(), 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("all entries %d err=%v", len(all), err)
	}
}

func TestJSONLJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "commands.jsonl")
	s, err := Open("jsonl:" + path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	exerciseSink(t, s)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = f.WriteString("not json\n")
	_ = f.Close()
	all, err := s.Recent(context.Background(), 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("corrupt line not skipped: %d err=%v", len(all), err)
	}
}

func TestSQLiteJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := Open("sqlite:" + path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	exerciseSink(t, s)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Recent(context.Background(), 0)
	if err != nil || len(got) != 3 {
		t.Fatalf("after reopen %d err=%v", len(got), err)
	}
}

func TestOpenDSN(t *testing.T) {
	s, err := Open("")
	if err != nil || s != nil {
		t.Fatalf("empty dsn: %v %v", s, err)
	}
	for _, dsn := range []string{"jsonl", "jsonl:", "postgres:x"} {
		if _, err := Open(dsn); err == nil {
			t.Fatalf("dsn %q accepted", dsn)
		}
	}
}

func TestUpSection(t *testing.T) {
	got := upSection("-- +migrate Up\nCREATE TABLE a (x);\n-- +migrate Down\nDROP TABLE a;\n")
	if strings.Contains(got, "DROP") || !strings.Contains(got, "CREATE TABLE a") {
		t.Fatalf("up section %q", got)
	}
}
