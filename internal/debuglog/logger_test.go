package debuglog

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestKV(t *testing.T) {
	got := KV("cmd", "godmode", "user", "a b", "role", "", "n", 3)
	want := `cmd=godmode user="a b" role="" n=3`
	if got != want {
		t.Fatalf("KV = %s, want %s", got, want)
	}
}

func TestLogfWritesWhenDebugOff(t *testing.T) {
	t.Setenv(EnvDebug, "")
	var buf bytes.Buffer
	restore := SetOutput(&buf)
	defer restore()
	Logf("relay: drop %s", KV("msg", "hello"))
	Debugf("hidden")
	if !strings.Contains(buf.String(), "relay: drop msg=hello") {
		t.Fatalf("missing line: %q", buf.String())
	}
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("debug line written with debug off")
	}
}

func TestRateLimitedfSuppressesRepeats(t *testing.T) {
	t.Setenv(EnvDebug, "1")
	var buf syncBuffer
	restore := SetOutput(&buf)
	defer restore()
	for i := 0; i < 5; i++ {
		RateLimitedf("test-key", time.Hour, "line %d", i)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !strings.Contains(buf.String(), "line 0") {
		time.Sleep(5 * time.Millisecond)
	}
	out := buf.String()
	if !strings.Contains(out, "line 0") || strings.Contains(out, "line 1") {
		t.Fatalf("unexpected output %q", out)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
