package debuglog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

const queueSize = 2048

// EnvDebug turns on Debugf output and the asynchronous queue.
const EnvDebug = "SESSIONOPS_DEBUG"

type logger struct {
	once sync.Once
	ch   chan string
}

var (
	global  logger
	outMu   sync.Mutex
	out     io.Writer = os.Stderr
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func enabled() bool {
	return os.Getenv(EnvDebug) == "1"
}

// SetOutput redirects log lines and returns a func restoring the previous
// writer.
func SetOutput(w io.Writer) func() {
	outMu.Lock()
	prev := out
	out = w
	outMu.Unlock()
	return func() {
		outMu.Lock()
		out = prev
		outMu.Unlock()
	}
}

func write(msg string) {
	outMu.Lock()
	_, _ = io.WriteString(out, msg)
	outMu.Unlock()
}

func (l *logger) start() {
	l.once.Do(func() {
		l.ch = make(chan string, queueSize)
		go func() {
			for msg := range l.ch {
				write(msg)
			}
		}()
	})
}

func Logf(format string, args ...any) {
	msg := time.Now().UTC().Format(time.RFC3339Nano) + " " + fmt.Sprintf(format+"\n", args...)
	if !enabled() {
		write(msg)
		return
	}
	global.start()
	select {
	case global.ch <- msg:
	default:
		// queue full: drop so relay and broadcast goroutines never block on stderr
	}
}

func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	Logf(format, args...)
}

// RateLimitedf logs at most once per interval for key.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	Logf(format, args...)
}

// KV renders alternating keys and values as "k=v k=v". Values containing
// spaces are quoted.
func KV(pairs ...any) string {
	var b strings.Builder
	for i := 0; i+1 < len(pairs); i += 2 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		v := fmt.Sprint(pairs[i+1])
		if strings.ContainsAny(v, " \t\"") || v == "" {
			v = fmt.Sprintf("%q", v)
		}
		fmt.Fprintf(&b, "%v=%s", pairs[i], v)
	}
	return b.String()
}
