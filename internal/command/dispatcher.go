package command

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sessionops/internal/debuglog"
	"sessionops/internal/metrics"
)

const (
	StatusExecuted = "executed"
	StatusFailed   = "failed"
	StatusUnknown  = "unknown"
)

// Outcome describes one executed (or dropped) command.
type Outcome struct {
	Command  Command
	Status   string
	Err      error
	Duration time.Duration
}

func (o Outcome) OK() bool {
	return o.Status == StatusExecuted
}

// Dispatcher drains the queue on the control loop and runs each command's
// handler. One failing command never affects the rest of the batch.
type Dispatcher struct {
	queue    *Queue
	registry *Registry
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	draining atomic.Bool

	obsMu     sync.RWMutex
	observers []func(Outcome)
}

func NewDispatcher(queue *Queue, registry *Registry, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		queue:    queue,
		registry: registry,
		metrics:  m,
		tracer:   otel.Tracer("sessionops/internal/command"),
	}
}

func (d *Dispatcher) Queue() *Queue {
	return d.queue
}

func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Observe registers fn to run after every command, on the control loop.
func (d *Dispatcher) Observe(fn func(Outcome)) {
	if fn == nil {
		return
	}
	d.obsMu.Lock()
	d.observers = append(d.observers, fn)
	d.obsMu.Unlock()
}

// Enqueue is safe from any goroutine.
func (d *Dispatcher) Enqueue(c Command) {
	d.queue.Enqueue(c)
	d.metrics.IncCommandEnqueued()
}

// DrainAndExecute runs every command queued before the call. It must only be
// called from the control loop; a concurrent call returns without work.
func (d *Dispatcher) DrainAndExecute(ctx context.Context) int {
	if !d.draining.CompareAndSwap(false, true) {
		debuglog.Logf("dispatch: re-entrant drain ignored")
		return 0
	}
	defer d.draining.Store(false)

	batch := d.queue.Drain()
	for _, c := range batch {
		out := d.execute(ctx, c)
		d.record(out)
	}
	return len(batch)
}

func (d *Dispatcher) execute(ctx context.Context, c Command) Outcome {
	start := time.Now()
	entry, ok := d.registry.Lookup(c.Name)
	if c.run != nil {
		entry, ok = Entry{Name: c.Name, Handler: c.run}, true
	}
	if !ok {
		debuglog.Logf("dispatch: unknown command %s", debuglog.KV("cmd", c.Name, "user", c.SenderID, "id", c.ID))
		return Outcome{Command: c, Status: StatusUnknown, Err: fmt.Errorf("%s: %w", c.Name, ErrUnknownCommand)}
	}
	ctx, span := d.tracer.Start(ctx, "command.execute", trace.WithAttributes(
		attribute.String("command.name", entry.Name),
		attribute.String("command.id", c.ID),
		attribute.String("command.sender", c.SenderID),
	))
	err := runHandler(ctx, entry.Handler, c)
	out := Outcome{Command: c, Status: StatusExecuted, Err: err, Duration: time.Since(start)}
	if err != nil {
		out.Status = StatusFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		debuglog.Logf("dispatch: command failed %s err=%v", debuglog.KV("cmd", entry.Name, "user", c.SenderID, "id", c.ID), err)
	} else {
		debuglog.Debugf("dispatch: executed %s", debuglog.KV("cmd", entry.Name, "user", c.SenderID, "took", out.Duration))
	}
	span.SetAttributes(attribute.Bool("command.ok", err == nil))
	span.End()
	return out
}

func runHandler(ctx context.Context, h Handler, c Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			debuglog.Debugf("dispatch: panic in %s\n%s", c.Name, debug.Stack())
		}
	}()
	return h(ctx, c)
}

func (d *Dispatcher) record(out Outcome) {
	switch out.Status {
	case StatusExecuted:
		d.metrics.IncCommandExecuted()
	case StatusFailed:
		d.metrics.IncCommandFailed()
	case StatusUnknown:
		d.metrics.IncCommandUnknown()
	}
	h := metrics.CommandHeader{
		ID:     out.Command.ID,
		Name:   out.Command.Name,
		User:   out.Command.SenderID,
		OK:     out.OK(),
		Status: out.Status,
		At:     time.Now().UTC(),
	}
	if out.Err != nil {
		h.Error = out.Err.Error()
	}
	d.metrics.Recent().Add(h)

	d.obsMu.RLock()
	observers := append([]func(Outcome){}, d.observers...)
	d.obsMu.RUnlock()
	for _, fn := range observers {
		fn(out)
	}
}
