package command

import "sync"

// Queue is a FIFO with many producers and a single consumer. Producers never
// run handler code; they only append.
type Queue struct {
	mu    sync.Mutex
	items []Command
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Enqueue(c Command) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
}

// Drain removes and returns everything queued so far, oldest first.
func (q *Queue) Drain() []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
