package session

import (
	"sync"
	"time"
)

// Janitor runs deferred cleanup jobs, typically the removal of processed
// signal messages a moment after delivery so slow subscribers still see
// them. All pending jobs can be cancelled at once on session teardown.
type Janitor struct {
	mu      sync.Mutex
	seq     uint64
	timers  map[uint64]*time.Timer
	stopped bool
}

func NewJanitor() *Janitor {
	return &Janitor{timers: make(map[uint64]*time.Timer)}
}

// After schedules fn to run once d elapses. Jobs scheduled after CancelAll
// are dropped.
func (j *Janitor) After(d time.Duration, fn func()) {
	j.mu.Lock()
	if j.stopped {
		j.mu.Unlock()
		return
	}
	j.seq++
	id := j.seq
	t := time.AfterFunc(d, func() {
		j.mu.Lock()
		_, live := j.timers[id]
		delete(j.timers, id)
		j.mu.Unlock()
		if live {
			fn()
		}
	})
	j.timers[id] = t
	j.mu.Unlock()
}

// CancelAll drops every pending job and refuses new ones.
func (j *Janitor) CancelAll() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stopped = true
	for id, t := range j.timers {
		t.Stop()
		delete(j.timers, id)
	}
}

// Pending reports the number of jobs not yet run or cancelled.
func (j *Janitor) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.timers)
}
