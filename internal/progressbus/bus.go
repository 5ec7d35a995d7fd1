// Package progressbus implements the Progress Bus (C3): an in-process,
// per-task pub-sub with replay of the last published value on subscribe.
package progressbus

import (
	"sync"
	"time"
)

// replayTTL is how long a terminal value's replay cache survives after
// publish, per spec §4.3.
const replayTTL = 60 * time.Second

// Event is one progress update.
type Event struct {
	TaskID   string
	Progress int // -1..100; -1 and 100 are terminal
	Message  string
}

func (e Event) terminal() bool {
	return e.Progress == 100 || e.Progress == -1
}

// Observer is a subscription handle. Read Events until the channel is
// closed by Unsubscribe.
type Observer struct {
	Events <-chan Event

	bus    *Bus
	taskID string
	ch     chan Event
}

type topic struct {
	mu      sync.Mutex
	last    Event
	hasLast bool
	subs    map[*Observer]struct{}
	expiry  *time.Timer
}

// Bus is safe for concurrent Publish/Subscribe/Unsubscribe from any number
// of goroutines.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{topics: make(map[string]*topic)}
}

func (b *Bus) topicFor(taskID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[taskID]
	if !ok {
		t = &topic{subs: make(map[*Observer]struct{})}
		b.topics[taskID] = t
	}
	return t
}

// Publish is fire-and-forget and ordered per taskID: callers from the same
// goroutine see their events delivered to subscribers in the order
// published. The latest value is never lost — a slow observer's buffered
// slot is overwritten, not blocked on — but a terminal value (100 or -1)
// always lands since it overwrites whatever was pending.
func (b *Bus) Publish(taskID string, progress int, message string) {
	ev := Event{TaskID: taskID, Progress: progress, Message: message}

	t := b.topicFor(taskID)
	t.mu.Lock()
	t.last = ev
	t.hasLast = true
	for o := range t.subs {
		deliver(o.ch, ev)
	}
	t.mu.Unlock()

	if ev.terminal() {
		b.scheduleExpiry(taskID, t)
	}
}

// deliver performs a latest-value-wins non-blocking send: if the
// single-slot buffer already holds an undelivered event, it is dropped in
// favor of ev.
func deliver(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *Bus) scheduleExpiry(taskID string, t *topic) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.expiry != nil {
		t.expiry.Stop()
	}
	t.expiry = time.AfterFunc(replayTTL, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := b.topics[taskID]; ok && cur == t {
			t.mu.Lock()
			empty := len(t.subs) == 0
			t.mu.Unlock()
			if empty {
				delete(b.topics, taskID)
			}
		}
	})
}

// Subscribe returns an Observer whose channel immediately holds the last
// published value for taskID, if any — replayed synchronously before
// Subscribe returns.
func (b *Bus) Subscribe(taskID string) *Observer {
	t := b.topicFor(taskID)

	ch := make(chan Event, 1)
	obs := &Observer{Events: ch, bus: b, taskID: taskID, ch: ch}

	t.mu.Lock()
	t.subs[obs] = struct{}{}
	if t.hasLast {
		ch <- t.last
	}
	t.mu.Unlock()

	return obs
}

// Unsubscribe removes obs from its topic and closes its channel.
func (b *Bus) Unsubscribe(obs *Observer) {
	b.mu.Lock()
	t, ok := b.topics[obs.taskID]
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	delete(t.subs, obs)
	close(obs.ch)
	t.mu.Unlock()
}
