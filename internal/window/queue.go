package window

import (
	"container/list"

	"github.com/BurntSushi/xgb"
)

// eventQueue is an unbounded channel queue so the connection reader never
// blocks on a slow drive loop. Closing In drains what is queued and then
// closes Out.
type eventQueue struct {
	q   list.List
	in  chan xgb.Event
	out chan xgb.Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		in:  make(chan xgb.Event, 16),
		out: make(chan xgb.Event),
	}
	go q.loop()
	return q
}

func (q *eventQueue) loop() {
	defer close(q.out)
	in := q.in
	var next xgb.Event
	var out chan xgb.Event
	for in != nil || out != nil {
		select {
		case ev, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			if out == nil {
				next = ev
				out = q.out
			} else {
				q.q.PushBack(ev)
			}
		case out <- next:
			if e := q.q.Front(); e != nil {
				next = q.q.Remove(e).(xgb.Event)
			} else {
				next = nil
				out = nil
			}
		}
	}
}
