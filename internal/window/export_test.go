package window

import "github.com/BurntSushi/xgb"

type TestQueue struct{ q *eventQueue }

func NewEventQueueForTest() *TestQueue { return &TestQueue{q: newEventQueue()} }

func (t *TestQueue) In() chan<- xgb.Event  { return t.q.in }
func (t *TestQueue) Out() <-chan xgb.Event { return t.q.out }
