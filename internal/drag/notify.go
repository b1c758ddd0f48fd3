package drag

import (
	"time"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/xdrag/internal/probe"
)

type NotificationKind string

const (
	NotifySessionStarted  NotificationKind = "session-started"
	NotifyTargetChanged   NotificationKind = "target-changed"
	NotifyFrameEntered    NotificationKind = "frame-entered"
	NotifyUnsupportedDrop NotificationKind = "unsupported-drop"
	NotifySessionFinished NotificationKind = "session-finished"
)

// Notification is a caller visible event of a session. Only the fields
// relevant to Kind are set.
type Notification struct {
	Kind    NotificationKind `json:"kind"`
	Session uint64           `json:"session"`
	Time    time.Time        `json:"time"`

	Window  xproto.Window `json:"window,omitempty"`
	X       int           `json:"x,omitempty"`
	Y       int           `json:"y,omitempty"`
	Target  *probe.Target `json:"target,omitempty"`
	Targets []string      `json:"targets,omitempty"`
	Action  string        `json:"action,omitempty"`
	Result  *Result       `json:"result,omitempty"`
}

// Subscribe adds a listener for notifications of every session.
func (e *Engine) Subscribe() chan Notification {
	ch := make(chan Notification, 64)
	e.mu.Lock()
	e.listeners = append(e.listeners, ch)
	e.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener and closes its channel.
func (e *Engine) Unsubscribe(ch chan Notification) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, listener := range e.listeners {
		if listener == ch {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

func (e *Engine) notify(n Notification) {
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, listener := range e.listeners {
		select {
		case listener <- n:
		default:
			// slow listener
		}
	}
}
