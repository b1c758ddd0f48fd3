package drag

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/xdrag/internal/logger"
	"github.com/bryanchriswhite/xdrag/internal/wire"
)

var timeNow = time.Now

const allButtons = xproto.KeyButMaskButton1 | xproto.KeyButMaskButton2 | xproto.KeyButMaskButton3 |
	xproto.KeyButMaskButton4 | xproto.KeyButMaskButton5

func buttonMask(b xproto.Button) uint16 {
	if b < 1 || b > 5 {
		return 0
	}
	return xproto.KeyButMaskButton1 << (b - 1)
}

// run pumps events into the session until it is done. Cancellation is
// looked at once per event.
func (s *Session) run(ctx context.Context) (Result, error) {
	log := logger.WithSession("drag-loop", s.id)

	for !s.done {
		if err := ctx.Err(); err != nil {
			s.cancel("context done", err)
			break
		}
		wctx, stop := ctx, context.CancelFunc(func() {})
		if dl := s.finish.deadline; !dl.IsZero() && s.state == StateFinishing {
			if !timeNow().Before(dl) {
				s.cancel("finish timeout", nil)
				break
			}
			wctx, stop = context.WithDeadline(ctx, dl)
		}

		ev, err := s.b.NextEvent(wctx)
		stop()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				s.cancel("context done", ctx.Err())
			case errors.Is(err, context.DeadlineExceeded):
				// the deadline check above ends the session
			default:
				s.cancel("event source failed", err)
				return s.result, fmt.Errorf("next event: %w", err)
			}
			continue
		}
		if ev == nil {
			continue
		}
		log.Trace().Str("event", ev.String()).Msg("Event")
		s.handle(ev)
	}
	return s.result, s.err
}

// handle routes one event: drag input and protocol replies to the state
// machine, directory notifications to the directory, and the rest to the
// application.
func (s *Session) handle(ev xgb.Event) {
	switch e := ev.(type) {
	case xproto.MotionNotifyEvent:
		s.motion(int(e.RootX), int(e.RootY), e.Time)
	case xproto.ButtonReleaseEvent:
		if e.State&allButtons&^buttonMask(e.Detail) != 0 {
			// other buttons still held
			s.stamp(e.Time)
			return
		}
		s.release(int(e.RootX), int(e.RootY), e.Time)
	case xproto.ButtonPressEvent:
		s.stamp(e.Time)
	case xproto.KeyPressEvent:
		if slices.Contains(s.escape, e.Detail) && (s.state == StateTracking || s.state == StateFinishing || s.state == StateArmed) {
			s.stamp(e.Time)
			s.cancel("escape", nil)
			return
		}
		s.dispatch(ev)
	case xproto.ClientMessageEvent:
		if !s.clientMessage(e) {
			s.dispatch(ev)
		}
	case xproto.SelectionRequestEvent:
		if !s.transfer.request(e) {
			s.dispatch(ev)
		}
	case xproto.SelectionClearEvent:
		if !s.transfer.clear(e) {
			s.dispatch(ev)
		}
	case xproto.DestroyNotifyEvent:
		s.destroyed(e.Window)
		s.directory(ev, e.Window)
	default:
		s.directory(ev, eventWindow(ev))
	}
}

// directory feeds the toplevel directory. Events about this process's own
// frames still reach the application.
func (s *Session) directory(ev xgb.Event, win xproto.Window) {
	if s.dir != nil && s.dir.HandleEvent(ev) && !s.e.ownFrame(win) {
		return
	}
	s.dispatch(ev)
}

func (s *Session) destroyed(win xproto.Window) {
	if s.state == StateFinishing && s.ownsMessage(s.finish.target, win) {
		s.cancel("target destroyed", nil)
	}
}

func (s *Session) dispatch(ev xgb.Event) {
	if s.e.Dispatch != nil {
		s.e.Dispatch(ev)
		return
	}
	s.log.Trace().Str("event", ev.String()).Msg("Dropping unrelated event")
}

func (s *Session) clientMessage(e xproto.ClientMessageEvent) bool {
	switch e.Type {
	case s.a.XdndStatus:
		if e.Format == 32 {
			if st, err := wire.ParseStatus(e.Data.Data32); err == nil {
				s.xdndStatus(st)
			}
		}
	case s.a.XdndFinished:
		if e.Format == 32 {
			if f, err := wire.ParseFinished(e.Data.Data32); err == nil {
				s.xdndFinished(f)
			}
		}
	case s.a.MotifMessage:
		if e.Format == 8 {
			s.motifMessage(e.Data.Data8)
		}
	default:
		return false
	}
	return true
}

func eventWindow(ev xgb.Event) xproto.Window {
	switch e := ev.(type) {
	case xproto.PropertyNotifyEvent:
		return e.Window
	case xproto.MapNotifyEvent:
		return e.Window
	case xproto.UnmapNotifyEvent:
		return e.Window
	case xproto.ConfigureNotifyEvent:
		return e.Window
	}
	return xproto.WindowNone
}
