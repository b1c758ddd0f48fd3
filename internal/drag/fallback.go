package drag

import (
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/xdrag/internal/wire"
)

// fallback turns a drop on a window that speaks no drag protocol into a
// middle click paste: the data becomes the primary selection and a button
// 2 press and release is sent to the innermost window under the pointer.
// The two clicks carry fresh timestamps so the paste request they trigger
// can be told apart from a real click.
func (s *Session) fallback(x, y int) {
	target := s.cur.target

	if err := s.transfer.own(s.a.Primary, s.time); err != nil {
		s.log.Warn().Err(err).Msg("Failed to own primary selection")
		s.complete(Result{Outcome: OutcomeNone, Target: target})
		return
	}

	inner := target.Window
	if path := s.path(x, y); len(path) > 0 {
		inner = path[len(path)-1]
	}
	ex, ey := x, y
	if infos := s.b.Describe([]xproto.Window{inner}); len(infos) == 1 && infos[0].Err == nil {
		ex -= infos[0].Geometry.X
		ey -= infos[0].Geometry.Y
	}

	t1, t2 := s.e.syntheticTimes(s.time)
	press := xproto.ButtonPressEvent{
		Detail:     xproto.ButtonIndex2,
		Time:       t1,
		Root:       s.b.Root(),
		Event:      inner,
		Child:      xproto.WindowNone,
		RootX:      int16(x),
		RootY:      int16(y),
		EventX:     int16(ex),
		EventY:     int16(ey),
		SameScreen: true,
	}
	release := xproto.ButtonReleaseEvent{
		Detail:     xproto.ButtonIndex2,
		Time:       t2,
		Root:       s.b.Root(),
		Event:      inner,
		Child:      xproto.WindowNone,
		RootX:      int16(x),
		RootY:      int16(y),
		EventX:     int16(ex),
		EventY:     int16(ey),
		State:      xproto.KeyButMaskButton2,
		SameScreen: true,
	}
	if err := s.b.SendEvent(inner, true, xproto.EventMaskButtonPress, press); err != nil {
		s.log.Debug().Err(err).Uint32("window", uint32(inner)).Msg("Synthetic press failed")
		s.complete(Result{Outcome: OutcomeNone, Target: target})
		return
	}
	if err := s.b.SendEvent(inner, true, xproto.EventMaskButtonRelease, release); err != nil {
		s.log.Debug().Err(err).Uint32("window", uint32(inner)).Msg("Synthetic release failed")
	}

	s.e.notify(Notification{
		Kind:    NotifyUnsupportedDrop,
		Session: s.id,
		Window:  inner,
		X:       x,
		Y:       y,
		Target:  &target,
		Targets: s.opts.Targets,
		Action:  s.action.String(),
	})
	s.log.Info().
		Uint32("window", uint32(inner)).
		Uint32("press_time", uint32(t1)).
		Uint32("release_time", uint32(t2)).
		Msg("Unsupported drop, pasted primary selection")
	s.complete(Result{Outcome: OutcomeAction, Action: wire.ActionPrivate, Target: target})
}
