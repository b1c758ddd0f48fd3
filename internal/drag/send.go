package drag

import (
	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/xdrag/internal/probe"
	"github.com/bryanchriswhite/xdrag/internal/window"
	"github.com/bryanchriswhite/xdrag/internal/wire"
)

// send delivers ev to dest. A vanished destination is reported through
// lost and is not an error.
func (s *Session) send(dest xproto.Window, name string, ev xgb.Event) bool {
	t := window.Catch(name)
	defer t.Release()

	err := s.b.SendEvent(dest, false, xproto.EventMaskNoEvent, ev)
	t.Record(err)
	switch {
	case t.Gone():
		s.log.Debug().Uint32("dest", uint32(dest)).Str("message", name).Msg("Destination vanished")
		s.lost(dest)
		return false
	case err != nil:
		s.log.Warn().Err(err).Uint32("dest", uint32(dest)).Str("message", name).Msg("Failed to send")
		return false
	}
	s.log.Debug().Uint32("dest", uint32(dest)).Str("message", name).Msg("Sent")
	return true
}

// sendXdnd sends a 32-bit client message naming t.Window to t.Dest.
func (s *Session) sendXdnd(t probe.Target, typ xproto.Atom, data []uint32) bool {
	ev := xproto.ClientMessageEvent{
		Format: 32,
		Window: t.Window,
		Type:   typ,
		Data:   xproto.ClientMessageDataUnionData32New(data),
	}
	return s.send(t.Dest, xdndName(s.a, typ), ev)
}

func xdndName(a *atoms, typ xproto.Atom) string {
	switch typ {
	case a.XdndEnter:
		return "XdndEnter"
	case a.XdndPosition:
		return "XdndPosition"
	case a.XdndLeave:
		return "XdndLeave"
	case a.XdndDrop:
		return "XdndDrop"
	}
	return "xdnd"
}

func (s *Session) sendXdndEnter(t probe.Target) bool {
	inline, more := wire.InlineTargets(s.targets)
	enter := &wire.Enter{Source: s.source, Version: t.Version, MoreTargets: more, Targets: inline}
	return s.sendXdnd(t, s.a.XdndEnter, enter.Data32())
}

func (s *Session) sendXdndPosition(t probe.Target, x, y int) bool {
	pos := &wire.Position{Source: s.source, X: int16(x), Y: int16(y)}
	if t.Version >= 3 {
		pos.Time = s.time
	}
	if t.Version >= 4 {
		pos.Action = s.e.actionAtoms[s.action]
	}
	return s.sendXdnd(t, s.a.XdndPosition, pos.Data32())
}

func (s *Session) sendXdndLeave(t probe.Target) bool {
	if t.Version < 1 {
		return true
	}
	return s.sendXdnd(t, s.a.XdndLeave, (&wire.Leave{Source: s.source}).Data32())
}

//----------

// sendMotif sends an 8-bit client message; the payload is padded to the
// fixed message size.
func (s *Session) sendMotif(t probe.Target, name string, payload []byte) bool {
	buf := make([]byte, wire.MotifMessageSize)
	copy(buf, payload)
	ev := xproto.ClientMessageEvent{
		Format: 8,
		Window: t.Window,
		Type:   s.a.MotifMessage,
		Data:   xproto.ClientMessageDataUnionData8New(buf),
	}
	return s.send(t.Dest, name, ev)
}

// offered is the Motif operation set: the desired action plus any
// secondary ones.
func (s *Session) offered() uint8 {
	ops := s.action.MotifOperation()
	for _, a := range s.opts.AskActions {
		ops |= a.MotifOperation()
	}
	return ops
}

func (s *Session) sideEffects(dropAction uint8) wire.SideEffects {
	return wire.MakeSideEffects(s.action.MotifOperation(), 0, s.offered(), dropAction)
}

func (s *Session) sendMotifEnter(t probe.Target) bool {
	if err := s.publishMotif(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to publish Motif targets")
		return false
	}
	m := &wire.TopLevelEnter{Origin: wire.Initiator, Time: s.time, Source: s.source, IndexAtom: s.motif.indexAtom}
	return s.sendMotif(t, "TopLevelEnter", m.Encode())
}

func (s *Session) sendMotifMotion(t probe.Target, x, y int) bool {
	m := &wire.DragMotion{
		Origin:      wire.Initiator,
		SideEffects: s.sideEffects(wire.DropActionDrop),
		Time:        s.time,
		X:           int16(x),
		Y:           int16(y),
	}
	return s.sendMotif(t, "DragMotion", m.Encode())
}

// sendMotifLeave moves the pointer off every drop site with a cancel
// before the leave itself; some receivers drop a bare leave.
func (s *Session) sendMotifLeave(t probe.Target) bool {
	m := &wire.DragMotion{
		Origin:      wire.Initiator,
		SideEffects: s.sideEffects(wire.DropActionCancel),
		Time:        s.time,
		X:           wire.OffscreenCoord,
		Y:           wire.OffscreenCoord,
	}
	if !s.sendMotif(t, "DragMotion", m.Encode()) {
		return false
	}
	l := &wire.TopLevelLeave{Origin: wire.Initiator, Time: s.time, Source: s.source}
	return s.sendMotif(t, "TopLevelLeave", l.Encode())
}

func (s *Session) sendMotifDrop(t probe.Target, x, y int) bool {
	m := &wire.DropStart{
		Origin:      wire.Initiator,
		SideEffects: s.sideEffects(wire.DropActionDrop),
		Time:        s.time,
		X:           int16(x),
		Y:           int16(y),
		IndexAtom:   s.motif.indexAtom,
		Source:      s.source,
	}
	return s.sendMotif(t, "DropStart", m.Encode())
}
