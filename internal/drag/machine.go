package drag

import (
	"image"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/xdrag/internal/probe"
	"github.com/bryanchriswhite/xdrag/internal/wire"
)

// hit is the outcome of resolving a pointer position.
type hit struct {
	target   probe.Target // Window is none when nothing can take the drop
	toplevel xproto.Window
	own      bool
	frame    xproto.Window
}

const maxDepth = 64

// locate finds what is under (x, y): through the toplevel directory when
// there is one, else by walking down the window tree from the root.
func (s *Session) locate(x, y int) hit {
	if s.dir != nil {
		return s.locateToplevel(x, y)
	}
	return s.locateTree(x, y)
}

func (s *Session) locateToplevel(x, y int) hit {
	if err := s.dir.Ensure(); err != nil {
		s.log.Debug().Err(err).Msg("Toplevel rebuild failed")
	}
	rec, blocked := s.dir.Locate(x, y)
	if blocked {
		return hit{}
	}
	if rec == nil {
		// the desktop itself
		return hit{target: s.prober.Probe(s.b.Root())}
	}
	if s.e.ownFrame(rec.Window) {
		return hit{toplevel: rec.Window, own: true, frame: rec.Window}
	}
	return hit{target: s.prober.Probe(rec.Window), toplevel: rec.Window}
}

func (s *Session) locateTree(x, y int) hit {
	path := s.path(x, y)
	if len(path) == 0 {
		return hit{target: s.prober.Probe(s.b.Root())}
	}
	h := hit{toplevel: path[0]}
	for _, win := range path {
		if s.e.ownFrame(win) {
			h.own, h.frame = true, win
			return h
		}
	}
	local := probe.LocalChain(s.prober.Options())
	for _, win := range path {
		t := s.prober.ProbeChain(win, local)
		if t.Vanished {
			return h
		}
		if t.Supported() {
			h.target = t
			return h
		}
	}
	h.target = s.prober.Probe(path[len(path)-1])
	return h
}

// path lists the windows containing (x, y), outermost first, root
// excluded.
func (s *Session) path(x, y int) []xproto.Window {
	var path []xproto.Window
	parent := s.b.Root()
	for range maxDepth {
		child, err := s.b.ChildAt(parent, x, y)
		if err != nil || child == xproto.WindowNone {
			break
		}
		path = append(path, child)
		parent = child
	}
	return path
}

func (s *Session) sameHit(h hit) bool {
	if h.own || s.cur.own {
		return h.own == s.cur.own && h.frame == s.cur.frame
	}
	return h.target.Same(s.cur.target)
}

// motion handles one pointer sample.
func (s *Session) motion(x, y int, t xproto.Timestamp) {
	s.stamp(t)
	s.last = image.Pt(x, y)
	switch s.state {
	case StateArmed:
		s.state = StateTracking
	case StateTracking:
	default:
		return
	}

	h := s.locate(x, y)
	if h.toplevel != s.toplevel {
		s.toplevel = h.toplevel
		if h.own {
			s.e.notify(Notification{Kind: NotifyFrameEntered, Session: s.id, Window: h.frame, X: x, Y: y})
		}
	}
	if s.returnFrame(h) {
		return
	}
	if !s.sameHit(h) {
		s.leave()
		s.enter(h, x, y)
		return
	}
	s.position(x, y)
}

// returnFrame runs the own frame return transitions and reports whether
// the sample was consumed by them.
//
//	armed   + over another own frame      -> leave target, pending(frame)
//	pending + still over the same frame   -> done, OutcomeOwnFrame
//	pending + anywhere else               -> armed, sample handled normally
func (s *Session) returnFrame(h hit) bool {
	switch s.ret.mode {
	case returnPending:
		if h.own && h.frame == s.ret.frame {
			s.log.Debug().Uint32("frame", uint32(h.frame)).Msg("Returning own frame")
			s.complete(Result{Outcome: OutcomeOwnFrame, Frame: h.frame})
			return true
		}
		s.ret.mode = returnArmed
	case returnArmed:
		if h.own && (h.frame != s.opts.Frame || s.opts.AllowSourceFrame) {
			s.leave()
			s.cur = current{own: true, frame: h.frame, toplevel: h.toplevel}
			s.ret.mode = returnPending
			s.ret.frame = h.frame
			s.setCursor(s.cfg.Cursors.Accept)
			return true
		}
	}
	return false
}

func (s *Session) resetFeedback() {
	s.accepting = false
	s.accepted = wire.ActionNone
	s.awaitingStatus = false
	s.pending = nil
	s.noMotion = image.Rectangle{}
}

func (s *Session) enter(h hit, x, y int) {
	s.cur = current{target: h.target, toplevel: h.toplevel, own: h.own, frame: h.frame}
	s.resetFeedback()

	target := h.target
	s.e.notify(Notification{Kind: NotifyTargetChanged, Session: s.id, Window: target.Window, X: x, Y: y, Target: &target})
	s.log.Debug().
		Uint32("window", uint32(target.Window)).
		Stringer("protocol", target.Protocol).
		Bool("own", h.own).
		Msg("Target changed")

	switch {
	case h.own:
		s.setCursor(s.cfg.Cursors.Accept)
		return
	case target.Protocol == probe.ProtocolXDND:
		s.setCursor(s.cfg.Cursors.Deny)
		if s.sendXdndEnter(target) {
			s.cur.entered = true
			s.position(x, y)
		}
	case target.Protocol == probe.ProtocolMotif:
		s.setCursor(s.cfg.Cursors.Drag)
		if target.Dynamic() && s.sendMotifEnter(target) {
			s.cur.entered = true
			s.position(x, y)
		}
	case target.Window != xproto.WindowNone && s.cfg.FallbackEnabled && h.toplevel != xproto.WindowNone:
		s.setCursor(s.cfg.Cursors.Drag)
	default:
		s.setCursor(s.cfg.Cursors.Deny)
	}
}

// leave ends the exchange with the current target, if one was entered.
func (s *Session) leave() {
	if s.cur.entered {
		switch s.cur.target.Protocol {
		case probe.ProtocolXDND:
			s.sendXdndLeave(s.cur.target)
		case probe.ProtocolMotif:
			s.sendMotifLeave(s.cur.target)
		}
	}
	s.cur = current{}
	s.resetFeedback()
}

// position reports the pointer to an entered target.
func (s *Session) position(x, y int) {
	if !s.cur.entered {
		return
	}
	switch s.cur.target.Protocol {
	case probe.ProtocolXDND:
		p := image.Pt(x, y)
		if p.In(s.noMotion) {
			return
		}
		if s.awaitingStatus {
			s.pending = &p
			return
		}
		if s.sendXdndPosition(s.cur.target, x, y) {
			s.awaitingStatus = true
			s.pending = nil
		}
	case probe.ProtocolMotif:
		s.sendMotifMotion(s.cur.target, x, y)
	}
}

// release handles the button release that ends the drag proper.
func (s *Session) release(x, y int, t xproto.Timestamp) {
	if s.state == StateArmed || s.last != image.Pt(x, y) {
		s.motion(x, y, t)
	} else {
		s.stamp(t)
	}
	if s.done || s.state != StateTracking {
		return
	}

	c := s.cur
	switch {
	case c.own:
		s.log.Debug().Uint32("frame", uint32(c.frame)).Msg("Dropped on own frame")
		s.complete(Result{Outcome: OutcomeOwnFrame, Frame: c.frame})
	case c.target.Protocol == probe.ProtocolXDND:
		if !c.entered {
			s.complete(Result{Outcome: OutcomeNone, Target: c.target})
			return
		}
		s.beginFinish(c.target)
		if s.awaitingStatus {
			// the drop goes out once the target answered the last position
			s.finish.dropPending = true
			return
		}
		s.xdndDrop()
	case c.target.Protocol == probe.ProtocolMotif:
		s.motifDrop(x, y)
	case c.target.Window != xproto.WindowNone && !c.target.Vanished &&
		s.cfg.FallbackEnabled && c.toplevel != xproto.WindowNone:
		s.fallback(x, y)
	default:
		s.complete(Result{Outcome: OutcomeNone, Target: c.target})
	}
}

func (s *Session) beginFinish(t probe.Target) {
	s.state = StateFinishing
	s.finish.target = t
	if d := s.cfg.FinishTimeoutDuration(); d > 0 {
		s.finish.deadline = timeNow().Add(d)
	}
}

//----------

func (s *Session) xdndDrop() {
	t := s.finish.target
	if !s.accepting {
		s.log.Debug().Uint32("window", uint32(t.Window)).Msg("Target refused the drop")
		s.leave()
		s.complete(Result{Outcome: OutcomeNone, Target: t})
		return
	}
	if !s.sendXdnd(t, s.a.XdndDrop, (&wire.Drop{Source: s.source, Time: s.time}).Data32()) {
		return
	}
	s.cur.entered = false
	s.finish.awaitFinished = true
}

func (s *Session) ownsMessage(t probe.Target, win xproto.Window) bool {
	return t.Window != xproto.WindowNone && (win == t.Window || win == t.Dest)
}

func (s *Session) xdndStatus(st *wire.Status) {
	t := s.cur.target
	if t.Protocol != probe.ProtocolXDND || !s.cur.entered || !s.ownsMessage(t, st.Target) {
		s.log.Debug().Uint32("from", uint32(st.Target)).Msg("Ignoring stale status")
		return
	}
	s.awaitingStatus = false
	s.accepting = st.Accept
	s.accepted = wire.ActionNone
	if st.Accept {
		s.accepted = s.e.action(st.Action)
	}
	s.noMotion = image.Rectangle{}
	if !st.SendPosition {
		s.noMotion = st.Rect
	}
	if st.Accept {
		s.setCursor(s.cfg.Cursors.Accept)
	} else {
		s.setCursor(s.cfg.Cursors.Deny)
	}
	s.log.Debug().
		Uint32("window", uint32(t.Window)).
		Bool("accept", st.Accept).
		Stringer("action", s.accepted).
		Msg("Status")

	if s.pending != nil {
		p := *s.pending
		s.pending = nil
		s.position(p.X, p.Y)
		if s.awaitingStatus {
			// a pending drop waits for the answer to this one
			return
		}
	}
	if s.finish.dropPending {
		s.finish.dropPending = false
		s.xdndDrop()
	}
}

func (s *Session) xdndFinished(f *wire.Finished) {
	t := s.finish.target
	if !s.finish.awaitFinished || !s.ownsMessage(t, f.Target) {
		s.log.Debug().Uint32("from", uint32(f.Target)).Msg("Ignoring unexpected finished")
		return
	}
	if t.Version >= 5 {
		if !f.Accepted {
			s.complete(Result{Outcome: OutcomeNone, Target: t})
			return
		}
		s.complete(Result{Outcome: OutcomeAction, Action: s.e.action(f.Action), Target: t})
		return
	}
	a := s.accepted
	if a == wire.ActionNone {
		a = s.action
	}
	s.complete(Result{Outcome: OutcomeAction, Action: a, Target: t})
}

//----------

func (s *Session) motifDrop(x, y int) {
	t := s.cur.target
	if err := s.publishMotif(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to publish Motif targets")
		s.leave()
		s.complete(Result{Outcome: OutcomeNone, Target: t})
		return
	}
	if !t.Dynamic() {
		if s.sendMotifDrop(t, x, y) {
			s.complete(Result{Outcome: OutcomeAction, Action: s.action, Target: t})
		} else {
			s.complete(Result{Outcome: OutcomeNone, Target: t})
		}
		return
	}
	s.beginFinish(t)
	if s.sendMotifDrop(t, x, y) {
		s.cur.entered = false
		s.finish.awaitReply = true
	}
}

func (s *Session) motifMessage(data []byte) {
	origin, code, err := wire.PeekMotif(data)
	if err != nil || origin != wire.Receiver {
		// our own messages and other initiators
		return
	}
	switch code {
	case wire.CodeDragMotion:
		m, err := wire.DecodeMotionReply(data)
		if err != nil || !s.cur.entered || s.cur.target.Protocol != probe.ProtocolMotif {
			return
		}
		se := m.SideEffects
		s.accepting = se.SiteStatus() == wire.SiteValid && se.Operation() != wire.MotifOpNoop
		s.accepted = wire.ActionNone
		if s.accepting {
			s.accepted = wire.ActionFromMotifOperation(se.Operation())
			s.setCursor(s.cfg.Cursors.Accept)
		} else {
			s.setCursor(s.cfg.Cursors.Deny)
		}
	case wire.CodeDropSiteLeave:
		if s.cur.entered && s.cur.target.Protocol == probe.ProtocolMotif {
			s.accepting = false
			s.setCursor(s.cfg.Cursors.Deny)
		}
	case wire.CodeDropStart:
		if !s.finish.awaitReply {
			return
		}
		r, err := wire.DecodeDropStartReply(data)
		if err != nil {
			s.log.Debug().Err(err).Msg("Ignoring malformed drop start reply")
			return
		}
		s.motifReply(r)
	}
}

func (s *Session) motifReply(r *wire.DropStartReply) {
	t := s.finish.target
	s.finish.awaitReply = false
	se := r.SideEffects
	s.log.Debug().
		Uint8("site", se.SiteStatus()).
		Uint8("operation", se.Operation()).
		Uint8("drop_action", se.DropAction()).
		Msg("Drop start reply")

	if se.SiteStatus() != wire.SiteValid || se.Operation() == wire.MotifOpNoop || se.DropAction() == wire.DropActionCancel {
		s.complete(Result{Outcome: OutcomeNone, Target: t})
		return
	}
	s.accepted = wire.ActionFromMotifOperation(se.Operation())
	if s.finish.transferred != nil {
		s.transferDone(*s.finish.transferred)
		return
	}
	s.finish.awaitTransfer = true
}

// transferResult is called when the receiver converts one of the transfer
// result targets.
func (s *Session) transferResult(success bool) {
	if s.state != StateFinishing || s.finish.target.Protocol != probe.ProtocolMotif {
		return
	}
	if s.finish.awaitReply {
		s.finish.transferred = &success
		return
	}
	if s.finish.awaitTransfer {
		s.transferDone(success)
	}
}

func (s *Session) transferDone(success bool) {
	t := s.finish.target
	if !success {
		s.complete(Result{Outcome: OutcomeNone, Target: t})
		return
	}
	s.complete(Result{Outcome: OutcomeAction, Action: s.accepted, Target: t})
}

// lost handles a window that disappeared under a request.
func (s *Session) lost(win xproto.Window) {
	switch s.state {
	case StateFinishing:
		if s.ownsMessage(s.finish.target, win) {
			s.cancel("target vanished", nil)
		}
	case StateTracking:
		if s.ownsMessage(s.cur.target, win) {
			s.log.Debug().Uint32("window", uint32(win)).Msg("Target vanished")
			s.cur.entered = false
			s.cur.target.Vanished = true
			s.resetFeedback()
		}
	}
}
