package drag

import (
	"errors"
	"fmt"
	"image"
	"testing"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/xdrag/internal/config"
	"github.com/bryanchriswhite/xdrag/internal/window"
	"github.com/bryanchriswhite/xdrag/internal/wire"
	"github.com/davecgh/go-spew/spew"
)

// xdndPeer plays an XDND receiver: every position gets a status, every
// drop a finished unless told otherwise.
type xdndPeer struct {
	win    xproto.Window
	accept bool
	// action is the atom name put in statuses
	action string
	// noPositions asks for no positions inside rect
	noPositions bool
	rect        image.Rectangle
	noFinish    bool
	// finishReject clears the accepted flag of the finished message
	finishReject bool
	finishAction string
	onDrop       func(source xproto.Window) []xgb.Event

	enters    []*wire.Enter
	positions []*wire.Position
	drops     []*wire.Drop
}

func (p *xdndPeer) reply(h *harness, m message) []xgb.Event {
	if m.data32 == nil {
		return nil
	}
	source := xproto.Window(m.data32[0])
	switch m.name {
	case "XdndEnter":
		e, _ := wire.ParseEnter(m.data32)
		p.enters = append(p.enters, e)
	case "XdndPosition":
		pos, _ := wire.ParsePosition(m.data32)
		p.positions = append(p.positions, pos)
		st := &wire.Status{Target: p.win, Accept: p.accept, SendPosition: !p.noPositions, Rect: p.rect}
		if p.accept {
			st.Action = h.d.MustAtom(p.action)
		}
		return []xgb.Event{h.message32(source, "XdndStatus", st.Data32())}
	case "XdndDrop":
		dr, _ := wire.ParseDrop(m.data32)
		p.drops = append(p.drops, dr)
		var evs []xgb.Event
		if p.onDrop != nil {
			evs = p.onDrop(source)
		}
		if p.noFinish {
			return evs
		}
		f := &wire.Finished{Target: p.win, Accepted: !p.finishReject}
		action := p.finishAction
		if action == "" {
			action = p.action
		}
		if action != "" {
			f.Action = h.d.MustAtom(action)
		}
		return append(evs, h.message32(source, "XdndFinished", f.Data32()))
	}
	return nil
}

// checkOrdering asserts that positions only reach the entered target, that
// every exchange is closed by one leave or drop, and that at most one
// target is entered at a time.
func checkOrdering(t *testing.T, msgs []message) {
	t.Helper()
	var open xproto.Window
	for i, m := range msgs {
		switch m.name {
		case "XdndEnter":
			if open != xproto.WindowNone {
				t.Fatalf("message %d: enter %#x while %#x is entered", i, m.window, open)
			}
			open = m.window
		case "XdndPosition":
			if open != m.window {
				t.Fatalf("message %d: position to %#x, entered %#x", i, m.window, open)
			}
		case "XdndLeave", "XdndDrop":
			if open != m.window {
				t.Fatalf("message %d: %s to %#x, entered %#x", i, m.name, m.window, open)
			}
			open = xproto.WindowNone
		}
	}
}

func TestXdndDrop(t *testing.T) {
	h := newHarness(t, nil)
	w := h.d.Toplevel(0, 0, 400, 400)
	setAware(h.d, w.ID, 5)
	p := &xdndPeer{win: w.ID, accept: true, action: "XdndActionCopy"}
	h.peer(w.ID, p)

	// statuses arrive after all the input: positions coalesce and the drop
	// waits for the last answer
	h.d.Queue(motion(10, 10, 100), motion(20, 20, 101), motion(30, 30, 102), release(30, 30, 103))

	res, err := h.drag(Options{Provider: Text("hi")})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeAction || res.Action != wire.ActionCopy || res.Target.Window != w.ID {
		t.Fatalf("got %s", spew.Sdump(res))
	}
	assertNames(t, h.names(), "XdndEnter", "XdndPosition", "XdndPosition", "XdndDrop")
	checkOrdering(t, h.messages())

	if len(p.enters) != 1 {
		t.Fatalf("enters %s", spew.Sdump(p.enters))
	}
	e := p.enters[0]
	if e.Source != h.source() || e.Version != 5 || e.MoreTargets || e.Targets[0] != h.d.MustAtom("text/plain") {
		t.Fatalf("enter %s", spew.Sdump(e))
	}
	if len(p.positions) != 2 || p.positions[0].X != 10 || p.positions[1].X != 30 || p.positions[1].Y != 30 {
		t.Fatalf("positions %s", spew.Sdump(p.positions))
	}
	if p.positions[0].Time != 100 || p.positions[0].Action != h.d.MustAtom("XdndActionCopy") {
		t.Fatalf("position %s", spew.Sdump(p.positions[0]))
	}
	if p.drops[0].Time != 103 {
		t.Fatalf("drop %s", spew.Sdump(p.drops[0]))
	}
	h.assertRestored()
}

func TestXdndVersionFields(t *testing.T) {
	tests := []struct {
		version    uint32
		wantTime   bool
		wantAction bool
	}{
		{2, false, false},
		{3, true, false},
		{4, true, true},
		{5, true, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("v%d", tt.version), func(t *testing.T) {
			h := newHarness(t, nil)
			h.d.ImmediateReplies = true
			w := h.d.Toplevel(0, 0, 100, 100)
			setAware(h.d, w.ID, tt.version)
			p := &xdndPeer{win: w.ID, accept: true, action: "XdndActionCopy"}
			h.peer(w.ID, p)
			h.d.Queue(motion(10, 10, 50), release(10, 10, 51))

			if _, err := h.drag(Options{}); err != nil {
				t.Fatal(err)
			}
			if int(tt.version) != p.enters[0].Version {
				t.Fatalf("enter version %d", p.enters[0].Version)
			}
			pos := p.positions[0]
			if (pos.Time != 0) != tt.wantTime || (pos.Action != 0) != tt.wantAction {
				t.Fatalf("position %s", spew.Sdump(pos))
			}
		})
	}
}

func TestXdndVersionZeroGetsNoLeave(t *testing.T) {
	h := newHarness(t, nil)
	h.d.ImmediateReplies = true
	w := h.d.Toplevel(0, 0, 100, 100)
	setAware(h.d, w.ID, 0)
	h.peer(w.ID, &xdndPeer{win: w.ID, accept: true, action: "XdndActionCopy"})
	h.d.Queue(motion(10, 10, 1), motion(500, 500, 2), release(500, 500, 3))

	res, err := h.drag(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeNone {
		t.Fatalf("got %s", spew.Sdump(res))
	}
	assertNames(t, h.names(), "XdndEnter", "XdndPosition")
}

func TestXdndOldFinishedUsesStatusAction(t *testing.T) {
	h := newHarness(t, nil)
	h.d.ImmediateReplies = true
	w := h.d.Toplevel(0, 0, 100, 100)
	setAware(h.d, w.ID, 4)
	// the finished flags mean nothing before version 5
	h.peer(w.ID, &xdndPeer{win: w.ID, accept: true, action: "XdndActionMove", finishReject: true})
	h.d.Queue(motion(10, 10, 1), release(10, 10, 2))

	res, err := h.drag(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeAction || res.Action != wire.ActionMove {
		t.Fatalf("got %s", spew.Sdump(res))
	}
}

func TestXdndFinishedRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.d.ImmediateReplies = true
	w := h.d.Toplevel(0, 0, 100, 100)
	setAware(h.d, w.ID, 5)
	h.peer(w.ID, &xdndPeer{win: w.ID, accept: true, action: "XdndActionCopy", finishReject: true})
	h.d.Queue(motion(10, 10, 1), release(10, 10, 2))

	res, err := h.drag(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeNone {
		t.Fatalf("got %s", spew.Sdump(res))
	}
}

func TestXdndRefused(t *testing.T) {
	h := newHarness(t, nil)
	h.d.ImmediateReplies = true
	w := h.d.Toplevel(0, 0, 100, 100)
	setAware(h.d, w.ID, 5)
	h.peer(w.ID, &xdndPeer{win: w.ID, accept: false})
	h.d.Queue(motion(10, 10, 1), release(10, 10, 2))

	res, err := h.drag(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeNone || res.Target.Window != w.ID {
		t.Fatalf("got %s", spew.Sdump(res))
	}
	assertNames(t, h.names(), "XdndEnter", "XdndPosition", "XdndLeave")
	checkOrdering(t, h.messages())
	cursors := h.d.Cursors()
	if cursors[len(cursors)-1] != "circle" {
		t.Fatalf("cursors %v", cursors)
	}
}

func TestXdndStatusRectSuppressesPositions(t *testing.T) {
	h := newHarness(t, nil)
	h.d.ImmediateReplies = true
	w := h.d.Toplevel(0, 0, 400, 400)
	setAware(h.d, w.ID, 5)
	p := &xdndPeer{win: w.ID, accept: true, action: "XdndActionCopy", noPositions: true, rect: image.Rect(0, 0, 100, 100)}
	h.peer(w.ID, p)
	h.d.Queue(motion(10, 10, 1), motion(20, 20, 2), motion(50, 60, 3), motion(150, 150, 4), release(150, 150, 5))

	if _, err := h.drag(Options{}); err != nil {
		t.Fatal(err)
	}
	if len(p.positions) != 2 || p.positions[1].X != 150 {
		t.Fatalf("positions %s", spew.Sdump(p.positions))
	}
	assertNames(t, h.names(), "XdndEnter", "XdndPosition", "XdndPosition", "XdndDrop")
}

func TestXdndOrdering(t *testing.T) {
	h := newHarness(t, nil)
	h.d.ImmediateReplies = true
	a := h.d.Toplevel(0, 0, 100, 100)
	b := h.d.Toplevel(200, 0, 100, 100)
	h.d.Toplevel(400, 0, 100, 100)
	setAware(h.d, a.ID, 5)
	setAware(h.d, b.ID, 3)
	h.peer(a.ID, &xdndPeer{win: a.ID, accept: true, action: "XdndActionCopy"})
	h.peer(b.ID, &xdndPeer{win: b.ID, accept: true, action: "XdndActionCopy"})
	h.d.Queue(
		motion(10, 10, 1),
		motion(210, 10, 2),
		motion(220, 10, 3),
		motion(410, 10, 4),
		motion(600, 600, 5),
		motion(20, 20, 6),
		release(20, 20, 7),
	)

	res, err := h.drag(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Target.Window != a.ID {
		t.Fatalf("got %s", spew.Sdump(res))
	}
	msgs := h.messages()
	checkOrdering(t, msgs)
	assertNames(t, h.names(),
		"XdndEnter", "XdndPosition", "XdndLeave",
		"XdndEnter", "XdndPosition", "XdndPosition", "XdndLeave",
		"XdndEnter", "XdndPosition", "XdndDrop")
	if msgs[3].window != b.ID || msgs[7].window != a.ID {
		t.Fatalf("got %s", spew.Sdump(msgs))
	}
}

func TestXdndProxy(t *testing.T) {
	h := newHarness(t, nil)
	h.d.ImmediateReplies = true
	w := h.d.Toplevel(0, 0, 100, 100)
	proxy := h.d.Child(w.ID, -10, -10, 1, 1)
	h.d.SetProp(w.ID, "XdndProxy", xproto.AtomWindow, 32, window.Encode32(uint32(proxy.ID)))
	h.d.SetProp(proxy.ID, "XdndProxy", xproto.AtomWindow, 32, window.Encode32(uint32(proxy.ID)))
	setAware(h.d, proxy.ID, 5)
	h.peer(proxy.ID, &xdndPeer{win: w.ID, accept: true, action: "XdndActionLink"})
	h.d.Queue(motion(10, 10, 1), release(10, 10, 2))

	res, err := h.drag(Options{Action: wire.ActionLink})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeAction || res.Action != wire.ActionLink {
		t.Fatalf("got %s", spew.Sdump(res))
	}
	for _, m := range h.messages() {
		if m.dest != proxy.ID || m.window != w.ID {
			t.Fatalf("%s: dest %#x window %#x", m.name, m.dest, m.window)
		}
	}
}

func TestXdndManyTargets(t *testing.T) {
	h := newHarness(t, nil)
	h.d.ImmediateReplies = true
	w := h.d.Toplevel(0, 0, 100, 100)
	setAware(h.d, w.ID, 5)
	p := &xdndPeer{win: w.ID, accept: true, action: "XdndActionCopy"}
	h.peer(w.ID, p)
	h.d.Queue(motion(10, 10, 1), release(10, 10, 2))

	targets := []string{"text/uri-list", "text/plain", "UTF8_STRING", "STRING", "text/plain"}
	if _, err := h.drag(Options{Targets: targets}); err != nil {
		t.Fatal(err)
	}
	if !p.enters[0].MoreTargets {
		t.Fatal("more targets flag not set")
	}
	list := h.d.Prop(h.source(), "XdndTypeList")
	if list == nil {
		t.Fatal("no type list")
	}
	// duplicates are offered once
	if got := list.Uint32s(); len(got) != 4 || xproto.Atom(got[0]) != h.d.MustAtom("text/uri-list") {
		t.Fatalf("type list %v", got)
	}
}

func TestXdndAskActions(t *testing.T) {
	h := newHarness(t, nil)
	h.d.ImmediateReplies = true
	w := h.d.Toplevel(0, 0, 100, 100)
	setAware(h.d, w.ID, 5)
	h.peer(w.ID, &xdndPeer{win: w.ID, accept: true, action: "XdndActionAsk", finishAction: "XdndActionMove"})
	h.d.Queue(motion(10, 10, 1), release(10, 10, 2))

	res, err := h.drag(Options{
		Action:          wire.ActionAsk,
		AskActions:      []wire.Action{wire.ActionCopy, wire.ActionMove},
		AskDescriptions: []string{"Copy here", "Move here"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != wire.ActionMove {
		t.Fatalf("got %s", spew.Sdump(res))
	}
	list := h.d.Prop(h.source(), "XdndActionList").Uint32s()
	if len(list) != 2 || xproto.Atom(list[1]) != h.d.MustAtom("XdndActionMove") {
		t.Fatalf("action list %v", list)
	}
	if desc := h.d.Prop(h.source(), "XdndActionDescription"); string(desc.Value) != "Copy here\x00Move here\x00" {
		t.Fatalf("descriptions %q", desc.Value)
	}
}

func TestXdndServesDataBeforeFinishing(t *testing.T) {
	h := newHarness(t, nil)
	h.d.ImmediateReplies = true
	w := h.d.Toplevel(0, 0, 100, 100)
	setAware(h.d, w.ID, 5)
	sel := h.d.MustAtom("XdndSelection")
	request := func(source xproto.Window, target, prop string) xproto.SelectionRequestEvent {
		return xproto.SelectionRequestEvent{
			Owner:     source,
			Requestor: w.ID,
			Selection: sel,
			Target:    h.d.MustAtom(target),
			Property:  h.d.MustAtom(prop),
		}
	}
	h.peer(w.ID, &xdndPeer{
		win:    w.ID,
		accept: true,
		action: "XdndActionCopy",
		onDrop: func(source xproto.Window) []xgb.Event {
			return []xgb.Event{
				request(source, "TARGETS", "P_TARGETS"),
				request(source, "text/plain", "P_TEXT"),
				request(source, "image/png", "P_PNG"),
			}
		},
	})
	h.d.Queue(motion(10, 10, 1), release(10, 10, 2))

	res, err := h.drag(Options{Targets: []string{"text/plain", "UTF8_STRING"}, Provider: Text("dropped")})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeAction {
		t.Fatalf("got %s", spew.Sdump(res))
	}

	targets := h.d.Prop(w.ID, "P_TARGETS").Uint32s()
	if len(targets) != 3 || xproto.Atom(targets[0]) != h.d.MustAtom("TARGETS") {
		t.Fatalf("targets %v", targets)
	}
	if p := h.d.Prop(w.ID, "P_TEXT"); p == nil || string(p.Value) != "dropped" {
		t.Fatalf("text %s", spew.Sdump(p))
	}
	var notifies []xproto.SelectionNotifyEvent
	for _, s := range h.d.Sent() {
		if n, ok := s.Event.(xproto.SelectionNotifyEvent); ok {
			notifies = append(notifies, n)
		}
	}
	if len(notifies) != 3 {
		t.Fatalf("notifies %s", spew.Sdump(notifies))
	}
	if notifies[2].Property != xproto.AtomNone || notifies[1].Property != h.d.MustAtom("P_TEXT") {
		t.Fatalf("notifies %s", spew.Sdump(notifies))
	}
}

func TestXdndFinishTimeout(t *testing.T) {
	base := time.Unix(1000, 0)
	calls := 0
	timeNow = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Second)
	}
	t.Cleanup(func() { timeNow = time.Now })

	h := newHarness(t, func(c *config.DragConfig) { c.FinishTimeout = "1s" })
	h.d.ImmediateReplies = true
	w := h.d.Toplevel(0, 0, 100, 100)
	setAware(h.d, w.ID, 5)
	h.peer(w.ID, &xdndPeer{win: w.ID, accept: true, action: "XdndActionCopy", noFinish: true})
	h.d.Queue(motion(10, 10, 1), release(10, 10, 2))

	res, err := h.drag(Options{})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("got %v", err)
	}
	if res.Outcome != OutcomeNone {
		t.Fatalf("got %s", spew.Sdump(res))
	}
	// the drop went out, so no leave follows it
	assertNames(t, h.names(), "XdndEnter", "XdndPosition", "XdndDrop")
	h.assertRestored()
}

func TestXdndTargetDestroyedWhileFinishing(t *testing.T) {
	h := newHarness(t, nil)
	h.d.ImmediateReplies = true
	w := h.d.Toplevel(0, 0, 100, 100)
	setAware(h.d, w.ID, 5)
	h.peer(w.ID, &xdndPeer{
		win:      w.ID,
		accept:   true,
		action:   "XdndActionCopy",
		noFinish: true,
		onDrop: func(xproto.Window) []xgb.Event {
			h.d.Vanish(w.ID)
			return []xgb.Event{xproto.DestroyNotifyEvent{Event: w.ID, Window: w.ID}}
		},
	})
	h.d.Queue(motion(10, 10, 1), release(10, 10, 2))

	_, err := h.drag(Options{})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("got %v", err)
	}
	h.assertRestored()
}

func TestXdndTargetVanishedWhileTracking(t *testing.T) {
	h := newHarness(t, nil)
	h.d.ImmediateReplies = true
	w := h.d.Toplevel(0, 0, 100, 100)
	setAware(h.d, w.ID, 5)
	h.peer(w.ID, &xdndPeer{win: w.ID, accept: true, action: "XdndActionCopy"})
	h.e.Dispatch = func(xgb.Event) { h.d.Vanish(w.ID) }
	h.d.Queue(motion(10, 10, 1), xproto.ExposeEvent{Window: 77}, motion(500, 500, 2), release(500, 500, 3))

	res, err := h.drag(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeNone {
		t.Fatalf("got %s", spew.Sdump(res))
	}
	// the leave could not be delivered
	assertNames(t, h.names(), "XdndEnter", "XdndPosition")
	if sent := h.d.Sent(); len(sent) != 2 {
		t.Fatalf("sent %s", spew.Sdump(sent))
	}
}
