package drag

import (
	"context"
	"errors"
	"testing"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/xdrag/internal/config"
	"github.com/bryanchriswhite/xdrag/internal/window"
	"github.com/bryanchriswhite/xdrag/internal/window/windowtest"
	"github.com/bryanchriswhite/xdrag/internal/wire"
	"github.com/davecgh/go-spew/spew"
)

// message is a client message the engine sent, decoded for assertions.
type message struct {
	name   string
	dest   xproto.Window
	window xproto.Window
	data32 []uint32
	data8  []byte
}

type peer interface {
	reply(h *harness, m message) []xgb.Event
}

type harness struct {
	t     *testing.T
	d     *windowtest.Display
	e     *Engine
	notes chan Notification
	peers map[xproto.Window]peer
}

func newHarness(t *testing.T, mutate func(*config.DragConfig)) *harness {
	t.Helper()
	d := windowtest.NewDisplay()
	cfg := config.Defaults().Drag
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(d, cfg)
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{t: t, d: d, e: e, notes: e.Subscribe(), peers: make(map[xproto.Window]peer)}
	d.OnSend = func(_ *windowtest.Display, s windowtest.Sent) []xgb.Event {
		m, ok := h.decode(s)
		if !ok {
			return nil
		}
		if p := h.peers[s.Dest]; p != nil {
			return p.reply(h, m)
		}
		return nil
	}
	return h
}

func (h *harness) peer(win xproto.Window, p peer) { h.peers[win] = p }

func (h *harness) drag(opts Options) (Result, error) {
	if opts.Targets == nil {
		opts.Targets = []string{"text/plain"}
	}
	return h.e.Drag(context.Background(), opts)
}

func (h *harness) source() xproto.Window {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	return h.e.source
}

var motifNames = map[wire.MotifCode]string{
	wire.CodeTopLevelEnter: "TopLevelEnter",
	wire.CodeTopLevelLeave: "TopLevelLeave",
	wire.CodeDragMotion:    "DragMotion",
	wire.CodeDropStart:     "DropStart",
}

func (h *harness) decode(s windowtest.Sent) (message, bool) {
	ev, ok := s.Event.(xproto.ClientMessageEvent)
	if !ok {
		return message{}, false
	}
	name, _ := h.d.AtomName(ev.Type)
	m := message{name: name, dest: s.Dest, window: ev.Window}
	if ev.Format == 32 {
		m.data32 = ev.Data.Data32
		return m, true
	}
	m.data8 = ev.Data.Data8
	if _, code, err := wire.PeekMotif(m.data8); err == nil {
		m.name = motifNames[code]
	}
	return m, true
}

// messages returns the client messages sent so far, in order.
func (h *harness) messages() []message {
	var out []message
	for _, s := range h.d.Sent() {
		if m, ok := h.decode(s); ok {
			out = append(out, m)
		}
	}
	return out
}

func (h *harness) names() []string {
	var out []string
	for _, m := range h.messages() {
		out = append(out, m.name)
	}
	return out
}

func (h *harness) message32(win xproto.Window, typ string, data []uint32) xproto.ClientMessageEvent {
	return xproto.ClientMessageEvent{
		Format: 32,
		Window: win,
		Type:   h.d.MustAtom(typ),
		Data:   xproto.ClientMessageDataUnionData32New(data),
	}
}

func (h *harness) message8(win xproto.Window, payload []byte) xproto.ClientMessageEvent {
	buf := make([]byte, wire.MotifMessageSize)
	copy(buf, payload)
	return xproto.ClientMessageEvent{
		Format: 8,
		Window: win,
		Type:   h.d.MustAtom("_MOTIF_DRAG_AND_DROP_MESSAGE"),
		Data:   xproto.ClientMessageDataUnionData8New(buf),
	}
}

// notifications drains what was published so far.
func (h *harness) notifications() []Notification {
	var out []Notification
	for {
		select {
		case n := <-h.notes:
			out = append(out, n)
		default:
			return out
		}
	}
}

// assertRestored checks that nothing taken for the session is still held.
func (h *harness) assertRestored() {
	h.t.Helper()
	if h.d.PointerGrabbed || h.d.KeyboardGrabbed {
		h.t.Fatalf("grabs left behind: pointer %v keyboard %v", h.d.PointerGrabbed, h.d.KeyboardGrabbed)
	}
	if m := h.d.Window(windowtest.RootID).Mask; m != 0 {
		h.t.Fatalf("root event mask not restored: %#x", m)
	}
	if h.d.ServerGrabs != 0 {
		h.t.Fatalf("server grabs %d", h.d.ServerGrabs)
	}
	if h.e.Busy() {
		h.t.Fatal("engine still busy")
	}
}

func motion(x, y int, t xproto.Timestamp) xproto.MotionNotifyEvent {
	return xproto.MotionNotifyEvent{
		Root:  windowtest.RootID,
		RootX: int16(x),
		RootY: int16(y),
		Time:  t,
		State: xproto.KeyButMaskButton1,
	}
}

func release(x, y int, t xproto.Timestamp) xproto.ButtonReleaseEvent {
	return xproto.ButtonReleaseEvent{
		Detail: xproto.ButtonIndex1,
		Root:   windowtest.RootID,
		RootX:  int16(x),
		RootY:  int16(y),
		Time:   t,
		State:  xproto.KeyButMaskButton1,
	}
}

func setAware(d *windowtest.Display, win xproto.Window, version uint32) {
	d.SetProp(win, "XdndAware", xproto.AtomAtom, 32, window.Encode32(version))
}

func setMotif(d *windowtest.Display, win xproto.Window, style uint8) {
	d.SetProp(win, "_MOTIF_DRAG_RECEIVER_INFO", d.MustAtom("_MOTIF_DRAG_RECEIVER_INFO"), 8,
		(&wire.ReceiverInfo{RawStyle: style}).Encode())
}

//----------

func TestNoTargets(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.e.Drag(context.Background(), Options{}); !errors.Is(err, ErrNoTargets) {
		t.Fatalf("got %v", err)
	}
	if h.d.PointerGrabbed {
		t.Fatal("grabbed without targets")
	}
}

func TestCancelledContext(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.e.Drag(ctx, Options{Targets: []string{"text/plain"}})
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
	if res.Outcome != OutcomeNone {
		t.Fatalf("got %s", spew.Sdump(res))
	}
	h.assertRestored()
}

func TestEventSourceFailure(t *testing.T) {
	h := newHarness(t, nil)
	w := h.d.Toplevel(0, 0, 100, 100)
	setAware(h.d, w.ID, 5)
	h.d.Queue(motion(10, 10, 1))

	_, err := h.drag(Options{})
	if !errors.Is(err, windowtest.ErrDrained) {
		t.Fatalf("got %v", err)
	}
	h.assertRestored()
	// the target saw an enter, so it must see the leave too
	if got := h.names(); len(got) != 3 || got[2] != "XdndLeave" {
		t.Fatalf("got %v", got)
	}
}

func TestSetupTakesAndReleases(t *testing.T) {
	h := newHarness(t, nil)
	var during struct {
		pointer, keyboard bool
		mask              uint32
		owner             xproto.Window
	}
	h.e.Dispatch = func(xgb.Event) {
		during.pointer = h.d.PointerGrabbed
		during.keyboard = h.d.KeyboardGrabbed
		during.mask = h.d.Window(windowtest.RootID).Mask
		during.owner = h.d.Owner(h.d.MustAtom("XdndSelection"))
	}
	h.d.Queue(xproto.ExposeEvent{Window: 77}, motion(500, 500, 1), release(500, 500, 2))

	res, err := h.drag(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeNone {
		t.Fatalf("got %s", spew.Sdump(res))
	}
	if !during.pointer || !during.keyboard {
		t.Fatalf("not grabbed during the drag: %+v", during)
	}
	if during.mask&xproto.EventMaskPropertyChange == 0 {
		t.Fatalf("root property changes not selected: %#x", during.mask)
	}
	if during.owner != h.source() || during.owner == xproto.WindowNone {
		t.Fatalf("drag selection owner %#x, source %#x", during.owner, h.source())
	}
	h.assertRestored()
	if c := h.d.Cursors(); len(c) == 0 || c[0] != "fleur" {
		t.Fatalf("cursors %v", c)
	}
}

func TestBusy(t *testing.T) {
	h := newHarness(t, nil)
	var nested error
	var busy bool
	h.e.Dispatch = func(xgb.Event) {
		busy = h.e.Busy()
		_, nested = h.e.Drag(context.Background(), Options{Targets: []string{"text/plain"}})
	}
	h.d.Queue(motion(500, 500, 1), xproto.ExposeEvent{Window: 77}, release(500, 500, 2))

	if _, err := h.drag(Options{}); err != nil {
		t.Fatal(err)
	}
	if !busy || !errors.Is(nested, ErrBusy) {
		t.Fatalf("busy %v, nested %v", busy, nested)
	}
	h.assertRestored()
}

func TestEscapeCancels(t *testing.T) {
	h := newHarness(t, nil)
	h.d.ImmediateReplies = true
	w := h.d.Toplevel(0, 0, 100, 100)
	setAware(h.d, w.ID, 5)
	h.peer(w.ID, &xdndPeer{win: w.ID, accept: true, action: "XdndActionCopy"})
	h.d.Queue(motion(10, 10, 1), xproto.KeyPressEvent{Detail: 9, Time: 2})

	res, err := h.drag(Options{})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("got %v", err)
	}
	if res.Outcome != OutcomeNone {
		t.Fatalf("got %s", spew.Sdump(res))
	}
	assertNames(t, h.names(), "XdndEnter", "XdndPosition", "XdndLeave")
	h.assertRestored()
}

func TestOtherKeysAreDispatched(t *testing.T) {
	h := newHarness(t, nil)
	var got []xgb.Event
	h.e.Dispatch = func(ev xgb.Event) { got = append(got, ev) }
	h.d.Queue(motion(500, 500, 1), xproto.KeyPressEvent{Detail: 38, Time: 2}, release(500, 500, 3))

	if _, err := h.drag(Options{}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("dispatched %s", spew.Sdump(got))
	}
	if _, ok := got[0].(xproto.KeyPressEvent); !ok {
		t.Fatalf("dispatched %s", spew.Sdump(got))
	}
}

func TestReleaseWithOtherButtonsHeld(t *testing.T) {
	h := newHarness(t, nil)
	h.d.ImmediateReplies = true
	w := h.d.Toplevel(0, 0, 100, 100)
	setAware(h.d, w.ID, 5)
	h.peer(w.ID, &xdndPeer{win: w.ID, accept: true, action: "XdndActionCopy"})

	held := release(10, 10, 2)
	held.State |= xproto.KeyButMaskButton3
	h.d.Queue(motion(10, 10, 1), held, release(10, 10, 3))

	res, err := h.drag(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeAction {
		t.Fatalf("got %s", spew.Sdump(res))
	}
	// one drop, at the second release
	assertNames(t, h.names(), "XdndEnter", "XdndPosition", "XdndDrop")
}

func TestNotifications(t *testing.T) {
	h := newHarness(t, nil)
	h.d.ImmediateReplies = true
	w := h.d.Toplevel(0, 0, 100, 100)
	setAware(h.d, w.ID, 5)
	h.peer(w.ID, &xdndPeer{win: w.ID, accept: true, action: "XdndActionCopy"})
	h.d.Queue(motion(10, 10, 1), release(10, 10, 2))

	if _, err := h.drag(Options{Targets: []string{"text/plain", "UTF8_STRING"}}); err != nil {
		t.Fatal(err)
	}
	notes := h.notifications()
	var kinds []NotificationKind
	for _, n := range notes {
		kinds = append(kinds, n.Kind)
	}
	want := []NotificationKind{NotifySessionStarted, NotifyTargetChanged, NotifySessionFinished}
	if len(kinds) != len(want) {
		t.Fatalf("got %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("got %v", kinds)
		}
	}
	if n := notes[0]; len(n.Targets) != 2 || n.Action != "copy" || n.Window != h.source() {
		t.Fatalf("started: %s", spew.Sdump(n))
	}
	if n := notes[1]; n.Target == nil || n.Target.Window != w.ID || n.X != 10 {
		t.Fatalf("target changed: %s", spew.Sdump(n))
	}
	if n := notes[2]; n.Result == nil || n.Result.Outcome != OutcomeAction || n.Session != notes[0].Session {
		t.Fatalf("finished: %s", spew.Sdump(n))
	}

	h.e.Unsubscribe(h.notes)
	if _, ok := <-h.notes; ok {
		t.Fatal("channel still open")
	}
}

func TestDirectoryFollowsStacking(t *testing.T) {
	h := newHarness(t, nil)
	h.d.ImmediateReplies = true
	aware := h.d.Toplevel(0, 0, 200, 200)
	setAware(h.d, aware.ID, 5)
	plain := h.d.Toplevel(0, 0, 200, 200)
	h.peer(aware.ID, &xdndPeer{win: aware.ID, accept: true, action: "XdndActionCopy"})

	h.e.Dispatch = func(xgb.Event) {
		h.d.SetStacking(plain.ID, aware.ID)
	}
	h.d.Queue(
		motion(10, 10, 1),
		xproto.ExposeEvent{Window: 77},
		xproto.PropertyNotifyEvent{Window: windowtest.RootID, Atom: h.d.MustAtom("_NET_CLIENT_LIST_STACKING")},
		motion(20, 20, 2),
		release(20, 20, 3),
	)

	res, err := h.drag(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeAction || res.Target.Window != aware.ID {
		t.Fatalf("got %s", spew.Sdump(res))
	}
	assertNames(t, h.names(), "XdndEnter", "XdndPosition", "XdndDrop")
}

func TestTreeDescentWithoutDirectory(t *testing.T) {
	h := newHarness(t, func(c *config.DragConfig) { c.UseToplevels = false })
	h.d.ImmediateReplies = true
	outer := h.d.Toplevel(0, 0, 300, 300)
	inner := h.d.Child(outer.ID, 50, 50, 100, 100)
	setAware(h.d, inner.ID, 5)
	h.peer(inner.ID, &xdndPeer{win: inner.ID, accept: true, action: "XdndActionCopy"})
	h.d.Queue(motion(60, 60, 1), release(60, 60, 2))

	res, err := h.drag(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeAction || res.Target.Window != inner.ID {
		t.Fatalf("got %s", spew.Sdump(res))
	}
	for _, m := range h.messages() {
		if m.dest != inner.ID {
			t.Fatalf("%s went to %#x", m.name, m.dest)
		}
	}
}

func TestOwnFrameDrop(t *testing.T) {
	h := newHarness(t, nil)
	from := h.d.Toplevel(0, 0, 100, 100)
	to := h.d.Toplevel(200, 0, 100, 100)
	// speaking XDND must not matter for own frames
	setAware(h.d, to.ID, 5)
	h.e.RegisterFrame(from.ID)
	h.e.RegisterFrame(to.ID)
	h.d.Queue(motion(10, 10, 1), motion(210, 10, 2), release(210, 10, 3))

	res, err := h.drag(Options{Frame: from.ID})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeOwnFrame || res.Frame != to.ID {
		t.Fatalf("got %s", spew.Sdump(res))
	}
	if msgs := h.messages(); len(msgs) != 0 {
		t.Fatalf("sent %s", spew.Sdump(msgs))
	}
	var entered []xproto.Window
	for _, n := range h.notifications() {
		if n.Kind == NotifyFrameEntered {
			entered = append(entered, n.Window)
		}
	}
	if len(entered) != 2 || entered[0] != from.ID || entered[1] != to.ID {
		t.Fatalf("frames entered %v", entered)
	}

	h.e.UnregisterFrame(to.ID)
	if h.e.ownFrame(to.ID) {
		t.Fatal("still registered")
	}
}

func TestReturnFrame(t *testing.T) {
	h := newHarness(t, nil)
	h.d.ImmediateReplies = true
	from := h.d.Toplevel(0, 0, 100, 100)
	other := h.d.Toplevel(200, 0, 100, 100)
	ext := h.d.Toplevel(400, 0, 100, 100)
	setAware(h.d, ext.ID, 5)
	h.peer(ext.ID, &xdndPeer{win: ext.ID, accept: true, action: "XdndActionCopy"})
	h.e.RegisterFrame(from.ID)
	h.e.RegisterFrame(other.ID)

	t.Run("settles on another frame", func(t *testing.T) {
		h.d.Queue(motion(10, 10, 1), motion(410, 10, 2), motion(210, 10, 3), motion(220, 10, 4))

		res, err := h.drag(Options{Frame: from.ID, ReturnFrame: true})
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != OutcomeOwnFrame || res.Frame != other.ID {
			t.Fatalf("got %s", spew.Sdump(res))
		}
		assertNames(t, h.names(), "XdndEnter", "XdndPosition", "XdndLeave")
	})

	t.Run("passes through", func(t *testing.T) {
		before := len(h.messages())
		h.d.Queue(motion(210, 10, 5), motion(410, 10, 6), release(410, 10, 7))

		res, err := h.drag(Options{Frame: from.ID, ReturnFrame: true})
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != OutcomeAction || res.Target.Window != ext.ID {
			t.Fatalf("got %s", spew.Sdump(res))
		}
		assertNames(t, h.names()[before:], "XdndEnter", "XdndPosition", "XdndDrop")
	})

	t.Run("source frame needs opting in", func(t *testing.T) {
		h.d.Queue(motion(10, 10, 8), motion(20, 10, 9))

		res, err := h.drag(Options{Frame: from.ID, ReturnFrame: true, AllowSourceFrame: true})
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != OutcomeOwnFrame || res.Frame != from.ID {
			t.Fatalf("got %s", spew.Sdump(res))
		}
	})
}

func TestServeAfterSession(t *testing.T) {
	h := newHarness(t, nil)
	requestor := h.d.Toplevel(600, 600, 10, 10)
	h.d.Queue(motion(500, 500, 1), release(500, 500, 2))

	if _, err := h.drag(Options{Provider: Static{"text/plain": []byte("hello")}}); err != nil {
		t.Fatal(err)
	}
	sel := h.d.MustAtom("XdndSelection")
	prop := h.d.MustAtom("XDRAG_DATA")
	req := xproto.SelectionRequestEvent{
		Owner:     h.source(),
		Requestor: requestor.ID,
		Selection: sel,
		Target:    h.d.MustAtom("text/plain"),
		Property:  prop,
	}
	if !h.e.HandleEvent(req) {
		t.Fatal("request not served")
	}
	if p := h.d.Prop(requestor.ID, "XDRAG_DATA"); p == nil || string(p.Value) != "hello" {
		t.Fatalf("got %s", spew.Sdump(p))
	}

	if !h.e.HandleEvent(xproto.SelectionClearEvent{Owner: h.source(), Selection: sel}) {
		t.Fatal("clear not handled")
	}
	if h.e.HandleEvent(req) {
		t.Fatal("served after losing the selection")
	}
}

func TestSessionFrames(t *testing.T) {
	h := newHarness(t, nil)
	kept := h.d.Toplevel(0, 0, 100, 100)
	to := h.d.Toplevel(200, 0, 100, 100)
	setAware(h.d, to.ID, 5)
	h.e.RegisterFrame(kept.ID)
	h.d.Queue(motion(210, 10, 1), release(210, 10, 2))

	res, err := h.drag(Options{Frames: []xproto.Window{kept.ID, to.ID}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeOwnFrame || res.Frame != to.ID {
		t.Fatalf("got %s", spew.Sdump(res))
	}
	if msgs := h.messages(); len(msgs) != 0 {
		t.Fatalf("sent %s", spew.Sdump(msgs))
	}
	if h.e.ownFrame(to.ID) {
		t.Fatal("session frame outlived the session")
	}
	if !h.e.ownFrame(kept.ID) {
		t.Fatal("registered frame dropped by the session")
	}
}

func TestGrabFailureGivesUpSelection(t *testing.T) {
	h := newHarness(t, nil)
	requestor := h.d.Toplevel(600, 600, 10, 10)
	h.d.GrabError = errors.New("AlreadyGrabbed")

	_, err := h.drag(Options{Provider: Static{"text/plain": []byte("hello")}})
	if !errors.Is(err, ErrGrabFailed) {
		t.Fatalf("got %v", err)
	}
	sel := h.d.MustAtom("XdndSelection")
	if owner := h.d.Owner(sel); owner != xproto.WindowNone {
		t.Fatalf("drag selection still owned by %#x", owner)
	}
	req := xproto.SelectionRequestEvent{
		Owner:     h.source(),
		Requestor: requestor.ID,
		Selection: sel,
		Target:    h.d.MustAtom("text/plain"),
		Property:  h.d.MustAtom("XDRAG_DATA"),
	}
	if h.e.HandleEvent(req) {
		t.Fatal("served a drag that never started")
	}
	h.assertRestored()
}

func assertNames(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
