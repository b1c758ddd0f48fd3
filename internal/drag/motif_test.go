package drag

import (
	"fmt"
	"testing"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/xdrag/internal/config"
	"github.com/bryanchriswhite/xdrag/internal/window/windowtest"
	"github.com/bryanchriswhite/xdrag/internal/wire"
	"github.com/davecgh/go-spew/spew"
)

// motifPeer plays a Motif receiver. Motions and drops are answered with
// op; MotifOpNoop marks the site invalid.
type motifPeer struct {
	win xproto.Window
	op  uint8
	// transfer names the result target converted after the drop, empty
	// for none
	transfer string
	// transferFirst converts it before the drop start reply goes out
	transferFirst bool
	// silent sends no replies at all
	silent bool
	// bogusReply precedes the real reply with an initiator message
	bogusReply bool

	received []string
	motions  []*wire.DragMotion
	drop     *wire.DropStart
}

func (p *motifPeer) side() wire.SideEffects {
	site := wire.SiteValid
	if p.op == wire.MotifOpNoop {
		site = wire.SiteInvalid
	}
	return wire.MakeSideEffects(p.op, site, p.op, wire.DropActionDrop)
}

func (p *motifPeer) reply(h *harness, m message) []xgb.Event {
	if m.data8 == nil {
		return nil
	}
	p.received = append(p.received, m.name)
	source := h.source()
	switch m.name {
	case "DragMotion":
		mo, err := wire.DecodeDragMotion(m.data8)
		if err != nil {
			return nil
		}
		p.motions = append(p.motions, mo)
		if p.silent || mo.X == wire.OffscreenCoord {
			return nil
		}
		r := &wire.DragMotion{Origin: wire.Receiver, SideEffects: p.side(), Time: mo.Time, X: mo.X, Y: mo.Y}
		return []xgb.Event{h.message8(source, r.Encode())}
	case "DropStart":
		ds, err := wire.DecodeDropStart(m.data8)
		if err != nil {
			return nil
		}
		p.drop = ds
		if p.silent {
			return nil
		}
		var evs []xgb.Event
		if p.bogusReply {
			echo := &wire.DropStart{Origin: wire.Initiator, SideEffects: wire.MakeSideEffects(wire.MotifOpNoop, wire.SiteInvalid, 0, wire.DropActionCancel)}
			evs = append(evs, h.message8(source, echo.Encode()))
		}
		reply := h.message8(source, (&wire.DropStartReply{SideEffects: p.side()}).Encode())
		if p.transfer == "" {
			return append(evs, reply)
		}
		req := xproto.SelectionRequestEvent{
			Time:      ds.Time,
			Owner:     ds.Source,
			Requestor: p.win,
			Selection: h.d.MustAtom("XdndSelection"),
			Target:    h.d.MustAtom(p.transfer),
			Property:  h.d.MustAtom("_XDRAG_TEST_RESULT"),
		}
		if p.transferFirst {
			return append(evs, req, reply)
		}
		return append(evs, reply, req)
	}
	return nil
}

func motifTable(t *testing.T, d *windowtest.Display) *wire.TargetsTable {
	t.Helper()
	p := d.Prop(windowtest.RootID, "_MOTIF_DRAG_WINDOW")
	if p == nil {
		t.Fatal("no motif drag window")
	}
	win, _ := p.Window()
	tp := d.Prop(win, "_MOTIF_DRAG_TARGETS")
	if tp == nil {
		t.Fatal("no targets table")
	}
	table, err := wire.DecodeTargetsTable(tp.Value)
	if err != nil {
		t.Fatal(err)
	}
	return table
}

func initiatorInfo(t *testing.T, h *harness) *wire.InitiatorInfo {
	t.Helper()
	p := h.d.Prop(h.source(), fmt.Sprintf("_XDRAG_ATOM_%d", h.source()))
	if p == nil {
		t.Fatal("no initiator info")
	}
	if p.Type != h.d.MustAtom("_MOTIF_DRAG_INITIATOR_INFO") {
		t.Fatalf("initiator info type %d", p.Type)
	}
	ii, err := wire.DecodeInitiatorInfo(p.Value)
	if err != nil {
		t.Fatal(err)
	}
	return ii
}

func TestMotifDynamicDrop(t *testing.T) {
	tests := []struct {
		name     string
		peer     motifPeer
		outcome  Outcome
		action   wire.Action
		received []string
	}{
		{
			name:     "transfer after reply",
			peer:     motifPeer{op: wire.MotifOpCopy, transfer: "XmTRANSFER_SUCCESS"},
			outcome:  OutcomeAction,
			action:   wire.ActionCopy,
			received: []string{"TopLevelEnter", "DragMotion", "DropStart"},
		},
		{
			name:    "transfer before reply",
			peer:    motifPeer{op: wire.MotifOpMove, transfer: "XmTRANSFER_SUCCESS", transferFirst: true},
			outcome: OutcomeAction,
			action:  wire.ActionMove,
		},
		{
			name:    "transfer failed",
			peer:    motifPeer{op: wire.MotifOpCopy, transfer: "XmTRANSFER_FAILURE"},
			outcome: OutcomeNone,
		},
		{
			name:    "site refuses",
			peer:    motifPeer{op: wire.MotifOpNoop},
			outcome: OutcomeNone,
		},
		{
			name:    "initiator echo ignored",
			peer:    motifPeer{op: wire.MotifOpCopy, transfer: "XmTRANSFER_SUCCESS", bogusReply: true},
			outcome: OutcomeAction,
			action:  wire.ActionCopy,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.d.ImmediateReplies = true
			w := h.d.Toplevel(0, 0, 300, 300)
			setMotif(h.d, w.ID, wire.MotifStyleDynamic)
			p := tt.peer
			p.win = w.ID
			h.peer(w.ID, &p)
			h.d.Queue(motion(10, 10, 1), release(10, 10, 2))

			res, err := h.drag(Options{Targets: []string{"text/plain", "STRING"}, Action: wire.ActionCopy})
			if err != nil {
				t.Fatal(err)
			}
			if res.Outcome != tt.outcome || res.Action != tt.action {
				t.Fatalf("got %s", spew.Sdump(res))
			}
			if tt.received != nil {
				assertNames(t, p.received, tt.received...)
			}
			if p.drop == nil || p.drop.X != 10 || p.drop.Source != h.source() {
				t.Fatalf("drop start %s", spew.Sdump(p.drop))
			}

			table := motifTable(t, h.d)
			if len(table.Lists) != 1 || len(table.Lists[0]) != 2 {
				t.Fatalf("table %s", spew.Sdump(table))
			}
			ii := initiatorInfo(t, h)
			if ii.TableIndex != 0 || ii.Selection != h.d.MustAtom("XdndSelection") {
				t.Fatalf("initiator info %s", spew.Sdump(ii))
			}
			if p.drop.IndexAtom != h.d.MustAtom(fmt.Sprintf("_XDRAG_ATOM_%d", h.source())) {
				t.Fatalf("drop start index atom %d", p.drop.IndexAtom)
			}
			h.assertRestored()
		})
	}
}

func TestMotifTransferResultProperty(t *testing.T) {
	h := newHarness(t, nil)
	h.d.ImmediateReplies = true
	w := h.d.Toplevel(0, 0, 300, 300)
	setMotif(h.d, w.ID, wire.MotifStyleDynamic)
	h.peer(w.ID, &motifPeer{win: w.ID, op: wire.MotifOpCopy, transfer: "XmTRANSFER_SUCCESS"})
	h.d.Queue(motion(10, 10, 1), release(10, 10, 2))

	if _, err := h.drag(Options{}); err != nil {
		t.Fatal(err)
	}
	p := h.d.Prop(w.ID, "_XDRAG_TEST_RESULT")
	if p == nil || p.Type != h.d.MustAtom("NULL") || len(p.Value) != 0 {
		t.Fatalf("result property %s", spew.Sdump(p))
	}
}

func TestMotifLeave(t *testing.T) {
	h := newHarness(t, nil)
	h.d.ImmediateReplies = true
	w := h.d.Toplevel(0, 0, 300, 300)
	setMotif(h.d, w.ID, wire.MotifStyleDynamic)
	p := &motifPeer{win: w.ID, op: wire.MotifOpCopy}
	h.peer(w.ID, p)
	h.d.Queue(motion(10, 10, 1), motion(500, 500, 2), release(500, 500, 3))

	res, err := h.drag(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeNone {
		t.Fatalf("got %s", spew.Sdump(res))
	}
	assertNames(t, p.received, "TopLevelEnter", "DragMotion", "DragMotion", "TopLevelLeave")
	last := p.motions[len(p.motions)-1]
	if last.X != wire.OffscreenCoord || last.Y != wire.OffscreenCoord || last.SideEffects.DropAction() != wire.DropActionCancel {
		t.Fatalf("leave motion %s", spew.Sdump(last))
	}
}

func TestMotifDropOnly(t *testing.T) {
	h := newHarness(t, nil)
	h.d.ImmediateReplies = true
	w := h.d.Toplevel(0, 0, 300, 300)
	setMotif(h.d, w.ID, wire.MotifStyleDropOnly)
	p := &motifPeer{win: w.ID, op: wire.MotifOpCopy, silent: true}
	h.peer(w.ID, p)
	h.d.Queue(motion(10, 10, 1), motion(20, 20, 2), release(20, 20, 3))

	res, err := h.drag(Options{Action: wire.ActionLink})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeAction || res.Action != wire.ActionLink {
		t.Fatalf("got %s", spew.Sdump(res))
	}
	assertNames(t, p.received, "DropStart")
	if p.drop == nil {
		t.Fatal("drop start not decoded")
	}
	if ops := p.drop.SideEffects.Operations(); ops != wire.MotifOpLink {
		t.Fatalf("operations %#x", ops)
	}
}

func TestMotifTableGrowsAcrossSessions(t *testing.T) {
	h := newHarness(t, nil)
	w := h.d.Toplevel(0, 0, 300, 300)
	setMotif(h.d, w.ID, wire.MotifStyleDropOnly)
	h.peer(w.ID, &motifPeer{win: w.ID, silent: true})

	sessions := []struct {
		targets []string
		index   uint16
	}{
		{[]string{"text/plain", "STRING"}, 0},
		{[]string{"text/uri-list"}, 1},
		{[]string{"STRING", "text/plain"}, 0},
	}
	for i, s := range sessions {
		h.d.Queue(motion(10, 10, xproto.Timestamp(10*i+1)), release(10, 10, xproto.Timestamp(10*i+2)))
		if _, err := h.drag(Options{Targets: s.targets}); err != nil {
			t.Fatal(err)
		}
		if ii := initiatorInfo(t, h); ii.TableIndex != s.index {
			t.Fatalf("session %d: index %d, want %d", i, ii.TableIndex, s.index)
		}
	}
	if table := motifTable(t, h.d); len(table.Lists) != 2 {
		t.Fatalf("table %s", spew.Sdump(table))
	}
	if h.d.MotifCreated != 1 {
		t.Fatalf("drag window created %d times", h.d.MotifCreated)
	}
}

func TestMotifMalformedTableReplaced(t *testing.T) {
	h := newHarness(t, nil)
	w := h.d.Toplevel(0, 0, 300, 300)
	setMotif(h.d, w.ID, wire.MotifStyleDropOnly)
	h.peer(w.ID, &motifPeer{win: w.ID, silent: true})

	win, err := h.d.MotifDragWindow()
	if err != nil {
		t.Fatal(err)
	}
	targets := h.d.MustAtom("_MOTIF_DRAG_TARGETS")
	h.d.SetProp(win, "_MOTIF_DRAG_TARGETS", targets, 8, []byte{'x', 0, 1})
	h.d.Queue(motion(10, 10, 1), release(10, 10, 2))

	if _, err := h.drag(Options{}); err != nil {
		t.Fatal(err)
	}
	if table := motifTable(t, h.d); len(table.Lists) != 1 {
		t.Fatalf("table %s", spew.Sdump(table))
	}
}

func TestMotifDisabled(t *testing.T) {
	h := newHarness(t, func(c *config.DragConfig) { c.MotifEnabled = false })
	w := h.d.Toplevel(0, 0, 300, 300)
	setMotif(h.d, w.ID, wire.MotifStyleDynamic)
	p := &motifPeer{win: w.ID, op: wire.MotifOpCopy}
	h.peer(w.ID, p)
	h.d.Queue(motion(10, 10, 1), release(10, 10, 2))

	res, err := h.drag(Options{})
	if err != nil {
		t.Fatal(err)
	}
	// an unsupported toplevel: the middle click paste takes over
	if res.Action != wire.ActionPrivate || len(p.received) != 0 {
		t.Fatalf("got %s, received %v", spew.Sdump(res), p.received)
	}
}
