// Package windowtest provides an in-memory display implementing
// window.Backend for tests. Windows, properties and the stacking list are
// plain data; every sent event is recorded, and an OnSend hook lets a test
// script how the peers reply.
package windowtest

import (
	"context"
	"errors"
	"fmt"
	"image"
	"slices"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil/icccm"
	"github.com/bryanchriswhite/xdrag/internal/window"
)

// ErrDrained is returned by NextEvent when no scripted event is left, so
// a test that forgot an event fails instead of hanging.
var ErrDrained = errors.New("windowtest: event queue drained")

// RootID is the root window of every Display.
const RootID xproto.Window = 1

// Window is the fake's record of one window. Geometry is absolute.
type Window struct {
	ID       xproto.Window
	Parent   xproto.Window
	Geometry window.Geometry
	Border   int
	Mapped   bool
	WMState  int
	Frame    window.Insets
	Bounding []image.Rectangle
	Input    []image.Rectangle
	Mask     uint32
	Shape    bool // shape events selected
	Props    map[xproto.Atom]*window.Property
	Children []xproto.Window // bottom to top
}

// Sent is one recorded SendEvent.
type Sent struct {
	Dest      xproto.Window
	Propagate bool
	Mask      uint32
	Event     xgb.Event
}

type Display struct {
	mu sync.Mutex

	atoms    map[string]xproto.Atom
	names    map[xproto.Atom]string
	nextAtom xproto.Atom
	nextWin  xproto.Window

	windows  map[xproto.Window]*Window
	stacking []xproto.Window
	overlay  xproto.Window
	owners   map[xproto.Atom]xproto.Window
	queue    []xgb.Event

	sent    []Sent
	cursors []string

	PointerGrabbed  bool
	KeyboardGrabbed bool
	ServerGrabs     int
	MotifCreated    int
	Closed          bool

	// OnSend is called after each SendEvent with the display unlocked;
	// the returned events are queued.
	OnSend func(d *Display, s Sent) []xgb.Event
	// ImmediateReplies queues the events returned by OnSend ahead of the
	// scripted ones, as if the peer answered before the next input event.
	ImmediateReplies bool
	// Escape keycodes returned by CancelKeycodes
	EscapeKeycodes []xproto.Keycode
	// GrabError fails GrabPointer when set
	GrabError error
}

func NewDisplay() *Display {
	d := &Display{
		atoms:          make(map[string]xproto.Atom),
		names:          make(map[xproto.Atom]string),
		nextAtom:       100,
		nextWin:        0x200000,
		windows:        make(map[xproto.Window]*Window),
		owners:         make(map[xproto.Atom]xproto.Window),
		EscapeKeycodes: []xproto.Keycode{9},
	}
	for name, atom := range map[string]xproto.Atom{
		"PRIMARY":  xproto.AtomPrimary,
		"ATOM":     xproto.AtomAtom,
		"CARDINAL": xproto.AtomCardinal,
		"STRING":   xproto.AtomString,
		"WINDOW":   xproto.AtomWindow,
	} {
		d.atoms[name] = atom
		d.names[atom] = name
	}
	d.windows[RootID] = &Window{
		ID:       RootID,
		Geometry: window.Geometry{Width: 1920, Height: 1080},
		Mapped:   true,
		WMState:  window.WMStateUnknown,
		Props:    make(map[xproto.Atom]*window.Property),
	}
	return d
}

var _ window.Backend = (*Display)(nil)

func gone(win xproto.Window) error {
	return fmt.Errorf("windowtest: %w", xproto.WindowError{NiceName: "Window", BadValue: uint32(win)})
}

// MustAtom interns name and returns the atom.
func (d *Display) MustAtom(name string) xproto.Atom {
	a, _ := d.Atom(name)
	return a
}

// AddWindow adds w as a child of w.Parent (the root when zero), on top of
// its siblings. Top-level windows are also pushed on the stacking list.
func (d *Display) AddWindow(w *Window) *Window {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w.ID == 0 {
		d.nextWin++
		w.ID = d.nextWin
	}
	if w.Parent == 0 {
		w.Parent = RootID
	}
	if w.Props == nil {
		w.Props = make(map[xproto.Atom]*window.Property)
	}
	d.windows[w.ID] = w
	if p, ok := d.windows[w.Parent]; ok {
		p.Children = append(p.Children, w.ID)
	}
	if w.Parent == RootID {
		d.stacking = append(d.stacking, w.ID)
	}
	return w
}

// Toplevel adds a mapped, normal state toplevel at the given geometry.
func (d *Display) Toplevel(x, y, width, height int) *Window {
	return d.AddWindow(&Window{
		Geometry: window.Geometry{X: x, Y: y, Width: width, Height: height},
		Mapped:   true,
		WMState:  icccm.StateNormal,
	})
}

// Child adds a mapped child of parent at absolute geometry.
func (d *Display) Child(parent xproto.Window, x, y, width, height int) *Window {
	return d.AddWindow(&Window{
		Parent:   parent,
		Geometry: window.Geometry{X: x, Y: y, Width: width, Height: height},
		Mapped:   true,
		WMState:  window.WMStateUnknown,
	})
}

// Vanish destroys a window: every later request naming it fails.
func (d *Display) Vanish(win xproto.Window) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.windows[win]
	if !ok {
		return
	}
	delete(d.windows, win)
	if p, ok := d.windows[w.Parent]; ok {
		p.Children = slices.DeleteFunc(p.Children, func(c xproto.Window) bool { return c == win })
	}
	d.stacking = slices.DeleteFunc(d.stacking, func(c xproto.Window) bool { return c == win })
}

// Window returns the record for win, or nil.
func (d *Display) Window(win xproto.Window) *Window {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.windows[win]
}

// SetStacking replaces the stacking list (bottom to top).
func (d *Display) SetStacking(wins ...xproto.Window) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stacking = slices.Clone(wins)
}

func (d *Display) SetOverlay(win xproto.Window) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.overlay = win
}

// SetProp sets a property by atom name.
func (d *Display) SetProp(win xproto.Window, name string, typ xproto.Atom, format byte, data []byte) {
	_ = d.ChangeProperty(win, d.MustAtom(name), typ, format, data)
}

// Prop reads a property by atom name, nil when unset.
func (d *Display) Prop(win xproto.Window, name string) *window.Property {
	p, err := d.Property(win, d.MustAtom(name))
	if err != nil {
		return nil
	}
	return p
}

// Queue appends events for NextEvent.
func (d *Display) Queue(evs ...xgb.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, evs...)
}

// Sent returns a copy of the recorded events.
func (d *Display) Sent() []Sent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.sent)
}

// Cursors returns every cursor set on the pointer grab, in order.
func (d *Display) Cursors() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.cursors)
}

// Owner returns the recorded owner of a selection.
func (d *Display) Owner(sel xproto.Atom) xproto.Window {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.owners[sel]
}

//----------

func (d *Display) Root() xproto.Window { return RootID }

func (d *Display) Atom(name string) (xproto.Atom, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.atoms[name]; ok {
		return a, nil
	}
	d.nextAtom++
	d.atoms[name] = d.nextAtom
	d.names[d.nextAtom] = name
	return d.nextAtom, nil
}

func (d *Display) AtomName(atom xproto.Atom) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.names[atom]; ok {
		return n, nil
	}
	return "", fmt.Errorf("windowtest: bad atom %d", atom)
}

func (d *Display) Property(win xproto.Window, prop xproto.Atom) (*window.Property, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.windows[win]
	if !ok {
		return nil, gone(win)
	}
	p, ok := w.Props[prop]
	if !ok {
		return nil, window.ErrNoProperty
	}
	cp := *p
	cp.Value = slices.Clone(p.Value)
	return &cp, nil
}

func (d *Display) ChangeProperty(win xproto.Window, prop, typ xproto.Atom, format byte, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.windows[win]
	if !ok {
		return gone(win)
	}
	w.Props[prop] = &window.Property{Type: typ, Format: format, Value: slices.Clone(data)}
	return nil
}

func (d *Display) DeleteProperty(win xproto.Window, prop xproto.Atom) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.windows[win]
	if !ok {
		return gone(win)
	}
	delete(w.Props, prop)
	return nil
}

func (d *Display) StackingList() ([]xproto.Window, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.stacking), nil
}

func (d *Display) Describe(wins []xproto.Window) []window.Info {
	motif := d.MustAtom("_MOTIF_DRAG_RECEIVER_INFO")
	d.mu.Lock()
	defer d.mu.Unlock()
	infos := make([]window.Info, len(wins))
	for i, id := range wins {
		w, ok := d.windows[id]
		if !ok {
			infos[i] = window.Info{Window: id, Err: gone(id)}
			continue
		}
		info := window.Info{
			Window:   id,
			Geometry: w.Geometry,
			Border:   w.Border,
			Mapped:   w.Mapped,
			WMState:  w.WMState,
			Frame:    w.Frame,
			Bounding: slices.Clone(w.Bounding),
			Input:    slices.Clone(w.Input),
		}
		if p, ok := w.Props[motif]; ok {
			info.MotifInfo = slices.Clone(p.Value)
		}
		infos[i] = info
	}
	return infos
}

func (d *Display) ChildAt(parent xproto.Window, x, y int) (xproto.Window, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.windows[parent]
	if !ok {
		return xproto.WindowNone, gone(parent)
	}
	for i := len(p.Children) - 1; i >= 0; i-- {
		c := d.windows[p.Children[i]]
		if c != nil && c.Mapped && c.Geometry.Contains(x, y) {
			return c.ID, nil
		}
	}
	return xproto.WindowNone, nil
}

func (d *Display) CompositorOverlay() (xproto.Window, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overlay, nil
}

func (d *Display) SelectInput(win xproto.Window, mask uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.windows[win]
	if !ok {
		return gone(win)
	}
	w.Mask = mask
	return nil
}

func (d *Display) SelectShapeInput(win xproto.Window, enable bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.windows[win]
	if !ok {
		return gone(win)
	}
	w.Shape = enable
	return nil
}

func (d *Display) EventMask(win xproto.Window) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.windows[win]
	if !ok {
		return 0, gone(win)
	}
	return w.Mask, nil
}

func (d *Display) SendEvent(dest xproto.Window, propagate bool, mask uint32, ev xgb.Event) error {
	d.mu.Lock()
	if _, ok := d.windows[dest]; !ok {
		d.mu.Unlock()
		return gone(dest)
	}
	s := Sent{Dest: dest, Propagate: propagate, Mask: mask, Event: ev}
	d.sent = append(d.sent, s)
	hook := d.OnSend
	d.mu.Unlock()

	if hook != nil {
		if replies := hook(d, s); len(replies) > 0 {
			d.mu.Lock()
			if d.ImmediateReplies {
				d.queue = append(slices.Clone(replies), d.queue...)
			} else {
				d.queue = append(d.queue, replies...)
			}
			d.mu.Unlock()
		}
	}
	return nil
}

func (d *Display) SetSelectionOwner(owner xproto.Window, selection xproto.Atom, t xproto.Timestamp) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.owners[selection] = owner
	return nil
}

func (d *Display) SelectionOwner(selection xproto.Atom) (xproto.Window, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.owners[selection], nil
}

func (d *Display) GrabPointer(cursor string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.GrabError != nil {
		return d.GrabError
	}
	d.PointerGrabbed = true
	d.cursors = append(d.cursors, cursor)
	return nil
}

func (d *Display) ChangeGrabCursor(cursor string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cursors = append(d.cursors, cursor)
	return nil
}

func (d *Display) UngrabPointer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.PointerGrabbed = false
	return nil
}

func (d *Display) GrabKeyboard() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.KeyboardGrabbed = true
	return nil
}

func (d *Display) UngrabKeyboard() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.KeyboardGrabbed = false
	return nil
}

func (d *Display) CancelKeycodes() []xproto.Keycode {
	return slices.Clone(d.EscapeKeycodes)
}

func (d *Display) GrabServer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ServerGrabs++
	return nil
}

func (d *Display) UngrabServer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ServerGrabs--
	return nil
}

func (d *Display) MotifDragWindow() (xproto.Window, error) {
	atom := d.MustAtom("_MOTIF_DRAG_WINDOW")
	if p, err := d.Property(RootID, atom); err == nil {
		if w, ok := p.Window(); ok && d.Window(w) != nil {
			return w, nil
		}
	}
	w := d.AddWindow(&Window{
		Geometry: window.Geometry{X: -100, Y: -100, Width: 10, Height: 10},
	})
	// keep it off the stacking list
	d.mu.Lock()
	d.stacking = slices.DeleteFunc(d.stacking, func(c xproto.Window) bool { return c == w.ID })
	d.MotifCreated++
	d.mu.Unlock()
	return w.ID, d.ChangeProperty(RootID, atom, xproto.AtomWindow, 32, window.Encode32(uint32(w.ID)))
}

func (d *Display) CreateSourceWindow() (xproto.Window, error) {
	w := d.AddWindow(&Window{Geometry: window.Geometry{X: -1, Y: -1, Width: 1, Height: 1}})
	d.mu.Lock()
	d.stacking = slices.DeleteFunc(d.stacking, func(c xproto.Window) bool { return c == w.ID })
	d.mu.Unlock()
	return w.ID, nil
}

func (d *Display) NextEvent(ctx context.Context) (xgb.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Closed {
		return nil, window.ErrClosed
	}
	if len(d.queue) == 0 {
		return nil, ErrDrained
	}
	ev := d.queue[0]
	d.queue = d.queue[1:]
	return ev, nil
}

func (d *Display) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Closed = true
	return nil
}
