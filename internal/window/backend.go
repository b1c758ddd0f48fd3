package window

import (
	"context"
	"errors"
	"image"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
)

var (
	// ErrWindowGone is returned when a request names a window that was
	// destroyed since it was discovered.
	ErrWindowGone = errors.New("window no longer exists")
	// ErrNoProperty is returned by Property when the property is not set.
	ErrNoProperty = errors.New("property not set")
	// ErrClosed is returned by NextEvent once the connection is gone.
	ErrClosed = errors.New("display connection closed")
)

// Backend is the window-system boundary of the drag engine (X11, or a
// scripted display in tests). Every request is checked, so a request that
// names a vanished window fails synchronously with an error for which
// IsGone reports true.
type Backend interface {
	// Root returns the root window of the default screen
	Root() xproto.Window

	// Atom interns name; AtomName is the reverse lookup
	Atom(name string) (xproto.Atom, error)
	AtomName(atom xproto.Atom) (string, error)

	// Property reads the whole value of prop on win
	Property(win xproto.Window, prop xproto.Atom) (*Property, error)
	ChangeProperty(win xproto.Window, prop, typ xproto.Atom, format byte, data []byte) error
	DeleteProperty(win xproto.Window, prop xproto.Atom) error

	// StackingList returns the window manager's client stacking list,
	// bottom to top
	StackingList() ([]xproto.Window, error)

	// Describe queries all the given windows concurrently. Per-window
	// failures are reported in Info.Err.
	Describe(wins []xproto.Window) []Info

	// ChildAt returns the child of parent that contains the root point
	// (x, y), or xproto.WindowNone
	ChildAt(parent xproto.Window, x, y int) (xproto.Window, error)

	// CompositorOverlay returns the compositing manager overlay window, or
	// xproto.WindowNone when there is no compositor
	CompositorOverlay() (xproto.Window, error)

	SelectInput(win xproto.Window, mask uint32) error
	SelectShapeInput(win xproto.Window, enable bool) error
	// EventMask returns the event mask this client selected on win
	EventMask(win xproto.Window) (uint32, error)
	SendEvent(dest xproto.Window, propagate bool, mask uint32, ev xgb.Event) error

	SetSelectionOwner(owner xproto.Window, selection xproto.Atom, t xproto.Timestamp) error
	SelectionOwner(selection xproto.Atom) (xproto.Window, error)

	// GrabPointer grabs the pointer on the root window with the named
	// cursor. Cursor names are the core cursor font glyph names.
	GrabPointer(cursor string) error
	ChangeGrabCursor(cursor string) error
	UngrabPointer() error
	GrabKeyboard() error
	UngrabKeyboard() error
	// CancelKeycodes returns the keycodes bound to Escape
	CancelKeycodes() []xproto.Keycode
	GrabServer() error
	UngrabServer() error

	// MotifDragWindow returns the shared window holding the Motif targets
	// table, creating it if needed
	MotifDragWindow() (xproto.Window, error)
	// CreateSourceWindow creates an unmapped window owned by this client,
	// usable as drag source and selection owner
	CreateSourceWindow() (xproto.Window, error)

	// NextEvent blocks until an event arrives or ctx is done
	NextEvent(ctx context.Context) (xgb.Event, error)
	Close() error
}

// Geometry is a window rectangle in root coordinates
type Geometry struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

func (g Geometry) Rect() image.Rectangle {
	return image.Rect(g.X, g.Y, g.X+g.Width, g.Y+g.Height)
}

func (g Geometry) Contains(x, y int) bool {
	return x >= g.X && y >= g.Y && x < g.X+g.Width && y < g.Y+g.Height
}

// Insets are the window manager decoration sizes around a client window
type Insets struct {
	Left   int `json:"left" yaml:"left"`
	Right  int `json:"right" yaml:"right"`
	Top    int `json:"top" yaml:"top"`
	Bottom int `json:"bottom" yaml:"bottom"`
}

func (in Insets) IsZero() bool {
	return in == Insets{}
}

// Outset grows g by the insets.
func (g Geometry) Outset(in Insets) Geometry {
	return Geometry{
		X:      g.X - in.Left,
		Y:      g.Y - in.Top,
		Width:  g.Width + in.Left + in.Right,
		Height: g.Height + in.Top + in.Bottom,
	}
}

// WMStateUnknown is used when a window carries no WM_STATE.
const WMStateUnknown = -1

// Info is what Describe learns about one window.
type Info struct {
	Window   xproto.Window
	Geometry Geometry // root coordinates of the area inside the border
	Border   int
	Mapped   bool
	WMState  int
	Frame    Insets
	// MotifInfo is the raw _MOTIF_DRAG_RECEIVER_INFO value, nil when unset
	MotifInfo []byte
	// Window relative shape rectangles, nil when the window is not shaped
	// or the shape extension is missing
	Bounding []image.Rectangle
	Input    []image.Rectangle
	Err      error
}

// Property is a raw property value.
type Property struct {
	Type   xproto.Atom
	Format byte
	Value  []byte
}

// Uint32s decodes a format 32 value.
func (p *Property) Uint32s() []uint32 {
	if p.Format != 32 {
		return nil
	}
	u := make([]uint32, len(p.Value)/4)
	for i := range u {
		u[i] = xgb.Get32(p.Value[i*4:])
	}
	return u
}

// Atoms decodes a format 32 value as atoms.
func (p *Property) Atoms() []xproto.Atom {
	u := p.Uint32s()
	a := make([]xproto.Atom, len(u))
	for i, v := range u {
		a[i] = xproto.Atom(v)
	}
	return a
}

// Window returns the first word of a format 32 value.
func (p *Property) Window() (xproto.Window, bool) {
	u := p.Uint32s()
	if len(u) == 0 {
		return xproto.WindowNone, false
	}
	return xproto.Window(u[0]), true
}

// Encode32 packs words the way Uint32s reads them.
func Encode32(words ...uint32) []byte {
	b := make([]byte, 4*len(words))
	for i, w := range words {
		xgb.Put32(b[i*4:], w)
	}
	return b
}

// EncodeAtoms packs atoms for a format 32 property.
func EncodeAtoms(atoms []xproto.Atom) []byte {
	b := make([]byte, 4*len(atoms))
	for i, a := range atoms {
		xgb.Put32(b[i*4:], uint32(a))
	}
	return b
}
