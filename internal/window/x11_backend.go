package window

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/composite"
	"github.com/BurntSushi/xgb/shape"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil"
	"github.com/BurntSushi/xgbutil/ewmh"
	"github.com/BurntSushi/xgbutil/icccm"
	"github.com/BurntSushi/xgbutil/keybind"
	"github.com/BurntSushi/xgbutil/xcursor"
	"github.com/BurntSushi/xgbutil/xprop"
	"github.com/bryanchriswhite/xdrag/internal/logger"
)

// Pointer events delivered while the pointer is grabbed for a drag
const grabEventMask = xproto.EventMaskButtonPress |
	xproto.EventMaskButtonRelease |
	xproto.EventMaskPointerMotion

// Core cursor font glyphs accepted by GrabPointer and ChangeGrabCursor
var cursorGlyphs = map[string]uint16{
	"x_cursor":  xcursor.XCursor,
	"circle":    xcursor.Circle,
	"crosshair": xcursor.Crosshair,
	"fleur":     xcursor.Fleur,
	"hand2":     xcursor.Hand2,
	"left_ptr":  xcursor.LeftPtr,
	"pirate":    xcursor.Pirate,
	"plus":      xcursor.Plus,
}

// X11Backend implements Backend on an xgb connection
type X11Backend struct {
	conn    *xgb.Conn
	xu      *xgbutil.XUtil
	display string
	root    xproto.Window
	screen  *xproto.ScreenInfo

	hasShape      bool
	hasInputShape bool
	hasComposite  bool

	mu      sync.Mutex
	cursors map[string]xproto.Cursor

	events    *eventQueue
	closeOnce sync.Once
}

// NewX11Backend connects to display ("" means $DISPLAY) and starts reading
// events.
func NewX11Backend(display string) (*X11Backend, error) {
	log := logger.WithComponent("x11-backend")

	conn, err := xgb.NewConnDisplay(display)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}
	xu, err := xgbutil.NewConnXgb(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to wrap X connection: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	b := &X11Backend{
		conn:    conn,
		xu:      xu,
		display: display,
		root:    screen.Root,
		screen:  screen,
		cursors: make(map[string]xproto.Cursor),
		events:  newEventQueue(),
	}

	if err := shape.Init(conn); err != nil {
		log.Warn().Err(err).Msg("SHAPE extension not available, shaped windows hit test as rectangles")
	} else {
		b.hasShape = true
		if v, err := shape.QueryVersion(conn).Reply(); err == nil {
			b.hasInputShape = v.MajorVersion > 1 || (v.MajorVersion == 1 && v.MinorVersion >= 1)
		}
	}
	if err := composite.Init(conn); err != nil {
		log.Debug().Err(err).Msg("Composite extension not available, overlay probing disabled")
	} else {
		b.hasComposite = true
	}
	keybind.Initialize(xu)

	log.Info().
		Uint32("root", uint32(b.root)).
		Bool("shape", b.hasShape).
		Bool("inputShape", b.hasInputShape).
		Bool("composite", b.hasComposite).
		Msg("Connected to X server")

	go b.pump()
	return b, nil
}

func (b *X11Backend) pump() {
	log := logger.WithComponent("x11-backend")
	for {
		ev, err := b.conn.WaitForEvent()
		if ev == nil && err == nil {
			log.Debug().Msg("X connection closed, stopping event pump")
			close(b.events.in)
			return
		}
		if err != nil {
			// unchecked requests only; everything the engine relies on is checked
			log.Debug().Err(err).Msg("Asynchronous X error")
			continue
		}
		b.events.in <- ev
	}
}

// Close closes the X connection
func (b *X11Backend) Close() error {
	b.closeOnce.Do(func() {
		b.conn.Close()
	})
	return nil
}

// Conn exposes the underlying connection
func (b *X11Backend) Conn() *xgb.Conn {
	return b.conn
}

func (b *X11Backend) Root() xproto.Window {
	return b.root
}

func (b *X11Backend) Atom(name string) (xproto.Atom, error) {
	return xprop.Atm(b.xu, name)
}

func (b *X11Backend) AtomName(atom xproto.Atom) (string, error) {
	return xprop.AtomName(b.xu, atom)
}

func (b *X11Backend) Property(win xproto.Window, prop xproto.Atom) (*Property, error) {
	reply, err := xproto.GetProperty(
		b.conn,
		false,
		win,
		prop,
		xproto.GetPropertyTypeAny,
		0,
		(1<<32)-1,
	).Reply()
	if err != nil {
		return nil, fmt.Errorf("get property %d on %#x: %w", prop, win, err)
	}
	if reply.Format == 0 {
		return nil, ErrNoProperty
	}
	return &Property{Type: reply.Type, Format: reply.Format, Value: reply.Value}, nil
}

func (b *X11Backend) ChangeProperty(win xproto.Window, prop, typ xproto.Atom, format byte, data []byte) error {
	n := uint32(len(data))
	if format > 8 {
		n /= uint32(format / 8)
	}
	err := xproto.ChangePropertyChecked(b.conn, xproto.PropModeReplace, win, prop, typ, format, n, data).Check()
	if err != nil {
		return fmt.Errorf("change property %d on %#x: %w", prop, win, err)
	}
	return nil
}

func (b *X11Backend) DeleteProperty(win xproto.Window, prop xproto.Atom) error {
	if err := xproto.DeletePropertyChecked(b.conn, win, prop).Check(); err != nil {
		return fmt.Errorf("delete property %d on %#x: %w", prop, win, err)
	}
	return nil
}

// StackingList uses _NET_CLIENT_LIST_STACKING with a QueryTree fallback
// for window managers that do not maintain it.
func (b *X11Backend) StackingList() ([]xproto.Window, error) {
	log := logger.WithComponent("x11-backend")

	wins, err := ewmh.ClientListStackingGet(b.xu)
	if err == nil && len(wins) > 0 {
		log.Debug().Int("count", len(wins)).Msg("StackingList: using _NET_CLIENT_LIST_STACKING")
		return wins, nil
	}
	if err != nil {
		log.Debug().Err(err).Msg("StackingList: EWMH failed, falling back to QueryTree")
	}

	tree, err := xproto.QueryTree(b.conn, b.root).Reply()
	if err != nil {
		return nil, fmt.Errorf("query tree: %w", err)
	}
	log.Debug().Int("count", len(tree.Children)).Msg("StackingList: using QueryTree fallback")
	return tree.Children, nil
}

func (b *X11Backend) Describe(wins []xproto.Window) []Info {
	infos := make([]Info, len(wins))
	var wg sync.WaitGroup
	for i, win := range wins {
		wg.Add(1)
		go func() {
			defer wg.Done()
			infos[i] = b.describe(win)
		}()
	}
	wg.Wait()
	return infos
}

func (b *X11Backend) describe(win xproto.Window) Info {
	info := Info{Window: win, WMState: WMStateUnknown}

	// pipeline the core requests
	attrCookie := xproto.GetWindowAttributes(b.conn, win)
	geomCookie := xproto.GetGeometry(b.conn, xproto.Drawable(win))
	transCookie := xproto.TranslateCoordinates(b.conn, win, b.root, 0, 0)

	attr, err := attrCookie.Reply()
	if err != nil {
		info.Err = fmt.Errorf("window attributes of %#x: %w", win, err)
		return info
	}
	geom, err := geomCookie.Reply()
	if err != nil {
		info.Err = fmt.Errorf("geometry of %#x: %w", win, err)
		return info
	}
	trans, err := transCookie.Reply()
	if err != nil {
		info.Err = fmt.Errorf("translate %#x: %w", win, err)
		return info
	}

	info.Mapped = attr.MapState == xproto.MapStateViewable
	info.Border = int(geom.BorderWidth)
	info.Geometry = Geometry{
		X:      int(trans.DstX),
		Y:      int(trans.DstY),
		Width:  int(geom.Width),
		Height: int(geom.Height),
	}

	if st, err := icccm.WmStateGet(b.xu, win); err == nil {
		info.WMState = int(st.State)
	}
	if fe, err := ewmh.FrameExtentsGet(b.xu, win); err == nil {
		info.Frame = Insets{Left: fe.Left, Right: fe.Right, Top: fe.Top, Bottom: fe.Bottom}
	}
	if atom, err := b.Atom("_MOTIF_DRAG_RECEIVER_INFO"); err == nil {
		if p, err := b.Property(win, atom); err == nil {
			info.MotifInfo = p.Value
		}
	}

	if b.hasShape {
		ext, err := shape.QueryExtents(b.conn, win).Reply()
		if err == nil && ext.BoundingShaped {
			info.Bounding = b.shapeRects(win, shape.SkBounding)
		}
		if b.hasInputShape {
			info.Input = b.shapeRects(win, shape.SkInput)
		}
	}
	return info
}

func (b *X11Backend) shapeRects(win xproto.Window, kind int) []image.Rectangle {
	reply, err := shape.GetRectangles(b.conn, win, shape.Kind(kind)).Reply()
	if err != nil {
		return nil
	}
	rects := make([]image.Rectangle, 0, len(reply.Rectangles))
	for _, r := range reply.Rectangles {
		rects = append(rects, image.Rect(
			int(r.X), int(r.Y),
			int(r.X)+int(r.Width), int(r.Y)+int(r.Height),
		))
	}
	return rects
}

func (b *X11Backend) ChildAt(parent xproto.Window, x, y int) (xproto.Window, error) {
	reply, err := xproto.TranslateCoordinates(b.conn, b.root, parent, int16(x), int16(y)).Reply()
	if err != nil {
		return xproto.WindowNone, fmt.Errorf("translate into %#x: %w", parent, err)
	}
	return reply.Child, nil
}

// CompositorOverlay returns the overlay only while a compositing manager
// owns _NET_WM_CM_Sn; fetching it otherwise would map an empty overlay.
func (b *X11Backend) CompositorOverlay() (xproto.Window, error) {
	if !b.hasComposite {
		return xproto.WindowNone, nil
	}
	sel, err := b.Atom(fmt.Sprintf("_NET_WM_CM_S%d", b.conn.DefaultScreen))
	if err != nil {
		return xproto.WindowNone, err
	}
	owner, err := b.SelectionOwner(sel)
	if err != nil || owner == xproto.WindowNone {
		return xproto.WindowNone, err
	}
	reply, err := composite.GetOverlayWindow(b.conn, b.root).Reply()
	if err != nil {
		return xproto.WindowNone, fmt.Errorf("get overlay window: %w", err)
	}
	composite.ReleaseOverlayWindow(b.conn, b.root)
	return reply.OverlayWin, nil
}

func (b *X11Backend) SelectInput(win xproto.Window, mask uint32) error {
	err := xproto.ChangeWindowAttributesChecked(b.conn, win, xproto.CwEventMask, []uint32{mask}).Check()
	if err != nil {
		return fmt.Errorf("select input on %#x: %w", win, err)
	}
	return nil
}

func (b *X11Backend) SelectShapeInput(win xproto.Window, enable bool) error {
	if !b.hasShape {
		return nil
	}
	if err := shape.SelectInputChecked(b.conn, win, enable).Check(); err != nil {
		return fmt.Errorf("select shape input on %#x: %w", win, err)
	}
	return nil
}

func (b *X11Backend) EventMask(win xproto.Window) (uint32, error) {
	attr, err := xproto.GetWindowAttributes(b.conn, win).Reply()
	if err != nil {
		return 0, fmt.Errorf("window attributes of %#x: %w", win, err)
	}
	return attr.YourEventMask, nil
}

func (b *X11Backend) SendEvent(dest xproto.Window, propagate bool, mask uint32, ev xgb.Event) error {
	err := xproto.SendEventChecked(b.conn, propagate, dest, mask, string(ev.Bytes())).Check()
	if err != nil {
		return fmt.Errorf("send event to %#x: %w", dest, err)
	}
	return nil
}

func (b *X11Backend) SetSelectionOwner(owner xproto.Window, selection xproto.Atom, t xproto.Timestamp) error {
	if err := xproto.SetSelectionOwnerChecked(b.conn, owner, selection, t).Check(); err != nil {
		return fmt.Errorf("set selection owner: %w", err)
	}
	return nil
}

func (b *X11Backend) SelectionOwner(selection xproto.Atom) (xproto.Window, error) {
	reply, err := xproto.GetSelectionOwner(b.conn, selection).Reply()
	if err != nil {
		return xproto.WindowNone, fmt.Errorf("get selection owner: %w", err)
	}
	return reply.Owner, nil
}

func (b *X11Backend) cursor(name string) (xproto.Cursor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.cursors[name]; ok {
		return c, nil
	}
	glyph, ok := cursorGlyphs[name]
	if !ok {
		return xproto.CursorNone, fmt.Errorf("unknown cursor %q", name)
	}
	c, err := xcursor.CreateCursor(b.xu, glyph)
	if err != nil {
		return xproto.CursorNone, fmt.Errorf("create cursor %q: %w", name, err)
	}
	b.cursors[name] = c
	return c, nil
}

func (b *X11Backend) GrabPointer(cursor string) error {
	c, err := b.cursor(cursor)
	if err != nil {
		logger.WithComponent("x11-backend").Debug().Err(err).Msg("Grabbing without cursor")
	}
	reply, err := xproto.GrabPointer(
		b.conn,
		false,
		b.root,
		uint16(grabEventMask),
		xproto.GrabModeAsync,
		xproto.GrabModeAsync,
		xproto.WindowNone,
		c,
		xproto.TimeCurrentTime,
	).Reply()
	if err != nil {
		return fmt.Errorf("grab pointer: %w", err)
	}
	if reply.Status != xproto.GrabStatusSuccess {
		return fmt.Errorf("grab pointer: status %d", reply.Status)
	}
	return nil
}

func (b *X11Backend) ChangeGrabCursor(cursor string) error {
	c, err := b.cursor(cursor)
	if err != nil {
		return err
	}
	err = xproto.ChangeActivePointerGrabChecked(b.conn, c, xproto.TimeCurrentTime, uint16(grabEventMask)).Check()
	if err != nil {
		return fmt.Errorf("change grab cursor: %w", err)
	}
	return nil
}

func (b *X11Backend) UngrabPointer() error {
	return xproto.UngrabPointerChecked(b.conn, xproto.TimeCurrentTime).Check()
}

func (b *X11Backend) GrabKeyboard() error {
	reply, err := xproto.GrabKeyboard(
		b.conn,
		false,
		b.root,
		xproto.TimeCurrentTime,
		xproto.GrabModeAsync,
		xproto.GrabModeAsync,
	).Reply()
	if err != nil {
		return fmt.Errorf("grab keyboard: %w", err)
	}
	if reply.Status != xproto.GrabStatusSuccess {
		return fmt.Errorf("grab keyboard: status %d", reply.Status)
	}
	return nil
}

func (b *X11Backend) UngrabKeyboard() error {
	return xproto.UngrabKeyboardChecked(b.conn, xproto.TimeCurrentTime).Check()
}

func (b *X11Backend) CancelKeycodes() []xproto.Keycode {
	return keybind.StrToKeycodes(b.xu, "Escape")
}

func (b *X11Backend) GrabServer() error {
	return xproto.GrabServerChecked(b.conn).Check()
}

func (b *X11Backend) UngrabServer() error {
	return xproto.UngrabServerChecked(b.conn).Check()
}

// MotifDragWindow reads _MOTIF_DRAG_WINDOW from the root. When it is unset
// or names a dead window a new one is created on a private connection
// whose resources are retained after it closes, so the table outlives this
// process.
func (b *X11Backend) MotifDragWindow() (xproto.Window, error) {
	log := logger.WithComponent("x11-backend")

	atom, err := b.Atom("_MOTIF_DRAG_WINDOW")
	if err != nil {
		return xproto.WindowNone, err
	}
	if p, err := b.Property(b.root, atom); err == nil {
		if w, ok := p.Window(); ok && w != xproto.WindowNone {
			if _, err := xproto.GetWindowAttributes(b.conn, w).Reply(); err == nil {
				return w, nil
			}
			log.Debug().Uint32("window", uint32(w)).Msg("Stale Motif drag window, recreating")
		}
	}

	priv, err := xgb.NewConnDisplay(b.display)
	if err != nil {
		return xproto.WindowNone, fmt.Errorf("open private connection: %w", err)
	}
	defer priv.Close()

	wid, err := xproto.NewWindowId(priv)
	if err != nil {
		return xproto.WindowNone, err
	}
	err = xproto.CreateWindowChecked(
		priv,
		0, // copy depth from parent
		wid,
		b.root,
		-100, -100, 10, 10,
		0,
		xproto.WindowClassInputOnly,
		0, // copy visual from parent
		xproto.CwOverrideRedirect,
		[]uint32{1},
	).Check()
	if err != nil {
		return xproto.WindowNone, fmt.Errorf("create Motif drag window: %w", err)
	}
	if err := xproto.SetCloseDownModeChecked(priv, xproto.CloseDownRetainPermanent).Check(); err != nil {
		return xproto.WindowNone, fmt.Errorf("retain Motif drag window: %w", err)
	}
	err = xproto.ChangePropertyChecked(
		priv, xproto.PropModeReplace, b.root, atom, xproto.AtomWindow, 32, 1, Encode32(uint32(wid)),
	).Check()
	if err != nil {
		return xproto.WindowNone, fmt.Errorf("publish Motif drag window: %w", err)
	}
	log.Debug().Uint32("window", uint32(wid)).Msg("Created Motif drag window")
	return wid, nil
}

func (b *X11Backend) CreateSourceWindow() (xproto.Window, error) {
	wid, err := xproto.NewWindowId(b.conn)
	if err != nil {
		return xproto.WindowNone, err
	}
	err = xproto.CreateWindowChecked(
		b.conn,
		0,
		wid,
		b.root,
		-1, -1, 1, 1,
		0,
		xproto.WindowClassInputOnly,
		0,
		xproto.CwOverrideRedirect|xproto.CwEventMask,
		[]uint32{1, xproto.EventMaskPropertyChange},
	).Check()
	if err != nil {
		return xproto.WindowNone, fmt.Errorf("create source window: %w", err)
	}
	return wid, nil
}

func (b *X11Backend) NextEvent(ctx context.Context) (xgb.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev, ok := <-b.events.out:
		if !ok {
			return nil, ErrClosed
		}
		return ev, nil
	}
}
