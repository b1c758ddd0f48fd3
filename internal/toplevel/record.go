package toplevel

import (
	"image"
	"slices"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil/icccm"
	"github.com/bryanchriswhite/xdrag/internal/window"
	"github.com/bryanchriswhite/xdrag/internal/wire"
)

// Record is what the directory knows about one toplevel.
type Record struct {
	Window   xproto.Window   `json:"window"`
	Geometry window.Geometry `json:"geometry"` // inside the border, root coordinates
	Border   int             `json:"border"`
	Mapped   bool            `json:"mapped"`
	WMState  int             `json:"wm_state"`
	Frame    window.Insets   `json:"frame"`
	Style    wire.DropStyle  `json:"motif_style"`
	// Absolute shape rectangles. Nil Bounding means the whole window, nil
	// Input means the same as Bounding.
	Bounding []image.Rectangle `json:"bounding,omitempty"`
	Input    []image.Rectangle `json:"input,omitempty"`
}

// Extent is the window including its border.
func (r *Record) Extent() window.Geometry {
	b := r.Border
	return window.Geometry{
		X:      r.Geometry.X - b,
		Y:      r.Geometry.Y - b,
		Width:  r.Geometry.Width + 2*b,
		Height: r.Geometry.Height + 2*b,
	}
}

// Outer is the extent grown by the window manager decorations.
func (r *Record) Outer() window.Geometry {
	return r.Extent().Outset(r.Frame)
}

// Viewable reports whether the window can take a drop: mapped, and in
// normal state. Windows without WM_STATE count as normal.
func (r *Record) Viewable() bool {
	if !r.Mapped {
		return false
	}
	return r.WMState == icccm.StateNormal || r.WMState == window.WMStateUnknown
}

func (r *Record) clone() *Record {
	c := *r
	c.Bounding = slices.Clone(r.Bounding)
	c.Input = slices.Clone(r.Input)
	return &c
}

// newRecord converts a description, storing shapes in absolute
// coordinates and dropping the ones that add nothing.
func newRecord(info *window.Info) *Record {
	r := &Record{
		Window:   info.Window,
		Geometry: info.Geometry,
		Border:   info.Border,
		Mapped:   info.Mapped,
		WMState:  info.WMState,
		Frame:    info.Frame,
	}
	if info.MotifInfo != nil {
		if ri, err := wire.DecodeReceiverInfo(info.MotifInfo); err == nil {
			r.Style = ri.Style()
		}
	}

	w, h, bw := info.Geometry.Width, info.Geometry.Height, info.Border
	full := func(rects []image.Rectangle) bool {
		if len(rects) != 1 {
			return false
		}
		return rects[0] == image.Rect(0, 0, w, h) ||
			rects[0] == image.Rect(-bw, -bw, w+bw, h+bw)
	}

	bounding := info.Bounding
	if full(bounding) {
		bounding = nil
	}
	input := info.Input
	if bounding == nil && full(input) {
		input = nil
	}
	if bounding != nil && slices.Equal(bounding, input) {
		input = nil
	}

	origin := image.Pt(info.Geometry.X, info.Geometry.Y)
	r.Bounding = offset(bounding, origin)
	r.Input = offset(input, origin)
	return r
}

func offset(rects []image.Rectangle, p image.Point) []image.Rectangle {
	if rects == nil {
		return nil
	}
	out := make([]image.Rectangle, len(rects))
	for i, r := range rects {
		out[i] = r.Add(p)
	}
	return out
}

func inRects(rects []image.Rectangle, p image.Point) bool {
	for _, r := range rects {
		if p.In(r) {
			return true
		}
	}
	return false
}

// HitTest returns the first record, front to back, whose hit region holds
// (x, y). A point on the decoration band of a window stops the search and
// returns nil, even when a window below would match. records is not
// modified.
func HitTest(records []*Record, x, y int) *Record {
	r, _ := Locate(records, x, y)
	return r
}

// Locate is HitTest that also reports whether the search was stopped by a
// decoration band rather than running out of windows.
func Locate(records []*Record, x, y int) (hit *Record, blocked bool) {
	p := image.Pt(x, y)
	for _, r := range records {
		if !r.Viewable() {
			continue
		}
		if !r.Outer().Contains(x, y) {
			continue
		}
		if !r.Extent().Contains(x, y) {
			return nil, true
		}
		if r.Bounding != nil && !inRects(r.Bounding, p) {
			continue
		}
		if r.Input != nil && !inRects(r.Input, p) {
			continue
		}
		return r, false
	}
	return nil, false
}
