package toplevel

import (
	"fmt"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/shape"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/xdrag/internal/logger"
	"github.com/bryanchriswhite/xdrag/internal/window"
	"github.com/bryanchriswhite/xdrag/internal/wire"
)

// trackMask is selected on every toplevel in addition to whatever this
// client already selected there
const trackMask = xproto.EventMaskStructureNotify | xproto.EventMaskPropertyChange

type atoms struct {
	Stacking     xproto.Atom `loadAtoms:"_NET_CLIENT_LIST_STACKING"`
	WMState      xproto.Atom `loadAtoms:"WM_STATE"`
	FrameExtents xproto.Atom `loadAtoms:"_NET_FRAME_EXTENTS"`
	MotifInfo    xproto.Atom `loadAtoms:"_MOTIF_DRAG_RECEIVER_INFO"`
}

// Directory caches the toplevel windows of the display, front to back.
// It is not safe for concurrent use; the drive loop owns it.
type Directory struct {
	b     window.Backend
	atoms atoms

	records  []*Record // front to back
	byWindow map[xproto.Window]*Record
	valid    bool

	// event masks found on windows before tracking started
	prevMask map[xproto.Window]uint32
}

func New(b window.Backend) (*Directory, error) {
	d := &Directory{
		b:        b,
		byWindow: make(map[xproto.Window]*Record),
		prevMask: make(map[xproto.Window]uint32),
	}
	if err := window.LoadAtoms(b, &d.atoms); err != nil {
		return nil, fmt.Errorf("toplevel directory: %w", err)
	}
	return d, nil
}

// Valid reports whether the cache reflects the last stacking list.
func (d *Directory) Valid() bool { return d.valid }

// Invalidate drops the cache; the next Ensure rebuilds it.
func (d *Directory) Invalidate() {
	d.valid = false
}

// Ensure rebuilds the cache if it was invalidated.
func (d *Directory) Ensure() error {
	if d.valid {
		return nil
	}
	return d.Rebuild()
}

// Rebuild replaces every record from the current stacking list.
func (d *Directory) Rebuild() error {
	log := logger.WithComponent("toplevel")

	wins, err := d.b.StackingList()
	if err != nil {
		return fmt.Errorf("read stacking list: %w", err)
	}
	infos := d.b.Describe(wins)

	records := make([]*Record, 0, len(infos))
	byWindow := make(map[xproto.Window]*Record, len(infos))
	for i := len(infos) - 1; i >= 0; i-- {
		info := &infos[i]
		if info.Err != nil {
			if window.IsGone(info.Err) {
				log.Debug().Uint32("window", uint32(info.Window)).Msg("Toplevel vanished during rebuild")
			} else {
				log.Warn().Err(info.Err).Uint32("window", uint32(info.Window)).Msg("Skipping toplevel")
			}
			continue
		}
		if _, dup := byWindow[info.Window]; dup {
			continue
		}
		r := newRecord(info)
		records = append(records, r)
		byWindow[r.Window] = r
	}

	// stop tracking windows that left the list
	for win := range d.prevMask {
		if _, ok := byWindow[win]; !ok {
			d.untrack(win)
		}
	}
	for _, r := range records {
		d.track(r.Window)
	}

	d.records = records
	d.byWindow = byWindow
	d.valid = true

	log.Debug().Int("count", len(records)).Msg("Toplevel directory rebuilt")
	return nil
}

func (d *Directory) track(win xproto.Window) {
	if _, ok := d.prevMask[win]; ok {
		return
	}
	prev, err := d.b.EventMask(win)
	if err != nil {
		return
	}
	if err := d.b.SelectInput(win, prev|trackMask); err != nil {
		return
	}
	_ = d.b.SelectShapeInput(win, true)
	d.prevMask[win] = prev
}

func (d *Directory) untrack(win xproto.Window) {
	prev, ok := d.prevMask[win]
	if !ok {
		return
	}
	delete(d.prevMask, win)
	// the window may be gone already, which is fine
	_ = d.b.SelectInput(win, prev)
	_ = d.b.SelectShapeInput(win, false)
}

// Release restores the event masks of every tracked window.
func (d *Directory) Release() {
	for win := range d.prevMask {
		d.untrack(win)
	}
	d.valid = false
}

// Records returns copies of the records, front to back.
func (d *Directory) Records() []*Record {
	out := make([]*Record, len(d.records))
	for i, r := range d.records {
		out[i] = r.clone()
	}
	return out
}

// Lookup returns the record of win.
func (d *Directory) Lookup(win xproto.Window) (*Record, bool) {
	r, ok := d.byWindow[win]
	return r, ok
}

// At hit tests the current cache.
func (d *Directory) At(x, y int) *Record {
	return HitTest(d.records, x, y)
}

// Locate hit tests the current cache; see Locate.
func (d *Directory) Locate(x, y int) (*Record, bool) {
	return Locate(d.records, x, y)
}

// HandleEvent applies a window-system event to the cache and reports
// whether it concerned the directory.
func (d *Directory) HandleEvent(ev xgb.Event) bool {
	switch e := ev.(type) {
	case xproto.PropertyNotifyEvent:
		if e.Window == d.b.Root() {
			if e.Atom == d.atoms.Stacking {
				d.Invalidate()
				return true
			}
			return false
		}
		switch e.Atom {
		case d.atoms.WMState, d.atoms.FrameExtents, d.atoms.MotifInfo:
			return d.refresh(e.Window)
		}
	case xproto.MapNotifyEvent:
		if r, ok := d.byWindow[e.Window]; ok {
			r.Mapped = true
			return true
		}
	case xproto.UnmapNotifyEvent:
		if r, ok := d.byWindow[e.Window]; ok {
			r.Mapped = false
			return true
		}
	case xproto.ConfigureNotifyEvent:
		return d.refresh(e.Window)
	case xproto.DestroyNotifyEvent:
		return d.unlink(e.Window)
	case shape.NotifyEvent:
		return d.refresh(e.AffectedWindow)
	}
	return false
}

// refresh re-describes a tracked window in place.
func (d *Directory) refresh(win xproto.Window) bool {
	r, ok := d.byWindow[win]
	if !ok {
		return false
	}
	infos := d.b.Describe([]xproto.Window{win})
	if len(infos) != 1 {
		return true
	}
	if err := infos[0].Err; err != nil {
		if window.IsGone(err) {
			d.unlink(win)
		}
		return true
	}
	*r = *newRecord(&infos[0])
	return true
}

func (d *Directory) unlink(win xproto.Window) bool {
	if _, ok := d.byWindow[win]; !ok {
		return false
	}
	delete(d.byWindow, win)
	delete(d.prevMask, win)
	for i, r := range d.records {
		if r.Window == win {
			d.records = append(d.records[:i], d.records[i+1:]...)
			break
		}
	}
	logger.WithComponent("toplevel").Debug().Uint32("window", uint32(win)).Msg("Toplevel destroyed")
	return true
}

// MotifStyle returns the cached drop style of a tracked toplevel.
func (d *Directory) MotifStyle(win xproto.Window) (wire.DropStyle, bool) {
	r, ok := d.byWindow[win]
	if !ok {
		return wire.DropStyleNone, false
	}
	return r.Style, true
}
