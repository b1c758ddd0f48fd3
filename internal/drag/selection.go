package drag

import (
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/xdrag/internal/logger"
	"github.com/bryanchriswhite/xdrag/internal/window"
)

// TextTargets are the targets Text answers to.
var TextTargets = []string{
	"UTF8_STRING",
	"STRING",
	"TEXT",
	"text/plain",
	"text/plain;charset=utf-8",
}

// Static serves fixed bytes per target name.
type Static map[string][]byte

func (st Static) Convert(target string) ([]byte, string, bool) {
	b, ok := st[target]
	return b, "", ok
}

// Text serves str under every name in TextTargets.
func Text(str string) Static {
	st := make(Static, len(TextTargets))
	for _, t := range TextTargets {
		st[t] = []byte(str)
	}
	return st
}

// transfer answers selection requests for the dragged data on behalf of
// the source window.
type transfer struct {
	b        window.Backend
	a        *atoms
	source   xproto.Window
	targets  []xproto.Atom
	names    map[xproto.Atom]string
	provider DataProvider
	owned    map[xproto.Atom]bool

	// onResult receives Motif transfer results while a session waits for
	// them
	onResult func(success bool)
}

func (tr *transfer) own(selection xproto.Atom, t xproto.Timestamp) error {
	if err := tr.b.SetSelectionOwner(tr.source, selection, t); err != nil {
		return err
	}
	tr.owned[selection] = true
	return nil
}

// disown gives up every selection still held.
func (tr *transfer) disown(t xproto.Timestamp) {
	for sel := range tr.owned {
		if err := tr.b.SetSelectionOwner(xproto.WindowNone, sel, t); err != nil {
			logger.WithComponent("drag").Debug().Err(err).Msg("Failed to give up selection")
		}
		delete(tr.owned, sel)
	}
}

func (tr *transfer) active() bool {
	return len(tr.owned) > 0
}

// clear handles the loss of a selection.
func (tr *transfer) clear(ev xproto.SelectionClearEvent) bool {
	if ev.Owner != tr.source || !tr.owned[ev.Selection] {
		return false
	}
	delete(tr.owned, ev.Selection)
	return true
}

// request answers one selection request and reports whether it was ours.
func (tr *transfer) request(ev xproto.SelectionRequestEvent) bool {
	if ev.Owner != tr.source || !tr.owned[ev.Selection] {
		return false
	}
	log := logger.WithComponent("drag")

	prop := ev.Property
	if prop == xproto.AtomNone {
		// obsolete requestors
		prop = ev.Target
	}

	t := window.Catch("selection")
	defer t.Release()

	var err error
	switch ev.Target {
	case tr.a.Targets:
		list := append([]xproto.Atom{tr.a.Targets}, tr.targets...)
		err = tr.b.ChangeProperty(ev.Requestor, prop, tr.a.Atom, 32, window.EncodeAtoms(list))
	case tr.a.TransferSuccess, tr.a.TransferFailure:
		err = tr.b.ChangeProperty(ev.Requestor, prop, tr.a.Null, 8, nil)
		if tr.onResult != nil {
			defer tr.onResult(ev.Target == tr.a.TransferSuccess)
		}
	default:
		data, typ, ok := tr.convert(ev.Target)
		if !ok {
			log.Debug().Uint32("target", uint32(ev.Target)).Msg("Refusing conversion")
			prop = xproto.AtomNone
			break
		}
		err = tr.b.ChangeProperty(ev.Requestor, prop, typ, 8, data)
	}
	if t.Record(err) != nil {
		prop = xproto.AtomNone
	}
	if t.Gone() {
		log.Debug().Uint32("requestor", uint32(ev.Requestor)).Msg("Requestor vanished")
		return true
	}

	notify := xproto.SelectionNotifyEvent{
		Time:      ev.Time,
		Requestor: ev.Requestor,
		Selection: ev.Selection,
		Target:    ev.Target,
		Property:  prop,
	}
	t.Record(tr.b.SendEvent(ev.Requestor, false, xproto.EventMaskNoEvent, notify))
	log.Debug().
		Uint32("requestor", uint32(ev.Requestor)).
		Uint32("target", uint32(ev.Target)).
		Bool("refused", prop == xproto.AtomNone).
		Msg("Selection request served")
	return true
}

func (tr *transfer) convert(target xproto.Atom) ([]byte, xproto.Atom, bool) {
	name, ok := tr.names[target]
	if !ok || tr.provider == nil {
		return nil, 0, false
	}
	data, typ, ok := tr.provider.Convert(name)
	if !ok {
		return nil, 0, false
	}
	if typ == "" {
		return data, target, true
	}
	atom, err := tr.b.Atom(typ)
	if err != nil {
		return nil, 0, false
	}
	return data, atom, true
}
