// Package drag runs the source side of a drag and drop: one session at a
// time, talking XDND or Motif to whatever window is under the pointer and
// falling back to a synthetic middle click paste when nothing answers.
package drag

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/xdrag/internal/config"
	"github.com/bryanchriswhite/xdrag/internal/logger"
	"github.com/bryanchriswhite/xdrag/internal/probe"
	"github.com/bryanchriswhite/xdrag/internal/toplevel"
	"github.com/bryanchriswhite/xdrag/internal/window"
	"github.com/bryanchriswhite/xdrag/internal/wire"
)

var (
	ErrBusy       = errors.New("drag: a session is already active")
	ErrCancelled  = errors.New("drag: cancelled")
	ErrGrabFailed = errors.New("drag: pointer grab failed")
	ErrNoTargets  = errors.New("drag: no targets offered")
)

type Outcome int

const (
	// OutcomeNone means nothing was dropped
	OutcomeNone Outcome = iota
	// OutcomeAction means a receiver took the drop with Result.Action
	OutcomeAction
	// OutcomeOwnFrame means the drop landed on a frame of this process,
	// named by Result.Frame, and no protocol was spoken for it
	OutcomeOwnFrame
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAction:
		return "action"
	case OutcomeOwnFrame:
		return "own-frame"
	}
	return "none"
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Result is the terminal value of a session.
type Result struct {
	Outcome Outcome       `json:"outcome"`
	Action  wire.Action   `json:"action"`
	Frame   xproto.Window `json:"frame,omitempty"`
	Target  probe.Target  `json:"target"`
}

// DataProvider converts the dragged object into one of the offered
// targets. typ names the property type; empty means the target itself.
type DataProvider interface {
	Convert(target string) (data []byte, typ string, ok bool)
}

// Options describe one drag.
type Options struct {
	// Source owns the selections; one is created when zero
	Source xproto.Window
	// Frame is the frame of this process the drag started from, if any
	Frame xproto.Window
	// Frames are registered as frames of this process for the session
	// only, see RegisterFrame
	Frames  []xproto.Window
	Targets []string
	// Action defaults to copy
	Action wire.Action
	// AskActions and AskDescriptions are published for ActionAsk
	AskActions      []wire.Action
	AskDescriptions []string
	Provider        DataProvider
	// ReturnFrame ends the drag when the pointer settles on another frame
	// of this process; the config setting enables it too
	ReturnFrame bool
	// AllowSourceFrame lets ReturnFrame return Frame itself
	AllowSourceFrame bool
	// Time of the button press that started the drag
	Time xproto.Timestamp
}

type atoms struct {
	XdndEnter             xproto.Atom
	XdndPosition          xproto.Atom
	XdndStatus            xproto.Atom
	XdndLeave             xproto.Atom
	XdndDrop              xproto.Atom
	XdndFinished          xproto.Atom
	XdndSelection         xproto.Atom
	XdndTypeList          xproto.Atom
	XdndActionList        xproto.Atom
	XdndActionDescription xproto.Atom

	MotifMessage       xproto.Atom `loadAtoms:"_MOTIF_DRAG_AND_DROP_MESSAGE"`
	MotifTargets       xproto.Atom `loadAtoms:"_MOTIF_DRAG_TARGETS"`
	MotifInitiatorInfo xproto.Atom `loadAtoms:"_MOTIF_DRAG_INITIATOR_INFO"`
	TransferSuccess    xproto.Atom `loadAtoms:"XmTRANSFER_SUCCESS"`
	TransferFailure    xproto.Atom `loadAtoms:"XmTRANSFER_FAILURE"`

	Targets xproto.Atom `loadAtoms:"TARGETS"`
	Null    xproto.Atom `loadAtoms:"NULL"`
	Primary xproto.Atom `loadAtoms:"PRIMARY"`
	Atom    xproto.Atom `loadAtoms:"ATOM"`
	String  xproto.Atom `loadAtoms:"STRING"`
}

var allActions = []wire.Action{wire.ActionCopy, wire.ActionMove, wire.ActionLink, wire.ActionAsk, wire.ActionPrivate}

// Engine owns the drag machinery for one display connection.
type Engine struct {
	b      window.Backend
	cfg    config.DragConfig
	atoms  atoms
	prober *probe.Prober

	actionAtoms map[wire.Action]xproto.Atom
	atomActions map[xproto.Atom]wire.Action

	// Dispatch receives the events a running session does not consume.
	// Set it before the first Drag.
	Dispatch func(xgb.Event)

	mu            sync.Mutex
	active        *Session
	nextID        uint64
	listeners     []chan Notification
	frames        map[xproto.Window]bool
	source        xproto.Window
	lastSynthetic xproto.Timestamp
	// selections still served after their session ended
	linger *transfer
}

func New(b window.Backend, cfg config.DragConfig) (*Engine, error) {
	e := &Engine{
		b:           b,
		cfg:         cfg,
		actionAtoms: make(map[wire.Action]xproto.Atom),
		atomActions: make(map[xproto.Atom]wire.Action),
		frames:      make(map[xproto.Window]bool),
	}
	if err := window.LoadAtoms(b, &e.atoms); err != nil {
		return nil, fmt.Errorf("drag engine: %w", err)
	}
	for _, a := range allActions {
		atom, err := b.Atom(a.AtomName())
		if err != nil {
			return nil, fmt.Errorf("drag engine: %w", err)
		}
		e.actionAtoms[a] = atom
		e.atomActions[atom] = a
	}
	p, err := probe.New(b, e.probeOptions(nil))
	if err != nil {
		return nil, fmt.Errorf("drag engine: %w", err)
	}
	e.prober = p
	return e, nil
}

func (e *Engine) probeOptions(styles probe.StyleSource) probe.Options {
	return probe.Options{
		XdndVersion: e.cfg.XdndVersion,
		Motif:       e.cfg.MotifEnabled,
		Compositor:  e.cfg.ProbeCompositor,
		Styles:      styles,
	}
}

func (e *Engine) Backend() window.Backend { return e.b }

func (e *Engine) Config() config.DragConfig { return e.cfg }

func (e *Engine) Prober() *probe.Prober { return e.prober }

// Busy reports whether a session is running.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil
}

// RegisterFrame marks win as a frame of this process. Drops on it are
// reported as OutcomeOwnFrame without speaking any protocol.
func (e *Engine) RegisterFrame(win xproto.Window) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames[win] = true
}

func (e *Engine) UnregisterFrame(win xproto.Window) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.frames, win)
}

func (e *Engine) ownFrame(win xproto.Window) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames[win]
}

// Probe resolves win outside of any session.
func (e *Engine) Probe(win xproto.Window) probe.Target {
	return e.prober.Probe(win)
}

// Toplevels builds a directory snapshot, front to back.
func (e *Engine) Toplevels() ([]*toplevel.Record, error) {
	dir, err := toplevel.New(e.b)
	if err != nil {
		return nil, err
	}
	defer dir.Release()
	if err := dir.Rebuild(); err != nil {
		return nil, err
	}
	return dir.Records(), nil
}

// action maps an action atom received from a target.
func (e *Engine) action(atom xproto.Atom) wire.Action {
	if atom == xproto.AtomNone {
		return wire.ActionNone
	}
	if a, ok := e.atomActions[atom]; ok {
		return a
	}
	return wire.ActionPrivate
}

// syntheticTimes returns two fresh timestamps after base. They increase
// across the whole life of the engine.
func (e *Engine) syntheticTimes(base xproto.Timestamp) (xproto.Timestamp, xproto.Timestamp) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t1 := max(base, e.lastSynthetic) + 1
	t2 := t1 + 1
	e.lastSynthetic = t2
	return t1, t2
}

func (e *Engine) sourceWindow() (xproto.Window, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.source != xproto.WindowNone {
		return e.source, nil
	}
	win, err := e.b.CreateSourceWindow()
	if err != nil {
		return xproto.WindowNone, fmt.Errorf("create source window: %w", err)
	}
	e.source = win
	return win, nil
}

// Drag runs one session to completion. It blocks, pumping the backend's
// events, until the drop is acknowledged, refused or cancelled. Events the
// session does not consume go to Dispatch.
//
// A cancelled session returns an error wrapping ErrCancelled together with
// a Result whose Outcome is OutcomeNone.
func (e *Engine) Drag(ctx context.Context, opts Options) (Result, error) {
	s, err := e.begin(opts)
	if err != nil {
		return Result{}, err
	}
	defer e.end(s)
	defer s.restore()

	if err := s.setup(); err != nil {
		// nothing was dragged, so nothing is left to serve
		s.transfer.disown(s.time)
		return Result{}, err
	}
	return s.run(ctx)
}

func (e *Engine) begin(opts Options) (*Session, error) {
	if len(opts.Targets) == 0 {
		return nil, ErrNoTargets
	}
	e.mu.Lock()
	if e.active != nil {
		e.mu.Unlock()
		return nil, ErrBusy
	}
	e.nextID++
	s := newSession(e, e.nextID, opts)
	e.active = s
	for _, win := range opts.Frames {
		if win != xproto.WindowNone && !e.frames[win] {
			e.frames[win] = true
			s.frames = append(s.frames, win)
		}
	}
	// a new session takes the selections over
	e.linger = nil
	e.mu.Unlock()
	return s, nil
}

func (e *Engine) end(s *Session) {
	s.transfer.onResult = nil

	e.mu.Lock()
	e.active = nil
	for _, win := range s.frames {
		delete(e.frames, win)
	}
	if s.transfer.active() {
		e.linger = s.transfer
	}
	e.mu.Unlock()

	res := s.result
	e.notify(Notification{Kind: NotifySessionFinished, Session: s.id, Result: &res})
	s.log.Info().
		Stringer("outcome", res.Outcome).
		Stringer("action", res.Action).
		Uint32("frame", uint32(res.Frame)).
		Msg("Drag session finished")
}

// HandleEvent serves selection requests for the data of the last session
// after it ended, such as the paste that follows an unsupported drop. It
// reports whether the event was consumed. The application's own event loop
// should call it while no session runs.
func (e *Engine) HandleEvent(ev xgb.Event) bool {
	e.mu.Lock()
	tr := e.linger
	busy := e.active != nil
	e.mu.Unlock()
	if tr == nil || busy {
		return false
	}

	switch ev := ev.(type) {
	case xproto.SelectionRequestEvent:
		return tr.request(ev)
	case xproto.SelectionClearEvent:
		handled := tr.clear(ev)
		if !tr.active() {
			e.mu.Lock()
			if e.linger == tr {
				e.linger = nil
			}
			e.mu.Unlock()
			logger.WithComponent("drag").Debug().Msg("Drag data no longer owned")
		}
		return handled
	}
	return false
}
