package drag

import (
	"bytes"
	"fmt"
	"image"
	"time"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/xdrag/internal/config"
	"github.com/bryanchriswhite/xdrag/internal/logger"
	"github.com/bryanchriswhite/xdrag/internal/probe"
	"github.com/bryanchriswhite/xdrag/internal/toplevel"
	"github.com/bryanchriswhite/xdrag/internal/window"
	"github.com/bryanchriswhite/xdrag/internal/wire"
	"github.com/rs/zerolog"
)

type State int

const (
	StateIdle State = iota
	StateArmed
	StateTracking
	StateFinishing
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateTracking:
		return "tracking"
	case StateFinishing:
		return "finishing"
	case StateCancelled:
		return "cancelled"
	}
	return "idle"
}

// current is what the pointer is over.
type current struct {
	target   probe.Target
	toplevel xproto.Window
	own      bool
	frame    xproto.Window
	// entered is set once an enter went out and no leave or drop followed
	entered bool
}

type returnMode int

const (
	returnOff returnMode = iota
	returnArmed
	returnPending
)

// Session is the state of one drag. It lives for a single Engine.Drag
// call and is only touched by the goroutine running it.
type Session struct {
	id   uint64
	e    *Engine
	b    window.Backend
	a    *atoms
	cfg  config.DragConfig
	log  *zerolog.Logger
	opts Options

	source  xproto.Window
	targets []xproto.Atom
	action  wire.Action

	// frames registered for this session only
	frames []xproto.Window

	dir      *toplevel.Directory
	prober   *probe.Prober
	transfer *transfer
	escape   []xproto.Keycode
	undo     []func()
	cursor   string

	state State
	time  xproto.Timestamp
	last  image.Point
	cur   current
	// last toplevel the pointer was over
	toplevel xproto.Window

	// feedback from the current target
	accepting      bool
	accepted       wire.Action
	awaitingStatus bool
	pending        *image.Point
	noMotion       image.Rectangle

	motif struct {
		published bool
		index     int
		indexAtom xproto.Atom
	}

	finish struct {
		target        probe.Target
		dropPending   bool
		awaitFinished bool
		awaitReply    bool
		awaitTransfer bool
		// transfer result seen before the drop start reply
		transferred *bool
		deadline    time.Time
	}

	ret struct {
		mode  returnMode
		frame xproto.Window
	}

	done   bool
	result Result
	err    error
}

func newSession(e *Engine, id uint64, opts Options) *Session {
	s := &Session{
		id:     id,
		e:      e,
		b:      e.b,
		a:      &e.atoms,
		cfg:    e.cfg,
		log:    logger.WithSession("drag", id),
		opts:   opts,
		action: opts.Action,
		time:   opts.Time,
		state:  StateIdle,
	}
	if s.action == wire.ActionNone {
		s.action = wire.ActionCopy
	}
	if opts.ReturnFrame || e.cfg.ReturnFrame {
		s.ret.mode = returnArmed
	}
	s.transfer = &transfer{b: e.b, a: &e.atoms, provider: opts.Provider, owned: make(map[xproto.Atom]bool)}
	return s
}

func (s *Session) ID() uint64 { return s.id }

func (s *Session) State() State { return s.state }

// setup takes everything the drag needs from the display. Every step that
// changes shared state registers its undo before the next step runs.
func (s *Session) setup() error {
	source := s.opts.Source
	if source == xproto.WindowNone {
		var err error
		if source, err = s.e.sourceWindow(); err != nil {
			return err
		}
	}
	s.source = source
	s.transfer.source = source

	names := make(map[xproto.Atom]string, len(s.opts.Targets))
	for _, name := range s.opts.Targets {
		atom, err := s.b.Atom(name)
		if err != nil {
			return fmt.Errorf("intern target %q: %w", name, err)
		}
		if _, dup := names[atom]; dup {
			continue
		}
		names[atom] = name
		s.targets = append(s.targets, atom)
	}
	s.transfer.targets = s.targets
	s.transfer.names = names

	if s.cfg.UseToplevels {
		dir, err := toplevel.New(s.b)
		if err == nil {
			err = dir.Rebuild()
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("Toplevel directory unavailable, descending window tree instead")
		} else {
			s.dir = dir
			s.undo = append(s.undo, dir.Release)
		}
	}

	var styles probe.StyleSource
	if s.dir != nil {
		styles = s.dir
	}
	p, err := probe.New(s.b, s.e.probeOptions(styles))
	if err != nil {
		return err
	}
	s.prober = p

	root := s.b.Root()
	prevMask, err := s.b.EventMask(root)
	if err != nil {
		return fmt.Errorf("read root event mask: %w", err)
	}
	if err := s.b.SelectInput(root, prevMask|xproto.EventMaskPropertyChange); err != nil {
		return fmt.Errorf("select root events: %w", err)
	}
	s.undo = append(s.undo, func() {
		if err := s.b.SelectInput(root, prevMask); err != nil {
			s.log.Warn().Err(err).Msg("Failed to restore root event mask")
		}
	})

	if len(s.targets) > 3 {
		if err := s.b.ChangeProperty(source, s.a.XdndTypeList, s.a.Atom, 32, window.EncodeAtoms(s.targets)); err != nil {
			return fmt.Errorf("publish type list: %w", err)
		}
	}
	if s.action == wire.ActionAsk && len(s.opts.AskActions) > 0 {
		if err := s.publishAskActions(); err != nil {
			return err
		}
	}

	if err := s.transfer.own(s.a.XdndSelection, s.time); err != nil {
		return fmt.Errorf("own drag selection: %w", err)
	}
	s.transfer.onResult = s.transferResult

	s.cursor = s.cfg.Cursors.Drag
	if err := s.b.GrabPointer(s.cursor); err != nil {
		return fmt.Errorf("%w: %w", ErrGrabFailed, err)
	}
	s.undo = append(s.undo, func() { _ = s.b.UngrabPointer() })
	if err := s.b.GrabKeyboard(); err != nil {
		s.log.Warn().Err(err).Msg("Keyboard grab failed, escape will not cancel")
	} else {
		s.undo = append(s.undo, func() { _ = s.b.UngrabKeyboard() })
	}
	s.escape = s.b.CancelKeycodes()

	s.state = StateArmed
	s.e.notify(Notification{
		Kind:    NotifySessionStarted,
		Session: s.id,
		Window:  source,
		Targets: s.opts.Targets,
		Action:  s.action.String(),
	})
	s.log.Info().
		Uint32("source", uint32(source)).
		Strs("targets", s.opts.Targets).
		Stringer("action", s.action).
		Bool("toplevels", s.dir != nil).
		Msg("Drag session started")
	return nil
}

func (s *Session) publishAskActions() error {
	list := make([]xproto.Atom, 0, len(s.opts.AskActions))
	var desc bytes.Buffer
	for i, a := range s.opts.AskActions {
		atom, ok := s.e.actionAtoms[a]
		if !ok {
			continue
		}
		list = append(list, atom)
		d := a.String()
		if i < len(s.opts.AskDescriptions) {
			d = s.opts.AskDescriptions[i]
		}
		desc.WriteString(d)
		desc.WriteByte(0)
	}
	if err := s.b.ChangeProperty(s.source, s.a.XdndActionList, s.a.Atom, 32, window.EncodeAtoms(list)); err != nil {
		return fmt.Errorf("publish action list: %w", err)
	}
	if err := s.b.ChangeProperty(s.source, s.a.XdndActionDescription, s.a.String, 8, desc.Bytes()); err != nil {
		return fmt.Errorf("publish action descriptions: %w", err)
	}
	return nil
}

// restore undoes setup in reverse order. It runs on every exit path.
func (s *Session) restore() {
	for i := len(s.undo) - 1; i >= 0; i-- {
		s.undo[i]()
	}
	s.undo = nil
}

func (s *Session) stamp(t xproto.Timestamp) {
	if t != xproto.TimeCurrentTime {
		s.time = t
	}
}

func (s *Session) setCursor(name string) {
	if name == "" || name == s.cursor {
		return
	}
	if err := s.b.ChangeGrabCursor(name); err != nil {
		s.log.Debug().Err(err).Str("cursor", name).Msg("Failed to change cursor")
		return
	}
	s.cursor = name
}

func (s *Session) complete(r Result) {
	if s.done {
		return
	}
	s.result = r
	s.state = StateIdle
	s.done = true
}

// cancel ends the session with no drop, telling the current target when
// it still expects more messages.
func (s *Session) cancel(reason string, cause error) {
	if s.done {
		return
	}
	switch s.state {
	case StateTracking:
		s.leave()
	case StateFinishing:
		if s.finish.dropPending {
			s.leave()
		}
	}
	s.log.Info().Str("reason", reason).Err(cause).Stringer("state", s.state).Msg("Drag cancelled")

	s.result = Result{Outcome: OutcomeNone, Target: s.cur.target}
	if cause != nil {
		s.err = fmt.Errorf("%w: %s: %w", ErrCancelled, reason, cause)
	} else {
		s.err = fmt.Errorf("%w: %s", ErrCancelled, reason)
	}
	s.state = StateCancelled
	s.done = true
}
