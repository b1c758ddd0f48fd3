package window

import (
	"errors"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/xdrag/internal/logger"
)

// IsGone reports whether err means the window a request named has been
// destroyed. BadMatch is included since requests racing a destroy on
// reparented windows often fail with it instead of BadWindow.
func IsGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrWindowGone) {
		return true
	}
	var we xproto.WindowError
	var de xproto.DrawableError
	var me xproto.MatchError
	return errors.As(err, &we) || errors.As(err, &de) || errors.As(err, &me)
}

// Trap collects the outcome of a group of requests on windows owned by
// other clients. A vanished window is recorded instead of being treated as
// a fault; anything else is kept as the trap's error.
//
//	t := window.Catch("probe")
//	defer t.Release()
//	prop, err := b.Property(win, atom)
//	t.Record(err)
//	if t.Gone() { ... }
type Trap struct {
	name     string
	gone     bool
	err      error
	released bool
}

func Catch(name string) *Trap {
	return &Trap{name: name}
}

// Record notes err and returns it unchanged.
func (t *Trap) Record(err error) error {
	if t.released {
		logger.WithComponent("trap").Warn().Str("trap", t.name).Err(err).Msg("Record after release")
		return err
	}
	if err == nil {
		return nil
	}
	if IsGone(err) {
		t.gone = true
		return err
	}
	if errors.Is(err, ErrNoProperty) {
		return err
	}
	if t.err == nil {
		t.err = err
	}
	return err
}

// Gone reports whether any recorded request failed because its window
// disappeared.
func (t *Trap) Gone() bool { return t.gone }

// Err returns the first error that was not a vanished window or a missing
// property.
func (t *Trap) Err() error { return t.err }

// Failed reports whether anything other than a missing property went wrong.
func (t *Trap) Failed() bool { return t.gone || t.err != nil }

// Release ends the trap. Releasing twice is a no-op.
func (t *Trap) Release() {
	if t.released {
		return
	}
	t.released = true
	if t.err != nil {
		logger.WithComponent("trap").Debug().Str("trap", t.name).Err(t.err).Msg("Trapped request error")
	}
}

// Released reports whether Release was called.
func (t *Trap) Released() bool { return t.released }
