package api

import (
	"context"
	"errors"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/bryanchriswhite/xdrag/internal/drag"
	"github.com/bryanchriswhite/xdrag/internal/logger"
	"github.com/bryanchriswhite/xdrag/internal/window"
)

// idlePoll bounds how long a queued job waits behind an idle event read
const idlePoll = 100 * time.Millisecond

var errStopped = errors.New("display worker stopped")

type job struct {
	fn func(ctx context.Context)
	// abandoned runs instead of fn when the worker stops first
	abandoned func()
	done      chan struct{}
}

// worker owns the display connection. Jobs run one at a time between
// event reads, and a drag job pumps the connection itself until it ends.
type worker struct {
	engine  *drag.Engine
	jobs    chan job
	stopped chan struct{}
}

func newWorker(engine *drag.Engine) *worker {
	return &worker{
		engine:  engine,
		jobs:    make(chan job, 16),
		stopped: make(chan struct{}),
	}
}

// submit queues fn without waiting for it. It reports false when the
// worker has stopped and fn will never run.
func (w *worker) submit(fn func(ctx context.Context), abandoned func()) bool {
	select {
	case <-w.stopped:
		return false
	default:
	}
	select {
	case w.jobs <- job{fn: fn, abandoned: abandoned, done: make(chan struct{})}:
		return true
	case <-w.stopped:
		return false
	}
}

// do runs fn on the worker and waits for it
func (w *worker) do(ctx context.Context, fn func(ctx context.Context)) error {
	j := job{fn: fn, done: make(chan struct{})}
	select {
	case w.jobs <- j:
	case <-w.stopped:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-j.done:
		return nil
	case <-w.stopped:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *worker) exec(ctx context.Context, j job) {
	defer close(j.done)
	j.fn(ctx)
}

// dispatch handles an event no session consumed
func (w *worker) dispatch(ev xgb.Event) {
	if w.engine.HandleEvent(ev) {
		return
	}
	logger.WithComponent("api").Trace().Str("event", ev.String()).Msg("Unhandled event")
}

// drain abandons the jobs still queued once the worker has stopped
func (w *worker) drain() {
	for {
		select {
		case j := <-w.jobs:
			if j.abandoned != nil {
				j.abandoned()
			}
			close(j.done)
		default:
			return
		}
	}
}

func (w *worker) run(ctx context.Context) error {
	defer w.drain()
	defer close(w.stopped)
	log := logger.WithComponent("api")
	b := w.engine.Backend()

	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-w.jobs:
			w.exec(ctx, j)
			continue
		default:
		}

		pctx, cancel := context.WithTimeout(ctx, idlePoll)
		ev, err := b.NextEvent(pctx)
		cancel()
		switch {
		case err == nil:
			if ev != nil {
				w.dispatch(ev)
			}
		case errors.Is(err, window.ErrClosed):
			log.Warn().Msg("Display connection closed")
			return err
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, context.DeadlineExceeded):
		default:
			// nothing to read yet; wait for work instead of spinning
			log.Trace().Err(err).Msg("Event read failed")
			select {
			case <-ctx.Done():
				return nil
			case j := <-w.jobs:
				w.exec(ctx, j)
			case <-time.After(idlePoll):
			}
		}
	}
}
