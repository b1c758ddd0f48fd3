package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/bryanchriswhite/xdrag/internal/drag"
	"github.com/bryanchriswhite/xdrag/internal/logger"
	"github.com/bryanchriswhite/xdrag/internal/window"
	"github.com/bryanchriswhite/xdrag/internal/wire"
	"github.com/spf13/cobra"
)

var dragCmd = &cobra.Command{
	Use:   "drag",
	Short: "Drag data onto a window",
	Long: `Start a drag and drop session. The pointer is grabbed right away: move
it over the receiving window and click to drop, or press Escape to cancel.

The outcome is printed on stdout: the action the receiver performed, or
"none" when nothing took the drop.`,
	Example: `  # Drag some text
  xdrag drag --text "hello"

  # Drag a file as a URI list
  xdrag drag --target text/uri-list --data files.txt

  # Let the receiver choose between copy and move
  xdrag drag --text "hello" --action ask --offer copy,move

  # Stop without dropping once the pointer rests on one of our windows
  xdrag drag --text "hello" --frame 0x3a00007 --return-frame`,
	Args: cobra.NoArgs,
	RunE: runDrag,
}

var (
	dragTargets      []string
	dragText         string
	dragDataFile     string
	dragAction       string
	dragOffer        []string
	dragDescriptions []string
	dragLinger       time.Duration
	dragReturnFrame  bool
	dragFrames       []string
)

func init() {
	rootCmd.AddCommand(dragCmd)

	dragCmd.Flags().StringSliceVarP(&dragTargets, "target", "t", nil, "target (mime type or atom name) to offer, repeatable")
	dragCmd.Flags().StringVar(&dragText, "text", "", "text to drag, offered under the usual text targets")
	dragCmd.Flags().StringVar(&dragDataFile, "data", "", "file whose contents are offered under every --target")
	dragCmd.Flags().StringVarP(&dragAction, "action", "a", "copy", "requested action (copy, move, link, ask)")
	dragCmd.Flags().StringSliceVar(&dragOffer, "offer", nil, "actions offered to the receiver with --action ask")
	dragCmd.Flags().StringSliceVar(&dragDescriptions, "describe", nil, "descriptions of the --offer actions")
	dragCmd.Flags().DurationVar(&dragLinger, "linger", 5*time.Second, "how long to keep serving the data after the drop")
	dragCmd.Flags().StringSliceVar(&dragFrames, "frame", nil, "window id handled as a frame of the caller, repeatable")
	dragCmd.Flags().BoolVar(&dragReturnFrame, "return-frame", false, "end the drag when the pointer settles on a --frame window")
}

// dragOptions builds the session options from the flags
func dragOptions() (drag.Options, error) {
	opts := drag.Options{ReturnFrame: dragReturnFrame}

	action, err := wire.ParseAction(dragAction)
	if err != nil {
		return opts, err
	}
	opts.Action = action
	for _, name := range dragOffer {
		a, err := wire.ParseAction(name)
		if err != nil {
			return opts, err
		}
		opts.AskActions = append(opts.AskActions, a)
	}
	opts.AskDescriptions = dragDescriptions
	for _, id := range dragFrames {
		win, err := parseWindow(id)
		if err != nil {
			return opts, fmt.Errorf("--frame: %w", err)
		}
		opts.Frames = append(opts.Frames, win)
	}
	if dragReturnFrame && len(opts.Frames) == 0 {
		return opts, errors.New("--return-frame needs at least one --frame")
	}

	switch {
	case dragDataFile != "":
		if len(dragTargets) == 0 {
			return opts, errors.New("--data needs at least one --target")
		}
		data, err := os.ReadFile(dragDataFile)
		if err != nil {
			return opts, fmt.Errorf("failed to read data: %w", err)
		}
		st := make(drag.Static, len(dragTargets))
		for _, t := range dragTargets {
			st[t] = data
		}
		opts.Targets = dragTargets
		opts.Provider = st
	case dragText != "":
		st := drag.Text(dragText)
		opts.Targets = append([]string{}, drag.TextTargets...)
		for _, t := range dragTargets {
			if _, ok := st[t]; !ok {
				st[t] = []byte(dragText)
				opts.Targets = append(opts.Targets, t)
			}
		}
		opts.Provider = st
	default:
		return opts, errors.New("nothing to drag: use --text or --data")
	}
	return opts, nil
}

func runDrag(cmd *cobra.Command, args []string) error {
	opts, err := dragOptions()
	if err != nil {
		return err
	}

	e, b, err := openEngine()
	if err != nil {
		return err
	}
	defer b.Close()

	log := logger.WithComponent("drag")
	e.Dispatch = func(ev xgb.Event) {
		log.Trace().Str("event", ev.String()).Msg("Unhandled event")
	}

	notes := e.Subscribe()
	defer e.Unsubscribe(notes)
	go func() {
		for n := range notes {
			if n.Kind == drag.NotifyUnsupportedDrop {
				log.Info().
					Uint32("window", uint32(n.Window)).
					Int("x", n.X).
					Int("y", n.Y).
					Msg("Target speaks no drag protocol, pasting instead")
			}
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := e.Drag(ctx, opts)
	switch {
	case errors.Is(err, drag.ErrCancelled):
		fmt.Println(drag.OutcomeNone)
		return nil
	case err != nil:
		return err
	}

	switch res.Outcome {
	case drag.OutcomeAction:
		fmt.Println(res.Action)
	default:
		fmt.Println(res.Outcome)
	}

	if res.Outcome == drag.OutcomeAction && dragLinger > 0 {
		serveLinger(ctx, e, b, dragLinger)
	}
	return nil
}

// serveLinger answers the selection requests that may follow a drop, such
// as the paste after an unsupported drop
func serveLinger(ctx context.Context, e *drag.Engine, b *window.X11Backend, d time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	for {
		ev, err := b.NextEvent(ctx)
		if err != nil {
			return
		}
		e.HandleEvent(ev)
	}
}
