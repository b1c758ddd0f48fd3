package drag

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/xdrag/internal/logger"
	"github.com/bryanchriswhite/xdrag/internal/window"
	"github.com/bryanchriswhite/xdrag/internal/wire"
)

// publishMotif makes the session's targets reachable by Motif receivers:
// an entry in the shared targets table, and the initiator info record on
// the source window under the session's index atom. It runs at most once
// per session.
func (s *Session) publishMotif() error {
	if s.motif.published {
		return nil
	}
	index, err := s.e.motifTableIndex(s.targets)
	if err != nil {
		return err
	}
	indexAtom, err := s.b.Atom(fmt.Sprintf("_XDRAG_ATOM_%d", s.source))
	if err != nil {
		return fmt.Errorf("intern index atom: %w", err)
	}
	info := &wire.InitiatorInfo{
		Protocol:   wire.MotifProtocolVersion,
		TableIndex: uint16(index),
		Selection:  s.a.XdndSelection,
	}
	if err := s.b.ChangeProperty(s.source, indexAtom, s.a.MotifInitiatorInfo, 8, info.Encode()); err != nil {
		return fmt.Errorf("write initiator info: %w", err)
	}
	s.motif.published = true
	s.motif.index = index
	s.motif.indexAtom = indexAtom
	s.log.Debug().Int("index", index).Uint32("index_atom", uint32(indexAtom)).Msg("Motif targets published")
	return nil
}

// motifTableIndex returns the index of targets in the shared table on the
// Motif drag window, appending a record when no equal one exists. Other
// clients update the same table, so the read-modify-write happens under a
// server grab. Existing records are never removed.
func (e *Engine) motifTableIndex(targets []xproto.Atom) (int, error) {
	log := logger.WithComponent("drag")

	// may create the window on another connection, so not under the grab
	win, err := e.b.MotifDragWindow()
	if err != nil {
		return 0, fmt.Errorf("motif drag window: %w", err)
	}

	if err := e.b.GrabServer(); err != nil {
		return 0, fmt.Errorf("grab server: %w", err)
	}
	defer func() {
		if err := e.b.UngrabServer(); err != nil {
			log.Warn().Err(err).Msg("Failed to ungrab server")
		}
	}()

	table := &wire.TargetsTable{}
	prop, err := e.b.Property(win, e.atoms.MotifTargets)
	switch {
	case err == nil:
		t, derr := wire.DecodeTargetsTable(prop.Value)
		if derr != nil {
			log.Warn().Err(derr).Msg("Replacing malformed Motif targets table")
		} else {
			table = t
		}
	case errors.Is(err, window.ErrNoProperty):
	default:
		return 0, fmt.Errorf("read targets table: %w", err)
	}

	if i, ok := table.Index(targets); ok {
		return i, nil
	}
	i := table.Add(targets)
	if err := e.b.ChangeProperty(win, e.atoms.MotifTargets, e.atoms.MotifTargets, 8, table.Encode()); err != nil {
		return 0, fmt.Errorf("write targets table: %w", err)
	}
	log.Debug().Int("index", i).Int("records", len(table.Lists)).Msg("Motif targets table grown")
	return i, nil
}
