package wire

import (
	"image"

	"github.com/BurntSushi/xgb/xproto"
)

// protocol: https://www.freedesktop.org/wiki/Specifications/XDND/
// Every message is a 32-bit ClientMessage with five data words.

// XdndVersion is the newest protocol version this package can encode.
const XdndVersion = 5

const xdndWords = 5

// Enter flags (data.l[1]).
const (
	enterMoreTargetsFlag = 1 << 0
	enterVersionShift    = 24
)

// Status flags (data.l[1]).
const (
	StatusAcceptFlag       = 1 << 0
	StatusSendPositionFlag = 1 << 1
)

// Finished flags (data.l[1]).
const FinishedAcceptedFlag = 1 << 0

type Enter struct {
	Source      xproto.Window
	Version     int
	MoreTargets bool // full list is in XdndTypeList on Source
	Targets     [3]xproto.Atom
}

func (e *Enter) Data32() []uint32 {
	flags := uint32(e.Version) << enterVersionShift
	if e.MoreTargets {
		flags |= enterMoreTargetsFlag
	}
	return []uint32{
		uint32(e.Source),
		flags,
		uint32(e.Targets[0]),
		uint32(e.Targets[1]),
		uint32(e.Targets[2]),
	}
}

func ParseEnter(d []uint32) (*Enter, error) {
	if len(d) < xdndWords {
		return nil, ErrTruncated
	}
	return &Enter{
		Source:      xproto.Window(d[0]),
		Version:     int(d[1] >> enterVersionShift),
		MoreTargets: d[1]&enterMoreTargetsFlag != 0,
		Targets:     [3]xproto.Atom{xproto.Atom(d[2]), xproto.Atom(d[3]), xproto.Atom(d[4])},
	}, nil
}

// InlineTargets fills the three inline slots and reports whether the list
// had to be truncated.
func InlineTargets(targets []xproto.Atom) (inline [3]xproto.Atom, more bool) {
	copy(inline[:], targets)
	return inline, len(targets) > len(inline)
}

//----------

type Position struct {
	Source xproto.Window
	X, Y   int16 // root coordinates
	Time   xproto.Timestamp
	Action xproto.Atom
}

func (p *Position) Data32() []uint32 {
	return []uint32{
		uint32(p.Source),
		0, // reserved
		PackPoint(p.X, p.Y),
		uint32(p.Time),
		uint32(p.Action),
	}
}

func ParsePosition(d []uint32) (*Position, error) {
	if len(d) < xdndWords {
		return nil, ErrTruncated
	}
	x, y := UnpackPoint(d[2])
	return &Position{
		Source: xproto.Window(d[0]),
		X:      x,
		Y:      y,
		Time:   xproto.Timestamp(d[3]),
		Action: xproto.Atom(d[4]),
	}, nil
}

//----------

type Status struct {
	Target       xproto.Window
	Accept       bool
	SendPosition bool
	// Rect is where the target does not want further positions. Only
	// meaningful when SendPosition is false.
	Rect   image.Rectangle
	Action xproto.Atom
}

func (s *Status) Data32() []uint32 {
	flags := uint32(0)
	if s.Accept {
		flags |= StatusAcceptFlag
	}
	if s.SendPosition {
		flags |= StatusSendPositionFlag
	}
	return []uint32{
		uint32(s.Target),
		flags,
		PackPoint(int16(s.Rect.Min.X), int16(s.Rect.Min.Y)),
		uint32(uint16(s.Rect.Dx()))<<16 | uint32(uint16(s.Rect.Dy())),
		uint32(s.Action),
	}
}

func ParseStatus(d []uint32) (*Status, error) {
	if len(d) < xdndWords {
		return nil, ErrTruncated
	}
	x, y := UnpackPoint(d[2])
	w, h := int(d[3]>>16), int(d[3]&0xffff)
	return &Status{
		Target:       xproto.Window(d[0]),
		Accept:       d[1]&StatusAcceptFlag != 0,
		SendPosition: d[1]&StatusSendPositionFlag != 0,
		Rect:         image.Rect(int(x), int(y), int(x)+w, int(y)+h),
		Action:       xproto.Atom(d[4]),
	}, nil
}

//----------

type Leave struct {
	Source xproto.Window
}

func (l *Leave) Data32() []uint32 {
	return []uint32{uint32(l.Source), 0, 0, 0, 0}
}

func ParseLeave(d []uint32) (*Leave, error) {
	if len(d) < xdndWords {
		return nil, ErrTruncated
	}
	return &Leave{Source: xproto.Window(d[0])}, nil
}

//----------

type Drop struct {
	Source xproto.Window
	Time   xproto.Timestamp
}

func (dr *Drop) Data32() []uint32 {
	return []uint32{uint32(dr.Source), 0, uint32(dr.Time), 0, 0}
}

func ParseDrop(d []uint32) (*Drop, error) {
	if len(d) < xdndWords {
		return nil, ErrTruncated
	}
	return &Drop{Source: xproto.Window(d[0]), Time: xproto.Timestamp(d[2])}, nil
}

//----------

type Finished struct {
	Target   xproto.Window
	Accepted bool        // version 5
	Action   xproto.Atom // version 5
}

func (f *Finished) Data32() []uint32 {
	flags := uint32(0)
	action := f.Action
	if f.Accepted {
		flags |= FinishedAcceptedFlag
	} else {
		action = xproto.AtomNone
	}
	return []uint32{uint32(f.Target), flags, uint32(action), 0, 0}
}

func ParseFinished(d []uint32) (*Finished, error) {
	if len(d) < xdndWords {
		return nil, ErrTruncated
	}
	return &Finished{
		Target:   xproto.Window(d[0]),
		Accepted: d[1]&FinishedAcceptedFlag != 0,
		Action:   xproto.Atom(d[2]),
	}, nil
}

//----------

func PackPoint(x, y int16) uint32 {
	return uint32(uint16(x))<<16 | uint32(uint16(y))
}

func UnpackPoint(v uint32) (x, y int16) {
	return int16(v >> 16), int16(v & 0xffff)
}
