package wire

import (
	"encoding/binary"
	"errors"

	"github.com/BurntSushi/xgb/xproto"
)

// Motif drag and drop messages travel as 8-bit ClientMessages of type
// _MOTIF_DRAG_AND_DROP_MESSAGE. Byte 0 is the reason (message code in the
// low 7 bits, originator in the high bit) and byte 1 says in which byte
// order the remaining fields were written.

var (
	ErrTruncated = errors.New("wire: buffer too short")
	ErrByteOrder = errors.New("wire: unknown byte order marker")
	ErrDirection = errors.New("wire: unexpected message originator")
	ErrCode      = errors.New("wire: unexpected message code")
)

// Byte order markers.
const (
	OrderLittle byte = 'l'
	OrderBig    byte = 'B'
)

// MotifMessageSize is the payload of an 8-bit ClientMessage.
const MotifMessageSize = 20

var nativeOrder = func() byte {
	if binary.NativeEndian.Uint16([]byte{1, 0}) == 1 {
		return OrderLittle
	}
	return OrderBig
}()

// NativeOrder is the marker describing this host's byte order.
func NativeOrder() byte {
	return nativeOrder
}

func byteOrder(marker byte) (binary.ByteOrder, error) {
	switch marker {
	case OrderLittle:
		return binary.LittleEndian, nil
	case OrderBig:
		return binary.BigEndian, nil
	}
	return nil, ErrByteOrder
}

type Originator uint8

const (
	Initiator Originator = 0
	Receiver  Originator = 1
)

type MotifCode uint8

const (
	CodeTopLevelEnter    MotifCode = 0
	CodeTopLevelLeave    MotifCode = 1
	CodeDragMotion       MotifCode = 2
	CodeDropSiteEnter    MotifCode = 3
	CodeDropSiteLeave    MotifCode = 4
	CodeDropStart        MotifCode = 5
	CodeOperationChanged MotifCode = 8
)

func reason(o Originator, c MotifCode) byte {
	return byte(o)<<7 | byte(c)&0x7f
}

// SplitReason decodes byte 0 of a message.
func SplitReason(b byte) (Originator, MotifCode) {
	return Originator(b >> 7), MotifCode(b & 0x7f)
}

// PeekMotif returns the originator and code of a raw message without
// decoding the rest.
func PeekMotif(b []byte) (Originator, MotifCode, error) {
	if len(b) < 2 {
		return 0, 0, ErrTruncated
	}
	o, c := SplitReason(b[0])
	return o, c, nil
}

//----------

// Drop site status, the second nibble of a side-effects word.
const (
	SiteNoDropSite uint8 = 1
	SiteInvalid    uint8 = 2
	SiteValid      uint8 = 3
)

// Drop action, the fourth nibble of a side-effects word.
const (
	DropActionDrop      uint8 = 0
	DropActionHelp      uint8 = 1
	DropActionCancel    uint8 = 2
	DropActionInterrupt uint8 = 3
)

// SideEffects packs operation, site status, offered operations and drop
// action, one nibble each, low to high.
type SideEffects uint16

func MakeSideEffects(op, site, ops, action uint8) SideEffects {
	return SideEffects(uint16(op&0xf) | uint16(site&0xf)<<4 | uint16(ops&0xf)<<8 | uint16(action&0xf)<<12)
}

func (s SideEffects) Operation() uint8  { return uint8(s & 0xf) }
func (s SideEffects) SiteStatus() uint8 { return uint8(s>>4) & 0xf }
func (s SideEffects) Operations() uint8 { return uint8(s>>8) & 0xf }
func (s SideEffects) DropAction() uint8 { return uint8(s>>12) & 0xf }

//----------

// Field offsets shared by all messages.
const (
	offReason  = 0
	offOrder   = 1
	offFlags   = 2
	offTime    = 4
	motifHdrSz = 8
)

type motifWriter struct {
	b   []byte
	ord binary.ByteOrder
}

func newMotifWriter(size int, marker byte, o Originator, c MotifCode) *motifWriter {
	ord, err := byteOrder(marker)
	if err != nil {
		marker, ord = nativeOrder, binary.NativeEndian
	}
	w := &motifWriter{b: make([]byte, size), ord: ord}
	w.b[offReason] = reason(o, c)
	w.b[offOrder] = marker
	return w
}

func (w *motifWriter) u16(off int, v uint16) { w.ord.PutUint16(w.b[off:], v) }
func (w *motifWriter) u32(off int, v uint32) { w.ord.PutUint32(w.b[off:], v) }

type motifReader struct {
	b   []byte
	ord binary.ByteOrder
	o   Originator
	c   MotifCode
}

func newMotifReader(b []byte, size int, want MotifCode) (*motifReader, error) {
	if len(b) < size {
		return nil, ErrTruncated
	}
	ord, err := byteOrder(b[offOrder])
	if err != nil {
		return nil, err
	}
	o, c := SplitReason(b[offReason])
	if c != want {
		return nil, ErrCode
	}
	return &motifReader{b: b, ord: ord, o: o, c: c}, nil
}

func (r *motifReader) u16(off int) uint16 { return r.ord.Uint16(r.b[off:]) }
func (r *motifReader) u32(off int) uint32 { return r.ord.Uint32(r.b[off:]) }

//----------

const topLevelEnterSize = 16

type TopLevelEnter struct {
	Origin    Originator
	Time      xproto.Timestamp
	Source    xproto.Window
	IndexAtom xproto.Atom // names the initiator info property on Source
}

func (m *TopLevelEnter) Encode() []byte { return m.EncodeOrder(nativeOrder) }

func (m *TopLevelEnter) EncodeOrder(marker byte) []byte {
	w := newMotifWriter(topLevelEnterSize, marker, m.Origin, CodeTopLevelEnter)
	w.u32(offTime, uint32(m.Time))
	w.u32(8, uint32(m.Source))
	w.u32(12, uint32(m.IndexAtom))
	return w.b
}

func DecodeTopLevelEnter(b []byte) (*TopLevelEnter, error) {
	r, err := newMotifReader(b, topLevelEnterSize, CodeTopLevelEnter)
	if err != nil {
		return nil, err
	}
	return &TopLevelEnter{
		Origin:    r.o,
		Time:      xproto.Timestamp(r.u32(offTime)),
		Source:    xproto.Window(r.u32(8)),
		IndexAtom: xproto.Atom(r.u32(12)),
	}, nil
}

//----------

const topLevelLeaveSize = 12

type TopLevelLeave struct {
	Origin Originator
	Time   xproto.Timestamp
	Source xproto.Window
}

func (m *TopLevelLeave) Encode() []byte { return m.EncodeOrder(nativeOrder) }

func (m *TopLevelLeave) EncodeOrder(marker byte) []byte {
	w := newMotifWriter(topLevelLeaveSize, marker, m.Origin, CodeTopLevelLeave)
	w.u32(offTime, uint32(m.Time))
	w.u32(8, uint32(m.Source))
	return w.b
}

func DecodeTopLevelLeave(b []byte) (*TopLevelLeave, error) {
	r, err := newMotifReader(b, topLevelLeaveSize, CodeTopLevelLeave)
	if err != nil {
		return nil, err
	}
	return &TopLevelLeave{
		Origin: r.o,
		Time:   xproto.Timestamp(r.u32(offTime)),
		Source: xproto.Window(r.u32(8)),
	}, nil
}

//----------

const dragMotionSize = 12

// OffscreenCoord is sent in the motion that precedes a leave; some
// receivers only accept the leave once the pointer is reported outside of
// every drop site.
const OffscreenCoord = -1 // 0xffff on the wire

type DragMotion struct {
	Origin      Originator
	SideEffects SideEffects
	Time        xproto.Timestamp
	X, Y        int16
}

func (m *DragMotion) Encode() []byte { return m.EncodeOrder(nativeOrder) }

func (m *DragMotion) EncodeOrder(marker byte) []byte {
	w := newMotifWriter(dragMotionSize, marker, m.Origin, CodeDragMotion)
	w.u16(offFlags, uint16(m.SideEffects))
	w.u32(offTime, uint32(m.Time))
	w.u16(8, uint16(m.X))
	w.u16(10, uint16(m.Y))
	return w.b
}

func DecodeDragMotion(b []byte) (*DragMotion, error) {
	r, err := newMotifReader(b, dragMotionSize, CodeDragMotion)
	if err != nil {
		return nil, err
	}
	return &DragMotion{
		Origin:      r.o,
		SideEffects: SideEffects(r.u16(offFlags)),
		Time:        xproto.Timestamp(r.u32(offTime)),
		X:           int16(r.u16(8)),
		Y:           int16(r.u16(10)),
	}, nil
}

//----------

const dropStartSize = 20

type DropStart struct {
	Origin      Originator
	SideEffects SideEffects
	Time        xproto.Timestamp
	X, Y        int16
	IndexAtom   xproto.Atom
	Source      xproto.Window
}

func (m *DropStart) Encode() []byte { return m.EncodeOrder(nativeOrder) }

func (m *DropStart) EncodeOrder(marker byte) []byte {
	w := newMotifWriter(dropStartSize, marker, m.Origin, CodeDropStart)
	w.u16(offFlags, uint16(m.SideEffects))
	w.u32(offTime, uint32(m.Time))
	w.u16(8, uint16(m.X))
	w.u16(10, uint16(m.Y))
	w.u32(12, uint32(m.IndexAtom))
	w.u32(16, uint32(m.Source))
	return w.b
}

func DecodeDropStart(b []byte) (*DropStart, error) {
	r, err := newMotifReader(b, dropStartSize, CodeDropStart)
	if err != nil {
		return nil, err
	}
	return &DropStart{
		Origin:      r.o,
		SideEffects: SideEffects(r.u16(offFlags)),
		Time:        xproto.Timestamp(r.u32(offTime)),
		X:           int16(r.u16(8)),
		Y:           int16(r.u16(10)),
		IndexAtom:   xproto.Atom(r.u32(12)),
		Source:      xproto.Window(r.u32(16)),
	}, nil
}

//----------

const dropStartReplySize = 8

// DropStartReply is sent by the receiver in answer to DropStart. It shares
// the drop-start code and is told apart by its originator bit.
type DropStartReply struct {
	SideEffects      SideEffects
	BetterX, BetterY int16
}

func (m *DropStartReply) Encode() []byte { return m.EncodeOrder(nativeOrder) }

func (m *DropStartReply) EncodeOrder(marker byte) []byte {
	w := newMotifWriter(dropStartReplySize, marker, Receiver, CodeDropStart)
	w.u16(offFlags, uint16(m.SideEffects))
	w.u16(4, uint16(m.BetterX))
	w.u16(6, uint16(m.BetterY))
	return w.b
}

// DecodeDropStartReply rejects messages not sent by a receiver.
func DecodeDropStartReply(b []byte) (*DropStartReply, error) {
	r, err := newMotifReader(b, dropStartReplySize, CodeDropStart)
	if err != nil {
		return nil, err
	}
	if r.o != Receiver {
		return nil, ErrDirection
	}
	return &DropStartReply{
		SideEffects: SideEffects(r.u16(offFlags)),
		BetterX:     int16(r.u16(4)),
		BetterY:     int16(r.u16(6)),
	}, nil
}

// DecodeMotionReply decodes a receiver's answer to a DragMotion; initiator
// messages are rejected.
func DecodeMotionReply(b []byte) (*DragMotion, error) {
	m, err := DecodeDragMotion(b)
	if err != nil {
		return nil, err
	}
	if m.Origin != Receiver {
		return nil, ErrDirection
	}
	return m, nil
}
