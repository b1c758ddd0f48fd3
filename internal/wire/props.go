package wire

import (
	"encoding/binary"
	"slices"

	"github.com/BurntSushi/xgb/xproto"
)

// MotifProtocolVersion is the only protocol byte ever written.
const MotifProtocolVersion = 0

// Raw drag protocol styles found in _MOTIF_DRAG_RECEIVER_INFO.
const (
	MotifStyleNone              uint8 = 0
	MotifStyleDropOnly          uint8 = 1
	MotifStylePreferPreregister uint8 = 2
	MotifStylePreregister       uint8 = 3
	MotifStylePreferDynamic     uint8 = 4
	MotifStyleDynamic           uint8 = 5
	MotifStylePreferReceiver    uint8 = 6
)

// DropStyle is what the drag engine cares about in a receiver's style:
// whether it wants anything at all, and whether it wants the dynamic
// enter/motion/leave stream or only the final drop.
type DropStyle int

const (
	DropStyleNone DropStyle = iota
	DropStyleDropOnly
	DropStyleDynamic
)

func (s DropStyle) String() string {
	switch s {
	case DropStyleDropOnly:
		return "drop-only"
	case DropStyleDynamic:
		return "dynamic"
	}
	return "none"
}

// StyleOf classifies a raw protocol style. Preregister receivers are
// treated as drop-only since this engine never reads drop site tables.
func StyleOf(raw uint8) DropStyle {
	switch raw {
	case MotifStyleDropOnly, MotifStylePreferPreregister, MotifStylePreregister:
		return DropStyleDropOnly
	case MotifStylePreferDynamic, MotifStyleDynamic, MotifStylePreferReceiver:
		return DropStyleDynamic
	}
	return DropStyleNone
}

//----------

const receiverInfoSize = 16

// ReceiverInfo is the _MOTIF_DRAG_RECEIVER_INFO property.
type ReceiverInfo struct {
	Protocol uint8
	RawStyle uint8
}

func (ri *ReceiverInfo) Style() DropStyle { return StyleOf(ri.RawStyle) }

func (ri *ReceiverInfo) Encode() []byte { return ri.EncodeOrder(nativeOrder) }

func (ri *ReceiverInfo) EncodeOrder(marker byte) []byte {
	b := make([]byte, receiverInfoSize)
	b[0] = marker
	b[1] = ri.Protocol
	b[2] = ri.RawStyle
	return b
}

func DecodeReceiverInfo(b []byte) (*ReceiverInfo, error) {
	if len(b) < receiverInfoSize {
		return nil, ErrTruncated
	}
	if _, err := byteOrder(b[0]); err != nil {
		return nil, err
	}
	return &ReceiverInfo{Protocol: b[1], RawStyle: b[2]}, nil
}

//----------

const initiatorInfoSize = 8

// InitiatorInfo is written on the source window under the index atom named
// in TopLevelEnter and DropStart.
type InitiatorInfo struct {
	Protocol   uint8
	TableIndex uint16
	Selection  xproto.Atom
}

func (ii *InitiatorInfo) Encode() []byte { return ii.EncodeOrder(nativeOrder) }

func (ii *InitiatorInfo) EncodeOrder(marker byte) []byte {
	ord, err := byteOrder(marker)
	if err != nil {
		marker, ord = nativeOrder, binary.NativeEndian
	}
	b := make([]byte, initiatorInfoSize)
	b[0] = marker
	b[1] = ii.Protocol
	ord.PutUint16(b[2:], ii.TableIndex)
	ord.PutUint32(b[4:], uint32(ii.Selection))
	return b
}

func DecodeInitiatorInfo(b []byte) (*InitiatorInfo, error) {
	if len(b) < initiatorInfoSize {
		return nil, ErrTruncated
	}
	ord, err := byteOrder(b[0])
	if err != nil {
		return nil, err
	}
	return &InitiatorInfo{
		Protocol:   b[1],
		TableIndex: ord.Uint16(b[2:]),
		Selection:  xproto.Atom(ord.Uint32(b[4:])),
	}, nil
}

//----------

const targetsHeaderSize = 8

// TargetsTable is the shared _MOTIF_DRAG_TARGETS property: header (byte
// order, protocol, record count, total size) followed by records of a
// 16-bit count and that many 32-bit atoms. Lists are kept sorted so lookup
// does not depend on the order a source offered its targets in.
type TargetsTable struct {
	Lists [][]xproto.Atom
}

// SortedTargets returns a sorted copy.
func SortedTargets(list []xproto.Atom) []xproto.Atom {
	s := slices.Clone(list)
	slices.Sort(s)
	return s
}

// Index finds a record holding the same set of targets.
func (t *TargetsTable) Index(list []xproto.Atom) (int, bool) {
	want := SortedTargets(list)
	for i, l := range t.Lists {
		if slices.Equal(SortedTargets(l), want) {
			return i, true
		}
	}
	return -1, false
}

// Add appends a record unless an equal one exists, and returns its index.
func (t *TargetsTable) Add(list []xproto.Atom) int {
	if i, ok := t.Index(list); ok {
		return i
	}
	t.Lists = append(t.Lists, SortedTargets(list))
	return len(t.Lists) - 1
}

func (t *TargetsTable) Encode() []byte { return t.EncodeOrder(nativeOrder) }

func (t *TargetsTable) EncodeOrder(marker byte) []byte {
	ord, err := byteOrder(marker)
	if err != nil {
		marker, ord = nativeOrder, binary.NativeEndian
	}
	size := targetsHeaderSize
	for _, l := range t.Lists {
		size += 2 + 4*len(l)
	}
	b := make([]byte, size)
	b[0] = marker
	b[1] = MotifProtocolVersion
	ord.PutUint16(b[2:], uint16(len(t.Lists)))
	ord.PutUint32(b[4:], uint32(size))
	off := targetsHeaderSize
	for _, l := range t.Lists {
		ord.PutUint16(b[off:], uint16(len(l)))
		off += 2
		for _, a := range l {
			ord.PutUint32(b[off:], uint32(a))
			off += 4
		}
	}
	return b
}

func DecodeTargetsTable(b []byte) (*TargetsTable, error) {
	if len(b) < targetsHeaderSize {
		return nil, ErrTruncated
	}
	ord, err := byteOrder(b[0])
	if err != nil {
		return nil, err
	}
	count := int(ord.Uint16(b[2:]))
	total := int(ord.Uint32(b[4:]))
	if total > len(b) || total < targetsHeaderSize {
		return nil, ErrTruncated
	}
	b = b[:total]

	t := &TargetsTable{Lists: make([][]xproto.Atom, 0, count)}
	off := targetsHeaderSize
	for i := 0; i < count; i++ {
		if off+2 > len(b) {
			return nil, ErrTruncated
		}
		n := int(ord.Uint16(b[off:]))
		off += 2
		if off+4*n > len(b) {
			return nil, ErrTruncated
		}
		l := make([]xproto.Atom, n)
		for j := range l {
			l[j] = xproto.Atom(ord.Uint32(b[off:]))
			off += 4
		}
		t.Lists = append(t.Lists, l)
	}
	return t, nil
}

func (s DropStyle) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
