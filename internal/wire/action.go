package wire

import (
	"fmt"
	"strings"
)

// Action is the operation a drop asks the receiver to perform.
type Action int

const (
	ActionNone Action = iota
	ActionCopy
	ActionMove
	ActionLink
	ActionAsk
	ActionPrivate
)

var actionNames = map[Action]string{
	ActionNone:    "none",
	ActionCopy:    "copy",
	ActionMove:    "move",
	ActionLink:    "link",
	ActionAsk:     "ask",
	ActionPrivate: "private",
}

func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// ParseAction accepts the lowercase names returned by String.
func ParseAction(s string) (Action, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for a, name := range actionNames {
		if name == s {
			return a, nil
		}
	}
	return ActionNone, fmt.Errorf("unknown action: %q", s)
}

// AtomName returns the XDND atom name for the action, or "" for ActionNone.
func (a Action) AtomName() string {
	switch a {
	case ActionCopy:
		return "XdndActionCopy"
	case ActionMove:
		return "XdndActionMove"
	case ActionLink:
		return "XdndActionLink"
	case ActionAsk:
		return "XdndActionAsk"
	case ActionPrivate:
		return "XdndActionPrivate"
	}
	return ""
}

// ActionFromAtomName is the inverse of AtomName. Unknown names map to
// ActionPrivate, which is what XDND receivers mean by an action the source
// did not offer.
func ActionFromAtomName(name string) Action {
	switch name {
	case "":
		return ActionNone
	case "XdndActionCopy":
		return ActionCopy
	case "XdndActionMove":
		return ActionMove
	case "XdndActionLink":
		return ActionLink
	case "XdndActionAsk":
		return ActionAsk
	}
	return ActionPrivate
}

// Motif drag operations, used both as the single "operation" nibble and as
// the "operations" bit set of a side-effects word.
const (
	MotifOpNoop uint8 = 0
	MotifOpMove uint8 = 1 << 0
	MotifOpCopy uint8 = 1 << 1
	MotifOpLink uint8 = 1 << 2
)

// MotifOperation maps an action to the Motif operation bit. Ask and private
// have no Motif equivalent and degrade to copy.
func (a Action) MotifOperation() uint8 {
	switch a {
	case ActionMove:
		return MotifOpMove
	case ActionLink:
		return MotifOpLink
	case ActionNone:
		return MotifOpNoop
	}
	return MotifOpCopy
}

// ActionFromMotifOperation picks the action for a single operation nibble.
// When several bits are set copy wins, then move, then link.
func ActionFromMotifOperation(op uint8) Action {
	switch {
	case op&MotifOpCopy != 0:
		return ActionCopy
	case op&MotifOpMove != 0:
		return ActionMove
	case op&MotifOpLink != 0:
		return ActionLink
	}
	return ActionNone
}

func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(b []byte) error {
	v, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}
