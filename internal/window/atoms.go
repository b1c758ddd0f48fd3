package window

import (
	"fmt"
	"reflect"

	"github.com/BurntSushi/xgb/xproto"
)

// LoadAtoms interns every xproto.Atom field of the struct pointed to by st.
// The field name is the atom name unless a `loadAtoms:"name"` tag is given.
func LoadAtoms(b Backend, st any) error {
	val := reflect.ValueOf(st)
	if val.Kind() != reflect.Pointer || val.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("load atoms: want pointer to struct, got %T", st)
	}
	val = val.Elem()
	typ := val.Type()
	atomType := reflect.TypeOf(xproto.Atom(0))
	for i := 0; i < typ.NumField(); i++ {
		sf := typ.Field(i)
		if sf.Type != atomType {
			continue
		}
		name := sf.Name
		if tag := sf.Tag.Get("loadAtoms"); tag != "" {
			name = tag
		}
		atom, err := b.Atom(name)
		if err != nil {
			return fmt.Errorf("load atoms: %s: %w", name, err)
		}
		val.Field(i).Set(reflect.ValueOf(atom))
	}
	return nil
}
