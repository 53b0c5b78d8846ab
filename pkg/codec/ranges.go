package codec

import (
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// hasNarrowInts reports whether t holds an unsigned field smaller than 64
// bits anywhere in its tuple. Only such tuples need a range check, since
// the decoder truncates into narrow fields without complaint.
func hasNarrowInts(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return true
	case reflect.Slice:
		// []byte travels as bin or str
		if t.Elem().Kind() == reflect.Uint8 {
			return false
		}
		return hasNarrowInts(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if f := t.Field(i); f.IsExported() && hasNarrowInts(f.Type) {
				return true
			}
		}
	}
	return false
}

// checkRanges decodes raw generically and verifies every integer fits the
// field it lands in
func checkRanges(raw msgpack.RawMessage, t reflect.Type) error {
	var tuple interface{}
	if err := msgpack.Unmarshal(raw, &tuple); err != nil {
		return err
	}
	return fitsField(tuple, t, t.Name())
}

func fitsField(v interface{}, t reflect.Type, path string) error {
	switch t.Kind() {
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, negative, ok := asInteger(v)
		if !ok {
			return nil
		}
		if negative || reflect.New(t).Elem().OverflowUint(u) {
			return fmt.Errorf("%w: %s value %v out of range for %s", ErrMalformed, path, v, t)
		}
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return nil
		}
		items, _ := v.([]interface{})
		for i, item := range items {
			if err := fitsField(item, t.Elem(), fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case reflect.Struct:
		items, _ := v.([]interface{})
		n := 0
		for i := 0; i < t.NumField() && n < len(items); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			if err := fitsField(items[n], f.Type, path+"."+f.Name); err != nil {
				return err
			}
			n++
		}
	}
	return nil
}

// asInteger widens any decoded msgpack integer
func asInteger(v interface{}) (u uint64, negative, ok bool) {
	switch x := v.(type) {
	case uint8:
		return uint64(x), false, true
	case uint16:
		return uint64(x), false, true
	case uint32:
		return uint64(x), false, true
	case uint64:
		return x, false, true
	case int8:
		return uint64(x), x < 0, true
	case int16:
		return uint64(x), x < 0, true
	case int32:
		return uint64(x), x < 0, true
	case int64:
		return uint64(x), x < 0, true
	}
	return 0, false, false
}
