// Package canonical produces the deterministic byte form of a report.
//
// The output is the compact, sorted-key JSON encoding that Python's
// json.dumps(v, separators=(",", ":"), sort_keys=True) produces with its
// default ensure_ascii=True. Reports anchored by earlier deployments were
// hashed over exactly those bytes, so the encoding must not drift:
//
//   - object keys sorted by code point, no whitespace
//   - non-ASCII runes escaped as lowercase \uXXXX, surrogate pairs above the BMP
//   - <, > and & are emitted literally
//   - integers in decimal, floats in Python repr form (1.0, 1e+16, 1e-05)
//
// Values that have no JSON form (NaN, infinities, invalid UTF-8, channels,
// functions, non-string map keys) are rejected with a serialization error.
// Nothing is coerced.
package canonical

import (
	"bytes"
	"encoding"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	errs "github.com/exploopio/audit-anchor/pkg/errors"
)

// maxDepth bounds nesting so self-referencing maps fail instead of recursing forever.
const maxDepth = 1000

const hexDigits = "0123456789abcdef"

// Marshal returns the canonical encoding of v.
func Marshal(v any) ([]byte, error) {
	e := &encoder{}
	if err := e.encode(v, 0); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

// MustMarshal is like Marshal but panics on error. Intended for tests and
// fixed literals only.
func MustMarshal(v any) []byte {
	b, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Equal reports whether a and b have the same canonical encoding.
func Equal(a, b any) (bool, error) {
	ab, err := Marshal(a)
	if err != nil {
		return false, err
	}
	bb, err := Marshal(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ab, bb), nil
}

func serializationError(format string, args ...any) error {
	return errs.E(errs.KindSerialization, "canonical.Marshal", fmt.Sprintf(format, args...))
}

type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) encode(v any, depth int) error {
	if depth > maxDepth {
		return serializationError("nesting exceeds %d levels (circular reference?)", maxDepth)
	}

	switch x := v.(type) {
	case nil:
		e.buf.WriteString("null")
		return nil
	case bool:
		e.writeBool(x)
		return nil
	case string:
		return e.writeString(x)
	case json.Number:
		return e.writeNumber(x)
	case float64:
		return e.writeFloat(x)
	case float32:
		return e.writeFloat(float64(x))
	case int:
		e.buf.WriteString(strconv.FormatInt(int64(x), 10))
		return nil
	case int64:
		e.buf.WriteString(strconv.FormatInt(x, 10))
		return nil
	case uint64:
		e.buf.WriteString(strconv.FormatUint(x, 10))
		return nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		return e.writeObject(keys, func(k string) any { return x[k] }, depth)
	case []any:
		e.buf.WriteByte('[')
		for i, item := range x {
			if i > 0 {
				e.buf.WriteByte(',')
			}
			if err := e.encode(item, depth+1); err != nil {
				return err
			}
		}
		e.buf.WriteByte(']')
		return nil
	case json.Marshaler, encoding.TextMarshaler:
		return e.encodeViaJSON(v, depth)
	}

	return e.encodeReflect(reflect.ValueOf(v), depth)
}

// encodeReflect handles named and typed containers (report.Report,
// map[string]string, []Finding, ...) without a JSON round-trip.
func (e *encoder) encodeReflect(rv reflect.Value, depth int) error {
	switch rv.Kind() {
	case reflect.Bool:
		e.writeBool(rv.Bool())
		return nil
	case reflect.String:
		return e.writeString(rv.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.buf.WriteString(strconv.FormatInt(rv.Int(), 10))
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		e.buf.WriteString(strconv.FormatUint(rv.Uint(), 10))
		return nil
	case reflect.Float32, reflect.Float64:
		return e.writeFloat(rv.Float())
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		return e.encode(rv.Elem().Interface(), depth+1)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return serializationError("map key type %s is not a string", rv.Type().Key())
		}
		if rv.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		keys := make([]string, 0, rv.Len())
		values := make(map[string]reflect.Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			keys = append(keys, k)
			values[k] = iter.Value()
		}
		return e.writeObject(keys, func(k string) any { return values[k].Interface() }, depth)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice {
			if rv.IsNil() {
				e.buf.WriteString("null")
				return nil
			}
			if rv.Type().Elem().Kind() == reflect.Uint8 {
				// []byte has a base64 JSON form; let encoding/json produce it.
				return e.encodeViaJSON(rv.Interface(), depth)
			}
		}
		e.buf.WriteByte('[')
		for i := 0; i < rv.Len(); i++ {
			if i > 0 {
				e.buf.WriteByte(',')
			}
			if err := e.encode(rv.Index(i).Interface(), depth+1); err != nil {
				return err
			}
		}
		e.buf.WriteByte(']')
		return nil
	case reflect.Struct:
		return e.encodeViaJSON(rv.Interface(), depth)
	default:
		return serializationError("value of type %s is not JSON-representable", rv.Type())
	}
}

// encodeViaJSON normalizes v through encoding/json so struct tags and
// custom marshalers are honoured, then encodes the generic result.
func (e *encoder) encodeViaJSON(v any, depth int) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errs.E(errs.KindSerialization, "canonical.Marshal", "value is not JSON-representable", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return errs.E(errs.KindSerialization, "canonical.Marshal", "re-decoding marshaled value", err)
	}
	return e.encode(generic, depth+1)
}

func (e *encoder) writeObject(keys []string, get func(string) any, depth int) error {
	// Byte order of UTF-8 strings equals code point order.
	sort.Strings(keys)
	e.buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.writeString(k); err != nil {
			return err
		}
		e.buf.WriteByte(':')
		if err := e.encode(get(k), depth+1); err != nil {
			return err
		}
	}
	e.buf.WriteByte('}')
	return nil
}

func (e *encoder) writeBool(b bool) {
	if b {
		e.buf.WriteString("true")
	} else {
		e.buf.WriteString("false")
	}
}

func (e *encoder) writeString(s string) error {
	if !utf8.ValidString(s) {
		return serializationError("string %q is not valid UTF-8", s)
	}
	e.buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			e.buf.WriteString(`\"`)
		case '\\':
			e.buf.WriteString(`\\`)
		case '\n':
			e.buf.WriteString(`\n`)
		case '\r':
			e.buf.WriteString(`\r`)
		case '\t':
			e.buf.WriteString(`\t`)
		case '\b':
			e.buf.WriteString(`\b`)
		case '\f':
			e.buf.WriteString(`\f`)
		default:
			switch {
			case r >= 0x20 && r < 0x7f:
				e.buf.WriteByte(byte(r))
			case r > 0xffff:
				r -= 0x10000
				e.writeEscape(0xd800 | (r>>10)&0x3ff)
				e.writeEscape(0xdc00 | r&0x3ff)
			default:
				e.writeEscape(r)
			}
		}
	}
	e.buf.WriteByte('"')
	return nil
}

func (e *encoder) writeEscape(r rune) {
	e.buf.WriteString(`\u`)
	e.buf.WriteByte(hexDigits[(r>>12)&0xf])
	e.buf.WriteByte(hexDigits[(r>>8)&0xf])
	e.buf.WriteByte(hexDigits[(r>>4)&0xf])
	e.buf.WriteByte(hexDigits[r&0xf])
}

// writeNumber emits a decoded JSON number the way Python re-serializes it
// after json.loads: integer literals stay integers, everything else becomes
// a float in repr form.
func (e *encoder) writeNumber(n json.Number) error {
	s := string(n)
	if s == "" || strings.TrimSpace(s) != s || !json.Valid([]byte(s)) || (s[0] != '-' && (s[0] < '0' || s[0] > '9')) {
		return serializationError("invalid number literal %q", s)
	}
	if !strings.ContainsAny(s, ".eE") {
		if s == "-0" {
			s = "0"
		}
		e.buf.WriteString(s)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		// Overflow: Python would decode this as inf.
		return serializationError("number %q is out of float64 range", s)
	}
	return e.writeFloat(f)
}

func (e *encoder) writeFloat(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return serializationError("non-finite float %v", f)
	}
	e.buf.WriteString(FormatFloat(f))
	return nil
}

// FormatFloat renders f the way Python's float repr does: the shortest
// round-tripping digits, positional notation for decimal exponents in
// [-4, 16), scientific notation otherwise, and a trailing ".0" on
// integral values.
func FormatFloat(f float64) string {
	sci := strconv.FormatFloat(f, 'e', -1, 64)
	exp, _ := strconv.Atoi(sci[strings.IndexByte(sci, 'e')+1:])
	if exp < -4 || exp >= 16 {
		return sci
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	return s
}
