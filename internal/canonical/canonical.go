// Package canonical provides deterministic JSON serialization used as the
// input to every hash in the sandbox.
//
// Object keys are sorted byte-wise, arrays keep their order, there is no
// insignificant whitespace and HTML characters are not escaped. Two values
// that differ only in object key order encode to identical bytes.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// ErrEncoding is matched by every encoding failure.
var ErrEncoding = errors.New("canonical: encoding failed")

// EncodingError describes why a value could not be canonicalized.
type EncodingError struct {
	Path   string // JSON-pointer-like location of the offending value
	Reason string
}

func (e *EncodingError) Error() string {
	if e.Path == "" {
		return "canonical: " + e.Reason
	}
	return fmt.Sprintf("canonical: %s at %s", e.Reason, e.Path)
}

func (e *EncodingError) Is(target error) bool { return target == ErrEncoding }

// Encode returns the canonical byte encoding of v.
func Encode(v any) ([]byte, error) {
	enc := &encoder{active: make(map[uintptr]bool)}
	if err := enc.encode(v, ""); err != nil {
		return nil, err
	}
	return enc.buf.Bytes(), nil
}

// Hash returns the SHA-256 hex digest of the canonical encoding of v.
func Hash(v any) (string, error) {
	data, err := Encode(v)
	if err != nil {
		return "", err
	}
	return HashBytes(data), nil
}

// HashBytes returns the SHA-256 hex digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type encoder struct {
	buf bytes.Buffer
	// active holds the container pointers on the current path; a repeat
	// visit means the value is cyclic.
	active map[uintptr]bool
}

func (e *encoder) encode(v any, path string) error {
	switch t := v.(type) {
	case nil:
		e.buf.WriteString("null")
	case bool:
		if t {
			e.buf.WriteString("true")
		} else {
			e.buf.WriteString("false")
		}
	case string:
		e.writeString(t)
	case json.Number:
		return e.writeNumber(t, path)
	case json.RawMessage:
		generic, err := decodeGeneric(t)
		if err != nil {
			return &EncodingError{Path: path, Reason: err.Error()}
		}
		return e.encode(generic, path)
	case float64:
		return e.writeFloat(t, path)
	case float32:
		return e.writeFloat(float64(t), path)
	case int:
		e.buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int8:
		e.buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int16:
		e.buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int32:
		e.buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		e.buf.WriteString(strconv.FormatInt(t, 10))
	case uint:
		e.buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint8:
		e.buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint16:
		e.buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint32:
		e.buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint64:
		e.buf.WriteString(strconv.FormatUint(t, 10))
	case []any:
		return e.writeArray(t, path)
	case map[string]any:
		return e.writeObject(t, path)
	default:
		return e.encodeReflect(v, path)
	}
	return nil
}

// encodeReflect handles typed containers and structs. Pointers, maps and
// slices are tracked for cycles before they are projected through
// encoding/json so struct tags and Marshaler implementations apply.
func (e *encoder) encodeReflect(v any, path string) error {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice:
		if rv.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		ptr := rv.Pointer()
		if e.active[ptr] {
			return &EncodingError{Path: path, Reason: "cyclic value"}
		}
		e.active[ptr] = true
		defer delete(e.active, ptr)
	}
	if err := checkCycles(rv, e.active, path, 0); err != nil {
		return err
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return &EncodingError{Path: path, Reason: err.Error()}
	}
	generic, err := decodeGeneric(raw)
	if err != nil {
		return &EncodingError{Path: path, Reason: err.Error()}
	}
	return e.encode(generic, path)
}

// maxDepth bounds the reflective cycle walk; deeper values are treated as
// cyclic rather than risking unbounded recursion.
const maxDepth = 512

func checkCycles(rv reflect.Value, seen map[uintptr]bool, path string, depth int) error {
	if depth > maxDepth {
		return &EncodingError{Path: path, Reason: "value nested too deeply"}
	}
	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return checkCycles(rv.Elem(), seen, path, depth+1)
	case reflect.Pointer, reflect.Map, reflect.Slice:
		if rv.IsNil() || (rv.Kind() == reflect.Slice && rv.Len() == 0) {
			return nil
		}
		if depth > 0 {
			ptr := rv.Pointer()
			if seen[ptr] {
				return &EncodingError{Path: path, Reason: "cyclic value"}
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		switch rv.Kind() {
		case reflect.Pointer:
			return checkCycles(rv.Elem(), seen, path, depth+1)
		case reflect.Map:
			iter := rv.MapRange()
			for iter.Next() {
				if err := checkCycles(iter.Value(), seen, path+"/"+fmt.Sprint(iter.Key().Interface()), depth+1); err != nil {
					return err
				}
			}
		case reflect.Slice:
			for i := 0; i < rv.Len(); i++ {
				if err := checkCycles(rv.Index(i), seen, path+"/"+strconv.Itoa(i), depth+1); err != nil {
					return err
				}
			}
		}
	case reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if err := checkCycles(rv.Index(i), seen, path+"/"+strconv.Itoa(i), depth+1); err != nil {
				return err
			}
		}
	case reflect.Struct:
		t := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			if err := checkCycles(rv.Field(i), seen, path+"/"+t.Field(i).Name, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *encoder) writeArray(arr []any, path string) error {
	if len(arr) > 0 {
		ptr := reflect.ValueOf(arr).Pointer()
		if e.active[ptr] {
			return &EncodingError{Path: path, Reason: "cyclic value"}
		}
		e.active[ptr] = true
		defer delete(e.active, ptr)
	}

	e.buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.encode(elem, path+"/"+strconv.Itoa(i)); err != nil {
			return err
		}
	}
	e.buf.WriteByte(']')
	return nil
}

func (e *encoder) writeObject(obj map[string]any, path string) error {
	if obj != nil {
		ptr := reflect.ValueOf(obj).Pointer()
		if e.active[ptr] {
			return &EncodingError{Path: path, Reason: "cyclic value"}
		}
		e.active[ptr] = true
		defer delete(e.active, ptr)
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	e.buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		e.writeString(k)
		e.buf.WriteByte(':')
		if err := e.encode(obj[k], path+"/"+k); err != nil {
			return err
		}
	}
	e.buf.WriteByte('}')
	return nil
}

const hexDigits = "0123456789abcdef"

// writeString escapes only what JSON requires: quote, backslash and control
// characters. Invalid UTF-8 is replaced with U+FFFD.
func (e *encoder) writeString(s string) {
	e.buf.WriteByte('"')
	for _, r := range strings.ToValidUTF8(s, "\uFFFD") {
		switch r {
		case '"':
			e.buf.WriteString(`\"`)
		case '\\':
			e.buf.WriteString(`\\`)
		case '\b':
			e.buf.WriteString(`\b`)
		case '\f':
			e.buf.WriteString(`\f`)
		case '\n':
			e.buf.WriteString(`\n`)
		case '\r':
			e.buf.WriteString(`\r`)
		case '\t':
			e.buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				e.buf.WriteString(`\u00`)
				e.buf.WriteByte(hexDigits[r>>4])
				e.buf.WriteByte(hexDigits[r&0xF])
				continue
			}
			e.buf.WriteRune(r)
		}
	}
	e.buf.WriteByte('"')
}

func (e *encoder) writeNumber(n json.Number, path string) error {
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		e.buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil {
		return &EncodingError{Path: path, Reason: fmt.Sprintf("invalid number %q", n.String())}
	}
	return e.writeFloat(f, path)
}

func (e *encoder) writeFloat(f float64, path string) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return &EncodingError{Path: path, Reason: "NaN or Infinity is not representable"}
	}
	e.buf.WriteString(FormatNumber(f))
	return nil
}

// FormatNumber renders f the way ECMAScript's Number.prototype.toString
// does: integral values print without a fraction and exponent notation is
// only used below 1e-6 or from 1e21 upwards.
func FormatNumber(f float64) string {
	if f == 0 {
		return "0" // also folds -0
	}
	abs := math.Abs(f)
	if abs < 1e21 && abs >= 1e-6 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	s := strconv.FormatFloat(f, 'e', -1, 64)
	// Go pads the exponent to two digits ("1e-07"); ECMAScript does not.
	mant, exp, ok := cutExponent(s)
	if !ok {
		return s
	}
	sign := exp[0]
	digits := exp[1:]
	for len(digits) > 1 && digits[0] == '0' {
		digits = digits[1:]
	}
	return mant + "e" + string(sign) + digits
}

func cutExponent(s string) (mant, exp string, ok bool) {
	i := strings.IndexByte(s, 'e')
	if i < 0 || i+2 > len(s) {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

func decodeGeneric(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("intermediate decode failed: %w", err)
	}
	return generic, nil
}
