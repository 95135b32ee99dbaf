package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode/utf16"
)

// IRValue is a sealed interface over the value kinds allowed in hashed records.
// Only IRString, IRInt, IRBool, IRArray and IRObject implement it.
type IRValue interface {
	irValue()
}

// IRString is a string value.
type IRString string

func (IRString) irValue() {}

// IRInt is an integer value. Always int64, never float.
type IRInt int64

func (IRInt) irValue() {}

// IRBool is a boolean value.
type IRBool bool

func (IRBool) irValue() {}

// IRArray is an ordered list of values.
type IRArray []IRValue

func (IRArray) irValue() {}

// IRObject is a map of string keys to values.
// Use SortedKeys() for deterministic iteration.
type IRObject map[string]IRValue

func (IRObject) irValue() {}

// StringSet builds an IRArray from a set of strings in sorted order.
// Used for hash sets (prevOps, frontiers) whose order must not affect identity.
func StringSet(items []string) IRArray {
	sorted := slices.Clone(items)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	arr := make(IRArray, len(sorted))
	for i, s := range sorted {
		arr[i] = IRString(s)
	}
	return arr
}

// StringMap builds an IRObject from a map of strings.
func StringMap(m map[string]string) IRObject {
	obj := make(IRObject, len(m))
	for k, v := range m {
		obj[k] = IRString(v)
	}
	return obj
}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// Go's native string order compares UTF-8 bytes, which differs for
// characters outside the BMP.
func (obj IRObject) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	return slices.Compare(a16, b16)
}

// GetString returns the string stored under key, or "" if absent.
// A present value of another kind is an error.
func (obj IRObject) GetString(key string) (string, error) {
	v, ok := obj[key]
	if !ok {
		return "", nil
	}
	s, ok := v.(IRString)
	if !ok {
		return "", fmt.Errorf("field %q: expected string, got %T", key, v)
	}
	return string(s), nil
}

// GetInt returns the integer stored under key, or 0 if absent.
func (obj IRObject) GetInt(key string) (int64, error) {
	v, ok := obj[key]
	if !ok {
		return 0, nil
	}
	n, ok := v.(IRInt)
	if !ok {
		return 0, fmt.Errorf("field %q: expected int, got %T", key, v)
	}
	return int64(n), nil
}

// GetStrings returns the string array stored under key, or nil if absent.
func (obj IRObject) GetStrings(key string) ([]string, error) {
	v, ok := obj[key]
	if !ok {
		return nil, nil
	}
	arr, ok := v.(IRArray)
	if !ok {
		return nil, fmt.Errorf("field %q: expected array, got %T", key, v)
	}
	out := make([]string, len(arr))
	for i, elem := range arr {
		s, ok := elem.(IRString)
		if !ok {
			return nil, fmt.Errorf("field %q[%d]: expected string, got %T", key, i, elem)
		}
		out[i] = string(s)
	}
	return out, nil
}

// GetStringMap returns the string-valued object stored under key, or nil if absent.
func (obj IRObject) GetStringMap(key string) (map[string]string, error) {
	v, ok := obj[key]
	if !ok {
		return nil, nil
	}
	inner, ok := v.(IRObject)
	if !ok {
		return nil, fmt.Errorf("field %q: expected object, got %T", key, v)
	}
	out := make(map[string]string, len(inner))
	for k, elem := range inner {
		s, ok := elem.(IRString)
		if !ok {
			return nil, fmt.Errorf("field %q.%s: expected string, got %T", key, k, elem)
		}
		out[k] = string(s)
	}
	return out, nil
}

// GetObject returns the object stored under key, or nil if absent.
func (obj IRObject) GetObject(key string) (IRObject, error) {
	v, ok := obj[key]
	if !ok {
		return nil, nil
	}
	inner, ok := v.(IRObject)
	if !ok {
		return nil, fmt.Errorf("field %q: expected object, got %T", key, v)
	}
	return inner, nil
}

// MarshalJSON renders the object as canonical JSON.
func (obj IRObject) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(obj)
}

// UnmarshalJSON parses an object with ParseObject rules.
func (obj *IRObject) UnmarshalJSON(data []byte) error {
	parsed, err := ParseObject(data)
	if err != nil {
		return err
	}
	*obj = parsed
	return nil
}

// ParseObject decodes JSON bytes into an IRObject.
// Rejects null, floats and non-object top-level values.
func ParseObject(data []byte) (IRObject, error) {
	v, err := ParseValue(data)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(IRObject)
	if !ok {
		return nil, fmt.Errorf("expected JSON object, got %T", v)
	}
	return obj, nil
}

// ParseValue decodes JSON bytes into an IRValue.
func ParseValue(data []byte) (IRValue, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return fromJSON(raw)
}

func fromJSON(v any) (IRValue, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is forbidden")
	case bool:
		return IRBool(val), nil
	case string:
		return IRString(val), nil
	case json.Number:
		s := string(val)
		if strings.ContainsAny(s, ".eE") {
			return nil, fmt.Errorf("floats are forbidden: %s", s)
		}
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", s)
		}
		return IRInt(n), nil
	case []any:
		arr := make(IRArray, len(val))
		for i, elem := range val {
			irElem, err := fromJSON(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = irElem
		}
		return arr, nil
	case map[string]any:
		obj := make(IRObject, len(val))
		for k, elem := range val {
			irElem, err := fromJSON(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			obj[k] = irElem
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
