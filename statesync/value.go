package statesync

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"reflect"

	"google.golang.org/protobuf/types/known/structpb"
)

// Transmissible values are the shapes that survive the broadcast value model:
// nil, bool, integers, floats, string, []byte, and lists and string keyed maps of these.
// Funcs, chans, pointers, structs and complex numbers hold references or behavior
// that cannot cross an instance boundary.

const MaxValueDepth = 32

var ErrNotTransmissible = errors.New("value is not transmissible")
var ErrKindMismatch = errors.New("value does not match field kind")

func IsTransmissible(value any) bool {
	return CheckTransmissible(value) == nil
}

func CheckTransmissible(value any) error {
	return classifyValue(reflect.ValueOf(value), 0, valuePath{})
}

type visitKey struct {
	pointer   uintptr
	valueType reflect.Type
}

// the maps and slices between the root value and the value being walked
type valuePath map[visitKey]bool

// marks `v` on the path. A map or slice already on the path is a cycle.
func (self valuePath) enter(v reflect.Value) (exit func(), err error) {
	switch v.Kind() {
	case reflect.Map, reflect.Slice:
		if v.IsNil() || v.Len() == 0 {
			return func() {}, nil
		}
	default:
		return func() {}, nil
	}
	key := visitKey{
		pointer:   v.Pointer(),
		valueType: v.Type(),
	}
	if self[key] {
		return nil, fmt.Errorf("%w: cycle through %s", ErrNotTransmissible, v.Type())
	}
	self[key] = true
	return func() {
		delete(self, key)
	}, nil
}

func isPrimitiveKind(kind reflect.Kind) bool {
	switch kind {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.String:
		return true
	default:
		return false
	}
}

func isBytes(v reflect.Value) bool {
	return v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8
}

func classifyValue(v reflect.Value, depth int, path valuePath) error {
	if !v.IsValid() {
		return nil
	}
	if MaxValueDepth < depth {
		return fmt.Errorf("%w: nested deeper than %d", ErrNotTransmissible, MaxValueDepth)
	}
	if isPrimitiveKind(v.Kind()) {
		return nil
	}
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return classifyValue(v.Elem(), depth, path)
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && (v.IsNil() || isBytes(v)) {
			return nil
		}
		exit, err := path.enter(v)
		if err != nil {
			return err
		}
		defer exit()
		for i := 0; i < v.Len(); i += 1 {
			if err := classifyValue(v.Index(i), depth+1, path); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("%w: map key %s", ErrNotTransmissible, v.Type().Key())
		}
		exit, err := path.enter(v)
		if err != nil {
			return err
		}
		defer exit()
		iter := v.MapRange()
		for iter.Next() {
			if err := classifyValue(iter.Value(), depth+1, path); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrNotTransmissible, v.Type())
	}
}

// mirrors `classifyValue` exactly
func EncodeValue(value any) (*structpb.Value, error) {
	return encodeValue(reflect.ValueOf(value), 0, valuePath{})
}

func encodeValue(v reflect.Value, depth int, path valuePath) (*structpb.Value, error) {
	if !v.IsValid() {
		return structpb.NewNullValue(), nil
	}
	if MaxValueDepth < depth {
		return nil, fmt.Errorf("%w: nested deeper than %d", ErrNotTransmissible, MaxValueDepth)
	}
	switch v.Kind() {
	case reflect.Bool:
		return structpb.NewBoolValue(v.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return structpb.NewNumberValue(float64(v.Int())), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return structpb.NewNumberValue(float64(v.Uint())), nil
	case reflect.Float32, reflect.Float64:
		return structpb.NewNumberValue(v.Float()), nil
	case reflect.String:
		return structpb.NewStringValue(v.String()), nil
	case reflect.Interface:
		if v.IsNil() {
			return structpb.NewNullValue(), nil
		}
		return encodeValue(v.Elem(), depth, path)
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice {
			if v.IsNil() {
				return structpb.NewNullValue(), nil
			}
			if isBytes(v) {
				return structpb.NewStringValue(base64.StdEncoding.EncodeToString(v.Bytes())), nil
			}
		}
		exit, err := path.enter(v)
		if err != nil {
			return nil, err
		}
		defer exit()
		values := make([]*structpb.Value, v.Len())
		for i := 0; i < v.Len(); i += 1 {
			value, err := encodeValue(v.Index(i), depth+1, path)
			if err != nil {
				return nil, err
			}
			values[i] = value
		}
		return structpb.NewListValue(&structpb.ListValue{Values: values}), nil
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: map key %s", ErrNotTransmissible, v.Type().Key())
		}
		if v.IsNil() {
			return structpb.NewNullValue(), nil
		}
		exit, err := path.enter(v)
		if err != nil {
			return nil, err
		}
		defer exit()
		fields := make(map[string]*structpb.Value, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			value, err := encodeValue(iter.Value(), depth+1, path)
			if err != nil {
				return nil, err
			}
			fields[iter.Key().String()] = value
		}
		return structpb.NewStructValue(&structpb.Struct{Fields: fields}), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotTransmissible, v.Type())
	}
}

// nil, bool, float64, string, []any, map[string]any
func DecodeValue(value *structpb.Value) any {
	return value.AsInterface()
}

// converts a decoded value to the go type of the declared field kind
func CoerceValue(kind FieldKind, value any) (any, error) {
	if value == nil {
		if kind == KindFunc {
			return nil, fmt.Errorf("%w: %s", ErrKindMismatch, kind)
		}
		return nil, nil
	}
	switch kind {
	case KindAny:
		return value, nil
	case KindBool:
		if v, ok := value.(bool); ok {
			return v, nil
		}
	case KindInt:
		switch v := value.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			if v == math.Trunc(v) && math.MinInt <= v && v < math.MaxInt {
				return int(v), nil
			}
		}
	case KindFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		}
	case KindString:
		if v, ok := value.(string); ok {
			return v, nil
		}
	case KindBytes:
		switch v := value.(type) {
		case []byte:
			return v, nil
		case string:
			b, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %s", ErrKindMismatch, err)
			}
			return b, nil
		}
	case KindList:
		if v, ok := value.([]any); ok {
			return v, nil
		}
	case KindRecord:
		if v, ok := value.(map[string]any); ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %T is not %s", ErrKindMismatch, value, kind)
}

// primitive equality for comparable values, reference identity for maps, slices,
// funcs, chans and pointers
func sameValue(a any, b any) bool {
	va := reflect.ValueOf(a)
	vb := reflect.ValueOf(b)
	if !va.IsValid() || !vb.IsValid() {
		return va.IsValid() == vb.IsValid()
	}
	if va.Type() != vb.Type() {
		return false
	}
	switch va.Kind() {
	case reflect.Map, reflect.Func, reflect.Chan, reflect.Pointer, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	case reflect.Slice:
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
	case reflect.Float32, reflect.Float64:
		// NaN is the same value as NaN
		if math.IsNaN(va.Float()) && math.IsNaN(vb.Float()) {
			return true
		}
	}
	if va.Type().Comparable() {
		if equal, ok := comparableEqual(a, b); ok {
			return equal
		}
	}
	return reflect.DeepEqual(a, b)
}

// structs and arrays with interface members can hold incomparable values at runtime
func comparableEqual(a any, b any) (equal bool, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			equal = false
			ok = false
		}
	}()
	return a == b, true
}

// the reference identity of a value, when it has one
func referenceOf(value any) (uintptr, bool) {
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Map, reflect.Slice, reflect.Pointer:
		if v.IsNil() {
			return 0, false
		}
		return v.Pointer(), true
	default:
		return 0, false
	}
}
