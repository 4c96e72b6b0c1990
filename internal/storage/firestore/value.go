package firestore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"
)

// value is the typed JSON representation of a Firestore field value.
// Exactly one member is set.
type value struct {
	NullValue      *string     `json:"nullValue,omitempty"`
	BooleanValue   *bool       `json:"booleanValue,omitempty"`
	IntegerValue   *string     `json:"integerValue,omitempty"`
	DoubleValue    *float64    `json:"doubleValue,omitempty"`
	TimestampValue *string     `json:"timestampValue,omitempty"`
	StringValue    *string     `json:"stringValue,omitempty"`
	ArrayValue     *arrayValue `json:"arrayValue,omitempty"`
	MapValue       *mapValue   `json:"mapValue,omitempty"`
}

type arrayValue struct {
	Values []value `json:"values,omitempty"`
}

type mapValue struct {
	Fields map[string]value `json:"fields,omitempty"`
}

func ptr[T any](v T) *T { return &v }

func nullValue() value { return value{NullValue: ptr("NULL_VALUE")} }

func stringValue(s string) value { return value{StringValue: ptr(s)} }

func integerValue(n int64) value { return value{IntegerValue: ptr(strconv.FormatInt(n, 10))} }

func timestampValue(t time.Time) value {
	return value{TimestampValue: ptr(t.UTC().Format(time.RFC3339Nano))}
}

// encodeValue converts a Go value into its Firestore representation.
// Unrecognized types are round-tripped through encoding/json first.
func encodeValue(v any) (value, error) {
	switch x := v.(type) {
	case nil:
		return nullValue(), nil
	case bool:
		return value{BooleanValue: ptr(x)}, nil
	case string:
		return stringValue(x), nil
	case int:
		return integerValue(int64(x)), nil
	case int32:
		return integerValue(int64(x)), nil
	case int64:
		return integerValue(x), nil
	case float32:
		return value{DoubleValue: ptr(float64(x))}, nil
	case float64:
		return value{DoubleValue: ptr(x)}, nil
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return integerValue(n), nil
		}
		f, err := x.Float64()
		if err != nil {
			return value{}, fmt.Errorf("encoding number %q: %w", x, err)
		}
		return value{DoubleValue: ptr(f)}, nil
	case time.Time:
		return timestampValue(x), nil
	case []string:
		arr := &arrayValue{Values: make([]value, 0, len(x))}
		for _, s := range x {
			arr.Values = append(arr.Values, stringValue(s))
		}
		return value{ArrayValue: arr}, nil
	case []any:
		arr := &arrayValue{Values: make([]value, 0, len(x))}
		for i, e := range x {
			ev, err := encodeValue(e)
			if err != nil {
				return value{}, fmt.Errorf("index %d: %w", i, err)
			}
			arr.Values = append(arr.Values, ev)
		}
		return value{ArrayValue: arr}, nil
	case map[string]any:
		fields, err := encodeFields(x)
		if err != nil {
			return value{}, err
		}
		return value{MapValue: &mapValue{Fields: fields}}, nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nullValue(), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return value{}, fmt.Errorf("encoding %T: %w", v, err)
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return value{}, fmt.Errorf("encoding %T: %w", v, err)
	}
	return encodeValue(generic)
}

func encodeFields(m map[string]any) (map[string]value, error) {
	fields := make(map[string]value, len(m))
	for k, e := range m {
		ev, err := encodeValue(e)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		fields[k] = ev
	}
	return fields, nil
}

// decodeValue converts a Firestore value back into plain Go values:
// int64, float64, bool, string, time.Time, []any, map[string]any or nil.
func decodeValue(v value) (any, error) {
	switch {
	case v.NullValue != nil:
		return nil, nil
	case v.BooleanValue != nil:
		return *v.BooleanValue, nil
	case v.IntegerValue != nil:
		n, err := strconv.ParseInt(*v.IntegerValue, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing integerValue %q: %w", *v.IntegerValue, err)
		}
		return n, nil
	case v.DoubleValue != nil:
		return *v.DoubleValue, nil
	case v.TimestampValue != nil:
		t, err := time.Parse(time.RFC3339Nano, *v.TimestampValue)
		if err != nil {
			return nil, fmt.Errorf("parsing timestampValue %q: %w", *v.TimestampValue, err)
		}
		return t, nil
	case v.StringValue != nil:
		return *v.StringValue, nil
	case v.ArrayValue != nil:
		out := make([]any, 0, len(v.ArrayValue.Values))
		for _, e := range v.ArrayValue.Values {
			d, err := decodeValue(e)
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
		return out, nil
	case v.MapValue != nil:
		return decodeFields(v.MapValue.Fields)
	}
	return nil, nil
}

func decodeFields(fields map[string]value) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for k, e := range fields {
		d, err := decodeValue(e)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = d
	}
	return out, nil
}
