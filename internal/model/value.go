package model

import (
	"math"
	"sort"
)

// Kind is the stored representation of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBoolean
	KindInteger
	KindDouble
	KindTimestamp
	KindString
	KindBytes
	KindReference
	KindGeoPoint
	KindArray
	KindMap
)

// Type orders define the cross-type sort order of values.
const (
	TypeOrderNull            = 0
	TypeOrderBoolean         = 1
	TypeOrderNumber          = 2
	TypeOrderTimestamp       = 3
	TypeOrderServerTimestamp = 4
	TypeOrderString          = 5
	TypeOrderBlob            = 6
	TypeOrderReference       = 7
	TypeOrderGeoPoint        = 8
	TypeOrderArray           = 9
	TypeOrderVector          = 10
	TypeOrderObject          = 11
	TypeOrderMax             = 1<<53 - 1
)

const (
	typeKey                 = "__type__"
	serverTimestampSentinel = "server_timestamp"
	localWriteTimeKey       = "__local_write_time__"
	previousValueKey        = "__previous_value__"
	vectorSentinel          = "__vector__"
	vectorValueKey          = "value"
	maxValueSentinel        = "__max__"
)

// GeoPoint is a latitude/longitude pair.
type GeoPoint struct {
	Latitude  float64
	Longitude float64
}

// Value is an immutable document field value. Arrays and maps are shared
// between copies and must not be modified after construction; use
// ObjectValue to build modified maps.
type Value struct {
	kind Kind
	b    bool
	i    int64
	d    float64
	s    string
	raw  []byte
	ts   Timestamp
	geo  GeoPoint
	arr  []Value
	m    map[string]Value
}

// NullValue is the null value.
var NullValue = Value{kind: KindNull}

func BooleanValue(b bool) Value        { return Value{kind: KindBoolean, b: b} }
func IntegerValue(i int64) Value       { return Value{kind: KindInteger, i: i} }
func DoubleValue(d float64) Value      { return Value{kind: KindDouble, d: d} }
func TimestampValue(t Timestamp) Value { return Value{kind: KindTimestamp, ts: t} }
func StringValue(s string) Value       { return Value{kind: KindString, s: s} }
func BytesValue(b []byte) Value        { return Value{kind: KindBytes, raw: append([]byte(nil), b...)} }
func GeoPointValue(lat, lng float64) Value {
	return Value{kind: KindGeoPoint, geo: GeoPoint{Latitude: lat, Longitude: lng}}
}

// ReferenceValue refers to a document in db.
func ReferenceValue(db DatabaseID, key DocumentKey) Value {
	return Value{kind: KindReference, s: key.Name(db)}
}

// ReferenceValueFromName builds a reference from a full resource name.
func ReferenceValueFromName(name string) Value {
	return Value{kind: KindReference, s: name}
}

// ArrayValue builds an array value; the slice is copied.
func ArrayValue(values ...Value) Value {
	return Value{kind: KindArray, arr: append([]Value(nil), values...)}
}

// MapValue builds a map value; the map is copied.
func MapValue(fields map[string]Value) Value {
	m := make(map[string]Value, len(fields))
	for k, v := range fields {
		m[k] = v
	}
	return Value{kind: KindMap, m: m}
}

func mapValueNoCopy(fields map[string]Value) Value { return Value{kind: KindMap, m: fields} }

// VectorValue builds the map encoding of a vector of doubles.
func VectorValue(values ...float64) Value {
	arr := make([]Value, len(values))
	for i, f := range values {
		arr[i] = DoubleValue(f)
	}
	return mapValueNoCopy(map[string]Value{
		typeKey:        StringValue(vectorSentinel),
		vectorValueKey: {kind: KindArray, arr: arr},
	})
}

// MaxValue sorts after every other value. It is only used in bounds.
var MaxValue = mapValueNoCopy(map[string]Value{typeKey: StringValue(maxValueSentinel)})

// ServerTimestampValue encodes a pending server timestamp written at
// localWriteTime. previous is the field's prior value, if any.
func ServerTimestampValue(localWriteTime Timestamp, previous *Value) Value {
	fields := map[string]Value{
		typeKey:           StringValue(serverTimestampSentinel),
		localWriteTimeKey: TimestampValue(localWriteTime),
	}
	if previous != nil {
		prev := *previous
		// Nested pending timestamps keep the oldest previous value.
		if IsServerTimestamp(prev) {
			if pp, ok := ServerTimestampPreviousValue(prev); ok {
				fields[previousValueKey] = pp
			}
		} else {
			fields[previousValueKey] = prev
		}
	}
	return mapValueNoCopy(fields)
}

func (v Value) Kind() Kind                { return v.kind }
func (v Value) IsNull() bool              { return v.kind == KindNull }
func (v Value) BooleanValue() bool        { return v.b }
func (v Value) IntegerValue() int64       { return v.i }
func (v Value) DoubleValue() float64      { return v.d }
func (v Value) TimestampValue() Timestamp { return v.ts }
func (v Value) StringValue() string       { return v.s }
func (v Value) BytesValue() []byte        { return v.raw }
func (v Value) GeoPointValue() GeoPoint   { return v.geo }
func (v Value) ReferenceName() string     { return v.s }

// ArrayValues returns the elements of an array value. Callers must not
// modify the returned slice.
func (v Value) ArrayValues() []Value { return v.arr }

// MapFields returns the fields of a map value. Callers must not modify the
// returned map.
func (v Value) MapFields() map[string]Value { return v.m }

// IsNumber reports whether v is an integer or a double.
func (v Value) IsNumber() bool { return v.kind == KindInteger || v.kind == KindDouble }

// IsNaN reports whether v is a double NaN.
func (v Value) IsNaN() bool { return v.kind == KindDouble && math.IsNaN(v.d) }

// AsFloat returns a numeric value as float64.
func (v Value) AsFloat() float64 {
	if v.kind == KindInteger {
		return float64(v.i)
	}
	return v.d
}

// SortedMapKeys returns map field names in code point order.
func (v Value) SortedMapKeys() []string {
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (v Value) sentinelType() string {
	if v.kind != KindMap {
		return ""
	}
	t, ok := v.m[typeKey]
	if !ok || t.kind != KindString {
		return ""
	}
	return t.s
}

// IsServerTimestamp reports whether v is a pending server timestamp.
func IsServerTimestamp(v Value) bool { return v.sentinelType() == serverTimestampSentinel }

// IsVector reports whether v is the vector encoding.
func IsVector(v Value) bool { return v.sentinelType() == vectorSentinel }

// IsMaxValue reports whether v is the max sentinel.
func IsMaxValue(v Value) bool { return v.sentinelType() == maxValueSentinel }

// ServerTimestampLocalWriteTime returns the local write time of a pending
// server timestamp.
func ServerTimestampLocalWriteTime(v Value) Timestamp {
	return v.m[localWriteTimeKey].ts
}

// ServerTimestampPreviousValue returns the value the field held before the
// pending server timestamp was written.
func ServerTimestampPreviousValue(v Value) (Value, bool) {
	prev, ok := v.m[previousValueKey]
	if ok && IsServerTimestamp(prev) {
		return ServerTimestampPreviousValue(prev)
	}
	return prev, ok
}

// VectorValues returns the doubles of a vector value.
func VectorValues(v Value) []float64 {
	arr := v.m[vectorValueKey].arr
	out := make([]float64, len(arr))
	for i, e := range arr {
		out[i] = e.AsFloat()
	}
	return out
}

// TypeOrder returns the cross-type ordering rank of v.
func TypeOrder(v Value) int {
	switch v.kind {
	case KindNull:
		return TypeOrderNull
	case KindBoolean:
		return TypeOrderBoolean
	case KindInteger, KindDouble:
		return TypeOrderNumber
	case KindTimestamp:
		return TypeOrderTimestamp
	case KindString:
		return TypeOrderString
	case KindBytes:
		return TypeOrderBlob
	case KindReference:
		return TypeOrderReference
	case KindGeoPoint:
		return TypeOrderGeoPoint
	case KindArray:
		return TypeOrderArray
	case KindMap:
		switch v.sentinelType() {
		case serverTimestampSentinel:
			return TypeOrderServerTimestamp
		case maxValueSentinel:
			return TypeOrderMax
		case vectorSentinel:
			return TypeOrderVector
		}
		return TypeOrderObject
	}
	return TypeOrderNull
}

// IsArray reports whether v is an array value.
func (v Value) IsArray() bool { return v.kind == KindArray }

// IsMap reports whether v is a plain map value.
func (v Value) IsMap() bool { return v.kind == KindMap && TypeOrder(v) == TypeOrderObject }

// ArrayContains reports whether arr holds an element equal to elem.
func ArrayContains(arr Value, elem Value) bool {
	for _, e := range arr.arr {
		if Equal(e, elem) {
			return true
		}
	}
	return false
}

// DeepClone returns a copy that shares no maps or slices with v.
func (v Value) DeepClone() Value {
	switch v.kind {
	case KindArray:
		arr := make([]Value, len(v.arr))
		for i, e := range v.arr {
			arr[i] = e.DeepClone()
		}
		return Value{kind: KindArray, arr: arr}
	case KindMap:
		m := make(map[string]Value, len(v.m))
		for k, e := range v.m {
			m[k] = e.DeepClone()
		}
		return Value{kind: KindMap, m: m}
	case KindBytes:
		return BytesValue(v.raw)
	}
	return v
}

// EstimateByteSize approximates the storage footprint of v, used by the
// cache size threshold.
func EstimateByteSize(v Value) int64 {
	switch v.kind {
	case KindNull, KindBoolean:
		return 4
	case KindInteger, KindDouble:
		return 8
	case KindTimestamp:
		return 16
	case KindString, KindReference:
		return int64(len(v.s)) + 2
	case KindBytes:
		return int64(len(v.raw))
	case KindGeoPoint:
		return 16
	case KindArray:
		var n int64
		for _, e := range v.arr {
			n += EstimateByteSize(e)
		}
		return n
	case KindMap:
		var n int64
		for k, e := range v.m {
			n += int64(len(k)) + EstimateByteSize(e)
		}
		return n
	}
	return 0
}
