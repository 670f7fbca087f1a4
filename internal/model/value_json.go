package model

import (
	"encoding/base64"
	"fmt"
	"math"
	"strconv"

	json "github.com/goccy/go-json"
)

type geoPointJSON struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type arrayJSON struct {
	Values []Value `json:"values"`
}

type mapJSON struct {
	Fields map[string]Value `json:"fields"`
}

// valueJSON is the wire shape of a Value: exactly one field is set.
type valueJSON struct {
	NullValue      *json.RawMessage `json:"nullValue,omitempty"`
	BooleanValue   *bool            `json:"booleanValue,omitempty"`
	IntegerValue   *string          `json:"integerValue,omitempty"`
	DoubleValue    *json.RawMessage `json:"doubleValue,omitempty"`
	TimestampValue *string          `json:"timestampValue,omitempty"`
	StringValue    *string          `json:"stringValue,omitempty"`
	BytesValue     *string          `json:"bytesValue,omitempty"`
	ReferenceValue *string          `json:"referenceValue,omitempty"`
	GeoPointValue  *geoPointJSON    `json:"geoPointValue,omitempty"`
	ArrayValue     *arrayJSON       `json:"arrayValue,omitempty"`
	MapValue       *mapJSON         `json:"mapValue,omitempty"`
}

var nullJSON = json.RawMessage("null")

// MarshalJSON encodes v in its tagged wire form.
func (v Value) MarshalJSON() ([]byte, error) {
	var w valueJSON
	switch v.kind {
	case KindNull:
		raw := nullJSON
		w.NullValue = &raw
	case KindBoolean:
		b := v.b
		w.BooleanValue = &b
	case KindInteger:
		s := strconv.FormatInt(v.i, 10)
		w.IntegerValue = &s
	case KindDouble:
		var raw json.RawMessage
		switch {
		case math.IsNaN(v.d):
			raw = json.RawMessage(`"NaN"`)
		case math.IsInf(v.d, 1):
			raw = json.RawMessage(`"Infinity"`)
		case math.IsInf(v.d, -1):
			raw = json.RawMessage(`"-Infinity"`)
		default:
			raw = json.RawMessage(strconv.FormatFloat(v.d, 'g', -1, 64))
		}
		w.DoubleValue = &raw
	case KindTimestamp:
		s := v.ts.RFC3339()
		w.TimestampValue = &s
	case KindString:
		s := v.s
		w.StringValue = &s
	case KindBytes:
		s := base64.StdEncoding.EncodeToString(v.raw)
		w.BytesValue = &s
	case KindReference:
		s := v.s
		w.ReferenceValue = &s
	case KindGeoPoint:
		w.GeoPointValue = &geoPointJSON{Latitude: v.geo.Latitude, Longitude: v.geo.Longitude}
	case KindArray:
		vals := v.arr
		if vals == nil {
			vals = []Value{}
		}
		w.ArrayValue = &arrayJSON{Values: vals}
	case KindMap:
		fields := v.m
		if fields == nil {
			fields = map[string]Value{}
		}
		w.MapValue = &mapJSON{Fields: fields}
	default:
		return nil, fmt.Errorf("unknown value kind %d", v.kind)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the tagged wire form.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w valueJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch {
	case w.NullValue != nil:
		*v = NullValue
	case w.BooleanValue != nil:
		*v = BooleanValue(*w.BooleanValue)
	case w.IntegerValue != nil:
		i, err := strconv.ParseInt(*w.IntegerValue, 10, 64)
		if err != nil {
			return fmt.Errorf("failed to parse integerValue: %w", err)
		}
		*v = IntegerValue(i)
	case w.DoubleValue != nil:
		d, err := parseDouble(*w.DoubleValue)
		if err != nil {
			return err
		}
		*v = DoubleValue(d)
	case w.TimestampValue != nil:
		ts, err := ParseTimestamp(*w.TimestampValue)
		if err != nil {
			return err
		}
		*v = TimestampValue(ts)
	case w.StringValue != nil:
		*v = StringValue(*w.StringValue)
	case w.BytesValue != nil:
		b, err := base64.StdEncoding.DecodeString(*w.BytesValue)
		if err != nil {
			return fmt.Errorf("failed to decode bytesValue: %w", err)
		}
		*v = Value{kind: KindBytes, raw: b}
	case w.ReferenceValue != nil:
		*v = ReferenceValueFromName(*w.ReferenceValue)
	case w.GeoPointValue != nil:
		*v = GeoPointValue(w.GeoPointValue.Latitude, w.GeoPointValue.Longitude)
	case w.ArrayValue != nil:
		*v = Value{kind: KindArray, arr: w.ArrayValue.Values}
	case w.MapValue != nil:
		fields := w.MapValue.Fields
		if fields == nil {
			fields = map[string]Value{}
		}
		*v = mapValueNoCopy(fields)
	default:
		*v = NullValue
	}
	return nil
}

func parseDouble(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
		return strconv.ParseFloat(s, 64)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("failed to parse doubleValue: %w", err)
	}
	return f, nil
}
