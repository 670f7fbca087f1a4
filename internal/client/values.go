package client

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/status"
)

// GeoPoint is a latitude/longitude pair.
type GeoPoint = model.GeoPoint

// Vector is an array of doubles stored as a vector value.
type Vector []float64

type sentinelKind int

const (
	sentinelDelete sentinelKind = iota
	sentinelServerTimestamp
	sentinelArrayUnion
	sentinelArrayRemove
	sentinelIncrement
)

// FieldValue is a sentinel written in place of a field's value. The
// backend computes the field when it applies the write.
type FieldValue struct {
	kind     sentinelKind
	elements []any
	operand  any
}

var (
	// ServerTimestamp is replaced with the commit time.
	ServerTimestamp = FieldValue{kind: sentinelServerTimestamp}
	// DeleteField removes the field. Only valid in Update and merging Set.
	DeleteField = FieldValue{kind: sentinelDelete}
)

// ArrayUnion adds elements not already present to an array field.
func ArrayUnion(elements ...any) FieldValue {
	return FieldValue{kind: sentinelArrayUnion, elements: elements}
}

// ArrayRemove removes every instance of elements from an array field.
func ArrayRemove(elements ...any) FieldValue {
	return FieldValue{kind: sentinelArrayRemove, elements: elements}
}

// Increment adds n, an integer or a float, to a numeric field.
func Increment(n any) FieldValue {
	return FieldValue{kind: sentinelIncrement, operand: n}
}

func (f FieldValue) String() string {
	switch f.kind {
	case sentinelDelete:
		return "DeleteField"
	case sentinelServerTimestamp:
		return "ServerTimestamp"
	case sentinelArrayUnion:
		return "ArrayUnion"
	case sentinelArrayRemove:
		return "ArrayRemove"
	case sentinelIncrement:
		return "Increment"
	}
	return "FieldValue"
}

// parseMode says where user data appears.
type parseMode int

const (
	// parseSet replaces a whole document.
	parseSet parseMode = iota
	// parseMerge writes only the fields present, deletes allowed.
	parseMerge
	// parseUpdate writes explicit field paths.
	parseUpdate
	// parseArgument is a query operand; no sentinels.
	parseArgument
)

// parsedData is user data converted to a document value plus the field
// transforms and field mask its sentinels produced.
type parsedData struct {
	value      *model.ObjectValue
	mask       []model.FieldPath
	transforms []mutation.FieldTransform
}

type dataParser struct {
	db     model.DatabaseID
	mode   parseMode
	method string
	out    *parsedData
	// rootLen is the length of the update path being parsed.
	rootLen int
}

func newDataParser(db model.DatabaseID, mode parseMode, method string) *dataParser {
	return &dataParser{db: db, mode: mode, method: method, out: &parsedData{value: model.NewObjectValue()}}
}

func (p *dataParser) errorf(path model.FieldPath, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if !path.IsEmpty() {
		msg += fmt.Sprintf(" (found in field %s)", path)
	}
	return status.Errorf(status.InvalidArgument, "%s() called with invalid data: %s", p.method, msg)
}

// parseDocument parses the top-level map of a Set.
func (p *dataParser) parseDocument(data any) (*parsedData, error) {
	fields, ok, err := p.toMap(model.FieldPath{}, data)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, p.errorf(model.FieldPath{}, "data must be a map with string keys, got %T", data)
	}
	for _, k := range sortedKeys(fields) {
		if err := p.parseField(model.NewFieldPath(k), fields[k]); err != nil {
			return nil, err
		}
	}
	return p.out, nil
}

// parseField parses v at path into the output value.
func (p *dataParser) parseField(path model.FieldPath, v any) error {
	if fv, ok := v.(FieldValue); ok {
		return p.parseSentinel(path, fv)
	}
	if fv, ok := v.(*FieldValue); ok && fv != nil {
		return p.parseSentinel(path, *fv)
	}
	fields, isMap, err := p.toMap(path, v)
	if err != nil {
		return err
	}
	if isMap {
		if len(fields) == 0 && p.mode != parseSet {
			// An empty map in a merge overwrites the field.
			p.out.mask = append(p.out.mask, path)
			p.out.value.Set(path, model.MapValue(nil))
			return nil
		}
		if len(fields) == 0 {
			p.out.value.Set(path, model.MapValue(nil))
			return nil
		}
		for _, k := range sortedKeys(fields) {
			if err := p.parseField(path.Child(k), fields[k]); err != nil {
				return err
			}
		}
		return nil
	}
	value, err := p.parseValue(path, v, false)
	if err != nil {
		return err
	}
	p.out.value.Set(path, value)
	p.out.mask = append(p.out.mask, path)
	return nil
}

func (p *dataParser) parseSentinel(path model.FieldPath, fv FieldValue) error {
	if p.mode == parseArgument {
		return p.errorf(path, "%s cannot be used in queries", fv)
	}
	var op mutation.TransformOperation
	switch fv.kind {
	case sentinelDelete:
		if p.mode == parseSet {
			return p.errorf(path, "DeleteField cannot be used with Set() unless you pass Merge or MergeFields")
		}
		if p.mode == parseUpdate && path.Len() > p.rootLen {
			return p.errorf(path, "DeleteField can only appear at the top level of update data")
		}
		p.out.mask = append(p.out.mask, path)
		return nil
	case sentinelServerTimestamp:
		op = mutation.TransformOperation{Kind: mutation.ServerTimestamp}
	case sentinelArrayUnion, sentinelArrayRemove:
		elems := make([]model.Value, 0, len(fv.elements))
		for i, e := range fv.elements {
			v, err := p.parseValue(path.Child(fmt.Sprint(i)), e, true)
			if err != nil {
				return err
			}
			elems = append(elems, v)
		}
		kind := mutation.ArrayUnion
		if fv.kind == sentinelArrayRemove {
			kind = mutation.ArrayRemove
		}
		op = mutation.TransformOperation{Kind: kind, Elements: elems}
	case sentinelIncrement:
		v, err := p.parseValue(path, fv.operand, false)
		if err != nil {
			return err
		}
		if !v.IsNumber() {
			return p.errorf(path, "Increment requires a number, got %T", fv.operand)
		}
		op = mutation.TransformOperation{Kind: mutation.NumericIncrement, Operand: v}
	}
	p.out.transforms = append(p.out.transforms, mutation.FieldTransform{Field: path, Transform: op})
	return nil
}

// toMap returns v's entries when v is a map with string keys.
func (p *dataParser) toMap(path model.FieldPath, v any) (map[string]any, bool, error) {
	switch m := v.(type) {
	case map[string]any:
		return m, true, nil
	case nil:
		return nil, false, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map {
		return nil, false, nil
	}
	if rv.Type().Key().Kind() != reflect.String {
		return nil, false, p.errorf(path, "map keys must be strings, got %s", rv.Type().Key())
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true, nil
}

// parseValue converts a plain Go value. inArray rejects sentinels and
// nested arrays.
func (p *dataParser) parseValue(path model.FieldPath, v any, inArray bool) (model.Value, error) {
	switch x := v.(type) {
	case nil:
		return model.NullValue, nil
	case FieldValue, *FieldValue:
		return model.Value{}, p.errorf(path, "%v cannot be used inside arrays or as a value here", x)
	case bool:
		return model.BooleanValue(x), nil
	case string:
		return model.StringValue(x), nil
	case []byte:
		return model.BytesValue(x), nil
	case int:
		return model.IntegerValue(int64(x)), nil
	case int8:
		return model.IntegerValue(int64(x)), nil
	case int16:
		return model.IntegerValue(int64(x)), nil
	case int32:
		return model.IntegerValue(int64(x)), nil
	case int64:
		return model.IntegerValue(x), nil
	case uint8:
		return model.IntegerValue(int64(x)), nil
	case uint16:
		return model.IntegerValue(int64(x)), nil
	case uint32:
		return model.IntegerValue(int64(x)), nil
	case uint:
		return p.unsigned(path, uint64(x))
	case uint64:
		return p.unsigned(path, x)
	case float32:
		return model.DoubleValue(float64(x)), nil
	case float64:
		return model.DoubleValue(x), nil
	case time.Time:
		return model.TimestampValue(model.TimestampFromTime(x)), nil
	case *time.Time:
		if x == nil {
			return model.NullValue, nil
		}
		return model.TimestampValue(model.TimestampFromTime(*x)), nil
	case model.Timestamp:
		return model.TimestampValue(x), nil
	case GeoPoint:
		if x.Latitude < -90 || x.Latitude > 90 || x.Longitude < -180 || x.Longitude > 180 {
			return model.Value{}, p.errorf(path, "geo point %v is out of range", x)
		}
		return model.GeoPointValue(x.Latitude, x.Longitude), nil
	case Vector:
		return model.VectorValue(x...), nil
	case *DocumentRef:
		if x == nil {
			return model.NullValue, nil
		}
		if x.client.db != p.db {
			return model.Value{}, p.errorf(path, "document reference for a different database %s", x.client.db.Name())
		}
		return model.ReferenceValue(p.db, x.key), nil
	case model.Value:
		return x, nil
	}

	if fields, ok, err := p.toMap(path, v); err != nil {
		return model.Value{}, err
	} else if ok {
		out := make(map[string]model.Value, len(fields))
		for _, k := range sortedKeys(fields) {
			fv, err := p.parseValue(path.Child(k), fields[k], inArray)
			if err != nil {
				return model.Value{}, err
			}
			out[k] = fv
		}
		return model.MapValue(out), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if inArray {
			return model.Value{}, p.errorf(path, "nested arrays are not supported")
		}
		elems := make([]model.Value, rv.Len())
		for i := range elems {
			ev, err := p.parseValue(path.Child(fmt.Sprint(i)), rv.Index(i).Interface(), true)
			if err != nil {
				return model.Value{}, err
			}
			elems[i] = ev
		}
		return model.ArrayValue(elems...), nil
	case reflect.Pointer:
		if rv.IsNil() {
			return model.NullValue, nil
		}
		return p.parseValue(path, rv.Elem().Interface(), inArray)
	}
	return model.Value{}, p.errorf(path, "unsupported type %T", v)
}

func (p *dataParser) unsigned(path model.FieldPath, u uint64) (model.Value, error) {
	if u > math.MaxInt64 {
		return model.Value{}, p.errorf(path, "integer %d overflows int64", u)
	}
	return model.IntegerValue(int64(u)), nil
}

// parseUpdate parses one field of an Update. The whole field is
// replaced, so the mask holds path itself rather than its leaves.
func (p *dataParser) parseUpdate(path model.FieldPath, v any) error {
	p.rootLen = path.Len()
	before := len(p.out.mask)
	if err := p.parseField(path, v); err != nil {
		return err
	}
	if fv, ok := v.(FieldValue); ok && fv.kind != sentinelDelete {
		return nil
	}
	p.out.mask = append(p.out.mask[:before], path)
	return nil
}

// parseQueryValue converts a filter or cursor operand.
func parseQueryValue(db model.DatabaseID, method string, v any) (model.Value, error) {
	p := newDataParser(db, parseArgument, method)
	return p.parseValue(model.FieldPath{}, v, false)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ServerTimestampBehavior selects how pending server timestamps read.
type ServerTimestampBehavior int

const (
	// ServerTimestampNone reads pending server timestamps as nil.
	ServerTimestampNone ServerTimestampBehavior = iota
	// ServerTimestampEstimate reads them as the local write time.
	ServerTimestampEstimate
	// ServerTimestampPrevious reads them as the field's previous value.
	ServerTimestampPrevious
)

// ParseServerTimestampBehavior parses "none", "estimate" or "previous".
func ParseServerTimestampBehavior(s string) (ServerTimestampBehavior, error) {
	switch s {
	case "", "none":
		return ServerTimestampNone, nil
	case "estimate":
		return ServerTimestampEstimate, nil
	case "previous":
		return ServerTimestampPrevious, nil
	}
	return 0, status.Errorf(status.InvalidArgument, "unknown server timestamp behavior %q", s)
}

// valueReader converts stored values back to Go values.
type valueReader struct {
	client   *Client
	behavior ServerTimestampBehavior
}

func (r valueReader) fields(o *model.ObjectValue) map[string]any {
	out := make(map[string]any, len(o.Fields()))
	for k, v := range o.Fields() {
		out[k] = r.value(v)
	}
	return out
}

func (r valueReader) value(v model.Value) any {
	switch v.Kind() {
	case model.KindNull:
		return nil
	case model.KindBoolean:
		return v.BooleanValue()
	case model.KindInteger:
		return v.IntegerValue()
	case model.KindDouble:
		return v.DoubleValue()
	case model.KindTimestamp:
		return v.TimestampValue().Time()
	case model.KindString:
		return v.StringValue()
	case model.KindBytes:
		return v.BytesValue()
	case model.KindGeoPoint:
		return v.GeoPointValue()
	case model.KindReference:
		key, err := model.DocumentKeyFromName(v.ReferenceName())
		if err != nil || r.client == nil {
			return v.ReferenceName()
		}
		return r.client.docRef(key)
	case model.KindArray:
		out := make([]any, len(v.ArrayValues()))
		for i, e := range v.ArrayValues() {
			out[i] = r.value(e)
		}
		return out
	}
	switch {
	case model.IsServerTimestamp(v):
		switch r.behavior {
		case ServerTimestampEstimate:
			return model.ServerTimestampLocalWriteTime(v).Time()
		case ServerTimestampPrevious:
			if prev, ok := model.ServerTimestampPreviousValue(v); ok {
				return r.value(prev)
			}
		}
		return nil
	case model.IsVector(v):
		return Vector(model.VectorValues(v))
	}
	out := make(map[string]any, len(v.MapFields()))
	for k, f := range v.MapFields() {
		out[k] = r.value(f)
	}
	return out
}
