package model

import (
	"sort"
	"strings"
)

// ObjectValue is the mutable data of a document. Writes copy the maps
// along the written path, so values previously returned by Field are never
// changed underneath the caller.
type ObjectValue struct {
	root Value
}

// NewObjectValue returns an empty object.
func NewObjectValue() *ObjectValue {
	return &ObjectValue{root: mapValueNoCopy(map[string]Value{})}
}

// ObjectValueFrom wraps a map value. Non-map values produce an empty object.
func ObjectValueFrom(v Value) *ObjectValue {
	if v.kind != KindMap {
		return NewObjectValue()
	}
	return &ObjectValue{root: v}
}

// ObjectValueFromMap wraps a field map.
func ObjectValueFromMap(fields map[string]Value) *ObjectValue {
	return &ObjectValue{root: MapValue(fields)}
}

// Value returns the object as a map value.
func (o *ObjectValue) Value() Value { return o.root }

// Fields returns the top-level fields. Callers must not modify the map.
func (o *ObjectValue) Fields() map[string]Value { return o.root.m }

// Field returns the value at path.
func (o *ObjectValue) Field(path FieldPath) (Value, bool) {
	if path.IsEmpty() {
		return o.root, true
	}
	cur := o.root
	for i := 0; i < path.Len(); i++ {
		if cur.kind != KindMap {
			return Value{}, false
		}
		next, ok := cur.m[path.Segment(i)]
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

// Set writes value at path, creating intermediate maps and replacing
// non-map intermediates.
func (o *ObjectValue) Set(path FieldPath, value Value) {
	if path.IsEmpty() {
		if value.kind == KindMap {
			o.root = value
		}
		return
	}
	o.root = setIn(o.root, path.segments, value)
}

func setIn(parent Value, segs []string, value Value) Value {
	fields := make(map[string]Value, len(parent.m)+1)
	if parent.kind == KindMap {
		for k, v := range parent.m {
			fields[k] = v
		}
	}
	if len(segs) == 1 {
		fields[segs[0]] = value
	} else {
		child := fields[segs[0]]
		if child.kind != KindMap || IsServerTimestamp(child) || IsVector(child) {
			child = mapValueNoCopy(map[string]Value{})
		}
		fields[segs[0]] = setIn(child, segs[1:], value)
	}
	return mapValueNoCopy(fields)
}

// Delete removes the value at path. Missing paths are ignored.
func (o *ObjectValue) Delete(path FieldPath) {
	if path.IsEmpty() {
		return
	}
	if next, changed := deleteIn(o.root, path.segments); changed {
		o.root = next
	}
}

func deleteIn(parent Value, segs []string) (Value, bool) {
	if parent.kind != KindMap {
		return parent, false
	}
	child, ok := parent.m[segs[0]]
	if !ok {
		return parent, false
	}
	fields := make(map[string]Value, len(parent.m))
	for k, v := range parent.m {
		fields[k] = v
	}
	if len(segs) == 1 {
		delete(fields, segs[0])
		return mapValueNoCopy(fields), true
	}
	next, changed := deleteIn(child, segs[1:])
	if !changed {
		return parent, false
	}
	fields[segs[0]] = next
	return mapValueNoCopy(fields), true
}

// FieldUpdate sets or deletes one field.
type FieldUpdate struct {
	Path   FieldPath
	Value  Value
	Delete bool
}

// SetAll applies updates in order.
func (o *ObjectValue) SetAll(updates []FieldUpdate) {
	for _, u := range updates {
		if u.Delete {
			o.Delete(u.Path)
		} else {
			o.Set(u.Path, u.Value)
		}
	}
}

// Clone returns an independent copy. Because writes copy along the path,
// sharing the root is enough.
func (o *ObjectValue) Clone() *ObjectValue {
	return &ObjectValue{root: o.root}
}

func (o *ObjectValue) Equal(other *ObjectValue) bool {
	return Equal(o.root, other.root)
}

// FieldMask lists every leaf path of the object. Empty maps count as leaves.
func (o *ObjectValue) FieldMask() FieldMask {
	var paths []FieldPath
	collectLeafPaths(o.root, FieldPath{}, &paths)
	return NewFieldMask(paths...)
}

func collectLeafPaths(v Value, prefix FieldPath, out *[]FieldPath) {
	for k, child := range v.m {
		p := prefix.Child(k)
		if child.kind == KindMap && len(child.m) > 0 && TypeOrder(child) == TypeOrderObject {
			collectLeafPaths(child, p, out)
		} else {
			*out = append(*out, p)
		}
	}
}

// String renders the object canonically; used in logs and tests.
func (o *ObjectValue) String() string { return CanonicalID(o.root) }

// FieldMask is a sorted, de-duplicated set of field paths.
type FieldMask struct {
	fields []FieldPath
}

// NewFieldMask sorts and de-duplicates paths.
func NewFieldMask(paths ...FieldPath) FieldMask {
	sorted := append([]FieldPath(nil), paths...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Compare(sorted[j]) < 0 })
	out := sorted[:0]
	for i, p := range sorted {
		if i > 0 && p.Equal(out[len(out)-1]) {
			continue
		}
		out = append(out, p)
	}
	return FieldMask{fields: out}
}

// Fields returns the paths in order.
func (m FieldMask) Fields() []FieldPath { return m.fields }

func (m FieldMask) Len() int { return len(m.fields) }

// Covers reports whether path equals or lies below one of the mask's paths.
func (m FieldMask) Covers(path FieldPath) bool {
	for _, f := range m.fields {
		if f.IsPrefixOf(path) {
			return true
		}
	}
	return false
}

// Union returns a mask holding the paths of both masks.
func (m FieldMask) Union(paths ...FieldPath) FieldMask {
	all := make([]FieldPath, 0, len(m.fields)+len(paths))
	all = append(all, m.fields...)
	all = append(all, paths...)
	return NewFieldMask(all...)
}

func (m FieldMask) Equal(other FieldMask) bool {
	if len(m.fields) != len(other.fields) {
		return false
	}
	for i := range m.fields {
		if !m.fields[i].Equal(other.fields[i]) {
			return false
		}
	}
	return true
}

func (m FieldMask) String() string {
	parts := make([]string, len(m.fields))
	for i, f := range m.fields {
		parts[i] = f.CanonicalString()
	}
	return "{" + strings.Join(parts, ",") + "}"
}
