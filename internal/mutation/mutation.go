// Package mutation models document writes: preconditions, field transforms,
// the four mutation kinds, batches of mutations and the overlays derived
// from them.
//
// A mutation can be applied twice. ApplyToLocalView produces the optimistic
// state shown to listeners while the write is pending; ApplyToRemoteDocument
// produces the acknowledged state once the server returns a result.
package mutation

import (
	"fmt"

	"github.com/steveyegge/docsync/internal/model"
)

// Kind selects the behavior of a Mutation.
type Kind int

const (
	// Set replaces the whole document.
	Set Kind = iota
	// Patch writes the fields named by its mask.
	Patch
	// Delete removes the document.
	Delete
	// Verify only checks its precondition on the server.
	Verify
)

func (k Kind) String() string {
	switch k {
	case Set:
		return "set"
	case Patch:
		return "patch"
	case Delete:
		return "delete"
	case Verify:
		return "verify"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Mutation is a single document write.
type Mutation struct {
	Kind         Kind
	Key          model.DocumentKey
	Precondition Precondition
	// Value is the new contents for Set and the patch source for Patch.
	Value *model.ObjectValue
	// Mask lists the fields a Patch writes. Masked fields absent from Value
	// are deleted.
	Mask       model.FieldMask
	Transforms []FieldTransform
}

// Result is the server's answer for one mutation.
type Result struct {
	Version          model.SnapshotVersion
	TransformResults []model.Value
}

// NewSet returns a Set mutation.
func NewSet(key model.DocumentKey, value *model.ObjectValue, transforms ...FieldTransform) Mutation {
	return Mutation{Kind: Set, Key: key, Value: value, Transforms: transforms}
}

// NewPatch returns a Patch mutation.
func NewPatch(key model.DocumentKey, value *model.ObjectValue, mask model.FieldMask, pre Precondition, transforms ...FieldTransform) Mutation {
	return Mutation{Kind: Patch, Key: key, Value: value, Mask: mask, Precondition: pre, Transforms: transforms}
}

// NewDelete returns a Delete mutation.
func NewDelete(key model.DocumentKey, pre Precondition) Mutation {
	return Mutation{Kind: Delete, Key: key, Precondition: pre}
}

// NewVerify returns a Verify mutation.
func NewVerify(key model.DocumentKey, pre Precondition) Mutation {
	return Mutation{Kind: Verify, Key: key, Precondition: pre}
}

// TransformFields returns the fields touched by transforms.
func (m Mutation) TransformFields() []model.FieldPath {
	out := make([]model.FieldPath, len(m.Transforms))
	for i, t := range m.Transforms {
		out[i] = t.Field
	}
	return out
}

// FieldMask returns the fields the mutation writes, or nil when it
// replaces the whole document.
func (m Mutation) FieldMask() *model.FieldMask {
	if m.Kind != Patch {
		return nil
	}
	mask := m.Mask.Union(m.TransformFields()...)
	return &mask
}

// ApplyToRemoteDocument applies the acknowledged mutation to doc. Verify
// mutations never reach the local cache and are ignored.
func (m Mutation) ApplyToRemoteDocument(doc *model.MutableDocument, result Result) {
	switch m.Kind {
	case Set:
		data := m.Value.Clone()
		data.SetAll(m.serverTransformResults(doc, result.TransformResults))
		doc.ConvertToFoundDocument(result.Version, data).SetHasCommittedMutations()
	case Patch:
		if !m.Precondition.IsValidFor(doc) {
			// The patch was applied to a document we do not have; only its
			// existence at the commit version is known.
			doc.ConvertToUnknownDocument(result.Version)
			return
		}
		transformResults := m.serverTransformResults(doc, result.TransformResults)
		data := doc.Data().Clone()
		data.SetAll(m.patchUpdates())
		data.SetAll(transformResults)
		doc.ConvertToFoundDocument(result.Version, data).SetHasCommittedMutations()
	case Delete:
		doc.ConvertToNoDocument(result.Version).SetHasCommittedMutations()
	}
}

// ApplyToLocalView applies the mutation optimistically. previousMask lists
// the fields already changed by earlier mutations; nil means the whole
// document was already replaced. The returned mask follows the same rule.
// A failed precondition leaves doc untouched.
func (m Mutation) ApplyToLocalView(doc *model.MutableDocument, previousMask *model.FieldMask, localWriteTime model.Timestamp) *model.FieldMask {
	switch m.Kind {
	case Set:
		if !m.Precondition.IsValidFor(doc) {
			return previousMask
		}
		transformResults := m.localTransformResults(localWriteTime, doc)
		data := m.Value.Clone()
		data.SetAll(transformResults)
		doc.ConvertToFoundDocument(doc.Version, data).SetHasLocalMutations()
		return nil
	case Patch:
		if !m.Precondition.IsValidFor(doc) {
			return previousMask
		}
		transformResults := m.localTransformResults(localWriteTime, doc)
		data := doc.Data().Clone()
		data.SetAll(m.patchUpdates())
		data.SetAll(transformResults)
		doc.ConvertToFoundDocument(doc.Version, data).SetHasLocalMutations()
		if previousMask == nil {
			return nil
		}
		mask := previousMask.Union(m.Mask.Fields()...).Union(m.TransformFields()...)
		return &mask
	case Delete:
		if !m.Precondition.IsValidFor(doc) {
			return previousMask
		}
		doc.ConvertToNoDocument(doc.Version).SetHasLocalMutations()
		return nil
	}
	return previousMask
}

func (m Mutation) patchUpdates() []model.FieldUpdate {
	updates := make([]model.FieldUpdate, 0, m.Mask.Len())
	for _, path := range m.Mask.Fields() {
		if path.IsEmpty() {
			continue
		}
		if v, ok := m.Value.Field(path); ok {
			updates = append(updates, model.FieldUpdate{Path: path, Value: v})
		} else {
			updates = append(updates, model.FieldUpdate{Path: path, Delete: true})
		}
	}
	return updates
}

func (m Mutation) localTransformResults(localWriteTime model.Timestamp, doc *model.MutableDocument) []model.FieldUpdate {
	out := make([]model.FieldUpdate, 0, len(m.Transforms))
	for _, t := range m.Transforms {
		prev := fieldPtr(doc, t.Field)
		out = append(out, model.FieldUpdate{Path: t.Field, Value: t.Transform.ApplyToLocalView(prev, localWriteTime)})
	}
	return out
}

func (m Mutation) serverTransformResults(doc *model.MutableDocument, results []model.Value) []model.FieldUpdate {
	out := make([]model.FieldUpdate, 0, len(m.Transforms))
	for i, t := range m.Transforms {
		var result model.Value
		if i < len(results) {
			result = results[i]
		}
		prev := fieldPtr(doc, t.Field)
		out = append(out, model.FieldUpdate{Path: t.Field, Value: t.Transform.ApplyToRemoteDocument(prev, result)})
	}
	return out
}

func fieldPtr(doc *model.MutableDocument, path model.FieldPath) *model.Value {
	v, ok := doc.Field(path)
	if !ok {
		return nil
	}
	return &v
}

// ExtractTransformBaseValue returns the starting values of non-idempotent
// transforms against doc, or nil if there are none. Persisting these lets
// the local view stay stable when the base document changes underneath a
// pending increment.
func (m Mutation) ExtractTransformBaseValue(doc *model.MutableDocument) *model.ObjectValue {
	var base *model.ObjectValue
	for _, t := range m.Transforms {
		v := t.Transform.ComputeBaseValue(fieldPtr(doc, t.Field))
		if v == nil {
			continue
		}
		if base == nil {
			base = model.NewObjectValue()
		}
		base.Set(t.Field, *v)
	}
	return base
}

// CalculateOverlayMutation returns the single mutation that turns the
// remote version of doc into its current local view, given the fields the
// pending batches changed (nil means all of them). It returns nil when doc
// has no local mutations.
func CalculateOverlayMutation(doc *model.MutableDocument, mask *model.FieldMask) *Mutation {
	if !doc.HasLocalMutations() || (mask != nil && mask.Len() == 0) {
		return nil
	}
	if mask == nil {
		var m Mutation
		if doc.IsNoDocument() {
			m = NewDelete(doc.Key, NoPrecondition)
		} else {
			m = NewSet(doc.Key, doc.Data().Clone())
		}
		return &m
	}
	data := doc.Data()
	patch := model.NewObjectValue()
	var paths []model.FieldPath
	seen := make(map[string]bool)
	for _, path := range mask.Fields() {
		if seen[path.CanonicalString()] {
			continue
		}
		v, ok := data.Field(path)
		// A nested path whose parent was deleted or replaced by a non-map
		// is represented by its parent.
		if !ok && path.Len() > 1 {
			path = path.PopLast()
			v, ok = data.Field(path)
		}
		if ok {
			patch.Set(path, v)
		} else {
			patch.Delete(path)
		}
		seen[path.CanonicalString()] = true
		paths = append(paths, path)
	}
	m := NewPatch(doc.Key, patch, model.NewFieldMask(paths...), NoPrecondition)
	return &m
}

func (m Mutation) Equal(other Mutation) bool {
	if m.Kind != other.Kind || m.Key != other.Key || !m.Precondition.Equal(other.Precondition) {
		return false
	}
	if len(m.Transforms) != len(other.Transforms) {
		return false
	}
	for i := range m.Transforms {
		if !m.Transforms[i].Field.Equal(other.Transforms[i].Field) ||
			!m.Transforms[i].Transform.Equal(other.Transforms[i].Transform) {
			return false
		}
	}
	switch m.Kind {
	case Set:
		return m.Value.Equal(other.Value)
	case Patch:
		return m.Value.Equal(other.Value) && m.Mask.Equal(other.Mask)
	}
	return true
}

func (m Mutation) String() string {
	return fmt.Sprintf("%s(%s, %s)", m.Kind, m.Key, m.Precondition)
}
