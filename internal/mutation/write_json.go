package mutation

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/steveyegge/docsync/internal/model"
)

// Write is the JSON form of a mutation. The local cache stores writes with
// document paths as names; the write protocol uses full resource names.
type Write struct {
	Update           *WriteDocument   `json:"update,omitempty"`
	Delete           string           `json:"delete,omitempty"`
	Verify           string           `json:"verify,omitempty"`
	UpdateMask       *WriteMask       `json:"updateMask,omitempty"`
	UpdateTransforms []FieldTransform `json:"updateTransforms,omitempty"`
	CurrentDocument  *Precondition    `json:"currentDocument,omitempty"`
}

// WriteDocument is the document half of a set or patch.
type WriteDocument struct {
	Name   string                 `json:"name"`
	Fields map[string]model.Value `json:"fields"`
}

// WriteMask lists patched fields in canonical form.
type WriteMask struct {
	FieldPaths []string `json:"fieldPaths"`
}

// EncodeWrite converts m into its JSON form, naming the document with name.
func EncodeWrite(m Mutation, name func(model.DocumentKey) string) Write {
	var w Write
	switch m.Kind {
	case Set, Patch:
		fields := map[string]model.Value{}
		if m.Value != nil {
			fields = m.Value.Fields()
		}
		w.Update = &WriteDocument{Name: name(m.Key), Fields: fields}
		if m.Kind == Patch {
			paths := make([]string, 0, m.Mask.Len())
			for _, f := range m.Mask.Fields() {
				paths = append(paths, f.CanonicalString())
			}
			w.UpdateMask = &WriteMask{FieldPaths: paths}
		}
		w.UpdateTransforms = m.Transforms
	case Delete:
		w.Delete = name(m.Key)
	case Verify:
		w.Verify = name(m.Key)
	}
	if !m.Precondition.IsNone() {
		p := m.Precondition
		w.CurrentDocument = &p
	}
	return w
}

// DecodeWrite converts a JSON write back into a mutation, resolving document
// names with key.
func DecodeWrite(w Write, key func(string) (model.DocumentKey, error)) (Mutation, error) {
	pre := NoPrecondition
	if w.CurrentDocument != nil {
		pre = *w.CurrentDocument
	}
	switch {
	case w.Update != nil:
		k, err := key(w.Update.Name)
		if err != nil {
			return Mutation{}, err
		}
		value := model.ObjectValueFromMap(w.Update.Fields)
		if w.UpdateMask == nil {
			m := NewSet(k, value, w.UpdateTransforms...)
			m.Precondition = pre
			return m, nil
		}
		paths := make([]model.FieldPath, 0, len(w.UpdateMask.FieldPaths))
		for _, p := range w.UpdateMask.FieldPaths {
			fp, err := model.ParseFieldPath(p)
			if err != nil {
				return Mutation{}, err
			}
			paths = append(paths, fp)
		}
		return NewPatch(k, value, model.NewFieldMask(paths...), pre, w.UpdateTransforms...), nil
	case w.Delete != "":
		k, err := key(w.Delete)
		if err != nil {
			return Mutation{}, err
		}
		return NewDelete(k, pre), nil
	case w.Verify != "":
		k, err := key(w.Verify)
		if err != nil {
			return Mutation{}, err
		}
		return NewVerify(k, pre), nil
	}
	return Mutation{}, fmt.Errorf("write has no operation")
}

func (m Mutation) MarshalJSON() ([]byte, error) {
	return json.Marshal(EncodeWrite(m, model.DocumentKey.String))
}

func (m *Mutation) UnmarshalJSON(data []byte) error {
	var w Write
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out, err := DecodeWrite(w, model.ParseDocumentKey)
	if err != nil {
		return err
	}
	*m = out
	return nil
}
