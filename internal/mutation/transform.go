package mutation

import (
	"fmt"
	"math"

	json "github.com/goccy/go-json"

	"github.com/steveyegge/docsync/internal/model"
)

// TransformKind selects a field transform.
type TransformKind int

const (
	ServerTimestamp TransformKind = iota
	ArrayUnion
	ArrayRemove
	NumericIncrement
)

// TransformOperation computes a field's new value from its previous one.
type TransformOperation struct {
	Kind     TransformKind
	Elements []model.Value // ArrayUnion, ArrayRemove
	Operand  model.Value   // NumericIncrement
}

// FieldTransform applies a TransformOperation to one field.
type FieldTransform struct {
	Field     model.FieldPath
	Transform TransformOperation
}

// ApplyToLocalView computes the optimistic value shown before the server
// responds. previous is nil when the field is absent.
func (t TransformOperation) ApplyToLocalView(previous *model.Value, localWriteTime model.Timestamp) model.Value {
	switch t.Kind {
	case ServerTimestamp:
		return model.ServerTimestampValue(localWriteTime, previous)
	case ArrayUnion:
		return t.applyArrayUnion(previous)
	case ArrayRemove:
		return t.applyArrayRemove(previous)
	case NumericIncrement:
		base := t.ComputeBaseValue(previous)
		return addNumbers(*base, t.Operand)
	}
	return model.NullValue
}

// ApplyToRemoteDocument computes the value after the server acknowledged
// the write. Array transforms are re-applied locally; the other kinds take
// the server's result.
func (t TransformOperation) ApplyToRemoteDocument(previous *model.Value, result model.Value) model.Value {
	switch t.Kind {
	case ArrayUnion:
		return t.applyArrayUnion(previous)
	case ArrayRemove:
		return t.applyArrayRemove(previous)
	}
	return result
}

// ComputeBaseValue returns the value a non-idempotent transform starts from,
// or nil for idempotent transforms.
func (t TransformOperation) ComputeBaseValue(previous *model.Value) *model.Value {
	if t.Kind != NumericIncrement {
		return nil
	}
	if previous != nil && previous.IsNumber() {
		v := *previous
		return &v
	}
	zero := model.IntegerValue(0)
	return &zero
}

func coercedArray(previous *model.Value) []model.Value {
	if previous == nil || !previous.IsArray() {
		return nil
	}
	return append([]model.Value(nil), previous.ArrayValues()...)
}

func (t TransformOperation) applyArrayUnion(previous *model.Value) model.Value {
	values := coercedArray(previous)
	for _, e := range t.Elements {
		found := false
		for _, v := range values {
			if model.Equal(v, e) {
				found = true
				break
			}
		}
		if !found {
			values = append(values, e)
		}
	}
	return model.ArrayValue(values...)
}

func (t TransformOperation) applyArrayRemove(previous *model.Value) model.Value {
	values := coercedArray(previous)
	for _, e := range t.Elements {
		kept := values[:0]
		for _, v := range values {
			if !model.Equal(v, e) {
				kept = append(kept, v)
			}
		}
		values = kept
	}
	return model.ArrayValue(values...)
}

// addNumbers adds two numbers. Integer overflow saturates at the int64
// limits; any double operand makes the result a double.
func addNumbers(base, operand model.Value) model.Value {
	if base.Kind() == model.KindInteger && operand.Kind() == model.KindInteger {
		a, b := base.IntegerValue(), operand.IntegerValue()
		sum := a + b
		switch {
		case a > 0 && b > 0 && sum < 0:
			sum = math.MaxInt64
		case a < 0 && b < 0 && sum >= 0:
			sum = math.MinInt64
		}
		return model.IntegerValue(sum)
	}
	return model.DoubleValue(base.AsFloat() + operand.AsFloat())
}

func (t TransformOperation) Equal(other TransformOperation) bool {
	if t.Kind != other.Kind || len(t.Elements) != len(other.Elements) {
		return false
	}
	for i := range t.Elements {
		if !model.Equal(t.Elements[i], other.Elements[i]) {
			return false
		}
	}
	if t.Kind == NumericIncrement {
		return model.Equal(t.Operand, other.Operand)
	}
	return true
}

type fieldTransformJSON struct {
	FieldPath             string         `json:"fieldPath"`
	SetToServerValue      string         `json:"setToServerValue,omitempty"`
	Increment             *model.Value   `json:"increment,omitempty"`
	AppendMissingElements *arrayElements `json:"appendMissingElements,omitempty"`
	RemoveAllFromArray    *arrayElements `json:"removeAllFromArray,omitempty"`
}

type arrayElements struct {
	Values []model.Value `json:"values"`
}

func (f FieldTransform) MarshalJSON() ([]byte, error) {
	w := fieldTransformJSON{FieldPath: f.Field.CanonicalString()}
	switch f.Transform.Kind {
	case ServerTimestamp:
		w.SetToServerValue = "REQUEST_TIME"
	case NumericIncrement:
		op := f.Transform.Operand
		w.Increment = &op
	case ArrayUnion:
		w.AppendMissingElements = &arrayElements{Values: nonNil(f.Transform.Elements)}
	case ArrayRemove:
		w.RemoveAllFromArray = &arrayElements{Values: nonNil(f.Transform.Elements)}
	default:
		return nil, fmt.Errorf("unknown transform kind %d", f.Transform.Kind)
	}
	return json.Marshal(w)
}

func (f *FieldTransform) UnmarshalJSON(data []byte) error {
	var w fieldTransformJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	path, err := model.ParseFieldPath(w.FieldPath)
	if err != nil {
		return err
	}
	f.Field = path
	switch {
	case w.SetToServerValue != "":
		f.Transform = TransformOperation{Kind: ServerTimestamp}
	case w.Increment != nil:
		f.Transform = TransformOperation{Kind: NumericIncrement, Operand: *w.Increment}
	case w.AppendMissingElements != nil:
		f.Transform = TransformOperation{Kind: ArrayUnion, Elements: w.AppendMissingElements.Values}
	case w.RemoveAllFromArray != nil:
		f.Transform = TransformOperation{Kind: ArrayRemove, Elements: w.RemoveAllFromArray.Values}
	default:
		return fmt.Errorf("field transform for %q has no operation", w.FieldPath)
	}
	return nil
}

func nonNil(v []model.Value) []model.Value {
	if v == nil {
		return []model.Value{}
	}
	return v
}
