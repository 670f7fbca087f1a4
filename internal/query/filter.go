package query

import (
	"strings"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/status"
)

// Operator is a field filter comparison.
type Operator string

const (
	LessThan           Operator = "<"
	LessThanOrEqual    Operator = "<="
	Equal              Operator = "=="
	NotEqual           Operator = "!="
	GreaterThan        Operator = ">"
	GreaterThanOrEqual Operator = ">="
	ArrayContains      Operator = "array-contains"
	In                 Operator = "in"
	NotIn              Operator = "not-in"
	ArrayContainsAny   Operator = "array-contains-any"

	// Unary operators produced by == and != against NaN or null.
	IsNaN     Operator = "is-nan"
	IsNull    Operator = "is-null"
	IsNotNaN  Operator = "is-not-nan"
	IsNotNull Operator = "is-not-null"
)

// IsInequality reports whether op restricts a range or excludes values.
func (op Operator) IsInequality() bool {
	switch op {
	case LessThan, LessThanOrEqual, GreaterThan, GreaterThanOrEqual, NotEqual, NotIn, IsNotNaN, IsNotNull:
		return true
	}
	return false
}

// IsUnary reports whether op takes no value.
func (op Operator) IsUnary() bool {
	switch op {
	case IsNaN, IsNull, IsNotNaN, IsNotNull:
		return true
	}
	return false
}

// ParseOperator validates a user-supplied operator string.
func ParseOperator(s string) (Operator, error) {
	switch op := Operator(s); op {
	case LessThan, LessThanOrEqual, Equal, NotEqual, GreaterThan, GreaterThanOrEqual,
		ArrayContains, In, NotIn, ArrayContainsAny:
		return op, nil
	}
	return "", status.Errorf(status.InvalidArgument, "invalid query operator %q", s)
}

// Filter restricts the documents a query matches.
type Filter interface {
	Matches(doc *model.MutableDocument) bool
	// FlatFilters returns every field filter nested in the filter.
	FlatFilters() []*FieldFilter
	CanonicalID() string
}

// FieldFilter compares one field against a value.
type FieldFilter struct {
	Field model.FieldPath
	Op    Operator
	Value model.Value
}

// NewFieldFilter builds a filter, rewriting ==/!= against NaN or null into
// unary operators and validating operand shapes.
func NewFieldFilter(field model.FieldPath, op Operator, value model.Value) (*FieldFilter, error) {
	if value.IsNull() || value.IsNaN() {
		nan := value.IsNaN()
		switch op {
		case Equal:
			if nan {
				return &FieldFilter{Field: field, Op: IsNaN}, nil
			}
			return &FieldFilter{Field: field, Op: IsNull}, nil
		case NotEqual:
			if nan {
				return &FieldFilter{Field: field, Op: IsNotNaN}, nil
			}
			return &FieldFilter{Field: field, Op: IsNotNull}, nil
		default:
			what := "null"
			if nan {
				what = "NaN"
			}
			return nil, status.Errorf(status.InvalidArgument,
				"invalid query: %s only supports '==' and '!=' comparisons", what)
		}
	}
	switch op {
	case In, NotIn, ArrayContainsAny:
		if !value.IsArray() || len(value.ArrayValues()) == 0 {
			return nil, status.Errorf(status.InvalidArgument,
				"invalid query: a non-empty array is required for '%s' filters", op)
		}
	}
	if field.IsKeyField() {
		switch op {
		case ArrayContains, ArrayContainsAny:
			return nil, status.Errorf(status.InvalidArgument,
				"invalid query: '%s' cannot be used with the document key", op)
		case In, NotIn:
			for _, v := range value.ArrayValues() {
				if v.Kind() != model.KindReference {
					return nil, status.New(status.InvalidArgument,
						"invalid query: document key filters require document references")
				}
			}
		default:
			if value.Kind() != model.KindReference {
				return nil, status.New(status.InvalidArgument,
					"invalid query: document key filters require a document reference")
			}
		}
	}
	return &FieldFilter{Field: field, Op: op, Value: value}, nil
}

// Matches evaluates the filter against a document.
func (f *FieldFilter) Matches(doc *model.MutableDocument) bool {
	var other model.Value
	var ok bool
	if f.Field.IsKeyField() {
		other, ok = keyValue(doc.Key, f.Value), true
	} else {
		other, ok = doc.Field(f.Field)
	}

	switch f.Op {
	case IsNaN:
		return ok && other.IsNaN()
	case IsNull:
		return ok && other.IsNull()
	case IsNotNaN:
		return ok && !other.IsNull() && !other.IsNaN()
	case IsNotNull:
		return ok && !other.IsNull()
	case ArrayContains:
		return ok && other.IsArray() && model.ArrayContains(other, f.Value)
	case ArrayContainsAny:
		if !ok || !other.IsArray() {
			return false
		}
		for _, e := range other.ArrayValues() {
			if model.ArrayContains(f.Value, e) {
				return true
			}
		}
		return false
	case In:
		return ok && model.ArrayContains(f.Value, other)
	case NotIn:
		for _, v := range f.Value.ArrayValues() {
			if v.IsNull() {
				return false
			}
		}
		return ok && !other.IsNull() && !model.ArrayContains(f.Value, other)
	case NotEqual:
		return ok && !other.IsNull() && f.matchesComparison(model.Compare(other, f.Value))
	}
	return ok && model.TypeOrder(other) == model.TypeOrder(f.Value) &&
		f.matchesComparison(model.Compare(other, f.Value))
}

// keyValue renders a document key as a reference in the database of the
// filter operand, so key filters compare like reference values.
func keyValue(key model.DocumentKey, operand model.Value) model.Value {
	name := operand.ReferenceName()
	if operand.IsArray() && len(operand.ArrayValues()) > 0 {
		name = operand.ArrayValues()[0].ReferenceName()
	}
	root, _, _ := strings.Cut(name, "/documents/")
	if root == "" {
		root = "projects/_/databases/" + model.DefaultDatabase
	}
	return model.ReferenceValueFromName(root + "/documents/" + key.String())
}

func (f *FieldFilter) matchesComparison(c int) bool {
	switch f.Op {
	case LessThan:
		return c < 0
	case LessThanOrEqual:
		return c <= 0
	case Equal:
		return c == 0
	case NotEqual:
		return c != 0
	case GreaterThan:
		return c > 0
	case GreaterThanOrEqual:
		return c >= 0
	}
	return false
}

func (f *FieldFilter) FlatFilters() []*FieldFilter { return []*FieldFilter{f} }

func (f *FieldFilter) CanonicalID() string {
	if f.Op.IsUnary() {
		return f.Field.CanonicalString() + string(f.Op)
	}
	return f.Field.CanonicalString() + string(f.Op) + model.CanonicalID(f.Value)
}

// CompositeOp joins composite filters.
type CompositeOp string

const (
	And CompositeOp = "and"
	Or  CompositeOp = "or"
)

// CompositeFilter combines filters with AND or OR.
type CompositeFilter struct {
	Op      CompositeOp
	Filters []Filter
}

func (c *CompositeFilter) Matches(doc *model.MutableDocument) bool {
	if c.Op == Or {
		for _, f := range c.Filters {
			if f.Matches(doc) {
				return true
			}
		}
		return len(c.Filters) == 0
	}
	for _, f := range c.Filters {
		if !f.Matches(doc) {
			return false
		}
	}
	return true
}

func (c *CompositeFilter) FlatFilters() []*FieldFilter {
	var out []*FieldFilter
	for _, f := range c.Filters {
		out = append(out, f.FlatFilters()...)
	}
	return out
}

func (c *CompositeFilter) CanonicalID() string {
	parts := make([]string, len(c.Filters))
	for i, f := range c.Filters {
		parts[i] = f.CanonicalID()
	}
	return string(c.Op) + "(" + strings.Join(parts, ",") + ")"
}

// IsConjunction reports whether the filter only uses AND.
func IsConjunction(f Filter) bool {
	c, ok := f.(*CompositeFilter)
	if !ok {
		return true
	}
	if c.Op != And {
		return false
	}
	for _, sub := range c.Filters {
		if !IsConjunction(sub) {
			return false
		}
	}
	return true
}
