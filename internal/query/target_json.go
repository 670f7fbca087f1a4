package query

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/steveyegge/docsync/internal/model"
)

// The structured JSON form of a target is shared by the local cache (stored
// target rows) and the watch protocol (add-target frames).

type jsonFilter struct {
	Field   string        `json:"field,omitempty"`
	Op      string        `json:"op"`
	Value   *model.Value  `json:"value,omitempty"`
	Filters []*jsonFilter `json:"filters,omitempty"`
}

type jsonOrderBy struct {
	Field     string    `json:"field"`
	Direction Direction `json:"direction"`
}

type jsonBound struct {
	Values    []model.Value `json:"values"`
	Inclusive bool          `json:"inclusive"`
}

type jsonTarget struct {
	Path            string        `json:"path"`
	CollectionGroup string        `json:"collectionGroup,omitempty"`
	Where           []*jsonFilter `json:"where,omitempty"`
	OrderBy         []jsonOrderBy `json:"orderBy,omitempty"`
	Limit           *int          `json:"limit,omitempty"`
	StartAt         *jsonBound    `json:"startAt,omitempty"`
	EndAt           *jsonBound    `json:"endAt,omitempty"`
}

func encodeFilter(f Filter) *jsonFilter {
	switch f := f.(type) {
	case *FieldFilter:
		jf := &jsonFilter{Field: f.Field.CanonicalString(), Op: string(f.Op)}
		if !f.Op.IsUnary() {
			v := f.Value
			jf.Value = &v
		}
		return jf
	case *CompositeFilter:
		jf := &jsonFilter{Op: string(f.Op)}
		for _, sub := range f.Filters {
			jf.Filters = append(jf.Filters, encodeFilter(sub))
		}
		return jf
	}
	return nil
}

func decodeFilter(jf *jsonFilter) (Filter, error) {
	switch CompositeOp(jf.Op) {
	case And, Or:
		c := &CompositeFilter{Op: CompositeOp(jf.Op)}
		for _, sub := range jf.Filters {
			f, err := decodeFilter(sub)
			if err != nil {
				return nil, err
			}
			c.Filters = append(c.Filters, f)
		}
		return c, nil
	}
	field, err := model.ParseFieldPath(jf.Field)
	if err != nil {
		return nil, err
	}
	op := Operator(jf.Op)
	if op.IsUnary() {
		return &FieldFilter{Field: field, Op: op}, nil
	}
	if jf.Value == nil {
		return nil, fmt.Errorf("filter on %s has no value", jf.Field)
	}
	return &FieldFilter{Field: field, Op: op, Value: *jf.Value}, nil
}

func encodeBound(b *Bound) *jsonBound {
	if b == nil {
		return nil
	}
	return &jsonBound{Values: b.Position, Inclusive: b.Inclusive}
}

func decodeBound(b *jsonBound) *Bound {
	if b == nil {
		return nil
	}
	return &Bound{Position: b.Values, Inclusive: b.Inclusive}
}

// MarshalJSON encodes the target in its structured form.
func (t Target) MarshalJSON() ([]byte, error) {
	jt := jsonTarget{
		Path:            t.Path.String(),
		CollectionGroup: t.CollectionGroup,
		StartAt:         encodeBound(t.StartAt),
		EndAt:           encodeBound(t.EndAt),
	}
	for _, f := range t.Filters {
		jt.Where = append(jt.Where, encodeFilter(f))
	}
	for _, o := range t.OrderBy {
		jt.OrderBy = append(jt.OrderBy, jsonOrderBy{Field: o.Field.CanonicalString(), Direction: o.Direction})
	}
	if t.HasLimit() {
		limit := t.Limit
		jt.Limit = &limit
	}
	return json.Marshal(jt)
}

// UnmarshalJSON decodes the structured form.
func (t *Target) UnmarshalJSON(data []byte) error {
	var jt jsonTarget
	if err := json.Unmarshal(data, &jt); err != nil {
		return err
	}
	path, err := model.ParseResourcePath(jt.Path)
	if err != nil {
		return err
	}
	out := Target{
		Path:            path,
		CollectionGroup: jt.CollectionGroup,
		Limit:           NoLimit,
		StartAt:         decodeBound(jt.StartAt),
		EndAt:           decodeBound(jt.EndAt),
	}
	for _, jf := range jt.Where {
		f, err := decodeFilter(jf)
		if err != nil {
			return err
		}
		out.Filters = append(out.Filters, f)
	}
	for _, o := range jt.OrderBy {
		field, err := model.ParseFieldPath(o.Field)
		if err != nil {
			return err
		}
		out.OrderBy = append(out.OrderBy, OrderBy{Field: field, Direction: o.Direction})
	}
	if jt.Limit != nil {
		out.Limit = *jt.Limit
	}
	*t = out
	return nil
}
