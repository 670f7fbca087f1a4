package query

import (
	"math"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/steveyegge/docsync/internal/model"
)

var version = model.NewSnapshotVersion(model.Timestamp{Seconds: 1})

func doc(path string, fields map[string]model.Value) *model.MutableDocument {
	return model.NewFoundDocument(model.MustDocumentKey(path), version, model.ObjectValueFromMap(fields))
}

func mustFilter(t *testing.T, field string, op Operator, v model.Value) *FieldFilter {
	t.Helper()
	f, err := NewFieldFilter(model.MustFieldPath(field), op, v)
	if err != nil {
		t.Fatalf("NewFieldFilter() failed: %v", err)
	}
	return f
}

func TestFieldFilterMatches(t *testing.T) {
	docs := map[string]*model.MutableDocument{
		"int":    doc("c/int", map[string]model.Value{"v": model.IntegerValue(5)}),
		"double": doc("c/double", map[string]model.Value{"v": model.DoubleValue(5)}),
		"nan":    doc("c/nan", map[string]model.Value{"v": model.DoubleValue(math.NaN())}),
		"null":   doc("c/null", map[string]model.Value{"v": model.NullValue}),
		"str":    doc("c/str", map[string]model.Value{"v": model.StringValue("5")}),
		"arr":    doc("c/arr", map[string]model.Value{"v": model.ArrayValue(model.IntegerValue(1), model.IntegerValue(5))}),
		"none":   doc("c/none", map[string]model.Value{"w": model.IntegerValue(1)}),
	}
	tests := []struct {
		name  string
		op    Operator
		value model.Value
		want  []string
	}{
		{"equal number matches int and double", Equal, model.IntegerValue(5), []string{"double", "int"}},
		{"greater than stays in type", GreaterThan, model.IntegerValue(1), []string{"double", "int"}},
		{"not equal excludes null and missing", NotEqual, model.IntegerValue(5), []string{"arr", "nan", "str"}},
		{"equal null", Equal, model.NullValue, []string{"null"}},
		{"equal nan", Equal, model.DoubleValue(math.NaN()), []string{"nan"}},
		{"not equal nan", NotEqual, model.DoubleValue(math.NaN()), []string{"arr", "double", "int", "str"}},
		{"not equal null", NotEqual, model.NullValue, []string{"arr", "double", "int", "nan", "str"}},
		{"array contains", ArrayContains, model.IntegerValue(5), []string{"arr"}},
		{"in uses strict equality", In, model.ArrayValue(model.StringValue("5"), model.IntegerValue(5)), []string{"int", "str"}},
		{"not in", NotIn, model.ArrayValue(model.IntegerValue(5)), []string{"arr", "double", "nan", "str"}},
		{"array contains any", ArrayContainsAny, model.ArrayValue(model.IntegerValue(1), model.IntegerValue(9)), []string{"arr"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := mustFilter(t, "v", tt.op, tt.value)
			var got []string
			for name, d := range docs {
				if f.Matches(d) {
					got = append(got, name)
				}
			}
			sort.Strings(got)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("matches mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNewFieldFilterRejectsNullComparisons(t *testing.T) {
	if _, err := NewFieldFilter(model.MustFieldPath("a"), LessThan, model.NullValue); err == nil {
		t.Error("'<' with null should be rejected")
	}
	if _, err := NewFieldFilter(model.MustFieldPath("a"), In, model.ArrayValue()); err == nil {
		t.Error("'in' with an empty array should be rejected")
	}
}

func TestQueryOrderingAndBounds(t *testing.T) {
	q := NewQuery(model.MustParseResourcePath("rooms")).
		WithOrderBy(OrderBy{Field: model.MustFieldPath("n"), Direction: Descending}).
		WithStartAt(&Bound{Position: []model.Value{model.IntegerValue(3)}, Inclusive: true}).
		WithEndAt(&Bound{Position: []model.Value{model.IntegerValue(1)}, Inclusive: false})

	set := model.NewDocumentSet(q.Comparator())
	for i := 0; i < 5; i++ {
		d := doc("rooms/r"+string(rune('a'+i)), map[string]model.Value{"n": model.IntegerValue(int64(i))})
		if q.Matches(d) {
			set = set.Add(d)
		}
	}
	var got []string
	for _, d := range set.Documents() {
		got = append(got, d.Key.ID())
	}
	if diff := cmp.Diff([]string{"rd", "rc"}, got); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}

	// Missing ordered fields, other collections and sub-collections never match.
	for _, d := range []*model.MutableDocument{
		doc("rooms/x", map[string]model.Value{"other": model.IntegerValue(2)}),
		doc("halls/x", map[string]model.Value{"n": model.IntegerValue(2)}),
		doc("rooms/x/msgs/y", map[string]model.Value{"n": model.IntegerValue(2)}),
	} {
		if q.Matches(d) {
			t.Errorf("Matches(%s) = true", d.Key)
		}
	}
}

func TestNormalizedOrderBy(t *testing.T) {
	q := NewQuery(model.MustParseResourcePath("c")).
		WithFilter(mustFilter(t, "b", GreaterThan, model.IntegerValue(1))).
		WithFilter(mustFilter(t, "a", NotEqual, model.IntegerValue(1))).
		WithOrderBy(OrderBy{Field: model.MustFieldPath("z"), Direction: Descending})

	var got []string
	for _, o := range q.NormalizedOrderBy() {
		got = append(got, o.CanonicalID())
	}
	want := []string{"zdesc", "adesc", "bdesc", "__name__desc"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("NormalizedOrderBy() mismatch (-want +got):\n%s", diff)
	}
}

func TestLimitToLastTarget(t *testing.T) {
	start := &Bound{Position: []model.Value{model.IntegerValue(1)}, Inclusive: true}
	q := NewQuery(model.MustParseResourcePath("c")).
		WithOrderBy(OrderBy{Field: model.MustFieldPath("n"), Direction: Ascending}).
		WithStartAt(start).
		WithLimit(2, LimitLast)

	target := q.ToTarget()
	if target.OrderBy[0].Direction != Descending || target.OrderBy[1].Direction != Descending {
		t.Errorf("target ordering not flipped: %v", target.OrderBy)
	}
	if target.StartAt != nil || target.EndAt == nil {
		t.Errorf("bounds not swapped: start=%v end=%v", target.StartAt, target.EndAt)
	}
	limitFirst := q.WithLimit(2, LimitFirst)
	if q.CanonicalID() == limitFirst.CanonicalID() {
		t.Error("limit-to-last and limit-to-first queries must not share a canonical id")
	}
}

func TestCollectionGroupMatches(t *testing.T) {
	q := NewCollectionGroupQuery("msgs")
	if !q.Matches(doc("rooms/a/msgs/1", nil)) || !q.Matches(doc("msgs/2", nil)) {
		t.Error("collection group query should match every msgs collection")
	}
	if q.Matches(doc("rooms/a", nil)) {
		t.Error("collection group query matched another collection")
	}
}

func TestCompositeOr(t *testing.T) {
	f := &CompositeFilter{Op: Or, Filters: []Filter{
		mustFilter(t, "a", Equal, model.IntegerValue(1)),
		mustFilter(t, "b", Equal, model.IntegerValue(2)),
	}}
	q := NewQuery(model.MustParseResourcePath("c")).WithFilter(f)
	if !q.Matches(doc("c/x", map[string]model.Value{"b": model.IntegerValue(2)})) {
		t.Error("OR should match the second branch")
	}
	if q.Matches(doc("c/y", map[string]model.Value{"a": model.IntegerValue(2)})) {
		t.Error("OR matched neither branch")
	}
	if IsConjunction(f) {
		t.Error("IsConjunction() = true for OR")
	}
}
