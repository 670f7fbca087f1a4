package client

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/status"
)

var testDB = model.NewDatabaseID("demo", "(default)")

// offlineClient is enough of a client for building mutations.
func offlineClient() *Client {
	return &Client{db: testDB}
}

func maskStrings(m model.FieldMask) []string {
	var out []string
	for _, f := range m.Fields() {
		out = append(out, f.String())
	}
	return out
}

func transformFields(ts []mutation.FieldTransform) []string {
	var out []string
	for _, t := range ts {
		out = append(out, t.Field.String())
	}
	return out
}

func TestParseSetConvertsGoValues(t *testing.T) {
	when := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := offlineClient()
	ref := c.Doc("rooms/a")
	m, err := c.setMutation(ref, map[string]any{
		"name":  "lobby",
		"count": uint8(3),
		"ratio": 0.5,
		"tags":  []string{"x", "y"},
		"at":    when,
		"where": GeoPoint{Latitude: 1, Longitude: 2},
		"embed": Vector{1, 2},
		"owner": c.Doc("users/u1"),
		"nested": map[string]any{
			"ok": true,
		},
		"nothing": nil,
	}, nil)
	if err != nil {
		t.Fatalf("setMutation failed: %v", err)
	}
	if m.Kind != mutation.Set {
		t.Fatalf("Kind = %v, want Set", m.Kind)
	}

	want := map[string]model.Value{
		"name":      model.StringValue("lobby"),
		"count":     model.IntegerValue(3),
		"ratio":     model.DoubleValue(0.5),
		"tags":      model.ArrayValue(model.StringValue("x"), model.StringValue("y")),
		"at":        model.TimestampValue(model.TimestampFromTime(when)),
		"where":     model.GeoPointValue(1, 2),
		"embed":     model.VectorValue(1, 2),
		"owner":     model.ReferenceValue(testDB, model.MustDocumentKey("users/u1")),
		"nested.ok": model.BooleanValue(true),
		"nothing":   model.NullValue,
	}
	for path, wantValue := range want {
		got, ok := m.Value.Field(model.MustFieldPath(path))
		if !ok {
			t.Errorf("field %s missing", path)
			continue
		}
		if !model.Equal(got, wantValue) {
			t.Errorf("field %s = %v, want %v", path, got, wantValue)
		}
	}
}

func TestParseRejectsInvalidData(t *testing.T) {
	c := offlineClient()
	ref := c.Doc("rooms/a")
	other := &Client{db: model.NewDatabaseID("other", "(default)")}

	tests := []struct {
		name string
		data any
		opts []SetOption
		want string
	}{
		{"not a map", []int{1}, nil, "must be a map"},
		{"int keys", map[int]any{1: "a"}, nil, "map keys must be strings"},
		{"delete in set", map[string]any{"a": DeleteField}, nil, "DeleteField cannot be used with Set()"},
		{"nested arrays", map[string]any{"a": []any{[]any{1}}}, nil, "nested arrays"},
		{"sentinel in array", map[string]any{"a": []any{ServerTimestamp}}, nil, "ServerTimestamp"},
		{"uint64 overflow", map[string]any{"a": uint64(math.MaxUint64)}, nil, "overflows int64"},
		{"increment of string", map[string]any{"a": Increment("x")}, nil, "Increment requires a number"},
		{"array union nested array", map[string]any{"a": ArrayUnion([]any{1})}, nil, "nested arrays"},
		{"bad latitude", map[string]any{"a": GeoPoint{Latitude: 91}}, nil, "out of range"},
		{"struct", map[string]any{"a": struct{ X int }{1}}, nil, "unsupported type"},
		{"foreign reference", map[string]any{"a": other.Doc("users/u1")}, nil, "different database"},
		{"missing merge field", map[string]any{"a": 1}, []SetOption{MergeFields("b")}, "missing from the input data"},
		{"two options", map[string]any{"a": 1}, []SetOption{Merge, Merge}, "at most one"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.setMutation(ref, tt.data, tt.opts)
			if err == nil {
				t.Fatal("setMutation succeeded")
			}
			if status.CodeOf(err) != status.InvalidArgument {
				t.Errorf("code = %v, want InvalidArgument", status.CodeOf(err))
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestParseSetTransforms(t *testing.T) {
	c := offlineClient()
	m, err := c.setMutation(c.Doc("rooms/a"), map[string]any{
		"updated": ServerTimestamp,
		"stats":   map[string]any{"visits": Increment(1)},
		"tags":    ArrayUnion("a", "b"),
		"name":    "x",
	}, nil)
	if err != nil {
		t.Fatalf("setMutation failed: %v", err)
	}
	if diff := cmp.Diff([]string{"stats.visits", "tags", "updated"}, transformFields(m.Transforms)); diff != "" {
		t.Errorf("transforms mismatch (-want +got):\n%s", diff)
	}
	if _, ok := m.Value.Field(model.MustFieldPath("updated")); ok {
		t.Error("transformed field was written as a value")
	}
	union := m.Transforms[1].Transform
	if union.Kind != mutation.ArrayUnion || len(union.Elements) != 2 {
		t.Errorf("tags transform = %+v", union)
	}
}

func TestMergeSetMasks(t *testing.T) {
	c := offlineClient()
	ref := c.Doc("rooms/a")
	data := map[string]any{
		"a":     1,
		"b":     map[string]any{"c": 2, "d": 3},
		"gone":  DeleteField,
		"empty": map[string]any{},
		"ts":    ServerTimestamp,
	}

	tests := []struct {
		name      string
		opt       SetOption
		wantMask  []string
		wantXform []string
		wantValue []string
	}{
		{
			name:      "merge all",
			opt:       Merge,
			wantMask:  []string{"a", "b.c", "b.d", "empty", "gone"},
			wantXform: []string{"ts"},
			wantValue: []string{"a", "b.c", "b.d", "empty"},
		},
		{
			name:      "merge fields",
			opt:       MergeFields("b.c", "gone", "ts"),
			wantMask:  []string{"b.c", "gone"},
			wantXform: []string{"ts"},
			wantValue: []string{"b.c"},
		},
		{
			name:      "merge parent field",
			opt:       MergeFields("b"),
			wantMask:  []string{"b"},
			wantValue: []string{"b.c", "b.d"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := c.setMutation(ref, data, []SetOption{tt.opt})
			if err != nil {
				t.Fatalf("setMutation failed: %v", err)
			}
			if m.Kind != mutation.Patch {
				t.Fatalf("Kind = %v, want Patch", m.Kind)
			}
			if diff := cmp.Diff(tt.wantMask, maskStrings(m.Mask)); diff != "" {
				t.Errorf("mask mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantXform, transformFields(m.Transforms)); diff != "" {
				t.Errorf("transforms mismatch (-want +got):\n%s", diff)
			}
			for _, p := range tt.wantValue {
				if _, ok := m.Value.Field(model.MustFieldPath(p)); !ok {
					t.Errorf("value lacks %s", p)
				}
			}
			if !m.Precondition.IsNone() {
				t.Errorf("precondition = %v, want none", m.Precondition)
			}
		})
	}
}

func TestUpdateMutation(t *testing.T) {
	c := offlineClient()
	ref := c.Doc("rooms/a")
	m, err := c.updateMutation(ref, []Update{
		{Path: "a.b", Value: DeleteField},
		{Path: "c", Value: map[string]any{"d": 1}},
		{FieldPath: []string{"e.f"}, Value: "dotted key"},
		{Path: "n", Value: Increment(2)},
	}, nil)
	if err != nil {
		t.Fatalf("updateMutation failed: %v", err)
	}
	if diff := cmp.Diff([]string{"a.b", "c", "`e.f`"}, maskStrings(m.Mask)); diff != "" {
		t.Errorf("mask mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"n"}, transformFields(m.Transforms)); diff != "" {
		t.Errorf("transforms mismatch (-want +got):\n%s", diff)
	}
	if exists, ok := m.Precondition.ExistsValue(); !ok || !exists {
		t.Errorf("precondition = %v, want exists", m.Precondition)
	}
	got, ok := m.Value.Field(model.NewFieldPath("e.f"))
	if !ok || got.StringValue() != "dotted key" {
		t.Errorf("e.f = %v", got)
	}
}

func TestUpdateMutationErrors(t *testing.T) {
	c := offlineClient()
	ref := c.Doc("rooms/a")
	tests := []struct {
		name    string
		updates []Update
		pre     []Precondition
		want    string
	}{
		{"no updates", nil, nil, "at least one field"},
		{"prefix conflict", []Update{{Path: "a", Value: 1}, {Path: "a.b", Value: 2}}, nil, "conflicts"},
		{"nested delete", []Update{{Path: "a", Value: map[string]any{"b": DeleteField}}}, nil, "top level"},
		{"no path", []Update{{Value: 1}}, nil, "needs a Path"},
		{"both paths", []Update{{Path: "a", FieldPath: []string{"a"}, Value: 1}}, nil, "only one"},
		{"two preconditions", []Update{{Path: "a", Value: 1}}, []Precondition{Exists(true), Exists(true)}, "at most one"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.updateMutation(ref, tt.updates, tt.pre)
			if err == nil {
				t.Fatal("updateMutation succeeded")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLastUpdateTimePrecondition(t *testing.T) {
	c := offlineClient()
	when := time.Date(2024, 1, 2, 3, 4, 5, 6000, time.UTC)
	m, err := c.updateMutation(c.Doc("rooms/a"), []Update{{Path: "a", Value: 1}}, []Precondition{LastUpdateTime(when)})
	if err != nil {
		t.Fatalf("updateMutation failed: %v", err)
	}
	v, ok := m.Precondition.UpdateTimeValue()
	if !ok || !v.Timestamp.Time().Equal(when) {
		t.Errorf("precondition = %v, want update time %v", m.Precondition, when)
	}
}

func TestValueReaderServerTimestamps(t *testing.T) {
	local := model.TimestampFromTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	previous := model.StringValue("before")
	v := model.ServerTimestampValue(local, &previous)

	tests := []struct {
		behavior ServerTimestampBehavior
		want     any
	}{
		{ServerTimestampNone, nil},
		{ServerTimestampEstimate, local.Time()},
		{ServerTimestampPrevious, "before"},
	}
	for _, tt := range tests {
		got := valueReader{behavior: tt.behavior}.value(v)
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("behavior %d mismatch (-want +got):\n%s", tt.behavior, diff)
		}
	}
}

func TestParseServerTimestampBehavior(t *testing.T) {
	for in, want := range map[string]ServerTimestampBehavior{
		"":         ServerTimestampNone,
		"none":     ServerTimestampNone,
		"estimate": ServerTimestampEstimate,
		"previous": ServerTimestampPrevious,
	} {
		got, err := ParseServerTimestampBehavior(in)
		if err != nil || got != want {
			t.Errorf("ParseServerTimestampBehavior(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseServerTimestampBehavior("latest"); err == nil {
		t.Error("ParseServerTimestampBehavior(latest) succeeded")
	}
}

func TestInvalidReferences(t *testing.T) {
	c := offlineClient()
	tests := []struct {
		name string
		err  error
	}{
		{"odd document path", c.Doc("rooms").Err()},
		{"even collection path", c.Collection("rooms/a").Err()},
		{"empty id", c.Collection("rooms").Doc("").Err()},
		{"group with slash", c.CollectionGroup("a/b").Err()},
		{"limit", c.Collection("rooms").Limit(0).Err()},
		{"bad operator", c.Collection("rooms").Where("a", "~", 1).Err()},
		{"too many cursor values", c.Collection("rooms").OrderBy("a", Asc).StartAt(1, 2).Err()},
		{"order after cursor", c.Collection("rooms").OrderBy("a", Asc).StartAt(1).OrderBy("b", Asc).Err()},
		{"key filter with path", c.Collection("rooms").Where(DocumentID, "==", "a/b").Err()},
		{"null comparison", c.Collection("rooms").Where("a", ">", nil).Err()},
	}
	for _, tt := range tests {
		if tt.err == nil {
			t.Errorf("%s: no error", tt.name)
		} else if status.CodeOf(tt.err) != status.InvalidArgument {
			t.Errorf("%s: code = %v, want InvalidArgument", tt.name, status.CodeOf(tt.err))
		}
	}
	if err := c.Collection("rooms").LimitToLast(2).validate(); err == nil {
		t.Error("LimitToLast without OrderBy validated")
	}
}

func TestDocumentIDFilterBuildsReference(t *testing.T) {
	c := offlineClient()
	q := c.Collection("rooms").Where(DocumentID, "in", []any{"a", "b"})
	if err := q.Err(); err != nil {
		t.Fatalf("Where failed: %v", err)
	}
	f := q.q.Filters[0].FlatFilters()[0]
	refs := f.Value.ArrayValues()
	if len(refs) != 2 || refs[0].ReferenceName() != model.MustDocumentKey("rooms/a").Name(testDB) {
		t.Errorf("operand = %v", f.Value)
	}
}

func TestCollectionRefs(t *testing.T) {
	c := offlineClient()
	sub := c.Doc("rooms/a").Collection("messages")
	if sub.Path() != "rooms/a/messages" || sub.ID() != "messages" {
		t.Errorf("subcollection = %s", sub.Path())
	}
	if got := sub.Parent().Path(); got != "rooms/a" {
		t.Errorf("Parent() = %s", got)
	}
	if c.Collection("rooms").Parent() != nil {
		t.Error("top-level collection has a parent")
	}
	a, b := sub.NewDoc(), sub.NewDoc()
	if a.Err() != nil || a.ID() == b.ID() {
		t.Errorf("NewDoc IDs %q and %q", a.ID(), b.ID())
	}
}
