package model

import (
	"math"
	"testing"

	json "github.com/goccy/go-json"
)

func TestCompareTypeOrder(t *testing.T) {
	db := NewDatabaseID("p", "")
	// Each group holds values that compare equal; groups are listed in
	// ascending order.
	groups := [][]Value{
		{NullValue},
		{BooleanValue(false)},
		{BooleanValue(true)},
		{DoubleValue(math.NaN())},
		{DoubleValue(math.Inf(-1))},
		{IntegerValue(math.MinInt64)},
		{DoubleValue(-1.5)},
		{IntegerValue(-1), DoubleValue(-1.0)},
		{IntegerValue(0), DoubleValue(0), DoubleValue(math.Copysign(0, -1))},
		{DoubleValue(0.5)},
		{IntegerValue(1), DoubleValue(1.0)},
		{IntegerValue(math.MaxInt64)},
		{DoubleValue(math.Inf(1))},
		{TimestampValue(Timestamp{Seconds: 1})},
		{TimestampValue(Timestamp{Seconds: 1, Nanos: 1})},
		{ServerTimestampValue(Timestamp{Seconds: 1}, nil)},
		{ServerTimestampValue(Timestamp{Seconds: 2}, nil)},
		{StringValue("")},
		{StringValue("a")},
		{StringValue("b")},
		{StringValue("é")},
		{BytesValue([]byte{0})},
		{BytesValue([]byte{1})},
		{ReferenceValue(db, MustDocumentKey("c/a"))},
		{ReferenceValue(db, MustDocumentKey("c/b"))},
		{GeoPointValue(-90, 0)},
		{GeoPointValue(0, 0)},
		{ArrayValue()},
		{ArrayValue(IntegerValue(1))},
		{ArrayValue(IntegerValue(1), IntegerValue(2))},
		{ArrayValue(IntegerValue(2))},
		{VectorValue(100)},
		{VectorValue(1, 2)},
		{MapValue(nil)},
		{MapValue(map[string]Value{"a": IntegerValue(1)})},
		{MapValue(map[string]Value{"a": IntegerValue(2)})},
		{MapValue(map[string]Value{"b": IntegerValue(0)})},
		{MaxValue},
	}
	for i, gi := range groups {
		for j, gj := range groups {
			want := 0
			switch {
			case i < j:
				want = -1
			case i > j:
				want = 1
			}
			for _, a := range gi {
				for _, b := range gj {
					if got := Compare(a, b); got != want {
						t.Errorf("Compare(%s, %s) = %d, want %d", CanonicalID(a), CanonicalID(b), got, want)
					}
				}
			}
		}
	}
}

func TestEqualNumbers(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"int int", IntegerValue(1), IntegerValue(1), true},
		{"int double", IntegerValue(1), DoubleValue(1), false},
		{"nan nan", DoubleValue(math.NaN()), DoubleValue(math.NaN()), true},
		{"zero negative zero", DoubleValue(0), DoubleValue(math.Copysign(0, -1)), false},
		{"double double", DoubleValue(2.5), DoubleValue(2.5), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Equal(tt.a, tt.b); got != tt.want {
				t.Errorf("Equal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValueJSON(t *testing.T) {
	in := MapValue(map[string]Value{
		"n":   NullValue,
		"i":   IntegerValue(math.MaxInt64),
		"d":   DoubleValue(math.NaN()),
		"s":   StringValue("hi"),
		"ts":  TimestampValue(Timestamp{Seconds: 1700000000, Nanos: 123456789}),
		"b":   BytesValue([]byte("xyz")),
		"geo": GeoPointValue(1.5, -2),
		"arr": ArrayValue(BooleanValue(true), DoubleValue(math.Inf(-1))),
		"ref": ReferenceValue(NewDatabaseID("p", ""), MustDocumentKey("a/b")),
	})
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	var out Value
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if !Equal(in, out) {
		t.Errorf("decoded value differs:\n got %s\nwant %s", CanonicalID(out), CanonicalID(in))
	}
}

func TestServerTimestampPreviousValue(t *testing.T) {
	prev := IntegerValue(7)
	first := ServerTimestampValue(Timestamp{Seconds: 1}, &prev)
	second := ServerTimestampValue(Timestamp{Seconds: 2}, &first)

	got, ok := ServerTimestampPreviousValue(second)
	if !ok || !Equal(got, prev) {
		t.Errorf("ServerTimestampPreviousValue() = %s, %v; want 7", CanonicalID(got), ok)
	}
	if TypeOrder(second) != TypeOrderServerTimestamp {
		t.Errorf("TypeOrder() = %d, want server timestamp", TypeOrder(second))
	}
}
