// Package query describes what a listener asks for (Query) and what the
// backend is asked to watch (Target), and evaluates both against documents
// locally.
package query

import (
	"sort"
	"strconv"
	"strings"

	"github.com/steveyegge/docsync/internal/model"
)

// Direction orders results.
type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// OrderBy orders results by one field.
type OrderBy struct {
	Field     model.FieldPath
	Direction Direction
}

func (o OrderBy) compare(a, b *model.MutableDocument) int {
	var c int
	if o.Field.IsKeyField() {
		c = a.Key.Compare(b.Key)
	} else {
		av, aok := a.Field(o.Field)
		bv, bok := b.Field(o.Field)
		if !aok || !bok {
			// Documents missing an ordered field never match a query.
			c = boolCompare(aok, bok)
		} else {
			c = model.Compare(av, bv)
		}
	}
	if o.Direction == Descending {
		return -c
	}
	return c
}

func boolCompare(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	}
	return 1
}

func (o OrderBy) CanonicalID() string {
	return o.Field.CanonicalString() + string(o.Direction)
}

// Bound is a cursor position on the ordered fields. Inclusive bounds
// include documents exactly at the position.
type Bound struct {
	Position  []model.Value
	Inclusive bool
}

func (b *Bound) canonicalID() string {
	var sb strings.Builder
	if b.Inclusive {
		sb.WriteString("b:")
	} else {
		sb.WriteString("a:")
	}
	for i, v := range b.Position {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(model.CanonicalID(v))
	}
	return sb.String()
}

// compareToDocument compares the bound position with a document along
// orderBy.
func (b *Bound) compareToDocument(orderBy []OrderBy, doc *model.MutableDocument) int {
	c := 0
	for i, pos := range b.Position {
		if i >= len(orderBy) {
			break
		}
		o := orderBy[i]
		if o.Field.IsKeyField() {
			key, err := model.DocumentKeyFromName(pos.ReferenceName())
			if err != nil {
				c = -1
			} else {
				c = key.Compare(doc.Key)
			}
		} else {
			dv, ok := doc.Field(o.Field)
			if !ok {
				c = 1
			} else {
				c = model.Compare(pos, dv)
			}
		}
		if o.Direction == Descending {
			c = -c
		}
		if c != 0 {
			break
		}
	}
	return c
}

// sortsBeforeDocument reports whether a start bound admits doc.
func (b *Bound) sortsBeforeDocument(orderBy []OrderBy, doc *model.MutableDocument) bool {
	c := b.compareToDocument(orderBy, doc)
	if b.Inclusive {
		return c <= 0
	}
	return c < 0
}

// sortsAfterDocument reports whether an end bound admits doc.
func (b *Bound) sortsAfterDocument(orderBy []OrderBy, doc *model.MutableDocument) bool {
	c := b.compareToDocument(orderBy, doc)
	if b.Inclusive {
		return c >= 0
	}
	return c > 0
}

// LimitType says which end of the ordered results a limit keeps.
type LimitType int

const (
	LimitFirst LimitType = iota
	LimitLast
)

// NoLimit marks an unlimited query.
const NoLimit = -1

// Query is a listener's request: a collection (or document, or collection
// group) with filters, ordering, cursors and a limit.
type Query struct {
	Path            model.ResourcePath
	CollectionGroup string
	Filters         []Filter
	ExplicitOrderBy []OrderBy
	Limit           int
	LimitType       LimitType
	StartAt         *Bound
	EndAt           *Bound
}

// NewQuery returns an unfiltered query at path. A path with an even number
// of segments addresses a single document.
func NewQuery(path model.ResourcePath) Query {
	return Query{Path: path, Limit: NoLimit}
}

// NewCollectionGroupQuery queries every collection named id.
func NewCollectionGroupQuery(id string) Query {
	return Query{Path: model.EmptyPath, CollectionGroup: id, Limit: NoLimit}
}

// NewDocumentQuery returns a query for exactly one document.
func NewDocumentQuery(key model.DocumentKey) Query {
	return NewQuery(key.Path())
}

func (q Query) IsDocumentQuery() bool {
	return q.CollectionGroup == "" && q.Path.Len()%2 == 0 && q.Path.Len() > 0 && len(q.Filters) == 0
}

func (q Query) IsCollectionGroupQuery() bool { return q.CollectionGroup != "" }

func (q Query) HasLimit() bool { return q.Limit != NoLimit }

// WithFilter returns a copy with f added.
func (q Query) WithFilter(f Filter) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), f)
	return q
}

// WithOrderBy returns a copy with o added.
func (q Query) WithOrderBy(o OrderBy) Query {
	q.ExplicitOrderBy = append(append([]OrderBy(nil), q.ExplicitOrderBy...), o)
	return q
}

// WithLimit returns a copy limited to n results from the given end.
func (q Query) WithLimit(n int, t LimitType) Query {
	q.Limit, q.LimitType = n, t
	return q
}

// WithStartAt returns a copy with a start cursor.
func (q Query) WithStartAt(b *Bound) Query {
	q.StartAt = b
	return q
}

// WithEndAt returns a copy with an end cursor.
func (q Query) WithEndAt(b *Bound) Query {
	q.EndAt = b
	return q
}

// AsCollectionQueryAtPath rewrites a collection-group query to one
// collection.
func (q Query) AsCollectionQueryAtPath(path model.ResourcePath) Query {
	q.Path = path
	q.CollectionGroup = ""
	return q
}

// InequalityFields returns the fields used with inequality operators,
// sorted.
func (q Query) InequalityFields() []model.FieldPath {
	seen := make(map[string]bool)
	var out []model.FieldPath
	for _, f := range q.Filters {
		for _, ff := range f.FlatFilters() {
			if ff.Op.IsInequality() && !seen[ff.Field.CanonicalString()] {
				seen[ff.Field.CanonicalString()] = true
				out = append(out, ff.Field)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// NormalizedOrderBy returns the explicit ordering followed by any
// inequality fields not already ordered and finally the document key, in
// the direction of the last explicit ordering.
func (q Query) NormalizedOrderBy() []OrderBy {
	out := append([]OrderBy(nil), q.ExplicitOrderBy...)
	ordered := make(map[string]bool)
	for _, o := range out {
		ordered[o.Field.CanonicalString()] = true
	}
	last := Ascending
	if len(out) > 0 {
		last = out[len(out)-1].Direction
	}
	for _, f := range q.InequalityFields() {
		if !ordered[f.CanonicalString()] && !f.IsKeyField() {
			out = append(out, OrderBy{Field: f, Direction: last})
			ordered[f.CanonicalString()] = true
		}
	}
	if !ordered[model.DocumentKeyFieldName] {
		out = append(out, OrderBy{Field: model.KeyFieldPath(), Direction: last})
	}
	return out
}

// Comparator orders documents by the normalized ordering.
func (q Query) Comparator() model.DocumentComparator {
	orderBy := q.NormalizedOrderBy()
	return func(a, b *model.MutableDocument) int {
		for _, o := range orderBy {
			if c := o.compare(a, b); c != 0 {
				return c
			}
		}
		return 0
	}
}

// Matches reports whether doc is in the query's result set, ignoring the
// limit.
func (q Query) Matches(doc *model.MutableDocument) bool {
	return doc.IsFoundDocument() &&
		q.matchesPath(doc) &&
		q.matchesOrderBy(doc) &&
		q.matchesFilters(doc) &&
		q.matchesBounds(doc)
}

func (q Query) matchesPath(doc *model.MutableDocument) bool {
	docPath := doc.Key.Path()
	if q.CollectionGroup != "" {
		return doc.Key.HasCollectionID(q.CollectionGroup) && q.Path.IsPrefixOf(docPath)
	}
	if q.Path.Len()%2 == 0 {
		return q.Path.Equal(docPath)
	}
	return q.Path.IsImmediateParentOf(docPath)
}

func (q Query) matchesOrderBy(doc *model.MutableDocument) bool {
	for _, o := range q.NormalizedOrderBy() {
		if o.Field.IsKeyField() {
			continue
		}
		if _, ok := doc.Field(o.Field); !ok {
			return false
		}
	}
	return true
}

func (q Query) matchesFilters(doc *model.MutableDocument) bool {
	for _, f := range q.Filters {
		if !f.Matches(doc) {
			return false
		}
	}
	return true
}

func (q Query) matchesBounds(doc *model.MutableDocument) bool {
	orderBy := q.NormalizedOrderBy()
	if q.StartAt != nil && !q.StartAt.sortsBeforeDocument(orderBy, doc) {
		return false
	}
	if q.EndAt != nil && !q.EndAt.sortsAfterDocument(orderBy, doc) {
		return false
	}
	return true
}

// MatchesAllDocuments reports whether the query returns its whole
// collection, in which case a full scan is as cheap as any index.
func (q Query) MatchesAllDocuments() bool {
	if len(q.Filters) > 0 || q.HasLimit() || q.StartAt != nil || q.EndAt != nil {
		return false
	}
	if len(q.ExplicitOrderBy) == 0 {
		return true
	}
	return len(q.ExplicitOrderBy) == 1 && q.ExplicitOrderBy[0].Field.IsKeyField()
}

// CanonicalID identifies equivalent queries.
func (q Query) CanonicalID() string {
	id := q.ToTarget().CanonicalID()
	if q.HasLimit() && q.LimitType == LimitLast {
		id += "|lt:l"
	}
	return id
}

// ToTarget converts the query into what the backend watches. Limit-to-last
// queries are sent with the ordering reversed and the cursors swapped.
func (q Query) ToTarget() Target {
	orderBy := q.NormalizedOrderBy()
	t := Target{
		Path:            q.Path,
		CollectionGroup: q.CollectionGroup,
		Filters:         q.Filters,
		OrderBy:         orderBy,
		Limit:           q.Limit,
		StartAt:         q.StartAt,
		EndAt:           q.EndAt,
	}
	if q.LimitType == LimitLast && q.HasLimit() {
		flipped := make([]OrderBy, len(orderBy))
		for i, o := range orderBy {
			dir := Descending
			if o.Direction == Descending {
				dir = Ascending
			}
			flipped[i] = OrderBy{Field: o.Field, Direction: dir}
		}
		t.OrderBy = flipped
		t.StartAt = flipBound(q.EndAt)
		t.EndAt = flipBound(q.StartAt)
	}
	return t
}

func flipBound(b *Bound) *Bound {
	if b == nil {
		return nil
	}
	return &Bound{Position: b.Position, Inclusive: b.Inclusive}
}

func (q Query) String() string { return "Query(" + q.CanonicalID() + ")" }

// Target is the backend's unit of watching.
type Target struct {
	Path            model.ResourcePath
	CollectionGroup string
	Filters         []Filter
	OrderBy         []OrderBy
	Limit           int
	StartAt         *Bound
	EndAt           *Bound
}

// NewDocumentTarget watches a single document.
func NewDocumentTarget(key model.DocumentKey) Target {
	return NewDocumentQuery(key).ToTarget()
}

// IsDocumentTarget reports whether the target addresses one document.
func (t Target) IsDocumentTarget() bool {
	return t.CollectionGroup == "" && t.Path.Len()%2 == 0 && t.Path.Len() > 0 && len(t.Filters) == 0
}

// DocumentKey returns the key of a document target.
func (t Target) DocumentKey() model.DocumentKey {
	k, _ := model.NewDocumentKey(t.Path)
	return k
}

func (t Target) HasLimit() bool { return t.Limit != NoLimit }

// CanonicalID identifies equivalent targets.
func (t Target) CanonicalID() string {
	var sb strings.Builder
	sb.WriteString(t.Path.String())
	if t.CollectionGroup != "" {
		sb.WriteString("|cg:" + t.CollectionGroup)
	}
	sb.WriteString("|f:")
	for _, f := range t.Filters {
		sb.WriteString(f.CanonicalID())
	}
	sb.WriteString("|ob:")
	for _, o := range t.OrderBy {
		sb.WriteString(o.CanonicalID())
	}
	if t.HasLimit() {
		sb.WriteString("|l:" + strconv.Itoa(t.Limit))
	}
	if t.StartAt != nil {
		sb.WriteString("|lb:" + t.StartAt.canonicalID())
	}
	if t.EndAt != nil {
		sb.WriteString("|ub:" + t.EndAt.canonicalID())
	}
	return sb.String()
}

// Query rebuilds a limit-first query equivalent to the target. Limit-to-
// last information is not recoverable from a target.
func (t Target) Query() Query {
	q := Query{
		Path:            t.Path,
		CollectionGroup: t.CollectionGroup,
		Filters:         t.Filters,
		ExplicitOrderBy: t.OrderBy,
		Limit:           t.Limit,
		StartAt:         t.StartAt,
		EndAt:           t.EndAt,
	}
	return q
}

// EqualityFilters returns the top-level field filters that pin values,
// used to pick single-field indexes.
func (t Target) EqualityFilters() []*FieldFilter {
	var out []*FieldFilter
	for _, f := range t.Filters {
		if !IsConjunction(f) {
			return nil
		}
		for _, ff := range f.FlatFilters() {
			switch ff.Op {
			case Equal, In, ArrayContains, IsNull, IsNaN:
				if !ff.Field.IsKeyField() {
					out = append(out, ff)
				}
			}
		}
	}
	return out
}
