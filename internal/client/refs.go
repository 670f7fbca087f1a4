package client

import (
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/status"
)

// DocumentID is the special field path that refers to a document's key
// in Where and OrderBy.
const DocumentID = model.DocumentKeyFieldName

// DocumentRef refers to a document that may or may not exist. A ref built
// from an invalid path carries the error and every operation returns it.
type DocumentRef struct {
	client *Client
	key    model.DocumentKey
	err    error
}

// Doc returns a reference to the document at a slash-separated path with
// an even number of segments.
func (c *Client) Doc(path string) *DocumentRef {
	p, err := model.ParseResourcePath(path)
	if err != nil {
		return &DocumentRef{client: c, err: status.Wrap(status.InvalidArgument, err)}
	}
	key, err := model.NewDocumentKey(p)
	if err != nil {
		return &DocumentRef{client: c, err: status.Errorf(status.InvalidArgument,
			"invalid document reference %q: document paths need an even number of segments", path)}
	}
	return c.docRef(key)
}

func (c *Client) docRef(key model.DocumentKey) *DocumentRef {
	return &DocumentRef{client: c, key: key}
}

// ID is the last path segment.
func (r *DocumentRef) ID() string { return r.key.ID() }

// Path is the slash-separated path from the database root.
func (r *DocumentRef) Path() string { return r.key.String() }

// Err reports whether the reference was built from an invalid path.
func (r *DocumentRef) Err() error { return r.err }

// Parent returns the collection containing the document.
func (r *DocumentRef) Parent() *CollectionRef {
	return r.client.collectionRef(r.key.CollectionPath())
}

// Collection returns a subcollection of the document.
func (r *DocumentRef) Collection(id string) *CollectionRef {
	if r.err != nil {
		return &CollectionRef{Query: Query{client: r.client, err: r.err}}
	}
	return r.client.Collection(r.key.String() + "/" + id)
}

func (r *DocumentRef) String() string { return "DocumentRef(" + r.key.String() + ")" }

// Equal reports whether r and other name the same document of the same
// client.
func (r *DocumentRef) Equal(other *DocumentRef) bool {
	return other != nil && r.client == other.client && r.key == other.key
}

// CollectionRef refers to a collection. It is also a query for all of the
// collection's documents.
type CollectionRef struct {
	Query
	path model.ResourcePath
}

// Collection returns a reference to the collection at a slash-separated
// path with an odd number of segments.
func (c *Client) Collection(path string) *CollectionRef {
	p, err := model.ParseResourcePath(path)
	if err == nil && p.Len()%2 == 0 {
		err = fmt.Errorf("invalid collection reference %q: collection paths need an odd number of segments", path)
	}
	if err != nil {
		return &CollectionRef{Query: Query{client: c, err: status.Wrap(status.InvalidArgument, err)}}
	}
	return c.collectionRef(p)
}

func (c *Client) collectionRef(p model.ResourcePath) *CollectionRef {
	return &CollectionRef{Query: Query{client: c, q: query.NewQuery(p)}, path: p}
}

// CollectionGroup queries every collection named id, at any depth.
func (c *Client) CollectionGroup(id string) *Query {
	if id == "" || strings.Contains(id, "/") {
		return &Query{client: c, err: status.Errorf(status.InvalidArgument,
			"invalid collection ID %q passed to CollectionGroup()", id)}
	}
	return &Query{client: c, q: query.NewCollectionGroupQuery(id)}
}

// ID is the last path segment.
func (r *CollectionRef) ID() string {
	if r.path.IsEmpty() {
		return ""
	}
	return r.path.LastSegment()
}

// Path is the slash-separated path from the database root.
func (r *CollectionRef) Path() string { return r.path.String() }

// Parent returns the document containing a subcollection, or nil for a
// top-level collection.
func (r *CollectionRef) Parent() *DocumentRef {
	if r.path.Len() < 2 {
		return nil
	}
	key, err := model.NewDocumentKey(r.path.PopLast())
	if err != nil {
		return nil
	}
	return r.client.docRef(key)
}

// Doc returns a reference to the document id in the collection.
func (r *CollectionRef) Doc(id string) *DocumentRef {
	if r.err != nil {
		return &DocumentRef{client: r.client, err: r.err}
	}
	if id == "" {
		return &DocumentRef{client: r.client, err: status.New(status.InvalidArgument, "document ID must not be empty")}
	}
	return r.client.Doc(r.path.String() + "/" + id)
}

// NewDoc returns a reference to a document with a new unique ID. IDs made
// by one client sort in creation order.
func (r *CollectionRef) NewDoc() *DocumentRef {
	return r.Doc(ulid.Make().String())
}

// Query selects documents. Queries are immutable: every method returns a
// new query. An invalid step is kept and returned by Get or Listen.
type Query struct {
	client *Client
	q      query.Query
	err    error
}

// Err reports the first invalid step in building q.
func (q *Query) Err() error { return q.err }

func (q *Query) with(fn func(query.Query) (query.Query, error)) *Query {
	if q.err != nil {
		return q
	}
	next, err := fn(q.q)
	if err != nil {
		return &Query{client: q.client, q: q.q, err: err}
	}
	return &Query{client: q.client, q: next}
}

// Where adds a field filter. op is one of <, <=, ==, !=, >=, >,
// array-contains, array-contains-any, in and not-in. path is a dotted
// field path or DocumentID.
func (q *Query) Where(path, op string, value any) *Query {
	return q.WhereFilter(PropertyFilter{Path: path, Operator: op, Value: value})
}

// Filter is a PropertyFilter, an AndFilter or an OrFilter.
type Filter interface {
	build(q *Query) (query.Filter, error)
}

// PropertyFilter compares one field.
type PropertyFilter struct {
	Path     string
	Operator string
	Value    any
}

// AndFilter matches documents that match all of its filters.
type AndFilter struct{ Filters []Filter }

// OrFilter matches documents that match any of its filters.
type OrFilter struct{ Filters []Filter }

// WhereFilter adds a filter, possibly a composite one.
func (q *Query) WhereFilter(f Filter) *Query {
	return q.with(func(base query.Query) (query.Query, error) {
		built, err := f.build(q)
		if err != nil {
			return base, err
		}
		if c, ok := built.(*query.CompositeFilter); ok && len(c.Filters) == 0 {
			return base, nil
		}
		return base.WithFilter(built), nil
	})
}

func (f PropertyFilter) build(q *Query) (query.Filter, error) {
	field, err := parseFieldPath("Where", f.Path)
	if err != nil {
		return nil, err
	}
	op, err := query.ParseOperator(f.Operator)
	if err != nil {
		return nil, err
	}
	var value model.Value
	if field.IsKeyField() {
		value, err = q.keyOperand(op, f.Value)
	} else {
		value, err = parseQueryValue(q.client.db, "Where", f.Value)
	}
	if err != nil {
		return nil, err
	}
	return query.NewFieldFilter(field, op, value)
}

func (f AndFilter) build(q *Query) (query.Filter, error) {
	return buildComposite(q, query.And, f.Filters)
}

func (f OrFilter) build(q *Query) (query.Filter, error) {
	return buildComposite(q, query.Or, f.Filters)
}

func buildComposite(q *Query, op query.CompositeOp, filters []Filter) (query.Filter, error) {
	out := &query.CompositeFilter{Op: op}
	for _, f := range filters {
		built, err := f.build(q)
		if err != nil {
			return nil, err
		}
		if c, ok := built.(*query.CompositeFilter); ok && len(c.Filters) == 0 {
			continue
		}
		out.Filters = append(out.Filters, built)
	}
	if len(out.Filters) == 1 {
		return out.Filters[0], nil
	}
	return out, nil
}

// keyOperand converts a DocumentID operand. Strings are document IDs in
// the queried collection, or full paths for collection group queries.
func (q *Query) keyOperand(op query.Operator, v any) (model.Value, error) {
	switch op {
	case query.In, query.NotIn:
		elems, ok := v.([]any)
		if !ok {
			return parseQueryValue(q.client.db, "Where", v)
		}
		out := make([]model.Value, len(elems))
		for i, e := range elems {
			ref, err := q.keyReference(e)
			if err != nil {
				return model.Value{}, err
			}
			out[i] = ref
		}
		return model.ArrayValue(out...), nil
	}
	return q.keyReference(v)
}

func (q *Query) keyReference(v any) (model.Value, error) {
	id, ok := v.(string)
	if !ok {
		return parseQueryValue(q.client.db, "Where", v)
	}
	if id == "" {
		return model.Value{}, status.New(status.InvalidArgument,
			"invalid query: a document ID must be a non-empty string")
	}
	var path model.ResourcePath
	if q.q.IsCollectionGroupQuery() {
		p, err := model.ParseResourcePath(id)
		if err != nil {
			return model.Value{}, status.Wrap(status.InvalidArgument, err)
		}
		path = p
	} else {
		if strings.Contains(id, "/") {
			return model.Value{}, status.Errorf(status.InvalidArgument,
				"invalid query: %q is a path, but DocumentID filters on a collection require a plain document ID", id)
		}
		path = q.q.Path.Child(id)
	}
	key, err := model.NewDocumentKey(path)
	if err != nil {
		return model.Value{}, status.Errorf(status.InvalidArgument,
			"invalid query: %q does not name a document", id)
	}
	return model.ReferenceValue(q.client.db, key), nil
}

// Direction orders query results.
type Direction = query.Direction

const (
	Asc  = query.Ascending
	Desc = query.Descending
)

// OrderBy sorts results by path, a dotted field path or DocumentID.
// Documents without the field are left out.
func (q *Query) OrderBy(path string, dir Direction) *Query {
	return q.with(func(base query.Query) (query.Query, error) {
		if base.StartAt != nil || base.EndAt != nil {
			return base, status.New(status.InvalidArgument,
				"invalid query: OrderBy() must be called before StartAt(), StartAfter(), EndAt() or EndBefore()")
		}
		field, err := parseFieldPath("OrderBy", path)
		if err != nil {
			return base, err
		}
		if dir != Asc && dir != Desc {
			return base, status.Errorf(status.InvalidArgument, "invalid direction %q", dir)
		}
		return base.WithOrderBy(query.OrderBy{Field: field, Direction: dir}), nil
	})
}

// Limit keeps the first n results.
func (q *Query) Limit(n int) *Query {
	return q.limit(n, query.LimitFirst, "Limit")
}

// LimitToLast keeps the last n results. The query must have an OrderBy.
func (q *Query) LimitToLast(n int) *Query {
	return q.limit(n, query.LimitLast, "LimitToLast")
}

func (q *Query) limit(n int, t query.LimitType, method string) *Query {
	return q.with(func(base query.Query) (query.Query, error) {
		if n <= 0 {
			return base, status.Errorf(status.InvalidArgument,
				"invalid query: %s() requires a positive number, got %d", method, n)
		}
		return base.WithLimit(n, t), nil
	})
}

// StartAt starts results at a position, given as one value per OrderBy
// field or as a single *DocumentSnapshot.
func (q *Query) StartAt(values ...any) *Query {
	return q.cursor("StartAt", true, true, values)
}

// StartAfter starts results right after a position.
func (q *Query) StartAfter(values ...any) *Query {
	return q.cursor("StartAfter", true, false, values)
}

// EndAt ends results at a position.
func (q *Query) EndAt(values ...any) *Query {
	return q.cursor("EndAt", false, true, values)
}

// EndBefore ends results right before a position.
func (q *Query) EndBefore(values ...any) *Query {
	return q.cursor("EndBefore", false, false, values)
}

func (q *Query) cursor(method string, start, inclusive bool, values []any) *Query {
	return q.with(func(base query.Query) (query.Query, error) {
		var (
			position []model.Value
			err      error
		)
		if len(values) == 1 {
			if snap, ok := values[0].(*DocumentSnapshot); ok {
				position, err = q.positionFromSnapshot(method, snap)
			} else {
				position, err = q.positionFromValues(method, values)
			}
		} else {
			position, err = q.positionFromValues(method, values)
		}
		if err != nil {
			return base, err
		}
		b := &query.Bound{Position: position, Inclusive: inclusive}
		if start {
			return base.WithStartAt(b), nil
		}
		return base.WithEndAt(b), nil
	})
}

func (q *Query) positionFromSnapshot(method string, snap *DocumentSnapshot) ([]model.Value, error) {
	if !snap.Exists() {
		return nil, status.Errorf(status.InvalidArgument,
			"invalid query: %s() called with a document that does not exist", method)
	}
	var position []model.Value
	for _, o := range q.q.NormalizedOrderBy() {
		if o.Field.IsKeyField() {
			position = append(position, model.ReferenceValue(q.client.db, snap.doc.Key))
			continue
		}
		v, ok := snap.doc.Field(o.Field)
		if !ok {
			return nil, status.Errorf(status.InvalidArgument,
				"invalid query: %s() called with a document whose %s field is missing", method, o.Field)
		}
		if model.IsServerTimestamp(v) {
			return nil, status.Errorf(status.InvalidArgument,
				"invalid query: %s() called with a document whose %s field is a pending server timestamp", method, o.Field)
		}
		position = append(position, v)
	}
	return position, nil
}

func (q *Query) positionFromValues(method string, values []any) ([]model.Value, error) {
	orderBy := q.q.ExplicitOrderBy
	if len(values) == 0 || len(values) > len(orderBy) {
		return nil, status.Errorf(status.InvalidArgument,
			"invalid query: %s() needs one value per OrderBy() field, got %d values for %d fields",
			method, len(values), len(orderBy))
	}
	position := make([]model.Value, len(values))
	for i, v := range values {
		var (
			value model.Value
			err   error
		)
		if orderBy[i].Field.IsKeyField() {
			value, err = q.keyReference(v)
		} else {
			value, err = parseQueryValue(q.client.db, method, v)
		}
		if err != nil {
			return nil, err
		}
		position[i] = value
	}
	return position, nil
}

// validate rejects queries that cannot run.
func (q *Query) validate() error {
	if q.err != nil {
		return q.err
	}
	if q.client == nil {
		return status.New(status.InvalidArgument, "query has no client")
	}
	if q.q.Limit != query.NoLimit && q.q.LimitType == query.LimitLast && len(q.q.ExplicitOrderBy) == 0 {
		return status.New(status.InvalidArgument,
			"invalid query: LimitToLast() queries require at least one OrderBy() clause")
	}
	return nil
}

func (q *Query) String() string { return q.q.String() }

func parseFieldPath(method, path string) (model.FieldPath, error) {
	if path == DocumentID {
		return model.KeyFieldPath(), nil
	}
	fp, err := model.ParseFieldPath(path)
	if err != nil {
		return model.FieldPath{}, status.Errorf(status.InvalidArgument, "%s(): %v", method, err)
	}
	return fp, nil
}
