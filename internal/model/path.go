package model

import (
	"strconv"
	"strings"

	"github.com/steveyegge/docsync/internal/status"
)

// DocumentKeyFieldName is the reserved field path that addresses a
// document's key in filters and orderings.
const DocumentKeyFieldName = "__name__"

// DatabaseID identifies a project's database.
type DatabaseID struct {
	ProjectID string
	Database  string
}

// DefaultDatabase is the database name used when none is configured.
const DefaultDatabase = "(default)"

// NewDatabaseID returns a DatabaseID, defaulting the database name.
func NewDatabaseID(project, database string) DatabaseID {
	if database == "" {
		database = DefaultDatabase
	}
	return DatabaseID{ProjectID: project, Database: database}
}

// Name returns "projects/<p>/databases/<d>".
func (d DatabaseID) Name() string {
	return "projects/" + d.ProjectID + "/databases/" + d.Database
}

// DocumentsRoot returns the resource name prefix for documents.
func (d DatabaseID) DocumentsRoot() string {
	return d.Name() + "/documents"
}

// ResourcePath is an immutable slash-separated path such as "rooms/eros".
type ResourcePath struct {
	segments []string
}

// EmptyPath is the root resource path.
var EmptyPath = ResourcePath{}

// NewResourcePath builds a path from segments.
func NewResourcePath(segments ...string) ResourcePath {
	return ResourcePath{segments: append([]string(nil), segments...)}
}

// ParseResourcePath splits a slash-separated string. Empty segments are
// ignored, so leading and trailing slashes are tolerated.
func ParseResourcePath(p string) (ResourcePath, error) {
	if strings.Contains(p, "//") {
		return ResourcePath{}, status.Errorf(status.InvalidArgument,
			"invalid path %q: paths must not contain //", p)
	}
	var segs []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return ResourcePath{segments: segs}, nil
}

// MustParseResourcePath is ParseResourcePath for constant paths.
func MustParseResourcePath(p string) ResourcePath {
	rp, err := ParseResourcePath(p)
	if err != nil {
		panic(err)
	}
	return rp
}

func (p ResourcePath) Len() int                { return len(p.segments) }
func (p ResourcePath) IsEmpty() bool           { return len(p.segments) == 0 }
func (p ResourcePath) Segment(i int) string    { return p.segments[i] }
func (p ResourcePath) Segments() []string      { return append([]string(nil), p.segments...) }
func (p ResourcePath) String() string          { return strings.Join(p.segments, "/") }
func (p ResourcePath) CanonicalString() string { return p.String() }

// LastSegment returns the final segment or "" for the empty path.
func (p ResourcePath) LastSegment() string {
	if len(p.segments) == 0 {
		return ""
	}
	return p.segments[len(p.segments)-1]
}

// Child returns a new path with segs appended.
func (p ResourcePath) Child(segs ...string) ResourcePath {
	out := make([]string, 0, len(p.segments)+len(segs))
	out = append(out, p.segments...)
	out = append(out, segs...)
	return ResourcePath{segments: out}
}

// Append returns p followed by every segment of other.
func (p ResourcePath) Append(other ResourcePath) ResourcePath {
	return p.Child(other.segments...)
}

// PopLast drops the last segment.
func (p ResourcePath) PopLast() ResourcePath {
	if len(p.segments) == 0 {
		return p
	}
	return ResourcePath{segments: p.segments[: len(p.segments)-1 : len(p.segments)-1]}
}

// PopFirst drops the first n segments.
func (p ResourcePath) PopFirst(n int) ResourcePath {
	return ResourcePath{segments: p.segments[n:len(p.segments):len(p.segments)]}
}

// IsPrefixOf reports whether every segment of p leads other.
func (p ResourcePath) IsPrefixOf(other ResourcePath) bool {
	if len(p.segments) > len(other.segments) {
		return false
	}
	for i, s := range p.segments {
		if other.segments[i] != s {
			return false
		}
	}
	return true
}

// IsImmediateParentOf reports whether other is exactly one segment below p.
func (p ResourcePath) IsImmediateParentOf(other ResourcePath) bool {
	return len(p.segments)+1 == len(other.segments) && p.IsPrefixOf(other)
}

func (p ResourcePath) Equal(other ResourcePath) bool {
	return comparePathSegments(p.segments, other.segments) == 0
}

// Compare orders paths segment by segment.
func (p ResourcePath) Compare(other ResourcePath) int {
	return comparePathSegments(p.segments, other.segments)
}

func comparePathSegments(a, b []string) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if c := CompareSegments(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// CompareSegments compares two path segments. Segments of the form
// __id<N>__ sort before all other segments and compare numerically among
// themselves, ties broken by code point; all other segments compare by
// code point.
func CompareSegments(a, b string) int {
	if a == "" || b == "" {
		return strings.Compare(a, b)
	}
	an, aNumeric := numericID(a)
	bn, bNumeric := numericID(b)
	switch {
	case aNumeric && !bNumeric:
		return -1
	case !aNumeric && bNumeric:
		return 1
	case aNumeric && bNumeric:
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		}
	}
	return strings.Compare(a, b)
}

func numericID(seg string) (int64, bool) {
	if len(seg) < 6 || !strings.HasPrefix(seg, "__id") || !strings.HasSuffix(seg, "__") {
		return 0, false
	}
	n, err := strconv.ParseInt(seg[4:len(seg)-2], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// DocumentKey identifies a document. Its path always has an even number of
// segments. The zero value is not a valid key.
type DocumentKey struct {
	path string
}

// NewDocumentKey validates p as a document path.
func NewDocumentKey(p ResourcePath) (DocumentKey, error) {
	if p.Len() == 0 || p.Len()%2 != 0 {
		return DocumentKey{}, status.Errorf(status.InvalidArgument,
			"invalid document path %q: document paths need an even number of segments", p.String())
	}
	return DocumentKey{path: p.String()}, nil
}

// ParseDocumentKey parses a slash-separated document path.
func ParseDocumentKey(p string) (DocumentKey, error) {
	rp, err := ParseResourcePath(p)
	if err != nil {
		return DocumentKey{}, err
	}
	return NewDocumentKey(rp)
}

// MustDocumentKey is ParseDocumentKey for constant paths.
func MustDocumentKey(p string) DocumentKey {
	k, err := ParseDocumentKey(p)
	if err != nil {
		panic(err)
	}
	return k
}

// DocumentKeyFromName parses a full resource name
// "projects/<p>/databases/<d>/documents/<path>".
func DocumentKeyFromName(name string) (DocumentKey, error) {
	_, rest, ok := strings.Cut(name, "/documents/")
	if !ok || !strings.HasPrefix(name, "projects/") {
		return DocumentKey{}, status.Errorf(status.InvalidArgument, "invalid resource name %q", name)
	}
	return ParseDocumentKey(rest)
}

// CollectionStartKey returns a key that sorts before every document in
// collection and after every document that sorts before the collection.
// It is only useful as a scan start position.
func CollectionStartKey(collection ResourcePath) DocumentKey {
	return DocumentKey{path: collection.String() + "/"}
}

func (k DocumentKey) IsZero() bool       { return k.path == "" }
func (k DocumentKey) Path() ResourcePath { return MustParseResourcePath(k.path) }
func (k DocumentKey) String() string     { return k.path }

// Name returns the full resource name of the key within db.
func (k DocumentKey) Name(db DatabaseID) string {
	return db.DocumentsRoot() + "/" + k.path
}

// CollectionPath returns the path of the collection holding the document.
func (k DocumentKey) CollectionPath() ResourcePath {
	return k.Path().PopLast()
}

// CollectionGroup returns the id of the parent collection.
func (k DocumentKey) CollectionGroup() string {
	return k.Path().PopLast().LastSegment()
}

// ID returns the last path segment.
func (k DocumentKey) ID() string {
	i := strings.LastIndexByte(k.path, '/')
	return k.path[i+1:]
}

// HasCollectionID reports whether the parent collection is named id.
func (k DocumentKey) HasCollectionID(id string) bool {
	return k.CollectionGroup() == id
}

// Compare orders keys by path using segment comparison.
func (k DocumentKey) Compare(other DocumentKey) int {
	if k.path == other.path {
		return 0
	}
	a, b := k.path, other.path
	for {
		as, arest, amore := strings.Cut(a, "/")
		bs, brest, bmore := strings.Cut(b, "/")
		if c := CompareSegments(as, bs); c != 0 {
			return c
		}
		switch {
		case !amore && !bmore:
			return 0
		case !amore:
			return -1
		case !bmore:
			return 1
		}
		a, b = arest, brest
	}
}

// FieldPath addresses a field inside a document's data.
type FieldPath struct {
	segments []string
}

// NewFieldPath builds a field path from raw segments.
func NewFieldPath(segments ...string) FieldPath {
	return FieldPath{segments: append([]string(nil), segments...)}
}

// KeyFieldPath returns the sentinel path that refers to the document key.
func KeyFieldPath() FieldPath {
	return FieldPath{segments: []string{DocumentKeyFieldName}}
}

// ParseFieldPath parses a dotted field path. Segments containing special
// characters can be quoted with back-ticks, with \` and \\ escapes.
func ParseFieldPath(s string) (FieldPath, error) {
	if s == "" {
		return FieldPath{}, status.New(status.InvalidArgument, "field path must not be empty")
	}
	var segs []string
	var cur strings.Builder
	inQuotes := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\':
			if i+1 >= len(s) {
				return FieldPath{}, status.Errorf(status.InvalidArgument, "trailing escape in field path %q", s)
			}
			i++
			cur.WriteByte(s[i])
		case c == '`':
			inQuotes = !inQuotes
		case c == '.' && !inQuotes:
			if cur.Len() == 0 {
				return FieldPath{}, status.Errorf(status.InvalidArgument, "empty segment in field path %q", s)
			}
			segs = append(segs, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if inQuotes {
		return FieldPath{}, status.Errorf(status.InvalidArgument, "unterminated back-tick in field path %q", s)
	}
	if cur.Len() == 0 {
		return FieldPath{}, status.Errorf(status.InvalidArgument, "empty segment in field path %q", s)
	}
	segs = append(segs, cur.String())
	return FieldPath{segments: segs}, nil
}

// MustFieldPath is ParseFieldPath for constant paths.
func MustFieldPath(s string) FieldPath {
	fp, err := ParseFieldPath(s)
	if err != nil {
		panic(err)
	}
	return fp
}

func (f FieldPath) Len() int             { return len(f.segments) }
func (f FieldPath) IsEmpty() bool        { return len(f.segments) == 0 }
func (f FieldPath) Segment(i int) string { return f.segments[i] }
func (f FieldPath) Segments() []string   { return append([]string(nil), f.segments...) }

// FirstSegment returns the leading segment.
func (f FieldPath) FirstSegment() string { return f.segments[0] }

// LastSegment returns the trailing segment.
func (f FieldPath) LastSegment() string { return f.segments[len(f.segments)-1] }

// IsKeyField reports whether f is the document key sentinel.
func (f FieldPath) IsKeyField() bool {
	return len(f.segments) == 1 && f.segments[0] == DocumentKeyFieldName
}

// Child returns f with segs appended.
func (f FieldPath) Child(segs ...string) FieldPath {
	out := make([]string, 0, len(f.segments)+len(segs))
	out = append(out, f.segments...)
	out = append(out, segs...)
	return FieldPath{segments: out}
}

// PopLast drops the last segment.
func (f FieldPath) PopLast() FieldPath {
	if len(f.segments) == 0 {
		return f
	}
	return FieldPath{segments: f.segments[: len(f.segments)-1 : len(f.segments)-1]}
}

// PopFirst drops the first segment.
func (f FieldPath) PopFirst() FieldPath {
	return FieldPath{segments: f.segments[1:len(f.segments):len(f.segments)]}
}

// IsPrefixOf reports whether f is a (non-strict) ancestor of other.
func (f FieldPath) IsPrefixOf(other FieldPath) bool {
	if len(f.segments) > len(other.segments) {
		return false
	}
	for i, s := range f.segments {
		if other.segments[i] != s {
			return false
		}
	}
	return true
}

func (f FieldPath) Equal(other FieldPath) bool {
	return comparePathSegments(f.segments, other.segments) == 0
}

func (f FieldPath) Compare(other FieldPath) int {
	return comparePathSegments(f.segments, other.segments)
}

// CanonicalString renders the path in dotted form, quoting segments that
// are not simple identifiers.
func (f FieldPath) CanonicalString() string {
	parts := make([]string, len(f.segments))
	for i, s := range f.segments {
		if isSimpleIdentifier(s) {
			parts[i] = s
			continue
		}
		s = strings.ReplaceAll(s, `\`, `\\`)
		s = strings.ReplaceAll(s, "`", "\\`")
		parts[i] = "`" + s + "`"
	}
	return strings.Join(parts, ".")
}

func (f FieldPath) String() string { return f.CanonicalString() }

func isSimpleIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			continue
		}
		if i > 0 && r >= '0' && r <= '9' {
			continue
		}
		return false
	}
	return true
}
