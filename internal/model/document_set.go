package model

import (
	"sort"

	"github.com/google/btree"
)

const btreeDegree = 16

// DocumentKeySet is an immutable sorted set of keys. Add and Remove return
// new sets; the receiver is unchanged.
type DocumentKeySet struct {
	tree *btree.BTreeG[DocumentKey]
}

func keyLess(a, b DocumentKey) bool { return a.Compare(b) < 0 }

// NewDocumentKeySet returns a set holding keys.
func NewDocumentKeySet(keys ...DocumentKey) DocumentKeySet {
	t := btree.NewG(btreeDegree, keyLess)
	for _, k := range keys {
		t.ReplaceOrInsert(k)
	}
	return DocumentKeySet{tree: t}
}

func (s DocumentKeySet) Len() int {
	if s.tree == nil {
		return 0
	}
	return s.tree.Len()
}

func (s DocumentKeySet) IsEmpty() bool { return s.Len() == 0 }

func (s DocumentKeySet) Has(k DocumentKey) bool {
	return s.tree != nil && s.tree.Has(k)
}

func (s DocumentKeySet) mutable() *btree.BTreeG[DocumentKey] {
	if s.tree == nil {
		return btree.NewG(btreeDegree, keyLess)
	}
	return s.tree.Clone()
}

// Add returns a set that also holds k.
func (s DocumentKeySet) Add(k DocumentKey) DocumentKeySet {
	if s.Has(k) {
		return s
	}
	t := s.mutable()
	t.ReplaceOrInsert(k)
	return DocumentKeySet{tree: t}
}

// Remove returns a set without k.
func (s DocumentKeySet) Remove(k DocumentKey) DocumentKeySet {
	if !s.Has(k) {
		return s
	}
	t := s.mutable()
	t.Delete(k)
	return DocumentKeySet{tree: t}
}

// Union returns a set holding the keys of both sets.
func (s DocumentKeySet) Union(other DocumentKeySet) DocumentKeySet {
	if other.Len() == 0 {
		return s
	}
	t := s.mutable()
	other.ForEach(func(k DocumentKey) bool {
		t.ReplaceOrInsert(k)
		return true
	})
	return DocumentKeySet{tree: t}
}

// ForEach visits keys in order until fn returns false.
func (s DocumentKeySet) ForEach(fn func(DocumentKey) bool) {
	if s.tree == nil {
		return
	}
	s.tree.Ascend(btree.ItemIteratorG[DocumentKey](fn))
}

// Keys returns the keys in order.
func (s DocumentKeySet) Keys() []DocumentKey {
	out := make([]DocumentKey, 0, s.Len())
	s.ForEach(func(k DocumentKey) bool {
		out = append(out, k)
		return true
	})
	return out
}

func (s DocumentKeySet) Equal(other DocumentKeySet) bool {
	if s.Len() != other.Len() {
		return false
	}
	equal := true
	s.ForEach(func(k DocumentKey) bool {
		equal = other.Has(k)
		return equal
	})
	return equal
}

// DocumentSet is an immutable set of documents ordered by a comparator with
// lookup by key. The documents it holds must not be modified.
type DocumentSet struct {
	comparator DocumentComparator
	byKey      *btree.BTreeG[*MutableDocument]
	sorted     *btree.BTreeG[*MutableDocument]
}

// NewDocumentSet returns an empty set ordered by comparator; ties break on
// key. A nil comparator orders by key.
func NewDocumentSet(comparator DocumentComparator) DocumentSet {
	if comparator == nil {
		comparator = KeyComparator
	}
	full := func(a, b *MutableDocument) bool {
		if c := comparator(a, b); c != 0 {
			return c < 0
		}
		return a.Key.Compare(b.Key) < 0
	}
	return DocumentSet{
		comparator: comparator,
		byKey:      btree.NewG(btreeDegree, func(a, b *MutableDocument) bool { return a.Key.Compare(b.Key) < 0 }),
		sorted:     btree.NewG(btreeDegree, full),
	}
}

func (s DocumentSet) Len() int      { return s.byKey.Len() }
func (s DocumentSet) IsEmpty() bool { return s.byKey.Len() == 0 }

func (s DocumentSet) Has(k DocumentKey) bool { return s.Get(k) != nil }

// Get returns the document with key k or nil.
func (s DocumentSet) Get(k DocumentKey) *MutableDocument {
	d, ok := s.byKey.Get(&MutableDocument{Key: k})
	if !ok {
		return nil
	}
	return d
}

// First returns the first document in order or nil.
func (s DocumentSet) First() *MutableDocument {
	d, ok := s.sorted.Min()
	if !ok {
		return nil
	}
	return d
}

// Last returns the last document in order or nil.
func (s DocumentSet) Last() *MutableDocument {
	d, ok := s.sorted.Max()
	if !ok {
		return nil
	}
	return d
}

// IndexOf returns the position of key k, or -1.
func (s DocumentSet) IndexOf(k DocumentKey) int {
	doc := s.Get(k)
	if doc == nil {
		return -1
	}
	i := 0
	s.sorted.AscendLessThan(doc, func(*MutableDocument) bool {
		i++
		return true
	})
	return i
}

// Add returns a set that holds doc, replacing any document with its key.
func (s DocumentSet) Add(doc *MutableDocument) DocumentSet {
	out := s.Delete(doc.Key)
	if out.byKey == s.byKey {
		out = s.clone()
	}
	out.byKey.ReplaceOrInsert(doc)
	out.sorted.ReplaceOrInsert(doc)
	return out
}

// Delete returns a set without key k.
func (s DocumentSet) Delete(k DocumentKey) DocumentSet {
	doc := s.Get(k)
	if doc == nil {
		return s
	}
	out := s.clone()
	out.byKey.Delete(doc)
	out.sorted.Delete(doc)
	return out
}

func (s DocumentSet) clone() DocumentSet {
	return DocumentSet{comparator: s.comparator, byKey: s.byKey.Clone(), sorted: s.sorted.Clone()}
}

// ForEach visits documents in order until fn returns false.
func (s DocumentSet) ForEach(fn func(*MutableDocument) bool) {
	s.sorted.Ascend(btree.ItemIteratorG[*MutableDocument](fn))
}

// Documents returns the documents in order.
func (s DocumentSet) Documents() []*MutableDocument {
	out := make([]*MutableDocument, 0, s.Len())
	s.ForEach(func(d *MutableDocument) bool {
		out = append(out, d)
		return true
	})
	return out
}

// Keys returns the keys of the set.
func (s DocumentSet) Keys() DocumentKeySet {
	t := btree.NewG(btreeDegree, keyLess)
	s.byKey.Ascend(func(d *MutableDocument) bool {
		t.ReplaceOrInsert(d.Key)
		return true
	})
	return DocumentKeySet{tree: t}
}

// Equal reports whether both sets hold equal documents in the same order.
func (s DocumentSet) Equal(other DocumentSet) bool {
	if s.Len() != other.Len() {
		return false
	}
	a, b := s.Documents(), other.Documents()
	for i := range a {
		if a[i].Key != b[i].Key || !a[i].Data().Equal(b[i].Data()) {
			return false
		}
	}
	return true
}

// DocumentMap is a mutable map of documents by key.
type DocumentMap map[DocumentKey]*MutableDocument

// SortedKeys returns the map keys in key order.
func (m DocumentMap) SortedKeys() []DocumentKey {
	keys := make([]DocumentKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	return keys
}

// KeySet returns the keys as a DocumentKeySet.
func (m DocumentMap) KeySet() DocumentKeySet {
	keys := make([]DocumentKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return NewDocumentKeySet(keys...)
}

// SortKeys sorts keys in place by key order.
func SortKeys(keys []DocumentKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
}
