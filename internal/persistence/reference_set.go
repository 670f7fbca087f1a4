package persistence

import (
	"github.com/google/btree"

	"github.com/steveyegge/docsync/internal/model"
)

// docRef associates a document with a target or batch id.
type docRef struct {
	key model.DocumentKey
	id  int32
}

func refLessByKey(a, b docRef) bool {
	if c := a.key.Compare(b.key); c != 0 {
		return c < 0
	}
	return a.id < b.id
}

func refLessByID(a, b docRef) bool {
	if a.id != b.id {
		return a.id < b.id
	}
	return a.key.Compare(b.key) < 0
}

// ReferenceSet is a collection of (document key, id) references, indexed
// both ways. The local store uses it to pin documents referenced by live
// views and pending writes; the memory target cache uses it for matching
// keys.
//
// It is not safe for concurrent use.
type ReferenceSet struct {
	byKey *btree.BTreeG[docRef]
	byID  *btree.BTreeG[docRef]
}

// NewReferenceSet returns an empty set.
func NewReferenceSet() *ReferenceSet {
	return &ReferenceSet{
		byKey: btree.NewG(16, refLessByKey),
		byID:  btree.NewG(16, refLessByID),
	}
}

// IsEmpty reports whether there are no references.
func (s *ReferenceSet) IsEmpty() bool { return s.byKey.Len() == 0 }

// AddReference records that id references key.
func (s *ReferenceSet) AddReference(key model.DocumentKey, id int32) {
	ref := docRef{key: key, id: id}
	s.byKey.ReplaceOrInsert(ref)
	s.byID.ReplaceOrInsert(ref)
}

// AddReferences records that id references every key in keys.
func (s *ReferenceSet) AddReferences(keys model.DocumentKeySet, id int32) {
	keys.ForEach(func(k model.DocumentKey) bool {
		s.AddReference(k, id)
		return true
	})
}

// RemoveReference drops one reference.
func (s *ReferenceSet) RemoveReference(key model.DocumentKey, id int32) {
	ref := docRef{key: key, id: id}
	s.byKey.Delete(ref)
	s.byID.Delete(ref)
}

// RemoveReferences drops the references from id to every key in keys.
func (s *ReferenceSet) RemoveReferences(keys model.DocumentKeySet, id int32) {
	keys.ForEach(func(k model.DocumentKey) bool {
		s.RemoveReference(k, id)
		return true
	})
}

// RemoveReferencesForID drops every reference held by id and returns the
// keys that were referenced.
func (s *ReferenceSet) RemoveReferencesForID(id int32) []model.DocumentKey {
	var refs []docRef
	s.byID.AscendGreaterOrEqual(docRef{id: id}, func(r docRef) bool {
		if r.id != id {
			return false
		}
		refs = append(refs, r)
		return true
	})
	keys := make([]model.DocumentKey, len(refs))
	for i, r := range refs {
		s.byKey.Delete(r)
		s.byID.Delete(r)
		keys[i] = r.key
	}
	return keys
}

// RemoveAllReferences clears the set.
func (s *ReferenceSet) RemoveAllReferences() {
	s.byKey.Clear(false)
	s.byID.Clear(false)
}

// ReferencesForID returns the keys referenced by id.
func (s *ReferenceSet) ReferencesForID(id int32) model.DocumentKeySet {
	var keys []model.DocumentKey
	s.byID.AscendGreaterOrEqual(docRef{id: id}, func(r docRef) bool {
		if r.id != id {
			return false
		}
		keys = append(keys, r.key)
		return true
	})
	return model.NewDocumentKeySet(keys...)
}

// ContainsKey reports whether any id references key.
func (s *ReferenceSet) ContainsKey(key model.DocumentKey) bool {
	found := false
	s.byKey.AscendGreaterOrEqual(docRef{key: key, id: -1 << 31}, func(r docRef) bool {
		found = r.key == key
		return false
	})
	return found
}

// IDsForKey returns the ids referencing key in ascending order.
func (s *ReferenceSet) IDsForKey(key model.DocumentKey) []int32 {
	var ids []int32
	s.byKey.AscendGreaterOrEqual(docRef{key: key, id: -1 << 31}, func(r docRef) bool {
		if r.key != key {
			return false
		}
		ids = append(ids, r.id)
		return true
	})
	return ids
}

// AscendFrom calls fn for each reference whose key is at or after start, in
// key order, until fn returns false.
func (s *ReferenceSet) AscendFrom(start model.DocumentKey, fn func(key model.DocumentKey, id int32) bool) {
	s.byKey.AscendGreaterOrEqual(docRef{key: start, id: -1 << 31}, func(r docRef) bool {
		return fn(r.key, r.id)
	})
}
