package model

import "fmt"

// DocumentType is what the cache knows about a key.
type DocumentType int

const (
	// InvalidDocument means nothing is known about the key.
	InvalidDocument DocumentType = iota
	// FoundDocument holds data at a version.
	FoundDocument
	// NoDocument records that the key did not exist at a version.
	NoDocument
	// UnknownDocument exists remotely at a version but its contents are
	// unknown, for example after a patch acknowledgment on a missing base.
	UnknownDocument
)

func (t DocumentType) String() string {
	switch t {
	case FoundDocument:
		return "found"
	case NoDocument:
		return "no-document"
	case UnknownDocument:
		return "unknown"
	}
	return "invalid"
}

// DocumentState describes local write state.
type DocumentState int

const (
	Synced DocumentState = iota
	HasLocalMutations
	HasCommittedMutations
)

// MutableDocument is the cache's unit of document state. Methods that
// change the document return it to allow chaining.
type MutableDocument struct {
	Key        DocumentKey
	docType    DocumentType
	Version    SnapshotVersion
	ReadTime   SnapshotVersion
	CreateTime SnapshotVersion
	data       *ObjectValue
	state      DocumentState
}

// NewInvalidDocument returns a document about which nothing is known.
func NewInvalidDocument(key DocumentKey) *MutableDocument {
	return &MutableDocument{Key: key, docType: InvalidDocument, data: NewObjectValue()}
}

// NewFoundDocument returns a document with data at version.
func NewFoundDocument(key DocumentKey, version SnapshotVersion, data *ObjectValue) *MutableDocument {
	return NewInvalidDocument(key).ConvertToFoundDocument(version, data)
}

// NewNoDocument returns a tombstone at version.
func NewNoDocument(key DocumentKey, version SnapshotVersion) *MutableDocument {
	return NewInvalidDocument(key).ConvertToNoDocument(version)
}

// NewUnknownDocument returns a document with unknown contents at version.
func NewUnknownDocument(key DocumentKey, version SnapshotVersion) *MutableDocument {
	return NewInvalidDocument(key).ConvertToUnknownDocument(version)
}

func (d *MutableDocument) ConvertToFoundDocument(version SnapshotVersion, data *ObjectValue) *MutableDocument {
	if d.CreateTime.IsMin() && (d.docType != FoundDocument) {
		d.CreateTime = version
	}
	d.Version = version
	d.docType = FoundDocument
	d.data = data
	d.state = Synced
	return d
}

func (d *MutableDocument) ConvertToNoDocument(version SnapshotVersion) *MutableDocument {
	d.Version = version
	d.docType = NoDocument
	d.data = NewObjectValue()
	d.state = Synced
	return d
}

func (d *MutableDocument) ConvertToUnknownDocument(version SnapshotVersion) *MutableDocument {
	d.Version = version
	d.docType = UnknownDocument
	d.data = NewObjectValue()
	d.state = HasCommittedMutations
	return d
}

func (d *MutableDocument) SetHasCommittedMutations() *MutableDocument {
	d.state = HasCommittedMutations
	return d
}

func (d *MutableDocument) SetHasLocalMutations() *MutableDocument {
	d.state = HasLocalMutations
	d.Version = MinVersion
	return d
}

func (d *MutableDocument) SetReadTime(readTime SnapshotVersion) *MutableDocument {
	d.ReadTime = readTime
	return d
}

// Data returns the document contents. Modifying it modifies the document.
func (d *MutableDocument) Data() *ObjectValue { return d.data }

// Field is a shortcut for Data().Field(path).
func (d *MutableDocument) Field(path FieldPath) (Value, bool) { return d.data.Field(path) }

func (d *MutableDocument) Type() DocumentType          { return d.docType }
func (d *MutableDocument) IsValidDocument() bool       { return d.docType != InvalidDocument }
func (d *MutableDocument) IsFoundDocument() bool       { return d.docType == FoundDocument }
func (d *MutableDocument) IsNoDocument() bool          { return d.docType == NoDocument }
func (d *MutableDocument) IsUnknownDocument() bool     { return d.docType == UnknownDocument }
func (d *MutableDocument) HasLocalMutations() bool     { return d.state == HasLocalMutations }
func (d *MutableDocument) HasCommittedMutations() bool { return d.state == HasCommittedMutations }
func (d *MutableDocument) HasPendingWrites() bool {
	return d.HasLocalMutations() || d.HasCommittedMutations()
}
func (d *MutableDocument) State() DocumentState { return d.state }

// SetState restores a persisted document state.
func (d *MutableDocument) SetState(s DocumentState) *MutableDocument {
	d.state = s
	return d
}

// MutableCopy returns an independent copy.
func (d *MutableDocument) MutableCopy() *MutableDocument {
	cp := *d
	cp.data = d.data.Clone()
	return &cp
}

// Equal compares all fields of the document.
func (d *MutableDocument) Equal(other *MutableDocument) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.Key == other.Key &&
		d.docType == other.docType &&
		d.Version.Equal(other.Version) &&
		d.ReadTime.Equal(other.ReadTime) &&
		d.state == other.state &&
		d.data.Equal(other.data)
}

// EstimateByteSize approximates the document's storage footprint.
func (d *MutableDocument) EstimateByteSize() int64 {
	return int64(len(d.Key.path)) + 32 + EstimateByteSize(d.data.root)
}

func (d *MutableDocument) String() string {
	return fmt.Sprintf("Document(%s, %s, %s, %s, state=%d)",
		d.Key, d.docType, d.Version, d.data, d.state)
}

// DocumentComparator orders documents for a view.
type DocumentComparator func(a, b *MutableDocument) int

// KeyComparator orders documents by key alone.
func KeyComparator(a, b *MutableDocument) int { return a.Key.Compare(b.Key) }
