package mutation

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/steveyegge/docsync/internal/model"
)

// Precondition guards a mutation. The zero value is "no precondition".
type Precondition struct {
	exists     *bool
	updateTime *model.SnapshotVersion
}

// NoPrecondition always holds.
var NoPrecondition = Precondition{}

// Exists requires the document to exist (or not).
func Exists(exists bool) Precondition { return Precondition{exists: &exists} }

// UpdateTime requires the document to exist at exactly version.
func UpdateTime(version model.SnapshotVersion) Precondition {
	return Precondition{updateTime: &version}
}

func (p Precondition) IsNone() bool { return p.exists == nil && p.updateTime == nil }

// ExistsValue returns the exists requirement, if set.
func (p Precondition) ExistsValue() (bool, bool) {
	if p.exists == nil {
		return false, false
	}
	return *p.exists, true
}

// UpdateTimeValue returns the update-time requirement, if set.
func (p Precondition) UpdateTimeValue() (model.SnapshotVersion, bool) {
	if p.updateTime == nil {
		return model.SnapshotVersion{}, false
	}
	return *p.updateTime, true
}

// IsValidFor reports whether doc satisfies the precondition.
func (p Precondition) IsValidFor(doc *model.MutableDocument) bool {
	if p.updateTime != nil {
		return doc.IsFoundDocument() && doc.Version.Equal(*p.updateTime)
	}
	if p.exists != nil {
		return *p.exists == doc.IsFoundDocument()
	}
	return true
}

func (p Precondition) Equal(other Precondition) bool {
	switch {
	case p.IsNone() || other.IsNone():
		return p.IsNone() && other.IsNone()
	case p.exists != nil:
		return other.exists != nil && *p.exists == *other.exists
	}
	return other.updateTime != nil && p.updateTime.Equal(*other.updateTime)
}

func (p Precondition) String() string {
	switch {
	case p.exists != nil:
		return fmt.Sprintf("exists(%v)", *p.exists)
	case p.updateTime != nil:
		return "updateTime(" + p.updateTime.String() + ")"
	}
	return "none"
}

type preconditionJSON struct {
	Exists     *bool   `json:"exists,omitempty"`
	UpdateTime *string `json:"updateTime,omitempty"`
}

func (p Precondition) MarshalJSON() ([]byte, error) {
	var w preconditionJSON
	w.Exists = p.exists
	if p.updateTime != nil {
		s := p.updateTime.Timestamp.RFC3339()
		w.UpdateTime = &s
	}
	return json.Marshal(w)
}

func (p *Precondition) UnmarshalJSON(data []byte) error {
	var w preconditionJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*p = Precondition{exists: w.Exists}
	if w.UpdateTime != nil {
		ts, err := model.ParseTimestamp(*w.UpdateTime)
		if err != nil {
			return err
		}
		v := model.NewSnapshotVersion(ts)
		p.updateTime = &v
	}
	return nil
}
