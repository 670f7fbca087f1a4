package persistence

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/query"
)

// Rows in the SQLite cache carry JSON blobs. The shapes below are the
// stored form; they change only with a schema version bump.

type storedTime struct {
	Seconds int64 `json:"s"`
	Nanos   int32 `json:"n"`
}

func toStoredTime(v model.SnapshotVersion) storedTime {
	return storedTime{Seconds: v.Timestamp.Seconds, Nanos: v.Timestamp.Nanos}
}

func (t storedTime) version() model.SnapshotVersion {
	return model.NewSnapshotVersion(model.Timestamp{Seconds: t.Seconds, Nanos: t.Nanos})
}

const (
	storedFound   = "found"
	storedNo      = "missing"
	storedUnknown = "unknown"
)

type storedDocument struct {
	Kind                  string                 `json:"kind"`
	Version               storedTime             `json:"version"`
	CreateTime            storedTime             `json:"createTime"`
	Fields                map[string]model.Value `json:"fields,omitempty"`
	HasCommittedMutations bool                   `json:"hasCommittedMutations,omitempty"`
}

// encodeDocument serializes a valid remote document. The key and read time
// live in their own columns.
func encodeDocument(doc *model.MutableDocument) ([]byte, error) {
	sd := storedDocument{
		Version:               toStoredTime(doc.Version),
		CreateTime:            toStoredTime(doc.CreateTime),
		HasCommittedMutations: doc.HasCommittedMutations(),
	}
	switch {
	case doc.IsFoundDocument():
		sd.Kind = storedFound
		sd.Fields = doc.Data().Fields()
	case doc.IsNoDocument():
		sd.Kind = storedNo
	case doc.IsUnknownDocument():
		sd.Kind = storedUnknown
	default:
		return nil, fmt.Errorf("cannot store invalid document %s", doc.Key)
	}
	return json.Marshal(sd)
}

func decodeDocument(key model.DocumentKey, readTime model.SnapshotVersion, data []byte) (*model.MutableDocument, error) {
	var sd storedDocument
	if err := json.Unmarshal(data, &sd); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", key, err)
	}
	var doc *model.MutableDocument
	switch sd.Kind {
	case storedFound:
		doc = model.NewFoundDocument(key, sd.Version.version(), model.ObjectValueFromMap(sd.Fields))
	case storedNo:
		doc = model.NewNoDocument(key, sd.Version.version())
	case storedUnknown:
		doc = model.NewUnknownDocument(key, sd.Version.version())
	default:
		return nil, fmt.Errorf("document %s has unknown stored kind %q", key, sd.Kind)
	}
	doc.CreateTime = sd.CreateTime.version()
	if sd.HasCommittedMutations {
		doc.SetHasCommittedMutations()
	}
	return doc.SetReadTime(readTime), nil
}

func encodeMutations(muts []mutation.Mutation) ([]byte, error) {
	if muts == nil {
		muts = []mutation.Mutation{}
	}
	return json.Marshal(muts)
}

func decodeMutations(data []byte) ([]mutation.Mutation, error) {
	var muts []mutation.Mutation
	if err := json.Unmarshal(data, &muts); err != nil {
		return nil, fmt.Errorf("failed to decode mutations: %w", err)
	}
	return muts, nil
}

func encodeMutation(m mutation.Mutation) ([]byte, error) { return json.Marshal(m) }

func decodeMutation(data []byte) (mutation.Mutation, error) {
	var m mutation.Mutation
	if err := json.Unmarshal(data, &m); err != nil {
		return mutation.Mutation{}, fmt.Errorf("failed to decode mutation: %w", err)
	}
	return m, nil
}

type storedTarget struct {
	Target                       query.Target `json:"target"`
	Purpose                      int          `json:"purpose"`
	SnapshotVersion              storedTime   `json:"snapshotVersion"`
	LastLimboFreeSnapshotVersion storedTime   `json:"lastLimboFreeSnapshotVersion"`
	ResumeToken                  []byte       `json:"resumeToken,omitempty"`
}

func encodeTarget(t *TargetData) ([]byte, error) {
	return json.Marshal(storedTarget{
		Target:                       t.Target,
		Purpose:                      int(t.Purpose),
		SnapshotVersion:              toStoredTime(t.SnapshotVersion),
		LastLimboFreeSnapshotVersion: toStoredTime(t.LastLimboFreeSnapshotVersion),
		ResumeToken:                  t.ResumeToken,
	})
}

func decodeTarget(id model.TargetID, seq model.ListenSequenceNumber, data []byte) (*TargetData, error) {
	var st storedTarget
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode target %d: %w", id, err)
	}
	return &TargetData{
		Target:                       st.Target,
		TargetID:                     id,
		Purpose:                      TargetPurpose(st.Purpose),
		SequenceNumber:               seq,
		SnapshotVersion:              st.SnapshotVersion.version(),
		LastLimboFreeSnapshotVersion: st.LastLimboFreeSnapshotVersion.version(),
		ResumeToken:                  st.ResumeToken,
	}, nil
}
