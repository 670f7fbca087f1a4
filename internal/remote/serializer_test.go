package remote

import (
	"testing"

	"github.com/go-playground/assert/v2"
	json "github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/status"
)

var testDB = model.NewDatabaseID("p", "(default)")

func TestSerializerNames(t *testing.T) {
	s := NewSerializer(testDB)
	key := model.MustDocumentKey("rooms/eros/messages/1")
	name := s.EncodeName(key)
	assert.Equal(t, name, "projects/p/databases/(default)/documents/rooms/eros/messages/1")

	got, err := s.DecodeName(name)
	if err != nil {
		t.Fatalf("DecodeName() failed: %v", err)
	}
	assert.Equal(t, got, key)

	_, err = s.DecodeName("projects/other/databases/(default)/documents/rooms/eros")
	assert.Equal(t, status.CodeOf(err), status.InvalidArgument)
}

func TestSerializerVersions(t *testing.T) {
	s := NewSerializer(testDB)
	assert.Equal(t, s.EncodeVersion(model.MinVersion), "")

	v := model.NewSnapshotVersion(model.Timestamp{Seconds: 1700000000, Nanos: 123456000})
	got, err := s.DecodeVersion(s.EncodeVersion(v))
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, got.Equal(v), true)

	_, err = s.DecodeVersion("yesterday")
	assert.Equal(t, status.CodeOf(err), status.DataLoss)
}

func TestEncodeTarget(t *testing.T) {
	s := NewSerializer(testDB)
	target := query.NewQuery(model.MustParseResourcePath("rooms")).ToTarget()
	td := persistence.NewTargetData(target, 2, persistence.PurposeListen, 1)

	f := s.EncodeTarget(td)
	assert.Equal(t, f.TargetID, int32(2))
	if f.Query == nil || f.Documents != nil {
		t.Fatalf("query target encoded as %+v", f)
	}
	if f.ExpectedCount != nil || f.ResumeToken != nil || f.ReadTime != "" {
		t.Errorf("fresh target carries resume state: %+v", f)
	}

	resumed := td.WithResumeToken([]byte("tok"), model.NewSnapshotVersion(model.Timestamp{Seconds: 5})).WithExpectedCount(3)
	f = s.EncodeTarget(resumed)
	assert.Equal(t, string(f.ResumeToken), "tok")
	if f.ExpectedCount == nil || *f.ExpectedCount != 3 {
		t.Errorf("ExpectedCount = %v, want 3", f.ExpectedCount)
	}

	docTarget := persistence.NewTargetData(query.NewDocumentTarget(model.MustDocumentKey("rooms/a")), 4, persistence.PurposeLimboResolution, 1)
	f = s.EncodeTarget(docTarget)
	if diff := cmp.Diff([]string{"projects/p/databases/(default)/documents/rooms/a"}, f.Documents); diff != "" {
		t.Errorf("Documents mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, s.EncodeListenLabels(docTarget)["purpose"], "limbo-resolution")
	assert.Equal(t, len(s.EncodeListenLabels(td)), 0)
}

func decodeListen(t *testing.T, raw string) *ListenResponse {
	t.Helper()
	var resp ListenResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("failed to decode %s: %v", raw, err)
	}
	return &resp
}

func TestDecodeWatchChange(t *testing.T) {
	s := NewSerializer(testDB)

	t.Run("document change", func(t *testing.T) {
		resp := decodeListen(t, `{"documentChange":{"document":{"name":"projects/p/databases/(default)/documents/rooms/a","fields":{"n":{"integerValue":"3"}},"updateTime":"2024-01-02T03:04:05Z"},"targetIds":[2],"removedTargetIds":[4]}}`)
		change, err := s.DecodeWatchChange(resp)
		if err != nil {
			t.Fatal(err)
		}
		dc, ok := change.(*DocumentWatchChange)
		if !ok {
			t.Fatalf("got %T", change)
		}
		assert.Equal(t, dc.Key.String(), "rooms/a")
		if diff := cmp.Diff([]model.TargetID{2}, dc.UpdatedTargetIDs); diff != "" {
			t.Errorf("UpdatedTargetIDs (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]model.TargetID{4}, dc.RemovedTargetIDs); diff != "" {
			t.Errorf("RemovedTargetIDs (-want +got):\n%s", diff)
		}
		assert.Equal(t, dc.NewDoc.IsFoundDocument(), true)
		v, ok := dc.NewDoc.Field(model.MustFieldPath("n"))
		if !ok || v.IntegerValue() != 3 {
			t.Errorf("field n = %v, %v", v, ok)
		}
	})

	t.Run("document delete", func(t *testing.T) {
		resp := decodeListen(t, `{"documentDelete":{"document":"projects/p/databases/(default)/documents/rooms/a","removedTargetIds":[2],"readTime":"2024-01-02T03:04:05Z"}}`)
		change, err := s.DecodeWatchChange(resp)
		if err != nil {
			t.Fatal(err)
		}
		dc := change.(*DocumentWatchChange)
		assert.Equal(t, dc.NewDoc.IsNoDocument(), true)
		assert.Equal(t, len(dc.UpdatedTargetIDs), 0)
	})

	t.Run("document remove", func(t *testing.T) {
		resp := decodeListen(t, `{"documentRemove":{"document":"projects/p/databases/(default)/documents/rooms/a","removedTargetIds":[2]}}`)
		change, err := s.DecodeWatchChange(resp)
		if err != nil {
			t.Fatal(err)
		}
		if dc := change.(*DocumentWatchChange); dc.NewDoc != nil {
			t.Errorf("remove carries a document: %v", dc.NewDoc)
		}
	})

	t.Run("target removed with cause", func(t *testing.T) {
		resp := decodeListen(t, `{"targetChange":{"targetChangeType":"REMOVE","targetIds":[2],"cause":{"code":7,"message":"denied"}}}`)
		change, err := s.DecodeWatchChange(resp)
		if err != nil {
			t.Fatal(err)
		}
		tc := change.(*WatchTargetChange)
		assert.Equal(t, tc.State, WatchTargetRemoved)
		assert.Equal(t, status.CodeOf(tc.Cause), status.PermissionDenied)
	})

	t.Run("existence filter", func(t *testing.T) {
		resp := decodeListen(t, `{"filter":{"targetId":2,"count":7}}`)
		change, err := s.DecodeWatchChange(resp)
		if err != nil {
			t.Fatal(err)
		}
		ef := change.(*ExistenceFilterChange)
		assert.Equal(t, ef.TargetID, model.TargetID(2))
		assert.Equal(t, ef.Filter.Count, 7)
	})

	t.Run("unknown target change", func(t *testing.T) {
		resp := decodeListen(t, `{"targetChange":{"targetChangeType":"SIDEWAYS"}}`)
		_, err := s.DecodeWatchChange(resp)
		assert.Equal(t, status.CodeOf(err), status.DataLoss)
	})
}

func TestSnapshotVersionOf(t *testing.T) {
	s := NewSerializer(testDB)
	tests := []struct {
		name string
		raw  string
		min  bool
	}{
		{"global no change", `{"targetChange":{"targetChangeType":"NO_CHANGE","readTime":"2024-01-02T03:04:05Z"}}`, false},
		{"targeted no change", `{"targetChange":{"targetChangeType":"NO_CHANGE","targetIds":[2],"readTime":"2024-01-02T03:04:05Z"}}`, true},
		{"current", `{"targetChange":{"targetChangeType":"CURRENT","readTime":"2024-01-02T03:04:05Z"}}`, true},
		{"filter", `{"filter":{"targetId":2,"count":1}}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := s.SnapshotVersionOf(decodeListen(t, tt.raw))
			if err != nil {
				t.Fatal(err)
			}
			assert.Equal(t, v.IsMin(), tt.min)
		})
	}
}

func TestWriteResultsDefaultToCommitTime(t *testing.T) {
	s := NewSerializer(testDB)
	results, err := s.DecodeWriteResults([]WriteResultFrame{
		{UpdateTime: "2024-01-02T03:04:05Z", TransformResults: []model.Value{model.IntegerValue(2)}},
		{},
	}, "2024-01-02T03:04:06Z")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, len(results), 2)
	assert.Equal(t, results[0].Version.Timestamp.Seconds < results[1].Version.Timestamp.Seconds, true)
	assert.Equal(t, len(results[0].TransformResults), 1)
}

func TestMutationRoundTripThroughNames(t *testing.T) {
	s := NewSerializer(testDB)
	key := model.MustDocumentKey("rooms/a")
	m := mutation.NewSet(key, model.ObjectValueFromMap(map[string]model.Value{"x": model.StringValue("y")}))
	w := s.EncodeMutation(m)
	assert.Equal(t, w.Update.Name, "projects/p/databases/(default)/documents/rooms/a")

	back, err := s.DecodeMutation(w)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, back.Equal(m), true)
}
