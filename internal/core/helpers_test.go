package core

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
)

var ctx = context.Background()

const testTimeout = 5 * time.Second

func version(secs int64) model.SnapshotVersion {
	return model.NewSnapshotVersion(model.Timestamp{Seconds: secs})
}

func key(path string) model.DocumentKey { return model.MustDocumentKey(path) }

func fields(kv ...any) *model.ObjectValue {
	m := make(map[string]model.Value)
	for i := 0; i < len(kv); i += 2 {
		var v model.Value
		switch x := kv[i+1].(type) {
		case int:
			v = model.IntegerValue(int64(x))
		case string:
			v = model.StringValue(x)
		default:
			panic(fmt.Sprintf("unsupported field value %T", x))
		}
		m[kv[i].(string)] = v
	}
	return model.ObjectValueFromMap(m)
}

func doc(path string, secs int64, kv ...any) *model.MutableDocument {
	return model.NewFoundDocument(key(path), version(secs), fields(kv...))
}

func localDoc(path string, secs int64, kv ...any) *model.MutableDocument {
	return doc(path, secs, kv...).SetHasLocalMutations()
}

func docMap(docs ...*model.MutableDocument) model.DocumentMap {
	m := make(model.DocumentMap, len(docs))
	for _, d := range docs {
		m[d.Key] = d
	}
	return m
}

func collection(path string) query.Query {
	return query.NewQuery(model.MustParseResourcePath(path))
}

func orderedBy(q query.Query, field string) query.Query {
	return q.WithOrderBy(query.OrderBy{Field: model.MustFieldPath(field), Direction: query.Ascending})
}

func keysOf(set model.DocumentSet) []string {
	var out []string
	set.ForEach(func(d *model.MutableDocument) bool {
		out = append(out, d.Key.String())
		return true
	})
	return out
}

type change struct {
	Type ChangeType
	Key  string
}

func changesOf(changes []DocumentViewChange) []change {
	out := make([]change, 0, len(changes))
	for _, c := range changes {
		out = append(out, change{c.Type, c.Doc.Key.String()})
	}
	return out
}

func receive[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %T", *new(T))
	}
	panic("unreachable")
}
