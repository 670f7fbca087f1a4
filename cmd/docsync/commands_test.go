package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/docsync/internal/client"
	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/emulator"
	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/status"
	"github.com/steveyegge/docsync/internal/ui"
)

func setupBackend(t *testing.T) (*emulator.Server, *client.Client, context.Context) {
	t.Helper()
	ui.Init(true)
	srv := emulator.NewServer(&emulator.Config{
		Port:     0,
		Database: model.NewDatabaseID("demo", "(default)"),
		Logger:   logging.Discard(),
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start emulator: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })

	c := config.DefaultConfig()
	c.Host = srv.Addr()
	c.Persistence.Backend = config.BackendMemory
	c.Network.BackoffInitial = 20 * time.Millisecond
	c.Network.BackoffMax = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	cl, err := client.New(ctx, c, client.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("client.New failed: %v", err)
	}
	t.Cleanup(func() { _ = cl.Close() })
	return srv, cl, ctx
}

func write(t *testing.T, ctx context.Context, c *client.Client, path string, data map[string]any) {
	t.Helper()
	acked, err := writeAndWait(ctx, c, path, 5*time.Second, func(b *client.WriteBatch, ref *client.DocumentRef) {
		b.Set(ref, data)
	})
	if err != nil || !acked {
		t.Fatalf("write %s = %v, %v; want acknowledged", path, acked, err)
	}
}

func TestGetPrintsDocument(t *testing.T) {
	_, c, ctx := setupBackend(t)
	write(t, ctx, c, "users/alice", map[string]any{"name": "Alice", "age": int64(30), "tags": []any{"a", "b"}})

	var out bytes.Buffer
	if err := runGet(ctx, c, "users/alice", client.Default, client.ServerTimestampNone, printer{w: &out, format: "json"}); err != nil {
		t.Fatalf("runGet failed: %v", err)
	}
	var got docRecord
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	want := map[string]any{"name": "Alice", "age": float64(30), "tags": []any{"a", "b"}}
	if got.Path != "users/alice" || !got.Exists {
		t.Errorf("record = %+v, want existing users/alice", got)
	}
	if diff := cmp.Diff(want, got.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}

	out.Reset()
	if err := runGet(ctx, c, "users/alice", client.Default, client.ServerTimestampNone, printer{w: &out, format: "text"}); err != nil {
		t.Fatalf("runGet(text) failed: %v", err)
	}
	for _, line := range []string{"users/alice", "name:", "Alice", `["a","b"]`} {
		if !strings.Contains(out.String(), line) {
			t.Errorf("text output missing %q:\n%s", line, out.String())
		}
	}

	out.Reset()
	if err := runGet(ctx, c, "users/nobody", client.Default, client.ServerTimestampNone, printer{w: &out, format: "text"}); err != nil {
		t.Fatalf("runGet(missing) failed: %v", err)
	}
	if !strings.Contains(out.String(), "does not exist") {
		t.Errorf("missing document output = %q", out.String())
	}
}

func TestQueryCommand(t *testing.T) {
	_, c, ctx := setupBackend(t)
	for id, age := range map[string]int64{"ann": 17, "bob": 25, "cid": 40, "dee": 33} {
		write(t, ctx, c, "users/"+id, map[string]any{"age": age, "city": map[bool]string{true: "Paris", false: "Rome"}[age > 30]})
	}

	tests := []struct {
		name string
		qf   queryFlags
		want []string
	}{
		{
			name: "filter and order",
			qf:   queryFlags{where: []string{"age >= 18"}, order: []string{"age desc"}},
			want: []string{"users/cid", "users/dee", "users/bob"},
		},
		{
			name: "or filter",
			qf:   queryFlags{where: []string{"age < 18", "age > 35"}, or: true, order: []string{"age"}},
			want: []string{"users/ann", "users/cid"},
		},
		{
			name: "bare string value",
			qf:   queryFlags{where: []string{"city == Paris"}, order: []string{"id"}},
			want: []string{"users/cid", "users/dee"},
		},
		{
			name: "limit to last",
			qf:   queryFlags{order: []string{"age"}, limitToLast: 2},
			want: []string{"users/dee", "users/cid"},
		},
		{
			name: "cursor",
			qf:   queryFlags{order: []string{"age"}, startAfter: []string{"25"}},
			want: []string{"users/dee", "users/cid"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := runQuery(ctx, c, "users", tt.qf, client.Default, client.ServerTimestampNone, printer{w: &out, format: "yaml"}); err != nil {
				t.Fatalf("runQuery failed: %v", err)
			}
			var got queryRecord
			if err := yaml.Unmarshal(out.Bytes(), &got); err != nil {
				t.Fatalf("output is not YAML: %v\n%s", err, out.String())
			}
			var paths []string
			for _, d := range got.Docs {
				paths = append(paths, d.Path)
			}
			if diff := cmp.Diff(tt.want, paths); diff != "" {
				t.Errorf("paths mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if _, err := (queryFlags{limit: 1, limitToLast: 1}).build(c, "users"); err == nil {
		t.Error("--limit with --limit-to-last succeeded, want error")
	}
	if _, err := (queryFlags{limitToLast: 1}).build(c, "users"); err == nil {
		t.Error("--limit-to-last without --order succeeded, want error")
	}
}

func TestWriteRejectedAndOffline(t *testing.T) {
	srv, c, ctx := setupBackend(t)

	srv.FailNextWrite(status.New(status.PermissionDenied, "no"))
	_, err := writeAndWait(ctx, c, "users/eve", 5*time.Second, func(b *client.WriteBatch, ref *client.DocumentRef) {
		b.Set(ref, map[string]any{"x": int64(1)})
	})
	if status.CodeOf(err) != status.PermissionDenied {
		t.Fatalf("rejected write error = %v, want PermissionDenied", err)
	}

	_, err = writeAndWait(ctx, c, "users/ghost", 5*time.Second, func(b *client.WriteBatch, ref *client.DocumentRef) {
		b.Update(ref, client.UpdatesFromMap(map[string]any{"x": int64(1)}))
	})
	if status.CodeOf(err) != status.NotFound {
		t.Fatalf("update of missing document error = %v, want NotFound", err)
	}

	if err := c.DisableNetwork(ctx); err != nil {
		t.Fatalf("DisableNetwork failed: %v", err)
	}
	acked, err := writeAndWait(ctx, c, "users/frank", 100*time.Millisecond, func(b *client.WriteBatch, ref *client.DocumentRef) {
		b.Set(ref, map[string]any{"x": int64(1)})
	})
	if err != nil || acked {
		t.Fatalf("offline write = %v, %v; want queued without error", acked, err)
	}
	var out bytes.Buffer
	reportWrite(&out, "users/frank", acked)
	if !strings.Contains(out.String(), "locally") {
		t.Errorf("report = %q, want a local-only notice", out.String())
	}

	out.Reset()
	if err := runCacheStatus(ctx, c, printer{w: &out, format: "json"}); err != nil {
		t.Fatalf("runCacheStatus failed: %v", err)
	}
	var report cacheReport
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("status is not JSON: %v\n%s", err, out.String())
	}
	if report.Backend != config.BackendMemory || !report.PendingWrites || !report.Primary {
		t.Errorf("cache report = %+v, want memory, primary, with pending writes", report)
	}

	out.Reset()
	if err := printCacheReport(&out, report); err != nil {
		t.Fatalf("printCacheReport failed: %v", err)
	}
	if !strings.Contains(out.String(), "have not reached the backend") {
		t.Errorf("text status = %q", out.String())
	}
}

func TestListenCommand(t *testing.T) {
	_, c, ctx := setupBackend(t)
	write(t, ctx, c, "rooms/a", map[string]any{"n": int64(1)})

	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var buf syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- runListen(lctx, c, "rooms", queryFlags{}, client.ListenOptions{}, client.ServerTimestampNone,
			printer{w: &buf, format: "text"})
	}()

	waitForOutput(t, &buf, "+ rooms/a")
	write(t, ctx, c, "rooms/b", map[string]any{"n": int64(2)})
	waitForOutput(t, &buf, "+ rooms/b")

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("runListen returned %v after cancel, want nil", err)
	}

	err := runListen(ctx, c, "rooms", queryFlags{limitToLast: 1}, client.ListenOptions{}, client.ServerTimestampNone,
		printer{w: &buf, format: "text"})
	if err == nil || errors.Is(err, context.Canceled) {
		t.Errorf("listen with an invalid query = %v, want a validation error", err)
	}
}

func waitForOutput(t *testing.T, buf *syncBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(buf.String(), want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("output never contained %q:\n%s", want, buf.String())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
