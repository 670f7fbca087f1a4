package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/steveyegge/docsync/internal/client"
	"github.com/steveyegge/docsync/internal/ui"
	"gopkg.in/yaml.v3"
)

// docRecord is the printable form of a document snapshot.
type docRecord struct {
	Path             string         `json:"path" yaml:"path"`
	Exists           bool           `json:"exists" yaml:"exists"`
	Data             map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
	UpdateTime       string         `json:"update_time,omitempty" yaml:"update_time,omitempty"`
	FromCache        bool           `json:"from_cache" yaml:"from_cache"`
	HasPendingWrites bool           `json:"has_pending_writes" yaml:"has_pending_writes"`
}

// changeRecord is one entry of a listen event.
type changeRecord struct {
	Kind     string    `json:"kind" yaml:"kind"`
	OldIndex int       `json:"old_index" yaml:"old_index"`
	NewIndex int       `json:"new_index" yaml:"new_index"`
	Doc      docRecord `json:"doc" yaml:"doc"`
}

// queryRecord is the printable form of a query snapshot.
type queryRecord struct {
	Docs             []docRecord    `json:"docs" yaml:"docs"`
	Changes          []changeRecord `json:"changes,omitempty" yaml:"changes,omitempty"`
	FromCache        bool           `json:"from_cache" yaml:"from_cache"`
	HasPendingWrites bool           `json:"has_pending_writes" yaml:"has_pending_writes"`
}

func newDocRecord(s *client.DocumentSnapshot, behavior client.ServerTimestampBehavior) docRecord {
	r := docRecord{
		Path:             s.Ref.Path(),
		Exists:           s.Exists(),
		FromCache:        s.Metadata.FromCache,
		HasPendingWrites: s.Metadata.HasPendingWrites,
	}
	if s.Exists() {
		r.Data = plain(s.Data(behavior)).(map[string]any)
	}
	if !s.UpdateTime.IsZero() {
		r.UpdateTime = s.UpdateTime.Format(time.RFC3339Nano)
	}
	return r
}

func newQueryRecord(s *client.QuerySnapshot, behavior client.ServerTimestampBehavior, withChanges bool) queryRecord {
	r := queryRecord{
		Docs:             make([]docRecord, len(s.Docs)),
		FromCache:        s.Metadata.FromCache,
		HasPendingWrites: s.Metadata.HasPendingWrites,
	}
	for i, d := range s.Docs {
		r.Docs[i] = newDocRecord(d, behavior)
	}
	if withChanges {
		for _, c := range s.Changes {
			r.Changes = append(r.Changes, changeRecord{
				Kind:     c.Kind.String(),
				OldIndex: c.OldIndex,
				NewIndex: c.NewIndex,
				Doc:      newDocRecord(c.Doc, behavior),
			})
		}
	}
	return r
}

// plain converts document values into types every encoder handles the
// same way.
func plain(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = plain(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = plain(e)
		}
		return out
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case []byte:
		return base64.StdEncoding.EncodeToString(v)
	case *client.DocumentRef:
		return v.Path()
	case client.GeoPoint:
		return map[string]any{"latitude": v.Latitude, "longitude": v.Longitude}
	case client.Vector:
		return []float64(v)
	}
	return v
}

// printer writes records in the selected format.
type printer struct {
	w      io.Writer
	format string
}

func (p printer) encode(v any) error {
	switch p.format {
	case "json":
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("no encoder for format %q", p.format)
}

func (p printer) doc(r docRecord) error {
	if p.format != "text" {
		return p.encode(r)
	}
	if !r.Exists {
		_, err := fmt.Fprintf(p.w, "%s %s does not exist%s\n", ui.RenderWarn("⚠"), r.Path, metaSuffix(r.FromCache, false))
		return err
	}
	fmt.Fprintf(p.w, "%s%s\n", ui.RenderAccent(r.Path), metaSuffix(r.FromCache, r.HasPendingWrites))
	fields := make(map[string]string, len(r.Data))
	for k, v := range r.Data {
		fields["  "+k] = formatValue(v)
	}
	_, err := io.WriteString(p.w, ui.RenderFields(fields))
	return err
}

func (p printer) query(r queryRecord) error {
	if p.format != "text" {
		return p.encode(r)
	}
	for _, c := range r.Changes {
		var mark string
		switch c.Kind {
		case "added":
			mark = ui.RenderPass("+")
		case "removed":
			mark = ui.RenderFail("-")
		default:
			mark = ui.RenderWarn("~")
		}
		fmt.Fprintf(p.w, "%s %s\n", mark, c.Doc.Path)
	}
	for _, d := range r.Docs {
		if err := p.doc(d); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(p.w, "%s%s\n", ui.RenderMuted(fmt.Sprintf("%d document(s)", len(r.Docs))),
		metaSuffix(r.FromCache, r.HasPendingWrites))
	return err
}

func metaSuffix(fromCache, pending bool) string {
	var tags []string
	if fromCache {
		tags = append(tags, "cached")
	}
	if pending {
		tags = append(tags, "pending")
	}
	if len(tags) == 0 {
		return ""
	}
	return " " + ui.RenderMuted("("+strings.Join(tags, ", ")+")")
}

// formatValue renders a field for text output. Strings print bare,
// composites print as compact JSON.
func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case string:
		return v
	case map[string]any, []any, []float64:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
	return fmt.Sprint(v)
}
