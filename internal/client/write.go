package client

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/status"
)

// SetOption makes Set merge into the existing document.
type SetOption interface {
	mergeFields(parsed *parsedData) ([]model.FieldPath, error)
}

type mergeAll struct{}

func (mergeAll) mergeFields(parsed *parsedData) ([]model.FieldPath, error) {
	return parsed.mask, nil
}

// Merge writes only the fields present in the data, leaving other fields
// of an existing document alone.
var Merge SetOption = mergeAll{}

type mergeFields []string

// MergeFields writes only the listed dotted field paths. Every listed
// field must appear in the data.
func MergeFields(paths ...string) SetOption { return mergeFields(paths) }

func (m mergeFields) mergeFields(parsed *parsedData) ([]model.FieldPath, error) {
	out := make([]model.FieldPath, 0, len(m))
	for _, s := range m {
		fp, err := model.ParseFieldPath(s)
		if err != nil {
			return nil, status.Errorf(status.InvalidArgument, "Set(): invalid merge field: %v", err)
		}
		if !parsedContains(parsed, fp) {
			return nil, status.Errorf(status.InvalidArgument,
				"Set(): field %q is specified in MergeFields but missing from the input data", s)
		}
		out = append(out, fp)
	}
	return out, nil
}

func parsedContains(parsed *parsedData, fp model.FieldPath) bool {
	if _, ok := parsed.value.Field(fp); ok {
		return true
	}
	for _, p := range parsed.mask {
		if fp.IsPrefixOf(p) {
			return true
		}
	}
	for _, t := range parsed.transforms {
		if fp.IsPrefixOf(t.Field) {
			return true
		}
	}
	return false
}

// Precondition guards an Update or Delete.
type Precondition struct {
	p mutation.Precondition
}

// Exists requires the document to exist, or not.
func Exists(exists bool) Precondition {
	return Precondition{p: mutation.Exists(exists)}
}

// LastUpdateTime requires the document to have been last written at t.
func LastUpdateTime(t time.Time) Precondition {
	return Precondition{p: mutation.UpdateTime(model.NewSnapshotVersion(model.TimestampFromTime(t)))}
}

// Update sets one field in an Update. Exactly one of Path (dotted) and
// FieldPath (raw segments, for keys containing dots) is set.
type Update struct {
	Path      string
	FieldPath []string
	Value     any
}

func (u Update) fieldPath() (model.FieldPath, error) {
	switch {
	case u.Path != "" && len(u.FieldPath) > 0:
		return model.FieldPath{}, status.New(status.InvalidArgument, "Update(): set only one of Path and FieldPath")
	case u.Path != "":
		fp, err := model.ParseFieldPath(u.Path)
		if err != nil {
			return model.FieldPath{}, status.Errorf(status.InvalidArgument, "Update(): %v", err)
		}
		return fp, nil
	case len(u.FieldPath) > 0:
		for _, s := range u.FieldPath {
			if s == "" {
				return model.FieldPath{}, status.New(status.InvalidArgument, "Update(): field path segments must not be empty")
			}
		}
		return model.NewFieldPath(u.FieldPath...), nil
	}
	return model.FieldPath{}, status.New(status.InvalidArgument, "Update(): an update needs a Path or a FieldPath")
}

func (c *Client) setMutation(ref *DocumentRef, data any, opts []SetOption) (mutation.Mutation, error) {
	if err := c.checkRef(ref); err != nil {
		return mutation.Mutation{}, err
	}
	if len(opts) > 1 {
		return mutation.Mutation{}, status.New(status.InvalidArgument, "Set(): at most one SetOption is allowed")
	}
	mode := parseSet
	if len(opts) == 1 {
		mode = parseMerge
	}
	parsed, err := newDataParser(c.db, mode, "Set").parseDocument(data)
	if err != nil {
		return mutation.Mutation{}, err
	}
	if mode == parseSet {
		return mutation.NewSet(ref.key, parsed.value, parsed.transforms...), nil
	}

	fields, err := opts[0].mergeFields(parsed)
	if err != nil {
		return mutation.Mutation{}, err
	}
	value := parsed.value
	transforms := parsed.transforms
	if _, explicit := opts[0].(mergeFields); explicit {
		value = model.NewObjectValue()
		for _, fp := range fields {
			if v, ok := parsed.value.Field(fp); ok {
				value.Set(fp, v)
			}
		}
		transforms = nil
		for _, t := range parsed.transforms {
			if coveredBy(fields, t.Field) {
				transforms = append(transforms, t)
			}
		}
		// Transformed fields are not part of the mask.
		var masked []model.FieldPath
		for _, fp := range fields {
			if !isTransformed(transforms, fp) {
				masked = append(masked, fp)
			}
		}
		fields = masked
	}
	return mutation.NewPatch(ref.key, value, model.NewFieldMask(fields...), mutation.NoPrecondition, transforms...), nil
}

func coveredBy(fields []model.FieldPath, fp model.FieldPath) bool {
	for _, f := range fields {
		if f.IsPrefixOf(fp) {
			return true
		}
	}
	return false
}

func isTransformed(transforms []mutation.FieldTransform, fp model.FieldPath) bool {
	for _, t := range transforms {
		if t.Field.Equal(fp) {
			return true
		}
	}
	return false
}

func (c *Client) updateMutation(ref *DocumentRef, updates []Update, preconds []Precondition) (mutation.Mutation, error) {
	if err := c.checkRef(ref); err != nil {
		return mutation.Mutation{}, err
	}
	if len(updates) == 0 {
		return mutation.Mutation{}, status.New(status.InvalidArgument, "Update(): at least one field must be updated")
	}
	pre, err := onePrecondition("Update", preconds, mutation.Exists(true))
	if err != nil {
		return mutation.Mutation{}, err
	}

	paths := make([]model.FieldPath, len(updates))
	for i, u := range updates {
		fp, err := u.fieldPath()
		if err != nil {
			return mutation.Mutation{}, err
		}
		if fp.IsKeyField() {
			return mutation.Mutation{}, status.Errorf(status.InvalidArgument, "Update(): %s cannot be updated", fp)
		}
		paths[i] = fp
	}
	if err := checkNoPrefixes(paths); err != nil {
		return mutation.Mutation{}, err
	}

	p := newDataParser(c.db, parseUpdate, "Update")
	for i, u := range updates {
		if err := p.parseUpdate(paths[i], u.Value); err != nil {
			return mutation.Mutation{}, err
		}
	}
	return mutation.NewPatch(ref.key, p.out.value, model.NewFieldMask(p.out.mask...), pre, p.out.transforms...), nil
}

// checkNoPrefixes rejects updates where one path contains another.
func checkNoPrefixes(paths []model.FieldPath) error {
	sorted := append([]model.FieldPath(nil), paths...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Compare(sorted[j]) < 0 })
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].IsPrefixOf(sorted[i]) {
			return status.Errorf(status.InvalidArgument,
				"Update(): field %s conflicts with field %s", sorted[i-1], sorted[i])
		}
	}
	return nil
}

func (c *Client) deleteMutation(ref *DocumentRef, preconds []Precondition) (mutation.Mutation, error) {
	if err := c.checkRef(ref); err != nil {
		return mutation.Mutation{}, err
	}
	pre, err := onePrecondition("Delete", preconds, mutation.NoPrecondition)
	if err != nil {
		return mutation.Mutation{}, err
	}
	return mutation.NewDelete(ref.key, pre), nil
}

func onePrecondition(method string, preconds []Precondition, def mutation.Precondition) (mutation.Precondition, error) {
	switch len(preconds) {
	case 0:
		return def, nil
	case 1:
		return preconds[0].p, nil
	}
	return mutation.Precondition{}, status.Errorf(status.InvalidArgument, "%s(): at most one precondition is allowed", method)
}

func (c *Client) checkRef(ref *DocumentRef) error {
	if ref == nil {
		return status.New(status.InvalidArgument, "nil DocumentRef")
	}
	if ref.err != nil {
		return ref.err
	}
	if ref.client != c {
		return status.Errorf(status.InvalidArgument,
			"DocumentRef %s belongs to a different client", ref.key)
	}
	return nil
}

// WriteBatch groups writes that are applied atomically. A batch can be
// committed or enqueued once.
type WriteBatch struct {
	client    *Client
	mutations []mutation.Mutation
	err       error
	used      bool
}

// Batch returns an empty write batch.
func (c *Client) Batch() *WriteBatch {
	return &WriteBatch{client: c}
}

func (b *WriteBatch) add(m mutation.Mutation, err error) *WriteBatch {
	if b.err != nil {
		return b
	}
	if b.used {
		b.err = status.New(status.FailedPrecondition, "a write batch can no longer be used after it was committed")
		return b
	}
	if err != nil {
		b.err = err
		return b
	}
	b.mutations = append(b.mutations, m)
	return b
}

// Set replaces ref's document with data, or merges it in with Merge or
// MergeFields.
func (b *WriteBatch) Set(ref *DocumentRef, data any, opts ...SetOption) *WriteBatch {
	return b.add(b.client.setMutation(ref, data, opts))
}

// Update changes fields of ref's existing document.
func (b *WriteBatch) Update(ref *DocumentRef, updates []Update, preconds ...Precondition) *WriteBatch {
	return b.add(b.client.updateMutation(ref, updates, preconds))
}

// Delete deletes ref's document. Deleting a missing document succeeds.
func (b *WriteBatch) Delete(ref *DocumentRef, preconds ...Precondition) *WriteBatch {
	return b.add(b.client.deleteMutation(ref, preconds))
}

// Enqueue applies the batch to the local cache and queues it for the
// backend. It returns once local listeners can see the writes.
func (b *WriteBatch) Enqueue(ctx context.Context) (*PendingWrite, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.used {
		return nil, status.New(status.FailedPrecondition, "a write batch can only be committed once")
	}
	b.used = true

	pw := &PendingWrite{done: make(chan struct{})}
	if len(b.mutations) == 0 {
		pw.finish(nil)
		return pw, nil
	}
	c := b.client
	err := c.run(ctx, func() error {
		_, err := c.engine.Write(c.ctx, b.mutations, pw.finish)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pw, nil
}

// Commit enqueues the batch and waits until the backend accepts or
// rejects it. While offline it waits until the network comes back or ctx
// ends; the write stays queued either way.
func (b *WriteBatch) Commit(ctx context.Context) error {
	pw, err := b.Enqueue(ctx)
	if err != nil {
		return err
	}
	return pw.Wait(ctx)
}

// PendingWrite tracks a batch the backend has not answered yet.
type PendingWrite struct {
	done chan struct{}
	err  error
}

func (p *PendingWrite) finish(err error) {
	p.err = err
	close(p.done)
}

// Done is closed when the backend has answered.
func (p *PendingWrite) Done() <-chan struct{} { return p.done }

// Err is the backend's answer once Done is closed.
func (p *PendingWrite) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the backend answers or ctx ends.
func (p *PendingWrite) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Set replaces the document with data, or merges it in with Merge or
// MergeFields, and waits for the backend.
func (r *DocumentRef) Set(ctx context.Context, data any, opts ...SetOption) error {
	return r.client.Batch().Set(r, data, opts...).Commit(ctx)
}

// Update changes fields of an existing document and waits for the backend.
// It fails with NotFound if the document does not exist.
func (r *DocumentRef) Update(ctx context.Context, updates []Update, preconds ...Precondition) error {
	return r.client.Batch().Update(r, updates, preconds...).Commit(ctx)
}

// Delete deletes the document and waits for the backend.
func (r *DocumentRef) Delete(ctx context.Context, preconds ...Precondition) error {
	return r.client.Batch().Delete(r, preconds...).Commit(ctx)
}

// Create writes data to a document that must not exist yet.
func (r *DocumentRef) Create(ctx context.Context, data any) error {
	m, err := r.client.setMutation(r, data, nil)
	if err != nil {
		return err
	}
	m.Precondition = mutation.Exists(false)
	return r.client.Batch().add(m, nil).Commit(ctx)
}

// UpdatesFromMap turns a map of dotted field paths into updates, sorted
// by path.
func UpdatesFromMap(m map[string]any) []Update {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Update, len(keys))
	for i, k := range keys {
		out[i] = Update{Path: strings.TrimSpace(k), Value: m[k]}
	}
	return out
}
