package core

import (
	"context"
	"errors"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/status"
)

// ErrTransactionCommitted is returned when a transaction is used after
// Commit.
var ErrTransactionCommitted = errors.New("transaction has already been committed")

// Transaction reads documents from the server and buffers writes that are
// committed atomically, guarded by the versions that were read. All reads
// must happen before the first write.
//
// A Transaction is used by one goroutine at a time and does not touch the
// async queue.
type Transaction struct {
	datastore *remote.Datastore

	// readVersions are the versions seen by Lookup; the minimum version
	// means the document did not exist.
	readVersions map[model.DocumentKey]model.SnapshotVersion
	mutations    []mutation.Mutation
	writtenDocs  map[model.DocumentKey]bool
	committed    bool

	// lastErr is a deferred write error, returned from Commit.
	lastErr error
}

// NewTransaction returns an empty transaction.
func NewTransaction(datastore *remote.Datastore) *Transaction {
	return &Transaction{
		datastore:    datastore,
		readVersions: make(map[model.DocumentKey]model.SnapshotVersion),
		writtenDocs:  make(map[model.DocumentKey]bool),
	}
}

// Lookup reads keys from the server. Documents that do not exist come back
// as no-documents.
func (t *Transaction) Lookup(ctx context.Context, keys []model.DocumentKey) ([]*model.MutableDocument, error) {
	if t.committed {
		return nil, ErrTransactionCommitted
	}
	if len(t.mutations) > 0 {
		t.lastErr = status.New(status.InvalidArgument, "transactions require all reads to be executed before all writes")
		return nil, t.lastErr
	}
	docs, err := t.datastore.BatchGetDocuments(ctx, keys)
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		if err := t.recordVersion(doc); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func (t *Transaction) recordVersion(doc *model.MutableDocument) error {
	var version model.SnapshotVersion
	switch {
	case doc.IsFoundDocument():
		version = doc.Version
	case doc.IsNoDocument():
		version = model.MinVersion
	default:
		return status.Errorf(status.Internal, "document %s in a transaction was a %s", doc.Key, doc.Type())
	}
	if existing, ok := t.readVersions[doc.Key]; ok {
		if !existing.Equal(version) {
			return status.New(status.Aborted, "document version changed between two reads")
		}
		return nil
	}
	t.readVersions[doc.Key] = version
	return nil
}

// Set writes m, a Set or a merging Patch, guarded by the version read for
// its document.
func (t *Transaction) Set(m mutation.Mutation) {
	m.Precondition = t.precondition(m.Key)
	t.write(m)
}

// Update writes the Patch m, which fails if the document does not exist.
func (t *Transaction) Update(m mutation.Mutation) {
	pre, err := t.preconditionForUpdate(m.Key)
	if err != nil {
		t.lastErr = err
		t.writtenDocs[m.Key] = true
		return
	}
	m.Precondition = pre
	t.write(m)
}

// Delete deletes key.
func (t *Transaction) Delete(key model.DocumentKey) {
	t.write(mutation.NewDelete(key, t.precondition(key)))
}

func (t *Transaction) write(m mutation.Mutation) {
	if t.committed {
		t.lastErr = ErrTransactionCommitted
		return
	}
	t.mutations = append(t.mutations, m)
	t.writtenDocs[m.Key] = true
}

// precondition guards a write to key with the version read for it, unless
// the transaction already wrote key.
func (t *Transaction) precondition(key model.DocumentKey) mutation.Precondition {
	version, ok := t.readVersions[key]
	if !ok || t.writtenDocs[key] {
		return mutation.Precondition{}
	}
	if version.IsMin() {
		return mutation.Exists(false)
	}
	return mutation.UpdateTime(version)
}

func (t *Transaction) preconditionForUpdate(key model.DocumentKey) (mutation.Precondition, error) {
	version, ok := t.readVersions[key]
	if !ok || t.writtenDocs[key] {
		return mutation.Exists(true), nil
	}
	if version.IsMin() {
		return mutation.Precondition{}, status.New(status.FailedPrecondition, "can't update a document that doesn't exist")
	}
	return mutation.UpdateTime(version), nil
}

// Commit sends the buffered writes. Documents that were read but not
// written are verified unchanged.
func (t *Transaction) Commit(ctx context.Context) error {
	if t.committed {
		return ErrTransactionCommitted
	}
	if t.lastErr != nil {
		return t.lastErr
	}
	var verified []model.DocumentKey
	for key := range t.readVersions {
		if !t.writtenDocs[key] {
			verified = append(verified, key)
		}
	}
	model.SortKeys(verified)
	muts := t.mutations
	for _, key := range verified {
		muts = append(muts, mutation.NewVerify(key, t.precondition(key)))
	}
	if len(muts) > 0 {
		if _, err := t.datastore.Commit(ctx, muts); err != nil {
			return err
		}
	}
	t.committed = true
	return nil
}
