package client

import (
	"context"

	"github.com/steveyegge/docsync/internal/core"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/status"
)

// Transaction reads documents from the server and writes them atomically.
// Every write commits only if the documents read are unchanged. All reads
// must come before any write.
type Transaction struct {
	client *Client
	ctx    context.Context
	txn    *core.Transaction
}

// Get reads one document from the server.
func (t *Transaction) Get(ref *DocumentRef) (*DocumentSnapshot, error) {
	snaps, err := t.GetAll([]*DocumentRef{ref})
	if err != nil {
		return nil, err
	}
	return snaps[0], nil
}

// GetAll reads documents from the server, in the order of refs.
func (t *Transaction) GetAll(refs []*DocumentRef) ([]*DocumentSnapshot, error) {
	keys := make([]model.DocumentKey, len(refs))
	for i, ref := range refs {
		if err := t.client.checkRef(ref); err != nil {
			return nil, err
		}
		keys[i] = ref.key
	}
	docs, err := t.txn.Lookup(t.ctx, keys)
	if err != nil {
		return nil, err
	}
	byKey := make(map[model.DocumentKey]*model.MutableDocument, len(docs))
	for _, doc := range docs {
		byKey[doc.Key] = doc
	}
	out := make([]*DocumentSnapshot, len(refs))
	for i, ref := range refs {
		out[i] = t.client.docSnapshot(ref.key, byKey[ref.key], false, false)
	}
	return out, nil
}

// Set writes data to ref, like DocumentRef.Set.
func (t *Transaction) Set(ref *DocumentRef, data any, opts ...SetOption) error {
	m, err := t.client.setMutation(ref, data, opts)
	if err != nil {
		return err
	}
	t.txn.Set(m)
	return nil
}

// Update changes fields of ref, which must exist.
func (t *Transaction) Update(ref *DocumentRef, updates []Update) error {
	m, err := t.client.updateMutation(ref, updates, nil)
	if err != nil {
		return err
	}
	t.txn.Update(m)
	return nil
}

// Delete deletes ref's document.
func (t *Transaction) Delete(ref *DocumentRef) error {
	if err := t.client.checkRef(ref); err != nil {
		return err
	}
	t.txn.Delete(ref.key)
	return nil
}

// TransactionOption tunes RunTransaction.
type TransactionOption func(*core.TransactionOptions)

// MaxAttempts bounds how often fn runs. The default is 5.
func MaxAttempts(n int) TransactionOption {
	return func(o *core.TransactionOptions) { o.MaxAttempts = n }
}

// RunTransaction runs fn in a transaction and commits its writes. When
// another client changed a document fn read, fn runs again with fresh
// reads, up to MaxAttempts times with backoff in between. An error from fn
// aborts without retrying. Transactions need the network.
func (c *Client) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx *Transaction) error,
	opts ...TransactionOption) error {
	if c.isClosed() {
		return ErrClosed
	}
	topts := core.DefaultTransactionOptions()
	topts.Backoff = c.backoffConfig()
	for _, opt := range opts {
		opt(&topts)
	}
	if topts.MaxAttempts < 1 {
		return status.New(status.InvalidArgument, "MaxAttempts must be at least 1")
	}
	runner := core.NewTransactionRunner(c.queue, c.datastore, func(ctx context.Context, txn *core.Transaction) error {
		return fn(ctx, &Transaction{client: c, ctx: ctx, txn: txn})
	}, topts)
	return runner.Run(ctx)
}
