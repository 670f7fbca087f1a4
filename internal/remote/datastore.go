package remote

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/docsync/internal/asyncqueue"
	"github.com/steveyegge/docsync/internal/auth"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/status"
)

// Datastore performs unary RPCs and creates the streams for one database.
type Datastore struct {
	queue       *asyncqueue.Queue
	conn        Connection
	serializer  *Serializer
	credentials auth.TokenProvider
	appCheck    auth.TokenProvider
	streamCfg   StreamConfig
}

// NewDatastore returns a datastore using conn.
func NewDatastore(queue *asyncqueue.Queue, conn Connection, serializer *Serializer,
	credentials, appCheck auth.TokenProvider, streamCfg StreamConfig) *Datastore {
	if credentials == nil {
		credentials = auth.EmptyCredentialsProvider{}
	}
	if appCheck == nil {
		appCheck = auth.EmptyCredentialsProvider{}
	}
	return &Datastore{
		queue:       queue,
		conn:        conn,
		serializer:  serializer,
		credentials: credentials,
		appCheck:    appCheck,
		streamCfg:   streamCfg,
	}
}

// Serializer returns the datastore's serializer.
func (d *Datastore) Serializer() *Serializer { return d.serializer }

// NewWatchStream creates a watch stream bound to listener.
func (d *Datastore) NewWatchStream(listener WatchStreamListener) *WatchStream {
	return NewWatchStream(d.queue, d.conn, d.serializer, d.credentials, d.appCheck, d.streamCfg, listener)
}

// NewWriteStream creates a write stream bound to listener.
func (d *Datastore) NewWriteStream(listener WriteStreamListener) *WriteStream {
	return NewWriteStream(d.queue, d.conn, d.serializer, d.credentials, d.appCheck, d.streamCfg, listener)
}

// requestHeaders fetches the auth and app-check tokens in parallel and
// returns the headers that carry them.
func requestHeaders(ctx context.Context, db model.DatabaseID, credentials, appCheck auth.TokenProvider) (http.Header, error) {
	var authToken, appCheckToken *auth.Token
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		authToken, err = credentials.GetToken(gctx)
		return err
	})
	g.Go(func() (err error) {
		appCheckToken, err = appCheck.GetToken(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	h := make(http.Header)
	h.Set(HeaderDatabase, db.Name())
	if authToken != nil && authToken.Value != "" {
		h.Set(HeaderAuthorization, "Bearer "+authToken.Value)
	}
	if appCheckToken != nil && appCheckToken.Value != "" {
		h.Set(HeaderAppCheck, appCheckToken.Value)
	}
	return h, nil
}

func (d *Datastore) invoke(ctx context.Context, rpc string, req, resp any) error {
	headers, err := requestHeaders(ctx, d.serializer.DatabaseID(), d.credentials, d.appCheck)
	if err != nil {
		return err
	}
	err = d.conn.Invoke(ctx, rpc, req, resp, headers)
	if status.CodeOf(err) == status.Unauthenticated {
		d.credentials.InvalidateToken()
		d.appCheck.InvalidateToken()
	}
	return err
}

// Commit applies mutations atomically and returns their results.
func (d *Datastore) Commit(ctx context.Context, muts []mutation.Mutation) ([]mutation.Result, error) {
	req := &CommitRequest{
		Database: d.serializer.DatabaseID().Name(),
		Writes:   d.serializer.EncodeMutations(muts),
	}
	var resp CommitResponse
	if err := d.invoke(ctx, RPCCommit, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.WriteResults) != len(muts) {
		return nil, status.Errorf(status.Internal, "commit returned %d results for %d writes", len(resp.WriteResults), len(muts))
	}
	return d.serializer.DecodeWriteResults(resp.WriteResults, resp.CommitTime)
}

// BatchGetDocuments reads keys from the backend. Missing documents come
// back as deleted documents at the read time. The result is in the order of
// keys.
func (d *Datastore) BatchGetDocuments(ctx context.Context, keys []model.DocumentKey) ([]*model.MutableDocument, error) {
	req := &BatchGetRequest{Database: d.serializer.DatabaseID().Name()}
	for _, k := range keys {
		req.Documents = append(req.Documents, d.serializer.EncodeName(k))
	}
	var resp BatchGetResponse
	if err := d.invoke(ctx, RPCBatchGet, req, &resp); err != nil {
		return nil, err
	}
	byKey := make(map[model.DocumentKey]*model.MutableDocument, len(resp.Results))
	for i := range resp.Results {
		doc, err := d.serializer.DecodeBatchGetResult(&resp.Results[i])
		if err != nil {
			return nil, err
		}
		byKey[doc.Key] = doc
	}
	out := make([]*model.MutableDocument, 0, len(keys))
	for _, k := range keys {
		doc, ok := byKey[k]
		if !ok {
			return nil, fmt.Errorf("batchGet did not return %s", k)
		}
		out = append(out, doc)
	}
	return out, nil
}
