package remote

import (
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/query"
)

// Stream and RPC paths served by the backend.
const (
	ListenPath    = "/v1/listen"
	WritePath     = "/v1/write"
	RPCCommit     = "commit"
	RPCBatchGet   = "batchGet"
	rpcPathPrefix = "/v1/rpc/"
)

// RPCPath returns the HTTP path of a unary RPC.
func RPCPath(rpc string) string { return rpcPathPrefix + rpc }

// Header names sent when a stream or RPC is opened.
const (
	HeaderAuthorization = "Authorization"
	HeaderAppCheck      = "X-App-Check"
	HeaderDatabase      = "X-Database"
)

// Target change states on the listen stream.
const (
	TargetNoChange = "NO_CHANGE"
	TargetAdd      = "ADD"
	TargetRemove   = "REMOVE"
	TargetCurrent  = "CURRENT"
	TargetReset    = "RESET"
)

// ListenRequest is a client frame on the listen stream. Exactly one of
// AddTarget and RemoveTarget is set.
type ListenRequest struct {
	Database     string            `json:"database"`
	AddTarget    *TargetFrame      `json:"addTarget,omitempty"`
	RemoveTarget int32             `json:"removeTarget,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// TargetFrame asks the server to start watching a query or a fixed list of
// documents.
type TargetFrame struct {
	TargetID      int32         `json:"targetId"`
	Query         *query.Target `json:"query,omitempty"`
	Documents     []string      `json:"documents,omitempty"`
	ResumeToken   []byte        `json:"resumeToken,omitempty"`
	ReadTime      string        `json:"readTime,omitempty"`
	ExpectedCount *int32        `json:"expectedCount,omitempty"`
}

// ListenResponse is a server frame on the listen stream. Exactly one field
// is set.
type ListenResponse struct {
	TargetChange   *TargetChangeFrame    `json:"targetChange,omitempty"`
	DocumentChange *DocumentChangeFrame  `json:"documentChange,omitempty"`
	DocumentDelete *DocumentDeleteFrame  `json:"documentDelete,omitempty"`
	DocumentRemove *DocumentDeleteFrame  `json:"documentRemove,omitempty"`
	Filter         *ExistenceFilterFrame `json:"filter,omitempty"`
}

// TargetChangeFrame reports a state change for some targets. An empty
// TargetIDs list with NO_CHANGE means every target is consistent at
// ReadTime.
type TargetChangeFrame struct {
	TargetChangeType string       `json:"targetChangeType,omitempty"`
	TargetIDs        []int32      `json:"targetIds,omitempty"`
	Cause            *StatusFrame `json:"cause,omitempty"`
	ResumeToken      []byte       `json:"resumeToken,omitempty"`
	ReadTime         string       `json:"readTime,omitempty"`
}

// DocumentFrame is a document as the server sends it.
type DocumentFrame struct {
	Name       string                 `json:"name"`
	Fields     map[string]model.Value `json:"fields"`
	CreateTime string                 `json:"createTime,omitempty"`
	UpdateTime string                 `json:"updateTime"`
}

// DocumentChangeFrame carries a new document state for the listed targets.
type DocumentChangeFrame struct {
	Document         DocumentFrame `json:"document"`
	TargetIDs        []int32       `json:"targetIds,omitempty"`
	RemovedTargetIDs []int32       `json:"removedTargetIds,omitempty"`
}

// DocumentDeleteFrame reports a document that was deleted, or that stopped
// matching the listed targets when sent as a documentRemove.
type DocumentDeleteFrame struct {
	Document         string  `json:"document"`
	RemovedTargetIDs []int32 `json:"removedTargetIds,omitempty"`
	ReadTime         string  `json:"readTime,omitempty"`
}

// ExistenceFilterFrame tells the client how many documents match a target.
type ExistenceFilterFrame struct {
	TargetID       int32             `json:"targetId"`
	Count          int32             `json:"count"`
	UnchangedNames *BloomFilterFrame `json:"unchangedNames,omitempty"`
}

// BloomFilterFrame is the wire form of a bloom filter over document names.
type BloomFilterFrame struct {
	Bits      BitSequence `json:"bits"`
	HashCount int32       `json:"hashCount"`
}

// BitSequence is a bitmap with Padding unused bits in its last byte.
type BitSequence struct {
	Bitmap  []byte `json:"bitmap,omitempty"`
	Padding int32  `json:"padding,omitempty"`
}

// StatusFrame is an error on the wire.
type StatusFrame struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// WriteRequest is a client frame on the write stream. The first request on a
// stream is the handshake and carries no writes.
type WriteRequest struct {
	Database    string           `json:"database,omitempty"`
	StreamToken []byte           `json:"streamToken,omitempty"`
	Writes      []mutation.Write `json:"writes,omitempty"`
}

// WriteResponse acknowledges a WriteRequest.
type WriteResponse struct {
	StreamID     string             `json:"streamId,omitempty"`
	StreamToken  []byte             `json:"streamToken"`
	WriteResults []WriteResultFrame `json:"writeResults,omitempty"`
	CommitTime   string             `json:"commitTime,omitempty"`
}

// WriteResultFrame is the outcome of one write.
type WriteResultFrame struct {
	UpdateTime       string        `json:"updateTime,omitempty"`
	TransformResults []model.Value `json:"transformResults,omitempty"`
}

// ErrorResponse is the body of a failed RPC.
type ErrorResponse struct {
	Error StatusFrame `json:"error"`
}

// CommitRequest commits writes atomically outside the write stream.
type CommitRequest struct {
	Database string           `json:"database"`
	Writes   []mutation.Write `json:"writes"`
}

// CommitResponse is the result of a CommitRequest.
type CommitResponse struct {
	WriteResults []WriteResultFrame `json:"writeResults"`
	CommitTime   string             `json:"commitTime"`
}

// BatchGetRequest reads documents by name.
type BatchGetRequest struct {
	Database  string   `json:"database"`
	Documents []string `json:"documents"`
}

// BatchGetResponse holds one result per requested document.
type BatchGetResponse struct {
	Results []BatchGetResult `json:"results"`
}

// BatchGetResult is either a found document or a missing name.
type BatchGetResult struct {
	Found    *DocumentFrame `json:"found,omitempty"`
	Missing  string         `json:"missing,omitempty"`
	ReadTime string         `json:"readTime"`
}
