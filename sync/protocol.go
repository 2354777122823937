package sync

import (
	"github.com/teranos/cellsync/errors"
	"github.com/teranos/cellsync/hlc"
	"github.com/teranos/cellsync/record"
)

// Sync protocol message types.
//
// A session reconciles one group between an initiator and a responder. The
// initiator drives; every request gets exactly one response carrying the same
// id, either of the same type or MsgError.
//
// Protocol flow:
//
//	1. Hello: group + params → responder's root hash and count
//	2. Roots equal → Done, zero records transferred
//	3. SubtreeHashes: paths → hash and count per path, one level at a time
//	4. Leaves: paths of small or bucket subtrees → their (key, content) leaves
//	5. GetRecord / PutRecord for each missing key
//	6. Done: responder checkpoints and releases the group
type MsgType string

const (
	// MsgHello opens a session for one group and negotiates the tree shape.
	MsgHello MsgType = "sync_hello"

	// MsgSubtreeHashes asks for the hash and count at each listed path.
	MsgSubtreeHashes MsgType = "sync_subtree_hashes"

	// MsgLeaves asks for every leaf under the listed paths, in key order.
	MsgLeaves MsgType = "sync_leaves"

	// MsgGetRecord fetches one record by key.
	MsgGetRecord MsgType = "sync_get_record"

	// MsgPutRecord pushes one record the responder lacks.
	MsgPutRecord MsgType = "sync_put_record"

	// MsgDone ends the session.
	MsgDone MsgType = "sync_done"

	// MsgError answers any request that failed.
	MsgError MsgType = "sync_error"
)

// ErrorCode classifies a MsgError so the initiator can tell transient
// failures from structural ones.
type ErrorCode string

const (
	CodeConflict ErrorCode = "conflict"
	CodeBusy     ErrorCode = "busy"
	CodeProtocol ErrorCode = "protocol"
	CodeStore    ErrorCode = "store"
	CodeNotFound ErrorCode = "not_found"
	CodeTimeout  ErrorCode = "timeout"
	CodeInvalid  ErrorCode = "invalid"
	CodeInternal ErrorCode = "internal"
)

// WireError is the body of a MsgError.
type WireError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Msg is the envelope for all sync protocol messages.
type Msg struct {
	Type MsgType `json:"type"`
	ID   uint64  `json:"id"`

	// Hello
	Group  string  `json:"group,omitempty"`
	Name   string  `json:"name,omitempty"` // self-identified node name (from [sync] name)
	Params *Params `json:"params,omitempty"`
	Root   *Digest `json:"root,omitempty"`
	Count  int     `json:"count,omitempty"`

	// SubtreeHashes and Leaves requests
	Paths []Path `json:"paths,omitempty"`

	// SubtreeHashes response, same order as the requested paths
	Nodes []NodeInfo `json:"nodes,omitempty"`

	// Leaves response
	Leaves []Leaf `json:"leaves,omitempty"`

	// GetRecord request
	Key *hlc.Timestamp `json:"key,omitempty"`

	// GetRecord response and PutRecord request
	Record *record.Record `json:"record,omitempty"`

	// PutRecord request: content hash of Record as the sender stored it
	Content *record.Hash `json:"content,omitempty"`

	// PutRecord response
	Inserted bool `json:"inserted,omitempty"`

	// Stats (on Done)
	Sent     int `json:"sent,omitempty"`
	Received int `json:"received,omitempty"`

	Error *WireError `json:"error,omitempty"`
}

var codeSentinels = map[ErrorCode]error{
	CodeConflict: errors.ErrConflict,
	CodeBusy:     errors.ErrSessionBusy,
	CodeProtocol: errors.ErrProtocolMismatch,
	CodeStore:    errors.ErrStore,
	CodeNotFound: errors.ErrNotFound,
	CodeTimeout:  errors.ErrSyncTimeout,
	CodeInvalid:  errors.ErrInvalidRequest,
}

// codeOf maps an error onto the code sent to the peer.
func codeOf(err error) ErrorCode {
	// Order matters: a store error wrapping a conflict is still a conflict
	for _, code := range []ErrorCode{CodeConflict, CodeBusy, CodeProtocol, CodeNotFound, CodeTimeout, CodeInvalid, CodeStore} {
		if errors.Is(err, codeSentinels[code]) {
			return code
		}
	}
	return CodeInternal
}

func errorMsg(id uint64, err error) Msg {
	return Msg{Type: MsgError, ID: id, Error: &WireError{Code: codeOf(err), Message: err.Error()}}
}

// asError turns a received MsgError back into an error matching the
// corresponding sentinel.
func (w *WireError) asError(req MsgType) error {
	if sentinel, ok := codeSentinels[w.Code]; ok {
		return errors.Wrapf(sentinel, "peer rejected %s: %s", req, w.Message)
	}
	return errors.Newf("peer failed %s (%s): %s", req, w.Code, w.Message)
}
