// Package protocol defines the JSON messages exchanged over a sync connection. Every message is an Envelope
// whose Type selects the payload.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/astromechza/textsync/pkg/coordinator"
	"github.com/astromechza/textsync/pkg/history"
	"github.com/astromechza/textsync/pkg/ot"
	"github.com/astromechza/textsync/pkg/presence"
)

type Kind uint8

const (
	KindSubscribe Kind = iota + 1
	KindUnsubscribe
	KindOperation
	KindAck
	KindError
	KindChange
	KindCursor
	KindPresence
	KindSync
)

var kindNames = map[Kind]string{
	KindSubscribe:   "subscribe",
	KindUnsubscribe: "unsubscribe",
	KindOperation:   "operation",
	KindAck:         "ack",
	KindError:       "error",
	KindChange:      "change",
	KindCursor:      "cursor",
	KindPresence:    "presence",
	KindSync:        "sync",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	if n, ok := kindNames[k]; ok {
		return []byte(n), nil
	}
	return nil, fmt.Errorf("unknown message kind %d", uint8(k))
}

func (k *Kind) UnmarshalText(b []byte) error {
	for kind, n := range kindNames {
		if n == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("%w: unknown message type %q", ErrBadRequest, string(b))
}

type Envelope struct {
	Type       Kind            `json:"type"`
	DocumentID string          `json:"documentId,omitempty"`
	RequestID  string          `json:"requestId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope around payload. A nil payload leaves it empty.
func New(kind Kind, documentID, requestID string, payload any) (Envelope, error) {
	env := Envelope{Type: kind, DocumentID: documentID, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", kind, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s message without payload", ErrBadRequest, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: bad %s payload: %v", ErrBadRequest, e.Type, err)
	}
	return nil
}

// Operation is a client submission. The server overwrites AuthorID with the connection's identity.
type Operation struct {
	Operation   ot.Operation `json:"operation"`
	BaseVersion int64        `json:"baseVersion"`
}

type Ack struct {
	OperationID string       `json:"operationId"`
	Version     int64        `json:"version"`
	Operation   ot.Operation `json:"operation"`
	Duplicate   bool         `json:"duplicate,omitempty"`
}

type Error struct {
	Code        Code   `json:"code"`
	Message     string `json:"message"`
	OperationID string `json:"operationId,omitempty"`
}

type Change struct {
	Operation ot.Operation `json:"operation"`
	Version   int64        `json:"version"`
	AuthorID  string       `json:"authorId"`
}

type Cursor struct {
	Cursor    *presence.Cursor    `json:"cursor,omitempty"`
	Selection *presence.Selection `json:"selection,omitempty"`
}

type Presence struct {
	Users []presence.Presence `json:"users"`
}

type SyncRequest struct {
	Version int64 `json:"version"`
}

// SyncResponse carries either the entries after the requested version, or a snapshot of the whole document
// when those entries are no longer available.
type SyncResponse struct {
	Version  int64           `json:"version"`
	Entries  []history.Entry `json:"entries,omitempty"`
	Snapshot *string         `json:"snapshot,omitempty"`
	// Applied lists the operations behind a snapshot that are still addressable, so a client can tell which of
	// its unacknowledged operations the snapshot already contains.
	Applied []Applied `json:"applied,omitempty"`
}

type Applied struct {
	OperationID string `json:"operationId"`
	Version     int64  `json:"version"`
}

type Code string

const (
	CodeInvalidOperation   Code = "invalid_operation"
	CodeUnknownDocument    Code = "unknown_document"
	CodeVersionTooOld      Code = "version_too_old"
	CodeHistoryUnavailable Code = "history_unavailable"
	CodeRateLimited        Code = "rate_limited"
	CodeBadRequest         Code = "bad_request"
	CodeInternal           Code = "internal"
)

var (
	ErrBadRequest = errors.New("bad request")

	ErrRateLimited = errors.New("rate limited")

	ErrInternal = errors.New("internal server error")
)

var codeErrors = []struct {
	code Code
	err  error
}{
	{CodeInvalidOperation, ot.ErrInvalidOperation},
	{CodeUnknownDocument, coordinator.ErrUnknownDocument},
	{CodeVersionTooOld, history.ErrVersionTooOld},
	{CodeHistoryUnavailable, history.ErrHistoryUnavailable},
	{CodeRateLimited, ErrRateLimited},
	{CodeBadRequest, ErrBadRequest},
}

// CodeOf classifies err for the wire. Anything unrecognised is internal.
func CodeOf(err error) Code {
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	return CodeInternal
}

// ErrorFor turns a received error back into an error matching the sentinel of its code.
func ErrorFor(p Error) error {
	for _, ce := range codeErrors {
		if ce.code == p.Code {
			return fmt.Errorf("%w: %s", ce.err, p.Message)
		}
	}
	return fmt.Errorf("%w: %s", ErrInternal, p.Message)
}

// ErrorEnvelope builds the error reply for err.
func ErrorEnvelope(documentID, requestID, operationID string, err error) Envelope {
	env, _ := New(KindError, documentID, requestID, Error{Code: CodeOf(err), Message: err.Error(), OperationID: operationID})
	return env
}
