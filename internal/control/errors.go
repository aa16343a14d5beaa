// Package control exposes the node's nine operations (connect, upload,
// download, delete, list nodes/files/blocks, capacity change, status) to
// any external caller — CLI, HTTP façade, or test — behind one typed error.
package control

import "fmt"

// Kind enumerates the error shapes of spec.md §7.
type Kind string

const (
	KindInsufficientCapacity Kind = "insufficient_capacity"
	KindUnavailable          Kind = "unavailable"
	KindMissing              Kind = "missing"
	KindInGroup              Kind = "in_group"
	KindBelowUsed            Kind = "below_used"
	KindOutOfRange           Kind = "out_of_range"
	KindPeerUnreachable      Kind = "peer_unreachable"
	KindProtocolError        Kind = "protocol_error"
	KindStorageError         Kind = "storage_error"
	KindDuplicateName        Kind = "duplicate_name"
	KindCancelled            Kind = "cancelled"
)

// Error is the single typed error every Surface method returns on failure,
// generalizing the teacher's ad hoc fmt.Errorf/client.APIError pattern so
// the HTTP façade and CLI can map a failure to a status/exit code without
// string matching.
type Error struct {
	Kind       Kind
	BlockIndex int // set when Kind == KindUnavailable
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == KindUnavailable {
		return fmt.Sprintf("unavailable(block_index=%d)", e.BlockIndex)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
