package placement

import "fmt"

// Sentinel errors matching the Control Surface error kinds of spec.md §7
// that originate inside the placement engine itself.
var (
	ErrInsufficientCapacity = fmt.Errorf("insufficient_capacity")
	ErrMissing              = fmt.Errorf("missing")
	ErrCancelled            = fmt.Errorf("cancelled")
)

// UnavailableError reports that neither host of a block was online during
// a download.
type UnavailableError struct {
	BlockIndex int
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("unavailable(block_index=%d)", e.BlockIndex)
}

// PeerUnreachableError marks a transient failure contacting a specific
// node; the caller (the placement engine) retries against the next
// candidate rather than surfacing this directly.
type PeerUnreachableError struct {
	Label string
	Err   error
}

func (e *PeerUnreachableError) Error() string {
	return fmt.Sprintf("peer_unreachable(%s): %v", e.Label, e.Err)
}

func (e *PeerUnreachableError) Unwrap() error { return e.Err }
