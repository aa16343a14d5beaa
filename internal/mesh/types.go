// Package mesh implements join, failure detection, and the per-peer state
// machine that keeps a full-mesh topology converged without a coordinator.
package mesh

import "time"

// PeerState is this node's observed view of one peer, per spec.md §4.4.
type PeerState int

const (
	StateUnknown PeerState = iota
	StateOnline
	StateOffline
	StateGone
)

func (s PeerState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	case StateGone:
		return "gone"
	default:
		return "invalid"
	}
}

// Peer is this node's bookkeeping about one other member: its address (for
// dialing) and current liveness view.
type Peer struct {
	Label    string
	Address  string
	State    PeerState
	LastSeen time.Time
	Sequence uint64 // highest heartbeat sequence number observed
}

const (
	// HeartbeatInterval is how often this node emits a heartbeat to every
	// known peer.
	HeartbeatInterval = 3 * time.Second
	// OfflineTimeout is how long without a heartbeat before a peer is
	// marked offline.
	OfflineTimeout = 9 * time.Second
	// sweepInterval is how often the expiry sweep checks last_seen against
	// OfflineTimeout; finer-grained than the timeout itself so the
	// transition happens close to the 9s mark.
	sweepInterval = 1 * time.Second
)
