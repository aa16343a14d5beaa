// Package registry holds the replicated metadata model: nodes, files and
// blocks. Every node in the mesh keeps a full copy; mutations are applied
// locally and exchanged as deltas so peers converge without a coordinator.
package registry

import (
	"fmt"
	"time"
)

// Node is a group member. Labels are of the form nodo<K> and stable across
// restarts.
type Node struct {
	Label         string    `json:"label"`
	Address       string    `json:"address"`
	CapacityBytes int64     `json:"capacity_bytes"`
	UsedBytes     int64     `json:"used_bytes"`
	Online        bool      `json:"online"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// FreeBytes is CapacityBytes - UsedBytes, floored at zero.
func (n Node) FreeBytes() int64 {
	f := n.CapacityBytes - n.UsedBytes
	if f < 0 {
		return 0
	}
	return f
}

func (n Node) String() string {
	return fmt.Sprintf("%s@%s", n.Label, n.Address)
}

// File is an uploaded object: immutable once created, removed only by
// delete (which is terminal — see Tombstoned).
type File struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Owner      string    `json:"owner"`
	CreatedAt  time.Time `json:"created_at"`
	BlockIDs   []string  `json:"block_ids"` // ordered, BlockID.Key() strings
	Tombstoned bool      `json:"tombstoned"`
}

// BlockID identifies a block by (file name, sequence index).
type BlockID struct {
	File  string
	Index int
}

// Key renders the id as the map/registry key "<file>#<index>".
func (b BlockID) Key() string {
	return fmt.Sprintf("%s#%d", b.File, b.Index)
}

// BlockFileName renders the on-disk local store name "<file>__<index>.blk".
func (b BlockID) BlockFileName() string {
	return fmt.Sprintf("%s__%d.blk", b.File, b.Index)
}

func (b BlockID) String() string { return b.Key() }

// Block is a fixed-size slice of a file's byte stream, placed on exactly
// two distinct hosts: one original, one replica.
type Block struct {
	File         string `json:"file"`
	Index        int    `json:"index"`
	Size         int64  `json:"size"`
	OriginalHost string `json:"original_host"`
	ReplicaHost  string `json:"replica_host"`
}

// ID returns this block's identity.
func (b Block) ID() BlockID { return BlockID{File: b.File, Index: b.Index} }

// Available reports whether at least one host is currently online,
// consulting the supplied online-lookup function.
func (b Block) Available(online func(label string) bool) bool {
	return online(b.OriginalHost) || online(b.ReplicaHost)
}

// DeltaKind enumerates the kinds of mutation a Delta can carry.
type DeltaKind string

const (
	DeltaNodeUpsert  DeltaKind = "node_upsert"
	DeltaNodeMark    DeltaKind = "node_mark"
	DeltaFileAdd     DeltaKind = "file_add"
	DeltaFileRemove  DeltaKind = "file_remove"
	DeltaBlockHosts  DeltaKind = "block_hosts"
	DeltaCapacity    DeltaKind = "capacity_update"
)

// Delta is a single stamped mutation, the unit broadcast between peers.
type Delta struct {
	Version uint64    `json:"version"`
	Kind    DeltaKind `json:"kind"`
	Node    *Node     `json:"node,omitempty"`
	File    *File     `json:"file,omitempty"`
	Blocks  []Block   `json:"blocks,omitempty"`
}

// GroupState is the full persisted snapshot: this node's identity plus the
// complete node/file/block tables, authoritative across restarts.
type GroupState struct {
	SelfLabel        string  `json:"self_label"`
	GroupFingerprint string  `json:"group_fingerprint"`
	Version          uint64  `json:"version"`
	Nodes            []Node  `json:"nodes"`
	Files            []File  `json:"files"`
	Blocks           []Block `json:"blocks"`
}
