package mesh

import (
	"encoding/json"
	"fmt"

	"meshblob/internal/registry"
)

// PeerInfo is the address-book entry exchanged in PEER_LIST and WELCOME.
type PeerInfo struct {
	Label   string `json:"label"`
	Address string `json:"address"`
}

// HelloPayload is the HELLO request body: the joining node's own address
// and, if it has one, the label it held before disconnecting.
type HelloPayload struct {
	ClaimedLabel       string `json:"claimed_label,omitempty"`
	ClaimedFingerprint string `json:"claimed_fingerprint,omitempty"`
	Address            string `json:"address"`
}

// WelcomePayload is WELCOME's reply body: the label assigned or reclaimed,
// the full peer list, and a metadata snapshot to rehydrate from.
type WelcomePayload struct {
	AssignedLabel string               `json:"assigned_label"`
	PeerList      []PeerInfo           `json:"peer_list"`
	Snapshot      registry.GroupState  `json:"snapshot"`
}

// PeerListPayload carries a rebroadcast address book.
type PeerListPayload struct {
	Peers []PeerInfo `json:"peers"`
}

// MetaSyncPayload carries a full metadata snapshot exchanged for
// reconciliation — spec.md describes this as "a versioned snapshot blob".
type MetaSyncPayload struct {
	Snapshot registry.GroupState `json:"snapshot"`
}

// FileAnnouncePayload gossips a finished upload's file and block records.
type FileAnnouncePayload struct {
	File   registry.File    `json:"file"`
	Blocks []registry.Block `json:"blocks"`
}

// FileDeletePayload gossips a delete.
type FileDeletePayload struct {
	Name string `json:"name"`
}

// CapacityUpdatePayload gossips a node's new declared capacity.
type CapacityUpdatePayload struct {
	Label         string `json:"label"`
	CapacityBytes int64  `json:"capacity_bytes"`
}

func encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Every payload type here is JSON-marshalable by construction; a
		// failure indicates a programming error, not a runtime condition.
		panic(fmt.Sprintf("mesh: marshal payload: %v", err))
	}
	return data
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("protocol_error: %w", err)
	}
	return nil
}
