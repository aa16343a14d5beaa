package control

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"meshblob/internal/mesh"
	"meshblob/internal/placement"
	"meshblob/internal/registry"
)

const (
	minCapacityBytes = 50 << 20
	maxCapacityBytes = 100 << 20
)

// NodeInfo is one row of ListNodes.
type NodeInfo struct {
	Label   string
	Online  bool
	Capacity int64
	Used    int64
}

// FileInfo is one row of ListFiles.
type FileInfo struct {
	Name      string
	Size      int64
	Owner     string
	CreatedAt time.Time
}

// BlockStatus classifies a block's relationship to this node, per §4.6.
type BlockStatus string

const (
	BlockOriginalHere       BlockStatus = "original_here"
	BlockReplicaHere        BlockStatus = "replica_here"
	BlockFreeHere           BlockStatus = "free_here"
	BlockOfflineElsewhere   BlockStatus = "offline_elsewhere"
	BlockPresentElsewhere   BlockStatus = "present_elsewhere"
)

// BlockInfo is one row of ListBlocks.
type BlockInfo struct {
	File         string
	Index        int
	OriginalHost string
	ReplicaHost  string
	Status       BlockStatus
}

// Status is the return shape of Status().
type Status struct {
	Label      string
	PeerCount  int
	TotalFree  int64
	TotalUsed  int64
}

// Surface implements the 9 operations of spec.md §4.6. It is
// transport-agnostic: internal/api wraps it with an HTTP façade and
// cmd/meshnode wraps it with a cobra CLI, neither of which this package
// imports.
type Surface struct {
	reg    *registry.Registry
	mesh   *mesh.Membership
	engine *placement.Engine
	log    *logrus.Entry
}

// New builds a Surface over an already-running node.
func New(reg *registry.Registry, m *mesh.Membership, engine *placement.Engine, log *logrus.Entry) *Surface {
	return &Surface{reg: reg, mesh: m, engine: engine, log: log}
}

// Connect joins the mesh through peerAddress, returning the label assigned
// or reclaimed.
func (s *Surface) Connect(peerAddress string) (string, error) {
	if err := s.mesh.Join(peerAddress); err != nil {
		return "", newErr(KindPeerUnreachable, err)
	}
	return s.mesh.SelfLabel(), nil
}

// ListNodes returns every known node's liveness and capacity.
func (s *Surface) ListNodes() []NodeInfo {
	nodes := s.reg.Nodes()
	out := make([]NodeInfo, len(nodes))
	for i, n := range nodes {
		out[i] = NodeInfo{Label: n.Label, Online: n.Online, Capacity: n.CapacityBytes, Used: n.UsedBytes}
	}
	return out
}

// Upload splits localPath into blocks and places them across the mesh.
func (s *Surface) Upload(ctx context.Context, name, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return newErr(KindStorageError, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return newErr(KindStorageError, err)
	}
	err = s.engine.Upload(ctx, name, s.mesh.SelfLabel(), f, info.Size())
	return translatePlacementErr(err)
}

// ListFiles returns every non-deleted file's metadata.
func (s *Surface) ListFiles() []FileInfo {
	files := s.reg.Files()
	out := make([]FileInfo, len(files))
	for i, f := range files {
		out[i] = FileInfo{Name: f.Name, Size: f.Size, Owner: f.Owner, CreatedAt: f.CreatedAt}
	}
	return out
}

// Download fetches name's contents and writes them to localPath.
func (s *Surface) Download(ctx context.Context, name, localPath string) error {
	out, err := os.Create(localPath)
	if err != nil {
		return newErr(KindStorageError, err)
	}
	defer out.Close()
	if err := s.engine.Download(ctx, name, out); err != nil {
		return translatePlacementErr(err)
	}
	return nil
}

// Delete removes name from the mesh.
func (s *Surface) Delete(ctx context.Context, name string) error {
	return translatePlacementErr(s.engine.Delete(ctx, name))
}

// ListBlocks returns every block's placement and this node's relationship
// to it.
func (s *Surface) ListBlocks() []BlockInfo {
	self := s.reg.SelfLabel()
	blocks := s.reg.AllBlocks()
	out := make([]BlockInfo, len(blocks))
	for i, b := range blocks {
		out[i] = BlockInfo{File: b.File, Index: b.Index, OriginalHost: b.OriginalHost, ReplicaHost: b.ReplicaHost, Status: s.classify(self, b)}
	}
	return out
}

func (s *Surface) classify(self string, b registry.Block) BlockStatus {
	if b.OriginalHost == self {
		return BlockOriginalHere
	}
	if b.ReplicaHost == self {
		return BlockReplicaHere
	}
	originalOnline := s.reg.IsOnline(b.OriginalHost)
	replicaOnline := s.reg.IsOnline(b.ReplicaHost)
	if originalOnline || replicaOnline {
		return BlockPresentElsewhere
	}
	return BlockOfflineElsewhere
}

// SetCapacity changes this node's declared capacity, subject to the
// preconditions of spec.md §4.5: permitted only while disconnected, within
// [50, 100] MiB, and not below current used bytes.
func (s *Surface) SetCapacity(bytes int64) error {
	if s.mesh.InGroup() {
		return newErr(KindInGroup, nil)
	}
	self, ok := s.reg.GetNode(s.mesh.SelfLabel())
	if !ok {
		return newErr(KindMissing, nil)
	}
	if bytes < minCapacityBytes || bytes > maxCapacityBytes {
		return newErr(KindOutOfRange, nil)
	}
	if bytes < self.UsedBytes {
		return newErr(KindBelowUsed, nil)
	}
	if _, ok := s.reg.SetCapacity(s.mesh.SelfLabel(), bytes); !ok {
		return newErr(KindMissing, nil)
	}
	return nil
}

// Status reports this node's label, peer count, and aggregate mesh
// capacity.
func (s *Surface) Status() Status {
	var free, used int64
	for _, n := range s.reg.Nodes() {
		free += n.FreeBytes()
		used += n.UsedBytes
	}
	return Status{
		Label:     s.mesh.SelfLabel(),
		PeerCount: s.mesh.PeerCount(),
		TotalFree: free,
		TotalUsed: used,
	}
}

func translatePlacementErr(err error) error {
	if err == nil {
		return nil
	}
	var unavail *placement.UnavailableError
	switch {
	case errors.As(err, &unavail):
		return &Error{Kind: KindUnavailable, BlockIndex: unavail.BlockIndex, Err: err}
	case errors.Is(err, placement.ErrInsufficientCapacity):
		return newErr(KindInsufficientCapacity, err)
	case errors.Is(err, placement.ErrMissing):
		return newErr(KindMissing, err)
	case errors.Is(err, placement.ErrCancelled):
		return newErr(KindCancelled, err)
	case errors.Is(err, registry.ErrDuplicateName):
		return newErr(KindDuplicateName, err)
	default:
		return newErr(KindStorageError, err)
	}
}
