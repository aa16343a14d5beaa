package registry

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrDuplicateName is returned by AcquireUploadLease when another upload of
// the same file name is already in flight on this node (see spec Open
// Question on concurrent same-name uploads).
var ErrDuplicateName = fmt.Errorf("duplicate_name")

// ErrUnknownFile / ErrUnknownNode mark lookups that found nothing.
var (
	ErrUnknownFile = fmt.Errorf("missing")
	ErrUnknownNode = fmt.Errorf("missing")
)

// Registry holds the three canonical tables behind a single mutex.
// Mutations are short and never perform I/O while the lock is held; snapshot
// persistence is handled by a Snapshotter fed from ScheduleWrite.
type Registry struct {
	mu sync.RWMutex

	selfLabel        string
	groupFingerprint string
	version          uint64

	nodes  map[string]*Node
	files  map[string]*File
	blocks map[string]*Block // keyed by BlockID.Key()

	leases map[string]time.Time // upload name -> lease expiry

	snap *Snapshotter
	log  *logrus.Entry
}

// New creates an empty registry for selfLabel. Callers normally prefer
// Load, which rehydrates from a persisted snapshot when one exists.
func New(selfLabel string, log *logrus.Entry) *Registry {
	return &Registry{
		selfLabel: selfLabel,
		nodes:     make(map[string]*Node),
		files:     make(map[string]*File),
		blocks:    make(map[string]*Block),
		leases:    make(map[string]time.Time),
		log:       log,
	}
}

// Load rehydrates a registry from the snapshot at path, or returns a fresh
// one seeded with selfLabel if no snapshot exists yet. A corrupt snapshot is
// a fatal condition: the caller must refuse to start rather than discard it.
func Load(path string, selfLabel string, log *logrus.Entry) (*Registry, error) {
	state, found, err := LoadSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("load metadata snapshot: %w", err)
	}
	r := New(selfLabel, log)
	if !found {
		r.snap = NewSnapshotter(path, r.snapshot)
		return r, nil
	}
	r.selfLabel = state.SelfLabel
	r.groupFingerprint = state.GroupFingerprint
	r.version = state.Version
	for i := range state.Nodes {
		n := state.Nodes[i]
		r.nodes[n.Label] = &n
	}
	for i := range state.Files {
		f := state.Files[i]
		r.files[f.Name] = &f
	}
	for i := range state.Blocks {
		b := state.Blocks[i]
		r.blocks[b.ID().Key()] = &b
	}
	r.snap = NewSnapshotter(path, r.snapshot)
	return r, nil
}

// AttachSnapshotter lets the node set the write-behind persister up once the
// registry's final data directory is known (tests may skip this).
func (r *Registry) AttachSnapshotter(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap = NewSnapshotter(path, r.snapshot)
}

func (r *Registry) schedule() {
	if r.snap != nil {
		r.snap.ScheduleWrite()
	}
}

// SelfLabel returns this node's own label.
func (r *Registry) SelfLabel() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selfLabel
}

// SetSelfLabel is used once, during the join handshake, to record the label
// assigned or reclaimed for this node.
func (r *Registry) SetSelfLabel(label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selfLabel = label
	r.schedule()
}

// GroupFingerprint returns the stable hash identifying this group.
func (r *Registry) GroupFingerprint() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.groupFingerprint
}

// SetGroupFingerprint records the fingerprint computed over the group's
// first two labels.
func (r *Registry) SetGroupFingerprint(fp string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groupFingerprint = fp
	r.schedule()
}

func (r *Registry) nextVersion() uint64 {
	r.version++
	return r.version
}

// ─── Nodes ──────────────────────────────────────────────────────────────────

// NextLabel returns the next fresh label, one past the current maximum K,
// for a joining node that has no reclaimable identity.
func (r *Registry) NextLabel() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextLabelLocked()
}

func (r *Registry) nextLabelLocked() string {
	max := 0
	for label := range r.nodes {
		if k, ok := parseLabel(label); ok && k > max {
			max = k
		}
	}
	return fmt.Sprintf("nodo%d", max+1)
}

func parseLabel(label string) (int, bool) {
	if !strings.HasPrefix(label, "nodo") {
		return 0, false
	}
	k, err := strconv.Atoi(strings.TrimPrefix(label, "nodo"))
	if err != nil {
		return 0, false
	}
	return k, true
}

// GetNode returns a copy of the node with the given label.
func (r *Registry) GetNode(label string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[label]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Nodes returns a copy of every known node, sorted by label.
func (r *Registry) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// OnlineNodes returns a copy of every node currently marked online.
func (r *Registry) OnlineNodes() []Node {
	all := r.Nodes()
	out := all[:0:0]
	for _, n := range all {
		if n.Online {
			out = append(out, n)
		}
	}
	return out
}

// IsOnline reports whether label is a known, online node.
func (r *Registry) IsOnline(label string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[label]
	return ok && n.Online
}

// UpsertNode inserts or updates a node entry. Convergence tie-break: the
// entry with the greatest (used_bytes, timestamp) pair wins, per §4.3.
func (r *Registry) UpsertNode(n Node) Delta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upsertNodeLocked(n)
}

func (r *Registry) upsertNodeLocked(n Node) Delta {
	existing, ok := r.nodes[n.Label]
	if ok && !nodeWins(n, *existing) {
		n = *existing
	}
	cp := n
	r.nodes[n.Label] = &cp
	r.schedule()
	out := cp
	return Delta{Version: r.nextVersion(), Kind: DeltaNodeUpsert, Node: &out}
}

// nodeWins reports whether candidate should replace current under the
// highest-(used_bytes,timestamp) tie-break.
func nodeWins(candidate, current Node) bool {
	if candidate.UsedBytes != current.UsedBytes {
		return candidate.UsedBytes > current.UsedBytes
	}
	return candidate.LastHeartbeat.After(current.LastHeartbeat)
}

// MarkNode flips a node's liveness and timestamps the transition.
func (r *Registry) MarkNode(label string, online bool, at time.Time) (Delta, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[label]
	if !ok {
		return Delta{}, false
	}
	n.Online = online
	if online {
		n.LastHeartbeat = at
	}
	r.schedule()
	out := *n
	return Delta{Version: r.nextVersion(), Kind: DeltaNodeMark, Node: &out}, true
}

// SetCapacity updates a node's declared capacity. Precondition checks
// (in_group/below_used/out_of_range) are the caller's responsibility
// (control.Surface), since they require knowledge of peer connectivity.
func (r *Registry) SetCapacity(label string, capacityBytes int64) (Delta, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[label]
	if !ok {
		return Delta{}, false
	}
	n.CapacityBytes = capacityBytes
	r.schedule()
	out := *n
	return Delta{Version: r.nextVersion(), Kind: DeltaNodeUpsert, Node: &out}, true
}

// AddNodeUsedBytes adjusts a node's used-bytes counter by delta (may be
// negative, e.g. on block delete).
func (r *Registry) AddNodeUsedBytes(label string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[label]
	if !ok {
		return
	}
	n.UsedBytes += delta
	if n.UsedBytes < 0 {
		n.UsedBytes = 0
	}
	r.schedule()
}

// ─── Upload leases (duplicate_name open question) ──────────────────────────

const leaseTTL = 60 * time.Second

// AcquireUploadLease claims the right to upload name on this node. A second,
// concurrent caller for the same name is rejected with ErrDuplicateName
// until the lease is released or expires.
func (r *Registry) AcquireUploadLease(name string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if exp, ok := r.leases[name]; ok && now.Before(exp) {
		return ErrDuplicateName
	}
	if _, ok := r.files[name]; ok {
		return fmt.Errorf("file %q already exists", name)
	}
	r.leases[name] = now.Add(leaseTTL)
	return nil
}

// ReleaseUploadLease frees a lease taken by AcquireUploadLease, whether the
// upload succeeded, failed, or was cancelled.
func (r *Registry) ReleaseUploadLease(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.leases, name)
}

// ─── Files & blocks ─────────────────────────────────────────────────────────

// GetFile returns a copy of the named file if it exists and is not
// tombstoned.
func (r *Registry) GetFile(name string) (File, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.files[name]
	if !ok || f.Tombstoned {
		return File{}, false
	}
	return *f, true
}

// Files returns a copy of every non-tombstoned file, sorted by name.
func (r *Registry) Files() []File {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]File, 0, len(r.files))
	for _, f := range r.files {
		if !f.Tombstoned {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetBlock returns a copy of a block by id.
func (r *Registry) GetBlock(id BlockID) (Block, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.blocks[id.Key()]
	if !ok {
		return Block{}, false
	}
	return *b, true
}

// BlocksForFile returns the blocks of a file, in index order.
func (r *Registry) BlocksForFile(name string) []Block {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.files[name]
	if !ok {
		return nil
	}
	out := make([]Block, 0, len(f.BlockIDs))
	for _, key := range f.BlockIDs {
		if b, ok := r.blocks[key]; ok {
			out = append(out, *b)
		}
	}
	return out
}

// AllBlocks returns a copy of every block in the registry.
func (r *Registry) AllBlocks() []Block {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Block, 0, len(r.blocks))
	for _, b := range r.blocks {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// AddFile registers a file and its blocks atomically once an upload has
// finished placing every block. Delete is terminal: re-adding a tombstoned
// name is rejected.
func (r *Registry) AddFile(f File, blocks []Block) (Delta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.files[f.Name]; ok && existing.Tombstoned {
		return Delta{}, fmt.Errorf("file %q was deleted", f.Name)
	}
	cp := f
	r.files[f.Name] = &cp
	for i := range blocks {
		b := blocks[i]
		r.blocks[b.ID().Key()] = &b
	}
	r.schedule()
	out := cp
	return Delta{Version: r.nextVersion(), Kind: DeltaFileAdd, File: &out, Blocks: blocks}, nil
}

// RemoveFile tombstones a file. Deletes are terminal: a deleted file can
// never return, even if a stale FILE_ANNOUNCE for it arrives later.
func (r *Registry) RemoveFile(name string) (Delta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[name]
	if !ok || f.Tombstoned {
		return Delta{}, ErrUnknownFile
	}
	f.Tombstoned = true
	for _, key := range f.BlockIDs {
		delete(r.blocks, key)
	}
	r.schedule()
	out := *f
	return Delta{Version: r.nextVersion(), Kind: DeltaFileRemove, File: &out}, nil
}

// SetBlockHosts sets the original/replica hosts of a block, creating the
// entry if it is absent. Upload does not call it: blocks enter the registry
// through AddFile once every block is placed.
func (r *Registry) SetBlockHosts(id BlockID, size int64, original, replica string) Delta {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := Block{File: id.File, Index: id.Index, Size: size, OriginalHost: original, ReplicaHost: replica}
	r.blocks[id.Key()] = &b
	r.schedule()
	return Delta{Version: r.nextVersion(), Kind: DeltaBlockHosts, Blocks: []Block{b}}
}

// ─── Convergence ────────────────────────────────────────────────────────────

// ApplyDelta merges a delta received from a peer using the tie-break rules
// of §4.3: node entries prefer highest (used_bytes, timestamp); file/block
// entries are immutable except for delete, which is terminal.
func (r *Registry) ApplyDelta(d Delta) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d.Version > r.version {
		r.version = d.Version
	}

	switch d.Kind {
	case DeltaNodeUpsert, DeltaNodeMark, DeltaCapacity:
		if d.Node == nil {
			return
		}
		existing, ok := r.nodes[d.Node.Label]
		if !ok || nodeWins(*d.Node, *existing) {
			cp := *d.Node
			r.nodes[cp.Label] = &cp
		}
	case DeltaFileAdd:
		if d.File == nil {
			return
		}
		if existing, ok := r.files[d.File.Name]; ok && existing.Tombstoned {
			return // delete is terminal: a deleted file cannot return
		}
		cp := *d.File
		r.files[cp.Name] = &cp
		for i := range d.Blocks {
			b := d.Blocks[i]
			r.blocks[b.ID().Key()] = &b
		}
	case DeltaFileRemove:
		if d.File == nil {
			return
		}
		f, ok := r.files[d.File.Name]
		if !ok {
			f = &File{Name: d.File.Name}
			r.files[f.Name] = f
		}
		if f.Tombstoned {
			return
		}
		f.Tombstoned = true
		for _, key := range f.BlockIDs {
			delete(r.blocks, key)
		}
	case DeltaBlockHosts:
		for i := range d.Blocks {
			b := d.Blocks[i]
			r.blocks[b.ID().Key()] = &b
		}
	}
	r.schedule()
}

// ─── Snapshot ───────────────────────────────────────────────────────────────

// Snapshot returns the current GroupState, e.g. to embed in a WELCOME or
// META_SYNC payload.
func (r *Registry) Snapshot() GroupState {
	return r.snapshot()
}

// snapshot builds the current GroupState under the read lock; called by the
// Snapshotter's write-behind goroutine.
func (r *Registry) snapshot() GroupState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state := GroupState{
		SelfLabel:        r.selfLabel,
		GroupFingerprint: r.groupFingerprint,
		Version:          r.version,
		Nodes:            make([]Node, 0, len(r.nodes)),
		Files:            make([]File, 0, len(r.files)),
		Blocks:           make([]Block, 0, len(r.blocks)),
	}
	for _, n := range r.nodes {
		state.Nodes = append(state.Nodes, *n)
	}
	for _, f := range r.files {
		state.Files = append(state.Files, *f)
	}
	for _, b := range r.blocks {
		state.Blocks = append(state.Blocks, *b)
	}
	return state
}

// Close writes a synchronous snapshot. It does not stop the write-behind
// snapshotter: later mutations still schedule writes.
func (r *Registry) Close() error {
	if r.snap == nil {
		return nil
	}
	return r.snap.WriteNow(r.snapshot())
}
