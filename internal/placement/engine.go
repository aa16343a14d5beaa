// Package placement implements the block placement, upload, download and
// delete algorithms of spec.md §4.5: exactly one original and one replica
// placement per block, on distinct online hosts, chosen by a greedy
// free-bytes-descending ranking.
package placement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"meshblob/internal/blockstore"
	"meshblob/internal/metrics"
	"meshblob/internal/registry"
	"meshblob/internal/transport"
)

// BlockSize is the fixed block size in bytes, identical across the group.
const BlockSize int64 = 1 << 20

// reliableTimeout and blockTransferTimeout are the per-message and
// per-block-transfer timeouts from spec.md §5.
const (
	reliableTimeout      = 10 * time.Second
	blockTransferTimeout = 60 * time.Second
)

// Broadcaster gossips completed mutations to the rest of the mesh. Backed
// by *mesh.Membership in production; the interface keeps this package free
// of a direct dependency on the membership protocol.
type Broadcaster interface {
	BroadcastFileAnnounce(f registry.File, blocks []registry.Block)
	BroadcastFileDelete(name string)
}

// Engine drives uploads, downloads and deletes. Grounded on the teacher's
// cluster.Replicator (quorum fan-out over goroutines, ReplicateWrite /
// CoordinateRead) generalized from N/W/R quorum writes to exactly one
// original and one replica placement, and on gravitational/gravity's
// cluster.WriteBLOB write-factor loop for the try-ranked-peers-until-ack
// idiom.
type Engine struct {
	reg    *registry.Registry
	store  *blockstore.Store
	pool   *transport.Pool
	gossip Broadcaster
	log    *logrus.Entry

	// OnPeerUnreachable, if set, is called with the peer's label on every
	// transient peer failure during placement or download. cmd/meshnode
	// wires it to a debug log only; the failure detector does not use it.
	OnPeerUnreachable func(label string)

	pendingMu      sync.Mutex
	pendingDeletes map[string][]registry.BlockID // host label -> blocks still owed a BLOCK_DELETE
}

// New builds a placement Engine.
func New(reg *registry.Registry, store *blockstore.Store, pool *transport.Pool, gossip Broadcaster, log *logrus.Entry) *Engine {
	return &Engine{reg: reg, store: store, pool: pool, gossip: gossip, log: log, pendingDeletes: make(map[string][]registry.BlockID)}
}

func (e *Engine) notifyUnreachable(label string) {
	if e.OnPeerUnreachable != nil {
		e.OnPeerUnreachable(label)
	}
}

// candidate is one node's ranked standing during placement selection.
type candidate struct {
	Label     string
	Address   string
	FreeBytes int64
}

// rankedCandidates returns online nodes sorted by free-bytes descending,
// label ascending on ties (spec.md §4.5 step 2/3).
func rankedCandidates(free map[string]int64, addr map[string]string, exclude map[string]bool, need int64) []candidate {
	out := make([]candidate, 0, len(free))
	for label, f := range free {
		if exclude[label] || f < need {
			continue
		}
		out = append(out, candidate{Label: label, Address: addr[label], FreeBytes: f})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FreeBytes != out[j].FreeBytes {
			return out[i].FreeBytes > out[j].FreeBytes
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// Upload splits data (size bytes) into fixed blocks and places exactly one
// original and one replica per block, per spec.md §4.5.
func (e *Engine) Upload(ctx context.Context, name, owner string, data io.Reader, size int64) (err error) {
	timer := metrics.Timer(metrics.UploadDuration)
	defer func() {
		timer.ObserveDuration()
		metrics.UploadsTotal.WithLabelValues(outcomeLabel(err)).Inc()
	}()

	if err = e.reg.AcquireUploadLease(name, time.Now()); err != nil {
		return err
	}
	defer e.reg.ReleaseUploadLease(name)

	online := e.reg.OnlineNodes()
	if len(online) < 2 {
		return ErrInsufficientCapacity
	}
	free := make(map[string]int64, len(online))
	addr := make(map[string]string, len(online))
	var totalFree int64
	for _, n := range online {
		free[n.Label] = n.FreeBytes()
		addr[n.Label] = n.Address
		totalFree += n.FreeBytes()
	}
	if totalFree < 2*size {
		return ErrInsufficientCapacity
	}

	numBlocks := 0
	if size > 0 {
		numBlocks = int((size + BlockSize - 1) / BlockSize)
	}

	blocks := make([]registry.Block, 0, numBlocks)

	rollback := func() {
		for _, b := range blocks {
			e.deleteFromHost(b.ID(), b.OriginalHost, addr[b.OriginalHost])
			e.deleteFromHost(b.ID(), b.ReplicaHost, addr[b.ReplicaHost])
		}
	}

	for i := 0; i < numBlocks; i++ {
		if err := ctx.Err(); err != nil {
			rollback()
			return ErrCancelled
		}
		blockLen := BlockSize
		if remaining := size - int64(i)*BlockSize; remaining < BlockSize {
			blockLen = remaining
		}
		buf := make([]byte, blockLen)
		if _, err := io.ReadFull(data, buf); err != nil {
			rollback()
			return fmt.Errorf("storage_error: read block %d: %w", i, err)
		}

		id := registry.BlockID{File: name, Index: i}
		original, err := e.placeOne(ctx, id, buf, false, free, addr, map[string]bool{})
		if err != nil {
			rollback()
			return err
		}
		replica, err := e.placeOne(ctx, id, buf, true, free, addr, map[string]bool{original: true})
		if err != nil {
			e.deleteFromHost(id, original, addr[original])
			rollback()
			return err
		}
		free[original] -= blockLen
		free[replica] -= blockLen
		blocks = append(blocks, registry.Block{
			File: name, Index: i, Size: blockLen,
			OriginalHost: original, ReplicaHost: replica,
		})
	}

	f := registry.File{
		Name: name, Size: size, Owner: owner, CreatedAt: time.Now(),
		BlockIDs: blockKeys(blocks),
	}
	if _, err := e.reg.AddFile(f, blocks); err != nil {
		rollback()
		return err
	}
	if e.gossip != nil {
		e.gossip.BroadcastFileAnnounce(f, blocks)
	}
	return nil
}

func blockKeys(blocks []registry.Block) []string {
	out := make([]string, len(blocks))
	for i, b := range blocks {
		out[i] = b.ID().Key()
	}
	return out
}

// placeOne tries each ranked candidate in turn until one accepts the
// BLOCK_PUT, retrying up to |N|-1 times per spec.md §4.5 step 5.
func (e *Engine) placeOne(ctx context.Context, id registry.BlockID, data []byte, isReplica bool, free map[string]int64, addr map[string]string, exclude map[string]bool) (string, error) {
	tried := map[string]bool{}
	for k, v := range exclude {
		tried[k] = v
	}
	for {
		candidates := rankedCandidates(free, addr, tried, int64(len(data)))
		if len(candidates) == 0 {
			return "", ErrInsufficientCapacity
		}
		c := candidates[0]
		tried[c.Label] = true
		if err := e.putBlock(ctx, c.Label, c.Address, id, data, isReplica); err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{"node": c.Label, "block": id}).Warn("block_put failed, trying next candidate")
			e.notifyUnreachable(c.Label)
			continue
		}
		return c.Label, nil
	}
}

func (e *Engine) putBlock(ctx context.Context, label, address string, id registry.BlockID, data []byte, isReplica bool) error {
	payload := transport.BlockPutPayload{FileName: id.File, Index: uint32(id.Index), IsReplica: isReplica, Data: data}
	resp, err := e.request(label, address, transport.Frame{Opcode: transport.OpBlockPut, Payload: payload.Encode()}, blockTransferTimeout)
	if err != nil {
		return err
	}
	reply, err := transport.DecodeBlockGetReplyPayload(resp.Payload)
	if err != nil {
		return fmt.Errorf("protocol_error: %w", err)
	}
	if reply.Status == transport.StatusNoSpace {
		return fmt.Errorf("no_space on %s", label)
	}
	if reply.Status != transport.StatusOK {
		return fmt.Errorf("block_put rejected by %s", label)
	}
	return nil
}

// request dials label, using the local store directly for self instead of
// a network round-trip.
func (e *Engine) request(label, address string, f transport.Frame, timeout time.Duration) (transport.Frame, error) {
	if label == e.reg.SelfLabel() {
		return e.serveLocal(f)
	}
	conn, err := e.pool.Get(address)
	if err != nil {
		return transport.Frame{}, &PeerUnreachableError{Label: label, Err: err}
	}
	conn.Timeout = timeout
	resp, err := conn.Request(f)
	if err != nil {
		e.pool.Drop(conn)
		return transport.Frame{}, &PeerUnreachableError{Label: label, Err: err}
	}
	e.pool.Put(address, conn)
	return resp, nil
}

// HandleBlockPut answers an inbound BLOCK_PUT by writing to the local
// block store. Registered on the transport server so peers can place
// blocks on this node.
func (e *Engine) HandleBlockPut(conn *transport.Conn, req transport.Frame) (transport.Frame, error) {
	return e.serveLocal(req)
}

// HandleBlockGet answers an inbound BLOCK_GET from the local block store.
func (e *Engine) HandleBlockGet(conn *transport.Conn, req transport.Frame) (transport.Frame, error) {
	return e.serveLocal(req)
}

// HandleBlockDelete answers an inbound BLOCK_DELETE against the local
// block store.
func (e *Engine) HandleBlockDelete(conn *transport.Conn, req transport.Frame) (transport.Frame, error) {
	return e.serveLocal(req)
}

// serveLocal answers a block request against this node's own store without
// a network hop, the local-node short-circuit the teacher's node.go takes
// when a quorum op targets the coordinating node itself.
func (e *Engine) serveLocal(f transport.Frame) (transport.Frame, error) {
	switch f.Opcode {
	case transport.OpBlockPut:
		p, err := transport.DecodeBlockPutPayload(f.Payload)
		if err != nil {
			return transport.Frame{}, err
		}
		id := blockstore.BlockID{File: p.FileName, Index: int(p.Index)}
		before := e.store.UsedBytes()
		if err := e.store.Put(id, p.Data); err != nil {
			reply := transport.BlockGetReplyPayload{Status: transport.StatusNoSpace}
			return transport.Frame{Opcode: transport.OpBlockGetReply, Payload: reply.Encode()}, nil
		}
		e.reg.AddNodeUsedBytes(e.reg.SelfLabel(), e.store.UsedBytes()-before)
		metrics.BlocksPlaced.Inc()
		metrics.BytesPlaced.Add(float64(len(p.Data)))
		reply := transport.BlockGetReplyPayload{Status: transport.StatusOK}
		return transport.Frame{Opcode: transport.OpBlockGetReply, Payload: reply.Encode()}, nil
	case transport.OpBlockGet:
		ref, err := transport.DecodeBlockRefPayload(f.Payload)
		if err != nil {
			return transport.Frame{}, err
		}
		id := blockstore.BlockID{File: ref.FileName, Index: int(ref.Index)}
		data, err := e.store.Get(id)
		if err != nil {
			reply := transport.BlockGetReplyPayload{Status: transport.StatusNotFound}
			return transport.Frame{Opcode: transport.OpBlockGetReply, Payload: reply.Encode()}, nil
		}
		reply := transport.BlockGetReplyPayload{Status: transport.StatusOK, Data: data}
		return transport.Frame{Opcode: transport.OpBlockGetReply, Payload: reply.Encode()}, nil
	case transport.OpBlockDelete:
		ref, err := transport.DecodeBlockRefPayload(f.Payload)
		if err != nil {
			return transport.Frame{}, err
		}
		id := blockstore.BlockID{File: ref.FileName, Index: int(ref.Index)}
		before := e.store.UsedBytes()
		_ = e.store.Delete(id)
		e.reg.AddNodeUsedBytes(e.reg.SelfLabel(), e.store.UsedBytes()-before)
		reply := transport.BlockGetReplyPayload{Status: transport.StatusOK}
		return transport.Frame{Opcode: transport.OpBlockGetReply, Payload: reply.Encode()}, nil
	default:
		return transport.Frame{}, fmt.Errorf("protocol_error: unexpected local opcode %s", f.Opcode)
	}
}

// Download streams file name's bytes to w in block order, preferring each
// block's original host and falling back to its replica, per spec.md §4.5.
func (e *Engine) Download(ctx context.Context, name string, w io.Writer) (err error) {
	timer := metrics.Timer(metrics.DownloadDuration)
	defer func() {
		timer.ObserveDuration()
		metrics.DownloadsTotal.WithLabelValues(outcomeLabel(err)).Inc()
	}()

	if _, ok := e.reg.GetFile(name); !ok {
		return ErrMissing
	}
	blocks := e.reg.BlocksForFile(name)
	for _, b := range blocks {
		if err = ctx.Err(); err != nil {
			return ErrCancelled
		}
		var data []byte
		data, err = e.fetchBlock(b)
		if err != nil {
			return err
		}
		if _, werr := w.Write(data); werr != nil {
			err = fmt.Errorf("storage_error: %w", werr)
			return err
		}
	}
	return nil
}

// outcomeLabel renders an error into the small cardinality set used by the
// uploads/downloads outcome counters.
func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var unavail *UnavailableError
	switch {
	case errors.As(err, &unavail):
		return "unavailable"
	case errors.Is(err, ErrInsufficientCapacity):
		return "insufficient_capacity"
	case errors.Is(err, ErrMissing):
		return "missing"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	default:
		return "error"
	}
}

func (e *Engine) fetchBlock(b registry.Block) ([]byte, error) {
	hosts := []string{b.OriginalHost, b.ReplicaHost}
	for _, label := range hosts {
		n, ok := e.reg.GetNode(label)
		if !ok || !n.Online {
			continue
		}
		ref := transport.BlockRefPayload{FileName: b.File, Index: uint32(b.Index)}
		resp, err := e.request(label, n.Address, transport.Frame{Opcode: transport.OpBlockGet, Payload: ref.Encode()}, blockTransferTimeout)
		if err != nil {
			e.notifyUnreachable(label)
			continue
		}
		reply, err := transport.DecodeBlockGetReplyPayload(resp.Payload)
		if err != nil {
			continue
		}
		if reply.Status != transport.StatusOK {
			continue
		}
		return reply.Data, nil
	}
	return nil, &UnavailableError{BlockIndex: b.Index}
}

// Delete issues BLOCK_DELETE to both hosts of every block of name and
// gossips FILE_DELETE immediately, per spec.md §4.5. A host that is offline
// at the time is not skipped silently: the block is queued in
// pendingDeletes and reissued once that host is heard from again, per the
// "offline hosts are recorded as pending and retried on their return"
// requirement of spec.md §4.5.
func (e *Engine) Delete(ctx context.Context, name string) error {
	if _, ok := e.reg.GetFile(name); !ok {
		return ErrMissing
	}
	blocks := e.reg.BlocksForFile(name)
	for _, b := range blocks {
		e.deleteFromHost(b.ID(), b.OriginalHost, e.hostAddress(b.OriginalHost))
		e.deleteFromHost(b.ID(), b.ReplicaHost, e.hostAddress(b.ReplicaHost))
	}
	if _, err := e.reg.RemoveFile(name); err != nil {
		return err
	}
	if e.gossip != nil {
		e.gossip.BroadcastFileDelete(name)
	}
	return nil
}

func (e *Engine) hostAddress(label string) string {
	if n, ok := e.reg.GetNode(label); ok {
		return n.Address
	}
	return ""
}

// deleteFromHost issues a BLOCK_DELETE. A failure against an unreachable
// host is not dropped: the block is recorded in pendingDeletes for label
// so RetryPendingDeletes can reissue it once the host returns.
func (e *Engine) deleteFromHost(id registry.BlockID, label, address string) {
	if label == "" {
		return
	}
	ref := transport.BlockRefPayload{FileName: id.File, Index: uint32(id.Index)}
	_, err := e.request(label, address, transport.Frame{Opcode: transport.OpBlockDelete, Payload: ref.Encode()}, reliableTimeout)
	if err != nil {
		if e.log != nil {
			e.log.WithError(err).WithFields(logrus.Fields{"node": label, "block": id}).Debug("block_delete failed, queued for retry")
		}
		e.queuePendingDelete(label, id)
	}
}

// queuePendingDelete records id as still owed to label, skipping a
// duplicate if a retry is already queued for that exact block.
func (e *Engine) queuePendingDelete(label string, id registry.BlockID) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	for _, existing := range e.pendingDeletes[label] {
		if existing == id {
			return
		}
	}
	e.pendingDeletes[label] = append(e.pendingDeletes[label], id)
}

// RetryPendingDeletes reissues every BLOCK_DELETE queued for label against
// address, the way a daemon calls it once the failure detector reports that
// label has come back online (mesh.Membership's SetOnReturn hook). Blocks
// that still fail (host reachable but the delete itself errors) stay
// queued for the next return.
func (e *Engine) RetryPendingDeletes(label, address string) {
	e.pendingMu.Lock()
	ids := e.pendingDeletes[label]
	delete(e.pendingDeletes, label)
	e.pendingMu.Unlock()

	for _, id := range ids {
		ref := transport.BlockRefPayload{FileName: id.File, Index: uint32(id.Index)}
		_, err := e.request(label, address, transport.Frame{Opcode: transport.OpBlockDelete, Payload: ref.Encode()}, reliableTimeout)
		if err != nil {
			if e.log != nil {
				e.log.WithError(err).WithFields(logrus.Fields{"node": label, "block": id}).Debug("block_delete retry failed, requeued")
			}
			e.queuePendingDelete(label, id)
			continue
		}
		if e.log != nil {
			e.log.WithFields(logrus.Fields{"node": label, "block": id}).Info("block_delete retry succeeded")
		}
	}
}
