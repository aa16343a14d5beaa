// Package meshtest exercises the spec's scenarios end to end across
// multiple in-process nodes wired over real TCP loopback sockets, the way
// an integration test for this system has to: no single node's unit tests
// can see block placement spread across hosts.
package meshtest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"meshblob/internal/blockstore"
	"meshblob/internal/control"
	"meshblob/internal/mesh"
	"meshblob/internal/placement"
	"meshblob/internal/registry"
	"meshblob/internal/transport"
)

func testEntry() *logrus.Entry {
	return logrus.NewEntry(logrus.New())
}

type node struct {
	label   string
	surface *control.Surface
	mesh    *mesh.Membership
	reg     *registry.Registry
	srv     *transport.Server
}

func newNode(t *testing.T, label string, capacityBytes int64) *node {
	t.Helper()
	reg := registry.New(label, testEntry())
	pool := transport.NewPool(2 * time.Second)

	srv, err := transport.Listen("127.0.0.1:0", nil)
	require.NoError(t, err)
	addr := srv.Addr().String()

	m := mesh.New(label, addr, reg, pool, clockwork.NewFakeClock(), testEntry())
	store, err := blockstore.Open(t.TempDir())
	require.NoError(t, err)
	eng := placement.New(reg, store, pool, m, testEntry())

	reg.UpsertNode(registry.Node{Label: label, Address: addr, Online: true, CapacityBytes: capacityBytes})

	srv.Handle(transport.OpHello, m.HandleHello)
	srv.Handle(transport.OpPeerList, m.HandlePeerList)
	srv.Handle(transport.OpMetaSync, m.HandleMetaSync)
	srv.Handle(transport.OpFileAnnounce, m.HandleFileAnnounce)
	srv.Handle(transport.OpFileDelete, m.HandleFileDelete)
	srv.Handle(transport.OpCapacityUpdate, m.HandleCapacityUpdate)
	srv.Handle(transport.OpBlockPut, eng.HandleBlockPut)
	srv.Handle(transport.OpBlockGet, eng.HandleBlockGet)
	srv.Handle(transport.OpBlockDelete, eng.HandleBlockDelete)
	go srv.Serve()

	return &node{label: label, surface: control.New(reg, m, eng, testEntry()), mesh: m, reg: reg, srv: srv}
}

func (n *node) close() { n.srv.Close() }

func (n *node) addr() string { return n.srv.Addr().String() }

// connectAll joins every node in order after the first to the first node,
// and waits until each has the full peer count.
func connectAll(t *testing.T, nodes []*node) {
	t.Helper()
	for i := 1; i < len(nodes); i++ {
		_, err := nodes[i].surface.Connect(nodes[0].addr())
		require.NoError(t, err)
	}
	for _, n := range nodes {
		require.Eventually(t, func() bool { return n.mesh.PeerCount() == len(nodes)-1 },
			2*time.Second, 5*time.Millisecond)
	}
}

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// Scenario 1: two-node upload, exactly one original + one replica split
// across the two nodes, and the file is visible from the non-uploading peer.
func TestTwoNodeUpload(t *testing.T) {
	a := newNode(t, "nodo1", 100<<20)
	defer a.close()
	b := newNode(t, "nodo2", 100<<20)
	defer b.close()
	connectAll(t, []*node{a, b})

	data := make([]byte, 2_500_000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	src := writeTempFile(t, data)

	require.NoError(t, a.surface.Upload(context.Background(), "doc.bin", src))

	blocks := a.reg.BlocksForFile("doc.bin")
	require.Len(t, blocks, 3)
	wantSizes := []int64{1 << 20, 1 << 20, 2_500_000 - 2*(1<<20)}
	for i, b := range blocks {
		require.Equal(t, wantSizes[i], b.Size)
		require.NotEqual(t, b.OriginalHost, b.ReplicaHost)
		require.Contains(t, []string{"nodo1", "nodo2"}, b.OriginalHost)
		require.Contains(t, []string{"nodo1", "nodo2"}, b.ReplicaHost)
	}

	files := b.surface.ListFiles()
	require.Len(t, files, 1)
	require.Equal(t, "doc.bin", files[0].Name)
	require.Equal(t, "nodo1", files[0].Owner)
}

// Scenario 2: three-node spread, no node holds more than two originals and
// every replica sits on a host distinct from its original.
func TestThreeNodeSpread(t *testing.T) {
	a := newNode(t, "nodo1", 100<<20)
	defer a.close()
	b := newNode(t, "nodo2", 100<<20)
	defer b.close()
	c := newNode(t, "nodo3", 100<<20)
	defer c.close()
	connectAll(t, []*node{a, b, c})

	data := make([]byte, 4*(1<<20))
	src := writeTempFile(t, data)
	require.NoError(t, a.surface.Upload(context.Background(), "spread.bin", src))

	blocks := a.reg.BlocksForFile("spread.bin")
	require.Len(t, blocks, 4)

	originalCount := map[string]int{}
	for _, blk := range blocks {
		require.NotEqual(t, blk.OriginalHost, blk.ReplicaHost)
		originalCount[blk.OriginalHost]++
	}
	for label, count := range originalCount {
		require.LessOrEqualf(t, count, 2, "node %s holds %d originals", label, count)
	}
}

// Scenario 3: the replica host goes offline; download must still succeed by
// falling back to the original host.
func TestFailureDuringDownloadFallsBackToOriginal(t *testing.T) {
	a := newNode(t, "nodo1", 100<<20)
	defer a.close()
	b := newNode(t, "nodo2", 100<<20)
	defer b.close()
	c := newNode(t, "nodo3", 100<<20)
	defer c.close()
	connectAll(t, []*node{a, b, c})

	payload := []byte("the quick brown fox jumps over the lazy dog, repeated for bulk")
	src := writeTempFile(t, payload)
	require.NoError(t, a.surface.Upload(context.Background(), "small.bin", src))

	blocks := a.reg.BlocksForFile("small.bin")
	require.Len(t, blocks, 1)
	originalHost := blocks[0].OriginalHost
	replicaHost := blocks[0].ReplicaHost

	var offlineNode *node
	for _, n := range []*node{a, b, c} {
		if n.label == replicaHost {
			offlineNode = n
		}
	}
	require.NotNil(t, offlineNode)

	// Simulate the unreliable channel going silent for 10s: every online
	// node marks the replica host offline, the way a real sweep would.
	for _, n := range []*node{a, b, c} {
		if n.label != replicaHost {
			n.reg.MarkNode(replicaHost, false, time.Now())
		}
	}

	out := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, c.surface.Download(context.Background(), "small.bin", out))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.Equal(t, "nodo1", originalHost)
}

// Scenario 4: a departed node's label is not handed to a new peer, which
// gets a fresh label; the original owner reclaims it when it reconnects.
func TestRejoinReclaimsLabel(t *testing.T) {
	a := newNode(t, "nodo1", 100<<20)
	defer a.close()
	b := newNode(t, "nodo2", 100<<20)
	defer b.close()
	c := newNode(t, "nodo3", 100<<20)
	defer c.close()
	connectAll(t, []*node{a, b, c})

	// C disconnects: simulate with an offline mark on the peers that stay up.
	a.reg.MarkNode("nodo3", false, time.Now())
	b.reg.MarkNode("nodo3", false, time.Now())

	d := newNode(t, "unassigned", 100<<20)
	defer d.close()
	label, err := d.surface.Connect(a.addr())
	require.NoError(t, err)
	require.Equal(t, "nodo4", label)

	// C reconnects with its prior registry state (same group fingerprint),
	// and must reclaim nodo3 rather than being assigned a fresh label.
	reclaimed, err := c.surface.Connect(a.addr())
	require.NoError(t, err)
	require.Equal(t, "nodo3", reclaimed)
}

// Scenario 5: capacity changes are guarded by group membership and current
// usage, exactly per spec.md's guard ordering. The in_group guard is
// checked on a node that has actually joined a peer; the used-bytes and
// range guards are checked on a fresh, never-joined node, since this
// package exposes no mid-test "leave" operation to force an already-joined
// node back out of a group.
func TestCapacityGuardedScenario(t *testing.T) {
	n := newNode(t, "nodo1", 60<<20)
	defer n.close()
	n.reg.AddNodeUsedBytes("nodo1", 55<<20)

	peer := newNode(t, "nodo2", 60<<20)
	defer peer.close()
	_, err := n.surface.Connect(peer.addr())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return n.mesh.PeerCount() == 1 }, time.Second, 5*time.Millisecond)

	err = n.surface.SetCapacity(80 << 20)
	var cerr *control.Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, control.KindInGroup, cerr.Kind)

	disconnected := newNode(t, "nodo3", 60<<20)
	defer disconnected.close()
	disconnected.reg.AddNodeUsedBytes("nodo3", 55<<20)

	err = disconnected.surface.SetCapacity(50 << 20)
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, control.KindBelowUsed, cerr.Kind)

	require.NoError(t, disconnected.surface.SetCapacity(55<<20))

	err = disconnected.surface.SetCapacity(120 << 20)
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, control.KindOutOfRange, cerr.Kind)
}

// Scenario 6: a single-node group cannot satisfy the one-original-plus-one-
// replica placement rule.
func TestInsufficientMeshRejectsUpload(t *testing.T) {
	n := newNode(t, "nodo1", 100<<20)
	defer n.close()

	src := writeTempFile(t, []byte("anything non-empty"))
	err := n.surface.Upload(context.Background(), "alone.bin", src)
	var cerr *control.Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, control.KindInsufficientCapacity, cerr.Kind)
}
