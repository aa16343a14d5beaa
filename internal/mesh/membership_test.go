package mesh

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"meshblob/internal/registry"
	"meshblob/internal/transport"
)

func testEntry() *logrus.Entry {
	return logrus.NewEntry(logrus.New())
}

// newNode wires a registry, connection pool, membership and transport
// server together for one node, returning the listening address.
func newNode(t *testing.T, label string) (*Membership, *transport.Server, string) {
	t.Helper()
	reg := registry.New(label, testEntry())
	pool := transport.NewPool(2 * time.Second)
	clock := clockwork.NewFakeClock()
	m := New(label, "", reg, pool, clock, testEntry())

	srv, err := transport.Listen("127.0.0.1:0", nil)
	require.NoError(t, err)
	m.selfAddress = srv.Addr().String()
	reg.UpsertNode(registry.Node{Label: label, Address: m.selfAddress, Online: true, CapacityBytes: 100 << 20})

	srv.Handle(transport.OpHello, m.HandleHello)
	srv.Handle(transport.OpPeerList, m.HandlePeerList)
	srv.Handle(transport.OpMetaSync, m.HandleMetaSync)
	srv.Handle(transport.OpFileAnnounce, m.HandleFileAnnounce)
	srv.Handle(transport.OpFileDelete, m.HandleFileDelete)
	srv.Handle(transport.OpCapacityUpdate, m.HandleCapacityUpdate)
	go srv.Serve()

	return m, srv, srv.Addr().String()
}

func TestJoinAssignsFreshLabel(t *testing.T) {
	seed, seedSrv, seedAddr := newNode(t, "nodo1")
	defer seedSrv.Close()
	_ = seed

	joiner, joinerSrv, _ := newNode(t, "")
	defer joinerSrv.Close()

	require.NoError(t, joiner.Join(seedAddr))
	require.Equal(t, "nodo2", joiner.SelfLabel())
}

func TestJoinReclaimsOfflineLabelWithMatchingFingerprint(t *testing.T) {
	seed, seedSrv, seedAddr := newNode(t, "nodo1")
	defer seedSrv.Close()

	// nodo3 previously existed in the group and is currently offline.
	seed.reg.UpsertNode(registry.Node{Label: "nodo2", Online: true})
	seed.reg.UpsertNode(registry.Node{Label: "nodo3", Online: false})
	fp := GroupFingerprint([]string{"nodo1", "nodo2"})
	seed.reg.SetGroupFingerprint(fp)

	reconnecting, reSrv, _ := newNode(t, "nodo3")
	defer reSrv.Close()
	reconnecting.reg.SetGroupFingerprint(fp)

	require.NoError(t, reconnecting.Join(seedAddr))
	require.Equal(t, "nodo3", reconnecting.SelfLabel())
}

func TestJoinAssignsFreshLabelOnFingerprintMismatch(t *testing.T) {
	seed, seedSrv, seedAddr := newNode(t, "nodo1")
	defer seedSrv.Close()
	seed.reg.UpsertNode(registry.Node{Label: "nodo2", Online: true})
	seed.reg.UpsertNode(registry.Node{Label: "nodo3", Online: false})
	seed.reg.SetGroupFingerprint(GroupFingerprint([]string{"nodo1", "nodo2"}))

	stranger, strangerSrv, _ := newNode(t, "nodo3")
	defer strangerSrv.Close()
	stranger.reg.SetGroupFingerprint("a-different-group-entirely")

	require.NoError(t, stranger.Join(seedAddr))
	require.NotEqual(t, "nodo3", stranger.SelfLabel(), "a stale label from a different group must not be reclaimed")
}

func TestSweepMarksOfflineAfterTimeout(t *testing.T) {
	reg := registry.New("nodo1", testEntry())
	pool := transport.NewPool(time.Second)
	clock := clockwork.NewFakeClock()
	m := New("nodo1", "", reg, pool, clock, testEntry())

	reg.UpsertNode(registry.Node{Label: "nodo2", Online: true, LastHeartbeat: clock.Now()})
	m.trackPeer("nodo2", "127.0.0.1:9")
	m.mu.Lock()
	m.peers["nodo2"].State = StateOnline
	m.peers["nodo2"].LastSeen = clock.Now()
	m.mu.Unlock()

	clock.Advance(OfflineTimeout + time.Second)
	m.sweepOnce()

	require.Equal(t, StateOffline, m.PeerState("nodo2"))
	n, ok := reg.GetNode("nodo2")
	require.True(t, ok)
	require.False(t, n.Online)
}

func TestOnHeartbeatRevivesOfflinePeerAndTriggersReturn(t *testing.T) {
	reg := registry.New("nodo1", testEntry())
	pool := transport.NewPool(time.Second)
	clock := clockwork.NewFakeClock()
	m := New("nodo1", "", reg, pool, clock, testEntry())

	reg.UpsertNode(registry.Node{Label: "nodo2", Online: false, Address: "127.0.0.1:9"})
	m.trackPeer("nodo2", "127.0.0.1:9")
	m.mu.Lock()
	m.peers["nodo2"].State = StateOffline
	m.mu.Unlock()

	var returned string
	m.SetOnReturn(func(label, address string) { returned = label })

	m.OnHeartbeat(transport.Heartbeat{Label: "nodo2", Sequence: 1, CapacityBytes: 100, UsedBytes: 10})

	require.Equal(t, StateOnline, m.PeerState("nodo2"))
	require.Equal(t, "nodo2", returned)
}

func TestBroadcastFileAnnounceReachesPeer(t *testing.T) {
	a, aSrv, aAddr := newNode(t, "nodo1")
	defer aSrv.Close()
	b, bSrv, bAddr := newNode(t, "nodo2")
	defer bSrv.Close()

	require.NoError(t, b.Join(aAddr))
	require.NoError(t, a.Join(bAddr))
	a.trackPeer("nodo2", bAddr)

	f := registry.File{Name: "a.txt", Size: 4, BlockIDs: []string{"a.txt#0"}}
	blocks := []registry.Block{{File: "a.txt", Index: 0, Size: 4, OriginalHost: "nodo1", ReplicaHost: "nodo2"}}
	a.BroadcastFileAnnounce(f, blocks)

	require.Eventually(t, func() bool {
		_, ok := b.reg.GetFile("a.txt")
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestOnHeartbeatFromUnknownPeerIsIgnored(t *testing.T) {
	reg := registry.New("nodo1", testEntry())
	pool := transport.NewPool(time.Second)
	clock := clockwork.NewFakeClock()
	m := New("nodo1", "", reg, pool, clock, testEntry())

	m.OnHeartbeat(transport.Heartbeat{Label: "nodo9", Sequence: 1})
	require.Equal(t, StateUnknown, m.PeerState("nodo9"))
}
