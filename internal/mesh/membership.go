package mesh

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"meshblob/internal/metrics"
	"meshblob/internal/registry"
	"meshblob/internal/transport"
)

// OnReturnFunc is invoked when a heartbeat arrives from a tracked peer that
// is offline or unknown, so the caller can drive a META_SYNC reconciliation
// (§4.4).
type OnReturnFunc func(label, address string)

// Membership tracks the peer set and drives the join handshake and
// failure detector described in spec.md §4.4. Grounded on the teacher's
// cluster.Membership (nodes map behind a mutex), generalized from a
// static peer list fixed at startup to one grown dynamically by Join/HELLO,
// and on gravitational/gravity's cluster heartbeat/grace-period loop for
// the missed-heartbeat bookkeeping idiom.
type Membership struct {
	mu sync.Mutex

	selfLabel   string
	selfAddress string
	peers       map[string]*Peer // label -> peer, excludes self

	reg   *registry.Registry
	pool  *transport.Pool
	clock clockwork.Clock
	log   *logrus.Entry

	udpSender *transport.UDPSender
	udpPort   string

	onReturn OnReturnFunc

	stopCh chan struct{}
}

// New builds a Membership for a node that has not yet joined any group.
func New(selfLabel, selfAddress string, reg *registry.Registry, pool *transport.Pool, clock clockwork.Clock, log *logrus.Entry) *Membership {
	return &Membership{
		selfLabel:   selfLabel,
		selfAddress: selfAddress,
		peers:       make(map[string]*Peer),
		reg:         reg,
		pool:        pool,
		clock:       clock,
		log:         log,
		stopCh:      make(chan struct{}),
	}
}

// SetOnReturn registers the callback fired when a peer transitions from
// offline or unknown to online on a heartbeat.
func (m *Membership) SetOnReturn(fn OnReturnFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReturn = fn
}

// SelfLabel returns this node's own label.
func (m *Membership) SelfLabel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selfLabel
}

// PeerCount returns the number of known peers regardless of state.
func (m *Membership) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// OnlinePeers returns the labels of peers currently marked online.
func (m *Membership) OnlinePeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for label, p := range m.peers {
		if p.State == StateOnline {
			out = append(out, label)
		}
	}
	return out
}

// PeerAddress returns the dialing address for a known peer label.
func (m *Membership) PeerAddress(label string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[label]
	if !ok {
		return "", false
	}
	return p.Address, true
}

// PeerState reports this node's current view of a peer.
func (m *Membership) PeerState(label string) PeerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[label]
	if !ok {
		return StateUnknown
	}
	return p.State
}

// InGroup reports whether this node currently knows of any peer, the
// precondition for the capacity-change guard in §4.5.
func (m *Membership) InGroup() bool {
	return m.PeerCount() > 0
}

// ─── Join ───────────────────────────────────────────────────────────────────

// Join connects to seedAddr, performs the HELLO/WELCOME handshake, and then
// opens connections to every peer it learns about, per §4.4.
func (m *Membership) Join(seedAddr string) error {
	conn, err := transport.Dial(seedAddr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("dial seed %s: %w", seedAddr, err)
	}
	defer conn.Close()

	hello := HelloPayload{
		ClaimedLabel:       m.reg.SelfLabel(),
		ClaimedFingerprint: m.reg.GroupFingerprint(),
		Address:            m.selfAddress,
	}
	resp, err := conn.Request(transport.Frame{Opcode: transport.OpHello, Payload: encode(hello)})
	if err != nil {
		return fmt.Errorf("hello to %s: %w", seedAddr, err)
	}
	if resp.Opcode != transport.OpWelcome {
		return fmt.Errorf("protocol_error: expected WELCOME, got %s", resp.Opcode)
	}
	var welcome WelcomePayload
	if err := decode(resp.Payload, &welcome); err != nil {
		return err
	}

	m.selfLabel = welcome.AssignedLabel
	m.reg.SetSelfLabel(welcome.AssignedLabel)
	m.reg.UpsertNode(registry.Node{
		Label: welcome.AssignedLabel, Address: m.selfAddress,
		Online: true, LastHeartbeat: m.clock.Now(),
	})

	for _, n := range welcome.Snapshot.Nodes {
		node := n
		m.reg.ApplyDelta(registry.Delta{Kind: registry.DeltaNodeUpsert, Node: &node})
	}
	for _, f := range welcome.Snapshot.Files {
		file := f
		m.reg.ApplyDelta(registry.Delta{Kind: registry.DeltaFileAdd, File: &file})
	}

	labels := []string{m.selfLabel}
	for _, p := range welcome.PeerList {
		labels = append(labels, p.Label)
		m.trackPeer(p.Label, p.Address)
	}
	if len(labels) >= 2 {
		m.reg.SetGroupFingerprint(GroupFingerprint(labels[:2]))
	}

	for _, p := range welcome.PeerList {
		m.helloPeer(p.Label, p.Address)
	}
	return nil
}

func (m *Membership) helloPeer(label, addr string) {
	conn, err := m.pool.Get(addr)
	if err != nil {
		if m.log != nil {
			m.log.WithError(err).WithField("peer", label).Warn("peer_unreachable on join hello")
		}
		return
	}
	hello := HelloPayload{ClaimedLabel: m.selfLabel, Address: m.selfAddress}
	_, err = conn.Request(transport.Frame{Opcode: transport.OpHello, Payload: encode(hello)})
	if err != nil {
		m.pool.Drop(conn)
		return
	}
	m.pool.Put(addr, conn)
}

func (m *Membership) trackPeer(label, address string) {
	if label == m.selfLabel || label == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[label]; ok {
		return
	}
	m.peers[label] = &Peer{Label: label, Address: address, State: StateUnknown}
}

// AddPeer registers a peer learned from PEER_LIST or a direct HELLO. The
// peer is tracked in state `unknown` until a heartbeat marks it online.
func (m *Membership) AddPeer(label, address string) {
	m.trackPeer(label, address)
}

// ─── Server-side handlers ───────────────────────────────────────────────────

// HandleHello answers an inbound HELLO, assigning or reclaiming a label per
// §4.4, registering the new peer, and rebroadcasting PEER_LIST to the mesh.
func (m *Membership) HandleHello(conn *transport.Conn, req transport.Frame) (transport.Frame, error) {
	var hello HelloPayload
	if err := decode(req.Payload, &hello); err != nil {
		return transport.Frame{}, err
	}

	label := m.assignOrReclaim(hello)
	m.reg.UpsertNode(registry.Node{
		Label: label, Address: hello.Address, Online: true, LastHeartbeat: m.clock.Now(),
	})
	m.trackPeer(label, hello.Address)
	m.mu.Lock()
	p := m.peers[label]
	if p != nil {
		p.State = StateOnline
		p.LastSeen = m.clock.Now()
	}
	m.mu.Unlock()

	peerList := m.peerListLocked()
	welcome := WelcomePayload{
		AssignedLabel: label,
		PeerList:      peerList,
		Snapshot:      m.reg.Snapshot(),
	}

	m.broadcastPeerList()

	return transport.Frame{Opcode: transport.OpWelcome, Payload: encode(welcome)}, nil
}

func (m *Membership) assignOrReclaim(hello HelloPayload) string {
	if hello.ClaimedLabel != "" {
		if n, ok := m.reg.GetNode(hello.ClaimedLabel); ok && !n.Online {
			if hello.ClaimedFingerprint == "" || hello.ClaimedFingerprint == m.reg.GroupFingerprint() {
				return hello.ClaimedLabel
			}
		}
	}
	return m.reg.NextLabel()
}

func (m *Membership) peerListLocked() []PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []PeerInfo{{Label: m.selfLabel, Address: m.selfAddress}}
	for _, p := range m.peers {
		out = append(out, PeerInfo{Label: p.Label, Address: p.Address})
	}
	return out
}

// HandlePeerList merges an inbound PEER_LIST broadcast, dialing HELLO to
// any newly learned peer so the mesh reaches full connectivity within two
// round-trips of a join.
func (m *Membership) HandlePeerList(conn *transport.Conn, req transport.Frame) (transport.Frame, error) {
	var pl PeerListPayload
	if err := decode(req.Payload, &pl); err != nil {
		return transport.Frame{}, err
	}
	for _, p := range pl.Peers {
		if p.Label == m.selfLabel {
			continue
		}
		m.mu.Lock()
		_, known := m.peers[p.Label]
		m.mu.Unlock()
		if !known {
			m.trackPeer(p.Label, p.Address)
			go m.helloPeer(p.Label, p.Address)
		}
	}
	return transport.Frame{}, nil
}

// broadcastPeerList sends the current address book to every known peer.
func (m *Membership) broadcastPeerList() {
	pl := PeerListPayload{Peers: m.peerListLocked()}
	m.broadcast(transport.OpPeerList, encode(pl))
}

// broadcast fans a one-way frame out to every known peer, dropping any
// connection that errors rather than retrying inline — gossip is
// best-effort and the next mutation or META_SYNC round will carry it.
func (m *Membership) broadcast(opcode transport.Opcode, payload []byte) {
	m.mu.Lock()
	addrs := make([]string, 0, len(m.peers))
	for _, p := range m.peers {
		addrs = append(addrs, p.Address)
	}
	m.mu.Unlock()
	for _, addr := range addrs {
		conn, err := m.pool.Get(addr)
		if err != nil {
			continue
		}
		if err := conn.Send(transport.Frame{Opcode: opcode, Payload: payload}); err != nil {
			m.pool.Drop(conn)
			continue
		}
		m.pool.Put(addr, conn)
	}
}

// BroadcastFileAnnounce gossips a completed upload to every peer. Called
// only after every block of f has been acknowledged by its two hosts
// (§4.5, §5 ordering guarantee).
func (m *Membership) BroadcastFileAnnounce(f registry.File, blocks []registry.Block) {
	m.broadcast(transport.OpFileAnnounce, encode(FileAnnouncePayload{File: f, Blocks: blocks}))
}

// BroadcastFileDelete gossips a delete. Convergence treats delete as
// terminal, so this supersedes any outstanding FILE_ANNOUNCE for the name.
func (m *Membership) BroadcastFileDelete(name string) {
	m.broadcast(transport.OpFileDelete, encode(FileDeletePayload{Name: name}))
}

// BroadcastCapacityUpdate gossips a capacity change for this node.
func (m *Membership) BroadcastCapacityUpdate(label string, capacityBytes int64) {
	m.broadcast(transport.OpCapacityUpdate, encode(CapacityUpdatePayload{Label: label, CapacityBytes: capacityBytes}))
}

// HandleFileAnnounce applies a peer's completed upload to the local
// registry.
func (m *Membership) HandleFileAnnounce(conn *transport.Conn, req transport.Frame) (transport.Frame, error) {
	var in FileAnnouncePayload
	if err := decode(req.Payload, &in); err != nil {
		return transport.Frame{}, err
	}
	f := in.File
	m.reg.ApplyDelta(registry.Delta{Kind: registry.DeltaFileAdd, File: &f, Blocks: in.Blocks})
	return transport.Frame{}, nil
}

// HandleFileDelete applies a peer's delete to the local registry.
func (m *Membership) HandleFileDelete(conn *transport.Conn, req transport.Frame) (transport.Frame, error) {
	var in FileDeletePayload
	if err := decode(req.Payload, &in); err != nil {
		return transport.Frame{}, err
	}
	f := registry.File{Name: in.Name, Tombstoned: true}
	m.reg.ApplyDelta(registry.Delta{Kind: registry.DeltaFileRemove, File: &f})
	return transport.Frame{}, nil
}

// HandleCapacityUpdate applies a peer's capacity change to the local
// registry's copy of that node.
func (m *Membership) HandleCapacityUpdate(conn *transport.Conn, req transport.Frame) (transport.Frame, error) {
	var in CapacityUpdatePayload
	if err := decode(req.Payload, &in); err != nil {
		return transport.Frame{}, err
	}
	if n, ok := m.reg.GetNode(in.Label); ok {
		n.CapacityBytes = in.CapacityBytes
		m.reg.ApplyDelta(registry.Delta{Kind: registry.DeltaCapacity, Node: &n})
	}
	return transport.Frame{}, nil
}

// HandleMetaSync answers a META_SYNC request with this node's current
// snapshot after merging the snapshot the requester attached.
func (m *Membership) HandleMetaSync(conn *transport.Conn, req transport.Frame) (transport.Frame, error) {
	var in MetaSyncPayload
	if err := decode(req.Payload, &in); err != nil {
		return transport.Frame{}, err
	}
	m.mergeSnapshot(in.Snapshot)
	out := MetaSyncPayload{Snapshot: m.reg.Snapshot()}
	return transport.Frame{Opcode: transport.OpMetaSync, Payload: encode(out)}, nil
}

func (m *Membership) mergeSnapshot(state registry.GroupState) {
	for _, n := range state.Nodes {
		node := n
		m.reg.ApplyDelta(registry.Delta{Kind: registry.DeltaNodeUpsert, Node: &node})
	}
	for _, f := range state.Files {
		file := f
		kind := registry.DeltaFileAdd
		if file.Tombstoned {
			kind = registry.DeltaFileRemove
		}
		m.reg.ApplyDelta(registry.Delta{Kind: kind, File: &file})
	}
	if len(state.Blocks) > 0 {
		m.reg.ApplyDelta(registry.Delta{Kind: registry.DeltaBlockHosts, Blocks: state.Blocks})
	}
}

// RequestMetaSync actively reconciles with a peer that just returned from
// offline, per §4.4.
func (m *Membership) RequestMetaSync(address string) error {
	conn, err := m.pool.Get(address)
	if err != nil {
		return fmt.Errorf("peer_unreachable: %w", err)
	}
	out := MetaSyncPayload{Snapshot: m.reg.Snapshot()}
	resp, err := conn.Request(transport.Frame{Opcode: transport.OpMetaSync, Payload: encode(out)})
	if err != nil {
		m.pool.Drop(conn)
		return fmt.Errorf("peer_unreachable: %w", err)
	}
	m.pool.Put(address, conn)
	var in MetaSyncPayload
	if err := decode(resp.Payload, &in); err != nil {
		return err
	}
	m.mergeSnapshot(in.Snapshot)
	return nil
}

// ─── Heartbeat emission & expiry sweep ──────────────────────────────────────

// Run starts the heartbeat-emit and expiry-sweep background tasks, each its
// own goroutine, mirroring the teacher's go-func-ticker idiom in
// cmd/server/main.go generalized from one snapshot ticker to two mesh
// tickers.
func (m *Membership) Run(udpSender *transport.UDPSender, udpPort string) {
	m.udpSender = udpSender
	m.udpPort = udpPort
	go m.heartbeatLoop()
	go m.sweepLoop()
}

// Stop halts the background tasks started by Run.
func (m *Membership) Stop() {
	close(m.stopCh)
}

func (m *Membership) heartbeatLoop() {
	ticker := m.clock.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	var seq uint64
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.Chan():
			seq++
			m.emitHeartbeats(seq)
		}
	}
}

func (m *Membership) emitHeartbeats(seq uint64) {
	if m.udpSender == nil {
		return
	}
	self, _ := m.reg.GetNode(m.selfLabel)
	hb := transport.Heartbeat{
		Label: m.selfLabel, Sequence: seq,
		CapacityBytes: self.CapacityBytes, UsedBytes: self.UsedBytes,
	}
	m.mu.Lock()
	addrs := make([]string, 0, len(m.peers))
	for _, p := range m.peers {
		addrs = append(addrs, udpAddress(p.Address, m.udpPort))
	}
	m.mu.Unlock()
	for _, addr := range addrs {
		if err := m.udpSender.SendTo(addr, hb); err == nil {
			metrics.HeartbeatsSent.Inc()
		}
	}
}

// udpAddress derives a peer's heartbeat address from its TCP address by
// swapping the port, since both channels share a host.
func udpAddress(tcpAddr, udpPort string) string {
	host, _, err := net.SplitHostPort(tcpAddr)
	if err != nil {
		return tcpAddr
	}
	return net.JoinHostPort(host, udpPort)
}

// OnHeartbeat processes a received heartbeat datagram: updates last_seen
// and, if the sender was offline or unknown, marks it online and triggers
// reconciliation.
func (m *Membership) OnHeartbeat(hb transport.Heartbeat) {
	metrics.HeartbeatsReceived.Inc()
	m.mu.Lock()
	p, ok := m.peers[hb.Label]
	if !ok {
		m.mu.Unlock()
		return
	}
	wasOffline := p.State != StateOnline
	p.State = StateOnline
	p.LastSeen = m.clock.Now()
	if hb.Sequence > p.Sequence {
		p.Sequence = hb.Sequence
	}
	address := p.Address
	onReturn := m.onReturn
	m.mu.Unlock()

	m.reg.UpsertNode(registry.Node{
		Label: hb.Label, Address: address, Online: true,
		CapacityBytes: hb.CapacityBytes, UsedBytes: hb.UsedBytes,
		LastHeartbeat: m.clock.Now(),
	})
	metrics.PeersOnline.Set(float64(len(m.OnlinePeers())))
	if wasOffline && onReturn != nil {
		onReturn(hb.Label, address)
	}
}

func (m *Membership) sweepLoop() {
	ticker := m.clock.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.Chan():
			m.sweepOnce()
		}
	}
}

func (m *Membership) sweepOnce() {
	now := m.clock.Now()
	m.mu.Lock()
	var toMark []string
	for label, p := range m.peers {
		if p.State == StateOnline && now.Sub(p.LastSeen) > OfflineTimeout {
			p.State = StateOffline
			toMark = append(toMark, label)
		}
	}
	m.mu.Unlock()
	for _, label := range toMark {
		m.reg.MarkNode(label, false, now)
		if m.log != nil {
			m.log.WithField("peer", label).Info("peer marked offline: heartbeat timeout")
		}
	}
	if len(toMark) > 0 {
		metrics.PeersOnline.Set(float64(len(m.OnlinePeers())))
	}
}
