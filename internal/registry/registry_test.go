package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLog() *logrus.Entry {
	return logrus.NewEntry(logrus.New())
}

func TestNextLabelStartsAtOne(t *testing.T) {
	r := New("", testLog())
	require.Equal(t, "nodo1", r.NextLabel())
}

func TestNextLabelSkipsGaps(t *testing.T) {
	r := New("nodo1", testLog())
	r.UpsertNode(Node{Label: "nodo1", CapacityBytes: 100})
	r.UpsertNode(Node{Label: "nodo3", CapacityBytes: 100})
	require.Equal(t, "nodo4", r.NextLabel())
}

func TestUpsertNodeHighestUsedBytesWins(t *testing.T) {
	r := New("nodo1", testLog())
	now := time.Now()
	r.UpsertNode(Node{Label: "nodo1", CapacityBytes: 100, UsedBytes: 10, LastHeartbeat: now})
	r.UpsertNode(Node{Label: "nodo1", CapacityBytes: 100, UsedBytes: 5, LastHeartbeat: now.Add(time.Minute)})

	n, ok := r.GetNode("nodo1")
	require.True(t, ok)
	require.EqualValues(t, 10, n.UsedBytes, "lower used_bytes must not overwrite a higher one")
}

func TestUpsertNodeTimestampTieBreak(t *testing.T) {
	r := New("nodo1", testLog())
	now := time.Now()
	r.UpsertNode(Node{Label: "nodo1", CapacityBytes: 100, UsedBytes: 10, LastHeartbeat: now})
	r.UpsertNode(Node{Label: "nodo1", CapacityBytes: 100, UsedBytes: 10, LastHeartbeat: now.Add(time.Minute)})

	n, ok := r.GetNode("nodo1")
	require.True(t, ok)
	require.True(t, n.LastHeartbeat.Equal(now.Add(time.Minute)))
}

func TestAddFileThenRemoveIsTerminal(t *testing.T) {
	r := New("nodo1", testLog())
	f := File{Name: "a.txt", Size: 10, BlockIDs: []string{"a.txt#0"}}
	blocks := []Block{{File: "a.txt", Index: 0, Size: 10, OriginalHost: "nodo1", ReplicaHost: "nodo2"}}
	_, err := r.AddFile(f, blocks)
	require.NoError(t, err)

	_, err = r.RemoveFile("a.txt")
	require.NoError(t, err)

	_, ok := r.GetFile("a.txt")
	require.False(t, ok)

	_, err = r.AddFile(f, blocks)
	require.Error(t, err, "re-adding a deleted name must be rejected")
}

func TestApplyDeltaFileRemoveIsTerminalAcrossPeers(t *testing.T) {
	r := New("nodo1", testLog())
	f := File{Name: "a.txt", Size: 10, BlockIDs: []string{"a.txt#0"}}
	blocks := []Block{{File: "a.txt", Index: 0, Size: 10, OriginalHost: "nodo1", ReplicaHost: "nodo2"}}
	addDelta, err := r.AddFile(f, blocks)
	require.NoError(t, err)

	removed := f
	removed.Tombstoned = true
	removeDelta := Delta{Version: addDelta.Version + 1, Kind: DeltaFileRemove, File: &removed}
	r.ApplyDelta(removeDelta)

	_, ok := r.GetFile("a.txt")
	require.False(t, ok)

	// A stale re-announce of the same name must not resurrect it.
	r.ApplyDelta(addDelta)
	_, ok = r.GetFile("a.txt")
	require.False(t, ok, "delete must stay terminal even against a replayed add")
}

func TestAcquireUploadLeaseRejectsConcurrentSameName(t *testing.T) {
	r := New("nodo1", testLog())
	now := time.Now()
	require.NoError(t, r.AcquireUploadLease("a.txt", now))
	require.ErrorIs(t, r.AcquireUploadLease("a.txt", now), ErrDuplicateName)

	r.ReleaseUploadLease("a.txt")
	require.NoError(t, r.AcquireUploadLease("a.txt", now))
}

func TestAcquireUploadLeaseExpires(t *testing.T) {
	r := New("nodo1", testLog())
	now := time.Now()
	require.NoError(t, r.AcquireUploadLease("a.txt", now))
	require.NoError(t, r.AcquireUploadLease("a.txt", now.Add(2*leaseTTL)))
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")

	r := New("nodo1", testLog())
	r.AttachSnapshotter(path)
	r.UpsertNode(Node{Label: "nodo1", Address: "10.0.0.1:8888", CapacityBytes: 1000})
	_, err := r.AddFile(
		File{Name: "a.txt", Size: 4, BlockIDs: []string{"a.txt#0"}},
		[]Block{{File: "a.txt", Index: 0, Size: 4, OriginalHost: "nodo1", ReplicaHost: "nodo1"}},
	)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	reloaded, err := Load(path, "nodo1", testLog())
	require.NoError(t, err)
	require.Len(t, reloaded.Nodes(), 1)
	require.Len(t, reloaded.Files(), 1)
	require.Len(t, reloaded.AllBlocks(), 1)
}

func TestLoadMissingSnapshotIsEmptyNotError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.json")
	r, err := Load(path, "nodo1", testLog())
	require.NoError(t, err)
	require.Empty(t, r.Nodes())
}
