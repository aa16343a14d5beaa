package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Snapshotter persists GroupState to disk with write-behind coalescing: at
// most one write-behind write is in flight, and a mutation that arrives
// mid-write is folded into the next write rather than queued individually.
// WriteNow bypasses this and can run alongside a write-behind write.
type Snapshotter struct {
	path    string
	build   func() GroupState
	mu      sync.Mutex
	writing bool
	pending bool
}

// NewSnapshotter wires a write-behind persister to path, calling build to
// capture the state to serialize each time a write actually runs.
func NewSnapshotter(path string, build func() GroupState) *Snapshotter {
	return &Snapshotter{path: path, build: build}
}

// ScheduleWrite asks for a snapshot write. If one is already in flight, the
// request is coalesced into a single pending follow-up write.
func (s *Snapshotter) ScheduleWrite() {
	s.mu.Lock()
	if s.writing {
		s.pending = true
		s.mu.Unlock()
		return
	}
	s.writing = true
	s.mu.Unlock()

	go s.runLoop()
}

func (s *Snapshotter) runLoop() {
	for {
		state := s.build()
		err := writeSnapshotFile(s.path, state)

		s.mu.Lock()
		if err != nil {
			// Retry is driven by the next mutation; surface nothing here
			// since there is no logger wired into this low-level type.
		}
		if s.pending {
			s.pending = false
			s.mu.Unlock()
			continue
		}
		s.writing = false
		s.mu.Unlock()
		return
	}
}

// WriteNow performs a single synchronous write, bypassing coalescing. Used
// on clean shutdown to guarantee the final state reaches disk.
func (s *Snapshotter) WriteNow(state GroupState) error {
	return writeSnapshotFile(s.path, state)
}

func writeSnapshotFile(path string, state GroupState) error {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(state); err != nil {
		tmp.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a previously persisted GroupState. The second return
// value is false when no snapshot file exists yet (a fresh node).
func LoadSnapshot(path string) (GroupState, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return GroupState{}, false, nil
		}
		return GroupState{}, false, fmt.Errorf("read snapshot: %w", err)
	}
	var state GroupState
	if err := json.Unmarshal(data, &state); err != nil {
		return GroupState{}, false, fmt.Errorf("corrupt metadata snapshot %s: %w", path, err)
	}
	return state, true, nil
}

// metadataFileName is the on-disk name of the registry snapshot within a
// node's data directory.
const metadataFileName = "registry.json"

// MetadataPath joins a data directory with the canonical snapshot name.
func MetadataPath(dataDir string) string {
	return filepath.Join(dataDir, metadataFileName)
}
