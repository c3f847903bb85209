package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const kubeconfigFile = "kubeconfig"

// Store owns the state file. All mutations go through Update, which
// persists atomically before returning, so the file always reflects the
// last completed transition.
type Store struct {
	path string

	mu    sync.Mutex
	state *State
}

// Open loads the state file at path, creating an empty state with a fresh
// run ID when none exists. The parent directory is created as needed.
func Open(path, clusterName string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Store{
			path: path,
			state: &State{
				RunID:       uuid.New().String(),
				ClusterName: clusterName,
				Nodes:       make(map[string]*NodeState),
			},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	if st.Nodes == nil {
		st.Nodes = make(map[string]*NodeState)
	}
	if st.ClusterName == "" {
		st.ClusterName = clusterName
	}

	return &Store{path: path, state: &st}, nil
}

// Snapshot returns a copy of the current state.
func (st *Store) Snapshot() State {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := *st.state
	out.Nodes = make(map[string]*NodeState, len(st.state.Nodes))
	for hostname, n := range st.state.Nodes {
		copied := *n
		out.Nodes[hostname] = &copied
	}
	return out
}

// Node returns the recorded state for a hostname.
func (st *Store) Node(hostname string) NodeState {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state.Node(hostname)
}

// PodCIDRs returns the sticky CIDR assignments recorded so far.
func (st *Store) PodCIDRs() map[string]string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state.PodCIDRs()
}

// BeginRun stamps a fresh run ID and persists it. Called once per
// bootstrap invocation.
func (st *Store) BeginRun() error {
	return st.Update(func(s *State) {
		s.RunID = uuid.New().String()
	})
}

// Update applies mutate under the store lock and writes the file
// atomically before returning.
func (st *Store) Update(mutate func(*State)) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	mutate(st.state)
	st.state.UpdatedAt = time.Now().UTC()
	return st.save()
}

// SetStage records a completed stage transition for a node, clearing any
// previous failure.
func (st *Store) SetStage(hostname string, stage Stage) error {
	return st.Update(func(s *State) {
		n := s.ensure(hostname)
		n.Stage = stage
		n.LastGood = ""
		n.Reason = ""
		n.UpdatedAt = time.Now().UTC()
	})
}

// SetFailed marks a node Failed with the stage it last completed and the
// reason, so the next run resumes from lastGood.
func (st *Store) SetFailed(hostname string, lastGood Stage, reason string) error {
	return st.Update(func(s *State) {
		n := s.ensure(hostname)
		n.Stage = StageFailed
		n.LastGood = lastGood
		n.Reason = reason
		n.UpdatedAt = time.Now().UTC()
	})
}

// SetPodCIDR records a node's assigned pod CIDR.
func (st *Store) SetPodCIDR(hostname, cidr string) error {
	return st.Update(func(s *State) {
		s.ensure(hostname).PodCIDR = cidr
	})
}

// SetPublicKey records a node's WireGuard public key.
func (st *Store) SetPublicKey(hostname, publicKey string) error {
	return st.Update(func(s *State) {
		s.ensure(hostname).PublicKey = publicKey
	})
}

// SetJoinEndpoint records the API server endpoint workers join through.
func (st *Store) SetJoinEndpoint(endpoint string) error {
	return st.Update(func(s *State) {
		s.JoinEndpoint = endpoint
	})
}

// Reset removes the state file and the kubeconfig snapshot. Used by
// teardown.
func (st *Store) Reset() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.state = &State{
		RunID:       uuid.New().String(),
		ClusterName: st.state.ClusterName,
		Nodes:       make(map[string]*NodeState),
	}

	for _, path := range []string{st.path, st.kubeconfigPath()} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	return nil
}

// SaveKubeconfig writes the admin kubeconfig snapshot next to the state
// file, readable by the owner only.
func (st *Store) SaveKubeconfig(data []byte) error {
	path := st.kubeconfigPath()
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write kubeconfig snapshot: %w", err)
	}
	return nil
}

// Kubeconfig reads the admin kubeconfig snapshot.
func (st *Store) Kubeconfig() ([]byte, error) {
	data, err := os.ReadFile(st.kubeconfigPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read kubeconfig snapshot (run bootstrap first): %w", err)
	}
	return data, nil
}

func (st *Store) kubeconfigPath() string {
	return filepath.Join(filepath.Dir(st.path), kubeconfigFile)
}

// ensure returns the node entry, creating a Pending one if absent.
// Callers hold the store lock via Update.
func (s *State) ensure(hostname string) *NodeState {
	n, ok := s.Nodes[hostname]
	if !ok {
		n = &NodeState{Stage: StagePending, UpdatedAt: time.Now().UTC()}
		s.Nodes[hostname] = n
	}
	return n
}

// save writes the state file atomically. Callers hold the lock.
func (st *Store) save() error {
	data, err := yaml.Marshal(st.state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(st.path)
	tmp, err := os.CreateTemp(dir, ".state-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to set state file mode: %w", err)
	}
	if err := os.Rename(tmpName, st.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
