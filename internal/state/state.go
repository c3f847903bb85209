// Package state persists per-node bootstrap progress next to the roster,
// so interrupted runs resume from the last successful stage and pod CIDR
// assignments stay sticky across invocations.
package state

import (
	"time"
)

// Stage is a node's position in the bootstrap progression.
type Stage string

const (
	StagePending         Stage = "Pending"
	StagePrepared        Stage = "Prepared"
	StageInstalled       Stage = "Installed"
	StageInitialized     Stage = "Initialized"
	StageJoined          Stage = "Joined"
	StageNetworkAttached Stage = "NetworkAttached"
	StageVerified        Stage = "Verified"
	StageFailed          Stage = "Failed"
)

// stageRank orders the forward-only progression. Initialized and Joined
// share a rank: they are the control-plane and worker variants of the same
// step. Failed is deliberately absent.
var stageRank = map[Stage]int{
	StagePending:         0,
	StagePrepared:        1,
	StageInstalled:       2,
	StageInitialized:     3,
	StageJoined:          3,
	StageNetworkAttached: 4,
	StageVerified:        5,
}

// Rank returns the stage's position in the progression, or -1 for Failed
// and unknown stages.
func (s Stage) Rank() int {
	rank, ok := stageRank[s]
	if !ok {
		return -1
	}
	return rank
}

// AtLeast reports whether s is at or past other in the progression.
// Failed is never at or past anything.
func (s Stage) AtLeast(other Stage) bool {
	rank := s.Rank()
	return rank >= 0 && rank >= other.Rank()
}

// NodeState records one node's progress. When Stage is Failed, LastGood
// holds the furthest completed stage and Reason says what went wrong;
// the next run resumes from LastGood.
type NodeState struct {
	Stage     Stage     `yaml:"stage"`
	LastGood  Stage     `yaml:"last_good,omitempty"`
	Reason    string    `yaml:"reason,omitempty"`
	PodCIDR   string    `yaml:"pod_cidr,omitempty"`
	PublicKey string    `yaml:"public_key,omitempty"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// Resume returns the stage a new run starts this node from.
func (n NodeState) Resume() Stage {
	if n.Stage == StageFailed {
		if n.LastGood == "" {
			return StagePending
		}
		return n.LastGood
	}
	return n.Stage
}

// State is the on-disk document. Nodes are keyed by hostname. Only public
// key material is recorded here; private keys never leave their node.
type State struct {
	RunID        string                `yaml:"run_id"`
	ClusterName  string                `yaml:"cluster_name"`
	JoinEndpoint string                `yaml:"join_endpoint,omitempty"`
	Nodes        map[string]*NodeState `yaml:"nodes"`
	UpdatedAt    time.Time             `yaml:"updated_at"`
}

// Node returns the recorded state for a hostname, or a Pending zero state
// for nodes that have never been touched.
func (s *State) Node(hostname string) NodeState {
	if n, ok := s.Nodes[hostname]; ok {
		return *n
	}
	return NodeState{Stage: StagePending}
}

// PodCIDRs returns the sticky CIDR assignments recorded so far.
func (s *State) PodCIDRs() map[string]string {
	assigned := make(map[string]string)
	for hostname, n := range s.Nodes {
		if n.PodCIDR != "" {
			assigned[hostname] = n.PodCIDR
		}
	}
	return assigned
}
