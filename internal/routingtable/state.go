// Package routingtable owns a Chord node's mutable ring state: its
// identity, its successor and (possibly absent) predecessor, its finger
// table, and the state/substate pair the protocol engine drives through
// join, stabilization, and ring-map traversal. It also implements the
// ring-math predicates (§4.4 of spec.md) that read that state:
// is-in-successor-arc and the finger-hinted forwarding target.
package routingtable

import (
	"fmt"
	"sync"
	"time"

	"chordring/internal/ring"
)

// NodeRef is a cached reference to a peer: its address, derived
// identifier, whether it denotes the local node, and the application
// port returned to lookup callers. Holding a NodeRef never implies the
// peer is currently reachable — see spec.md §3.
type NodeRef struct {
	IP      string
	ID      ring.ID
	AppPort int
	Self    bool
}

func (n *NodeRef) String() string {
	if n == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s:%d(%s)", n.IP, n.AppPort, n.ID.ToHexString(true))
}

// Equal compares two (possibly nil) NodeRefs by identifier.
func (n *NodeRef) Equal(o *NodeRef) bool {
	if n == nil || o == nil {
		return n == o
	}
	return n.ID.Equal(o.ID)
}

// State is the node's coarse lifecycle/service state and (reused as a
// type) the finer substate the stabilize and ring-map protocols drive
// through, per spec.md §3.
type State int

const (
	Uninitialized State = iota
	Initialized
	WaitingToJoin
	InNetwork
	Servicing
	MappingChord
	MappingCompleted
	Stabilizing
	ServiceClosing
	ServiceFailed
	UpdatingFinger
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Initialized:
		return "INITIALIZED"
	case WaitingToJoin:
		return "WAITING_TO_JOIN"
	case InNetwork:
		return "IN_NETWORK"
	case Servicing:
		return "SERVICING"
	case MappingChord:
		return "MAPPING_CHORD"
	case MappingCompleted:
		return "MAPPING_COMPLETED"
	case Stabilizing:
		return "STABILIZING"
	case ServiceClosing:
		return "SERVICE_CLOSING"
	case ServiceFailed:
		return "SERVICE_FAILED"
	case UpdatingFinger:
		return "UPDATING_FINGER"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Table is a node's ring state: self, successor, predecessor, finger
// table, and state/substate. All mutation is expected to come from the
// single protocol-engine worker (spec.md §5); the mutex exists so reads
// from host-application or HTTP-debug goroutines never race.
type Table struct {
	mu sync.RWMutex

	space ring.Space
	self  *NodeRef

	successor   *NodeRef
	predecessor *NodeRef
	fingers     []*NodeRef // fingers[i] hints at successor_of(self+2^i)

	state    State
	subState State

	lastStabilizeTs time.Time
	lastFingerTs    time.Time
}

// New creates a node's routing table. The successor starts out as self,
// per spec.md's invariant that successor is never nil once a node has
// started.
func New(self *NodeRef, space ring.Space) *Table {
	return &Table{
		space:     space,
		self:      self,
		successor: self,
		fingers:   make([]*NodeRef, space.Bits),
		state:     Uninitialized,
	}
}

func (t *Table) Space() ring.Space { return t.space }

func (t *Table) Self() *NodeRef { return t.self }

func (t *Table) Successor() *NodeRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.successor
}

func (t *Table) SetSuccessor(n *NodeRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successor = n
	if n != nil {
		t.fingers[0] = n
	}
}

func (t *Table) Predecessor() *NodeRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.predecessor
}

func (t *Table) SetPredecessor(n *NodeRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.predecessor = n
}

// FingerTarget returns the lookup target for finger i: (self_id +
// 2^i) mod 2^Bits.
func (t *Table) FingerTarget(i int) ring.ID {
	offset := t.space.PowerOfTwoMod(i)
	target, err := t.space.AddMod(t.self.ID, offset)
	if err != nil {
		// self.ID and offset are always valid ids of this space.
		panic(fmt.Sprintf("routingtable: FingerTarget(%d): %v", i, err))
	}
	return target
}

func (t *Table) SetFinger(i int, n *NodeRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= 0 && i < len(t.fingers) {
		t.fingers[i] = n
	}
}

func (t *Table) Finger(i int) *NodeRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i >= 0 && i < len(t.fingers) {
		return t.fingers[i]
	}
	return nil
}

// FingerList returns every non-nil finger entry, for diagnostics.
func (t *Table) FingerList() []*NodeRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*NodeRef, 0, len(t.fingers))
	for _, f := range t.fingers {
		if f != nil {
			out = append(out, f)
		}
	}
	return out
}

func (t *Table) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Table) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

func (t *Table) SubState() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.subState
}

func (t *Table) SetSubState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subState = s
}

func (t *Table) LastStabilizeTs() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastStabilizeTs
}

func (t *Table) SetLastStabilizeTs(ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastStabilizeTs = ts
}

func (t *Table) LastFingerTs() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastFingerTs
}

func (t *Table) SetLastFingerTs(ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastFingerTs = ts
}

// IsInSuccessorArc reports whether key falls in the half-open arc
// (start, end]. Callers pass (self_id, successor.id) for ownership
// checks per spec.md §4.4.
func IsInSuccessorArc(key, start, end ring.ID) bool {
	return key.Between(start, end)
}

// IsInSuccessor reports whether key is owned by this node's successor:
// key ∈ (self_id, successor.id].
func (t *Table) IsInSuccessor(key ring.ID) bool {
	succ := t.Successor()
	return IsInSuccessorArc(key, t.self.ID, succ.ID)
}

// SuccessorOf picks a forwarding target for key. With useFinger=false it
// always returns the successor (used during join, to avoid forwarding
// through a stale or partially built finger table per spec.md §4.5.1).
// With useFinger=true it scans fingers from the farthest reach down and
// returns the first one whose id is strictly between self and key,
// falling back to the successor if none qualify — a hint only, always
// safe because the successor fallback guarantees forward progress even
// with arbitrarily stale fingers.
func (t *Table) SuccessorOf(key ring.ID, useFinger bool) *NodeRef {
	succ := t.Successor()
	if !useFinger {
		return succ
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := len(t.fingers) - 1; i >= 0; i-- {
		f := t.fingers[i]
		if f != nil && f.ID.Between(t.self.ID, key) && !f.ID.Equal(key) {
			return f
		}
	}
	return succ
}
