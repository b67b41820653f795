// Package chordnode is the host-facing public API of a Chord overlay
// node: construct, initialize, start, stop, look up keys, and read the
// diagnostic ring-map and finger-table snapshots. Everything below this
// package (engine, routingtable, wire, transport) is an implementation
// detail callers never touch directly.
package chordnode

import (
	"context"
	"fmt"
	"time"

	"chordring/internal/engine"
	"chordring/internal/logger"
	"chordring/internal/obsmetrics"
	"chordring/internal/ring"
	"chordring/internal/routingtable"
)

// Re-exported stable error codes, per the external interface contract.
var (
	ErrInvalidKey        = engine.ErrInvalidKey
	ErrConnLost          = engine.ErrConnLost
	ErrCannotConnect     = engine.ErrCannotConnect
	ErrCannotJoinChord   = engine.ErrCannotJoinChord
	ErrCannotStartThread = engine.ErrCannotStartThread
	ErrNotInitialized    = engine.ErrNotInitialized
	ErrNotInService      = engine.ErrNotInService
	ErrNoSuccessor       = engine.ErrNoSuccessor
	ErrLocalKey          = engine.ErrLocalKey
)

// State is the node's lifecycle state, as reported by State().
type State int

const (
	Uninitialized State = iota
	Initialized
	Servicing
	ServiceClosing
	ServiceFailed
	Other
)

// Node is a Chord overlay node. The zero value is not usable; build one
// with New.
type Node struct {
	eng *engine.Engine
}

// New constructs a node bound to the given application port (returned
// to lookup callers) and Chord protocol port (the UDP socket this node
// listens on). ip is this node's own address as seen by peers; the
// node's identifier is derived from it here, at construction, and
// cannot be changed afterwards. metrics may be nil, in
// which case this node's operational counters are kept privately and
// never surfaced on a shared /metrics scrape; pass the same
// *obsmetrics.Metrics also given to an httpapi.Server to make them
// visible there.
func New(lgr logger.Logger, idBits int, ip string, chordPort, appPort int, metrics *obsmetrics.Metrics) (*Node, error) {
	space, err := ring.NewSpace(idBits)
	if err != nil {
		return nil, fmt.Errorf("chordnode: %w", err)
	}
	return &Node{eng: engine.New(lgr, space, ip, chordPort, appPort, metrics)}, nil
}

// SetJoinPoint records the bootstrap peer's address to join an existing
// ring, or "" to start a new one.
func (n *Node) SetJoinPoint(ip string) {
	n.eng.SetJoinPoint(ip)
}

// Init derives this node's identifier and moves it to INITIALIZED.
func (n *Node) Init() error {
	return n.eng.Init()
}

// Start binds the UDP socket, joins the ring (or starts a new one), and
// spawns the protocol worker.
func (n *Node) Start() error {
	return n.eng.Start()
}

// Stop closes the socket and joins the worker.
func (n *Node) Stop() {
	n.eng.Stop()
}

// Query resolves the (ip, port) of the node responsible for key. A
// timeout of 0 waits indefinitely (bounded only by ctx).
func (n *Node) Query(ctx context.Context, key string, timeout time.Duration) (ip string, port int, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return n.eng.Query(ctx, key)
}

// HashedKey returns the identifier hash of key, truncated to 32 bits.
func (n *Node) HashedKey(key string) uint32 {
	return n.eng.HashedKey(key)
}

// GetChordMap returns a textual traversal of the ring clockwise from
// this node's successor, closing the loop back at this node, e.g.
// "[10.0.0.2]-->[10.0.0.3]-->[10.0.0.1] (End)" for a node at 10.0.0.1.
func (n *Node) GetChordMap(ctx context.Context) (string, error) {
	return n.eng.GetChordMap(ctx)
}

// GetFingerTable renders the current finger table for diagnostics.
func (n *Node) GetFingerTable() string {
	return n.eng.GetFingerTable()
}

// State reports this node's current lifecycle state.
func (n *Node) State() State {
	switch n.eng.State() {
	case routingtable.Uninitialized:
		return Uninitialized
	case routingtable.Initialized:
		return Initialized
	case routingtable.Servicing:
		return Servicing
	case routingtable.ServiceClosing:
		return ServiceClosing
	case routingtable.ServiceFailed:
		return ServiceFailed
	default:
		return Other
	}
}

// Snapshot is a diagnostic view of this node's ring state, suitable for
// rendering on a debug endpoint.
type Snapshot struct {
	Self        string
	Predecessor string
	Successor   string
	Fingers     []string
	State       string
}

// Snapshot returns the node's current self/predecessor/successor/finger
// view. Safe to call from any goroutine.
func (n *Node) Snapshot() Snapshot {
	t := n.eng.Table()
	snap := Snapshot{State: t.State().String()}
	if self := t.Self(); self != nil {
		snap.Self = self.String()
	}
	if pred := t.Predecessor(); pred != nil {
		snap.Predecessor = pred.String()
	}
	if succ := t.Successor(); succ != nil {
		snap.Successor = succ.String()
	}
	for _, f := range t.FingerList() {
		snap.Fingers = append(snap.Fingers, f.String())
	}
	return snap
}

// HasNotification reports whether a predecessor-change notification is
// waiting.
func (n *Node) HasNotification() bool {
	return n.eng.Notifications().Has()
}

// PopNotification removes and returns the oldest pending notification.
func (n *Node) PopNotification() (ip string, port int, ok bool) {
	note, ok := n.eng.Notifications().Pop()
	if !ok {
		return "", 0, false
	}
	return note.IP, note.Port, true
}
