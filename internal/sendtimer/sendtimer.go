// Package sendtimer implements the retransmission registry the engine
// uses for the two classes of message spec.md requires reliability for:
// predecessor-update notifications and in-flight lookups. Every other
// message on the wire is fire-and-forget by design (spec.md §9).
package sendtimer

import (
	"sync"
	"time"
)

// Timeout is the fixed retransmission interval (spec.md: SEND_TIMEOUT =
// 1.5s). There is deliberately no exponential backoff: the fixed
// interval is part of the contract.
const Timeout = 1500 * time.Millisecond

// entry is one pending, unacknowledged send.
type entry struct {
	ip       string
	port     int
	payload  []byte
	lastSend time.Time
}

// Registry tracks pending sends keyed by an arbitrary correlation key
// (the search term for lookups, the sender's own id for join
// notifications). An entry is removed when Cancel is called for its
// key (on ack) and retransmitted by Tick once it has aged past Timeout.
type Registry struct {
	mu      sync.Mutex
	entries map[uint32]*entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[uint32]*entry)}
}

// Register records a new pending send. now is the time of the initial
// send, so the first retransmission happens no sooner than now+Timeout.
func (r *Registry) Register(key uint32, ip string, port int, payload []byte, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = &entry{ip: ip, port: port, payload: payload, lastSend: now}
}

// Cancel removes a pending send, e.g. on receipt of its acknowledgement.
// Canceling an absent key is a no-op, since duplicate acks must be
// tolerated (spec.md §5, "Ordering").
func (r *Registry) Cancel(key uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// Pending reports whether key currently has an outstanding send.
func (r *Registry) Pending(key uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

// Len reports how many sends are currently outstanding.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Due is one entry whose retransmission is overdue as of a Tick call.
type Due struct {
	Key     uint32
	IP      string
	Port    int
	Payload []byte
}

// Tick returns every entry whose last send is at least Timeout old as
// of now, and stamps its lastSend to now — the caller is expected to
// actually resend each Due entry; Tick only decides which are due and
// marks them sent so a slow caller can't cause a resend storm.
func (r *Registry) Tick(now time.Time) []Due {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []Due
	for key, e := range r.entries {
		if now.Sub(e.lastSend) >= Timeout {
			e.lastSend = now
			due = append(due, Due{Key: key, IP: e.ip, Port: e.port, Payload: e.payload})
		}
	}
	return due
}

// Drain removes and returns every pending entry, for use at shutdown so
// that no retransmission state leaks past the node's lifetime (spec.md
// §9 design note: "stop() joins the worker but does not close
// send-timers; implementations should drain and free to avoid leaks").
func (r *Registry) Drain() []Due {
	r.mu.Lock()
	defer r.mu.Unlock()

	due := make([]Due, 0, len(r.entries))
	for key, e := range r.entries {
		due = append(due, Due{Key: key, IP: e.ip, Port: e.port, Payload: e.payload})
	}
	r.entries = make(map[uint32]*entry)
	return due
}
