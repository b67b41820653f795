// Package engine implements the Chord node's protocol engine: the
// single worker loop that dispatches inbound datagrams, runs the
// periodic stabilize/finger-fix/retransmit jobs, drives join, answers
// lookups, and walks the ring-map traversal. This is the node's largest
// component; everything else (routing table, wire codec, transport,
// send-timer, queues) exists to be driven from here.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chordring/internal/fifo"
	"chordring/internal/logger"
	"chordring/internal/notify"
	"chordring/internal/obsmetrics"
	"chordring/internal/ring"
	"chordring/internal/routingtable"
	"chordring/internal/sendtimer"
	"chordring/internal/transport"
	"chordring/internal/wire"
)

// Tuning constants from the functional contract. Like the send-timer
// interval (sendtimer.Timeout) these aren't configurable: changing them changes
// the protocol's observable timing guarantees.
const (
	tickRecvTimeout   = 100 * time.Millisecond
	joinResponseWait  = 1500 * time.Millisecond
	joinTrials        = 5
	stabilizeInterval = 1500 * time.Millisecond
	stabilizeGrace    = 200 * time.Millisecond
	fingerFixInterval = 3 * time.Second
	lookupPollEvery   = 100 * time.Millisecond
)

// Stable error codes, per the functional contract's external interface.
var (
	ErrInvalidKey        = fmt.Errorf("chordring: invalid key")
	ErrConnLost          = fmt.Errorf("chordring: connection lost")
	ErrCannotConnect     = fmt.Errorf("chordring: cannot connect")
	ErrCannotJoinChord   = fmt.Errorf("chordring: cannot join chord ring")
	ErrCannotStartThread = fmt.Errorf("chordring: cannot start worker")
	ErrNotInitialized    = fmt.Errorf("chordring: not initialized")
	ErrNotInService      = fmt.Errorf("chordring: not in service")
	ErrNoSuccessor       = fmt.Errorf("chordring: no successor")
	ErrLocalKey          = fmt.Errorf("chordring: key is owned locally")
)

type successorResp struct {
	searchTerm uint32
	ip         string
	port       int
}

type mapResp struct {
	seq uint32
	ip  string
}

// Engine owns the worker loop and every piece of mutable protocol state
// it drives.
type Engine struct {
	lgr     logger.Logger
	space   ring.Space
	table   *routingtable.Table
	conn    *transport.Conn
	sends   *sendtimer.Registry
	metrics *obsmetrics.Metrics

	successorRespQ *fifo.Queue[successorResp]
	mapRespQ       *fifo.Queue[mapResp]
	notifications  *notify.Queue

	joinPointIP string

	selfIP   string
	appPort  int
	hostPort int // chord_port

	stopCh chan struct{}
	wg     sync.WaitGroup

	nextFinger int

	mapMu      sync.Mutex
	mapSeq     map[uint32]string
	mapEnd     bool   // true once a deadend (seq=0) was observed this traversal
	mapDeadend string // IP that reported the deadend, valid when mapEnd
}

// New builds an engine in state UNINITIALIZED. Init must be called
// before Start. metrics may be nil, in which case the engine builds its
// own private instance so counters still increment; callers that want
// the engine's activity visible on a shared /metrics scrape should pass
// obsmetrics.Default() or an instance also handed to httpapi.Server.
func New(lgr logger.Logger, space ring.Space, selfIP string, chordPort, appPort int, metrics *obsmetrics.Metrics) *Engine {
	if lgr == nil {
		lgr = logger.Nop()
	}
	if metrics == nil {
		metrics = obsmetrics.New()
	}
	self := &routingtable.NodeRef{IP: selfIP, ID: space.HashString(selfIP), AppPort: appPort, Self: true}
	return &Engine{
		lgr:            lgr,
		space:          space,
		table:          routingtable.New(self, space),
		sends:          sendtimer.New(),
		metrics:        metrics,
		successorRespQ: fifo.New[successorResp](),
		mapRespQ:       fifo.New[mapResp](),
		notifications:  notify.New(),
		selfIP:         selfIP,
		appPort:        appPort,
		hostPort:       chordPort,
		mapSeq:         make(map[uint32]string),
	}
}

// Table exposes the routing table for read-only snapshot consumers
// (public API, HTTP debug surface).
func (e *Engine) Table() *routingtable.Table { return e.table }

// Notifications exposes the predecessor-change notification queue.
func (e *Engine) Notifications() *notify.Queue { return e.notifications }

// SetJoinPoint records the bootstrap peer address, or "" to start a new
// ring.
func (e *Engine) SetJoinPoint(ip string) {
	e.joinPointIP = ip
}

// Init derives self's identifier and moves the node to INITIALIZED.
// It fails only if called out of order.
func (e *Engine) Init() error {
	if e.table.State() != routingtable.Uninitialized {
		return ErrNotInitialized
	}
	e.table.SetState(routingtable.Initialized)
	return nil
}

// Start binds the UDP socket, joins the ring (or starts a new one), and
// spawns the worker loop.
func (e *Engine) Start() error {
	if e.table.State() != routingtable.Initialized {
		return ErrNotInitialized
	}

	conn, err := transport.Listen(e.hostPort)
	if err != nil {
		e.table.SetState(routingtable.ServiceFailed)
		e.lgr.Error("start: bind failed", logger.F("port", e.hostPort), logger.F("err", err))
		return ErrCannotConnect
	}
	e.conn = conn

	if e.joinPointIP == "" || e.joinPointIP == e.selfIP {
		e.table.SetSuccessor(e.table.Self())
		e.table.SetState(routingtable.InNetwork)
		e.lgr.Info("start: no join point, starting new ring", logger.F("self_ip", e.selfIP))
	} else {
		if err := e.join(); err != nil {
			e.table.SetState(routingtable.ServiceFailed)
			_ = e.conn.Stop()
			return err
		}
	}

	e.stopCh = make(chan struct{})
	e.wg.Add(1)
	go e.run()

	e.table.SetState(routingtable.Servicing)
	time.Sleep(500 * time.Millisecond)
	return nil
}

// Stop closes the socket (unblocking Recv), joins the worker, and drains
// the send-timer registry so no retransmission state outlives the node.
func (e *Engine) Stop() {
	e.table.SetState(routingtable.ServiceClosing)
	if e.conn != nil {
		_ = e.conn.Stop()
	}
	if e.stopCh != nil {
		close(e.stopCh)
	}
	e.wg.Wait()
	e.sends.Drain()
}

// join implements §4.5.1 steps 4-6: send JoinSuccessorQuery to the
// bootstrap peer, retry up to joinTrials times, and notify the adopted
// successor once found.
func (e *Engine) join() error {
	self := e.table.Self()
	searchTerm := self.ID.Uint32()

	msg := wire.Message{
		Type:       wire.JoinSuccessorQuery,
		SearchTerm: searchTerm,
		AppPort:    uint32(e.appPort),
		IP:         e.selfIP,
	}
	payload, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("%w: encode join query: %v", ErrCannotJoinChord, err)
	}

	for attempt := 0; attempt < joinTrials; attempt++ {
		if err := e.conn.Send(e.joinPointIP, e.hostPort, payload); err != nil {
			e.lgr.Warn("join: send failed", logger.F("attempt", attempt), logger.F("err", err))
			continue
		}

		deadline := time.Now().Add(joinResponseWait)
		for time.Now().Before(deadline) {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			payload, fromIP, fromPort, err := e.conn.Recv(remaining)
			if err != nil {
				break // timeout or transient error: fall through to next attempt
			}
			resp, err := wire.Decode(payload)
			if err != nil {
				e.lgr.Debug("join: dropped malformed datagram", logger.F("from", fromIP), logger.F("err", err))
				continue
			}
			if resp.Type != wire.SuccessorResponse || resp.SearchTerm != searchTerm {
				continue // discarded, doesn't consume a retry
			}

			succ := &routingtable.NodeRef{IP: resp.IP, ID: e.space.HashString(resp.IP), AppPort: int(resp.AppPort)}
			e.table.SetSuccessor(succ)
			e.lgr.Info("join: adopted successor", logger.F("successor_ip", succ.IP))

			e.sendUpdatePredecessor(succ, self.ID.Uint32(), time.Now())
			_ = fromPort
			return nil
		}
	}

	return ErrCannotJoinChord
}

func (e *Engine) sendUpdatePredecessor(to *routingtable.NodeRef, key uint32, now time.Time) {
	msg := wire.Message{Type: wire.UpdatePredecessor, AppPort: uint32(e.appPort), IP: e.selfIP}
	payload, err := wire.Encode(msg)
	if err != nil {
		e.lgr.Error("sendUpdatePredecessor: encode failed", logger.F("err", err))
		return
	}
	if err := e.conn.Send(to.IP, e.hostPort, payload); err != nil {
		e.lgr.Warn("sendUpdatePredecessor: send failed", logger.F("to", to.IP), logger.F("err", err))
	}
	e.sends.Register(key, to.IP, e.hostPort, payload, now)
}

// run is the single worker loop: alternate periodic jobs with one
// inbound receive per tick, per §5's scheduling model.
func (e *Engine) run() {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		e.runPeriodicJobs()

		payload, fromIP, _, err := e.conn.Recv(tickRecvTimeout)
		if err != nil {
			if err == transport.ErrTimeout {
				continue
			}
			// ErrClosed or any other socket failure terminates the loop;
			// shared state is left intact for callers to observe.
			e.lgr.Info("run: recv failed, terminating worker", logger.F("err", err))
			return
		}

		msg, err := wire.Decode(payload)
		if err != nil {
			e.lgr.Debug("run: dropped malformed datagram", logger.F("from", fromIP), logger.F("err", err))
			continue
		}
		e.dispatch(msg, fromIP)
	}
}

func (e *Engine) runPeriodicJobs() {
	now := time.Now()
	e.retransmit(now)
	e.maybeStabilize(now)
	e.maybeFixFinger(now)
}

func (e *Engine) retransmit(now time.Time) {
	for _, due := range e.sends.Tick(now) {
		e.metrics.RetransmitsTotal.Inc()
		if err := e.conn.Send(due.IP, due.Port, due.Payload); err != nil {
			e.lgr.Debug("retransmit: send failed", logger.F("to", due.IP), logger.F("err", err))
		}
	}
}

// maybeStabilize implements §4.5.3 step 2. The table's LastStabilizeTs
// holds the time the next round is due, and a round runs once now has
// reached it; a two-node ring closes locally without a
// round trip when this node is its own successor but has a predecessor.
func (e *Engine) maybeStabilize(now time.Time) {
	if now.Before(e.table.LastStabilizeTs()) {
		return
	}

	succ := e.table.Successor()
	self := e.table.Self()
	if succ.Equal(self) {
		if pred := e.table.Predecessor(); pred != nil {
			e.table.SetSuccessor(pred)
		}
		e.table.SetLastStabilizeTs(now.Add(stabilizeInterval))
		return
	}

	e.table.SetSubState(routingtable.Stabilizing)
	e.metrics.StabilizeRoundsTotal.Inc()
	msg := wire.Message{Type: wire.StabilizeRequest, AppPort: uint32(e.appPort), IP: e.selfIP}
	payload, err := wire.Encode(msg)
	if err == nil {
		if err := e.conn.Send(succ.IP, e.hostPort, payload); err != nil {
			e.lgr.Debug("stabilize: send failed", logger.F("to", succ.IP), logger.F("err", err))
		}
	}
	e.table.SetLastStabilizeTs(now.Add(stabilizeInterval - stabilizeGrace))
}

func (e *Engine) maybeFixFinger(now time.Time) {
	if now.Before(e.table.LastFingerTs()) {
		return
	}
	e.table.SetLastFingerTs(now.Add(fingerFixInterval))

	if e.table.Successor().Equal(e.table.Self()) {
		return
	}

	i := e.nextFinger
	e.nextFinger = (e.nextFinger + 1) % e.space.Bits
	e.metrics.FingerFixesTotal.Inc()

	target := e.table.FingerTarget(i)
	if e.table.IsInSuccessor(target) {
		e.table.SetFinger(i, e.table.Successor())
		e.metrics.SetFingerTableSize(len(e.table.FingerList()))
		return
	}

	msg := wire.Message{Type: wire.FingerQuery, SearchTerm: target.Uint32(), AppPort: uint32(e.appPort), IP: e.selfIP}
	payload, err := wire.Encode(msg)
	if err != nil {
		e.lgr.Error("fixFinger: encode failed", logger.F("err", err))
		return
	}
	succ := e.table.Successor()
	if err := e.conn.Send(succ.IP, e.hostPort, payload); err != nil {
		e.lgr.Debug("fixFinger: send failed", logger.F("to", succ.IP), logger.F("err", err))
	}
}

// Query implements §4.5.4: resolve the node responsible for key, polling
// the successor-response queue under a context deadline (0 = no
// deadline beyond ctx.Done()).
func (e *Engine) Query(ctx context.Context, key string) (ip string, port int, err error) {
	start := time.Now()
	defer func() { e.metrics.LookupDurationSeconds.UpdateDuration(start) }()

	succ := e.table.Successor()
	self := e.table.Self()
	if succ.Equal(self) {
		e.metrics.LookupRequestsTotal.Local.Inc()
		return self.IP, self.AppPort, nil
	}

	kh := e.space.HashString(key)
	if e.table.IsInSuccessor(kh) {
		e.metrics.LookupRequestsTotal.Local.Inc()
		return succ.IP, succ.AppPort, nil
	}

	e.metrics.LookupRequestsTotal.Forward.Inc()
	searchTerm := kh.Uint32()
	target := e.table.SuccessorOf(kh, true)

	msg := wire.Message{Type: wire.SuccessorQuery, SearchTerm: searchTerm, AppPort: uint32(e.appPort), IP: e.selfIP}
	payload, encErr := wire.Encode(msg)
	if encErr != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrInvalidKey, encErr)
	}
	now := time.Now()
	if err := e.conn.Send(target.IP, e.hostPort, payload); err != nil {
		e.lgr.Debug("query: send failed", logger.F("to", target.IP), logger.F("err", err))
	}
	e.sends.Register(searchTerm, target.IP, e.hostPort, payload, now)
	defer e.sends.Cancel(searchTerm)

	ticker := time.NewTicker(lookupPollEvery)
	defer ticker.Stop()
	for {
		if resp, ok := e.successorRespQ.PopMatching(func(r successorResp) bool { return r.searchTerm == searchTerm }); ok {
			return resp.ip, resp.port, nil
		}
		select {
		case <-ctx.Done():
			e.metrics.LookupRequestsTotal.Timeout.Inc()
			return "", 0, ErrInvalidKey
		case <-ticker.C:
		}
	}
}

// HashedKey exposes the identifier hash of an arbitrary key, truncated
// to 32 bits for host-facing callers, per §6.
func (e *Engine) HashedKey(key string) uint32 {
	return e.space.HashString(key).Uint32()
}

// GetChordMap implements §4.5.5: traverse the ring via ChordMapQuery,
// wait for the traversal to return, and render the textual sequence.
func (e *Engine) GetChordMap(ctx context.Context) (string, error) {
	if e.table.State() != routingtable.Servicing {
		return "", ErrNotInService
	}
	succ := e.table.Successor()
	self := e.table.Self()
	if succ.Equal(self) {
		return "", ErrNoSuccessor
	}

	e.mapMu.Lock()
	e.mapSeq = make(map[uint32]string)
	e.mapEnd = false
	e.mapMu.Unlock()

	e.table.SetState(routingtable.MappingChord)

	msg := wire.Message{Type: wire.ChordMapQuery, Seq: 1, IP: e.selfIP}
	payload, err := wire.Encode(msg)
	if err != nil {
		e.table.SetState(routingtable.Servicing)
		return "", fmt.Errorf("chordring: encode map query: %w", err)
	}
	if err := e.conn.Send(succ.IP, e.hostPort, payload); err != nil {
		e.table.SetState(routingtable.Servicing)
		return "", fmt.Errorf("%w: %v", ErrConnLost, err)
	}

	ticker := time.NewTicker(lookupPollEvery)
	defer ticker.Stop()
	for e.table.State() == routingtable.MappingChord {
		select {
		case <-ctx.Done():
			e.table.SetState(routingtable.Servicing)
			return "", ErrConnLost
		case <-ticker.C:
		}
	}

	for {
		resp, ok := e.mapRespQ.Pop()
		if !ok {
			break
		}
		e.mapMu.Lock()
		if resp.seq == 0 {
			e.mapEnd = true
			e.mapDeadend = resp.ip
		} else {
			e.mapSeq[resp.seq] = resp.ip
		}
		e.mapMu.Unlock()
	}

	e.mapMu.Lock()
	defer e.mapMu.Unlock()
	hosts := make([]string, 0, len(e.mapSeq)+1)
	for i := uint32(2); ; i++ {
		host, ok := e.mapSeq[i]
		if !ok {
			break
		}
		hosts = append(hosts, host)
	}
	hosts = append(hosts, self.IP)

	out := fmt.Sprintf("[%s]", hosts[0])
	for _, host := range hosts[1:] {
		out = fmt.Sprintf("%s-->[%s]", out, host)
	}
	if e.mapEnd {
		out = fmt.Sprintf("%s-->[%s] (Deadend)", out, e.mapDeadend)
	} else {
		out += " (End)"
	}

	e.table.SetState(routingtable.Servicing)
	return out, nil
}

// GetFingerTable renders the current finger table for diagnostics.
func (e *Engine) GetFingerTable() string {
	out := ""
	for i, f := range e.table.FingerList() {
		if i > 0 {
			out += ", "
		}
		out += f.String()
	}
	return out
}

func (e *Engine) State() routingtable.State { return e.table.State() }
