package engine

import (
	"time"

	"chordring/internal/logger"
	"chordring/internal/notify"
	"chordring/internal/ring"
	"chordring/internal/routingtable"
	"chordring/internal/wire"
)

// dispatch implements §4.5.2: handle one decoded inbound message.
// fromIP is the UDP sender's address, used only for logging; every
// variant that needs to reply uses the sender address carried in the
// message payload itself, since forwarded messages travel through
// intermediaries whose address must not be confused with the original
// sender's.
func (e *Engine) dispatch(msg wire.Message, fromIP string) {
	switch msg.Type {
	case wire.UpdatePredecessor:
		e.metrics.DispatchTotal.UpdatePredecessor.Inc()
		e.handleUpdatePredecessor(msg)
	case wire.UpdatePredecessorAck:
		e.sends.Cancel(msg.HashedID)
	case wire.StabilizeRequest:
		e.metrics.DispatchTotal.StabilizeRequest.Inc()
		e.handleStabilizeRequest(msg)
	case wire.StabilizeResponse:
		e.metrics.DispatchTotal.StabilizeResponse.Inc()
		e.handleStabilizeResponse(msg)
	case wire.ChordMapQuery:
		e.metrics.DispatchTotal.ChordMapQuery.Inc()
		e.handleChordMapQuery(msg)
	case wire.ChordMapResponse:
		e.metrics.DispatchTotal.ChordMapResponse.Inc()
		e.handleChordMapResponse(msg)
	case wire.SuccessorQuery, wire.JoinSuccessorQuery:
		// JoinSuccessorQuery shares SuccessorQuery's counter: both resolve
		// a successor for a given id, differing only in whether forwarding
		// may use the finger table (see handleQuery).
		e.metrics.DispatchTotal.SuccessorQuery.Inc()
		e.handleQuery(msg)
	case wire.FingerQuery:
		e.metrics.DispatchTotal.FingerQuery.Inc()
		e.handleQuery(msg)
	case wire.SuccessorResponse:
		e.successorRespQ.Push(successorResp{searchTerm: msg.SearchTerm, ip: msg.IP, port: int(msg.AppPort)})
	case wire.FingerResponse:
		e.metrics.DispatchTotal.FingerResponse.Inc()
		e.handleFingerResponse(msg)
	default:
		e.metrics.DispatchTotal.Unknown.Inc()
		e.lgr.Debug("dispatch: dropped unknown message type", logger.F("type", msg.Type), logger.F("from", fromIP))
	}
}

func (e *Engine) handleUpdatePredecessor(msg wire.Message) {
	pred := e.table.Predecessor()
	candidate := &routingtable.NodeRef{IP: msg.IP, ID: e.space.HashString(msg.IP), AppPort: int(msg.AppPort)}

	if pred == nil || pred.IP != candidate.IP || pred.AppPort != candidate.AppPort {
		e.table.SetPredecessor(candidate)
		pred = candidate
		e.metrics.PredecessorChangeTotal.Inc()
		e.notifications.Push(notifyFrom(candidate))
	}

	ack := wire.Message{Type: wire.UpdatePredecessorAck, HashedID: pred.ID.Uint32()}
	payload, err := wire.Encode(ack)
	if err != nil {
		e.lgr.Error("handleUpdatePredecessor: encode ack failed", logger.F("err", err))
		return
	}
	if err := e.conn.Send(candidate.IP, e.hostPort, payload); err != nil {
		e.lgr.Debug("handleUpdatePredecessor: send ack failed", logger.F("to", candidate.IP), logger.F("err", err))
	}
}

func (e *Engine) handleStabilizeRequest(msg wire.Message) {
	pred := e.table.Predecessor()
	if pred == nil {
		pred = &routingtable.NodeRef{IP: msg.IP, ID: e.space.HashString(msg.IP), AppPort: int(msg.AppPort)}
		e.table.SetPredecessor(pred)
	}

	resp := wire.Message{Type: wire.StabilizeResponse, AppPort: uint32(pred.AppPort), IP: pred.IP}
	payload, err := wire.Encode(resp)
	if err != nil {
		e.lgr.Error("handleStabilizeRequest: encode response failed", logger.F("err", err))
		return
	}
	if err := e.conn.Send(msg.IP, e.hostPort, payload); err != nil {
		e.lgr.Debug("handleStabilizeRequest: send failed", logger.F("to", msg.IP), logger.F("err", err))
	}
}

func (e *Engine) handleStabilizeResponse(msg wire.Message) {
	if e.table.SubState() != routingtable.Stabilizing {
		return
	}
	if msg.IP != "" && !(msg.IP == e.selfIP && int(msg.AppPort) == e.appPort) {
		candidate := &routingtable.NodeRef{IP: msg.IP, ID: e.space.HashString(msg.IP), AppPort: int(msg.AppPort)}
		e.table.SetSuccessor(candidate)
	}
	e.table.SetLastStabilizeTs(time.Now())
	e.table.SetSubState(routingtable.InNetwork)
}

func (e *Engine) handleChordMapQuery(msg wire.Message) {
	if msg.IP == e.selfIP {
		if e.table.State() == routingtable.MappingChord {
			e.table.SetState(routingtable.MappingCompleted)
		}
		return
	}

	succ := e.table.Successor()
	if succ.Equal(e.table.Self()) {
		deadend := wire.Message{Type: wire.ChordMapResponse, Seq: 0, IP: e.selfIP}
		payload, err := wire.Encode(deadend)
		if err == nil {
			if err := e.conn.Send(msg.IP, e.hostPort, payload); err != nil {
				e.lgr.Debug("handleChordMapQuery: send deadend failed", logger.F("to", msg.IP), logger.F("err", err))
			}
		}
		return
	}

	resp := wire.Message{Type: wire.ChordMapResponse, Seq: msg.Seq + 1, IP: e.selfIP}
	if payload, err := wire.Encode(resp); err == nil {
		if err := e.conn.Send(msg.IP, e.hostPort, payload); err != nil {
			e.lgr.Debug("handleChordMapQuery: send response failed", logger.F("to", msg.IP), logger.F("err", err))
		}
	}

	fwd := wire.Message{Type: wire.ChordMapQuery, Seq: msg.Seq + 1, IP: msg.IP}
	if payload, err := wire.Encode(fwd); err == nil {
		if err := e.conn.Send(succ.IP, e.hostPort, payload); err != nil {
			e.lgr.Debug("handleChordMapQuery: forward failed", logger.F("to", succ.IP), logger.F("err", err))
		}
	}
}

func (e *Engine) handleChordMapResponse(msg wire.Message) {
	if e.table.State() != routingtable.MappingChord {
		return
	}
	e.mapRespQ.Push(mapResp{seq: msg.Seq, ip: msg.IP})
	if msg.Seq == 0 {
		e.table.SetState(routingtable.MappingCompleted)
	}
}

func responseTypeFor(t wire.Type) wire.Type {
	if t == wire.FingerQuery {
		return wire.FingerResponse
	}
	return wire.SuccessorResponse
}

func (e *Engine) handleQuery(msg wire.Message) {
	self := e.table.Self()

	if msg.IP == e.selfIP {
		// The query this node itself issued has looped all the way
		// around the ring back to itself.
		if msg.Type == wire.FingerQuery {
			e.installFinger(msg.SearchTerm, &routingtable.NodeRef{IP: self.IP, ID: self.ID, AppPort: self.AppPort})
		} else {
			e.successorRespQ.Push(successorResp{searchTerm: msg.SearchTerm, ip: self.IP, port: self.AppPort})
		}
		return
	}

	sender := &routingtable.NodeRef{IP: msg.IP, ID: e.space.HashString(msg.IP), AppPort: int(msg.AppPort)}
	succ := e.table.Successor()

	if succ.Equal(self) {
		// Lone node: the querying peer becomes our successor, closing a
		// two-node ring, and we answer as the responder for this query.
		e.table.SetSuccessor(sender)
		e.replyQuery(msg, self)
		return
	}

	targetID := e.searchTermID(msg.SearchTerm)

	if e.table.IsInSuccessor(targetID) {
		e.replyQuery(msg, succ)
		return
	}

	var next *routingtable.NodeRef
	switch msg.Type {
	case wire.SuccessorQuery:
		next = e.table.SuccessorOf(targetID, true)
	case wire.JoinSuccessorQuery:
		next = e.table.SuccessorOf(targetID, false)
	case wire.FingerQuery:
		next = e.table.SuccessorOf(targetID, true)
	}

	fwd := wire.Message{Type: msg.Type, SearchTerm: msg.SearchTerm, AppPort: msg.AppPort, IP: msg.IP}
	payload, err := wire.Encode(fwd)
	if err != nil {
		e.lgr.Error("handleQuery: encode forward failed", logger.F("err", err))
		return
	}
	if err := e.conn.Send(next.IP, e.hostPort, payload); err != nil {
		e.lgr.Debug("handleQuery: forward failed", logger.F("to", next.IP), logger.F("err", err))
	}
}

func (e *Engine) replyQuery(msg wire.Message, responder *routingtable.NodeRef) {
	resp := wire.Message{
		Type:       responseTypeFor(msg.Type),
		SearchTerm: msg.SearchTerm,
		AppPort:    uint32(responder.AppPort),
		IP:         responder.IP,
	}
	payload, err := wire.Encode(resp)
	if err != nil {
		e.lgr.Error("replyQuery: encode failed", logger.F("err", err))
		return
	}
	if err := e.conn.Send(msg.IP, e.hostPort, payload); err != nil {
		e.lgr.Debug("replyQuery: send failed", logger.F("to", msg.IP), logger.F("err", err))
	}
}

func (e *Engine) handleFingerResponse(msg wire.Message) {
	e.installFinger(msg.SearchTerm, &routingtable.NodeRef{IP: msg.IP, ID: e.space.HashString(msg.IP), AppPort: int(msg.AppPort)})
}

// installFinger finds which finger index was looked up for target and
// sets it. The finger table is conceptually keyed by search-target id
// (spec.md §3); this module stores it by position, so the index is
// recovered by recomputing each position's target until it matches.
func (e *Engine) installFinger(searchTerm uint32, node *routingtable.NodeRef) {
	for i := 0; i < e.space.Bits; i++ {
		if e.table.FingerTarget(i).Uint32() == searchTerm {
			e.table.SetFinger(i, node)
			e.metrics.SetFingerTableSize(len(e.table.FingerList()))
			return
		}
	}
}

// searchTermID reconstructs a full-width ring.ID from a search term
// carried on the wire as a uint32. Spaces with Bits <= 32 round-trip
// exactly; see ring.ID.Uint32.
func (e *Engine) searchTermID(searchTerm uint32) ring.ID {
	return e.space.FromUint64(uint64(searchTerm))
}

func notifyFrom(n *routingtable.NodeRef) notify.SyncNotification {
	return notify.SyncNotification{IP: n.IP, Port: n.AppPort}
}
