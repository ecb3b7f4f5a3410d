package server

import (
	"log"

	"github.com/openfsd/openfsd/pkg/protocol"
)

// request is one parsed packet awaiting dispatch, tagged with the connection
// it arrived on.
type request struct {
	from   ConnID
	packet *protocol.Packet
}

// dispatchLoop consumes the request queue and routes packets to handlers.
// It is the only goroutine that runs handlers, so handlers never race each
// other over session state.
func (s *Server) dispatchLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.shutdown:
			return
		case req := <-s.requests:
			s.dispatch(req.from, req.packet)
		}
	}
}

// dispatch routes one packet by command. Unknown commands are logged and
// dropped rather than relayed, so a typo cannot become a network-wide
// broadcast.
func (s *Server) dispatch(from ConnID, packet *protocol.Packet) {
	switch packet.Command {
	case "ID":
		s.handleIdentification(from, packet)
	case "AA", "AP":
		s.handleLogin(from, packet)
	case "DA", "DP":
		s.handleLogoff(from, packet)
	case "TM":
		s.handleTextMessage(from, packet)
	case "CQ":
		s.handleRequest(from, packet)
	case "CR":
		s.handleResponse(from, packet)
	case "AX":
		s.handleMetarRequest(from, packet)
	case "N", "S", "Y":
		s.handlePositionUpdate(from, packet)
	case "FP":
		s.handleFlightPlan(from, packet)
	default:
		debugLog.Printf("Unhandled command %q from %s", packet.Command, from)
	}
}

// reply enqueues a packet on the connection's own reply queue, bypassing the
// broadcast bus so the sender's self-exclusion filter cannot eat it. A full
// queue drops the reply instead of stalling the dispatcher.
func (s *Server) reply(to ConnID, packet *protocol.Packet) {
	sess, ok := s.registry.Get(to)
	if !ok {
		return
	}
	select {
	case sess.out <- packet:
	default:
		log.Printf("Reply queue full for %s, dropping %s packet", to, packet.Command)
		s.metrics.RecordDropped(1)
	}
}

// broadcast publishes a packet on the bus under the given origin.
func (s *Server) broadcast(origin Origin, packet *protocol.Packet) {
	s.bus.Publish(Message{Origin: origin, Packet: packet})
	s.metrics.RecordBroadcast()
}
