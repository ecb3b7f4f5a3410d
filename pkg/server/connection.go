package server

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"net"

	"github.com/openfsd/openfsd/pkg/protocol"
)

// serverIdent is the protocol-version string sent in the DI greeting.
const serverIdent = "VATSIM FSD V3.13"

// identToken returns a fresh random 22-character lowercase hexadecimal token
// used as the correlation value in the DI greeting.
func identToken() string {
	buf := make([]byte, 11)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// handleConnection owns one accepted socket. It registers a session, sends
// the DI greeting directly (bypassing the bus), then runs the write loop in a
// separate goroutine while reading lines in this one. Whichever side observes
// the connection failing first triggers teardown; the session is removed from
// the registry exactly once.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	id := ConnID(conn.RemoteAddr().String())
	sess := s.registry.Register(id)
	s.metrics.RecordConnection()
	s.metrics.RecordActiveSessions(s.registry.Count())

	// Subscribe after registry insertion so a racing welcome broadcast is not
	// missed.
	sub, unsubscribe := s.bus.Subscribe()

	defer func() {
		unsubscribe()
		s.registry.Remove(id)
		conn.Close()
		s.metrics.RecordActiveSessions(s.registry.Count())
		debugLog.Printf("Connection %s closed", id)
	}()

	greeting := &protocol.Packet{
		Type:        protocol.Request,
		Command:     "DI",
		Destination: "SERVER",
		Source:      "CLIENT",
		Data:        []string{serverIdent, identToken()},
	}
	if _, err := conn.Write([]byte(greeting.Format())); err != nil {
		errorLog.Printf("Failed to send server identification to %s: %v", id, err)
		return
	}

	log.Printf("Client connected from %s", id)

	// Write loop. Owns all writes after the greeting; exits on bus close, a
	// Disconnect addressed to this connection, or a write failure. Closing
	// the socket unblocks the read loop below.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		defer conn.Close()

		writer := bufio.NewWriter(conn)
		for {
			select {
			case msg, ok := <-sub.C():
				if !ok {
					return
				}
				if n := sub.Lagged(); n > 0 {
					log.Printf("Connection %s lagged, dropped %d broadcast messages", id, n)
					s.metrics.RecordDropped(n)
				}
				if !msg.DeliverableTo(id) {
					continue
				}
				if msg.Disconnect {
					log.Printf("Disconnecting %s on server signal", id)
					return
				}
				if !s.writePacket(writer, id, msg.Packet) {
					return
				}
			case pkt := <-sess.out:
				if !s.writePacket(writer, id, pkt) {
					return
				}
			}
		}
	}()

	// Read loop: newline-terminated lines, parsed and forwarded to the
	// dispatcher. Parse failures discard the single line and continue.
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Printf("Client %s disconnected", id)
			} else if !errors.Is(err, net.ErrClosed) {
				debugLog.Printf("Read error from %s: %v", id, err)
			}
			break
		}

		packet, err := protocol.Parse(line)
		if err != nil {
			log.Printf("Failed to parse packet from %s: %v", id, err)
			s.metrics.RecordParseError()
			continue
		}

		debugLog.Printf("Received packet from %s: %s", id, packet)
		s.metrics.RecordPacketReceived(packet.Command)

		select {
		case s.requests <- request{from: id, packet: packet}:
		case <-s.shutdown:
			return
		}
	}

	// Cancelling the subscription closes its channel, which unblocks the write
	// loop if it is idle.
	unsubscribe()
	conn.Close()
	<-writeDone
}

// writePacket writes and flushes one packet, reporting success.
func (s *Server) writePacket(writer *bufio.Writer, id ConnID, pkt *protocol.Packet) bool {
	if _, err := writer.WriteString(pkt.Format()); err != nil {
		errorLog.Printf("Failed to send packet to %s: %v", id, err)
		return false
	}
	if err := writer.Flush(); err != nil {
		errorLog.Printf("Failed to flush to %s: %v", id, err)
		return false
	}
	s.metrics.RecordPacketSent()
	return true
}
