package server

import (
	"log"
	"net"
	"strconv"
	"strings"

	"github.com/openfsd/openfsd/pkg/protocol"
)

// welcomeLines are sent as individual TM packets after a successful login.
var welcomeLines = []string{
	"By using your VATSIM assigned identification number on this server you",
	"hereby agree to the terms of the VATSIM Code of Regulations and the",
	"VATSIM User Agreement and the VATSIM Code of Conduct which may be viewed",
	"at http://www.vatsim.net/network/docs/",
	"All logins are tracked and identification numbers are recorded.",
	"Users must enter their real full first names and surnames when logging",
	"onto any of the VATSIM.net servers.",
}

// atcCapabilities is the capability string pushed to controllers at login.
const atcCapabilities = "CAPS:ATCINFO=1:SECPOS=1:MODELDESC=1:ONGOINGCOORD=1"

// connIP extracts the remote IP from a connection identity.
func connIP(id ConnID) string {
	host, _, err := net.SplitHostPort(string(id))
	if err != nil {
		return string(id)
	}
	return host
}

// handleIdentification processes $ID. The claimed client software must be
// whitelisted before the session advances to Identified; a rejected client
// gets an ER 016 but keeps its socket, matching how production servers let
// clients retry with corrected credentials.
func (s *Server) handleIdentification(from ConnID, packet *protocol.Packet) {
	log.Printf("Client identification from %s: %s", from, packet.Source)

	var clientID, clientString, networkID string
	if len(packet.Data) > 0 {
		clientID = packet.Data[0]
	}
	if len(packet.Data) > 1 {
		clientString = packet.Data[1]
	}
	if len(packet.Data) > 4 {
		networkID = packet.Data[4]
	}

	if err := s.whitelist.IsClientAllowed(clientID); err != nil {
		log.Printf("Client ID validation failed for %s: %v", from, err)
		s.metrics.RecordAuthFailure("whitelist")
		s.reply(from, &protocol.Packet{
			Type:        protocol.Request,
			Command:     "ER",
			Source:      "server",
			Destination: packet.Source,
			Data:        []string{"016", "", "Unauthorized client software"},
		})
		return
	}

	s.registry.Mutate(from, func(sess *Session) {
		sess.Callsign = packet.Source
		sess.ClientString = clientString
		sess.NetworkID = networkID
		sess.State = StateIdentified
	})

	log.Printf("Client %s identified with client software: %q", packet.Source, clientString)
}

// handleLogin processes #AA (controller) and #AP (pilot). The two commands
// carry the same credentials in different field positions.
func (s *Server) handleLogin(from ConnID, packet *protocol.Packet) {
	callsign := packet.Source
	log.Printf("Login attempt from %s (%s)", from, callsign)

	// The client-supplied real name is ignored; the account record wins.
	var clientType ClientType
	var networkID, password string
	switch packet.Command {
	case "AA":
		// #AA(callsign):SERVER:(full name):(network ID):(password):(rating):(protocol version)
		clientType = ClientAtc
		if len(packet.Data) > 1 {
			networkID = packet.Data[1]
		}
		if len(packet.Data) > 2 {
			password = packet.Data[2]
		}
	case "AP":
		// #AP(callsign):SERVER:(network ID):(password):(rating):(protocol version):(num):(full name ICAO)
		clientType = ClientPilot
		if len(packet.Data) > 0 {
			networkID = packet.Data[0]
		}
		if len(packet.Data) > 1 {
			password = packet.Data[1]
		}
	default:
		return
	}

	if networkID == "" {
		log.Printf("Missing network ID for login from %s", from)
		return
	}
	if password == "" {
		log.Printf("Missing password for login from %s", from)
		return
	}

	user, err := s.auth.Authenticate(networkID, password)
	if err != nil {
		log.Printf("Authentication failed for %s: %v", networkID, err)
		s.metrics.RecordAuthFailure("credentials")
		s.reply(from, &protocol.Packet{
			Type:        protocol.Request,
			Command:     "ER",
			Source:      "server",
			Destination: callsign,
			Data:        []string{"003", "", "Invalid credentials"},
		})
		return
	}

	rating := user.PilotRating
	if clientType == ClientAtc {
		rating = user.ATCRating
	}

	s.registry.Mutate(from, func(sess *Session) {
		sess.Callsign = callsign
		sess.Type = clientType
		sess.State = StateActive
		sess.RealName = user.RealName
		sess.NetworkID = networkID
		sess.Rating = rating
	})
	s.registry.IndexCallsign(callsign, from)

	log.Printf("Login successful for %s", callsign)

	for _, line := range welcomeLines {
		s.reply(from, &protocol.Packet{
			Type:        protocol.Client,
			Command:     "TM",
			Source:      "server",
			Destination: callsign,
			Data:        []string{line},
		})
	}

	// Post-login sequence: capability negotiation plus the client's public IP.
	s.reply(from, &protocol.Packet{
		Type:        protocol.Request,
		Command:     "CQ",
		Source:      "SERVER",
		Destination: callsign,
		Data:        []string{"CAPS"},
	})
	if clientType == ClientAtc {
		s.reply(from, &protocol.Packet{
			Type:        protocol.Request,
			Command:     "CR",
			Source:      "SERVER",
			Destination: callsign,
			Data:        []string{atcCapabilities},
		})
	}
	s.reply(from, &protocol.Packet{
		Type:        protocol.Request,
		Command:     "CR",
		Source:      "SERVER",
		Destination: callsign,
		Data:        []string{"IP", connIP(from)},
	})
	if clientType == ClientPilot {
		s.reply(from, &protocol.Packet{
			Type:        protocol.Request,
			Command:     "ER",
			Source:      "server",
			Destination: callsign,
			Data:        []string{"008", callsign, "No flightplan"},
		})
	}

	// Announce the new client to everyone else.
	s.broadcast(ConnOrigin(from), &protocol.Packet{
		Type:        protocol.Client,
		Command:     packet.Command,
		Source:      callsign,
		Destination: "SERVER",
		Data:        packet.Data,
	})
}

// handleLogoff processes #DA and #DP. The callsign index entry is released
// immediately; the socket stays open until the client closes it.
func (s *Server) handleLogoff(from ConnID, packet *protocol.Packet) {
	callsign := packet.Source
	log.Printf("Logoff from %s (%s)", from, callsign)

	s.registry.DropCallsign(callsign)

	s.broadcast(ConnOrigin(from), &protocol.Packet{
		Type:        protocol.Client,
		Command:     packet.Command,
		Source:      callsign,
		Destination: packet.Destination,
		Data:        packet.Data,
	})
}

// unescapeMessage collapses the :: escape sequence used for literal colons in
// message content.
func unescapeMessage(content string) string {
	return strings.ReplaceAll(content, "::", ":")
}

// handleTextMessage processes #TM. Most messages relay as-is (after colon
// unescaping), but the flight-plan fetch form addressed to FP is answered by
// the server instead of relayed.
func (s *Server) handleTextMessage(from ConnID, packet *protocol.Packet) {
	log.Printf("Text message from %s to %s: %v", packet.Source, packet.Destination, packet.Data)

	data := make([]string, len(packet.Data))
	for i, field := range packet.Data {
		data[i] = unescapeMessage(field)
	}

	// #TM(callsign):FP:(flightplan callsign) GET requests a stored flight plan
	if len(data) >= 3 && data[0] == "FP" && data[2] == "GET" {
		flightplanCallsign := data[1]
		log.Printf("Flight plan fetch from %s for %s", packet.Source, flightplanCallsign)

		s.reply(from, &protocol.Packet{
			Type:        protocol.Client,
			Command:     "PC",
			Source:      "server",
			Destination: packet.Source,
			Data:        []string{"CCP", "BC", flightplanCallsign, "0"},
		})
		return
	}

	s.broadcast(ConnOrigin(from), &protocol.Packet{
		Type:        packet.Type,
		Command:     packet.Command,
		Source:      packet.Source,
		Destination: packet.Destination,
		Data:        data,
	})
}

// handleRequest processes $CQ. Subtypes the server can answer are handled
// here; everything else relays to the network for the addressee to answer.
func (s *Server) handleRequest(from ConnID, packet *protocol.Packet) {
	debugLog.Printf("Request from %s (%s): %s -> %s", from, packet.Source, packet.Source, packet.Destination)

	if len(packet.Data) == 0 {
		return
	}

	switch packet.Data[0] {
	case "ATIS":
		s.handleAtisRequest(from, packet)
	case "RN":
		s.handleRealNameRequest(from, packet)
	case "INF":
		s.handleInfRequest(from, packet)
	case "ACC":
		s.handleAccRequest(from, packet)
	default:
		// CAPS and anything unrecognized relay unchanged
		s.broadcast(ConnOrigin(from), packet)
	}
}

// handleResponse relays $CR to the network.
func (s *Server) handleResponse(from ConnID, packet *protocol.Packet) {
	debugLog.Printf("Response from %s (%s): %s -> %s", from, packet.Source, packet.Source, packet.Destination)

	s.broadcast(ConnOrigin(from), packet)
}

// handleRealNameRequest answers $CQ ... RN with the requester's own account
// details. Real name sharing between clients is deferred until a privacy
// policy exists, so the lookup is reflexive for now.
func (s *Server) handleRealNameRequest(from ConnID, packet *protocol.Packet) {
	var callsign, realName string
	var rating int
	var clientType ClientType
	if !s.registry.View(from, func(sess *Session) {
		callsign = sess.Callsign
		realName = sess.RealName
		rating = sess.Rating
		clientType = sess.Type
	}) {
		return
	}
	if callsign == "" {
		return
	}
	if clientType != ClientAtc && clientType != ClientPilot {
		return
	}

	// ATC: $CR(requestee):(requester):RN:(real name):(sector file):(rating)
	// Pilot: $CR(requestee):(requester):RN:(real name ICAO)::(rating)
	s.reply(from, &protocol.Packet{
		Type:        protocol.Request,
		Command:     "CR",
		Source:      callsign,
		Destination: packet.Source,
		Data:        []string{"RN", realName, "", strconv.Itoa(rating)},
	})
}

// atisLines is the placeholder ATIS text served until controllers can upload
// their own.
var atisLines = []string{
	"London Heathrow ATIS Information Alpha",
	"Runway 27L in use for landing",
	"Runway 27R in use for departure",
	"Wind 270 at 8 knots",
	"Visibility 10km",
	"Cloud scattered at 4000ft",
	"Temperature 15 Celsius",
	"QNH 1013",
	"Advise on first contact you have information Alpha",
}

// handleAtisRequest answers $CQ ... ATIS with a voice URL line, the ATIS text
// lines, and an end marker carrying the total line count.
func (s *Server) handleAtisRequest(from ConnID, packet *protocol.Packet) {
	log.Printf("ATIS request from %s to %s", packet.Source, packet.Destination)

	s.reply(from, &protocol.Packet{
		Type:        protocol.Request,
		Command:     "CR",
		Source:      packet.Destination,
		Destination: packet.Source,
		Data:        []string{"ATIS", "V", "voice.vatsim.net/uk"},
	})

	for _, line := range atisLines {
		s.reply(from, &protocol.Packet{
			Type:        protocol.Request,
			Command:     "CR",
			Source:      packet.Destination,
			Destination: packet.Source,
			Data:        []string{"ATIS", "T", line},
		})
	}

	// End marker counts every ATIS line sent, the voice URL and the marker
	// itself included
	s.reply(from, &protocol.Packet{
		Type:        protocol.Request,
		Command:     "CR",
		Source:      packet.Destination,
		Destination: packet.Source,
		Data:        []string{"ATIS", "E", strconv.Itoa(len(atisLines) + 2)},
	})
}

// handleInfRequest answers $CQ ... INF with a TM to DATA describing the target
// client. Position fields are placeholders until clients report real values.
func (s *Server) handleInfRequest(from ConnID, packet *protocol.Packet) {
	log.Printf("System information request from %s to %s", packet.Source, packet.Destination)

	targetCallsign := packet.Destination
	targetID, ok := s.registry.ResolveCallsign(targetCallsign)
	if !ok {
		log.Printf("System information request for unknown client: %s", targetCallsign)
		return
	}

	var clientString, realName, networkID string
	var clientType ClientType
	if !s.registry.View(targetID, func(sess *Session) {
		clientString = sess.ClientString
		realName = sess.RealName
		networkID = sess.NetworkID
		clientType = sess.Type
	}) {
		log.Printf("System information request for unknown client: %s", targetCallsign)
		return
	}

	fsVersion := "Prepar3dV3"
	if clientType == ClientAtc {
		fsVersion = ""
	}

	var b strings.Builder
	b.WriteString(clientString)
	b.WriteString(" PID=(")
	b.WriteString(networkID)
	b.WriteString(") ((")
	b.WriteString(realName)
	b.WriteString(")) IP=(")
	b.WriteString(connIP(targetID))
	b.WriteString(") SYS_UID=-123456789 FSVER=")
	b.WriteString(fsVersion)
	b.WriteString(" LT=51.5 LO=-0.1 AL=35000")

	s.reply(from, &protocol.Packet{
		Type:        protocol.Client,
		Command:     "TM",
		Source:      targetCallsign,
		Destination: "DATA",
		Data:        []string{b.String()},
	})
}

// accPayload is the canned aircraft configuration served for ACC requests.
const accPayload = `{
    "config": {
        "is_full_data": true,
        "lights": {
            "strobe_on": false,
            "landing_on": false,
            "taxi_on": true,
            "beacon_on": true,
            "nav_on": true,
            "logo_on": false
        },
        "engines": {
            "1": {
                "on": true
            },
            "2": {
                "on": true
            }
        },
        "gear_down": false,
        "flaps_pct": 0,
        "spoilers_out": false,
        "on_ground": true
    }
}`

// handleAccRequest answers $CQ ... ACC with the target's aircraft
// configuration. Responses go out on the CQ command, the convention clients
// expect for this subtype.
func (s *Server) handleAccRequest(from ConnID, packet *protocol.Packet) {
	log.Printf("Aircraft configuration request from %s to %s", packet.Source, packet.Destination)

	targetCallsign := packet.Destination
	if _, ok := s.registry.ResolveCallsign(targetCallsign); !ok {
		log.Printf("ACC request for unknown client: %s", targetCallsign)
		return
	}

	s.reply(from, &protocol.Packet{
		Type:        protocol.Request,
		Command:     "CQ",
		Source:      targetCallsign,
		Destination: packet.Source,
		Data:        []string{"ACC", accPayload},
	})
}

// handleMetarRequest processes $AX. Weather feeds are not wired up, so the
// response is a fixed plausible METAR for the requested station.
func (s *Server) handleMetarRequest(from ConnID, packet *protocol.Packet) {
	// $AX(callsign):SERVER:METAR:(ICAO airport code)
	if len(packet.Data) < 2 {
		log.Printf("Invalid METAR request format from %s", from)
		return
	}

	icao := packet.Data[1]
	log.Printf("METAR request for %s from %s", icao, packet.Source)

	s.reply(from, &protocol.Packet{
		Type:        protocol.Request,
		Command:     "AR",
		Source:      "server",
		Destination: packet.Source,
		Data:        []string{"METAR", icao + " 121200Z AUTO 09008KT 9999 FEW040 BKN100 15/08 Q1013 NOSIG"},
	})
}

// handlePositionUpdate relays @ and % position packets. A pilot squawking
// 7500 is disconnected on the spot.
func (s *Server) handlePositionUpdate(from ConnID, packet *protocol.Packet) {
	debugLog.Printf("Position update from %s: %s", from, packet.Destination)

	// @(mode):(callsign):(squawk):(rating):(lat):(lon):(alt):(groundspeed):...
	if packet.Type == protocol.PilotUpdate && len(packet.Data) > 1 && packet.Data[1] == "7500" {
		log.Printf("Squawk 7500 detected from %s, disconnecting", packet.Destination)
		s.bus.Publish(Message{Origin: ConnOrigin(from), Disconnect: true})
		return
	}

	s.broadcast(ConnOrigin(from), packet)
}

// handleFlightPlan relays $FP to the network and acknowledges it to the
// sender.
func (s *Server) handleFlightPlan(from ConnID, packet *protocol.Packet) {
	log.Printf("Flight plan from %s", packet.Source)

	s.broadcast(ConnOrigin(from), packet)

	// #PC(server):(callsign):CCP:BC:(flightplan callsign):0
	s.reply(from, &protocol.Packet{
		Type:        protocol.Client,
		Command:     "PC",
		Source:      "server",
		Destination: packet.Source,
		Data:        []string{"CCP", "BC", packet.Source, "0"},
	})
}
