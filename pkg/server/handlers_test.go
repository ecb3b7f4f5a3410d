package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfsd/openfsd/pkg/auth"
	"github.com/openfsd/openfsd/pkg/protocol"
)

type fakeAuth struct {
	users     map[string]*auth.UserRecord
	passwords map[string]string
}

func (f *fakeAuth) Authenticate(networkID, password string) (*auth.UserRecord, error) {
	user, ok := f.users[networkID]
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	if f.passwords[networkID] != password {
		return nil, auth.ErrInvalidCredentials
	}
	return user, nil
}

type fakeWhitelist struct {
	allowed map[string]bool
}

func (f *fakeWhitelist) IsClientAllowed(clientID string) error {
	if f.allowed[clientID] {
		return nil
	}
	return auth.ErrClientNotWhitelisted
}

func newTestServer() *Server {
	return &Server{
		config:   DefaultConfig(),
		registry: NewRegistry(),
		bus:      NewBus(),
		auth: &fakeAuth{
			users: map[string]*auth.UserRecord{
				"1000000": {NetworkID: "1000000", RealName: "Jane Doe", ATCRating: 5, PilotRating: 3},
			},
			passwords: map[string]string{"1000000": "hunter2"},
		},
		whitelist: &fakeWhitelist{allowed: map[string]bool{"88e4": true, "69d7": true}},
		requests:  make(chan request, requestQueueSize),
		shutdown:  make(chan struct{}),
	}
}

// takeReply pops one packet off the session's reply queue.
func takeReply(t *testing.T, sess *Session) *protocol.Packet {
	t.Helper()
	select {
	case pkt := <-sess.out:
		return pkt
	default:
		t.Fatal("expected a queued reply")
		return nil
	}
}

func requireNoReply(t *testing.T, sess *Session) {
	t.Helper()
	select {
	case pkt := <-sess.out:
		t.Fatalf("unexpected reply: %s", pkt)
	default:
	}
}

// takeBroadcast pops one message off a bus subscription.
func takeBroadcast(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg := <-sub.C():
		return msg
	default:
		t.Fatal("expected a bus message")
		return Message{}
	}
}

func requireNoBroadcast(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case msg := <-sub.C():
		t.Fatalf("unexpected bus message: %+v", msg)
	default:
	}
}

const testConn = ConnID("10.0.0.9:51000")

func identify(t *testing.T, s *Server, from ConnID, callsign string) {
	t.Helper()
	s.dispatch(from, &protocol.Packet{
		Type:        protocol.Request,
		Command:     "ID",
		Source:      callsign,
		Destination: "SERVER",
		Data:        []string{"88e4", "vPilot", "3", "2", "1000000", "9"},
	})
}

func TestIdentificationRejectsUnknownClient(t *testing.T) {
	s := newTestServer()
	sess := s.registry.Register(testConn)

	s.dispatch(testConn, &protocol.Packet{
		Type:        protocol.Request,
		Command:     "ID",
		Source:      "BAW123",
		Destination: "SERVER",
		Data:        []string{"beef", "HomebrewClient", "3", "2", "1000000", "9"},
	})

	reply := takeReply(t, sess)
	assert.Equal(t, "ER", reply.Command)
	assert.Equal(t, []string{"016", "", "Unauthorized client software"}, reply.Data)

	// The session stays connected but unidentified, free to retry
	sess.View(func(sess *Session) {
		assert.Equal(t, StateConnected, sess.State)
		assert.Empty(t, sess.Callsign)
	})
}

func TestIdentificationWhitelistedClient(t *testing.T) {
	s := newTestServer()
	sess := s.registry.Register(testConn)

	identify(t, s, testConn, "BAW123")

	requireNoReply(t, sess)
	sess.View(func(sess *Session) {
		assert.Equal(t, StateIdentified, sess.State)
		assert.Equal(t, "BAW123", sess.Callsign)
		assert.Equal(t, "vPilot", sess.ClientString)
		assert.Equal(t, "1000000", sess.NetworkID)
	})
}

func TestLoginInvalidCredentials(t *testing.T) {
	s := newTestServer()
	sess := s.registry.Register(testConn)
	identify(t, s, testConn, "BAW123")

	s.dispatch(testConn, &protocol.Packet{
		Type:        protocol.Client,
		Command:     "AP",
		Source:      "BAW123",
		Destination: "SERVER",
		Data:        []string{"1000000", "wrong-password", "1", "9", "1", "Jane Doe LFPG"},
	})

	reply := takeReply(t, sess)
	assert.Equal(t, "ER", reply.Command)
	assert.Equal(t, []string{"003", "", "Invalid credentials"}, reply.Data)

	// A failed login does not regress the session
	sess.View(func(sess *Session) {
		assert.Equal(t, StateIdentified, sess.State)
	})
	_, ok := s.registry.ResolveCallsign("BAW123")
	assert.False(t, ok)
}

func TestLoginMissingCredentialsIgnored(t *testing.T) {
	s := newTestServer()
	sess := s.registry.Register(testConn)
	identify(t, s, testConn, "BAW123")

	s.dispatch(testConn, &protocol.Packet{
		Type:        protocol.Client,
		Command:     "AP",
		Source:      "BAW123",
		Destination: "SERVER",
		Data:        []string{"1000000"},
	})

	requireNoReply(t, sess)
}

func TestPilotLoginSequence(t *testing.T) {
	s := newTestServer()
	sess := s.registry.Register(testConn)
	identify(t, s, testConn, "BAW123")

	sub, cancel := s.bus.Subscribe()
	defer cancel()

	loginData := []string{"1000000", "hunter2", "1", "9", "1", "Jane Doe LFPG"}
	s.dispatch(testConn, &protocol.Packet{
		Type:        protocol.Client,
		Command:     "AP",
		Source:      "BAW123",
		Destination: "SERVER",
		Data:        loginData,
	})

	for i, line := range welcomeLines {
		reply := takeReply(t, sess)
		assert.Equal(t, "TM", reply.Command, "welcome line %d", i)
		assert.Equal(t, []string{line}, reply.Data)
	}

	caps := takeReply(t, sess)
	assert.Equal(t, "CQ", caps.Command)
	assert.Equal(t, []string{"CAPS"}, caps.Data)

	ip := takeReply(t, sess)
	assert.Equal(t, "CR", ip.Command)
	assert.Equal(t, []string{"IP", "10.0.0.9"}, ip.Data)

	noFP := takeReply(t, sess)
	assert.Equal(t, "ER", noFP.Command)
	assert.Equal(t, []string{"008", "BAW123", "No flightplan"}, noFP.Data)

	requireNoReply(t, sess)

	// The login announcement goes out on the bus under the pilot's origin
	msg := takeBroadcast(t, sub)
	assert.Equal(t, ConnOrigin(testConn), msg.Origin)
	assert.Equal(t, "AP", msg.Packet.Command)
	assert.Equal(t, "BAW123", msg.Packet.Source)
	assert.Equal(t, "SERVER", msg.Packet.Destination)
	assert.Equal(t, loginData, msg.Packet.Data)
	assert.False(t, msg.DeliverableTo(testConn))

	sess.View(func(sess *Session) {
		assert.Equal(t, StateActive, sess.State)
		assert.Equal(t, ClientPilot, sess.Type)
		assert.Equal(t, "Jane Doe", sess.RealName)
		assert.Equal(t, 3, sess.Rating)
	})
	id, ok := s.registry.ResolveCallsign("BAW123")
	require.True(t, ok)
	assert.Equal(t, testConn, id)
}

func TestAtcLoginSequence(t *testing.T) {
	s := newTestServer()
	sess := s.registry.Register(testConn)
	identify(t, s, testConn, "EGLL_TWR")

	s.dispatch(testConn, &protocol.Packet{
		Type:        protocol.Client,
		Command:     "AA",
		Source:      "EGLL_TWR",
		Destination: "SERVER",
		Data:        []string{"Jane Doe", "1000000", "hunter2", "5", "9"},
	})

	for range welcomeLines {
		reply := takeReply(t, sess)
		assert.Equal(t, "TM", reply.Command)
	}

	caps := takeReply(t, sess)
	assert.Equal(t, "CQ", caps.Command)
	assert.Equal(t, []string{"CAPS"}, caps.Data)

	atcCaps := takeReply(t, sess)
	assert.Equal(t, "CR", atcCaps.Command)
	assert.Equal(t, []string{atcCapabilities}, atcCaps.Data)

	ip := takeReply(t, sess)
	assert.Equal(t, "CR", ip.Command)
	assert.Equal(t, []string{"IP", "10.0.0.9"}, ip.Data)

	requireNoReply(t, sess)

	sess.View(func(sess *Session) {
		assert.Equal(t, ClientAtc, sess.Type)
		assert.Equal(t, 5, sess.Rating, "controllers get the ATC rating")
	})
}

func TestLogoffDropsCallsignAndBroadcasts(t *testing.T) {
	s := newTestServer()
	s.registry.Register(testConn)
	s.registry.IndexCallsign("BAW123", testConn)

	sub, cancel := s.bus.Subscribe()
	defer cancel()

	s.dispatch(testConn, &protocol.Packet{
		Type:        protocol.Client,
		Command:     "DP",
		Source:      "BAW123",
		Destination: "SERVER",
		Data:        []string{"1000000"},
	})

	_, ok := s.registry.ResolveCallsign("BAW123")
	assert.False(t, ok)

	msg := takeBroadcast(t, sub)
	assert.Equal(t, "DP", msg.Packet.Command)
	assert.Equal(t, "BAW123", msg.Packet.Source)
}

func TestTextMessageRelaysWithUnescaping(t *testing.T) {
	s := newTestServer()
	s.registry.Register(testConn)

	sub, cancel := s.bus.Subscribe()
	defer cancel()

	s.dispatch(testConn, &protocol.Packet{
		Type:        protocol.Client,
		Command:     "TM",
		Source:      "BAW123",
		Destination: "EGLL_TWR",
		Data:        []string{"ETA 12::30 via OCK"},
	})

	msg := takeBroadcast(t, sub)
	assert.Equal(t, []string{"ETA 12:30 via OCK"}, msg.Packet.Data)
	assert.Equal(t, ConnOrigin(testConn), msg.Origin)
}

func TestTextMessageFlightPlanFetchAnswered(t *testing.T) {
	s := newTestServer()
	sess := s.registry.Register(testConn)

	sub, cancel := s.bus.Subscribe()
	defer cancel()

	s.dispatch(testConn, &protocol.Packet{
		Type:        protocol.Client,
		Command:     "TM",
		Source:      "EGLL_TWR",
		Destination: "FP",
		Data:        []string{"FP", "BAW123", "GET"},
	})

	reply := takeReply(t, sess)
	assert.Equal(t, "PC", reply.Command)
	assert.Equal(t, "server", reply.Source)
	assert.Equal(t, "EGLL_TWR", reply.Destination)
	assert.Equal(t, []string{"CCP", "BC", "BAW123", "0"}, reply.Data)

	requireNoBroadcast(t, sub)
}

func TestFlightPlanBroadcastAndAck(t *testing.T) {
	s := newTestServer()
	sess := s.registry.Register(testConn)

	sub, cancel := s.bus.Subscribe()
	defer cancel()

	fpData := []string{"I", "B738", "420", "EGLL", "1230", "1230", "35000", "LFPG", "1", "30", "2", "0", "EGKK", "remarks", "OCK L9 LFPG"}
	s.dispatch(testConn, &protocol.Packet{
		Type:        protocol.Request,
		Command:     "FP",
		Source:      "BAW123",
		Destination: "SERVER",
		Data:        fpData,
	})

	msg := takeBroadcast(t, sub)
	assert.Equal(t, "FP", msg.Packet.Command)
	assert.Equal(t, fpData, msg.Packet.Data)

	ack := takeReply(t, sess)
	assert.Equal(t, "PC", ack.Command)
	assert.Equal(t, []string{"CCP", "BC", "BAW123", "0"}, ack.Data)
}

func TestPositionUpdateRelays(t *testing.T) {
	s := newTestServer()
	s.registry.Register(testConn)

	sub, cancel := s.bus.Subscribe()
	defer cancel()

	s.dispatch(testConn, &protocol.Packet{
		Type:        protocol.PilotUpdate,
		Command:     "N",
		Destination: "BAW123",
		Data:        []string{"1", "51.47", "-0.45", "80", "0", "4290770688", "5"},
	})

	msg := takeBroadcast(t, sub)
	assert.Equal(t, protocol.PilotUpdate, msg.Packet.Type)
	assert.False(t, msg.Disconnect)
}

func TestPositionUpdateSquawk7500Disconnects(t *testing.T) {
	s := newTestServer()
	s.registry.Register(testConn)

	sub, cancel := s.bus.Subscribe()
	defer cancel()

	s.dispatch(testConn, &protocol.Packet{
		Type:        protocol.PilotUpdate,
		Command:     "N",
		Destination: "BAW123",
		Data:        []string{"1", "7500", "51.47", "-0.45", "80", "0", "4290770688", "5"},
	})

	msg := takeBroadcast(t, sub)
	assert.True(t, msg.Disconnect)
	assert.Equal(t, ConnOrigin(testConn), msg.Origin)
	assert.True(t, msg.DeliverableTo(testConn))
	assert.False(t, msg.DeliverableTo("10.0.0.10:51001"))

	// The position itself is not relayed
	requireNoBroadcast(t, sub)
}

func TestAtcPositionUpdateNotSubjectToSquawkCheck(t *testing.T) {
	s := newTestServer()
	s.registry.Register(testConn)

	sub, cancel := s.bus.Subscribe()
	defer cancel()

	// ATC updates carry different fields; data[1] is not a squawk code, so
	// the 7500 check must only apply to pilot updates.
	s.handlePositionUpdate(testConn, &protocol.Packet{
		Type:        protocol.AtcUpdate,
		Command:     "EG",
		Destination: "EGLL_TWR",
		Data:        []string{"7500", "0", "51.47", "-0.45", "100"},
	})

	msg := takeBroadcast(t, sub)
	assert.False(t, msg.Disconnect)
	assert.Equal(t, protocol.AtcUpdate, msg.Packet.Type)
}

func TestRequestCapsRelays(t *testing.T) {
	s := newTestServer()
	s.registry.Register(testConn)

	sub, cancel := s.bus.Subscribe()
	defer cancel()

	s.dispatch(testConn, &protocol.Packet{
		Type:        protocol.Request,
		Command:     "CQ",
		Source:      "BAW123",
		Destination: "EGLL_TWR",
		Data:        []string{"CAPS"},
	})

	msg := takeBroadcast(t, sub)
	assert.Equal(t, "CQ", msg.Packet.Command)
	assert.Equal(t, []string{"CAPS"}, msg.Packet.Data)
}

func TestRequestEmptyDataIgnored(t *testing.T) {
	s := newTestServer()
	sess := s.registry.Register(testConn)

	sub, cancel := s.bus.Subscribe()
	defer cancel()

	s.dispatch(testConn, &protocol.Packet{
		Type:        protocol.Request,
		Command:     "CQ",
		Source:      "BAW123",
		Destination: "EGLL_TWR",
	})

	requireNoReply(t, sess)
	requireNoBroadcast(t, sub)
}

func TestAtisResponseShape(t *testing.T) {
	s := newTestServer()
	sess := s.registry.Register(testConn)

	s.dispatch(testConn, &protocol.Packet{
		Type:        protocol.Request,
		Command:     "CQ",
		Source:      "BAW123",
		Destination: "EGLL_ATIS",
		Data:        []string{"ATIS"},
	})

	voice := takeReply(t, sess)
	assert.Equal(t, "CR", voice.Command)
	assert.Equal(t, "EGLL_ATIS", voice.Source)
	assert.Equal(t, "BAW123", voice.Destination)
	assert.Equal(t, []string{"ATIS", "V", "voice.vatsim.net/uk"}, voice.Data)

	textCount := 0
	var last *protocol.Packet
	for {
		select {
		case pkt := <-sess.out:
			last = pkt
			if pkt.Data[1] == "T" {
				textCount++
			}
			continue
		default:
		}
		break
	}

	assert.Equal(t, len(atisLines), textCount)
	require.NotNil(t, last)
	// End marker counts text lines plus the voice line and itself
	assert.Equal(t, []string{"ATIS", "E", "11"}, last.Data)
}

func TestRealNameRequestAnswered(t *testing.T) {
	s := newTestServer()
	sess := s.registry.Register(testConn)
	s.registry.Mutate(testConn, func(sess *Session) {
		sess.Callsign = "EGLL_TWR"
		sess.Type = ClientAtc
		sess.RealName = "Jane Doe"
		sess.Rating = 5
	})

	s.dispatch(testConn, &protocol.Packet{
		Type:        protocol.Request,
		Command:     "CQ",
		Source:      "EGLL_TWR",
		Destination: "SERVER",
		Data:        []string{"RN"},
	})

	reply := takeReply(t, sess)
	assert.Equal(t, "CR", reply.Command)
	assert.Equal(t, "EGLL_TWR", reply.Source)
	assert.Equal(t, []string{"RN", "Jane Doe", "", "5"}, reply.Data)
}

func TestRealNameRequestBeforeLoginIgnored(t *testing.T) {
	s := newTestServer()
	sess := s.registry.Register(testConn)

	s.dispatch(testConn, &protocol.Packet{
		Type:        protocol.Request,
		Command:     "CQ",
		Source:      "BAW123",
		Destination: "SERVER",
		Data:        []string{"RN"},
	})

	requireNoReply(t, sess)
}

func TestInfRequestDescribesTarget(t *testing.T) {
	s := newTestServer()
	requester := s.registry.Register(testConn)

	target := ConnID("10.0.0.10:51001")
	s.registry.Register(target)
	s.registry.Mutate(target, func(sess *Session) {
		sess.Callsign = "DLH456"
		sess.Type = ClientPilot
		sess.RealName = "John Roe"
		sess.NetworkID = "1000001"
		sess.ClientString = "vPilot"
	})
	s.registry.IndexCallsign("DLH456", target)

	s.dispatch(testConn, &protocol.Packet{
		Type:        protocol.Request,
		Command:     "CQ",
		Source:      "BAW123",
		Destination: "DLH456",
		Data:        []string{"INF"},
	})

	reply := takeReply(t, requester)
	assert.Equal(t, "TM", reply.Command)
	assert.Equal(t, "DLH456", reply.Source)
	assert.Equal(t, "DATA", reply.Destination)
	require.Len(t, reply.Data, 1)
	assert.Equal(t,
		"vPilot PID=(1000001) ((John Roe)) IP=(10.0.0.10) SYS_UID=-123456789 FSVER=Prepar3dV3 LT=51.5 LO=-0.1 AL=35000",
		reply.Data[0])
}

func TestInfRequestUnknownTargetIgnored(t *testing.T) {
	s := newTestServer()
	sess := s.registry.Register(testConn)

	s.dispatch(testConn, &protocol.Packet{
		Type:        protocol.Request,
		Command:     "CQ",
		Source:      "BAW123",
		Destination: "NOBODY",
		Data:        []string{"INF"},
	})

	requireNoReply(t, sess)
}

func TestAccRequestAnswersOnRequestCommand(t *testing.T) {
	s := newTestServer()
	requester := s.registry.Register(testConn)

	target := ConnID("10.0.0.10:51001")
	s.registry.Register(target)
	s.registry.IndexCallsign("DLH456", target)

	s.dispatch(testConn, &protocol.Packet{
		Type:        protocol.Request,
		Command:     "CQ",
		Source:      "BAW123",
		Destination: "DLH456",
		Data:        []string{"ACC"},
	})

	reply := takeReply(t, requester)
	assert.Equal(t, "CQ", reply.Command, "ACC answers arrive on the request command")
	assert.Equal(t, "DLH456", reply.Source)
	assert.Equal(t, "BAW123", reply.Destination)
	require.Len(t, reply.Data, 2)
	assert.Equal(t, "ACC", reply.Data[0])
	assert.Contains(t, reply.Data[1], `"gear_down": false`)
}

func TestResponseRelays(t *testing.T) {
	s := newTestServer()
	s.registry.Register(testConn)

	sub, cancel := s.bus.Subscribe()
	defer cancel()

	s.dispatch(testConn, &protocol.Packet{
		Type:        protocol.Request,
		Command:     "CR",
		Source:      "EGLL_TWR",
		Destination: "BAW123",
		Data:        []string{"CAPS", "ATCINFO=1"},
	})

	msg := takeBroadcast(t, sub)
	assert.Equal(t, "CR", msg.Packet.Command)
}

func TestMetarRequestAnswered(t *testing.T) {
	s := newTestServer()
	sess := s.registry.Register(testConn)

	s.dispatch(testConn, &protocol.Packet{
		Type:        protocol.Request,
		Command:     "AX",
		Source:      "BAW123",
		Destination: "SERVER",
		Data:        []string{"METAR", "EGLL"},
	})

	reply := takeReply(t, sess)
	assert.Equal(t, "AR", reply.Command)
	assert.Equal(t, "BAW123", reply.Destination)
	require.Len(t, reply.Data, 2)
	assert.Equal(t, "METAR", reply.Data[0])
	assert.Equal(t, "EGLL 121200Z AUTO 09008KT 9999 FEW040 BKN100 15/08 Q1013 NOSIG", reply.Data[1])
}

func TestMetarRequestMissingStationIgnored(t *testing.T) {
	s := newTestServer()
	sess := s.registry.Register(testConn)

	s.dispatch(testConn, &protocol.Packet{
		Type:        protocol.Request,
		Command:     "AX",
		Source:      "BAW123",
		Destination: "SERVER",
		Data:        []string{"METAR"},
	})

	requireNoReply(t, sess)
}

func TestUnknownCommandDropped(t *testing.T) {
	s := newTestServer()
	sess := s.registry.Register(testConn)

	sub, cancel := s.bus.Subscribe()
	defer cancel()

	s.dispatch(testConn, &protocol.Packet{
		Type:        protocol.Request,
		Command:     "ZZ",
		Source:      "BAW123",
		Destination: "SERVER",
		Data:        []string{"whatever"},
	})

	requireNoReply(t, sess)
	requireNoBroadcast(t, sub)
}

func TestReplyToRemovedSessionIsNoop(t *testing.T) {
	s := newTestServer()
	s.registry.Register(testConn)
	s.registry.Remove(testConn)

	// Must not panic or block
	s.reply(testConn, &protocol.Packet{Type: protocol.Client, Command: "TM", Data: []string{"hello"}})
}

func TestReplyQueueFullDropsPacket(t *testing.T) {
	s := newTestServer()
	sess := s.registry.Register(testConn)

	for i := 0; i < replyQueueSize+5; i++ {
		s.reply(testConn, &protocol.Packet{Type: protocol.Client, Command: "TM", Data: []string{"x"}})
	}

	assert.Len(t, sess.out, replyQueueSize)
}
