package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidFormat indicates a line that cannot be parsed as an FSD packet.
	ErrInvalidFormat = errors.New("invalid packet format")
	// ErrMissingField indicates a packet that is syntactically valid but lacks
	// a required field.
	ErrMissingField = errors.New("missing field")
)

// PacketType is the packet category, determined by the line's prefix character.
type PacketType int

const (
	// Request is the '$' prefix - requests and responses
	Request PacketType = iota
	// Client is the '#' prefix - adding/removing clients, text messages
	Client
	// AtcUpdate is the '%' prefix - ATC position update
	AtcUpdate
	// PilotUpdate is the '@' prefix - aircraft position update
	PilotUpdate
	// IvaoSpecific is the '!' prefix - IVAO specific
	IvaoSpecific
	// IvaoData is the '&' prefix - IVAO specific
	IvaoData
	// IvaoOther is the '-' prefix - IVAO specific
	IvaoOther
)

func (t PacketType) prefix() byte {
	switch t {
	case Request:
		return '$'
	case Client:
		return '#'
	case AtcUpdate:
		return '%'
	case PilotUpdate:
		return '@'
	case IvaoSpecific:
		return '!'
	case IvaoData:
		return '&'
	case IvaoOther:
		return '-'
	}
	return '?'
}

// Packet is one FSD protocol line in structured form.
//
// The wire layout is command-dependent: for "DI" (server identification) the
// destination precedes the source, for position updates ('%'/'@') the single
// identifier is the destination and the source is implicit (the sending
// connection), and for everything else the source precedes the destination.
// Parse and Format both apply the same three-way rule.
type Packet struct {
	Type        PacketType
	Command     string
	Source      string
	Destination string
	Data        []string
}

// twoLetterCommands are the known 2-character command mnemonics.
var twoLetterCommands = map[string]bool{
	"DI": true, "ID": true, "TM": true, "AA": true, "AP": true,
	"DA": true, "DP": true, "CQ": true, "CR": true, "FP": true, "NV": true,
}

// oneLetterCommands are the known 1-character command mnemonics
// (position updates and friends).
var oneLetterCommands = map[string]bool{
	"N": true, "S": true, "Y": true, "C": true, "R": true,
}

// splitCommand separates the command mnemonic from the identifier glued to it.
// Known two-letter mnemonics win over one-letter ones; anything unrecognized
// is assumed to be a two-letter command.
func splitCommand(s string) (command, ident string) {
	if len(s) >= 2 && twoLetterCommands[s[:2]] {
		return s[:2], s[2:]
	}
	if len(s) >= 1 && oneLetterCommands[s[:1]] {
		return s[:1], s[1:]
	}
	if len(s) >= 2 {
		return s[:2], s[2:]
	}
	return s, ""
}

// Parse parses a raw FSD protocol line into a Packet. The trailing line
// terminator (LF or CRLF) is stripped before parsing.
func Parse(raw string) (*Packet, error) {
	raw = strings.TrimSpace(strings.TrimSuffix(raw, "\r\n"))

	if raw == "" {
		return nil, fmt.Errorf("%w: empty packet", ErrInvalidFormat)
	}

	var packetType PacketType
	switch raw[0] {
	case '$':
		packetType = Request
	case '#':
		packetType = Client
	case '%':
		packetType = AtcUpdate
	case '@':
		packetType = PilotUpdate
	case '!':
		packetType = IvaoSpecific
	case '&':
		packetType = IvaoData
	case '-':
		packetType = IvaoOther
	default:
		return nil, fmt.Errorf("%w: unknown prefix %q", ErrInvalidFormat, raw[0])
	}

	withoutPrefix := raw[1:]

	// The first colon separates command+identifier from the rest.
	firstColon := strings.IndexByte(withoutPrefix, ':')
	if firstColon < 0 {
		return nil, fmt.Errorf("%w: no field delimiter", ErrInvalidFormat)
	}

	commandIdent := withoutPrefix[:firstColon]
	rest := withoutPrefix[firstColon+1:]

	command, firstIdent := splitCommand(commandIdent)

	parts := strings.SplitN(rest, ":", 2)
	secondIdent := parts[0]

	// Field-order resolution. For server identification (DI) the wire order is
	// destination then source. For position updates the single identifier is
	// the destination; the source is the sending connection and never appears
	// on the wire. Everything else is source then destination.
	var source, destination string
	switch {
	case command == "DI":
		source, destination = secondIdent, firstIdent
	case packetType == PilotUpdate || packetType == AtcUpdate:
		source, destination = "", firstIdent
	default:
		source, destination = firstIdent, secondIdent
	}

	var data []string
	if len(parts) > 1 {
		data = strings.Split(parts[1], ":")
	}

	return &Packet{
		Type:        packetType,
		Command:     command,
		Source:      source,
		Destination: destination,
		Data:        data,
	}, nil
}

// Format renders the packet back to its wire form, CRLF-terminated.
func (p *Packet) Format() string {
	var b strings.Builder
	b.WriteByte(p.Type.prefix())
	b.WriteString(p.Command)

	switch {
	case p.Command == "DI":
		b.WriteString(p.Destination)
		b.WriteByte(':')
		b.WriteString(p.Source)
	case p.Type == PilotUpdate || p.Type == AtcUpdate:
		b.WriteString(p.Destination)
	default:
		b.WriteString(p.Source)
		b.WriteByte(':')
		b.WriteString(p.Destination)
	}

	if len(p.Data) > 0 {
		b.WriteByte(':')
		b.WriteString(strings.Join(p.Data, ":"))
	}

	b.WriteString("\r\n")
	return b.String()
}

// String renders the packet without the trailing line terminator, for logging.
func (p *Packet) String() string {
	return strings.TrimSuffix(p.Format(), "\r\n")
}
