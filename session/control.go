package session

import (
	"fmt"

	"samotop/smtp"
)

// ReadKind enumerates the events a transport feeds into a session.
type ReadKind int

// Inbound events.
const (
	ReadPeerConnected ReadKind = iota
	ReadCommand
	ReadMailDataChunk
	ReadEndOfMailData
	ReadPeerShutdown
	// ReadRaw is a line that could not be parsed as a command.
	ReadRaw
	ReadEmpty
	// ReadEscapeDot marks a data line whose leading dot was removed.
	ReadEscapeDot
)

var readKindNames = map[ReadKind]string{
	ReadPeerConnected: "PeerConnected",
	ReadCommand:       "Command",
	ReadMailDataChunk: "MailDataChunk",
	ReadEndOfMailData: "EndOfMailData",
	ReadPeerShutdown:  "PeerShutdown",
	ReadRaw:           "Raw",
	ReadEmpty:         "Empty",
	ReadEscapeDot:     "EscapeDot",
}

func (k ReadKind) String() string {
	if n, ok := readKindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("ReadKind(%d)", int(k))
}

// ReadControl is one inbound event.
type ReadControl struct {
	Kind ReadKind
	// Connection is set for ReadPeerConnected.
	Connection Connection
	// Command is set for ReadCommand.
	Command smtp.Command
	// Data holds body bytes for ReadMailDataChunk and the offending bytes for ReadRaw.
	Data []byte
}

// PeerConnected starts a session on conn.
func PeerConnected(conn Connection) ReadControl {
	return ReadControl{Kind: ReadPeerConnected, Connection: conn}
}

// CommandRead carries a parsed command.
func CommandRead(cmd smtp.Command) ReadControl {
	return ReadControl{Kind: ReadCommand, Command: cmd}
}

// MailDataChunk carries body bytes after DATA.
func MailDataChunk(b []byte) ReadControl {
	return ReadControl{Kind: ReadMailDataChunk, Data: b}
}

// EndOfMailData marks the terminating dot.
func EndOfMailData() ReadControl { return ReadControl{Kind: ReadEndOfMailData} }

// PeerShutdown reports that the peer went away.
func PeerShutdown() ReadControl { return ReadControl{Kind: ReadPeerShutdown} }

// Raw carries input that is not a valid command.
func Raw(b []byte) ReadControl { return ReadControl{Kind: ReadRaw, Data: b} }

// Empty is an event with no effect, such as a blank line.
func Empty() ReadControl { return ReadControl{Kind: ReadEmpty} }

// EscapeDot marks a dot-stuffed data line.
func EscapeDot() ReadControl { return ReadControl{Kind: ReadEscapeDot} }

// WriteKind enumerates what a session asks its transport to do.
type WriteKind int

// Outbound events.
const (
	// WriteReply sends the reply and carries on.
	WriteReply WriteKind = iota
	// WriteStartTLS sends the reply then upgrades the connection.
	WriteStartTLS
	// WriteStartData sends the reply then switches the reader to mail data.
	WriteStartData
	// WriteShutdown sends the reply, if any, then closes the connection.
	WriteShutdown
)

func (k WriteKind) String() string {
	switch k {
	case WriteReply:
		return "Reply"
	case WriteStartTLS:
		return "StartTLS"
	case WriteStartData:
		return "StartData"
	case WriteShutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("WriteKind(%d)", int(k))
	}
}

// WriteControl is one outbound event.
type WriteControl struct {
	Kind  WriteKind
	Reply smtp.Reply
}

// HasReply reports whether there is a status line to write. A shutdown after
// the peer has gone carries none.
func (w WriteControl) HasReply() bool {
	return w.Reply.Code != 0
}

func (w WriteControl) String() string {
	if !w.HasReply() {
		return w.Kind.String()
	}
	return w.Kind.String() + " " + w.Reply.String()
}
