package delivery

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies a delivery error.
type Kind int

// Error kinds.
const (
	// KindTransient is a 4xx reply.
	KindTransient Kind = iota
	// KindPermanent is a 5xx reply.
	KindPermanent
	// KindResponseParsing means the server sent something that is not a reply.
	KindResponseParsing
	// KindClient is a local misconfiguration or unsupported request.
	KindClient
	// KindIO is a network failure.
	KindIO
	// KindTimeout is a network deadline.
	KindTimeout
	// KindNoStream means no connection could be established.
	KindNoStream
	// KindNoServerInfo means the server never greeted successfully.
	KindNoServerInfo
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindResponseParsing:
		return "response parsing"
	case KindClient:
		return "client"
	case KindIO:
		return "io"
	case KindTimeout:
		return "timeout"
	case KindNoStream:
		return "no stream"
	case KindNoServerInfo:
		return "no server info"
	default:
		return "unknown"
	}
}

// Error is returned by the transport for every failed send.
type Error struct {
	Kind     Kind
	Code     int
	Enhanced string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("delivery: ")
	b.WriteString(e.Kind.String())
	if e.Code != 0 {
		fmt.Fprintf(&b, " %d", e.Code)
	}
	if e.Enhanced != "" {
		b.WriteString(" " + e.Enhanced)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether retrying later may succeed.
func (e *Error) IsTransient() bool {
	switch e.Kind {
	case KindPermanent, KindClient:
		return false
	default:
		return true
	}
}

// IsPermanent reports a definitive refusal.
func (e *Error) IsPermanent() bool { return !e.IsTransient() }

// replyError turns a negative reply into an Error.
func replyError(r reply) *Error {
	kind := KindTransient
	if r.Code >= 500 {
		kind = KindPermanent
	}
	return &Error{Kind: kind, Code: r.Code, Enhanced: r.Enhanced, Message: r.Message}
}

// ioError classifies a network error.
func ioError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindIO, Err: err}
}

// isConnectionError reports errors after which the connection is unusable.
func isConnectionError(err error) bool {
	var de *Error
	if !errors.As(err, &de) {
		return true
	}
	switch de.Kind {
	case KindIO, KindTimeout, KindResponseParsing, KindNoStream:
		return true
	}
	// 421 means the server is closing the channel.
	return de.Code == 421
}
