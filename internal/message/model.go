package message

// StartLine is the parsed request line or status line of one message.
type StartLine struct {
	IsRequest bool

	// Request fields.
	Method string
	Target string

	// Response fields.
	StatusCode int
	Reason     string

	Version string
}

// BodyKind classifies how a message's body is delimited.
type BodyKind int

const (
	// BodyNone means the message has no body (e.g. GET with no
	// Content-Length, or a response that is never allowed one).
	BodyNone BodyKind = iota
	// BodyFixedLength means the body is exactly Length bytes.
	BodyFixedLength
	// BodyChunkedEncoding means the body uses chunked transfer-encoding.
	BodyChunkedEncoding
	// BodyUntilClose means the body runs until the connection closes
	// (responses only; only valid when the connection is not persistent).
	BodyUntilClose
)

// BodyFraming is the body-framing decision made at onHeadersComplete.
type BodyFraming struct {
	Kind   BodyKind
	Length int64 // valid when Kind == BodyFixedLength
}

// Message is the fully parsed structure handed to OnHeadersComplete.
type Message struct {
	StartLine StartLine
	Headers   Headers
	Framing   BodyFraming
}
