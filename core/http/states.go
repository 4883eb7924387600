package http

// State is the parser's progress report after a feed.
type State uint8

const (
	// Pending means the current message is still incomplete; feed more.
	Pending State = iota + 1
	// HeadersCompleted means the header section is done and body bytes
	// are expected next.
	HeadersCompleted
	// RequestCompleted means a full message was parsed; the parser has
	// already rewound itself for the next transaction.
	RequestCompleted
)

type parserState uint8

const (
	eMethod parserState = iota + 1
	ePath
	eQuery
	eProto
	eProtoCR
	eLineStart
	eLineStartCR
	eHeaderKey
	eHeaderColon
	eHeaderValue
	eHeaderValueCR
	eBody
	eChunkedBody
)
