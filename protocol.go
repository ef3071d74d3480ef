package wsplus

// State represents the state of a connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosing      State = "closing"
)

// MessageType is the kind of a WebSocket message.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageBinary MessageType = "binary"
	MessageClose  MessageType = "close"
)

// StatusCode is a WebSocket close status code as defined in RFC 6455.
type StatusCode int

const (
	StatusNormalClosure   StatusCode = 1000
	StatusGoingAway       StatusCode = 1001
	StatusProtocolError   StatusCode = 1002
	StatusUnsupportedData StatusCode = 1003
	// StatusEmpty is reported when a close carried no status code.
	StatusEmpty              StatusCode = 1005
	StatusAbnormalClosure    StatusCode = 1006
	StatusInvalidPayload     StatusCode = 1007
	StatusPolicyViolation    StatusCode = 1008
	StatusMessageTooBig      StatusCode = 1009
	StatusMandatoryExtension StatusCode = 1010
	StatusInternalError      StatusCode = 1011
)

// CloseInfo is the status and description carried by a close frame.
type CloseInfo struct {
	Status      StatusCode
	Description string
}

// Fragment is one delivery from a connection: part of a message, or the
// whole of it when Final is set.
type Fragment struct {
	Data  []byte
	Type  MessageType
	Final bool

	// Close is set when Type is MessageClose.
	Close *CloseInfo
}

// IsClose returns true if this fragment reports a close from the peer.
func (f Fragment) IsClose() bool {
	return f.Type == MessageClose
}
