package models

// ConnectionState is the lifecycle state of a transport session.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Errored
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Session describes the signed-in identity and the state of its channel.
// The credential is opaque to this module.
type Session struct {
	IdentityID      string
	Credential      string
	ConnectionState ConnectionState
}
