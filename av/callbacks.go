package av

// CallbackID identifies a lifecycle event kind.
type CallbackID uint8

const (
	// OnInvite fires when a peer invite is admitted.
	OnInvite CallbackID = iota
	// OnStart fires when a call becomes active.
	OnStart
	// OnEnd fires when a call ends by hangup or rejection.
	OnEnd
	// OnError fires when a call ends because of a protocol error.
	OnError
	// OnPeerTimeout fires when a call ends because the peer went away.
	OnPeerTimeout
	// OnCapabilities fires when the capabilities of an active call change.
	OnCapabilities

	numCallbacks
)

// String returns the callback name.
func (id CallbackID) String() string {
	switch id {
	case OnInvite:
		return "invite"
	case OnStart:
		return "start"
	case OnEnd:
		return "end"
	case OnError:
		return "error"
	case OnPeerTimeout:
		return "peer_timeout"
	case OnCapabilities:
		return "capabilities"
	default:
		return "unknown"
	}
}

// CallbackHandler handles one lifecycle event of a call.
//
// Handlers run with the manager lock held and must not call back into the
// Manager. A non-nil error on OnInvite, OnStart or OnCapabilities is treated
// as a protocol error: the peer is sent an error and the call is destroyed
// without any further callback.
type CallbackHandler interface {
	HandleCallEvent(info CallInfo) error
}

// CallbackFunc adapts a function to CallbackHandler.
type CallbackFunc func(info CallInfo) error

// HandleCallEvent calls f(info).
func (f CallbackFunc) HandleCallEvent(info CallInfo) error {
	return f(info)
}

// callbackTable holds one handler per CallbackID.
type callbackTable [numCallbacks]CallbackHandler

func (t *callbackTable) set(id CallbackID, h CallbackHandler) bool {
	if id >= numCallbacks {
		return false
	}
	t[id] = h
	return true
}

// invoke runs the handler for id. A missing handler succeeds.
func (t *callbackTable) invoke(id CallbackID, info CallInfo) error {
	if id >= numCallbacks || t[id] == nil {
		return nil
	}
	return t[id].HandleCallEvent(info)
}
