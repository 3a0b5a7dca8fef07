// Package av implements call signaling between two peers: call admission,
// the per-call state machine, capability negotiation and the binding of
// media sessions to active calls.
//
// # Calls
//
// A Manager keeps at most one call per peer. A call moves through
//
//	inactive -> requesting -> active    (we invited, the peer answered)
//	inactive -> requested  -> active    (the peer invited, we answered)
//
// and returns to inactive only by termination: hangup, rejection, a protocol
// error or a peer timeout. Exactly one of OnEnd, OnError or OnPeerTimeout
// fires when a call terminates.
//
//	mgr, err := av.NewManager(tr, av.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	mgr.RegisterCallback(av.OnInvite, av.CallbackFunc(func(info av.CallInfo) error {
//	    log.Printf("incoming call from %d", info.Peer)
//	    return nil
//	}))
//	err = mgr.Invite(friend, av.CapAll)
//
// Callbacks run with the manager lock held. They must not call the Manager;
// answer an invite from the application loop instead.
//
// # Capabilities
//
// Capabilities are a bitset of send/receive audio/video. Local proposals are
// intersected with Config.Capabilities and an empty result is refused with
// ErrInvalidCapabilities, leaving the call unchanged.
//
// # Media
//
// When a call becomes active the manager opens one rtp.Session per media
// kind either side uses. SendAudio and SendVideo send frames, Config.OnMessage
// receives them, and Iterate drives loss reporting.
package av
