// Package peercall supervises peer-to-peer audio/video call sessions.
//
// A Node represents one user on the signaling plane. It enforces
// one-call-per-user exclusivity, drives each call through its lifecycle
// (permission, dialing, ringing, connecting, in-call, reconnecting,
// ended), buffers early ICE candidates, and times out calls stuck in
// any transient phase. Media negotiation is delegated to a
// MediaNegotiator; the media package provides a pion/webrtc
// implementation.
//
// # Getting Started
//
// Create a node with a transport and negotiator, register callbacks,
// then start it:
//
//	node, err := peercall.New(peercall.Options{
//	    UserID:     "alice",
//	    Transport:  network.Endpoint("alice"),
//	    Negotiator: media.NewNegotiator(),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	node.OnIncomingCall(func(sess *call.Session) {
//	    fmt.Printf("incoming %s call from %s\n", sess.CallType(), sess.CallerID())
//	    node.Answer(context.Background(), sess.CallID())
//	})
//
//	node.OnPhaseChange(func(ev call.PhaseEvent) {
//	    fmt.Printf("call %s: %s -> %s\n", ev.CallID, ev.From, ev.To)
//	})
//
//	if err := node.Start(); err != nil {
//	    log.Fatal(err)
//	}
//
//	callID, err := node.StartCall(context.Background(), "bob", signaling.CallTypeVoice)
//
// Transports in the transport package cover in-process testing
// (MemoryNetwork) and deployment behind a relay (RelayHub plus
// WSClient). Any implementation of call.Transport works.
package peercall
