// Package media adapts pion/webrtc peer connections to the call
// package's media interfaces. A Negotiator creates one PeerConnection
// per call session, adds sendrecv transceivers for the requested call
// type, and surfaces ICE candidates and connection state changes
// through callbacks so the session supervisor can relay them over
// signaling.
package media
