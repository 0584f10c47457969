package core

import "github.com/pion/webrtc/v4"

// MediaConnection is the part of a live media session the application
// layer observes. Both the negotiation engine and a bare pion peer
// connection satisfy it.
type MediaConnection interface {
	ConnectionState() webrtc.PeerConnectionState
	// Close should stop all underlying media resources.
	Close() error
}
