package negotiation

import "github.com/pion/webrtc/v4"

// PeerConnection is the part of a WebRTC peer connection the engine drives.
// *webrtc.PeerConnection satisfies it as is.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	SetConfiguration(configuration webrtc.Configuration) error

	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	ICEConnectionState() webrtc.ICEConnectionState

	OnICECandidate(f func(*webrtc.ICECandidate))
	OnNegotiationNeeded(f func())
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnSignalingStateChange(f func(webrtc.SignalingState))

	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	RemoveTrack(sender *webrtc.RTPSender) error
	Close() error
}

var _ PeerConnection = (*webrtc.PeerConnection)(nil)

// Factory builds a fresh PeerConnection. It is called once at engine
// construction and again every time the live connection is found closed.
type Factory func(webrtc.Configuration) (PeerConnection, error)

// DefaultFactory uses pion's package-level API.
func DefaultFactory(cfg webrtc.Configuration) (PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return pc, nil
}
