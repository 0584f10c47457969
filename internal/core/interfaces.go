package core

import "github.com/pion/webrtc/v4"

// Frame is a raw binary payload.
type Frame []byte

type SessionID string

// DefaultSTUNServer is appended after any caller supplied ICE servers.
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// ICEServer is one STUN/TURN entry as exchanged with clients and loaded
// from config. Username and Credential are only meaningful for TURN.
type ICEServer struct {
	URLs       []string `json:"urls" mapstructure:"urls"`
	Username   string   `json:"username,omitempty" mapstructure:"username"`
	Credential string   `json:"credential,omitempty" mapstructure:"credential"`
}

// ICEServers converts the list to pion's representation and appends the
// default STUN server.
func ICEServers(servers []ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers)+1)
	for _, s := range servers {
		if len(s.URLs) == 0 {
			continue
		}
		is := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" || s.Credential != "" {
			is.Username = s.Username
			is.Credential = s.Credential
			is.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, is)
	}
	return append(out, webrtc.ICEServer{URLs: []string{DefaultSTUNServer}})
}
