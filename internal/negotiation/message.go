package negotiation

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// EnvelopeType is the signaling envelope "type" carried by every
// negotiation message.
const EnvelopeType = "webrtc"

var (
	// ErrAmbiguousMessage is returned for a payload that populates more than
	// one of offer, answer and iceCandidate.
	ErrAmbiguousMessage = errors.New("message must carry exactly one of offer, answer, iceCandidate")
	ErrEmptyMessage     = errors.New("message carries no offer, answer or iceCandidate")
)

type Kind int

const (
	KindNone Kind = iota
	KindOffer
	KindAnswer
	KindCandidate
)

func (k Kind) String() string {
	switch k {
	case KindOffer:
		return "offer"
	case KindAnswer:
		return "answer"
	case KindCandidate:
		return "iceCandidate"
	}
	return "none"
}

// Message is one negotiation step exchanged between peers. The zero value
// carries nothing; build messages with OfferMessage, AnswerMessage or
// CandidateMessage so that exactly one variant is ever populated.
type Message struct {
	kind      Kind
	sdp       string
	candidate webrtc.ICECandidateInit
}

func OfferMessage(sdp string) Message {
	return Message{kind: KindOffer, sdp: sdp}
}

func AnswerMessage(sdp string) Message {
	return Message{kind: KindAnswer, sdp: sdp}
}

func CandidateMessage(c webrtc.ICECandidateInit) Message {
	return Message{kind: KindCandidate, candidate: c}
}

func (m Message) Kind() Kind { return m.kind }

// Description returns the session description of an offer or answer.
func (m Message) Description() (webrtc.SessionDescription, bool) {
	switch m.kind {
	case KindOffer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: m.sdp}, true
	case KindAnswer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.sdp}, true
	}
	return webrtc.SessionDescription{}, false
}

func (m Message) Candidate() (webrtc.ICECandidateInit, bool) {
	if m.kind != KindCandidate {
		return webrtc.ICECandidateInit{}, false
	}
	return m.candidate, true
}

func (m Message) String() string {
	if m.kind == KindCandidate {
		return fmt.Sprintf("iceCandidate(%s)", m.candidate.Candidate)
	}
	return fmt.Sprintf("%s(%d bytes)", m.kind, len(m.sdp))
}

// wireDescription is the {type, sdp} shape of offers and answers.
type wireDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type wireMessage struct {
	Type         string                   `json:"type,omitempty"`
	Offer        *wireDescription         `json:"offer,omitempty"`
	Answer       *wireDescription         `json:"answer,omitempty"`
	ICECandidate *webrtc.ICECandidateInit `json:"iceCandidate,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{Type: EnvelopeType}
	switch m.kind {
	case KindOffer:
		w.Offer = &wireDescription{Type: "offer", SDP: m.sdp}
	case KindAnswer:
		w.Answer = &wireDescription{Type: "answer", SDP: m.sdp}
	case KindCandidate:
		c := m.candidate
		w.ICECandidate = &c
	default:
		return nil, ErrEmptyMessage
	}
	return json.Marshal(w)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode negotiation message: %w", err)
	}
	n := 0
	if w.Offer != nil {
		n++
	}
	if w.Answer != nil {
		n++
	}
	if w.ICECandidate != nil {
		n++
	}
	switch {
	case n == 0:
		return ErrEmptyMessage
	case n > 1:
		return ErrAmbiguousMessage
	}

	switch {
	case w.Offer != nil:
		if w.Offer.Type != "" && w.Offer.Type != "offer" {
			return fmt.Errorf("offer carries description type %q", w.Offer.Type)
		}
		*m = OfferMessage(w.Offer.SDP)
	case w.Answer != nil:
		if w.Answer.Type != "" && w.Answer.Type != "answer" {
			return fmt.Errorf("answer carries description type %q", w.Answer.Type)
		}
		*m = AnswerMessage(w.Answer.SDP)
	default:
		*m = CandidateMessage(*w.ICECandidate)
	}
	return nil
}

// DecodeMessage parses a wire payload into a Message.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}
