// Package signal models the per-room negotiation protocol: a closed set of
// message types exchanged through an ordered append channel of the store.
package signal

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Type enumerates every message the protocol knows. Dispatch over Type is
// exhaustive; adding a type is a compile-visible decision, not a stringly
// branch buried in a handler.
type Type string

const (
	TypePresence    Type = "presence-announce"
	TypeOffer       Type = "offer"
	TypeAnswer      Type = "answer"
	TypeCandidate   Type = "candidate"
	TypeRoomDeleted Type = "room-deleted"
)

// Description is a JSON-friendly session description. The protocol surface
// deliberately avoids WebRTC library types; conversion lives next to it.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func DescriptionFromPion(desc webrtc.SessionDescription) Description {
	return Description{Type: desc.Type.String(), SDP: desc.SDP}
}

func (d Description) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch d.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", d.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}, nil
}

// Candidate is a JSON-friendly ICE candidate hint.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Message is one record in a room's signal channel.
//
// From is always the sending participant. To is set on directed messages
// (offer/answer/candidate); presence-announce and room-deleted broadcast.
// SentAt is the sender-stamped enqueue time in unix milliseconds; it is an
// ordering hint only, the channel's append order is authoritative.
type Message struct {
	Type      Type         `json:"type"`
	From      string       `json:"from"`
	To        string       `json:"to,omitempty"`
	SDP       *Description `json:"sdp,omitempty"`
	Candidate *Candidate   `json:"candidate,omitempty"`
	SentAt    int64        `json:"ts,omitempty"`

	// Key is the channel entry key, filled in on receipt so the consumer
	// can garbage-collect the message after processing.
	Key string `json:"-"`
}

// Directed reports whether the message is addressed to one participant.
func (m Message) Directed() bool { return m.To != "" }

func (m Message) Validate() error {
	if m.From == "" {
		return fmt.Errorf("signal: message missing from")
	}
	switch m.Type {
	case TypePresence:
		if m.Directed() {
			return fmt.Errorf("signal: presence-announce must broadcast")
		}
	case TypeOffer:
		if !m.Directed() {
			return fmt.Errorf("signal: offer missing to")
		}
		if m.SDP == nil || m.SDP.Type != "offer" {
			return fmt.Errorf("signal: offer missing offer sdp")
		}
	case TypeAnswer:
		if !m.Directed() {
			return fmt.Errorf("signal: answer missing to")
		}
		if m.SDP == nil || m.SDP.Type != "answer" {
			return fmt.Errorf("signal: answer missing answer sdp")
		}
	case TypeCandidate:
		if !m.Directed() {
			return fmt.Errorf("signal: candidate missing to")
		}
		if m.Candidate == nil || m.Candidate.Candidate == "" {
			return fmt.Errorf("signal: candidate missing payload")
		}
	case TypeRoomDeleted:
		if m.Directed() {
			return fmt.Errorf("signal: room-deleted must broadcast")
		}
	default:
		return fmt.Errorf("signal: unknown message type %q", m.Type)
	}
	return nil
}

// Parse decodes and validates a channel entry.
func Parse(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("signal: bad message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
