package domain

import "encoding/json"

type MessageType string

const (
	MessageOffer              MessageType = "offer"
	MessageAnswer             MessageType = "answer"
	MessageCandidate          MessageType = "candidate"
	MessageMemberJoined       MessageType = "member_joined"
	MessageMemberLeft         MessageType = "member_left"
	MessageSpeaking           MessageType = "speaking"
	MessageNotSpeaking        MessageType = "not_speaking"
	MessageScreenShareStarted MessageType = "screen_share_started"
	MessageScreenShareStopped MessageType = "screen_share_stopped"
	MessageError              MessageType = "error"
	MessagePing               MessageType = "ping"
	MessagePong               MessageType = "pong"
)

// PeerAddressed reports whether messages of this type must carry a target
// participant and are relayed to that participant only.
func (t MessageType) PeerAddressed() bool {
	switch t {
	case MessageOffer, MessageAnswer, MessageCandidate,
		MessageSpeaking, MessageNotSpeaking,
		MessageScreenShareStarted, MessageScreenShareStopped:
		return true
	}
	return false
}

type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is an opaque SDP blob with its type.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit wire shape. An empty
// Candidate string marks end-of-candidates.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func (c *ICECandidate) EndOfCandidates() bool {
	return c == nil || c.Candidate == ""
}

// SignalMessage is the envelope carried by the signaling channel. From is
// stamped by the relay; To is required for peer-addressed types.
type SignalMessage struct {
	Type        MessageType         `json:"type"`
	RoomID      RoomID              `json:"room_id,omitempty"`
	From        ParticipantID       `json:"from,omitempty"`
	To          ParticipantID       `json:"to,omitempty"`
	SDP         *SessionDescription `json:"sdp,omitempty"`
	Candidate   *ICECandidate       `json:"candidate,omitempty"`
	ShareID     ShareID             `json:"share_id,omitempty"`
	Participant *Participant        `json:"participant,omitempty"`
	Error       string              `json:"error,omitempty"`
	Payload     json.RawMessage     `json:"payload,omitempty"`
}

// SignalingState is the per-peer negotiation state.
type SignalingState string

const (
	SignalingNew             SignalingState = "new"
	SignalingHaveLocalOffer  SignalingState = "have-local-offer"
	SignalingHaveRemoteOffer SignalingState = "have-remote-offer"
	SignalingStable          SignalingState = "stable"
	SignalingClosed          SignalingState = "closed"
)

// TransportState is the connectivity state reported by a peer transport.
type TransportState string

const (
	TransportNew          TransportState = "new"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)
