package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"meshcall/internal/core/domain"

	"github.com/pion/sdp/v3"
)

var (
	// IDRegex validates room and participant id format
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

const maxIDLength = 100

func validateID(id, field string) error {
	if id == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", field, maxIDLength)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", field)
	}
	return nil
}

func ValidateRoomID(roomID domain.RoomID) error {
	return validateID(string(roomID), "room ID")
}

func ValidateParticipantID(participantID domain.ParticipantID) error {
	if err := validateID(string(participantID), "participant ID"); err != nil {
		return err
	}
	if domain.IsShareStreamID(string(participantID)) {
		return fmt.Errorf("participant ID must not use the %q prefix", domain.ShareIDPrefix)
	}
	return nil
}

func ValidateShareID(shareID domain.ShareID) error {
	if err := validateID(string(shareID), "share ID"); err != nil {
		return err
	}
	if !domain.IsShareStreamID(string(shareID)) {
		return fmt.Errorf("share ID must start with %q", domain.ShareIDPrefix)
	}
	return nil
}

// ValidateHandle validates a display handle
func ValidateHandle(handle string) error {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return fmt.Errorf("handle is required")
	}
	if utf8.RuneCountInString(handle) > 64 {
		return fmt.Errorf("handle is too long (max 64 characters)")
	}
	if !utf8.ValidString(handle) {
		return fmt.Errorf("handle contains invalid characters")
	}
	return nil
}

// ValidateSDP checks that an SDP blob carries the mandatory session lines
// and parses. The content is otherwise opaque to the session.
func ValidateSDP(desc *domain.SessionDescription) error {
	if desc == nil {
		return fmt.Errorf("sdp is required")
	}
	if desc.Type != domain.SDPTypeOffer && desc.Type != domain.SDPTypeAnswer {
		return fmt.Errorf("unsupported sdp type %q", desc.Type)
	}
	for _, prefix := range []string{"v=", "o=", "s=", "t="} {
		if !strings.Contains(desc.SDP, prefix) {
			return fmt.Errorf("sdp is missing %q line", prefix)
		}
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return fmt.Errorf("malformed sdp: %w", err)
	}
	return nil
}

// ValidateSignalMessage checks the envelope invariants of an inbound
// message. Violations wrap domain.ErrProtocolViolation.
func ValidateSignalMessage(msg *domain.SignalMessage) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", domain.ErrProtocolViolation)
	}

	var err error
	switch msg.Type {
	case domain.MessageOffer:
		err = ValidateSDP(msg.SDP)
		if err == nil && msg.SDP.Type != domain.SDPTypeOffer {
			err = fmt.Errorf("offer carries %q description", msg.SDP.Type)
		}
	case domain.MessageAnswer:
		err = ValidateSDP(msg.SDP)
		if err == nil && msg.SDP.Type != domain.SDPTypeAnswer {
			err = fmt.Errorf("answer carries %q description", msg.SDP.Type)
		}
	case domain.MessageCandidate, domain.MessageSpeaking, domain.MessageNotSpeaking:
	case domain.MessageScreenShareStarted, domain.MessageScreenShareStopped:
		err = ValidateShareID(msg.ShareID)
	case domain.MessageMemberJoined, domain.MessageMemberLeft:
		if msg.Participant == nil {
			err = fmt.Errorf("%s without participant", msg.Type)
		} else {
			err = ValidateParticipantID(msg.Participant.ID)
		}
	case domain.MessageError, domain.MessagePing, domain.MessagePong:
	default:
		err = fmt.Errorf("unknown message type %q", msg.Type)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProtocolViolation, err)
	}

	if msg.Type.PeerAddressed() && msg.From != "" {
		if err := ValidateParticipantID(msg.From); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrProtocolViolation, err)
		}
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
