package validation

import (
	"errors"
	"strings"
	"testing"

	"meshcall/internal/core/domain"
)

const testSDP = "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func TestValidateParticipantID(t *testing.T) {
	tests := []struct {
		name    string
		id      domain.ParticipantID
		wantErr bool
	}{
		{"valid", "alice_01", false},
		{"empty", "", true},
		{"too long", domain.ParticipantID(strings.Repeat("a", 101)), true},
		{"invalid chars", "alice bob", true},
		{"share prefix", "share_abc", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateParticipantID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateParticipantID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateShareID(t *testing.T) {
	tests := []struct {
		name    string
		id      domain.ShareID
		wantErr bool
	}{
		{"valid", "share_6f1c", false},
		{"missing prefix", "6f1c", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateShareID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateShareID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateHandle(t *testing.T) {
	if err := ValidateHandle("Alice"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateHandle("   "); err == nil {
		t.Error("expected error for blank handle")
	}
	if err := ValidateHandle(strings.Repeat("x", 65)); err == nil {
		t.Error("expected error for long handle")
	}
}

func TestValidateSignalMessage(t *testing.T) {
	share := domain.ShareID("share_1")
	tests := []struct {
		name    string
		msg     *domain.SignalMessage
		wantErr bool
	}{
		{"nil", nil, true},
		{"valid offer", &domain.SignalMessage{Type: domain.MessageOffer, SDP: &domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: testSDP}}, false},
		{"offer without sdp", &domain.SignalMessage{Type: domain.MessageOffer}, true},
		{"offer with answer sdp", &domain.SignalMessage{Type: domain.MessageOffer, SDP: &domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: testSDP}}, true},
		{"truncated sdp", &domain.SignalMessage{Type: domain.MessageAnswer, SDP: &domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "v=0"}}, true},
		{"malformed origin", &domain.SignalMessage{Type: domain.MessageAnswer, SDP: &domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "v=0\r\no=bad\r\ns=-\r\nt=0 0\r\n"}}, true},
		{"end of candidates", &domain.SignalMessage{Type: domain.MessageCandidate}, false},
		{"share started", &domain.SignalMessage{Type: domain.MessageScreenShareStarted, ShareID: share}, false},
		{"share without id", &domain.SignalMessage{Type: domain.MessageScreenShareStopped}, true},
		{"member without participant", &domain.SignalMessage{Type: domain.MessageMemberJoined}, true},
		{"member joined", &domain.SignalMessage{Type: domain.MessageMemberJoined, Participant: &domain.Participant{ID: "bob"}}, false},
		{"unknown type", &domain.SignalMessage{Type: "renegotiate_please"}, true},
		{"bad sender", &domain.SignalMessage{Type: domain.MessageSpeaking, From: "bad id"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSignalMessage(tt.msg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateSignalMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrProtocolViolation) {
				t.Errorf("expected protocol violation, got %v", err)
			}
		})
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"http://localhost:8080", false},
		{"wss://signal.example.com/ws", false},
		{"ftp://example.com", true},
		{"", true},
		{"http://", true},
	}

	for _, tt := range tests {
		if err := ValidateURL(tt.url); (err != nil) != tt.wantErr {
			t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
		}
	}
}
