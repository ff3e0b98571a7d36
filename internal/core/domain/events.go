package domain

type PresenceEventKind string

const (
	PresenceJoined PresenceEventKind = "joined"
	PresenceLeft   PresenceEventKind = "left"
)

type PresenceEvent struct {
	Kind        PresenceEventKind
	RoomID      RoomID
	Participant Participant
}

type MediaEventKind string

const (
	MediaRemoteStreamReady   MediaEventKind = "remote_stream_ready"
	MediaRemoteStreamUpdated MediaEventKind = "remote_stream_updated"
	MediaRemoteStreamRemoved MediaEventKind = "remote_stream_removed"
	MediaLocalStreamUpdated  MediaEventKind = "local_stream_updated"
	MediaScreenShareStarted  MediaEventKind = "screen_share_started"
	MediaScreenShareUpdated  MediaEventKind = "screen_share_updated"
	MediaScreenShareStopped  MediaEventKind = "screen_share_stopped"
)

type MediaEvent struct {
	Kind          MediaEventKind
	ParticipantID ParticipantID
	ShareID       ShareID
	TrackID       TrackID
	TrackKind     TrackKind
}

type SpeakingEvent struct {
	ParticipantID ParticipantID
	Speaking      bool
}

// PinEvent carries the new pin target, or nil when the pin was cleared.
type PinEvent struct {
	Tile *Tile
}

type TransportEventKind string

const (
	TransportEventConnected          TransportEventKind = "connected"
	TransportEventDisconnected       TransportEventKind = "disconnected"
	TransportEventRecovered          TransportEventKind = "recovered"
	TransportEventFailed             TransportEventKind = "failed"
	TransportEventNegotiationStalled TransportEventKind = "negotiation_stalled"
)

// TransportEvent reports connectivity of one peer link. Hard is set when
// the failure outlived the disconnect grace period or the transport
// reported failed.
type TransportEvent struct {
	Kind          TransportEventKind
	ParticipantID ParticipantID
	Hard          bool
}

type SignalingEvent struct {
	ParticipantID ParticipantID
	From          SignalingState
	To            SignalingState
}
