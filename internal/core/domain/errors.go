package domain

import "errors"

var (
	ErrPermissionDenied  = errors.New("media permission denied")
	ErrDeviceUnavailable = errors.New("media device unavailable")
	ErrSignalingState    = errors.New("invalid signaling state")
	ErrTransportFailure  = errors.New("transport failure")
	ErrProtocolViolation = errors.New("protocol invariant violation")
	ErrNoLocalMedia      = errors.New("local media stream not started")

	ErrNotInRoom           = errors.New("not in a room")
	ErrAlreadyInRoom       = errors.New("already in a room")
	ErrJoinRejected        = errors.New("room join rejected")
	ErrRoomNotFound        = errors.New("room not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrParticipantExists   = errors.New("participant already in room")
	ErrConnectionNotFound  = errors.New("peer connection not found")
	ErrShareNotFound       = errors.New("screen share not found")
	ErrTileNotFound        = errors.New("tile not found")
	ErrInvalidTicket       = errors.New("invalid room ticket")
)
