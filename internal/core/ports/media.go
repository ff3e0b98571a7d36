package ports

import (
	"context"

	"meshcall/internal/core/domain"
)

// MediaTrack is the part of a track every stream member exposes, local or
// remote.
type MediaTrack interface {
	ID() string
	Kind() domain.TrackKind
	StreamID() string
}

// LocalTrack is a captured track this participant owns.
type LocalTrack interface {
	MediaTrack
	DeviceID() string
	Enabled() bool
	SetEnabled(enabled bool)
	// SetStreamID rebinds the msid announced for the track on senders
	// created afterwards.
	SetStreamID(streamID string)
	Stop()
	Stopped() bool
}

// PCMTap is implemented by local audio tracks that expose raw samples.
// Detectors prefer it over liveness polling.
type PCMTap interface {
	TapPCM(fn func(samples []int16)) (cancel func())
}

// MediaDeviceGateway acquires capture tracks. Errors wrap
// domain.ErrPermissionDenied or domain.ErrDeviceUnavailable.
type MediaDeviceGateway interface {
	GetUserMedia(ctx context.Context, constraints domain.MediaConstraints) ([]LocalTrack, error)
	GetDisplayMedia(ctx context.Context, constraints domain.DisplayConstraints) ([]LocalTrack, error)
	Devices() []domain.DeviceInfo
}
