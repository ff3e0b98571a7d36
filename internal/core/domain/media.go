package domain

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// DeviceInfo describes a capture device known to the gateway. Source
// selects what a synthetic device produces ("silence" or "tone").
type DeviceInfo struct {
	ID     string    `yaml:"id" json:"id"`
	Label  string    `yaml:"label" json:"label"`
	Kind   TrackKind `yaml:"kind" json:"kind"`
	Source string    `yaml:"source,omitempty" json:"source,omitempty"`
}

// MediaConstraints selects user media. Empty device ids mean the default
// device of that kind.
type MediaConstraints struct {
	Audio         bool
	Video         bool
	AudioDeviceID string
	VideoDeviceID string
	StreamID      string
}

func (c MediaConstraints) Relaxed() MediaConstraints {
	c.AudioDeviceID = ""
	c.VideoDeviceID = ""
	return c
}

type DisplayConstraints struct {
	Audio    bool
	StreamID string
}
