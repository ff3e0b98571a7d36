package webrtc

import (
	"errors"
	"math"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

const (
	sampleRate    = 48000
	toneFrequency = 440
	toneAmplitude = 8000
	sourceTone    = "tone"
	sourceSilence = "silence"
	defaultFrame  = 20 * time.Millisecond
)

// opusSilence is a single 20 ms Opus frame that decodes to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

var errForeignTrack = errors.New("track was not created by this gateway")

// Track is a synthetic capture track backed by a pion sample track. Audio
// tracks produce PCM frames for taps and Opus frames for the wire.
type Track struct {
	id       string
	kind     domain.TrackKind
	deviceID string
	source   string
	frame    time.Duration
	sample   *webrtc.TrackLocalStaticSample

	mu       sync.Mutex
	streamID string
	enabled  bool
	stopped  bool
	taps     map[int]func([]int16)
	nextTap  int
	phase    float64
	stop     chan struct{}
}

func newTrack(id string, kind domain.TrackKind, device domain.DeviceInfo, streamID string, frame time.Duration) (*Track, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: sampleRate, Channels: 2}
	if kind == domain.TrackKindVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	sample, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, err
	}
	if frame <= 0 {
		frame = defaultFrame
	}

	t := &Track{
		id:       id,
		kind:     kind,
		deviceID: device.ID,
		source:   device.Source,
		frame:    frame,
		sample:   sample,
		streamID: streamID,
		enabled:  true,
		taps:     make(map[int]func([]int16)),
		stop:     make(chan struct{}),
	}
	if kind == domain.TrackKindAudio {
		go t.generate()
	}
	return t, nil
}

func (t *Track) ID() string             { return t.id }
func (t *Track) Kind() domain.TrackKind { return t.kind }
func (t *Track) DeviceID() string       { return t.deviceID }

func (t *Track) StreamID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streamID
}

func (t *Track) SetStreamID(streamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streamID = streamID
}

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	close(t.stop)
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// TapPCM registers fn for every generated frame.
func (t *Track) TapPCM(fn func(samples []int16)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextTap
	t.nextTap++
	t.taps[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.taps, id)
	}
}

// WriteSample pushes an encoded frame to every connection sending this
// track. Disabled and stopped tracks drop it.
func (t *Track) WriteSample(sample media.Sample) error {
	if !t.Enabled() || t.Stopped() {
		return nil
	}
	return t.sample.WriteSample(sample)
}

// bound returns the pion track to hand to a sender, announcing the track's
// current stream id.
func (t *Track) bound() webrtc.TrackLocal {
	return &streamBoundTrack{TrackLocalStaticSample: t.sample, streamID: t.StreamID()}
}

func (t *Track) generate() {
	ticker := time.NewTicker(t.frame)
	defer ticker.Stop()

	samples := int(sampleRate * t.frame / time.Second)
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}

		frame := t.nextFrame(samples)
		t.mu.Lock()
		taps := make([]func([]int16), 0, len(t.taps))
		for _, fn := range t.taps {
			taps = append(taps, fn)
		}
		t.mu.Unlock()

		for _, fn := range taps {
			fn(frame)
		}
		_ = t.WriteSample(media.Sample{Data: opusSilence, Duration: t.frame})
	}
}

// nextFrame renders one PCM frame. Muted tracks render silence.
func (t *Track) nextFrame(n int) []int16 {
	frame := make([]int16, n)

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || t.source != sourceTone {
		return frame
	}
	step := 2 * math.Pi * toneFrequency / sampleRate
	for i := range frame {
		frame[i] = int16(toneAmplitude * math.Sin(t.phase))
		t.phase += step
	}
	t.phase = math.Mod(t.phase, 2*math.Pi)
	return frame
}

// streamBoundTrack pins the msid a sender announces, so a camera track
// re-labelled for a screen share is signaled under the share's stream id.
type streamBoundTrack struct {
	*webrtc.TrackLocalStaticSample
	streamID string
}

func (s *streamBoundTrack) StreamID() string { return s.streamID }

// trackSender is one local track on one PeerConnection.
type trackSender struct {
	rtp *webrtc.RTPSender

	mu    sync.Mutex
	track *Track
}

func (s *trackSender) Track() ports.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *trackSender) ReplaceTrack(track ports.LocalTrack) error {
	next, ok := track.(*Track)
	if !ok {
		return errForeignTrack
	}
	if err := s.rtp.ReplaceTrack(next.bound()); err != nil {
		return err
	}

	s.mu.Lock()
	s.track = next
	s.mu.Unlock()
	return nil
}

// remoteTrack describes a track received from a peer.
type remoteTrack struct {
	id       string
	kind     domain.TrackKind
	streamID string
}

func (t *remoteTrack) ID() string             { return t.id }
func (t *remoteTrack) Kind() domain.TrackKind { return t.kind }
func (t *remoteTrack) StreamID() string       { return t.streamID }

func trackKind(kind webrtc.RTPCodecType) domain.TrackKind {
	if kind == webrtc.RTPCodecTypeVideo {
		return domain.TrackKindVideo
	}
	return domain.TrackKindAudio
}
