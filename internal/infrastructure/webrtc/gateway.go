package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/config"
	"meshcall/pkg/utils"

	"go.uber.org/zap"
)

var (
	_ ports.TransportFactory   = (*TransportFactory)(nil)
	_ ports.MediaDeviceGateway = (*DeviceGateway)(nil)
	_ ports.PCMTap             = (*Track)(nil)
)

// displayDevice is the pseudo device behind screen capture.
var displayDevice = domain.DeviceInfo{ID: "screen", Label: "Screen", Kind: domain.TrackKindVideo, Source: sourceSilence}

type GatewayConfig struct {
	Devices             []domain.DeviceInfo
	AllowCapture        bool
	AllowDisplayCapture bool
	FrameInterval       time.Duration
}

func GatewayConfigFromSettings(cfg *config.Config) GatewayConfig {
	return GatewayConfig{
		Devices:             cfg.Media.Devices,
		AllowCapture:        cfg.Media.AllowCapture,
		AllowDisplayCapture: cfg.Media.AllowDisplayCapture,
		FrameInterval:       cfg.VoiceActivity.FrameInterval,
	}
}

// DeviceGateway hands out synthetic capture tracks for the devices listed
// in configuration. It stands in for browser getUserMedia in headless
// clients.
type DeviceGateway struct {
	config GatewayConfig
	logger *zap.SugaredLogger

	mu     sync.Mutex
	active map[string]*Track
}

func NewDeviceGateway(cfg GatewayConfig, logger *zap.SugaredLogger) *DeviceGateway {
	return &DeviceGateway{
		config: cfg,
		logger: logger,
		active: make(map[string]*Track),
	}
}

func (g *DeviceGateway) GetUserMedia(ctx context.Context, c domain.MediaConstraints) ([]ports.LocalTrack, error) {
	if !g.config.AllowCapture {
		return nil, fmt.Errorf("capture: %w", domain.ErrPermissionDenied)
	}

	type request struct {
		kind   domain.TrackKind
		device string
	}
	var wanted []request
	if c.Audio {
		wanted = append(wanted, request{domain.TrackKindAudio, c.AudioDeviceID})
	}
	if c.Video {
		wanted = append(wanted, request{domain.TrackKindVideo, c.VideoDeviceID})
	}

	devices := make([]domain.DeviceInfo, 0, len(wanted))
	for _, w := range wanted {
		device, ok := g.lookup(w.kind, w.device)
		if !ok {
			if w.device == "" {
				return nil, fmt.Errorf("no %s device: %w", w.kind, domain.ErrDeviceUnavailable)
			}
			return nil, fmt.Errorf("%s device %q: %w", w.kind, w.device, domain.ErrDeviceUnavailable)
		}
		devices = append(devices, device)
	}

	tracks := make([]ports.LocalTrack, 0, len(devices))
	for _, device := range devices {
		track, err := g.open(device, c.StreamID)
		if err != nil {
			for _, t := range tracks {
				t.Stop()
			}
			return nil, err
		}
		tracks = append(tracks, track)
	}
	return tracks, nil
}

func (g *DeviceGateway) GetDisplayMedia(ctx context.Context, c domain.DisplayConstraints) ([]ports.LocalTrack, error) {
	if !g.config.AllowDisplayCapture {
		return nil, fmt.Errorf("display capture: %w", domain.ErrPermissionDenied)
	}
	track, err := g.open(displayDevice, c.StreamID)
	if err != nil {
		return nil, err
	}
	return []ports.LocalTrack{track}, nil
}

func (g *DeviceGateway) Devices() []domain.DeviceInfo {
	return append([]domain.DeviceInfo(nil), g.config.Devices...)
}

// lookup finds deviceID, or the first device of kind when deviceID is
// empty.
func (g *DeviceGateway) lookup(kind domain.TrackKind, deviceID string) (domain.DeviceInfo, bool) {
	for _, d := range g.config.Devices {
		if d.Kind != kind {
			continue
		}
		if deviceID == "" || d.ID == deviceID {
			return d, true
		}
	}
	return domain.DeviceInfo{}, false
}

func (g *DeviceGateway) open(device domain.DeviceInfo, streamID string) (*Track, error) {
	id := utils.GenerateTrackID(device.Kind)
	track, err := newTrack(id, device.Kind, device, streamID, g.config.FrameInterval)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device.ID, err)
	}

	g.mu.Lock()
	for activeID, t := range g.active {
		if t.Stopped() {
			delete(g.active, activeID)
		}
	}
	g.active[id] = track
	g.mu.Unlock()

	g.logger.Infow("capture track opened", "device_id", device.ID, "track_id", id, "kind", device.Kind)
	return track, nil
}

// Close stops every track the gateway handed out.
func (g *DeviceGateway) Close() {
	g.mu.Lock()
	tracks := make([]*Track, 0, len(g.active))
	for id, t := range g.active {
		tracks = append(tracks, t)
		delete(g.active, id)
	}
	g.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
}
