package services

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/config"

	"github.com/pion/rtp"
	"go.uber.org/zap"
)

// SilenceFloorDB is the level reported for digital silence.
const SilenceFloorDB = -127.0

type VADConfig struct {
	Mode           string
	FrameInterval  time.Duration
	ThresholdDB    float64
	SpeakingFrames int
	SilenceFrames  int
}

// Debouncer turns per-frame activity into a speaking state with
// hysteresis. It is not safe for concurrent use.
type Debouncer struct {
	speakFrames   int
	silenceFrames int

	loud     int
	quiet    int
	speaking bool
}

func NewDebouncer(speakFrames, silenceFrames int) *Debouncer {
	if speakFrames < 1 {
		speakFrames = 1
	}
	if silenceFrames < 1 {
		silenceFrames = 1
	}
	return &Debouncer{speakFrames: speakFrames, silenceFrames: silenceFrames}
}

// Observe feeds one frame and reports the resulting state and whether it
// flipped on this frame.
func (d *Debouncer) Observe(active bool) (speaking, changed bool) {
	if active {
		d.loud++
		d.quiet = 0
		if !d.speaking && d.loud >= d.speakFrames {
			d.speaking = true
			return true, true
		}
	} else {
		d.quiet++
		d.loud = 0
		if d.speaking && d.quiet >= d.silenceFrames {
			d.speaking = false
			return false, true
		}
	}
	return d.speaking, false
}

func (d *Debouncer) Speaking() bool { return d.speaking }

// VoiceActivityDetector classifies one local audio track and reports
// speaking transitions to the callback it was built with.
type VoiceActivityDetector interface {
	Start(ctx context.Context)
	Stop()
}

// LevelAnalyzer classifies frames by their level against a dBFS
// threshold. Frames come from a PCM tap, or are pushed with Feed,
// FeedLevel or FeedRTP.
type LevelAnalyzer struct {
	thresholdDB float64
	tap         ports.PCMTap
	onChange    func(speaking bool)

	mu        sync.Mutex
	debouncer *Debouncer
	cancel    func()
}

func NewLevelAnalyzer(cfg VADConfig, tap ports.PCMTap, onChange func(speaking bool)) *LevelAnalyzer {
	return &LevelAnalyzer{
		thresholdDB: cfg.ThresholdDB,
		tap:         tap,
		onChange:    onChange,
		debouncer:   NewDebouncer(cfg.SpeakingFrames, cfg.SilenceFrames),
	}
}

func (a *LevelAnalyzer) Start(ctx context.Context) {
	if a.tap == nil {
		return
	}
	cancel := a.tap.TapPCM(a.Feed)

	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
}

func (a *LevelAnalyzer) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Feed classifies one frame of 16-bit PCM.
func (a *LevelAnalyzer) Feed(samples []int16) {
	a.FeedLevel(RMSDecibels(samples))
}

func (a *LevelAnalyzer) FeedLevel(db float64) {
	a.mu.Lock()
	speaking, changed := a.debouncer.Observe(db > a.thresholdDB)
	a.mu.Unlock()

	if changed && a.onChange != nil {
		a.onChange(speaking)
	}
}

// FeedRTP classifies a packet by its RFC 6464 audio level extension.
// Packets without the extension are ignored.
func (a *LevelAnalyzer) FeedRTP(pkt *rtp.Packet, extensionID uint8) error {
	payload := pkt.GetExtension(extensionID)
	if payload == nil {
		return nil
	}

	var level rtp.AudioLevelExtension
	if err := level.Unmarshal(payload); err != nil {
		return fmt.Errorf("audio level extension: %w", err)
	}
	a.FeedLevel(-float64(level.Level))
	return nil
}

func (a *LevelAnalyzer) Speaking() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.debouncer.Speaking()
}

// RMSDecibels returns the RMS level of samples in dBFS, floored at
// SilenceFloorDB.
func RMSDecibels(samples []int16) float64 {
	if len(samples) == 0 {
		return SilenceFloorDB
	}

	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms == 0 {
		return SilenceFloorDB
	}
	return math.Max(20*math.Log10(rms), SilenceFloorDB)
}

// LivenessPoller is the coarse detector for tracks without sample access:
// a track counts as active while it is enabled and not stopped.
type LivenessPoller struct {
	interval time.Duration
	track    ports.LocalTrack
	onChange func(speaking bool)

	debouncer *Debouncer
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewLivenessPoller(cfg VADConfig, track ports.LocalTrack, onChange func(speaking bool)) *LivenessPoller {
	interval := cfg.FrameInterval
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	return &LivenessPoller{
		interval:  interval,
		track:     track,
		onChange:  onChange,
		debouncer: NewDebouncer(cfg.SpeakingFrames, cfg.SilenceFrames),
	}
}

func (p *LivenessPoller) Start(ctx context.Context) {
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Poll()
			}
		}
	}()
}

// Poll samples the track once.
func (p *LivenessPoller) Poll() {
	active := p.track.Enabled() && !p.track.Stopped()
	if speaking, changed := p.debouncer.Observe(active); changed && p.onChange != nil {
		p.onChange(speaking)
	}
}

func (p *LivenessPoller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

// VoiceActivityService runs a detector on the local audio track and
// spreads its transitions to SessionState, subscribers and remote peers.
type VoiceActivityService struct {
	cfg     VADConfig
	peers   *PeerConnectionManager
	state   *SessionState
	router  *EventRouter
	metrics ports.CallMetrics
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	detector VoiceActivityDetector
	trackID  string
}

func NewVoiceActivityService(
	cfg VADConfig,
	peers *PeerConnectionManager,
	state *SessionState,
	router *EventRouter,
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
) *VoiceActivityService {
	if metrics == nil {
		metrics = NewCallStatsRecorder()
	}
	if cfg.Mode == "" {
		cfg.Mode = config.VADModeAuto
	}
	return &VoiceActivityService{
		cfg:     cfg,
		peers:   peers,
		state:   state,
		router:  router,
		metrics: metrics,
		logger:  logger,
	}
}

// Attach starts classifying track, replacing any previous detector.
func (v *VoiceActivityService) Attach(ctx context.Context, track ports.LocalTrack) {
	if track == nil || track.Kind() != domain.TrackKindAudio {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.detector != nil {
		v.detector.Stop()
	}

	tap, hasTap := track.(ports.PCMTap)
	mode := v.cfg.Mode
	if mode == config.VADModeLevel && !hasTap {
		v.logger.Warnw("track exposes no samples, falling back to liveness detection", "track_id", track.ID())
		mode = config.VADModeLiveness
	}

	var detector VoiceActivityDetector
	if hasTap && mode != config.VADModeLiveness {
		detector = NewLevelAnalyzer(v.cfg, tap, v.onLocalChange)
		mode = config.VADModeLevel
	} else {
		detector = NewLivenessPoller(v.cfg, track, v.onLocalChange)
		mode = config.VADModeLiveness
	}

	detector.Start(ctx)
	v.detector = detector
	v.trackID = track.ID()
	v.logger.Infow("voice activity detection attached", "track_id", track.ID(), "mode", mode)
}

// Detach stops detection and clears a pending speaking state.
func (v *VoiceActivityService) Detach() {
	v.mu.Lock()
	detector := v.detector
	v.detector = nil
	v.trackID = ""
	v.mu.Unlock()

	if detector != nil {
		detector.Stop()
	}
	if local := v.state.LocalID(); local != "" && v.state.SetSpeaking(local, false) {
		v.router.Speaking.Publish(domain.SpeakingEvent{ParticipantID: local, Speaking: false})
	}
}

func (v *VoiceActivityService) onLocalChange(speaking bool) {
	local := v.state.LocalID()
	if local == "" || !v.state.SetSpeaking(local, speaking) {
		return
	}

	v.router.Speaking.Publish(domain.SpeakingEvent{ParticipantID: local, Speaking: speaking})
	v.metrics.SpeakingTransition(speaking)

	msgType := domain.MessageNotSpeaking
	if speaking {
		msgType = domain.MessageSpeaking
	}
	v.peers.Broadcast(context.Background(), domain.SignalMessage{Type: msgType})
}

// OnRemoteSpeaking applies a speaking signal from a remote participant.
// Repeated signals are no-ops.
func (v *VoiceActivityService) OnRemoteSpeaking(from domain.ParticipantID, speaking bool) {
	if !v.state.SetSpeaking(from, speaking) {
		return
	}
	v.router.Speaking.Publish(domain.SpeakingEvent{ParticipantID: from, Speaking: speaking})
}
