package encoder

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bryanchriswhite/DeskStreamer/internal/logger"
	"github.com/bryanchriswhite/DeskStreamer/internal/video"
)

// Backend is one way to construct an encoder
type Backend struct {
	Name   string
	Tier   Tier
	Codecs []video.CodecFormat
	// Available is nil when the backend is always usable
	Available func() bool
	New       func(cfg Config) (Encoder, error)
}

func (b *Backend) supports(codec video.CodecFormat) bool {
	for _, c := range b.Codecs {
		if c == codec {
			return true
		}
	}
	return false
}

// Options configure a Negotiator
type Options struct {
	Codec            video.CodecFormat
	Fallback         video.CodecFormat
	PreferI444       bool
	Hardware         bool
	HardwareSessions int
	KeyframeInterval int
	FPS              int
}

// Negotiator owns the negotiated codec and the set of backends, and builds
// encoders trying texture, hardware RAM and software tiers in that order
type Negotiator struct {
	mu          sync.RWMutex
	backends    []*Backend
	codec       video.CodecFormat
	fallback    video.CodecFormat
	preferI444  bool
	hardware    bool
	disabled    map[string]bool
	noTexture   map[string]bool
	keyInterval int
	fps         int
	pool        *Pool
}

// NewNegotiator creates a negotiator with the MJPEG software backend registered
func NewNegotiator(opts Options) *Negotiator {
	if opts.Codec == "" {
		opts.Codec = video.CodecMJPEG
	}
	if opts.Fallback == "" {
		opts.Fallback = video.CodecMJPEG
	}
	if opts.KeyframeInterval <= 0 {
		opts.KeyframeInterval = DefaultRecordKeyframeInterval
	}
	n := &Negotiator{
		codec:       opts.Codec,
		fallback:    opts.Fallback,
		preferI444:  opts.PreferI444,
		hardware:    opts.Hardware,
		disabled:    make(map[string]bool),
		noTexture:   make(map[string]bool),
		keyInterval: opts.KeyframeInterval,
		fps:         opts.FPS,
		pool:        NewPool(opts.HardwareSessions),
	}
	n.Register(MJPEGBackend())
	return n
}

// Register adds a backend. Backends of the same tier are tried in
// registration order.
func (n *Negotiator) Register(b *Backend) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.backends = append(n.backends, b)
}

// Negotiated returns the codec peers agreed on
func (n *Negotiator) Negotiated() video.CodecFormat {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.codec
}

// SetNegotiated changes the codec. Running loops notice the drift and restart.
func (n *Negotiator) SetNegotiated(codec video.CodecFormat) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.codec != codec {
		logger.WithComponent("encoder").Info().
			Str("from", string(n.codec)).
			Str("to", string(codec)).
			Msg("Negotiated codec changed")
	}
	n.codec = codec
}

// ForceFallback switches the negotiated codec to the safe software codec
func (n *Negotiator) ForceFallback() video.CodecFormat {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.codec = n.fallback
	return n.codec
}

// SetPreferI444 toggles 4:4:4 chroma for codecs that support it
func (n *Negotiator) SetPreferI444(prefer bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.preferI444 = prefer
}

// UseI444 reports whether an encoder for codec should be built with 4:4:4 chroma
func (n *Negotiator) UseI444(codec video.CodecFormat) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.preferI444 && (codec == video.CodecVP9 || codec == video.CodecAV1)
}

// Disable stops a backend from being selected again
func (n *Negotiator) Disable(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disabled[name] = true
	logger.WithComponent("encoder").Warn().Str("backend", name).Msg("Encoder backend disabled")
}

// IsDisabled reports whether a backend was disabled
func (n *Negotiator) IsDisabled(name string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.disabled[name]
}

// SetHardware enables or disables the hardware tiers
func (n *Negotiator) SetHardware(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hardware = enabled
}

// DisableTexture keeps service off the texture tier until EnableTexture
func (n *Negotiator) DisableTexture(service string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.noTexture[service] = true
}

// EnableTexture allows service on the texture tier again
func (n *Negotiator) EnableTexture(service string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.noTexture, service)
}

// TextureAllowed reports whether service may use the texture tier
func (n *Negotiator) TextureAllowed(service string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.hardware && !n.noTexture[service]
}

// Pool returns the hardware session pool
func (n *Negotiator) Pool() *Pool {
	return n.pool
}

// Request describes the encoder a loop needs
type Request struct {
	Service string
	Width   int
	Height  int
	Quality float32
	Record  bool
	Device  string
}

// Build constructs an encoder for the negotiated codec. It returns an
// error wrapping ErrNoBackend when every tier failed.
func (n *Negotiator) Build(req Request) (*Handle, error) {
	log := logger.WithService("encoder", req.Service)

	n.mu.RLock()
	codec := n.codec
	hardware := n.hardware
	texture := hardware && !n.noTexture[req.Service]
	candidates := make([]*Backend, 0, len(n.backends))
	for _, tier := range []Tier{TierTexture, TierHardwareRAM, TierSoftware} {
		for _, b := range n.backends {
			if b.Tier != tier || !b.supports(codec) || n.disabled[b.Name] {
				continue
			}
			if tier == TierTexture && !texture {
				continue
			}
			if tier == TierHardwareRAM && !hardware {
				continue
			}
			candidates = append(candidates, b)
		}
	}
	keyInterval := n.keyInterval
	fps := n.fps
	n.mu.RUnlock()

	width, height := EvenSize(req.Width, req.Height)
	cfg := Config{
		Width:   width,
		Height:  height,
		Quality: req.Quality,
		Codec:   codec,
		I444:    n.UseI444(codec),
		Device:  req.Device,
		FPS:     fps,
	}
	if req.Record {
		cfg.KeyframeInterval = keyInterval
	}

	var errs []error
	for _, b := range candidates {
		if b.Available != nil && !b.Available() {
			continue
		}

		var slot bool
		if b.Tier.IsHardware() {
			if !n.pool.TryAcquire() {
				log.Debug().Str("backend", b.Name).Msg("Hardware session pool exhausted")
				continue
			}
			slot = true
		}

		enc, err := b.New(cfg)
		if err != nil {
			if slot {
				n.pool.Release()
			}
			log.Warn().
				Err(err).
				Str("backend", b.Name).
				Str("tier", b.Tier.String()).
				Msg("Failed to create encoder")
			errs = append(errs, fmt.Errorf("%s: %w", b.Name, err))
			continue
		}

		log.Info().
			Str("backend", b.Name).
			Str("tier", b.Tier.String()).
			Str("codec", string(codec)).
			Bool("i444", cfg.I444).
			Int("width", width).
			Int("height", height).
			Int("keyframe_interval", cfg.KeyframeInterval).
			Msg("Encoder created")

		return newHandle(n, b, enc, cfg, req.Record, slot), nil
	}

	errs = append([]error{fmt.Errorf("codec %s: %w", codec, ErrNoBackend)}, errs...)
	return nil, errors.Join(errs...)
}
