package encoder

import (
	"sync"

	"github.com/bryanchriswhite/DeskStreamer/internal/logger"
	"github.com/bryanchriswhite/DeskStreamer/internal/video"
)

// Handle exclusively owns one encoder for one loop epoch. Release must run
// on every exit path; it is safe to call more than once.
type Handle struct {
	Encoder
	Backend string
	Tier    Tier
	Config  Config
	Record  bool

	neg  *Negotiator
	slot bool
	once sync.Once
}

func newHandle(n *Negotiator, b *Backend, enc Encoder, cfg Config, record, slot bool) *Handle {
	return &Handle{
		Encoder: enc,
		Backend: b.Name,
		Tier:    b.Tier,
		Config:  cfg,
		Record:  record,
		neg:     n,
		slot:    slot,
	}
}

// Codec returns the codec the handle was built for
func (h *Handle) Codec() video.CodecFormat {
	return h.Config.Codec
}

// UseI444 reports the chroma mode the handle was built with
func (h *Handle) UseI444() bool {
	return h.Config.I444
}

// Texture reports whether the handle takes GPU frames
func (h *Handle) Texture() bool {
	return h.Tier == TierTexture
}

// Disable keeps the handle's backend from being selected again. Only
// hardware backends are disabled.
func (h *Handle) Disable() {
	if h.Tier.IsHardware() {
		h.neg.Disable(h.Backend)
	}
}

// Release closes the encoder and returns its hardware session
func (h *Handle) Release() {
	h.once.Do(func() {
		if err := h.Encoder.Close(); err != nil {
			logger.WithComponent("encoder").Warn().
				Err(err).
				Str("backend", h.Backend).
				Msg("Failed to close encoder")
		}
		if h.slot {
			h.neg.pool.Release()
		}
	})
}
