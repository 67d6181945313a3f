// Package encoder builds video encoders from a priority-ordered set of
// backends and converts captured frames into the layout they expect.
package encoder

import (
	"errors"
	"fmt"

	"github.com/bryanchriswhite/DeskStreamer/internal/video"
)

var (
	// ErrNeedRenegotiate is returned by Encode when the encoder can not
	// continue and a new one must be negotiated
	ErrNeedRenegotiate = errors.New("encoder needs renegotiation")

	// ErrNoBackend means every tier failed for the negotiated codec
	ErrNoBackend = errors.New("no encoder backend available")
)

// DefaultRecordKeyframeInterval is the keyframe interval used while recording
const DefaultRecordKeyframeInterval = 240

// Encoder compresses frames in PixelFormat of exactly Width x Height
type Encoder interface {
	// Encode compresses one frame. It returns (nil, nil) when the encoder
	// buffered the input without producing output.
	Encode(data []byte, ms int64) (*video.EncodedFrame, error)

	// SetQuality changes the target quality in place when supported
	SetQuality(ratio float32) error

	SupportsChangingQuality() bool

	// LatencyFree encoders produce one frame per input and never need filler input
	LatencyFree() bool

	IsHardware() bool

	// Bitrate returns the current target bitrate in kbit/s
	Bitrate() uint32

	PixelFormat() video.PixelFormat
	Codec() video.CodecFormat
	Close() error
}

// TextureEncoder encodes GPU frames without a CPU copy
type TextureEncoder interface {
	EncodeTexture(frame *video.Frame, ms int64) (*video.EncodedFrame, error)
}

// Tier orders backends by preference
type Tier int

const (
	TierTexture Tier = iota
	TierHardwareRAM
	TierSoftware
)

func (t Tier) String() string {
	switch t {
	case TierTexture:
		return "texture"
	case TierHardwareRAM:
		return "hardware-ram"
	case TierSoftware:
		return "software"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// IsHardware reports whether the tier holds a hardware session
func (t Tier) IsHardware() bool {
	return t == TierTexture || t == TierHardwareRAM
}

// Config is what a backend needs to construct an encoder
type Config struct {
	Width   int
	Height  int
	Quality float32
	Codec   video.CodecFormat
	// KeyframeInterval is zero unless recording; encoders then pick their own cadence
	KeyframeInterval int
	I444             bool
	// Device is the GPU device for texture encoders
	Device string
	FPS    int
}

// BaseBitrate maps a frame size and quality ratio to a target bitrate in kbit/s
func BaseBitrate(width, height int, ratio float32) uint32 {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	kbps := float32(width*height) / 1000 * (0.5 + 1.5*ratio)
	if kbps < 100 {
		kbps = 100
	}
	return uint32(kbps)
}

// EvenSize rounds dimensions down to even values, as YUV 4:2:0 requires
func EvenSize(width, height int) (int, int) {
	return width &^ 1, height &^ 1
}
