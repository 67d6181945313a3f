package encoder

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"github.com/bryanchriswhite/DeskStreamer/internal/video"
)

// MJPEGBackend is the always-available software fallback
func MJPEGBackend() *Backend {
	return &Backend{
		Name:   "mjpeg",
		Tier:   TierSoftware,
		Codecs: []video.CodecFormat{video.CodecMJPEG},
		New: func(cfg Config) (Encoder, error) {
			return NewMJPEG(cfg)
		},
	}
}

// MJPEG encodes every frame as an independent JPEG keyframe
type MJPEG struct {
	width  int
	height int

	mu      sync.Mutex
	quality int
	ratio   float32
	buf     bytes.Buffer
}

// NewMJPEG creates a JPEG encoder for RGBA input
func NewMJPEG(cfg Config) (*MJPEG, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", cfg.Width, cfg.Height)
	}
	m := &MJPEG{width: cfg.Width, height: cfg.Height}
	m.SetQuality(cfg.Quality)
	return m, nil
}

// jpegQuality maps a ratio in [0,1] to a JPEG quality in [30,90]
func jpegQuality(ratio float32) int {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return 30 + int(ratio*60)
}

func (m *MJPEG) Encode(data []byte, ms int64) (*video.EncodedFrame, error) {
	if len(data) < m.width*m.height*4 {
		return nil, fmt.Errorf("short frame: got %d bytes, expected %d", len(data), m.width*m.height*4)
	}
	img := &image.RGBA{
		Pix:    data[:m.width*m.height*4],
		Stride: m.width * 4,
		Rect:   image.Rect(0, 0, m.width, m.height),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.buf.Reset()
	if err := jpeg.Encode(&m.buf, img, &jpeg.Options{Quality: m.quality}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}

	out := make([]byte, m.buf.Len())
	copy(out, m.buf.Bytes())
	return &video.EncodedFrame{
		Timestamp: ms,
		Codec:     video.CodecMJPEG,
		Key:       true,
		Data:      out,
	}, nil
}

func (m *MJPEG) SetQuality(ratio float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ratio = ratio
	m.quality = jpegQuality(ratio)
	return nil
}

func (m *MJPEG) SupportsChangingQuality() bool { return true }
func (m *MJPEG) LatencyFree() bool             { return true }
func (m *MJPEG) IsHardware() bool              { return false }

func (m *MJPEG) Bitrate() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return BaseBitrate(m.width, m.height, m.ratio)
}

func (m *MJPEG) PixelFormat() video.PixelFormat { return video.PixelRGBA }
func (m *MJPEG) Codec() video.CodecFormat       { return video.CodecMJPEG }
func (m *MJPEG) Close() error                   { return nil }
