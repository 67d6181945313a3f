package encoder

import (
	"errors"
	"testing"

	"github.com/bryanchriswhite/DeskStreamer/internal/video"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEncoder struct {
	codec  video.CodecFormat
	hw     bool
	closed int
}

func (s *stubEncoder) Encode([]byte, int64) (*video.EncodedFrame, error) { return nil, nil }
func (s *stubEncoder) SetQuality(float32) error                          { return nil }
func (s *stubEncoder) SupportsChangingQuality() bool                     { return false }
func (s *stubEncoder) LatencyFree() bool                                 { return true }
func (s *stubEncoder) IsHardware() bool                                  { return s.hw }
func (s *stubEncoder) Bitrate() uint32                                   { return 0 }
func (s *stubEncoder) PixelFormat() video.PixelFormat                    { return video.PixelI420 }
func (s *stubEncoder) Codec() video.CodecFormat                          { return s.codec }
func (s *stubEncoder) Close() error                                      { s.closed++; return nil }

type built struct {
	backend string
	cfg     Config
}

func stubBackend(name string, tier Tier, fail bool, log *[]built, codecs ...video.CodecFormat) *Backend {
	return &Backend{
		Name:   name,
		Tier:   tier,
		Codecs: codecs,
		New: func(cfg Config) (Encoder, error) {
			*log = append(*log, built{backend: name, cfg: cfg})
			if fail {
				return nil, errors.New(name + " failed")
			}
			return &stubEncoder{codec: cfg.Codec, hw: tier.IsHardware()}, nil
		},
	}
}

func TestBuildPrefersTiersInOrder(t *testing.T) {
	var log []built
	n := NewNegotiator(Options{Codec: video.CodecH264, Hardware: true})
	n.Register(stubBackend("sw", TierSoftware, false, &log, video.CodecH264))
	n.Register(stubBackend("ram", TierHardwareRAM, false, &log, video.CodecH264))
	n.Register(stubBackend("tex", TierTexture, false, &log, video.CodecH264))

	h, err := n.Build(Request{Service: "monitor0", Width: 1920, Height: 1080, Quality: 1})
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, "tex", h.Backend)
	assert.True(t, h.Texture())
	assert.Equal(t, 1, n.Pool().InUse())
}

func TestBuildFallsThroughFailingTiers(t *testing.T) {
	var log []built
	n := NewNegotiator(Options{Codec: video.CodecH264, Hardware: true})
	n.Register(stubBackend("tex", TierTexture, true, &log, video.CodecH264))
	n.Register(stubBackend("ram", TierHardwareRAM, true, &log, video.CodecH264))
	n.Register(stubBackend("sw", TierSoftware, false, &log, video.CodecH264))

	h, err := n.Build(Request{Service: "monitor0", Width: 1280, Height: 720, Quality: 0.5})
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, "sw", h.Backend)
	require.Len(t, log, 3)
	assert.Equal(t, []string{"tex", "ram", "sw"}, []string{log[0].backend, log[1].backend, log[2].backend})
	assert.Equal(t, 0, n.Pool().InUse(), "failed hardware builds return their session")
}

func TestBuildAllTiersFailThenForcedFallback(t *testing.T) {
	var log []built
	n := NewNegotiator(Options{Codec: video.CodecVP9})
	n.Register(stubBackend("vp9", TierSoftware, true, &log, video.CodecVP9))

	_, err := n.Build(Request{Service: "monitor0", Width: 640, Height: 480})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoBackend))

	assert.Equal(t, video.CodecMJPEG, n.ForceFallback())
	h, err := n.Build(Request{Service: "monitor0", Width: 640, Height: 480})
	require.NoError(t, err)
	defer h.Release()
	assert.Equal(t, "mjpeg", h.Backend)
	assert.Equal(t, video.CodecMJPEG, h.Codec())
}

func TestHardwareTiersSkippedWhenDisabled(t *testing.T) {
	var log []built
	n := NewNegotiator(Options{Codec: video.CodecH264, Hardware: false})
	n.Register(stubBackend("ram", TierHardwareRAM, false, &log, video.CodecH264))
	n.Register(stubBackend("sw", TierSoftware, false, &log, video.CodecH264))

	h, err := n.Build(Request{Service: "monitor0", Width: 100, Height: 100})
	require.NoError(t, err)
	h.Release()
	assert.Equal(t, "sw", h.Backend)

	n.SetHardware(true)
	h, err = n.Build(Request{Service: "monitor0", Width: 100, Height: 100})
	require.NoError(t, err)
	assert.Equal(t, "ram", h.Backend)

	// disabling the hardware backend keeps it from being reselected
	h.Disable()
	h.Release()
	assert.True(t, n.IsDisabled("ram"))

	h, err = n.Build(Request{Service: "monitor0", Width: 100, Height: 100})
	require.NoError(t, err)
	defer h.Release()
	assert.Equal(t, "sw", h.Backend)
}

func TestSoftwareHandleDisableIsNoop(t *testing.T) {
	n := NewNegotiator(Options{})
	h, err := n.Build(Request{Service: "camera0", Width: 64, Height: 64})
	require.NoError(t, err)
	defer h.Release()

	h.Disable()
	assert.False(t, n.IsDisabled("mjpeg"))
}

func TestTextureTierToggle(t *testing.T) {
	var log []built
	n := NewNegotiator(Options{Codec: video.CodecH265, Hardware: true})
	n.Register(stubBackend("tex", TierTexture, false, &log, video.CodecH265))
	n.Register(stubBackend("sw", TierSoftware, false, &log, video.CodecH265))

	n.DisableTexture("monitor1")
	assert.False(t, n.TextureAllowed("monitor1"))
	assert.True(t, n.TextureAllowed("monitor0"))

	h, err := n.Build(Request{Service: "monitor1", Width: 100, Height: 100})
	require.NoError(t, err)
	assert.Equal(t, "sw", h.Backend)
	h.Release()

	n.EnableTexture("monitor1")
	h, err = n.Build(Request{Service: "monitor1", Width: 100, Height: 100})
	require.NoError(t, err)
	defer h.Release()
	assert.Equal(t, "tex", h.Backend)
}

func TestKeyframeIntervalOnlyWhenRecording(t *testing.T) {
	var log []built
	n := NewNegotiator(Options{Codec: video.CodecVP8})
	n.Register(stubBackend("vp8", TierSoftware, false, &log, video.CodecVP8))

	h, err := n.Build(Request{Service: "monitor0", Width: 101, Height: 77})
	require.NoError(t, err)
	h.Release()
	h, err = n.Build(Request{Service: "monitor0", Width: 101, Height: 77, Record: true})
	require.NoError(t, err)
	h.Release()

	require.Len(t, log, 2)
	assert.Equal(t, 0, log[0].cfg.KeyframeInterval)
	assert.Equal(t, DefaultRecordKeyframeInterval, log[1].cfg.KeyframeInterval)
	assert.Equal(t, 100, log[0].cfg.Width)
	assert.Equal(t, 76, log[0].cfg.Height)
}

func TestUseI444(t *testing.T) {
	n := NewNegotiator(Options{PreferI444: true})
	assert.True(t, n.UseI444(video.CodecVP9))
	assert.True(t, n.UseI444(video.CodecAV1))
	assert.False(t, n.UseI444(video.CodecH264))

	n.SetPreferI444(false)
	assert.False(t, n.UseI444(video.CodecVP9))
}

func TestHandleReleaseIdempotent(t *testing.T) {
	var log []built
	n := NewNegotiator(Options{Codec: video.CodecH264, Hardware: true, HardwareSessions: 1})
	n.Register(stubBackend("ram", TierHardwareRAM, false, &log, video.CodecH264))
	n.Register(stubBackend("sw", TierSoftware, false, &log, video.CodecH264))

	h1, err := n.Build(Request{Service: "monitor0", Width: 100, Height: 100})
	require.NoError(t, err)
	assert.Equal(t, "ram", h1.Backend)

	// pool exhausted, second loop falls back to software
	h2, err := n.Build(Request{Service: "monitor1", Width: 100, Height: 100})
	require.NoError(t, err)
	assert.Equal(t, "sw", h2.Backend)
	h2.Release()

	stub := h1.Encoder.(*stubEncoder)
	h1.Release()
	h1.Release()
	assert.Equal(t, 1, stub.closed)
	assert.Equal(t, 0, n.Pool().InUse())
}

func TestNegotiatedCodecDrift(t *testing.T) {
	n := NewNegotiator(Options{Codec: video.CodecVP9})
	assert.Equal(t, video.CodecVP9, n.Negotiated())
	n.SetNegotiated(video.CodecH264)
	assert.Equal(t, video.CodecH264, n.Negotiated())
}
