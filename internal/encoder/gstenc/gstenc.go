// Package gstenc provides encoder backends built on GStreamer elements.
// Each encoder is an appsrc ! <encoder> ! <parser> ! appsink pipeline fed
// one raw frame per Encode call.
package gstenc

import (
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/DeskStreamer/internal/encoder"
	"github.com/bryanchriswhite/DeskStreamer/internal/logger"
	"github.com/bryanchriswhite/DeskStreamer/internal/video"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// pullTimeout bounds how long Encode waits for output after pushing a frame
const pullTimeout = 5 * time.Millisecond

// element describes one GStreamer encoder element
type element struct {
	backend string
	tier    encoder.Tier
	codec   video.CodecFormat
	factory string
	// settings are static element properties appended to the launch line
	settings string
	parser   string
	caps     string
	// bitrateProp is set in kbit/s, or bit/s when bitrateBits is true
	bitrateProp  string
	bitrateBits  bool
	keyframeProp string
	dynamic      bool
	latencyFree  bool
	i444Format   string
}

var elements = []element{
	{
		backend: "vaapi-h264", tier: encoder.TierHardwareRAM, codec: video.CodecH264,
		factory: "vaapih264enc", settings: "rate-control=cbr", parser: "h264parse",
		caps:        "video/x-h264,stream-format=byte-stream,alignment=au",
		bitrateProp: "bitrate", keyframeProp: "keyframe-period",
	},
	{
		backend: "vaapi-h265", tier: encoder.TierHardwareRAM, codec: video.CodecH265,
		factory: "vaapih265enc", settings: "rate-control=cbr", parser: "h265parse",
		caps:        "video/x-h265,stream-format=byte-stream,alignment=au",
		bitrateProp: "bitrate", keyframeProp: "keyframe-period",
	},
	{
		backend: "nvenc-h264", tier: encoder.TierHardwareRAM, codec: video.CodecH264,
		factory: "nvh264enc", settings: "preset=low-latency-hq zerolatency=true", parser: "h264parse",
		caps:        "video/x-h264,stream-format=byte-stream,alignment=au",
		bitrateProp: "bitrate", keyframeProp: "gop-size", dynamic: true,
	},
	{
		backend: "nvenc-h265", tier: encoder.TierHardwareRAM, codec: video.CodecH265,
		factory: "nvh265enc", settings: "preset=low-latency-hq zerolatency=true", parser: "h265parse",
		caps:        "video/x-h265,stream-format=byte-stream,alignment=au",
		bitrateProp: "bitrate", keyframeProp: "gop-size", dynamic: true,
	},
	{
		backend: "vp8", tier: encoder.TierSoftware, codec: video.CodecVP8,
		factory: "vp8enc", settings: "deadline=1 cpu-used=8 end-usage=cbr lag-in-frames=0 error-resilient=partitions",
		bitrateProp: "target-bitrate", bitrateBits: true, keyframeProp: "keyframe-max-dist",
		dynamic: true, latencyFree: true,
	},
	{
		backend: "vp9", tier: encoder.TierSoftware, codec: video.CodecVP9,
		factory: "vp9enc", settings: "deadline=1 cpu-used=8 end-usage=cbr lag-in-frames=0 row-mt=true",
		bitrateProp: "target-bitrate", bitrateBits: true, keyframeProp: "keyframe-max-dist",
		dynamic: true, latencyFree: true, i444Format: "Y444",
	},
	{
		backend: "av1", tier: encoder.TierSoftware, codec: video.CodecAV1,
		factory: "av1enc", settings: "usage-profile=realtime cpu-used=8 end-usage=cbr lag-in-frames=0",
		parser: "av1parse", caps: "video/x-av1,stream-format=obu-stream,alignment=tu",
		bitrateProp: "target-bitrate", keyframeProp: "keyframe-max-dist",
		dynamic: true, latencyFree: true, i444Format: "Y444",
	},
	{
		backend: "x264", tier: encoder.TierSoftware, codec: video.CodecH264,
		factory: "x264enc", settings: "tune=zerolatency speed-preset=ultrafast byte-stream=true",
		parser: "h264parse", caps: "video/x-h264,stream-format=byte-stream,alignment=au",
		bitrateProp: "bitrate", keyframeProp: "key-int-max", dynamic: true, latencyFree: true,
	},
	{
		backend: "x265", tier: encoder.TierSoftware, codec: video.CodecH265,
		factory: "x265enc", settings: "tune=zerolatency speed-preset=ultrafast",
		parser: "h265parse", caps: "video/x-h265,stream-format=byte-stream,alignment=au",
		bitrateProp: "bitrate", keyframeProp: "key-int-max", latencyFree: true,
	},
}

var initOnce sync.Once

// Register adds every GStreamer backend to n. Backends whose element is not
// installed report themselves unavailable.
func Register(n *encoder.Negotiator) {
	initOnce.Do(func() {
		gst.Init(nil)
	})

	for i := range elements {
		el := elements[i]
		n.Register(&encoder.Backend{
			Name:   el.backend,
			Tier:   el.tier,
			Codecs: []video.CodecFormat{el.codec},
			Available: func() bool {
				return gst.Find(el.factory) != nil
			},
			New: func(cfg encoder.Config) (encoder.Encoder, error) {
				return newPipelineEncoder(el, cfg)
			},
		})
	}
}

// pipelineEncoder pushes raw frames into appsrc and pulls encoded access
// units from appsink
type pipelineEncoder struct {
	el       element
	cfg      encoder.Config
	format   video.PixelFormat
	pipeline *gst.Pipeline
	src      *app.Source
	sink     *app.Sink
	encElem  *gst.Element

	mu      sync.Mutex
	bitrate uint32
}

func rawFormat(f video.PixelFormat) string {
	switch f {
	case video.PixelI444:
		return "Y444"
	default:
		return "I420"
	}
}

func launchLine(el element, cfg encoder.Config, format video.PixelFormat, bitrate uint32) string {
	fps := cfg.FPS
	if fps <= 0 {
		fps = 30
	}

	rate := uint64(bitrate)
	if el.bitrateBits {
		rate *= 1000
	}
	props := fmt.Sprintf("%s %s=%d", el.settings, el.bitrateProp, rate)
	if cfg.KeyframeInterval > 0 {
		props += fmt.Sprintf(" %s=%d", el.keyframeProp, cfg.KeyframeInterval)
	}

	tail := ""
	if el.parser != "" {
		tail = " ! " + el.parser
	}
	if el.caps != "" {
		tail += " ! " + el.caps
	}

	return fmt.Sprintf(
		"appsrc name=src is-live=true format=time do-timestamp=true "+
			"caps=video/x-raw,format=%s,width=%d,height=%d,framerate=%d/1 ! "+
			"%s name=enc %s%s ! "+
			"appsink name=sink emit-signals=false sync=false max-buffers=4 drop=false",
		rawFormat(format), cfg.Width, cfg.Height, fps,
		el.factory, props, tail,
	)
}

func newPipelineEncoder(el element, cfg encoder.Config) (*pipelineEncoder, error) {
	format := video.PixelI420
	if cfg.I444 && el.i444Format != "" {
		format = video.PixelI444
	}
	bitrate := encoder.BaseBitrate(cfg.Width, cfg.Height, cfg.Quality)

	line := launchLine(el, cfg, format, bitrate)
	logger.WithComponent("gstenc").Debug().
		Str("backend", el.backend).
		Str("pipeline", line).
		Msg("Creating encoder pipeline")

	pipeline, err := gst.NewPipelineFromString(line)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	e := &pipelineEncoder{el: el, cfg: cfg, format: format, pipeline: pipeline, bitrate: bitrate}

	srcElem, err := pipeline.GetElementByName("src")
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to get appsrc: %w", err)
	}
	sinkElem, err := pipeline.GetElementByName("sink")
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to get appsink: %w", err)
	}
	encElem, err := pipeline.GetElementByName("enc")
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to get encoder element: %w", err)
	}
	e.src = app.SrcFromElement(srcElem)
	e.sink = app.SinkFromElement(sinkElem)
	e.encElem = encElem

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to start pipeline: %w", err)
	}
	return e, nil
}

func (e *pipelineEncoder) Encode(data []byte, ms int64) (*video.EncodedFrame, error) {
	want := encoder.FrameSize(e.format, e.cfg.Width, e.cfg.Height)
	if len(data) < want {
		return nil, fmt.Errorf("short frame: got %d bytes, expected %d", len(data), want)
	}

	buf := make([]byte, want)
	copy(buf, data)

	switch ret := e.src.PushBuffer(gst.NewBufferFromBytes(buf)); ret {
	case gst.FlowOK:
	case gst.FlowNotNegotiated:
		return nil, encoder.ErrNeedRenegotiate
	default:
		return nil, fmt.Errorf("push buffer: %s", ret.String())
	}

	sample := e.sink.TryPullSample(pullTimeout)
	if sample == nil {
		if e.sink.IsEOS() {
			return nil, encoder.ErrNeedRenegotiate
		}
		return nil, nil
	}

	out := sample.GetBuffer()
	if out == nil {
		return nil, nil
	}
	mapInfo := out.Map(gst.MapRead)
	if mapInfo == nil {
		return nil, fmt.Errorf("failed to map encoded buffer")
	}
	defer out.Unmap()

	payload := make([]byte, len(mapInfo.Bytes()))
	copy(payload, mapInfo.Bytes())

	return &video.EncodedFrame{
		Timestamp: ms,
		Codec:     e.el.codec,
		Key:       !out.HasFlags(gst.BufferFlagDeltaUnit),
		Data:      payload,
	}, nil
}

func (e *pipelineEncoder) SetQuality(ratio float32) error {
	if !e.el.dynamic {
		return fmt.Errorf("%s does not support changing quality", e.el.backend)
	}
	bitrate := encoder.BaseBitrate(e.cfg.Width, e.cfg.Height, ratio)
	var value interface{} = uint(bitrate)
	if e.el.bitrateBits {
		value = int(bitrate) * 1000
	}
	if err := e.encElem.SetProperty(e.el.bitrateProp, value); err != nil {
		return fmt.Errorf("failed to set %s: %w", e.el.bitrateProp, err)
	}

	e.mu.Lock()
	e.bitrate = bitrate
	e.mu.Unlock()
	return nil
}

func (e *pipelineEncoder) SupportsChangingQuality() bool { return e.el.dynamic }
func (e *pipelineEncoder) LatencyFree() bool             { return e.el.latencyFree }
func (e *pipelineEncoder) IsHardware() bool              { return e.el.tier.IsHardware() }

func (e *pipelineEncoder) Bitrate() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bitrate
}

func (e *pipelineEncoder) PixelFormat() video.PixelFormat { return e.format }
func (e *pipelineEncoder) Codec() video.CodecFormat       { return e.el.codec }

func (e *pipelineEncoder) Close() error {
	if e.pipeline == nil {
		return nil
	}
	if e.src != nil {
		e.src.EndStream()
	}
	e.pipeline.SetState(gst.StateNull)
	e.pipeline.Unref()
	e.pipeline = nil
	return nil
}
