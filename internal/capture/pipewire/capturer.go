// Package pipewire captures Wayland monitors through the xdg-desktop-portal
// ScreenCast interface and a GStreamer pipewiresrc pipeline.
package pipewire

import (
	"fmt"
	"image"
	"os"
	"sync"
	"time"

	"github.com/bryanchriswhite/DeskStreamer/internal/capture"
	"github.com/bryanchriswhite/DeskStreamer/internal/logger"
	"github.com/bryanchriswhite/DeskStreamer/internal/video"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// DefaultPortalTimeout bounds the wait for the user to answer the dialog
const DefaultPortalTimeout = 60 * time.Second

var initOnce sync.Once

// Backend shares every monitor through one portal session opened on the
// first enumeration
type Backend struct {
	tokenPath string
	timeout   time.Duration

	mu      sync.Mutex
	portal  *Portal
	streams []Stream
}

// NewBackend creates a Wayland monitor backend
func NewBackend() *Backend {
	initOnce.Do(func() {
		gst.Init(nil)
	})
	return &Backend{
		tokenPath: DefaultTokenPath(),
		timeout:   DefaultPortalTimeout,
	}
}

func (b *Backend) Name() string {
	return "pipewire"
}

// IsAvailable reports whether this is a Wayland session with pipewiresrc
func (b *Backend) IsAvailable() bool {
	if os.Getenv("WAYLAND_DISPLAY") == "" {
		return false
	}
	return gst.Find("pipewiresrc") != nil
}

// Enumerate returns the shared monitors, opening the portal session if needed
func (b *Backend) Enumerate() ([]video.DisplayInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.portal == nil {
		portal, err := NewPortal(b.tokenPath)
		if err != nil {
			return nil, err
		}
		streams, err := portal.Start(b.timeout)
		if err != nil {
			portal.Close()
			return nil, err
		}
		b.portal = portal
		b.streams = streams
	}
	return streamInfos(b.streams), nil
}

func streamInfos(streams []Stream) []video.DisplayInfo {
	infos := make([]video.DisplayInfo, 0, len(streams))
	for i, s := range streams {
		infos = append(infos, video.DisplayInfo{
			Name:               fmt.Sprintf("pipewire-%d", s.NodeID),
			Rect:               video.Rect{X: s.X, Y: s.Y, Width: s.Width, Height: s.Height},
			Online:             true,
			Primary:            i == 0,
			Scale:              1,
			CursorEmbedded:     true,
			OriginalResolution: video.Resolution{Width: s.Width, Height: s.Height},
		})
	}
	return infos
}

// Open starts a pipewiresrc pipeline for the stream at index
func (b *Backend) Open(index int, info video.DisplayInfo) (capture.Capturer, error) {
	b.mu.Lock()
	if index < 0 || index >= len(b.streams) {
		b.mu.Unlock()
		return nil, capture.ErrNotFound
	}
	node := b.streams[index].NodeID
	b.mu.Unlock()

	log := logger.WithComponent("pipewire")

	// emit-signals=false and polling avoid cgo callbacks
	pipelineStr := fmt.Sprintf(
		"pipewiresrc path=%d do-timestamp=true ! "+
			"videoconvert ! "+
			"video/x-raw,format=RGBA ! "+
			"appsink name=sink emit-signals=false max-buffers=2 drop=true",
		node,
	)
	log.Debug().Str("pipeline", pipelineStr).Msg("Creating GStreamer pipeline")

	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	sinkElement, err := pipeline.GetElementByName("sink")
	if err != nil {
		pipeline.Unref()
		return nil, fmt.Errorf("failed to get appsink: %w", err)
	}
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.Unref()
		return nil, fmt.Errorf("failed to start pipeline: %w", err)
	}

	log.Info().
		Int("index", index).
		Uint32("node_id", node).
		Msg("PipeWire pipeline started")

	return &Capturer{
		pipeline: pipeline,
		sink:     app.SinkFromElement(sinkElement),
	}, nil
}

// Close ends the portal session. The next enumeration opens a new one.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.portal == nil {
		return nil
	}
	err := b.portal.Close()
	b.portal = nil
	b.streams = nil
	return err
}

// Capturer pulls RGBA samples from a pipewiresrc pipeline. The frame size
// follows the negotiated caps, which change when the monitor is resized.
type Capturer struct {
	pipeline *gst.Pipeline
	sink     *app.Sink
	mu       sync.Mutex
}

// Frame pulls the next sample, returning capture.ErrWouldBlock on timeout
func (c *Capturer) Frame(timeout time.Duration) (*video.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pipeline == nil {
		return nil, fmt.Errorf("pipewire pipeline closed")
	}
	if c.sink.IsEOS() {
		return nil, &capture.BackendError{Backend: "pipewire", Op: "frame", Err: fmt.Errorf("stream ended")}
	}

	if timeout <= 0 {
		timeout = time.Millisecond
	}
	// go-gst unrefs samples itself; an explicit Unref double-frees
	sample := c.sink.TryPullSample(timeout)
	if sample == nil {
		return nil, capture.ErrWouldBlock
	}

	img, err := sampleImage(sample)
	if err != nil {
		return nil, err
	}
	return &video.Frame{Image: img, Captured: time.Now()}, nil
}

// sampleImage copies a mapped RGBA buffer sized by the sample caps
func sampleImage(sample *gst.Sample) (*image.RGBA, error) {
	buffer := sample.GetBuffer()
	caps := sample.GetCaps()
	if buffer == nil || caps == nil {
		return nil, capture.ErrWouldBlock
	}
	structure := caps.GetStructureAt(0)
	if structure == nil {
		return nil, capture.ErrWouldBlock
	}

	width, _ := structure.GetValue("width")
	height, _ := structure.GetValue("height")
	w, wok := width.(int)
	h, hok := height.(int)
	if !wok || !hok || w <= 0 || h <= 0 {
		return nil, fmt.Errorf("pipewire caps without size")
	}

	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return nil, fmt.Errorf("failed to map pipewire buffer")
	}
	defer buffer.Unmap()

	return copyRGBA(mapInfo.Bytes(), w, h)
}

func copyRGBA(data []byte, w, h int) (*image.RGBA, error) {
	expected := w * h * 4
	if len(data) < expected {
		return nil, fmt.Errorf("short pipewire buffer: got %d bytes, expected %d", len(data), expected)
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	copy(img.Pix, data[:expected])
	return img, nil
}

// Close stops the pipeline
func (c *Capturer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pipeline == nil {
		return nil
	}
	c.pipeline.SetState(gst.StateNull)
	c.pipeline.Unref()
	c.pipeline = nil

	logger.WithComponent("pipewire").Info().Msg("PipeWire pipeline stopped")
	return nil
}
