// Package gstcam captures v4l2 cameras through a GStreamer appsink
package gstcam

import (
	"fmt"
	"image"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bryanchriswhite/DeskStreamer/internal/capture"
	"github.com/bryanchriswhite/DeskStreamer/internal/logger"
	"github.com/bryanchriswhite/DeskStreamer/internal/video"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

var initOnce sync.Once

// Init initializes GStreamer once per process
func Init() {
	initOnce.Do(func() {
		gst.Init(nil)
	})
}

// Backend enumerates /dev/video* devices and captures them at a fixed size
type Backend struct {
	width   int
	height  int
	pattern string
}

// NewBackend creates a camera backend producing width x height RGBA frames
func NewBackend(width, height int) *Backend {
	Init()
	return &Backend{
		width:   width,
		height:  height,
		pattern: "/dev/video*",
	}
}

func (b *Backend) Name() string {
	return "v4l2"
}

func (b *Backend) IsAvailable() bool {
	devices, _ := filepath.Glob(b.pattern)
	return len(devices) > 0
}

func (b *Backend) Close() error {
	return nil
}

// Enumerate lists camera devices sorted by path
func (b *Backend) Enumerate() ([]video.DisplayInfo, error) {
	devices, err := filepath.Glob(b.pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list video devices: %w", err)
	}
	sort.Strings(devices)

	infos := make([]video.DisplayInfo, 0, len(devices))
	for i, dev := range devices {
		infos = append(infos, video.DisplayInfo{
			Name:               dev,
			Rect:               video.Rect{Width: b.width, Height: b.height},
			Online:             true,
			Primary:            i == 0,
			Scale:              1,
			OriginalResolution: video.Resolution{Width: b.width, Height: b.height},
		})
	}
	return infos, nil
}

// Open starts a pipeline for the device
func (b *Backend) Open(index int, info video.DisplayInfo) (capture.Capturer, error) {
	log := logger.WithComponent("gstcam")

	pipelineStr := fmt.Sprintf(
		"v4l2src device=%s do-timestamp=true ! "+
			"videoconvert ! videoscale ! "+
			"video/x-raw,format=RGBA,width=%d,height=%d ! "+
			"appsink name=sink emit-signals=false max-buffers=2 drop=true",
		info.Name, b.width, b.height,
	)
	log.Debug().Str("pipeline", pipelineStr).Msg("Creating camera pipeline")

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
		Str("device", info.Name).
		Msg("Camera pipeline started")

	return &Capturer{
		pipeline: pipeline,
		sink:     app.SinkFromElement(sinkElement),
		width:    b.width,
		height:   b.height,
	}, nil
}

// Capturer pulls RGBA samples from a running camera pipeline
type Capturer struct {
	pipeline *gst.Pipeline
	sink     *app.Sink
	width    int
	height   int
	mu       sync.Mutex
}

// Frame pulls the next sample, returning capture.ErrWouldBlock on timeout
func (c *Capturer) Frame(timeout time.Duration) (*video.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pipeline == nil {
		return nil, fmt.Errorf("camera pipeline closed")
	}
	if c.sink.IsEOS() {
		return nil, fmt.Errorf("camera stream ended")
	}

	if timeout <= 0 {
		timeout = time.Millisecond
	}
	sample := c.sink.TryPullSample(timeout)
	if sample == nil {
		return nil, capture.ErrWouldBlock
	}

	img, err := c.sampleImage(sample)
	if err != nil {
		return nil, err
	}
	return &video.Frame{Image: img, Captured: time.Now()}, nil
}

// sampleImage copies the mapped buffer into an RGBA image
func (c *Capturer) sampleImage(sample *gst.Sample) (*image.RGBA, error) {
	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, capture.ErrWouldBlock
	}

	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return nil, fmt.Errorf("failed to map camera buffer")
	}
	defer buffer.Unmap()

	data := mapInfo.Bytes()
	expected := c.width * c.height * 4
	if len(data) < expected {
		return nil, fmt.Errorf("short camera buffer: got %d bytes, expected %d", len(data), expected)
	}

	img := image.NewRGBA(image.Rect(0, 0, c.width, c.height))
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

	logger.WithComponent("gstcam").Info().Msg("Camera pipeline stopped")
	return nil
}
