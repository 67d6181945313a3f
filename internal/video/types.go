// Package video holds the value types shared by the capture, encode and
// delivery stages of the pipeline.
package video

import (
	"fmt"
	"image"
	"strconv"
	"strings"
	"time"
)

// Source selects the capture backend and display-info provider for a loop
type Source int

const (
	SourceMonitor Source = iota
	SourceCamera
)

// String returns the service name prefix of the source
func (s Source) String() string {
	switch s {
	case SourceMonitor:
		return "monitor"
	case SourceCamera:
		return "camera"
	default:
		return "unknown"
	}
}

// IsMonitor reports whether the source is a display
func (s Source) IsMonitor() bool {
	return s == SourceMonitor
}

// ParseSource parses "monitor" or "camera"
func ParseSource(name string) (Source, error) {
	switch name {
	case "monitor", "display":
		return SourceMonitor, nil
	case "camera":
		return SourceCamera, nil
	default:
		return 0, fmt.Errorf("unknown video source %q", name)
	}
}

// ServiceName returns the name a loop is registered under, e.g. "monitor0"
func ServiceName(source Source, index int) string {
	return fmt.Sprintf("%s%d", source, index)
}

// ParseServiceName splits a service name into its source and index
func ParseServiceName(name string) (Source, int, error) {
	for _, src := range []Source{SourceMonitor, SourceCamera} {
		prefix := src.String()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		idx, err := strconv.Atoi(name[len(prefix):])
		if err != nil || idx < 0 {
			break
		}
		return src, idx, nil
	}
	return 0, 0, fmt.Errorf("invalid service name %q", name)
}

// ConnID identifies one peer connection
type ConnID int32

// NoConn means no connection, e.g. no privacy-mode holder
const NoConn ConnID = 0

// Rect is an origin plus size in desktop coordinates
type Rect struct {
	X      int `json:"x" msgpack:"x"`
	Y      int `json:"y" msgpack:"y"`
	Width  int `json:"width" msgpack:"width"`
	Height int `json:"height" msgpack:"height"`
}

// Geometry is captured once per acquisition and never changes within an epoch
type Geometry struct {
	Rect
	Count int `json:"count"`
	Index int `json:"index"`
}

// Resolution is a width/height pair
type Resolution struct {
	Width  int `json:"width" msgpack:"width"`
	Height int `json:"height" msgpack:"height"`
}

// DisplayInfo describes one enumerated monitor or camera
type DisplayInfo struct {
	Name               string     `json:"name" msgpack:"name"`
	Rect               Rect       `json:"rect" msgpack:"rect"`
	Online             bool       `json:"online" msgpack:"online"`
	Primary            bool       `json:"primary" msgpack:"primary"`
	Scale              float64    `json:"scale" msgpack:"scale"`
	CursorEmbedded     bool       `json:"cursor_embedded" msgpack:"cursor_embedded"`
	OriginalResolution Resolution `json:"original_resolution" msgpack:"original_resolution"`
}

// PixelFormat is the in-memory layout an encoder expects
type PixelFormat string

const (
	PixelRGBA PixelFormat = "rgba"
	PixelBGRA PixelFormat = "bgra"
	PixelI420 PixelFormat = "i420"
	PixelI444 PixelFormat = "i444"
)

// Frame is one raw captured frame. Texture frames live on the GPU and
// carry no CPU-side pixels.
type Frame struct {
	Image    *image.RGBA
	Texture  bool
	Captured time.Time
}

// Valid reports whether the frame carries usable content
func (f *Frame) Valid() bool {
	if f == nil {
		return false
	}
	if f.Texture {
		return true
	}
	return f.Image != nil && f.Image.Bounds().Dx() > 0 && f.Image.Bounds().Dy() > 0
}

// CodecFormat is the negotiated codec family
type CodecFormat string

const (
	CodecVP8   CodecFormat = "vp8"
	CodecVP9   CodecFormat = "vp9"
	CodecAV1   CodecFormat = "av1"
	CodecH264  CodecFormat = "h264"
	CodecH265  CodecFormat = "h265"
	CodecMJPEG CodecFormat = "mjpeg"
)

// ParseCodec parses a codec name, case-sensitive lower case
func ParseCodec(name string) (CodecFormat, error) {
	switch c := CodecFormat(name); c {
	case CodecVP8, CodecVP9, CodecAV1, CodecH264, CodecH265, CodecMJPEG:
		return c, nil
	default:
		return "", fmt.Errorf("unknown codec %q", name)
	}
}

// EncodedFrame is one compressed frame stamped with its source index
type EncodedFrame struct {
	Display   int         `msgpack:"display"`
	Timestamp int64       `msgpack:"ts"`
	Codec     CodecFormat `msgpack:"codec"`
	Key       bool        `msgpack:"key"`
	Data      []byte      `msgpack:"data"`
}
