package capture

import (
	"fmt"
	"image"
	"time"

	"github.com/bryanchriswhite/DeskStreamer/internal/video"
	"github.com/kbinani/screenshot"
)

// ScreenshotBackend captures monitors through github.com/kbinani/screenshot.
// It is registered after X11 and serves as the portable fallback.
type ScreenshotBackend struct{}

// NewScreenshotBackend creates the portable monitor backend
func NewScreenshotBackend() *ScreenshotBackend {
	return &ScreenshotBackend{}
}

func (b *ScreenshotBackend) Name() string {
	return "screenshot"
}

func (b *ScreenshotBackend) IsAvailable() bool {
	return screenshot.NumActiveDisplays() > 0
}

func (b *ScreenshotBackend) Close() error {
	return nil
}

func (b *ScreenshotBackend) Enumerate() ([]video.DisplayInfo, error) {
	n := screenshot.NumActiveDisplays()
	if n <= 0 {
		return nil, fmt.Errorf("no active displays")
	}

	infos := make([]video.DisplayInfo, 0, n)
	for i := 0; i < n; i++ {
		r := screenshot.GetDisplayBounds(i)
		infos = append(infos, video.DisplayInfo{
			Name:               fmt.Sprintf("display-%d", i),
			Rect:               video.Rect{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()},
			Online:             true,
			Primary:            i == 0,
			Scale:              1,
			OriginalResolution: video.Resolution{Width: r.Dx(), Height: r.Dy()},
		})
	}
	return infos, nil
}

func (b *ScreenshotBackend) Open(index int, info video.DisplayInfo) (Capturer, error) {
	bounds := image.Rect(info.Rect.X, info.Rect.Y, info.Rect.X+info.Rect.Width, info.Rect.Y+info.Rect.Height)
	if bounds.Empty() {
		return nil, fmt.Errorf("display %d has empty bounds", index)
	}
	return &screenshotCapturer{bounds: bounds}, nil
}

type screenshotCapturer struct {
	bounds image.Rectangle
}

func (c *screenshotCapturer) Frame(timeout time.Duration) (*video.Frame, error) {
	img, err := screenshot.CaptureRect(c.bounds)
	if err != nil {
		return nil, fmt.Errorf("failed to capture rect: %w", err)
	}
	return &video.Frame{Image: img, Captured: time.Now()}, nil
}

func (c *screenshotCapturer) Close() error {
	return nil
}
