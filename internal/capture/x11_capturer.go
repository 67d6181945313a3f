package capture

import (
	"bytes"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xinerama"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/DeskStreamer/internal/logger"
	"github.com/bryanchriswhite/DeskStreamer/internal/video"
)

// X11Backend captures monitors from the X11 root window, one Xinerama
// screen per monitor
type X11Backend struct {
	conn     *xgb.Conn
	root     xproto.Window
	screen   *xproto.ScreenInfo
	xinerama bool
	mu       sync.Mutex
}

// NewX11Backend connects to the X server
func NewX11Backend() (*X11Backend, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	b := &X11Backend{
		conn:   conn,
		root:   screen.Root,
		screen: screen,
	}

	log := logger.WithComponent("x11-capturer")
	if err := xinerama.Init(conn); err != nil {
		log.Warn().
			Err(err).
			Msg("Xinerama extension not available - capturing the root window as a single monitor")
	} else {
		b.xinerama = true
		log.Info().Msg("Xinerama extension initialized")
	}

	return b, nil
}

// Name returns the backend name
func (b *X11Backend) Name() string {
	return "X11"
}

// IsAvailable checks if X11 capture is available
func (b *X11Backend) IsAvailable() bool {
	return b.conn != nil
}

// Close closes the X11 connection
func (b *X11Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	return nil
}

// Enumerate lists the active monitors. Index 0 is reported as primary.
func (b *X11Backend) Enumerate() ([]video.DisplayInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return nil, fmt.Errorf("X11 connection closed")
	}

	rootInfo := video.DisplayInfo{
		Name:    "root",
		Rect:    video.Rect{Width: int(b.screen.WidthInPixels), Height: int(b.screen.HeightInPixels)},
		Online:  true,
		Primary: true,
		Scale:   1,
	}
	rootInfo.OriginalResolution = video.Resolution{Width: rootInfo.Rect.Width, Height: rootInfo.Rect.Height}

	if !b.xinerama {
		return []video.DisplayInfo{rootInfo}, nil
	}

	reply, err := xinerama.QueryScreens(b.conn).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to query xinerama screens: %w", err)
	}
	if len(reply.ScreenInfo) == 0 {
		return []video.DisplayInfo{rootInfo}, nil
	}

	infos := make([]video.DisplayInfo, 0, len(reply.ScreenInfo))
	for i, s := range reply.ScreenInfo {
		infos = append(infos, video.DisplayInfo{
			Name:    fmt.Sprintf("xinerama-%d", i),
			Rect:    video.Rect{X: int(s.XOrg), Y: int(s.YOrg), Width: int(s.Width), Height: int(s.Height)},
			Online:  true,
			Primary: i == 0,
			Scale:   1,
			OriginalResolution: video.Resolution{
				Width:  int(s.Width),
				Height: int(s.Height),
			},
		})
	}
	return infos, nil
}

// Open returns a capturer for the monitor rectangle
func (b *X11Backend) Open(index int, info video.DisplayInfo) (Capturer, error) {
	if info.Rect.Width <= 0 || info.Rect.Height <= 0 {
		return nil, fmt.Errorf("monitor %d has empty geometry", index)
	}
	return &x11Capturer{backend: b, rect: info.Rect}, nil
}

// getImage reads a region of the root window
func (b *X11Backend) getImage(r video.Rect) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return nil, fmt.Errorf("X11 connection closed")
	}

	reply, err := xproto.GetImage(
		b.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(b.root),
		int16(r.X), int16(r.Y),
		uint16(r.Width), uint16(r.Height),
		0xffffffff,
	).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w", err)
	}
	return reply.Data, nil
}

// depth returns the root depth
func (b *X11Backend) depth() int {
	return int(b.screen.RootDepth)
}

// x11Capturer polls one monitor. X11 offers no damage notification through
// GetImage so an unchanged frame is reported as would-block.
type x11Capturer struct {
	backend *X11Backend
	rect    video.Rect
	last    []byte
}

func (c *x11Capturer) Frame(timeout time.Duration) (*video.Frame, error) {
	data, err := c.backend.getImage(c.rect)
	if err != nil {
		return nil, err
	}
	if c.last != nil && bytes.Equal(c.last, data) {
		return nil, ErrWouldBlock
	}
	c.last = data

	img, err := convertBGRA(data, c.rect.Width, c.rect.Height, c.backend.depth())
	if err != nil {
		return nil, err
	}
	return &video.Frame{Image: img, Captured: time.Now()}, nil
}

func (c *x11Capturer) Close() error {
	c.last = nil
	return nil
}

// convertBGRA converts X11 ZPixmap data to RGBA
func convertBGRA(data []byte, width, height, depth int) (*image.RGBA, error) {
	if depth != 24 && depth != 32 {
		return nil, fmt.Errorf("unsupported color depth %d", depth)
	}
	if len(data) < width*height*4 {
		return nil, fmt.Errorf("short image data: got %d bytes, expected %d", len(data), width*height*4)
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < width*height*4; i += 4 {
		img.Pix[i] = data[i+2]
		img.Pix[i+1] = data[i+1]
		img.Pix[i+2] = data[i]
		img.Pix[i+3] = 255
	}
	return img, nil
}
