// Package screenshot holds pending one-shot screenshot requests and turns
// an intercepted raw frame into a PNG response.
package screenshot

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"sync"

	"github.com/bryanchriswhite/DeskStreamer/internal/logger"
	"github.com/bryanchriswhite/DeskStreamer/internal/protocol"
	"golang.org/x/image/draw"
)

// Messages returned to the requesting peer instead of an image
const (
	MsgFailed      = "Failed to take screenshot, please try again later."
	MsgChangeCodec = "Please change codec and try again."
)

// Reply delivers a response to the requesting peer
type Reply func(resp protocol.ScreenshotResponse) error

// Request is one pending screenshot of a display
type Request struct {
	SID   string
	Reply Reply
	// RestoreTexture is set after the loop switched off the texture path
	// to serve this request
	RestoreTexture bool
}

// Registry keeps at most one pending request per display index. A newer
// request replaces an older one.
type Registry struct {
	mu      sync.Mutex
	pending map[int]*Request
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{pending: make(map[int]*Request)}
}

// Set registers a request for display
func (r *Registry) Set(display int, sid string, reply Reply) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[display] = &Request{SID: sid, Reply: reply}
}

// Put re-registers a request taken earlier
func (r *Registry) Put(display int, req *Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[display] = req
}

// Take removes and returns the request of display
func (r *Registry) Take(display int) (*Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.pending[display]
	if ok {
		delete(r.pending, display)
	}
	return req, ok
}

// Pending reports whether display has a request
func (r *Registry) Pending(display int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[display]
	return ok
}

// Build turns msg and img into a response. A non-empty msg wins over img.
func Build(sid, msg string, img *image.RGBA) protocol.ScreenshotResponse {
	resp := protocol.ScreenshotResponse{SID: sid}
	switch {
	case msg != "":
		resp.Msg = msg
	case img == nil || img.Bounds().Empty():
		resp.Msg = MsgFailed
	default:
		var buf bytes.Buffer
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			resp.Msg = fmt.Sprintf("Error encoding png: %v", err)
		} else {
			resp.Data = buf.Bytes()
		}
	}
	return resp
}

// Respond builds the response and sends it through req.Reply
func Respond(req *Request, msg string, img *image.RGBA) {
	resp := Build(req.SID, msg, img)
	if req.Reply == nil {
		return
	}
	if err := req.Reply(resp); err != nil {
		logger.WithComponent("screenshot").Error().
			Err(err).
			Str("sid", req.SID).
			Msg("Failed to send screenshot")
	}
}

// RespondAsync copies img and responds off the calling goroutine
func RespondAsync(req *Request, msg string, img *image.RGBA) {
	var cp *image.RGBA
	if img != nil {
		cp = image.NewRGBA(img.Bounds())
		draw.Draw(cp, cp.Bounds(), img, img.Bounds().Min, draw.Src)
	}
	go Respond(req, msg, cp)
}
