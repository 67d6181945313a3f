package transport

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/bryanchriswhite/DeskStreamer/internal/logger"
	"github.com/bryanchriswhite/DeskStreamer/internal/protocol"
	"github.com/bryanchriswhite/DeskStreamer/internal/video"
)

// mjpegQueueSize buffers 2 frames; a slow client skips frames
const mjpegQueueSize = 2

// MJPEGPeer streams the MJPEG frames of one service as a
// multipart/x-mixed-replace HTTP response. Writing a frame to the client
// acknowledges it.
type MJPEGPeer struct {
	id      video.ConnID
	service string
	frames  chan *protocol.VideoFrame

	closeOnce sync.Once
	done      chan struct{}
}

// NewMJPEGPeer creates a peer for service
func NewMJPEGPeer(id video.ConnID, service string) *MJPEGPeer {
	return &MJPEGPeer{
		id:      id,
		service: service,
		frames:  make(chan *protocol.VideoFrame, mjpegQueueSize),
		done:    make(chan struct{}),
	}
}

func (p *MJPEGPeer) ID() video.ConnID { return p.id }

// Send accepts MJPEG video frames and ignores control messages
func (p *MJPEGPeer) Send(msg protocol.Message, data []byte) error {
	if msg.Type != protocol.TypeVideoFrame {
		return nil
	}
	frame, ok := msg.Payload.(*protocol.VideoFrame)
	if !ok || frame.Codec != video.CodecMJPEG {
		return ErrUnsupported
	}

	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	select {
	case p.frames <- frame:
		return nil
	default:
		return ErrSlow
	}
}

func (p *MJPEGPeer) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	return nil
}

// Serve writes frames to w until the client goes away or the peer closes
func (p *MJPEGPeer) Serve(h *Hub, w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	log := logger.WithService("transport-mjpeg", p.service)
	log.Info().Int32("conn_id", int32(p.id)).Msg("MJPEG client connected")
	defer log.Info().Int32("conn_id", int32(p.id)).Msg("MJPEG client disconnected")

	for {
		select {
		case <-r.Context().Done():
			return
		case <-p.done:
			return
		case frame := <-p.frames:
			if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame.Data)); err != nil {
				return
			}
			if _, err := w.Write(frame.Data); err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			h.Acknowledge(p.id, p.service, frame.Display, frame.Timestamp)
		}
	}
}

// MJPEGHandler serves the service named by service(r) as an MJPEG stream
func MJPEGHandler(h *Hub, service func(r *http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := service(r)
		p := NewMJPEGPeer(h.NextConnID(), name)
		h.Add(p)
		defer h.Remove(p.id)

		if err := h.Subscribe(p.id, name); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		p.Serve(h, w, r)
	}
}
