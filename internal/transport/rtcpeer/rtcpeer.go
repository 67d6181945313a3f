// Package rtcpeer delivers a service's frames to a browser over a WebRTC
// video track. Control messages travel on a data channel the browser opens.
package rtcpeer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bryanchriswhite/DeskStreamer/internal/logger"
	"github.com/bryanchriswhite/DeskStreamer/internal/protocol"
	"github.com/bryanchriswhite/DeskStreamer/internal/transport"
	"github.com/bryanchriswhite/DeskStreamer/internal/video"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
)

// DefaultICEServers are used when none are configured
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// MimeType maps a codec to its RTP mime type
func MimeType(codec video.CodecFormat) (string, error) {
	switch codec {
	case video.CodecVP8:
		return webrtc.MimeTypeVP8, nil
	case video.CodecVP9:
		return webrtc.MimeTypeVP9, nil
	case video.CodecAV1:
		return webrtc.MimeTypeAV1, nil
	case video.CodecH264:
		return webrtc.MimeTypeH264, nil
	case video.CodecH265:
		return webrtc.MimeTypeH265, nil
	default:
		return "", fmt.Errorf("codec %s can not be sent over RTP", codec)
	}
}

// Peer is a WebRTC connection subscribed to one service
type Peer struct {
	id      video.ConnID
	service string
	codec   video.CodecFormat
	pc      *webrtc.PeerConnection
	track   *webrtc.TrackLocalStaticSample
	hub     *transport.Hub
	log     zerolog.Logger

	mu      sync.Mutex
	control *webrtc.DataChannel
	lastTS  int64
	closed  bool
}

// New creates a peer connection with one video track for codec
func New(hub *transport.Hub, id video.ConnID, service string, codec video.CodecFormat, ice []webrtc.ICEServer) (*Peer, error) {
	mime, err := MimeType(codec)
	if err != nil {
		return nil, err
	}
	if len(ice) == 0 {
		ice = DefaultICEServers
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, "video", service)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to add track: %w", err)
	}

	p := &Peer{
		id:      id,
		service: service,
		codec:   codec,
		pc:      pc,
		track:   track,
		hub:     hub,
		log: logger.WithService("transport-rtc", service).With().
			Int32("conn_id", int32(id)).
			Logger(),
	}

	// drain RTCP so interceptors keep running
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			p.mu.Lock()
			p.control = dc
			p.mu.Unlock()
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if err := hub.Handle(p.id, msg.Data); err != nil {
				p.log.Debug().Err(err).Msg("Failed to handle message")
			}
		})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.log.Debug().Str("state", s.String()).Msg("Peer connection state changed")
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			go hub.Remove(p.id)
		}
	})

	return p, nil
}

func (p *Peer) ID() video.ConnID { return p.id }

// Answer applies the browser's offer and returns the answer with all ICE
// candidates gathered
func (p *Peer) Answer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gathered

	return p.pc.LocalDescription(), nil
}

// Send writes video frames to the track and control messages to the data
// channel. A frame written to the track counts as consumed.
func (p *Peer) Send(msg protocol.Message, data []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return transport.ErrClosed
	}
	control := p.control
	p.mu.Unlock()

	if msg.Type != protocol.TypeVideoFrame {
		if control == nil {
			return nil
		}
		return control.Send(data)
	}

	frame, ok := msg.Payload.(*protocol.VideoFrame)
	if !ok || frame.Codec != p.codec {
		return transport.ErrUnsupported
	}

	p.mu.Lock()
	duration := time.Duration(frame.Timestamp-p.lastTS) * time.Millisecond
	if p.lastTS == 0 || duration <= 0 {
		duration = time.Second / 30
	}
	p.lastTS = frame.Timestamp
	p.mu.Unlock()

	if err := p.track.WriteSample(media.Sample{Data: frame.Data, Duration: duration}); err != nil {
		return fmt.Errorf("failed to write sample: %w", err)
	}
	go p.hub.Acknowledge(p.id, p.service, frame.Display, frame.Timestamp)
	return nil
}

func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.pc.Close()
}

// OfferRequest is the signaling request body
type OfferRequest struct {
	Service string                    `json:"service"`
	Offer   webrtc.SessionDescription `json:"offer"`
}

// OfferHandler answers WebRTC offers. codec returns the codec the
// service currently encodes.
func OfferHandler(hub *transport.Hub, codec func() video.CodecFormat, ice []webrtc.ICEServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req OfferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Service == "" {
			http.Error(w, "service is required", http.StatusBadRequest)
			return
		}

		p, err := New(hub, hub.NextConnID(), req.Service, codec(), ice)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}

		answer, err := p.Answer(req.Offer)
		if err != nil {
			p.Close()
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		hub.Add(p)
		if err := hub.Subscribe(p.id, req.Service); err != nil {
			hub.Remove(p.id)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(answer)
	}
}
