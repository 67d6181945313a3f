// Package transport fans encoded frames and control messages out to peer
// connections and routes their acknowledgments back to the capture loops.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/DeskStreamer/internal/logger"
	"github.com/bryanchriswhite/DeskStreamer/internal/privacy"
	"github.com/bryanchriswhite/DeskStreamer/internal/protocol"
	"github.com/bryanchriswhite/DeskStreamer/internal/video"
)

var (
	// ErrSlow means the peer's outbound queue is full and the message was dropped
	ErrSlow = errors.New("peer too slow")

	// ErrUnsupported means the peer can not carry the message, e.g. a codec
	// its track was not negotiated for
	ErrUnsupported = errors.New("message not supported by peer")

	// ErrClosed is returned by Send after Close
	ErrClosed = errors.New("peer closed")

	// ErrUnknownPeer is returned for a connection id the hub does not know
	ErrUnknownPeer = errors.New("unknown peer")
)

// Peer is one connection. Send must not block.
type Peer interface {
	ID() video.ConnID
	// Send queues msg; data is msg already encoded as an envelope
	Send(msg protocol.Message, data []byte) error
	Close() error
}

// Acker receives frame acknowledgments. A nil sentAt means the peer did
// not say which frame it consumed.
type Acker interface {
	MarkAcknowledged(service string, display int, conn video.ConnID, sentAt *time.Time)
	MarkAcknowledgedByConn(conn video.ConnID, sentAt *time.Time)
}

type subscriber struct {
	peer     Peer
	services map[string]struct{}
}

type sentFrame struct {
	ts int64
	at time.Time
}

// Hub is the delivery fan-out shared by all capture loops
type Hub struct {
	mu       sync.RWMutex
	peers    map[video.ConnID]*subscriber
	switches map[string]protocol.Message
	peerInfo *protocol.Message
	lastSent map[string]sentFrame

	nextID  atomic.Int32
	acker   Acker
	holder  privacy.Holder
	frames  atomic.Uint64
	dropped atomic.Uint64

	onSubscribe  func(service string)
	onDisconnect func(conn video.ConnID)
	onMessage    func(conn video.ConnID, env *protocol.Envelope)
}

// NewHub creates a hub. holder filters frames while privacy mode is on.
func NewHub(acker Acker, holder privacy.Holder) *Hub {
	return &Hub{
		peers:    make(map[video.ConnID]*subscriber),
		switches: make(map[string]protocol.Message),
		lastSent: make(map[string]sentFrame),
		acker:    acker,
		holder:   holder,
	}
}

// SetAcker replaces the acknowledgment receiver. The pipeline registry is
// built after the hub it sends through.
func (h *Hub) SetAcker(acker Acker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.acker = acker
}

// OnSubscribe sets the callback run after a peer subscribes to a service
func (h *Hub) OnSubscribe(fn func(service string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onSubscribe = fn
}

// OnDisconnect sets the callback run after a peer is removed
func (h *Hub) OnDisconnect(fn func(conn video.ConnID)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnect = fn
}

// OnMessage sets the handler of peer messages the hub does not handle itself
func (h *Hub) OnMessage(fn func(conn video.ConnID, env *protocol.Envelope)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMessage = fn
}

// NextConnID allocates a connection id
func (h *Hub) NextConnID() video.ConnID {
	return video.ConnID(h.nextID.Add(1))
}

// Add registers a peer and sends it the current display list
func (h *Hub) Add(p Peer) {
	h.mu.Lock()
	h.peers[p.ID()] = &subscriber{peer: p, services: make(map[string]struct{})}
	info := h.peerInfo
	count := len(h.peers)
	h.mu.Unlock()

	logger.WithComponent("transport").Info().
		Int32("conn_id", int32(p.ID())).
		Int("peers", count).
		Msg("Peer connected")

	if info != nil {
		h.send(p, *info)
	}
}

// Remove drops a peer. Its pending acknowledgments count as received.
func (h *Hub) Remove(conn video.ConnID) {
	h.mu.Lock()
	sub, ok := h.peers[conn]
	delete(h.peers, conn)
	count := len(h.peers)
	onDisconnect := h.onDisconnect
	acker := h.acker
	h.mu.Unlock()

	if !ok {
		return
	}
	sub.peer.Close()

	logger.WithComponent("transport").Info().
		Int32("conn_id", int32(conn)).
		Int("peers", count).
		Msg("Peer disconnected")

	if acker != nil {
		acker.MarkAcknowledgedByConn(conn, nil)
	}
	if onDisconnect != nil {
		onDisconnect(conn)
	}
}

// Subscribe starts delivering service to conn and replays its last
// switch-display message
func (h *Hub) Subscribe(conn video.ConnID, service string) error {
	h.mu.Lock()
	sub, ok := h.peers[conn]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", service, ErrUnknownPeer)
	}
	sub.services[service] = struct{}{}
	sw, hasSwitch := h.switches[service]
	onSubscribe := h.onSubscribe
	h.mu.Unlock()

	logger.WithComponent("transport").Debug().
		Int32("conn_id", int32(conn)).
		Str("service", service).
		Msg("Peer subscribed")

	if hasSwitch {
		h.send(sub.peer, sw)
	}
	if onSubscribe != nil {
		onSubscribe(service)
	}
	return nil
}

// Unsubscribe stops delivering service to conn
func (h *Hub) Unsubscribe(conn video.ConnID, service string) {
	h.mu.Lock()
	if sub, ok := h.peers[conn]; ok {
		delete(sub.services, service)
	}
	acker := h.acker
	h.mu.Unlock()

	if acker != nil {
		acker.MarkAcknowledgedByConn(conn, nil)
	}
}

// Subscribers returns the connections subscribed to service
func (h *Hub) Subscribers(service string) []video.ConnID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []video.ConnID
	for id, sub := range h.peers {
		if _, ok := sub.services[service]; ok {
			out = append(out, id)
		}
	}
	return out
}

// PeerCount returns the number of connected peers
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Stats returns the number of frames delivered and dropped
func (h *Hub) Stats() (frames, dropped uint64) {
	return h.frames.Load(), h.dropped.Load()
}

// SendFrame delivers frame to the subscribers of service and returns the
// connections that accepted it. While privacy mode is on only the holder
// receives frames.
func (h *Hub) SendFrame(service string, frame *video.EncodedFrame) []video.ConnID {
	msg := protocol.Message{
		Type:    protocol.TypeVideoFrame,
		Payload: &protocol.VideoFrame{Service: service, EncodedFrame: *frame},
	}
	data, err := msg.Bytes()
	if err != nil {
		logger.WithService("transport", service).Error().Err(err).Msg("Failed to encode frame")
		return nil
	}

	holder := video.NoConn
	if h.holder != nil {
		holder = h.holder.CurrentHolder()
	}

	h.mu.Lock()
	h.lastSent[service] = sentFrame{ts: frame.Timestamp, at: time.Now()}
	targets := make([]Peer, 0, len(h.peers))
	for id, sub := range h.peers {
		if _, ok := sub.services[service]; !ok {
			continue
		}
		if holder != video.NoConn && id != holder {
			continue
		}
		targets = append(targets, sub.peer)
	}
	h.mu.Unlock()

	sent := make([]video.ConnID, 0, len(targets))
	for _, p := range targets {
		if err := p.Send(msg, data); err != nil {
			h.dropped.Add(1)
			logger.WithService("transport", service).Trace().
				Err(err).
				Int32("conn_id", int32(p.ID())).
				Msg("Frame not delivered")
			continue
		}
		sent = append(sent, p.ID())
	}
	if len(sent) > 0 {
		h.frames.Add(1)
	}
	return sent
}

// SendSwitchDisplay broadcasts sd to the subscribers of service and keeps
// it for peers subscribing later
func (h *Hub) SendSwitchDisplay(service string, sd protocol.SwitchDisplay) {
	msg := protocol.Message{Type: protocol.TypeSwitchDisplay, Payload: &sd}

	h.mu.Lock()
	h.switches[service] = msg
	h.mu.Unlock()

	for _, id := range h.Subscribers(service) {
		if err := h.SendTo(id, msg); err != nil && !errors.Is(err, ErrUnknownPeer) {
			logger.WithService("transport", service).Debug().
				Err(err).
				Int32("conn_id", int32(id)).
				Msg("Failed to send switch display")
		}
	}
}

// SendPeerInfo broadcasts the display list to every peer
func (h *Hub) SendPeerInfo(displays []video.DisplayInfo) {
	msg := protocol.Message{Type: protocol.TypePeerInfo, Payload: &protocol.PeerInfo{Displays: displays}}

	h.mu.Lock()
	h.peerInfo = &msg
	peers := h.snapshotLocked(video.NoConn)
	h.mu.Unlock()

	h.broadcast(peers, msg)
}

// SendToOthers sends msg to every peer except conn
func (h *Hub) SendToOthers(except video.ConnID, msg protocol.Message) {
	h.mu.RLock()
	peers := h.snapshotLocked(except)
	h.mu.RUnlock()

	h.broadcast(peers, msg)
}

// SendTo sends msg to one peer
func (h *Hub) SendTo(conn video.ConnID, msg protocol.Message) error {
	h.mu.RLock()
	sub, ok := h.peers[conn]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("conn %d: %w", conn, ErrUnknownPeer)
	}

	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	return sub.peer.Send(msg, data)
}

func (h *Hub) snapshotLocked(except video.ConnID) []Peer {
	peers := make([]Peer, 0, len(h.peers))
	for id, sub := range h.peers {
		if id != except {
			peers = append(peers, sub.peer)
		}
	}
	return peers
}

func (h *Hub) broadcast(peers []Peer, msg protocol.Message) {
	data, err := msg.Bytes()
	if err != nil {
		logger.WithComponent("transport").Error().Err(err).Str("type", string(msg.Type)).Msg("Failed to encode message")
		return
	}
	for _, p := range peers {
		if err := p.Send(msg, data); err != nil {
			logger.WithComponent("transport").Debug().
				Err(err).
				Int32("conn_id", int32(p.ID())).
				Str("type", string(msg.Type)).
				Msg("Failed to send message")
		}
	}
}

func (h *Hub) send(p Peer, msg protocol.Message) {
	h.broadcast([]Peer{p}, msg)
}

// Acknowledge routes a consumption notice of the frame of service stamped
// ts. A ts other than the last one sent is passed on as stale.
func (h *Hub) Acknowledge(conn video.ConnID, service string, display int, ts int64) {
	h.mu.RLock()
	acker := h.acker
	last, ok := h.lastSent[service]
	h.mu.RUnlock()
	if acker == nil {
		return
	}

	var sentAt *time.Time
	if ts != 0 {

		var at time.Time
		if ok && last.ts == ts {
			at = last.at
		}
		sentAt = &at
	}

	if service == "" {
		acker.MarkAcknowledgedByConn(conn, sentAt)
		return
	}
	acker.MarkAcknowledged(service, display, conn, sentAt)
}

// Handle processes one envelope received from conn
func (h *Hub) Handle(conn video.ConnID, data []byte) error {
	env, err := protocol.Decode(data)
	if err != nil {
		return err
	}

	switch env.Type {
	case protocol.TypeSubscribe:
		var sub protocol.Subscribe
		if err := env.DecodePayload(&sub); err != nil {
			return err
		}
		return h.Subscribe(conn, sub.Service)

	case protocol.TypeUnsubscribe:
		var sub protocol.Subscribe
		if err := env.DecodePayload(&sub); err != nil {
			return err
		}
		h.Unsubscribe(conn, sub.Service)
		return nil

	case protocol.TypeVideoReceived:
		var rcv protocol.VideoReceived
		if err := env.DecodePayload(&rcv); err != nil {
			return err
		}
		h.Acknowledge(conn, rcv.Service, rcv.Display, rcv.SentAt)
		return nil

	default:
		h.mu.RLock()
		onMessage := h.onMessage
		h.mu.RUnlock()
		if onMessage != nil {
			onMessage(conn, env)
			return nil
		}
		return fmt.Errorf("unexpected message type %q", env.Type)
	}
}

// Close disconnects every peer
func (h *Hub) Close() {
	h.mu.RLock()
	ids := make([]video.ConnID, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.Remove(id)
	}
}
