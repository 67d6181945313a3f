package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/bryanchriswhite/DeskStreamer/internal/logger"
	"github.com/bryanchriswhite/DeskStreamer/internal/protocol"
	"github.com/bryanchriswhite/DeskStreamer/internal/video"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsQueueSize  = 16
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 30 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsMaxMessage = 1 << 16
)

// WSPeer is a peer on a websocket carrying msgpack envelopes as binary messages
type WSPeer struct {
	id      video.ConnID
	session string
	conn    *websocket.Conn
	out     chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewWSPeer wraps conn; call Run to pump messages
func NewWSPeer(id video.ConnID, conn *websocket.Conn) *WSPeer {
	return &WSPeer{
		id:      id,
		session: uuid.NewString(),
		conn:    conn,
		out:     make(chan []byte, wsQueueSize),
		done:    make(chan struct{}),
	}
}

func (p *WSPeer) ID() video.ConnID { return p.id }

// Session returns the session id logged for this connection
func (p *WSPeer) Session() string { return p.session }

// Send queues data without blocking
func (p *WSPeer) Send(msg protocol.Message, data []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	select {
	case p.out <- data:
		return nil
	default:
		return ErrSlow
	}
}

func (p *WSPeer) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	return nil
}

// Run pumps messages between the websocket and h until either side closes
func (p *WSPeer) Run(h *Hub) {
	log := logger.WithComponent("transport-ws").With().
		Int32("conn_id", int32(p.id)).
		Str("session", p.session).
		Logger()

	go p.writePump()
	defer h.Remove(p.id)
	defer p.conn.Close()

	p.conn.SetReadLimit(wsMaxMessage)
	p.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if err := h.Handle(p.id, data); err != nil {
			log.Debug().Err(err).Msg("Failed to handle message")
		}
	}
}

func (p *WSPeer) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer p.conn.Close()

	for {
		select {
		case <-p.done:
			p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-p.out:
			p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// WebSocketHandler upgrades requests and attaches them to h as peers
func WebSocketHandler(h *Hub, upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.WithComponent("transport-ws").Error().Err(err).Msg("WebSocket upgrade error")
			return
		}

		p := NewWSPeer(h.NextConnID(), conn)
		h.Add(p)
		p.Run(h)
	}
}
