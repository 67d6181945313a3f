// Package privacy keeps the connection that holds exclusive viewing rights
package privacy

import (
	"sync"

	"github.com/bryanchriswhite/DeskStreamer/internal/logger"
	"github.com/bryanchriswhite/DeskStreamer/internal/video"
)

// Holder reports the current privacy-mode holder, video.NoConn when none
type Holder interface {
	CurrentHolder() video.ConnID
}

// Registry is the process-wide privacy-mode state
type Registry struct {
	mu     sync.RWMutex
	holder video.ConnID
}

// NewRegistry creates a registry with no holder
func NewRegistry() *Registry {
	return &Registry{}
}

// CurrentHolder returns the holder or video.NoConn
func (r *Registry) CurrentHolder() video.ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.holder
}

// Set makes conn the holder. It returns false when another connection
// already holds privacy mode.
func (r *Registry) Set(conn video.ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.holder != video.NoConn && r.holder != conn {
		return false
	}
	r.holder = conn
	logger.WithComponent("privacy").Info().
		Int32("conn_id", int32(conn)).
		Msg("Privacy mode on")
	return true
}

// Clear releases privacy mode if conn holds it
func (r *Registry) Clear(conn video.ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.holder != conn {
		return false
	}
	r.holder = video.NoConn
	logger.WithComponent("privacy").Info().
		Int32("conn_id", int32(conn)).
		Msg("Privacy mode off")
	return true
}

// Token is the holder snapshotted when a capture was acquired
type Token struct {
	Holder video.ConnID
}

// Active reports whether someone held privacy mode at snapshot time
func (t Token) Active() bool {
	return t.Holder != video.NoConn
}

// Gate compares live privacy state against a snapshot
type Gate struct {
	holder Holder
}

// NewGate wraps a holder source
func NewGate(h Holder) *Gate {
	return &Gate{holder: h}
}

// Snapshot takes the token for a new acquisition
func (g *Gate) Snapshot() Token {
	return Token{Holder: g.holder.CurrentHolder()}
}

// DetectChange reports whether the live holder differs from the token and
// returns the live holder
func (g *Gate) DetectChange(token Token) (video.ConnID, bool) {
	live := g.holder.CurrentHolder()
	return live, live != token.Holder
}
