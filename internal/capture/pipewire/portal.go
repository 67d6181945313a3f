package pipewire

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/DeskStreamer/internal/logger"
	"github.com/godbus/dbus/v5"
)

// Portal D-Bus constants
const (
	portalService   = "org.freedesktop.portal.Desktop"
	portalPath      = "/org/freedesktop/portal/desktop"
	screenCastIface = "org.freedesktop.portal.ScreenCast"
	requestIface    = "org.freedesktop.portal.Request"
	sessionIface    = "org.freedesktop.portal.Session"
)

// Source types for SelectSources
const (
	SourceTypeMonitor = 1 << 0
	SourceTypeWindow  = 1 << 1
	SourceTypeVirtual = 1 << 2
)

// Cursor modes for SelectSources
const (
	CursorModeHidden   = 1 << 0
	CursorModeEmbedded = 1 << 1
	CursorModeMetadata = 1 << 2
)

// Persist modes for SelectSources
const (
	PersistModeNone        = 0
	PersistModeApplication = 1
	PersistModeSession     = 2
)

// ErrDenied is returned when the user cancels the portal dialog
var ErrDenied = errors.New("screen cast denied by user")

// Stream is one monitor shared through the portal
type Stream struct {
	NodeID uint32
	X      int
	Y      int
	Width  int
	Height int
}

// Portal handles xdg-desktop-portal screen casting via D-Bus
type Portal struct {
	conn          *dbus.Conn
	sessionHandle dbus.ObjectPath
	tokenPath     string
	restoreToken  string
	mu            sync.Mutex
}

var requestSeq atomic.Uint32

// NewPortal connects to the session bus. tokenPath stores the restore token
// that lets later sessions skip the selection dialog.
func NewPortal(tokenPath string) (*Portal, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	p := &Portal{
		conn:      conn,
		tokenPath: tokenPath,
	}
	p.restoreToken = loadRestoreToken(tokenPath)
	return p, nil
}

// DefaultTokenPath returns where the restore token is kept
func DefaultTokenPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = os.Getenv("HOME")
	}
	return filepath.Join(configDir, "deskstreamer", "portal_token")
}

// Close ends the session and the bus connection
func (p *Portal) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sessionHandle != "" {
		p.conn.Object(portalService, p.sessionHandle).Call(sessionIface+".Close", 0)
		p.sessionHandle = ""
	}
	return p.conn.Close()
}

// Start creates a session sharing every monitor and returns the streams.
// The portal may show a dialog; the wait is bounded by timeout.
func (p *Portal) Start(timeout time.Duration) ([]Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	log := logger.WithComponent("portal")

	results, err := p.request(timeout, "CreateSession", map[string]dbus.Variant{
		"session_handle_token": dbus.MakeVariant(fmt.Sprintf("deskstreamer%d", os.Getpid())),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	handle, err := sessionHandle(results)
	if err != nil {
		return nil, err
	}
	p.sessionHandle = handle
	log.Debug().Str("session", string(handle)).Msg("Created portal session")

	selectOpts := map[string]dbus.Variant{
		"types":        dbus.MakeVariant(uint32(SourceTypeMonitor)),
		"multiple":     dbus.MakeVariant(true),
		"cursor_mode":  dbus.MakeVariant(uint32(CursorModeEmbedded)),
		"persist_mode": dbus.MakeVariant(uint32(PersistModeApplication)),
	}
	if p.restoreToken != "" {
		selectOpts["restore_token"] = dbus.MakeVariant(p.restoreToken)
		log.Debug().Msg("Using saved restore token")
	}
	if _, err := p.request(timeout, "SelectSources", selectOpts, handle); err != nil {
		return nil, fmt.Errorf("failed to select sources: %w", err)
	}

	results, err = p.request(timeout, "Start", map[string]dbus.Variant{}, handle, "")
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	if v, ok := results["restore_token"]; ok {
		if token, ok := v.Value().(string); ok && token != "" {
			p.restoreToken = token
			if err := saveRestoreToken(p.tokenPath, token); err != nil {
				log.Warn().Err(err).Msg("Failed to save restore token")
			}
		}
	}

	v, ok := results["streams"]
	if !ok {
		return nil, fmt.Errorf("no streams in start response")
	}
	streams, err := parseStreams(v)
	if err != nil {
		return nil, err
	}
	log.Info().Int("streams", len(streams)).Msg("Screen cast started")
	return streams, nil
}

// request calls a ScreenCast method and waits for its Response signal.
// args precede the options map in the call.
func (p *Portal) request(timeout time.Duration, method string, options map[string]dbus.Variant, args ...interface{}) (map[string]dbus.Variant, error) {
	log := logger.WithComponent("portal")

	options["handle_token"] = dbus.MakeVariant(fmt.Sprintf("deskstreamer%d_%d", os.Getpid(), requestSeq.Add(1)))

	// subscribe before calling so the response can not be missed
	signals := make(chan *dbus.Signal, 10)
	matchRule := fmt.Sprintf("type='signal',interface='%s',member='Response'", requestIface)
	if err := p.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule).Err; err != nil {
		log.Warn().Err(err).Msg("Failed to add match rule")
	}
	p.conn.Signal(signals)
	defer p.conn.RemoveSignal(signals)

	var requestPath dbus.ObjectPath
	callArgs := append(args, options)
	if err := p.conn.Object(portalService, portalPath).Call(screenCastIface+"."+method, 0, callArgs...).Store(&requestPath); err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	log.Debug().Str("method", method).Str("request_path", string(requestPath)).Msg("Waiting for portal response")

	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for %s response", method)
		case sig := <-signals:
			if sig.Path != requestPath || sig.Name != requestIface+".Response" {
				continue
			}
			return parseResponse(sig.Body)
		}
	}
}

// parseResponse splits a Request.Response signal body
func parseResponse(body []interface{}) (map[string]dbus.Variant, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("invalid portal response")
	}
	code, ok := body[0].(uint32)
	if !ok {
		return nil, fmt.Errorf("invalid portal response code %T", body[0])
	}
	switch code {
	case 0:
	case 1:
		return nil, ErrDenied
	default:
		return nil, fmt.Errorf("portal request failed (code %d)", code)
	}

	if len(body) < 2 {
		return map[string]dbus.Variant{}, nil
	}
	results, ok := body[1].(map[string]dbus.Variant)
	if !ok {
		return nil, fmt.Errorf("invalid portal results %T", body[1])
	}
	return results, nil
}

func sessionHandle(results map[string]dbus.Variant) (dbus.ObjectPath, error) {
	v, ok := results["session_handle"]
	if !ok {
		return "", fmt.Errorf("no session handle in response")
	}
	switch h := v.Value().(type) {
	case dbus.ObjectPath:
		return h, nil
	case string:
		return dbus.ObjectPath(h), nil
	default:
		return "", fmt.Errorf("unexpected session_handle type: %T", h)
	}
}

// parseStreams decodes the a(ua{sv}) streams result
func parseStreams(v dbus.Variant) ([]Stream, error) {
	var raw []struct {
		NodeID uint32
		Props  map[string]dbus.Variant
	}
	if err := dbus.Store([]interface{}{v.Value()}, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode streams: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("portal returned no streams")
	}

	streams := make([]Stream, 0, len(raw))
	for _, r := range raw {
		s := Stream{NodeID: r.NodeID}
		if pos, ok := r.Props["position"]; ok {
			var xy struct{ X, Y int32 }
			if dbus.Store([]interface{}{pos.Value()}, &xy) == nil {
				s.X, s.Y = int(xy.X), int(xy.Y)
			}
		}
		if size, ok := r.Props["size"]; ok {
			var wh struct{ W, H int32 }
			if dbus.Store([]interface{}{size.Value()}, &wh) == nil {
				s.Width, s.Height = int(wh.W), int(wh.H)
			}
		}
		streams = append(streams, s)
	}
	return streams, nil
}

type restoreToken struct {
	Token string `json:"token"`
}

func loadRestoreToken(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var t restoreToken
	if err := json.Unmarshal(data, &t); err != nil {
		return ""
	}
	return t.Token
}

func saveRestoreToken(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.Marshal(restoreToken{Token: token})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
