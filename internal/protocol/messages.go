package protocol

import (
	"fmt"

	"github.com/bryanchriswhite/DeskStreamer/internal/video"
	"github.com/vmihailenco/msgpack/v5"
)

// MessageType tags an envelope payload
type MessageType string

const (
	TypeVideoFrame         MessageType = "video_frame"
	TypeSwitchDisplay      MessageType = "switch_display"
	TypePeerInfo           MessageType = "peer_info"
	TypePrivacyMode        MessageType = "privacy_mode"
	TypeScreenshotResponse MessageType = "screenshot_response"

	// Peer -> host
	TypeSubscribe     MessageType = "subscribe"
	TypeUnsubscribe   MessageType = "unsubscribe"
	TypeVideoReceived MessageType = "video_received"
	TypeScreenshot    MessageType = "screenshot"
	TypePrivacy       MessageType = "privacy"
)

// Envelope is the unit written to and read from a peer
type Envelope struct {
	Type    MessageType        `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// SwitchDisplay announces the geometry of a display after a topology change
type SwitchDisplay struct {
	Display            int                `msgpack:"display"`
	X                  int                `msgpack:"x"`
	Y                  int                `msgpack:"y"`
	Width              int                `msgpack:"width"`
	Height             int                `msgpack:"height"`
	CursorEmbedded     bool               `msgpack:"cursor_embedded"`
	Resolutions        []video.Resolution `msgpack:"resolutions"`
	OriginalResolution video.Resolution   `msgpack:"original_resolution"`
	// PrivacyExclusive is set while a privacy-mode holder has exclusive view
	PrivacyExclusive bool `msgpack:"privacy_exclusive"`
}

// PeerInfo carries the full display list
type PeerInfo struct {
	Displays []video.DisplayInfo `msgpack:"displays"`
}

// PrivacyState values
const (
	PrivacyOnByOther = "on_by_other"
	PrivacyOff       = "off"
)

// PrivacyMode notifies a peer that privacy mode ownership changed
type PrivacyMode struct {
	State string `msgpack:"state"`
}

// ScreenshotResponse carries a PNG or a textual failure
type ScreenshotResponse struct {
	SID  string `msgpack:"sid"`
	Data []byte `msgpack:"data,omitempty"`
	Msg  string `msgpack:"msg,omitempty"`
}

// ScreenshotRequest asks for a PNG of the next frame of a monitor
type ScreenshotRequest struct {
	Display int    `msgpack:"display"`
	SID     string `msgpack:"sid"`
}

// PrivacyRequest turns privacy mode on or off for the sending peer
type PrivacyRequest struct {
	On bool `msgpack:"on"`
}

// Subscribe asks the host to deliver a service's frames
type Subscribe struct {
	Service string `msgpack:"service"`
}

// VideoFrame is an encoded frame tagged with the service that produced it
type VideoFrame struct {
	Service            string `msgpack:"service"`
	video.EncodedFrame `msgpack:",inline"`
}

// VideoReceived acknowledges consumption of the last frame of a display
type VideoReceived struct {
	Service string `msgpack:"service"`
	Display int    `msgpack:"display"`
	// SentAt echoes EncodedFrame.Timestamp, zero when unknown
	SentAt int64 `msgpack:"sent_at"`
}

// Encode wraps a payload in an envelope and marshals both
func Encode(t MessageType, payload interface{}) ([]byte, error) {
	raw, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	data, err := msgpack.Marshal(&Envelope{Type: t, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Decode splits an envelope; use DecodePayload to read the payload
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope payload into v
func (e *Envelope) DecodePayload(v interface{}) error {
	if err := msgpack.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}

// Message is a typed outbound payload
type Message struct {
	Type    MessageType
	Payload interface{}
}

// Bytes encodes the message
func (m Message) Bytes() ([]byte, error) {
	return Encode(m.Type, m.Payload)
}
