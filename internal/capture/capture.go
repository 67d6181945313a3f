package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/bryanchriswhite/DeskStreamer/internal/video"
)

var (
	// ErrNotFound is returned when the requested index is not below the
	// current source count. Callers must re-enumerate before retrying.
	ErrNotFound = errors.New("capture source not found")

	// ErrWouldBlock means no new frame was available within the timeout
	ErrWouldBlock = errors.New("capture would block")
)

// BackendError wraps a failure of the platform capture API
type BackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s capture backend: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Capturer yields raw frames for one display or camera
type Capturer interface {
	// Frame waits at most timeout for the next frame. It returns
	// ErrWouldBlock when nothing new arrived in time.
	Frame(timeout time.Duration) (*video.Frame, error)

	// Close releases the platform resources held by the capturer
	Close() error
}

// TextureCapturer can hand frames to a texture encoder without a CPU
// copy. Frames are CPU frames until texture output is enabled.
type TextureCapturer interface {
	SetTextureOutput(enabled bool)
}

// Backend enumerates and opens sources of one kind
type Backend interface {
	// Name returns a human-readable name for this backend
	Name() string

	// IsAvailable checks if this backend can be used in the current environment
	IsAvailable() bool

	// Enumerate lists the sources in index order
	Enumerate() ([]video.DisplayInfo, error)

	// Open starts capturing the source at index
	Open(index int, info video.DisplayInfo) (Capturer, error)

	// Close releases backend-wide resources
	Close() error
}
