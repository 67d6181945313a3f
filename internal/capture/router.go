package capture

import (
	"fmt"
	"sync"

	"github.com/bryanchriswhite/DeskStreamer/internal/logger"
	"github.com/bryanchriswhite/DeskStreamer/internal/video"
)

// Router routes acquisition requests to the first available backend of a source kind
type Router struct {
	backends map[video.Source][]Backend
	mu       sync.RWMutex
}

// NewRouter creates a new capture router
func NewRouter() *Router {
	return &Router{
		backends: make(map[video.Source][]Backend),
	}
}

// Register appends a backend to the fallback list of src
func (r *Router) Register(src video.Source, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[src] = append(r.backends[src], b)

	logger.WithComponent("capture-router").Info().
		Str("source", src.String()).
		Str("backend", b.Name()).
		Bool("available", b.IsAvailable()).
		Msg("Capture backend registered")
}

// backend returns the first available backend for src
func (r *Router) backend(src video.Source) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, b := range r.backends[src] {
		if b.IsAvailable() {
			return b, nil
		}
	}
	return nil, &BackendError{
		Backend: src.String(),
		Op:      "select",
		Err:     fmt.Errorf("no capture backend available"),
	}
}

// Sources lists the sources of the given kind in index order
func (r *Router) Sources(src video.Source) ([]video.DisplayInfo, error) {
	b, err := r.backend(src)
	if err != nil {
		return nil, err
	}
	infos, err := b.Enumerate()
	if err != nil {
		return nil, &BackendError{Backend: b.Name(), Op: "enumerate", Err: err}
	}
	return infos, nil
}

// Acquire opens source index of kind src and returns its geometry.
// It fails with ErrNotFound when index is out of range.
func (r *Router) Acquire(src video.Source, index int) (video.Geometry, Capturer, error) {
	b, err := r.backend(src)
	if err != nil {
		return video.Geometry{}, nil, err
	}

	infos, err := b.Enumerate()
	if err != nil {
		return video.Geometry{}, nil, &BackendError{Backend: b.Name(), Op: "enumerate", Err: err}
	}
	if index < 0 || index >= len(infos) {
		return video.Geometry{}, nil, fmt.Errorf("%s index %d of %d: %w", src, index, len(infos), ErrNotFound)
	}

	c, err := b.Open(index, infos[index])
	if err != nil {
		return video.Geometry{}, nil, &BackendError{Backend: b.Name(), Op: "open", Err: err}
	}

	geom := video.Geometry{
		Rect:  infos[index].Rect,
		Count: len(infos),
		Index: index,
	}

	logger.WithComponent("capture-router").Debug().
		Str("source", src.String()).
		Str("backend", b.Name()).
		Int("index", index).
		Int("count", geom.Count).
		Int("width", geom.Width).
		Int("height", geom.Height).
		Msg("Capture acquired")

	return geom, c, nil
}

// Close closes every registered backend
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, list := range r.backends {
		for _, b := range list {
			if err := b.Close(); err != nil {
				logger.WithComponent("capture-router").Warn().
					Err(err).
					Str("backend", b.Name()).
					Msg("Failed to close capture backend")
			}
		}
	}
	r.backends = make(map[video.Source][]Backend)
	return nil
}
