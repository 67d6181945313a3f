// Package qos holds the per-service quality and frame-rate targets the
// capture loops poll. The estimation algorithm is external; this store only
// records what it or an operator requests.
package qos

import (
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/DeskStreamer/internal/logger"
)

const (
	MinFPS     = 1
	MaxFPS     = 120
	DefaultFPS = 30
)

// Quality is a requested encoder quality. Custom profiles keep the ratio
// only as a hint.
type Quality struct {
	Ratio  float32 `json:"ratio"`
	Custom bool    `json:"custom"`
}

// Snapshot is what a loop reads once per frame slot
type Snapshot struct {
	Quality                Quality
	SPF                    time.Duration
	Record                 bool
	VBR                    bool
	SupportsDynamicQuality bool
}

// Ratio returns the quality ratio
func (s Snapshot) Ratio() float32 {
	return s.Quality.Ratio
}

// Estimator is the contract between the capture loops and QoS
type Estimator interface {
	Snapshot(service string) Snapshot
	ReportDelivered(service string, frames int)
	NewDisplay(service string)
	RemoveDisplay(service string)
	SetSupportsChangingQuality(service string, supported bool)
	StoreBitrate(kbps uint32)
}

// DisplayStats are the delivery statistics of one service
type DisplayStats struct {
	SupportsChangingQuality bool      `json:"supports_changing_quality"`
	DeliveredFPS            int       `json:"delivered_fps"`
	Updated                 time.Time `json:"updated"`
}

// Status is a copy of the store for the control API
type Status struct {
	Quality  Quality                 `json:"quality"`
	FPS      int                     `json:"fps"`
	Record   bool                    `json:"record"`
	VBR      bool                    `json:"vbr"`
	Bitrate  uint32                  `json:"bitrate_kbps"`
	Displays map[string]DisplayStats `json:"displays"`
}

// Store is the shared quality state
type Store struct {
	mu       sync.Mutex
	quality  Quality
	fps      int
	record   bool
	vbr      bool
	bitrate  uint32
	displays map[string]*DisplayStats
}

// NewStore creates a store with the given defaults
func NewStore(fps int, ratio float32) *Store {
	s := &Store{
		fps:      DefaultFPS,
		quality:  Quality{Ratio: 1},
		displays: make(map[string]*DisplayStats),
	}
	s.SetFPS(fps)
	s.SetQuality(Quality{Ratio: ratio})
	return s
}

// Snapshot returns the current targets for service
func (s *Store) Snapshot(service string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Quality: s.quality,
		SPF:     time.Second / time.Duration(s.fps),
		Record:  s.record,
		VBR:     s.vbr,
	}
	if d, ok := s.displays[service]; ok {
		snap.SupportsDynamicQuality = d.SupportsChangingQuality
	}
	return snap
}

// ReportDelivered stores the number of frames sent in the last second
func (s *Store) ReportDelivered(service string, frames int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.displays[service]; ok {
		d.DeliveredFPS = frames
		d.Updated = time.Now()
	}
}

// NewDisplay registers a service
func (s *Store) NewDisplay(service string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.displays[service] = &DisplayStats{Updated: time.Now()}
}

// RemoveDisplay unregisters a service
func (s *Store) RemoveDisplay(service string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.displays, service)
}

// SetSupportsChangingQuality records the capability of the service's encoder
func (s *Store) SetSupportsChangingQuality(service string, supported bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.displays[service]; ok {
		d.SupportsChangingQuality = supported
	}
}

// StoreBitrate stores the bitrate last reported by an encoder
func (s *Store) StoreBitrate(kbps uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bitrate = kbps
}

// SetQuality requests a new quality. The ratio is clamped to [0,1].
func (s *Store) SetQuality(q Quality) {
	if q.Ratio < 0 {
		q.Ratio = 0
	}
	if q.Ratio > 1 {
		q.Ratio = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.quality = q

	logger.WithComponent("qos").Debug().
		Float32("ratio", q.Ratio).
		Bool("custom", q.Custom).
		Msg("Quality set")
}

// SetFPS requests a new frame rate
func (s *Store) SetFPS(fps int) error {
	if fps < MinFPS || fps > MaxFPS {
		return fmt.Errorf("fps %d out of range [%d, %d]", fps, MinFPS, MaxFPS)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fps = fps
	return nil
}

// SetRecord sets whether a client requested recording
func (s *Store) SetRecord(record bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = record
}

// SetVBR sets whether the estimator is in variable-bitrate state
func (s *Store) SetVBR(vbr bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vbr = vbr
}

// Status returns a copy of the store
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Quality:  s.quality,
		FPS:      s.fps,
		Record:   s.record,
		VBR:      s.vbr,
		Bitrate:  s.bitrate,
		Displays: make(map[string]DisplayStats, len(s.displays)),
	}
	for name, d := range s.displays {
		st.Displays[name] = *d
	}
	return st
}
