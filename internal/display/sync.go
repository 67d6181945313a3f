package display

import (
	"math"
	"sync"

	"github.com/bryanchriswhite/DeskStreamer/internal/video"
)

// Enumerator lists the live sources of a kind
type Enumerator interface {
	Sources(src video.Source) ([]video.DisplayInfo, error)
}

// SyncedDisplays is the last enumerated monitor list plus a flag telling
// whether peers have been sent that list
type SyncedDisplays struct {
	mu       sync.Mutex
	displays []video.DisplayInfo
	synced   bool
	ignore   bool
	res      *Resolutions
}

// NewSyncedDisplays creates an empty list that applies original
// resolutions from res
func NewSyncedDisplays(res *Resolutions) *SyncedDisplays {
	if res == nil {
		res = NewResolutions()
	}
	return &SyncedDisplays{res: res}
}

// Update stores a freshly enumerated list and marks it unsynced when it
// differs from the previous one
func (s *SyncedDisplays) Update(displays []video.DisplayInfo) {
	for i := range displays {
		d := &displays[i]
		scale := d.Scale
		if scale <= 0 {
			scale = 1
		}
		d.OriginalResolution = s.res.Original(d.Name,
			int(math.Round(float64(d.Rect.Width)/scale)),
			int(math.Round(float64(d.Rect.Height)/scale)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if equalDisplays(s.displays, displays) {
		return
	}
	s.displays = displays
	if !s.ignore {
		s.synced = false
	}
}

// TakeUpdate returns the list once after each change
func (s *SyncedDisplays) TakeUpdate() ([]video.DisplayInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.synced {
		return nil, false
	}
	s.synced = true
	return cloneDisplays(s.displays), true
}

// Resync forces the next TakeUpdate to return the list
func (s *SyncedDisplays) Resync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced = false
}

// IgnoreChanges suppresses change notifications while a resolution change
// initiated by this host is in flight. The returned func restores them and
// forces a resync.
func (s *SyncedDisplays) IgnoreChanges() func() {
	s.mu.Lock()
	s.ignore = true
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		s.ignore = false
		s.synced = false
		s.mu.Unlock()
	}
}

// All returns a copy of the list
func (s *SyncedDisplays) All() []video.DisplayInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneDisplays(s.displays)
}

// Get returns display idx
func (s *SyncedDisplays) Get(idx int) (video.DisplayInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx < 0 || idx >= len(s.displays) {
		return video.DisplayInfo{}, false
	}
	return s.displays[idx], true
}

// Len returns the number of displays
func (s *SyncedDisplays) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.displays)
}

func equalDisplays(a, b []video.DisplayInfo) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func cloneDisplays(in []video.DisplayInfo) []video.DisplayInfo {
	if in == nil {
		return nil
	}
	out := make([]video.DisplayInfo, len(in))
	copy(out, in)
	return out
}

type changedResolution struct {
	original video.Resolution
	changed  video.Resolution
}

// Resolutions remembers the resolution a display had before this host
// changed it
type Resolutions struct {
	mu      sync.RWMutex
	records map[string]changedResolution
}

// NewResolutions creates an empty record set
func NewResolutions() *Resolutions {
	return &Resolutions{records: make(map[string]changedResolution)}
}

// SetLastChanged records a change of display name. The first original
// resolution seen for a name is kept.
func (r *Resolutions) SetLastChanged(name string, original, changed video.Resolution) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[name]; ok {
		rec.changed = changed
		r.records[name] = rec
		return
	}
	r.records[name] = changedResolution{original: original, changed: changed}
}

// Original returns the recorded original resolution of name, or w x h
func (r *Resolutions) Original(name string, w, h int) video.Resolution {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rec, ok := r.records[name]; ok {
		return rec.original
	}
	return video.Resolution{Width: w, Height: h}
}

// Restore calls change for every recorded display with its original
// resolution and clears the records
func (r *Resolutions) Restore(change func(name string, res video.Resolution) error) map[string]error {
	r.mu.Lock()
	defer r.mu.Unlock()

	failed := make(map[string]error)
	for name, rec := range r.records {
		if err := change(name, rec.original); err != nil {
			failed[name] = err
		}
	}
	r.records = make(map[string]changedResolution)
	return failed
}
