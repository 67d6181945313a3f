package display

import (
	"sync"

	"github.com/bryanchriswhite/DeskStreamer/internal/video"
)

type baseline struct {
	count   int
	rect    video.Rect
	missing bool
}

// Detector compares the live display list against the geometry each loop
// acquired and the last change already reported for that index
type Detector struct {
	live *SyncedDisplays

	mu        sync.Mutex
	baselines map[int]baseline
}

// NewDetector creates a detector reading the live list
func NewDetector(live *SyncedDisplays) *Detector {
	return &Detector{
		live:      live,
		baselines: make(map[int]baseline),
	}
}

// Reset sets the baseline of idx to the geometry just acquired
func (d *Detector) Reset(geom video.Geometry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baselines[geom.Index] = baseline{count: geom.Count, rect: geom.Rect}
}

// Forget drops the baseline of idx
func (d *Detector) Forget(idx int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.baselines, idx)
}

// DetectTopologyChange returns the live display when its count or
// rectangle differs from the acquired geometry and the change was not
// reported yet. A missing index is reported once with a nil display.
func (d *Detector) DetectTopologyChange(count, idx int, rect video.Rect) (*video.DisplayInfo, bool) {
	liveCount := d.live.Len()
	info, ok := d.live.Get(idx)

	var current baseline
	switch {
	case !ok:
		current = baseline{count: liveCount, missing: true}
	default:
		current = baseline{count: liveCount, rect: info.Rect}
	}

	if !current.missing && current.count == count && current.rect == rect {
		return nil, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	last, seen := d.baselines[idx]
	if seen && last == current {
		return nil, false
	}
	d.baselines[idx] = current

	if current.missing {
		return nil, true
	}
	return &info, true
}
