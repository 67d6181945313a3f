package display

import (
	"errors"
	"testing"

	"github.com/bryanchriswhite/DeskStreamer/internal/video"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnum struct {
	infos []video.DisplayInfo
	err   error
}

func (f *fakeEnum) Sources(video.Source) ([]video.DisplayInfo, error) {
	out := make([]video.DisplayInfo, len(f.infos))
	copy(out, f.infos)
	return out, f.err
}

func screens(rects ...video.Rect) []video.DisplayInfo {
	infos := make([]video.DisplayInfo, len(rects))
	for i, r := range rects {
		infos[i] = video.DisplayInfo{Name: "screen", Rect: r, Online: true, Scale: 1}
	}
	return infos
}

var (
	hd  = video.Rect{Width: 1920, Height: 1080}
	hd2 = video.Rect{X: 1920, Width: 1920, Height: 1080}
	qhd = video.Rect{X: 3840, Width: 2560, Height: 1440}
)

func TestDetectTopologyChangeOncePerChange(t *testing.T) {
	live := NewSyncedDisplays(nil)
	live.Update(screens(hd, hd2))
	d := NewDetector(live)
	d.Reset(video.Geometry{Rect: hd2, Count: 2, Index: 1})

	_, changed := d.DetectTopologyChange(2, 1, hd2)
	assert.False(t, changed)

	resized := video.Rect{X: 1920, Width: 1280, Height: 720}
	live.Update(screens(hd, resized))

	info, changed := d.DetectTopologyChange(2, 1, hd2)
	require.True(t, changed)
	require.NotNil(t, info)
	assert.Equal(t, resized, info.Rect)

	_, changed = d.DetectTopologyChange(2, 1, hd2)
	assert.False(t, changed, "same change reported twice")

	// a further distinct change is reported again
	live.Update(screens(hd, hd2, qhd))
	info, changed = d.DetectTopologyChange(2, 1, hd2)
	require.True(t, changed)
	assert.Equal(t, hd2, info.Rect)
}

func TestDetectTopologyChangeMissingIndex(t *testing.T) {
	live := NewSyncedDisplays(nil)
	live.Update(screens(hd, hd2, qhd))
	d := NewDetector(live)
	d.Reset(video.Geometry{Rect: qhd, Count: 3, Index: 2})

	live.Update(screens(hd, hd2))

	info, changed := d.DetectTopologyChange(3, 2, qhd)
	assert.True(t, changed)
	assert.Nil(t, info)

	_, changed = d.DetectTopologyChange(3, 2, qhd)
	assert.False(t, changed)
}

func TestDetectTopologyChangeAfterReset(t *testing.T) {
	live := NewSyncedDisplays(nil)
	live.Update(screens(hd))
	d := NewDetector(live)

	small := video.Rect{Width: 1280, Height: 720}
	live.Update(screens(small))
	_, changed := d.DetectTopologyChange(1, 0, hd)
	require.True(t, changed)

	// the loop restarted with the new geometry
	d.Reset(video.Geometry{Rect: small, Count: 1, Index: 0})
	_, changed = d.DetectTopologyChange(1, 0, small)
	assert.False(t, changed)

	live.Update(screens(hd))
	_, changed = d.DetectTopologyChange(1, 0, small)
	assert.True(t, changed)
}

func TestSyncedDisplaysTakeUpdate(t *testing.T) {
	s := NewSyncedDisplays(nil)
	s.Update(screens(hd))

	list, ok := s.TakeUpdate()
	require.True(t, ok)
	assert.Len(t, list, 1)

	_, ok = s.TakeUpdate()
	assert.False(t, ok)

	// unchanged list does not unsync
	s.Update(screens(hd))
	_, ok = s.TakeUpdate()
	assert.False(t, ok)

	s.Resync()
	_, ok = s.TakeUpdate()
	assert.True(t, ok)
}

func TestSyncedDisplaysIgnoreChanges(t *testing.T) {
	s := NewSyncedDisplays(nil)
	s.Update(screens(hd))
	s.TakeUpdate()

	restore := s.IgnoreChanges()
	s.Update(screens(hd2))
	_, ok := s.TakeUpdate()
	assert.False(t, ok)

	restore()
	list, ok := s.TakeUpdate()
	require.True(t, ok)
	assert.Equal(t, hd2, list[0].Rect)
}

func TestOriginalResolutionApplied(t *testing.T) {
	res := NewResolutions()
	res.SetLastChanged("screen", video.Resolution{Width: 2560, Height: 1440}, video.Resolution{Width: 1920, Height: 1080})
	res.SetLastChanged("screen", video.Resolution{Width: 1, Height: 1}, video.Resolution{Width: 1280, Height: 720})

	s := NewSyncedDisplays(res)
	s.Update(screens(hd))
	info, ok := s.Get(0)
	require.True(t, ok)
	assert.Equal(t, video.Resolution{Width: 2560, Height: 1440}, info.OriginalResolution)

	other := video.DisplayInfo{Name: "other", Rect: video.Rect{Width: 3000, Height: 2000}, Scale: 2}
	s.Update([]video.DisplayInfo{other})
	info, _ = s.Get(0)
	assert.Equal(t, video.Resolution{Width: 1500, Height: 1000}, info.OriginalResolution)
}

func TestResolutionsRestore(t *testing.T) {
	res := NewResolutions()
	res.SetLastChanged("a", video.Resolution{Width: 10, Height: 10}, video.Resolution{Width: 5, Height: 5})
	res.SetLastChanged("b", video.Resolution{Width: 20, Height: 20}, video.Resolution{Width: 5, Height: 5})

	restored := map[string]video.Resolution{}
	failed := res.Restore(func(name string, r video.Resolution) error {
		restored[name] = r
		if name == "b" {
			return errors.New("nope")
		}
		return nil
	})

	assert.Equal(t, video.Resolution{Width: 10, Height: 10}, restored["a"])
	assert.Len(t, failed, 1)
	assert.Contains(t, failed, "b")
	assert.Equal(t, video.Resolution{Width: 7, Height: 7}, res.Original("a", 7, 7))
}

func TestServiceCheckPublishesOnChange(t *testing.T) {
	enum := &fakeEnum{infos: screens(hd)}
	var published [][]video.DisplayInfo
	svc := NewService(enum, NewSyncedDisplays(nil), 0, func(d []video.DisplayInfo) {
		published = append(published, d)
	})

	svc.Check()
	svc.Check()
	require.Len(t, published, 1)

	enum.infos = screens(hd, hd2)
	svc.Check()
	require.Len(t, published, 2)
	assert.Len(t, published[1], 2)

	enum.err = errors.New("gone")
	svc.Check()
	assert.Len(t, published, 2)
}
