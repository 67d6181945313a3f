package capture

import (
	"errors"
	"testing"
	"time"

	"github.com/bryanchriswhite/DeskStreamer/internal/video"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	name      string
	available bool
	infos     []video.DisplayInfo
	enumErr   error
	openErr   error
	opened    []int
}

func (b *fakeBackend) Name() string      { return b.name }
func (b *fakeBackend) IsAvailable() bool { return b.available }
func (b *fakeBackend) Close() error      { return nil }

func (b *fakeBackend) Enumerate() ([]video.DisplayInfo, error) {
	return b.infos, b.enumErr
}

func (b *fakeBackend) Open(index int, info video.DisplayInfo) (Capturer, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	b.opened = append(b.opened, index)
	return nopCapturer{}, nil
}

type nopCapturer struct{}

func (nopCapturer) Frame(time.Duration) (*video.Frame, error) { return nil, ErrWouldBlock }
func (nopCapturer) Close() error                              { return nil }

func monitors(n int) []video.DisplayInfo {
	infos := make([]video.DisplayInfo, n)
	for i := range infos {
		infos[i] = video.DisplayInfo{
			Name:   "m",
			Rect:   video.Rect{X: i * 1920, Width: 1920, Height: 1080},
			Online: true,
		}
	}
	return infos
}

func TestRouterAcquireGeometry(t *testing.T) {
	r := NewRouter()
	b := &fakeBackend{name: "fake", available: true, infos: monitors(3)}
	r.Register(video.SourceMonitor, b)

	geom, c, err := r.Acquire(video.SourceMonitor, 2)
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.Equal(t, 3, geom.Count)
	assert.Equal(t, 2, geom.Index)
	assert.Equal(t, 3840, geom.X)
	assert.Equal(t, 1920, geom.Width)
	assert.Equal(t, []int{2}, b.opened)
}

func TestRouterAcquireNotFound(t *testing.T) {
	r := NewRouter()
	r.Register(video.SourceMonitor, &fakeBackend{name: "fake", available: true, infos: monitors(2)})

	_, _, err := r.Acquire(video.SourceMonitor, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRouterAcquireBackendError(t *testing.T) {
	r := NewRouter()
	r.Register(video.SourceMonitor, &fakeBackend{
		name:      "fake",
		available: true,
		infos:     monitors(1),
		openErr:   errors.New("boom"),
	})

	_, _, err := r.Acquire(video.SourceMonitor, 0)
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "open", be.Op)
	assert.Equal(t, "fake", be.Backend)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestRouterFallsBackToAvailableBackend(t *testing.T) {
	r := NewRouter()
	down := &fakeBackend{name: "down", available: false, infos: monitors(1)}
	up := &fakeBackend{name: "up", available: true, infos: monitors(2)}
	r.Register(video.SourceMonitor, down)
	r.Register(video.SourceMonitor, up)

	infos, err := r.Sources(video.SourceMonitor)
	require.NoError(t, err)
	assert.Len(t, infos, 2)

	_, _, err = r.Acquire(video.SourceMonitor, 1)
	require.NoError(t, err)
	assert.Empty(t, down.opened)
	assert.Equal(t, []int{1}, up.opened)
}

func TestRouterNoBackendForSource(t *testing.T) {
	r := NewRouter()
	_, _, err := r.Acquire(video.SourceCamera, 0)
	var be *BackendError
	require.ErrorAs(t, err, &be)
}

func TestConvertBGRA(t *testing.T) {
	data := []byte{
		1, 2, 3, 0,
		10, 20, 30, 0,
	}
	img, err := convertBGRA(data, 2, 1, 24)
	require.NoError(t, err)
	assert.Equal(t, []uint8{3, 2, 1, 255, 30, 20, 10, 255}, img.Pix)

	_, err = convertBGRA(data, 2, 2, 24)
	assert.Error(t, err)

	_, err = convertBGRA(data, 2, 1, 16)
	assert.Error(t, err)
}
