package gstenc

import (
	"testing"

	"github.com/bryanchriswhite/DeskStreamer/internal/encoder"
	"github.com/bryanchriswhite/DeskStreamer/internal/video"
	"github.com/stretchr/testify/assert"
)

func find(t *testing.T, backend string) element {
	t.Helper()
	for _, el := range elements {
		if el.backend == backend {
			return el
		}
	}
	t.Fatalf("backend %s not found", backend)
	return element{}
}

func TestLaunchLineKeyframeOnlyWhenSet(t *testing.T) {
	el := find(t, "x264")
	cfg := encoder.Config{Width: 1280, Height: 720, FPS: 30}

	line := launchLine(el, cfg, video.PixelI420, 2000)
	assert.Contains(t, line, "x264enc name=enc")
	assert.Contains(t, line, "bitrate=2000")
	assert.Contains(t, line, "format=I420,width=1280,height=720,framerate=30/1")
	assert.NotContains(t, line, "key-int-max")

	cfg.KeyframeInterval = encoder.DefaultRecordKeyframeInterval
	line = launchLine(el, cfg, video.PixelI420, 2000)
	assert.Contains(t, line, "key-int-max=240")
}

func TestLaunchLineBitsPerSecond(t *testing.T) {
	line := launchLine(find(t, "vp9"), encoder.Config{Width: 64, Height: 64}, video.PixelI444, 500)
	assert.Contains(t, line, "target-bitrate=500000")
	assert.Contains(t, line, "format=Y444")
	assert.Contains(t, line, "framerate=30/1")
}

func TestElementTable(t *testing.T) {
	seen := map[string]bool{}
	for _, el := range elements {
		assert.False(t, seen[el.backend], "duplicate backend %s", el.backend)
		seen[el.backend] = true
		assert.NotEmpty(t, el.bitrateProp)
		assert.NotEmpty(t, el.keyframeProp)
		if el.tier.IsHardware() {
			assert.False(t, el.latencyFree, "%s hardware encoders buffer input", el.backend)
		}
	}
	assert.False(t, find(t, "vaapi-h264").dynamic)
}
