package video

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceNameRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		src Source
		idx int
	}{
		{SourceMonitor, 0},
		{SourceMonitor, 12},
		{SourceCamera, 1},
	} {
		name := ServiceName(tc.src, tc.idx)
		src, idx, err := ParseServiceName(name)
		require.NoError(t, err, name)
		assert.Equal(t, tc.src, src)
		assert.Equal(t, tc.idx, idx)
	}

	for _, bad := range []string{"", "monitor", "camera-1", "screen0"} {
		_, _, err := ParseServiceName(bad)
		assert.Error(t, err, bad)
	}
}

func TestFrameValid(t *testing.T) {
	var nilFrame *Frame
	assert.False(t, nilFrame.Valid())
	assert.True(t, (&Frame{Texture: true}).Valid())
	assert.False(t, (&Frame{Image: image.NewRGBA(image.Rect(0, 0, 0, 0))}).Valid())
	assert.True(t, (&Frame{Image: image.NewRGBA(image.Rect(0, 0, 1, 1))}).Valid())
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("vp9")
	require.NoError(t, err)
	assert.Equal(t, CodecVP9, c)

	_, err = ParseCodec("VP9")
	assert.Error(t, err)
}
