package encoder

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/bryanchriswhite/DeskStreamer/internal/video"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestConvertI420Sizes(t *testing.T) {
	c := NewConverter(4, 2, video.PixelI420)
	assert.Nil(t, c.Last())

	buf, err := c.Convert(solid(4, 2, color.RGBA{255, 255, 255, 255}))
	require.NoError(t, err)
	assert.Len(t, buf, FrameSize(video.PixelI420, 4, 2))
	assert.Equal(t, 4*2+2*2*1, len(buf))

	// white is Y=235 in limited range, neutral chroma
	assert.Equal(t, uint8(235), buf[0])
	assert.Equal(t, uint8(128), buf[8])
	assert.NotNil(t, c.Last())
}

func TestConvertI444Black(t *testing.T) {
	c := NewConverter(2, 2, video.PixelI444)
	buf, err := c.Convert(solid(2, 2, color.RGBA{0, 0, 0, 255}))
	require.NoError(t, err)
	require.Len(t, buf, 12)
	assert.Equal(t, []byte{16, 16, 16, 16}, buf[:4])
	assert.Equal(t, []byte{128, 128, 128, 128}, buf[4:8])
}

func TestConvertScalesToTarget(t *testing.T) {
	c := NewConverter(4, 4, video.PixelRGBA)
	buf, err := c.Convert(solid(9, 7, color.RGBA{10, 20, 30, 255}))
	require.NoError(t, err)
	require.Len(t, buf, 64)
	assert.InDelta(t, 10, int(buf[0]), 1)
	assert.InDelta(t, 20, int(buf[1]), 1)
	assert.InDelta(t, 30, int(buf[2]), 1)
}

func TestConvertBGRASwaps(t *testing.T) {
	c := NewConverter(1, 1, video.PixelBGRA)
	buf, err := c.Convert(solid(1, 1, color.RGBA{1, 2, 3, 255}))
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 2, 1, 255}, buf)
}

func TestConvertRejectsNil(t *testing.T) {
	_, err := NewConverter(2, 2, video.PixelRGBA).Convert(nil)
	assert.Error(t, err)
}

func TestMJPEGEncodesDecodableFrame(t *testing.T) {
	enc, err := NewMJPEG(Config{Width: 16, Height: 8, Quality: 0.5})
	require.NoError(t, err)

	buf, err := NewConverter(16, 8, enc.PixelFormat()).Convert(solid(16, 8, color.RGBA{200, 0, 0, 255}))
	require.NoError(t, err)

	frame, err := enc.Encode(buf, 42)
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.True(t, frame.Key)
	assert.Equal(t, int64(42), frame.Timestamp)
	assert.Equal(t, video.CodecMJPEG, frame.Codec)

	img, err := jpeg.Decode(bytes.NewReader(frame.Data))
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())

	_, err = enc.Encode(buf[:10], 43)
	assert.Error(t, err)
}

func TestMJPEGQualityRange(t *testing.T) {
	assert.Equal(t, 30, jpegQuality(-1))
	assert.Equal(t, 60, jpegQuality(0.5))
	assert.Equal(t, 90, jpegQuality(2))

	_, err := NewMJPEG(Config{})
	assert.Error(t, err)
}

func TestBaseBitrate(t *testing.T) {
	assert.Equal(t, uint32(100), BaseBitrate(10, 10, 0))
	assert.Greater(t, BaseBitrate(1920, 1080, 1), BaseBitrate(1920, 1080, 0.1))
}
