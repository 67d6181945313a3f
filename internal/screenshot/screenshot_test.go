package screenshot

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/bryanchriswhite/DeskStreamer/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryTakeIsOneShot(t *testing.T) {
	r := NewRegistry()
	r.Set(1, "a", nil)
	r.Set(1, "b", nil)
	assert.True(t, r.Pending(1))

	req, ok := r.Take(1)
	require.True(t, ok)
	assert.Equal(t, "b", req.SID)

	_, ok = r.Take(1)
	assert.False(t, ok)

	req.RestoreTexture = true
	r.Put(1, req)
	again, ok := r.Take(1)
	require.True(t, ok)
	assert.True(t, again.RestoreTexture)
}

func TestBuildMessages(t *testing.T) {
	resp := Build("s", MsgChangeCodec, nil)
	assert.Equal(t, MsgChangeCodec, resp.Msg)
	assert.Empty(t, resp.Data)

	resp = Build("s", "", nil)
	assert.Equal(t, MsgFailed, resp.Msg)
}

func TestBuildPNG(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	img.SetRGBA(1, 1, color.RGBA{9, 8, 7, 255})

	resp := Build("sid", "", img)
	assert.Equal(t, "sid", resp.SID)
	assert.Empty(t, resp.Msg)

	decoded, err := png.Decode(bytes.NewReader(resp.Data))
	require.NoError(t, err)
	assert.Equal(t, 3, decoded.Bounds().Dx())
	r, g, b, _ := decoded.At(1, 1).RGBA()
	assert.Equal(t, []uint32{9, 8, 7}, []uint32{r >> 8, g >> 8, b >> 8})
}

func TestRespondAsyncCopiesFrame(t *testing.T) {
	got := make(chan protocol.ScreenshotResponse, 1)
	req := &Request{SID: "x", Reply: func(resp protocol.ScreenshotResponse) error {
		got <- resp
		return nil
	}}

	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	RespondAsync(req, "", img)
	img.Pix = nil

	select {
	case resp := <-got:
		assert.NotEmpty(t, resp.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
	}
}
