package pipewire

import (
	"path/filepath"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStreams(t *testing.T) {
	v := dbus.MakeVariant([][]interface{}{
		{uint32(42), map[string]dbus.Variant{
			"position": dbus.MakeVariant([]interface{}{int32(0), int32(0)}),
			"size":     dbus.MakeVariant([]interface{}{int32(2560), int32(1440)}),
		}},
		{uint32(43), map[string]dbus.Variant{
			"size": dbus.MakeVariant([]interface{}{int32(1920), int32(1080)}),
		}},
	})

	streams, err := parseStreams(v)
	require.NoError(t, err)
	require.Len(t, streams, 2)
	assert.Equal(t, Stream{NodeID: 42, Width: 2560, Height: 1440}, streams[0])
	assert.Equal(t, Stream{NodeID: 43, Width: 1920, Height: 1080}, streams[1])

	infos := streamInfos(streams)
	require.Len(t, infos, 2)
	assert.True(t, infos[0].Primary)
	assert.True(t, infos[1].CursorEmbedded)
	assert.Equal(t, 1920, infos[1].OriginalResolution.Width)
}

func TestParseStreamsEmpty(t *testing.T) {
	_, err := parseStreams(dbus.MakeVariant([][]interface{}{}))
	assert.Error(t, err)
}

func TestParseResponse(t *testing.T) {
	results, err := parseResponse([]interface{}{uint32(0), map[string]dbus.Variant{
		"session_handle": dbus.MakeVariant("/org/freedesktop/portal/desktop/session/1_1/x"),
	}})
	require.NoError(t, err)
	handle, err := sessionHandle(results)
	require.NoError(t, err)
	assert.Equal(t, dbus.ObjectPath("/org/freedesktop/portal/desktop/session/1_1/x"), handle)

	_, err = parseResponse([]interface{}{uint32(1), map[string]dbus.Variant{}})
	assert.ErrorIs(t, err, ErrDenied)

	_, err = parseResponse([]interface{}{uint32(2)})
	assert.Error(t, err)

	_, err = sessionHandle(map[string]dbus.Variant{})
	assert.Error(t, err)
}

func TestRestoreTokenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "portal_token")
	assert.Empty(t, loadRestoreToken(path))

	require.NoError(t, saveRestoreToken(path, "abc"))
	assert.Equal(t, "abc", loadRestoreToken(path))
}

func TestCopyRGBA(t *testing.T) {
	data := make([]byte, 2*2*4)
	data[0] = 255
	img, err := copyRGBA(data, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, uint8(255), img.Pix[0])

	_, err = copyRGBA(data[:3], 2, 2)
	assert.Error(t, err)
}
