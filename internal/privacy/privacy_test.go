package privacy

import (
	"testing"

	"github.com/bryanchriswhite/DeskStreamer/internal/video"
	"github.com/stretchr/testify/assert"
)

func TestRegistryExclusive(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, video.NoConn, r.CurrentHolder())

	assert.True(t, r.Set(7))
	assert.False(t, r.Set(8))
	assert.True(t, r.Set(7))
	assert.Equal(t, video.ConnID(7), r.CurrentHolder())

	assert.False(t, r.Clear(8))
	assert.True(t, r.Clear(7))
	assert.Equal(t, video.NoConn, r.CurrentHolder())
}

func TestGateDetectsDrift(t *testing.T) {
	r := NewRegistry()
	g := NewGate(r)

	token := g.Snapshot()
	assert.False(t, token.Active())

	_, changed := g.DetectChange(token)
	assert.False(t, changed)

	r.Set(7)
	live, changed := g.DetectChange(token)
	assert.True(t, changed)
	assert.Equal(t, video.ConnID(7), live)

	token = g.Snapshot()
	assert.True(t, token.Active())
	_, changed = g.DetectChange(token)
	assert.False(t, changed)

	r.Clear(7)
	live, changed = g.DetectChange(token)
	assert.True(t, changed)
	assert.Equal(t, video.NoConn, live)
}
