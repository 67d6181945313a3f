package qos

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotDefaults(t *testing.T) {
	s := NewStore(0, 0.5)
	snap := s.Snapshot("monitor0")

	assert.Equal(t, time.Second/DefaultFPS, snap.SPF)
	assert.Equal(t, float32(0.5), snap.Ratio())
	assert.False(t, snap.SupportsDynamicQuality)
}

func TestPerServiceCapability(t *testing.T) {
	s := NewStore(10, 1)
	s.NewDisplay("monitor0")
	s.SetSupportsChangingQuality("monitor0", true)

	assert.True(t, s.Snapshot("monitor0").SupportsDynamicQuality)
	assert.False(t, s.Snapshot("monitor1").SupportsDynamicQuality)
	assert.Equal(t, 100*time.Millisecond, s.Snapshot("monitor0").SPF)

	s.RemoveDisplay("monitor0")
	assert.False(t, s.Snapshot("monitor0").SupportsDynamicQuality)
}

func TestSetters(t *testing.T) {
	s := NewStore(30, 1)

	require.Error(t, s.SetFPS(0))
	require.Error(t, s.SetFPS(MaxFPS+1))
	require.NoError(t, s.SetFPS(60))

	s.SetQuality(Quality{Ratio: 2})
	assert.Equal(t, float32(1), s.Snapshot("x").Ratio())
	s.SetQuality(Quality{Ratio: -1, Custom: true})
	snap := s.Snapshot("x")
	assert.Equal(t, float32(0), snap.Ratio())
	assert.True(t, snap.Quality.Custom)

	s.SetRecord(true)
	s.SetVBR(true)
	snap = s.Snapshot("x")
	assert.True(t, snap.Record)
	assert.True(t, snap.VBR)
}

func TestReportDeliveredAndStatus(t *testing.T) {
	s := NewStore(30, 1)
	s.NewDisplay("camera0")
	s.ReportDelivered("camera0", 24)
	s.ReportDelivered("unknown", 5)
	s.StoreBitrate(4000)

	st := s.Status()
	assert.Equal(t, uint32(4000), st.Bitrate)
	require.Contains(t, st.Displays, "camera0")
	assert.Equal(t, 24, st.Displays["camera0"].DeliveredFPS)
	assert.NotContains(t, st.Displays, "unknown")
}
