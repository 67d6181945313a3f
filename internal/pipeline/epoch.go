package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/bryanchriswhite/DeskStreamer/internal/ack"
	"github.com/bryanchriswhite/DeskStreamer/internal/capture"
	"github.com/bryanchriswhite/DeskStreamer/internal/encoder"
	"github.com/bryanchriswhite/DeskStreamer/internal/privacy"
	"github.com/bryanchriswhite/DeskStreamer/internal/protocol"
	"github.com/bryanchriswhite/DeskStreamer/internal/qos"
	"github.com/bryanchriswhite/DeskStreamer/internal/record"
	"github.com/bryanchriswhite/DeskStreamer/internal/screenshot"
	"github.com/bryanchriswhite/DeskStreamer/internal/video"
)

// epoch is everything acquired by one Starting phase. It lives until the
// loop restarts or stops and is then released as a whole.
type epoch struct {
	svc  *Service
	reg  *Registry
	opts Options

	geom     video.Geometry
	capturer capture.Capturer
	handle   *encoder.Handle
	conv     *encoder.Converter
	recorder record.Recorder
	tracker  *ack.Tracker
	token    privacy.Token

	quality      qos.Quality
	clientRecord bool
	codec        video.CodecFormat
	i444         bool

	registered          bool
	keepTextureDisabled bool

	started      time.Time
	lastTopology time.Time
	lastReport   time.Time
	sent         int
	failures     int
	fillers      int
	encoded      int
}

func (e *epoch) start() error {
	s := e.svc
	deps := e.reg.deps

	if s.source.IsMonitor() {
		if err := deps.Displays.Refresh(); err != nil {
			s.log.Debug().Err(err).Msg("Failed to refresh displays")
		}
	}

	e.token = e.reg.gate.Snapshot()
	geom, c, err := deps.Capture.Acquire(s.source, s.index)
	if err != nil {
		return fmt.Errorf("failed to acquire %s: %w", s.name, err)
	}
	e.geom = geom
	e.capturer = c

	deps.QoS.NewDisplay(s.name)
	e.registered = true
	snap := deps.QoS.Snapshot(s.name)
	e.quality = snap.Quality
	e.clientRecord = snap.Record

	e.tracker = e.reg.acks[s.source]
	e.tracker.Open(s.index)

	req := encoder.Request{
		Service: s.name,
		Width:   geom.Width,
		Height:  geom.Height,
		Quality: snap.Ratio(),
		Record:  snap.Record || deps.Recorders != nil,
	}
	if s.source == video.SourceCamera {
		req.Device = e.opts.CameraDevice
	}

	h, err := deps.Negotiator.Build(req)
	if errors.Is(err, encoder.ErrNoBackend) {
		codec := deps.Negotiator.ForceFallback()
		s.log.Warn().Err(err).Str("codec", string(codec)).Msg("Falling back to software codec")
		h, err = deps.Negotiator.Build(req)
	}
	if err != nil {
		return fmt.Errorf("failed to build encoder for %s: %w", s.name, err)
	}
	e.handle = h
	e.codec = h.Codec()
	e.i444 = h.UseI444()

	deps.QoS.SetSupportsChangingQuality(s.name, h.SupportsChangingQuality())
	deps.QoS.StoreBitrate(h.Bitrate())

	e.conv = encoder.NewConverter(h.Config.Width, h.Config.Height, h.PixelFormat())
	if tc, ok := c.(capture.TextureCapturer); ok {
		tc.SetTextureOutput(h.Texture())
	}

	if s.source.IsMonitor() {
		e.reg.detector.Reset(geom)
	}
	e.reg.clearFlags(s.name)

	if deps.Recorders != nil {
		rec, err := deps.Recorders(s.name)
		if err != nil {
			s.log.Warn().Err(err).Msg("Failed to start recording")
		} else {
			e.recorder = rec
		}
	}

	e.reg.broadcastSwitch(s.name, e.switchDisplay(e.currentInfo()), false)

	s.log.Info().
		Int("width", geom.Width).
		Int("height", geom.Height).
		Str("codec", string(e.codec)).
		Str("backend", h.Backend).
		Int32("privacy_holder", int32(e.token.Holder)).
		Msg("Video service started")

	e.started = time.Now()
	e.lastTopology = e.started
	e.lastReport = e.started
	return nil
}

// iterate runs one frame slot
func (e *epoch) iterate() Step {
	s := e.svc
	deps := e.reg.deps
	now := time.Now()

	snap := deps.QoS.Snapshot(s.name)
	spf := snap.SPF
	if snap.Quality != e.quality {
		e.quality = snap.Quality
		if e.handle.SupportsChangingQuality() {
			if err := e.handle.SetQuality(snap.Ratio()); err != nil {
				s.log.Warn().Err(err).Msg("Failed to change encoder quality")
			}
			deps.QoS.StoreBitrate(e.handle.Bitrate())
		} else if !snap.VBR && !snap.Quality.Custom {
			return restart("quality changed")
		}
	}
	if snap.Record != e.clientRecord {
		return restart("record changed")
	}
	if now.Sub(e.lastReport) >= time.Second {
		deps.QoS.ReportDelivered(s.name, e.sent)
		e.sent = 0
		e.lastReport = now
	}

	if e.reg.refreshRequested(s.name) {
		if s.source.IsMonitor() {
			e.broadcastDisplayChanged(true)
		}
		return restart("refresh requested")
	}

	if codec := deps.Negotiator.Negotiated(); codec != e.codec || deps.Negotiator.UseI444(codec) != e.i444 {
		return restart("codec changed")
	}

	if s.source.IsMonitor() {
		if e.privacyChanged() {
			return restart("privacy mode changed")
		}
		if now.Sub(e.lastTopology) >= e.opts.TopologyInterval {
			e.lastTopology = now
			if e.broadcastDisplayChanged(false) {
				return restart("display changed")
			}
		}
	}

	e.tracker.Reset(s.index)

	frame, err := e.capturer.Frame(spf)
	switch {
	case err == nil:
		e.fillers = 0
		if step := e.handleFrame(frame, now); step.Kind != Continue {
			return step
		}
	case errors.Is(err, capture.ErrWouldBlock):
		if !e.handle.LatencyFree() && e.conv.Last() != nil && e.fillers < e.opts.MaxFillerFrames {
			e.fillers++
			if step := e.handleOneFrame(nil, e.conv.Last(), now); step.Kind != Continue {
				return step
			}
		}
	default:
		if s.source.IsMonitor() {
			e.broadcastDisplayChanged(true)
		}
		return fatal(fmt.Errorf("capture %s: %w", s.name, err))
	}

	if step := e.waitAcks(); step.Kind != Continue {
		return step
	}

	e.sleep(pace(spf, time.Since(now)))
	return proceed()
}

// handleFrame serves a pending screenshot and hands the frame to the encoder
func (e *epoch) handleFrame(frame *video.Frame, now time.Time) Step {
	s := e.svc
	if !frame.Valid() {
		return proceed()
	}

	if s.source.IsMonitor() {
		if req, ok := e.reg.deps.Screenshots.Take(s.index); ok {
			if step := e.screenshot(req, frame); step.Kind != Continue {
				return step
			}
		}
	}

	if frame.Texture {
		return e.handleOneFrame(frame, nil, now)
	}
	data, err := e.conv.Convert(frame.Image)
	if err != nil {
		return fatal(fmt.Errorf("failed to convert frame: %w", err))
	}
	return e.handleOneFrame(nil, data, now)
}

// screenshot answers req from frame. Texture frames can not be read back,
// so the first attempt restarts on the CPU path and retries.
func (e *epoch) screenshot(req *screenshot.Request, frame *video.Frame) Step {
	s := e.svc
	deps := e.reg.deps

	if frame.Texture && !req.RestoreTexture {
		req.RestoreTexture = true
		deps.Screenshots.Put(s.index, req)
		e.keepTextureDisabled = true
		deps.Negotiator.DisableTexture(s.name)
		return restart("screenshot needs cpu frame")
	}

	if frame.Texture {
		screenshot.RespondAsync(req, screenshot.MsgChangeCodec, nil)
	} else {
		screenshot.RespondAsync(req, "", frame.Image)
	}
	if req.RestoreTexture {
		return restart("screenshot taken")
	}
	return proceed()
}

// handleOneFrame encodes a texture frame or converted pixel data and
// delivers the result
func (e *epoch) handleOneFrame(frame *video.Frame, data []byte, now time.Time) Step {
	s := e.svc
	deps := e.reg.deps

	// old and new subscribers must share one encoder starting with a keyframe
	if e.reg.subscribersChanged(s.name) {
		return restart("new subscriber")
	}

	ms := now.Sub(e.started).Milliseconds()
	first := e.encoded == 0
	e.encoded++

	var (
		out *video.EncodedFrame
		err error
	)
	if frame != nil {
		te, ok := e.handle.Encoder.(encoder.TextureEncoder)
		if !ok {
			err = fmt.Errorf("%s can not encode textures: %w", e.handle.Backend, encoder.ErrNeedRenegotiate)
		} else {
			out, err = te.EncodeTexture(frame, ms)
		}
	} else {
		out, err = e.handle.Encode(data, ms)
	}
	if err != nil {
		return e.encodeFailed(err, first)
	}
	e.failures = 0
	if out == nil {
		return proceed()
	}

	out.Display = s.index
	out.Timestamp = ms
	conns := deps.Transport.SendFrame(s.name, out)
	e.tracker.RecordSend(s.index, conns, now)
	if len(conns) > 0 {
		e.sent++
	}

	if e.recorder != nil {
		if err := e.recorder.WriteFrame(out, e.handle.Config.Width, e.handle.Config.Height); err != nil {
			s.log.Warn().Err(err).Msg("Failed to record frame, recording stopped")
			e.recorder.Close()
			e.recorder = nil
		}
	}
	return proceed()
}

func (e *epoch) encodeFailed(err error, first bool) Step {
	s := e.svc
	e.failures++
	if !first {
		s.log.Warn().Err(err).Int("failures", e.failures).Msg("Failed to encode frame")
	}

	// encoders that need filler input may fail until they are fed enough frames
	if errors.Is(err, encoder.ErrNeedRenegotiate) ||
		(first && e.handle.LatencyFree()) ||
		e.failures >= e.opts.MaxEncodeFailures {
		e.failures = 0
		e.handle.Disable()
		return restart("encoder failed")
	}
	return proceed()
}

// waitAcks waits in slices for the connections sent the last frame. It
// polls privacy drift between slices and never outlasts AckTimeout.
func (e *epoch) waitAcks() Step {
	s := e.svc
	defer e.tracker.Reset(s.index)

	fetched := make(map[video.ConnID]struct{})
	deadline := time.Now().Add(e.opts.AckTimeout)
	for s.alive() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.log.Trace().Msg("Acknowledgment wait timed out")
			break
		}
		if s.source.IsMonitor() && e.privacyChanged() {
			return restart("privacy mode changed")
		}
		slice := e.opts.AckSlice
		if remaining < slice {
			slice = remaining
		}
		if e.tracker.WaitSlice(s.index, fetched, slice) {
			break
		}
	}
	return proceed()
}

// privacyChanged tells the other peers they lost the view and rebroadcasts
// the geometry when the privacy holder moved since acquisition
func (e *epoch) privacyChanged() bool {
	live, changed := e.reg.gate.DetectChange(e.token)
	if !changed {
		return false
	}
	deps := e.reg.deps
	if live != video.NoConn {
		deps.Transport.SendToOthers(live, protocol.Message{
			Type:    protocol.TypePrivacyMode,
			Payload: &protocol.PrivacyMode{State: protocol.PrivacyOnByOther},
		})
	}
	e.reg.broadcastSwitch(e.svc.name, e.switchDisplay(e.currentInfo()), true)
	return true
}

// broadcastDisplayChanged checks the live display list against the
// acquired geometry and broadcasts the new geometry on change. A vanished
// display counts as changed with nothing to broadcast.
func (e *epoch) broadcastDisplayChanged(refresh bool) bool {
	s := e.svc
	if refresh {
		if err := e.reg.deps.Displays.Refresh(); err != nil {
			s.log.Debug().Err(err).Msg("Failed to refresh displays")
		}
	}
	info, changed := e.reg.detector.DetectTopologyChange(e.geom.Count, e.geom.Index, e.geom.Rect)
	if !changed {
		return false
	}
	if info != nil {
		s.log.Info().
			Int("x", info.Rect.X).
			Int("y", info.Rect.Y).
			Int("width", info.Rect.Width).
			Int("height", info.Rect.Height).
			Msg("Display changed")
		e.reg.broadcastSwitch(s.name, e.switchDisplay(*info), true)
	} else {
		s.log.Info().Msg("Display gone")
	}
	return true
}

// currentInfo returns the live info of the service's source, falling back
// to the acquired geometry
func (e *epoch) currentInfo() video.DisplayInfo {
	if e.svc.source.IsMonitor() {
		if info, ok := e.reg.deps.Displays.Displays().Get(e.svc.index); ok {
			return info
		}
	}
	return video.DisplayInfo{Rect: e.geom.Rect}
}

func (e *epoch) switchDisplay(info video.DisplayInfo) protocol.SwitchDisplay {
	current := video.Resolution{Width: info.Rect.Width, Height: info.Rect.Height}
	original := info.OriginalResolution
	if original.Width <= 0 || original.Height <= 0 {
		original = current
	}
	resolutions := []video.Resolution{current}
	if original != current {
		resolutions = append(resolutions, original)
	}

	return protocol.SwitchDisplay{
		Display:            e.svc.index,
		X:                  info.Rect.X,
		Y:                  info.Rect.Y,
		Width:              info.Rect.Width,
		Height:             info.Rect.Height,
		CursorEmbedded:     e.svc.source.IsMonitor() && info.CursorEmbedded,
		Resolutions:        resolutions,
		OriginalResolution: original,
		PrivacyExclusive:   e.reg.deps.Privacy.CurrentHolder() != video.NoConn,
	}
}

// sleep waits d or until the service stops
func (e *epoch) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.svc.ctx.Done():
	case <-t.C:
	}
}

// pace returns what is left of the frame budget, never negative
func pace(spf, elapsed time.Duration) time.Duration {
	if d := spf - elapsed; d > 0 {
		return d
	}
	return 0
}

// release returns everything the epoch acquired. It is safe on a
// partially started epoch.
func (e *epoch) release() {
	s := e.svc
	deps := e.reg.deps
	defer func() {
		if p := recover(); p != nil {
			s.log.Error().Interface("panic", p).Msg("Panic while releasing video service")
		}
	}()

	if e.handle != nil {
		e.handle.Release()
	}
	if e.capturer != nil {
		if err := e.capturer.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close capturer")
		}
	}
	if e.recorder != nil {
		if err := e.recorder.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close recorder")
		}
	}
	if e.tracker != nil {
		e.tracker.Remove(s.index)
	}
	if e.registered {
		deps.QoS.RemoveDisplay(s.name)
	}
	if !e.keepTextureDisabled {
		deps.Negotiator.EnableTexture(s.name)
	}
}
