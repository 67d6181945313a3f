// Package pipeline runs one capture/encode/deliver loop per video source
// and restarts it whenever the conditions it was built for change.
package pipeline

import (
	"errors"
	"sync"
	"time"

	"github.com/bryanchriswhite/DeskStreamer/internal/ack"
	"github.com/bryanchriswhite/DeskStreamer/internal/capture"
	"github.com/bryanchriswhite/DeskStreamer/internal/display"
	"github.com/bryanchriswhite/DeskStreamer/internal/encoder"
	"github.com/bryanchriswhite/DeskStreamer/internal/logger"
	"github.com/bryanchriswhite/DeskStreamer/internal/privacy"
	"github.com/bryanchriswhite/DeskStreamer/internal/protocol"
	"github.com/bryanchriswhite/DeskStreamer/internal/qos"
	"github.com/bryanchriswhite/DeskStreamer/internal/record"
	"github.com/bryanchriswhite/DeskStreamer/internal/screenshot"
	"github.com/bryanchriswhite/DeskStreamer/internal/video"
)

// ErrStopped is returned by Start after Close
var ErrStopped = errors.New("pipeline stopped")

// Acquirer opens capture sources and lists them
type Acquirer interface {
	Acquire(src video.Source, index int) (video.Geometry, capture.Capturer, error)
	Sources(src video.Source) ([]video.DisplayInfo, error)
}

// Transport is the delivery fan-out
type Transport interface {
	// SendFrame returns the connections the frame was actually sent to
	SendFrame(service string, frame *video.EncodedFrame) []video.ConnID
	SendSwitchDisplay(service string, sd protocol.SwitchDisplay)
	SendToOthers(except video.ConnID, msg protocol.Message)
}

// RecorderFactory opens the recording sink of a service
type RecorderFactory func(service string) (record.Recorder, error)

// Options are the loop's timing and escalation limits
type Options struct {
	AckTimeout        time.Duration
	AckSlice          time.Duration
	TopologyInterval  time.Duration
	MaxFillerFrames   int
	MaxEncodeFailures int
	// CameraDevice is passed to texture encoders of camera services
	CameraDevice string
}

// DefaultOptions returns the standard limits
func DefaultOptions() Options {
	return Options{
		AckTimeout:        3 * time.Second,
		AckSlice:          300 * time.Millisecond,
		TopologyInterval:  time.Second,
		MaxFillerFrames:   10,
		MaxEncodeFailures: 3,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.AckTimeout <= 0 {
		o.AckTimeout = d.AckTimeout
	}
	if o.AckSlice <= 0 {
		o.AckSlice = d.AckSlice
	}
	if o.TopologyInterval <= 0 {
		o.TopologyInterval = d.TopologyInterval
	}
	if o.MaxFillerFrames <= 0 {
		o.MaxFillerFrames = d.MaxFillerFrames
	}
	if o.MaxEncodeFailures <= 0 {
		o.MaxEncodeFailures = d.MaxEncodeFailures
	}
	return o
}

// Deps are the collaborators shared by every loop
type Deps struct {
	Capture     Acquirer
	Negotiator  *encoder.Negotiator
	QoS         qos.Estimator
	Transport   Transport
	Privacy     privacy.Holder
	Displays    *display.Service
	Screenshots *screenshot.Registry
	// Recorders is nil when recording incoming sessions is not allowed
	Recorders RecorderFactory
}

// Registry owns the running services and the per-index state they share
// with the transport: acknowledgment trackers, refresh and subscriber
// flags, pending screenshots.
type Registry struct {
	deps     Deps
	opts     Options
	gate     *privacy.Gate
	detector *display.Detector
	acks     map[video.Source]*ack.Tracker

	mu          sync.Mutex
	services    map[string]*Service
	refresh     map[string]bool
	subscribers map[string]bool
	switches    map[string]protocol.SwitchDisplay
	closed      bool
	wg          sync.WaitGroup
}

// NewRegistry creates a registry. Screenshots default to a fresh registry.
func NewRegistry(deps Deps, opts Options) *Registry {
	if deps.Screenshots == nil {
		deps.Screenshots = screenshot.NewRegistry()
	}
	return &Registry{
		deps:     deps,
		opts:     opts.withDefaults(),
		gate:     privacy.NewGate(deps.Privacy),
		detector: display.NewDetector(deps.Displays.Displays()),
		acks: map[video.Source]*ack.Tracker{
			video.SourceMonitor: ack.NewTracker(),
			video.SourceCamera:  ack.NewTracker(),
		},
		services:    make(map[string]*Service),
		refresh:     make(map[string]bool),
		subscribers: make(map[string]bool),
		switches:    make(map[string]protocol.SwitchDisplay),
	}
}

// Start runs the loop of (src, index). Starting a running service returns it.
func (r *Registry) Start(src video.Source, index int) (*Service, error) {
	name := video.ServiceName(src, index)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrStopped
	}
	if svc, ok := r.services[name]; ok {
		return svc, nil
	}

	svc := newService(r, src, index)
	r.services[name] = svc
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		svc.run()
		r.mu.Lock()
		if r.services[name] == svc {
			delete(r.services, name)
		}
		r.mu.Unlock()
	}()
	return svc, nil
}

// Stop stops svc and waits for its loop to release everything
func (r *Registry) Stop(svc *Service) {
	svc.Stop()
	<-svc.Done()
}

// Service returns the running service called name
func (r *Registry) Service(name string) (*Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Services returns the running services
func (r *Registry) Services() []*Service {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Service, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc)
	}
	return out
}

// Close stops every service and waits for them
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	services := make([]*Service, 0, len(r.services))
	for _, svc := range r.services {
		services = append(services, svc)
	}
	r.mu.Unlock()

	for _, svc := range services {
		svc.Stop()
	}
	r.wg.Wait()
}

// RequestRefresh makes the loop of service rebuild at its next iteration
func (r *Registry) RequestRefresh(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refresh[service] = true
}

// RefreshAll requests a refresh of every running service of src
func (r *Registry) RefreshAll(src video.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, svc := range r.services {
		if svc.source == src {
			r.refresh[name] = true
		}
	}
}

func (r *Registry) refreshRequested(service string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refresh[service]
}

// NotifySubscribersChanged makes the loop of service rebuild before its
// next frame so old and new subscribers share one encoder
func (r *Registry) NotifySubscribersChanged(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[service]; ok {
		r.subscribers[service] = true
	}
}

func (r *Registry) subscribersChanged(service string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribers[service]
}

// clearFlags resets the refresh and subscriber flags of a starting epoch
func (r *Registry) clearFlags(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.refresh, service)
	delete(r.subscribers, service)
}

// RequestScreenshot intercepts the next frame of monitor index. When no
// loop runs for it the failure is returned at once.
func (r *Registry) RequestScreenshot(index int, sid string, reply screenshot.Reply) {
	if _, ok := r.Service(video.ServiceName(video.SourceMonitor, index)); !ok {
		screenshot.RespondAsync(&screenshot.Request{SID: sid, Reply: reply}, screenshot.MsgFailed, nil)
		return
	}
	r.deps.Screenshots.Set(index, sid, reply)
}

// Tracker returns the acknowledgment tracker of src
func (r *Registry) Tracker(src video.Source) *ack.Tracker {
	return r.acks[src]
}

// MarkAcknowledged routes a consumption notice to the tracker of service
func (r *Registry) MarkAcknowledged(service string, display int, conn video.ConnID, sentAt *time.Time) {
	src, _, err := video.ParseServiceName(service)
	if err != nil {
		logger.WithComponent("pipeline").Debug().Err(err).Msg("Acknowledgment for unknown service")
		r.MarkAcknowledgedByConn(conn, sentAt)
		return
	}
	r.acks[src].MarkAcknowledged(display, conn, sentAt)
}

// MarkAcknowledgedByConn acknowledges conn wherever it is expected
func (r *Registry) MarkAcknowledgedByConn(conn video.ConnID, sentAt *time.Time) {
	for _, t := range r.acks {
		t.MarkAcknowledgedByConn(conn, sentAt)
	}
}

// broadcastSwitch sends sd unless it equals the last one sent for service
func (r *Registry) broadcastSwitch(service string, sd protocol.SwitchDisplay, force bool) {
	r.mu.Lock()
	last, ok := r.switches[service]
	same := ok && equalSwitch(last, sd)
	r.switches[service] = sd
	r.mu.Unlock()

	if same && !force {
		return
	}
	r.deps.Transport.SendSwitchDisplay(service, sd)
}

func equalSwitch(a, b protocol.SwitchDisplay) bool {
	if a.Display != b.Display || a.X != b.X || a.Y != b.Y ||
		a.Width != b.Width || a.Height != b.Height ||
		a.CursorEmbedded != b.CursorEmbedded ||
		a.OriginalResolution != b.OriginalResolution ||
		a.PrivacyExclusive != b.PrivacyExclusive {
		return false
	}
	if len(a.Resolutions) != len(b.Resolutions) {
		return false
	}
	for i := range a.Resolutions {
		if a.Resolutions[i] != b.Resolutions[i] {
			return false
		}
	}
	return true
}
