package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/DeskStreamer/internal/capture"
	"github.com/bryanchriswhite/DeskStreamer/internal/display"
	"github.com/bryanchriswhite/DeskStreamer/internal/encoder"
	"github.com/bryanchriswhite/DeskStreamer/internal/pipeline"
	"github.com/bryanchriswhite/DeskStreamer/internal/privacy"
	"github.com/bryanchriswhite/DeskStreamer/internal/protocol"
	"github.com/bryanchriswhite/DeskStreamer/internal/qos"
	"github.com/bryanchriswhite/DeskStreamer/internal/screenshot"
	"github.com/bryanchriswhite/DeskStreamer/internal/transport"
	"github.com/bryanchriswhite/DeskStreamer/internal/video"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// emptySource has one monitor that can never be opened
type emptySource struct{}

func (emptySource) Sources(src video.Source) ([]video.DisplayInfo, error) {
	if src != video.SourceMonitor {
		return nil, nil
	}
	return []video.DisplayInfo{{Name: "DP-1", Rect: video.Rect{Width: 1920, Height: 1080}, Online: true, Primary: true}}, nil
}

func (emptySource) Acquire(src video.Source, index int) (video.Geometry, capture.Capturer, error) {
	return video.Geometry{}, nil, capture.ErrNotFound
}

type testServer struct {
	srv     *Server
	reg     *pipeline.Registry
	qos     *qos.Store
	neg     *encoder.Negotiator
	privacy *privacy.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	src := emptySource{}
	ts := &testServer{
		qos:     qos.NewStore(30, 0.5),
		neg:     encoder.NewNegotiator(encoder.Options{Codec: video.CodecVP8}),
		privacy: privacy.NewRegistry(),
	}
	displays := display.NewService(src, display.NewSyncedDisplays(nil), 0, nil)
	hub := transport.NewHub(nil, ts.privacy)
	t.Cleanup(hub.Close)

	ts.reg = pipeline.NewRegistry(pipeline.Deps{
		Capture:     src,
		Negotiator:  ts.neg,
		QoS:         ts.qos,
		Transport:   hub,
		Privacy:     ts.privacy,
		Displays:    displays,
		Screenshots: screenshot.NewRegistry(),
	}, pipeline.Options{AckTimeout: 50 * time.Millisecond, AckSlice: 10 * time.Millisecond})
	hub.SetAcker(ts.reg)
	t.Cleanup(ts.reg.Close)

	ts.srv = NewServer(Deps{
		Pipelines:  ts.reg,
		Hub:        hub,
		QoS:        ts.qos,
		Negotiator: ts.neg,
		Displays:   displays,
		Privacy:    ts.privacy,
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "GET", "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 0, body["services"])
}

func TestPreflight(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "OPTIONS", "/api/qos", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PUT")
}

func TestListDisplays(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "GET", "/api/displays", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var displays []video.DisplayInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &displays))
	require.Len(t, displays, 1)
	assert.Equal(t, "DP-1", displays[0].Name)
}

func TestStartService(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "POST", "/api/services", map[string]interface{}{"source": "camera", "index": 0})
	require.Equal(t, http.StatusCreated, rec.Code)

	var st ServiceStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, video.ServiceName(video.SourceCamera, 0), st.Name)
	assert.Equal(t, "camera", st.Source)

	// the camera can not be opened so the loop ends on its own
	assert.Eventually(t, func() bool {
		return len(ts.reg.Services()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	rec = ts.do(t, "POST", "/api/services", map[string]interface{}{"source": "printer", "index": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, "POST", "/api/services", map[string]interface{}{"source": "monitor", "index": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStopUnknownService(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, ts.do(t, "DELETE", "/api/services/monitor9", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, "POST", "/api/services/monitor9/refresh", nil).Code)
}

func TestScreenshotWithoutService(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "GET", "/api/screenshot/0", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), screenshot.MsgFailed)
}

func TestUpdateQoS(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "PUT", "/api/qos", map[string]interface{}{
		"fps":     15,
		"quality": map[string]interface{}{"ratio": 0.8},
		"record":  true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	st := ts.qos.Status()
	assert.Equal(t, 15, st.FPS)
	assert.InDelta(t, 0.8, st.Quality.Ratio, 0.001)
	assert.True(t, st.Record)

	rec = ts.do(t, "PUT", "/api/qos", map[string]interface{}{"fps": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 15, ts.qos.Status().FPS)
}

func TestSetCodec(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "PUT", "/api/codec", map[string]interface{}{"codec": "vp9", "prefer_i444": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, video.CodecVP9, ts.neg.Negotiated())

	rec = ts.do(t, "GET", "/api/codec", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st codecStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, video.CodecVP9, st.Codec)

	rec = ts.do(t, "PUT", "/api/codec", map[string]interface{}{"codec": "theora"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPrivacy(t *testing.T) {
	ts := newTestServer(t)

	require.Equal(t, http.StatusOK, ts.do(t, "PUT", "/api/privacy", map[string]interface{}{"conn_id": 4}).Code)
	assert.Equal(t, video.ConnID(4), ts.privacy.CurrentHolder())

	assert.Equal(t, http.StatusConflict, ts.do(t, "PUT", "/api/privacy", map[string]interface{}{"conn_id": 5}).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, "PUT", "/api/privacy", map[string]interface{}{"conn_id": 0}).Code)

	assert.Equal(t, http.StatusNotFound, ts.do(t, "DELETE", "/api/privacy/5", nil).Code)
	assert.Equal(t, http.StatusNoContent, ts.do(t, "DELETE", "/api/privacy/4", nil).Code)
	assert.Equal(t, video.NoConn, ts.privacy.CurrentHolder())
}

func TestConfigUnavailable(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, ts.do(t, "GET", "/api/config", nil).Code)
}

type recordingPeer struct {
	id video.ConnID

	mu   sync.Mutex
	msgs []protocol.Message
}

func (p *recordingPeer) ID() video.ConnID { return p.id }

func (p *recordingPeer) Send(msg protocol.Message, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPeer) Close() error { return nil }

func (p *recordingPeer) received() []protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Message(nil), p.msgs...)
}

func peerEnvelope(t *testing.T, typ protocol.MessageType, payload interface{}) *protocol.Envelope {
	t.Helper()
	data, err := protocol.Encode(typ, payload)
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

func TestPeerPrivacyRequests(t *testing.T) {
	ts := newTestServer(t)
	a := &recordingPeer{id: 1}
	b := &recordingPeer{id: 2}
	ts.srv.deps.Hub.Add(a)
	ts.srv.deps.Hub.Add(b)

	ts.srv.HandlePeerMessage(a.id, peerEnvelope(t, protocol.TypePrivacy, &protocol.PrivacyRequest{On: true}))
	assert.Equal(t, a.id, ts.privacy.CurrentHolder())

	ts.srv.HandlePeerMessage(b.id, peerEnvelope(t, protocol.TypePrivacy, &protocol.PrivacyRequest{On: true}))
	assert.Equal(t, a.id, ts.privacy.CurrentHolder())
	require.Len(t, b.received(), 1)
	assert.Equal(t, protocol.TypePrivacyMode, b.received()[0].Type)

	ts.srv.HandlePeerMessage(a.id, peerEnvelope(t, protocol.TypePrivacy, &protocol.PrivacyRequest{On: false}))
	assert.Equal(t, video.NoConn, ts.privacy.CurrentHolder())
}

func TestPeerScreenshotRequest(t *testing.T) {
	ts := newTestServer(t)
	p := &recordingPeer{id: 3}
	ts.srv.deps.Hub.Add(p)

	ts.srv.HandlePeerMessage(p.id, peerEnvelope(t, protocol.TypeScreenshot, &protocol.ScreenshotRequest{Display: 0, SID: "s1"}))

	require.Eventually(t, func() bool {
		return len(p.received()) == 1
	}, time.Second, 10*time.Millisecond)

	msg := p.received()[0]
	assert.Equal(t, protocol.TypeScreenshotResponse, msg.Type)
	resp, ok := msg.Payload.(*protocol.ScreenshotResponse)
	require.True(t, ok)
	assert.Equal(t, "s1", resp.SID)
	assert.Equal(t, screenshot.MsgFailed, resp.Msg)
}

func TestServeAndShutdown(t *testing.T) {
	ts := newTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- ts.srv.Serve(ln)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/api/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ts.srv.Shutdown(ctx))
	assert.NoError(t, <-done)
}
