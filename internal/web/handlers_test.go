package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/cjeanneret/SentryGo/internal/hw/stepper"
	"github.com/cjeanneret/SentryGo/internal/logic/motion"
)

var testAxes = []string{"pitch", "yaw", "slide"}

// fakeMotion records controller calls.
type fakeMotion struct {
	mu      sync.Mutex
	calls   []string
	moveErr error
	enabled bool
}

func (f *fakeMotion) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeMotion) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeMotion) AxisNames() []string { return testAxes }

func (f *fakeMotion) MoveTo(axis string, value float64) (motion.AxisStatus, error) {
	f.record("MoveTo %s %g", axis, value)
	if f.moveErr != nil {
		return motion.AxisStatus{}, f.moveErr
	}
	return motion.AxisStatus{Name: axis, Unit: "deg", TargetUnits: value}, nil
}

func (f *fakeMotion) Move(axis string, delta float64) (motion.AxisStatus, error) {
	f.record("Move %s %g", axis, delta)
	if f.moveErr != nil {
		return motion.AxisStatus{}, f.moveErr
	}
	return motion.AxisStatus{Name: axis, Unit: "deg", TargetUnits: delta}, nil
}

func (f *fakeMotion) EmergencyStop(axis string) error {
	f.record("EmergencyStop %s", axis)
	for _, a := range testAxes {
		if a == axis {
			return nil
		}
	}
	return fmt.Errorf("%w %q", motion.ErrUnknownAxis, axis)
}

func (f *fakeMotion) EmergencyStopAll() { f.record("EmergencyStopAll") }

func (f *fakeMotion) EnableMotors() error {
	f.record("EnableMotors")
	f.enabled = true
	return nil
}

func (f *fakeMotion) DisableMotors() error {
	f.record("DisableMotors")
	f.enabled = false
	return nil
}

func (f *fakeMotion) Status() []motion.AxisStatus {
	out := make([]motion.AxisStatus, len(testAxes))
	for i, a := range testAxes {
		out[i] = motion.AxisStatus{
			Status: stepper.Status{Position: int64(i), Direction: stepper.CW, Enabled: f.enabled},
			Name:   a,
			Unit:   "deg",
		}
	}
	return out
}

// ---------- ValidateMoveRequest ----------

func TestValidateMoveRequest_Valid(t *testing.T) {
	cases := []struct {
		name string
		req  MoveRequest
	}{
		{"absolute", MoveRequest{Axis: "pitch", Position: 10}},
		{"negative", MoveRequest{Axis: "pitch", Position: -72}},
		{"relative", MoveRequest{Axis: "yaw", Position: -5, Relative: true}},
		{"zero", MoveRequest{Axis: "slide"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateMoveRequest(tc.req, testAxes); err != nil {
				t.Errorf("expected valid, got: %v", err)
			}
		})
	}
}

func TestValidateMoveRequest_Rejected(t *testing.T) {
	cases := []struct {
		name string
		req  MoveRequest
	}{
		{"missing_axis", MoveRequest{Position: 1}},
		{"unknown_axis", MoveRequest{Axis: "roll", Position: 1}},
		{"NaN", MoveRequest{Axis: "pitch", Position: math.NaN()}},
		{"+Inf", MoveRequest{Axis: "pitch", Position: math.Inf(1)}},
		{"-Inf", MoveRequest{Axis: "yaw", Position: math.Inf(-1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateMoveRequest(tc.req, testAxes); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

// ---------- Handler helpers ----------

func newTestHandlers(ctrl MotionController) *Handlers {
	staticFS := fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html>test</html>")},
	}
	return NewHandlers(
		NewStatusBroadcaster(),
		ctrl,
		[]AxisInfo{
			{Name: "pitch", Unit: "deg", Min: -72, Max: 53, MaxSpeed: 2000, Acceleration: 18000},
			{Name: "yaw", Unit: "deg", Min: 0, Max: 352, MaxSpeed: 2500, Acceleration: 12000},
			{Name: "slide", Unit: "mm", Min: 0, Max: 23, MaxSpeed: 2200, Acceleration: 40000},
		},
		staticFS,
	)
}

func jsonBody(v any) *bytes.Reader {
	data, _ := json.Marshal(v)
	return bytes.NewReader(data)
}

func post(h http.HandlerFunc, path string, body *bytes.Reader) *httptest.ResponseRecorder {
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(http.MethodPost, path, nil)
	} else {
		req = httptest.NewRequest(http.MethodPost, path, body)
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

// ---------- HandleMove ----------

func TestHandleMove_Absolute(t *testing.T) {
	m := &fakeMotion{}
	h := newTestHandlers(m)

	w := post(h.HandleMove, "/move", jsonBody(MoveRequest{Axis: "pitch", Position: 10}))

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	var st motion.AxisStatus
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if st.Name != "pitch" || st.TargetUnits != 10 {
		t.Errorf("response = %+v, want pitch target 10", st)
	}
	if calls := m.Calls(); len(calls) != 1 || calls[0] != "MoveTo pitch 10" {
		t.Errorf("calls = %v, want [MoveTo pitch 10]", calls)
	}
}

func TestHandleMove_Relative(t *testing.T) {
	m := &fakeMotion{}
	h := newTestHandlers(m)

	w := post(h.HandleMove, "/move", jsonBody(MoveRequest{Axis: "yaw", Position: -2.5, Relative: true}))

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if calls := m.Calls(); len(calls) != 1 || calls[0] != "Move yaw -2.5" {
		t.Errorf("calls = %v, want [Move yaw -2.5]", calls)
	}
}

func TestHandleMove_GetMethodNotAllowed(t *testing.T) {
	h := newTestHandlers(&fakeMotion{})
	req := httptest.NewRequest(http.MethodGet, "/move", nil)
	w := httptest.NewRecorder()

	h.HandleMove(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleMove_InvalidJSON(t *testing.T) {
	h := newTestHandlers(&fakeMotion{})
	req := httptest.NewRequest(http.MethodPost, "/move", strings.NewReader("not json"))
	w := httptest.NewRecorder()

	h.HandleMove(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleMove_InvalidRequest(t *testing.T) {
	m := &fakeMotion{}
	h := newTestHandlers(m)

	w := post(h.HandleMove, "/move", jsonBody(MoveRequest{Axis: "roll", Position: 1}))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if len(m.Calls()) != 0 {
		t.Errorf("rejected request must not reach the controller, got %v", m.Calls())
	}
}

func TestHandleMove_OversizedBody(t *testing.T) {
	h := newTestHandlers(&fakeMotion{})
	big := `{"axis":"pitch","position":1,"pad":"` + strings.Repeat("x", 2*MaxRequestBodyBytes) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/move", strings.NewReader(big))
	w := httptest.NewRecorder()

	h.HandleMove(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d (oversized body)", w.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestHandleMove_ControllerError(t *testing.T) {
	m := &fakeMotion{moveErr: fmt.Errorf("%w %q", motion.ErrUnknownAxis, "pitch")}
	h := newTestHandlers(m)

	w := post(h.HandleMove, "/move", jsonBody(MoveRequest{Axis: "pitch", Position: 1}))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleMove_NilMotion(t *testing.T) {
	h := newTestHandlers(nil)

	w := post(h.HandleMove, "/move", jsonBody(MoveRequest{Axis: "pitch", Position: 1}))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleMove_RateLimiting(t *testing.T) {
	h := newTestHandlers(&fakeMotion{})

	limited := 0
	for i := 0; i < 20; i++ {
		w := post(h.HandleMove, "/move", jsonBody(MoveRequest{Axis: "pitch", Position: float64(i)}))
		switch w.Code {
		case http.StatusAccepted:
		case http.StatusTooManyRequests:
			limited++
		default:
			t.Fatalf("request %d: status = %d", i, w.Code)
		}
	}
	if limited == 0 {
		t.Error("expected a burst of 20 moves to be rate-limited")
	}
}

// ---------- HandleStop ----------

func TestHandleStop_AllAxesWithoutBody(t *testing.T) {
	m := &fakeMotion{}
	h := newTestHandlers(m)

	w := post(h.HandleStop, "/stop", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if calls := m.Calls(); len(calls) != 1 || calls[0] != "EmergencyStopAll" {
		t.Errorf("calls = %v, want [EmergencyStopAll]", calls)
	}
}

func TestHandleStop_EmptyChunkedBody(t *testing.T) {
	m := &fakeMotion{}
	h := newTestHandlers(m)

	req := httptest.NewRequest(http.MethodPost, "/stop", strings.NewReader(""))
	req.ContentLength = -1 // length unknown, as with Transfer-Encoding: chunked
	w := httptest.NewRecorder()
	h.HandleStop(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if calls := m.Calls(); len(calls) != 1 || calls[0] != "EmergencyStopAll" {
		t.Errorf("calls = %v, want [EmergencyStopAll]", calls)
	}
}

func TestHandleStop_InvalidJSON(t *testing.T) {
	m := &fakeMotion{}
	h := newTestHandlers(m)

	w := post(h.HandleStop, "/stop", bytes.NewReader([]byte("{axis")))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if calls := m.Calls(); len(calls) != 0 {
		t.Errorf("calls = %v, want none", calls)
	}
}

func TestHandleStop_OneAxis(t *testing.T) {
	m := &fakeMotion{}
	h := newTestHandlers(m)

	w := post(h.HandleStop, "/stop", jsonBody(StopRequest{Axis: "slide"}))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if calls := m.Calls(); len(calls) != 1 || calls[0] != "EmergencyStop slide" {
		t.Errorf("calls = %v, want [EmergencyStop slide]", calls)
	}
}

func TestHandleStop_UnknownAxis(t *testing.T) {
	h := newTestHandlers(&fakeMotion{})

	w := post(h.HandleStop, "/stop", jsonBody(StopRequest{Axis: "roll"}))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleStop_BroadcastsWarning(t *testing.T) {
	h := newTestHandlers(&fakeMotion{})
	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	post(h.HandleStop, "/stop", nil)

	select {
	case msg := <-ch:
		var evt StatusEvent
		if err := json.Unmarshal([]byte(msg), &evt); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if evt.Level != "warn" || !strings.Contains(evt.Msg, "all axes") {
			t.Errorf("event = %+v, want warn about all axes", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for stop event")
	}
}

// ---------- HandleMotors ----------

func TestHandleMotors(t *testing.T) {
	cases := []struct {
		name    string
		enabled bool
		want    string
	}{
		{"enable", true, "EnableMotors"},
		{"disable", false, "DisableMotors"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &fakeMotion{}
			h := newTestHandlers(m)

			w := post(h.HandleMotors, "/motors", jsonBody(MotorsRequest{Enabled: &tc.enabled}))

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
			}
			if calls := m.Calls(); len(calls) != 1 || calls[0] != tc.want {
				t.Errorf("calls = %v, want [%s]", calls, tc.want)
			}
			var status []motion.AxisStatus
			if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
				t.Fatalf("decode: %v", err)
			}
			for _, st := range status {
				if st.Enabled != tc.enabled {
					t.Errorf("axis %s enabled = %v, want %v", st.Name, st.Enabled, tc.enabled)
				}
			}
		})
	}
}

func TestHandleMotors_MissingEnabled(t *testing.T) {
	m := &fakeMotion{}
	h := newTestHandlers(m)

	w := post(h.HandleMotors, "/motors", bytes.NewReader([]byte(`{}`)))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if len(m.Calls()) != 0 {
		t.Errorf("calls = %v, want none", m.Calls())
	}
}

// ---------- HandleAxes / HandleConfig ----------

func TestHandleAxes(t *testing.T) {
	h := newTestHandlers(&fakeMotion{})
	req := httptest.NewRequest(http.MethodGet, "/axes", nil)
	w := httptest.NewRecorder()

	h.HandleAxes(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var raw []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(raw) != 3 {
		t.Fatalf("got %d axes, want 3", len(raw))
	}
	if raw[1]["name"] != "yaw" || raw[1]["position"] != 1.0 || raw[1]["direction"] != "cw" {
		t.Errorf("yaw entry = %v", raw[1])
	}
}

func TestHandleConfig(t *testing.T) {
	h := newTestHandlers(&fakeMotion{})
	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	w := httptest.NewRecorder()

	h.HandleConfig(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var axes []AxisInfo
	if err := json.NewDecoder(w.Body).Decode(&axes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(axes) != 3 {
		t.Fatalf("got %d axes, want 3", len(axes))
	}
	if axes[0].Min != -72 || axes[0].Max != 53 {
		t.Errorf("pitch limits = [%v, %v], want [-72, 53]", axes[0].Min, axes[0].Max)
	}
	if axes[2].Unit != "mm" {
		t.Errorf("slide unit = %q, want mm", axes[2].Unit)
	}
}

// ---------- ServeIndex ----------

func TestServeIndex(t *testing.T) {
	h := newTestHandlers(&fakeMotion{})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	h.ServeIndex(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/html; charset=utf-8", ct)
	}
	if !strings.Contains(w.Body.String(), "<html>") {
		t.Error("body should contain HTML content")
	}
}

// ---------- HandleStatusStream ----------

func TestHandleStatusStream_DeliversEvents(t *testing.T) {
	h := newTestHandlers(&fakeMotion{})
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/status/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.HandleStatusStream(w, req)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for h.Broadcaster.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(time.Millisecond)
	}
	h.Broadcaster.Broadcast("info", "axis pitch reached target")
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	body := w.Body.String()
	if !strings.HasPrefix(body, ": connected") {
		t.Errorf("stream should open with a comment, got %q", body)
	}
	if !strings.Contains(body, "data: ") || !strings.Contains(body, "axis pitch reached target") {
		t.Errorf("stream should carry the event, got %q", body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if h.Broadcaster.Clients() != 0 {
		t.Error("client should unsubscribe on disconnect")
	}
}

// ---------- Server routes ----------

func TestServerMux_Routes(t *testing.T) {
	srv, err := NewServer(":0", NewStatusBroadcaster(), &fakeMotion{}, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	mux := srv.Mux()

	cases := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/", "", http.StatusOK},
		{http.MethodGet, "/axes", "", http.StatusOK},
		{http.MethodGet, "/config", "", http.StatusOK},
		{http.MethodPost, "/axes", "", http.StatusMethodNotAllowed},
		{http.MethodGet, "/move", "", http.StatusMethodNotAllowed},
		{http.MethodPost, "/move", `{"axis":"pitch","position":3}`, http.StatusAccepted},
		{http.MethodPost, "/stop", "", http.StatusOK},
		{http.MethodGet, "/static/app.js", "", http.StatusOK},
		{http.MethodGet, "/nope", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.method+tc.path, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Errorf("%s %s = %d, want %d", tc.method, tc.path, w.Code, tc.want)
			}
		})
	}
}
