package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"net/http"
	"slices"
	"time"

	"golang.org/x/time/rate"

	"github.com/cjeanneret/SentryGo/internal/debug"
	"github.com/cjeanneret/SentryGo/internal/logic/motion"
)

// MaxRequestBodyBytes caps JSON request bodies.
const MaxRequestBodyBytes = 1 << 10

// MotionController is the part of the rig controller the handlers drive.
type MotionController interface {
	AxisNames() []string
	MoveTo(axis string, value float64) (motion.AxisStatus, error)
	Move(axis string, delta float64) (motion.AxisStatus, error)
	EmergencyStop(axis string) error
	EmergencyStopAll()
	EnableMotors() error
	DisableMotors() error
	Status() []motion.AxisStatus
}

// MoveRequest is the body of POST /move.
type MoveRequest struct {
	Axis     string  `json:"axis"`
	Position float64 `json:"position"` // user units (deg or mm)
	Relative bool    `json:"relative"`
}

// StopRequest is the optional body of POST /stop. An empty axis stops all.
type StopRequest struct {
	Axis string `json:"axis"`
}

// MotorsRequest is the body of POST /motors.
type MotorsRequest struct {
	Enabled *bool `json:"enabled"`
}

// AxisInfo describes one axis for GET /config.
type AxisInfo struct {
	Name         string  `json:"name"`
	Unit         string  `json:"unit"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	MaxSpeed     float64 `json:"max_speed"`
	Acceleration float64 `json:"acceleration"`
}

// ValidateMoveRequest checks that the axis is known and the position finite.
func ValidateMoveRequest(req MoveRequest, axes []string) error {
	if req.Axis == "" {
		return errors.New("axis is required")
	}
	if !slices.Contains(axes, req.Axis) {
		return fmt.Errorf("unknown axis %q", req.Axis)
	}
	if math.IsNaN(req.Position) || math.IsInf(req.Position, 0) {
		return errors.New("position must be a finite number")
	}
	return nil
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Motion      MotionController
	Axes        []AxisInfo
	moveLimiter *rate.Limiter
	staticFS    fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// If ctrl is nil, motion endpoints return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, ctrl MotionController, axes []AxisInfo, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Motion:      ctrl,
		Axes:        axes,
		// a burst of joystick-style nudges, then 10 moves per second
		moveLimiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 5),
		staticFS:    staticFS,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debug.Error(fmt.Errorf("web: encode response: %w", err))
	}
}

// decodeBody decodes a size-capped JSON body into v. It writes the error
// response itself and reports whether decoding succeeded. When optional, an
// empty body (including an empty chunked one) leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handlers) motionReady(w http.ResponseWriter) bool {
	if h.Motion == nil {
		http.Error(w, "motion not configured", http.StatusServiceUnavailable)
		return false
	}
	return true
}

// HandleConfig returns the per-axis limits and tunables as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Axes)
}

// HandleAxes returns a status snapshot of every axis.
func (h *Handlers) HandleAxes(w http.ResponseWriter, r *http.Request) {
	if !h.motionReady(w) {
		return
	}
	writeJSON(w, http.StatusOK, h.Motion.Status())
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleMove handles POST /move. The target is only issued here; the
// motion loop carries it out, so the response is 202 Accepted.
func (h *Handlers) HandleMove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.motionReady(w) {
		return
	}
	if !h.moveLimiter.Allow() {
		http.Error(w, "too many move requests", http.StatusTooManyRequests)
		return
	}

	var req MoveRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if err := ValidateMoveRequest(req, h.Motion.AxisNames()); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var (
		st  motion.AxisStatus
		err error
	)
	if req.Relative {
		st, err = h.Motion.Move(req.Axis, req.Position)
	} else {
		st, err = h.Motion.MoveTo(req.Axis, req.Position)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.Broadcaster.Broadcast("info", fmt.Sprintf("Axis %s: moving to %.3f %s", st.Name, st.TargetUnits, st.Unit))
	writeJSON(w, http.StatusAccepted, st)
}

// HandleStop handles POST /stop. The body is optional; without an axis
// every axis is stopped.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.motionReady(w) {
		return
	}

	var req StopRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	if req.Axis == "" {
		h.Motion.EmergencyStopAll()
		h.Broadcaster.Broadcast("warn", "Emergency stop: all axes")
	} else {
		if err := h.Motion.EmergencyStop(req.Axis); err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, motion.ErrUnknownAxis) {
				code = http.StatusBadRequest
			}
			http.Error(w, err.Error(), code)
			return
		}
		h.Broadcaster.Broadcast("warn", "Emergency stop: "+req.Axis)
	}
	writeJSON(w, http.StatusOK, h.Motion.Status())
}

// HandleMotors handles POST /motors to energize or release every driver.
func (h *Handlers) HandleMotors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.motionReady(w) {
		return
	}

	var req MotorsRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.Enabled == nil {
		http.Error(w, "enabled is required", http.StatusBadRequest)
		return
	}

	var err error
	if *req.Enabled {
		err = h.Motion.EnableMotors()
	} else {
		err = h.Motion.DisableMotors()
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.Broadcaster.Broadcast("info", fmt.Sprintf("Motors enabled=%v", *req.Enabled))
	writeJSON(w, http.StatusOK, h.Motion.Status())
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
