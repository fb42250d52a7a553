package web

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Event kinds carried on the status stream.
const (
	KindLog    = "log"
	KindStatus = "status"
)

// StatusEvent is one SSE message: either a log line or an axis snapshot.
type StatusEvent struct {
	Time  string          `json:"t"`
	Kind  string          `json:"k"`
	Level string          `json:"l,omitempty"`
	Msg   string          `json:"msg,omitempty"`
	Axes  json.RawMessage `json:"axes,omitempty"`
}

// StatusBroadcaster distributes log lines and axis snapshots to SSE clients.
type StatusBroadcaster struct {
	clk clock.Clock

	mu      sync.RWMutex
	clients map[chan string]struct{}
	dropped uint64
}

// NewStatusBroadcaster creates a broadcaster on the wall clock.
func NewStatusBroadcaster() *StatusBroadcaster {
	return NewStatusBroadcasterWithClock(clock.New())
}

// NewStatusBroadcasterWithClock creates a broadcaster timestamping and
// ticking on clk.
func NewStatusBroadcasterWithClock(clk clock.Clock) *StatusBroadcaster {
	return &StatusBroadcaster{
		clk:     clk,
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives broadcast messages and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Clients returns the number of subscribers.
func (b *StatusBroadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Dropped returns how many messages slow clients have missed.
func (b *StatusBroadcaster) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

func (b *StatusBroadcaster) send(evt StatusEvent) {
	evt.Time = b.clk.Now().Format(time.RFC3339)
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			// slow client, skip
			b.dropped++
		}
	}
}

// Broadcast sends a log line to all subscribed clients.
// Messages are sent as JSON: {"t":"...","k":"log","l":"info","msg":"..."}
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.send(StatusEvent{Kind: KindLog, Level: level, Msg: msg})
}

// BroadcastMsg is a convenience for level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

// BroadcastStatus sends an axis snapshot: {"t":"...","k":"status","axes":[...]}
func (b *StatusBroadcaster) BroadcastStatus(axes any) error {
	data, err := json.Marshal(axes)
	if err != nil {
		return err
	}
	b.send(StatusEvent{Kind: KindStatus, Axes: data})
	return nil
}

// StreamStatus samples snapshot every interval and broadcasts it when it
// differs from the last one sent, until ctx is cancelled.
func (b *StatusBroadcaster) StreamStatus(ctx context.Context, every time.Duration, snapshot func() any) error {
	ticker := b.clk.Ticker(every)
	defer ticker.Stop()

	var last []byte
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if b.Clients() == 0 {
			last = nil
			continue
		}
		data, err := json.Marshal(snapshot())
		if err != nil {
			return err
		}
		if bytes.Equal(data, last) {
			continue
		}
		last = data
		b.send(StatusEvent{Kind: KindStatus, Axes: data})
	}
}

// BroadcastWriter implements io.Writer; each Write broadcasts the content to SSE clients.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

// broadcastWriter wraps StatusBroadcaster as io.Writer for use with debug.SetOutput.
type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		msg := strings.TrimSpace(line)
		if msg != "" {
			w.b.Broadcast(lineLevel(msg), msg)
		}
	}
	return len(p), nil
}

// lineLevel picks the level out of a console-encoded zap line
// ("<time> <LEVEL> <logger> <msg>"); anything else is info.
func lineLevel(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "info"
	}
	switch fields[1] {
	case "WARN":
		return "warn"
	case "ERROR", "DPANIC", "PANIC", "FATAL":
		return "error"
	case "DEBUG":
		return "debug"
	}
	return "info"
}
