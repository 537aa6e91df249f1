package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/marketstream/internal/metrics"
	"github.com/rickgao/marketstream/internal/model"
)

// Event is one upstream data event awaiting a listener.
type Event struct {
	Category   model.Category
	Data       json.RawMessage // Single event payload
	ReceivedAt time.Time
}

// Envelope is the upstream wire frame shared by data and command responses.
type Envelope struct {
	ID   int64           `json:"id,omitempty"`
	Type string          `json:"type"`
	Msg  json.RawMessage `json:"msg,omitempty"`
}

// Control message types carried in Envelope.Type.
const (
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeOK           = "ok"
	TypeError        = "error"
	TypeHeartbeat    = "heartbeat"
)

// ErrEmptyFrame is returned for frames with no type.
var ErrEmptyFrame = errors.New("frame has no type")

// Config holds Demux buffer sizes.
type Config struct {
	BufferSize    int // Initial per-category buffer capacity
	MaxBufferSize int // Per-category cap before oldest events are dropped
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize:    1024,
		MaxBufferSize: 65536,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	FramesReceived  int64
	EventsRouted    int64
	Responses       int64
	ParseErrors     int64
	UnknownMessages int64
	Buffers         map[model.Category]BufferStats
}

// Demux splits upstream frames into one buffer per event category and
// hands command responses to a callback.
type Demux struct {
	logger     *slog.Logger
	buffers    map[model.Category]*GrowableBuffer[Event]
	onResponse func(Envelope)

	mu              sync.Mutex
	received        int64
	routed          int64
	responses       int64
	parseErrors     int64
	unknownMessages int64
	lastDropped     map[model.Category]int64
	closeOnce       sync.Once
}

// NewDemux creates a demultiplexer for the given categories.
// onResponse receives every control frame and may be nil.
func NewDemux(cfg Config, categories []model.Category, onResponse func(Envelope), logger *slog.Logger) *Demux {
	if logger == nil {
		logger = slog.Default()
	}
	if onResponse == nil {
		onResponse = func(Envelope) {}
	}

	d := &Demux{
		logger:      logger,
		buffers:     make(map[model.Category]*GrowableBuffer[Event], len(categories)),
		onResponse:  onResponse,
		lastDropped: make(map[model.Category]int64, len(categories)),
	}
	for _, c := range categories {
		d.buffers[c] = NewGrowableBuffer[Event](cfg.BufferSize, cfg.MaxBufferSize)
	}
	return d
}

// Buffer returns the buffer for a category, or nil if not routed.
func (d *Demux) Buffer(c model.Category) *GrowableBuffer[Event] {
	return d.buffers[c]
}

// Route parses one frame and dispatches it.
func (d *Demux) Route(data []byte, receivedAt time.Time) {
	d.mu.Lock()
	d.received++
	d.mu.Unlock()

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		d.parseError("failed to parse frame", err)
		return
	}
	if env.Type == "" {
		d.parseError("failed to parse frame", ErrEmptyFrame)
		return
	}

	switch env.Type {
	case TypeSubscribed, TypeUnsubscribed, TypeOK, TypeError:
		d.mu.Lock()
		d.responses++
		d.mu.Unlock()
		d.onResponse(env)
		return
	case TypeHeartbeat:
		return
	}

	cat := model.Category(env.Type)
	buf, ok := d.buffers[cat]
	if !ok {
		d.logger.Debug("skipping message type", "type", env.Type)
		d.mu.Lock()
		d.unknownMessages++
		d.mu.Unlock()
		return
	}

	// A frame may batch several events as a JSON array
	payloads := []json.RawMessage{env.Msg}
	if trimmed := bytes.TrimSpace(env.Msg); len(trimmed) > 0 && trimmed[0] == '[' {
		payloads = nil
		if err := json.Unmarshal(trimmed, &payloads); err != nil {
			d.parseError("failed to split batched frame", err)
			return
		}
	}

	var routed int64
	for _, p := range payloads {
		if buf.Send(Event{Category: cat, Data: p, ReceivedAt: receivedAt}) {
			routed++
		}
	}

	d.mu.Lock()
	d.routed += routed
	dropped := buf.Stats().Dropped
	if delta := dropped - d.lastDropped[cat]; delta > 0 {
		d.lastDropped[cat] = dropped
		metrics.DroppedEvents.WithLabelValues(string(cat)).Add(float64(delta))
	}
	d.mu.Unlock()
}

// Close closes every buffer. Listeners drain what remains and then
// observe end-of-stream.
func (d *Demux) Close() {
	d.closeOnce.Do(func() {
		for _, b := range d.buffers {
			b.Close()
		}
	})
}

// Stats returns current statistics.
func (d *Demux) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Stats{
		FramesReceived:  d.received,
		EventsRouted:    d.routed,
		Responses:       d.responses,
		ParseErrors:     d.parseErrors,
		UnknownMessages: d.unknownMessages,
		Buffers:         make(map[model.Category]BufferStats, len(d.buffers)),
	}
	for c, b := range d.buffers {
		s.Buffers[c] = b.Stats()
	}
	return s
}

func (d *Demux) parseError(msg string, err error) {
	d.logger.Warn(msg, "error", err)
	d.mu.Lock()
	d.parseErrors++
	d.mu.Unlock()
}
