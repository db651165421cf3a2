// Package notify carries transient user-facing notifications (the toasts of
// a browser client) to websocket subscribers, the log and optionally Kafka.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dante4rt/tuition-escrow-dapp/internal/logger"
)

type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelInfo    Level = "info"
	LevelLoading Level = "loading"
)

// Keys group notifications that replace one another.
const (
	KeyAdminAction   = "adminAction"
	KeyDepositAction = "depositAction"
)

type Notification struct {
	ID      uuid.UUID `json:"id"`
	Level   Level     `json:"level"`
	Key     string    `json:"key,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// New returns a notification stamped with a fresh id and the current time.
func New(level Level, key, message string) Notification {
	return Notification{ID: uuid.New(), Level: level, Key: key, Message: message, At: time.Now().UTC()}
}

// Notifier accepts notifications. Implementations must not block for long.
type Notifier interface {
	Notify(n Notification)
}

// Sink is a downstream destination for every notification.
type Sink interface {
	Publish(ctx context.Context, n Notification) error
}

const sinkTimeout = 5 * time.Second

// Hub fans notifications out to subscribers and sinks.
type Hub struct {
	lggr  logger.Logger
	sinks []Sink

	mu   sync.RWMutex
	subs map[uuid.UUID]chan Notification
}

func NewHub(lggr logger.Logger, sinks ...Sink) *Hub {
	return &Hub{
		lggr:  lggr.Named("notify"),
		sinks: sinks,
		subs:  make(map[uuid.UUID]chan Notification),
	}
}

// Notify delivers n to every subscriber without blocking; a subscriber whose
// buffer is full misses it.
func (h *Hub) Notify(n Notification) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}

	h.mu.RLock()
	for id, ch := range h.subs {
		select {
		case ch <- n:
		default:
			h.lggr.Debugw("Subscriber buffer full, dropping notification", "subscriber", id, "notification", n.ID)
		}
	}
	h.mu.RUnlock()

	for _, s := range h.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := s.Publish(ctx, n); err != nil {
			h.lggr.Warnw("Notification sink failed", "notification", n.ID, "err", err)
		}
		cancel()
	}
}

// Subscribe returns a channel of future notifications and a func that ends
// the subscription and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Notification, func()) {
	id := uuid.New()
	ch := make(chan Notification, buffer)
	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// LogSink writes notifications to the log.
type LogSink struct {
	lggr logger.Logger
}

func NewLogSink(lggr logger.Logger) *LogSink {
	return &LogSink{lggr: lggr.Named("toast")}
}

func (s *LogSink) Publish(_ context.Context, n Notification) error {
	kv := []any{"key", n.Key, "level", n.Level, "id", n.ID}
	switch n.Level {
	case LevelError:
		s.lggr.Warnw(n.Message, kv...)
	case LevelLoading:
		s.lggr.Debugw(n.Message, kv...)
	default:
		s.lggr.Infow(n.Message, kv...)
	}
	return nil
}

// Recorder keeps every notification it receives. It is meant for tests and
// the CLI, where there is no live subscriber.
type Recorder struct {
	mu  sync.Mutex
	all []Notification
}

func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, n)
}

func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.all...)
}

// Messages returns the recorded messages in order.
func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.all))
	for i, n := range r.all {
		out[i] = n.Message
	}
	return out
}
