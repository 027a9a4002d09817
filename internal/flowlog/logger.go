package flowlog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueSize bounds the async event queue.
const DefaultQueueSize = 1024

// Logger writes event blocks to a flow log file through a bounded
// queue. When the queue is full, events are dropped and a single
// LOG_OVERFLOW marker is emitted once space frees up.
type Logger struct {
	level DetailLevel
	queue chan Event
	out   io.WriteCloser
	log   *slog.Logger

	dropped atomic.Int64
	wg      sync.WaitGroup

	closeOnce sync.Once
	closed    atomic.Bool
}

// LoggerOption configures a Logger.
type LoggerOption func(*Logger)

// WithQueueSize overrides the queue bound.
func WithQueueSize(n int) LoggerOption {
	return func(l *Logger) {
		if n > 0 {
			l.queue = make(chan Event, n)
		}
	}
}

// WithSlog sets the diagnostic logger.
func WithSlog(log *slog.Logger) LoggerOption {
	return func(l *Logger) { l.log = log }
}

// New opens (appending) the flow log at path and starts the writer
// goroutine.
func New(path string, level DetailLevel, opts ...LoggerOption) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return NewWriter(f, level, opts...), nil
}

// NewWriter starts a logger over an arbitrary sink. The sink is closed
// by Close.
func NewWriter(out io.WriteCloser, level DetailLevel, opts ...LoggerOption) *Logger {
	l := &Logger{
		level: level,
		queue: make(chan Event, DefaultQueueSize),
		out:   out,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Emit queues an event. A full queue drops the event; the gap is
// marked with one LOG_OVERFLOW event when the queue drains.
func (l *Logger) Emit(ev Event) {
	if l.closed.Load() {
		return
	}
	select {
	case l.queue <- ev:
	default:
		l.dropped.Add(1)
	}
}

// Dropped reports how many events have been dropped so far.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Close drains the queue, writes any pending overflow marker, and
// closes the sink.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.queue)
		l.wg.Wait()
		err = l.out.Close()
	})
	return err
}

func (l *Logger) run() {
	defer l.wg.Done()
	var reported int64
	for ev := range l.queue {
		if d := l.dropped.Load(); d > reported {
			l.write(overflowEvent(ev.SessionID, d-reported))
			reported = d
		}
		l.write(ev)
	}
	if d := l.dropped.Load(); d > reported {
		l.write(overflowEvent("", d-reported))
	}
}

func (l *Logger) write(ev Event) {
	if _, err := io.WriteString(l.out, Format(ev, l.level)); err != nil {
		l.log.Error("flow log write failed", "error", err)
	}
}

func overflowEvent(sessionID string, count int64) Event {
	return Event{
		Timestamp: time.Now(),
		Type:      EventLogOverflow,
		Status:    StatusError,
		SessionID: sessionID,
		Detail: map[string]string{
			"dropped_events": strconv.FormatInt(count, 10),
		},
	}
}

// Session tracks elapsed time for one query flow. Events emitted
// through it share the session ID and a common start instant.
type Session struct {
	logger *Logger
	id     string
	start  time.Time
}

// Session starts a flow session.
func (l *Logger) Session(id string) *Session {
	return &Session{logger: l, id: id, start: time.Now()}
}

// Emit records one step of the session with its outcome status.
func (s *Session) Emit(t EventType, status Status, detail map[string]string) {
	now := time.Now()
	s.logger.Emit(Event{
		Timestamp: now,
		Type:      t,
		Status:    status,
		SessionID: s.id,
		Elapsed:   now.Sub(s.start),
		Detail:    detail,
	})
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }
