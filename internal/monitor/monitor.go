package monitor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/davmazz/marvin/internal/agent"
	"github.com/davmazz/marvin/internal/observability"
)

// Log line markers emitted by the agent CLI. DONE and FAILED are trailing
// markers; PROGRESS lines may appear any number of times.
const (
	markerProgress = "MARVIN_PROGRESS:"
	markerDone     = "MARVIN_DONE"
	markerFailed   = "MARVIN_FAILED:"
)

// ProgressEvent is one parsed progress marker from newly appended log text.
type ProgressEvent struct {
	SessionID string
	Text      string
	At        time.Time
}

// Outcome is the single terminal report for a monitored process.
type Outcome struct {
	SessionID string
	Success   bool
	Result    string
	Reason    string
}

var ErrAlreadyMonitoring = errors.New("session is already being monitored")

type handle struct {
	sessionID  string
	pid        int
	logPath    string
	offset     int64
	partial    string
	doneResult string
	failReason string
	sawDone    bool
	sawFailed  bool
	onProgress func(ProgressEvent)
	onTerminal func(Outcome)

	stop     chan struct{}
	stopOnce sync.Once
	termOnce sync.Once
}

// Monitor owns every active handle; handles are in-memory only and exist
// between Start and Stop.
type Monitor struct {
	pollInterval time.Duration
	alive        func(pid int) bool
	metrics      *observability.Metrics

	mu      sync.Mutex
	handles map[string]*handle
}

func New(pollInterval time.Duration, metrics *observability.Metrics) *Monitor {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Monitor{
		pollInterval: pollInterval,
		alive:        agent.Alive,
		metrics:      metrics,
		handles:      make(map[string]*handle),
	}
}

// Start begins tailing the process log at the configured poll interval.
// onTerminal fires exactly once, on process exit, log failure, or never if
// Stop is called first.
func (m *Monitor) Start(sessionID string, pid int, logPath string, onProgress func(ProgressEvent), onTerminal func(Outcome)) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session id is required")
	}

	h := &handle{
		sessionID:  sessionID,
		pid:        pid,
		logPath:    logPath,
		onProgress: onProgress,
		onTerminal: onTerminal,
		stop:       make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.handles[sessionID]; exists {
		m.mu.Unlock()
		return ErrAlreadyMonitoring
	}
	m.handles[sessionID] = h
	m.mu.Unlock()

	go m.loop(h)
	return nil
}

// Stop cancels the polling loop for the session and discards the handle.
// Unknown or already-stopped session ids are a no-op.
func (m *Monitor) Stop(sessionID string) {
	m.mu.Lock()
	h, ok := m.handles[strings.TrimSpace(sessionID)]
	if ok {
		delete(m.handles, h.sessionID)
	}
	m.mu.Unlock()
	if ok {
		h.stopOnce.Do(func() { close(h.stop) })
	}
}

func (m *Monitor) loop(h *handle) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			if err := m.poll(h); err != nil {
				m.metrics.ObserveMonitorPollError()
				m.finish(h, Outcome{
					SessionID: h.sessionID,
					Success:   false,
					Reason:    fmt.Sprintf("monitor error: %v", err),
				})
				return
			}

			if m.alive(h.pid) {
				continue
			}

			// Final tail read; the process may have written between the
			// read above and its exit.
			if err := m.poll(h); err != nil {
				m.metrics.ObserveMonitorPollError()
				m.finish(h, Outcome{
					SessionID: h.sessionID,
					Success:   false,
					Reason:    fmt.Sprintf("monitor error: %v", err),
				})
				return
			}
			m.flushPartial(h)
			m.finish(h, outcomeFrom(h))
			return
		}
	}
}

// poll reads only the bytes appended since the handle's recorded offset and
// scans complete lines for markers. An incomplete trailing line is carried
// over to the next poll.
func (m *Monitor) poll(h *handle) error {
	f, err := os.Open(h.logPath)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat log: %w", err)
	}
	size := info.Size()
	if size < h.offset {
		// Truncated underneath us; restart from the top rather than
		// silently missing the tail.
		h.offset = 0
		h.partial = ""
	}
	if size == h.offset {
		return nil
	}

	if _, err := f.Seek(h.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek log: %w", err)
	}
	buf := make([]byte, size-h.offset)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return fmt.Errorf("read log: %w", err)
	}
	h.offset += int64(n)

	text := h.partial + string(buf[:n])
	lines := strings.Split(text, "\n")
	h.partial = lines[len(lines)-1]
	for _, line := range lines[:len(lines)-1] {
		m.scanLine(h, line)
	}
	return nil
}

func (m *Monitor) flushPartial(h *handle) {
	if strings.TrimSpace(h.partial) == "" {
		return
	}
	m.scanLine(h, h.partial)
	h.partial = ""
}

func (m *Monitor) scanLine(h *handle, line string) {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, markerProgress):
		if h.onProgress != nil {
			h.onProgress(ProgressEvent{
				SessionID: h.sessionID,
				Text:      strings.TrimSpace(strings.TrimPrefix(line, markerProgress)),
				At:        time.Now().UTC(),
			})
		}
	case strings.HasPrefix(line, markerFailed):
		h.sawFailed = true
		h.failReason = strings.TrimSpace(strings.TrimPrefix(line, markerFailed))
	case strings.HasPrefix(line, markerDone):
		h.sawDone = true
		h.doneResult = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(line, markerDone), ":"))
	}
}

// finish fires the terminal callback exactly once and discards the handle.
func (m *Monitor) finish(h *handle, outcome Outcome) {
	m.mu.Lock()
	if m.handles[h.sessionID] == h {
		delete(m.handles, h.sessionID)
	}
	m.mu.Unlock()

	h.termOnce.Do(func() {
		if h.onTerminal != nil {
			h.onTerminal(outcome)
		}
	})
}

func outcomeFrom(h *handle) Outcome {
	switch {
	case h.sawFailed:
		reason := h.failReason
		if reason == "" {
			reason = "agent reported failure"
		}
		return Outcome{SessionID: h.sessionID, Success: false, Reason: reason}
	case h.sawDone:
		return Outcome{SessionID: h.sessionID, Success: true, Result: h.doneResult}
	default:
		return Outcome{SessionID: h.sessionID, Success: false, Reason: "process exited without a completion marker"}
	}
}

// Active returns the number of live handles. Used by status displays and
// tests.
func (m *Monitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}
