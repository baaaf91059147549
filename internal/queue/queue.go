package queue

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davmazz/marvin/internal/agent"
	"github.com/davmazz/marvin/internal/monitor"
	"github.com/davmazz/marvin/internal/observability"
	"github.com/davmazz/marvin/internal/sessions"
)

// ProcessMonitor is the slice of the monitor used by the queue.
type ProcessMonitor interface {
	Start(sessionID string, pid int, logPath string, onProgress func(monitor.ProgressEvent), onTerminal func(monitor.Outcome)) error
	Stop(sessionID string)
}

type Config struct {
	Capacity      int
	TaskTimeout   time.Duration
	DeadlineSweep time.Duration
	EventBuffer   int
}

// Queue accepts task submissions, enforces bounded concurrency and the
// single-active-session-per-conversation invariant, spawns and supervises
// the external agent process for each running task, and guarantees every
// task reaches exactly one terminal state.
type Queue struct {
	capacity      int
	taskTimeout   time.Duration
	deadlineSweep time.Duration
	eventBuffer   int

	store    sessions.Store
	launcher agent.Launcher
	mon      ProcessMonitor
	metrics  *observability.Metrics

	now   func() time.Time
	alive func(pid int) bool

	progressSink func(conversationID, text string)

	mu                   sync.Mutex
	tasks                map[string]*Task
	pending              []string
	running              map[string]struct{}
	activeByConversation map[string]string
	subscribers          map[string]map[int]chan Event
	nextSubID            int
}

func New(cfg Config, store sessions.Store, launcher agent.Launcher, mon ProcessMonitor, metrics *observability.Metrics) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Minute
	}
	if cfg.DeadlineSweep <= 0 {
		cfg.DeadlineSweep = 5 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	return &Queue{
		capacity:             cfg.Capacity,
		taskTimeout:          cfg.TaskTimeout,
		deadlineSweep:        cfg.DeadlineSweep,
		eventBuffer:          cfg.EventBuffer,
		store:                store,
		launcher:             launcher,
		mon:                  mon,
		metrics:              metrics,
		now:                  func() time.Time { return time.Now().UTC() },
		alive:                agent.Alive,
		tasks:                make(map[string]*Task),
		running:              make(map[string]struct{}),
		activeByConversation: make(map[string]string),
		subscribers:          make(map[string]map[int]chan Event),
	}
}

// SetProgressSink installs the callback that receives human-readable
// progress text. The queue has no knowledge of how it is displayed.
func (q *Queue) SetProgressSink(sink func(conversationID, text string)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.progressSink = sink
}

// Submit allocates a task id synchronously. Session-kind tasks are rejected
// with a ConflictError when an active session already exists for the
// conversation; the in-memory registration under the queue mutex makes two
// concurrent submissions for the same conversation resolve to exactly one
// success.
func (q *Queue) Submit(ctx context.Context, req SubmitRequest) (Task, error) {
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.Target = strings.TrimSpace(req.Target)
	req.Description = strings.TrimSpace(req.Description)
	if req.Kind == "" {
		req.Kind = KindSession
	}
	if req.ConversationID == "" {
		return Task{}, &ValidationError{Field: "conversation_id"}
	}
	if req.Description == "" {
		return Task{}, &ValidationError{Field: "description"}
	}

	// Persisted check first: a session may still be active from a previous
	// process lifetime. The in-memory check below is the synchronous gate
	// for concurrent submissions.
	if existing, err := q.store.GetActive(ctx, req.ConversationID); err == nil {
		return Task{}, &ConflictError{ConversationID: req.ConversationID, SessionID: existing.ID}
	} else if err != sessions.ErrNotFound {
		return Task{}, fmt.Errorf("query active session: %w", err)
	}

	now := q.now()
	task := &Task{
		ID:             uuid.NewString(),
		Kind:           req.Kind,
		ConversationID: req.ConversationID,
		OwnerID:        req.OwnerID,
		Target:         req.Target,
		Description:    req.Description,
		Status:         StatusQueued,
		SessionID:      uuid.NewString(),
		CreatedAt:      now,
	}

	q.mu.Lock()
	if activeID, busy := q.activeByConversation[req.ConversationID]; busy {
		q.mu.Unlock()
		return Task{}, &ConflictError{ConversationID: req.ConversationID, SessionID: activeID}
	}
	q.tasks[task.ID] = task
	q.activeByConversation[req.ConversationID] = task.ID

	if len(q.running) < q.capacity {
		q.startLocked(task, now)
	} else {
		q.pending = append(q.pending, task.ID)
		q.publishLocked(Event{
			Type:           EventTaskQueued,
			ConversationID: task.ConversationID,
			TaskID:         task.ID,
			SessionID:      task.SessionID,
			Status:         StatusQueued,
			Text:           fmt.Sprintf("Queued (position %d).", len(q.pending)),
			At:             now,
		})
	}
	snapshot := task.Clone()
	q.updateGaugesLocked()
	q.mu.Unlock()

	q.metrics.ObserveTaskEvent("submitted")
	return snapshot, nil
}

// startLocked transitions queued->running, occupies a capacity slot, and
// hands the task to the launch goroutine.
func (q *Queue) startLocked(task *Task, now time.Time) {
	task.Status = StatusRunning
	started := now
	task.StartedAt = &started
	task.Deadline = now.Add(q.taskTimeout)
	q.running[task.ID] = struct{}{}

	q.publishLocked(Event{
		Type:           EventTaskStarted,
		ConversationID: task.ConversationID,
		TaskID:         task.ID,
		SessionID:      task.SessionID,
		Status:         StatusRunning,
		Text:           "Session started.",
		At:             now,
	})

	go q.launch(task.Clone())
}

// launch persists the session record, spawns the agent process, records its
// pid and log path, and attaches the monitor. Runs outside the queue mutex.
func (q *Queue) launch(task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := q.now()
	sess := sessions.Session{
		ID:             task.SessionID,
		ConversationID: task.ConversationID,
		OwnerID:        task.OwnerID,
		Target:         task.Target,
		Description:    task.Description,
		Status:         sessions.StatusRunning,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	if err := q.store.Save(ctx, sess); err != nil {
		q.finishTask(task.ID, StatusFailed, fmt.Sprintf("persist session: %v", err), "")
		return
	}

	proc, err := q.launcher.Launch(ctx, agent.LaunchSpec{
		SessionID:      task.SessionID,
		ConversationID: task.ConversationID,
		Target:         task.Target,
		Description:    task.Description,
	})
	if err != nil {
		q.finishTask(task.ID, StatusFailed, fmt.Sprintf("spawn failed: %v", err), "")
		return
	}

	q.mu.Lock()
	live := q.tasks[task.ID]
	if live == nil || live.Terminal() {
		// Cancelled or timed out while the spawn was in flight; the
		// terminal transition already happened, so just reap the process.
		q.mu.Unlock()
		if killErr := q.launcher.Kill(proc.PID); killErr != nil {
			log.Printf("queue: kill orphaned process %d: %v", proc.PID, killErr)
		}
		return
	}
	live.ProcessID = proc.PID
	live.LogPath = proc.LogPath
	q.mu.Unlock()

	pid := proc.PID
	logPath := proc.LogPath
	q.persistPatch(task.SessionID, sessions.Patch{ProcessID: &pid, LogPath: &logPath})

	err = q.mon.Start(task.SessionID, proc.PID, proc.LogPath,
		func(ev monitor.ProgressEvent) { q.onProgress(task.ConversationID, task.ID, task.SessionID, ev) },
		func(out monitor.Outcome) { q.onMonitorTerminal(task.ID, out) },
	)
	if err != nil {
		_ = q.launcher.Kill(proc.PID)
		q.finishTask(task.ID, StatusFailed, fmt.Sprintf("monitor start: %v", err), "")
	}
}

func (q *Queue) onProgress(conversationID, taskID, sessionID string, ev monitor.ProgressEvent) {
	q.mu.Lock()
	sink := q.progressSink
	q.publishLocked(Event{
		Type:           EventTaskProgress,
		ConversationID: conversationID,
		TaskID:         taskID,
		SessionID:      sessionID,
		Status:         StatusRunning,
		Text:           ev.Text,
		At:             ev.At,
	})
	q.mu.Unlock()

	if sink != nil {
		sink(conversationID, ev.Text)
	}
}

func (q *Queue) onMonitorTerminal(taskID string, out monitor.Outcome) {
	if out.Success {
		q.finishTask(taskID, StatusCompleted, "", out.Result)
		return
	}
	q.finishTask(taskID, StatusFailed, out.Reason, "")
}

// Cancel removes a queued task or terminates a running one. Reports whether
// this call performed the terminal transition; a task that already reached
// a terminal state by any path is left untouched.
func (q *Queue) Cancel(ctx context.Context, taskID string) bool {
	return q.terminate(taskID, StatusCancelled, reasonCancelled)
}

// terminate is the shared path for cancellation and timeout: stop the
// monitor, kill the process if still alive, then take the single terminal
// transition. Whichever of cancel, timeout, or natural completion fires
// first wins; the others become no-ops inside finishTask.
func (q *Queue) terminate(taskID string, status TaskStatus, reason string) bool {
	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok || task.Terminal() {
		q.mu.Unlock()
		return false
	}
	wasRunning := task.Status == StatusRunning
	sessionID := task.SessionID
	pid := task.ProcessID
	q.mu.Unlock()

	if wasRunning {
		q.mon.Stop(sessionID)
		if pid > 0 {
			if err := q.launcher.Kill(pid); err != nil {
				log.Printf("queue: kill process %d: %v", pid, err)
			}
		}
	}
	return q.finishTask(taskID, status, reason, "")
}

// finishTask performs the exactly-once terminal transition: releases the
// capacity slot, pulls the next queued task, and persists the session
// outcome. Returns false when the task already reached a terminal state.
func (q *Queue) finishTask(taskID string, status TaskStatus, reason, result string) bool {
	now := q.now()

	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok || task.Terminal() {
		q.mu.Unlock()
		return false
	}

	wasQueued := task.Status == StatusQueued
	wasRunning := task.Status == StatusRunning
	task.Status = status
	task.Reason = reason
	task.Result = result
	completed := now
	task.CompletedAt = &completed

	if wasQueued {
		q.removePendingLocked(taskID)
	}
	if wasRunning {
		delete(q.running, taskID)
	}
	if q.activeByConversation[task.ConversationID] == taskID {
		delete(q.activeByConversation, task.ConversationID)
	}

	q.publishLocked(Event{
		Type:           EventTaskTerminal,
		ConversationID: task.ConversationID,
		TaskID:         task.ID,
		SessionID:      task.SessionID,
		Status:         status,
		Text:           terminalText(status, reason, result),
		At:             now,
	})

	// Freed slot: pull the next queued task.
	for wasRunning && len(q.pending) > 0 && len(q.running) < q.capacity {
		nextID := q.pending[0]
		q.pending = q.pending[1:]
		next := q.tasks[nextID]
		if next == nil || next.Terminal() {
			continue
		}
		q.startLocked(next, now)
	}

	startedAt := task.StartedAt
	sessionID := task.SessionID
	q.updateGaugesLocked()
	q.mu.Unlock()

	q.metrics.ObserveTaskEvent(string(status))
	if startedAt != nil {
		q.metrics.ObserveTaskDuration(now.Sub(*startedAt))
	}

	// Queued tasks never created a session record; running ones did.
	if wasRunning {
		sessStatus := sessionStatusFor(status)
		ended := now
		patch := sessions.Patch{Status: &sessStatus, EndedAt: &ended}
		if reason != "" {
			patch.Reason = &reason
		}
		if result != "" {
			patch.Result = &result
		}
		q.persistPatch(sessionID, patch)
	}
	return true
}

// Run starts the deadline sweeper and blocks until the context is done.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.deadlineSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweepDeadlines()
		}
	}
}

func (q *Queue) sweepDeadlines() {
	now := q.now()

	q.mu.Lock()
	var expired []string
	for taskID := range q.running {
		task := q.tasks[taskID]
		if task != nil && !task.Deadline.IsZero() && now.After(task.Deadline) {
			expired = append(expired, taskID)
		}
	}
	q.mu.Unlock()

	for _, taskID := range expired {
		if q.terminate(taskID, StatusTimedOut, reasonTimeout) {
			log.Printf("queue: task %s exceeded its deadline", taskID)
		}
	}
}

// Reconcile repairs state after a restart: sessions the store still reports
// active are checked against live processes. Dead ones are finalized as
// failed; live ones get a monitor re-attached and occupy a capacity slot.
func (q *Queue) Reconcile(ctx context.Context) error {
	active, err := q.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}

	now := q.now()
	for _, sess := range active {
		if sess.ProcessID <= 0 || !q.alive(sess.ProcessID) {
			status := sessions.StatusFailed
			reason := "orphaned by restart"
			ended := now
			q.persistPatch(sess.ID, sessions.Patch{Status: &status, Reason: &reason, EndedAt: &ended})
			log.Printf("queue: session %s orphaned by restart, marked failed", sess.ID)
			continue
		}

		task := &Task{
			ID:             uuid.NewString(),
			Kind:           KindSession,
			ConversationID: sess.ConversationID,
			OwnerID:        sess.OwnerID,
			Target:         sess.Target,
			Description:    sess.Description,
			Status:         StatusRunning,
			SessionID:      sess.ID,
			ProcessID:      sess.ProcessID,
			LogPath:        sess.LogPath,
			CreatedAt:      sess.StartedAt,
			StartedAt:      &sess.StartedAt,
			Deadline:       sess.StartedAt.Add(q.taskTimeout),
		}

		q.mu.Lock()
		q.tasks[task.ID] = task
		q.running[task.ID] = struct{}{}
		q.activeByConversation[task.ConversationID] = task.ID
		q.updateGaugesLocked()
		q.mu.Unlock()

		err := q.mon.Start(sess.ID, sess.ProcessID, sess.LogPath,
			func(ev monitor.ProgressEvent) { q.onProgress(task.ConversationID, task.ID, task.SessionID, ev) },
			func(out monitor.Outcome) { q.onMonitorTerminal(task.ID, out) },
		)
		if err != nil {
			q.finishTask(task.ID, StatusFailed, fmt.Sprintf("monitor re-attach: %v", err), "")
			continue
		}
		log.Printf("queue: re-attached monitor to session %s (pid %d)", sess.ID, sess.ProcessID)
	}
	return nil
}

func (q *Queue) Get(taskID string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return task.Clone(), nil
}

func (q *Queue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStatus{
		Queued:   len(q.pending),
		Running:  len(q.running),
		Capacity: q.capacity,
	}
}

// Subscribe returns a channel of events for the conversation plus an
// unsubscribe func. Slow subscribers drop events rather than blocking the
// queue.
func (q *Queue) Subscribe(conversationID string) (<-chan Event, func()) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Event, q.eventBuffer)
	q.mu.Lock()
	q.nextSubID++
	id := q.nextSubID
	if _, ok := q.subscribers[conversationID]; !ok {
		q.subscribers[conversationID] = make(map[int]chan Event)
	}
	q.subscribers[conversationID][id] = ch
	q.mu.Unlock()

	return ch, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		subs := q.subscribers[conversationID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(q.subscribers, conversationID)
		}
	}
}

func (q *Queue) publishLocked(evt Event) {
	subs := q.subscribers[evt.ConversationID]
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (q *Queue) removePendingLocked(taskID string) {
	out := q.pending[:0]
	for _, id := range q.pending {
		if id == taskID {
			continue
		}
		out = append(out, id)
	}
	q.pending = out
}

func (q *Queue) updateGaugesLocked() {
	q.metrics.SetRunningTasks(len(q.running))
	q.metrics.SetQueueDepth(len(q.pending))
}

// persistPatch applies a session patch off the hot path with a short
// timeout of its own.
func (q *Queue) persistPatch(sessionID string, patch sessions.Patch) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := q.store.Update(ctx, sessionID, patch); err != nil {
			log.Printf("queue: persist session %s: %v", sessionID, err)
		}
	}()
}

func sessionStatusFor(status TaskStatus) sessions.Status {
	switch status {
	case StatusCompleted:
		return sessions.StatusCompleted
	case StatusCancelled:
		return sessions.StatusCancelled
	case StatusTimedOut:
		return sessions.StatusTimedOut
	default:
		return sessions.StatusFailed
	}
}

func terminalText(status TaskStatus, reason, result string) string {
	switch status {
	case StatusCompleted:
		if result != "" {
			return result
		}
		return "Session completed."
	case StatusCancelled:
		return "Session cancelled."
	case StatusTimedOut:
		return "Session timed out."
	default:
		if reason != "" {
			return reason
		}
		return "Session failed."
	}
}
