package queue

import "time"

type Kind string

const (
	// KindSession is a long-running coding-agent job bound to a
	// conversation. At most one may be queued or running per conversation.
	KindSession Kind = "session"
)

type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
	StatusTimedOut  TaskStatus = "timed_out"
)

// Task is one unit of queued work. Status transitions are monotonic:
// queued -> running -> {completed|failed|cancelled|timed_out}, and terminal
// states are final.
type Task struct {
	ID             string     `json:"id"`
	Kind           Kind       `json:"kind"`
	ConversationID string     `json:"conversation_id"`
	OwnerID        string     `json:"owner_id"`
	Target         string     `json:"target"`
	Description    string     `json:"description"`
	Status         TaskStatus `json:"status"`
	SessionID      string     `json:"session_id,omitempty"`
	ProcessID      int        `json:"process_id,omitempty"`
	LogPath        string     `json:"log_path,omitempty"`
	Result         string     `json:"result,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Deadline       time.Time  `json:"deadline,omitempty"`
}

func (t Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

func (t Task) Clone() Task {
	out := t
	if t.StartedAt != nil {
		v := *t.StartedAt
		out.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		out.CompletedAt = &v
	}
	return out
}

// SubmitRequest describes a task submission from the skill layer.
type SubmitRequest struct {
	Kind           Kind   `json:"kind"`
	ConversationID string `json:"conversation_id"`
	OwnerID        string `json:"owner_id"`
	Target         string `json:"target"`
	Description    string `json:"description"`
}

// QueueStatus is the display projection exposed to the calling layer.
type QueueStatus struct {
	Queued   int `json:"queued"`
	Running  int `json:"running"`
	Capacity int `json:"capacity"`
}

type EventType string

const (
	EventTaskQueued   EventType = "task_queued"
	EventTaskStarted  EventType = "task_started"
	EventTaskProgress EventType = "task_progress"
	EventTaskTerminal EventType = "task_terminal"
)

// Event is a task lifecycle or progress notification delivered to
// subscribers of a conversation.
type Event struct {
	Type           EventType  `json:"type"`
	ConversationID string     `json:"conversation_id"`
	TaskID         string     `json:"task_id"`
	SessionID      string     `json:"session_id,omitempty"`
	Status         TaskStatus `json:"status,omitempty"`
	Text           string     `json:"text,omitempty"`
	At             time.Time  `json:"at"`
}
