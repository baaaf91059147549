package sessions

import "time"

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// Session is one invocation of an externally spawned long-running job,
// bound 1:1 to a conversation while active.
type Session struct {
	ID             string     `json:"session_id"`
	ConversationID string     `json:"conversation_id"`
	OwnerID        string     `json:"owner_id"`
	Target         string     `json:"target"`
	Description    string     `json:"description"`
	Status         Status     `json:"status"`
	ProcessID      int        `json:"process_id,omitempty"`
	LogPath        string     `json:"log_path,omitempty"`
	Result         string     `json:"result,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// Patch carries a partial update; nil fields are left untouched. Applying
// the same patch twice yields the same session.
type Patch struct {
	Status    *Status
	ProcessID *int
	LogPath   *string
	Result    *string
	Reason    *string
	EndedAt   *time.Time
}

func (s Session) Active() bool {
	switch s.Status {
	case StatusQueued, StatusRunning:
		return true
	default:
		return false
	}
}

func (s Session) Clone() Session {
	out := s
	if s.EndedAt != nil {
		ended := *s.EndedAt
		out.EndedAt = &ended
	}
	return out
}

func (s *Session) Apply(patch Patch, now time.Time) {
	if patch.Status != nil {
		s.Status = *patch.Status
	}
	if patch.ProcessID != nil {
		s.ProcessID = *patch.ProcessID
	}
	if patch.LogPath != nil {
		s.LogPath = *patch.LogPath
	}
	if patch.Result != nil {
		s.Result = *patch.Result
	}
	if patch.Reason != nil {
		s.Reason = *patch.Reason
	}
	if patch.EndedAt != nil {
		ended := *patch.EndedAt
		s.EndedAt = &ended
	}
	s.UpdatedAt = now
}
