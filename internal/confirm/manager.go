package confirm

import (
	"strings"
	"sync"
	"time"
)

// Verdict is the classification of a free-text user reply.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictDeny    Verdict = "deny"
	VerdictNone    Verdict = "none"
)

// ConsumeResult reports what Consume found for an owner.
type ConsumeResult string

const (
	ConsumeOK      ConsumeResult = "ok"
	ConsumeExpired ConsumeResult = "expired"
	ConsumeAbsent  ConsumeResult = "absent"
)

// PendingConfirmation is a proposed action held until the owner replies.
type PendingConfirmation struct {
	OwnerID   string            `json:"owner_id"`
	Action    string            `json:"action"`
	Params    map[string]string `json:"params,omitempty"`
	Context   string            `json:"context,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

var (
	approveVocabulary = []string{"yes", "y", "yeah", "yep", "ok", "okay", "sure", "approve", "approved", "confirm", "confirmed", "go", "do it", "proceed"}
	denyVocabulary    = []string{"no", "n", "nope", "nah", "deny", "denied", "reject", "rejected", "cancel", "stop", "abort", "don't", "dont"}
)

// Manager holds at most one live pending confirmation per owner. Expiry is
// lazy: entries past their deadline are purged on the next access, never by
// a background timer.
type Manager struct {
	mu      sync.Mutex
	pending map[string]PendingConfirmation
	now     func() time.Time
}

func NewManager() *Manager {
	return &Manager{
		pending: make(map[string]PendingConfirmation),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Stage stores a pending proposal for the owner. A second stage while one is
// still live replaces it (last write wins); the returned flag tells the
// caller a live entry was replaced so it can warn the user. Callers that
// need stricter semantics should check HasPending first.
func (m *Manager) Stage(ownerID, action string, params map[string]string, context string, ttl time.Duration) bool {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return false
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	prev, existed := m.pending[ownerID]
	replaced := existed && now.Before(prev.ExpiresAt)

	m.pending[ownerID] = PendingConfirmation{
		OwnerID:   ownerID,
		Action:    strings.TrimSpace(action),
		Params:    cloneParams(params),
		Context:   context,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	return replaced
}

// Classify matches a reply against the approve and deny vocabularies using
// whole-token, case-insensitive comparison. Anything else is VerdictNone.
func (m *Manager) Classify(text string) Verdict {
	normalized := normalizeReply(text)
	if normalized == "" {
		return VerdictNone
	}
	for _, word := range approveVocabulary {
		if normalized == word {
			return VerdictApprove
		}
	}
	for _, word := range denyVocabulary {
		if normalized == word {
			return VerdictDeny
		}
	}
	return VerdictNone
}

// Consume atomically removes and returns the owner's pending proposal.
func (m *Manager) Consume(ownerID string) (PendingConfirmation, ConsumeResult) {
	ownerID = strings.TrimSpace(ownerID)

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.pending[ownerID]
	if !ok {
		return PendingConfirmation{}, ConsumeAbsent
	}
	delete(m.pending, ownerID)
	if m.now().After(entry.ExpiresAt) {
		return PendingConfirmation{}, ConsumeExpired
	}
	return entry, ConsumeOK
}

// Deny removes the owner's pending entry if present.
func (m *Manager) Deny(ownerID string) bool {
	ownerID = strings.TrimSpace(ownerID)

	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.pending[ownerID]
	if ok {
		delete(m.pending, ownerID)
	}
	return ok
}

// HasPending reports whether a live proposal exists for the owner, purging
// an expired one on the way.
func (m *Manager) HasPending(ownerID string) bool {
	ownerID = strings.TrimSpace(ownerID)

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.pending[ownerID]
	if !ok {
		return false
	}
	if m.now().After(entry.ExpiresAt) {
		delete(m.pending, ownerID)
		return false
	}
	return true
}

func normalizeReply(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = strings.Trim(text, ".!?,")
	return strings.Join(strings.Fields(text), " ")
}

func cloneParams(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
