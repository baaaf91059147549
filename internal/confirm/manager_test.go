package confirm

import (
	"testing"
	"time"
)

func TestStageConsumeRoundTrip(t *testing.T) {
	m := NewManager()
	params := map[string]string{"repo": "acme/site", "branch": "main"}

	replaced := m.Stage("u1", "start_session", params, "deploy the landing page", 5*time.Minute)
	if replaced {
		t.Fatalf("Stage() replaced = true, want false for first stage")
	}

	got, res := m.Consume("u1")
	if res != ConsumeOK {
		t.Fatalf("Consume() result = %q, want %q", res, ConsumeOK)
	}
	if got.Action != "start_session" {
		t.Fatalf("Action = %q, want %q", got.Action, "start_session")
	}
	if got.Params["repo"] != "acme/site" || got.Params["branch"] != "main" {
		t.Fatalf("Params = %v, want original params", got.Params)
	}
	if got.Context != "deploy the landing page" {
		t.Fatalf("Context = %q, want original context", got.Context)
	}

	if _, res := m.Consume("u1"); res != ConsumeAbsent {
		t.Fatalf("second Consume() result = %q, want %q", res, ConsumeAbsent)
	}
}

func TestStageReplacesPending(t *testing.T) {
	m := NewManager()
	m.Stage("u1", "first", nil, "", time.Minute)
	replaced := m.Stage("u1", "second", nil, "", time.Minute)
	if !replaced {
		t.Fatalf("Stage() replaced = false, want true while first is live")
	}

	got, res := m.Consume("u1")
	if res != ConsumeOK {
		t.Fatalf("Consume() result = %q, want %q", res, ConsumeOK)
	}
	if got.Action != "second" {
		t.Fatalf("Action = %q, want last-staged action", got.Action)
	}
}

func TestConsumeExpired(t *testing.T) {
	m := NewManager()
	now := time.Now().UTC()
	m.now = func() time.Time { return now }
	m.Stage("u1", "risky", nil, "", time.Millisecond)

	m.now = func() time.Time { return now.Add(time.Second) }
	if _, res := m.Consume("u1"); res != ConsumeExpired {
		t.Fatalf("Consume() result = %q, want %q", res, ConsumeExpired)
	}
	if _, res := m.Consume("u1"); res != ConsumeAbsent {
		t.Fatalf("Consume() after expiry purge = %q, want %q", res, ConsumeAbsent)
	}
}

func TestHasPendingPurgesExpired(t *testing.T) {
	m := NewManager()
	now := time.Now().UTC()
	m.now = func() time.Time { return now }
	m.Stage("u1", "risky", nil, "", time.Minute)

	if !m.HasPending("u1") {
		t.Fatalf("HasPending() = false, want true while live")
	}

	m.now = func() time.Time { return now.Add(2 * time.Minute) }
	if m.HasPending("u1") {
		t.Fatalf("HasPending() = true, want false after expiry")
	}
	if _, res := m.Consume("u1"); res != ConsumeAbsent {
		t.Fatalf("Consume() after HasPending purge = %q, want %q", res, ConsumeAbsent)
	}
}

func TestDeny(t *testing.T) {
	m := NewManager()
	if m.Deny("u1") {
		t.Fatalf("Deny() = true, want false with nothing pending")
	}
	m.Stage("u1", "risky", nil, "", time.Minute)
	if !m.Deny("u1") {
		t.Fatalf("Deny() = false, want true with a pending entry")
	}
	if m.HasPending("u1") {
		t.Fatalf("HasPending() = true after Deny")
	}
}

func TestClassify(t *testing.T) {
	m := NewManager()
	cases := []struct {
		text string
		want Verdict
	}{
		{"yes", VerdictApprove},
		{"  YES  ", VerdictApprove},
		{"Approve", VerdictApprove},
		{"confirm", VerdictApprove},
		{"do it", VerdictApprove},
		{"okay!", VerdictApprove},
		{"no", VerdictDeny},
		{"Cancel", VerdictDeny},
		{"reject", VerdictDeny},
		{"don't", VerdictDeny},
		{"maybe", VerdictNone},
		{"yes please do the thing", VerdictNone},
		{"notification", VerdictNone},
		{"", VerdictNone},
	}
	for _, tc := range cases {
		if got := m.Classify(tc.text); got != tc.want {
			t.Fatalf("Classify(%q) = %q, want %q", tc.text, got, tc.want)
		}
	}
}

func TestPendingIsolatedPerOwner(t *testing.T) {
	m := NewManager()
	m.Stage("u1", "a", nil, "", time.Minute)
	m.Stage("u2", "b", nil, "", time.Minute)

	if _, res := m.Consume("u1"); res != ConsumeOK {
		t.Fatalf("Consume(u1) result = %q, want %q", res, ConsumeOK)
	}
	if !m.HasPending("u2") {
		t.Fatalf("HasPending(u2) = false, want true after consuming u1")
	}
}
