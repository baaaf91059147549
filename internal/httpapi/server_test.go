package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/davmazz/marvin/internal/agent"
	"github.com/davmazz/marvin/internal/config"
	"github.com/davmazz/marvin/internal/confirm"
	"github.com/davmazz/marvin/internal/monitor"
	"github.com/davmazz/marvin/internal/queue"
	"github.com/davmazz/marvin/internal/sessions"
)

type stubLauncher struct{}

func (stubLauncher) Launch(ctx context.Context, spec agent.LaunchSpec) (agent.Process, error) {
	return agent.Process{PID: 4242, LogPath: "/tmp/" + spec.SessionID + ".log"}, nil
}

func (stubLauncher) Kill(pid int) error { return nil }

type stubMonitor struct{}

func (stubMonitor) Start(sessionID string, pid int, logPath string, onProgress func(monitor.ProgressEvent), onTerminal func(monitor.Outcome)) error {
	return nil
}

func (stubMonitor) Stop(sessionID string) {}

func newTestServer(t *testing.T) (*httptest.Server, *queue.Queue) {
	t.Helper()
	cfg := config.Config{ConfirmTTL: time.Minute}
	store := sessions.NewMemoryStore()
	q := queue.New(queue.Config{Capacity: 1, TaskTimeout: 30 * time.Minute}, store, stubLauncher{}, stubMonitor{}, nil)
	srv := New(cfg, q, confirm.NewManager(), store, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, q
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, _ := json.Marshal(payload)
	res, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	return res
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestSubmitAndConflict(t *testing.T) {
	ts, _ := newTestServer(t)

	res := postJSON(t, ts.URL+"/v1/tasks", map[string]string{
		"conversation_id": "c1",
		"owner_id":        "u1",
		"description":     "fix the flaky test",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	created := decodeBody(t, res)
	if created["task_id"] == "" {
		t.Fatalf("missing task_id in response: %+v", created)
	}

	res = postJSON(t, ts.URL+"/v1/tasks", map[string]string{
		"conversation_id": "c1",
		"description":     "another one",
	})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("conflicting submit status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
	body := decodeBody(t, res)
	if body["code"] != "session_conflict" {
		t.Fatalf("conflict code = %v, want session_conflict", body["code"])
	}
}

func TestSubmitValidationError(t *testing.T) {
	ts, _ := newTestServer(t)

	res := postJSON(t, ts.URL+"/v1/tasks", map[string]string{"description": "no conversation"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("submit status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	res.Body.Close()
}

func TestCancelTask(t *testing.T) {
	ts, _ := newTestServer(t)

	res := postJSON(t, ts.URL+"/v1/tasks", map[string]string{
		"conversation_id": "c1",
		"description":     "long job",
	})
	created := decodeBody(t, res)
	taskID, _ := created["task_id"].(string)

	res = postJSON(t, ts.URL+"/v1/tasks/"+taskID+"/cancel", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	body := decodeBody(t, res)
	if body["cancelled"] != true {
		t.Fatalf("cancelled = %v, want true", body["cancelled"])
	}

	// Cancelling again reports false without error.
	res = postJSON(t, ts.URL+"/v1/tasks/"+taskID+"/cancel", nil)
	body = decodeBody(t, res)
	if body["cancelled"] != false {
		t.Fatalf("second cancel = %v, want false", body["cancelled"])
	}
}

func TestQueueStatusEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := http.Get(ts.URL + "/v1/queue")
	if err != nil {
		t.Fatalf("GET /v1/queue error = %v", err)
	}
	body := decodeBody(t, res)
	if body["capacity"] != float64(1) {
		t.Fatalf("capacity = %v, want 1", body["capacity"])
	}
}

func TestConfirmationFlow(t *testing.T) {
	ts, _ := newTestServer(t)

	res := postJSON(t, ts.URL+"/v1/confirmations", map[string]any{
		"owner_id": "u1",
		"action":   "start_session",
		"params":   map[string]string{"repo": "acme/site"},
		"context":  "rebuild the docs site",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("stage status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	res.Body.Close()

	res, err := http.Get(ts.URL + "/v1/confirmations/u1")
	if err != nil {
		t.Fatalf("GET confirmation status error = %v", err)
	}
	body := decodeBody(t, res)
	if body["pending"] != true {
		t.Fatalf("pending = %v, want true", body["pending"])
	}

	res = postJSON(t, ts.URL+"/v1/confirmations/u1/reply", map[string]string{"text": "yes"})
	body = decodeBody(t, res)
	if body["verdict"] != "approve" || body["result"] != "ok" {
		t.Fatalf("reply = %+v, want approve/ok", body)
	}
	conf, _ := body["confirmation"].(map[string]any)
	if conf["action"] != "start_session" {
		t.Fatalf("consumed action = %v, want start_session", conf["action"])
	}

	// Consumed: a second approval finds nothing.
	res = postJSON(t, ts.URL+"/v1/confirmations/u1/reply", map[string]string{"text": "yes"})
	body = decodeBody(t, res)
	if body["result"] != "absent" {
		t.Fatalf("second reply result = %v, want absent", body["result"])
	}
}

func TestConfirmationDenyAndNone(t *testing.T) {
	ts, _ := newTestServer(t)

	postJSON(t, ts.URL+"/v1/confirmations", map[string]any{
		"owner_id": "u1",
		"action":   "start_session",
	}).Body.Close()

	res := postJSON(t, ts.URL+"/v1/confirmations/u1/reply", map[string]string{"text": "what does it do?"})
	body := decodeBody(t, res)
	if body["verdict"] != "none" {
		t.Fatalf("verdict = %v, want none", body["verdict"])
	}

	res = postJSON(t, ts.URL+"/v1/confirmations/u1/reply", map[string]string{"text": "no"})
	body = decodeBody(t, res)
	if body["verdict"] != "deny" || body["denied"] != true {
		t.Fatalf("deny reply = %+v", body)
	}
}

func TestActiveSessionAndHistory(t *testing.T) {
	ts, q := newTestServer(t)

	res := postJSON(t, ts.URL+"/v1/tasks", map[string]string{
		"conversation_id": "c1",
		"description":     "build the feature",
	})
	created := decodeBody(t, res)
	sessionID, _ := created["session_id"].(string)

	// The session record is written asynchronously by the launch path.
	found := false
	deadline := time.Now().Add(2 * time.Second)
	for !found && time.Now().Before(deadline) {
		res, err := http.Get(ts.URL + "/v1/conversations/c1/session")
		if err != nil {
			t.Fatalf("GET session error = %v", err)
		}
		if res.StatusCode == http.StatusOK {
			body := decodeBody(t, res)
			if body["session_id"] != sessionID {
				t.Fatalf("session_id = %v, want %v", body["session_id"], sessionID)
			}
			found = true
			continue
		}
		res.Body.Close()
		time.Sleep(5 * time.Millisecond)
	}
	if !found {
		t.Fatalf("active session %s never became visible", sessionID)
	}

	taskID, _ := created["task_id"].(string)
	q.Cancel(context.Background(), taskID)

	res, err := http.Get(ts.URL + "/v1/conversations/c1/history")
	if err != nil {
		t.Fatalf("GET history error = %v", err)
	}
	body := decodeBody(t, res)
	if body["conversation_id"] != "c1" {
		t.Fatalf("history conversation_id = %v, want c1", body["conversation_id"])
	}
}
