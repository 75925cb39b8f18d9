package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seantiz/conduit/internal/model"
)

func TestSubmitTaskFinishes(t *testing.T) {
	srv := newTestServer(t)
	defer srv.engine.Wait()
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	rec := submit(t, ts.URL, taskBody(t, "p1", "echo hello"))
	if len(rec.ID) != 26 {
		t.Errorf("ID length = %d, want 26", len(rec.ID))
	}
	if rec.ProjectID != "p1" || rec.Kind != model.KindTask {
		t.Errorf("record = %+v", rec)
	}
	waitState(t, srv, rec.ID, model.StateFinished)

	resp, err := http.Get(ts.URL + "/v1/tasks/" + rec.ID)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.RT == nil || *rec.RT != 0 {
		t.Errorf("rt = %v, want 0", rec.RT)
	}
	if rec.RemoteHostID != model.LocalHost {
		t.Errorf("remote_host_id = %q", rec.RemoteHostID)
	}

	hist, err := http.Get(ts.URL + "/v1/tasks/" + rec.ID + "/logs/history")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	defer hist.Body.Close()

	var body logHistoryResponse
	if err := json.NewDecoder(hist.Body).Decode(&body); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if body.TaskID != rec.ID || len(body.Lines) != 1 || body.Lines[0].Line != "hello" {
		t.Errorf("history = %+v", body)
	}
}

func TestSubmitTaskRejected(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name string
		body string
	}{
		{"invalid JSON", "not json"},
		{"missing project", `{"script":"run.sh","working_dir":"/tmp"}`},
		{"relative working dir", `{"project_id":"p1","script":"run.sh","working_dir":"rel"}`},
		{"unknown kind", `{"project_id":"p1","kind":"pipeline","script":"run.sh","working_dir":"/tmp"}`},
		{"client id", `{"id":"x","project_id":"p1","script":"run.sh","working_dir":"/tmp"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/v1/tasks", "application/json", bytes.NewBufferString(tt.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			var errResp map[string]string
			json.NewDecoder(resp.Body).Decode(&errResp)
			if errResp["error"] == "" {
				t.Error("expected error message in response")
			}
		})
	}
}

func TestGetTaskNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, path := range []string{"/v1/tasks/nonexistent", "/v1/tasks/nonexistent/events", "/v1/tasks/nonexistent/logs/history"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestListTasksProjectFilter(t *testing.T) {
	srv := newTestServer(t)
	defer srv.engine.Wait()
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, p := range []string{"p1", "p1", "p2"} {
		submit(t, ts.URL, taskBody(t, p, "true"))
	}

	resp, err := http.Get(ts.URL + "/v1/tasks?project=p1&limit=1000")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var list listTasksResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Total != 2 || len(list.Tasks) != 2 {
		t.Errorf("total = %d, tasks = %d, want 2", list.Total, len(list.Tasks))
	}
	if list.Limit != defaultListLimit {
		t.Errorf("limit = %d, want clamped to %d", list.Limit, defaultListLimit)
	}
	for _, rec := range list.Tasks {
		if rec.ProjectID != "p1" {
			t.Errorf("task of project %q in p1 listing", rec.ProjectID)
		}
	}
}

func TestListTasksEmpty(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/tasks")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(raw["tasks"]) != "[]" {
		t.Errorf("tasks = %s, want []", raw["tasks"])
	}
}

func TestCancelTask(t *testing.T) {
	srv := newTestServer(t)
	defer srv.engine.Wait()
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	rec := submit(t, ts.URL, taskBody(t, "p1", "sleep 5"))
	waitState(t, srv, rec.ID, model.StateRunning)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/tasks/"+rec.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	srv.engine.Wait()
	waitState(t, srv, rec.ID, model.StateNotStarted)

	// Once settled the task is no longer active.
	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/v1/tasks/"+rec.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", resp.StatusCode)
	}
}

func TestStreamEvents(t *testing.T) {
	srv := newTestServer(t)
	defer srv.engine.Wait()
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	rec := submit(t, ts.URL, taskBody(t, "p1", "sleep 0.2\necho line one"))

	resp, err := http.Get(ts.URL + "/v1/tasks/" + rec.ID + "/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	// The stream ends with a done event carrying the settled state.
	var event string
	var lastDone string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: ") && event == "done":
			lastDone = strings.TrimPrefix(line, "data: ")
		}
	}
	if lastDone != model.StateFinished {
		t.Errorf("done data = %q, want %q", lastDone, model.StateFinished)
	}
}

func TestStreamEventsSettledTask(t *testing.T) {
	srv := newTestServer(t)
	defer srv.engine.Wait()
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	rec := submit(t, ts.URL, taskBody(t, "p1", "exit 2"))
	waitState(t, srv, rec.ID, model.StateFailed)

	resp, err := http.Get(ts.URL + "/v1/tasks/" + rec.ID + "/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if got := buf.String(); got != "event: done\ndata: failed\n\n" {
		t.Errorf("body = %q", got)
	}
}
