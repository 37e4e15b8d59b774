package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mgrady/taskvisor/internal/model"
)

func TestGetStats(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	task := submitTask(t, ts, "/v1/tasks", `{"runner":"ok"}`)
	waitForTaskStatus(t, ts, task.ID, model.StatusCompleted, 5*time.Second)

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET /v1/stats: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if stats.Total != 1 {
		t.Errorf("total = %d, want 1", stats.Total)
	}
	if stats.ByStatus[model.StatusCompleted] != 1 {
		t.Errorf("by_status[completed] = %d, want 1", stats.ByStatus[model.StatusCompleted])
	}
	if stats.ByRunner["ok"] != 1 {
		t.Errorf("by_runner[ok] = %d, want 1", stats.ByRunner["ok"])
	}
}

func TestListRunners(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runners")
	if err != nil {
		t.Fatalf("GET /v1/runners: %v", err)
	}
	defer resp.Body.Close()

	var runners runnersResponse
	if err := json.NewDecoder(resp.Body).Decode(&runners); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	want := []string{"block", "fail", "ok"}
	if len(runners.Runners) != len(want) {
		t.Fatalf("runners = %v, want %v", runners.Runners, want)
	}
	for i := range want {
		if runners.Runners[i] != want[i] {
			t.Errorf("runners[%d] = %q, want %q", i, runners.Runners[i], want[i])
		}
	}
}
