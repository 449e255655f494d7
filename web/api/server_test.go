package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
	"github.com/hochfrequenz/vmat-orchestrator/internal/jobs"
	"github.com/hochfrequenz/vmat-orchestrator/internal/jobs/jobstest"
	"github.com/hochfrequenz/vmat-orchestrator/internal/query"
	"github.com/hochfrequenz/vmat-orchestrator/internal/solver"
)

type testServer struct {
	env     *jobstest.Env
	eng     *jobstest.Engine
	manager *jobs.Manager
	server  *Server
	http    *httptest.Server
}

func newTestServer(t *testing.T, eng *jobstest.Engine, ensurer CaseEnsurer) *testServer {
	t.Helper()
	env := jobstest.NewEnv(t)
	health := solver.NewHealth(eng, nil)
	health.Init(context.Background())
	m, err := jobs.New(jobs.Options{Engine: eng, Health: health, Cases: env.Cases, Store: env.Store})
	if err != nil {
		t.Fatal(err)
	}
	svc := query.New(query.Options{Store: env.Store, Stages: m, Cases: env.Cases, Health: health})
	s := NewServer(Options{Runs: m, Queries: svc, Health: health, Cases: ensurer})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return &testServer{env: env, eng: eng, manager: m, server: s, http: ts}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, ts.http.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestSubmitAndPoll(t *testing.T) {
	ts := newTestServer(t, jobstest.NewEngine(), nil)

	resp, body := ts.do(t, "POST", "/api/runs", `{"case_id": "Lung_Patient_1", "max_time_seconds": 30}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Status = %d, want 202 (%v)", resp.StatusCode, body)
	}
	id, _ := body["run_id"].(string)
	if id == "" || body["status"] != string(domain.RunQueued) {
		t.Fatalf("submit response = %v", body)
	}

	jobstest.WaitDone(t, ts.manager.Wait(id), "run")
	resp, view := ts.do(t, "GET", "/api/runs/"+id, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll status = %d", resp.StatusCode)
	}
	if view["status"] != string(domain.RunCompleted) {
		t.Fatalf("run status = %v (%v)", view["status"], view["error"])
	}
	art, _ := view["artifacts"].(map[string]interface{})
	if art == nil || art["complete"] != true {
		t.Errorf("artifacts = %v", art)
	}
	if _, ok := art["dvh"].(map[string]interface{})["PTV"]; !ok {
		t.Error("PTV DVH missing from poll")
	}

	// identical submission in the same second maps to the same run
	resp, again := ts.do(t, "POST", "/optimize", `{"case_id": "Lung_Patient_1", "max_time_seconds": 30}`)
	if resp.StatusCode == http.StatusOK && again["run_id"] != id {
		t.Errorf("duplicate got run %v, want %s", again["run_id"], id)
	}

	resp, list := ts.do(t, "GET", "/api/runs?case_id=Lung_Patient_1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	if runs, _ := list["runs"].([]interface{}); len(runs) == 0 {
		t.Error("list is empty")
	}
}

func TestSubmit_Rejected(t *testing.T) {
	ts := newTestServer(t, jobstest.NewEngine(), nil)

	tests := []struct {
		name string
		body string
	}{
		{"negative time", `{"case_id": "Lung_Patient_1", "max_time_seconds": -1}`},
		{"not an object", `[1, 2]`},
		{"wrong type", `{"beam_ids": "all"}`},
		{"bad objective", `{"objective_overrides": [{"structure_name": "CORD", "type": "min-dose", "weight": 1}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, "POST", "/api/runs", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("Status = %d, want 400 (%v)", resp.StatusCode, body)
			}
			if body["error"] == nil {
				t.Error("no error message")
			}
		})
	}

	ids, err := ts.env.Store.ListRunIDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("rejected submissions created runs: %v", ids)
	}
}

func TestNotFound(t *testing.T) {
	ts := newTestServer(t, jobstest.NewEngine(), nil)
	for _, path := range []string{
		"/api/runs/20260101T000000Z-000000000000",
		"/api/runs/20260101T000000Z-000000000000/logs",
		"/api/runs/20260101T000000Z-000000000000/progress",
		"/api/cases/Lung_Patient_404",
		"/api/cases/Lung_Patient_404/reference",
	} {
		resp, _ := ts.do(t, "GET", path, "")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestLogsAndProgress(t *testing.T) {
	ts := newTestServer(t, jobstest.NewEngine(), nil)
	_, body := ts.do(t, "POST", "/api/runs", `{"case_id": "Lung_Patient_1", "max_time_seconds": 30}`)
	id := body["run_id"].(string)
	jobstest.WaitDone(t, ts.manager.Wait(id), "run")

	_, progress := ts.do(t, "GET", "/api/runs/"+id+"/progress?max=3", "")
	if points, _ := progress["progress"].([]interface{}); len(points) != 3 {
		t.Errorf("progress = %v", progress)
	}
	_, logs := ts.do(t, "GET", "/api/runs/"+id+"/logs", "")
	if lines, _ := logs["lines"].([]interface{}); len(lines) == 0 {
		t.Errorf("logs = %v", logs)
	}
	resp, _ := ts.do(t, "GET", "/api/runs/"+id+"/logs?max=-2", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("negative max = %d, want 400", resp.StatusCode)
	}
}

func TestCases(t *testing.T) {
	ts := newTestServer(t, jobstest.NewEngine(), nil)

	_, list := ts.do(t, "GET", "/api/cases", "")
	cases, _ := list["cases"].([]interface{})
	if len(cases) != 1 || cases[0] != jobstest.CaseID {
		t.Errorf("cases = %v", list)
	}

	resp, manifest := ts.do(t, "GET", "/api/cases/"+jobstest.CaseID, "")
	if resp.StatusCode != http.StatusOK || manifest["case_id"] != jobstest.CaseID {
		t.Errorf("manifest = %d %v", resp.StatusCode, manifest)
	}

	resp, ref := ts.do(t, "GET", "/api/cases/"+jobstest.CaseID+"/reference", "")
	if resp.StatusCode != http.StatusOK || ref["complete"] != true {
		t.Errorf("reference = %d %v", resp.StatusCode, ref)
	}
}

type fakeEnsurer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeEnsurer) Ensure(ctx context.Context, caseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, caseID)
	return f.err
}

func (f *fakeEnsurer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEnsurer) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func TestEnsureCase(t *testing.T) {
	ts := newTestServer(t, jobstest.NewEngine(), nil)
	if resp, _ := ts.do(t, "POST", "/api/cases/Lung_Patient_3/ensure", ""); resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("without downloader = %d, want 501", resp.StatusCode)
	}

	ensurer := &fakeEnsurer{}
	ts = newTestServer(t, jobstest.NewEngine(), ensurer)
	resp, body := ts.do(t, "POST", "/api/cases/Lung_Patient_3/ensure", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "available" {
		t.Errorf("ensure = %d %v", resp.StatusCode, body)
	}
	if calls := ensurer.Calls(); len(calls) != 1 || calls[0] != "Lung_Patient_3" {
		t.Errorf("calls = %v", calls)
	}

	ensurer.Fail(errors.New("bucket unreachable"))
	if resp, _ := ts.do(t, "POST", "/api/cases/Lung_Patient_3/ensure", ""); resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("failed download = %d, want 500", resp.StatusCode)
	}
}

func TestSolverHealth(t *testing.T) {
	eng := jobstest.NewEngine()
	ts := newTestServer(t, eng, nil)

	_, health := ts.do(t, "GET", "/api/solver/health", "")
	if health["active_backend"] != solver.DefaultPreferred || health["licensed"] != true {
		t.Errorf("health = %v", health)
	}

	eng.SetHealth(solver.ProbeResult{Available: true, Licensed: false, Backend: solver.DefaultPreferred})
	// the snapshot only changes on an explicit re-probe
	if _, h := ts.do(t, "GET", "/api/solver/health", ""); h["licensed"] != true {
		t.Error("health changed without a re-probe")
	}
	resp, probed := ts.do(t, "POST", "/api/solver/reprobe", "")
	if resp.StatusCode != http.StatusOK || probed["licensed"] != false {
		t.Errorf("reprobe = %d %v", resp.StatusCode, probed)
	}
}

func TestFollowStreamsProgress(t *testing.T) {
	eng := jobstest.NewEngine()
	eng.Hold = 2
	eng.Step = make(chan struct{})
	ts := newTestServer(t, eng, nil)

	_, body := ts.do(t, "POST", "/api/runs", `{"case_id": "Lung_Patient_1", "max_time_seconds": 30}`)
	id := body["run_id"].(string)
	jobstest.Eventually(t, func() bool {
		points, _ := ts.env.Store.LoadProgress(id, 0)
		return len(points) == 2
	}, "first points to be recorded")

	wsURL := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/api/runs/" + id + "/follow"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	close(eng.Step)

	var iterations []int
	var final FollowMessage
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var m FollowMessage
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("read: %v (got %v)", err, iterations)
		}
		if m.Type == "progress" {
			iterations = append(iterations, m.Point.Iteration)
			continue
		}
		if m.Status.IsTerminal() {
			final = m
			break
		}
	}
	if final.Status != domain.RunCompleted {
		t.Errorf("final status = %s (%s)", final.Status, final.Error)
	}
	if len(iterations) != 5 {
		t.Fatalf("iterations = %v, want 5 points", iterations)
	}
	for i, it := range iterations {
		if it != i {
			t.Errorf("iterations = %v, want 0..4 in order", iterations)
			break
		}
	}
}

func TestEventsStream(t *testing.T) {
	ts := newTestServer(t, jobstest.NewEngine(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, unsubscribe := ts.manager.Subscribe()
	defer unsubscribe()
	go ts.server.sseHub.Run(ctx, events)

	req, _ := http.NewRequestWithContext(ctx, "GET", ts.http.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	ts.do(t, "POST", "/api/runs", `{"case_id": "Lung_Patient_1", "max_time_seconds": 30}`)

	found := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"status":"completed"`) {
				found <- line
				return
			}
		}
	}()
	select {
	case line := <-found:
		var ev SSEEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatal(err)
		}
		if ev.Type != "run_status" {
			t.Errorf("event type = %s", ev.Type)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no completed event on the stream")
	}
}

func TestDecodeSubmitRequest(t *testing.T) {
	defaults := domain.DefaultRunConfig()

	tests := []struct {
		name  string
		body  string
		check func(t *testing.T, cfg domain.RunConfig)
	}{
		{"empty body keeps defaults", "", func(t *testing.T, cfg domain.RunConfig) {
			if cfg.CaseID != defaults.CaseID || cfg.MaxTimeSeconds != defaults.MaxTimeSeconds {
				t.Errorf("cfg = %+v", cfg)
			}
		}},
		{"partial override", `{"case_id": "Lung_Patient_2", "gap_tolerance": 0.01}`, func(t *testing.T, cfg domain.RunConfig) {
			if cfg.CaseID != "Lung_Patient_2" || cfg.GapTolerance != 0.01 {
				t.Errorf("override lost: %+v", cfg)
			}
			if len(cfg.BeamIDs) != len(defaults.BeamIDs) || cfg.BeamletDownSample != defaults.BeamletDownSample {
				t.Errorf("defaults lost: %+v", cfg)
			}
		}},
		{"patient_id alias", `{"patient_id": "Lung_Patient_4"}`, func(t *testing.T, cfg domain.RunConfig) {
			if cfg.CaseID != "Lung_Patient_4" {
				t.Errorf("CaseID = %s", cfg.CaseID)
			}
		}},
		{"case_id wins over alias", `{"case_id": "Lung_Patient_5", "patient_id": "Lung_Patient_4"}`, func(t *testing.T, cfg domain.RunConfig) {
			if cfg.CaseID != "Lung_Patient_5" {
				t.Errorf("CaseID = %s", cfg.CaseID)
			}
		}},
		{"roles inferred", `{"objective_overrides": [{"structure_name": "CORD", "type": "max-dose", "weight": 1, "dose_gy": 45}, {"structure_name": "PTV", "type": "quadratic-underdose", "weight": 10, "dose_perc": 100}]}`, func(t *testing.T, cfg domain.RunConfig) {
			if len(cfg.Objectives) != 2 {
				t.Fatalf("objectives = %+v", cfg.Objectives)
			}
			if cfg.Objectives[0].Role != domain.RoleOrganAtRisk || cfg.Objectives[1].Role != domain.RoleTarget {
				t.Errorf("roles = %s, %s", cfg.Objectives[0].Role, cfg.Objectives[1].Role)
			}
		}},
		{"beam list replaced", `{"beam_ids": [0, 11]}`, func(t *testing.T, cfg domain.RunConfig) {
			if len(cfg.BeamIDs) != 2 || cfg.BeamIDs[1] != 11 {
				t.Errorf("BeamIDs = %v", cfg.BeamIDs)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := DecodeSubmitRequest(strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			tt.check(t, cfg)
		})
	}
}
