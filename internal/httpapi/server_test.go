package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ent0n29/planner/internal/agents"
	"github.com/ent0n29/planner/internal/config"
	"github.com/ent0n29/planner/internal/observability"
	"github.com/ent0n29/planner/internal/oracle"
)

func newTestServer(t *testing.T) (*httptest.Server, *observability.Metrics) {
	t.Helper()
	oracles, err := oracle.NewSet(oracle.Config{Mode: "heuristic"}, nil)
	if err != nil {
		t.Fatalf("oracle.NewSet() error = %v", err)
	}
	metrics := observability.NewMetrics("test_httpapi", prometheus.NewRegistry())
	registry := agents.NewRegistry(agents.Config{Oracles: oracles, Observer: metrics})
	srv := New(config.Config{OracleMode: "heuristic"}, registry, metrics, nil)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		registry.Close()
	})
	return ts, metrics
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, url, err)
		}
	}
	return res.StatusCode
}

func TestTaskLifecycle(t *testing.T) {
	ts, metrics := newTestServer(t)
	base := ts.URL + "/v1/agents/alice"

	var task map[string]any
	status := doJSON(t, http.MethodPost, base+"/tasks", map[string]any{
		"title":       "Water the plants",
		"description": "fill the can then water the ferns",
	}, &task)
	if status != http.StatusCreated {
		t.Fatalf("add task status = %d, want %d", status, http.StatusCreated)
	}
	taskID, _ := task["id"].(string)
	if taskID == "" {
		t.Fatalf("missing id in task response: %+v", task)
	}

	var processed struct {
		Type  string           `json:"type"`
		Task  map[string]any   `json:"task"`
		Steps []map[string]any `json:"steps"`
	}
	if status := doJSON(t, http.MethodPost, base+"/process", nil, &processed); status != http.StatusOK {
		t.Fatalf("process status = %d, want %d", status, http.StatusOK)
	}
	if processed.Type != "task" {
		t.Fatalf("process type = %q, want %q", processed.Type, "task")
	}
	if len(processed.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(processed.Steps))
	}

	var step struct {
		Progress struct {
			Percent int `json:"percent"`
		} `json:"progress"`
		Completed map[string]any `json:"completed"`
	}
	if status := doJSON(t, http.MethodPost, base+"/steps/complete", map[string]string{"result": "can is full"}, &step); status != http.StatusOK {
		t.Fatalf("complete step status = %d, want %d", status, http.StatusOK)
	}
	if step.Progress.Percent != 50 {
		t.Fatalf("percent = %d, want 50", step.Progress.Percent)
	}
	step.Completed = nil
	if status := doJSON(t, http.MethodPost, base+"/steps/complete", nil, &step); status != http.StatusOK {
		t.Fatalf("complete last step status = %d, want %d", status, http.StatusOK)
	}
	if step.Completed == nil {
		t.Fatalf("last step did not complete the task")
	}

	var queueState struct {
		Phase string `json:"phase"`
	}
	doJSON(t, http.MethodGet, base+"/queue", nil, &queueState)
	if queueState.Phase != "idle" {
		t.Fatalf("phase = %q, want idle", queueState.Phase)
	}

	var stats struct {
		TotalCompleted int `json:"total_completed"`
	}
	doJSON(t, http.MethodGet, base+"/stats", nil, &stats)
	if stats.TotalCompleted != 1 {
		t.Fatalf("total_completed = %d, want 1", stats.TotalCompleted)
	}
	if got := testutil.ToFloat64(metrics.TasksFinished.WithLabelValues("completed")); got != 1 {
		t.Fatalf("tasks finished metric = %v, want 1", got)
	}

	var listed struct {
		Agents []agents.Info `json:"agents"`
	}
	doJSON(t, http.MethodGet, ts.URL+"/v1/agents", nil, &listed)
	if len(listed.Agents) != 1 || listed.Agents[0].AgentID != "alice" {
		t.Fatalf("agents = %+v, want only alice", listed.Agents)
	}
}

func TestErrorsMapToStatusCodes(t *testing.T) {
	ts, _ := newTestServer(t)
	base := ts.URL + "/v1/agents/bob"

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
		code   string
	}{
		{"no active task", http.MethodPost, "/current/complete", nil, http.StatusConflict, "no_active_task"},
		{"unknown task", http.MethodPost, "/tasks/nope/cancel", nil, http.StatusNotFound, "task_not_found"},
		{"missing title", http.MethodPost, "/tasks", map[string]string{"title": " "}, http.StatusBadRequest, "invalid_request"},
		{"no interruption", http.MethodGet, "/interruption", nil, http.StatusNotFound, "no_pending_interruption"},
		{"bad resolution", http.MethodPost, "/interruption/resolve", map[string]string{"resolution": "maybe"}, http.StatusBadRequest, "invalid_resolution"},
		{"resolve nothing", http.MethodPost, "/interruption/resolve", map[string]string{"resolution": "proceed"}, http.StatusConflict, "no_pending_interruption"},
		{"unknown goal", http.MethodPost, "/goals/nope/decompose", nil, http.StatusNotFound, "node_not_found"},
		{"no execution", http.MethodGet, "/execution", nil, http.StatusNotFound, "no_execution"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var out errorResponse
			got := doJSON(t, tc.method, base+tc.path, tc.body, &out)
			if got != tc.want {
				t.Fatalf("status = %d, want %d (%+v)", got, tc.want, out)
			}
			if out.Code != tc.code {
				t.Fatalf("code = %q, want %q", out.Code, tc.code)
			}
		})
	}

	if status := doJSON(t, http.MethodDelete, ts.URL+"/v1/agents/nobody", nil, nil); status != http.StatusNotFound {
		t.Fatalf("unload unknown agent status = %d, want %d", status, http.StatusNotFound)
	}
}

func TestGoalDecompositionAndPath(t *testing.T) {
	ts, _ := newTestServer(t)
	base := ts.URL + "/v1/agents/carol"

	var goal struct {
		Goal struct {
			ID string `json:"id"`
		} `json:"goal"`
		Inserted []map[string]any `json:"inserted"`
	}
	status := doJSON(t, http.MethodPost, base+"/goals", map[string]any{
		"title":       "Plan the trip",
		"description": "book flights then reserve a hotel",
		"decompose":   true,
	}, &goal)
	if status != http.StatusCreated {
		t.Fatalf("create goal status = %d, want %d", status, http.StatusCreated)
	}
	if len(goal.Inserted) != 2 {
		t.Fatalf("inserted = %d, want 2", len(goal.Inserted))
	}

	var path struct {
		Path []string `json:"path"`
	}
	doJSON(t, http.MethodGet, base+"/path", nil, &path)
	if len(path.Path) == 0 {
		t.Fatalf("execution path is empty")
	}

	status = doJSON(t, http.MethodPost, base+"/goals/"+goal.Goal.ID+"/decompose", map[string]any{"replace": true}, &goal)
	if status != http.StatusOK {
		t.Fatalf("redecompose status = %d, want %d", status, http.StatusOK)
	}
}

func TestEventsStreamOverWebsocket(t *testing.T) {
	ts, metrics := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/agents/dave/events/ws"

	conn, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()
	if res.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("upgrade status = %d, want %d", res.StatusCode, http.StatusSwitchingProtocols)
	}

	type event struct {
		Type  string `json:"type"`
		Queue *struct {
			Pending []map[string]any `json:"pending"`
		} `json:"queue"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first event: %v", err)
	}
	if first.Type != "queue_update" {
		t.Fatalf("first event = %q, want queue_update", first.Type)
	}

	if status := doJSON(t, http.MethodPost, ts.URL+"/v1/agents/dave/tasks", map[string]string{"title": "Call the plumber"}, nil); status != http.StatusCreated {
		t.Fatalf("add task status = %d, want %d", status, http.StatusCreated)
	}

	var next event
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if next.Type != "queue_update" || next.Queue == nil || len(next.Queue.Pending) != 1 {
		t.Fatalf("event = %+v, want queue_update with one pending task", next)
	}
	// The greeting is counted before the writer starts, so it is visible by now.
	if got := testutil.ToFloat64(metrics.StreamedEvents.WithLabelValues("queue_update")); got < 1 {
		t.Fatalf("streamed queue_update = %v, want >= 1", got)
	}
}

func TestHealthAndDurations(t *testing.T) {
	ts, _ := newTestServer(t)

	var health map[string]any
	if status := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil, &health); status != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", status, http.StatusOK)
	}
	if health["store_mode"] != "in-memory" {
		t.Fatalf("store_mode = %v, want in-memory", health["store_mode"])
	}

	var durations map[string]any
	if status := doJSON(t, http.MethodGet, ts.URL+"/v1/perf/durations", nil, &durations); status != http.StatusOK {
		t.Fatalf("durations status = %d, want %d", status, http.StatusOK)
	}
	if _, ok := durations["window_size"]; !ok {
		t.Fatalf("durations response missing window_size: %+v", durations)
	}
}

func TestEventsStreamPingsSilentClient(t *testing.T) {
	oracles, err := oracle.NewSet(oracle.Config{Mode: "heuristic"}, nil)
	if err != nil {
		t.Fatalf("oracle.NewSet() error = %v", err)
	}
	registry := agents.NewRegistry(agents.Config{Oracles: oracles})
	srv := New(config.Config{}, registry, nil, nil)
	srv.pingEvery = 20 * time.Millisecond
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		registry.Close()
	})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/agents/erin/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	pings := make(chan struct{}, 8)
	conn.SetPingHandler(func(data string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	timeout := time.After(2 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-pings:
		case <-timeout:
			t.Fatalf("got %d pings before timeout, want 2", i)
		}
	}
}
