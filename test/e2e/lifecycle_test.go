// Package e2e exercises the full stack: REST surface, control channel,
// orchestrator, and SQLite store wired together the way cmd/foreman does.
package e2e

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seantiz/foreman/internal/api"
	"github.com/seantiz/foreman/internal/auth"
	"github.com/seantiz/foreman/internal/executor"
	"github.com/seantiz/foreman/internal/model"
	"github.com/seantiz/foreman/internal/orchestrator"
	"github.com/seantiz/foreman/internal/store"
)

const testToken = "e2e-token"

func newStack(t *testing.T) *httptest.Server {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := executor.NewRegistry()
	reg.SetDefault(&executor.ScriptedExecutor{Ticks: 2, TickInterval: 25 * time.Millisecond})

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	orch := orchestrator.New(s, reg, logger)
	t.Cleanup(orch.Wait)

	a := auth.NewStaticAuthenticator(map[string]auth.Identity{
		testToken: {UserID: "e2e-user", Tier: "pro"},
	})

	srv := api.NewServer(":0", s, reg, orch, a, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func request(t *testing.T, ts *httptest.Server, method, path string, body any, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			t.Fatalf("failed to decode %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func createExecution(t *testing.T, ts *httptest.Server, agents ...string) *model.WorkflowExecution {
	t.Helper()

	d := &model.Descriptor{}
	for i, agent := range agents {
		d.Nodes = append(d.Nodes, model.Node{ID: agent + "-node", AgentType: agent, Name: agent})
		if i > 0 {
			d.Edges = append(d.Edges, model.Edge{From: d.Nodes[i-1].ID, To: d.Nodes[i].ID})
		}
	}

	var e model.WorkflowExecution
	status := request(t, ts, http.MethodPost, "/v1/executions", map[string]any{"descriptor": d}, &e)
	if status != http.StatusCreated {
		t.Fatalf("create execution: status = %d", status)
	}
	return &e
}

func waitForStatus(t *testing.T, ts *httptest.Server, id, want string, timeout time.Duration) *model.WorkflowExecution {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var e model.WorkflowExecution
		if status := request(t, ts, http.MethodGet, "/v1/executions/"+id, nil, &e); status != http.StatusOK {
			t.Fatalf("get execution: status = %d", status)
		}
		if e.Status == want {
			return &e
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s never reached %s", id, want)
	return nil
}

type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func dialChannel(t *testing.T, ts *httptest.Server, executionID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/executions/" + executionID + "/channel?token=" + testToken
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial channel: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var ev wireEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("failed to read handshake: %v", err)
	}
	if ev.Type != string(model.EventConnected) {
		t.Fatalf("first event = %q, want connected", ev.Type)
	}
	return conn
}

// TestFullLifecycleOverChannel drives a two-agent workflow end to end through
// the control channel and verifies the persisted record, steps, and output
// afterwards over REST.
func TestFullLifecycleOverChannel(t *testing.T) {
	ts := newStack(t)
	e := createExecution(t, ts, "rapid-prototyper", "frontend-developer")

	conn := dialChannel(t, ts, e.ID)
	if err := conn.WriteJSON(map[string]string{"type": "start_execution"}); err != nil {
		t.Fatalf("failed to send start: %v", err)
	}

	var ordered []string
	progressByStep := make(map[string]float64)
	deadline := time.Now().Add(15 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("never saw execution_completed; events: %v", ordered)
		}
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		var ev wireEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("failed to read event: %v", err)
		}
		ordered = append(ordered, ev.Type)

		if ev.Type == string(model.EventStepProgress) {
			var p model.StepProgressData
			if err := json.Unmarshal(ev.Data, &p); err != nil {
				t.Fatalf("failed to decode progress: %v", err)
			}
			if prev, ok := progressByStep[p.StepID]; ok && p.Progress < prev {
				t.Errorf("step %s progress went backwards: %v -> %v", p.StepID, prev, p.Progress)
			}
			progressByStep[p.StepID] = p.Progress
		}
		if ev.Type == string(model.EventExecutionCompleted) {
			break
		}
		if ev.Type == string(model.EventExecutionFailed) {
			t.Fatalf("execution failed; events: %v", ordered)
		}
	}

	// step_started events for both agents, in descriptor order, with the
	// first one after execution_started.
	count := func(typ model.EventType) int {
		n := 0
		for _, v := range ordered {
			if v == string(typ) {
				n++
			}
		}
		return n
	}
	if count(model.EventExecutionStarted) != 1 {
		t.Errorf("execution_started count = %d, want 1", count(model.EventExecutionStarted))
	}
	if count(model.EventStepStarted) != 2 || count(model.EventStepCompleted) != 2 {
		t.Errorf("step started/completed = %d/%d, want 2/2",
			count(model.EventStepStarted), count(model.EventStepCompleted))
	}
	if count(model.EventTerminalOutput) == 0 {
		t.Error("expected terminal_output events during the run")
	}

	final := waitForStatus(t, ts, e.ID, model.StatusCompleted, 5*time.Second)
	if final.Progress != 100 || final.CompletedSteps != 2 || final.FailedSteps != 0 {
		t.Errorf("final = progress %v, completed %d, failed %d; want 100/2/0",
			final.Progress, final.CompletedSteps, final.FailedSteps)
	}

	var steps []*model.ExecutionStep
	request(t, ts, http.MethodGet, "/v1/executions/"+e.ID+"/steps", nil, &steps)
	if len(steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(steps))
	}
	if steps[0].AgentType != "rapid-prototyper" || steps[1].AgentType != "frontend-developer" {
		t.Errorf("step order = %s, %s; want descriptor order", steps[0].AgentType, steps[1].AgentType)
	}

	var output struct {
		Lines []struct {
			StepID string `json:"step_id"`
		} `json:"lines"`
	}
	request(t, ts, http.MethodGet, "/v1/executions/"+e.ID+"/output", nil, &output)
	if len(output.Lines) == 0 {
		t.Error("expected persisted terminal output")
	}

	// Terminal execution can be deleted; everything goes with it.
	if status := request(t, ts, http.MethodDelete, "/v1/executions/"+e.ID, nil, nil); status != http.StatusNoContent {
		t.Errorf("delete: status = %d, want 204", status)
	}
	if status := request(t, ts, http.MethodGet, "/v1/executions/"+e.ID, nil, nil); status != http.StatusNotFound {
		t.Errorf("get after delete: status = %d, want 404", status)
	}
}

// TestPauseResumeCancelOverREST walks the suspension and cancellation paths
// against a longer-running workflow.
func TestPauseResumeCancelOverREST(t *testing.T) {
	ts := newStack(t)
	e := createExecution(t, ts, "a", "b", "c", "d", "e", "f")

	if status := request(t, ts, http.MethodPost, "/v1/executions/"+e.ID+"/start", nil, nil); status != http.StatusAccepted {
		t.Fatalf("start: status = %d", status)
	}
	waitForStatus(t, ts, e.ID, model.StatusRunning, 5*time.Second)

	var paused model.WorkflowExecution
	if status := request(t, ts, http.MethodPost, "/v1/executions/"+e.ID+"/pause", nil, &paused); status != http.StatusOK {
		t.Fatalf("pause: status = %d", status)
	}
	if paused.Status != model.StatusPaused {
		t.Errorf("status after pause = %s, want %s", paused.Status, model.StatusPaused)
	}

	var resumed model.WorkflowExecution
	if status := request(t, ts, http.MethodPost, "/v1/executions/"+e.ID+"/resume", nil, &resumed); status != http.StatusOK {
		t.Fatalf("resume: status = %d", status)
	}
	if resumed.Status != model.StatusRunning {
		t.Errorf("status after resume = %s, want %s", resumed.Status, model.StatusRunning)
	}

	var cancel struct {
		Cancelled bool `json:"cancelled"`
	}
	if status := request(t, ts, http.MethodPost, "/v1/executions/"+e.ID+"/cancel", nil, &cancel); status != http.StatusOK {
		t.Fatalf("cancel: status = %d", status)
	}
	if !cancel.Cancelled {
		t.Error("cancel should report cancelled=true")
	}

	final := waitForStatus(t, ts, e.ID, model.StatusCancelled, 5*time.Second)
	if final.CompletedSteps+final.FailedSteps > final.TotalSteps {
		t.Errorf("completed+failed (%d) exceeds total (%d)",
			final.CompletedSteps+final.FailedSteps, final.TotalSteps)
	}

	// Cancelling again is a no-op.
	request(t, ts, http.MethodPost, "/v1/executions/"+e.ID+"/cancel", nil, &cancel)
	if cancel.Cancelled {
		t.Error("repeat cancel should report cancelled=false")
	}
}
