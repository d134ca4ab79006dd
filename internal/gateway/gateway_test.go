package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/opspipe/internal/analytics"
	"github.com/basket/opspipe/internal/bus"
	"github.com/basket/opspipe/internal/dispatch"
	"github.com/basket/opspipe/internal/fieldops"
	"github.com/basket/opspipe/internal/gateway"
	"github.com/basket/opspipe/internal/notify"
	"github.com/basket/opspipe/internal/persistence"
)

const testToken = "test-token"

type testEnv struct {
	server *httptest.Server
	store  *persistence.Store
	bus    *bus.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "opspipe.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	notifier := notify.NewBusNotifier(eventBus)
	srv, err := gateway.New(gateway.Config{
		Store:             store,
		Dispatch:          dispatch.NewEngine(store, notifier, logger, nil, true),
		FieldOps:          fieldops.NewEngine(store, logger, nil),
		Analytics:         analytics.NewEngine(store, logger, nil),
		Bus:               eventBus,
		Logger:            logger,
		AuthToken:         testToken,
		ConfigFingerprint: "fp-test",
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, store: store, bus: eventBus}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("X-User-ID", "admin-1")
	req.Header.Set("X-User-Role", "admin")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, raw
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/api/tasks")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	// Health stays open for probes.
	health, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("expected open healthz, got %d", health.StatusCode)
	}
	var payload map[string]any
	if err := json.NewDecoder(health.Body).Decode(&payload); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if payload["config_fingerprint"] != "fp-test" {
		t.Fatalf("expected fingerprint exposed, got %v", payload)
	}
}

func TestDispatchEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, raw := env.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"title": "banner", "client_name": "Acme",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", resp.StatusCode, raw)
	}
	var task persistence.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}

	resp, raw = env.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/dispatch", map[string]any{
		"destinations": map[string]bool{"operations": true},
		"operations_details": map[string]any{
			"assigned_to": "worker-1",
			"steps": []map[string]any{
				{"step_type": "collect", "supplier_name": "Acme"},
				{"step_type": "deliver_to_client"},
			},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dispatch: %d %s", resp.StatusCode, raw)
	}
	var res dispatch.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("decode dispatch result: %v", err)
	}
	if res.Twin == nil || !res.TwinCreated || len(res.Steps) != 2 {
		t.Fatalf("unexpected dispatch result: %s", raw)
	}
}

func TestDispatchEndpointValidation(t *testing.T) {
	env := newTestEnv(t)

	resp, raw := env.do(t, http.MethodPost, "/api/tasks", map[string]any{"title": "t"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d", resp.StatusCode)
	}
	var task persistence.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}

	// Unknown step_type fails schema validation.
	resp, raw = env.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/dispatch", map[string]any{
		"destinations": map[string]bool{"operations": true},
		"operations_details": map[string]any{
			"steps": []map[string]any{{"step_type": "teleport"}},
		},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad step_type, got %d %s", resp.StatusCode, raw)
	}

	// Empty destinations map is schema-valid but semantically empty.
	resp, raw = env.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/dispatch", map[string]any{
		"destinations": map[string]bool{},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for no destination, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(raw), "no destination selected") {
		t.Fatalf("expected distinct message, got %s", raw)
	}

	// Estimation without estimators is a config conflict.
	resp, raw = env.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/dispatch", map[string]any{
		"destinations": map[string]bool{"estimation": true},
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 without estimator, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(raw), "no estimator configured") {
		t.Fatalf("expected distinct message, got %s", raw)
	}
}

func TestStepCompleteAndBoardEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task, err := env.store.CreateTask(ctx, persistence.NewTask{
		Title: "order", Type: persistence.TypeProduction,
		Status: persistence.StatusProduction, CreatedBy: "admin-1",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	steps, err := env.store.ReplaceSteps(ctx, task.ID, []persistence.NewStep{
		{StepType: persistence.StepCollect, SupplierName: "Acme"},
	}, false)
	if err != nil {
		t.Fatalf("replace steps: %v", err)
	}

	resp, raw := env.do(t, http.MethodPost, "/api/steps/"+steps[0].ID+"/complete", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete step: %d %s", resp.StatusCode, raw)
	}
	// Repeat completion stays a 200 no-op.
	resp, _ = env.do(t, http.MethodPost, "/api/steps/"+steps[0].ID+"/complete", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repeat completion: %d", resp.StatusCode)
	}

	resp, raw = env.do(t, http.MethodGet, "/api/operations/board", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("board: %d", resp.StatusCode)
	}
	var board struct {
		Rows []persistence.BoardRow `json:"rows"`
	}
	if err := json.Unmarshal(raw, &board); err != nil {
		t.Fatalf("decode board: %v", err)
	}
	if len(board.Rows) != 1 || board.Rows[0].PendingSteps != 0 {
		t.Fatalf("unexpected board: %s", raw)
	}
}

func TestAnalyticsEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task, err := env.store.CreateTask(ctx, persistence.NewTask{Title: "t", CreatedBy: "admin-1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := env.store.ChangeStatus(ctx, task.ID, nil, persistence.StatusProduction); err != nil {
		t.Fatalf("change status: %v", err)
	}

	resp, raw := env.do(t, http.MethodGet, "/api/analytics/stages?window=all_time", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stages: %d %s", resp.StatusCode, raw)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/analytics/stages?window=fortnight", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown window, got %d", resp.StatusCode)
	}

	resp, raw = env.do(t, http.MethodGet, "/api/analytics/activity", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activity: %d", resp.StatusCode)
	}
	var activity struct {
		Tasks []analytics.Activity `json:"tasks"`
	}
	if err := json.Unmarshal(raw, &activity); err != nil {
		t.Fatalf("decode activity: %v", err)
	}
	if len(activity.Tasks) != 1 || activity.Tasks[0].Stage != "production" {
		t.Fatalf("unexpected activity: %s", raw)
	}

	resp, _ = env.do(t, http.MethodGet, "/api/analytics/badges/worker-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("badges: %d", resp.StatusCode)
	}
}

func TestChangeFeedDeliversTaskEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws?topic=task."
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("dial feed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Give the server a beat to register the subscription before mutating.
	time.Sleep(50 * time.Millisecond)
	task, err := env.store.CreateTask(context.Background(), persistence.NewTask{
		Title: "live", CreatedBy: "admin-1",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	var msg struct {
		Topic   string `json:"topic"`
		Payload struct {
			TaskID    string `json:"TaskID"`
			NewStatus string `json:"NewStatus"`
		} `json:"payload"`
	}
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read feed event: %v", err)
	}
	if msg.Topic != "task.created" || msg.Payload.TaskID != task.ID {
		t.Fatalf("unexpected feed event: %+v", msg)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, raw := env.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"title": "storefront sign", "client_name": "Acme",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", resp.StatusCode, raw)
	}

	resp, raw = env.do(t, http.MethodGet, "/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d %s", resp.StatusCode, raw)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	for _, field := range []string{
		"tasks_todo", "tasks_production", "steps_pending",
		"audit_records", "feed_clients", "alloc_bytes",
	} {
		if _, ok := body[field]; !ok {
			t.Errorf("metrics missing field %q: %v", field, body)
		}
	}
	if body["tasks_todo"].(float64) != 1 {
		t.Fatalf("expected one todo task, got %v", body["tasks_todo"])
	}
}
