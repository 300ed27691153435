package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propwatch/internal/domain"
)

type restEnv struct {
	base   string
	bus    *testBus
	queue  *fakeQueue
	audit  *recordingAudit
	agents *fakeAgents
}

func newRESTEnv(t *testing.T) *restEnv {
	t.Helper()
	env := &restEnv{
		bus: &testBus{},
		queue: newFakeQueue(
			pendingAction("act-small", "duty_manager", 60),
			pendingAction("act-mid", "property_manager", 450),
			pendingAction("act-fail", "duty_manager", 10),
		),
		audit:  &recordingAudit{},
		agents: &fakeAgents{},
	}
	srv := startTestServer(t, env.bus, func(s *Server) {
		RegisterRESTHandlers(s, HandlerDeps{
			Queue:  env.queue,
			Agents: env.agents,
			Ladder: testLadder,
			Audit:  env.audit,
			Bus:    env.bus,
			Logger: newTestLogger(),
		})
	})
	env.base = "http://" + srv.BoundAddr()
	return env
}

func (e *restEnv) do(t *testing.T, method, path, token, body string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.base+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestRESTRequiresToken(t *testing.T) {
	env := newRESTEnv(t)

	for _, path := range []string{"/api/v1/status", "/api/v1/actions", "/api/v1/agents", "/metrics"} {
		code, _ := env.do(t, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusUnauthorized, code, path)
		code, _ = env.do(t, http.MethodGet, path, "bogus", "")
		assert.Equal(t, http.StatusUnauthorized, code, path)
	}

	// Query-parameter tokens are accepted too.
	code, _ := env.do(t, http.MethodGet, "/api/v1/status?token=viewer-token", "", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestRESTStatus(t *testing.T) {
	env := newRESTEnv(t)
	env.bus.Publish(t.Context(), domain.NewEvent(domain.EventActionQueued, "", nil))
	env.bus.Publish(t.Context(), domain.NewEvent(domain.EventAgentRunCompleted, "", nil))

	code, body := env.do(t, http.MethodGet, "/api/v1/status", "viewer-token", "")
	require.Equal(t, http.StatusOK, code)

	var st StatusResponse
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, "propwatch", st.Service)
	assert.Equal(t, 2, st.Agents)
	assert.Equal(t, 3, st.Pending)
	assert.Equal(t, 1, st.Counters["actions_queued"])
	assert.Equal(t, 1, st.Counters["runs_completed"])
}

func TestRESTActions(t *testing.T) {
	env := newRESTEnv(t)

	code, body := env.do(t, http.MethodGet, "/api/v1/actions?status=pending", "viewer-token", "")
	require.Equal(t, http.StatusOK, code)
	var list []domain.QueuedAction
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 3)

	code, _ = env.do(t, http.MethodGet, "/api/v1/actions/act-mid", "viewer-token", "")
	assert.Equal(t, http.StatusOK, code)
	code, body = env.do(t, http.MethodGet, "/api/v1/actions/ghost", "viewer-token", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, string(body), string(domain.CodeNotFound))
}

func TestRESTApproveAndReject(t *testing.T) {
	env := newRESTEnv(t)

	code, _ := env.do(t, http.MethodPost, "/api/v1/actions/act-mid/approve", "duty-token", "")
	assert.Equal(t, http.StatusForbidden, code)
	require.Len(t, env.audit.all(), 1)
	assert.Equal(t, domain.AuditAccessDenied, env.audit.all()[0].Type)

	code, body := env.do(t, http.MethodPost, "/api/v1/actions/act-mid/approve", "pm-token", "")
	require.Equal(t, http.StatusOK, code)
	var a domain.QueuedAction
	require.NoError(t, json.Unmarshal(body, &a))
	assert.Equal(t, domain.ActionExecuted, a.Status)
	assert.Equal(t, "pat", a.ResolvedBy)

	code, _ = env.do(t, http.MethodPost, "/api/v1/actions/act-mid/approve", "pm-token", "")
	assert.Equal(t, http.StatusConflict, code)

	code, body = env.do(t, http.MethodPost, "/api/v1/actions/act-small/reject", "duty-token", `{"reason":"paid"}`)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &a))
	assert.Equal(t, domain.ActionRejected, a.Status)
	assert.Equal(t, "paid", a.Resolution)

	code, _ = env.do(t, http.MethodPost, "/api/v1/actions/act-fail/reject", "duty-token", `{bad`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRESTApproveExecutionFailure(t *testing.T) {
	env := newRESTEnv(t)

	code, body := env.do(t, http.MethodPost, "/api/v1/actions/act-fail/approve", "admin-token", "")
	assert.Equal(t, http.StatusBadGateway, code)
	var out struct {
		Action domain.QueuedAction `json:"action"`
		Error  string              `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, domain.ActionApproved, out.Action.Status)
	assert.Contains(t, out.Error, "backend down")
}

func TestRESTAgentsAndEvents(t *testing.T) {
	env := newRESTEnv(t)

	code, body := env.do(t, http.MethodGet, "/api/v1/agents", "viewer-token", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"maintenance"`)

	code, _ = env.do(t, http.MethodPost, "/api/v1/agents/arrears/run", "viewer-token", "")
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = env.do(t, http.MethodPost, "/api/v1/agents/arrears/run", "pm-token", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"arrears"}, env.agents.runs)

	code, body = env.do(t, http.MethodGet, "/api/v1/agents/arrears/runs?limit=3", "viewer-token", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"run-1"`)

	code, _ = env.do(t, http.MethodPost, "/api/v1/events", "pm-token",
		`{"type":"grid.price.dropped","payload":{"price":0.05}}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []domain.EventType{domain.EventGridPriceDrop}, env.agents.dispatched)
}

func TestRESTMetrics(t *testing.T) {
	env := newRESTEnv(t)
	env.bus.Publish(t.Context(), domain.NewEvent(domain.EventActionExpired, "", nil))

	code, body := env.do(t, http.MethodGet, "/metrics", "viewer-token", "")
	require.Equal(t, http.StatusOK, code)
	text := string(body)
	assert.Contains(t, text, "propwatch_actions_expired_total 1")
	assert.Contains(t, text, `propwatch_actions{status="pending"} 3`)
	assert.Contains(t, text, "propwatch_agents 2")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, statusFor(domain.ErrGatewayAuthFailed))
	assert.Equal(t, http.StatusConflict, statusFor(domain.ErrQueueConflict))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.EOF))
}
