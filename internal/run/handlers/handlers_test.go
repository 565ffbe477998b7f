package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcoord/agentcoord/internal/blueprint"
	"github.com/agentcoord/agentcoord/internal/common/logger"
	"github.com/agentcoord/agentcoord/internal/db"
	"github.com/agentcoord/agentcoord/internal/run/models"
	"github.com/agentcoord/agentcoord/internal/run/queue"
	"github.com/agentcoord/agentcoord/internal/run/service"
	"github.com/agentcoord/agentcoord/internal/runner/registry"
	sessionservice "github.com/agentcoord/agentcoord/internal/session/service"
	"github.com/agentcoord/agentcoord/internal/session/store"
)

type fixture struct {
	router   *gin.Engine
	runs     *service.Service
	sessions *sessionservice.Service
	registry *registry.Registry
	queue    *queue.Queue
}

func writeBlueprint(t *testing.T, root, name string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for file, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	dbh, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { dbh.Close() })
	st, err := store.New(dbh, dbh)
	require.NoError(t, err)

	sessions := sessionservice.NewService(st, nil, log)
	reg := registry.New(2*time.Minute, 10*time.Minute, nil, log)
	q := queue.New(reg, 5*time.Minute, 5*time.Second, log)
	reg.OnRegistered(func(string) { q.RecalcNoMatch() })

	root := t.TempDir()
	writeBlueprint(t, root, "hello", map[string]string{
		"agent.json":             `{"name": "hello", "type": "agent"}`,
		"agent.system-prompt.md": "You are a helpful assistant.",
	})
	writeBlueprint(t, root, "cleanup", map[string]string{
		"agent.json": `{"name": "cleanup", "type": "deterministic", "command": "make clean", "parameter_strategy": "env", "timeout_seconds": 60}`,
	})

	runs := service.NewService(q, reg, sessions, blueprint.NewLoader(root), nil, log)

	router := gin.New()
	NewHandler(runs, log).RegisterRoutes(router)
	return &fixture{router: router, runs: runs, sessions: sessions, registry: reg, queue: q}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Kind
}

func TestCreateStartSessionRun(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/runs", gin.H{
		"type":       "start_session",
		"agent_name": "hello",
		"parameters": gin.H{"prompt": "hi"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created CreateRunResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Regexp(t, `^run_[0-9a-f]{12,}$`, created.RunID)
	assert.Regexp(t, `^ses_[0-9a-f]{12,}$`, created.SessionID)

	w = f.do(t, http.MethodGet, "/runs/"+created.RunID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var run models.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	assert.Equal(t, models.RunStatusPendingNoMatch, run.Status)
	assert.Equal(t, "hi", run.Payload.Prompt)

	w = f.do(t, http.MethodGet, "/runs?session_id="+created.SessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)
}

func TestCreateExecuteTaskRun(t *testing.T) {
	f := newFixture(t)

	// Deterministic blueprints with no parameters schema accept any
	// parameters, including none.
	w := f.do(t, http.MethodPost, "/runs", gin.H{
		"type":       "execute_task",
		"agent_name": "cleanup",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created CreateRunResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	run, err := f.runs.GetRun(created.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.KindTask, run.Kind)
	assert.Equal(t, "make clean", run.Payload.Settings["command"])
	assert.Equal(t, "env", run.Payload.Settings["parameter_strategy"])
}

func TestRunTypeMustMatchBlueprintType(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/runs", gin.H{
		"type":       "execute_task",
		"agent_name": "hello",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "ValidationError", decodeError(t, w))

	w = f.do(t, http.MethodPost, "/runs", gin.H{
		"type":       "start_session",
		"agent_name": "cleanup",
		"parameters": gin.H{"prompt": "hi"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "ValidationError", decodeError(t, w))
}

func TestCreateRunValidation(t *testing.T) {
	f := newFixture(t)

	// Unknown type.
	w := f.do(t, http.MethodPost, "/runs", gin.H{"type": "restart_session", "agent_name": "hello"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown blueprint.
	w = f.do(t, http.MethodPost, "/runs", gin.H{
		"type": "start_session", "agent_name": "missing", "parameters": gin.H{"prompt": "hi"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "ValidationError", decodeError(t, w))

	// Missing required prompt for an agent blueprint.
	w = f.do(t, http.MethodPost, "/runs", gin.H{"type": "start_session", "agent_name": "hello"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Listing requires a session filter.
	w = f.do(t, http.MethodGet, "/runs", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResumeWhileRunActiveConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.do(t, http.MethodPost, "/runs", gin.H{
		"type":       "start_session",
		"agent_name": "hello",
		"parameters": gin.H{"prompt": "hi"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created CreateRunResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	_, err := f.sessions.BindExecutor(ctx, created.SessionID, "ext-1", "claude-code", "host-a", "/work")
	require.NoError(t, err)

	// The start run is still queued; the session has one active run slot.
	w = f.do(t, http.MethodPost, "/runs", gin.H{
		"type":       "resume_session",
		"session_id": created.SessionID,
		"parameters": gin.H{"prompt": "continue"},
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ActiveRunExists", decodeError(t, w))
}

func TestStatsEndpoint(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/runs", gin.H{
		"type":       "start_session",
		"agent_name": "hello",
		"parameters": gin.H{"prompt": "hi"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodGet, "/runs/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats struct {
		Statuses map[string]int `json:"statuses"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Statuses["pending_no_match"])
}
