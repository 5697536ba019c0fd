package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleettools/squawk/pkg/blockers"
	"github.com/fleettools/squawk/pkg/checkpoints"
	"github.com/fleettools/squawk/pkg/config"
	"github.com/fleettools/squawk/pkg/dispatch"
	"github.com/fleettools/squawk/pkg/eventstore"
	"github.com/fleettools/squawk/pkg/locks"
	"github.com/fleettools/squawk/pkg/mailbox"
	"github.com/fleettools/squawk/pkg/missions"
	"github.com/fleettools/squawk/pkg/models"
	"github.com/fleettools/squawk/pkg/recovery"
	"github.com/fleettools/squawk/pkg/specialists"
	testdb "github.com/fleettools/squawk/test/database"
)

type testServer struct {
	router   *gin.Engine
	missions *missions.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := testdb.NewTestStore(t)
	es := eventstore.New(st)
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Checkpoints.Dir = t.TempDir()

	ms := missions.NewService(st, es)
	lc := locks.NewCoordinator(st, es, cfg.Locks)
	mb := mailbox.NewService(st, es)
	bh := blockers.NewHandler(st, es, cfg.Dispatch)
	cs := checkpoints.NewService(st, es, ms, bh, cfg.Checkpoints)
	sp := specialists.NewService(st, es, ms, lc, mb, bh)
	sp.SetRecoveryPrompter(cs)
	rs := recovery.NewService(st, es, ms, lc, mb, cs, cfg.Recovery)
	d := dispatch.NewDispatcher(ms, sp, cs, cfg.Dispatch)
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })

	srv := NewServer(st, mb, lc, ms, sp, cs, rs, d, cfg.HTTP)
	return &testServer{router: srv.Router(), missions: ms}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (ts *testServer) seedMission(t *testing.T) *models.SortieTree {
	t.Helper()
	tree, err := ts.missions.Decompose(context.Background(), models.DecomposeRequest{
		Task: "Refactor auth flow",
		Sorties: []models.SortieInput{
			{Title: "extract session store", Files: []string{"auth/session.go"}},
			{Title: "rewire handlers", Files: []string{"auth/handlers.go"}, Dependencies: []int{0}},
		},
	})
	require.NoError(t, err)
	return tree
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "squawk", body["service"])
	assert.NotNil(t, body["database"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMission(t)
	w := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "squawk_events_appended_total")
}

func TestMailboxAppendAndRead(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/mailbox/append", gin.H{
		"stream_id": "fleet",
		"events":    []gin.H{{"type": "status_update", "data": gin.H{"agent": "a"}}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(1), body["inserted"])

	w = ts.do(t, http.MethodGet, "/api/v1/mailbox/fleet", nil)
	require.Equal(t, http.StatusOK, w.Code)
	mb := decode(t, w)["mailbox"].(map[string]any)
	assert.Len(t, mb["events"], 1)

	w = ts.do(t, http.MethodGet, "/api/v1/mailbox/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Malformed: events missing.
	w = ts.do(t, http.MethodPost, "/api/v1/mailbox/append", gin.H{"stream_id": "fleet"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCursorRoundtrip(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/api/v1/mailbox/append", gin.H{
		"stream_id": "fleet",
		"events":    []gin.H{{"type": "status_update"}},
	})

	w := ts.do(t, http.MethodPost, "/api/v1/cursor/advance", gin.H{
		"stream_id": "fleet", "consumer_id": "reader", "position": 1,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/cursor/fleet:reader", nil)
	require.Equal(t, http.StatusOK, w.Code)
	cur := decode(t, w)["cursor"].(map[string]any)
	assert.Equal(t, float64(1), cur["position"])

	w = ts.do(t, http.MethodPost, "/api/v1/cursor/advance", gin.H{
		"stream_id": "missing", "position": 1,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLockLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/lock/acquire", gin.H{
		"file": "src/auth.ts", "specialist_id": "spec-a",
	})
	require.Equal(t, http.StatusOK, w.Code)
	lock := decode(t, w)["lock"].(map[string]any)
	lockID := lock["id"].(string)

	// Same holder again is a conflict.
	w = ts.do(t, http.MethodPost, "/api/v1/lock/acquire", gin.H{
		"file": "src/auth.ts", "specialist_id": "spec-a",
	})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, true, decode(t, w)["conflict"])

	// Different holder queues.
	w = ts.do(t, http.MethodPost, "/api/v1/lock/acquire", gin.H{
		"file": "src/auth.ts", "specialist_id": "spec-b",
	})
	require.Equal(t, http.StatusOK, w.Code)
	queued := decode(t, w)
	assert.Equal(t, true, queued["queued"])
	assert.Equal(t, float64(1), queued["position"])

	// Wrong owner cannot release.
	w = ts.do(t, http.MethodPost, "/api/v1/lock/release", gin.H{
		"lock_id": lockID, "specialist_id": "spec-z",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/lock/release", gin.H{
		"lock_id": lockID, "specialist_id": "spec-a",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["released"])

	w = ts.do(t, http.MethodGet, "/api/v1/locks?specialist_id=spec-b", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/locks/conflicts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decode(t, w)["conflicts"])
}

func TestDecomposeValidationBody(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/missions/decompose", gin.H{
		"task": "bad plan",
		"sorties": []gin.H{
			{"title": "a", "files": []string{"x.go"}, "dependencies": []int{1}},
			{"title": "b", "files": []string{"x.go"}},
		},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["success"])

	codes := map[string]bool{}
	for _, e := range body["errors"].([]any) {
		codes[e.(map[string]any)["code"].(string)] = true
	}
	assert.True(t, codes["INVALID_DEPENDENCY"])
	assert.True(t, codes["FILE_OVERLAP"])
}

func TestMissionCRUDOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/missions/decompose", gin.H{
		"task": "Refactor auth flow",
		"sorties": []gin.H{
			{"title": "extract session store", "files": []string{"auth/session.go"}},
			{"title": "rewire handlers", "files": []string{"auth/handlers.go"}, "dependencies": []int{0}},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	tree := decode(t, w)["sortie_tree"].(map[string]any)
	mission := tree["mission"].(map[string]any)
	missionID := mission["id"].(string)

	w = ts.do(t, http.MethodGet, "/api/v1/missions?status=pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["total"])

	w = ts.do(t, http.MethodGet, "/api/v1/missions/"+missionID+"/sorties", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sorties := decode(t, w)
	assert.Equal(t, []any{float64(0)}, sorties["parallelizable"])
	assert.Equal(t, []any{float64(1)}, sorties["blocked"])

	w = ts.do(t, http.MethodPatch, "/api/v1/missions/"+missionID, gin.H{"status": "in_progress"})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodDelete, "/api/v1/missions/"+missionID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/missions/"+missionID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSortiePatchClampAndValidation(t *testing.T) {
	ts := newTestServer(t)
	tree := ts.seedMission(t)
	sortieID := tree.Sorties[0].ID

	w := ts.do(t, http.MethodPatch, "/api/v1/sorties/"+sortieID, gin.H{
		"status": "in_progress", "assigned_to": "spec-a", "progress": 40,
	})
	require.Equal(t, http.StatusOK, w.Code)
	sortie := decode(t, w)["sortie"].(map[string]any)
	assert.Equal(t, "in_progress", sortie["status"])
	assert.Equal(t, float64(40), sortie["progress"])

	w = ts.do(t, http.MethodPatch, "/api/v1/sorties/"+sortieID, gin.H{"progress": 120})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPatch, "/api/v1/sorties/"+sortieID, gin.H{"status": "sideways"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSpecialistToolFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	tree := ts.seedMission(t)
	specID := fmt.Sprintf("spec-%s.0", tree.Mission.ID)

	w := ts.do(t, http.MethodPost, "/api/v1/specialist/register", gin.H{
		"specialist_id": specID, "mission_id": tree.Mission.ID, "sortie_index": 0,
	})
	require.Equal(t, http.StatusOK, w.Code)
	reg := decode(t, w)
	assert.Equal(t, tree.Sorties[0].ID, reg["sortie_id"])
	assert.Equal(t, "Refactor auth flow", reg["mission_task"])

	w = ts.do(t, http.MethodPost, "/api/v1/specialist/reserve", gin.H{
		"specialist_id": specID, "file": "auth/session.go",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "reserved", decode(t, w)["status"])

	w = ts.do(t, http.MethodPost, "/api/v1/specialist/progress", gin.H{
		"specialist_id": specID, "progress": 60, "notes": "halfway",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/specialist/squawk", gin.H{
		"specialist_id": specID, "action": "send",
		"to": []string{"*"}, "subject": "session store interface frozen",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/specialist/complete", gin.H{
		"specialist_id": specID, "summary": "done",
	})
	require.Equal(t, http.StatusOK, w.Code)
	done := decode(t, w)
	assert.Equal(t, float64(1), done["locks_released"])
	assert.Equal(t, []any{float64(1)}, done["dependents_ready"])
}

func TestBlockedToolReturnsResolution(t *testing.T) {
	ts := newTestServer(t)
	tree := ts.seedMission(t)
	specID := fmt.Sprintf("spec-%s.0", tree.Mission.ID)
	ts.do(t, http.MethodPost, "/api/v1/specialist/register", gin.H{
		"specialist_id": specID, "mission_id": tree.Mission.ID, "sortie_index": 0,
	})

	w := ts.do(t, http.MethodPost, "/api/v1/specialist/blocked", gin.H{
		"specialist_id": specID, "kind": "lock_timeout",
		"description": "cannot reserve auth/session.go", "affected_file": "auth/session.go",
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "retrying", body["status"])
	assert.Equal(t, float64(1000), body["retry_after_ms"])
}

func TestCheckpointEndpoints(t *testing.T) {
	ts := newTestServer(t)
	tree := ts.seedMission(t)

	w := ts.do(t, http.MethodPost, "/api/v1/checkpoints", gin.H{
		"mission_id": tree.Mission.ID, "created_by": "operator",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	cp := decode(t, w)["checkpoint"].(map[string]any)
	cpID := cp["id"].(string)
	assert.Equal(t, "manual", cp["trigger"])

	w = ts.do(t, http.MethodGet, "/api/v1/checkpoints?mission_id="+tree.Mission.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["checkpoints"], 1)

	w = ts.do(t, http.MethodGet, "/api/v1/checkpoints", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/checkpoints/"+cpID+"/recover", gin.H{
		"agent_id": "agent-new", "dry_run": true,
	})
	require.Equal(t, http.StatusOK, w.Code)
	dry := decode(t, w)
	assert.Equal(t, true, dry["dry_run"])
	assert.True(t, strings.Contains(dry["recovery_context"].(string), "## Recovery Context"))

	w = ts.do(t, http.MethodPost, "/api/v1/checkpoints/"+cpID+"/recover", gin.H{"agent_id": "agent-new"})
	require.Equal(t, http.StatusOK, w.Code)

	// Second real recovery conflicts.
	w = ts.do(t, http.MethodPost, "/api/v1/checkpoints/"+cpID+"/recover", gin.H{"agent_id": "agent-new"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/checkpoints/prune", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestDispatchEndpoints(t *testing.T) {
	ts := newTestServer(t)
	tree := ts.seedMission(t)

	w := ts.do(t, http.MethodPost, "/api/v1/missions/"+tree.Mission.ID+"/dispatch", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	d := decode(t, w)["dispatch"].(map[string]any)
	assert.Equal(t, "running", d["state"])

	w = ts.do(t, http.MethodGet, "/api/v1/missions/"+tree.Mission.ID+"/dispatch", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/missions/"+tree.Mission.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/missions/"+tree.Mission.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Double dispatch conflicts.
	w = ts.do(t, http.MethodPost, "/api/v1/missions/"+tree.Mission.ID+"/dispatch", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCoordinatorStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.seedMission(t)
	ts.do(t, http.MethodPost, "/api/v1/mailbox/append", gin.H{
		"stream_id": "fleet", "events": []gin.H{{"type": "status_update"}},
	})
	ts.do(t, http.MethodPost, "/api/v1/lock/acquire", gin.H{
		"file": "a.go", "specialist_id": "spec-a", "timeout_ms": time.Hour.Milliseconds(),
	})

	w := ts.do(t, http.MethodGet, "/api/v1/coordinator/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(1), body["active_mailboxes"])
	assert.Equal(t, float64(1), body["active_locks"])
	missionCounts := body["missions"].(map[string]any)
	assert.Equal(t, float64(1), missionCounts["pending"])
}
