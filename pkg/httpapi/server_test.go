package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sceneforge/pkg/autofix"
	"sceneforge/pkg/brain"
	"sceneforge/pkg/config"
	"sceneforge/pkg/contextmgr"
	"sceneforge/pkg/dispatch"
	"sceneforge/pkg/events"
	"sceneforge/pkg/generate"
	"sceneforge/pkg/testkit"
	"sceneforge/pkg/turn"
)

type staticDecider struct {
	decision brain.Decision
}

func (d *staticDecider) Decide(context.Context, *contextmgr.Packet) (brain.Decision, error) {
	return d.decision, nil
}

func newTestServer(t *testing.T, decision brain.Decision, cap *generate.MockCapability) (*httptest.Server, *testkit.FakeStore, *autofix.Queue) {
	t.Helper()
	store := testkit.NewFakeStore()
	store.SeedScene("p1", "s1", "Intro", "const intro = 1", 90)

	bus := events.NewBus()
	dispatcher := dispatch.New(store, cap)
	queue := autofix.New(store, dispatcher, bus, config.AutoFixConfig{
		DebounceMS: 2000, GraceWindowMS: 3000, MaxAttempts: 3, BackoffMS: []int{5000},
	}, autofix.NewFakeClock(), nil)
	queue.Attach()
	t.Cleanup(queue.Close)

	handler := turn.NewHandler(store, contextmgr.NewAssembler(store, 8), &staticDecider{decision: decision}, dispatcher, queue)

	mux := http.NewServeMux()
	NewServer(handler, bus, queue, store).Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, store, queue
}

func TestHealthz(t *testing.T) {
	ts, _, _ := newTestServer(t, brain.Decision{}, &generate.MockCapability{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTurnEndpoint(t *testing.T) {
	cap := &generate.MockCapability{}
	cap.QueueCode("const intro = 'blue'")
	ts, _, _ := newTestServer(t, brain.Decision{
		Operation:       brain.OpEdit,
		TargetSceneID:   "s1",
		Acknowledgement: "Making the intro blue.",
	}, cap)

	resp, err := http.Post(ts.URL+"/api/projects/p1/turns", "application/json",
		strings.NewReader(`{"instruction":"make the intro blue"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body turnResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Making the intro blue.", body.Text)
	require.NotNil(t, body.Scene)
	assert.Equal(t, "const intro = 'blue'", body.Scene.Code)
}

func TestTurnEndpointRejectsEmptyInstruction(t *testing.T) {
	ts, _, _ := newTestServer(t, brain.Decision{}, &generate.MockCapability{})

	resp, err := http.Post(ts.URL+"/api/projects/p1/turns", "application/json",
		strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSceneErrorIntakeOpensQueueEntry(t *testing.T) {
	ts, _, queue := newTestServer(t, brain.Decision{}, &generate.MockCapability{})

	resp, err := http.Post(ts.URL+"/api/scene-errors", "application/json",
		strings.NewReader(`{"scene_id":"s1","scene_name":"Intro","error_message":"boom"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool { return queue.Len() == 1 }, time.Second, time.Millisecond)
	e, ok := queue.Entry("s1")
	require.True(t, ok)
	assert.Equal(t, autofix.StateDebounce, e.State)
}

func TestSceneErrorIntakeValidation(t *testing.T) {
	ts, _, _ := newTestServer(t, brain.Decision{}, &generate.MockCapability{})

	resp, err := http.Post(ts.URL+"/api/scene-errors", "application/json",
		strings.NewReader(`{"scene_name":"Intro"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRestoreScene(t *testing.T) {
	ts, store, _ := newTestServer(t, brain.Decision{}, &generate.MockCapability{})
	require.NoError(t, store.SoftDeleteScene(context.Background(), "s1"))

	resp, err := http.Post(ts.URL+"/api/scenes/s1/restore", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	restored, err := store.GetScene(context.Background(), "s1")
	require.NoError(t, err)
	assert.Nil(t, restored.DeletedAt)

	// Restoring a live scene is a 404.
	resp2, err := http.Post(ts.URL+"/api/scenes/s1/restore", "application/json", nil)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestListScenes(t *testing.T) {
	ts, store, _ := newTestServer(t, brain.Decision{}, &generate.MockCapability{})
	store.SeedScene("p1", "s2", "Main", "const main = 2", 150)

	resp, err := http.Get(ts.URL + "/api/projects/p1/scenes")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var scenes []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&scenes))
	assert.Len(t, scenes, 2)
}
