package autofix

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sceneforge/pkg/config"
	"sceneforge/pkg/events"
	"sceneforge/pkg/generate"
	"sceneforge/pkg/scene"
	"sceneforge/pkg/testkit"
)

type repairCall struct {
	sceneID string
	errMsg  string
	tier    generate.Tier
}

// fakeRepairer scripts repair outcomes per test. A blocked scene's Repair
// parks until its channel is closed.
type fakeRepairer struct {
	mu      sync.Mutex
	calls   []repairCall
	fail    bool
	blockOn map[string]chan struct{}
}

func (r *fakeRepairer) Repair(ctx context.Context, sceneID, errMsg string, tier generate.Tier) (*scene.Scene, error) {
	r.mu.Lock()
	r.calls = append(r.calls, repairCall{sceneID: sceneID, errMsg: errMsg, tier: tier})
	fail := r.fail
	block := r.blockOn[sceneID]
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("repair failed")
	}
	return &scene.Scene{ID: sceneID}, nil
}

func (r *fakeRepairer) callsFor(sceneID string) []repairCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []repairCall
	for _, c := range r.calls {
		if c.sceneID == sceneID {
			out = append(out, c)
		}
	}
	return out
}

func (r *fakeRepairer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fixture struct {
	store    *testkit.FakeStore
	repairer *fakeRepairer
	bus      *events.Bus
	clock    *FakeClock
	queue    *Queue
	cfg      config.AutoFixConfig

	fixedMu sync.Mutex
	fixed   []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    testkit.NewFakeStore(),
		repairer: &fakeRepairer{blockOn: map[string]chan struct{}{}},
		bus:      events.NewBus(),
		clock:    NewFakeClock(),
		cfg: config.AutoFixConfig{
			DebounceMS:    2000,
			GraceWindowMS: 3000,
			MaxAttempts:   3,
			BackoffMS:     []int{5000, 10000, 20000},
		},
	}
	f.store.SeedScene("p1", "s1", "Intro", "const broken = 1", 90)
	f.store.SeedScene("p1", "s2", "Main", "const alsoBroken = 2", 120)

	f.queue = New(f.store, f.repairer, f.bus, f.cfg, f.clock, nil)
	f.queue.Attach()
	f.bus.SubscribeSceneFixed(func(ev events.SceneFixed) {
		f.fixedMu.Lock()
		f.fixed = append(f.fixed, ev.SceneID)
		f.fixedMu.Unlock()
	})
	t.Cleanup(f.queue.Close)
	return f
}

func (f *fixture) reportError(sceneID, msg string) {
	f.bus.PublishSceneError(events.SceneError{SceneID: sceneID, SceneName: sceneID, ErrorMessage: msg})
}

func (f *fixture) fixedScenes() []string {
	f.fixedMu.Lock()
	defer f.fixedMu.Unlock()
	return append([]string{}, f.fixed...)
}

func (f *fixture) waitForState(t *testing.T, sceneID string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		e, ok := f.queue.Entry(sceneID)
		return ok && e.State == want
	}, 2*time.Second, time.Millisecond, "scene %s never reached state %s", sceneID, want)
}

func TestFirstErrorOpensEntryAndDebounces(t *testing.T) {
	f := newFixture(t)
	f.reportError("s1", "x is not defined")

	e, ok := f.queue.Entry("s1")
	require.True(t, ok)
	assert.Equal(t, StateDebounce, e.State)
	assert.Equal(t, 0, e.Attempts)
	assert.Equal(t, 0, f.repairer.callCount())
}

func TestDebounceCoalescesBurstIntoOneAttempt(t *testing.T) {
	f := newFixture(t)
	f.reportError("s1", "error one")
	f.clock.Advance(time.Second)
	f.reportError("s1", "error two")
	f.clock.Advance(time.Second)
	f.reportError("s1", "error three")

	// Each notification reset the window, so nothing has fired yet.
	assert.Equal(t, 0, f.repairer.callCount())

	f.clock.Advance(2 * time.Second)
	f.waitForState(t, "s1", StateGrace)

	calls := f.repairer.callsFor("s1")
	require.Len(t, calls, 1)
	assert.Equal(t, "error three", calls[0].errMsg)
	assert.Equal(t, generate.TierQuick, calls[0].tier)
}

func TestSuccessfulRepairClearsEntryAfterGrace(t *testing.T) {
	f := newFixture(t)
	f.reportError("s1", "boom")
	f.clock.Advance(2 * time.Second)
	f.waitForState(t, "s1", StateGrace)

	f.clock.Advance(3 * time.Second)
	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, []string{"s1"}, f.fixedScenes())
}

func TestRenewedErrorDuringGraceSchedulesEscalatedRetry(t *testing.T) {
	f := newFixture(t)
	f.reportError("s1", "boom")
	f.clock.Advance(2 * time.Second)
	f.waitForState(t, "s1", StateGrace)

	// New code failed differently: next attempt climbs one tier.
	f.reportError("s1", "different failure")
	e, ok := f.queue.Entry("s1")
	require.True(t, ok)
	assert.Equal(t, StateDebounce, e.State)
	assert.Equal(t, 1, e.Attempts)

	// Second attempt waits out the first backoff step.
	f.clock.Advance(4 * time.Second)
	assert.Equal(t, 1, f.repairer.callCount())
	f.clock.Advance(time.Second)
	f.waitForState(t, "s1", StateGrace)

	calls := f.repairer.callsFor("s1")
	require.Len(t, calls, 2)
	assert.Equal(t, generate.TierComprehensive, calls[1].tier)
	assert.Equal(t, "different failure", calls[1].errMsg)
	assert.Empty(t, f.fixedScenes())
}

func TestIdenticalErrorSkipsToRewriteTier(t *testing.T) {
	f := newFixture(t)
	f.reportError("s1", "TypeError: cannot read properties of undefined")
	f.clock.Advance(2 * time.Second)
	f.waitForState(t, "s1", StateGrace)

	// Same error again: the quick fix clearly changed nothing, so the
	// second attempt jumps past comprehensive straight to rewrite.
	f.reportError("s1", "TypeError: cannot read properties of undefined")
	f.clock.Advance(5 * time.Second)
	f.waitForState(t, "s1", StateGrace)

	calls := f.repairer.callsFor("s1")
	require.Len(t, calls, 2)
	assert.Equal(t, generate.TierQuick, calls[0].tier)
	assert.Equal(t, generate.TierRewrite, calls[1].tier)
}

func TestPrefixMatchCountsAsIdentical(t *testing.T) {
	long := "Error: something went wrong in a very long stack trace that exceeds the comparison prefix length used for loop detection purposes"
	assert.True(t, similarError(long, long+" extra trailing frames"))
	assert.True(t, similarError("boom", "boom"))
	assert.False(t, similarError("boom", "bang"))
	assert.False(t, similarError("", ""))
}

func TestAttemptCeilingGivesUpAndMarksScene(t *testing.T) {
	f := newFixture(t)
	f.repairer.fail = true

	f.reportError("s1", "unfixable")
	f.clock.Advance(2 * time.Second) // attempt 1
	require.Eventually(t, func() bool { return f.repairer.callCount() == 1 }, 2*time.Second, time.Millisecond)
	f.waitForState(t, "s1", StateDebounce)

	f.clock.Advance(5 * time.Second) // backoff 1 -> attempt 2
	require.Eventually(t, func() bool { return f.repairer.callCount() == 2 }, 2*time.Second, time.Millisecond)
	f.waitForState(t, "s1", StateDebounce)

	f.clock.Advance(10 * time.Second) // backoff 2 -> attempt 3
	require.Eventually(t, func() bool { return f.repairer.callCount() == 3 }, 2*time.Second, time.Millisecond)

	// Ceiling reached: entry removed, scene durably flagged, no 4th attempt.
	require.Eventually(t, func() bool { return f.queue.Len() == 0 }, 2*time.Second, time.Millisecond)
	f.clock.Advance(time.Hour)
	assert.Equal(t, 3, f.repairer.callCount())

	s, ok := f.store.SceneSnapshot("s1")
	require.True(t, ok)
	assert.True(t, s.NeedsReview)
	assert.Empty(t, f.fixedScenes())
}

func TestCancelRemovesPendingEntry(t *testing.T) {
	f := newFixture(t)
	f.reportError("s1", "boom")
	f.queue.Cancel("s1")

	assert.Equal(t, 0, f.queue.Len())
	f.clock.Advance(time.Hour)
	assert.Equal(t, 0, f.repairer.callCount())
}

func TestDeletedSceneDroppedAtDebounceFire(t *testing.T) {
	f := newFixture(t)
	f.reportError("s1", "boom")
	require.NoError(t, f.store.SoftDeleteScene(context.Background(), "s1"))

	f.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return f.queue.Len() == 0 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, f.repairer.callCount())
}

func TestScenesProgressIndependently(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.repairer.blockOn["s1"] = release

	f.reportError("s1", "slow one")
	f.reportError("s2", "fast one")
	f.clock.Advance(2 * time.Second)

	// s1 is stuck in its attempt; s2 sails through to grace and gets fixed.
	f.waitForState(t, "s2", StateGrace)
	f.clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool {
		fixed := f.fixedScenes()
		return len(fixed) == 1 && fixed[0] == "s2"
	}, 2*time.Second, time.Millisecond)

	e, ok := f.queue.Entry("s1")
	require.True(t, ok)
	assert.Equal(t, StateAttempting, e.State)

	close(release)
	f.waitForState(t, "s1", StateGrace)
}

func TestErrorsDuringAttemptDoNotRestartIt(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.repairer.blockOn["s1"] = release

	f.reportError("s1", "original error")
	f.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return f.repairer.callCount() == 1 }, 2*time.Second, time.Millisecond)

	// Stale renders keep complaining mid-attempt; the entry keeps the
	// freshest message but stays in the same attempt.
	f.reportError("s1", "still failing")
	e, ok := f.queue.Entry("s1")
	require.True(t, ok)
	assert.Equal(t, StateAttempting, e.State)
	assert.Equal(t, "still failing", e.LatestError)
	assert.Equal(t, 1, f.repairer.callCount())

	close(release)
	f.waitForState(t, "s1", StateGrace)
}

func TestCloseStopsEverything(t *testing.T) {
	f := newFixture(t)
	f.reportError("s1", "boom")
	f.queue.Close()

	f.clock.Advance(time.Hour)
	assert.Equal(t, 0, f.repairer.callCount())

	// Notifications after close are ignored.
	f.reportError("s2", "late")
	assert.Equal(t, 0, f.queue.Len())
}
