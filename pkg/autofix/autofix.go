// Package autofix is the self-healing repair loop. It listens for
// compile/render failure notifications, debounces them, and drives repair
// attempts through the dispatcher with progressively more invasive
// strategies, entirely without user involvement. Queue state is in-memory
// only; it rebuilds itself from live error signals after a restart.
package autofix

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"sceneforge/pkg/config"
	"sceneforge/pkg/events"
	"sceneforge/pkg/generate"
	"sceneforge/pkg/logx"
	"sceneforge/pkg/metrics"
	"sceneforge/pkg/scene"
)

// State is the lifecycle position of one queue entry. Idle is represented by
// the absence of an entry.
type State string

const (
	StateDebounce   State = "pending_debounce"
	StateAttempting State = "attempting"
	StateGrace      State = "grace"
)

// Repairer regenerates one scene's code in place. Satisfied by the
// dispatcher.
type Repairer interface {
	Repair(ctx context.Context, sceneID, errorMessage string, tier generate.Tier) (*scene.Scene, error)
}

// entry tracks one scene currently in error. At most one per scene.
type entry struct {
	sceneID        string
	sceneName      string
	state          State
	latestError    string
	attempts       int
	firstErrorAt   time.Time
	lastAttemptAt  time.Time
	previousErrors []string
	timer          Timer
}

// EntryInfo is a read-only snapshot of a queue entry.
type EntryInfo struct {
	SceneID      string
	SceneName    string
	State        State
	Attempts     int
	LatestError  string
	FirstErrorAt time.Time
}

// Queue drives the repair loop. One entry per broken scene; scenes progress
// through their attempt sequences independently of each other.
type Queue struct {
	store    scene.Store
	repairer Repairer
	bus      *events.Bus
	cfg      config.AutoFixConfig
	clock    Clock
	recorder *metrics.Recorder
	logger   *logx.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Queue. clock and recorder may be nil; nil clock means wall
// time.
func New(store scene.Store, repairer Repairer, bus *events.Bus, cfg config.AutoFixConfig, clock Clock, rec *metrics.Recorder) *Queue {
	if clock == nil {
		clock = NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		store:    store,
		repairer: repairer,
		bus:      bus,
		cfg:      cfg,
		clock:    clock,
		recorder: rec,
		logger:   logx.NewLogger("autofix"),
		entries:  make(map[string]*entry),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Attach subscribes the queue to scene-error notifications on the bus.
func (q *Queue) Attach() {
	q.bus.SubscribeSceneError(q.OnSceneError)
}

// OnSceneError handles one error notification. First error for a scene opens
// an entry and starts the debounce window; repeats within the window replace
// the message and reset the timer, so a burst of notifications coalesces
// into one attempt using the freshest error.
func (q *Queue) OnSceneError(ev events.SceneError) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	e, ok := q.entries[ev.SceneID]
	if !ok {
		e = &entry{
			sceneID:      ev.SceneID,
			sceneName:    ev.SceneName,
			state:        StateDebounce,
			latestError:  ev.ErrorMessage,
			firstErrorAt: q.clock.Now(),
		}
		q.entries[ev.SceneID] = e
		e.timer = q.clock.AfterFunc(q.cfg.Debounce(), func() { q.debounceFired(ev.SceneID) })
		q.logger.Debug("scene %s entered repair queue: %s", ev.SceneID, firstLine(ev.ErrorMessage))
		q.publishDepth()
		return
	}

	switch e.state {
	case StateDebounce:
		e.latestError = ev.ErrorMessage
		if e.timer != nil {
			e.timer.Stop()
		}
		e.timer = q.clock.AfterFunc(q.cfg.Debounce(), func() { q.debounceFired(ev.SceneID) })
	case StateAttempting:
		// Stale render output can still raise errors mid-attempt; keep the
		// freshest message but let the grace window deliver the verdict.
		e.latestError = ev.ErrorMessage
	case StateGrace:
		// The repaired code failed too.
		if e.timer != nil {
			e.timer.Stop()
		}
		e.latestError = ev.ErrorMessage
		q.attemptFailedLocked(e)
	}
}

// Cancel drops a scene's entry, stopping any pending timer. Called when the
// scene is deleted or when a user-driven edit supersedes the repair.
func (q *Queue) Cancel(sceneID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[sceneID]
	if !ok {
		return
	}
	q.removeLocked(e, "canceled")
}

// debounceFired moves an entry from debounce to an in-flight attempt.
func (q *Queue) debounceFired(sceneID string) {
	q.mu.Lock()
	e, ok := q.entries[sceneID]
	if !ok || e.state != StateDebounce || q.closed {
		q.mu.Unlock()
		return
	}

	e.state = StateAttempting
	e.attempts++
	e.lastAttemptAt = q.clock.Now()

	tier := q.tierFor(e)
	e.previousErrors = append(e.previousErrors, e.latestError)
	attempt := e.attempts
	errMsg := e.latestError
	q.mu.Unlock()

	if q.recorder != nil {
		q.recorder.RecordFixAttempt(tier.String())
	}

	q.wg.Add(1)
	go q.runAttempt(sceneID, errMsg, tier, attempt)
}

// runAttempt performs one repair attempt. Runs in its own goroutine so a
// slow repair on one scene never delays another scene's schedule.
func (q *Queue) runAttempt(sceneID, errMsg string, tier generate.Tier, attempt int) {
	defer q.wg.Done()

	if _, err := q.store.GetScene(q.ctx, sceneID); err != nil {
		if errors.Is(err, scene.ErrSceneNotFound) {
			q.logger.Debug("scene %s gone before attempt %d, dropping entry", sceneID, attempt)
			q.Cancel(sceneID)
			return
		}
		q.logger.Warn("store check failed before repairing scene %s: %v", sceneID, err)
	}

	q.logger.Info("repair attempt %d for scene %s (tier=%s)", attempt, sceneID, tier)
	_, err := q.repairer.Repair(q.ctx, sceneID, errMsg, tier)

	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[sceneID]
	if !ok || e.state != StateAttempting || q.closed {
		return
	}

	if err != nil {
		q.logger.Warn("repair attempt %d for scene %s failed: %v", attempt, sceneID, err)
		q.attemptFailedLocked(e)
		return
	}

	// Repaired code persisted. Hold in grace: silence until the window
	// elapses means fixed; a fresh error means the attempt failed.
	e.state = StateGrace
	e.timer = q.clock.AfterFunc(q.cfg.GraceWindow(), func() { q.graceElapsed(sceneID) })
}

func (q *Queue) graceElapsed(sceneID string) {
	q.mu.Lock()
	e, ok := q.entries[sceneID]
	if !ok || e.state != StateGrace {
		q.mu.Unlock()
		return
	}

	q.logger.Info("scene %s fixed after %d attempt(s)", sceneID, e.attempts)
	q.removeLocked(e, "fixed")
	q.mu.Unlock()

	if q.bus != nil {
		q.bus.PublishSceneFixed(events.SceneFixed{SceneID: sceneID, Timestamp: q.clock.Now()})
	}
}

// attemptFailedLocked schedules the next attempt with backoff, or gives up
// at the ceiling. Caller holds q.mu.
func (q *Queue) attemptFailedLocked(e *entry) {
	if e.attempts >= q.cfg.MaxAttempts {
		q.giveUpLocked(e)
		return
	}
	e.state = StateDebounce
	backoff := q.cfg.Backoff(e.attempts)
	sceneID := e.sceneID
	e.timer = q.clock.AfterFunc(backoff, func() { q.debounceFired(sceneID) })
	q.logger.Debug("scene %s attempt %d failed, next attempt in %s", e.sceneID, e.attempts, backoff)
}

// giveUpLocked abandons a scene after the attempt ceiling. The scene keeps
// its broken code and gets a durable needs-review mark so it is not silently
// forgotten. Caller holds q.mu.
func (q *Queue) giveUpLocked(e *entry) {
	q.logger.Warn("giving up on scene %s after %d attempts: %s", e.sceneID, e.attempts, firstLine(e.latestError))
	if err := q.store.SetNeedsReview(q.ctx, e.sceneID, true); err != nil {
		q.logger.Error("failed to mark scene %s for review: %v", e.sceneID, err)
	}
	q.removeLocked(e, "gave_up")
}

func (q *Queue) removeLocked(e *entry, outcome string) {
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(q.entries, e.sceneID)
	if q.recorder != nil {
		q.recorder.RecordFixOutcome(outcome)
	}
	q.publishDepth()
}

// tierFor picks the strategy for the entry's current attempt. The base
// ladder is quick, comprehensive, rewrite by attempt number; when the latest
// error repeats the previous attempt's error the strategy clearly did not
// work, so the ladder is skipped one rung ahead.
func (q *Queue) tierFor(e *entry) generate.Tier {
	n := e.attempts
	if len(e.previousErrors) > 0 && similarError(e.latestError, e.previousErrors[len(e.previousErrors)-1]) {
		n++
	}
	switch {
	case n <= 1:
		return generate.TierQuick
	case n == 2:
		return generate.TierComprehensive
	default:
		return generate.TierRewrite
	}
}

const errorPrefixLen = 120

// similarError reports whether two error messages are identical or share the
// same leading text, which is how repeated failures of one underlying bug
// usually present.
func similarError(a, b string) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return false
	}
	if len(a) > errorPrefixLen {
		a = a[:errorPrefixLen]
	}
	if len(b) > errorPrefixLen {
		b = b[:errorPrefixLen]
	}
	return a == b
}

// Entry returns a snapshot of one scene's queue entry, if present.
func (q *Queue) Entry(sceneID string) (EntryInfo, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[sceneID]
	if !ok {
		return EntryInfo{}, false
	}
	return snapshot(e), true
}

// Entries returns snapshots of every live entry.
func (q *Queue) Entries() []EntryInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]EntryInfo, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, snapshot(e))
	}
	return out
}

// Len returns the number of scenes currently in the queue.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close stops all timers, cancels in-flight repairs, and waits for attempt
// goroutines to drain.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, e := range q.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	q.entries = make(map[string]*entry)
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

func (q *Queue) publishDepth() {
	if q.recorder != nil {
		q.recorder.SetQueueDepth(len(q.entries))
	}
}

func snapshot(e *entry) EntryInfo {
	return EntryInfo{
		SceneID:      e.sceneID,
		SceneName:    e.sceneName,
		State:        e.state,
		Attempts:     e.attempts,
		LatestError:  e.latestError,
		FirstErrorAt: e.firstErrorAt,
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
