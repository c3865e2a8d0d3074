// Package events provides the in-process publish/subscribe bus connecting the
// rendering surface to the auto-fix queue, plus a JSONL event log for
// diagnostics.
package events

import (
	"sync"
	"time"
)

// Kind identifies an event type on the bus.
type Kind string

const (
	// KindSceneError is raised by the rendering surface when a scene's code
	// fails to compile or render.
	KindSceneError Kind = "scene-error"
	// KindSceneFixed is raised by the auto-fix queue when a scene's code has
	// been repaired, so the rendering surface can clear stale error state.
	KindSceneFixed Kind = "scene-fixed"
)

// SceneError carries one compile/render failure report.
type SceneError struct {
	Timestamp    time.Time `json:"timestamp"`
	SceneID      string    `json:"scene_id"`
	SceneName    string    `json:"scene_name"`
	ErrorMessage string    `json:"error_message"`
}

// SceneFixed signals a successful repair of the identified scene.
type SceneFixed struct {
	Timestamp time.Time `json:"timestamp"`
	SceneID   string    `json:"scene_id"`
}

// ErrorHandler consumes scene-error events.
type ErrorHandler func(SceneError)

// FixedHandler consumes scene-fixed events.
type FixedHandler func(SceneFixed)

// Bus is a synchronous in-process pub/sub bus. Handlers run in the
// publisher's goroutine, so events for one scene are delivered in the order
// they are published.
type Bus struct {
	mu            sync.RWMutex
	errorHandlers []ErrorHandler
	fixedHandlers []FixedHandler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// SubscribeSceneError registers a handler for scene-error events.
func (b *Bus) SubscribeSceneError(h ErrorHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errorHandlers = append(b.errorHandlers, h)
}

// SubscribeSceneFixed registers a handler for scene-fixed events.
func (b *Bus) SubscribeSceneFixed(h FixedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fixedHandlers = append(b.fixedHandlers, h)
}

// PublishSceneError delivers a scene-error event to all subscribers.
func (b *Bus) PublishSceneError(e SceneError) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	handlers := append([]ErrorHandler{}, b.errorHandlers...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// PublishSceneFixed delivers a scene-fixed event to all subscribers.
func (b *Bus) PublishSceneFixed(e SceneFixed) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	handlers := append([]FixedHandler{}, b.fixedHandlers...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}
