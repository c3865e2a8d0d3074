// Package testkit provides shared test doubles for the orchestration core.
package testkit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"sceneforge/pkg/scene"
)

// FakeStore is an in-memory scene.Store with failure injection. It maintains
// the same ordering invariants as the SQLite store.
type FakeStore struct {
	mu       sync.Mutex
	scenes   map[string]*scene.Scene
	messages []*scene.Message

	// Failure injection: when set, the corresponding operation returns the error.
	FailListScenes error
	FailGetScene   error
	FailUpdate     error
}

// NewFakeStore creates an empty fake store.
func NewFakeStore() *FakeStore {
	return &FakeStore{scenes: make(map[string]*scene.Scene)}
}

// SeedScene inserts a scene directly, for test setup.
func (f *FakeStore) SeedScene(projectID, id, name, code string, durationFrames int) *scene.Scene {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := &scene.Scene{
		ID:             id,
		ProjectID:      projectID,
		Name:           name,
		Code:           code,
		Order:          f.nextOrderLocked(projectID),
		DurationFrames: durationFrames,
		Revision:       1,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	f.scenes[id] = s
	return s
}

func (f *FakeStore) nextOrderLocked(projectID string) int {
	next := 0
	for _, s := range f.scenes {
		if s.ProjectID == projectID && s.DeletedAt == nil {
			next++
		}
	}
	return next
}

func (f *FakeStore) ListScenes(_ context.Context, projectID string) ([]*scene.Scene, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailListScenes != nil {
		return nil, f.FailListScenes
	}

	var out []*scene.Scene
	for _, s := range f.scenes {
		if s.ProjectID == projectID && s.DeletedAt == nil {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (f *FakeStore) GetScene(_ context.Context, id string) (*scene.Scene, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailGetScene != nil {
		return nil, f.FailGetScene
	}

	s, ok := f.scenes[id]
	if !ok || s.DeletedAt != nil {
		return nil, fmt.Errorf("%w: %s", scene.ErrSceneNotFound, id)
	}
	cp := *s
	return &cp, nil
}

func (f *FakeStore) InsertScene(_ context.Context, projectID, name, code string, durationFrames int) (*scene.Scene, error) {
	if durationFrames <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %d", durationFrames)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	s := &scene.Scene{
		ID:             scene.GenerateID(),
		ProjectID:      projectID,
		Name:           name,
		Code:           code,
		Order:          f.nextOrderLocked(projectID),
		DurationFrames: durationFrames,
		Revision:       1,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	f.scenes[s.ID] = s
	cp := *s
	return &cp, nil
}

func (f *FakeStore) UpdateSceneCode(_ context.Context, id, code string, durationFrames *int) (*scene.Scene, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailUpdate != nil {
		return nil, f.FailUpdate
	}

	s, ok := f.scenes[id]
	if !ok || s.DeletedAt != nil {
		return nil, fmt.Errorf("%w: %s", scene.ErrSceneNotFound, id)
	}
	s.Code = code
	if durationFrames != nil {
		if *durationFrames <= 0 {
			return nil, fmt.Errorf("duration must be positive, got %d", *durationFrames)
		}
		s.DurationFrames = *durationFrames
	}
	s.Revision++
	s.UpdatedAt = time.Now().UTC()
	cp := *s
	return &cp, nil
}

func (f *FakeStore) UpdateSceneDuration(_ context.Context, id string, durationFrames int) (*scene.Scene, error) {
	if durationFrames <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %d", durationFrames)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.scenes[id]
	if !ok || s.DeletedAt != nil {
		return nil, fmt.Errorf("%w: %s", scene.ErrSceneNotFound, id)
	}
	s.DurationFrames = durationFrames
	s.UpdatedAt = time.Now().UTC()
	cp := *s
	return &cp, nil
}

func (f *FakeStore) SoftDeleteScene(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.scenes[id]
	if !ok || s.DeletedAt != nil {
		return fmt.Errorf("%w: %s", scene.ErrSceneNotFound, id)
	}
	now := time.Now().UTC()
	s.DeletedAt = &now

	for _, other := range f.scenes {
		if other.ProjectID == s.ProjectID && other.DeletedAt == nil && other.Order > s.Order {
			other.Order--
		}
	}
	return nil
}

func (f *FakeStore) RestoreScene(_ context.Context, id string) (*scene.Scene, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.scenes[id]
	if !ok || s.DeletedAt == nil {
		return nil, fmt.Errorf("%w: %s", scene.ErrSceneNotFound, id)
	}
	s.DeletedAt = nil
	s.Order = f.nextOrderLocked(s.ProjectID) - 1
	cp := *s
	return &cp, nil
}

func (f *FakeStore) SetNeedsReview(_ context.Context, id string, needsReview bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.scenes[id]
	if !ok {
		return fmt.Errorf("%w: %s", scene.ErrSceneNotFound, id)
	}
	s.NeedsReview = needsReview
	return nil
}

func (f *FakeStore) ListMessages(_ context.Context, projectID string, limit int) ([]*scene.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*scene.Message
	for _, m := range f.messages {
		if m.ProjectID == projectID {
			cp := *m
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *FakeStore) AddMessage(_ context.Context, projectID, role, content string, imageURLs []string) (*scene.Message, error) {
	if role != scene.RoleUser && role != scene.RoleAssistant {
		return nil, fmt.Errorf("invalid message role: %s", role)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	m := &scene.Message{
		ID:        scene.GenerateID(),
		ProjectID: projectID,
		Role:      role,
		Content:   content,
		ImageURLs: imageURLs,
		CreatedAt: time.Now().UTC(),
	}
	f.messages = append(f.messages, m)
	cp := *m
	return &cp, nil
}

// SceneSnapshot returns a copy of a scene, including soft-deleted ones.
func (f *FakeStore) SceneSnapshot(id string) (scene.Scene, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.scenes[id]
	if !ok {
		return scene.Scene{}, false
	}
	return *s, true
}

var _ scene.Store = (*FakeStore)(nil)
