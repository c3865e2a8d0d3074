// Package scene defines the scene data model and the SQLite-backed store for
// scenes and chat messages.
package scene

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Scene is one timed, code-backed visual unit within a project's sequence.
//
// Ordering invariant: non-deleted scenes in a project occupy contiguous order
// values starting at 0, at most one scene per order value.
type Scene struct {
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	Name           string     `json:"name"`
	Code           string     `json:"code"`
	Order          int        `json:"order"`
	DurationFrames int        `json:"duration_frames"`
	Revision       int        `json:"revision"`
	NeedsReview    bool       `json:"needs_review"`
}

// Message is one chat turn in a project's conversation. ImageURLs holds
// attachment URLs in upload order.
type Message struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ImageURLs []string  `json:"image_urls,omitempty"`
}

// Message role constants.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrSceneNotFound is returned when a scene id does not exist or the scene
	// has been soft-deleted.
	ErrSceneNotFound = errors.New("scene not found")
	// ErrStoreUnavailable wraps infrastructure-level store failures.
	ErrStoreUnavailable = errors.New("scene store unavailable")
)

// Store is the persistence boundary the orchestration core depends on.
// List and Get exclude soft-deleted scenes.
type Store interface {
	ListScenes(ctx context.Context, projectID string) ([]*Scene, error)
	GetScene(ctx context.Context, id string) (*Scene, error)
	InsertScene(ctx context.Context, projectID, name, code string, durationFrames int) (*Scene, error)
	UpdateSceneCode(ctx context.Context, id, code string, durationFrames *int) (*Scene, error)
	UpdateSceneDuration(ctx context.Context, id string, durationFrames int) (*Scene, error)
	SoftDeleteScene(ctx context.Context, id string) error
	RestoreScene(ctx context.Context, id string) (*Scene, error)
	SetNeedsReview(ctx context.Context, id string, needsReview bool) error

	ListMessages(ctx context.Context, projectID string, limit int) ([]*Message, error)
	AddMessage(ctx context.Context, projectID, role, content string, imageURLs []string) (*Message, error)
}

// GenerateID returns a new opaque scene or message identifier.
func GenerateID() string {
	return uuid.New().String()
}
