// Package contextmgr assembles the per-turn decision context: ordered scene
// summaries, a bounded window of recent conversation turns, and image
// reference tracking.
package contextmgr

import (
	"context"
	"fmt"

	"sceneforge/pkg/logx"
	"sceneforge/pkg/scene"
)

// SceneSummary is the decision-relevant view of one scene. Code is
// intentionally omitted; the dispatcher fetches it only when needed.
type SceneSummary struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Order          int    `json:"order"`
	DurationFrames int    `json:"duration_frames"`
}

// Turn is one conversation message in the recent-turns window.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// ImageRef maps a natural-language ordinal ("the second image") to a concrete
// attachment URL. Position is 1-based in first-seen upload order.
type ImageRef struct {
	URL      string `json:"url"`
	Position int    `json:"position"`
}

// Label returns the ordinal label for this reference ("first image",
// "second image", ...).
func (r ImageRef) Label() string {
	ordinals := []string{"first", "second", "third", "fourth", "fifth",
		"sixth", "seventh", "eighth", "ninth", "tenth"}
	if r.Position >= 1 && r.Position <= len(ordinals) {
		return ordinals[r.Position-1] + " image"
	}
	return fmt.Sprintf("image #%d", r.Position)
}

// Packet is the ephemeral context for one user turn. Rebuilt every turn,
// never persisted.
type Packet struct {
	ProjectID       string         `json:"project_id"`
	UserInstruction string         `json:"user_instruction"`
	SceneSummaries  []SceneSummary `json:"scene_summaries"`
	RecentTurns     []Turn         `json:"recent_turns"`
	ImageReferences []ImageRef     `json:"image_references"`
}

// SceneByID returns the summary for the given scene id, if present.
func (p *Packet) SceneByID(id string) (SceneSummary, bool) {
	for _, s := range p.SceneSummaries {
		if s.ID == id {
			return s, true
		}
	}
	return SceneSummary{}, false
}

// LastScene returns the summary with the highest order, if any scenes exist.
func (p *Packet) LastScene() (SceneSummary, bool) {
	if len(p.SceneSummaries) == 0 {
		return SceneSummary{}, false
	}
	last := p.SceneSummaries[0]
	for _, s := range p.SceneSummaries[1:] {
		if s.Order > last.Order {
			last = s
		}
	}
	return last, true
}

// ImageByPosition returns the URL for the 1-based image ordinal, if tracked.
func (p *Packet) ImageByPosition(position int) (string, bool) {
	for _, ref := range p.ImageReferences {
		if ref.Position == position {
			return ref.URL, true
		}
	}
	return "", false
}

// Assembler builds decision context packets from the scene store.
type Assembler struct {
	store       scene.Store
	recentTurns int
	logger      *logx.Logger
}

// NewAssembler creates an assembler reading from store, keeping a window of
// recentTurns conversation messages.
func NewAssembler(store scene.Store, recentTurns int) *Assembler {
	if recentTurns <= 0 {
		recentTurns = 8
	}
	return &Assembler{
		store:       store,
		recentTurns: recentTurns,
		logger:      logx.NewLogger("contextmgr"),
	}
}

// Assemble gathers the decision-relevant state for one user turn. Read-only:
// a failed store read aborts the turn rather than being retried here.
func (a *Assembler) Assemble(ctx context.Context, projectID, userInstruction string) (*Packet, error) {
	scenes, err := a.store.ListScenes(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scenes for project %s: %w", projectID, err)
	}

	messages, err := a.store.ListMessages(ctx, projectID, a.recentTurns)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for project %s: %w", projectID, err)
	}

	packet := &Packet{
		ProjectID:       projectID,
		UserInstruction: userInstruction,
		SceneSummaries:  summarize(scenes),
		RecentTurns:     toTurns(messages),
		ImageReferences: extractImageRefs(messages),
	}

	a.logger.Debug("Assembled context for project %s: %d scenes, %d turns, %d images",
		projectID, len(packet.SceneSummaries), len(packet.RecentTurns), len(packet.ImageReferences))
	return packet, nil
}

func summarize(scenes []*scene.Scene) []SceneSummary {
	summaries := make([]SceneSummary, 0, len(scenes))
	for _, s := range scenes {
		summaries = append(summaries, SceneSummary{
			ID:             s.ID,
			Name:           s.Name,
			Order:          s.Order,
			DurationFrames: s.DurationFrames,
		})
	}
	return summaries
}

func toTurns(messages []*scene.Message) []Turn {
	turns := make([]Turn, 0, len(messages))
	for _, m := range messages {
		turns = append(turns, Turn{Role: m.Role, Text: m.Content})
	}
	return turns
}

// extractImageRefs scans messages in chronological order and assigns each
// distinct attachment URL a 1-based ordinal in first-seen order. This gives a
// stable mapping from "the second image I uploaded" to a concrete URL.
func extractImageRefs(messages []*scene.Message) []ImageRef {
	seen := make(map[string]bool)
	var refs []ImageRef
	for _, m := range messages {
		for _, url := range m.ImageURLs {
			if url == "" || seen[url] {
				continue
			}
			seen[url] = true
			refs = append(refs, ImageRef{URL: url, Position: len(refs) + 1})
		}
	}
	return refs
}
