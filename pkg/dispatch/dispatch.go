// Package dispatch maps a decision onto concrete store and generation calls.
// It is the sole writer path for scene mutations, for user-driven operations
// and auto-fix repairs alike. It never retries: generation failures go back
// to the caller, which owns the retry policy.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"sceneforge/pkg/brain"
	"sceneforge/pkg/contextmgr"
	"sceneforge/pkg/generate"
	"sceneforge/pkg/logx"
	"sceneforge/pkg/scene"
)

const defaultDurationFrames = 150

var (
	// ErrGenerationFailed wraps any failure of the code-generation
	// capability: malformed output, timeout, refusal.
	ErrGenerationFailed = errors.New("code generation failed")
	// ErrInvalidDecision marks a decision the dispatcher cannot act on.
	ErrInvalidDecision = errors.New("invalid decision")
)

// Result is the outcome of one dispatched operation. Scene is the created or
// mutated scene; nil for delete.
type Result struct {
	Operation brain.Operation
	Scene     *scene.Scene
}

// Dispatcher executes decisions against the store and the generation
// capability.
type Dispatcher struct {
	store      scene.Store
	capability generate.Capability
	logger     *logx.Logger
}

func New(store scene.Store, capability generate.Capability) *Dispatcher {
	return &Dispatcher{
		store:      store,
		capability: capability,
		logger:     logx.NewLogger("dispatch"),
	}
}

// Dispatch runs one decision to completion. The packet supplies the
// instruction, image references, and scene ordering the decision was made
// against.
func (d *Dispatcher) Dispatch(ctx context.Context, decision brain.Decision, packet *contextmgr.Packet) (*Result, error) {
	if decision.NeedsClarification {
		return nil, fmt.Errorf("%w: clarification decision cannot be dispatched", ErrInvalidDecision)
	}

	switch decision.Operation {
	case brain.OpCreate:
		return d.create(ctx, decision, packet)
	case brain.OpEdit:
		return d.edit(ctx, decision, packet)
	case brain.OpDelete:
		return d.delete(ctx, decision)
	case brain.OpRetime:
		return d.retime(ctx, decision)
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidDecision, decision.Operation)
	}
}

// create inserts a new scene at the end of the ordering. The immediately
// preceding scene, when one exists, is always supplied as an implicit
// style-continuity reference so consecutive scenes cohere without the user
// asking.
func (d *Dispatcher) create(ctx context.Context, decision brain.Decision, packet *contextmgr.Packet) (*Result, error) {
	req := generate.Request{
		Instruction: packet.UserInstruction,
		Images:      imageInputs(packet),
	}

	if last, ok := packet.LastScene(); ok {
		prev, err := d.store.GetScene(ctx, last.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch previous scene %s: %w", last.ID, err)
		}
		req.PreviousCode = prev.Code
	}

	refs, err := d.fetchReferences(ctx, decision.ReferencedSceneIDs)
	if err != nil {
		return nil, err
	}
	req.References = refs

	res, err := d.capability.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	duration := res.DurationFrames
	if duration <= 0 {
		duration = defaultDurationFrames
	}
	name := fmt.Sprintf("Scene %d", len(packet.SceneSummaries)+1)

	created, err := d.store.InsertScene(ctx, packet.ProjectID, name, res.Code, duration)
	if err != nil {
		return nil, fmt.Errorf("failed to insert scene: %w", err)
	}

	d.logger.Info("created scene %s (%s) at order %d", created.ID, created.Name, created.Order)
	return &Result{Operation: brain.OpCreate, Scene: created}, nil
}

func (d *Dispatcher) edit(ctx context.Context, decision brain.Decision, packet *contextmgr.Packet) (*Result, error) {
	target, err := d.store.GetScene(ctx, decision.TargetSceneID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch target scene %s: %w", decision.TargetSceneID, err)
	}

	refs, err := d.fetchReferences(ctx, decision.ReferencedSceneIDs)
	if err != nil {
		return nil, err
	}

	res, err := d.capability.Generate(ctx, generate.Request{
		Instruction: packet.UserInstruction,
		TargetCode:  target.Code,
		References:  refs,
		Images:      imageInputs(packet),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	var duration *int
	if res.DurationFrames > 0 {
		duration = &res.DurationFrames
	}
	updated, err := d.store.UpdateSceneCode(ctx, target.ID, res.Code, duration)
	if err != nil {
		return nil, fmt.Errorf("failed to persist edit of scene %s: %w", target.ID, err)
	}

	d.logger.Info("edited scene %s (revision %d)", updated.ID, updated.Revision)
	return &Result{Operation: brain.OpEdit, Scene: updated}, nil
}

func (d *Dispatcher) delete(ctx context.Context, decision brain.Decision) (*Result, error) {
	if err := d.store.SoftDeleteScene(ctx, decision.TargetSceneID); err != nil {
		return nil, fmt.Errorf("failed to delete scene %s: %w", decision.TargetSceneID, err)
	}
	d.logger.Info("deleted scene %s", decision.TargetSceneID)
	return &Result{Operation: brain.OpDelete}, nil
}

func (d *Dispatcher) retime(ctx context.Context, decision brain.Decision) (*Result, error) {
	if decision.TargetDurationFrames <= 0 {
		return nil, fmt.Errorf("%w: retime requires a positive duration, got %d", ErrInvalidDecision, decision.TargetDurationFrames)
	}
	updated, err := d.store.UpdateSceneDuration(ctx, decision.TargetSceneID, decision.TargetDurationFrames)
	if err != nil {
		return nil, fmt.Errorf("failed to retime scene %s: %w", decision.TargetSceneID, err)
	}
	d.logger.Info("retimed scene %s to %d frames", updated.ID, updated.DurationFrames)
	return &Result{Operation: brain.OpRetime, Scene: updated}, nil
}

// Repair regenerates a broken scene's code in place. The operation kind and
// target are already known, so repairs skip the decision engine entirely.
func (d *Dispatcher) Repair(ctx context.Context, sceneID, errorMessage string, tier generate.Tier) (*scene.Scene, error) {
	target, err := d.store.GetScene(ctx, sceneID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch scene %s for repair: %w", sceneID, err)
	}

	res, err := d.capability.Generate(ctx, generate.Request{
		TargetCode:   target.Code,
		ErrorMessage: errorMessage,
		Tier:         tier,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	var duration *int
	if res.DurationFrames > 0 {
		duration = &res.DurationFrames
	}
	updated, err := d.store.UpdateSceneCode(ctx, sceneID, res.Code, duration)
	if err != nil {
		return nil, fmt.Errorf("failed to persist repair of scene %s: %w", sceneID, err)
	}

	d.logger.Info("repaired scene %s (tier=%s, revision %d)", sceneID, tier, updated.Revision)
	return updated, nil
}

func (d *Dispatcher) fetchReferences(ctx context.Context, ids []string) ([]generate.Reference, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	refs := make([]generate.Reference, 0, len(ids))
	for _, id := range ids {
		s, err := d.store.GetScene(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch reference scene %s: %w", id, err)
		}
		refs = append(refs, generate.Reference{SceneName: s.Name, Code: s.Code})
	}
	return refs, nil
}

func imageInputs(packet *contextmgr.Packet) []generate.ImageInput {
	if len(packet.ImageReferences) == 0 {
		return nil
	}
	imgs := make([]generate.ImageInput, 0, len(packet.ImageReferences))
	for _, ref := range packet.ImageReferences {
		imgs = append(imgs, generate.ImageInput{URL: ref.URL, Label: ref.Label()})
	}
	return imgs
}
