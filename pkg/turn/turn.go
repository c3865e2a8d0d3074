// Package turn handles one user chat turn end to end: persist the message,
// assemble context, derive a decision, dispatch it, and record the
// assistant's acknowledgement. It owns the mapping from internal failures to
// what the user actually sees.
package turn

import (
	"context"
	"errors"
	"fmt"

	"sceneforge/pkg/brain"
	"sceneforge/pkg/contextmgr"
	"sceneforge/pkg/dispatch"
	"sceneforge/pkg/logx"
	"sceneforge/pkg/scene"
)

// Assembler builds the per-turn context packet.
type Assembler interface {
	Assemble(ctx context.Context, projectID, userInstruction string) (*contextmgr.Packet, error)
}

// Decider derives one decision from a packet.
type Decider interface {
	Decide(ctx context.Context, packet *contextmgr.Packet) (brain.Decision, error)
}

// Performer executes a decision.
type Performer interface {
	Dispatch(ctx context.Context, decision brain.Decision, packet *contextmgr.Packet) (*dispatch.Result, error)
}

// RepairCanceler drops any pending auto-repair for a scene.
type RepairCanceler interface {
	Cancel(sceneID string)
}

// Reply is what goes back to the user for one turn.
type Reply struct {
	Text          string
	Clarification bool
	Failed        bool
	Result        *dispatch.Result
}

const generationFailureText = "I couldn't generate that change. Nothing was modified; please try rephrasing your request."

// Handler runs user turns.
type Handler struct {
	store     scene.Store
	assembler Assembler
	decider   Decider
	performer Performer
	repairs   RepairCanceler
	logger    *logx.Logger
}

func NewHandler(store scene.Store, assembler Assembler, decider Decider, performer Performer, repairs RepairCanceler) *Handler {
	return &Handler{
		store:     store,
		assembler: assembler,
		decider:   decider,
		performer: performer,
		repairs:   repairs,
		logger:    logx.NewLogger("turn"),
	}
}

// Handle runs one turn. A returned error means infrastructure failed and the
// caller should show a generic failure; every model-level outcome, including
// clarification requests and generation failures, comes back as a Reply.
func (h *Handler) Handle(ctx context.Context, projectID, instruction string, imageURLs []string) (*Reply, error) {
	if _, err := h.store.AddMessage(ctx, projectID, scene.RoleUser, instruction, imageURLs); err != nil {
		return nil, fmt.Errorf("failed to record user message: %w", err)
	}

	packet, err := h.assembler.Assemble(ctx, projectID, instruction)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble context: %w", err)
	}

	decision, err := h.decider.Decide(ctx, packet)
	if err != nil {
		return nil, fmt.Errorf("failed to derive decision: %w", err)
	}

	if decision.NeedsClarification {
		h.reply(ctx, projectID, decision.Question)
		return &Reply{Text: decision.Question, Clarification: true}, nil
	}

	// A user-driven change supersedes any pending auto-repair on the same
	// scene; racing both writers would be pointless.
	if h.repairs != nil && decision.TargetSceneID != "" {
		h.repairs.Cancel(decision.TargetSceneID)
	}

	result, err := h.performer.Dispatch(ctx, decision, packet)
	if err != nil {
		if errors.Is(err, dispatch.ErrGenerationFailed) || errors.Is(err, dispatch.ErrInvalidDecision) {
			h.logger.Warn("turn failed for project %s: %v", projectID, err)
			h.reply(ctx, projectID, generationFailureText)
			return &Reply{Text: generationFailureText, Failed: true}, nil
		}
		return nil, fmt.Errorf("failed to dispatch %s operation: %w", decision.Operation, err)
	}

	h.reply(ctx, projectID, decision.Acknowledgement)
	return &Reply{Text: decision.Acknowledgement, Result: result}, nil
}

// reply records the assistant's side of the turn. Persistence of the reply
// is best effort; the user still gets it even if the write fails.
func (h *Handler) reply(ctx context.Context, projectID, text string) {
	if _, err := h.store.AddMessage(ctx, projectID, scene.RoleAssistant, text, nil); err != nil {
		h.logger.Error("failed to record assistant message for project %s: %v", projectID, err)
	}
}
