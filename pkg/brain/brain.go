// Package brain is the decision engine: it turns one free-form user
// instruction plus the current project state into exactly one structured
// operation. It never mutates anything; the dispatcher acts on its output.
package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"sceneforge/pkg/contextmgr"
	"sceneforge/pkg/llm"
	"sceneforge/pkg/logx"
	"sceneforge/pkg/metrics"
)

// Operation is the kind of scene mutation a decision selects.
type Operation string

const (
	OpCreate Operation = "create"
	OpEdit   Operation = "edit"
	OpDelete Operation = "delete"
	OpRetime Operation = "retime"
)

// Decision is the single structured operation derived from a user turn.
// Exactly one Operation per decision. NeedsClarification set means no
// operation was derived and Question must be surfaced to the user.
type Decision struct {
	Operation            Operation `json:"operation"`
	TargetSceneID        string    `json:"target_scene_id,omitempty"`
	ReferencedSceneIDs   []string  `json:"referenced_scene_ids,omitempty"`
	TargetDurationFrames int       `json:"target_duration_frames,omitempty"`
	Acknowledgement      string    `json:"acknowledgement"`

	NeedsClarification bool   `json:"needs_clarification,omitempty"`
	Question           string `json:"question,omitempty"`
}

// Engine derives decisions with an LLM reasoning call.
type Engine struct {
	client   llm.Client
	timeout  time.Duration
	recorder *metrics.Recorder
	logger   *logx.Logger
}

// NewEngine builds an Engine. recorder may be nil in tests.
func NewEngine(client llm.Client, timeout time.Duration, rec *metrics.Recorder) *Engine {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Engine{
		client:   client,
		timeout:  timeout,
		recorder: rec,
		logger:   logx.NewLogger("brain"),
	}
}

// Decide derives one Decision from the packet. A malformed or invalid reply
// is retried once with a stricter prompt; a second failure yields a
// needs-clarification decision rather than an error, so the caller can ask
// the user instead of guessing.
func (e *Engine) Decide(ctx context.Context, packet *contextmgr.Packet) (Decision, error) {
	decision, err := e.decideOnce(ctx, packet, false)
	if err == nil {
		e.record(decision, "success")
		return decision, nil
	}
	if ctx.Err() != nil {
		e.record(Decision{}, "aborted")
		return Decision{}, ctx.Err()
	}

	e.logger.Warn("decision attempt failed, retrying with strict prompt: %v", err)
	decision, err = e.decideOnce(ctx, packet, true)
	if err == nil {
		e.record(decision, "success")
		return decision, nil
	}
	if ctx.Err() != nil {
		e.record(Decision{}, "aborted")
		return Decision{}, ctx.Err()
	}

	e.logger.Error("decision failed after retry: %v", err)
	e.record(Decision{}, "clarification")
	return Decision{
		NeedsClarification: true,
		Question:           "I couldn't work out which scene change you want. Could you rephrase, naming the scene and what should change?",
	}, nil
}

func (e *Engine) decideOnce(ctx context.Context, packet *contextmgr.Packet, strict bool) (Decision, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req := llm.NewRequest(
		llm.SystemMessage(decisionSystemPrompt(strict)),
		llm.UserMessage(decisionUserPrompt(packet)),
	)
	req.Temperature = 0.2
	req.MaxTokens = 1024

	resp, err := e.client.Complete(callCtx, req)
	if err != nil {
		return Decision{}, logx.Wrap(err, "decision call failed")
	}

	decision, err := parseDecision(resp.Content)
	if err != nil {
		return Decision{}, err
	}
	if err := validateDecision(decision, packet); err != nil {
		return Decision{}, err
	}
	return decision, nil
}

func (e *Engine) record(d Decision, status string) {
	if e.recorder == nil {
		return
	}
	op := string(d.Operation)
	if d.NeedsClarification || op == "" {
		op = "none"
	}
	e.recorder.RecordDecision(op, status)
}

// parseDecision extracts the decision JSON object from a raw model reply,
// tolerating fenced blocks and surrounding prose.
func parseDecision(raw string) (Decision, error) {
	raw = strings.TrimSpace(raw)
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Decision{}, fmt.Errorf("no JSON object in decision reply: %.80q", raw)
	}

	var d Decision
	if err := json.Unmarshal([]byte(raw[start:end+1]), &d); err != nil {
		return Decision{}, fmt.Errorf("failed to parse decision JSON: %w", err)
	}
	return d, nil
}

// validateDecision rejects decisions that reference state the project does
// not have. This is the trust boundary for model output.
func validateDecision(d Decision, packet *contextmgr.Packet) error {
	if d.NeedsClarification {
		if d.Question == "" {
			return fmt.Errorf("clarification decision carries no question")
		}
		return nil
	}

	switch d.Operation {
	case OpCreate:
	case OpEdit, OpDelete, OpRetime:
		if d.TargetSceneID == "" {
			return fmt.Errorf("%s decision missing target scene id", d.Operation)
		}
		if _, ok := packet.SceneByID(d.TargetSceneID); !ok {
			return fmt.Errorf("%s decision targets unknown scene %s", d.Operation, d.TargetSceneID)
		}
	default:
		return fmt.Errorf("unknown operation %q", d.Operation)
	}

	if d.Operation == OpRetime && d.TargetDurationFrames <= 0 {
		return fmt.Errorf("retime decision requires a positive duration, got %d", d.TargetDurationFrames)
	}

	for _, id := range d.ReferencedSceneIDs {
		if _, ok := packet.SceneByID(id); !ok {
			return fmt.Errorf("decision references unknown scene %s", id)
		}
	}

	if d.Acknowledgement == "" {
		return fmt.Errorf("decision missing acknowledgement")
	}
	return nil
}
