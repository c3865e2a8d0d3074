// Package generate wraps the LLM code-generation capability behind a single
// opaque text-to-code operation. Callers supply an instruction plus optional
// target code, reference code, images, and repair context; they get back new
// scene code or an error. Retry policy lives with the caller, not here.
package generate

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"sceneforge/pkg/config"
	"sceneforge/pkg/limiter"
	"sceneforge/pkg/llm"
	"sceneforge/pkg/logx"
	"sceneforge/pkg/metrics"
	"sceneforge/pkg/tokens"
)

// Tier selects the repair strategy for auto-fix calls. TierNone marks a
// user-driven generation with no error context.
type Tier int

const (
	TierNone Tier = iota
	TierQuick
	TierComprehensive
	TierRewrite
)

// String returns the metric label for the tier.
func (t Tier) String() string {
	switch t {
	case TierQuick:
		return "quick"
	case TierComprehensive:
		return "comprehensive"
	case TierRewrite:
		return "rewrite"
	default:
		return "none"
	}
}

// Reference carries another scene's code as match-this material. The
// referenced scene is never mutated.
type Reference struct {
	SceneName string
	Code      string
}

// ImageInput is an uploaded image with its conversational ordinal label.
type ImageInput struct {
	URL   string
	Label string
}

// Request describes one generation call. TargetCode empty means create new
// code; non-empty means edit it. ErrorMessage non-empty means repair mode
// and Tier selects the strategy.
type Request struct {
	Instruction  string
	TargetCode   string
	PreviousCode string
	References   []Reference
	Images       []ImageInput
	ErrorMessage string
	Tier         Tier
}

func (r Request) kind() string {
	switch {
	case r.ErrorMessage != "":
		return "repair"
	case r.TargetCode != "":
		return "edit"
	default:
		return "create"
	}
}

// Result is a successful generation. DurationFrames is 0 when the capability
// did not report one; callers keep the scene's existing duration in that case.
type Result struct {
	Code           string
	DurationFrames int
	Usage          llm.Usage
}

// Capability is the black-box text-to-code operation consumed by the
// dispatcher and the auto-fix queue.
type Capability interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

var (
	ErrEmptyOutput     = errors.New("generation returned no code")
	ErrMalformedOutput = errors.New("generation output could not be parsed")
)

// Generator implements Capability against an LLM client.
type Generator struct {
	client   llm.Client
	model    config.ModelCfg
	limiter  *limiter.Limiter
	counter  *tokens.Counter
	recorder *metrics.Recorder
	timeout  time.Duration
	logger   *logx.Logger
}

// New builds a Generator. limiter and recorder may be nil in tests.
func New(client llm.Client, model config.ModelCfg, lim *limiter.Limiter, counter *tokens.Counter, rec *metrics.Recorder, timeout time.Duration) *Generator {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Generator{
		client:   client,
		model:    model,
		limiter:  lim,
		counter:  counter,
		recorder: rec,
		timeout:  timeout,
		logger:   logx.NewLogger("generate"),
	}
}

// Generate runs one generation call end to end: rate/concurrency gating,
// prompt assembly, the LLM round trip, and output parsing.
func (g *Generator) Generate(ctx context.Context, req Request) (res Result, err error) {
	kind := req.kind()
	start := time.Now()
	defer func() {
		if g.recorder != nil {
			status := "success"
			if err != nil {
				status = "failure"
			}
			g.recorder.RecordGeneration(g.client.ModelName(), kind, status, time.Since(start))
		}
	}()

	prompt := buildPrompt(req)
	if g.model.MaxContextTokens > 0 {
		budget := g.model.MaxContextTokens - g.model.MaxReplyTokens
		if budget > 0 && !g.counter.WithinLimit(prompt, budget) {
			g.logger.Warn("prompt over context budget (%d tokens for %d), truncating", g.counter.Count(prompt), budget)
			prompt = g.counter.Truncate(prompt, budget)
		}
	}

	promptTokens := g.counter.Count(prompt)
	if g.limiter != nil {
		estimate := promptTokens + g.model.MaxReplyTokens
		if err := g.limiter.Reserve(g.client.ModelName(), estimate); err != nil {
			return Result{}, fmt.Errorf("generation gated for model %s: %w", g.client.ModelName(), err)
		}
		if g.model.MaxBudgetPerDayUSD > 0 {
			cost := estimatedCostUSD(g.model, promptTokens, g.model.MaxReplyTokens)
			if err := g.limiter.ReserveBudget(g.client.ModelName(), cost); err != nil {
				return Result{}, fmt.Errorf("generation gated for model %s: %w", g.client.ModelName(), err)
			}
		}
		if err := g.limiter.Acquire(g.client.ModelName()); err != nil {
			return Result{}, fmt.Errorf("generation gated for model %s: %w", g.client.ModelName(), err)
		}
		defer func() { _ = g.limiter.Release(g.client.ModelName()) }()
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	llmReq := llm.NewRequest(
		llm.SystemMessage(systemPrompt),
		llm.UserMessage(prompt),
	)
	if g.model.MaxReplyTokens > 0 {
		llmReq.MaxTokens = g.model.MaxReplyTokens
	}
	llmReq.Temperature = 0.4

	g.logger.Debug("generation call: kind=%s tier=%s prompt_tokens~%d", kind, req.Tier, promptTokens)

	resp, err := g.client.Complete(callCtx, llmReq)
	if err != nil {
		return Result{}, logx.Wrap(err, fmt.Sprintf("generation call failed (kind=%s)", kind))
	}

	if g.recorder != nil {
		g.recorder.RecordTokens(g.client.ModelName(), resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}

	code, duration, err := parseOutput(resp.Content)
	if err != nil {
		return Result{}, err
	}

	return Result{Code: code, DurationFrames: duration, Usage: resp.Usage}, nil
}

// estimatedCostUSD prices a worst-case call from the model's per-million-token
// rates, assuming the reply uses the full token allowance.
func estimatedCostUSD(m config.ModelCfg, inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*m.CpmTokensIn/1e6 + float64(outputTokens)*m.CpmTokensOut/1e6
}

var (
	fenceRe    = regexp.MustCompile("(?s)```(?:tsx|typescript|jsx|javascript|ts|js)?\\s*\\n(.*?)```")
	durationRe = regexp.MustCompile(`durationInFrames\s*[:=]\s*(\d+)`)
)

// parseOutput extracts the code block and any reported duration from a raw
// model reply. Replies without a fenced block are accepted verbatim when
// they look like source, rejected otherwise.
func parseOutput(raw string) (string, int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0, ErrEmptyOutput
	}

	code := raw
	if m := fenceRe.FindStringSubmatch(raw); m != nil {
		code = strings.TrimSpace(m[1])
	} else if strings.HasPrefix(raw, "```") {
		// Fence opened but never closed or empty.
		return "", 0, ErrMalformedOutput
	}

	if code == "" {
		return "", 0, ErrEmptyOutput
	}
	if !looksLikeCode(code) {
		return "", 0, fmt.Errorf("%w: reply is prose, not code", ErrMalformedOutput)
	}

	duration := 0
	if m := durationRe.FindStringSubmatch(code); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			duration = n
		}
	}
	return code, duration, nil
}

func looksLikeCode(s string) bool {
	for _, marker := range []string{"import ", "export ", "function ", "const ", "return ", "=>"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
