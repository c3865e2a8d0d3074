package generate

import (
	"fmt"
	"strings"
)

const systemPrompt = `You are a video scene code generator. You write a single self-contained React component for a frame-based video renderer.

Rules:
- Output ONLY code, inside one fenced code block. No prose before or after.
- The component must be the default export.
- Export a numeric durationInFrames constant when the scene's length changes.
- Use only the renderer's built-in primitives and standard React. No external packages.
- Animations derive from the current frame, never from wall-clock time.`

const (
	quickFixInstructions = `The scene code below fails with the error shown. Fix ONLY what the error message points at, with the smallest possible change. Do not restructure, rename, or restyle anything else.`

	comprehensiveFixInstructions = `A minimal fix for the error below was already attempted and the scene still fails. Re-examine the whole component for the root cause: check every import, every hook call, every prop type, and any value that could be undefined at frame 0. Return a corrected version of the full component.`

	rewriteFixInstructions = `Two repair attempts have failed on the scene code below. Rewrite the component from scratch with simpler, safer code that preserves the same visible output. Prefer plain elements and basic interpolation over anything clever. The only priority is that it compiles and renders without error.`
)

// buildPrompt assembles the user-turn prompt for one generation call.
func buildPrompt(req Request) string {
	var b strings.Builder

	if req.ErrorMessage != "" {
		switch req.Tier {
		case TierComprehensive:
			b.WriteString(comprehensiveFixInstructions)
		case TierRewrite:
			b.WriteString(rewriteFixInstructions)
		default:
			b.WriteString(quickFixInstructions)
		}
		b.WriteString("\n\nError:\n")
		b.WriteString(req.ErrorMessage)
		b.WriteString("\n\nCurrent code:\n")
		writeFence(&b, req.TargetCode)
		return b.String()
	}

	b.WriteString(req.Instruction)

	if req.TargetCode != "" {
		b.WriteString("\n\nEdit this scene:\n")
		writeFence(&b, req.TargetCode)
	} else if req.PreviousCode != "" {
		b.WriteString("\n\nThe previous scene in the video, for style continuity (do not copy its content):\n")
		writeFence(&b, req.PreviousCode)
	}

	for _, ref := range req.References {
		fmt.Fprintf(&b, "\n\nMatch the style of the scene %q:\n", ref.SceneName)
		writeFence(&b, ref.Code)
	}

	for _, img := range req.Images {
		fmt.Fprintf(&b, "\n\nThe %s the user mentioned is at: %s", img.Label, img.URL)
	}

	return b.String()
}

func writeFence(b *strings.Builder, code string) {
	b.WriteString("```tsx\n")
	b.WriteString(code)
	if !strings.HasSuffix(code, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("```")
}
