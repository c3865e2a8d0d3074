package brain

import (
	"fmt"
	"strings"

	"sceneforge/pkg/contextmgr"
)

const decisionPromptBase = `You decide what single scene operation a video editing assistant should perform, based on the user's latest instruction and the current project state.

Reply with one JSON object and nothing else:
{
  "operation": "create" | "edit" | "delete" | "retime",
  "target_scene_id": "<id, required for edit/delete/retime>",
  "referenced_scene_ids": ["<ids of scenes the user wants the target to match>"],
  "target_duration_frames": <positive integer, retime only>,
  "acknowledgement": "<one short sentence telling the user what will happen>"
}

Rules:
- Exactly one operation per reply.
- Populate referenced_scene_ids ONLY when the instruction explicitly compares to or matches another scene ("same colors as scene 1", "match the intro's background"). Plain edits reference nothing.
- "make it longer/shorter", "set it to N seconds" and similar are retime, not edit. The video runs at 30 frames per second.
- When the user says "the first image", "the second image", etc., they mean the uploaded images listed in the state.
- If the instruction is not about scenes at all, or you cannot tell which scene is meant, reply instead with:
{"needs_clarification": true, "question": "<what to ask the user>"}`

const decisionPromptStrict = `

Your previous reply was rejected. This time:
- Output raw JSON only. No code fences, no commentary.
- Every scene id you use must be copied verbatim from the scene list.
- If any required field would be a guess, return the needs_clarification form instead.`

func decisionSystemPrompt(strict bool) string {
	if strict {
		return decisionPromptBase + decisionPromptStrict
	}
	return decisionPromptBase
}

func decisionUserPrompt(packet *contextmgr.Packet) string {
	var b strings.Builder

	b.WriteString("Scenes in order:\n")
	if len(packet.SceneSummaries) == 0 {
		b.WriteString("(none yet)\n")
	}
	for _, s := range packet.SceneSummaries {
		fmt.Fprintf(&b, "%d. id=%s name=%q duration=%d frames\n", s.Order+1, s.ID, s.Name, s.DurationFrames)
	}

	if len(packet.ImageReferences) > 0 {
		b.WriteString("\nUploaded images:\n")
		for _, img := range packet.ImageReferences {
			fmt.Fprintf(&b, "- %s: %s\n", img.Label(), img.URL)
		}
	}

	if len(packet.RecentTurns) > 0 {
		b.WriteString("\nRecent conversation:\n")
		for _, turn := range packet.RecentTurns {
			fmt.Fprintf(&b, "[%s] %s\n", turn.Role, turn.Text)
		}
	}

	fmt.Fprintf(&b, "\nUser instruction: %s", packet.UserInstruction)
	return b.String()
}
