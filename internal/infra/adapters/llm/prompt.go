package llm

import (
	"fmt"
	"strings"

	"microwins/internal/domain/ports/adapter"
)

const systemPrompt = "You are a coach who breaks personal goals into small, concrete, sequential micro-steps. " +
	"Each step must be achievable in one short session and build on the previous one. " +
	"Respond with JSON only."

// BuildPrompt renders the user prompt. It depends only on the request fields so
// identical requests produce identical prompts.
func BuildPrompt(req adapter.GenerateRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generate exactly %d sequential micro-steps to achieve this goal.\n\n", req.TargetCount)
	fmt.Fprintf(&b, "Goal: %s\n", strings.TrimSpace(req.Title))
	fmt.Fprintf(&b, "Category: %s\n", req.Category)
	fmt.Fprintf(&b, "Difficulty: %s\n", req.Difficulty)
	if req.TargetDays > 0 {
		fmt.Fprintf(&b, "Target days: %d\n", req.TargetDays)
	}
	b.WriteString("\nReturn the steps as a JSON array of exactly ")
	fmt.Fprintf(&b, "%d objects, each with \"id\", \"title\" and \"description\" fields", req.TargetCount)
	b.WriteString(" and an optional \"tips\" array of strings.\n")
	b.WriteString("Ensure the steps show logical progression toward the end goal. Do not add commentary.")
	return b.String()
}
