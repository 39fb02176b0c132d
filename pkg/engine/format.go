package engine

import (
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/reelsmith/reelsmith/pkg/workflow"
)

// postprocessOutput normalizes a node's generated text before storage.
// Script nodes configured for JSON get their output run through
// jsonrepair: models routinely wrap JSON in code fences or leave
// trailing commas, and downstream consumers expect strict JSON.
func postprocessOutput(n *workflow.Node, text string) string {
	if n.Type != workflow.NodeTypeScript || n.Config.OutputFormat != workflow.FormatJSON {
		return text
	}
	cleaned := stripCodeFence(text)
	repaired, err := jsonrepair.JSONRepair(cleaned)
	if err != nil {
		// Keep the raw text; the output endpoint will still serve it.
		return text
	}
	return repaired
}

// stripCodeFence removes a surrounding ```json ... ``` fence if present.
func stripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
