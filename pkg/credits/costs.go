package credits

import (
	"sort"

	"github.com/reelsmith/reelsmith/pkg/workflow"
)

// Default provider ids. The cost table is keyed by these; the provider
// package registers an invoker under each.
const (
	ProviderGemini = "gemini"
	ProviderClaude = "claude"
	ProviderGPT4   = "gpt4"
)

// CostTable maps (node type, provider) to an integer credit cost. It is
// built once at construction and never mutated by execution, so lookups
// are safe from any goroutine. Source nodes are free and have no entries.
type CostTable struct {
	costs map[workflow.NodeType]map[string]int
}

// NewCostTable builds a table from an explicit cost map. The map is
// copied; later changes to the argument do not affect the table.
func NewCostTable(costs map[workflow.NodeType]map[string]int) *CostTable {
	t := &CostTable{costs: make(map[workflow.NodeType]map[string]int, len(costs))}
	for nt, byProvider := range costs {
		inner := make(map[string]int, len(byProvider))
		for p, c := range byProvider {
			inner[p] = c
		}
		t.costs[nt] = inner
	}
	return t
}

// DefaultCostTable returns the deployment's standard pricing: light
// stages cost 1/5/4 (gemini/claude/gpt4) and the heavier generation
// stages 2/6/5.
func DefaultCostTable() *CostTable {
	light := map[string]int{ProviderGemini: 1, ProviderClaude: 5, ProviderGPT4: 4}
	heavy := map[string]int{ProviderGemini: 2, ProviderClaude: 6, ProviderGPT4: 5}
	return NewCostTable(map[workflow.NodeType]map[string]int{
		workflow.NodeTypeAnalyze:    light,
		workflow.NodeTypeExtract:    light,
		workflow.NodeTypeStyle:      light,
		workflow.NodeTypeRefine:     light,
		workflow.NodeTypeScript:     light,
		workflow.NodeTypeGenerate:   heavy,
		workflow.NodeTypeStoryboard: heavy,
	})
}

// Cost returns the credit cost of running one node of the given type
// against the given provider. Source node types always cost zero.
func (t *CostTable) Cost(nt workflow.NodeType, provider string) (int, error) {
	if nt.IsSource() {
		return 0, nil
	}
	byProvider, ok := t.costs[nt]
	if !ok {
		return 0, &UnknownCombinationError{NodeType: string(nt), Provider: provider}
	}
	c, ok := byProvider[provider]
	if !ok {
		return 0, &UnknownCombinationError{NodeType: string(nt), Provider: provider}
	}
	return c, nil
}

// Providers returns the provider ids available for a node type, ordered
// by ascending cost (ties by id) so the cheapest option comes first.
func (t *CostTable) Providers(nt workflow.NodeType) []string {
	byProvider := t.costs[nt]
	out := make([]string, 0, len(byProvider))
	for p := range byProvider {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := byProvider[out[i]], byProvider[out[j]]
		if ci != cj {
			return ci < cj
		}
		return out[i] < out[j]
	})
	return out
}
