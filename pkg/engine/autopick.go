package engine

import (
	"fmt"

	"github.com/reelsmith/reelsmith/pkg/credits"
	"github.com/reelsmith/reelsmith/pkg/workflow"
)

// Quality hints accepted by SelectProvider.
const (
	QualityDraft    = "draft"
	QualityBalanced = "balanced"
	QualityBest     = "best"
)

// SelectProvider picks a provider for a node whose config leaves the
// model unset ("auto mode"). The policy reads the cost table only:
// draft and the empty hint take the cheapest provider, best the most
// expensive, balanced the middle of the range.
func SelectProvider(costs *credits.CostTable, nt workflow.NodeType, qualityHint string) (string, error) {
	providers := costs.Providers(nt)
	if len(providers) == 0 {
		return "", fmt.Errorf("no providers priced for node type %q", nt)
	}
	switch qualityHint {
	case QualityDraft, "":
		return providers[0], nil
	case QualityBest:
		return providers[len(providers)-1], nil
	case QualityBalanced:
		return providers[len(providers)/2], nil
	}
	return "", fmt.Errorf("unknown quality hint %q", qualityHint)
}
