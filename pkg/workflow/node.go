package workflow

// NodeType identifies the kind of work a node performs.
type NodeType string

const (
	NodeTypeSourceVideo NodeType = "source-video"
	NodeTypeSourceBrand NodeType = "source-brand"
	NodeTypeAnalyze     NodeType = "analyze"
	NodeTypeExtract     NodeType = "extract"
	NodeTypeStyle       NodeType = "style"
	NodeTypeGenerate    NodeType = "generate"
	NodeTypeRefine      NodeType = "refine"
	NodeTypeScript      NodeType = "script"
	NodeTypeStoryboard  NodeType = "storyboard"
)

// AllNodeTypes lists every valid node type, sources first.
var AllNodeTypes = []NodeType{
	NodeTypeSourceVideo,
	NodeTypeSourceBrand,
	NodeTypeAnalyze,
	NodeTypeExtract,
	NodeTypeStyle,
	NodeTypeGenerate,
	NodeTypeRefine,
	NodeTypeScript,
	NodeTypeStoryboard,
}

// IsSource reports whether the node type provides input material rather
// than invoking a model. Source nodes have no incoming edges and cost
// no credits to execute.
func (t NodeType) IsSource() bool {
	return t == NodeTypeSourceVideo || t == NodeTypeSourceBrand
}

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	for _, nt := range AllNodeTypes {
		if t == nt {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of a node.
type Status string

const (
	StatusUnconfigured Status = "unconfigured"
	StatusReady        Status = "ready"
	StatusQueued       Status = "queued"
	StatusRunning      Status = "running"
	StatusComplete     Status = "complete"
	StatusError        Status = "error"
	StatusStale        Status = "stale"
)

// OutputFormat selects how a script node's output is rendered.
type OutputFormat string

const (
	FormatMarkdown OutputFormat = "markdown"
	FormatPlain    OutputFormat = "plain"
	FormatJSON     OutputFormat = "json"
)

// Valid reports whether f is a known output format. The empty format is
// valid and means markdown.
func (f OutputFormat) Valid() bool {
	switch f {
	case "", FormatMarkdown, FormatPlain, FormatJSON:
		return true
	}
	return false
}

// Config is the provider-agnostic configuration of a node.
type Config struct {
	// CustomPrompt overrides the built-in prompt template for the node type.
	CustomPrompt string `json:"custom_prompt,omitempty"`
	// Model is the provider id (gemini, claude, gpt4). Empty means the
	// auto-selection policy picks one from the cost table at run time.
	Model string `json:"model,omitempty"`
	// BrandContext holds the brand brief text for source-brand nodes.
	BrandContext string `json:"brand_context,omitempty"`
	// OutputFormat applies to script nodes: markdown (default), plain, json.
	OutputFormat OutputFormat `json:"output_format,omitempty"`
	// QualityHint steers auto model selection: draft, balanced, best.
	QualityHint string `json:"quality_hint,omitempty"`
}

// SourceRef describes the external video attached to a source-video node.
// The video library that produces these lives outside this service; only
// the reference and display metadata are stored.
type SourceRef struct {
	URL         string  `json:"url,omitempty"`
	Platform    string  `json:"platform,omitempty"`
	Author      string  `json:"author,omitempty"`
	Description string  `json:"description,omitempty"`
	Views       string  `json:"views,omitempty"`
	ViralScore  float64 `json:"viral_score,omitempty"`
}

// Node represents a single vertex in the workflow graph.
type Node struct {
	ID     string     `json:"id"`
	Type   NodeType   `json:"type"`
	Config Config     `json:"config"`
	Status Status     `json:"status"`
	Source *SourceRef `json:"source,omitempty"`

	// Output is present only when Status is complete (retained while stale).
	Output string `json:"output,omitempty"`
	// ErrMsg holds the failure message for display when Status is error.
	ErrMsg string `json:"error,omitempty"`
	// CostCharged records the credits debited for the last successful run.
	CostCharged int `json:"cost_charged,omitempty"`
}

// Configured reports whether the node has everything it needs to run.
// Source nodes need their material attached; model nodes run with
// defaults, so any structurally valid config is enough.
func (n *Node) Configured() bool {
	switch n.Type {
	case NodeTypeSourceVideo:
		return n.Source != nil
	case NodeTypeSourceBrand:
		return n.Config.BrandContext != ""
	default:
		return true
	}
}

// Edge is a directed dependency: To's context includes From's output.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}
