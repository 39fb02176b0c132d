package workflow

import (
	"fmt"
	"strings"

	gographviz "github.com/awalterschulze/gographviz"
)

// ParseDOT parses a Graphviz DOT string into a GraphSpec. Workflows
// authored on disk use DOT: node attributes carry the type and config,
// edges carry the dependencies.
//
//	digraph script {
//	    vid   [type="source-video"]
//	    brand [type="source-brand", brand="Handmade ceramics studio"]
//	    a     [type=analyze, model=gemini]
//	    s     [type=script, model=gemini, format=markdown]
//	    vid -> a
//	    brand -> s
//	    a -> s
//	}
func ParseDOT(src string) (*GraphSpec, string, error) {
	graphAst, err := gographviz.ParseString(src)
	if err != nil {
		return nil, "", fmt.Errorf("dot parse error: %w", err)
	}

	// Permissive collector: accepts any attribute name without the strict
	// validation gographviz.Graph performs.
	collector := newDOTCollector()
	if err := gographviz.Analyse(graphAst, collector); err != nil {
		return nil, "", fmt.Errorf("dot analyse error: %w", err)
	}

	spec := &GraphSpec{}
	for _, id := range collector.order {
		attrs := collector.nodes[id]
		nt := NodeType(attrs["type"])
		if attrs["type"] == "" {
			return nil, "", fmt.Errorf("node %q: missing required attribute \"type\"", id)
		}
		spec.Nodes = append(spec.Nodes, NodeSpec{
			ID:   id,
			Type: nt,
			Config: Config{
				CustomPrompt: attrs["prompt"],
				Model:        attrs["model"],
				BrandContext: attrs["brand"],
				OutputFormat: OutputFormat(attrs["format"]),
				QualityHint:  attrs["quality"],
			},
		})
	}
	for _, e := range collector.edges {
		spec.Edges = append(spec.Edges, EdgeSpec{From: e.from, To: e.to})
	}
	return spec, collector.name, nil
}

// ─── permissive DOT collector ─────────────────────────────────────────────────

type rawEdge struct {
	from, to string
}

// dotCollector implements gographviz.Interface without attribute validation.
type dotCollector struct {
	name  string
	nodes map[string]map[string]string // id → attrs
	order []string                     // ids in definition order
	edges []rawEdge
	// defaultNodeAttrs holds attrs set at the graph level (node [...]).
	defaultNodeAttrs map[string]string
}

func newDOTCollector() *dotCollector {
	return &dotCollector{
		nodes:            make(map[string]map[string]string),
		defaultNodeAttrs: make(map[string]string),
	}
}

func (c *dotCollector) SetStrict(_ bool) error { return nil }
func (c *dotCollector) SetDir(_ bool) error    { return nil }
func (c *dotCollector) SetName(n string) error { c.name = unquote(n); return nil }
func (c *dotCollector) String() string         { return c.name }

func (c *dotCollector) AddNode(_ string, name string, attrs map[string]string) error {
	id := unquote(name)
	if _, ok := c.nodes[id]; !ok {
		c.order = append(c.order, id)
		c.nodes[id] = make(map[string]string, len(c.defaultNodeAttrs))
		for k, v := range c.defaultNodeAttrs {
			c.nodes[id][k] = v
		}
	}
	for k, v := range attrs {
		c.nodes[id][k] = unquote(v)
	}
	return nil
}

func (c *dotCollector) AddEdge(src, dst string, _ bool, _ map[string]string) error {
	c.edges = append(c.edges, rawEdge{from: unquote(src), to: unquote(dst)})
	return nil
}

func (c *dotCollector) AddPortEdge(src, _, dst, _ string, directed bool, attrs map[string]string) error {
	return c.AddEdge(src, dst, directed, attrs)
}

func (c *dotCollector) AddAttr(_ string, _, _ string) error { return nil }

func (c *dotCollector) AddSubGraph(_, _ string, _ map[string]string) error { return nil }

// unquote strips surrounding double-quotes from a DOT attribute value.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
