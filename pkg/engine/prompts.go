package engine

import (
	"fmt"
	"strings"

	"github.com/reelsmith/reelsmith/pkg/workflow"
)

// contextSeparator joins upstream node outputs when assembling a
// downstream node's context.
const contextSeparator = "\n\n---\n\n"

// systemPrompts frames each model node type.
var systemPrompts = map[workflow.NodeType]string{
	workflow.NodeTypeAnalyze:    "You are an expert viral content strategist. Analyze content deeply and concretely.",
	workflow.NodeTypeExtract:    "You are extracting reusable content elements into a practical toolkit.",
	workflow.NodeTypeStyle:      "You are creating a style guide for content replication.",
	workflow.NodeTypeGenerate:   "You are a viral content scriptwriter creating a short-form video script.",
	workflow.NodeTypeRefine:     "You are optimizing content for maximum viral performance.",
	workflow.NodeTypeScript:     "You format scripts for final production use.",
	workflow.NodeTypeStoryboard: "You turn scripts into filmable visual storyboards.",
}

// taskPrompts is the default instruction per node type, used when the
// node has no custom prompt.
var taskPrompts = map[workflow.NodeType]string{
	workflow.NodeTypeAnalyze: `Analyze this content deeply. Provide a concise analysis:

## HOOK ANALYSIS (First 3 Seconds)
## CONTENT STRUCTURE
## PSYCHOLOGICAL TRIGGERS
## VIRAL MECHANICS
## REPLICABLE ELEMENTS (5 actionable items)

Be specific and actionable.`,

	workflow.NodeTypeExtract: `Extract all reusable elements from this content analysis. Create a toolkit for similar content:

## HOOKS (Copy-Paste Ready)
## KEY PHRASES & LANGUAGE
## VISUAL FRAMEWORK
## HASHTAG STRATEGY
## CTA TEMPLATES
## SUCCESS FORMULA

Keep it brief and immediately usable.`,

	workflow.NodeTypeStyle: `Create a concise style guide based on this content:

## VOICE & TONE
## VIDEO FORMAT
## EDITING STYLE
## VISUAL AESTHETIC
## AUDIO GUIDELINES

Keep this concise and actionable.`,

	workflow.NodeTypeGenerate: `Write a complete, production-ready short-form video script. Be concise. Include:

## TIMING
## HOOK (0-3 seconds) with spoken words and visuals
## BODY beats with spoken words and visuals
## CTA
## AUDIO NOTES
## CAPTION & HASHTAGS

Keep it natural and scroll-stopping.`,

	workflow.NodeTypeRefine: `Refine this script for maximum impact. Output:

## REFINED SCRIPT
## KEY CHANGES (1-5 improvements made)

The refined version should feel noticeably more engaging.`,

	workflow.NodeTypeScript: `Clean up and format this script for FINAL PRODUCTION USE. Include duration, hook, body beats, CTA, audio guidance, caption and hashtags. Remove analysis and meta-commentary; keep ONLY actionable content.`,

	workflow.NodeTypeStoryboard: `Create a concise VISUAL STORYBOARD for this script. For each scene include timing, visual description, camera angle, on-screen text, audio notes, and the transition to the next. Finish with a shot list table and an equipment checklist.`,
}

// formatInstructions maps a script node's output format to an
// instruction appended to the prompt.
var formatInstructions = map[workflow.OutputFormat]string{
	workflow.FormatMarkdown: "FORMAT: Use clean Markdown formatting.",
	workflow.FormatPlain:    "FORMAT: Output as PLAIN TEXT only, no markup.",
	workflow.FormatJSON:     "FORMAT: Output a single valid JSON object, nothing else.",
}

// BuildPrompt assembles the system and user prompts for one node
// execution from its config, the concatenated upstream outputs, and the
// run's output language.
func BuildPrompt(n *workflow.Node, upstream []string, language string) (system, prompt string) {
	system = systemPrompts[n.Type]

	var sb strings.Builder
	if language != "" && !strings.EqualFold(language, "english") {
		fmt.Fprintf(&sb, "IMPORTANT: You MUST write your ENTIRE response in %s.\n\n", language)
	}

	if n.Config.CustomPrompt != "" {
		sb.WriteString(n.Config.CustomPrompt)
	} else {
		sb.WriteString(taskPrompts[n.Type])
	}

	if n.Type == workflow.NodeTypeScript {
		format := n.Config.OutputFormat
		if format == "" {
			format = workflow.FormatMarkdown
		}
		sb.WriteString("\n\n")
		sb.WriteString(formatInstructions[format])
	}

	if len(upstream) > 0 {
		sb.WriteString("\n\n---\nCONTEXT:\n")
		sb.WriteString(strings.Join(upstream, contextSeparator))
	}
	return system, sb.String()
}

// renderVideoSource produces the context block for a source-video node.
// The video itself lives in the external library; only its reference
// metadata feeds downstream nodes.
func renderVideoSource(ref *workflow.SourceRef) string {
	var sb strings.Builder
	sb.WriteString("# SOURCE VIDEO\n\n")
	if ref.Platform != "" {
		fmt.Fprintf(&sb, "- **Platform:** %s\n", ref.Platform)
	}
	if ref.Author != "" {
		fmt.Fprintf(&sb, "- **Creator:** @%s\n", ref.Author)
	}
	if ref.Views != "" {
		fmt.Fprintf(&sb, "- **Views:** %s\n", ref.Views)
	}
	if ref.ViralScore > 0 {
		fmt.Fprintf(&sb, "- **Viral Score:** %.0f\n", ref.ViralScore)
	}
	if ref.Description != "" {
		fmt.Fprintf(&sb, "\n## Content Description\n%s\n", ref.Description)
	}
	if ref.URL != "" {
		fmt.Fprintf(&sb, "\n## Reference URL\n%s\n", ref.URL)
	}
	sb.WriteString("\nUse this video as reference for style, tone, format and content structure.")
	return sb.String()
}

// renderBrandSource produces the context block for a source-brand node.
func renderBrandSource(brandContext string) string {
	return fmt.Sprintf("# BRAND BRIEF\n\n## Brand Context\n%s\n\nAll generated content MUST align with this brand identity.", brandContext)
}
