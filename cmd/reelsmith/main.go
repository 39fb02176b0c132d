package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/reelsmith/reelsmith/pkg/credits"
	"github.com/reelsmith/reelsmith/pkg/provider"
	"github.com/reelsmith/reelsmith/pkg/workflow"
)

func main() {
	// Provider API keys are commonly kept in a local .env file.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "reelsmith",
		Short: "Reelsmith — AI content workflow engine",
		Long: `Reelsmith executes user-authored workflow graphs for short-form
video content: analyze a source video, extract hooks, study brand voice,
generate concepts, write scripts and storyboards.

Each node invokes an AI provider (gemini, claude, gpt4) and costs
credits according to the node type and provider chosen.`,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())
	root.AddCommand(lintCmd())
	root.AddCommand(costsCmd())
	return root
}

// ─── lint ─────────────────────────────────────────────────────────────────────

func lintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint <graph.dot>",
		Short: "Validate a workflow DOT file without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read file: %w", err)
			}
			spec, name, err := workflow.ParseDOT(string(src))
			if err != nil {
				return fmt.Errorf("parse: %w", err)
			}
			g, err := workflow.Build(name, *spec)
			if err != nil {
				return err
			}
			order, err := g.TopologicalOrder()
			if err != nil {
				return err
			}
			fmt.Printf("OK: graph %q is valid (%d nodes, %d edges)\n",
				g.ID, len(g.Nodes), len(g.Edges))
			fmt.Printf("execution order: %v\n", order)
			return nil
		},
	}
}

// ─── costs ────────────────────────────────────────────────────────────────────

func costsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "costs",
		Short: "Print the credit cost of every node type and provider",
		RunE: func(_ *cobra.Command, _ []string) error {
			table := credits.DefaultCostTable()
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NODE TYPE\tPROVIDER\tCREDITS")
			for _, nt := range workflow.AllNodeTypes {
				if nt.IsSource() {
					fmt.Fprintf(tw, "%s\t-\t0\n", nt)
					continue
				}
				providers := table.Providers(nt)
				sort.Strings(providers)
				for _, p := range providers {
					cost, err := table.Cost(nt, p)
					if err != nil {
						return err
					}
					fmt.Fprintf(tw, "%s\t%s\t%d\n", nt, p, cost)
				}
			}
			return tw.Flush()
		},
	}
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// buildInvoker registers an adapter for every provider whose API key is
// present. Missing keys are logged and skipped; a graph that routes to
// an unregistered provider fails that node with a permanent error.
func buildInvoker(ctx context.Context) *provider.Registry {
	reg := provider.NewRegistry()

	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		reg.Register(provider.Claude, provider.NewClaude())
	} else {
		slog.Warn("ANTHROPIC_API_KEY not set, claude disabled")
	}

	if gem, err := provider.NewGemini(ctx); err == nil {
		reg.Register(provider.Gemini, gem)
	} else {
		slog.Warn("gemini disabled", "err", err)
	}

	if oa, err := provider.NewGPT4(); err == nil {
		reg.Register(provider.GPT4, oa)
	} else {
		slog.Warn("gpt4 disabled", "err", err)
	}

	return reg
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-ch:
			fmt.Fprintln(os.Stderr, "\n[reelsmith] interrupted, finishing in-flight work")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
