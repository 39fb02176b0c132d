package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/reelsmith/reelsmith/pkg/credits"
	"github.com/reelsmith/reelsmith/pkg/engine"
	"github.com/reelsmith/reelsmith/pkg/store"
	"github.com/reelsmith/reelsmith/pkg/workflow"
)

func runCmd() *cobra.Command {
	var (
		dbPath   string
		target   string
		language string
		pool     int
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "run <graph.dot>",
		Short: "Execute a workflow graph from a DOT file",
		Long: `Parses a DOT workflow, executes it against the local credit account
and prints each node's output. Credits persist in the local database, so
repeated runs draw down the same monthly balance the server uses.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read graph file: %w", err)
			}
			spec, name, err := workflow.ParseDOT(string(src))
			if err != nil {
				return fmt.Errorf("parse: %w", err)
			}
			g, err := workflow.Build(name, *spec)
			if err != nil {
				return err
			}

			st, err := store.Open(dbPath)
			if err != nil {
				return err
			}
			defer st.Close()
			if _, err := st.Reconcile(); err != nil {
				return err
			}

			ledger := credits.NewLedger(st)
			acct, err := st.GetAccount("local")
			if err != nil {
				acct = credits.Account{ID: "local", MonthlyLimit: limit, PeriodStart: time.Now()}
				if err := st.PutAccount(acct); err != nil {
					return err
				}
			}
			ledger.AddAccount(acct)

			eng, err := engine.New(g, ledger, credits.DefaultCostTable(), buildInvoker(cmd.Context()), engine.Options{
				AccountID: "local",
				PoolSize:  pool,
				Language:  language,
				Sink:      printEvent,
			})
			if err != nil {
				return err
			}

			ctx := signalContext(cmd.Context())
			result, err := eng.Run(ctx, target)
			if err != nil {
				return err
			}

			fmt.Printf("\ncredits used: %d, remaining: %d\n", result.CreditsUsed, result.CreditsRemaining)
			for _, nr := range result.Results {
				if nr.Status != workflow.StatusComplete {
					continue
				}
				fmt.Printf("\n━━━ %s (%s) ━━━\n%s\n", nr.NodeID, nr.Type, nr.Output)
			}
			if result.Failed {
				return fmt.Errorf("one or more nodes failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "reelsmith.db", "SQLite database path")
	cmd.Flags().StringVar(&target, "target", "", "run only this node and its incomplete ancestors")
	cmd.Flags().StringVar(&language, "language", "", "output language (default English)")
	cmd.Flags().IntVar(&pool, "pool", engine.DefaultPoolSize, "max concurrent provider calls")
	cmd.Flags().IntVar(&limit, "credits", 100, "monthly credit limit for a newly created local account")
	return cmd
}

// printEvent renders run progress on stderr, one line per transition.
func printEvent(ev engine.Event) {
	switch ev.Status {
	case workflow.StatusRunning:
		fmt.Fprintf(os.Stderr, "[%s] %s running", ev.NodeID, ev.Type)
		if ev.Provider != "" {
			fmt.Fprintf(os.Stderr, " via %s", ev.Provider)
		}
		fmt.Fprintln(os.Stderr)
	case workflow.StatusComplete:
		fmt.Fprintf(os.Stderr, "[%s] complete (%d credits)\n", ev.NodeID, ev.CostCharged)
	case workflow.StatusError:
		fmt.Fprintf(os.Stderr, "[%s] error: %s\n", ev.NodeID, ev.Err)
	case workflow.StatusReady:
		if ev.Err != "" {
			fmt.Fprintf(os.Stderr, "[%s] refused: %s\n", ev.NodeID, ev.Err)
		}
	}
}
