package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/reelsmith/reelsmith/pkg/credits"
	"github.com/reelsmith/reelsmith/pkg/engine"
	"github.com/reelsmith/reelsmith/pkg/server"
	"github.com/reelsmith/reelsmith/pkg/store"
)

func serveCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, v)
		},
	}

	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("db", "reelsmith.db", "SQLite database path")
	cmd.Flags().Int("pool", engine.DefaultPoolSize, "max concurrent provider calls per run")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	// Flags are overridable via REELSMITH_ADDR, REELSMITH_DB, etc.
	v.SetEnvPrefix("reelsmith")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(cmd.Flags())

	return cmd
}

func serve(cmd *cobra.Command, v *viper.Viper) error {
	setupLogging(v.GetString("log-level"))

	st, err := store.Open(v.GetString("db"))
	if err != nil {
		return err
	}
	defer st.Close()

	// Reservations left open by a crashed process were never settled;
	// release them so the held credits come back.
	released, err := st.Reconcile()
	if err != nil {
		return err
	}
	if released > 0 {
		slog.Info("released stale reservations", "count", released)
	}

	ledger := credits.NewLedger(st)
	invoker := buildInvoker(cmd.Context())
	srv := server.New(st, ledger, credits.DefaultCostTable(), invoker, v.GetInt("pool"))

	addr := v.GetString("addr")
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}

	ctx := signalContext(cmd.Context())
	go func() {
		<-ctx.Done()
		slog.Info("shutting down")
		_ = httpSrv.Shutdown(cmd.Context())
	}()

	slog.Info("listening", "addr", addr, "db", v.GetString("db"), "pool", v.GetInt("pool"))
	if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
