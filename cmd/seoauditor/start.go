package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/seoauditor/crawler/internal/crawl"
	"github.com/seoauditor/crawler/internal/storage"
	"github.com/seoauditor/crawler/internal/storage/ndjson"
	"github.com/seoauditor/crawler/internal/storage/postgres"
	"github.com/seoauditor/crawler/internal/storage/sqlite"
)

var (
	backendKind string
	backendDSN  string
)

func init() {
	startCmd := &cobra.Command{
		Use:   "start <url>",
		Short: "Run a crawl to completion, printing a summary",
		Args:  cobra.ExactArgs(1),
		RunE:  runStart,
	}
	startCmd.Flags().StringVar(&backendKind, "backend", "ndjson", "persistence backend: ndjson, sqlite, postgres, memory")
	startCmd.Flags().StringVar(&backendDSN, "dsn", "./seoauditor-data", "backend DSN (file path for ndjson/sqlite, connection string for postgres)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	seedURL := args[0]
	cfg := loadConfig()

	backend, err := newBackend()
	if err != nil {
		return err
	}
	if backend != nil {
		defer backend.Close()
	}

	engine := crawl.NewEngine(backend, logger)

	ok, msg := engine.Start(cmd.Context(), seedURL, "cli-user", "cli-session", cfg)
	if !ok {
		return fmt.Errorf("failed to start crawl: %s", msg)
	}
	fmt.Printf("crawl started: %s\n", msg)

	// First interrupt pauses and checkpoints; a second one stops outright.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	go func() {
		paused := false
		for range interrupts {
			if !paused {
				fmt.Fprintln(os.Stderr, "\nreceived interrupt, pausing (interrupt again to stop)")
				engine.Pause(context.Background())
				paused = true
				continue
			}
			fmt.Fprintln(os.Stderr, "\nstopping crawl")
			engine.Stop(context.Background())
			return
		}
	}()

	engine.Wait()
	signal.Stop(interrupts)

	printStatus(engine.GetStatus())
	return nil
}

func newBackend() (storage.Backend, error) {
	switch backendKind {
	case "memory":
		return nil, nil
	case "ndjson":
		return ndjson.New(afero.NewOsFs(), backendDSN)
	case "sqlite":
		return sqlite.New(backendDSN)
	case "postgres":
		return postgres.New(context.Background(), backendDSN)
	default:
		return nil, fmt.Errorf("unknown backend %q", backendKind)
	}
}
